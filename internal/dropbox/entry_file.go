package dropbox

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
)

// EntryFile dropbox 目录下的记录文件名 <tag>@<epoch-millis>.<ext>
type EntryFile struct {
	Tag  string
	Time domain.DeviceTimestamp
	Ext  string // txt, txt.gz, dat.gz, lost
}

// ParseEntryFileName 解析记录文件名，可以带目录
func ParseEntryFileName(name string) (EntryFile, error) {
	base := path.Base(name)
	at := strings.IndexByte(base, '@')
	dot := strings.IndexByte(base, '.')
	if at <= 0 || dot <= 0 || dot < at {
		return EntryFile{}, fmt.Errorf("unrecognized dropbox entry file name %q", name)
	}

	millis, err := strconv.ParseInt(base[at+1:dot], 10, 64)
	if err != nil {
		return EntryFile{}, fmt.Errorf("unrecognized dropbox entry file name %q: %w", name, err)
	}

	return EntryFile{
		Tag:  base[:at],
		Time: domain.NewDeviceTimestamp(millis),
		Ext:  base[dot+1:],
	}, nil
}

// FileName 还原文件名
func (f EntryFile) FileName() string {
	return fmt.Sprintf("%s@%d.%s", f.Tag, f.Time.Millis(), f.Ext)
}
