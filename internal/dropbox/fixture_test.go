package dropbox

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/adb/adbtest"
	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/apk-analysis/app-compat-harness/internal/hostexec/hostexectest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testOptions(t *testing.T) Options {
	return Options{
		DumpTimeout:     time.Minute,
		PullTimeout:     time.Minute,
		HostToolTimeout: time.Minute,
		TempDir:         t.TempDir(),
	}
}

func ts(millis int64) *domain.DeviceTimestamp {
	v := domain.NewDeviceTimestamp(millis)
	return &v
}

// deviceRecord 设备 dropbox 中的一条记录，用于同时构造三种导出格式
type deviceRecord struct {
	tag  string
	time int64
	ext  string
	body string
}

var deviceRecords = []deviceRecord{
	{tag: "data_app_crash", time: 1000, ext: "txt", body: "Process: com.x\nPID: 100\njava.lang.NullPointerException\n"},
	{tag: "data_app_crash", time: 1500, ext: "txt.gz", body: "Process: com.y\nPID: 200\njava.lang.IllegalStateException\n"},
	{tag: "data_app_crash", time: 2000, ext: "txt", body: "Cmd line: com.x\nPID: 101\njava.lang.OutOfMemoryError\n"},
	{tag: "data_app_anr", time: 2500, ext: "txt", body: "ANR in com.x (com.x/.MainActivity)\nReason: Input dispatching timed out\n"},
	{tag: "SYSTEM_BOOT", time: 900, ext: "txt", body: "boot\n"},
}

func encodeProtoDump(records ...deviceRecord) []byte {
	var b []byte
	for _, r := range records {
		var entry []byte
		entry = protowire.AppendTag(entry, entryTimeField, protowire.VarintType)
		entry = protowire.AppendVarint(entry, uint64(r.time))
		entry = protowire.AppendTag(entry, entryDataField, protowire.BytesType)
		entry = protowire.AppendBytes(entry, []byte(r.body))

		b = protowire.AppendTag(b, dumpEntriesField, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func recordsByTag(tag string) []deviceRecord {
	var out []deviceRecord
	for _, r := range deviceRecords {
		if r.tag == tag {
			out = append(out, r)
		}
	}
	return out
}

// setupProtoDevice 支持 --proto 的设备，proto 中的记录故意倒序
func setupProtoDevice(dev *adbtest.FakeDevice) {
	dev.RespondShell("dumpsys dropbox --help", "Dropbox [--proto] [-p|--print] [-f|--file] [timestamp]\n")
	for _, tag := range []string{"data_app_crash", "data_app_anr", "SYSTEM_BOOT"} {
		records := recordsByTag(tag)
		reversed := make([]deviceRecord, 0, len(records))
		for i := len(records) - 1; i >= 0; i-- {
			reversed = append(reversed, records[i])
		}
		dev.RespondShell("dumpsys dropbox --proto "+tag, string(encodeProtoDump(reversed...)))
	}
}

func (r deviceRecord) fileName() string {
	return fmt.Sprintf("%s@%d.%s", r.tag, r.time, r.ext)
}

func gzipBytes(t *testing.T, s string) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// setupPullDevice 设备端 ls / tar 和主机端 tar -xzf
func setupPullDevice(t *testing.T, dev *adbtest.FakeDevice, runner *hostexectest.FakeRunner) {
	var names []string
	for _, r := range deviceRecords {
		names = append(names, r.fileName())
	}
	names = append(names, "data_app_crash@2600.lost")

	dev.RespondShell("ls /data/system/dropbox/", strings.Join(names, "\n")+"\n")
	dev.OnShell("tar -czf "+remoteArchivePath, func(string) (*domain.CommandResult, error) {
		dev.PutFile(remoteArchivePath, []byte("fake archive"))
		return &domain.CommandResult{Status: domain.CommandStatusSuccess}, nil
	})
	dev.OnShell("rm -rf "+remoteArchivePath, func(string) (*domain.CommandResult, error) {
		return &domain.CommandResult{Status: domain.CommandStatusSuccess}, dev.DeleteFile(context.Background(), remoteArchivePath)
	})

	// 只解出设备端 tar 命令里列出的文件
	runner.Handle("tar -xzf", func(args []string, _ io.Writer) *domain.CommandResult {
		var archived string
		for _, c := range dev.Commands() {
			if strings.HasPrefix(c, "tar -czf") {
				archived = c
			}
		}

		dir := filepath.Join(args[3], "data", "system", "dropbox")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for _, r := range deviceRecords {
			if !strings.Contains(archived, "/data/system/dropbox/"+r.fileName()) {
				continue
			}
			data := []byte(r.body)
			if r.ext == "txt.gz" {
				data = gzipBytes(t, r.body)
			}
			require.NoError(t, os.WriteFile(filepath.Join(dir, r.fileName()), data, 0o644))
		}
		if strings.Contains(archived, "data_app_crash@2600.lost") {
			require.NoError(t, os.WriteFile(filepath.Join(dir, "data_app_crash@2600.lost"), nil, 0o644))
		}
		return hostexectest.Success()
	})
}

func entryHeader(r deviceRecord) string {
	tm := time.Date(2023, 7, 22, 4, 26, int(r.time/100), 0, time.UTC)
	return fmt.Sprintf("%s %s (text, %d bytes)", tm.Format("2006-01-02 15:04:05"), r.tag, len(r.body))
}

// setupStdoutDevice --file 和 --print 文本输出
func setupStdoutDevice(dev *adbtest.FakeDevice) {
	var file, printOut strings.Builder
	file.WriteString("Drop box contents: 5 entries\nMax entries: 1000\n\n")
	printOut.WriteString("Drop box contents: 5 entries\nMax entries: 1000\n\n")
	for _, r := range deviceRecords {
		file.WriteString("========================================\n")
		file.WriteString(entryHeader(r) + "\n")
		file.WriteString("    /data/system/dropbox/" + r.fileName() + "\n")

		printOut.WriteString("========================================\n")
		printOut.WriteString(entryHeader(r) + "\n")
		printOut.WriteString(r.body)
	}
	dev.RespondShell("dumpsys dropbox --file", file.String())
	dev.RespondShell("dumpsys dropbox --print", printOut.String())
}

type tagTime struct {
	Tag  string
	Time int64
}

func tagTimes(entries []domain.DropboxEntry) []tagTime {
	out := make([]tagTime, 0, len(entries))
	for _, e := range entries {
		out = append(out, tagTime{Tag: e.Tag, Time: e.Time.Millis()})
	}
	return out
}
