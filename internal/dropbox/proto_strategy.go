package dropbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	helpCommandTimeout = time.Minute

	// DropBoxManagerServiceDumpProto.entries
	dumpEntriesField protowire.Number = 1
	// DropBoxManagerServiceDumpProto.Entry.time_ms / data
	entryTimeField protowire.Number = 1
	entryDataField protowire.Number = 2
)

// ErrProtoUnsupported 设备的 dumpsys dropbox 不支持 --proto
var ErrProtoUnsupported = errors.New("device doesn't support dumping dropbox entries in proto format")

// ProtoStrategy 通过 dumpsys dropbox --proto 逐个 tag 导出二进制记录
// 数据量大时导出会被截断，解析失败后由下一个策略接手
type ProtoStrategy struct {
	dev    Device
	opts   Options
	logger *logrus.Logger
}

func NewProtoStrategy(dev Device, opts Options, logger *logrus.Logger) *ProtoStrategy {
	return &ProtoStrategy{dev: dev, opts: opts, logger: logger}
}

func (s *ProtoStrategy) Name() string {
	return StrategyProto
}

func (s *ProtoStrategy) Extract(ctx context.Context, req Request) ([]domain.DropboxEntry, error) {
	help, err := s.dev.ShellWithTimeout(ctx, helpCommandTimeout, "dumpsys dropbox --help")
	if err != nil {
		return nil, err
	}
	if !help.Succeeded() {
		return nil, fmt.Errorf("dropbox dump help command failed: status %s, stderr: %s", help.Status, strings.TrimSpace(help.Stderr))
	}
	if !strings.Contains(help.Stdout, "--proto") {
		return nil, ErrProtoUnsupported
	}

	tmpDir, err := s.opts.mkdirTemp("dropbox-proto-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	var entries []domain.DropboxEntry
	for _, tag := range req.Tags.Sorted() {
		tagEntries, err := s.dumpTag(ctx, tmpDir, tag)
		if err != nil {
			return nil, err
		}
		entries = append(entries, tagEntries...)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Time.Before(entries[j].Time)
	})
	return entries, nil
}

func (s *ProtoStrategy) dumpTag(ctx context.Context, tmpDir, tag string) ([]domain.DropboxEntry, error) {
	dumpPath := filepath.Join(tmpDir, tag+".proto")
	f, err := os.Create(dumpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create dump file: %w", err)
	}

	result, err := s.dev.ShellToWriter(ctx, s.opts.DumpTimeout, f, "dumpsys dropbox --proto "+tag)
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("failed to write dump file: %w", closeErr)
	}
	if err != nil {
		return nil, err
	}
	if !result.Succeeded() {
		return nil, fmt.Errorf("dropbox dump command failed for tag %s: status %s, stderr: %s", tag, result.Status, strings.TrimSpace(result.Stderr))
	}

	data, err := os.ReadFile(dumpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read dump file: %w", err)
	}
	if len(data) == 0 {
		s.logger.WithField("tag", tag).Debug("Skipping empty proto dump")
		return nil, nil
	}

	s.logger.WithFields(logrus.Fields{
		"tag":  tag,
		"size": len(data),
	}).Debug("Parsing dropbox proto dump")

	entries, err := decodeDump(data, tag)
	if err != nil {
		return nil, fmt.Errorf("failed to parse proto dump for tag %s: %w", tag, err)
	}
	return entries, nil
}

// decodeDump 解析 DropBoxManagerServiceDumpProto，未知字段跳过
func decodeDump(b []byte, tag string) ([]domain.DropboxEntry, error) {
	var entries []domain.DropboxEntry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		if num == dumpEntriesField && typ == protowire.BytesType {
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			entry, err := decodeEntry(raw, tag)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return entries, nil
}

func decodeEntry(b []byte, tag string) (domain.DropboxEntry, error) {
	var (
		timeMs int64
		data   []byte
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return domain.DropboxEntry{}, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == entryTimeField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return domain.DropboxEntry{}, protowire.ParseError(n)
			}
			timeMs = int64(v)
			b = b[n:]
		case num == entryDataField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return domain.DropboxEntry{}, protowire.ParseError(n)
			}
			data = v
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return domain.DropboxEntry{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	return domain.DropboxEntry{
		Time: domain.NewDeviceTimestamp(timeMs),
		Tag:  tag,
		Data: strings.ToValidUTF8(string(data), "\uFFFD"),
	}, nil
}
