package dropbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/sirupsen/logrus"
)

// StdoutStrategy 解析 dumpsys dropbox 的文本输出，最后的兜底方式
//
// --file 输出包含记录名和带时间戳的文件路径，--print 输出包含记录名和正文但没有时间戳，
// 两次输出按记录名行拼接。两次调用之间设备上新增或轮转的记录可能导致错位，这里不做处理。
type StdoutStrategy struct {
	dev    Device
	opts   Options
	logger *logrus.Logger
}

func NewStdoutStrategy(dev Device, opts Options, logger *logrus.Logger) *StdoutStrategy {
	return &StdoutStrategy{dev: dev, opts: opts, logger: logger}
}

func (s *StdoutStrategy) Name() string {
	return StrategyStdout
}

// scrapedEntry 拼接过程中的记录，正文逐行累加
type scrapedEntry struct {
	tag  string
	time int64
	data strings.Builder
}

func (s *StdoutStrategy) Extract(ctx context.Context, _ Request) ([]domain.DropboxEntry, error) {
	fileDump, err := s.dump(ctx, "--file")
	if err != nil {
		return nil, err
	}

	var order []string
	byName := make(map[string]*scrapedEntry)

	lastName := ""
	for _, line := range splitLines(fileDump) {
		switch {
		case entryNamePattern.MatchString(line):
			lastName = strings.TrimSpace(line)
			tag, err := parseEntryNameTag(line)
			if err != nil {
				return nil, err
			}
			if _, exists := byName[lastName]; !exists {
				order = append(order, lastName)
			}
			byName[lastName] = &scrapedEntry{tag: tag}
		case lastName != "" && filePathPattern.MatchString(line):
			millis, err := parseFilePathTime(line)
			if err != nil {
				return nil, err
			}
			byName[lastName].time = millis
		}
	}

	printDump, err := s.dump(ctx, "--print")
	if err != nil {
		return nil, err
	}

	lastName = ""
	for _, line := range splitLines(printDump) {
		if entryNamePattern.MatchString(line) {
			lastName = strings.TrimSpace(line)
		}
		if lastName == "" {
			continue
		}
		if entry, ok := byName[lastName]; ok {
			entry.data.WriteString(line)
			entry.data.WriteString("\n")
		}
	}

	entries := make([]domain.DropboxEntry, 0, len(order))
	for _, name := range order {
		e := byName[name]
		entries = append(entries, domain.DropboxEntry{
			Time: domain.NewDeviceTimestamp(e.time),
			Tag:  e.tag,
			Data: e.data.String(),
		})
	}

	s.logger.WithField("entries", len(entries)).Debug("Dropbox entries scraped from dumpsys output")
	return entries, nil
}

func (s *StdoutStrategy) dump(ctx context.Context, option string) (string, error) {
	result, err := s.dev.ShellWithTimeout(ctx, s.opts.DumpTimeout, "dumpsys dropbox "+option)
	if err != nil {
		return "", err
	}
	if !result.Succeeded() {
		return "", fmt.Errorf("dropbox dump %s command failed: status %s, stderr: %s", option, result.Status, strings.TrimSpace(result.Stderr))
	}
	return result.Stdout, nil
}

// parseEntryNameTag 取日期之后的第一个单词作为 tag
func parseEntryNameTag(line string) (string, error) {
	name := strings.TrimSpace(line)
	loc := entryDatePattern.FindStringIndex(name)
	if loc == nil {
		return "", fmt.Errorf("unexpected dropbox entry name %q", line)
	}
	rest := strings.TrimSpace(name[loc[1]:])
	return strings.SplitN(rest, " ", 2)[0], nil
}

func parseFilePathTime(line string) (int64, error) {
	m := filePathTimePattern.FindStringSubmatch(line)
	if m == nil {
		return 0, fmt.Errorf("no timestamp in dropbox file path %q", line)
	}
	millis, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp in dropbox file path %q: %w", line, err)
	}
	return millis, nil
}
