package report

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
)

// DefaultMaxLines 失败信息中每条记录正文保留的行数
const DefaultMaxLines = 60

var lineSplitPattern = regexp.MustCompile(`\r?\n`)

// FailureReport 崩溃失败报告
type FailureReport struct {
	Package       string
	EntryCount    int
	Tags          []string // 去重，保持出现顺序
	VideoOffsets  []string // MM:SS，升序
	Summary       string
	FullText      string // 完整正文，作为产物保存
	TruncatedText string // 每条记录截断后的正文
}

// Message 返回给调用方的失败信息
func (r *FailureReport) Message() string {
	return r.Summary + r.TruncatedText
}

// Persisted 保存为产物的完整报告
func (r *FailureReport) Persisted() string {
	return r.Summary + r.FullText
}

// Builder 根据 dropbox 记录生成失败报告
type Builder struct {
	maxLines int
	loc      *time.Location
}

// NewBuilder 创建报告生成器，maxLines <= 0 时使用默认值，loc 为 nil 时使用本地时区
func NewBuilder(maxLines int, loc *time.Location) *Builder {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	if loc == nil {
		loc = time.Local
	}
	return &Builder{maxLines: maxLines, loc: loc}
}

// Build 生成报告，没有记录时返回 nil 表示未检测到崩溃
// videoStart 不为 nil 时为每条记录标注其在录屏中的时间位置
func (b *Builder) Build(packageName string, entries []domain.DropboxEntry, videoStart *domain.DeviceTimestamp) *FailureReport {
	if len(entries) == 0 {
		return nil
	}

	var (
		full      strings.Builder
		truncated strings.Builder
		tags      []string
		offsets   []time.Duration
		seen      = make(map[string]bool)
	)

	for i, entry := range entries {
		if !seen[entry.Tag] {
			seen[entry.Tag] = true
			tags = append(tags, entry.Tag)
		}

		header := entry.Header(b.loc)
		if videoStart != nil {
			offset := entry.Time.Sub(*videoStart)
			offsets = append(offsets, offset)
			header += fmt.Sprintf("Screen recording time: %s\n", FormatVideoOffset(offset))
		}

		if i > 0 {
			full.WriteString("\n")
			truncated.WriteString("\n")
		}
		full.WriteString(header)
		full.WriteString(entry.Data)
		truncated.WriteString(header)
		truncated.WriteString(Truncate(entry.Data, b.maxLines))
	}

	report := &FailureReport{
		Package:       packageName,
		EntryCount:    len(entries),
		Tags:          tags,
		FullText:      full.String(),
		TruncatedText: truncated.String(),
	}

	summary := fmt.Sprintf("Found %d dropbox crash entries", len(entries))
	if packageName != "" {
		summary += " for package " + packageName
	}
	summary += fmt.Sprintf(", tags: [%s].", strings.Join(tags, ", "))
	if videoStart != nil {
		sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
		for _, offset := range offsets {
			report.VideoOffsets = append(report.VideoOffsets, FormatVideoOffset(offset))
		}
		summary += fmt.Sprintf(" Crash times in the screen recording: %s.", strings.Join(report.VideoOffsets, ", "))
	}
	report.Summary = summary + "\n\n"

	return report
}

// Truncate 最多保留 maxLines 行，超出时追加截断标记
// 行尾的空行不计入行数
func Truncate(text string, maxLines int) string {
	lines := lineSplitPattern.Split(text, -1)
	for len(lines) > 1 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	var sb strings.Builder
	for i := 0; i < maxLines && i < len(lines); i++ {
		sb.WriteString(lines[i])
		sb.WriteString("\n")
	}
	if len(lines) > maxLines {
		fmt.Fprintf(&sb, "... %d more lines truncated ...\n", len(lines)-maxLines)
	}
	return sb.String()
}

// FormatVideoOffset 格式化为 MM:SS，分钟可以超过 59，早于录屏开始时带负号
func FormatVideoOffset(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	seconds := int64(d / time.Second)
	return fmt.Sprintf("%s%02d:%02d", sign, seconds/60, seconds%60)
}
