package dropbox

import (
	"regexp"
	"strings"
)

// dumpsys dropbox 文本输出的识别规则
var (
	// 2023-07-22 04:26:40 data_app_crash (compressed text, 1234 bytes)
	entryNamePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2} .+ \(.+, [0-9]+ .+\)`)
	entryDatePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}`)

	//     /data/system/dropbox/data_app_crash@1690000000000.txt.gz
	filePathPattern     = regexp.MustCompile(` +/.+@[0-9]+\..+`)
	filePathTimePattern = regexp.MustCompile(`@([0-9]+)\.`)

	lineBreakPattern = regexp.MustCompile(`\r\n|\r|\n`)
)

// ownershipLabels 崩溃记录中标识所属进程或包名的字段
var ownershipLabels = []string{
	"Process",
	"Cmdline",
	"Package",
	"Cmd line",
}

// javaIdentifier 至少两段、每段以字母开头的点分标识符
const javaIdentifier = `[a-zA-Z][a-zA-Z0-9_]*(\.[a-zA-Z][a-zA-Z0-9_]*)+`

// identifierChars 包名边界判断使用的字符类
const identifierChars = `A-Za-z0-9_.`

func compileLabelPattern(labels []string) *regexp.Regexp {
	quoted := make([]string, 0, len(labels))
	for _, label := range labels {
		quoted = append(quoted, regexp.QuoteMeta(label))
	}
	return regexp.MustCompile(`\b(` + strings.Join(quoted, "|") + `):( *)(` + javaIdentifier + `)`)
}

func compileBoundedPattern(packageName string) *regexp.Regexp {
	return regexp.MustCompile(`(^|[^` + identifierChars + `])` + regexp.QuoteMeta(packageName) + `([^` + identifierChars + `]|$)`)
}

// splitLines 按行拆分，末尾的换行不产生空行
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := lineBreakPattern.Split(s, -1)
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
