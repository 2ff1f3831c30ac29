package dropbox

import "regexp"

// Matcher 判断 dropbox 记录是否属于某个包
//
// 先看 Process: / Package: 等字段，字段存在但都不是目标包时直接判定不属于；
// 完全没有这些字段时才退回到按标识符边界搜索包名。
type Matcher struct {
	labelPattern *regexp.Regexp
}

// NewMatcher 使用给定的字段名创建匹配器
func NewMatcher(labels ...string) *Matcher {
	return &Matcher{labelPattern: compileLabelPattern(labels)}
}

// DefaultMatcher 使用 Process / Cmdline / Package / Cmd line 字段
func DefaultMatcher() *Matcher {
	return NewMatcher(ownershipLabels...)
}

// Matches 记录正文是否来自 packageName 的进程
func (m *Matcher) Matches(data, packageName string) bool {
	found := m.labelPattern.FindAllStringSubmatch(data, -1)
	for _, match := range found {
		if match[3] == packageName {
			return true
		}
	}
	if len(found) > 0 {
		return false
	}
	return compileBoundedPattern(packageName).MatchString(data)
}
