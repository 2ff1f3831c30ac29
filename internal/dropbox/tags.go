package dropbox

import "sort"

// AppCrashTags 崩溃检测默认使用的 dropbox tag
var AppCrashTags = []string{
	"SYSTEM_TOMBSTONE",
	"system_app_anr",
	"system_app_native_crash",
	"system_app_crash",
	"data_app_anr",
	"data_app_native_crash",
	"data_app_crash",
}

// Tags dropbox tag 集合
type Tags map[string]struct{}

// NewTags 创建 tag 集合
func NewTags(tags ...string) Tags {
	set := make(Tags, len(tags))
	for _, tag := range tags {
		set[tag] = struct{}{}
	}
	return set
}

// Contains 是否包含 tag
func (t Tags) Contains(tag string) bool {
	_, ok := t[tag]
	return ok
}

// Sorted 按字典序返回 tag 列表
func (t Tags) Sorted() []string {
	out := make([]string, 0, len(t))
	for tag := range t {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
