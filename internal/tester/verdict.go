package tester

import (
	"strings"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
)

// FailureSeparator 多条失败信息之间的分隔
const FailureSeparator = "\n============\n"

// Verdict 单个包的测试结论
type Verdict struct {
	Package     string
	Kind        domain.TestKind
	Passed      bool
	FailureType domain.FailureType
	Message     string
	CrashCount  int
	Start       domain.DeviceTimestamp
	End         domain.DeviceTimestamp
	VideoStart  *domain.DeviceTimestamp
	HasVideo    bool
	VersionName string
	VersionCode string
}

// failureList 收集失败信息，第一条决定失败类型
type failureList struct {
	kind     domain.FailureType
	messages []string
}

func (f *failureList) add(kind domain.FailureType, message string) {
	if f.kind == domain.FailureTypeNone {
		f.kind = kind
	}
	f.messages = append(f.messages, message)
}

func (f *failureList) apply(v *Verdict) {
	if len(f.messages) == 0 {
		v.Passed = true
		v.FailureType = domain.FailureTypeNone
		v.Message = ""
		return
	}
	v.Passed = false
	v.FailureType = f.kind
	v.Message = strings.Join(f.messages, FailureSeparator)
}
