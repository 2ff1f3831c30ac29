package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
)

// TestRequestMessage 测试请求
type TestRequestMessage struct {
	PackageName string          `json:"package_name"`
	Kind        domain.TestKind `json:"kind"`
	RequestedBy string          `json:"requested_by,omitempty"`
}

// Normalize 去空白并补默认类型
func (m *TestRequestMessage) Normalize() error {
	m.PackageName = strings.TrimSpace(m.PackageName)
	if m.Kind == "" {
		m.Kind = domain.TestKindLaunch
	}
	if m.PackageName == "" {
		return fmt.Errorf("package_name is required")
	}
	if m.Kind != domain.TestKindLaunch && m.Kind != domain.TestKindCrawl {
		return fmt.Errorf("unknown test kind %q", m.Kind)
	}
	return nil
}

// VerdictMessage 测试结论
type VerdictMessage struct {
	RunID          string             `json:"run_id"`
	PackageName    string             `json:"package_name"`
	Kind           domain.TestKind    `json:"kind"`
	Status         domain.RunStatus   `json:"status"`
	Passed         bool               `json:"passed"`
	FailureType    domain.FailureType `json:"failure_type,omitempty"`
	Severity       string             `json:"severity"`
	FailureMessage string             `json:"failure_message,omitempty"`
	CrashCount     int                `json:"crash_count"`
	VersionName    string             `json:"version_name,omitempty"`
	VersionCode    string             `json:"version_code,omitempty"`
	DeviceSerial   string             `json:"device_serial,omitempty"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
}

// NewVerdictMessage 从运行记录构造结论消息
func NewVerdictMessage(run *domain.TestRun) *VerdictMessage {
	return &VerdictMessage{
		RunID:          run.ID,
		PackageName:    run.PackageName,
		Kind:           run.Kind,
		Status:         run.Status,
		Passed:         run.Status == domain.RunStatusPassed,
		FailureType:    run.FailureType,
		Severity:       string(run.FailureType.GetSeverity()),
		FailureMessage: run.FailureMessage,
		CrashCount:     run.CrashCount,
		VersionName:    run.VersionName,
		VersionCode:    run.VersionCode,
		DeviceSerial:   run.DeviceSerial,
		CompletedAt:    run.CompletedAt,
	}
}
