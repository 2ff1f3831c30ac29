package domain

import (
	"time"
)

// TestKind 测试类型
type TestKind string

const (
	TestKindLaunch TestKind = "launch"
	TestKindCrawl  TestKind = "crawl"
)

type RunStatus string

const (
	RunStatusQueued  RunStatus = "queued"
	RunStatusRunning RunStatus = "running"
	RunStatusPassed  RunStatus = "passed"
	RunStatusFailed  RunStatus = "failed"
	RunStatusError   RunStatus = "error"
)

// IsTerminal 是否为终态
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusPassed || s == RunStatusFailed || s == RunStatusError
}

// FailureType 失败类型
type FailureType string

const (
	FailureTypeNone              FailureType = ""                      // 无失败
	FailureTypeCrashDetected     FailureType = "crash_detected"        // dropbox 中发现崩溃记录（应用问题）
	FailureTypeLaunchFailed      FailureType = "launch_failed"         // 应用无法启动（应用问题）
	FailureTypeCrawlerFailed     FailureType = "crawler_failed"        // 爬虫进程失败（警告-工具问题）
	FailureTypeNotInstalled      FailureType = "package_not_installed" // 包未安装（警告-环境问题）
	FailureTypeDeviceUnavailable FailureType = "device_unavailable"    // 设备掉线（异常-系统问题）
	FailureTypeExtractionFailed  FailureType = "extraction_failed"     // dropbox 无法读取（异常-结果不确定）
	FailureTypeUnknown           FailureType = "unknown"
)

// FailureSeverity 失败严重程度
type FailureSeverity string

const (
	FailureSeverityNormal  FailureSeverity = "normal"
	FailureSeverityWarning FailureSeverity = "warning"
	FailureSeverityError   FailureSeverity = "error"
)

// GetSeverity 获取失败类型对应的严重程度
func (ft FailureType) GetSeverity() FailureSeverity {
	switch ft {
	case FailureTypeNone:
		return FailureSeverityNormal
	case FailureTypeCrashDetected, FailureTypeLaunchFailed, FailureTypeCrawlerFailed, FailureTypeNotInstalled:
		return FailureSeverityWarning
	default:
		return FailureSeverityError
	}
}

// IsAppFailure 是否由被测应用本身导致
func (ft FailureType) IsAppFailure() bool {
	return ft == FailureTypeCrashDetected || ft == FailureTypeLaunchFailed
}

// TestRun 单次测试运行记录
type TestRun struct {
	ID             string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	PackageName    string      `gorm:"type:varchar(255);index:idx_package;not null" json:"package_name"`
	Kind           TestKind    `gorm:"type:varchar(20);not null" json:"kind"`
	Status         RunStatus   `gorm:"type:varchar(20);not null;default:'queued';index:idx_status" json:"status"`
	DeviceSerial   string      `gorm:"type:varchar(100)" json:"device_serial,omitempty"`
	FailureType    FailureType `gorm:"type:varchar(30);default:''" json:"failure_type,omitempty"`
	FailureMessage string      `gorm:"type:text" json:"failure_message,omitempty"`
	CrashCount     int         `gorm:"default:0" json:"crash_count"`
	VersionName    string      `gorm:"type:varchar(100)" json:"version_name,omitempty"`
	VersionCode    string      `gorm:"type:varchar(50)" json:"version_code,omitempty"`
	VideoPath      string      `gorm:"type:varchar(500)" json:"video_path,omitempty"`
	// 设备时钟下的测试窗口
	DeviceStartMillis int64      `json:"device_start_millis,omitempty"`
	DeviceEndMillis   int64      `json:"device_end_millis,omitempty"`
	CreatedAt         time.Time  `gorm:"not null" json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`

	Artifacts []RunArtifact `gorm:"foreignKey:RunID;references:ID" json:"artifacts,omitempty"`
}

func (TestRun) TableName() string {
	return "test_runs"
}

// RunArtifact 测试产物索引
type RunArtifact struct {
	ID        string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	RunID     string      `gorm:"type:varchar(36);index:idx_run_id" json:"run_id"`
	Name      string      `gorm:"type:varchar(255);not null" json:"name"`
	DataType  LogDataType `gorm:"type:varchar(10);not null" json:"data_type"`
	Path      string      `gorm:"type:varchar(500);not null" json:"path"`
	SizeBytes int64       `json:"size_bytes"`
	CreatedAt time.Time   `json:"created_at"`
}

func (RunArtifact) TableName() string {
	return "run_artifacts"
}
