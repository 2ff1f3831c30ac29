package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDeviceUnavailable 设备不可达（掉线、未授权、不存在）
// 所有组件遇到该错误都必须原样向上传递，不得重试或转换
var ErrDeviceUnavailable = errors.New("device not available")

// IsDeviceUnavailable 判断错误链中是否包含设备不可达
func IsDeviceUnavailable(err error) bool {
	return errors.Is(err, ErrDeviceUnavailable)
}

// DeviceProtocolError 设备输出与预期格式不符
type DeviceProtocolError struct {
	Command string
	Output  string
	Err     error
}

func (e *DeviceProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unexpected output from %q: %q: %v", e.Command, e.Output, e.Err)
	}
	return fmt.Sprintf("unexpected output from %q: %q", e.Command, e.Output)
}

func (e *DeviceProtocolError) Unwrap() error {
	return e.Err
}

// StrategyFailure 单个 dropbox 提取策略的失败原因
type StrategyFailure struct {
	Strategy string
	Err      error
}

// ExtractionError 所有 dropbox 提取策略均失败
type ExtractionError struct {
	Failures []StrategyFailure
}

func (e *ExtractionError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Strategy, f.Err))
	}
	return "all dropbox extraction strategies failed: " + strings.Join(parts, "; ")
}

func (e *ExtractionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
