package device

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
)

// clockCommand 输出 "秒.毫秒" 形式的高精度时间, 如 1690000000.123
const clockCommand = "echo ${EPOCHREALTIME:0:14}"

var clockSeparators = strings.NewReplacer(".", "", ",", "")

// Executor 设备 shell 执行能力
type Executor interface {
	Serial() string
	ShellV2(ctx context.Context, command string) (*domain.CommandResult, error)
}

// Clock 设备时钟，所有时间窗口都以此为准
type Clock struct {
	exec Executor
}

// NewClock 创建设备时钟
func NewClock(exec Executor) *Clock {
	return &Clock{exec: exec}
}

// CurrentTimeMillis 读取设备当前毫秒时间
// 设备不可达时返回 ErrDeviceUnavailable；输出无法解析时返回 *DeviceProtocolError
func (c *Clock) CurrentTimeMillis(ctx context.Context) (domain.DeviceTimestamp, error) {
	result, err := c.exec.ShellV2(ctx, clockCommand)
	if err != nil {
		return domain.DeviceTimestamp{}, err
	}

	if !result.Succeeded() {
		return domain.DeviceTimestamp{}, &domain.DeviceProtocolError{
			Command: clockCommand,
			Output:  result.Stdout + result.Stderr,
			Err:     fmt.Errorf("command status %s, exit code %d", result.Status, result.ExitCode),
		}
	}

	raw := strings.TrimSpace(result.Stdout)
	millis, err := strconv.ParseInt(clockSeparators.Replace(raw), 10, 64)
	if err != nil {
		return domain.DeviceTimestamp{}, &domain.DeviceProtocolError{Command: clockCommand, Output: raw, Err: err}
	}
	if millis <= 0 {
		return domain.DeviceTimestamp{}, &domain.DeviceProtocolError{
			Command: clockCommand,
			Output:  raw,
			Err:     fmt.Errorf("non-positive timestamp %d", millis),
		}
	}

	return domain.NewDeviceTimestamp(millis), nil
}
