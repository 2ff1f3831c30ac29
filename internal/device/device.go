package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/sirupsen/logrus"
)

// DeviceAcquireError 设备获取失败错误（包含失败类型）
type DeviceAcquireError struct {
	FailureType domain.FailureType
	Message     string
}

func (e *DeviceAcquireError) Error() string {
	return e.Message
}

// Device 被测设备
// dropbox 和录屏文件都是设备上的共享资源，同一时间只允许一个测试使用设备
type Device struct {
	Serial string

	mu            sync.Mutex
	inUse         bool
	currentRunID  string
	runsCompleted int
	lastRunAt     time.Time
}

// NewDevice 创建设备
func NewDevice(serial string) *Device {
	return &Device{Serial: serial}
}

// TryAcquire 尝试占用设备
func (d *Device) TryAcquire(runID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inUse {
		return false
	}
	d.inUse = true
	d.currentRunID = runID
	return true
}

// Acquire 阻塞等待直到设备空闲；timeout 为 0 表示无限等待
func (d *Device) Acquire(ctx context.Context, runID string, timeout, interval time.Duration, logger *logrus.Logger) error {
	if d.TryAcquire(runID) {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeoutCh:
			return &DeviceAcquireError{
				FailureType: domain.FailureTypeDeviceUnavailable,
				Message:     fmt.Sprintf("timeout waiting for device %s (busy with run %s)", d.Serial, d.CurrentRun()),
			}
		case <-ticker.C:
			if d.TryAcquire(runID) {
				logger.WithFields(logrus.Fields{
					"run_id": runID,
					"serial": d.Serial,
				}).Info("Device acquired")
				return nil
			}
			logger.WithField("run_id", runID).Debug("Device busy, waiting...")
		}
	}
}

// Release 释放设备
func (d *Device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.inUse {
		return
	}
	d.inUse = false
	d.currentRunID = ""
	d.runsCompleted++
	d.lastRunAt = time.Now()
}

// CurrentRun 当前占用设备的运行 ID
func (d *Device) CurrentRun() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentRunID
}

// Stats 设备状态
func (d *Device) Stats() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]interface{}{
		"serial":         d.Serial,
		"in_use":         d.inUse,
		"current_run_id": d.currentRunID,
		"runs_completed": d.runsCompleted,
	}
}

// StateChecker 查询设备 adb 状态
type StateChecker interface {
	GetState(ctx context.Context) (string, error)
}

// WaitForOnline 轮询 adb get-state 直到设备为 device 状态
func WaitForOnline(ctx context.Context, checker StateChecker, timeout, interval time.Duration, logger *logrus.Logger) error {
	if state, err := checker.GetState(ctx); err == nil && state == "device" {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	lastState := "unknown"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return &DeviceAcquireError{
				FailureType: domain.FailureTypeDeviceUnavailable,
				Message:     fmt.Sprintf("device not online after %s (last state: %s)", timeout, lastState),
			}
		case <-ticker.C:
			state, err := checker.GetState(ctx)
			if err != nil {
				logger.WithError(err).Debug("Device state check failed, waiting...")
				continue
			}
			if state == "device" {
				return nil
			}
			lastState = state
		}
	}
}
