package adb

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/hostexec"
	"github.com/apk-analysis/app-compat-harness/internal/retry"
	"github.com/sirupsen/logrus"
)

// ConnectionManager ADB 连接管理器
// 1. 保证 adb server 只启动一次
// 2. 网络设备 (host:port) 的 adb connect 带重试
// 3. 定期检查设备状态并尝试重连
type ConnectionManager struct {
	adbPath string
	runner  hostexec.Runner
	retries int
	timeout time.Duration

	daemonOnce sync.Once

	mu          sync.RWMutex
	connections map[string]bool // key: serial

	onRetry func(operation string, attempt int)
	logger  *logrus.Logger
}

// NewConnectionManager 创建连接管理器
func NewConnectionManager(adbPath string, runner hostexec.Runner, retries int, logger *logrus.Logger) *ConnectionManager {
	if adbPath == "" {
		adbPath = "adb"
	}
	return &ConnectionManager{
		adbPath:     adbPath,
		runner:      runner,
		retries:     retries,
		timeout:     30 * time.Second,
		connections: make(map[string]bool),
		logger:      logger,
	}
}

// SetRetryObserver adb connect 重试时回调
func (m *ConnectionManager) SetRetryObserver(fn func(operation string, attempt int)) {
	m.onRetry = fn
}

// IsNetworkSerial 是否为 host:port 形式的网络设备
func IsNetworkSerial(serial string) bool {
	return strings.Contains(serial, ":")
}

// EnsureDaemonStarted 确保 adb server 已启动
func (m *ConnectionManager) EnsureDaemonStarted(ctx context.Context) {
	m.daemonOnce.Do(func() {
		result := m.runner.Run(ctx, m.timeout, m.adbPath, "start-server")
		if !result.Succeeded() {
			// daemon 会在第一次 connect 时自动启动，这里只记录
			m.logger.WithFields(logrus.Fields{
				"status": result.Status,
				"stderr": strings.TrimSpace(result.Stderr),
			}).Warn("Failed to start ADB daemon explicitly")
			return
		}
		m.logger.Info("ADB daemon started")
	})
}

// Connect 连接设备；USB 设备只检查状态
func (m *ConnectionManager) Connect(ctx context.Context, serial string) error {
	m.EnsureDaemonStarted(ctx)

	m.mu.RLock()
	cached := m.connections[serial]
	m.mu.RUnlock()
	if cached {
		m.logger.WithField("serial", serial).Debug("Already connected (cached)")
		return nil
	}

	if IsNetworkSerial(serial) {
		cfg := retry.DefaultConfig("adb connect "+serial, m.logger)
		cfg.MaxAttempts = m.retries
		cfg.OnRetry = m.onRetry
		err := retry.Do(ctx, cfg, func(ctx context.Context) error {
			result := m.runner.Run(ctx, m.timeout, m.adbPath, "connect", serial)
			output := strings.TrimSpace(result.Stdout + result.Stderr)
			// adb connect 失败时退出码仍可能为 0
			if !result.Succeeded() || strings.Contains(output, "failed") || strings.Contains(output, "cannot") {
				return fmt.Errorf("adb connect %s: %s", serial, output)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	state, err := m.deviceState(ctx, serial)
	if err != nil {
		return err
	}
	if state != "device" {
		return fmt.Errorf("device %s is in state %q", serial, state)
	}

	m.mu.Lock()
	m.connections[serial] = true
	m.mu.Unlock()

	m.logger.WithField("serial", serial).Info("ADB device connected")
	return nil
}

// Disconnect 断开网络设备
func (m *ConnectionManager) Disconnect(ctx context.Context, serial string) error {
	m.mu.Lock()
	delete(m.connections, serial)
	m.mu.Unlock()

	if !IsNetworkSerial(serial) {
		return nil
	}

	result := m.runner.Run(ctx, m.timeout, m.adbPath, "disconnect", serial)
	if !result.Succeeded() {
		m.logger.WithField("serial", serial).WithField("stderr", result.Stderr).Warn("ADB disconnect failed")
		return fmt.Errorf("adb disconnect %s failed: %s", serial, strings.TrimSpace(result.Stderr))
	}
	m.logger.WithField("serial", serial).Info("ADB disconnected")
	return nil
}

// IsConnected 通过 adb devices 检查设备状态
func (m *ConnectionManager) IsConnected(ctx context.Context, serial string) bool {
	state, err := m.deviceState(ctx, serial)
	connected := err == nil && state == "device"
	if !connected {
		m.mu.Lock()
		m.connections[serial] = false
		m.mu.Unlock()
	}
	return connected
}

// deviceState 解析 adb devices 输出，返回设备状态
func (m *ConnectionManager) deviceState(ctx context.Context, serial string) (string, error) {
	result := m.runner.Run(ctx, m.timeout, m.adbPath, "devices")
	if !result.Succeeded() {
		return "", fmt.Errorf("adb devices failed: %s", strings.TrimSpace(result.Stderr))
	}
	devices := ParseDevices(result.Stdout)
	state, ok := devices[serial]
	if !ok {
		return "", fmt.Errorf("device %s not listed by adb devices", serial)
	}
	return state, nil
}

// ParseDevices 解析 adb devices 输出为 serial -> state
func ParseDevices(output string) map[string]string {
	devices := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			devices[fields[0]] = fields[1]
		}
	}
	return devices
}

// StartHealthCheck 定期检查设备并尝试重连，直到 ctx 结束
func (m *ConnectionManager) StartHealthCheck(ctx context.Context, interval time.Duration, serial string) {
	m.logger.WithFields(logrus.Fields{
		"interval": interval.String(),
		"serial":   serial,
	}).Info("Starting ADB connection health check")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("ADB connection health check stopped")
			return
		case <-ticker.C:
			if m.IsConnected(ctx, serial) {
				continue
			}
			m.logger.WithField("serial", serial).Warn("Device disconnected, attempting to reconnect...")
			if err := m.Connect(ctx, serial); err != nil {
				m.logger.WithError(err).WithField("serial", serial).Error("Failed to reconnect device")
			}
		}
	}
}

// Stats 连接统计信息
func (m *ConnectionManager) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	connected := []string{}
	for serial, ok := range m.connections {
		if ok {
			connected = append(connected, serial)
		}
	}
	return map[string]interface{}{
		"connected_devices": connected,
		"connected_count":   len(connected),
	}
}
