package adb

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/apk-analysis/app-compat-harness/internal/hostexec"
	"github.com/sirupsen/logrus"
)

// Client 单台设备的 ADB 客户端
type Client struct {
	adbPath string
	serial  string        // 设备序列号 (如 emulator-5554 或 10.0.0.2:5555)
	timeout time.Duration // 单条命令超时
	runner  hostexec.Runner
	logger  *logrus.Logger
}

// NewClient 创建 ADB 客户端
func NewClient(adbPath, serial string, timeout time.Duration, runner hostexec.Runner, logger *logrus.Logger) *Client {
	if adbPath == "" {
		adbPath = "adb"
	}
	return &Client{
		adbPath: adbPath,
		serial:  serial,
		timeout: timeout,
		runner:  runner,
		logger:  logger,
	}
}

// Serial 设备序列号
func (c *Client) Serial() string {
	return c.serial
}

// AdbPath adb 可执行文件路径
func (c *Client) AdbPath() string {
	return c.adbPath
}

// Args 拼接带 -s serial 的 adb 参数
func (c *Client) Args(args ...string) []string {
	return append([]string{"-s", c.serial}, args...)
}

// ShellV2 执行 shell 命令并返回完整结果
// 只有设备不可达时返回 error，命令本身失败体现在结果状态里
func (c *Client) ShellV2(ctx context.Context, command string) (*domain.CommandResult, error) {
	return c.ShellWithTimeout(ctx, c.timeout, command)
}

// ShellWithTimeout 指定超时执行 shell 命令
func (c *Client) ShellWithTimeout(ctx context.Context, timeout time.Duration, command string) (*domain.CommandResult, error) {
	result := c.runner.Run(ctx, timeout, c.adbPath, c.Args("shell", command)...)
	if err := CheckAvailable(c.serial, result); err != nil {
		return result, err
	}
	return result, nil
}

// ShellToWriter 执行 shell 命令，标准输出直接写入 w（用于二进制或大体积输出）
func (c *Client) ShellToWriter(ctx context.Context, timeout time.Duration, w io.Writer, command string) (*domain.CommandResult, error) {
	result := c.runner.RunToWriter(ctx, timeout, w, c.adbPath, c.Args("shell", command)...)
	if err := CheckAvailable(c.serial, result); err != nil {
		return result, err
	}
	return result, nil
}

// Shell 执行 shell 命令，非成功状态视为错误
func (c *Client) Shell(ctx context.Context, command string) (string, error) {
	result, err := c.ShellV2(ctx, command)
	if err != nil {
		return "", err
	}
	if !result.Succeeded() {
		return "", fmt.Errorf("shell command %q failed: status %s, exit %d, output: %s",
			command, result.Status, result.ExitCode, strings.TrimSpace(result.Stdout+result.Stderr))
	}
	return result.Stdout, nil
}

// Pull 拉取设备文件到本地路径
func (c *Client) Pull(ctx context.Context, remotePath, localPath string) error {
	result := c.runner.Run(ctx, c.timeout, c.adbPath, c.Args("pull", remotePath, localPath)...)
	if err := CheckAvailable(c.serial, result); err != nil {
		return err
	}
	if !result.Succeeded() {
		return fmt.Errorf("adb pull %s failed: status %s, output: %s", remotePath, result.Status, strings.TrimSpace(result.Stdout+result.Stderr))
	}
	return nil
}

// PullFile 拉取设备文件到新建的临时目录，返回本地路径
func (c *Client) PullFile(ctx context.Context, remotePath string) (string, error) {
	dir, err := os.MkdirTemp("", "adb-pull-")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}

	localPath := filepath.Join(dir, path.Base(remotePath))
	if err := c.Pull(ctx, remotePath, localPath); err != nil {
		os.RemoveAll(dir)
		return "", err
	}

	c.logger.WithFields(logrus.Fields{
		"remote": remotePath,
		"local":  localPath,
	}).Debug("File pulled from device")
	return localPath, nil
}

// Push 推送本地文件到设备
func (c *Client) Push(ctx context.Context, localPath, remotePath string) error {
	result := c.runner.Run(ctx, c.timeout, c.adbPath, c.Args("push", localPath, remotePath)...)
	if err := CheckAvailable(c.serial, result); err != nil {
		return err
	}
	if !result.Succeeded() {
		return fmt.Errorf("adb push %s failed: status %s, output: %s", localPath, result.Status, strings.TrimSpace(result.Stdout+result.Stderr))
	}
	return nil
}

// DeleteFile 删除设备上的文件
func (c *Client) DeleteFile(ctx context.Context, remotePath string) error {
	_, err := c.Shell(ctx, "rm -rf "+remotePath)
	return err
}

// GetState 返回 adb get-state 的结果 (device / offline / unauthorized ...)
func (c *Client) GetState(ctx context.Context) (string, error) {
	result := c.runner.Run(ctx, c.timeout, c.adbPath, c.Args("get-state")...)
	if err := CheckAvailable(c.serial, result); err != nil {
		return "", err
	}
	if !result.Succeeded() {
		return "", fmt.Errorf("adb get-state failed: %s", strings.TrimSpace(result.Stderr))
	}
	return strings.TrimSpace(result.Stdout), nil
}

// Screenshot 截图并拉取到本地
func (c *Client) Screenshot(ctx context.Context, outputPath string) error {
	remotePath := "/sdcard/screenshot.png"
	if _, err := c.Shell(ctx, "screencap -p "+remotePath); err != nil {
		return fmt.Errorf("screencap failed: %w", err)
	}

	if err := c.Pull(ctx, remotePath, outputPath); err != nil {
		return err
	}

	if err := c.DeleteFile(ctx, remotePath); err != nil {
		c.logger.WithError(err).Warn("Failed to remove remote screenshot")
	}

	c.logger.WithField("output_path", outputPath).Debug("Screenshot saved")
	return nil
}

// StartActivity 启动 Activity
func (c *Client) StartActivity(ctx context.Context, component string) error {
	c.logger.WithField("component", component).Debug("Starting activity")

	output, err := c.Shell(ctx, "am start -n "+component)
	if err != nil {
		return err
	}
	if strings.Contains(output, "Error") {
		return fmt.Errorf("start activity failed: %s", strings.TrimSpace(output))
	}
	return nil
}

// GetLogcat 获取 logcat 日志
func (c *Client) GetLogcat(ctx context.Context) (string, error) {
	return c.Shell(ctx, "logcat -d")
}

// ClearLogcat 清空 logcat
func (c *Client) ClearLogcat(ctx context.Context) error {
	_, err := c.Shell(ctx, "logcat -c")
	return err
}
