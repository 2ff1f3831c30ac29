// Package adbtest 提供测试用的假设备
package adbtest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
)

// ShellFunc 处理一条 shell 命令
type ShellFunc func(command string) (*domain.CommandResult, error)

type shellHandler struct {
	contains string
	fn       ShellFunc
}

// FakeDevice 按命令子串匹配响应的假设备，先注册者优先
type FakeDevice struct {
	mu          sync.Mutex
	serial      string
	handlers    []shellHandler
	commands    []string
	files       map[string][]byte
	deleted     []string
	unavailable bool

	Logcat string
}

// NewFakeDevice 创建假设备
func NewFakeDevice(serial string) *FakeDevice {
	return &FakeDevice{
		serial: serial,
		files:  make(map[string][]byte),
	}
}

func (f *FakeDevice) Serial() string {
	return f.serial
}

// OnShell 注册 shell 处理函数
func (f *FakeDevice) OnShell(contains string, fn ShellFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, shellHandler{contains: contains, fn: fn})
}

// RespondShell 注册固定输出的成功响应
func (f *FakeDevice) RespondShell(contains, stdout string) {
	f.OnShell(contains, func(string) (*domain.CommandResult, error) {
		return &domain.CommandResult{Status: domain.CommandStatusSuccess, Stdout: stdout}, nil
	})
}

// FailShell 注册失败响应
func (f *FakeDevice) FailShell(contains, stderr string) {
	f.OnShell(contains, func(string) (*domain.CommandResult, error) {
		return &domain.CommandResult{Status: domain.CommandStatusFailed, Stderr: stderr, ExitCode: 1}, nil
	})
}

// SetUnavailable 之后所有调用都返回 ErrDeviceUnavailable
func (f *FakeDevice) SetUnavailable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable = v
}

// PutFile 在设备上放置文件
func (f *FakeDevice) PutFile(remotePath string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[remotePath] = data
}

// HasFile 设备上是否存在文件
func (f *FakeDevice) HasFile(remotePath string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[remotePath]
	return ok
}

// Commands 返回执行过的 shell 命令
func (f *FakeDevice) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

// CountCommands 统计包含指定子串的命令数
func (f *FakeDevice) CountCommands(contains string) int {
	n := 0
	for _, c := range f.Commands() {
		if strings.Contains(c, contains) {
			n++
		}
	}
	return n
}

// Deleted 返回删除过的远程路径
func (f *FakeDevice) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *FakeDevice) unavailableErr() error {
	return fmt.Errorf("%w: %s: error: device offline", domain.ErrDeviceUnavailable, f.serial)
}

func (f *FakeDevice) ShellV2(_ context.Context, command string) (*domain.CommandResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	if f.unavailable {
		f.mu.Unlock()
		return &domain.CommandResult{Status: domain.CommandStatusFailed, Stderr: "error: device offline", ExitCode: 1}, f.unavailableErr()
	}
	var fn ShellFunc
	for _, h := range f.handlers {
		if strings.Contains(command, h.contains) {
			fn = h.fn
			break
		}
	}
	f.mu.Unlock()

	if fn == nil {
		return &domain.CommandResult{
			Status:   domain.CommandStatusFailed,
			Stderr:   "/system/bin/sh: " + command + ": not found",
			ExitCode: 127,
		}, nil
	}
	return fn(command)
}

func (f *FakeDevice) ShellWithTimeout(ctx context.Context, _ time.Duration, command string) (*domain.CommandResult, error) {
	return f.ShellV2(ctx, command)
}

// ShellToWriter 把处理函数返回的 Stdout 写入 w
func (f *FakeDevice) ShellToWriter(ctx context.Context, _ time.Duration, w io.Writer, command string) (*domain.CommandResult, error) {
	result, err := f.ShellV2(ctx, command)
	if err != nil {
		return result, err
	}
	if _, werr := io.WriteString(w, result.Stdout); werr != nil {
		return nil, werr
	}
	return result, nil
}

func (f *FakeDevice) Shell(ctx context.Context, command string) (string, error) {
	result, err := f.ShellV2(ctx, command)
	if err != nil {
		return "", err
	}
	if !result.Succeeded() {
		return "", fmt.Errorf("shell command %q failed: %s", command, result.Stderr)
	}
	return result.Stdout, nil
}

func (f *FakeDevice) PullFile(_ context.Context, remotePath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return "", f.unavailableErr()
	}
	data, ok := f.files[remotePath]
	if !ok {
		return "", fmt.Errorf("adb pull %s failed: remote object does not exist", remotePath)
	}
	dir, err := os.MkdirTemp("", "fake-pull-")
	if err != nil {
		return "", err
	}
	local := filepath.Join(dir, path.Base(remotePath))
	if err := os.WriteFile(local, data, 0o644); err != nil {
		return "", err
	}
	return local, nil
}

func (f *FakeDevice) Pull(_ context.Context, remotePath, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return f.unavailableErr()
	}
	data, ok := f.files[remotePath]
	if !ok {
		return fmt.Errorf("adb pull %s failed: remote object does not exist", remotePath)
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (f *FakeDevice) DeleteFile(_ context.Context, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return f.unavailableErr()
	}
	f.deleted = append(f.deleted, remotePath)
	delete(f.files, remotePath)
	return nil
}

func (f *FakeDevice) GetState(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return "", f.unavailableErr()
	}
	return "device", nil
}

func (f *FakeDevice) Screenshot(_ context.Context, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(outputPath, []byte("\x89PNG fake"), 0o644)
}

func (f *FakeDevice) GetLogcat(_ context.Context) (string, error) {
	return f.Logcat, nil
}

func (f *FakeDevice) ClearLogcat(_ context.Context) error {
	return nil
}
