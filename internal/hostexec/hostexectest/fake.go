// Package hostexectest 提供测试用的主机命令执行器
package hostexectest

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
)

// HandlerFunc 处理一次命令调用，向 stdout 写入输出并返回结果
type HandlerFunc func(args []string, stdout io.Writer) *domain.CommandResult

type handler struct {
	contains string
	fn       HandlerFunc
}

// Call 一次调用记录
type Call struct {
	Name    string
	Args    []string
	Timeout time.Duration
}

// CommandLine 返回完整命令行
func (c Call) CommandLine() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// FakeRunner 按命令行子串匹配处理函数，先注册者优先
type FakeRunner struct {
	mu       sync.Mutex
	handlers []handler
	calls    []Call
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{}
}

// Handle 注册处理函数
func (f *FakeRunner) Handle(contains string, fn HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler{contains: contains, fn: fn})
}

// Respond 注册固定输出的成功响应
func (f *FakeRunner) Respond(contains string, stdout string) {
	f.Handle(contains, func(_ []string, w io.Writer) *domain.CommandResult {
		io.WriteString(w, stdout)
		return Success()
	})
}

// Fail 注册失败响应
func (f *FakeRunner) Fail(contains string, stderr string) {
	f.Handle(contains, func(_ []string, _ io.Writer) *domain.CommandResult {
		return &domain.CommandResult{Status: domain.CommandStatusFailed, Stderr: stderr, ExitCode: 1}
	})
}

// Calls 返回所有调用记录
func (f *FakeRunner) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CalledWith 是否有命令行包含指定子串的调用
func (f *FakeRunner) CalledWith(contains string) bool {
	for _, c := range f.Calls() {
		if strings.Contains(c.CommandLine(), contains) {
			return true
		}
	}
	return false
}

func (f *FakeRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) *domain.CommandResult {
	var buf bytes.Buffer
	result := f.RunToWriter(ctx, timeout, &buf, name, args...)
	result.Stdout = buf.String()
	return result
}

func (f *FakeRunner) RunToWriter(_ context.Context, timeout time.Duration, w io.Writer, name string, args ...string) *domain.CommandResult {
	call := Call{Name: name, Args: append([]string(nil), args...), Timeout: timeout}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	var fn HandlerFunc
	for _, h := range f.handlers {
		if strings.Contains(call.CommandLine(), h.contains) {
			fn = h.fn
			break
		}
	}
	f.mu.Unlock()

	if fn == nil {
		return &domain.CommandResult{
			Status:   domain.CommandStatusFailed,
			Stderr:   "unexpected command: " + call.CommandLine(),
			ExitCode: 127,
		}
	}
	return fn(call.Args, w)
}

// Success 成功结果
func Success() *domain.CommandResult {
	return &domain.CommandResult{Status: domain.CommandStatusSuccess}
}
