package hostexec

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/sirupsen/logrus"
)

// waitDelay 超时后等待子进程释放输出管道的时间
const waitDelay = 5 * time.Second

// Runner 主机命令执行器，每次调用单独指定超时
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) *domain.CommandResult
	// RunToWriter 标准输出直接写入 w（用于大体积二进制输出）
	RunToWriter(ctx context.Context, timeout time.Duration, w io.Writer, name string, args ...string) *domain.CommandResult
}

// ExecRunner 基于 os/exec 的实现
type ExecRunner struct {
	logger *logrus.Logger
}

// NewExecRunner 创建主机命令执行器
func NewExecRunner(logger *logrus.Logger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

// Run 执行命令并收集标准输出
func (r *ExecRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) *domain.CommandResult {
	var stdout bytes.Buffer
	result := r.RunToWriter(ctx, timeout, &stdout, name, args...)
	result.Stdout = stdout.String()
	return result
}

// RunToWriter 执行命令，标准输出写入 w，标准错误收集到结果中
func (r *ExecRunner) RunToWriter(ctx context.Context, timeout time.Duration, w io.Writer, name string, args ...string) *domain.CommandResult {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = w
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()

	result := &domain.CommandResult{Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.Status = domain.CommandStatusSuccess
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.Status = domain.CommandStatusTimedOut
		result.ExitCode = -1
	case ctx.Err() != nil:
		result.Status = domain.CommandStatusException
		result.ExitCode = -1
		result.Stderr += ctx.Err().Error()
	case errors.As(err, &exitErr):
		result.Status = domain.CommandStatusFailed
		result.ExitCode = exitErr.ExitCode()
	default:
		result.Status = domain.CommandStatusException
		result.ExitCode = -1
		result.Stderr += err.Error()
	}

	r.logger.WithFields(logrus.Fields{
		"command":   name + " " + strings.Join(args, " "),
		"status":    result.Status,
		"exit_code": result.ExitCode,
		"duration":  time.Since(start).Milliseconds(),
	}).Debug("Host command finished")

	return result
}
