package screenrecord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/config"
	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/sirupsen/logrus"
)

// DefaultRemotePath 设备上的录屏文件
const DefaultRemotePath = "/sdcard/screenrecord.mp4"

// ErrSessionUsed 同一个会话只能运行一次
var ErrSessionUsed = errors.New("screen recording session has already run")

// Device 录屏依赖的设备能力
type Device interface {
	Serial() string
	ShellV2(ctx context.Context, command string) (*domain.CommandResult, error)
	ShellWithTimeout(ctx context.Context, timeout time.Duration, command string) (*domain.CommandResult, error)
	PullFile(ctx context.Context, remotePath string) (string, error)
	DeleteFile(ctx context.Context, remotePath string) error
}

// Clock 读取设备时间，用于记录录屏开始时刻
type Clock interface {
	CurrentTimeMillis(ctx context.Context) (domain.DeviceTimestamp, error)
}

// Options 录屏参数
type Options struct {
	RemotePath   string
	TimeLimit    time.Duration // 0 表示不传 --time-limit
	PidTimeout   time.Duration // 等待录屏进程出现
	PollInterval time.Duration
	StopTimeout  time.Duration // 发送 SIGINT 后等待录屏命令退出
}

// OptionsFromConfig 从配置构造录屏参数
func OptionsFromConfig(cfg config.RecordingConfig) Options {
	return Options{
		RemotePath:   cfg.RemotePath,
		TimeLimit:    time.Duration(cfg.TimeLimit) * time.Second,
		PidTimeout:   cfg.PidTimeoutDuration(),
		PollInterval: cfg.PollIntervalDuration(),
		StopTimeout:  cfg.StopTimeoutDuration(),
	}
}

// Recording 录屏结果
type Recording struct {
	PID       string
	LocalPath string                  // 拉取失败时为空
	StartTime *domain.DeviceTimestamp // 未设置 Clock 或读取失败时为 nil
}

// HasVideo 是否成功拉取到视频文件
func (r *Recording) HasVideo() bool {
	return r != nil && r.LocalPath != ""
}

type recordResult struct {
	result *domain.CommandResult
	err    error
}

// Session 一次录屏：后台启动 screenrecord，检测到进程后执行动作，结束后停止录屏并取回文件
//
// 录屏失败不影响动作本身：进程始终没有出现时动作照常执行，返回 nil 录屏结果。
type Session struct {
	dev    Device
	opts   Options
	clock  Clock
	logger *logrus.Logger

	mu        sync.Mutex
	state     State
	stateHook func(State)
}

// NewSession 创建录屏会话
func NewSession(dev Device, opts Options, logger *logrus.Logger) *Session {
	if opts.RemotePath == "" {
		opts.RemotePath = DefaultRemotePath
	}
	return &Session{dev: dev, opts: opts, logger: logger}
}

// SetClock 设置后在检测到录屏进程时读取设备时间作为录屏开始时刻
func (s *Session) SetClock(c Clock) {
	s.clock = c
}

// SetStateHook 状态变化回调
func (s *Session) SetStateHook(fn func(State)) {
	s.mu.Lock()
	s.stateHook = fn
	s.mu.Unlock()
}

// State 当前状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	hook := s.stateHook
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"serial": s.dev.Serial(),
		"state":  state.String(),
	}).Debug("Screen recording state changed")
	if hook != nil {
		hook(state)
	}
}

func (s *Session) command() string {
	if s.opts.TimeLimit > 0 {
		return fmt.Sprintf("screenrecord --time-limit %d %s", int(s.opts.TimeLimit/time.Second), s.opts.RemotePath)
	}
	return "screenrecord " + s.opts.RemotePath
}

// Run 录屏期间执行 action
// 检测到录屏进程后，无论 action 是否出错都会停止录屏、拉取并删除设备上的文件
func (s *Session) Run(ctx context.Context, action func(ctx context.Context) error) (rec *Recording, err error) {
	if s.State() != StateIdle {
		return nil, ErrSessionUsed
	}

	s.setState(StateStarting)
	if err := s.dev.DeleteFile(ctx, s.opts.RemotePath); err != nil {
		if domain.IsDeviceUnavailable(err) {
			s.setState(StateDone)
			return nil, err
		}
		s.logger.WithError(err).Debug("Failed to remove previous screen recording")
	}

	recordCtx, cancelRecord := context.WithCancel(ctx)
	defer cancelRecord()

	done := make(chan recordResult, 1)
	go func() {
		result, err := s.dev.ShellWithTimeout(recordCtx, 0, s.command())
		done <- recordResult{result: result, err: err}
	}()

	s.setState(StatePolling)
	pid, err := s.waitForPid(ctx, done)
	if err != nil {
		s.setState(StateDone)
		return nil, err
	}

	if pid == "" {
		s.logger.WithFields(logrus.Fields{
			"serial":  s.dev.Serial(),
			"timeout": s.opts.PidTimeout.String(),
		}).Warn("Screenrecord did not start, running without recording")
		cancelRecord()

		s.setState(StateRunning)
		err := action(ctx)
		s.setState(StateDone)
		return nil, err
	}

	rec = &Recording{PID: pid}
	defer func() {
		cleanupErr := s.stopAndRetrieve(context.WithoutCancel(ctx), rec, done, cancelRecord)
		if err == nil && cleanupErr != nil {
			err = cleanupErr
		}
		s.setState(StateDone)
	}()

	if s.clock != nil {
		start, clockErr := s.clock.CurrentTimeMillis(ctx)
		switch {
		case clockErr == nil:
			rec.StartTime = &start
		case domain.IsDeviceUnavailable(clockErr):
			return rec, clockErr
		default:
			s.logger.WithError(clockErr).Warn("Failed to read device time for screen recording start")
		}
	}

	s.setState(StateRunning)
	return rec, action(ctx)
}

// waitForPid 轮询录屏进程号，超时或录屏命令已退出时返回空字符串
func (s *Session) waitForPid(ctx context.Context, done <-chan recordResult) (string, error) {
	deadline := time.Now().Add(s.opts.PidTimeout)
	for {
		result, err := s.dev.ShellV2(ctx, "pidof screenrecord")
		if err != nil {
			return "", err
		}
		if result.Succeeded() {
			if fields := strings.Fields(result.Stdout); len(fields) > 0 {
				return fields[0], nil
			}
		}

		select {
		case r := <-done:
			s.logRecordResult(r, "Screenrecord exited before it was detected")
			return "", nil
		default:
		}

		if !time.Now().Before(deadline) {
			return "", nil
		}

		s.logger.WithField("interval", s.opts.PollInterval.String()).Debug("Screenrecord not started yet, waiting...")
		timer := time.NewTimer(s.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

// stopAndRetrieve 发送 SIGINT，等待录屏命令退出，拉取并删除视频
// 只在设备不可达时返回错误
func (s *Session) stopAndRetrieve(ctx context.Context, rec *Recording, done <-chan recordResult, cancelRecord context.CancelFunc) error {
	var unavailable error
	keep := func(err error) {
		if unavailable == nil && domain.IsDeviceUnavailable(err) {
			unavailable = err
		}
	}

	s.setState(StateStopping)
	if _, err := s.dev.ShellV2(ctx, "kill -2 "+rec.PID); err != nil {
		keep(err)
		s.logger.WithError(err).Warn("Failed to stop screenrecord")
	}

	timer := time.NewTimer(s.opts.StopTimeout)
	select {
	case r := <-done:
		timer.Stop()
		s.logRecordResult(r, "Screenrecord finished")
	case <-timer.C:
		s.logger.WithField("timeout", s.opts.StopTimeout.String()).Warn("Screenrecord did not exit in time, cancelling")
		cancelRecord()
	}

	if unavailable != nil {
		return unavailable
	}

	s.setState(StateRetrieving)
	if size, err := s.dev.ShellV2(ctx, "ls -sh "+s.opts.RemotePath); err == nil && size.Succeeded() {
		s.logger.WithField("size", strings.TrimSpace(size.Stdout)).Debug("Completed screenrecord")
	} else {
		keep(err)
	}
	if hash, err := s.dev.ShellV2(ctx, "md5sum "+s.opts.RemotePath); err == nil && hash.Succeeded() {
		s.logger.WithField("md5", strings.TrimSpace(hash.Stdout)).Debug("Screen recording md5 sum")
	} else {
		keep(err)
	}

	localPath, err := s.dev.PullFile(ctx, s.opts.RemotePath)
	if err != nil {
		keep(err)
		s.logger.WithError(err).Error("Failed to pull screen recording")
	} else {
		rec.LocalPath = localPath
	}

	if err := s.dev.DeleteFile(ctx, s.opts.RemotePath); err != nil {
		keep(err)
		s.logger.WithError(err).Warn("Failed to delete screen recording from device")
	}

	return unavailable
}

func (s *Session) logRecordResult(r recordResult, msg string) {
	fields := logrus.Fields{"serial": s.dev.Serial()}
	if r.result != nil {
		fields["status"] = r.result.Status
		fields["exit_code"] = r.result.ExitCode
		fields["stderr"] = strings.TrimSpace(r.result.Stderr)
	}
	entry := s.logger.WithFields(fields)
	if r.err != nil {
		entry = entry.WithError(r.err)
	}
	entry.Debug(msg)
}
