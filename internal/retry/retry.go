package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/sirupsen/logrus"
)

// Strategy 退避策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// Config 重试配置
// 仅用于驱动层的连接类操作（adb connect、RabbitMQ 拨号），崩溃检测核心不做重试
type Config struct {
	Operation       string // 用于日志
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Strategy        Strategy
	Timeout         time.Duration // 总超时，0 表示不限制
	Logger          *logrus.Logger
	OnRetry         func(operation string, attempt int) // 每次退避重试前调用，可为 nil
}

// DefaultConfig 默认配置
func DefaultConfig(operation string, logger *logrus.Logger) *Config {
	return &Config{
		Operation:       operation,
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Strategy:        StrategyExponential,
		Timeout:         5 * time.Minute,
		Logger:          logger,
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记错误为不可重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var perm *permanentError
	switch {
	case errors.As(err, &perm):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, domain.ErrDeviceUnavailable):
		// 设备掉线交给上层驱动处理
		return false
	default:
		return true
	}
}

// Func 可重试的操作
type Func func(ctx context.Context) error

// Do 执行带重试的操作
func Do(ctx context.Context, config *Config, fn Func) error {
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}

	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	log := config.Logger.WithField("operation", config.Operation)
	var lastErr error
	interval := config.InitialInterval

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", config.Operation, err)
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				log.WithField("attempt", attempt).Info("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     config.MaxAttempts,
		}).Warn("Operation failed")

		if !IsRetryable(err) {
			return err
		}
		if attempt == config.MaxAttempts {
			break
		}

		if config.OnRetry != nil {
			config.OnRetry(config.Operation, attempt+1)
		}
		interval = nextInterval(config.Strategy, config.InitialInterval, config.MaxInterval, attempt)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", config.Operation, ctx.Err())
		case <-time.After(interval):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", config.Operation, config.MaxAttempts, lastErr)
}

// DoWithResult 执行带重试的操作并返回结果
func DoWithResult[T any](ctx context.Context, config *Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, config, func(ctx context.Context) error {
		res, err := fn(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

func nextInterval(strategy Strategy, initial, max time.Duration, attempt int) time.Duration {
	var next time.Duration
	switch strategy {
	case StrategyLinear:
		next = initial * time.Duration(attempt)
	case StrategyExponential:
		next = initial * time.Duration(1<<(attempt-1))
	default:
		next = initial
	}
	if max > 0 && next > max {
		next = max
	}
	return next
}
