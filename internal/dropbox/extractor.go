package dropbox

import (
	"context"
	"io"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/sirupsen/logrus"
)

// Device 提取策略依赖的设备能力
type Device interface {
	Serial() string
	ShellWithTimeout(ctx context.Context, timeout time.Duration, command string) (*domain.CommandResult, error)
	ShellToWriter(ctx context.Context, timeout time.Duration, w io.Writer, command string) (*domain.CommandResult, error)
	Pull(ctx context.Context, remotePath, localPath string) error
}

// Request 一次提取的参数，Start / End 为 nil 表示不限
type Request struct {
	Tags  Tags
	Start *domain.DeviceTimestamp
	End   *domain.DeviceTimestamp
}

// Accepts 判断记录是否满足 tag 和 [Start, End) 时间窗口
func (r Request) Accepts(e domain.DropboxEntry) bool {
	if !r.Tags.Contains(e.Tag) {
		return false
	}
	if r.Start != nil && e.Time.Before(*r.Start) {
		return false
	}
	if r.End != nil && !e.Time.Before(*r.End) {
		return false
	}
	return true
}

// Strategy 一种 dropbox 记录提取方式
type Strategy interface {
	Name() string
	Extract(ctx context.Context, req Request) ([]domain.DropboxEntry, error)
}

// Observer 接收每次策略尝试的结果（用于指标）
type Observer interface {
	ObserveStrategy(strategy string, err error, elapsed time.Duration)
}

// Extractor 按优先级依次尝试各个策略，全部失败才返回 ExtractionError
type Extractor struct {
	strategies []Strategy
	observer   Observer
	logger     *logrus.Logger
}

// NewExtractor 创建提取器，strategies 的顺序即优先级
func NewExtractor(strategies []Strategy, logger *logrus.Logger) *Extractor {
	return &Extractor{strategies: strategies, logger: logger}
}

// SetObserver 设置结果观察者
func (e *Extractor) SetObserver(o Observer) {
	e.observer = o
}

// Strategies 返回策略名称（按优先级）
func (e *Extractor) Strategies() []string {
	names := make([]string, 0, len(e.strategies))
	for _, s := range e.strategies {
		names = append(names, s.Name())
	}
	return names
}

// Extract 提取记录并按 tag 和时间窗口过滤
// 设备不可达时立即原样返回，不再尝试后续策略
func (e *Extractor) Extract(ctx context.Context, req Request) ([]domain.DropboxEntry, error) {
	var failures []domain.StrategyFailure

	for _, s := range e.strategies {
		start := time.Now()
		entries, err := s.Extract(ctx, req)
		if e.observer != nil {
			e.observer.ObserveStrategy(s.Name(), err, time.Since(start))
		}

		if err == nil {
			e.logger.WithFields(logrus.Fields{
				"strategy": s.Name(),
				"entries":  len(entries),
				"duration": time.Since(start).Milliseconds(),
			}).Debug("Dropbox entries extracted")
			return filterEntries(entries, req), nil
		}

		if domain.IsDeviceUnavailable(err) {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		e.logger.WithError(err).WithField("strategy", s.Name()).Debug("Dropbox extraction strategy failed, falling back")
		failures = append(failures, domain.StrategyFailure{Strategy: s.Name(), Err: err})
	}

	return nil, &domain.ExtractionError{Failures: failures}
}

func filterEntries(entries []domain.DropboxEntry, req Request) []domain.DropboxEntry {
	out := make([]domain.DropboxEntry, 0, len(entries))
	for _, entry := range entries {
		if req.Accepts(entry) {
			out = append(out, entry)
		}
	}
	return out
}
