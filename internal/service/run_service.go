package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/artifact"
	"github.com/apk-analysis/app-compat-harness/internal/device"
	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/apk-analysis/app-compat-harness/internal/repository"
	"github.com/apk-analysis/app-compat-harness/internal/tester"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrUnknownKind 未知的测试类型
var ErrUnknownKind = errors.New("unknown test kind")

// Tester 测试驱动
type Tester interface {
	Run(ctx context.Context, packageName string) (*tester.Verdict, error)
}

// TesterFactory 为一次运行创建测试驱动，产物写入 sink
type TesterFactory func(kind domain.TestKind, sink artifact.Sink) (Tester, error)

// Dispatcher 运行调度（设备运行池）
type Dispatcher interface {
	Submit(runID string) error
	SubmitAndWait(ctx context.Context, runID string) error
}

// VerdictPublisher 发布结论
type VerdictPublisher interface {
	PublishVerdict(ctx context.Context, run *domain.TestRun) error
}

// Broadcaster 推送运行状态变化
type Broadcaster interface {
	BroadcastRun(run *domain.TestRun)
}

// Metrics 运行指标
type Metrics interface {
	RecordRunStarted()
	RecordRunFinished(kind, status string, crashCount int, duration time.Duration)
}

// RunService 测试运行服务
type RunService interface {
	// Submit 创建排队中的运行并异步执行
	Submit(ctx context.Context, packageName string, kind domain.TestKind) (*domain.TestRun, error)
	// Run 创建运行并等待执行完成
	Run(ctx context.Context, packageName string, kind domain.TestKind) (*domain.TestRun, error)
	// Execute 执行一个排队中的运行，由运行池调用
	Execute(ctx context.Context, runID string) error

	Get(ctx context.Context, runID string) (*domain.TestRun, error)
	List(ctx context.Context, filter repository.RunFilter) ([]*domain.TestRun, int64, error)
	Artifacts(ctx context.Context, runID string) ([]*domain.RunArtifact, error)
}

// Options 可选依赖，均可为 nil
type Options struct {
	Publisher   VerdictPublisher
	Broadcaster Broadcaster
	Metrics     Metrics
	// Device 非空时执行前占用设备，DeviceWait 为最长等待时间
	Device     *device.Device
	DeviceWait time.Duration
}

type runService struct {
	runs         repository.RunRepository
	artifacts    repository.ArtifactRepository
	dispatcher   Dispatcher
	newTester    TesterFactory
	artifactsDir string
	serial       string
	opts         Options
	logger       *logrus.Logger
}

// NewRunService 创建运行服务
func NewRunService(
	runs repository.RunRepository,
	artifacts repository.ArtifactRepository,
	dispatcher Dispatcher,
	newTester TesterFactory,
	artifactsDir, serial string,
	opts Options,
	logger *logrus.Logger,
) RunService {
	return &runService{
		runs:         runs,
		artifacts:    artifacts,
		dispatcher:   dispatcher,
		newTester:    newTester,
		artifactsDir: artifactsDir,
		serial:       serial,
		opts:         opts,
		logger:       logger,
	}
}

func (s *runService) create(ctx context.Context, packageName string, kind domain.TestKind) (*domain.TestRun, error) {
	packageName = strings.TrimSpace(packageName)
	if packageName == "" {
		return nil, fmt.Errorf("package name is required")
	}
	if kind != domain.TestKindLaunch && kind != domain.TestKindCrawl {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	run := &domain.TestRun{
		ID:          uuid.New().String(),
		PackageName: packageName,
		Kind:        kind,
		Status:      domain.RunStatusQueued,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"run_id":  run.ID,
		"package": packageName,
		"kind":    kind,
	}).Info("Test run queued")
	s.broadcast(run)
	return run, nil
}

func (s *runService) Submit(ctx context.Context, packageName string, kind domain.TestKind) (*domain.TestRun, error) {
	run, err := s.create(ctx, packageName, kind)
	if err != nil {
		return nil, err
	}
	if err := s.dispatcher.Submit(run.ID); err != nil {
		s.abort(ctx, run, fmt.Errorf("failed to dispatch run: %w", err))
		return nil, err
	}
	return run, nil
}

func (s *runService) Run(ctx context.Context, packageName string, kind domain.TestKind) (*domain.TestRun, error) {
	run, err := s.create(ctx, packageName, kind)
	if err != nil {
		return nil, err
	}
	if err := s.dispatcher.SubmitAndWait(ctx, run.ID); err != nil {
		return nil, err
	}
	return s.runs.FindByID(ctx, run.ID)
}

func (s *runService) Execute(ctx context.Context, runID string) error {
	run, err := s.runs.FindByID(ctx, runID)
	if err != nil {
		return err
	}
	if err := s.runs.MarkRunning(ctx, runID, s.serial); err != nil {
		return err
	}
	run.Status = domain.RunStatusRunning
	run.DeviceSerial = s.serial
	s.broadcast(run)

	log := s.logger.WithFields(logrus.Fields{
		"run_id":  run.ID,
		"package": run.PackageName,
		"kind":    run.Kind,
	})
	log.Info("Test run started")

	started := time.Now()
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordRunStarted()
	}

	verdict, sink, runErr := s.execute(ctx, run)
	applyOutcome(run, verdict, runErr)
	if sink != nil {
		run.VideoPath = videoPath(sink.Saved())
	}

	// 运行结果不受调用方取消影响
	done := context.WithoutCancel(ctx)
	if err := s.runs.Complete(done, run); err != nil {
		return fmt.Errorf("failed to persist verdict: %w", err)
	}

	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordRunFinished(string(run.Kind), string(run.Status), run.CrashCount, time.Since(started))
	}
	if s.opts.Publisher != nil {
		if err := s.opts.Publisher.PublishVerdict(done, run); err != nil {
			log.WithError(err).Warn("Failed to publish verdict")
		}
	}
	s.broadcast(run)

	log.WithFields(logrus.Fields{
		"status":       run.Status,
		"failure_type": run.FailureType,
		"crash_count":  run.CrashCount,
		"duration":     time.Since(started).Seconds(),
	}).Info("Test run completed")
	return runErr
}

func (s *runService) execute(ctx context.Context, run *domain.TestRun) (*tester.Verdict, *artifact.DirSink, error) {
	if dev := s.opts.Device; dev != nil {
		if err := dev.Acquire(ctx, run.ID, s.opts.DeviceWait, time.Second, s.logger); err != nil {
			return nil, nil, err
		}
		defer dev.Release()
	}

	sink, err := artifact.NewDirSink(s.artifactsDir, run.ID, s.artifacts, s.logger)
	if err != nil {
		return nil, nil, err
	}
	t, err := s.newTester(run.Kind, sink)
	if err != nil {
		return nil, sink, err
	}
	v, err := t.Run(ctx, run.PackageName)
	return v, sink, err
}

// abort 无法调度的运行直接置为 error
func (s *runService) abort(ctx context.Context, run *domain.TestRun, cause error) {
	applyOutcome(run, nil, cause)
	if err := s.runs.Complete(context.WithoutCancel(ctx), run); err != nil {
		s.logger.WithError(err).WithField("run_id", run.ID).Error("Failed to mark run as error")
	}
	s.broadcast(run)
}

func (s *runService) broadcast(run *domain.TestRun) {
	if s.opts.Broadcaster != nil {
		s.opts.Broadcaster.BroadcastRun(run)
	}
}

func (s *runService) Get(ctx context.Context, runID string) (*domain.TestRun, error) {
	return s.runs.FindByID(ctx, runID)
}

func (s *runService) List(ctx context.Context, filter repository.RunFilter) ([]*domain.TestRun, int64, error) {
	return s.runs.List(ctx, filter)
}

func (s *runService) Artifacts(ctx context.Context, runID string) ([]*domain.RunArtifact, error) {
	if _, err := s.runs.FindByID(ctx, runID); err != nil {
		return nil, err
	}
	return s.artifacts.ListByRun(ctx, runID)
}

// applyOutcome 把测试结论写入运行记录
// err 非空表示结果不确定，状态为 error
func applyOutcome(run *domain.TestRun, v *tester.Verdict, err error) {
	now := time.Now().UTC()
	run.CompletedAt = &now

	if err != nil {
		run.Status = domain.RunStatusError
		run.FailureType = domain.FailureTypeUnknown
		if domain.IsDeviceUnavailable(err) {
			run.FailureType = domain.FailureTypeDeviceUnavailable
		}
		run.FailureMessage = err.Error()
		return
	}

	run.FailureType = v.FailureType
	run.FailureMessage = v.Message
	run.CrashCount = v.CrashCount
	run.VersionName = v.VersionName
	run.VersionCode = v.VersionCode
	run.DeviceStartMillis = v.Start.Millis()
	run.DeviceEndMillis = v.End.Millis()

	switch {
	case v.Passed:
		run.Status = domain.RunStatusPassed
	case v.FailureType.IsAppFailure() || v.FailureType == domain.FailureTypeCrawlerFailed || v.FailureType == domain.FailureTypeNotInstalled:
		run.Status = domain.RunStatusFailed
	default:
		run.Status = domain.RunStatusError
	}
}

func videoPath(saved []domain.RunArtifact) string {
	for _, a := range saved {
		if a.DataType == domain.LogDataTypeMP4 {
			return a.Path
		}
	}
	return ""
}
