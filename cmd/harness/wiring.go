package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/adb"
	"github.com/apk-analysis/app-compat-harness/internal/artifact"
	"github.com/apk-analysis/app-compat-harness/internal/config"
	"github.com/apk-analysis/app-compat-harness/internal/crashcheck"
	"github.com/apk-analysis/app-compat-harness/internal/device"
	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/apk-analysis/app-compat-harness/internal/dropbox"
	"github.com/apk-analysis/app-compat-harness/internal/hostexec"
	"github.com/apk-analysis/app-compat-harness/internal/middleware"
	"github.com/apk-analysis/app-compat-harness/internal/report"
	"github.com/apk-analysis/app-compat-harness/internal/service"
	"github.com/apk-analysis/app-compat-harness/internal/tester"
	"github.com/sirupsen/logrus"
)

// errTestsFailed 至少一个包未通过
var errTestsFailed = errors.New("one or more packages failed")

func exitCode(err error) int {
	if errors.Is(err, errTestsFailed) {
		return 1
	}
	return 2
}

// deviceStack 一台设备上共享的 adb 客户端和崩溃提取组件
type deviceStack struct {
	cfg     *config.Config
	runner  *hostexec.ExecRunner
	conn    *adb.ConnectionManager
	client  *adb.Client
	filter  *dropbox.Filter
	builder *report.Builder
	metrics *middleware.PrometheusMetrics
	logger  *logrus.Logger
}

// newDeviceStack 创建设备组件，metrics 可以为 nil
func newDeviceStack(cfg *config.Config, metrics *middleware.PrometheusMetrics, logger *logrus.Logger) (*deviceStack, error) {
	if cfg.ADB.Serial == "" {
		return nil, fmt.Errorf("device serial is required (--serial, adb.serial or ANDROID_SERIAL)")
	}

	runner := hostexec.NewExecRunner(logger)
	client := adb.NewClient(cfg.ADB.Path, cfg.ADB.Serial, cfg.ADB.CommandTimeout(), runner, logger)
	conn := adb.NewConnectionManager(cfg.ADB.Path, runner, cfg.ADB.ConnectRetries, logger)

	strategies, err := dropbox.NewStrategies(cfg.Dropbox.Strategies, client, runner, dropbox.OptionsFromConfig(cfg.Dropbox), logger)
	if err != nil {
		return nil, err
	}
	extractor := dropbox.NewExtractor(strategies, logger)

	if metrics != nil {
		extractor.SetObserver(metrics)
		conn.SetRetryObserver(metrics.RecordRetryAttempt)
	}

	return &deviceStack{
		cfg:     cfg,
		runner:  runner,
		conn:    conn,
		client:  client,
		filter:  dropbox.NewFilter(extractor, nil, logger),
		builder: report.NewBuilder(cfg.Dropbox.MaxReportLines, nil),
		metrics: metrics,
		logger:  logger,
	}, nil
}

// prepare 启动 adb server，网络设备先 connect，然后等待设备上线
func (s *deviceStack) prepare(ctx context.Context) error {
	s.conn.EnsureDaemonStarted(ctx)

	serial := s.cfg.ADB.Serial
	if adb.IsNetworkSerial(serial) {
		if err := s.conn.Connect(ctx, serial); err != nil {
			return err
		}
	}

	wait := time.Duration(s.cfg.Device.WaitTimeout) * time.Second
	interval := time.Duration(s.cfg.Device.PollInterval) * time.Millisecond
	if err := device.WaitForOnline(ctx, s.client, wait, interval, s.logger); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"serial":     serial,
		"strategies": s.cfg.Dropbox.Strategies,
	}).Info("Device is online")
	return nil
}

// checker 创建写入 sink 的崩溃检查器，sink 为 nil 时不保存产物
func (s *deviceStack) checker(sink artifact.Sink) *crashcheck.Checker {
	return crashcheck.NewChecker(device.NewClock(s.client), s.filter, s.builder, sink, s.cfg.Dropbox.Tags, s.logger)
}

// newTester 为一次运行创建测试驱动
func (s *deviceStack) newTester(kind domain.TestKind, sink artifact.Sink) (service.Tester, error) {
	collector := tester.NewCollector(s.client, sink, s.cfg.Recording, s.logger)
	if s.metrics != nil {
		collector.SetRecordingStateHook(s.metrics.ObserveRecordingState)
	}
	checker := s.checker(sink)

	switch kind {
	case domain.TestKindLaunch:
		return tester.NewLaunchTester(s.client, collector, checker, s.cfg.Launch, s.logger), nil
	case domain.TestKindCrawl:
		return tester.NewCrawlTester(s.client, collector, checker, s.runner, s.cfg.Crawl, s.logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", service.ErrUnknownKind, kind)
	}
}
