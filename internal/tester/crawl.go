package tester

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/apk-analysis/app-compat-harness/internal/config"
	"github.com/apk-analysis/app-compat-harness/internal/crashcheck"
	"github.com/apk-analysis/app-compat-harness/internal/device"
	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/apk-analysis/app-compat-harness/internal/hostexec"
	"github.com/apk-analysis/app-compat-harness/internal/report"
	"github.com/sirupsen/logrus"
)

// crawlerOutputLines 失败信息中保留的爬虫输出行数
const crawlerOutputLines = 20

// ErrCrawlerNotConfigured 未配置爬虫命令
var ErrCrawlerNotConfigured = errors.New("crawler command is not configured")

// CrawlerError 爬虫进程失败
type CrawlerError struct {
	Result *domain.CommandResult
}

func (e *CrawlerError) Error() string {
	return fmt.Sprintf("Crawler command failed: status %s, exit code %d\nstdout:\n%sstderr:\n%s",
		e.Result.Status, e.Result.ExitCode,
		report.Truncate(e.Result.Stdout, crawlerOutputLines),
		report.Truncate(e.Result.Stderr, crawlerOutputLines))
}

// CrawlTester 运行外部爬虫并检查崩溃
type CrawlTester struct {
	dev       Device
	collector *Collector
	checker   *crashcheck.Checker
	runner    hostexec.Runner
	clock     *device.Clock
	cfg       config.CrawlConfig
	logger    *logrus.Logger
}

// NewCrawlTester 创建爬虫测试
func NewCrawlTester(dev Device, collector *Collector, checker *crashcheck.Checker, runner hostexec.Runner, cfg config.CrawlConfig, logger *logrus.Logger) *CrawlTester {
	return &CrawlTester{
		dev:       dev,
		collector: collector,
		checker:   checker,
		runner:    runner,
		clock:     device.NewClock(dev),
		cfg:       cfg,
		logger:    logger,
	}
}

// Run 爬取一个包，崩溃信息排在爬虫失败信息之前
func (t *CrawlTester) Run(ctx context.Context, packageName string) (*Verdict, error) {
	log := t.logger.WithFields(logrus.Fields{
		"package": packageName,
		"serial":  t.dev.Serial(),
	})

	v := &Verdict{Package: packageName, Kind: domain.TestKindCrawl}

	var err error
	if v.Start, err = t.clock.CurrentTimeMillis(ctx); err != nil {
		return nil, err
	}

	outputDir, err := os.MkdirTemp("", "crawler-")
	if err != nil {
		return nil, fmt.Errorf("failed to create crawler output dir: %w", err)
	}
	defer os.RemoveAll(outputDir)

	var crawlErr error
	action := func(ctx context.Context) error {
		crawlErr = t.crawl(ctx, packageName, outputDir)
		return ctx.Err()
	}

	if t.collector.RecordingEnabled() {
		rec, err := t.collector.ScreenRecord(ctx, packageName, action)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			v.VideoStart = rec.StartTime
			v.HasVideo = rec.HasVideo()
		}
	} else if err := action(ctx); err != nil {
		return nil, err
	}

	// 应用由爬虫安装，版本号只能在爬取之后读取
	if v.VersionCode, v.VersionName, err = t.collector.AppVersion(ctx, packageName); err != nil {
		return nil, err
	}
	t.collector.CrawlOutput(ctx, packageName, outputDir)

	var failures failureList
	result, err := t.checker.Check(ctx, packageName, v.Start, true, v.VideoStart)
	switch {
	case err == nil:
		v.End = result.End
		if result.Crashed() {
			v.CrashCount = result.Report.EntryCount
			failures.add(domain.FailureTypeCrashDetected, result.Message())
		}
	case domain.IsDeviceUnavailable(err) || ctx.Err() != nil:
		return nil, err
	default:
		failures.add(domain.FailureTypeExtractionFailed, "Error while getting dropbox crash log: "+err.Error())
	}
	if crawlErr != nil {
		failures.add(domain.FailureTypeCrawlerFailed, crawlErr.Error())
	}
	failures.apply(v)

	log.WithFields(logrus.Fields{
		"passed":       v.Passed,
		"failure_type": v.FailureType,
		"crash_count":  v.CrashCount,
	}).Info("Completed crawling package")
	return v, nil
}

func (t *CrawlTester) crawl(ctx context.Context, packageName, outputDir string) error {
	if t.cfg.Command == "" {
		return ErrCrawlerNotConfigured
	}

	args := expandArgs(t.cfg.Args, map[string]string{
		"{package}": packageName,
		"{serial}":  t.dev.Serial(),
		"{output}":  outputDir,
	})

	t.logger.WithFields(logrus.Fields{
		"package": packageName,
		"command": strings.Join(append([]string{t.cfg.Command}, args...), " "),
		"timeout": t.cfg.ProcessTimeout().String(),
	}).Info("Starting to crawl the package")

	result := t.runner.Run(ctx, t.cfg.ProcessTimeout(), t.cfg.Command, args...)
	if !result.Succeeded() || strings.Contains(result.Stdout, "Unknown options:") {
		return &CrawlerError{Result: result}
	}

	t.logger.WithField("package", packageName).Info("Completed crawling the package")
	return nil
}

func expandArgs(args []string, values map[string]string) []string {
	pairs := make([]string, 0, len(values)*2)
	for k, v := range values {
		pairs = append(pairs, k, v)
	}
	replacer := strings.NewReplacer(pairs...)

	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = replacer.Replace(arg)
	}
	return out
}
