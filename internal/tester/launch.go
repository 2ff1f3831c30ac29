package tester

import (
	"context"
	"fmt"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/config"
	"github.com/apk-analysis/app-compat-harness/internal/crashcheck"
	"github.com/apk-analysis/app-compat-harness/internal/device"
	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/sirupsen/logrus"
)

// LaunchTester 启动应用并检查崩溃
type LaunchTester struct {
	dev       Device
	collector *Collector
	checker   *crashcheck.Checker
	utils     *device.Utils
	clock     *device.Clock
	cfg       config.LaunchConfig
	logger    *logrus.Logger
}

// NewLaunchTester 创建启动测试
func NewLaunchTester(dev Device, collector *Collector, checker *crashcheck.Checker, cfg config.LaunchConfig, logger *logrus.Logger) *LaunchTester {
	return &LaunchTester{
		dev:       dev,
		collector: collector,
		checker:   checker,
		utils:     device.NewUtils(dev, logger),
		clock:     device.NewClock(dev),
		cfg:       cfg,
		logger:    logger,
	}
}

// Run 测试一个包
// 返回 error 表示结果不确定（设备不可达、ctx 取消），否则结论在 Verdict 中
func (t *LaunchTester) Run(ctx context.Context, packageName string) (*Verdict, error) {
	log := t.logger.WithFields(logrus.Fields{
		"package": packageName,
		"serial":  t.dev.Serial(),
	})
	log.Info("Started testing package")

	v := &Verdict{Package: packageName, Kind: domain.TestKindLaunch}

	installed, err := t.utils.IsPackageInstalled(ctx, packageName)
	if err != nil {
		return nil, err
	}
	if !installed {
		v.FailureType = domain.FailureTypeNotInstalled
		v.Message = fmt.Sprintf("package %s is not installed on the device", packageName)
		log.Warn("Package is not installed")
		return v, nil
	}

	if t.cfg.ClearLogcat {
		if err := t.dev.ClearLogcat(ctx); err != nil {
			if domain.IsDeviceUnavailable(err) {
				return nil, err
			}
			log.WithError(err).Warn("Failed to clear logcat")
		}
	}

	if v.VersionCode, v.VersionName, err = t.collector.AppVersion(ctx, packageName); err != nil {
		return nil, err
	}

	if v.Start, err = t.clock.CurrentTimeMillis(ctx); err != nil {
		return nil, err
	}

	defer func() {
		if err := t.utils.StopPackage(context.WithoutCancel(ctx), packageName); err != nil {
			log.WithError(err).Warn("Failed to stop package")
		}
	}()

	var launchErr error
	action := func(ctx context.Context) error {
		launchErr = t.launch(ctx, packageName)
		if domain.IsDeviceUnavailable(launchErr) || ctx.Err() != nil {
			return launchErr
		}
		return nil
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

	if t.cfg.Screenshot {
		if err := t.collector.Screenshot(ctx, packageName); err != nil {
			if domain.IsDeviceUnavailable(err) {
				return nil, err
			}
			log.WithError(err).Warn("Failed to collect screenshot")
		}
	}

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
	if launchErr != nil {
		failures.add(domain.FailureTypeLaunchFailed, launchErr.Error())
	}
	failures.apply(v)

	if t.cfg.CollectLogcat {
		if err := t.collector.Logcat(ctx, packageName, logcatHeader(v)); err != nil {
			log.WithError(err).Warn("Failed to collect logcat")
		}
	}

	log.WithFields(logrus.Fields{
		"passed":       v.Passed,
		"failure_type": v.FailureType,
		"crash_count":  v.CrashCount,
	}).Info("Completed testing package")
	return v, nil
}

func (t *LaunchTester) launch(ctx context.Context, packageName string) error {
	if t.cfg.ResetPackage {
		ok, err := t.utils.ResetPackage(ctx, packageName)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("failed to reset package %s", packageName)
		}
	}

	if err := t.utils.LaunchPackage(ctx, packageName); err != nil {
		t.logger.WithError(err).WithField("package", packageName).Warn("Failed to launch package")
		return err
	}

	if t.cfg.WaitSeconds <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(t.cfg.WaitSeconds) * time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func logcatHeader(v *Verdict) string {
	status := "SUCCESS"
	if !v.Passed {
		status = "FAILURE"
	}
	return fmt.Sprintf("==== package=%s status=%s failure_type=%s ====\n", v.Package, status, v.FailureType)
}
