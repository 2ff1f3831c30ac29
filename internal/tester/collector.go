package tester

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/artifact"
	"github.com/apk-analysis/app-compat-harness/internal/config"
	"github.com/apk-analysis/app-compat-harness/internal/device"
	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/apk-analysis/app-compat-harness/internal/screenrecord"
	"github.com/sirupsen/logrus"
)

// recordingTimeLimitSdk 从该 SDK 起 screenrecord 支持超过 3 分钟的 --time-limit
const (
	recordingTimeLimitSdk = 34
	longRecordingLimit    = 600 * time.Second
)

// Device 测试驱动依赖的设备能力
type Device interface {
	screenrecord.Device
	Screenshot(ctx context.Context, outputPath string) error
	GetLogcat(ctx context.Context) (string, error)
	ClearLogcat(ctx context.Context) error
}

// Collector 收集截图、录屏、版本号和日志等产物
type Collector struct {
	dev       Device
	sink      artifact.Sink
	utils     *device.Utils
	clock     *device.Clock
	recording config.RecordingConfig
	stateHook func(screenrecord.State)
	logger    *logrus.Logger
}

// NewCollector 创建产物收集器
func NewCollector(dev Device, sink artifact.Sink, recording config.RecordingConfig, logger *logrus.Logger) *Collector {
	return &Collector{
		dev:       dev,
		sink:      sink,
		utils:     device.NewUtils(dev, logger),
		clock:     device.NewClock(dev),
		recording: recording,
		logger:    logger,
	}
}

// SetRecordingStateHook 录屏状态变化回调
func (c *Collector) SetRecordingStateHook(fn func(screenrecord.State)) {
	c.stateHook = fn
}

// RecordingEnabled 是否录屏
func (c *Collector) RecordingEnabled() bool {
	return c.recording.Enabled
}

// Screenshot 截图保存为 <prefix>_screenshot_<serial>
func (c *Collector) Screenshot(ctx context.Context, prefix string) error {
	dir, err := os.MkdirTemp("", "screenshot-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	local := filepath.Join(dir, "screenshot.png")
	if err := c.dev.Screenshot(ctx, local); err != nil {
		return err
	}
	return artifact.AddFile(ctx, c.sink, prefix+"_screenshot_"+c.dev.Serial(), domain.LogDataTypePNG, local)
}

// AppVersion 保存 <pkg>_[versionCode=X] 和 <pkg>_[versionName=X]
func (c *Collector) AppVersion(ctx context.Context, packageName string) (code, name string, err error) {
	code, err = c.utils.PackageVersionCode(ctx, packageName)
	if err != nil {
		return code, name, err
	}
	name, err = c.utils.PackageVersionName(ctx, packageName)
	if err != nil {
		return code, name, err
	}

	c.logger.WithFields(logrus.Fields{
		"package":      packageName,
		"version_code": code,
		"version_name": name,
	}).Info("Collected package version")

	// 下游会解析产物名获取版本号
	c.addBytes(ctx, fmt.Sprintf("%s_[versionCode=%s]", packageName, code), []byte(code))
	c.addBytes(ctx, fmt.Sprintf("%s_[versionName=%s]", packageName, name), []byte(name))
	return code, name, nil
}

// Logcat 保存 logcat_<pkg>，header 写在日志之前
func (c *Collector) Logcat(ctx context.Context, packageName, header string) error {
	logcat, err := c.dev.GetLogcat(ctx)
	if err != nil {
		return err
	}
	c.addBytes(ctx, "logcat_"+packageName, []byte(header+logcat))
	return nil
}

// ScreenRecord 录屏期间执行 action，视频保存为 <prefix>_screenrecord_<serial>
func (c *Collector) ScreenRecord(ctx context.Context, prefix string, action func(ctx context.Context) error) (*screenrecord.Recording, error) {
	opts := screenrecord.OptionsFromConfig(c.recording)
	if opts.TimeLimit == 0 {
		level, err := c.utils.SdkLevel(ctx)
		if err != nil {
			return nil, err
		}
		if level >= recordingTimeLimitSdk {
			opts.TimeLimit = longRecordingLimit
		}
	}

	session := screenrecord.NewSession(c.dev, opts, c.logger)
	session.SetClock(c.clock)
	if c.stateHook != nil {
		session.SetStateHook(c.stateHook)
	}

	rec, err := session.Run(ctx, action)
	if !rec.HasVideo() {
		c.logger.WithField("package", prefix).Error("Failed to get screen recording")
		return rec, err
	}
	defer os.RemoveAll(filepath.Dir(rec.LocalPath))

	name := prefix + "_screenrecord_" + c.dev.Serial()
	if addErr := artifact.AddFile(context.WithoutCancel(ctx), c.sink, name, domain.LogDataTypeMP4, rec.LocalPath); addErr != nil {
		c.logger.WithError(addErr).Warn("Failed to save screen recording")
	}
	return rec, err
}

// CrawlOutput 保存爬虫输出目录的压缩包和其中的步骤截图
func (c *Collector) CrawlOutput(ctx context.Context, packageName, outputDir string) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	var screenshots []string

	err := filepath.WalkDir(outputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(outputDir, path)
		if err != nil {
			return err
		}
		if strings.HasSuffix(strings.ToLower(d.Name()), ".png") {
			screenshots = append(screenshots, path)
		}
		return addZipEntry(zw, filepath.ToSlash(rel), path)
	})
	if closeErr := zw.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		c.logger.WithError(err).WithField("output_dir", outputDir).Error("Failed to archive crawler output")
	} else {
		c.add(ctx, packageName+"-crawler_output", domain.LogDataTypeZIP, &buf)
	}

	for _, path := range screenshots {
		name := packageName + "-crawl_step_screenshot_" + filepath.Base(path)
		if err := artifact.AddFile(ctx, c.sink, name, domain.LogDataTypePNG, path); err != nil {
			c.logger.WithError(err).WithField("file", path).Warn("Failed to save crawl step screenshot")
		}
	}
}

func addZipEntry(zw *zip.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

func (c *Collector) addBytes(ctx context.Context, name string, data []byte) {
	c.add(ctx, name, domain.LogDataTypeText, bytes.NewReader(data))
}

func (c *Collector) add(ctx context.Context, name string, dataType domain.LogDataType, r io.Reader) {
	if err := c.sink.AddArtifact(ctx, name, dataType, r); err != nil {
		c.logger.WithError(err).WithField("artifact", name).Warn("Failed to save artifact")
	}
}
