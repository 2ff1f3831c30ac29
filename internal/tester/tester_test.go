package tester

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/adb/adbtest"
	"github.com/apk-analysis/app-compat-harness/internal/artifact/artifacttest"
	"github.com/apk-analysis/app-compat-harness/internal/config"
	"github.com/apk-analysis/app-compat-harness/internal/crashcheck"
	"github.com/apk-analysis/app-compat-harness/internal/device"
	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/apk-analysis/app-compat-harness/internal/dropbox"
	"github.com/apk-analysis/app-compat-harness/internal/hostexec/hostexectest"
	"github.com/apk-analysis/app-compat-harness/internal/report"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serial = "emulator-5554"

type stubSource struct {
	entries []domain.DropboxEntry
	err     error
	calls   int
}

func (s *stubSource) Get(_ context.Context, _ dropbox.Tags, _ string, _, _ *domain.DeviceTimestamp) ([]domain.DropboxEntry, error) {
	s.calls++
	return s.entries, s.err
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func crashEntry() domain.DropboxEntry {
	return domain.DropboxEntry{
		Time: domain.NewDeviceTimestamp(1690000001000),
		Tag:  "data_app_crash",
		Data: "Process: com.x\njava.lang.NullPointerException\n",
	}
}

// baseDevice 已安装 com.x 的设备
func baseDevice() *adbtest.FakeDevice {
	dev := adbtest.NewFakeDevice(serial)
	dev.RespondShell("pm list packages com.x", "package:com.x\npackage:com.x.helper\n")
	dev.RespondShell("grep versionCode", "versionCode=42 minSdk=21 targetSdk=34\n")
	dev.RespondShell("grep versionName", "versionName=1.2.3\n")
	dev.RespondShell("EPOCHREALTIME", "1690000000.000\n")
	dev.RespondShell("am force-stop com.x", "")
	dev.Logcat = "I/ActivityManager: Start proc com.x\n"
	return dev
}

type harness struct {
	dev    *adbtest.FakeDevice
	sink   *artifacttest.MemorySink
	source *stubSource
}

func newHarness(dev *adbtest.FakeDevice) *harness {
	return &harness{dev: dev, sink: &artifacttest.MemorySink{}, source: &stubSource{}}
}

func (h *harness) collector(recording config.RecordingConfig) *Collector {
	return NewCollector(h.dev, h.sink, recording, quietLogger())
}

func (h *harness) checker() *crashcheck.Checker {
	return crashcheck.NewChecker(device.NewClock(h.dev), h.source, report.NewBuilder(0, time.UTC), h.sink, nil, quietLogger())
}

func (h *harness) launchTester(recording config.RecordingConfig) *LaunchTester {
	cfg := config.LaunchConfig{ClearLogcat: true, CollectLogcat: true, Screenshot: true}
	return NewLaunchTester(h.dev, h.collector(recording), h.checker(), cfg, quietLogger())
}

// TestLaunch_Passed 测试启动成功且没有崩溃
func TestLaunch_Passed(t *testing.T) {
	h := newHarness(baseDevice())
	h.dev.RespondShell("monkey -p com.x", "Events injected: 1\n")

	v, err := h.launchTester(config.RecordingConfig{}).Run(context.Background(), "com.x")

	require.NoError(t, err)
	assert.True(t, v.Passed)
	assert.Equal(t, domain.FailureTypeNone, v.FailureType)
	assert.Empty(t, v.Message)
	assert.Equal(t, "42", v.VersionCode)
	assert.Equal(t, "1.2.3", v.VersionName)
	assert.Equal(t, int64(1690000000000), v.Start.Millis())
	assert.False(t, v.HasVideo)
	assert.Equal(t, 1, h.source.calls)
	assert.Equal(t, 1, h.dev.CountCommands("am force-stop com.x"))

	assert.ElementsMatch(t, []string{
		"com.x_[versionCode=42]",
		"com.x_[versionName=1.2.3]",
		"com.x_screenshot_emulator-5554",
		"logcat_com.x",
	}, h.sink.Names())
	logcat, ok := h.sink.Get("logcat_com.x")
	require.True(t, ok)
	assert.Contains(t, string(logcat.Data), "status=SUCCESS")
	assert.Contains(t, string(logcat.Data), "Start proc com.x")
}

// TestLaunch_CrashDetected 测试发现崩溃
func TestLaunch_CrashDetected(t *testing.T) {
	h := newHarness(baseDevice())
	h.dev.RespondShell("monkey -p com.x", "Events injected: 1\n")
	h.source.entries = []domain.DropboxEntry{crashEntry()}

	v, err := h.launchTester(config.RecordingConfig{}).Run(context.Background(), "com.x")

	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.Equal(t, domain.FailureTypeCrashDetected, v.FailureType)
	assert.Equal(t, 1, v.CrashCount)
	assert.Contains(t, v.Message, "Found 1 dropbox crash entries for package com.x")
	assert.Contains(t, v.Message, "NullPointerException")
	_, ok := h.sink.Get("com.x_dropbox_crash")
	assert.True(t, ok)
}

// TestLaunch_NotInstalled 测试包未安装
func TestLaunch_NotInstalled(t *testing.T) {
	dev := adbtest.NewFakeDevice(serial)
	dev.RespondShell("pm list packages", "package:com.other\n")
	h := newHarness(dev)

	v, err := h.launchTester(config.RecordingConfig{}).Run(context.Background(), "com.x")

	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.Equal(t, domain.FailureTypeNotInstalled, v.FailureType)
	assert.Equal(t, 0, dev.CountCommands("monkey"))
	assert.Equal(t, 0, h.source.calls)
}

// TestLaunch_LaunchFailedAndCrashed 测试崩溃信息排在启动失败之前
func TestLaunch_LaunchFailedAndCrashed(t *testing.T) {
	h := newHarness(baseDevice())
	h.dev.FailShell("monkey -p com.x", "monkey aborted")
	h.dev.FailShell("pm dump com.x", "")
	h.source.entries = []domain.DropboxEntry{crashEntry()}

	v, err := h.launchTester(config.RecordingConfig{}).Run(context.Background(), "com.x")

	require.NoError(t, err)
	assert.Equal(t, domain.FailureTypeCrashDetected, v.FailureType)
	parts := strings.Split(v.Message, FailureSeparator)
	require.Len(t, parts, 2)
	assert.Contains(t, parts[0], "Found 1 dropbox crash entries")
	assert.Contains(t, parts[1], "failed to dump package info for com.x")
}

// TestLaunch_ExtractionFailed 测试 dropbox 读取失败
func TestLaunch_ExtractionFailed(t *testing.T) {
	h := newHarness(baseDevice())
	h.dev.RespondShell("monkey -p com.x", "")
	h.source.err = &domain.ExtractionError{Failures: []domain.StrategyFailure{{Strategy: "stdout", Err: errors.New("no output")}}}

	v, err := h.launchTester(config.RecordingConfig{}).Run(context.Background(), "com.x")

	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.Equal(t, domain.FailureTypeExtractionFailed, v.FailureType)
	assert.True(t, strings.HasPrefix(v.Message, "Error while getting dropbox crash log: all dropbox extraction strategies failed"))
}

// TestLaunch_DeviceLost 测试启动时设备掉线
func TestLaunch_DeviceLost(t *testing.T) {
	h := newHarness(baseDevice())
	h.dev.OnShell("monkey -p com.x", func(string) (*domain.CommandResult, error) {
		h.dev.SetUnavailable(true)
		return nil, fmt.Errorf("%w: %s", domain.ErrDeviceUnavailable, serial)
	})

	v, err := h.launchTester(config.RecordingConfig{}).Run(context.Background(), "com.x")

	assert.Nil(t, v)
	assert.True(t, domain.IsDeviceUnavailable(err))
	assert.Equal(t, 0, h.source.calls)
}

// TestLaunch_WithScreenRecording 测试录屏产物和录屏时间
func TestLaunch_WithScreenRecording(t *testing.T) {
	h := newHarness(baseDevice())
	h.dev.RespondShell("monkey -p com.x", "")
	h.dev.RespondShell("getprop ro.build.version.sdk", "34\n")

	stopped := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(stopped) }) })
	h.dev.OnShell("screenrecord --time-limit 600 /sdcard/screenrecord.mp4", func(string) (*domain.CommandResult, error) {
		<-stopped
		h.dev.PutFile("/sdcard/screenrecord.mp4", []byte("mp4"))
		return &domain.CommandResult{Status: domain.CommandStatusSuccess}, nil
	})
	h.dev.RespondShell("pidof screenrecord", "321\n")
	h.dev.OnShell("kill -2 321", func(string) (*domain.CommandResult, error) {
		once.Do(func() { close(stopped) })
		return &domain.CommandResult{Status: domain.CommandStatusSuccess}, nil
	})
	h.source.entries = []domain.DropboxEntry{crashEntry()}

	recording := config.RecordingConfig{
		Enabled:      true,
		RemotePath:   "/sdcard/screenrecord.mp4",
		PidTimeout:   1,
		PollInterval: 5,
		StopTimeout:  1,
	}
	v, err := h.launchTester(recording).Run(context.Background(), "com.x")

	require.NoError(t, err)
	assert.True(t, v.HasVideo)
	require.NotNil(t, v.VideoStart)
	assert.Contains(t, v.Message, "Crash times in the screen recording: 00:01.")
	video, ok := h.sink.Get("com.x_screenrecord_emulator-5554")
	require.True(t, ok)
	assert.Equal(t, domain.LogDataTypeMP4, video.DataType)
	assert.Equal(t, "mp4", string(video.Data))
}

func (h *harness) crawlTester(runner *hostexectest.FakeRunner, cfg config.CrawlConfig) *CrawlTester {
	return NewCrawlTester(h.dev, h.collector(config.RecordingConfig{}), h.checker(), runner, cfg, quietLogger())
}

func crawlConfig() config.CrawlConfig {
	return config.CrawlConfig{
		Command: "/opt/crawler/run",
		Args:    []string{"--app-package-name", "{package}", "--device-serial", "{serial}", "--output-dir", "{output}"},
		Timeout: 60,
	}
}

func argAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

// TestCrawl_Passed 测试爬取成功并收集输出
func TestCrawl_Passed(t *testing.T) {
	h := newHarness(baseDevice())
	runner := hostexectest.NewFakeRunner()
	runner.Handle("/opt/crawler/run", func(args []string, w io.Writer) *domain.CommandResult {
		out := argAfter(args, "--output-dir")
		os.MkdirAll(filepath.Join(out, "app_firstpersoncam"), 0o755)
		os.WriteFile(filepath.Join(out, "app_firstpersoncam", "step1.png"), []byte("png"), 0o644)
		os.WriteFile(filepath.Join(out, "crawl_outputs.txt"), []byte("done"), 0o644)
		io.WriteString(w, "Crawl finished\n")
		return hostexectest.Success()
	})

	v, err := h.crawlTester(runner, crawlConfig()).Run(context.Background(), "com.x")

	require.NoError(t, err)
	assert.True(t, v.Passed)
	assert.Equal(t, domain.TestKindCrawl, v.Kind)

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "com.x", argAfter(calls[0].Args, "--app-package-name"))
	assert.Equal(t, serial, argAfter(calls[0].Args, "--device-serial"))
	assert.Equal(t, 4*time.Minute, calls[0].Timeout)
	_, err = os.Stat(argAfter(calls[0].Args, "--output-dir"))
	assert.True(t, os.IsNotExist(err), "crawler output dir is removed")

	shot, ok := h.sink.Get("com.x-crawl_step_screenshot_step1.png")
	require.True(t, ok)
	assert.Equal(t, domain.LogDataTypePNG, shot.DataType)

	archive, ok := h.sink.Get("com.x-crawler_output")
	require.True(t, ok)
	zr, err := zip.NewReader(bytes.NewReader(archive.Data), int64(len(archive.Data)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"app_firstpersoncam/step1.png", "crawl_outputs.txt"}, names)
	_, ok = h.sink.Get("com.x_[versionCode=42]")
	assert.True(t, ok)
}

// TestCrawl_UnknownOptions 测试爬虫输出 Unknown options 视为失败
func TestCrawl_UnknownOptions(t *testing.T) {
	h := newHarness(baseDevice())
	runner := hostexectest.NewFakeRunner()
	runner.Respond("/opt/crawler/run", "Unknown options: --device-serial\n")

	v, err := h.crawlTester(runner, crawlConfig()).Run(context.Background(), "com.x")

	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.Equal(t, domain.FailureTypeCrawlerFailed, v.FailureType)
	assert.True(t, strings.HasPrefix(v.Message, "Crawler command failed: status SUCCESS"))
	assert.Contains(t, v.Message, "Unknown options: --device-serial")
}

// TestCrawl_CrashBeforeCrawlerFailure 测试崩溃信息排在爬虫失败之前
func TestCrawl_CrashBeforeCrawlerFailure(t *testing.T) {
	h := newHarness(baseDevice())
	h.source.entries = []domain.DropboxEntry{crashEntry()}
	runner := hostexectest.NewFakeRunner()
	runner.Fail("/opt/crawler/run", "crawler crashed")

	v, err := h.crawlTester(runner, crawlConfig()).Run(context.Background(), "com.x")

	require.NoError(t, err)
	assert.Equal(t, domain.FailureTypeCrashDetected, v.FailureType)
	parts := strings.Split(v.Message, FailureSeparator)
	require.Len(t, parts, 2)
	assert.Contains(t, parts[0], "Found 1 dropbox crash entries")
	assert.Contains(t, parts[1], "crawler crashed")
}

// TestCrawl_NotConfigured 测试未配置爬虫命令
func TestCrawl_NotConfigured(t *testing.T) {
	h := newHarness(baseDevice())
	runner := hostexectest.NewFakeRunner()

	v, err := h.crawlTester(runner, config.CrawlConfig{}).Run(context.Background(), "com.x")

	require.NoError(t, err)
	assert.Equal(t, domain.FailureTypeCrawlerFailed, v.FailureType)
	assert.Equal(t, ErrCrawlerNotConfigured.Error(), v.Message)
	assert.Empty(t, runner.Calls())
}

// TestFailureList 测试失败信息合并
func TestFailureList(t *testing.T) {
	var passed failureList
	v := &Verdict{}
	passed.apply(v)
	assert.True(t, v.Passed)

	var f failureList
	f.add(domain.FailureTypeExtractionFailed, "a")
	f.add(domain.FailureTypeLaunchFailed, "b")
	f.apply(v)
	assert.False(t, v.Passed)
	assert.Equal(t, domain.FailureTypeExtractionFailed, v.FailureType)
	assert.Equal(t, "a\n============\nb", v.Message)
}

// TestExpandArgs 测试参数占位符
func TestExpandArgs(t *testing.T) {
	out := expandArgs([]string{"--pkg={package}", "{serial}", "plain"}, map[string]string{
		"{package}": "com.x",
		"{serial}":  serial,
	})
	assert.Equal(t, []string{"--pkg=com.x", serial, "plain"}, out)
}
