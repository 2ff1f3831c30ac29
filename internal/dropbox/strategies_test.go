package dropbox

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/apk-analysis/app-compat-harness/internal/adb/adbtest"
	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/apk-analysis/app-compat-harness/internal/hostexec/hostexectest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crashRequest() Request {
	return Request{Tags: NewTags("data_app_crash", "data_app_anr")}
}

func assertTempDirEmpty(t *testing.T, dir string) {
	t.Helper()
	left, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, left, "temp files must be removed")
}

// TestProtoStrategy_SortedByTime 测试 proto 导出结果按时间升序
func TestProtoStrategy_SortedByTime(t *testing.T) {
	dev := adbtest.NewFakeDevice("emulator-5554")
	setupProtoDevice(dev)
	opts := testOptions(t)

	entries, err := NewProtoStrategy(dev, opts, quietLogger()).Extract(context.Background(), crashRequest())

	require.NoError(t, err)
	assert.Equal(t, []tagTime{
		{"data_app_crash", 1000},
		{"data_app_crash", 1500},
		{"data_app_crash", 2000},
		{"data_app_anr", 2500},
	}, tagTimes(entries))
	assert.Equal(t, deviceRecords[0].body, entries[0].Data)
	assertTempDirEmpty(t, opts.TempDir)
}

// TestProtoStrategy_Unsupported 测试设备不支持 --proto
func TestProtoStrategy_Unsupported(t *testing.T) {
	dev := adbtest.NewFakeDevice("emulator-5554")
	dev.RespondShell("dumpsys dropbox --help", "Dropbox [-p|--print] [-f|--file] [timestamp]\n")

	_, err := NewProtoStrategy(dev, testOptions(t), quietLogger()).Extract(context.Background(), crashRequest())

	assert.ErrorIs(t, err, ErrProtoUnsupported)
	assert.Equal(t, 0, dev.CountCommands("--proto data_app_crash"))
}

// TestProtoStrategy_SkipsEmptyDump 测试空导出被跳过
func TestProtoStrategy_SkipsEmptyDump(t *testing.T) {
	dev := adbtest.NewFakeDevice("emulator-5554")
	dev.RespondShell("dumpsys dropbox --help", "--proto")
	dev.RespondShell("--proto data_app_anr", "")
	dev.RespondShell("--proto data_app_crash", string(encodeProtoDump(deviceRecords[0])))

	entries, err := NewProtoStrategy(dev, testOptions(t), quietLogger()).Extract(context.Background(), crashRequest())

	require.NoError(t, err)
	assert.Equal(t, []tagTime{{"data_app_crash", 1000}}, tagTimes(entries))
}

// TestProtoStrategy_TruncatedDump 测试被截断的 proto 解析失败并清理临时文件
func TestProtoStrategy_TruncatedDump(t *testing.T) {
	dev := adbtest.NewFakeDevice("emulator-5554")
	full := encodeProtoDump(deviceRecords[0], deviceRecords[2])
	dev.RespondShell("dumpsys dropbox --help", "--proto")
	dev.RespondShell("--proto data_app_crash", string(full[:len(full)-10]))
	opts := testOptions(t)

	_, err := NewProtoStrategy(dev, opts, quietLogger()).Extract(context.Background(), Request{Tags: NewTags("data_app_crash")})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse proto dump")
	assertTempDirEmpty(t, opts.TempDir)
}

// TestProtoStrategy_DeviceUnavailable 测试设备不可达原样返回
func TestProtoStrategy_DeviceUnavailable(t *testing.T) {
	dev := adbtest.NewFakeDevice("emulator-5554")
	dev.SetUnavailable(true)

	_, err := NewProtoStrategy(dev, testOptions(t), quietLogger()).Extract(context.Background(), crashRequest())

	assert.True(t, domain.IsDeviceUnavailable(err))
}

// TestPullStrategy 测试打包拉取并读取 txt / txt.gz，跳过 .lost
func TestPullStrategy(t *testing.T) {
	dev := adbtest.NewFakeDevice("emulator-5554")
	runner := hostexectest.NewFakeRunner()
	setupPullDevice(t, dev, runner)
	opts := testOptions(t)

	entries, err := NewPullStrategy(dev, runner, opts, quietLogger()).Extract(context.Background(), crashRequest())

	require.NoError(t, err)
	assert.ElementsMatch(t, []tagTime{
		{"data_app_crash", 1000},
		{"data_app_crash", 1500},
		{"data_app_crash", 2000},
		{"data_app_anr", 2500},
	}, tagTimes(entries))
	for _, e := range entries {
		if e.Time.Millis() == 1500 {
			assert.Equal(t, deviceRecords[1].body, e.Data, "txt.gz must be decompressed")
		}
	}

	assert.Equal(t, 1, dev.CountCommands("rm -rf /data/local/tmp/dropbox.tar.gz"))
	assert.False(t, dev.HasFile(remoteArchivePath))
	assert.True(t, runner.CalledWith("tar -xzf"))
	assertTempDirEmpty(t, opts.TempDir)
}

// TestPullStrategy_TimeWindowAppliedEarly 测试列目录时就按时间窗口筛选
func TestPullStrategy_TimeWindowAppliedEarly(t *testing.T) {
	dev := adbtest.NewFakeDevice("emulator-5554")
	runner := hostexectest.NewFakeRunner()
	setupPullDevice(t, dev, runner)

	req := crashRequest()
	req.Start = ts(1200)
	req.End = ts(2000)
	_, err := NewPullStrategy(dev, runner, testOptions(t), quietLogger()).Extract(context.Background(), req)
	require.NoError(t, err)

	var tarCommand string
	for _, c := range dev.Commands() {
		if strings.HasPrefix(c, "tar -czf") {
			tarCommand = c
		}
	}
	assert.NotContains(t, tarCommand, "@1000.")
	assert.NotContains(t, tarCommand, "@2500.")
	assert.NotContains(t, tarCommand, "SYSTEM_BOOT")
	assert.Contains(t, tarCommand, "/data/system/dropbox/data_app_crash@1500.txt.gz")
	assert.Contains(t, tarCommand, "/data/system/dropbox/data_app_crash@2000.txt")
}

// TestPullStrategy_NothingToPull 测试没有匹配文件时不打包
func TestPullStrategy_NothingToPull(t *testing.T) {
	dev := adbtest.NewFakeDevice("emulator-5554")
	dev.RespondShell("ls /data/system/dropbox/", "SYSTEM_BOOT@900.txt\n")
	runner := hostexectest.NewFakeRunner()

	entries, err := NewPullStrategy(dev, runner, testOptions(t), quietLogger()).Extract(context.Background(), crashRequest())

	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 0, dev.CountCommands("tar"))
}

// TestPullStrategy_HostTarMissing 测试主机缺少 tar 时失败
func TestPullStrategy_HostTarMissing(t *testing.T) {
	dev := adbtest.NewFakeDevice("emulator-5554")
	runner := hostexectest.NewFakeRunner()
	setupPullDevice(t, dev, runner)
	runner = hostexectest.NewFakeRunner()
	runner.Handle("tar -xzf", func([]string, io.Writer) *domain.CommandResult {
		return &domain.CommandResult{Status: domain.CommandStatusException, Stderr: "exec: \"tar\": executable file not found in $PATH", ExitCode: -1}
	})
	opts := testOptions(t)

	_, err := NewPullStrategy(dev, runner, opts, quietLogger()).Extract(context.Background(), crashRequest())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "decompress command failed")
	assert.False(t, dev.HasFile(remoteArchivePath))
	assertTempDirEmpty(t, opts.TempDir)
}

// TestPullStrategy_UnrecognizedFileName 测试无法识别的文件名导致策略失败
func TestPullStrategy_UnrecognizedFileName(t *testing.T) {
	dev := adbtest.NewFakeDevice("emulator-5554")
	dev.RespondShell("ls /data/system/dropbox/", "dropbox.tmp\n")

	_, err := NewPullStrategy(dev, hostexectest.NewFakeRunner(), testOptions(t), quietLogger()).Extract(context.Background(), crashRequest())

	assert.Error(t, err)
}

// TestStdoutStrategy 测试按记录名拼接 --file 与 --print 输出
func TestStdoutStrategy(t *testing.T) {
	dev := adbtest.NewFakeDevice("emulator-5554")
	setupStdoutDevice(dev)

	entries, err := NewStdoutStrategy(dev, testOptions(t), quietLogger()).Extract(context.Background(), crashRequest())

	require.NoError(t, err)
	assert.Equal(t, []tagTime{
		{"data_app_crash", 1000},
		{"data_app_crash", 1500},
		{"data_app_crash", 2000},
		{"data_app_anr", 2500},
		{"SYSTEM_BOOT", 900},
	}, tagTimes(entries))

	first := entries[0].Data
	assert.True(t, strings.HasPrefix(first, entryHeader(deviceRecords[0])+"\n"), "header line is part of the body")
	assert.Contains(t, first, "Process: com.x\nPID: 100\n")
	assert.NotContains(t, first, "com.y")
}

// TestStdoutStrategy_PrintOnlyEntriesIgnored 测试只出现在 --print 中的记录被忽略
func TestStdoutStrategy_PrintOnlyEntriesIgnored(t *testing.T) {
	dev := adbtest.NewFakeDevice("emulator-5554")
	dev.RespondShell("dumpsys dropbox --file", "2023-07-22 04:26:10 data_app_crash (text, 10 bytes)\n    /data/system/dropbox/data_app_crash@1000.txt\n")
	dev.RespondShell("dumpsys dropbox --print",
		"2023-07-22 04:26:10 data_app_crash (text, 10 bytes)\nProcess: com.x\n"+
			"2023-07-22 04:26:30 data_app_crash (text, 10 bytes)\nProcess: com.z\n")

	entries, err := NewStdoutStrategy(dev, testOptions(t), quietLogger()).Extract(context.Background(), crashRequest())

	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "2023-07-22 04:26:10 data_app_crash (text, 10 bytes)\nProcess: com.x\n", entries[0].Data)
}

// TestStdoutStrategy_DumpFailed 测试导出命令失败
func TestStdoutStrategy_DumpFailed(t *testing.T) {
	dev := adbtest.NewFakeDevice("emulator-5554")
	dev.FailShell("dumpsys dropbox --file", "Permission Denial")

	_, err := NewStdoutStrategy(dev, testOptions(t), quietLogger()).Extract(context.Background(), crashRequest())

	require.Error(t, err)
	assert.False(t, errors.As(err, new(*domain.ExtractionError)))
}

// TestNewStrategies 测试按名称构造策略
func TestNewStrategies(t *testing.T) {
	dev := adbtest.NewFakeDevice("s")

	strategies, err := NewStrategies([]string{"stdout", "proto"}, dev, hostexectest.NewFakeRunner(), testOptions(t), quietLogger())
	require.NoError(t, err)
	require.Len(t, strategies, 2)
	assert.Equal(t, StrategyStdout, strategies[0].Name())
	assert.Equal(t, StrategyProto, strategies[1].Name())

	_, err = NewStrategies([]string{"logcat"}, dev, hostexectest.NewFakeRunner(), testOptions(t), quietLogger())
	assert.Error(t, err)
}
