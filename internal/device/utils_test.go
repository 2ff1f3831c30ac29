package device

import (
	"context"
	"io"
	"testing"

	"github.com/apk-analysis/app-compat-harness/internal/adb/adbtest"
	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUtils(dev *adbtest.FakeDevice) *Utils {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewUtils(dev, logger)
}

const samplePmDump = `Activity Resolver Table:
  Non-Data Actions:
      android.intent.action.MAIN:
        5b1d9c1 com.example.app/.SplashActivity filter 9d0e2a5
          Action: "android.intent.action.MAIN"
          Category: "android.intent.category.LAUNCHER"
      com.example.app.OPEN:
        7f3a111 com.example.app/com.example.app.DeepLinkActivity filter 1c2b3a4
          Action: "com.example.app.OPEN"
          Category: "android.intent.category.DEFAULT"
`

// TestGetLaunchActivity 测试优先选择 LAUNCHER Activity
func TestGetLaunchActivity(t *testing.T) {
	u := newTestUtils(adbtest.NewFakeDevice("s"))

	activity, err := u.GetLaunchActivity(samplePmDump)

	require.NoError(t, err)
	assert.Equal(t, "com.example.app/.SplashActivity", activity)
}

// TestGetLaunchActivity_MainOnly 测试只有 MAIN action 的 Activity 也可启动
func TestGetLaunchActivity_MainOnly(t *testing.T) {
	u := newTestUtils(adbtest.NewFakeDevice("s"))
	dump := `        abc com.example.app/com.example.app.Home filter 1
          Action: "android.intent.action.MAIN"
`

	activity, err := u.GetLaunchActivity(dump)

	require.NoError(t, err)
	assert.Equal(t, "com.example.app/com.example.app.Home", activity)
}

// TestGetLaunchActivity_NoneLaunchable 测试找不到可启动 Activity
func TestGetLaunchActivity_NoneLaunchable(t *testing.T) {
	u := newTestUtils(adbtest.NewFakeDevice("s"))
	dump := `        abc com.example.app/.Settings filter 1
          Action: "android.intent.action.VIEW"
`

	_, err := u.GetLaunchActivity(dump)

	assert.Error(t, err)
}

// TestLaunchPackage_Monkey 测试 monkey 成功时不走回退
func TestLaunchPackage_Monkey(t *testing.T) {
	dev := adbtest.NewFakeDevice("s")
	dev.RespondShell("monkey -p com.example.app", "Events injected: 1")
	u := newTestUtils(dev)

	require.NoError(t, u.LaunchPackage(context.Background(), "com.example.app"))
	assert.Equal(t, 0, dev.CountCommands("am start"))
}

// TestLaunchPackage_FallbackToAmStart 测试 monkey 失败后使用 am start
func TestLaunchPackage_FallbackToAmStart(t *testing.T) {
	dev := adbtest.NewFakeDevice("s")
	dev.FailShell("monkey", "** No activities found to run, monkey aborted.")
	dev.RespondShell("pm dump com.example.app", samplePmDump)
	dev.RespondShell("am start -n com.example.app/.SplashActivity", "Starting: Intent { cmp=com.example.app/.SplashActivity }")
	u := newTestUtils(dev)

	require.NoError(t, u.LaunchPackage(context.Background(), "com.example.app"))
	assert.Equal(t, 1, dev.CountCommands("am start -n com.example.app/.SplashActivity"))
}

// TestLaunchPackage_NotInstalled 测试包未安装
func TestLaunchPackage_NotInstalled(t *testing.T) {
	dev := adbtest.NewFakeDevice("s")
	dev.FailShell("monkey", "aborted")
	dev.FailShell("pm dump", "")
	dev.RespondShell("pm list packages", "package:com.other\n")
	u := newTestUtils(dev)

	err := u.LaunchPackage(context.Background(), "com.example.app")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not installed")
}

// TestIsPackageInstalled 测试精确匹配包名（前缀不算）
func TestIsPackageInstalled(t *testing.T) {
	dev := adbtest.NewFakeDevice("s")
	dev.RespondShell("pm list packages", "package:com.example.app2\r\npackage:com.example.app.debug\n")
	u := newTestUtils(dev)

	installed, err := u.IsPackageInstalled(context.Background(), "com.example.app")

	require.NoError(t, err)
	assert.False(t, installed)
}

// TestPackageVersion 测试版本信息解析
func TestPackageVersion(t *testing.T) {
	dev := adbtest.NewFakeDevice("s")
	dev.RespondShell("grep versionName", "    versionName=2.4.1\n")
	dev.RespondShell("grep versionCode", "    versionCode=241 minSdk=21 targetSdk=34\n")
	u := newTestUtils(dev)

	name, err := u.PackageVersionName(context.Background(), "com.example.app")
	require.NoError(t, err)
	assert.Equal(t, "2.4.1", name)

	code, err := u.PackageVersionCode(context.Background(), "com.example.app")
	require.NoError(t, err)
	assert.Equal(t, "241", code)
}

// TestPackageVersion_Unknown 测试查询失败时返回 Unknown
func TestPackageVersion_Unknown(t *testing.T) {
	dev := adbtest.NewFakeDevice("s")
	dev.RespondShell("grep versionName", "")
	u := newTestUtils(dev)

	name, err := u.PackageVersionName(context.Background(), "com.missing")
	require.NoError(t, err)
	assert.Equal(t, Unknown, name)

	code, err := u.PackageVersionCode(context.Background(), "com.missing")
	require.NoError(t, err)
	assert.Equal(t, Unknown, code)
}

// TestSdkLevel 测试 SDK 版本解析
func TestSdkLevel(t *testing.T) {
	dev := adbtest.NewFakeDevice("s")
	dev.RespondShell("ro.build.version.sdk", "34\n")
	u := newTestUtils(dev)

	level, err := u.SdkLevel(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 34, level)
}

// TestUtils_DeviceUnavailable 测试设备不可达时原样返回错误
func TestUtils_DeviceUnavailable(t *testing.T) {
	dev := adbtest.NewFakeDevice("s")
	dev.SetUnavailable(true)
	u := newTestUtils(dev)

	err := u.LaunchPackage(context.Background(), "com.example.app")
	assert.True(t, domain.IsDeviceUnavailable(err))

	_, err = u.FreezeRotation(context.Background())
	assert.True(t, domain.IsDeviceUnavailable(err))
}
