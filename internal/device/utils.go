package device

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	// Unknown 无法获取版本信息时的返回值
	Unknown = "Unknown"

	versionNamePrefix = "versionName="
	versionCodePrefix = "versionCode="

	categoryDefault  = "android.intent.category.DEFAULT"
	categoryLauncher = "android.intent.category.LAUNCHER"
	actionMain       = "android.intent.action.MAIN"
)

var (
	activityNamePattern = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9_]*(\.[a-zA-Z][a-zA-Z0-9_]*)+/([a-zA-Z][a-zA-Z0-9_]*)*(\.[a-zA-Z][a-zA-Z0-9_]*)+)`)
	actionPattern       = regexp.MustCompile(`Action:([^a-zA-Z0-9_.]*)([a-zA-Z][a-zA-Z0-9_]*(\.[a-zA-Z][a-zA-Z0-9_]*)+)`)
	categoryPattern     = regexp.MustCompile(`Category:([^a-zA-Z0-9_.]*)([a-zA-Z][a-zA-Z0-9_]*(\.[a-zA-Z][a-zA-Z0-9_]*)+)`)
	lineSplitPattern    = regexp.MustCompile(`\r?\n`)
)

// Utils 设备上的包管理和系统设置操作
type Utils struct {
	exec   Executor
	logger *logrus.Logger
}

// NewUtils 创建设备工具
func NewUtils(exec Executor, logger *logrus.Logger) *Utils {
	return &Utils{exec: exec, logger: logger}
}

// SdkLevel 获取 SDK 版本号，失败时返回 -1
func (u *Utils) SdkLevel(ctx context.Context) (int, error) {
	result, err := u.exec.ShellV2(ctx, "getprop ro.build.version.sdk")
	if err != nil {
		return -1, err
	}
	if !result.Succeeded() {
		u.logger.WithField("stderr", result.Stderr).Warn("Failed to get device sdk level")
		return -1, nil
	}
	level, err := strconv.Atoi(strings.TrimSpace(result.Stdout))
	if err != nil {
		u.logger.WithField("stdout", result.Stdout).Warn("Cannot parse device sdk level")
		return -1, nil
	}
	return level, nil
}

// IsPackageInstalled 检查包是否已安装
func (u *Utils) IsPackageInstalled(ctx context.Context, packageName string) (bool, error) {
	result, err := u.exec.ShellV2(ctx, "pm list packages "+packageName)
	if err != nil {
		return false, err
	}
	if !result.Succeeded() {
		return false, fmt.Errorf("failed to execute pm command: status %s, stderr: %s", result.Status, strings.TrimSpace(result.Stderr))
	}

	want := "package:" + packageName
	for _, line := range lineSplitPattern.Split(result.Stdout, -1) {
		if strings.TrimSpace(line) == want {
			return true, nil
		}
	}
	return false, nil
}

// LaunchPackage 启动应用
// 方法1: monkey 发送 LAUNCHER intent；方法2: 从 pm dump 解析启动 Activity 后 am start
func (u *Utils) LaunchPackage(ctx context.Context, packageName string) error {
	monkey, err := u.exec.ShellV2(ctx, fmt.Sprintf("monkey -p %s -c android.intent.category.LAUNCHER 1", packageName))
	if err != nil {
		return err
	}
	if monkey.Succeeded() {
		return nil
	}
	u.logger.WithFields(logrus.Fields{
		"package": packageName,
		"status":  monkey.Status,
		"stderr":  strings.TrimSpace(monkey.Stderr),
	}).Warn("Monkey launch failed, trying am start")

	pm, err := u.exec.ShellV2(ctx, "pm dump "+packageName)
	if err != nil {
		return err
	}
	if !pm.Succeeded() || pm.ExitCode != 0 {
		installed, err := u.IsPackageInstalled(ctx, packageName)
		if err != nil {
			return err
		}
		if !installed {
			return fmt.Errorf("package %s is not installed on the device", packageName)
		}
		return fmt.Errorf("failed to dump package info for %s: status %s", packageName, pm.Status)
	}

	activity, err := u.GetLaunchActivity(pm.Stdout)
	if err != nil {
		return err
	}

	am, err := u.exec.ShellV2(ctx, "am start -n "+activity)
	if err != nil {
		return err
	}
	if !am.Succeeded() || am.ExitCode != 0 || strings.Contains(am.Stdout, "Error") {
		return fmt.Errorf("failed to start %s with activity %s: %s", packageName, activity, strings.TrimSpace(am.Stdout+am.Stderr))
	}
	return nil
}

type parsedActivity struct {
	name       string
	index      int
	actions    []string
	categories []string
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// GetLaunchActivity 从 pm dump 输出中选出可启动的 Activity
// 优先级: LAUNCHER category > MAIN action > DEFAULT category > category 数量
func (u *Utils) GetLaunchActivity(pmDump string) (string, error) {
	var activities []*parsedActivity
	for _, loc := range activityNamePattern.FindAllStringIndex(pmDump, -1) {
		activities = append(activities, &parsedActivity{name: pmDump[loc[0]:loc[1]], index: loc[0]})
	}

	// 每个 Activity 的 intent filter 位于它与下一个 Activity 之间
	end := len(pmDump)
	for i := len(activities) - 1; i >= 0; i-- {
		a := activities[i]
		section := pmDump[a.index:end]
		for _, m := range actionPattern.FindAllStringSubmatch(section, -1) {
			a.actions = append(a.actions, m[2])
		}
		for _, m := range categoryPattern.FindAllStringSubmatch(section, -1) {
			a.categories = append(a.categories, m[2])
		}
		end = a.index
	}

	sort.SliceStable(activities, func(i, j int) bool {
		a, b := activities[i], activities[j]
		if la, lb := contains(a.categories, categoryLauncher), contains(b.categories, categoryLauncher); la != lb {
			return la
		}
		if ma, mb := contains(a.actions, actionMain), contains(b.actions, actionMain); ma != mb {
			return ma
		}
		if da, db := contains(a.categories, categoryDefault), contains(b.categories, categoryDefault); da != db {
			return da
		}
		return len(a.categories) > len(b.categories)
	})

	for _, a := range activities {
		if contains(a.actions, actionMain) || contains(a.categories, categoryLauncher) {
			if !contains(a.categories, categoryLauncher) {
				u.logger.WithField("activity", a.name).Debug("Activity is not specified with a LAUNCHER category")
			}
			return a.name, nil
		}
	}
	return "", fmt.Errorf("cannot find an activity to launch the package, activities parsed: %d", len(activities))
}

// PackageVersionName 获取版本名，失败返回 Unknown
func (u *Utils) PackageVersionName(ctx context.Context, packageName string) (string, error) {
	result, err := u.exec.ShellV2(ctx, fmt.Sprintf("dumpsys package %s | grep versionName", packageName))
	if err != nil {
		return Unknown, err
	}
	out := strings.TrimSpace(result.Stdout)
	if !result.Succeeded() || !strings.HasPrefix(out, versionNamePrefix) {
		return Unknown, nil
	}
	// 多用户时会有多行，取第一行
	return strings.TrimPrefix(strings.SplitN(out, "\n", 2)[0], versionNamePrefix), nil
}

// PackageVersionCode 获取版本号，失败返回 Unknown
func (u *Utils) PackageVersionCode(ctx context.Context, packageName string) (string, error) {
	result, err := u.exec.ShellV2(ctx, fmt.Sprintf("dumpsys package %s | grep versionCode", packageName))
	if err != nil {
		return Unknown, err
	}
	out := strings.TrimSpace(result.Stdout)
	if !result.Succeeded() || !strings.HasPrefix(out, versionCodePrefix) {
		return Unknown, nil
	}
	// versionCode=42 minSdk=21 targetSdk=34
	return strings.TrimPrefix(strings.Fields(out)[0], versionCodePrefix), nil
}

// StopPackage 强制停止应用
func (u *Utils) StopPackage(ctx context.Context, packageName string) error {
	_, err := u.exec.ShellV2(ctx, "am force-stop "+packageName)
	return err
}

// ResetPackage 清除应用数据，包不存在时返回 false
func (u *Utils) ResetPackage(ctx context.Context, packageName string) (bool, error) {
	result, err := u.exec.ShellV2(ctx, "pm clear "+packageName)
	if err != nil {
		return false, err
	}
	return result.Succeeded(), nil
}

// GrantExternalStoragePermissions 授予 MANAGE_EXTERNAL_STORAGE，失败只记录日志
func (u *Utils) GrantExternalStoragePermissions(ctx context.Context, packageName string) error {
	result, err := u.exec.ShellV2(ctx, fmt.Sprintf("appops set %s MANAGE_EXTERNAL_STORAGE allow", packageName))
	if err != nil {
		return err
	}
	if !result.Succeeded() {
		u.logger.WithFields(logrus.Fields{
			"package": packageName,
			"stderr":  strings.TrimSpace(result.Stderr),
		}).Debug("Granting MANAGE_EXTERNAL_STORAGE was unsuccessful")
	}
	return nil
}

// FreezeRotation 关闭自动旋转
func (u *Utils) FreezeRotation(ctx context.Context) (bool, error) {
	return u.setAccelerometerRotation(ctx, 0)
}

// UnfreezeRotation 恢复自动旋转
func (u *Utils) UnfreezeRotation(ctx context.Context) (bool, error) {
	return u.setAccelerometerRotation(ctx, 1)
}

func (u *Utils) setAccelerometerRotation(ctx context.Context, value int) (bool, error) {
	result, err := u.exec.ShellV2(ctx, fmt.Sprintf(
		"content insert --uri content://settings/system --bind name:s:accelerometer_rotation --bind value:i:%d", value))
	if err != nil {
		return false, err
	}
	if !result.Succeeded() || result.ExitCode != 0 {
		u.logger.WithField("stderr", result.Stderr).Error("Failed to change auto screen rotation")
		return false, nil
	}
	return true, nil
}

// WakeUp 点亮屏幕
func (u *Utils) WakeUp(ctx context.Context) error {
	_, err := u.exec.ShellV2(ctx, "input keyevent KEYCODE_WAKEUP")
	return err
}
