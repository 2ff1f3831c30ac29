package adb

import (
	"fmt"
	"strings"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
)

// unavailableMarkers adb 在设备不可达时输出的错误文本，每组内的子串需同时出现
var unavailableMarkers = [][]string{
	{"error: device offline"},
	{"error: no devices/emulators found"},
	{"error: device unauthorized"},
	{"error: device still authorizing"},
	{"error: closed"},
	{"error: protocol fault"},
	{"error: device '", "' not found"},
}

// IsUnavailableOutput 判断 adb 输出是否表示设备不可达
func IsUnavailableOutput(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range unavailableMarkers {
		matched := true
		for _, part := range marker {
			if !strings.Contains(lower, part) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

// CheckAvailable 根据命令结果判断设备是否可达，不可达时返回 ErrDeviceUnavailable
func CheckAvailable(serial string, result *domain.CommandResult) error {
	if result == nil || result.Succeeded() {
		return nil
	}
	if IsUnavailableOutput(result.Stderr) {
		return fmt.Errorf("%w: %s: %s", domain.ErrDeviceUnavailable, serial, strings.TrimSpace(result.Stderr))
	}
	return nil
}
