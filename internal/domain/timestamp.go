package domain

import (
	"fmt"
	"strconv"
	"time"
)

// DeviceTimestamp 设备时钟下的毫秒时间戳
// 只能与同一设备上取得的时间戳比较，不能与主机时间比较
type DeviceTimestamp struct {
	millis int64
}

// NewDeviceTimestamp 创建设备时间戳
func NewDeviceTimestamp(millis int64) DeviceTimestamp {
	return DeviceTimestamp{millis: millis}
}

// Millis 返回毫秒值
func (t DeviceTimestamp) Millis() int64 {
	return t.millis
}

// Compare 比较两个时间戳，返回 -1 / 0 / 1
func (t DeviceTimestamp) Compare(other DeviceTimestamp) int {
	switch {
	case t.millis < other.millis:
		return -1
	case t.millis > other.millis:
		return 1
	default:
		return 0
	}
}

// Before 判断是否早于另一个时间戳
func (t DeviceTimestamp) Before(other DeviceTimestamp) bool {
	return t.millis < other.millis
}

// Sub 返回两个设备时间戳之间的间隔
func (t DeviceTimestamp) Sub(other DeviceTimestamp) time.Duration {
	return time.Duration(t.millis-other.millis) * time.Millisecond
}

// Format 按 yyyy-MM-dd HH:mm:ss_SSS 格式输出（指定时区）
func (t DeviceTimestamp) Format(loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	tm := time.UnixMilli(t.millis).In(loc)
	return fmt.Sprintf("%s_%03d", tm.Format("2006-01-02 15:04:05"), tm.Nanosecond()/int(time.Millisecond))
}

func (t DeviceTimestamp) String() string {
	return strconv.FormatInt(t.millis, 10)
}
