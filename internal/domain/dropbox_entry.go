package domain

import (
	"fmt"
	"time"
)

// DropboxEntry 设备 dropbox 中的一条崩溃 / ANR / tombstone 记录
type DropboxEntry struct {
	Time DeviceTimestamp
	Tag  string
	Data string
}

// Header 记录头：tag、原始时间戳、本地时间，每项一行
func (e DropboxEntry) Header(loc *time.Location) string {
	return fmt.Sprintf("Dropbox entry tag: %s\nDropbox entry timestamp: %d\nDropbox entry time: %s\n",
		e.Tag, e.Time.Millis(), e.Time.Format(loc))
}

// Render 渲染为报告中使用的文本（指定时区）
func (e DropboxEntry) Render(loc *time.Location) string {
	return e.Header(loc) + e.Data
}

func (e DropboxEntry) String() string {
	return e.Render(time.Local)
}
