// Package crashcheck 在测试窗口结束时检查 dropbox 中属于被测包的崩溃记录
package crashcheck

import (
	"context"

	"github.com/apk-analysis/app-compat-harness/internal/artifact"
	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/apk-analysis/app-compat-harness/internal/dropbox"
	"github.com/apk-analysis/app-compat-harness/internal/report"
	"github.com/sirupsen/logrus"
)

// Clock 设备时钟
type Clock interface {
	CurrentTimeMillis(ctx context.Context) (domain.DeviceTimestamp, error)
}

// EntrySource 按窗口筛选 dropbox 记录（dropbox.Filter）
type EntrySource interface {
	Get(ctx context.Context, tags dropbox.Tags, packageName string, start, end *domain.DeviceTimestamp) ([]domain.DropboxEntry, error)
}

// Result 一次崩溃检查的结果
type Result struct {
	Start  domain.DeviceTimestamp
	End    domain.DeviceTimestamp
	Report *report.FailureReport // 未发现崩溃时为 nil
}

// Crashed 是否发现崩溃
func (r *Result) Crashed() bool {
	return r.Report != nil
}

// Message 失败信息，未发现崩溃时为空
func (r *Result) Message() string {
	if r.Report == nil {
		return ""
	}
	return r.Report.Message()
}

// Checker 崩溃检查
type Checker struct {
	clock   Clock
	source  EntrySource
	builder *report.Builder
	sink    artifact.Sink
	tags    dropbox.Tags
	logger  *logrus.Logger
}

// NewChecker 创建崩溃检查器，tags 为空时使用 dropbox.AppCrashTags，sink 可以为 nil
func NewChecker(clock Clock, source EntrySource, builder *report.Builder, sink artifact.Sink, tags []string, logger *logrus.Logger) *Checker {
	if len(tags) == 0 {
		tags = dropbox.AppCrashTags
	}
	if builder == nil {
		builder = report.NewBuilder(0, nil)
	}
	return &Checker{
		clock:   clock,
		source:  source,
		builder: builder,
		sink:    sink,
		tags:    dropbox.NewTags(tags...),
		logger:  logger,
	}
}

// ArtifactName 崩溃报告产物名
func ArtifactName(packageName string) string {
	return packageName + "_dropbox_crash"
}

// Check 检查 [start, 设备当前时间) 内属于 packageName 的崩溃
// save 为 true 时把完整报告保存为 TEXT 产物
func (c *Checker) Check(ctx context.Context, packageName string, start domain.DeviceTimestamp, save bool, videoStart *domain.DeviceTimestamp) (*Result, error) {
	end, err := c.clock.CurrentTimeMillis(ctx)
	if err != nil {
		return nil, err
	}

	entries, err := c.source.Get(ctx, c.tags, packageName, &start, &end)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Start:  start,
		End:    end,
		Report: c.builder.Build(packageName, entries, videoStart),
	}

	c.logger.WithFields(logrus.Fields{
		"package": packageName,
		"start":   start.Millis(),
		"end":     end.Millis(),
		"entries": len(entries),
	}).Info("Dropbox crash check completed")

	if result.Report != nil && save && c.sink != nil {
		err := artifact.AddBytes(ctx, c.sink, ArtifactName(packageName), domain.LogDataTypeText, []byte(result.Report.Persisted()))
		if err != nil {
			c.logger.WithError(err).WithField("package", packageName).Warn("Failed to save dropbox crash report")
		}
	}

	return result, nil
}

// GetCrashLog 返回截断后的崩溃信息，未发现崩溃时返回空字符串
func (c *Checker) GetCrashLog(ctx context.Context, packageName string, start domain.DeviceTimestamp, saveToArtifact bool, videoStart *domain.DeviceTimestamp) (string, error) {
	result, err := c.Check(ctx, packageName, start, saveToArtifact, videoStart)
	if err != nil {
		return "", err
	}
	return result.Message(), nil
}
