package dropbox

import (
	"context"
	"sort"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/sirupsen/logrus"
)

// Source 提供 dropbox 记录（Extractor 实现）
type Source interface {
	Extract(ctx context.Context, req Request) ([]domain.DropboxEntry, error)
}

// Window 崩溃检测窗口，Package 为空表示不按包过滤
type Window struct {
	Tags    Tags
	Package string
	Start   *domain.DeviceTimestamp
	End     *domain.DeviceTimestamp
}

// Filter 按窗口和包归属筛选 dropbox 记录
type Filter struct {
	source  Source
	matcher *Matcher
	logger  *logrus.Logger
}

// NewFilter 创建筛选器
func NewFilter(source Source, matcher *Matcher, logger *logrus.Logger) *Filter {
	if matcher == nil {
		matcher = DefaultMatcher()
	}
	return &Filter{source: source, matcher: matcher, logger: logger}
}

// Get 提取一次并筛选，结果按 tag 升序（同 tag 保持提取顺序）
func (f *Filter) Get(ctx context.Context, tags Tags, packageName string, start, end *domain.DeviceTimestamp) ([]domain.DropboxEntry, error) {
	return f.GetWindow(ctx, Window{Tags: tags, Package: packageName, Start: start, End: end})
}

// GetWindow 同 Get
func (f *Filter) GetWindow(ctx context.Context, w Window) ([]domain.DropboxEntry, error) {
	req := Request{Tags: w.Tags, Start: w.Start, End: w.End}
	entries, err := f.source.Extract(ctx, req)
	if err != nil {
		return nil, err
	}

	matched := make([]domain.DropboxEntry, 0, len(entries))
	for _, entry := range entries {
		if !req.Accepts(entry) {
			continue
		}
		if w.Package != "" && !f.matcher.Matches(entry.Data, w.Package) {
			continue
		}
		matched = append(matched, entry)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Tag < matched[j].Tag
	})

	f.logger.WithFields(logrus.Fields{
		"package":   w.Package,
		"extracted": len(entries),
		"matched":   len(matched),
	}).Debug("Dropbox entries filtered")
	return matched, nil
}
