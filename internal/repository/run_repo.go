package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrRunNotFound 运行记录不存在
var ErrRunNotFound = errors.New("test run not found")

// RunRepository 测试运行记录
type RunRepository interface {
	Create(ctx context.Context, run *domain.TestRun) error
	FindByID(ctx context.Context, id string) (*domain.TestRun, error)
	List(ctx context.Context, filter RunFilter) ([]*domain.TestRun, int64, error)
	MarkRunning(ctx context.Context, id, serial string) error
	Complete(ctx context.Context, run *domain.TestRun) error
	// ResetStale 把进程异常退出时遗留的 running 记录置为 error
	ResetStale(ctx context.Context) (int64, error)
}

// RunFilter 列表过滤条件
type RunFilter struct {
	PackageName string
	Status      domain.RunStatus
	Page        int
	PageSize    int
}

type runRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewRunRepository(db *gorm.DB, logger *logrus.Logger) RunRepository {
	return &runRepo{db: db, logger: logger}
}

func (r *runRepo) Create(ctx context.Context, run *domain.TestRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = domain.RunStatusQueued
	}
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *runRepo) FindByID(ctx context.Context, id string) (*domain.TestRun, error) {
	var run domain.TestRun
	err := r.db.WithContext(ctx).
		Preload("Artifacts", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC")
		}).
		First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *runRepo) List(ctx context.Context, filter RunFilter) ([]*domain.TestRun, int64, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 || filter.PageSize > 200 {
		filter.PageSize = 20
	}

	scoped := func() *gorm.DB {
		query := r.db.WithContext(ctx).Model(&domain.TestRun{})
		if filter.PackageName != "" {
			query = query.Where("package_name = ?", filter.PackageName)
		}
		if filter.Status != "" {
			query = query.Where("status = ?", filter.Status)
		}
		return query
	}

	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var runs []*domain.TestRun
	err := scoped().
		Order("created_at DESC").
		Offset((filter.Page - 1) * filter.PageSize).
		Limit(filter.PageSize).
		Find(&runs).Error
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

func (r *runRepo) MarkRunning(ctx context.Context, id, serial string) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.TestRun{}).
		Where("id = ? AND status = ?", id, domain.RunStatusQueued).
		Updates(map[string]interface{}{
			"status":        domain.RunStatusRunning,
			"device_serial": serial,
			"started_at":    &now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s is not queued", ErrRunNotFound, id)
	}
	return nil
}

// Complete 写入终态字段
func (r *runRepo) Complete(ctx context.Context, run *domain.TestRun) error {
	if !run.Status.IsTerminal() {
		return fmt.Errorf("run %s: status %s is not terminal", run.ID, run.Status)
	}
	if run.CompletedAt == nil {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}

	err := r.db.WithContext(ctx).
		Model(run).
		Select("status", "failure_type", "failure_message", "crash_count",
			"version_name", "version_code", "video_path",
			"device_start_millis", "device_end_millis", "completed_at").
		Updates(run).Error
	if err != nil {
		r.logger.WithError(err).WithField("run_id", run.ID).Error("Failed to complete test run")
	}
	return err
}

func (r *runRepo) ResetStale(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.TestRun{}).
		Where("status = ?", domain.RunStatusRunning).
		Updates(map[string]interface{}{
			"status":          domain.RunStatusError,
			"failure_type":    domain.FailureTypeUnknown,
			"failure_message": "harness restarted while the run was in progress",
			"completed_at":    &now,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		r.logger.WithField("count", result.RowsAffected).Warn("Reset stale running test runs")
	}
	return result.RowsAffected, nil
}
