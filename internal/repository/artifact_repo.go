package repository

import (
	"context"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ArtifactRepository 产物索引
type ArtifactRepository interface {
	Save(ctx context.Context, artifact *domain.RunArtifact) error
	ListByRun(ctx context.Context, runID string) ([]*domain.RunArtifact, error)
}

type artifactRepo struct {
	db *gorm.DB
}

func NewArtifactRepository(db *gorm.DB) ArtifactRepository {
	return &artifactRepo{db: db}
}

func (r *artifactRepo) Save(ctx context.Context, artifact *domain.RunArtifact) error {
	if artifact.ID == "" {
		artifact.ID = uuid.New().String()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(artifact).Error
}

func (r *artifactRepo) ListByRun(ctx context.Context, runID string) ([]*domain.RunArtifact, error) {
	var artifacts []*domain.RunArtifact
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at ASC").
		Find(&artifacts).Error
	return artifacts, err
}
