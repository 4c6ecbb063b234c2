package repository

import (
	"context"
	"errors"

	"github.com/iac-studio/orchestrator/internal/models"
	appErr "github.com/iac-studio/orchestrator/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type StateRepository interface {
	// Save upserts the snapshot and bumps its version.
	Save(ctx context.Context, s *models.TerraformState) error
	Get(ctx context.Context, deploymentID string) (*models.TerraformState, error)
}

type stateRepository struct {
	db *gorm.DB
}

func NewStateRepository(db *gorm.DB) StateRepository {
	return &stateRepository{db: db}
}

func (r *stateRepository) Save(ctx context.Context, s *models.TerraformState) error {
	if s.Workspace == "" {
		s.Workspace = "default"
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev models.TerraformState
		err := tx.Select("state_version").First(&prev, "deployment_id = ?", s.DeploymentID).Error
		switch {
		case err == nil:
			s.StateVersion = prev.StateVersion + 1
		case errors.Is(err, gorm.ErrRecordNotFound):
			s.StateVersion = 1
		default:
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "deployment_id"}},
			UpdateAll: true,
		}).Create(s).Error
	})
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "save terraform state failed")
	}
	return nil
}

func (r *stateRepository) Get(ctx context.Context, deploymentID string) (*models.TerraformState, error) {
	var s models.TerraformState
	if err := r.db.WithContext(ctx).First(&s, "deployment_id = ?", deploymentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErr.New(appErr.CodeNotFound, "terraform state not found")
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "get terraform state failed")
	}
	return &s, nil
}
