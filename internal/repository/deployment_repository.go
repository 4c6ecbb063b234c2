package repository

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/iac-studio/orchestrator/internal/models"
	appErr "github.com/iac-studio/orchestrator/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// DeploymentFilter narrows List. Zero fields are ignored.
type DeploymentFilter struct {
	Status       string
	ProviderType string
	Tag          string
	Limit        int
}

type DeploymentRepository interface {
	BaseRepository[models.Deployment]
	Get(ctx context.Context, deploymentID string) (*models.Deployment, error)
	List(ctx context.Context, f DeploymentFilter) ([]models.Deployment, error)
	// SaveRun writes the columns a running dispatch owns and leaves tags,
	// parameters and the rest alone. A missing row is CodeNotFound, never re-created.
	SaveRun(ctx context.Context, d *models.Deployment) error
	UpdateTags(ctx context.Context, deploymentID string, tags []string) error
	AllTags(ctx context.Context) ([]string, error)
	ListFinishedBefore(ctx context.Context, cutoff time.Time) ([]models.Deployment, error)
}

type deploymentRepository struct {
	BaseRepository[models.Deployment]
	db *gorm.DB
}

func NewDeploymentRepository(db *gorm.DB) DeploymentRepository {
	return &deploymentRepository{
		BaseRepository: NewBaseRepository[models.Deployment](db, "deployment_id"),
		db:             db,
	}
}

func (r *deploymentRepository) Get(ctx context.Context, deploymentID string) (*models.Deployment, error) {
	var d models.Deployment
	if err := r.db.WithContext(ctx).First(&d, "deployment_id = ?", deploymentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErr.New(appErr.CodeNotFound, "deployment not found").WithMeta("deployment_id", deploymentID)
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "get deployment failed")
	}
	return &d, nil
}

// List returns deployments newest first.
func (r *deploymentRepository) List(ctx context.Context, f DeploymentFilter) ([]models.Deployment, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	q := r.db.WithContext(ctx).Model(&models.Deployment{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.ProviderType != "" {
		q = q.Where("provider_type = ?", f.ProviderType)
	}
	if f.Tag != "" {
		q = r.whereHasTag(q, f.Tag)
	}

	var out []models.Deployment
	if err := q.Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list deployments failed")
	}
	return out, nil
}

func (r *deploymentRepository) whereHasTag(q *gorm.DB, tag string) *gorm.DB {
	if r.db.Dialector.Name() == "postgres" {
		arr, _ := json.Marshal([]string{tag})
		return q.Where("tags::jsonb @> ?::jsonb", string(arr))
	}
	return q.Where("EXISTS (SELECT 1 FROM json_each(deployments.tags) WHERE json_each.value = ?)", tag)
}

func (r *deploymentRepository) SaveRun(ctx context.Context, d *models.Deployment) error {
	res := r.db.WithContext(ctx).Model(&models.Deployment{}).
		Where("deployment_id = ?", d.DeploymentID).
		Updates(map[string]any{
			"status":         d.Status,
			"started_at":     d.StartedAt,
			"completed_at":   d.CompletedAt,
			"outputs":        d.Outputs,
			"error_message":  d.ErrorMessage,
			"logs":           d.Logs,
			"task_id":        d.TaskID,
			"cloud_provider": d.CloudProvider,
		})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "save deployment run failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "deployment not found").WithMeta("deployment_id", d.DeploymentID)
	}
	return nil
}

func (r *deploymentRepository) UpdateTags(ctx context.Context, deploymentID string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	res := r.db.WithContext(ctx).Model(&models.Deployment{}).
		Where("deployment_id = ?", deploymentID).
		Update("tags", datatypes.JSONSlice[string](tags))
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "update deployment tags failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "deployment not found").WithMeta("deployment_id", deploymentID)
	}
	return nil
}

// AllTags returns every distinct tag in use, sorted.
func (r *deploymentRepository) AllTags(ctx context.Context) ([]string, error) {
	var rows []models.Deployment
	if err := r.db.WithContext(ctx).Select("tags").Find(&rows).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list tags failed")
	}
	seen := make(map[string]struct{})
	for _, d := range rows {
		for _, t := range d.Tags {
			seen[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// ListFinishedBefore returns COMPLETED and FAILED deployments that ended before cutoff.
func (r *deploymentRepository) ListFinishedBefore(ctx context.Context, cutoff time.Time) ([]models.Deployment, error) {
	var out []models.Deployment
	err := r.db.WithContext(ctx).
		Select("deployment_id", "status", "completed_at").
		Where("status IN ?", []string{models.StatusCompleted, models.StatusFailed}).
		Where("completed_at < ?", cutoff).
		Order("completed_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list finished deployments failed")
	}
	return out, nil
}
