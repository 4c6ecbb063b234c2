// Package queue wires deployments onto asynq: task types and payloads,
// enqueueing, progress snapshots and task inspection.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/iac-studio/orchestrator/internal/provisioner"
	appErr "github.com/iac-studio/orchestrator/pkg/errors"
)

const (
	QueueDeployments = "deployments"

	TypeDeploy  = "deployment:deploy"
	TypeCleanup = "deployment:cleanup"
)

// DeployPayload is everything a worker needs to run one deployment.
type DeployPayload struct {
	DeploymentID   string                     `json:"deployment_id"`
	ProviderType   string                     `json:"provider_type"`
	TemplatePath   string                     `json:"template_path"`
	TemplateName   string                     `json:"template_name,omitempty"`
	Parameters     map[string]any             `json:"parameters"`
	ResourceGroup  string                     `json:"resource_group,omitempty"`
	ProviderConfig provisioner.ProviderConfig `json:"provider_config"`
}

// CleanupPayload selects finished deployments older than OlderThan.
type CleanupPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

func NewDeployTask(p DeployPayload) (*asynq.Task, error) {
	if p.DeploymentID == "" {
		return nil, appErr.New(appErr.CodeInvalid, "deployment_id is required")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "encode deploy payload failed")
	}
	return asynq.NewTask(TypeDeploy, raw), nil
}

func NewCleanupTask(olderThan time.Duration) (*asynq.Task, error) {
	raw, err := json.Marshal(CleanupPayload{OlderThan: olderThan})
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "encode cleanup payload failed")
	}
	return asynq.NewTask(TypeCleanup, raw), nil
}

// Enqueuer schedules deployments for a worker.
type Enqueuer interface {
	// EnqueueDeploy returns the task handle recorded on the deployment.
	EnqueueDeploy(ctx context.Context, p DeployPayload) (string, error)
}

type AsynqEnqueuer struct {
	client    *asynq.Client
	retention time.Duration
}

var _ Enqueuer = (*AsynqEnqueuer)(nil)

// NewEnqueuer keeps finished task results queryable for retention.
func NewEnqueuer(client *asynq.Client, retention time.Duration) *AsynqEnqueuer {
	return &AsynqEnqueuer{client: client, retention: retention}
}

// EnqueueDeploy uses the deployment id as the task id, so a deployment can
// be queued at most once. Tasks never retry.
func (e *AsynqEnqueuer) EnqueueDeploy(ctx context.Context, p DeployPayload) (string, error) {
	task, err := NewDeployTask(p)
	if err != nil {
		return "", err
	}
	opts := []asynq.Option{
		asynq.Queue(QueueDeployments),
		asynq.TaskID(p.DeploymentID),
		asynq.MaxRetry(0),
	}
	if e.retention > 0 {
		opts = append(opts, asynq.Retention(e.retention))
	}

	info, err := e.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return "", appErr.Wrap(err, appErr.CodeConflict, "deployment already queued")
		}
		return "", appErr.Wrap(err, appErr.CodeUnavailable, fmt.Sprintf("enqueue deployment %s failed", p.DeploymentID))
	}
	return info.ID, nil
}
