package services

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iac-studio/orchestrator/internal/classifier"
	"github.com/iac-studio/orchestrator/internal/deploylog"
	"github.com/iac-studio/orchestrator/internal/models"
	"github.com/iac-studio/orchestrator/internal/provisioner"
	"github.com/iac-studio/orchestrator/internal/queue"
	"github.com/iac-studio/orchestrator/internal/repository"
	"github.com/iac-studio/orchestrator/internal/templates"
	appErr "github.com/iac-studio/orchestrator/pkg/errors"
	"github.com/iac-studio/orchestrator/pkg/logger"
	"go.uber.org/zap"
)

// DeploymentService is the read and accept side of deployments. Records are
// created here and mutated afterwards only by the worker.
type DeploymentService interface {
	// Lifecycle
	Accept(ctx context.Context, in *DeployInput) (*Accepted, error)
	Delete(ctx context.Context, deploymentID string) error

	// Queries
	Status(ctx context.Context, deploymentID string) (*StatusView, error)
	Details(ctx context.Context, deploymentID string) (*DetailsView, error)
	List(ctx context.Context, f repository.DeploymentFilter) ([]StatusView, error)
	TaskStatus(ctx context.Context, taskID string) (*TaskView, error)
	Stream(ctx context.Context, deploymentID string, emit func(StreamEvent) error) error

	// Tags
	Tags(ctx context.Context) ([]string, error)
	UpdateTags(ctx context.Context, deploymentID string, tags []string) (*StatusView, error)
}

type DeployInput struct {
	TemplateName   string
	ProviderType   string
	SubscriptionID string
	ResourceGroup  string
	Location       string
	Parameters     map[string]any
	Tags           []string
}

type Accepted struct {
	DeploymentID  string `json:"deployment_id"`
	Status        string `json:"status"`
	TaskID        string `json:"task_id"`
	ResourceGroup string `json:"resource_group"`
	Provider      string `json:"provider"`
	Template      string `json:"template"`
}

// StatusView is the read model of a deployment record.
type StatusView struct {
	DeploymentID    string         `json:"deployment_id"`
	ProviderType    string         `json:"provider_type"`
	CloudProvider   string         `json:"cloud_provider"`
	TemplateName    string         `json:"template_name"`
	ResourceGroup   string         `json:"resource_group"`
	Status          string         `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at"`
	Parameters      map[string]any `json:"parameters"`
	Outputs         map[string]any `json:"outputs"`
	Tags            []string       `json:"tags"`
	ErrorMessage    *string        `json:"error_message"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty"`
}

type DetailsView struct {
	StatusView
	TaskID string           `json:"task_id,omitempty"`
	Logs   string           `json:"logs"`
	Lines  []deploylog.Line `json:"log_lines"`
}

type TaskView struct {
	TaskID   string         `json:"task_id"`
	State    string         `json:"state"`
	Phase    string         `json:"phase"`
	Progress int            `json:"progress"`
	Status   string         `json:"status"`
	Result   *queue.Summary `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// StreamEvent is one server-sent event of a log stream.
type StreamEvent struct {
	Type     string         `json:"type"`
	Status   string         `json:"status,omitempty"`
	Progress int            `json:"progress,omitempty"`
	Message  string         `json:"message,omitempty"`
	Outputs  map[string]any `json:"outputs,omitempty"`

	// log events only
	Timestamp string         `json:"timestamp,omitempty"`
	Level     string         `json:"level,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

const (
	EventStatus   = "status"
	EventLog      = "log"
	EventProgress = "progress"
	EventComplete = "complete"
	EventError    = "error"
	EventDone     = "done"
)

// DeploymentOptions carries the process configuration the service reads.
type DeploymentOptions struct {
	AzureSubscriptionID string
	GoogleProjectID     string
	StreamMaxPolls      int
	StreamPollInterval  time.Duration
}

type deploymentService struct {
	deployments repository.DeploymentRepository
	catalog     *templates.Catalog
	enqueuer    queue.Enqueuer
	inspector   queue.TaskInspector
	opts        DeploymentOptions
	now         func() time.Time
	newID       func() string
}

func NewDeploymentService(
	deployments repository.DeploymentRepository,
	catalog *templates.Catalog,
	enqueuer queue.Enqueuer,
	inspector queue.TaskInspector,
	opts DeploymentOptions,
) DeploymentService {
	if opts.StreamMaxPolls <= 0 {
		opts.StreamMaxPolls = 300
	}
	if opts.StreamPollInterval <= 0 {
		opts.StreamPollInterval = time.Second
	}
	return &deploymentService{
		deployments: deployments,
		catalog:     catalog,
		enqueuer:    enqueuer,
		inspector:   inspector,
		opts:        opts,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       newDeploymentID,
	}
}

var _ DeploymentService = (*deploymentService)(nil)

func newDeploymentID() string {
	return "deploy-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (s *deploymentService) Accept(ctx context.Context, in *DeployInput) (*Accepted, error) {
	if in == nil || in.ProviderType == "" {
		return nil, appErr.New(appErr.CodeInvalid, "provider_type is required")
	}
	cloud := provisioner.CloudOf(provisioner.MapProviderType(in.ProviderType), provisioner.ProviderConfig{})

	subscription, err := s.subscriptionFor(in)
	if err != nil {
		return nil, err
	}
	if err := ValidateParameters(in.Parameters); err != nil {
		return nil, err
	}
	if err := ValidateCloudFields(string(cloud), in.ResourceGroup, in.Parameters); err != nil {
		return nil, err
	}

	tpl, err := s.catalog.Resolve(in.TemplateName)
	if err != nil {
		return nil, err
	}
	cloudProvider := tpl.CloudProvider
	if cloudProvider == "" {
		cloudProvider = string(cloud)
	}

	params := in.Parameters
	if params == nil {
		params = map[string]any{}
	}
	tags := in.Tags
	if tags == nil {
		tags = []string{}
	}

	id := s.newID()
	// task ids equal deployment ids; after enqueue only the worker writes the record
	d := &models.Deployment{
		DeploymentID:  id,
		TaskID:        id,
		ProviderType:  in.ProviderType,
		CloudProvider: cloudProvider,
		TemplateName:  in.TemplateName,
		ResourceGroup: in.ResourceGroup,
		Status:        models.StatusPending,
		Parameters:    params,
		Tags:          tags,
	}
	if err := s.deployments.Create(ctx, d); err != nil {
		return nil, err
	}

	log := logger.ForDeployment(d.DeploymentID)
	log.Info("deployment created",
		zap.String("provider_type", d.ProviderType),
		zap.String("template", d.TemplateName),
		zap.Any("parameters", MaskSensitive(params)),
	)

	pc := provisioner.ProviderConfig{
		SubscriptionID: subscription,
		Region:         in.Location,
		CloudPlatform:  string(cloud),
	}
	if cloud == provisioner.CloudGCP {
		pc.ProjectID = subscription
	}

	taskID, err := s.enqueuer.EnqueueDeploy(ctx, queue.DeployPayload{
		DeploymentID:   d.DeploymentID,
		ProviderType:   in.ProviderType,
		TemplatePath:   tpl.Path,
		TemplateName:   in.TemplateName,
		Parameters:     params,
		ResourceGroup:  in.ResourceGroup,
		ProviderConfig: pc,
	})
	if err != nil {
		log.Error("enqueue deploy task failed", zap.Error(err))
		friendly := classifier.Classify(err.Error()).Friendly()
		d.Fail(s.now(), friendly)
		if uerr := s.deployments.Update(context.WithoutCancel(ctx), d); uerr != nil {
			log.Error("mark deployment failed", zap.Error(uerr))
		}
		return nil, err
	}

	log.Info("deployment queued", zap.String("task_id", taskID))

	return &Accepted{
		DeploymentID:  d.DeploymentID,
		Status:        "pending",
		TaskID:        taskID,
		ResourceGroup: in.ResourceGroup,
		Provider:      in.ProviderType,
		Template:      in.TemplateName,
	}, nil
}

// subscriptionFor prefers the request, then the process configuration of the
// target cloud.
func (s *deploymentService) subscriptionFor(in *DeployInput) (string, error) {
	if in.SubscriptionID != "" {
		return in.SubscriptionID, nil
	}
	var sub string
	switch strings.ToLower(in.ProviderType) {
	case "azure", "terraform-azure", "bicep", "arm":
		sub = s.opts.AzureSubscriptionID
	case "gcp", "terraform-gcp":
		sub = s.opts.GoogleProjectID
	}
	if sub == "" {
		return "", appErr.New(appErr.CodeInvalid, "Missing required parameter: subscription_id").
			WithMeta("parameter", "subscription_id")
	}
	return sub, nil
}

func (s *deploymentService) Status(ctx context.Context, deploymentID string) (*StatusView, error) {
	d, err := s.deployments.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	v := s.view(d)
	return &v, nil
}

func (s *deploymentService) Details(ctx context.Context, deploymentID string) (*DetailsView, error) {
	d, err := s.deployments.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	return &DetailsView{
		StatusView: s.view(d),
		TaskID:     d.TaskID,
		Logs:       d.Logs,
		Lines:      deploylog.ParseAll(d.Logs),
	}, nil
}

func (s *deploymentService) List(ctx context.Context, f repository.DeploymentFilter) ([]StatusView, error) {
	rows, err := s.deployments.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]StatusView, 0, len(rows))
	for i := range rows {
		out = append(out, s.view(&rows[i]))
	}
	return out, nil
}

func (s *deploymentService) Tags(ctx context.Context) ([]string, error) {
	return s.deployments.AllTags(ctx)
}

func (s *deploymentService) UpdateTags(ctx context.Context, deploymentID string, tags []string) (*StatusView, error) {
	clean := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		clean = append(clean, t)
	}
	if err := s.deployments.UpdateTags(ctx, deploymentID, clean); err != nil {
		return nil, err
	}
	return s.Status(ctx, deploymentID)
}

// Delete removes the record and its retained task. It does not touch cloud
// resources.
func (s *deploymentService) Delete(ctx context.Context, deploymentID string) error {
	d, err := s.deployments.Get(ctx, deploymentID)
	if err != nil {
		return err
	}
	if err := s.deployments.Delete(ctx, deploymentID); err != nil {
		return err
	}
	if d.TaskID != "" && s.inspector != nil {
		if err := s.inspector.DeleteTask(d.TaskID); err != nil {
			logger.ForDeployment(deploymentID).Warn("delete queue task failed", zap.Error(err))
		}
	}
	logger.ForDeployment(deploymentID).Info("deployment deleted")
	return nil
}

func (s *deploymentService) TaskStatus(ctx context.Context, taskID string) (*TaskView, error) {
	if s.inspector == nil {
		return nil, appErr.New(appErr.CodeUnavailable, "task queue not configured")
	}
	st, err := s.inspector.TaskStatus(taskID)
	if err != nil {
		return nil, err
	}
	v := &TaskView{TaskID: st.TaskID, State: st.State, Phase: "unknown", Error: st.LastError}
	if p := st.Progress; p != nil {
		v.Phase = p.Phase
		v.Progress = p.Progress
		v.Status = p.Status
		v.Result = p.Result
		if p.Error != "" {
			v.Error = p.Error
		}
	}
	return v, nil
}

// Stream replays the deployment log and follows it until the deployment
// finishes, the poll budget runs out or ctx is cancelled. emit errors stop
// the stream.
func (s *deploymentService) Stream(ctx context.Context, deploymentID string, emit func(StreamEvent) error) error {
	d, err := s.deployments.Get(ctx, deploymentID)
	if err != nil {
		return err
	}
	if err := emit(StreamEvent{Type: EventStatus, Status: d.Status}); err != nil {
		return err
	}

	ticker := time.NewTicker(s.opts.StreamPollInterval)
	defer ticker.Stop()

	offset := 0
	for i := 0; i < s.opts.StreamMaxPolls; i++ {
		if i > 0 {
			d, err = s.deployments.Get(ctx, deploymentID)
			if err != nil {
				return err
			}
		}

		var lines []string
		lines, offset = deploylog.Since(d.Logs, offset)
		for _, l := range lines {
			line := deploylog.Parse(l)
			ev := StreamEvent{
				Type:      EventLog,
				Message:   line.Message,
				Timestamp: line.Timestamp,
				Level:     line.Level,
				Phase:     line.Phase,
				Details:   line.Details,
			}
			if err := emit(ev); err != nil {
				return err
			}
		}

		if d.Status == models.StatusRunning {
			if err := emit(StreamEvent{Type: EventProgress, Status: "running", Progress: s.progressOf(d, i)}); err != nil {
				return err
			}
		}

		if done, ev := terminalEvent(d); done {
			if err := emit(ev); err != nil {
				return err
			}
			break
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return emit(StreamEvent{Type: EventDone, Message: "Stream ended"})
}

func (s *deploymentService) progressOf(d *models.Deployment, iteration int) int {
	p := min(30+iteration*2, 90)
	if d.TaskID == "" || s.inspector == nil {
		return p
	}
	st, err := s.inspector.TaskStatus(d.TaskID)
	if err != nil || st.Progress == nil {
		return p
	}
	return st.Progress.Progress
}

func terminalEvent(d *models.Deployment) (bool, StreamEvent) {
	switch d.Status {
	case models.StatusCompleted:
		outputs := map[string]any(d.Outputs)
		if outputs == nil {
			outputs = map[string]any{}
		}
		return true, StreamEvent{Type: EventComplete, Message: "Deployment completed", Outputs: outputs}
	case models.StatusFailed, models.StatusCancelled:
		msg := "Deployment failed"
		if d.ErrorMessage != nil && *d.ErrorMessage != "" {
			msg = *d.ErrorMessage
		}
		return true, StreamEvent{Type: EventError, Message: msg}
	}
	return false, StreamEvent{}
}

func (s *deploymentService) view(d *models.Deployment) StatusView {
	tags := []string(d.Tags)
	if tags == nil {
		tags = []string{}
	}
	return StatusView{
		DeploymentID:    d.DeploymentID,
		ProviderType:    d.ProviderType,
		CloudProvider:   d.CloudProvider,
		TemplateName:    d.TemplateName,
		ResourceGroup:   d.ResourceGroup,
		Status:          d.Status,
		CreatedAt:       d.CreatedAt,
		StartedAt:       d.StartedAt,
		CompletedAt:     d.CompletedAt,
		Parameters:      MaskSensitive(d.Parameters),
		Outputs:         d.Outputs,
		Tags:            tags,
		ErrorMessage:    d.ErrorMessage,
		DurationSeconds: d.DurationSeconds(s.now()),
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
