package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iac-studio/orchestrator/internal/deploylog"
	"github.com/iac-studio/orchestrator/internal/models"
	"github.com/iac-studio/orchestrator/internal/provisioner"
	"github.com/iac-studio/orchestrator/internal/provisioner/runner"
	"github.com/iac-studio/orchestrator/internal/queue"
	"github.com/iac-studio/orchestrator/internal/repository"
	"github.com/iac-studio/orchestrator/pkg/database"
	appErr "github.com/iac-studio/orchestrator/pkg/errors"
	"github.com/iac-studio/orchestrator/pkg/logger"
)

func TestMain(m *testing.M) {
	// Initialize logger for tests (required by tasks)
	_, err := logger.Init("error", "json")
	if err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Deploy(ctx context.Context, req provisioner.DeployRequest) (*provisioner.Result, error) {
	args := m.Called(ctx, req)
	if v := args.Get(0); v != nil {
		return v.(*provisioner.Result), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) GetStatus(ctx context.Context, id, group string) (provisioner.Status, error) {
	args := m.Called(ctx, id, group)
	return args.Get(0).(provisioner.Status), args.Error(1)
}

func (m *mockProvider) ListGroups(ctx context.Context) ([]provisioner.ResourceGroup, error) {
	return nil, nil
}

func (m *mockProvider) CreateGroup(ctx context.Context, name, location string, tags map[string]string) (*provisioner.ResourceGroup, error) {
	return nil, nil
}

func (m *mockProvider) DeleteGroup(ctx context.Context, name string) error { return nil }

func (m *mockProvider) ListResources(ctx context.Context, group string) ([]provisioner.CloudResource, error) {
	return nil, nil
}

func (m *mockProvider) Validate(ctx context.Context, path string, params map[string]any) error {
	return m.Called(ctx, path, params).Error(0)
}

func (m *mockProvider) SupportedLocations() []string { return []string{"us-central1"} }

func (m *mockProvider) Type() string { return "terraform" }

type recordingReporter struct {
	snapshots []queue.Progress
}

func (r *recordingReporter) Report(_ context.Context, p queue.Progress) {
	r.snapshots = append(r.snapshots, p)
}

func (r *recordingReporter) last() queue.Progress {
	return r.snapshots[len(r.snapshots)-1]
}

type harness struct {
	repo     repository.DeploymentRepository
	provider *mockProvider
	handler  *DeployTaskHandler
	reporter *recordingReporter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.OpenSQLite(":memory:", false)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.All()...))

	repo := repository.NewDeploymentRepository(db)
	prov := &mockProvider{}
	reg := provisioner.NewRegistry()
	reg.Register("terraform-gcp", func(provisioner.ProviderConfig) (provisioner.Provider, error) { return prov, nil })
	reg.Register("terraform-azure", func(provisioner.ProviderConfig) (provisioner.Provider, error) { return prov, nil })

	return &harness{
		repo:     repo,
		provider: prov,
		handler:  NewDeployTaskHandler(repo, reg, nil),
		reporter: &recordingReporter{},
	}
}

func (h *harness) seed(t *testing.T, p queue.DeployPayload) {
	t.Helper()
	require.NoError(t, h.repo.Create(context.Background(), &models.Deployment{
		DeploymentID:  p.DeploymentID,
		ProviderType:  p.ProviderType,
		TemplateName:  p.TemplateName,
		ResourceGroup: p.ResourceGroup,
		Status:        models.StatusPending,
		Parameters:    p.Parameters,
	}))
}

func (h *harness) record(t *testing.T, id string) *models.Deployment {
	t.Helper()
	d, err := h.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return d
}

func gcpPayload(id string, params map[string]any) queue.DeployPayload {
	return queue.DeployPayload{
		DeploymentID:   id,
		ProviderType:   "terraform-gcp",
		TemplatePath:   "/templates/gcp/bucket.tf",
		TemplateName:   "bucket",
		Parameters:     params,
		ProviderConfig: provisioner.ProviderConfig{ProjectID: "p1", Region: "us-central1"},
	}
}

// requireRecordInvariants checks the timestamp, outputs and error_message rules.
func requireRecordInvariants(t *testing.T, d *models.Deployment) {
	t.Helper()
	require.Equal(t, d.Status != models.StatusPending, d.StartedAt != nil, "started_at iff not pending")
	terminal := d.Status == models.StatusCompleted || d.Status == models.StatusFailed
	require.Equal(t, terminal, d.CompletedAt != nil, "completed_at iff terminal")
	switch d.Status {
	case models.StatusCompleted:
		require.NotNil(t, d.Outputs)
		require.Nil(t, d.ErrorMessage)
	case models.StatusFailed:
		require.NotNil(t, d.ErrorMessage)
		require.Empty(t, d.Outputs)
	}
}

// requirePhaseOrder checks that each phase marker appears, in the given order.
func requirePhaseOrder(t *testing.T, logs string, phases ...deploylog.Phase) {
	t.Helper()
	prev := -1
	for _, ph := range phases {
		idx := strings.Index(logs, ph.Marker())
		require.Greater(t, idx, prev, "phase %s out of order", ph)
		prev = idx
	}
}

func TestRunSuccess(t *testing.T) {
	h := newHarness(t)
	p := gcpPayload("d1", map[string]any{"bucket_name": "b1"})
	h.seed(t, p)

	h.provider.On("Validate", mock.Anything, p.TemplatePath, mock.Anything).Return(nil).Once()
	h.provider.On("Deploy", mock.Anything, mock.MatchedBy(func(req provisioner.DeployRequest) bool {
		return req.DeploymentID == "d1" &&
			req.Location == "us-central1" &&
			req.Parameters["bucket_name"] == "b1" &&
			req.Parameters["project_id"] == "p1"
	})).Return(&provisioner.Result{
		Status:  provisioner.StatusSucceeded,
		Outputs: map[string]any{"bucket_name": "b1"},
	}, nil).Once()

	sum, err := h.handler.Run(context.Background(), p, "task-1", h.reporter)
	require.NoError(t, err)
	require.Equal(t, "completed", sum.Status)
	require.Equal(t, "completed", sum.Phase)
	require.Equal(t, map[string]any{"bucket_name": "b1"}, sum.Outputs)

	d := h.record(t, "d1")
	require.Equal(t, models.StatusCompleted, d.Status)
	require.Equal(t, "b1", d.Outputs["bucket_name"])
	require.Equal(t, "task-1", d.TaskID)
	require.Equal(t, "gcp", d.CloudProvider)
	requireRecordInvariants(t, d)
	requirePhaseOrder(t, d.Logs,
		deploylog.PhaseInitialization,
		deploylog.PhaseValidating,
		deploylog.PhasePlanning,
		deploylog.PhaseApplying,
		deploylog.PhaseFinalizing,
		deploylog.PhaseCompleted,
	)
	require.Contains(t, d.Logs, "Starting deployment d1")
	require.Contains(t, d.Logs, "=== PHASE 3: APPLYING ===")
	require.Contains(t, d.Logs, `Outputs collected - {"output_count":1}`)

	var progress []int
	for _, s := range h.reporter.snapshots {
		progress = append(progress, s.Progress)
	}
	require.Equal(t, []int{10, 25, 40, 60, 90, 100}, progress)
	last := h.reporter.last()
	require.Equal(t, queue.StateSuccess, last.State)
	require.Equal(t, "completed", last.Result.Status)
	require.Equal(t, "b1", last.Result.Outputs["bucket_name"])

	h.provider.AssertExpectations(t)
}

func TestRunQuotaFailure(t *testing.T) {
	h := newHarness(t)
	p := gcpPayload("d2", map[string]any{"bucket_name": "b1"})
	h.seed(t, p)

	h.provider.On("Validate", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	h.provider.On("Deploy", mock.Anything, mock.Anything).
		Return(nil, provisioner.Provisioning("terraform", "Error: quota exceeded")).Once()

	_, err := h.handler.Run(context.Background(), p, "task-2", h.reporter)
	require.Error(t, err)
	require.True(t, errors.Is(err, asynq.SkipRetry))
	require.Contains(t, err.Error(), "Quota Exceeded")

	d := h.record(t, "d2")
	require.Equal(t, models.StatusFailed, d.Status)
	require.Equal(t, err.Error(), *d.ErrorMessage)
	require.NotContains(t, *d.ErrorMessage, "Error: quota exceeded")
	require.Contains(t, d.Logs, "Raw error: Error: quota exceeded")
	require.Contains(t, d.Logs, `✗ Deployment failed - {"error_type":"DeploymentError"}`)
	require.NotContains(t, d.Logs, "Full Traceback")
	requireRecordInvariants(t, d)
	requirePhaseOrder(t, d.Logs,
		deploylog.PhaseInitialization,
		deploylog.PhaseValidating,
		deploylog.PhasePlanning,
		deploylog.PhaseApplying,
		deploylog.PhaseFailed,
	)
	require.NotContains(t, d.Logs, deploylog.PhaseFinalizing.Marker())

	last := h.reporter.last()
	require.Equal(t, queue.StateFailure, last.State)
	require.Equal(t, "failed", last.Phase)
	require.Equal(t, err.Error(), last.Error)
}

func TestRunRenamesGCPParameters(t *testing.T) {
	h := newHarness(t)
	p := gcpPayload("d3", map[string]any{
		"tags":                map[string]any{"env": "prod"},
		"projectId":           "p1",
		"resource_group_name": "ignored",
	})
	p.ProviderConfig.ProjectID = ""
	h.seed(t, p)

	var got provisioner.DeployRequest
	h.provider.On("Validate", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	h.provider.On("Deploy", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		got = args.Get(1).(provisioner.DeployRequest)
	}).Return(&provisioner.Result{Outputs: map[string]any{}}, nil).Once()

	_, err := h.handler.Run(context.Background(), p, "task-3", h.reporter)
	require.NoError(t, err)

	require.Equal(t, map[string]any{"env": "prod"}, got.Parameters["labels"])
	require.Equal(t, "p1", got.Parameters["project_id"])
	for _, k := range []string{"tags", "projectId", "resource_group_name"} {
		require.NotContains(t, got.Parameters, k)
	}
	// the caller's map is left alone
	require.Contains(t, p.Parameters, "tags")
}

func TestRunUnknownProviderTag(t *testing.T) {
	h := newHarness(t)
	p := gcpPayload("d4", nil)
	p.ProviderType = "pulumi"
	h.seed(t, p)

	_, err := h.handler.Run(context.Background(), p, "task-4", h.reporter)
	require.Error(t, err)
	require.True(t, errors.Is(err, asynq.SkipRetry))

	d := h.record(t, "d4")
	require.Equal(t, models.StatusFailed, d.Status)
	require.Contains(t, d.Logs, "Starting deployment d4")
	require.NotContains(t, d.Logs, "Provider initialized successfully")
	require.NotContains(t, d.Logs, deploylog.PhaseValidating.Marker())
	require.Contains(t, d.Logs, "ProviderConfigurationError")
	requireRecordInvariants(t, d)
	h.provider.AssertNotCalled(t, "Deploy", mock.Anything, mock.Anything)
}

func TestRunTimeout(t *testing.T) {
	h := newHarness(t)
	p := gcpPayload("d5", map[string]any{"bucket_name": "b1"})
	h.seed(t, p)

	h.provider.On("Validate", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	h.provider.On("Deploy", mock.Anything, mock.Anything).Return(nil, provisioner.Timeout("terraform",
		"Terraform apply timed out after 10m0s",
		&runner.TimeoutError{Command: "terraform apply", Timeout: 10 * time.Minute})).Once()

	_, err := h.handler.Run(context.Background(), p, "task-5", h.reporter)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Operation Timed Out")

	d := h.record(t, "d5")
	require.Equal(t, models.StatusFailed, d.Status)
	require.NotNil(t, d.CompletedAt)
	require.Contains(t, d.Logs, "DeploymentTimeoutError")
	require.NotContains(t, d.Logs, deploylog.PhaseCompleted.Marker())
	requireRecordInvariants(t, d)
}

func TestRunStripsControlSequences(t *testing.T) {
	h := newHarness(t)
	p := gcpPayload("d6", map[string]any{"bucket_name": "b1"})
	h.seed(t, p)

	raw := "\x1b[31m╷\n│ \x1b[1mError:\x1b[0m creating Bucket: googleapi: Error 409: already owns it\n│\n╵\x1b[0m"
	h.provider.On("Validate", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	h.provider.On("Deploy", mock.Anything, mock.Anything).
		Return(nil, provisioner.Provisioning("terraform", "Terraform apply failed: %s", raw)).Once()

	_, err := h.handler.Run(context.Background(), p, "task-6", h.reporter)
	require.Error(t, err)

	d := h.record(t, "d6")
	require.False(t, deploylog.ContainsControl(*d.ErrorMessage))
	require.False(t, deploylog.ContainsControl(d.Logs))
	require.Contains(t, d.Logs, "creating Bucket")
}

func TestRunUnexpectedError(t *testing.T) {
	h := newHarness(t)
	p := gcpPayload("d7", map[string]any{"bucket_name": "b1"})
	h.seed(t, p)

	h.provider.On("Validate", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	h.provider.On("Deploy", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset by peer")).Once()

	_, err := h.handler.Run(context.Background(), p, "task-7", h.reporter)
	require.Error(t, err)
	require.True(t, errors.Is(err, asynq.SkipRetry))

	d := h.record(t, "d7")
	require.Equal(t, models.StatusFailed, d.Status)
	require.Contains(t, d.Logs, "✗ Unexpected error occurred")
	require.Contains(t, d.Logs, "--- Full Traceback ---")
	require.Less(t, strings.Index(d.Logs, *d.ErrorMessage), strings.Index(d.Logs, "--- Full Traceback ---"))
	trace := d.Logs[strings.Index(d.Logs, "--- Full Traceback ---"):]
	require.Contains(t, trace, "error returned (no panic)")
	require.Contains(t, trace, "connection reset by peer")
	require.NotContains(t, trace, "runtime/debug")
	requireRecordInvariants(t, d)
}

func TestRunRecoversPanic(t *testing.T) {
	h := newHarness(t)
	p := gcpPayload("d8", map[string]any{"bucket_name": "b1"})
	h.seed(t, p)

	h.provider.On("Validate", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	h.provider.On("Deploy", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		panic("nil map write")
	}).Return(nil, nil).Once()

	sum, err := h.handler.Run(context.Background(), p, "task-8", h.reporter)
	require.Nil(t, sum)
	var taskErr *Error
	require.ErrorAs(t, err, &taskErr)

	d := h.record(t, "d8")
	require.Equal(t, models.StatusFailed, d.Status)
	require.Contains(t, d.Logs, "Full Traceback")
	require.Contains(t, d.Logs, "goroutine")
	requireRecordInvariants(t, d)
}

func TestRunValidationFailureStopsBeforeDeploy(t *testing.T) {
	h := newHarness(t)
	p := gcpPayload("d9", map[string]any{"bucket_name": "b1"})
	h.seed(t, p)

	h.provider.On("Validate", mock.Anything, mock.Anything, mock.Anything).
		Return(provisioner.Provisioning("terraform", "invalid parameter name \"bad name\"")).Once()

	_, err := h.handler.Run(context.Background(), p, "task-9", h.reporter)
	require.Error(t, err)
	h.provider.AssertNotCalled(t, "Deploy", mock.Anything, mock.Anything)
	require.NotContains(t, h.record(t, "d9").Logs, deploylog.PhasePlanning.Marker())
}

func TestRunWithoutRecord(t *testing.T) {
	h := newHarness(t)
	p := gcpPayload("ghost", map[string]any{"bucket_name": "b1"})

	h.provider.On("Validate", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	h.provider.On("Deploy", mock.Anything, mock.Anything).
		Return(&provisioner.Result{Outputs: map[string]any{"x": 1}}, nil).Once()

	sum, err := h.handler.Run(context.Background(), p, "", h.reporter)
	require.NoError(t, err)
	require.Equal(t, "completed", sum.Status)

	_, err = h.repo.Get(context.Background(), "ghost")
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

func TestHandleDeploy(t *testing.T) {
	t.Run("invalid payload is not retried", func(t *testing.T) {
		h := newHarness(t)
		err := h.handler.HandleDeploy(context.Background(), asynq.NewTask(queue.TypeDeploy, []byte("{")))
		require.True(t, errors.Is(err, asynq.SkipRetry))
	})

	t.Run("missing id is not retried", func(t *testing.T) {
		h := newHarness(t)
		err := h.handler.HandleDeploy(context.Background(), asynq.NewTask(queue.TypeDeploy, []byte(`{}`)))
		require.True(t, errors.Is(err, asynq.SkipRetry))
	})

	t.Run("runs payload", func(t *testing.T) {
		h := newHarness(t)
		p := gcpPayload("d10", map[string]any{"bucket_name": "b1"})
		h.seed(t, p)
		h.provider.On("Validate", mock.Anything, mock.Anything, mock.Anything).Return(nil)
		h.provider.On("Deploy", mock.Anything, mock.Anything).Return(&provisioner.Result{}, nil).Once()

		raw, err := json.Marshal(p)
		require.NoError(t, err)
		require.NoError(t, h.handler.HandleDeploy(context.Background(), asynq.NewTask(queue.TypeDeploy, raw)))
		require.Equal(t, models.StatusCompleted, h.record(t, "d10").Status)
	})
}

func TestRunKeepsTagsChangedMidRun(t *testing.T) {
	h := newHarness(t)
	p := gcpPayload("d11", map[string]any{"bucket_name": "b1"})
	h.seed(t, p)

	h.provider.On("Validate", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	h.provider.On("Deploy", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		require.NoError(t, h.repo.UpdateTags(context.Background(), "d11", []string{"prod"}))
	}).Return(&provisioner.Result{Outputs: map[string]any{"bucket_name": "b1"}}, nil).Once()

	_, err := h.handler.Run(context.Background(), p, "task-11", h.reporter)
	require.NoError(t, err)

	d := h.record(t, "d11")
	require.Equal(t, models.StatusCompleted, d.Status)
	require.Equal(t, []string{"prod"}, []string(d.Tags))
	requireRecordInvariants(t, d)
}

func TestRunDoesNotRecreateDeletedRecord(t *testing.T) {
	h := newHarness(t)
	p := gcpPayload("d12", map[string]any{"bucket_name": "b1"})
	h.seed(t, p)

	h.provider.On("Validate", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	h.provider.On("Deploy", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		require.NoError(t, h.repo.Delete(context.Background(), "d12"))
	}).Return(&provisioner.Result{Outputs: map[string]any{}}, nil).Once()

	sum, err := h.handler.Run(context.Background(), p, "task-12", h.reporter)
	require.NoError(t, err)
	require.Equal(t, "completed", sum.Status)

	_, err = h.repo.Get(context.Background(), "d12")
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

func TestRunRedeliveredFinishedDeployment(t *testing.T) {
	for _, status := range []string{models.StatusCompleted, models.StatusFailed, models.StatusCancelled} {
		t.Run(status, func(t *testing.T) {
			h := newHarness(t)
			p := gcpPayload("d13", map[string]any{"bucket_name": "b1"})
			h.seed(t, p)

			at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
			d := h.record(t, "d13")
			d.Status = status
			d.StartedAt = &at
			d.CompletedAt = &at
			d.Logs = "previous run\n"
			require.NoError(t, h.repo.Update(context.Background(), d))
			before := h.record(t, "d13")

			sum, err := h.handler.Run(context.Background(), p, "task-13", h.reporter)
			require.Nil(t, sum)
			require.True(t, errors.Is(err, asynq.SkipRetry))

			after := h.record(t, "d13")
			require.Equal(t, before.Status, after.Status)
			require.Equal(t, before.Logs, after.Logs)
			require.Equal(t, before.TaskID, after.TaskID)
			require.Empty(t, h.reporter.snapshots)
			h.provider.AssertNotCalled(t, "Validate", mock.Anything, mock.Anything, mock.Anything)
			h.provider.AssertNotCalled(t, "Deploy", mock.Anything, mock.Anything)
		})
	}
}

func TestRunRedeliveredRunningDeployment(t *testing.T) {
	h := newHarness(t)
	p := gcpPayload("d14", map[string]any{"bucket_name": "b1"})
	h.seed(t, p)

	d := h.record(t, "d14")
	d.Start(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), "task-14")
	d.AppendLog("worker stopped here\n")
	require.NoError(t, h.repo.Update(context.Background(), d))

	_, err := h.handler.Run(context.Background(), p, "task-14", h.reporter)
	require.Error(t, err)
	require.True(t, errors.Is(err, asynq.SkipRetry))

	d = h.record(t, "d14")
	require.Equal(t, models.StatusFailed, d.Status)
	require.Contains(t, *d.ErrorMessage, "interrupted")
	require.Contains(t, d.Logs, "worker stopped here")
	require.NotContains(t, d.Logs, "Starting deployment d14")
	requireRecordInvariants(t, d)
	require.Equal(t, queue.StateFailure, h.reporter.last().State)
	h.provider.AssertNotCalled(t, "Deploy", mock.Anything, mock.Anything)
}
