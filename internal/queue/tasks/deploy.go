package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/iac-studio/orchestrator/internal/classifier"
	"github.com/iac-studio/orchestrator/internal/deploylog"
	"github.com/iac-studio/orchestrator/internal/models"
	"github.com/iac-studio/orchestrator/internal/provisioner"
	"github.com/iac-studio/orchestrator/internal/queue"
	"github.com/iac-studio/orchestrator/internal/repository"
	appErr "github.com/iac-studio/orchestrator/pkg/errors"
	"github.com/iac-studio/orchestrator/pkg/logger"
	"github.com/iac-studio/orchestrator/pkg/metrics"
	"go.uber.org/zap"
)

// Error is returned to asynq when a deployment fails. Its text is the
// classified message and it never triggers a retry.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return asynq.SkipRetry }

type phase struct {
	n        int
	id       deploylog.Phase
	title    string
	status   string
	progress int
	detail   string
}

var (
	phaseValidating = phase{1, deploylog.PhaseValidating, "VALIDATION", "Validating template configuration", 25, "Validating template syntax and parameters..."}
	phasePlanning   = phase{2, deploylog.PhasePlanning, "PLANNING", "Generating execution plan", 40, "Calculating infrastructure changes..."}
	phaseApplying   = phase{3, deploylog.PhaseApplying, "APPLYING", "Applying infrastructure changes", 60, "Provisioning cloud resources..."}
	phaseFinalizing = phase{4, deploylog.PhaseFinalizing, "FINALIZING", "Retrieving outputs and finalizing", 90, "Collecting deployment outputs..."}
)

// DeployTaskHandler runs deployments dispatched by the worker.
type DeployTaskHandler struct {
	deployments repository.DeploymentRepository
	providers   *provisioner.Registry
	metrics     *metrics.Metrics
	now         func() time.Time
}

func NewDeployTaskHandler(deployments repository.DeploymentRepository, providers *provisioner.Registry, m *metrics.Metrics) *DeployTaskHandler {
	return &DeployTaskHandler{
		deployments: deployments,
		providers:   providers,
		metrics:     m,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (h *DeployTaskHandler) HandleDeploy(ctx context.Context, t *asynq.Task) error {
	var p queue.DeployPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		logger.L().Error("invalid deploy task payload", zap.Error(err))
		return fmt.Errorf("invalid deploy task payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.DeploymentID == "" {
		logger.L().Error("deploy task without deployment id")
		return fmt.Errorf("deployment_id is required: %w", asynq.SkipRetry)
	}

	taskID, _ := asynq.GetTaskID(ctx)
	_, err := h.Run(ctx, p, taskID, queue.ReporterFor(t))
	return err
}

// run is the state of one dispatch.
type run struct {
	p       queue.DeployPayload
	rec     *models.Deployment
	persist bool
	rep     queue.Reporter
	log     *zap.Logger
	began   time.Time
	phase   deploylog.Phase
}

// Run executes one deployment. It makes exactly one attempt: on failure
// the record ends FAILED and the returned *Error carries the classified message.
func (h *DeployTaskHandler) Run(ctx context.Context, p queue.DeployPayload, taskID string, rep queue.Reporter) (sum *queue.Summary, err error) {
	r, err := h.begin(ctx, p, taskID, rep)
	if err != nil {
		return nil, err
	}

	defer func() {
		if v := recover(); v != nil {
			sum = nil
			err = h.fail(ctx, r, fmt.Errorf("panic: %v", v), string(debug.Stack()))
		}
	}()

	sum, err = h.execute(ctx, r)
	if err != nil {
		var trace string
		if _, ok := provisioner.AsFailure(err); !ok {
			trace = errorChain(err)
		}
		return nil, h.fail(ctx, r, err, trace)
	}
	return sum, nil
}

// interruptedMessage fails a record found RUNNING at dispatch: an earlier
// dispatch stopped mid-run and the cloud side may be partially applied.
const interruptedMessage = "Deployment interrupted: the worker stopped while this deployment was running. " +
	"Resources may be partially created, inspect them before deploying again."

func (h *DeployTaskHandler) begin(ctx context.Context, p queue.DeployPayload, taskID string, rep queue.Reporter) (*run, error) {
	if rep == nil {
		rep = queue.NopReporter{}
	}
	r := &run{p: p, rep: rep, log: logger.ForDeployment(p.DeploymentID), began: h.now(), persist: true}

	rec, err := h.deployments.Get(ctx, p.DeploymentID)
	switch {
	case err != nil:
		if appErr.IsCode(err, appErr.CodeNotFound) {
			r.log.Warn("deployment record not found, continuing without persistence")
		} else {
			r.log.Error("load deployment record failed, continuing without persistence", zap.Error(err))
		}
		r.persist = false
		rec = &models.Deployment{
			DeploymentID:  p.DeploymentID,
			ProviderType:  p.ProviderType,
			TemplateName:  p.TemplateName,
			ResourceGroup: p.ResourceGroup,
			Status:        models.StatusPending,
			CreatedAt:     r.began,
		}
	case rec.IsTerminal():
		// a redelivered task must not apply again
		r.log.Warn("deployment already finished, dropping dispatch", zap.String("status", rec.Status))
		return nil, fmt.Errorf("deployment %s is already %s: %w", p.DeploymentID, rec.Status, asynq.SkipRetry)
	case rec.Status == models.StatusRunning:
		r.rec = rec
		r.log.Warn("deployment was already running, marking it interrupted")
		h.metrics.DeploymentStarted(p.ProviderType)
		return nil, h.fail(ctx, r, provisioner.Provisioning(p.ProviderType, "%s", interruptedMessage), "")
	}
	r.rec = rec
	h.metrics.DeploymentStarted(p.ProviderType)

	r.phase = deploylog.PhaseInitialization
	rec.Start(r.began, taskID)
	h.info(r, fmt.Sprintf("Starting deployment %s", p.DeploymentID), map[string]any{
		"provider_type":  p.ProviderType,
		"template":       p.TemplateName,
		"resource_group": p.ResourceGroup,
	})
	h.save(ctx, r)
	h.report(ctx, r, queue.StateRunning, "initialization", "Initializing deployment", 10)
	return r, nil
}

func (h *DeployTaskHandler) execute(ctx context.Context, r *run) (*queue.Summary, error) {
	p := r.p
	backend := provisioner.MapProviderType(p.ProviderType)
	cloud := provisioner.CloudOf(backend, p.ProviderConfig)
	if r.rec.CloudProvider == "" {
		r.rec.CloudProvider = string(cloud)
	}

	h.info(r, fmt.Sprintf("Initializing %s provider", backend), nil)
	provider, err := h.providers.Create(backend, p.ProviderConfig)
	if err != nil {
		return nil, err
	}
	h.info(r, "Provider initialized successfully", nil)
	h.save(ctx, r)

	params, err := provisioner.BuildParameters(p.Parameters, provisioner.ParamSpec{
		Cloud:         cloud,
		ResourceGroup: p.ResourceGroup,
		Config:        p.ProviderConfig,
	})
	if err != nil {
		return nil, err
	}
	location, _ := params["location"].(string)
	h.info(r, "Parameters prepared", map[string]any{
		"parameter_names": sortedKeys(params),
		"location":        location,
	})

	h.enter(ctx, r, phaseValidating)
	if err := provider.Validate(ctx, p.TemplatePath, params); err != nil {
		return nil, err
	}

	h.enter(ctx, r, phasePlanning)
	h.enter(ctx, r, phaseApplying)

	result, err := provider.Deploy(ctx, provisioner.DeployRequest{
		DeploymentID:  p.DeploymentID,
		TemplatePath:  p.TemplatePath,
		Parameters:    params,
		ResourceGroup: p.ResourceGroup,
		Location:      location,
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.New("provider returned no result")
	}
	h.info(r, "Deployment execution completed", map[string]any{"status": string(result.Status)})

	h.enter(ctx, r, phaseFinalizing)

	at := h.now()
	r.rec.Complete(at, result.Outputs)
	r.phase = deploylog.PhaseCompleted
	h.info(r, "✓ Deployment completed successfully", nil)
	h.info(r, "Outputs collected", map[string]any{"output_count": len(r.rec.Outputs)})
	h.save(ctx, r)

	sum := &queue.Summary{
		DeploymentID: p.DeploymentID,
		Status:       "completed",
		Phase:        "completed",
		Outputs:      map[string]any(r.rec.Outputs),
		Message:      "Deployment completed successfully",
	}
	r.rep.Report(ctx, queue.Progress{
		DeploymentID: p.DeploymentID,
		State:        queue.StateSuccess,
		Phase:        "completed",
		Status:       "Deployment completed successfully",
		Progress:     100,
		Result:       sum,
	})

	h.metrics.DeploymentFinished(p.ProviderType, models.StatusCompleted, at.Sub(r.began))
	r.log.Info("deployment completed", zap.Int("outputs", len(sum.Outputs)), zap.Duration("took", at.Sub(r.began)))
	return sum, nil
}

// fail classifies err, records it and returns the error handed to asynq.
// trace is set for errors that did not come from a provider: the panic stack,
// or the wrapped error chain for a returned error.
func (h *DeployTaskHandler) fail(ctx context.Context, r *run, err error, trace string) error {
	// the record must be written even if the task context is gone
	ctx = context.WithoutCancel(ctx)

	var (
		desc     classifier.Descriptor
		typeName string
		raw      string
	)
	if f, ok := provisioner.AsFailure(err); ok {
		desc = f.Describe()
		typeName = f.TypeName()
		raw = deploylog.Strip(f.Message)
	} else {
		raw = deploylog.Strip(err.Error())
		desc = classifier.Classify(raw)
		typeName = "UnexpectedError"
	}
	friendly := deploylog.Strip(desc.Friendly())

	r.phase = deploylog.PhaseFailed
	if trace == "" {
		h.logLine(r, deploylog.Error, "✗ Deployment failed", map[string]any{"error_type": typeName})
		h.logLine(r, deploylog.Error, friendly, nil)
		h.logLine(r, deploylog.Error, "Raw error: "+raw, nil)
	} else {
		h.logLine(r, deploylog.Error, "✗ Unexpected error occurred", map[string]any{"error_type": typeName})
		h.logLine(r, deploylog.Error, friendly, nil)
		h.logLine(r, deploylog.Error, "Raw error: "+raw, nil)
		r.rec.AppendLog("\n--- Full Traceback ---\n" + deploylog.Strip(trace) + "\n")
	}

	at := h.now()
	r.rec.Fail(at, friendly)
	h.save(ctx, r)

	r.rep.Report(ctx, queue.Progress{
		DeploymentID: r.p.DeploymentID,
		State:        queue.StateFailure,
		Phase:        "failed",
		Status:       "Deployment failed",
		Progress:     100,
		Error:        friendly,
	})

	h.metrics.ClassifiedError(desc.Code)
	h.metrics.DeploymentFinished(r.p.ProviderType, models.StatusFailed, at.Sub(r.began))
	r.log.Error("deployment failed",
		zap.String("error_type", typeName),
		zap.String("error_code", desc.Code),
		zap.Error(err),
	)
	return &Error{Message: friendly}
}

// enter starts a phase: progress snapshot, section header, first log line.
func (h *DeployTaskHandler) enter(ctx context.Context, r *run, ph phase) {
	r.phase = ph.id
	r.rec.AppendLog(deploylog.Header(h.now(), ph.id, ph.n, ph.title))
	h.info(r, ph.detail, nil)
	h.save(ctx, r)
	h.report(ctx, r, queue.StateRunning, string(ph.id), ph.status, ph.progress)
}

func (h *DeployTaskHandler) info(r *run, msg string, details map[string]any) {
	h.logLine(r, deploylog.Info, msg, details)
}

func (h *DeployTaskHandler) logLine(r *run, level deploylog.Level, msg string, details map[string]any) {
	r.rec.AppendLog(deploylog.Format(h.now(), level, r.phase, msg, details))
}

func (h *DeployTaskHandler) report(ctx context.Context, r *run, state, ph, status string, progress int) {
	r.rep.Report(ctx, queue.Progress{
		DeploymentID: r.p.DeploymentID,
		State:        state,
		Phase:        ph,
		Status:       status,
		Progress:     progress,
	})
}

// save commits the columns the dispatch owns. A failed write is logged and the
// deployment goes on; a record deleted mid-run stops further writes.
func (h *DeployTaskHandler) save(ctx context.Context, r *run) {
	if !r.persist {
		return
	}
	err := h.deployments.SaveRun(ctx, r.rec)
	switch {
	case err == nil:
	case appErr.IsCode(err, appErr.CodeNotFound):
		r.log.Warn("deployment record deleted during run, no longer persisting")
		r.persist = false
	default:
		r.log.Error("persist deployment record failed", zap.String("status", r.rec.Status), zap.Error(err))
	}
}

// errorChain lists err and every error it wraps, outermost first.
func errorChain(err error) string {
	var b strings.Builder
	b.WriteString("error returned (no panic), wrapped chain:\n")
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "  %T: %s\n", e, e.Error())
	}
	return strings.TrimRight(b.String(), "\n")
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
