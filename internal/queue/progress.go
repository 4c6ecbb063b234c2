package queue

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
	"github.com/iac-studio/orchestrator/pkg/logger"
	"go.uber.org/zap"
)

// Progress states.
const (
	StateRunning = "RUNNING"
	StateSuccess = "SUCCESS"
	StateFailure = "FAILURE"
)

// Progress is the latest snapshot of a running task. It lives with the task
// in the broker, not on the deployment record.
type Progress struct {
	DeploymentID string   `json:"deployment_id"`
	State        string   `json:"state"`
	Phase        string   `json:"phase"`
	Status       string   `json:"status"`
	Progress     int      `json:"progress"`
	Error        string   `json:"error,omitempty"`
	Result       *Summary `json:"result,omitempty"`
}

// Summary is the return value of a successful deployment task.
type Summary struct {
	DeploymentID string         `json:"deployment_id"`
	Status       string         `json:"status"`
	Phase        string         `json:"phase"`
	Outputs      map[string]any `json:"outputs"`
	Message      string         `json:"message"`
}

// Reporter publishes progress snapshots. Reporting is best effort.
type Reporter interface {
	Report(ctx context.Context, p Progress)
}

// ResultReporter overwrites the task's result with each snapshot.
type ResultReporter struct {
	w *asynq.ResultWriter
}

func NewResultReporter(w *asynq.ResultWriter) *ResultReporter {
	return &ResultReporter{w: w}
}

func (r *ResultReporter) Report(_ context.Context, p Progress) {
	if r == nil || r.w == nil {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	if _, err := r.w.Write(raw); err != nil {
		logger.L().Warn("write task progress failed",
			zap.String("deployment_id", p.DeploymentID),
			zap.String("phase", p.Phase),
			zap.Error(err),
		)
	}
}

type NopReporter struct{}

func (NopReporter) Report(context.Context, Progress) {}

// ReporterFor returns a reporter for t, or a no-op one when t was not
// dispatched by a server.
func ReporterFor(t *asynq.Task) Reporter {
	if w := t.ResultWriter(); w != nil {
		return NewResultReporter(w)
	}
	return NopReporter{}
}
