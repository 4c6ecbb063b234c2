package queue

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	appErr "github.com/iac-studio/orchestrator/pkg/errors"
)

// TaskStatus is a task's broker state plus its last progress snapshot.
type TaskStatus struct {
	TaskID      string     `json:"task_id"`
	State       string     `json:"state"`
	LastError   string     `json:"last_error,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Progress    *Progress  `json:"progress,omitempty"`
}

type TaskInspector interface {
	TaskStatus(taskID string) (*TaskStatus, error)
	DeleteTask(taskID string) error
}

type AsynqInspector struct {
	inspector *asynq.Inspector
}

var _ TaskInspector = (*AsynqInspector)(nil)

func NewInspector(inspector *asynq.Inspector) *AsynqInspector {
	return &AsynqInspector{inspector: inspector}
}

func (i *AsynqInspector) TaskStatus(taskID string) (*TaskStatus, error) {
	info, err := i.inspector.GetTaskInfo(QueueDeployments, taskID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, appErr.New(appErr.CodeNotFound, "task not found").WithMeta("task_id", taskID)
		}
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "inspect task failed")
	}
	return statusFromInfo(info), nil
}

func statusFromInfo(info *asynq.TaskInfo) *TaskStatus {
	st := &TaskStatus{
		TaskID:    info.ID,
		State:     info.State.String(),
		LastError: info.LastErr,
	}
	if !info.CompletedAt.IsZero() {
		at := info.CompletedAt
		st.CompletedAt = &at
	}
	if len(info.Result) > 0 {
		var p Progress
		if err := json.Unmarshal(info.Result, &p); err == nil {
			st.Progress = &p
		}
	}
	return st
}

// DeleteTask removes a finished task; a task that is already gone is not an error.
func (i *AsynqInspector) DeleteTask(taskID string) error {
	err := i.inspector.DeleteTask(QueueDeployments, taskID)
	if err == nil || errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil
	}
	return appErr.Wrap(err, appErr.CodeUnavailable, "delete task failed")
}
