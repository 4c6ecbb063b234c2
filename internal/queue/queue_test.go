package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/iac-studio/orchestrator/internal/provisioner"
	appErr "github.com/iac-studio/orchestrator/pkg/errors"
)

func TestNewDeployTask(t *testing.T) {
	_, err := NewDeployTask(DeployPayload{})
	require.True(t, appErr.IsCode(err, appErr.CodeInvalid))

	task, err := NewDeployTask(DeployPayload{
		DeploymentID:   "deploy-0123456789ab",
		ProviderType:   "terraform-gcp",
		Parameters:     map[string]any{"bucket_name": "b1"},
		ProviderConfig: provisioner.ProviderConfig{ProjectID: "p1"},
	})
	require.NoError(t, err)
	require.Equal(t, TypeDeploy, task.Type())

	var got DeployPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &got))
	require.Equal(t, "p1", got.ProviderConfig.ProjectID)
	require.Equal(t, "b1", got.Parameters["bucket_name"])
}

func TestReporterForUndispatchedTask(t *testing.T) {
	rep := ReporterFor(asynq.NewTask(TypeDeploy, nil))
	require.IsType(t, NopReporter{}, rep)
	rep.Report(context.Background(), Progress{Progress: 10})
}

func TestStatusFromInfo(t *testing.T) {
	done := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	snap, err := json.Marshal(Progress{
		DeploymentID: "d1",
		State:        StateSuccess,
		Phase:        "completed",
		Progress:     100,
		Result:       &Summary{DeploymentID: "d1", Status: "completed"},
	})
	require.NoError(t, err)

	st := statusFromInfo(&asynq.TaskInfo{
		ID:          "d1",
		State:       asynq.TaskStateCompleted,
		CompletedAt: done,
		Result:      snap,
	})
	require.Equal(t, "completed", st.State)
	require.Equal(t, done, *st.CompletedAt)
	require.Equal(t, 100, st.Progress.Progress)
	require.Equal(t, "completed", st.Progress.Result.Status)

	pending := statusFromInfo(&asynq.TaskInfo{ID: "d2", State: asynq.TaskStatePending})
	require.Equal(t, "pending", pending.State)
	require.Nil(t, pending.CompletedAt)
	require.Nil(t, pending.Progress)

	broken := statusFromInfo(&asynq.TaskInfo{ID: "d3", State: asynq.TaskStateArchived, LastErr: "boom", Result: []byte("{")})
	require.Equal(t, "archived", broken.State)
	require.Equal(t, "boom", broken.LastError)
	require.Nil(t, broken.Progress)
}
