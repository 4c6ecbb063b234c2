package terraform

import (
	"context"

	"github.com/iac-studio/orchestrator/internal/models"
	"github.com/iac-studio/orchestrator/internal/provisioner/compiler"
	"github.com/iac-studio/orchestrator/internal/repository"
	"github.com/iac-studio/orchestrator/pkg/utils"
	"gorm.io/datatypes"
)

// StateStore persists the state snapshot taken after an apply.
type StateStore interface {
	SaveState(ctx context.Context, deploymentID string, backend compiler.Backend, state []byte) error
}

type DatabaseStateStore struct {
	states repository.StateRepository
}

var _ StateStore = (*DatabaseStateStore)(nil)

func NewDatabaseStateStore(states repository.StateRepository) *DatabaseStateStore {
	return &DatabaseStateStore{states: states}
}

func (s *DatabaseStateStore) SaveState(ctx context.Context, deploymentID string, backend compiler.Backend, state []byte) error {
	row := &models.TerraformState{
		DeploymentID:  deploymentID,
		BackendType:   backend.Type,
		BackendConfig: datatypes.JSONMap(backend.Config),
		Checksum:      utils.Checksum(state),
	}
	if state == nil {
		row.State = datatypes.JSON("null")
	} else {
		row.State = datatypes.JSON(state)
	}
	return s.states.Save(ctx, row)
}
