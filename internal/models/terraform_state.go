package models

import (
	"time"

	"gorm.io/datatypes"
)

// TerraformState is the last state snapshot taken after a successful apply,
// together with the backend the state lives in.
type TerraformState struct {
	DeploymentID  string            `gorm:"type:varchar(64);primaryKey" json:"deployment_id"`
	BackendType   string            `gorm:"type:varchar(16);not null" json:"backend_type"`
	BackendConfig datatypes.JSONMap `json:"backend_config"`
	State         datatypes.JSON    `json:"state"`
	Checksum      string            `gorm:"type:varchar(64)" json:"checksum"`
	Workspace     string            `gorm:"type:varchar(64);not null;default:default" json:"workspace"`
	StateVersion  int               `gorm:"not null;default:0" json:"state_version"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// All lists every model the schema is built from.
func All() []any {
	return []any{
		&Deployment{},
		&TerraformState{},
	}
}
