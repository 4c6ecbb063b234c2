package provisioner

import (
	"context"
	"time"
)

// Provider provisions infrastructure on one backend.
type Provider interface {
	// Deploy provisions the template. It blocks until the backend finishes.
	Deploy(ctx context.Context, req DeployRequest) (*Result, error)

	// GetStatus is best effort; backends that cannot track a deployment
	// report StatusSucceeded once Deploy has returned.
	GetStatus(ctx context.Context, provisioningID, group string) (Status, error)

	ListGroups(ctx context.Context) ([]ResourceGroup, error)
	CreateGroup(ctx context.Context, name, location string, tags map[string]string) (*ResourceGroup, error)
	DeleteGroup(ctx context.Context, name string) error
	ListResources(ctx context.Context, group string) ([]CloudResource, error)

	// Validate is a static check independent of Deploy. nil means ok.
	Validate(ctx context.Context, templatePath string, params map[string]any) error

	SupportedLocations() []string
	Type() string
}

// Status of a provisioning operation as reported by a backend.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Cloud is a target cloud platform.
type Cloud string

const (
	CloudAzure Cloud = "azure"
	CloudGCP   Cloud = "gcp"
)

type DeployRequest struct {
	DeploymentID  string
	TemplatePath  string
	Parameters    map[string]any
	ResourceGroup string
	Location      string
}

// Result is returned by a successful Deploy.
type Result struct {
	Status           Status            `json:"status"`
	ResourceID       string            `json:"resource_id"`
	ResourceGroup    string            `json:"resource_group"`
	ResourcesCreated []string          `json:"resources_created,omitempty"`
	Outputs          map[string]any    `json:"outputs"`
	Message          string            `json:"message"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
}

type ResourceGroup struct {
	Name          string            `json:"name"`
	Location      string            `json:"location"`
	Tags          map[string]string `json:"tags,omitempty"`
	ResourceCount int               `json:"resource_count"`
	ProviderID    string            `json:"provider_id,omitempty"`
}

type CloudResource struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Type          string            `json:"type"`
	Location      string            `json:"location"`
	ResourceGroup string            `json:"resource_group"`
	Properties    map[string]any    `json:"properties,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// ProviderConfig is the resolved connection configuration handed to a factory.
type ProviderConfig struct {
	SubscriptionID string `json:"subscription_id,omitempty"`
	ProjectID      string `json:"project_id,omitempty"`
	Region         string `json:"region,omitempty"`
	CloudPlatform  string `json:"cloud_platform,omitempty"`
}
