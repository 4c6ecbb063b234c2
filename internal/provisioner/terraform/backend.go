package terraform

import (
	"fmt"

	"github.com/iac-studio/orchestrator/internal/provisioner"
	"github.com/iac-studio/orchestrator/internal/provisioner/compiler"
)

const (
	BackendLocal   = "local"
	BackendAzureRM = "azurerm"
	BackendGCS     = "gcs"
	BackendS3      = "s3"

	stateContainer = "terraform-state"
	s3Region       = "us-east-1"
)

// BackendOptions names the remote state stores available to the worker.
type BackendOptions struct {
	S3Bucket           string
	GCSBucket          string
	StorageAccount     string
	StateResourceGroup string
}

// StateKey is where a deployment's state lives in a remote backend.
func StateKey(deploymentID string) string {
	return fmt.Sprintf("terraform-states/%s/terraform.tfstate", deploymentID)
}

// SelectBackend picks the state backend for a deployment. The cloud's own
// store wins; S3 is the fallback; without either the state stays local.
func SelectBackend(cloud provisioner.Cloud, deploymentID string, opts BackendOptions) compiler.Backend {
	switch {
	case cloud == provisioner.CloudAzure && opts.StorageAccount != "":
		cfg := map[string]any{
			"storage_account_name": opts.StorageAccount,
			"container_name":       stateContainer,
			"key":                  StateKey(deploymentID),
			"use_azuread_auth":     true,
		}
		if opts.StateResourceGroup != "" {
			cfg["resource_group_name"] = opts.StateResourceGroup
		}
		return compiler.Backend{Type: BackendAzureRM, Config: cfg}

	case cloud == provisioner.CloudGCP && opts.GCSBucket != "":
		return compiler.Backend{Type: BackendGCS, Config: map[string]any{
			"bucket": opts.GCSBucket,
			"prefix": fmt.Sprintf("%s/%s", stateContainer, deploymentID),
		}}

	case opts.S3Bucket != "":
		return compiler.Backend{Type: BackendS3, Config: map[string]any{
			"bucket":  opts.S3Bucket,
			"key":     StateKey(deploymentID),
			"region":  s3Region,
			"encrypt": true,
		}}
	}
	return compiler.Backend{Type: BackendLocal, Config: map[string]any{"path": "terraform.tfstate"}}
}

// remote returns the backend to render into backend.tf, nil for local state.
func remote(b compiler.Backend) *compiler.Backend {
	if b.Type == BackendLocal {
		return nil
	}
	return &b
}
