// Package builtin registers the providers shipped with the service.
package builtin

import (
	"github.com/iac-studio/orchestrator/internal/provisioner"
	"github.com/iac-studio/orchestrator/internal/provisioner/azure"
	"github.com/iac-studio/orchestrator/internal/provisioner/compiler"
	"github.com/iac-studio/orchestrator/internal/provisioner/runner"
	"github.com/iac-studio/orchestrator/internal/provisioner/terraform"
	"github.com/iac-studio/orchestrator/pkg/config"
)

// Registry builds the provider registry for cfg. states may be nil, in which
// case terraform state snapshots are not persisted.
func Registry(cfg *config.Config, run runner.Runner, states terraform.StateStore) *provisioner.Registry {
	reg := provisioner.NewRegistry()
	comp := compiler.NewCompiler()

	backends := terraform.BackendOptions{
		S3Bucket:           cfg.StateS3Bucket,
		GCSBucket:          cfg.StateGCSBucket,
		StorageAccount:     cfg.StateStorageAccount,
		StateResourceGroup: cfg.StateResourceGroup,
	}

	// process-wide values fill in whatever the request left empty
	resolve := func(pc provisioner.ProviderConfig, cloud provisioner.Cloud) provisioner.ProviderConfig {
		if pc.SubscriptionID == "" && cloud == provisioner.CloudAzure {
			pc.SubscriptionID = cfg.Azure.SubscriptionID
		}
		if pc.ProjectID == "" && cloud == provisioner.CloudGCP {
			pc.ProjectID = cfg.GoogleProjectID
		}
		pc.CloudPlatform = string(cloud)
		return pc
	}

	reg.Register("azure", func(pc provisioner.ProviderConfig) (provisioner.Provider, error) {
		return azure.New(azure.Options{
			Config:     resolve(pc, provisioner.CloudAzure),
			Runner:     run,
			Bin:        cfg.AzBin,
			WorkingDir: cfg.WorkingDir,
			Timeout:    cfg.CommandTimeout,
		})
	})

	terraformFor := func(fixed provisioner.Cloud) provisioner.Factory {
		return func(pc provisioner.ProviderConfig) (provisioner.Provider, error) {
			cloud := fixed
			if cloud == "" {
				cloud = provisioner.CloudOf("terraform", pc)
			}
			pc = resolve(pc, cloud)
			return terraform.New(terraform.Options{
				Cloud:  cloud,
				Config: pc,
				Credentials: compiler.Credentials{
					SubscriptionID: pc.SubscriptionID,
					TenantID:       cfg.Azure.TenantID,
					ClientID:       cfg.Azure.ClientID,
					ClientSecret:   cfg.Azure.ClientSecret,
					ProjectID:      pc.ProjectID,
				},
				Backends:       backends,
				Bin:            cfg.TerraformBin,
				AzBin:          cfg.AzBin,
				WorkingDir:     cfg.WorkingDir,
				CommandTimeout: cfg.CommandTimeout,
				Runner:         run,
				Compiler:       comp,
				States:         states,
			})
		}
	}
	reg.Register("terraform", terraformFor(""))
	reg.Register("terraform-azure", terraformFor(provisioner.CloudAzure))
	reg.Register("terraform-gcp", terraformFor(provisioner.CloudGCP))
	return reg
}
