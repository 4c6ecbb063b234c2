// Package terraform provisions templates by driving the terraform CLI
// through init, plan and apply in a per-deployment working directory.
package terraform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/iac-studio/orchestrator/internal/provisioner"
	"github.com/iac-studio/orchestrator/internal/provisioner/azure"
	"github.com/iac-studio/orchestrator/internal/provisioner/compiler"
	"github.com/iac-studio/orchestrator/internal/provisioner/runner"
	"github.com/iac-studio/orchestrator/pkg/logger"
	"go.uber.org/zap"
)

const providerName = "terraform"

var supportedLocations = map[provisioner.Cloud][]string{
	provisioner.CloudAzure: {"eastus", "westus", "westeurope", "northeurope", "norwayeast"},
	provisioner.CloudGCP:   {"us-central1", "us-east1", "europe-west1", "asia-east1"},
}

type Options struct {
	Cloud       provisioner.Cloud
	Config      provisioner.ProviderConfig
	Credentials compiler.Credentials
	Backends    BackendOptions

	Bin            string
	AzBin          string
	WorkingDir     string
	CommandTimeout time.Duration

	Runner   runner.Runner
	Compiler *compiler.Compiler
	// Inspector defaults to terraform-exec against Bin.
	Inspector Inspector
	// States may be nil, in which case snapshots are not persisted.
	States StateStore
}

type Provider struct {
	opts Options
	bin  string
	az   *azure.CLI
}

var _ provisioner.Provider = (*Provider)(nil)

// New checks the terraform binary and returns a provider for opts.Cloud.
func New(opts Options) (*Provider, error) {
	if opts.Bin == "" {
		opts.Bin = "terraform"
	}
	bin, err := opts.Runner.LookPath(opts.Bin)
	if err != nil {
		return nil, provisioner.Configuration(providerName,
			"Terraform is not installed or not in PATH. Please install Terraform: https://www.terraform.io/downloads")
	}
	if _, ok := supportedLocations[opts.Cloud]; !ok {
		return nil, provisioner.Configuration(providerName, "Unsupported cloud platform: %s", opts.Cloud)
	}
	if opts.Compiler == nil {
		opts.Compiler = compiler.NewCompiler()
	}
	if opts.Inspector == nil {
		opts.Inspector = NewExecInspector(bin)
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 10 * time.Minute
	}
	if opts.WorkingDir == "" {
		opts.WorkingDir = os.TempDir()
	}
	if opts.AzBin == "" {
		opts.AzBin = "az"
	}

	p := &Provider{opts: opts, bin: bin}
	if opts.Cloud == provisioner.CloudAzure {
		p.az = &azure.CLI{
			Runner:         opts.Runner,
			Bin:            opts.AzBin,
			SubscriptionID: opts.Config.SubscriptionID,
			Timeout:        opts.CommandTimeout,
		}
	}

	logger.L().Info("terraform provider initialized", zap.String("cloud", string(opts.Cloud)))
	return p, nil
}

func (p *Provider) Type() string { return providerName }

func (p *Provider) SupportedLocations() []string {
	return append([]string(nil), supportedLocations[p.opts.Cloud]...)
}

func (p *Provider) Deploy(ctx context.Context, req provisioner.DeployRequest) (*provisioner.Result, error) {
	log := logger.ForDeployment(req.DeploymentID)

	tpl, err := os.ReadFile(req.TemplatePath)
	if err != nil {
		return nil, provisioner.Provisioning(providerName, "Failed to read template %s: %v", req.TemplatePath, err)
	}

	location := req.Location
	if location == "" {
		location = p.opts.Config.Region
	}
	if location == "" {
		location = provisioner.DefaultLocation(p.opts.Cloud)
	}

	createGroup := false
	if p.opts.Cloud == provisioner.CloudAzure && req.ResourceGroup != "" {
		createGroup = !p.az.GroupExists(ctx, req.ResourceGroup)
	}

	backend := SelectBackend(p.opts.Cloud, req.DeploymentID, p.opts.Backends)
	creds := p.opts.Credentials
	if creds.ProjectID == "" {
		creds.ProjectID = p.opts.Config.ProjectID
	}
	if creds.SubscriptionID == "" {
		creds.SubscriptionID = p.opts.Config.SubscriptionID
	}

	bundle, err := p.opts.Compiler.Compile(compiler.Spec{
		DeploymentID:  req.DeploymentID,
		Cloud:         p.opts.Cloud,
		Template:      string(tpl),
		Parameters:    req.Parameters,
		ResourceGroup: req.ResourceGroup,
		Location:      location,
		CreateGroup:   createGroup,
		Credentials:   creds,
		Backend:       remote(backend),
	})
	if err != nil {
		return nil, err
	}
	dir, err := bundle.Materialize(p.opts.WorkingDir, req.DeploymentID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("failed to remove working dir", zap.String("dir", dir), zap.Error(err))
		}
	}()

	log.Info("generated terraform configuration",
		zap.String("dir", dir),
		zap.String("backend", backend.Type),
		zap.Bool("create_resource_group", createGroup),
	)

	phases := []struct {
		name string
		args []string
	}{
		{"init", []string{"init", "-input=false", "-no-color"}},
		{"plan", []string{"plan", "-var-file=terraform.tfvars", "-input=false", "-no-color", "-out=tfplan"}},
		{"apply", []string{"apply", "-input=false", "-no-color", "-auto-approve", "tfplan"}},
	}
	for _, ph := range phases {
		if err := p.terraform(ctx, dir, ph.name, ph.args...); err != nil {
			return nil, err
		}
	}

	outputs, err := p.opts.Inspector.Outputs(ctx, dir)
	if err != nil {
		log.Warn("failed to read terraform outputs", zap.Error(err))
		outputs = map[string]any{}
	}

	if p.opts.States != nil {
		state, err := p.opts.Inspector.State(ctx, dir)
		if err != nil {
			log.Warn("failed to read terraform state", zap.Error(err))
		} else if err := p.opts.States.SaveState(ctx, req.DeploymentID, backend, state); err != nil {
			log.Warn("failed to persist terraform state", zap.Error(err))
		}
	}

	return &provisioner.Result{
		Status:        provisioner.StatusSucceeded,
		ResourceID:    req.DeploymentID,
		ResourceGroup: req.ResourceGroup,
		Outputs:       outputs,
		Message:       "Terraform deployment completed successfully",
		Metadata: map[string]string{
			"cloud_platform": string(p.opts.Cloud),
			"state_backend":  backend.Type,
		},
		Timestamp: time.Now().UTC(),
	}, nil
}

// terraform runs one phase; a nonzero exit becomes a provisioning failure
// carrying the full output.
func (p *Provider) terraform(ctx context.Context, dir, phase string, args ...string) error {
	logger.L().Info("running terraform", zap.String("phase", phase), zap.String("dir", dir))

	out, err := p.opts.Runner.Run(ctx, runner.Command{
		Name:    p.bin,
		Args:    args,
		Dir:     dir,
		Env:     p.env(),
		Timeout: p.opts.CommandTimeout,
	})
	if err != nil {
		var te *runner.TimeoutError
		switch {
		case errors.As(err, &te):
			return provisioner.Timeout(providerName,
				fmt.Sprintf("Terraform %s timed out after %s", phase, te.Timeout), err).
				WithPartialOutput(te.Output)
		case errors.Is(err, runner.ErrToolNotFound):
			return provisioner.Configuration(providerName, "Terraform is not installed or not in PATH")
		default:
			return &provisioner.Failure{Kind: provisioner.KindProvisioning, Provider: providerName,
				Message: fmt.Sprintf("Failed to execute Terraform %s: %v", phase, err), Err: err}
		}
	}
	if !out.Success() {
		return &provisioner.Failure{
			Kind:     provisioner.KindProvisioning,
			Provider: providerName,
			Message:  fmt.Sprintf("Terraform %s failed: %s", phase, strings.TrimSpace(out.Text)),
			Details:  map[string]any{"phase": phase, "exit_code": out.ExitCode},
		}
	}
	return nil
}

func (p *Provider) env() map[string]string {
	env := map[string]string{
		"TF_IN_AUTOMATION": "1",
		"TF_INPUT":         "0",
	}
	switch p.opts.Cloud {
	case provisioner.CloudAzure:
		if s := p.opts.Config.SubscriptionID; s != "" {
			env["ARM_SUBSCRIPTION_ID"] = s
		}
	case provisioner.CloudGCP:
		if pr := p.opts.Config.ProjectID; pr != "" {
			env["GOOGLE_PROJECT"] = pr
		}
	}
	return env
}

// GetStatus always reports success: terraform does not track deployments
// after apply returns.
func (p *Provider) GetStatus(context.Context, string, string) (provisioner.Status, error) {
	return provisioner.StatusSucceeded, nil
}

func (p *Provider) ListGroups(ctx context.Context) ([]provisioner.ResourceGroup, error) {
	if p.az == nil {
		return nil, p.unsupported("listing resource groups")
	}
	return p.az.ListGroups(ctx)
}

func (p *Provider) CreateGroup(ctx context.Context, name, location string, tags map[string]string) (*provisioner.ResourceGroup, error) {
	if p.az == nil {
		return nil, p.unsupported("creating resource groups")
	}
	return p.az.CreateGroup(ctx, name, location, tags)
}

func (p *Provider) DeleteGroup(ctx context.Context, name string) error {
	if p.az == nil {
		return p.unsupported("deleting resource groups")
	}
	return p.az.DeleteGroup(ctx, name)
}

func (p *Provider) ListResources(ctx context.Context, group string) ([]provisioner.CloudResource, error) {
	if p.az == nil {
		return nil, p.unsupported("listing resources")
	}
	return p.az.ListResources(ctx, group)
}

func (p *Provider) unsupported(op string) error {
	return provisioner.Configuration(providerName, "%s is not supported for %s", op, p.opts.Cloud)
}

// Validate checks the template is readable and compiles with params.
func (p *Provider) Validate(_ context.Context, templatePath string, params map[string]any) error {
	tpl, err := os.ReadFile(templatePath)
	if err != nil {
		return provisioner.Provisioning(providerName, "Failed to read template %s: %v", templatePath, err)
	}
	_, err = p.opts.Compiler.Compile(compiler.Spec{
		Cloud:      p.opts.Cloud,
		Template:   string(tpl),
		Parameters: params,
		Location:   p.opts.Config.Region,
	})
	return err
}
