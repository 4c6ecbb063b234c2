package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/iac-studio/orchestrator/internal/provisioner"
	"github.com/iac-studio/orchestrator/internal/provisioner/runner"
	"github.com/iac-studio/orchestrator/pkg/logger"
	"go.uber.org/zap"
)

const paramsSchema = "https://schema.management.azure.com/schemas/2019-04-01/deploymentParameters.json#"

var locations = []string{
	"eastus", "eastus2", "westus", "westus2", "westus3", "centralus",
	"northcentralus", "southcentralus", "northeurope", "westeurope",
	"uksouth", "ukwest", "francecentral", "germanywestcentral", "norwayeast",
	"switzerlandnorth", "swedencentral", "southeastasia", "eastasia",
	"australiaeast", "japaneast", "koreacentral", "canadacentral",
	"brazilsouth", "southafricanorth", "uaenorth", "centralindia",
}

type Options struct {
	Config     provisioner.ProviderConfig
	Runner     runner.Runner
	Bin        string
	WorkingDir string
	Timeout    time.Duration
}

// Provider deploys ARM and Bicep templates with az deployment group create.
type Provider struct {
	cli        *CLI
	region     string
	workingDir string
}

var _ provisioner.Provider = (*Provider)(nil)

func New(opts Options) (*Provider, error) {
	bin := opts.Bin
	if bin == "" {
		bin = "az"
	}
	path, err := opts.Runner.LookPath(bin)
	if err != nil {
		return nil, provisioner.Configuration(providerName, "Azure CLI is not installed or not in PATH")
	}
	if opts.Config.SubscriptionID == "" {
		logger.L().Warn("no Azure subscription configured, az will use its default")
	}
	return &Provider{
		cli: &CLI{
			Runner:         opts.Runner,
			Bin:            path,
			SubscriptionID: opts.Config.SubscriptionID,
			Timeout:        opts.Timeout,
		},
		region:     opts.Config.Region,
		workingDir: opts.WorkingDir,
	}, nil
}

func (p *Provider) Type() string { return providerName }

func (p *Provider) SupportedLocations() []string {
	return append([]string(nil), locations...)
}

func (p *Provider) Deploy(ctx context.Context, req provisioner.DeployRequest) (*provisioner.Result, error) {
	log := logger.ForDeployment(req.DeploymentID)

	location := req.Location
	if location == "" {
		location = p.region
	}
	if location == "" {
		location = provisioner.DefaultLocation(provisioner.CloudAzure)
	}

	if !p.cli.GroupExists(ctx, req.ResourceGroup) {
		if _, err := p.cli.CreateGroup(ctx, req.ResourceGroup, location, nil); err != nil {
			return nil, wrap(err, "Failed to create/verify resource group")
		}
		log.Info("resource group created", zap.String("resource_group", req.ResourceGroup))
	}

	tpl, err := p.loadTemplate(ctx, req.TemplatePath)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(p.workingDir, req.DeploymentID+"-")
	if err != nil {
		return nil, provisioner.Provisioning(providerName, "create working dir: %v", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("failed to remove working dir", zap.String("dir", dir), zap.Error(err))
		}
	}()

	templateFile := filepath.Join(dir, "template.json")
	paramsFile := filepath.Join(dir, "parameters.json")
	if err := writeJSON(templateFile, tpl); err != nil {
		return nil, err
	}
	if err := writeJSON(paramsFile, BuildParametersFile(tpl, req.Parameters, location)); err != nil {
		return nil, err
	}

	name := deploymentName(req.DeploymentID)
	var d deploymentJSON
	err = p.cli.runJSON(ctx, p.cli.Timeout, &d,
		"deployment", "group", "create",
		"--name", name,
		"--resource-group", req.ResourceGroup,
		"--template-file", templateFile,
		"--parameters", "@"+paramsFile,
		"--mode", "Incremental",
	)
	if err != nil {
		return nil, wrap(err, "Deployment failed")
	}

	log.Info("azure deployment finished",
		zap.String("deployment_name", name),
		zap.String("provisioning_state", d.Properties.ProvisioningState),
	)

	return &provisioner.Result{
		Status:           statusOf(d.Properties.ProvisioningState),
		ResourceID:       d.ID,
		ResourceGroup:    req.ResourceGroup,
		ResourcesCreated: d.resources(),
		Outputs:          d.outputs(),
		Message:          "Deployment completed successfully",
		Metadata: map[string]string{
			"deployment_name":    name,
			"provisioning_state": d.Properties.ProvisioningState,
		},
		Timestamp: time.Now().UTC(),
	}, nil
}

// GetStatus reads provisioningState; the id may be a full ARM id or a bare name.
func (p *Provider) GetStatus(ctx context.Context, provisioningID, group string) (provisioner.Status, error) {
	name := provisioningID
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	var d deploymentJSON
	if err := p.cli.runJSON(ctx, queryTimeout, &d,
		"deployment", "group", "show", "--name", name, "--resource-group", group); err != nil {
		logger.L().Warn("failed to get deployment status", zap.String("deployment", name), zap.Error(err))
		return provisioner.StatusFailed, err
	}
	return statusOf(d.Properties.ProvisioningState), nil
}

func (p *Provider) ListGroups(ctx context.Context) ([]provisioner.ResourceGroup, error) {
	return p.cli.ListGroups(ctx)
}

func (p *Provider) CreateGroup(ctx context.Context, name, location string, tags map[string]string) (*provisioner.ResourceGroup, error) {
	return p.cli.CreateGroup(ctx, name, location, tags)
}

func (p *Provider) DeleteGroup(ctx context.Context, name string) error {
	return p.cli.DeleteGroup(ctx, name)
}

func (p *Provider) ListResources(ctx context.Context, group string) ([]provisioner.CloudResource, error) {
	return p.cli.ListResources(ctx, group)
}

// Validate compiles Bicep or parses ARM JSON. It does not contact Azure.
func (p *Provider) Validate(ctx context.Context, templatePath string, _ map[string]any) error {
	_, err := p.loadTemplate(ctx, templatePath)
	return err
}

// loadTemplate returns the ARM document, building Bicep first when needed.
func (p *Provider) loadTemplate(ctx context.Context, path string) (map[string]any, error) {
	var raw string
	if strings.EqualFold(filepath.Ext(path), ".bicep") {
		out, err := p.cli.run(ctx, queryTimeout*4, "bicep", "build", "--file", path, "--stdout")
		if err != nil {
			return nil, wrap(err, "Failed to compile Bicep template "+filepath.Base(path))
		}
		raw = out
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, provisioner.Provisioning(providerName, "Failed to load ARM template: %v", err)
		}
		raw = string(data)
	}

	var tpl map[string]any
	if err := decodeJSON(raw, &tpl); err != nil {
		return nil, provisioner.Provisioning(providerName, "Failed to parse template %s: %v", filepath.Base(path), err)
	}
	return tpl, nil
}

// BuildParametersFile renders an ARM deployment parameters document. Only
// parameters the template declares are passed, coerced to the declared type.
func BuildParametersFile(tpl map[string]any, params map[string]any, location string) map[string]any {
	declared, _ := tpl["parameters"].(map[string]any)

	values := map[string]any{}
	if _, ok := declared["location"]; ok {
		values["location"] = map[string]any{"value": location}
	}
	for name, v := range params {
		if v == nil || name == "location" {
			continue
		}
		def, ok := declared[name].(map[string]any)
		if !ok {
			continue
		}
		// unwrap {"value": x} from callers that already speak ARM
		for {
			m, isMap := v.(map[string]any)
			inner, has := m["value"]
			if !isMap || !has {
				break
			}
			v = inner
		}
		typ, _ := def["type"].(string)
		values[name] = map[string]any{"value": coerce(v, strings.ToLower(typ))}
	}

	return map[string]any{
		"$schema":        paramsSchema,
		"contentVersion": "1.0.0.0",
		"parameters":     values,
	}
}

func coerce(v any, typ string) any {
	s, isString := v.(string)
	switch typ {
	case "array":
		if isString {
			var arr []any
			if err := json.Unmarshal([]byte(s), &arr); err == nil {
				return arr
			}
			if strings.Contains(s, ",") {
				parts := strings.Split(s, ",")
				out := make([]any, 0, len(parts))
				for _, p := range parts {
					out = append(out, strings.TrimSpace(p))
				}
				return out
			}
			return []any{s}
		}
		if _, ok := v.([]any); !ok {
			return []any{v}
		}
	case "object":
		if isString {
			var obj map[string]any
			if err := json.Unmarshal([]byte(s), &obj); err != nil {
				return map[string]any{}
			}
			return obj
		}
	case "bool":
		if isString {
			switch strings.ToLower(s) {
			case "true", "yes", "1", "on":
				return true
			}
			return false
		}
	case "int":
		if isString {
			if s == "" {
				return 0
			}
			if n, err := strconv.Atoi(s); err == nil {
				return n
			}
			logger.L().Warn("failed to convert parameter to int", zap.String("value", s))
		}
	}
	return v
}

func deploymentName(id string) string {
	if id == "" {
		return "deployment-" + time.Now().UTC().Format("20060102-150405")
	}
	return id
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return provisioner.Provisioning(providerName, "encode %s: %v", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return provisioner.Provisioning(providerName, "write %s: %v", filepath.Base(path), err)
	}
	return nil
}

// wrap prefixes a provisioning failure's message; other failures pass through.
func wrap(err error, prefix string) error {
	f, ok := provisioner.AsFailure(err)
	if !ok || f.Kind != provisioner.KindProvisioning {
		return err
	}
	return &provisioner.Failure{
		Kind:     f.Kind,
		Provider: f.Provider,
		Message:  fmt.Sprintf("%s: %s", prefix, f.Message),
		Details:  f.Details,
		Err:      f.Err,
	}
}
