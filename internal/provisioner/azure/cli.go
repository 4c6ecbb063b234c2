// Package azure provisions ARM and Bicep templates through the az CLI.
package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/iac-studio/orchestrator/internal/provisioner"
	"github.com/iac-studio/orchestrator/internal/provisioner/runner"
	"github.com/iac-studio/orchestrator/pkg/logger"
	"go.uber.org/zap"
)

const (
	providerName = "azure"
	// quick lookups such as group show
	queryTimeout = 30 * time.Second
)

// CLI wraps the az commands the providers need.
type CLI struct {
	Runner         runner.Runner
	Bin            string
	SubscriptionID string
	// Timeout bounds long-running commands such as deployment create.
	Timeout time.Duration
}

func (c *CLI) cmd(timeout time.Duration, args ...string) runner.Command {
	if c.SubscriptionID != "" && len(args) > 0 && args[0] != "bicep" {
		args = append(args, "--subscription", c.SubscriptionID)
	}
	return runner.Command{Name: c.Bin, Args: args, Timeout: timeout}
}

// run executes az and fails on a nonzero exit.
func (c *CLI) run(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	out, err := c.Runner.Run(ctx, c.cmd(timeout, args...))
	if err != nil {
		var te *runner.TimeoutError
		if errors.As(err, &te) {
			return "", provisioner.Timeout(providerName,
				fmt.Sprintf("Azure CLI command 'az %s' timed out after %s", strings.Join(args[:min(3, len(args))], " "), te.Timeout), err).
				WithPartialOutput(te.Output)
		}
		if errors.Is(err, runner.ErrToolNotFound) {
			return "", provisioner.Configuration(providerName, "Azure CLI is not installed or not in PATH")
		}
		return "", &provisioner.Failure{Kind: provisioner.KindProvisioning, Provider: providerName,
			Message: fmt.Sprintf("Azure CLI command failed: %v", err), Err: err}
	}
	if !out.Success() {
		return out.Text, provisioner.Provisioning(providerName, "%s", strings.TrimSpace(out.Text))
	}
	return out.Text, nil
}

// runJSON runs az with -o json and decodes the first JSON document in the output.
func (c *CLI) runJSON(ctx context.Context, timeout time.Duration, v any, args ...string) error {
	text, err := c.run(ctx, timeout, append(args, "-o", "json")...)
	if err != nil {
		return err
	}
	if err := decodeJSON(text, v); err != nil {
		return provisioner.Provisioning(providerName, "unexpected az output: %v", err)
	}
	return nil
}

// decodeJSON skips any leading WARNING lines az prints before the document.
func decodeJSON(text string, v any) error {
	start := strings.IndexAny(text, "[{")
	if start < 0 {
		return fmt.Errorf("no JSON document in output")
	}
	return json.NewDecoder(strings.NewReader(text[start:])).Decode(v)
}

// GroupExists reports whether the resource group exists. Any failure counts as absent.
func (c *CLI) GroupExists(ctx context.Context, name string) bool {
	out, err := c.Runner.Run(ctx, c.cmd(queryTimeout, "group", "show", "--name", name, "--query", "name", "-o", "tsv"))
	if err != nil {
		logger.L().Warn("could not check resource group, assuming it does not exist",
			zap.String("resource_group", name), zap.Error(err))
		return false
	}
	exists := out.Success() && strings.Contains(out.Text, name)
	logger.L().Info("resource group lookup", zap.String("resource_group", name), zap.Bool("exists", exists))
	return exists
}

type groupJSON struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Location string            `json:"location"`
	Tags     map[string]string `json:"tags"`
}

func (g groupJSON) toGroup() provisioner.ResourceGroup {
	return provisioner.ResourceGroup{Name: g.Name, Location: g.Location, Tags: g.Tags, ProviderID: g.ID}
}

func (c *CLI) ListGroups(ctx context.Context) ([]provisioner.ResourceGroup, error) {
	var raw []groupJSON
	if err := c.runJSON(ctx, queryTimeout, &raw, "group", "list"); err != nil {
		return nil, err
	}
	out := make([]provisioner.ResourceGroup, 0, len(raw))
	for _, g := range raw {
		out = append(out, g.toGroup())
	}
	return out, nil
}

func (c *CLI) CreateGroup(ctx context.Context, name, location string, tags map[string]string) (*provisioner.ResourceGroup, error) {
	args := []string{"group", "create", "--name", name, "--location", location}
	if len(tags) > 0 {
		args = append(args, "--tags")
		keys := make([]string, 0, len(tags))
		for k := range tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			args = append(args, k+"="+tags[k])
		}
	}
	var g groupJSON
	if err := c.runJSON(ctx, queryTimeout, &g, args...); err != nil {
		return nil, err
	}
	rg := g.toGroup()
	return &rg, nil
}

func (c *CLI) DeleteGroup(ctx context.Context, name string) error {
	_, err := c.run(ctx, queryTimeout, "group", "delete", "--name", name, "--yes", "--no-wait")
	return err
}

type resourceJSON struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Type          string            `json:"type"`
	Location      string            `json:"location"`
	ResourceGroup string            `json:"resourceGroup"`
	Tags          map[string]string `json:"tags"`
	Properties    map[string]any    `json:"properties"`
}

func (c *CLI) ListResources(ctx context.Context, group string) ([]provisioner.CloudResource, error) {
	var raw []resourceJSON
	if err := c.runJSON(ctx, queryTimeout, &raw, "resource", "list", "--resource-group", group); err != nil {
		return nil, err
	}
	out := make([]provisioner.CloudResource, 0, len(raw))
	for _, r := range raw {
		out = append(out, provisioner.CloudResource{
			ID:            r.ID,
			Name:          r.Name,
			Type:          r.Type,
			Location:      r.Location,
			ResourceGroup: r.ResourceGroup,
			Properties:    r.Properties,
			Tags:          r.Tags,
		})
	}
	return out, nil
}

type deploymentJSON struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Properties struct {
		ProvisioningState string `json:"provisioningState"`
		Outputs           map[string]struct {
			Type  string `json:"type"`
			Value any    `json:"value"`
		} `json:"outputs"`
		OutputResources []struct {
			ID string `json:"id"`
		} `json:"outputResources"`
	} `json:"properties"`
}

func (d deploymentJSON) outputs() map[string]any {
	out := make(map[string]any, len(d.Properties.Outputs))
	for k, v := range d.Properties.Outputs {
		out[k] = v.Value
	}
	return out
}

func (d deploymentJSON) resources() []string {
	ids := make([]string, 0, len(d.Properties.OutputResources))
	for _, r := range d.Properties.OutputResources {
		ids = append(ids, r.ID)
	}
	return ids
}

// statusOf maps an ARM provisioningState to a Status.
func statusOf(state string) provisioner.Status {
	switch strings.ToLower(state) {
	case "succeeded":
		return provisioner.StatusSucceeded
	case "failed":
		return provisioner.StatusFailed
	case "canceled", "cancelled":
		return provisioner.StatusCancelled
	case "running", "accepted", "deploying":
		return provisioner.StatusInProgress
	default:
		return provisioner.StatusPending
	}
}
