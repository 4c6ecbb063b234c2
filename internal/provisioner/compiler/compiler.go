package compiler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/iac-studio/orchestrator/internal/provisioner"
)

// Compiler turns a template and its parameters into a self-contained
// Terraform configuration.
type Compiler struct {
	providers map[provisioner.Cloud]ProviderRenderer
}

// ProviderRenderer emits the terraform and provider blocks for one cloud.
type ProviderRenderer interface {
	// Name is the provider's local name, e.g. azurerm.
	Name() string
	RequiredProvider() string
	Render(spec Spec) string
}

// Credentials are bound into the provider block.
type Credentials struct {
	SubscriptionID string
	TenantID       string
	ClientID       string
	ClientSecret   string
	ProjectID      string
}

// Backend is a remote state backend rendered into backend.tf.
type Backend struct {
	Type   string
	Config map[string]any
}

// Spec is the full input of one compilation.
type Spec struct {
	DeploymentID  string
	Cloud         provisioner.Cloud
	Template      string
	Parameters    map[string]any
	ResourceGroup string
	Location      string
	// CreateGroup emits resource_group.tf. Only honoured for azure.
	CreateGroup bool
	Credentials Credentials
	// Backend is nil for local state.
	Backend *Backend
}

type File struct {
	Name    string
	Content string
}

// Bundle is a compiled configuration that has not been written yet.
type Bundle struct {
	Files []File
}

func NewCompiler() *Compiler {
	c := &Compiler{
		providers: make(map[provisioner.Cloud]ProviderRenderer),
	}

	c.RegisterProvider(provisioner.CloudAzure, azurermRenderer{})
	c.RegisterProvider(provisioner.CloudGCP, googleRenderer{})

	return c
}

func (c *Compiler) RegisterProvider(cloud provisioner.Cloud, r ProviderRenderer) {
	c.providers[cloud] = r
}

var (
	nativeBlock   = regexp.MustCompile(`(?m)^\s*(resource|module)\s+"`)
	declaredVar   = regexp.MustCompile(`(?m)^\s*variable\s+"([^"]+)"`)
	validVarName  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)
	requiredBlock = regexp.MustCompile(`(?m)^\s*required_providers\s*\{`)
)

// Compile renders every file of the configuration. It does not touch disk.
func (c *Compiler) Compile(spec Spec) (*Bundle, error) {
	renderer, ok := c.providers[spec.Cloud]
	if !ok {
		return nil, provisioner.Configuration("terraform", "Unsupported cloud platform: %s", spec.Cloud)
	}

	for k := range spec.Parameters {
		if !validVarName.MatchString(k) {
			return nil, provisioner.Provisioning("terraform", "invalid parameter name %q: must be a Terraform identifier", k)
		}
	}

	b := &Bundle{}

	var provider strings.Builder
	if !requiredBlock.MatchString(spec.Template) {
		provider.WriteString(renderTerraformBlock(renderer))
		provider.WriteString("\n")
	}
	if !strings.Contains(spec.Template, fmt.Sprintf(`provider "%s"`, renderer.Name())) {
		provider.WriteString(renderer.Render(spec))
	}
	b.add("provider.tf", provider.String())

	if spec.Backend != nil {
		b.add("backend.tf", renderBackend(*spec.Backend))
	}

	if nativeBlock.MatchString(spec.Template) {
		b.add("main.tf", spec.Template)
	} else {
		b.add("main.tf", placeholder(spec))
	}

	if spec.Cloud == provisioner.CloudAzure && spec.CreateGroup {
		for _, k := range []string{"resource_group_name", "location"} {
			if _, ok := spec.Parameters[k]; !ok {
				return nil, provisioner.Provisioning("terraform", "cannot create resource group: parameter %s is missing", k)
			}
		}
		b.add("resource_group.tf", resourceGroupTF)
	}

	b.add("variables.tf", renderVariables(spec.Template, spec.Parameters))

	tfvars, err := RenderTFVars(spec.Parameters)
	if err != nil {
		return nil, provisioner.Provisioning("terraform", "render terraform.tfvars: %v", err)
	}
	b.add("terraform.tfvars", tfvars)

	return b, nil
}

func (b *Bundle) add(name, content string) {
	b.Files = append(b.Files, File{Name: name, Content: content})
}

// File returns the content of the named file.
func (b *Bundle) File(name string) (string, bool) {
	for _, f := range b.Files {
		if f.Name == name {
			return f.Content, true
		}
	}
	return "", false
}

// Materialize writes the bundle into a new directory under parent and
// returns its path. On any error the directory is removed.
func (b *Bundle) Materialize(parent, prefix string) (string, error) {
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", provisioner.Provisioning("terraform", "create working dir: %v", err)
	}
	dir, err := os.MkdirTemp(parent, prefix+"-")
	if err != nil {
		return "", provisioner.Provisioning("terraform", "create working dir: %v", err)
	}

	for _, f := range b.Files {
		path := filepath.Join(dir, f.Name)
		// provider.tf can carry a client secret
		if err := os.WriteFile(path, []byte(f.Content), 0o600); err != nil {
			_ = os.RemoveAll(dir)
			return "", provisioner.Provisioning("terraform", "write %s: %v", f.Name, err)
		}
	}
	return dir, nil
}

const resourceGroupTF = `# created because the target resource group did not exist
resource "azurerm_resource_group" "deployment_rg" {
  name     = var.resource_group_name
  location = var.location

  tags = {
    ManagedBy = "Terraform"
    CreatedBy = "IaC-Studio"
  }
}
`

func renderTerraformBlock(r ProviderRenderer) string {
	return fmt.Sprintf(`terraform {
  required_providers {
    %s = %s
  }
}
`, r.Name(), r.RequiredProvider())
}

func renderBackend(be Backend) string {
	var sb strings.Builder
	sb.WriteString("terraform {\n")
	fmt.Fprintf(&sb, "  backend %q {\n", be.Type)
	keys := make([]string, 0, len(be.Config))
	for k := range be.Config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := literal(be.Config[k])
		if err != nil {
			v = fmt.Sprintf("%q", fmt.Sprint(be.Config[k]))
		}
		fmt.Fprintf(&sb, "    %s = %s\n", k, v)
	}
	sb.WriteString("  }\n}\n")
	return sb.String()
}

// placeholder stands in for templates that are not Terraform. It references
// the target group and records what the template declared.
func placeholder(spec Spec) string {
	var sb strings.Builder
	sb.WriteString("# template is not Terraform; no resources were converted\n")

	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(spec.Template), &top); err == nil && len(top) > 0 {
		keys := make([]string, 0, len(top))
		for k := range top {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(&sb, "# template sections: %s\n", strings.Join(keys, ", "))
	}

	if spec.Cloud == provisioner.CloudAzure && spec.ResourceGroup != "" {
		sb.WriteString("\n")
		if spec.CreateGroup {
			sb.WriteString("output \"resource_group_id\" {\n  value = azurerm_resource_group.deployment_rg.id\n}\n")
		} else {
			fmt.Fprintf(&sb, "data \"azurerm_resource_group\" \"main\" {\n  name = %q\n}\n\n", spec.ResourceGroup)
			sb.WriteString("output \"resource_group_id\" {\n  value = data.azurerm_resource_group.main.id\n}\n")
		}
	}
	return sb.String()
}

// renderVariables declares every parameter the template does not declare itself.
func renderVariables(template string, params map[string]any) string {
	declared := make(map[string]bool)
	for _, m := range declaredVar.FindAllStringSubmatch(template, -1) {
		declared[m[1]] = true
	}

	var sb strings.Builder
	for _, k := range sortedKeys(params) {
		if declared[k] {
			continue
		}
		fmt.Fprintf(&sb, "variable %q {\n  type = %s\n}\n\n", k, typeOf(params[k]))
	}
	return sb.String()
}

func typeOf(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case int, int32, int64, float32, float64, json.Number:
		return "number"
	default:
		return "any"
	}
}

// RenderTFVars serialises params as a tfvars file: sorted keys, strings
// quoted, everything else JSON.
func RenderTFVars(params map[string]any) (string, error) {
	var sb strings.Builder
	for _, k := range sortedKeys(params) {
		v, err := literal(params[k])
		if err != nil {
			return "", fmt.Errorf("%s: %w", k, err)
		}
		fmt.Fprintf(&sb, "%s = %s\n", k, v)
	}
	return sb.String(), nil
}

func literal(v any) (string, error) {
	var sb strings.Builder
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	out := strings.TrimSuffix(sb.String(), "\n")
	// tfvars strings are templates; keep interpolation markers literal
	out = strings.ReplaceAll(out, "${", "$${")
	out = strings.ReplaceAll(out, "%{", "%%{")
	return out, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
