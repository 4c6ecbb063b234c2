package compiler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/iac-studio/orchestrator/internal/provisioner"
	"github.com/stretchr/testify/require"
)

const bucketTemplate = `variable "bucket_name" {
  type = string
}

resource "google_storage_bucket" "b" {
  name     = var.bucket_name
  location = var.location
}
`

func gcpSpec() Spec {
	return Spec{
		DeploymentID: "d1",
		Cloud:        provisioner.CloudGCP,
		Template:     bucketTemplate,
		Parameters: map[string]any{
			"bucket_name": "b1",
			"project_id":  "p1",
			"location":    "us-central1",
			"labels":      map[string]any{"env": "prod"},
		},
		Location: "us-central1",
	}
}

func TestCompileGCP(t *testing.T) {
	b, err := NewCompiler().Compile(gcpSpec())
	require.NoError(t, err)

	provider, ok := b.File("provider.tf")
	require.True(t, ok)
	require.Contains(t, provider, `source  = "hashicorp/google"`)
	require.Contains(t, provider, `project = "p1"`)
	require.Contains(t, provider, `region  = "us-central1"`)

	main, _ := b.File("main.tf")
	require.Equal(t, bucketTemplate, main)

	_, ok = b.File("resource_group.tf")
	require.False(t, ok)
	_, ok = b.File("backend.tf")
	require.False(t, ok)

	vars, _ := b.File("variables.tf")
	require.NotContains(t, vars, `variable "bucket_name"`)
	require.Contains(t, vars, "variable \"labels\" {\n  type = any\n}")
	require.Contains(t, vars, "variable \"location\" {\n  type = string\n}")

	tfvars, _ := b.File("terraform.tfvars")
	require.Equal(t, `bucket_name = "b1"
labels = {"env":"prod"}
location = "us-central1"
project_id = "p1"
`, tfvars)
}

func TestCompileAzureCreatesGroup(t *testing.T) {
	spec := Spec{
		DeploymentID:  "d2",
		Cloud:         provisioner.CloudAzure,
		Template:      `resource "azurerm_storage_account" "sa" {}`,
		Parameters:    map[string]any{"resource_group_name": "rg1", "location": "eastus", "subscription_id": "s"},
		ResourceGroup: "rg1",
		Location:      "eastus",
		CreateGroup:   true,
		Credentials:   Credentials{SubscriptionID: "s", TenantID: "t", ClientID: "c", ClientSecret: "secret"},
	}
	b, err := NewCompiler().Compile(spec)
	require.NoError(t, err)

	rg, ok := b.File("resource_group.tf")
	require.True(t, ok)
	require.Contains(t, rg, `resource "azurerm_resource_group" "deployment_rg"`)

	provider, _ := b.File("provider.tf")
	require.Contains(t, provider, "features {}")
	require.Contains(t, provider, `client_secret   = "secret"`)

	t.Run("existing group is not recreated", func(t *testing.T) {
		spec.CreateGroup = false
		b, err := NewCompiler().Compile(spec)
		require.NoError(t, err)
		_, ok := b.File("resource_group.tf")
		require.False(t, ok)
	})

	t.Run("cli auth without service principal", func(t *testing.T) {
		spec.Credentials.ClientSecret = ""
		b, err := NewCompiler().Compile(spec)
		require.NoError(t, err)
		provider, _ := b.File("provider.tf")
		require.NotContains(t, provider, "client_id")
	})
}

func TestCompileKeepsTemplateProviderBlocks(t *testing.T) {
	tpl := `terraform {
  required_providers {
    google = { source = "hashicorp/google" }
  }
}

provider "google" {
  project = var.project_id
}

resource "google_compute_network" "n" {}
`
	spec := gcpSpec()
	spec.Template = tpl
	b, err := NewCompiler().Compile(spec)
	require.NoError(t, err)
	provider, _ := b.File("provider.tf")
	require.Empty(t, provider)
}

func TestCompilePlaceholderForNonTerraform(t *testing.T) {
	spec := Spec{
		Cloud:         provisioner.CloudAzure,
		Template:      `{"$schema": "x", "resources": [], "parameters": {}}`,
		Parameters:    map[string]any{"resource_group_name": "rg1", "location": "eastus"},
		ResourceGroup: "rg1",
	}
	b, err := NewCompiler().Compile(spec)
	require.NoError(t, err)
	main, _ := b.File("main.tf")
	require.Contains(t, main, "# template sections: $schema, parameters, resources")
	require.Contains(t, main, `data "azurerm_resource_group" "main"`)
}

func TestCompileBackend(t *testing.T) {
	spec := gcpSpec()
	spec.Backend = &Backend{Type: "gcs", Config: map[string]any{"bucket": "state", "prefix": "terraform-state/d1"}}
	b, err := NewCompiler().Compile(spec)
	require.NoError(t, err)
	be, ok := b.File("backend.tf")
	require.True(t, ok)
	require.Equal(t, "terraform {\n  backend \"gcs\" {\n    bucket = \"state\"\n    prefix = \"terraform-state/d1\"\n  }\n}\n", be)
}

func TestCompileErrors(t *testing.T) {
	t.Run("unknown cloud", func(t *testing.T) {
		spec := gcpSpec()
		spec.Cloud = "aws"
		_, err := NewCompiler().Compile(spec)
		require.True(t, provisioner.IsKind(err, provisioner.KindConfiguration))
	})

	t.Run("bad parameter name", func(t *testing.T) {
		spec := gcpSpec()
		spec.Parameters["bad name"] = "x"
		_, err := NewCompiler().Compile(spec)
		require.True(t, provisioner.IsKind(err, provisioner.KindProvisioning))
	})

	t.Run("group creation needs parameters", func(t *testing.T) {
		_, err := NewCompiler().Compile(Spec{Cloud: provisioner.CloudAzure, CreateGroup: true, Template: "resource \"x\" \"y\" {}"})
		require.ErrorContains(t, err, "resource_group_name")
	})
}

func TestRenderTFVars(t *testing.T) {
	out, err := RenderTFVars(map[string]any{
		"name":    `say "hi" ${var.x}`,
		"count":   3,
		"enabled": true,
		"zones":   []string{"1", "2"},
		"nothing": nil,
	})
	require.NoError(t, err)
	require.Equal(t, strings.Join([]string{
		`count = 3`,
		`enabled = true`,
		`name = "say \"hi\" $${var.x}"`,
		`nothing = null`,
		`zones = ["1","2"]`,
		``,
	}, "\n"), out)
}

func TestMaterialize(t *testing.T) {
	parent := t.TempDir()

	b, err := NewCompiler().Compile(gcpSpec())
	require.NoError(t, err)
	dir, err := b.Materialize(parent, "d1")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(filepath.Base(dir), "d1-"))

	for _, f := range b.Files {
		data, err := os.ReadFile(filepath.Join(dir, f.Name))
		require.NoError(t, err)
		require.Equal(t, f.Content, string(data))
	}

	t.Run("fresh directory per call", func(t *testing.T) {
		other, err := b.Materialize(parent, "d1")
		require.NoError(t, err)
		require.NotEqual(t, dir, other)
	})

	t.Run("failed write leaves nothing behind", func(t *testing.T) {
		clean := t.TempDir()
		bad := &Bundle{Files: []File{{Name: "main.tf", Content: "x"}, {Name: "missing/sub.tf", Content: "y"}}}
		_, err := bad.Materialize(clean, "d9")
		require.True(t, provisioner.IsKind(err, provisioner.KindProvisioning))
		entries, err := os.ReadDir(clean)
		require.NoError(t, err)
		require.Empty(t, entries)
	})
}
