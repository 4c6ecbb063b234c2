package compiler

import (
	"fmt"
	"strings"
)

type azurermRenderer struct{}

func (azurermRenderer) Name() string { return "azurerm" }

func (azurermRenderer) RequiredProvider() string {
	return `{
      source  = "hashicorp/azurerm"
      version = "~> 3.0"
    }`
}

func (azurermRenderer) Render(spec Spec) string {
	cr := spec.Credentials
	var sb strings.Builder
	sb.WriteString("provider \"azurerm\" {\n  features {}\n")
	fmt.Fprintf(&sb, "  subscription_id = %q\n", cr.SubscriptionID)
	// without a full service principal the az CLI login is used
	if cr.TenantID != "" && cr.ClientID != "" && cr.ClientSecret != "" {
		fmt.Fprintf(&sb, "  tenant_id       = %q\n", cr.TenantID)
		fmt.Fprintf(&sb, "  client_id       = %q\n", cr.ClientID)
		fmt.Fprintf(&sb, "  client_secret   = %q\n", cr.ClientSecret)
	}
	sb.WriteString("}\n")
	return sb.String()
}

type googleRenderer struct{}

func (googleRenderer) Name() string { return "google" }

func (googleRenderer) RequiredProvider() string {
	return `{
      source  = "hashicorp/google"
      version = "~> 5.0"
    }`
}

func (googleRenderer) Render(spec Spec) string {
	project := spec.Credentials.ProjectID
	if p, ok := spec.Parameters["project_id"].(string); ok && p != "" {
		project = p
	}
	region := spec.Location
	if region == "" {
		region = "us-central1"
	}
	return fmt.Sprintf("provider \"google\" {\n  project = %q\n  region  = %q\n}\n", project, region)
}
