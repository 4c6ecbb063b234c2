package provisioner

import (
	"maps"
	"strings"
)

var defaultLocations = map[Cloud]string{
	CloudAzure: "eastus",
	CloudGCP:   "us-central1",
}

// DefaultLocation returns the region used when neither caller nor config names one.
func DefaultLocation(c Cloud) string {
	return defaultLocations[c]
}

// ParamSpec is everything BuildParameters merges into the caller's parameters.
type ParamSpec struct {
	Cloud         Cloud
	ResourceGroup string
	Config        ProviderConfig
}

// BuildParameters returns the parameter map handed to a provider. The input
// map is not modified. A missing required field is a configuration Failure.
func BuildParameters(in map[string]any, spec ParamSpec) (map[string]any, error) {
	out := make(map[string]any, len(in)+3)
	maps.Copy(out, in)

	location := strings.TrimSpace(spec.Config.Region)
	if location == "" {
		location = DefaultLocation(spec.Cloud)
	}
	out["location"] = location

	switch spec.Cloud {
	case CloudAzure:
		if spec.Config.SubscriptionID == "" {
			return nil, Configuration(string(spec.Cloud), "missing required field: subscription_id")
		}
		if spec.ResourceGroup == "" {
			return nil, Configuration(string(spec.Cloud), "missing required field: resource_group_name")
		}
		out["subscription_id"] = spec.Config.SubscriptionID
		out["resource_group_name"] = spec.ResourceGroup

	case CloudGCP:
		if tags, ok := out["tags"]; ok {
			if _, has := out["labels"]; !has {
				out["labels"] = tags
			}
			delete(out, "tags")
		}
		if v, ok := out["projectId"]; ok {
			if _, has := out["project_id"]; !has {
				out["project_id"] = v
			}
			delete(out, "projectId")
		}
		if s, _ := out["project_id"].(string); s == "" {
			switch {
			case spec.Config.ProjectID != "":
				out["project_id"] = spec.Config.ProjectID
			case spec.Config.SubscriptionID != "":
				out["project_id"] = spec.Config.SubscriptionID
			default:
				return nil, Configuration(string(spec.Cloud), "missing required field: project_id")
			}
		}
		delete(out, "resource_group_name")

	default:
		return nil, Configuration(string(spec.Cloud), "unsupported cloud platform: '%s'", spec.Cloud)
	}

	return out, nil
}
