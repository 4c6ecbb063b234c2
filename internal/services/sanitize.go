package services

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	appErr "github.com/iac-studio/orchestrator/pkg/errors"
)

const (
	maxParams         = 100
	maxParamNameLen   = 100
	maxParamValueLen  = 10000
	paramNamePreview  = 50
	maskedPlaceholder = "***"
)

type contentRule struct {
	pattern *regexp.Regexp
	reason  string
}

var (
	shellRule = contentRule{regexp.MustCompile("[;&|`]"), "shell metacharacters (;, &, |, `)"}

	// sensitive values (passwords) may legitimately carry shell metacharacters
	strictRules = []contentRule{
		{regexp.MustCompile(`\.\./|\.\.\\`), "path traversal patterns (../)"},
		{regexp.MustCompile(`(?i)<script`), "script tags"},
		{regexp.MustCompile(`(?i)DROP\s+TABLE`), "SQL injection patterns"},
		{regexp.MustCompile(`(?i)eval\s*\(`), "code execution patterns"},
	}

	sensitiveParamHints = []string{"password", "secret", "key", "token", "credential"}
	sensitiveLogKeys    = []string{
		"password", "secret", "token", "api_key", "private_key",
		"client_secret", "access_token", "refresh_token",
		"credentials", "auth", "authorization",
	}
)

// ValidateParameters rejects parameter sets that are oversized or carry
// injection-looking content. The error messages are the ones the error
// classifier recognises.
func ValidateParameters(params map[string]any) error {
	if len(params) > maxParams {
		return invalid(fmt.Sprintf("Too many parameters (max: %d)", maxParams))
	}

	for _, key := range sortedKeys(params) {
		if len(key) > maxParamNameLen {
			return invalid(fmt.Sprintf("Parameter name too long: %s...", key[:paramNamePreview]))
		}

		value := fmt.Sprint(params[key])
		if len(value) > maxParamValueLen {
			return invalid(fmt.Sprintf("Parameter value too long for '%s'", key))
		}

		rules := strictRules
		if !containsAny(strings.ToLower(key), sensitiveParamHints) {
			rules = append([]contentRule{shellRule}, strictRules...)
		}
		for _, rl := range rules {
			if rl.pattern.MatchString(value) {
				return invalid(fmt.Sprintf("Invalid content in '%s': contains %s", key, rl.reason))
			}
		}
	}
	return nil
}

// MaskSensitive returns a copy of data with secret-looking values masked,
// recursing into nested maps and lists of maps.
func MaskSensitive(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if containsAny(strings.ToLower(k), sensitiveLogKeys) {
			out[k] = mask(v)
			continue
		}
		switch t := v.(type) {
		case map[string]any:
			out[k] = MaskSensitive(t)
		case []any:
			items := make([]any, len(t))
			for i, item := range t {
				if m, ok := item.(map[string]any); ok {
					items[i] = MaskSensitive(m)
				} else {
					items[i] = item
				}
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}

func mask(v any) string {
	s, ok := v.(string)
	if !ok || len(s) <= 4 {
		return maskedPlaceholder
	}
	return s[:2] + maskedPlaceholder + s[len(s)-2:]
}

var (
	storageAccountPattern = regexp.MustCompile(`^[a-z0-9]{3,24}$`)
	resourceGroupPattern  = regexp.MustCompile(`^[\w\-.()]{1,90}$`)
	gcpNamePattern        = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)
	appNamePattern        = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,63}$`)

	reservedAppNames = map[string]struct{}{
		"admin": {}, "api": {}, "azure": {}, "default": {}, "google": {},
		"microsoft": {}, "root": {}, "system": {}, "test": {},
	}

	fieldValidator = validator.New()
)

// ValidateCloudFields applies naming rules for well-known fields of the
// target cloud. Unknown fields are left to the provisioning tool.
func ValidateCloudFields(cloud, resourceGroup string, params map[string]any) error {
	if strings.EqualFold(cloud, "azure") && resourceGroup != "" {
		if strings.HasSuffix(resourceGroup, ".") || !resourceGroupPattern.MatchString(resourceGroup) {
			return invalid("Resource group name is invalid: use 1-90 letters, digits, underscores, hyphens, periods or parentheses, not ending in a period")
		}
	}

	for _, key := range sortedKeys(params) {
		s, ok := params[key].(string)
		if !ok {
			continue
		}
		lower := strings.ToLower(key)
		switch {
		case lower == "storage_account_name" || lower == "storageaccountname":
			if !storageAccountPattern.MatchString(s) {
				return invalid("Storage account name must be 3-24 characters, lowercase letters and numbers only")
			}
		case lower == "bucket_name":
			if len(s) < 3 || len(s) > 63 || !gcpNamePattern.MatchString(s) {
				return invalid("GCP bucket name is invalid: use 3-63 lowercase letters, digits and hyphens, starting with a letter")
			}
		case lower == "project_id" || lower == "projectid":
			if len(s) < 6 || len(s) > 30 || !gcpNamePattern.MatchString(s) {
				return invalid("Project ID is invalid: project_id must be 6-30 characters, lowercase letters, digits and hyphens, starting with a letter")
			}
		case strings.HasSuffix(lower, "cidr") || strings.HasSuffix(lower, "address_prefix"):
			if fieldValidator.Var(s, "cidrv4") != nil {
				return invalid(fmt.Sprintf("Invalid CIDR for '%s': expected notation like 10.0.0.0/16", key))
			}
		case strings.HasSuffix(lower, "ip_address") || strings.HasSuffix(lower, "_ip"):
			if fieldValidator.Var(s, "ipv4") != nil {
				return invalid(fmt.Sprintf("Invalid IP address for '%s': expected an IPv4 address like 192.168.1.1", key))
			}
		case lower == "app_name":
			if _, reserved := reservedAppNames[strings.ToLower(s)]; reserved {
				return invalid(fmt.Sprintf("app_name '%s' is a reserved word", s))
			}
			if !appNamePattern.MatchString(s) || strings.HasSuffix(s, "-") || strings.HasSuffix(s, "_") {
				return invalid("app_name must be 1-64 characters: letters, digits, hyphens and underscores, starting with a letter")
			}
		}
	}
	return nil
}

func invalid(msg string) error {
	return appErr.New(appErr.CodeInvalid, msg)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
