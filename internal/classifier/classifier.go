// Package classifier maps raw provisioning output to a bounded set of
// user-facing error descriptors. Every function here is total: unknown input
// yields a generic descriptor, never an error.
package classifier

import (
	"strings"
	"unicode/utf8"
)

const (
	CodeUnknown       = "UNKNOWN_ERROR"
	CodeGeneric       = "DEPLOYMENT_ERROR"
	CodeTimeout       = "OPERATION_TIMEOUT"
	CodeConfiguration = "CONFIGURATION_ERROR"
)

const (
	maxKeyLine  = 200
	maxOriginal = 500
)

// Descriptor is the classified form of an error.
type Descriptor struct {
	Code     string `json:"code"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Solution string `json:"solution"`
	Example  string `json:"example,omitempty"`
	// Original is the most relevant excerpt of the input.
	Original string `json:"original"`
}

// Friendly renders the one-line message stored as a deployment's error_message.
func (d Descriptor) Friendly() string {
	var b strings.Builder
	b.WriteString(d.Title)
	if d.Message != "" {
		b.WriteString(" | ")
		b.WriteString(d.Message)
	}
	if d.Solution != "" {
		b.WriteString(" | Solution: ")
		b.WriteString(d.Solution)
	}
	return b.String()
}

// Classify matches text against the ordered rule table.
func Classify(text string) Descriptor {
	if text == "" {
		return Descriptor{
			Code:     CodeUnknown,
			Title:    "Unknown Error",
			Message:  "An unexpected error occurred.",
			Solution: "Please try again or contact support.",
		}
	}

	for _, rl := range rules {
		if rl.pattern.MatchString(text) {
			return Descriptor{
				Code:     rl.code,
				Title:    rl.title,
				Message:  rl.message,
				Solution: rl.solution,
				Example:  rl.example,
				Original: KeyLine(text),
			}
		}
	}

	return Descriptor{
		Code:     CodeGeneric,
		Title:    "Deployment Error",
		Message:  KeyLine(text),
		Solution: "Review the error details and adjust your configuration.",
		Original: truncate(text, maxOriginal),
	}
}

// IsGeneric reports whether no specific rule matched.
func (d Descriptor) IsGeneric() bool {
	return d.Code == CodeGeneric || d.Code == CodeUnknown
}

// Timeout describes an external tool that exceeded its wall-clock bound.
func Timeout(text string) Descriptor {
	return Descriptor{
		Code:     CodeTimeout,
		Title:    "Operation Timed Out",
		Message:  "The provisioning tool did not finish within the allowed time.",
		Solution: "Check the cloud console for partially created resources, then retry or split the template into smaller deployments.",
		Original: KeyLine(text),
	}
}

// Configuration describes a setup problem that no specific rule recognised.
func Configuration(text string) Descriptor {
	return Descriptor{
		Code:     CodeConfiguration,
		Title:    "Configuration Error",
		Message:  KeyLine(text),
		Solution: "Check the provider type, credentials and installed tooling on the worker.",
		Original: truncate(text, maxOriginal),
	}
}

var indicators = []string{"error:", "failed:", "invalid", "not found", "denied"}

// KeyLine picks the most relevant line of multi-line tool output.
func KeyLine(text string) string {
	lines := strings.Split(text, "\n")

	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "Error:") {
			return strings.TrimSpace(strings.Replace(l, "Error:", "", 1))
		}
	}

	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, ind := range indicators {
			if !strings.Contains(lower, ind) {
				continue
			}
			l := strings.TrimSpace(line)
			if len(l) > 10 {
				return truncate(l, maxKeyLine)
			}
		}
	}

	for _, line := range lines {
		if l := strings.TrimSpace(line); l != "" {
			return truncate(l, maxKeyLine)
		}
	}
	return "Deployment failed"
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
