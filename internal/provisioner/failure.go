package provisioner

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/iac-studio/orchestrator/internal/classifier"
	"github.com/iac-studio/orchestrator/internal/deploylog"
)

// Kind is the failure taxonomy shared by providers, the runner and the materializer.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindProvisioning  Kind = "provisioning"
	KindTimeout       Kind = "timeout"
)

// Failure is the only error type providers return from Deploy.
type Failure struct {
	Kind     Kind
	Provider string
	Message  string
	Details  map[string]any
	Err      error
}

func (f *Failure) Error() string {
	if f.Provider != "" {
		return fmt.Sprintf("%s error [%s]: %s", f.Kind, f.Provider, f.Message)
	}
	return fmt.Sprintf("%s error: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// TypeName is written to the deployment log as error_type.
func (f *Failure) TypeName() string {
	switch f.Kind {
	case KindConfiguration:
		return "ProviderConfigurationError"
	case KindTimeout:
		return "DeploymentTimeoutError"
	default:
		return "DeploymentError"
	}
}

// Describe classifies the failure. Timeouts have a dedicated descriptor,
// configuration problems that match no rule get a setup-oriented one.
func (f *Failure) Describe() classifier.Descriptor {
	text := deploylog.Strip(f.Message)
	switch f.Kind {
	case KindTimeout:
		return classifier.Timeout(text)
	case KindConfiguration:
		d := classifier.Classify(text)
		if d.IsGeneric() {
			return classifier.Configuration(text)
		}
		return d
	default:
		return classifier.Classify(text)
	}
}

func Configuration(provider, format string, args ...any) *Failure {
	return &Failure{Kind: KindConfiguration, Provider: provider, Message: fmt.Sprintf(format, args...)}
}

func Provisioning(provider, format string, args ...any) *Failure {
	return &Failure{Kind: KindProvisioning, Provider: provider, Message: fmt.Sprintf(format, args...)}
}

func Timeout(provider, message string, err error) *Failure {
	return &Failure{Kind: KindTimeout, Provider: provider, Message: message, Err: err}
}

// maxPartialOutput bounds how much of an interrupted tool's output is kept.
const maxPartialOutput = 4000

// WithPartialOutput keeps the tail of whatever the tool printed before it was
// stopped, in Details and after the message, so it reaches the deployment log.
func (f *Failure) WithPartialOutput(output string) *Failure {
	output = strings.TrimSpace(output)
	if output == "" {
		return f
	}
	if len(output) > maxPartialOutput {
		cut := len(output) - maxPartialOutput
		for cut < len(output) && !utf8.RuneStart(output[cut]) {
			cut++
		}
		output = "..." + output[cut:]
	}
	if f.Details == nil {
		f.Details = map[string]any{}
	}
	f.Details["partial_output"] = output
	f.Message += "\nOutput before the timeout:\n" + output
	return f
}

// AsFailure extracts a *Failure from an error chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsKind reports whether err carries a Failure of kind k.
func IsKind(err error, k Kind) bool {
	f, ok := AsFailure(err)
	return ok && f.Kind == k
}
