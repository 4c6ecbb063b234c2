package terraform

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/hashicorp/terraform-exec/tfexec"
)

// Inspector reads results out of an applied working directory.
type Inspector interface {
	Outputs(ctx context.Context, dir string) (map[string]any, error)
	State(ctx context.Context, dir string) ([]byte, error)
}

// ExecInspector uses terraform-exec against the configured binary.
type ExecInspector struct {
	bin string
}

var _ Inspector = (*ExecInspector)(nil)

func NewExecInspector(bin string) *ExecInspector {
	return &ExecInspector{bin: bin}
}

func (i *ExecInspector) tf(dir string) (*tfexec.Terraform, error) {
	tf, err := tfexec.NewTerraform(dir, i.bin)
	if err != nil {
		return nil, fmt.Errorf("create terraform executor: %w", err)
	}
	return tf, nil
}

// Outputs returns output values; sensitive outputs are included.
func (i *ExecInspector) Outputs(ctx context.Context, dir string) (map[string]any, error) {
	tf, err := i.tf(dir)
	if err != nil {
		return nil, err
	}
	raw, err := tf.Output(ctx)
	if err != nil {
		return nil, fmt.Errorf("terraform output: %w", err)
	}
	return convertOutputs(raw), nil
}

// State returns the JSON representation of the current state.
func (i *ExecInspector) State(ctx context.Context, dir string) ([]byte, error) {
	tf, err := i.tf(dir)
	if err != nil {
		return nil, err
	}
	state, err := tf.Show(ctx)
	if err != nil {
		return nil, fmt.Errorf("terraform show: %w", err)
	}
	b, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return b, nil
}

func convertOutputs(tfOutputs map[string]tfexec.OutputMeta) map[string]any {
	outputs := make(map[string]any, len(tfOutputs))
	for key, output := range tfOutputs {
		var v any
		if err := json.Unmarshal(output.Value, &v); err != nil {
			v = string(output.Value)
		}
		outputs[key] = v
	}
	return outputs
}

// Version reports the terraform binary version, for startup diagnostics.
func Version(ctx context.Context, bin string) (string, error) {
	tf, err := tfexec.NewTerraform(os.TempDir(), bin)
	if err != nil {
		return "", err
	}
	v, _, err := tf.Version(ctx, true)
	if err != nil {
		return "", fmt.Errorf("terraform version: %w", err)
	}
	return v.String(), nil
}
