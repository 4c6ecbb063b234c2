package terraform

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/iac-studio/orchestrator/internal/provisioner"
	"github.com/iac-studio/orchestrator/internal/provisioner/compiler"
	"github.com/iac-studio/orchestrator/internal/provisioner/runner"
	"github.com/iac-studio/orchestrator/pkg/logger"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("error", "json"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(ctx context.Context, c runner.Command) (*runner.Output, error) {
	args := m.Called(ctx, c)
	var out *runner.Output
	if v := args.Get(0); v != nil {
		out = v.(*runner.Output)
	}
	return out, args.Error(1)
}

func (m *mockRunner) LookPath(name string) (string, error) {
	args := m.Called(name)
	return args.String(0), args.Error(1)
}

func tf(sub string) any {
	return mock.MatchedBy(func(c runner.Command) bool {
		return c.Name == "/usr/bin/terraform" && len(c.Args) > 0 && c.Args[0] == sub
	})
}

func azCmd(sub ...string) any {
	return mock.MatchedBy(func(c runner.Command) bool {
		return c.Name == "az" && len(c.Args) >= len(sub) && strings.Join(c.Args[:len(sub)], " ") == strings.Join(sub, " ")
	})
}

type fakeInspector struct {
	outputs map[string]any
	err     error
	state   []byte
}

func (f *fakeInspector) Outputs(context.Context, string) (map[string]any, error) {
	return f.outputs, f.err
}

func (f *fakeInspector) State(context.Context, string) ([]byte, error) {
	return f.state, nil
}

type fakeStates struct {
	id      string
	backend compiler.Backend
	state   []byte
}

func (f *fakeStates) SaveState(_ context.Context, id string, b compiler.Backend, state []byte) error {
	f.id, f.backend, f.state = id, b, state
	return nil
}

const gcsTemplate = `resource "google_storage_bucket" "b" {
  name     = var.bucket_name
  location = var.location
}
`

func writeTemplate(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "main.tf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newProvider(t *testing.T, r *mockRunner, cloud provisioner.Cloud, opts Options) *Provider {
	t.Helper()
	r.On("LookPath", "terraform").Return("/usr/bin/terraform", nil).Once()
	opts.Cloud = cloud
	opts.Runner = r
	if opts.WorkingDir == "" {
		opts.WorkingDir = t.TempDir()
	}
	opts.CommandTimeout = time.Minute
	p, err := New(opts)
	require.NoError(t, err)
	return p
}

func ok() *runner.Output { return &runner.Output{Text: "ok", ExitCode: 0} }

func TestNewRequiresTerraform(t *testing.T) {
	r := &mockRunner{}
	r.On("LookPath", "terraform").Return("", runner.ErrToolNotFound)
	_, err := New(Options{Cloud: provisioner.CloudGCP, Runner: r})
	require.True(t, provisioner.IsKind(err, provisioner.KindConfiguration))
	require.Contains(t, err.Error(), "Terraform is not installed")
}

func TestNewRejectsUnknownCloud(t *testing.T) {
	r := &mockRunner{}
	r.On("LookPath", "terraform").Return("/usr/bin/terraform", nil)
	_, err := New(Options{Cloud: "aws", Runner: r})
	require.True(t, provisioner.IsKind(err, provisioner.KindConfiguration))
}

func TestDeployGCP(t *testing.T) {
	r := &mockRunner{}
	insp := &fakeInspector{outputs: map[string]any{"bucket_url": "gs://demo"}, state: []byte(`{"format_version":"1.0"}`)}
	states := &fakeStates{}
	workDir := t.TempDir()
	p := newProvider(t, r, provisioner.CloudGCP, Options{
		Config:     provisioner.ProviderConfig{ProjectID: "proj-1"},
		Backends:   BackendOptions{GCSBucket: "tf-states"},
		WorkingDir: workDir,
		Inspector:  insp,
		States:     states,
	})

	var phases []string
	var seenDir string
	record := func(args mock.Arguments) {
		c := args.Get(1).(runner.Command)
		phases = append(phases, c.Args[0])
		seenDir = c.Dir
		require.Equal(t, "1", c.Env["TF_IN_AUTOMATION"])
		require.Equal(t, "proj-1", c.Env["GOOGLE_PROJECT"])
		_, err := os.Stat(filepath.Join(c.Dir, "backend.tf"))
		require.NoError(t, err)
	}
	r.On("Run", mock.Anything, tf("init")).Run(record).Return(ok(), nil).Once()
	r.On("Run", mock.Anything, tf("plan")).Run(record).Return(ok(), nil).Once()
	r.On("Run", mock.Anything, tf("apply")).Run(record).Return(ok(), nil).Once()

	res, err := p.Deploy(context.Background(), provisioner.DeployRequest{
		DeploymentID: "deploy-abc",
		TemplatePath: writeTemplate(t, gcsTemplate),
		Parameters:   map[string]any{"bucket_name": "demo", "location": "us-central1"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"init", "plan", "apply"}, phases)
	require.Equal(t, provisioner.StatusSucceeded, res.Status)
	require.Equal(t, "gs://demo", res.Outputs["bucket_url"])
	require.Equal(t, BackendGCS, res.Metadata["state_backend"])
	require.Equal(t, "gcp", res.Metadata["cloud_platform"])

	require.Equal(t, "deploy-abc", states.id)
	require.Equal(t, BackendGCS, states.backend.Type)
	require.JSONEq(t, `{"format_version":"1.0"}`, string(states.state))

	_, err = os.Stat(seenDir)
	require.True(t, os.IsNotExist(err), "working dir should be removed")
	r.AssertExpectations(t)
}

func TestDeployPhaseFailure(t *testing.T) {
	r := &mockRunner{}
	p := newProvider(t, r, provisioner.CloudGCP, Options{Inspector: &fakeInspector{}})

	r.On("Run", mock.Anything, tf("init")).Return(ok(), nil).Once()
	r.On("Run", mock.Anything, tf("plan")).Return(ok(), nil).Once()
	r.On("Run", mock.Anything, tf("apply")).
		Return(&runner.Output{Text: "Error: googleapi: Error 403: Permission denied\n", ExitCode: 1}, nil).Once()

	_, err := p.Deploy(context.Background(), provisioner.DeployRequest{
		DeploymentID: "deploy-1",
		TemplatePath: writeTemplate(t, gcsTemplate),
		Parameters:   map[string]any{"bucket_name": "demo"},
	})
	require.Error(t, err)
	require.True(t, provisioner.IsKind(err, provisioner.KindProvisioning))
	require.Equal(t, "provisioning error [terraform]: Terraform apply failed: Error: googleapi: Error 403: Permission denied", err.Error())
}

func TestDeployStopsAfterFailedInit(t *testing.T) {
	r := &mockRunner{}
	p := newProvider(t, r, provisioner.CloudGCP, Options{Inspector: &fakeInspector{}})
	r.On("Run", mock.Anything, tf("init")).Return(&runner.Output{Text: "Error: Failed to query available provider packages", ExitCode: 1}, nil).Once()

	_, err := p.Deploy(context.Background(), provisioner.DeployRequest{
		DeploymentID: "deploy-1",
		TemplatePath: writeTemplate(t, gcsTemplate),
	})
	require.ErrorContains(t, err, "Terraform init failed")
	r.AssertNotCalled(t, "Run", mock.Anything, tf("plan"))
}

func TestDeployTimeout(t *testing.T) {
	r := &mockRunner{}
	p := newProvider(t, r, provisioner.CloudGCP, Options{Inspector: &fakeInspector{}})
	r.On("Run", mock.Anything, tf("init")).Return(nil, &runner.TimeoutError{
		Command: "terraform init",
		Timeout: time.Minute,
		Output:  "Initializing provider plugins...\n- Finding hashicorp/google versions...\n",
	}).Once()

	_, err := p.Deploy(context.Background(), provisioner.DeployRequest{
		DeploymentID: "deploy-1",
		TemplatePath: writeTemplate(t, gcsTemplate),
	})
	require.True(t, provisioner.IsKind(err, provisioner.KindTimeout))
	require.ErrorContains(t, err, "Terraform init timed out after 1m0s")

	f, ok := provisioner.AsFailure(err)
	require.True(t, ok)
	require.Contains(t, f.Message, "Finding hashicorp/google versions")
	require.Equal(t, "Initializing provider plugins...\n- Finding hashicorp/google versions...", f.Details["partial_output"])
}

func TestDeployMissingTemplate(t *testing.T) {
	r := &mockRunner{}
	p := newProvider(t, r, provisioner.CloudGCP, Options{Inspector: &fakeInspector{}})
	_, err := p.Deploy(context.Background(), provisioner.DeployRequest{
		DeploymentID: "deploy-1",
		TemplatePath: filepath.Join(t.TempDir(), "missing.tf"),
	})
	require.True(t, provisioner.IsKind(err, provisioner.KindProvisioning))
	r.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestDeployAzureCreatesMissingGroup(t *testing.T) {
	r := &mockRunner{}
	p := newProvider(t, r, provisioner.CloudAzure, Options{
		Config:    provisioner.ProviderConfig{SubscriptionID: "sub-1"},
		Inspector: &fakeInspector{err: os.ErrNotExist},
	})

	r.On("Run", mock.Anything, azCmd("group", "show")).
		Return(&runner.Output{Text: "ERROR: Resource group 'rg-demo' could not be found.", ExitCode: 3}, nil).Once()
	r.On("Run", mock.Anything, tf("init")).Run(func(args mock.Arguments) {
		c := args.Get(1).(runner.Command)
		require.Equal(t, "sub-1", c.Env["ARM_SUBSCRIPTION_ID"])
		_, err := os.Stat(filepath.Join(c.Dir, "resource_group.tf"))
		require.NoError(t, err)
		_, err = os.Stat(filepath.Join(c.Dir, "backend.tf"))
		require.True(t, os.IsNotExist(err), "local backend writes no backend.tf")
	}).Return(ok(), nil).Once()
	r.On("Run", mock.Anything, tf("plan")).Return(ok(), nil).Once()
	r.On("Run", mock.Anything, tf("apply")).Return(ok(), nil).Once()

	res, err := p.Deploy(context.Background(), provisioner.DeployRequest{
		DeploymentID:  "deploy-2",
		TemplatePath:  writeTemplate(t, `resource "azurerm_storage_account" "sa" { name = var.name }`),
		ResourceGroup: "rg-demo",
		Parameters:    map[string]any{"name": "sa1", "resource_group_name": "rg-demo", "location": "eastus"},
	})
	require.NoError(t, err)
	require.Empty(t, res.Outputs)
	require.Equal(t, BackendLocal, res.Metadata["state_backend"])
	r.AssertExpectations(t)
}

func TestGroupOpsUnsupportedOnGCP(t *testing.T) {
	r := &mockRunner{}
	p := newProvider(t, r, provisioner.CloudGCP, Options{Inspector: &fakeInspector{}})
	_, err := p.ListGroups(context.Background())
	require.True(t, provisioner.IsKind(err, provisioner.KindConfiguration))
	require.Error(t, p.DeleteGroup(context.Background(), "x"))
}

func TestValidate(t *testing.T) {
	r := &mockRunner{}
	p := newProvider(t, r, provisioner.CloudGCP, Options{Inspector: &fakeInspector{}})
	path := writeTemplate(t, gcsTemplate)
	require.NoError(t, p.Validate(context.Background(), path, map[string]any{"bucket_name": "x"}))
	require.Error(t, p.Validate(context.Background(), path, map[string]any{"bad name": "x"}))
	require.Error(t, p.Validate(context.Background(), filepath.Join(t.TempDir(), "nope"), nil))
}

func TestSelectBackend(t *testing.T) {
	opts := BackendOptions{S3Bucket: "s3b", GCSBucket: "gcsb", StorageAccount: "acct"}
	require.Equal(t, BackendAzureRM, SelectBackend(provisioner.CloudAzure, "d", opts).Type)
	require.Equal(t, BackendGCS, SelectBackend(provisioner.CloudGCP, "d", opts).Type)
	require.Equal(t, BackendS3, SelectBackend(provisioner.CloudGCP, "d", BackendOptions{S3Bucket: "s3b"}).Type)

	local := SelectBackend(provisioner.CloudAzure, "d", BackendOptions{})
	require.Equal(t, BackendLocal, local.Type)
	require.Nil(t, remote(local))
	require.Equal(t, "terraform-states/d/terraform.tfstate", SelectBackend(provisioner.CloudAzure, "d", opts).Config["key"])
}
