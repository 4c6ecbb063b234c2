// Package runner executes external provisioning tools (terraform, az) and
// captures their combined output.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/iac-studio/orchestrator/pkg/logger"
	"github.com/iac-studio/orchestrator/pkg/metrics"
	"go.uber.org/zap"
)

var (
	ErrTimeout      = errors.New("command timed out")
	ErrToolNotFound = errors.New("tool not found in PATH")
)

// waitDelay bounds how long Run waits for output pipes after the process is killed.
const waitDelay = 5 * time.Second

type Command struct {
	Name string
	Args []string
	Dir  string
	// Env is merged over the process environment.
	Env     map[string]string
	Timeout time.Duration
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + c.Args[0]
}

type Output struct {
	Text     string
	ExitCode int
	Duration time.Duration
}

// Success reports a zero exit code.
func (o *Output) Success() bool { return o.ExitCode == 0 }

type TimeoutError struct {
	Command string
	Timeout time.Duration
	Output  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Command, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Runner runs a command to completion. A nonzero exit is reported through
// Output.ExitCode, never as an error.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Output, error)
	LookPath(name string) (string, error)
}

// Exec runs commands with os/exec.
type Exec struct {
	metrics *metrics.Metrics
}

var _ Runner = (*Exec)(nil)

func New(m *metrics.Metrics) *Exec {
	return &Exec{metrics: m}
}

func (e *Exec) LookPath(name string) (string, error) {
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, ErrToolNotFound)
	}
	return p, nil
}

func (e *Exec) Run(ctx context.Context, c Command) (*Output, error) {
	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = mergeEnv(os.Environ(), c.Env)
	cmd.WaitDelay = waitDelay

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	subcommand := ""
	if len(c.Args) > 0 {
		subcommand = c.Args[0]
	}

	logger.L().Debug("running command",
		zap.String("command", c.String()),
		zap.String("dir", c.Dir),
		zap.Duration("timeout", c.Timeout),
	)

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)
	out := &Output{Text: buf.String(), Duration: elapsed}

	if c.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		e.metrics.CommandObserved(c.Name, subcommand, "timeout", elapsed)
		logger.L().Warn("command timed out",
			zap.String("command", c.String()),
			zap.Duration("timeout", c.Timeout),
		)
		return nil, &TimeoutError{Command: c.String(), Timeout: c.Timeout, Output: out.Text}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		e.metrics.CommandObserved(c.Name, subcommand, "cancelled", elapsed)
		return nil, ctxErr
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		e.metrics.CommandObserved(c.Name, subcommand, "ok", elapsed)
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitCode()
		e.metrics.CommandObserved(c.Name, subcommand, "exit_nonzero", elapsed)
	case errors.Is(err, exec.ErrNotFound):
		e.metrics.CommandObserved(c.Name, subcommand, "error", elapsed)
		return nil, fmt.Errorf("%s: %w", c.Name, ErrToolNotFound)
	default:
		e.metrics.CommandObserved(c.Name, subcommand, "error", elapsed)
		return nil, fmt.Errorf("run %s: %w", c.String(), err)
	}

	logger.L().Debug("command finished",
		zap.String("command", c.String()),
		zap.Int("exit_code", out.ExitCode),
		zap.Duration("duration", elapsed),
	)
	return out, nil
}

// mergeEnv overlays extra on base; keys from extra win.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		k := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				k = kv[:i]
				break
			}
		}
		if _, ok := extra[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
