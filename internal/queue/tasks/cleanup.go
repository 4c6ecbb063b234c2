package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"
	"github.com/iac-studio/orchestrator/internal/queue"
	"github.com/iac-studio/orchestrator/internal/repository"
	"github.com/iac-studio/orchestrator/pkg/logger"
	"go.uber.org/zap"
)

// CleanupReport summarises one cleanup pass.
type CleanupReport struct {
	Deployments int `json:"deployments"`
	RemovedDirs int `json:"removed_dirs"`
}

// Cleaner removes working directories left behind by finished deployments.
// Records themselves are kept.
type Cleaner struct {
	deployments repository.DeploymentRepository
	workingDir  string
	olderThan   time.Duration
	now         func() time.Time
}

func NewCleaner(deployments repository.DeploymentRepository, workingDir string, olderThan time.Duration) *Cleaner {
	if workingDir == "" {
		workingDir = os.TempDir()
	}
	return &Cleaner{
		deployments: deployments,
		workingDir:  workingDir,
		olderThan:   olderThan,
		now:         time.Now,
	}
}

func (c *Cleaner) HandleCleanup(ctx context.Context, t *asynq.Task) error {
	var p queue.CleanupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("invalid cleanup payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	_, err := c.Run(ctx, p.OlderThan)
	return err
}

// Run cleans deployments that finished more than olderThan ago; zero uses
// the configured default.
func (c *Cleaner) Run(ctx context.Context, olderThan time.Duration) (*CleanupReport, error) {
	if olderThan <= 0 {
		olderThan = c.olderThan
	}
	cutoff := c.now().Add(-olderThan)

	finished, err := c.deployments.ListFinishedBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	rep := &CleanupReport{Deployments: len(finished)}
	for _, d := range finished {
		matches, err := filepath.Glob(filepath.Join(c.workingDir, d.DeploymentID+"-*"))
		if err != nil {
			continue
		}
		for _, dir := range matches {
			if err := os.RemoveAll(dir); err != nil {
				logger.L().Warn("remove stale working dir failed", zap.String("dir", dir), zap.Error(err))
				continue
			}
			rep.RemovedDirs++
		}
	}

	logger.L().Info("cleanup finished",
		zap.Time("cutoff", cutoff),
		zap.Int("deployments", rep.Deployments),
		zap.Int("removed_dirs", rep.RemovedDirs),
	)
	return rep, nil
}
