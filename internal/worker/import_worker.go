package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/logger"
	"github.com/gitfix/gitfix/internal/jobs"
	"github.com/gitfix/gitfix/internal/queue"
	"github.com/gitfix/gitfix/internal/runner"
	"github.com/gitfix/gitfix/internal/state"
)

// ImportWorker consumes importTasks jobs: a one-shot subprocess invocation
// that creates issues through the hosting CLI inside the container.
type ImportWorker struct {
	Deps
	logger *logger.Logger
}

// NewImportWorker builds an import worker.
func NewImportWorker(d Deps) *ImportWorker {
	return &ImportWorker{Deps: d, logger: d.Logger.WithFields(zap.String("component", "import-worker"))}
}

// Handle runs the import. All tasks in a batch must target the same
// repository; the subprocess works out of that repository's clone.
func (w *ImportWorker) Handle(ctx context.Context, job *queue.Job) error {
	var p jobs.ImportPayload
	if err := job.Unmarshal(&p); err != nil {
		return fmt.Errorf("decode import payload: %w", err)
	}
	if len(p.Tasks) == 0 {
		return nil
	}
	first := p.Tasks[0]
	for _, t := range p.Tasks[1:] {
		if t.Owner != first.Owner || t.Repo != first.Repo {
			return fmt.Errorf("import batch spans repositories: %s/%s and %s/%s",
				first.Owner, first.Repo, t.Owner, t.Repo)
		}
	}
	log := w.logger.WithJobID(job.ID).WithRepo(first.Owner, first.Repo)

	token := w.Host.Auth().Token()
	clonePath, err := w.Git.EnsureClone(ctx, first.Owner, first.Repo, token)
	if err != nil {
		return fmt.Errorf("ensure clone: %w", err)
	}

	model := first.Model
	if model == "" {
		model = w.Config.Models.DefaultModel
	}
	started := time.Now()
	outcome, execErr := w.Runner.Execute(ctx, runner.ExecuteRequest{
		TaskID:       job.ID,
		WorktreePath: clonePath,
		AuthToken:    token,
		Prompt:       buildImportPrompt(p.Tasks),
		Model:        model,
		MaxTurns:     10,
	})
	if execErr != nil {
		log.WithError(execErr).Error("task import failed")
		return fmt.Errorf("import subprocess: %w", execErr)
	}
	log.Info("task import completed",
		zap.Int("tasks", len(p.Tasks)),
		zap.Int("turns", outcome.NumTurns),
		zap.Duration("took", time.Since(started)))

	if err := w.State.RecordActivity(ctx, state.ActivityEntry{
		Kind:    "tasks_imported",
		Owner:   first.Owner,
		Repo:    first.Repo,
		Model:   model,
		Message: fmt.Sprintf("imported %d task(s)", len(p.Tasks)),
	}); err != nil {
		log.Warn("failed to record activity", zap.Error(err))
	}
	return nil
}
