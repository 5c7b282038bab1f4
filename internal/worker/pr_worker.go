package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/logger"
	"github.com/gitfix/gitfix/internal/githost"
	"github.com/gitfix/gitfix/internal/gitops"
	"github.com/gitfix/gitfix/internal/jobs"
	"github.com/gitfix/gitfix/internal/queue"
	"github.com/gitfix/gitfix/internal/runner"
	"github.com/gitfix/gitfix/internal/state"
	"github.com/gitfix/gitfix/pkg/agentstream"
)

// PRCommentWorker consumes processPrComments batch jobs: follow-up
// requests on pull requests the bot opened earlier.
type PRCommentWorker struct {
	Deps
	logger *logger.Logger
}

// NewPRCommentWorker builds a PR-comment worker.
func NewPRCommentWorker(d Deps) *PRCommentWorker {
	return &PRCommentWorker{Deps: d, logger: d.Logger.WithFields(zap.String("component", "pr-comment-worker"))}
}

// Handle applies one batch of unprocessed trigger comments on the PR's
// existing branch. The job ID doubles as the task ID.
func (w *PRCommentWorker) Handle(ctx context.Context, job *queue.Job) error {
	var p jobs.PRCommentsPayload
	if err := job.Unmarshal(&p); err != nil {
		return fmt.Errorf("decode PR comments payload: %w", err)
	}
	taskID := job.ID
	log := w.logger.WithTaskID(taskID).WithJobID(job.ID).WithRepo(p.Owner, p.Repo)

	// Re-read and re-filter: another worker may have acknowledged part of
	// the batch between enqueue and dispatch.
	issueComments, err := w.Host.ListIssueComments(ctx, p.Owner, p.Repo, p.PRNumber)
	if err != nil {
		return fmt.Errorf("list PR comments: %w", err)
	}
	reviewComments, err := w.Host.ListReviewComments(ctx, p.Owner, p.Repo, p.PRNumber)
	if err != nil {
		log.Warn("failed to list review comments", zap.Error(err))
	}
	all := append(append([]*githost.Comment(nil), issueComments...), reviewComments...)
	pending := unacknowledged(p.Comments, all, w.Config.Bot.Username)
	if len(pending) == 0 {
		log.Info("all comments in batch already acknowledged, dropping job")
		return nil
	}

	if _, err := w.State.CreateTaskWithID(ctx, taskID, p.Owner, p.Repo, p.PRNumber, p.Model); err != nil {
		return fmt.Errorf("create task state: %w", err)
	}
	if err := w.State.UpdateTask(ctx, taskID, state.StateProcessing, nil); err != nil {
		return fmt.Errorf("transition to processing: %w", err)
	}

	// The ✓ markers in the acknowledgement are the idempotency record.
	if _, err := w.Host.AddComment(ctx, p.Owner, p.Repo, p.PRNumber, prAckBody(pending)); err != nil {
		return w.fail(ctx, taskID, p, StageProcessing, fmt.Errorf("post acknowledgement: %w", err))
	}

	token := w.Host.Auth().Token()
	clonePath, err := w.Git.EnsureClone(ctx, p.Owner, p.Repo, token)
	if err != nil {
		return w.fail(ctx, taskID, p, StageProcessing, fmt.Errorf("ensure clone: %w", err))
	}
	dirName := fmt.Sprintf("pr-%d-%d", p.PRNumber, time.Now().UTC().Unix())
	wt, err := w.Git.CreateWorktreeFromExistingBranch(ctx, clonePath, p.Branch, dirName, p.Owner, p.Repo)
	if err != nil {
		return w.fail(ctx, taskID, p, StageProcessing, fmt.Errorf("create worktree from branch: %w", err))
	}
	success := false
	defer func() {
		// The PR owns the branch; never delete it here.
		_ = w.Git.CleanupWorktree(context.Background(), clonePath, wt.Path, wt.Branch,
			gitops.CleanupOptions{DeleteBranch: false, Success: success})
	}()

	prompt := buildPRCommentsPrompt(prCommentsPromptParams{
		Owner:        p.Owner,
		Repo:         p.Repo,
		PRNumber:     p.PRNumber,
		Branch:       p.Branch,
		WorktreePath: wt.Path,
		Comments:     pending,
		History:      filterNonBot(issueComments, w.Config.Bot.Username),
	})

	if err := w.State.UpdateTask(ctx, taskID, state.StateClaudeExecution, nil); err != nil {
		return fmt.Errorf("transition to claude_execution: %w", err)
	}
	started := time.Now()
	outcome, execErr := w.Runner.Execute(ctx, runner.ExecuteRequest{
		TaskID:       taskID,
		IssueNumber:  p.PRNumber,
		WorktreePath: wt.Path,
		AuthToken:    token,
		Prompt:       prompt,
		Model:        p.Model,
		Callbacks:    w.callbacks(taskID, p, wt.Path, log),
	})
	if outcome != nil {
		w.recordExecution(ctx, taskID, p.Model, outcome, started, execErr == nil && outcome.Success)
	}
	if execErr != nil {
		var usage *agentstream.UsageLimitError
		if errors.As(execErr, &usage) {
			return w.requeue(ctx, job, p, taskID, pending, usage, log)
		}
		return w.fail(ctx, taskID, p, StageClaudeExecution, execErr)
	}

	if err := w.State.UpdateTask(ctx, taskID, state.StatePostProcessing, nil); err != nil {
		return fmt.Errorf("transition to post_processing: %w", err)
	}
	message := fmt.Sprintf("Apply review feedback on PR #%d (%s)", p.PRNumber, commentIDList(pending))
	commit, err := w.Git.Commit(ctx, wt.Path, message, gitops.CommitAuthor{}, p.PRNumber, "")
	if err != nil {
		return w.fail(ctx, taskID, p, StagePostProcessing, fmt.Errorf("commit: %w", err))
	}

	if commit == nil {
		if _, err := w.Host.AddComment(ctx, p.Owner, p.Repo, p.PRNumber, prNoChangesBody(pending)); err != nil {
			log.Warn("failed to post no-changes comment", zap.Error(err))
		}
		success = true
		return w.State.MarkCompleted(ctx, taskID, state.StateCompletedNoChanges, nil)
	}

	if err := w.Git.PushBranch(ctx, wt.Path, wt.Branch, gitops.PushOptions{
		ClonePath:    clonePath,
		RepoURL:      w.Git.RemoteURL(p.Owner, p.Repo),
		AuthToken:    w.Host.Auth().Token(),
		RefreshToken: w.Host.Auth().Refresh,
	}); err != nil {
		return w.fail(ctx, taskID, p, StagePostProcessing, fmt.Errorf("push: %w", err))
	}

	if _, err := w.Host.AddComment(ctx, p.Owner, p.Repo, p.PRNumber,
		prCompletionBody(commit.Hash, pending, p.Model, outcome)); err != nil {
		log.Warn("failed to post completion comment", zap.Error(err))
	}
	success = true
	return w.State.MarkCompleted(ctx, taskID, state.StateCompletedWithPR,
		&state.PRResult{Number: p.PRNumber})
}

func (w *PRCommentWorker) callbacks(taskID string, p jobs.PRCommentsPayload, worktreePath string, log *logger.Logger) runner.Callbacks {
	return runner.Callbacks{
		OnSession: func(sessionID, conversationID, logPath string) {
			_ = w.State.UpdateHistoryMetadata(context.Background(), taskID, state.StateClaudeExecution, map[string]interface{}{
				"session_id":      sessionID,
				"conversation_id": conversationID,
			})
			if logPath == "" {
				return
			}
			writeConversationPlaceholder(logPath, log)
			if err := w.State.RecordLogFile(context.Background(), taskID, logPath,
				state.SessionLogKey(sessionID),
				state.ConversationLogKey(conversationID),
				state.IssueLogKey(p.Owner, p.Repo, p.PRNumber)); err != nil {
				log.Warn("failed to record conversation log keys", zap.Error(err))
			}
		},
		OnContainer: func(containerID, containerName string) {
			_ = w.State.UpdateHistoryMetadata(context.Background(), taskID, state.StateClaudeExecution, map[string]interface{}{
				"container_id":   containerID,
				"container_name": containerName,
			})
		},
		OnLogChunk: func(chunk []byte) {
			w.State.AppendLog(context.Background(), taskID, chunk)
		},
		OnDiff: func() {
			diff, err := w.Git.Diff(context.Background(), worktreePath)
			if err != nil {
				log.Debug("working-tree diff failed", zap.Error(err))
				return
			}
			w.State.PublishDiff(context.Background(), taskID, diff)
		},
	}
}

// requeue mirrors the issue worker's usage-limit handling, minus any
// label mutation (PRs carry no processing tag).
func (w *PRCommentWorker) requeue(ctx context.Context, job *queue.Job, p jobs.PRCommentsPayload, taskID string, pending []jobs.CommentRef, usage *agentstream.UsageLimitError, log *logger.Logger) error {
	delay := requeueDelay(usage.ResetAt, w.Config.Requeue, time.Now())
	retryAt := time.Now().Add(delay)
	log.Info("usage limit reached, requeueing PR batch",
		zap.Time("reset_at", usage.ResetAt), zap.Duration("delay", delay))

	_ = w.State.MarkFailed(ctx, taskID, &state.TaskError{
		Category: CategoryUsageLimit,
		Message:  usage.Error(),
		Stage:    StageClaudeExecution,
	})
	if _, err := w.Host.AddComment(ctx, p.Owner, p.Repo, p.PRNumber,
		prDelayedBody(pending, usage.ResetAt, retryAt)); err != nil {
		log.Warn("failed to post delayed comment", zap.Error(err))
	}
	if err := w.Queue.Delay(ctx, job, delay); err != nil {
		return fmt.Errorf("requeue after usage limit: %w", err)
	}
	return w.State.UpdateTask(ctx, taskID, state.StateRequeued, map[string]interface{}{
		"retry_at": retryAt.UTC().Format(time.RFC3339),
	})
}

func (w *PRCommentWorker) fail(ctx context.Context, taskID string, p jobs.PRCommentsPayload, stage string, err error) error {
	category := categorize(err)
	w.logger.WithTaskID(taskID).WithError(err).Error("PR comment task failed",
		zap.String("category", category), zap.String("stage", stage))
	if markErr := w.State.MarkFailed(ctx, taskID, &state.TaskError{
		Category: category,
		Message:  err.Error(),
		Stage:    stage,
	}); markErr != nil {
		w.logger.WithTaskID(taskID).Warn("failed to record task failure", zap.Error(markErr))
	}
	if _, cErr := w.Host.AddComment(ctx, p.Owner, p.Repo, p.PRNumber,
		failureBody(category, stage, p.Branch, err.Error())); cErr != nil {
		w.logger.WithTaskID(taskID).Warn("failed to post failure comment", zap.Error(cErr))
	}
	return err
}

func (w *PRCommentWorker) recordExecution(ctx context.Context, taskID, model string, outcome *agentstream.Outcome, started time.Time, success bool) {
	execMS := outcome.DurationMS
	if execMS == 0 {
		execMS = time.Since(started).Milliseconds()
	}
	if outcome.Model != "" {
		model = outcome.Model
	}
	if err := w.State.RecordExecution(ctx, state.ExecutionRecord{
		TaskID:          taskID,
		Model:           model,
		Success:         success,
		CostUSD:         outcome.CostUSD,
		Turns:           outcome.NumTurns,
		ExecutionTimeMS: execMS,
	}); err != nil {
		w.logger.WithTaskID(taskID).Warn("failed to record execution metrics", zap.Error(err))
	}
}

// unacknowledged keeps the batch comments that still lack a bot "{id}✓"
// marker in the live comment set.
func unacknowledged(batch []jobs.CommentRef, live []*githost.Comment, botUser string) []jobs.CommentRef {
	acked := make(map[int64]bool)
	for _, c := range live {
		if c.Author != botUser {
			continue
		}
		for _, ref := range batch {
			if strings.Contains(c.Body, fmt.Sprintf("%d✓", ref.ID)) {
				acked[ref.ID] = true
			}
		}
	}
	var out []jobs.CommentRef
	for _, ref := range batch {
		if !acked[ref.ID] {
			out = append(out, ref)
		}
	}
	return out
}
