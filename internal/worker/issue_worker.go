package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/logger"
	"github.com/gitfix/gitfix/internal/common/retry"
	"github.com/gitfix/gitfix/internal/githost"
	"github.com/gitfix/gitfix/internal/gitops"
	"github.com/gitfix/gitfix/internal/jobs"
	"github.com/gitfix/gitfix/internal/queue"
	"github.com/gitfix/gitfix/internal/runner"
	"github.com/gitfix/gitfix/internal/state"
	"github.com/gitfix/gitfix/pkg/agentstream"
)

// Delays are variables so the test suite can shrink them.
var (
	// branchVisibilityDelay is the fixed wait before polling the pushed
	// branch on the hosting side.
	branchVisibilityDelay = 3 * time.Second
	// refNotReadyDelay is the wait before the single retry on the
	// eventually-consistent 422 responses from CreatePull.
	refNotReadyDelay = 10 * time.Second
)

// IssueWorker consumes processIssue jobs.
type IssueWorker struct {
	Deps
	logger *logger.Logger
}

// NewIssueWorker builds an issue worker.
func NewIssueWorker(d Deps) *IssueWorker {
	return &IssueWorker{Deps: d, logger: d.Logger.WithFields(zap.String("component", "issue-worker"))}
}

// issueRun carries the per-task context threaded through the phases.
type issueRun struct {
	payload   jobs.IssuePayload
	job       *queue.Job
	taskID    string
	attempt   int
	issue     *githost.Issue
	clonePath string
	worktree  *gitops.WorktreeInfo
	outcome   *agentstream.Outcome
	log       *logger.Logger
}

// Handle drives one issue job through the full state machine. A returned
// error re-enters the queue's retry cycle; nil settles the job.
func (w *IssueWorker) Handle(ctx context.Context, job *queue.Job) error {
	var p jobs.IssuePayload
	if err := job.Unmarshal(&p); err != nil {
		return fmt.Errorf("decode issue payload: %w", err)
	}

	task, err := w.State.CreateTask(ctx, p.Owner, p.Repo, p.IssueNumber, p.Model)
	if err != nil {
		return fmt.Errorf("create task state: %w", err)
	}
	run := &issueRun{
		payload: p,
		job:     job,
		taskID:  task.TaskID,
		attempt: task.Attempts,
		log:     w.logger.WithTaskID(task.TaskID).WithJobID(job.ID),
	}

	if delay := w.Config.Models.StartDelay(p.Model); delay > 0 {
		run.log.Debug("applying model start delay", zap.Duration("delay", delay))
		if err := retry.Sleep(ctx, delay); err != nil {
			return err
		}
	}

	ok, err := w.labelGate(ctx, run)
	if err != nil {
		return w.fail(ctx, run, StageProcessing, err)
	}
	if !ok {
		return nil
	}

	// Installed before setup so a worktree created by a partially failed
	// setup is still swept instead of waiting for the janitor.
	claudeSuccess, prCreated := false, false
	defer func() {
		if run.worktree == nil {
			return
		}
		_ = w.Git.CleanupWorktree(context.Background(), run.clonePath, run.worktree.Path, run.worktree.Branch,
			gitops.CleanupOptions{DeleteBranch: true, Success: claudeSuccess && prCreated})
	}()

	if err := w.setupEnvironment(ctx, run); err != nil {
		return w.fail(ctx, run, StageProcessing, err)
	}

	execErr := w.execute(ctx, run)
	if execErr != nil {
		var usage *agentstream.UsageLimitError
		if errors.As(execErr, &usage) {
			return w.requeue(ctx, run, usage)
		}
		return w.fail(ctx, run, StageClaudeExecution, execErr)
	}
	claudeSuccess = true

	pr, err := w.postProcess(ctx, run)
	if err != nil {
		// Anything failing after a successful subprocess goes through
		// final PR validation before the task is marked failed.
		if recovered := w.finalPRValidation(ctx, run); recovered != nil {
			pr, err = recovered, nil
		} else {
			return w.fail(ctx, run, StagePostProcessing, err)
		}
	}
	prCreated = pr != nil

	if pr != nil {
		return w.State.MarkCompleted(ctx, run.taskID, state.StateCompletedWithPR, pr)
	}
	return w.State.MarkCompleted(ctx, run.taskID, state.StateCompletedNoChanges, nil)
}

// labelGate re-fetches the issue and transitions to PROCESSING. It returns
// false when the task should be skipped (primary tag gone or already done).
func (w *IssueWorker) labelGate(ctx context.Context, run *issueRun) (bool, error) {
	issue, err := w.Host.GetIssue(ctx, run.payload.Owner, run.payload.Repo, run.payload.IssueNumber)
	if err != nil {
		return false, fmt.Errorf("fetch issue: %w", err)
	}
	run.issue = issue

	labels := w.Config.Labels
	if !issue.HasLabel(labels.PrimaryTag) || issue.HasLabel(labels.DoneTag) {
		run.log.Info("label gate: issue no longer eligible, skipping",
			zap.Strings("labels", issue.Labels))
		_ = w.State.UpdateTask(ctx, run.taskID, state.StateCompletedNoChanges,
			map[string]interface{}{"skipped": "label gate"})
		return false, nil
	}

	if err := w.State.UpdateTask(ctx, run.taskID, state.StateProcessing, nil); err != nil {
		return false, fmt.Errorf("transition to processing: %w", err)
	}
	if err := w.Idem.AddLabelIfAbsent(ctx, run.payload.Owner, run.payload.Repo, run.payload.IssueNumber, labels.ProcessingTag); err != nil {
		run.log.Warn("failed to add processing label", zap.Error(err))
	}
	return true, nil
}

// setupEnvironment ensures the clone, creates the task worktree, and
// pushes the empty branch so the remote ref exists before the subprocess.
func (w *IssueWorker) setupEnvironment(ctx context.Context, run *issueRun) error {
	p := run.payload
	token := w.Host.Auth().Token()

	clonePath, err := w.Git.EnsureClone(ctx, p.Owner, p.Repo, token)
	if err != nil {
		return fmt.Errorf("ensure clone: %w", err)
	}
	run.clonePath = clonePath

	base, err := w.Git.DetectDefaultBranch(ctx, clonePath, p.Owner, p.Repo)
	if err != nil {
		return fmt.Errorf("detect default branch: %w", err)
	}

	wt, err := w.Git.CreateWorktree(ctx, clonePath, p.IssueNumber, run.issue.Title, p.Owner, p.Repo, base, p.Model)
	if err != nil {
		return fmt.Errorf("create worktree: %w", err)
	}
	run.worktree = wt

	if err := w.Git.PushBranch(ctx, wt.Path, wt.Branch, w.pushOptions(run)); err != nil {
		return fmt.Errorf("push empty branch: %w", err)
	}

	_ = w.State.UpdateHistoryMetadata(ctx, run.taskID, state.StateProcessing, map[string]interface{}{
		"branch":        wt.Branch,
		"base_branch":   wt.BaseBranch,
		"worktree_path": wt.Path,
	})

	startKey := githost.IdempotencyKey("start", run.taskID, wt.Branch)
	if _, err := w.Idem.AddCommentWithIdempotencyKey(ctx, p.Owner, p.Repo, p.IssueNumber, startKey,
		startCommentBody(p.Model, wt.Branch, wt.BaseBranch, wt.Path)); err != nil {
		run.log.Warn("failed to post start comment", zap.Error(err))
	}
	return nil
}

// execute runs the subprocess with live log/diff streaming and session and
// container capture wired into the state store.
func (w *IssueWorker) execute(ctx context.Context, run *issueRun) error {
	p := run.payload

	comments, err := w.Host.ListIssueComments(ctx, p.Owner, p.Repo, p.IssueNumber)
	if err != nil {
		run.log.Warn("failed to list issue comments for prompt", zap.Error(err))
	}

	prompt := buildIssuePrompt(issuePromptParams{
		Owner:       p.Owner,
		Repo:        p.Repo,
		IssueNumber: p.IssueNumber,
		Title:       run.issue.Title,
		Body:        run.issue.Body,
		Labels:      run.issue.Labels,
		Comments:    filterNonBot(comments, w.Config.Bot.Username),
		Branch:      run.worktree.Branch,
		BaseBranch:  run.worktree.BaseBranch,
		Model:       p.Model,
		Attempt:     run.attempt,
	})

	if err := w.State.UpdateTask(ctx, run.taskID, state.StateClaudeExecution, nil); err != nil {
		return fmt.Errorf("transition to claude_execution: %w", err)
	}

	started := time.Now()
	outcome, execErr := w.Runner.Execute(ctx, runner.ExecuteRequest{
		TaskID:       run.taskID,
		IssueNumber:  p.IssueNumber,
		WorktreePath: run.worktree.Path,
		AuthToken:    w.Host.Auth().Token(),
		Prompt:       prompt,
		Model:        p.Model,
		Callbacks:    w.callbacks(run),
	})
	run.outcome = outcome

	if outcome != nil {
		w.recordExecution(run, outcome, started, execErr == nil && outcome.Success)
		_ = w.State.UpdateHistoryMetadata(context.Background(), run.taskID, state.StateClaudeExecution, map[string]interface{}{
			"num_turns": outcome.NumTurns,
			"cost_usd":  outcome.CostUSD,
			"model":     outcome.Model,
		})
	}
	return execErr
}

func (w *IssueWorker) callbacks(run *issueRun) runner.Callbacks {
	p := run.payload
	return runner.Callbacks{
		OnSession: func(sessionID, conversationID, logPath string) {
			_ = w.State.UpdateHistoryMetadata(context.Background(), run.taskID, state.StateClaudeExecution, map[string]interface{}{
				"session_id":      sessionID,
				"conversation_id": conversationID,
			})
			if logPath == "" {
				return
			}
			writeConversationPlaceholder(logPath, run.log)
			if err := w.State.RecordLogFile(context.Background(), run.taskID, logPath,
				state.SessionLogKey(sessionID),
				state.ConversationLogKey(conversationID),
				state.IssueLogKey(p.Owner, p.Repo, p.IssueNumber)); err != nil {
				run.log.Warn("failed to record conversation log keys", zap.Error(err))
			}
		},
		OnContainer: func(containerID, containerName string) {
			_ = w.State.UpdateHistoryMetadata(context.Background(), run.taskID, state.StateClaudeExecution, map[string]interface{}{
				"container_id":   containerID,
				"container_name": containerName,
			})
		},
		OnLogChunk: func(chunk []byte) {
			w.State.AppendLog(context.Background(), run.taskID, chunk)
		},
		OnDiff: func() {
			diff, err := w.Git.Diff(context.Background(), run.worktree.Path)
			if err != nil {
				run.log.Debug("working-tree diff failed", zap.Error(err))
				return
			}
			w.State.PublishDiff(context.Background(), run.taskID, diff)
		},
	}
}

// postProcess commits, pushes, waits for branch visibility, and reconciles
// the pull request. It returns nil when no changes were produced.
func (w *IssueWorker) postProcess(ctx context.Context, run *issueRun) (*state.PRResult, error) {
	p := run.payload
	wt := run.worktree

	if err := w.State.UpdateTask(ctx, run.taskID, state.StatePostProcessing, nil); err != nil {
		return nil, fmt.Errorf("transition to post_processing: %w", err)
	}

	commit, err := w.Git.Commit(ctx, wt.Path, "", gitops.CommitAuthor{}, p.IssueNumber, run.issue.Title)
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	if commit != nil {
		run.log.Info("changes committed", zap.String("hash", commit.Hash))
		if err := w.Git.PushBranch(ctx, wt.Path, wt.Branch, w.pushOptions(run)); err != nil {
			return nil, fmt.Errorf("push: %w", err)
		}
	}

	if err := w.awaitBranchVisible(ctx, run); err != nil {
		return nil, err
	}

	compare, err := w.Host.CompareRefs(ctx, p.Owner, p.Repo, wt.BaseBranch, wt.Branch)
	if err != nil {
		return nil, fmt.Errorf("compare refs: %w", err)
	}
	if compare.AheadBy == 0 {
		run.log.Info("branch has no commits ahead of base, skipping PR")
		w.postCompletionComment(ctx, run, nil)
		return nil, nil
	}

	pr, err := w.reconcilePull(ctx, run)
	if err != nil {
		return nil, err
	}

	if err := w.Host.AddLabels(ctx, p.Owner, p.Repo, pr.Number, []string{w.Config.Labels.PRLabel}); err != nil {
		run.log.Warn("failed to label pull request", zap.Error(err))
	}
	w.swapIssueLabels(ctx, run)

	result := &state.PRResult{Number: pr.Number, URL: pr.HTMLURL, Created: pr.Created}
	w.postCompletionComment(ctx, run, result)
	return result, nil
}

// awaitBranchVisible waits out hosting-side replication of the pushed ref.
func (w *IssueWorker) awaitBranchVisible(ctx context.Context, run *issueRun) error {
	if err := retry.Sleep(ctx, branchVisibilityDelay); err != nil {
		return err
	}
	policy := retry.Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Multiplier: 2}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		_, err := w.Host.GetBranch(ctx, run.payload.Owner, run.payload.Repo, run.worktree.Branch)
		return err
	})
	if err != nil {
		return fmt.Errorf("branch %s not visible on hosting side: %w", run.worktree.Branch, err)
	}
	return nil
}

// adoptedPull is reconcilePull's result: the PR plus whether we created it.
type adoptedPull struct {
	Number  int
	HTMLURL string
	Created bool
}

// reconcilePull creates the PR, adopting an existing one on the 422
// duplicate response and retrying once on ref-not-ready responses.
func (w *IssueWorker) reconcilePull(ctx context.Context, run *issueRun) (*adoptedPull, error) {
	p := run.payload
	req := githost.CreatePullRequest{
		Title: fmt.Sprintf("AI fix for issue #%d: %s", p.IssueNumber, run.issue.Title),
		Head:  run.worktree.Branch,
		Base:  run.worktree.BaseBranch,
		Body: fmt.Sprintf("Automated fix for #%d generated by model %s.\n\nCloses #%d.",
			p.IssueNumber, p.Model, p.IssueNumber),
	}

	pr, err := w.Host.CreatePull(ctx, p.Owner, p.Repo, req)
	if githost.IsRefNotReady(err) {
		run.log.Warn("ref not ready for PR creation, retrying once", zap.Error(err))
		if sleepErr := retry.Sleep(ctx, refNotReadyDelay); sleepErr != nil {
			return nil, sleepErr
		}
		pr, err = w.Host.CreatePull(ctx, p.Owner, p.Repo, req)
	}
	if githost.IsAlreadyExists(err) {
		existing, listErr := w.Host.ListPulls(ctx, p.Owner, p.Repo, githost.ListPullsOptions{
			Head: p.Owner + ":" + run.worktree.Branch, State: "open",
		})
		if listErr != nil || len(existing) == 0 {
			return nil, fmt.Errorf("adopt existing pull request: %w (list: %v)", err, listErr)
		}
		run.log.Info("adopted existing pull request", zap.Int("pr", existing[0].Number))
		return &adoptedPull{Number: existing[0].Number, HTMLURL: existing[0].HTMLURL}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}
	return &adoptedPull{Number: pr.Number, HTMLURL: pr.HTMLURL, Created: true}, nil
}

// finalPRValidation runs after any post-subprocess failure: if an open PR
// for the branch already exists it is adopted; otherwise, when the branch
// has commits, one emergency subprocess invocation attempts PR creation
// through the hosting CLI.
func (w *IssueWorker) finalPRValidation(ctx context.Context, run *issueRun) *state.PRResult {
	p := run.payload

	adopt := func() *state.PRResult {
		pulls, err := w.Host.ListPulls(ctx, p.Owner, p.Repo, githost.ListPullsOptions{
			Head: p.Owner + ":" + run.worktree.Branch, State: "open",
		})
		if err != nil || len(pulls) == 0 {
			return nil
		}
		pr := pulls[0]
		run.log.Info("final PR validation adopted existing pull request", zap.Int("pr", pr.Number))
		if err := w.Host.AddLabels(ctx, p.Owner, p.Repo, pr.Number, []string{w.Config.Labels.PRLabel}); err != nil {
			run.log.Warn("failed to label adopted pull request", zap.Error(err))
		}
		w.swapIssueLabels(ctx, run)
		return &state.PRResult{Number: pr.Number, URL: pr.HTMLURL}
	}

	if pr := adopt(); pr != nil {
		return pr
	}

	compare, err := w.Host.CompareRefs(ctx, p.Owner, p.Repo, run.worktree.BaseBranch, run.worktree.Branch)
	if err != nil || compare.AheadBy == 0 {
		return nil
	}

	run.log.Warn("branch has commits but no PR, attempting emergency creation")
	_, execErr := w.Runner.Execute(ctx, runner.ExecuteRequest{
		TaskID:       run.taskID,
		IssueNumber:  p.IssueNumber,
		WorktreePath: run.worktree.Path,
		AuthToken:    w.Host.Auth().Token(),
		Prompt: buildPRRecoveryPrompt(p.Owner, p.Repo, run.worktree.Branch, run.worktree.BaseBranch,
			p.IssueNumber, run.issue.Title),
		Model:    p.Model,
		MaxTurns: 5,
	})
	if execErr != nil {
		run.log.Warn("emergency PR creation failed", zap.Error(execErr))
		return nil
	}
	return adopt()
}

// requeue handles the usage-limit short circuit: the task finalizes as
// REQUEUED and the same payload re-enters the queue after the reset time.
func (w *IssueWorker) requeue(ctx context.Context, run *issueRun, usage *agentstream.UsageLimitError) error {
	delay := requeueDelay(usage.ResetAt, w.Config.Requeue, time.Now())
	retryAt := time.Now().Add(delay)
	run.log.Info("usage limit reached, requeueing",
		zap.Time("reset_at", usage.ResetAt), zap.Duration("delay", delay))

	_ = w.State.MarkFailed(ctx, run.taskID, &state.TaskError{
		Category: CategoryUsageLimit,
		Message:  usage.Error(),
		Stage:    StageClaudeExecution,
	})

	p := run.payload
	key := githost.IdempotencyKey("delayed", run.taskID, usage.ResetAt.UTC().Format(time.RFC3339))
	if _, err := w.Idem.AddCommentWithIdempotencyKey(ctx, p.Owner, p.Repo, p.IssueNumber, key,
		delayedBody(usage.ResetAt, retryAt)); err != nil {
		run.log.Warn("failed to post delayed comment", zap.Error(err))
	}

	// The processing label intentionally stays on: the issue is still ours.
	if err := w.Queue.Delay(ctx, run.job, delay); err != nil {
		return fmt.Errorf("requeue after usage limit: %w", err)
	}
	return w.State.UpdateTask(ctx, run.taskID, state.StateRequeued, map[string]interface{}{
		"retry_at": retryAt.UTC().Format(time.RFC3339),
	})
}

// fail records the categorized error, posts the failure comment, removes
// the processing label best-effort, and re-raises for the queue retry.
func (w *IssueWorker) fail(ctx context.Context, run *issueRun, stage string, err error) error {
	p := run.payload
	category := categorize(err)
	run.log.WithError(err).Error("task failed",
		zap.String("category", category), zap.String("stage", stage))

	branch := ""
	if run.worktree != nil {
		branch = run.worktree.Branch
	}
	if markErr := w.State.MarkFailed(ctx, run.taskID, &state.TaskError{
		Category: category,
		Message:  err.Error(),
		Stage:    stage,
	}); markErr != nil {
		run.log.Warn("failed to record task failure", zap.Error(markErr))
	}

	key := githost.IdempotencyKey("failure", run.taskID, stage, fmt.Sprintf("%d", run.attempt))
	if _, cErr := w.Idem.AddCommentWithIdempotencyKey(ctx, p.Owner, p.Repo, p.IssueNumber, key,
		failureBody(category, stage, branch, err.Error())); cErr != nil {
		run.log.Warn("failed to post failure comment", zap.Error(cErr))
	}
	if lErr := w.Idem.RemoveLabelIfPresent(ctx, p.Owner, p.Repo, p.IssueNumber, w.Config.Labels.ProcessingTag); lErr != nil {
		run.log.Warn("failed to remove processing label", zap.Error(lErr))
	}
	return err
}

// swapIssueLabels removes the processing tag and adds the done tag.
// Mutation failures are warnings, never fatal.
func (w *IssueWorker) swapIssueLabels(ctx context.Context, run *issueRun) {
	p := run.payload
	if err := w.Idem.RemoveLabelIfPresent(ctx, p.Owner, p.Repo, p.IssueNumber, w.Config.Labels.ProcessingTag); err != nil {
		run.log.Warn("failed to remove processing label", zap.Error(err))
	}
	if err := w.Idem.AddLabelIfAbsent(ctx, p.Owner, p.Repo, p.IssueNumber, w.Config.Labels.DoneTag); err != nil {
		run.log.Warn("failed to add done label", zap.Error(err))
	}
}

func (w *IssueWorker) postCompletionComment(ctx context.Context, run *issueRun, pr *state.PRResult) {
	p := run.payload
	outcome := run.outcome
	if outcome == nil {
		outcome = &agentstream.Outcome{}
	}
	var body string
	if pr != nil {
		body = completionWithPRBody(pr.URL, pr.Number, p.Model, outcome)
	} else {
		body = noChangesBody(p.Model, outcome)
	}
	key := githost.IdempotencyKey("completion", run.taskID, run.worktree.Branch)
	if _, err := w.Idem.AddCommentWithIdempotencyKey(ctx, p.Owner, p.Repo, p.IssueNumber, key, body); err != nil {
		run.log.Warn("failed to post completion comment", zap.Error(err))
	}
}

func (w *IssueWorker) pushOptions(run *issueRun) gitops.PushOptions {
	return gitops.PushOptions{
		ClonePath:    run.clonePath,
		RepoURL:      w.Git.RemoteURL(run.payload.Owner, run.payload.Repo),
		AuthToken:    w.Host.Auth().Token(),
		RefreshToken: w.Host.Auth().Refresh,
	}
}

func (w *IssueWorker) recordExecution(run *issueRun, outcome *agentstream.Outcome, started time.Time, success bool) {
	execMS := outcome.DurationMS
	if execMS == 0 {
		execMS = time.Since(started).Milliseconds()
	}
	model := outcome.Model
	if model == "" {
		model = run.payload.Model
	}
	if err := w.State.RecordExecution(context.Background(), state.ExecutionRecord{
		TaskID:          run.taskID,
		Model:           model,
		Success:         success,
		CostUSD:         outcome.CostUSD,
		Turns:           outcome.NumTurns,
		ExecutionTimeMS: execMS,
	}); err != nil {
		run.log.Warn("failed to record execution metrics", zap.Error(err))
	}
}
