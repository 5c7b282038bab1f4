package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitfix/gitfix/internal/common/config"
	"github.com/gitfix/gitfix/internal/common/logger"
	"github.com/gitfix/gitfix/internal/db"
	"github.com/gitfix/gitfix/internal/githost"
	"github.com/gitfix/gitfix/internal/gitops"
	"github.com/gitfix/gitfix/internal/jobs"
	"github.com/gitfix/gitfix/internal/queue"
	"github.com/gitfix/gitfix/internal/runner"
	"github.com/gitfix/gitfix/internal/state"
	"github.com/gitfix/gitfix/pkg/agentstream"
)

func init() {
	branchVisibilityDelay = time.Millisecond
	refNotReadyDelay = time.Millisecond
}

type fakeGit struct {
	mu        sync.Mutex
	commit    *gitops.CommitResult
	commitErr error
	pushErr   error

	pushes    int
	cleanups  []gitops.CleanupOptions
	fromRef   string
	worktrees int
}

func (f *fakeGit) ClonePath(owner, repo string) string { return "/data/clones/" + owner + "/" + repo }
func (f *fakeGit) RemoteURL(owner, repo string) string {
	return "https://github.com/" + owner + "/" + repo + ".git"
}
func (f *fakeGit) EnsureClone(_ context.Context, owner, repo, _ string) (string, error) {
	return f.ClonePath(owner, repo), nil
}
func (f *fakeGit) DetectDefaultBranch(context.Context, string, string, string) (string, error) {
	return "main", nil
}
func (f *fakeGit) CreateWorktree(_ context.Context, _ string, issueNumber int, _, owner, repo, baseBranch, model string) (*gitops.WorktreeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.worktrees++
	return &gitops.WorktreeInfo{
		Path:       fmt.Sprintf("/data/worktrees/%s/%s/issue-%d-%s", owner, repo, issueNumber, model),
		Branch:     fmt.Sprintf("ai-fix/%d-test-20260301-0900-%s-abc", issueNumber, model),
		BaseBranch: baseBranch,
	}, nil
}
func (f *fakeGit) CreateWorktreeFromExistingBranch(_ context.Context, _ string, branchName, dirName, owner, repo string) (*gitops.WorktreeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fromRef = branchName
	return &gitops.WorktreeInfo{
		Path:       fmt.Sprintf("/data/worktrees/%s/%s/%s", owner, repo, dirName),
		Branch:     branchName,
		BaseBranch: "main",
	}, nil
}
func (f *fakeGit) Commit(context.Context, string, string, gitops.CommitAuthor, int, string) (*gitops.CommitResult, error) {
	return f.commit, f.commitErr
}
func (f *fakeGit) Diff(context.Context, string) (string, error) { return "", nil }
func (f *fakeGit) PushBranch(context.Context, string, string, gitops.PushOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes++
	return f.pushErr
}
func (f *fakeGit) CleanupWorktree(_ context.Context, _, _, _ string, opts gitops.CleanupOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, opts)
	return nil
}

type fakeRunner struct {
	mu       sync.Mutex
	outcome  *agentstream.Outcome
	err      error
	prompts  []string
	sessions bool
	logPath  string
}

func (f *fakeRunner) Execute(_ context.Context, req runner.ExecuteRequest) (*agentstream.Outcome, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Prompt)
	f.mu.Unlock()
	if f.sessions && req.Callbacks.OnSession != nil {
		req.Callbacks.OnSession("sess-1", "conv-1", f.logPath)
	}
	if req.Callbacks.OnLogChunk != nil {
		req.Callbacks.OnLogChunk([]byte(`{"type":"assistant"}` + "\n"))
	}
	return f.outcome, f.err
}

func (f *fakeRunner) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

type testEnv struct {
	host   *githost.FakeClient
	git    *fakeGit
	runner *fakeRunner
	store  *state.Store
	queue  *queue.Queue
	cfg    *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	pool, cleanup, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite3",
		Path:   filepath.Join(t.TempDir(), "worker.db"),
	}, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })

	store, err := state.NewStore(pool, nil, state.Options{}, logger.Default())
	require.NoError(t, err)
	q, err := queue.New(pool, config.QueueConfig{Concurrency: 1, Attempts: 3, BackoffBaseMs: 10}, logger.Default())
	require.NoError(t, err)
	t.Cleanup(q.Stop)

	return &testEnv{
		host:   githost.NewFakeClient(),
		git:    &fakeGit{commit: &gitops.CommitResult{Hash: "deadbeefcafe", Message: "fix"}},
		runner: &fakeRunner{outcome: &agentstream.Outcome{Success: true, NumTurns: 4, CostUSD: 0.25, DurationMS: 60000}},
		store:  store,
		queue:  q,
		cfg: &config.Config{
			Labels: config.LabelConfig{
				PrimaryTag:    "AI",
				ProcessingTag: "AI-processing",
				DoneTag:       "AI-done",
				PRLabel:       "gitfix",
			},
			Models:  config.ModelConfig{DefaultModel: "sonnet"},
			Requeue: config.RequeueConfig{BufferMs: 10, JitterMs: 5},
			Bot:     config.BotConfig{Username: "gitfix-bot"},
		},
	}
}

func (e *testEnv) deps() Deps {
	return Deps{
		Host:   e.host,
		Idem:   githost.NewIdempotent(e.host, e.store, logger.Default()),
		Git:    e.git,
		Runner: e.runner,
		State:  e.store,
		Queue:  e.queue,
		Config: e.cfg,
		Logger: logger.Default(),
	}
}

func issueJob(t *testing.T, p jobs.IssuePayload) *queue.Job {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return &queue.Job{
		ID:          jobs.IssueJobID(p.Owner, p.Repo, p.IssueNumber, p.Model),
		Queue:       jobs.QueueProcessIssue,
		Payload:     data,
		MaxAttempts: 3,
		BackoffBase: time.Second,
	}
}

func seedIssue(e *testEnv, number int, labels ...string) {
	e.host.SeedIssue("acme", "widgets", &githost.Issue{
		Number: number, Title: "test issue", Body: "please fix", State: "open", Labels: labels,
	})
}

func TestIssueWorker_HappyPath(t *testing.T) {
	e := newTestEnv(t)
	seedIssue(e, 42, "AI")
	branch := "ai-fix/42-test-20260301-0900-sonnet-abc"
	e.host.SeedBranch("acme", "widgets", &githost.Branch{Name: branch, SHA: "deadbeef"})
	e.host.SeedCompare("acme", "widgets", "main", branch, &githost.Compare{AheadBy: 1})

	w := NewIssueWorker(e.deps())
	p := jobs.IssuePayload{Owner: "acme", Repo: "widgets", IssueNumber: 42, Model: "sonnet"}
	require.NoError(t, w.Handle(context.Background(), issueJob(t, p)))

	task, err := e.store.GetTask(context.Background(), "acme-widgets-42-sonnet")
	require.NoError(t, err)
	assert.Equal(t, state.StateCompletedWithPR, task.State)
	require.NotNil(t, task.PRResult)
	assert.True(t, task.PRResult.Created)

	pulls, err := e.host.ListOpenPulls(context.Background(), "acme", "widgets")
	require.NoError(t, err)
	require.Len(t, pulls, 1)
	assert.Equal(t, branch, pulls[0].HeadBranch)
	assert.Equal(t, "main", pulls[0].BaseBranch)
	assert.Contains(t, pulls[0].Labels, "gitfix", "PR label applied")

	issue, err := e.host.GetIssue(context.Background(), "acme", "widgets", 42)
	require.NoError(t, err)
	assert.False(t, issue.HasLabel("AI-processing"))
	assert.True(t, issue.HasLabel("AI-done"))

	comments, err := e.host.ListIssueComments(context.Background(), "acme", "widgets", 42)
	require.NoError(t, err)
	require.Len(t, comments, 2, "start + completion")
	assert.Contains(t, comments[0].Body, branch)
	assert.Contains(t, comments[1].Body, "pull request #1")

	// Empty-branch push plus post-commit push; cleanup ran with success.
	assert.Equal(t, 2, e.git.pushes)
	require.Len(t, e.git.cleanups, 1)
	assert.True(t, e.git.cleanups[0].Success)
	assert.True(t, e.git.cleanups[0].DeleteBranch)

	prompt := e.runner.lastPrompt()
	assert.Contains(t, prompt, "acme/widgets")
	assert.Contains(t, prompt, "Issue #42: test issue")
	assert.Contains(t, prompt, "Do NOT run 'git init'")
}

func TestIssueWorker_NoChanges(t *testing.T) {
	e := newTestEnv(t)
	seedIssue(e, 7, "AI")
	branch := "ai-fix/7-test-20260301-0900-sonnet-abc"
	e.host.SeedBranch("acme", "widgets", &githost.Branch{Name: branch, SHA: "deadbeef"})
	e.host.SeedCompare("acme", "widgets", "main", branch, &githost.Compare{AheadBy: 0})
	e.git.commit = nil // clean tree

	w := NewIssueWorker(e.deps())
	p := jobs.IssuePayload{Owner: "acme", Repo: "widgets", IssueNumber: 7, Model: "sonnet"}
	require.NoError(t, w.Handle(context.Background(), issueJob(t, p)))

	task, err := e.store.GetTask(context.Background(), "acme-widgets-7-sonnet")
	require.NoError(t, err)
	assert.Equal(t, state.StateCompletedNoChanges, task.State)

	pulls, err := e.host.ListOpenPulls(context.Background(), "acme", "widgets")
	require.NoError(t, err)
	assert.Empty(t, pulls, "ahead_by 0 must not create a PR")
	require.Len(t, e.git.cleanups, 1)
	assert.False(t, e.git.cleanups[0].Success, "no PR means no success cleanup")
}

func TestIssueWorker_AdoptsExistingPull(t *testing.T) {
	e := newTestEnv(t)
	seedIssue(e, 9, "AI")
	branch := "ai-fix/9-test-20260301-0900-sonnet-abc"
	e.host.SeedBranch("acme", "widgets", &githost.Branch{Name: branch, SHA: "deadbeef"})
	e.host.SeedCompare("acme", "widgets", "main", branch, &githost.Compare{AheadBy: 2})
	e.host.SeedPull("acme", "widgets", &githost.PullRequest{
		Number: 5, State: "open", HeadBranch: branch, BaseBranch: "main", Author: "gitfix-bot",
	})

	w := NewIssueWorker(e.deps())
	p := jobs.IssuePayload{Owner: "acme", Repo: "widgets", IssueNumber: 9, Model: "sonnet"}
	require.NoError(t, w.Handle(context.Background(), issueJob(t, p)))

	task, err := e.store.GetTask(context.Background(), "acme-widgets-9-sonnet")
	require.NoError(t, err)
	assert.Equal(t, state.StateCompletedWithPR, task.State)
	require.NotNil(t, task.PRResult)
	assert.Equal(t, 5, task.PRResult.Number)
	assert.False(t, task.PRResult.Created, "adopted, not created")
}

func TestIssueWorker_LabelGateSkips(t *testing.T) {
	e := newTestEnv(t)
	seedIssue(e, 3, "AI", "AI-done")

	w := NewIssueWorker(e.deps())
	p := jobs.IssuePayload{Owner: "acme", Repo: "widgets", IssueNumber: 3, Model: "sonnet"}
	require.NoError(t, w.Handle(context.Background(), issueJob(t, p)))

	assert.Zero(t, e.git.worktrees, "skipped task must not touch git")
	assert.Empty(t, e.runner.prompts)
	task, err := e.store.GetTask(context.Background(), "acme-widgets-3-sonnet")
	require.NoError(t, err)
	assert.True(t, task.State.Terminal())
}

func TestIssueWorker_UsageLimitRequeues(t *testing.T) {
	e := newTestEnv(t)
	seedIssue(e, 11, "AI")
	resetAt := time.Now().Add(time.Hour)
	e.runner.err = &agentstream.UsageLimitError{ResetAt: resetAt}
	e.runner.outcome = nil

	w := NewIssueWorker(e.deps())
	p := jobs.IssuePayload{Owner: "acme", Repo: "widgets", IssueNumber: 11, Model: "sonnet"}
	require.NoError(t, w.Handle(context.Background(), issueJob(t, p)), "usage limit settles the job")

	task, err := e.store.GetTask(context.Background(), "acme-widgets-11-sonnet")
	require.NoError(t, err)
	assert.Equal(t, state.StateRequeued, task.State)
	require.NotNil(t, task.LastError)
	assert.Equal(t, CategoryUsageLimit, task.LastError.Category)

	// The same payload is waiting in the queue under a fresh job id.
	n, err := e.queue.PendingCount(context.Background(), jobs.QueueProcessIssue)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Processing label stays on through the requeue.
	issue, err := e.host.GetIssue(context.Background(), "acme", "widgets", 11)
	require.NoError(t, err)
	assert.True(t, issue.HasLabel("AI-processing"))

	comments, err := e.host.ListIssueComments(context.Background(), "acme", "widgets", 11)
	require.NoError(t, err)
	var delayed bool
	for _, c := range comments {
		if strings.Contains(c.Body, "usage limit") {
			delayed = true
		}
	}
	assert.True(t, delayed, "delayed comment posted")
}

func TestIssueWorker_SubprocessFailure(t *testing.T) {
	e := newTestEnv(t)
	seedIssue(e, 13, "AI")
	e.runner.err = &runner.NonZeroExitError{ExitCode: 1, OutputTail: "boom"}
	e.runner.outcome = nil

	w := NewIssueWorker(e.deps())
	p := jobs.IssuePayload{Owner: "acme", Repo: "widgets", IssueNumber: 13, Model: "sonnet"}
	err := w.Handle(context.Background(), issueJob(t, p))
	require.Error(t, err, "failure re-raises for queue retry")

	task, err := e.store.GetTask(context.Background(), "acme-widgets-13-sonnet")
	require.NoError(t, err)
	assert.Equal(t, state.StateFailed, task.State)
	require.NotNil(t, task.LastError)
	assert.Equal(t, CategorySubprocess, task.LastError.Category)
	assert.Equal(t, StageClaudeExecution, task.LastError.Stage)

	issue, err := e.host.GetIssue(context.Background(), "acme", "widgets", 13)
	require.NoError(t, err)
	assert.False(t, issue.HasLabel("AI-processing"), "processing label removed on failure")

	comments, err := e.host.ListIssueComments(context.Background(), "acme", "widgets", 13)
	require.NoError(t, err)
	var failure bool
	for _, c := range comments {
		if strings.Contains(c.Body, CategorySubprocess) {
			failure = true
		}
	}
	assert.True(t, failure, "failure comment posted")
}

func TestIssueWorker_UnsuccessfulResultFails(t *testing.T) {
	e := newTestEnv(t)
	seedIssue(e, 21, "AI")
	e.runner.outcome = &agentstream.Outcome{Success: false, NumTurns: 30, CostUSD: 1.1, ResultText: "could not find a fix"}
	e.runner.err = &runner.ResultError{ResultText: "could not find a fix"}

	w := NewIssueWorker(e.deps())
	p := jobs.IssuePayload{Owner: "acme", Repo: "widgets", IssueNumber: 21, Model: "sonnet"}
	err := w.Handle(context.Background(), issueJob(t, p))
	require.Error(t, err, "unsuccessful result frame re-raises for retry")

	task, err := e.store.GetTask(context.Background(), "acme-widgets-21-sonnet")
	require.NoError(t, err)
	assert.Equal(t, state.StateFailed, task.State)
	require.NotNil(t, task.LastError)
	assert.Equal(t, CategorySubprocess, task.LastError.Category)
	assert.Equal(t, StageClaudeExecution, task.LastError.Stage)
	assert.Contains(t, task.LastError.Message, "could not find a fix")

	pulls, err := e.host.ListOpenPulls(context.Background(), "acme", "widgets")
	require.NoError(t, err)
	assert.Empty(t, pulls, "a run that reported failure must not open a PR")
	assert.Equal(t, 1, e.git.pushes, "only the empty-branch push")
	require.Len(t, e.git.cleanups, 1)
	assert.False(t, e.git.cleanups[0].Success)

	issue, err := e.host.GetIssue(context.Background(), "acme", "widgets", 21)
	require.NoError(t, err)
	assert.False(t, issue.HasLabel("AI-processing"), "processing label removed on failure")
	assert.False(t, issue.HasLabel("AI-done"))
}

func TestIssueWorker_SetupPushFailureCleansWorktree(t *testing.T) {
	e := newTestEnv(t)
	seedIssue(e, 17, "AI")
	e.git.pushErr = errors.New("remote hung up unexpectedly")

	w := NewIssueWorker(e.deps())
	p := jobs.IssuePayload{Owner: "acme", Repo: "widgets", IssueNumber: 17, Model: "sonnet"}
	require.Error(t, w.Handle(context.Background(), issueJob(t, p)))

	task, err := e.store.GetTask(context.Background(), "acme-widgets-17-sonnet")
	require.NoError(t, err)
	assert.Equal(t, state.StateFailed, task.State)
	require.NotNil(t, task.LastError)
	assert.Equal(t, StageProcessing, task.LastError.Stage)

	require.Len(t, e.git.cleanups, 1, "worktree swept even though setup failed")
	assert.False(t, e.git.cleanups[0].Success)
	assert.True(t, e.git.cleanups[0].DeleteBranch)
	assert.Empty(t, e.runner.prompts, "subprocess never ran")
}

func TestIssueWorker_SessionRecordsConversationLog(t *testing.T) {
	e := newTestEnv(t)
	seedIssue(e, 42, "AI")
	branch := "ai-fix/42-test-20260301-0900-sonnet-abc"
	e.host.SeedBranch("acme", "widgets", &githost.Branch{Name: branch, SHA: "deadbeef"})
	e.host.SeedCompare("acme", "widgets", "main", branch, &githost.Compare{AheadBy: 1})
	e.runner.sessions = true
	e.runner.logPath = filepath.Join(t.TempDir(), "issue-42-20260301-090000-conversation.json")

	w := NewIssueWorker(e.deps())
	p := jobs.IssuePayload{Owner: "acme", Repo: "widgets", IssueNumber: 42, Model: "sonnet"}
	require.NoError(t, w.Handle(context.Background(), issueJob(t, p)))

	data, err := os.ReadFile(e.runner.logPath)
	require.NoError(t, err, "placeholder written when the session appeared")
	assert.Equal(t, "[]\n", string(data))

	ctx := context.Background()
	for _, key := range []string{
		state.SessionLogKey("sess-1"),
		state.ConversationLogKey("conv-1"),
		state.IssueLogKey("acme", "widgets", 42),
	} {
		path, err := e.store.GetLogFile(ctx, key)
		require.NoError(t, err, key)
		assert.Equal(t, e.runner.logPath, path)
	}
}

func prJob(t *testing.T, p jobs.PRCommentsPayload) *queue.Job {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	last := int64(0)
	if len(p.Comments) > 0 {
		last = p.Comments[len(p.Comments)-1].ID
	}
	return &queue.Job{
		ID:          jobs.PRCommentsJobID(p.Owner, p.Repo, p.PRNumber, last),
		Queue:       jobs.QueueProcessPRComments,
		Payload:     data,
		MaxAttempts: 3,
		BackoffBase: time.Second,
	}
}

func TestPRCommentWorker_HappyPath(t *testing.T) {
	e := newTestEnv(t)
	e.host.SeedComment("acme", "widgets", 10, &githost.Comment{
		ID: 100, Author: "alice", Body: "@gitfix also update the docs",
	})

	w := NewPRCommentWorker(e.deps())
	p := jobs.PRCommentsPayload{
		Owner: "acme", Repo: "widgets", PRNumber: 10,
		Branch: "ai-fix/1-x-20260301-0900-sonnet-abc", Model: "sonnet",
		Comments: []jobs.CommentRef{{ID: 100, Author: "alice", Body: "@gitfix also update the docs"}},
	}
	job := prJob(t, p)
	require.NoError(t, w.Handle(context.Background(), job))

	task, err := e.store.GetTask(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StateCompletedWithPR, task.State)

	assert.Equal(t, p.Branch, e.git.fromRef, "worktree from the PR head branch")
	assert.Equal(t, 1, e.git.pushes)
	require.Len(t, e.git.cleanups, 1)
	assert.False(t, e.git.cleanups[0].DeleteBranch, "PR owns its branch")

	comments, err := e.host.ListIssueComments(context.Background(), "acme", "widgets", 10)
	require.NoError(t, err)
	require.Len(t, comments, 3, "original + ack + completion")
	assert.Contains(t, comments[1].Body, "100✓")
	assert.Contains(t, comments[2].Body, "deadbeef"[:8])
	assert.Contains(t, comments[2].Body, "@alice")

	prompt := e.runner.lastPrompt()
	assert.Contains(t, prompt, "pull request #10")
	assert.Contains(t, prompt, "[comment 100]")
	assert.Contains(t, prompt, "Do NOT create a pull request")
}

func TestPRCommentWorker_DropsFullyAcknowledgedBatch(t *testing.T) {
	e := newTestEnv(t)
	e.host.SeedComment("acme", "widgets", 10, &githost.Comment{
		ID: 100, Author: "alice", Body: "@gitfix fix it",
	})
	e.host.SeedComment("acme", "widgets", 10, &githost.Comment{
		ID: 101, Author: "gitfix-bot", Body: "Starting work: 100✓",
	})

	w := NewPRCommentWorker(e.deps())
	p := jobs.PRCommentsPayload{
		Owner: "acme", Repo: "widgets", PRNumber: 10, Branch: "b", Model: "sonnet",
		Comments: []jobs.CommentRef{{ID: 100, Author: "alice", Body: "@gitfix fix it"}},
	}
	require.NoError(t, w.Handle(context.Background(), prJob(t, p)))

	assert.Empty(t, e.runner.prompts, "acknowledged batch runs nothing")
	assert.Empty(t, e.git.fromRef)
}

func TestPRCommentWorker_NoChanges(t *testing.T) {
	e := newTestEnv(t)
	e.git.commit = nil
	e.host.SeedComment("acme", "widgets", 10, &githost.Comment{
		ID: 100, Author: "alice", Body: "@gitfix check this",
	})

	w := NewPRCommentWorker(e.deps())
	p := jobs.PRCommentsPayload{
		Owner: "acme", Repo: "widgets", PRNumber: 10, Branch: "b", Model: "sonnet",
		Comments: []jobs.CommentRef{{ID: 100, Author: "alice", Body: "@gitfix check this"}},
	}
	job := prJob(t, p)
	require.NoError(t, w.Handle(context.Background(), job))

	task, err := e.store.GetTask(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StateCompletedNoChanges, task.State)
	assert.Zero(t, e.git.pushes)

	comments, err := e.host.ListIssueComments(context.Background(), "acme", "widgets", 10)
	require.NoError(t, err)
	last := comments[len(comments)-1]
	assert.Contains(t, last.Body, "no changes were needed")
}

func TestRequeueDelay(t *testing.T) {
	cfg := config.RequeueConfig{BufferMs: 1000, JitterMs: 0}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	d := requeueDelay(now.Add(time.Minute), cfg, now)
	assert.Equal(t, time.Minute+time.Second, d)

	// A reset time in the past still delays by at least the buffer.
	d = requeueDelay(now.Add(-time.Minute), cfg, now)
	assert.Equal(t, time.Duration(0), d)

	cfg.BufferMs = 120000
	d = requeueDelay(now.Add(-time.Minute), cfg, now)
	assert.Equal(t, time.Minute, d)
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"usage limit", &agentstream.UsageLimitError{ResetAt: time.Now()}, CategoryUsageLimit},
		{"non-zero exit", &runner.NonZeroExitError{ExitCode: 2}, CategorySubprocess},
		{"timeout", &runner.TimeoutError{Timeout: time.Minute}, CategorySubprocess},
		{"result failure", &runner.ResultError{ResultText: "no fix found"}, CategorySubprocess},
		{"protocol", &agentstream.ProtocolError{Reason: "no result frame"}, CategorySubprocess},
		{"git command", fmt.Errorf("clone: %w", gitops.ErrGitCommandFailed), CategoryGit},
		{"worktree corrupt", gitops.ErrWorktreeCorrupted, CategoryGit},
		{"auth", gitops.ErrAuthFailed, CategoryAuthentication},
		{"hosting 500", &githost.APIError{StatusCode: 500, Endpoint: "issues"}, CategoryHostingAPI},
		{"hosting 401", &githost.APIError{StatusCode: 401, Endpoint: "issues"}, CategoryAuthentication},
		{"container", errors.New("create subprocess container: no such image"), CategoryContainer},
		{"unknown", errors.New("what"), CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, categorize(tt.err))
		})
	}
}

func TestUnacknowledged(t *testing.T) {
	batch := []jobs.CommentRef{{ID: 1}, {ID: 2}, {ID: 3}}
	live := []*githost.Comment{
		{ID: 50, Author: "gitfix-bot", Body: "done 1✓ and 3✓"},
		{ID: 51, Author: "alice", Body: "2✓"}, // non-bot markers don't count
	}
	got := unacknowledged(batch, live, "gitfix-bot")
	require.Len(t, got, 1)
	assert.EqualValues(t, 2, got[0].ID)
}
