// Package worker consumes queue jobs and drives each task through its
// state machine: environment setup, subprocess execution, commit/push,
// PR reconciliation, and label transitions.
package worker

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/config"
	"github.com/gitfix/gitfix/internal/common/logger"
	"github.com/gitfix/gitfix/internal/common/retry"
	"github.com/gitfix/gitfix/internal/githost"
	"github.com/gitfix/gitfix/internal/gitops"
	"github.com/gitfix/gitfix/internal/queue"
	"github.com/gitfix/gitfix/internal/runner"
	"github.com/gitfix/gitfix/internal/state"
	"github.com/gitfix/gitfix/pkg/agentstream"
)

// GitStore is the slice of the clone/worktree store the workers use.
// *gitops.Store satisfies it; tests substitute a fake.
type GitStore interface {
	ClonePath(owner, repo string) string
	RemoteURL(owner, repo string) string
	EnsureClone(ctx context.Context, owner, repo, authToken string) (string, error)
	DetectDefaultBranch(ctx context.Context, clonePath, owner, repo string) (string, error)
	CreateWorktree(ctx context.Context, clonePath string, issueNumber int, title, owner, repo, baseBranch, model string) (*gitops.WorktreeInfo, error)
	CreateWorktreeFromExistingBranch(ctx context.Context, clonePath, branchName, dirName, owner, repo string) (*gitops.WorktreeInfo, error)
	Commit(ctx context.Context, worktreePath, message string, author gitops.CommitAuthor, issueNumber int, issueTitle string) (*gitops.CommitResult, error)
	Diff(ctx context.Context, worktreePath string) (string, error)
	PushBranch(ctx context.Context, worktreePath, branchName string, opts gitops.PushOptions) error
	CleanupWorktree(ctx context.Context, clonePath, worktreePath, branchName string, opts gitops.CleanupOptions) error
}

// Executor runs the code-generation subprocess. *runner.Runner satisfies it.
type Executor interface {
	Execute(ctx context.Context, req runner.ExecuteRequest) (*agentstream.Outcome, error)
}

// Deps bundles the collaborators shared by all workers.
type Deps struct {
	Host   githost.Client
	Idem   *githost.Idempotent
	Git    GitStore
	Runner Executor
	State  *state.Store
	Queue  *queue.Queue
	Config *config.Config
	Logger *logger.Logger
}

// requeueDelay computes the usage-limit requeue delay:
// (resetAt − now) + buffer + rand(0, jitter), clamped to ≥ 0.
func requeueDelay(resetAt time.Time, cfg config.RequeueConfig, now time.Time) time.Duration {
	delay := resetAt.Sub(now) + cfg.Buffer() + retry.Jitter(cfg.Jitter())
	if delay < 0 {
		delay = 0
	}
	return delay
}

// writeConversationPlaceholder reserves the conversation log path as soon
// as the session is known, so the file the state store points at exists
// while the run is still live. The runner overwrites it with the full
// transcript when the subprocess finishes.
func writeConversationPlaceholder(path string, log *logger.Logger) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Warn("cannot create conversation log dir", zap.Error(err))
		return
	}
	if _, err := os.Stat(path); err == nil {
		return
	}
	if err := os.WriteFile(path, []byte("[]\n"), 0644); err != nil {
		log.Warn("cannot write conversation log placeholder", zap.Error(err))
	}
}

// filterNonBot drops comments authored by the bot account.
func filterNonBot(comments []*githost.Comment, botUser string) []*githost.Comment {
	var out []*githost.Comment
	for _, c := range comments {
		if c.Author != botUser {
			out = append(out, c)
		}
	}
	return out
}
