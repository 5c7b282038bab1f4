// Package githost is the narrow adapter over the code-hosting service.
// Workers and the poller depend only on the Client capability interface so
// tests can substitute an in-memory double; the REST implementation never
// leaks its HTTP types.
package githost

import "context"

// Client is the capability surface the orchestration engine needs from the
// hosting service.
type Client interface {
	// GetIssue fetches a single issue.
	GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error)
	// ListOpenIssuesByLabel pages through open issues carrying the label.
	ListOpenIssuesByLabel(ctx context.Context, owner, repo, label string) ([]*Issue, error)
	// ListIssueComments pages through all comments on an issue or PR.
	ListIssueComments(ctx context.Context, owner, repo string, number int) ([]*Comment, error)
	// ListReviewComments pages through a PR's review (diff) comments.
	ListReviewComments(ctx context.Context, owner, repo string, number int) ([]*Comment, error)
	// ListOpenPulls lists all open pull requests.
	ListOpenPulls(ctx context.Context, owner, repo string) ([]*PullRequest, error)
	// ListPulls lists pull requests with optional head/state filters.
	ListPulls(ctx context.Context, owner, repo string, opts ListPullsOptions) ([]*PullRequest, error)
	// CreatePull opens a pull request.
	CreatePull(ctx context.Context, owner, repo string, req CreatePullRequest) (*PullRequest, error)
	// GetBranch resolves a remote branch ref.
	GetBranch(ctx context.Context, owner, repo, branch string) (*Branch, error)
	// CompareRefs compares base...head.
	CompareRefs(ctx context.Context, owner, repo, base, head string) (*Compare, error)
	// GetRepository fetches repository metadata (default branch, clone URL).
	GetRepository(ctx context.Context, owner, repo string) (*Repository, error)
	// AddLabels adds labels to an issue or PR.
	AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error
	// RemoveLabel removes one label from an issue or PR.
	RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error
	// SetLabels replaces the full label set of an issue or PR.
	SetLabels(ctx context.Context, owner, repo string, number int, labels []string) error
	// AddComment posts a comment on an issue or PR.
	AddComment(ctx context.Context, owner, repo string, number int, body string) (*Comment, error)
	// Auth returns the token source shared with the git push path.
	Auth() TokenSource
}

// TokenSource supplies the current hosting-service token and refreshes it
// on demand (the push path retries once with a refreshed token on auth
// failure).
type TokenSource interface {
	Token() string
	Refresh(ctx context.Context) (string, error)
}
