package githost

import "time"

// Issue is a hosting-service issue as seen by the poller and workers.
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	Labels    []string  `json:"labels"`
	Author    string    `json:"author"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// PullRequest is true when the issue record is actually a PR.
	PullRequest bool `json:"pull_request"`
}

// HasLabel reports whether the issue carries the given label.
func (i *Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Comment is an issue or review comment.
type Comment struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PullRequest is an open or closed pull request.
type PullRequest struct {
	Number     int       `json:"number"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	State      string    `json:"state"`
	HeadBranch string    `json:"head_branch"`
	HeadSHA    string    `json:"head_sha"`
	BaseBranch string    `json:"base_branch"`
	Author     string    `json:"author"`
	Labels     []string  `json:"labels"`
	HTMLURL    string    `json:"html_url"`
	Draft      bool      `json:"draft"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Branch is a remote branch reference.
type Branch struct {
	Name string `json:"name"`
	SHA  string `json:"sha"`
}

// Compare is the result of comparing two refs.
type Compare struct {
	Status       string `json:"status"` // identical, ahead, behind, diverged
	AheadBy      int    `json:"ahead_by"`
	BehindBy     int    `json:"behind_by"`
	TotalCommits int    `json:"total_commits"`
}

// Repository is the subset of repository metadata the system needs.
type Repository struct {
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
	Private       bool   `json:"private"`
	CloneURL      string `json:"clone_url"`
}

// CreatePullRequest is the payload for opening a PR.
type CreatePullRequest struct {
	Title string `json:"title"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Body  string `json:"body"`
	Draft bool   `json:"draft"`
}

// ListPullsOptions narrows a pull-request listing.
type ListPullsOptions struct {
	// Head filters by head ref in "owner:branch" form; empty means all.
	Head string
	// State is open, closed, or all; empty means open.
	State string
}
