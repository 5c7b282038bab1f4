package githost

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeClient is an in-memory Client for tests. State is keyed by
// owner/repo and mutated under a single lock; tests seed it directly.
type FakeClient struct {
	mu sync.Mutex

	Issues   map[string]map[int]*Issue       // repo key -> number -> issue
	Comments map[string]map[int][]*Comment   // repo key -> number -> comments
	Reviews  map[string]map[int][]*Comment   // repo key -> pr number -> review comments
	Pulls    map[string][]*PullRequest       // repo key -> pulls
	Branches map[string]map[string]*Branch   // repo key -> branch name -> branch
	Compares map[string]*Compare             // repo key + base...head -> compare
	Repos    map[string]*Repository          // repo key -> repository

	// Err, when set, is returned by every call.
	Err error

	nextCommentID int64
	nextPRNumber  int
	tokens        TokenSource
}

// NewFakeClient creates an empty fake.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Issues:        make(map[string]map[int]*Issue),
		Comments:      make(map[string]map[int][]*Comment),
		Reviews:       make(map[string]map[int][]*Comment),
		Pulls:         make(map[string][]*PullRequest),
		Branches:      make(map[string]map[string]*Branch),
		Compares:      make(map[string]*Compare),
		Repos:         make(map[string]*Repository),
		nextCommentID: 1000,
		nextPRNumber:  1,
		tokens:        NewStaticTokenSource("fake-token"),
	}
}

func repoKey(owner, repo string) string { return owner + "/" + repo }

// SeedIssue adds an issue to the fake.
func (f *FakeClient) SeedIssue(owner, repo string, issue *Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := repoKey(owner, repo)
	if f.Issues[key] == nil {
		f.Issues[key] = make(map[int]*Issue)
	}
	f.Issues[key][issue.Number] = issue
}

// SeedPull adds a pull request to the fake.
func (f *FakeClient) SeedPull(owner, repo string, pr *PullRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := repoKey(owner, repo)
	f.Pulls[key] = append(f.Pulls[key], pr)
	if pr.Number >= f.nextPRNumber {
		f.nextPRNumber = pr.Number + 1
	}
}

// SeedComment adds an issue comment to the fake.
func (f *FakeClient) SeedComment(owner, repo string, number int, c *Comment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := repoKey(owner, repo)
	if f.Comments[key] == nil {
		f.Comments[key] = make(map[int][]*Comment)
	}
	f.Comments[key][number] = append(f.Comments[key][number], c)
	if c.ID >= f.nextCommentID {
		f.nextCommentID = c.ID + 1
	}
}

// SeedBranch adds a branch ref to the fake.
func (f *FakeClient) SeedBranch(owner, repo string, b *Branch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := repoKey(owner, repo)
	if f.Branches[key] == nil {
		f.Branches[key] = make(map[string]*Branch)
	}
	f.Branches[key][b.Name] = b
}

// SeedCompare sets the compare result for base...head.
func (f *FakeClient) SeedCompare(owner, repo, base, head string, cmp *Compare) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Compares[repoKey(owner, repo)+":"+base+"..."+head] = cmp
}

func (f *FakeClient) GetIssue(_ context.Context, owner, repo string, number int) (*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	issue, ok := f.Issues[repoKey(owner, repo)][number]
	if !ok {
		return nil, &APIError{StatusCode: 404, Endpoint: "issues", Message: "Not Found"}
	}
	cp := *issue
	cp.Labels = append([]string(nil), issue.Labels...)
	return &cp, nil
}

func (f *FakeClient) ListOpenIssuesByLabel(_ context.Context, owner, repo, label string) ([]*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []*Issue
	for _, issue := range f.Issues[repoKey(owner, repo)] {
		if issue.State == "open" && issue.HasLabel(label) && !issue.PullRequest {
			cp := *issue
			cp.Labels = append([]string(nil), issue.Labels...)
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *FakeClient) ListIssueComments(_ context.Context, owner, repo string, number int) ([]*Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return append([]*Comment(nil), f.Comments[repoKey(owner, repo)][number]...), nil
}

func (f *FakeClient) ListReviewComments(_ context.Context, owner, repo string, number int) ([]*Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return append([]*Comment(nil), f.Reviews[repoKey(owner, repo)][number]...), nil
}

func (f *FakeClient) ListOpenPulls(ctx context.Context, owner, repo string) ([]*PullRequest, error) {
	return f.ListPulls(ctx, owner, repo, ListPullsOptions{State: "open"})
}

func (f *FakeClient) ListPulls(_ context.Context, owner, repo string, opts ListPullsOptions) ([]*PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	state := opts.State
	if state == "" {
		state = "open"
	}
	var out []*PullRequest
	for _, pr := range f.Pulls[repoKey(owner, repo)] {
		if state != "all" && pr.State != state {
			continue
		}
		if opts.Head != "" && opts.Head != owner+":"+pr.HeadBranch {
			continue
		}
		cp := *pr
		cp.Labels = append([]string(nil), pr.Labels...)
		out = append(out, &cp)
	}
	return out, nil
}

func (f *FakeClient) CreatePull(_ context.Context, owner, repo string, req CreatePullRequest) (*PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	key := repoKey(owner, repo)
	for _, pr := range f.Pulls[key] {
		if pr.State == "open" && pr.HeadBranch == req.Head {
			return nil, &APIError{
				StatusCode: 422,
				Endpoint:   "pulls",
				Message:    fmt.Sprintf("Validation Failed; A pull request already exists for %s:%s.", owner, req.Head),
			}
		}
	}
	pr := &PullRequest{
		Number:     f.nextPRNumber,
		Title:      req.Title,
		Body:       req.Body,
		State:      "open",
		HeadBranch: req.Head,
		BaseBranch: req.Base,
		Draft:      req.Draft,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	f.nextPRNumber++
	f.Pulls[key] = append(f.Pulls[key], pr)
	cp := *pr
	return &cp, nil
}

func (f *FakeClient) GetBranch(_ context.Context, owner, repo, branch string) (*Branch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	b, ok := f.Branches[repoKey(owner, repo)][branch]
	if !ok {
		return nil, &APIError{StatusCode: 404, Endpoint: "branches", Message: "Branch not found"}
	}
	cp := *b
	return &cp, nil
}

func (f *FakeClient) CompareRefs(_ context.Context, owner, repo, base, head string) (*Compare, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	cmp, ok := f.Compares[repoKey(owner, repo)+":"+base+"..."+head]
	if !ok {
		return nil, &APIError{StatusCode: 404, Endpoint: "compare", Message: "Not Found"}
	}
	cp := *cmp
	return &cp, nil
}

func (f *FakeClient) GetRepository(_ context.Context, owner, repo string) (*Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	r, ok := f.Repos[repoKey(owner, repo)]
	if !ok {
		return nil, &APIError{StatusCode: 404, Endpoint: "repos", Message: "Not Found"}
	}
	cp := *r
	return &cp, nil
}

// labelTarget resolves a number to its label slice. Issues and pull
// requests share one numbering on the labels endpoint.
func (f *FakeClient) labelTarget(key string, number int) *[]string {
	if issue, ok := f.Issues[key][number]; ok {
		return &issue.Labels
	}
	for _, pr := range f.Pulls[key] {
		if pr.Number == number {
			return &pr.Labels
		}
	}
	return nil
}

func (f *FakeClient) AddLabels(_ context.Context, owner, repo string, number int, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	target := f.labelTarget(repoKey(owner, repo), number)
	if target == nil {
		return &APIError{StatusCode: 404, Endpoint: "labels", Message: "Not Found"}
	}
	for _, l := range labels {
		if !hasLabel(*target, l) {
			*target = append(*target, l)
		}
	}
	return nil
}

func (f *FakeClient) RemoveLabel(_ context.Context, owner, repo string, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	target := f.labelTarget(repoKey(owner, repo), number)
	if target == nil {
		return &APIError{StatusCode: 404, Endpoint: "labels", Message: "Not Found"}
	}
	out := (*target)[:0]
	found := false
	for _, l := range *target {
		if l == label {
			found = true
			continue
		}
		out = append(out, l)
	}
	*target = out
	if !found {
		return &APIError{StatusCode: 404, Endpoint: "labels", Message: "Label does not exist"}
	}
	return nil
}

func (f *FakeClient) SetLabels(_ context.Context, owner, repo string, number int, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	target := f.labelTarget(repoKey(owner, repo), number)
	if target == nil {
		return &APIError{StatusCode: 404, Endpoint: "labels", Message: "Not Found"}
	}
	*target = append([]string(nil), labels...)
	return nil
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

func (f *FakeClient) AddComment(_ context.Context, owner, repo string, number int, body string) (*Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	key := repoKey(owner, repo)
	if f.Comments[key] == nil {
		f.Comments[key] = make(map[int][]*Comment)
	}
	c := &Comment{
		ID:        f.nextCommentID,
		Author:    "gitfix-bot",
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	f.nextCommentID++
	f.Comments[key][number] = append(f.Comments[key][number], c)
	cp := *c
	return &cp, nil
}

func (f *FakeClient) Auth() TokenSource { return f.tokens }
