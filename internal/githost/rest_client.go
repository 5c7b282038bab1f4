package githost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultAPIBase = "https://api.github.com"
	perPage        = 100
	// maxPages bounds pagination loops against runaway repositories.
	maxPages = 50
)

// RESTClient implements Client against the hosting service's REST API.
type RESTClient struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

// NewRESTClient creates a REST-backed hosting-service client.
func NewRESTClient(baseURL string, tokens TokenSource) *RESTClient {
	if baseURL == "" {
		baseURL = defaultAPIBase
	}
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Auth returns the shared token source.
func (c *RESTClient) Auth() TokenSource { return c.tokens }

func (c *RESTClient) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	var raw ghIssue
	endpoint := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
	if err := c.get(ctx, endpoint, &raw); err != nil {
		return nil, fmt.Errorf("get issue #%d: %w", number, err)
	}
	return convertIssue(&raw), nil
}

func (c *RESTClient) ListOpenIssuesByLabel(ctx context.Context, owner, repo, label string) ([]*Issue, error) {
	var issues []*Issue
	for page := 1; page <= maxPages; page++ {
		endpoint := fmt.Sprintf("/repos/%s/%s/issues?state=open&labels=%s&per_page=%d&page=%d",
			owner, repo, url.QueryEscape(label), perPage, page)
		var raw []ghIssue
		if err := c.get(ctx, endpoint, &raw); err != nil {
			return nil, fmt.Errorf("list open issues: %w", err)
		}
		for i := range raw {
			issues = append(issues, convertIssue(&raw[i]))
		}
		if len(raw) < perPage {
			break
		}
	}
	return issues, nil
}

func (c *RESTClient) ListIssueComments(ctx context.Context, owner, repo string, number int) ([]*Comment, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
	return c.listComments(ctx, path)
}

func (c *RESTClient) ListReviewComments(ctx context.Context, owner, repo string, number int) ([]*Comment, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/comments", owner, repo, number)
	return c.listComments(ctx, path)
}

func (c *RESTClient) listComments(ctx context.Context, path string) ([]*Comment, error) {
	var comments []*Comment
	for page := 1; page <= maxPages; page++ {
		endpoint := fmt.Sprintf("%s?per_page=%d&page=%d", path, perPage, page)
		var raw []ghComment
		if err := c.get(ctx, endpoint, &raw); err != nil {
			return nil, fmt.Errorf("list comments: %w", err)
		}
		for i := range raw {
			comments = append(comments, convertComment(&raw[i]))
		}
		if len(raw) < perPage {
			break
		}
	}
	return comments, nil
}

func (c *RESTClient) ListOpenPulls(ctx context.Context, owner, repo string) ([]*PullRequest, error) {
	return c.ListPulls(ctx, owner, repo, ListPullsOptions{State: "open"})
}

func (c *RESTClient) ListPulls(ctx context.Context, owner, repo string, opts ListPullsOptions) ([]*PullRequest, error) {
	state := opts.State
	if state == "" {
		state = "open"
	}
	var pulls []*PullRequest
	for page := 1; page <= maxPages; page++ {
		endpoint := fmt.Sprintf("/repos/%s/%s/pulls?state=%s&per_page=%d&page=%d",
			owner, repo, state, perPage, page)
		if opts.Head != "" {
			endpoint += "&head=" + url.QueryEscape(opts.Head)
		}
		var raw []ghPull
		if err := c.get(ctx, endpoint, &raw); err != nil {
			return nil, fmt.Errorf("list pulls: %w", err)
		}
		for i := range raw {
			pulls = append(pulls, convertPull(&raw[i]))
		}
		if len(raw) < perPage {
			break
		}
	}
	return pulls, nil
}

func (c *RESTClient) CreatePull(ctx context.Context, owner, repo string, req CreatePullRequest) (*PullRequest, error) {
	var raw ghPull
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls", owner, repo)
	if err := c.do(ctx, http.MethodPost, endpoint, req, &raw); err != nil {
		return nil, err
	}
	return convertPull(&raw), nil
}

func (c *RESTClient) GetBranch(ctx context.Context, owner, repo, branch string) (*Branch, error) {
	var raw struct {
		Name   string `json:"name"`
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	endpoint := fmt.Sprintf("/repos/%s/%s/branches/%s", owner, repo, url.PathEscape(branch))
	if err := c.get(ctx, endpoint, &raw); err != nil {
		return nil, fmt.Errorf("get branch %s: %w", branch, err)
	}
	return &Branch{Name: raw.Name, SHA: raw.Commit.SHA}, nil
}

func (c *RESTClient) CompareRefs(ctx context.Context, owner, repo, base, head string) (*Compare, error) {
	var raw struct {
		Status       string `json:"status"`
		AheadBy      int    `json:"ahead_by"`
		BehindBy     int    `json:"behind_by"`
		TotalCommits int    `json:"total_commits"`
	}
	endpoint := fmt.Sprintf("/repos/%s/%s/compare/%s...%s",
		owner, repo, url.PathEscape(base), url.PathEscape(head))
	if err := c.get(ctx, endpoint, &raw); err != nil {
		return nil, fmt.Errorf("compare %s...%s: %w", base, head, err)
	}
	return &Compare{
		Status:       raw.Status,
		AheadBy:      raw.AheadBy,
		BehindBy:     raw.BehindBy,
		TotalCommits: raw.TotalCommits,
	}, nil
}

func (c *RESTClient) GetRepository(ctx context.Context, owner, repo string) (*Repository, error) {
	var raw struct {
		FullName      string `json:"full_name"`
		DefaultBranch string `json:"default_branch"`
		Private       bool   `json:"private"`
		CloneURL      string `json:"clone_url"`
	}
	endpoint := fmt.Sprintf("/repos/%s/%s", owner, repo)
	if err := c.get(ctx, endpoint, &raw); err != nil {
		return nil, fmt.Errorf("get repository: %w", err)
	}
	return &Repository{
		FullName:      raw.FullName,
		DefaultBranch: raw.DefaultBranch,
		Private:       raw.Private,
		CloneURL:      raw.CloneURL,
	}, nil
}

func (c *RESTClient) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	endpoint := fmt.Sprintf("/repos/%s/%s/issues/%d/labels", owner, repo, number)
	body := map[string][]string{"labels": labels}
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

func (c *RESTClient) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	endpoint := fmt.Sprintf("/repos/%s/%s/issues/%d/labels/%s", owner, repo, number, url.PathEscape(label))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

func (c *RESTClient) SetLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	endpoint := fmt.Sprintf("/repos/%s/%s/issues/%d/labels", owner, repo, number)
	body := map[string][]string{"labels": labels}
	return c.do(ctx, http.MethodPut, endpoint, body, nil)
}

func (c *RESTClient) AddComment(ctx context.Context, owner, repo string, number int, body string) (*Comment, error) {
	var raw ghComment
	endpoint := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
	if err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"body": body}, &raw); err != nil {
		return nil, err
	}
	return convertComment(&raw), nil
}

func (c *RESTClient) get(ctx context.Context, endpoint string, result any) error {
	return c.do(ctx, http.MethodGet, endpoint, nil, result)
}

func (c *RESTClient) do(ctx context.Context, method, endpoint string, body, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "token "+c.tokens.Token())
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			StatusCode: resp.StatusCode,
			Endpoint:   endpoint,
			Message:    apiErrorMessage(data),
		}
	}
	if result == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// apiErrorMessage pulls the "message" field out of an error body, falling
// back to the raw body. Validation errors append their sub-messages so
// "already exists" style responses stay matchable.
func apiErrorMessage(data []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil || parsed.Message == "" {
		return string(data)
	}
	msg := parsed.Message
	for _, e := range parsed.Errors {
		if e.Message != "" {
			msg += "; " + e.Message
		}
	}
	return msg
}

// Raw JSON shapes from the hosting service REST API.

type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	HTMLURL     string    `json:"html_url"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	PullRequest *struct { //nolint:revive // presence marker only
		URL string `json:"url"`
	} `json:"pull_request"`
}

type ghComment struct {
	ID   int64 `json:"id"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	Body      string    `json:"body"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ghPull struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	Draft  bool   `json:"draft"`
	User   struct {
		Login string `json:"login"`
	} `json:"user"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Head struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func convertIssue(raw *ghIssue) *Issue {
	labels := make([]string, 0, len(raw.Labels))
	for _, l := range raw.Labels {
		labels = append(labels, l.Name)
	}
	return &Issue{
		Number:      raw.Number,
		Title:       raw.Title,
		Body:        raw.Body,
		State:       raw.State,
		Labels:      labels,
		Author:      raw.User.Login,
		HTMLURL:     raw.HTMLURL,
		CreatedAt:   raw.CreatedAt,
		UpdatedAt:   raw.UpdatedAt,
		PullRequest: raw.PullRequest != nil,
	}
}

func convertComment(raw *ghComment) *Comment {
	return &Comment{
		ID:        raw.ID,
		Author:    raw.User.Login,
		Body:      raw.Body,
		HTMLURL:   raw.HTMLURL,
		CreatedAt: raw.CreatedAt,
		UpdatedAt: raw.UpdatedAt,
	}
}

func convertPull(raw *ghPull) *PullRequest {
	labels := make([]string, 0, len(raw.Labels))
	for _, l := range raw.Labels {
		labels = append(labels, l.Name)
	}
	return &PullRequest{
		Number:     raw.Number,
		Title:      raw.Title,
		Body:       raw.Body,
		State:      strings.ToLower(raw.State),
		HeadBranch: raw.Head.Ref,
		HeadSHA:    raw.Head.SHA,
		BaseBranch: raw.Base.Ref,
		Author:     raw.User.Login,
		Labels:     labels,
		HTMLURL:    raw.HTMLURL,
		Draft:      raw.Draft,
		CreatedAt:  raw.CreatedAt,
		UpdatedAt:  raw.UpdatedAt,
	}
}
