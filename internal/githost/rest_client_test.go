package githost

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *RESTClient) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, NewRESTClient(srv.URL, NewStaticTokenSource("t0ken"))
}

func TestRESTClient_GetIssue(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/widgets/issues/42", r.URL.Path)
		assert.Equal(t, "token t0ken", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"number": 42,
			"title":  "broken build",
			"state":  "open",
			"labels": []map[string]string{{"name": "AI"}, {"name": "llm-claude-opus"}},
			"user":   map[string]string{"login": "alice"},
		})
	})

	issue, err := client.GetIssue(context.Background(), "acme", "widgets", 42)
	require.NoError(t, err)
	assert.Equal(t, 42, issue.Number)
	assert.Equal(t, []string{"AI", "llm-claude-opus"}, issue.Labels)
	assert.Equal(t, "alice", issue.Author)
	assert.False(t, issue.PullRequest)
}

func TestRESTClient_CreatePull_AlreadyExists(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": "Validation Failed",
			"errors": []map[string]string{
				{"message": "A pull request already exists for acme:ai-fix/42."},
			},
		})
	})

	_, err := client.CreatePull(context.Background(), "acme", "widgets", CreatePullRequest{
		Title: "Fix #42",
		Head:  "ai-fix/42",
		Base:  "main",
	})
	require.Error(t, err)
	assert.True(t, IsAlreadyExists(err))
	assert.False(t, IsRefNotReady(err))
}

func TestRESTClient_CompareRefs(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/widgets/compare/main...ai-fix%2F42", r.URL.EscapedPath())
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ahead", "ahead_by": 2, "behind_by": 0, "total_commits": 2,
		})
	})

	cmp, err := client.CompareRefs(context.Background(), "acme", "widgets", "main", "ai-fix/42")
	require.NoError(t, err)
	assert.Equal(t, 2, cmp.AheadBy)
	assert.Equal(t, "ahead", cmp.Status)
}

func TestRESTClient_ListIssueComments_Paginates(t *testing.T) {
	pagesServed := 0
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		pagesServed++
		page := r.URL.Query().Get("page")
		var comments []map[string]any
		if page == "1" {
			for i := 0; i < perPage; i++ {
				comments = append(comments, map[string]any{
					"id":   i + 1,
					"body": "c",
					"user": map[string]string{"login": "bob"},
				})
			}
		} else {
			comments = []map[string]any{{
				"id":   999,
				"body": "last",
				"user": map[string]string{"login": "bob"},
			}}
		}
		_ = json.NewEncoder(w).Encode(comments)
	})

	comments, err := client.ListIssueComments(context.Background(), "acme", "widgets", 42)
	require.NoError(t, err)
	assert.Len(t, comments, perPage+1)
	assert.Equal(t, 2, pagesServed)
}

func TestRESTClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"not found", 404, `{"message":"Not Found"}`, IsNotFound},
		{"auth", 401, `{"message":"Bad credentials"}`, IsAuthError},
		{"server error", 502, `{"message":"oops"}`, IsRetryable},
		{"rate limited", 429, `{"message":"slow down"}`, IsRetryable},
		{"ref not ready", 422, `{"message":"Validation Failed","errors":[{"message":"sha can't be blank"}]}`, IsRefNotReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := client.GetIssue(context.Background(), "acme", "widgets", 1)
			require.Error(t, err)
			assert.True(t, tt.check(err))
		})
	}
}
