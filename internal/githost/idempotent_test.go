package githost

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitfix/gitfix/internal/common/logger"
)

type memKeySet struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newMemKeySet() *memKeySet { return &memKeySet{keys: make(map[string]bool)} }

func (m *memKeySet) HasKey(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[key], nil
}

func (m *memKeySet) PutKey(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = true
	return nil
}

func seedIssue(f *FakeClient, labels ...string) {
	f.SeedIssue("acme", "widgets", &Issue{
		Number: 42,
		Title:  "broken build",
		State:  "open",
		Labels: labels,
	})
}

func TestAddLabelIfAbsent_Idempotent(t *testing.T) {
	f := NewFakeClient()
	seedIssue(f, "AI")
	idem := NewIdempotent(f, nil, logger.Default())
	ctx := context.Background()

	require.NoError(t, idem.AddLabelIfAbsent(ctx, "acme", "widgets", 42, "AI-processing"))
	require.NoError(t, idem.AddLabelIfAbsent(ctx, "acme", "widgets", 42, "AI-processing"))

	issue, err := f.GetIssue(ctx, "acme", "widgets", 42)
	require.NoError(t, err)
	assert.Equal(t, []string{"AI", "AI-processing"}, issue.Labels)
}

func TestRemoveLabelIfPresent(t *testing.T) {
	f := NewFakeClient()
	seedIssue(f, "AI", "AI-processing")
	idem := NewIdempotent(f, nil, logger.Default())
	ctx := context.Background()

	require.NoError(t, idem.RemoveLabelIfPresent(ctx, "acme", "widgets", 42, "AI-processing"))
	// Second call is a no-op, not an error.
	require.NoError(t, idem.RemoveLabelIfPresent(ctx, "acme", "widgets", 42, "AI-processing"))

	issue, err := f.GetIssue(ctx, "acme", "widgets", 42)
	require.NoError(t, err)
	assert.Equal(t, []string{"AI"}, issue.Labels)
}

func TestAddCommentWithIdempotencyKey_PostsOnce(t *testing.T) {
	f := NewFakeClient()
	seedIssue(f, "AI")
	idem := NewIdempotent(f, newMemKeySet(), logger.Default())
	ctx := context.Background()

	key := IdempotencyKey("acme", "widgets", "42", "start")
	_, err := idem.AddCommentWithIdempotencyKey(ctx, "acme", "widgets", 42, key, "working on it")
	require.NoError(t, err)
	_, err = idem.AddCommentWithIdempotencyKey(ctx, "acme", "widgets", 42, key, "working on it")
	require.NoError(t, err)

	comments, err := f.ListIssueComments(ctx, "acme", "widgets", 42)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0].Body, "idempotency-key: "+key)
}

func TestAddCommentWithIdempotencyKey_DetectsPriorPostByScan(t *testing.T) {
	// No key set: a prior post must be found by paginating comments.
	f := NewFakeClient()
	seedIssue(f, "AI")
	idem := NewIdempotent(f, nil, logger.Default())
	ctx := context.Background()

	key := IdempotencyKey("retry", "path")
	_, err := idem.AddCommentWithIdempotencyKey(ctx, "acme", "widgets", 42, key, "first attempt")
	require.NoError(t, err)

	// A second wrapper instance simulates a process restart.
	idem2 := NewIdempotent(f, nil, logger.Default())
	_, err = idem2.AddCommentWithIdempotencyKey(ctx, "acme", "widgets", 42, key, "second attempt")
	require.NoError(t, err)

	comments, err := f.ListIssueComments(ctx, "acme", "widgets", 42)
	require.NoError(t, err)
	assert.Len(t, comments, 1)
}

func TestIdempotencyKey_Deterministic(t *testing.T) {
	a := IdempotencyKey("x", "y")
	b := IdempotencyKey("x", "y")
	c := IdempotencyKey("x", "z")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 8)
}
