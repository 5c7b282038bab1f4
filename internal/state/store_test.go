package state

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitfix/gitfix/internal/common/config"
	"github.com/gitfix/gitfix/internal/common/logger"
	"github.com/gitfix/gitfix/internal/db"
	"github.com/gitfix/gitfix/internal/events/bus"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool, cleanup, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite3",
		Path:   filepath.Join(t.TempDir(), "state.db"),
	}, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })

	store, err := NewStore(pool, nil, Options{CostThresholdUSD: 1.0}, logger.Default())
	require.NoError(t, err)
	return store
}

func TestStore_CreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, "acme", "widgets", 42, "sonnet")
	require.NoError(t, err)
	assert.Equal(t, "acme-widgets-42-sonnet", task.TaskID)
	assert.Equal(t, StatePending, task.State)
	assert.Equal(t, 1, task.Attempts)
	require.Len(t, task.History, 1)

	got, err := s.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.TaskID, got.TaskID)
	assert.Equal(t, StatePending, got.State)

	_, err = s.GetTask(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_CreateTask_RetryIncrementsAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, "acme", "widgets", 42, "sonnet")
	require.NoError(t, err)
	task, err := s.CreateTask(ctx, "acme", "widgets", 42, "sonnet")
	require.NoError(t, err)

	assert.Equal(t, 2, task.Attempts)
	assert.Equal(t, StatePending, task.State)
	// History from the first attempt is preserved.
	assert.Len(t, task.History, 2)
}

func TestStore_UpdateTask_HistoryAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, "acme", "widgets", 42, "sonnet")
	require.NoError(t, err)

	require.NoError(t, s.UpdateTask(ctx, task.TaskID, StateProcessing, map[string]interface{}{
		"branch":        "ai-fix/42-x",
		"base_branch":   "main",
		"worktree_path": "/data/worktrees/acme/widgets/issue-42",
	}))
	require.NoError(t, s.UpdateTask(ctx, task.TaskID, StateClaudeExecution, map[string]interface{}{
		"session_id": "sess-1",
	}))

	got, err := s.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StateClaudeExecution, got.State)
	assert.Equal(t, "ai-fix/42-x", got.Branch)
	assert.Equal(t, "main", got.BaseBranch)
	assert.Equal(t, "sess-1", got.SessionID)
	require.Len(t, got.History, 3)
	assert.Equal(t, StatePending, got.History[0].State)
	assert.Equal(t, StateProcessing, got.History[1].State)
	assert.Equal(t, StateClaudeExecution, got.History[2].State)

	require.NoError(t, s.UpdateHistoryMetadata(ctx, task.TaskID, StateClaudeExecution, map[string]interface{}{
		"num_turns": 3,
	}))
	got, err = s.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	require.Len(t, got.History, 3, "metadata merge must not append")
	assert.EqualValues(t, 3, got.History[2].Metadata["num_turns"])
}

func TestStore_MarkFailedAndCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, "acme", "widgets", 42, "sonnet")
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, task.TaskID, &TaskError{
		Category: "subprocess",
		Message:  "exit 1",
		Stage:    "claude_execution",
	}))

	got, err := s.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "subprocess", got.LastError.Category)

	task2, err := s.CreateTask(ctx, "acme", "widgets", 43, "sonnet")
	require.NoError(t, err)
	require.NoError(t, s.MarkCompleted(ctx, task2.TaskID, StateCompletedWithPR, &PRResult{Number: 7, Created: true}))
	got, err = s.GetTask(ctx, task2.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StateCompletedWithPR, got.State)
	require.NotNil(t, got.PRResult)
	assert.Equal(t, 7, got.PRResult.Number)

	err = s.MarkCompleted(ctx, task2.TaskID, StateFailed, nil)
	assert.Error(t, err)
}

func TestStore_Resumable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inProgress, err := s.CreateTask(ctx, "acme", "widgets", 1, "sonnet")
	require.NoError(t, err)
	require.NoError(t, s.UpdateTask(ctx, inProgress.TaskID, StateClaudeExecution, nil))

	done, err := s.CreateTask(ctx, "acme", "widgets", 2, "sonnet")
	require.NoError(t, err)
	require.NoError(t, s.MarkCompleted(ctx, done.TaskID, StateCompletedNoChanges, nil))

	list, err := s.ListResumable(ctx, StaleThreshold)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, inProgress.TaskID, list[0].TaskID)
	assert.False(t, list[0].Stale)

	got, err := s.GetResumable(ctx, inProgress.TaskID)
	require.NoError(t, err)
	require.NotNil(t, got)

	got, err = s.GetResumable(ctx, done.TaskID)
	require.NoError(t, err)
	assert.Nil(t, got, "terminal task is not resumable")
}

func TestStore_CleanupOldTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, "acme", "widgets", 1, "sonnet")
	require.NoError(t, err)
	require.NoError(t, s.MarkCompleted(ctx, task.TaskID, StateCompletedNoChanges, nil))

	// Fresh terminal task survives a 1h window.
	deleted, err := s.CleanupOldTasks(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	deleted, err = s.CleanupOldTasks(ctx, -time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}

func TestStore_LogAndDiffStreams(t *testing.T) {
	s := newTestStore(t)
	eventBus := bus.NewMemoryEventBus(logger.Default())
	s.bus = eventBus
	ctx := context.Background()

	task, err := s.CreateTask(ctx, "acme", "widgets", 5, "sonnet")
	require.NoError(t, err)

	var mu sync.Mutex
	var frames []string
	_, err = eventBus.Subscribe(TaskSubjects(task.TaskID), func(_ context.Context, e *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		frames = append(frames, e.Type)
		return nil
	})
	require.NoError(t, err)

	s.AppendLog(ctx, task.TaskID, []byte(`{"type":"assistant"}`+"\n"))
	s.AppendLog(ctx, task.TaskID, []byte("more\n"))
	s.PublishDiff(ctx, task.TaskID, "diff --git a/x b/x")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 3
	}, time.Second, 10*time.Millisecond)

	history, err := s.GetTaskHistory(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Contains(t, history.Logs, `{"type":"assistant"}`)
	assert.Contains(t, history.Logs, "more")
	assert.Equal(t, "diff --git a/x b/x", history.FinalDiff)
}

func TestStore_IdempotencyKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seen, err := s.HasKey(ctx, "abc12345")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.PutKey(ctx, "abc12345"))
	require.NoError(t, s.PutKey(ctx, "abc12345"), "duplicate put is a no-op")

	seen, err = s.HasKey(ctx, "abc12345")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestStore_LogFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	path := "/var/log/gitfix/issue-42-20260301-090000-conversation.json"
	require.NoError(t, s.RecordLogFile(ctx, "acme-widgets-42-sonnet", path,
		SessionLogKey("sess-1"),
		ConversationLogKey("conv-1"),
		IssueLogKey("acme", "widgets", 42),
		SessionLogKey(""), // empty IDs produce no key
	))

	for _, key := range []string{"session/sess-1", "conversation/conv-1", "issue/acme/widgets/42"} {
		got, err := s.GetLogFile(ctx, key)
		require.NoError(t, err, key)
		assert.Equal(t, path, got)
	}

	_, err := s.GetLogFile(ctx, SessionLogKey("other"))
	assert.ErrorIs(t, err, ErrNotFound)

	// A retried attempt repoints the issue key at the new file.
	path2 := "/var/log/gitfix/issue-42-20260301-100000-conversation.json"
	require.NoError(t, s.RecordLogFile(ctx, "acme-widgets-42-sonnet", path2,
		IssueLogKey("acme", "widgets", 42)))
	got, err := s.GetLogFile(ctx, IssueLogKey("acme", "widgets", 42))
	require.NoError(t, err)
	assert.Equal(t, path2, got)
}

func TestStore_Metrics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordExecution(ctx, ExecutionRecord{
		TaskID: "t1", Model: "sonnet", Success: true, CostUSD: 0.12, Turns: 3, ExecutionTimeMS: 45000,
	}))
	require.NoError(t, s.RecordExecution(ctx, ExecutionRecord{
		TaskID: "t2", Model: "sonnet", Success: false, CostUSD: 2.50, Turns: 30, ExecutionTimeMS: 300000,
	}))
	require.NoError(t, s.RecordExecution(ctx, ExecutionRecord{
		TaskID: "t3", Model: "opus", Success: true, CostUSD: 0.80, Turns: 5, ExecutionTimeMS: 60000,
	}))

	m, err := s.GetMetrics(ctx, 10)
	require.NoError(t, err)

	require.Len(t, m.Daily, 2)
	byModel := map[string]DailyModelMetrics{}
	for _, d := range m.Daily {
		byModel[d.Model] = d
	}
	assert.Equal(t, 2, byModel["sonnet"].Total)
	assert.Equal(t, 1, byModel["sonnet"].Successful)
	assert.Equal(t, 1, byModel["sonnet"].Failed)
	assert.InDelta(t, 2.62, byModel["sonnet"].CostUSD, 0.001)

	// Only the $2.50 run crossed the $1 threshold.
	require.Len(t, m.Alerts, 1)
	assert.Equal(t, "t2", m.Alerts[0].TaskID)

	assert.Len(t, m.Recent, 3)
}

func TestStore_ActivityFeed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordActivity(ctx, ActivityEntry{
			Kind:        "issue_enqueued",
			Owner:       "acme",
			Repo:        "widgets",
			IssueNumber: i,
			Model:       "sonnet",
			Message:     "queued",
			CreatedAt:   time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		}))
	}

	entries, err := s.ListActivity(ctx, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 4, entries[0].IssueNumber, "newest first")
}
