package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/logger"
	"github.com/gitfix/gitfix/internal/db"
	"github.com/gitfix/gitfix/internal/events/bus"
)

// Store persists task states, metrics, idempotency keys, and the activity
// feed, and publishes live frames for each task.
type Store struct {
	pool          *db.Pool
	bus           bus.EventBus
	logger        *logger.Logger
	costThreshold float64
}

// Options configures a Store.
type Options struct {
	CostThresholdUSD float64
}

// NewStore creates the store and initializes its schema. The event bus
// may be nil; stream publication is then skipped.
func NewStore(pool *db.Pool, eventBus bus.EventBus, opts Options, log *logger.Logger) (*Store, error) {
	s := &Store{
		pool:          pool,
		bus:           eventBus,
		logger:        log.WithFields(zap.String("component", "state-store")),
		costThreshold: opts.CostThresholdUSD,
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize state schema: %w", err)
	}
	return s, nil
}

func (s *Store) driver() string { return s.pool.Writer().DriverName() }

func (s *Store) initSchema() error {
	_, err := s.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS task_states (
		task_id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		repo TEXT NOT NULL,
		issue_number INTEGER NOT NULL,
		model TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		session_id TEXT NOT NULL DEFAULT '',
		conversation_id TEXT NOT NULL DEFAULT '',
		container_id TEXT NOT NULL DEFAULT '',
		container_name TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL DEFAULT '',
		base_branch TEXT NOT NULL DEFAULT '',
		worktree_path TEXT NOT NULL DEFAULT '',
		history TEXT NOT NULL DEFAULT '[]',
		last_error TEXT NOT NULL DEFAULT '',
		pr_result TEXT NOT NULL DEFAULT '',
		logs TEXT NOT NULL DEFAULT '',
		final_diff TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_task_states_state ON task_states(state);
	CREATE INDEX IF NOT EXISTS idx_task_states_updated_at ON task_states(updated_at);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS log_files (
		key TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		path TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_log_files_task_id ON log_files(task_id);

	CREATE TABLE IF NOT EXISTS llm_daily_metrics (
		day TEXT NOT NULL,
		model TEXT NOT NULL,
		total INTEGER NOT NULL DEFAULT 0,
		successful INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		turns INTEGER NOT NULL DEFAULT 0,
		execution_time_ms INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (day, model)
	);

	CREATE TABLE IF NOT EXISTS llm_cost_alerts (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		model TEXT NOT NULL,
		cost_usd REAL NOT NULL,
		threshold_usd REAL NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS llm_executions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		model TEXT NOT NULL,
		success INTEGER NOT NULL,
		cost_usd REAL NOT NULL DEFAULT 0,
		turns INTEGER NOT NULL DEFAULT 0,
		execution_time_ms INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_llm_executions_created_at ON llm_executions(created_at);

	CREATE TABLE IF NOT EXISTS activity (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		owner TEXT NOT NULL DEFAULT '',
		repo TEXT NOT NULL DEFAULT '',
		issue_number INTEGER NOT NULL DEFAULT 0,
		model TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_activity_created_at ON activity(created_at);
	`)
	return err
}

// CreateTask creates the PENDING record for a job start. A record left by
// a previous attempt is reset to PENDING with attempts incremented, its
// history preserved.
func (s *Store) CreateTask(ctx context.Context, owner, repo string, issueNumber int, model string) (*TaskState, error) {
	return s.CreateTaskWithID(ctx, TaskID(owner, repo, issueNumber, model), owner, repo, issueNumber, model)
}

// CreateTaskWithID is CreateTask under a caller-chosen task ID. PR-comment
// batches use their job ID as the task identity.
func (s *Store) CreateTaskWithID(ctx context.Context, taskID, owner, repo string, issueNumber int, model string) (*TaskState, error) {
	now := time.Now().UTC()

	existing, err := s.GetTask(ctx, taskID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		existing.Attempts++
		existing.State = StatePending
		existing.History = append(existing.History, HistoryEntry{
			State:     StatePending,
			Reason:    fmt.Sprintf("attempt %d", existing.Attempts),
			Timestamp: now,
		})
		historyJSON := mustJSON(existing.History)
		_, err = s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(`
			UPDATE task_states SET state = ?, attempts = ?, history = ?, updated_at = ?
			WHERE task_id = ?
		`), StatePending, existing.Attempts, historyJSON, now, taskID)
		if err != nil {
			return nil, err
		}
		existing.UpdatedAt = now
		s.publishState(ctx, taskID, StatePending, nil)
		return existing, nil
	}

	task := &TaskState{
		TaskID:      taskID,
		Owner:       owner,
		Repo:        repo,
		IssueNumber: issueNumber,
		Model:       model,
		State:       StatePending,
		Attempts:    1,
		History: []HistoryEntry{{
			State:     StatePending,
			Reason:    "task created",
			Timestamp: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(`
		INSERT INTO task_states (task_id, owner, repo, issue_number, model, state, attempts, history, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), task.TaskID, owner, repo, issueNumber, model, task.State, task.Attempts, mustJSON(task.History), now, now)
	if err != nil {
		return nil, err
	}
	s.publishState(ctx, taskID, StatePending, nil)
	return task, nil
}

// knownMetadataColumns maps metadata keys to dedicated columns.
var knownMetadataColumns = map[string]string{
	"session_id":      "session_id",
	"conversation_id": "conversation_id",
	"container_id":    "container_id",
	"container_name":  "container_name",
	"branch":          "branch",
	"base_branch":     "base_branch",
	"worktree_path":   "worktree_path",
}

// UpdateTask appends a history entry for the new state and updates the
// task row. Metadata keys matching dedicated columns are promoted.
func (s *Store) UpdateTask(ctx context.Context, taskID string, newState State, metadata map[string]interface{}) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	task.History = append(task.History, HistoryEntry{
		State:     newState,
		Metadata:  metadata,
		Timestamp: now,
	})

	set := "state = ?, history = ?, updated_at = ?"
	args := []interface{}{newState, mustJSON(task.History), now}
	for key, column := range knownMetadataColumns {
		if value, ok := metadata[key]; ok {
			set += ", " + column + " = ?"
			args = append(args, fmt.Sprintf("%v", value))
		}
	}
	args = append(args, taskID)

	result, err := s.pool.Writer().ExecContext(ctx,
		s.pool.Writer().Rebind("UPDATE task_states SET "+set+" WHERE task_id = ?"), args...)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	s.publishState(ctx, taskID, newState, metadata)
	return nil
}

// UpdateHistoryMetadata merges metadata into the most recent history entry
// for the given state without a transition. Metadata keys matching
// dedicated columns are promoted, so mid-state captures (session id,
// container identity) land on the row as well.
func (s *Store) UpdateHistoryMetadata(ctx context.Context, taskID string, state State, metadata map[string]interface{}) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	for i := len(task.History) - 1; i >= 0; i-- {
		if task.History[i].State != state {
			continue
		}
		if task.History[i].Metadata == nil {
			task.History[i].Metadata = make(map[string]interface{})
		}
		for k, v := range metadata {
			task.History[i].Metadata[k] = v
		}
		break
	}
	now := time.Now().UTC()

	set := "history = ?, updated_at = ?"
	args := []interface{}{mustJSON(task.History), now}
	for key, column := range knownMetadataColumns {
		if value, ok := metadata[key]; ok {
			set += ", " + column + " = ?"
			args = append(args, fmt.Sprintf("%v", value))
		}
	}
	args = append(args, taskID)
	_, err = s.pool.Writer().ExecContext(ctx,
		s.pool.Writer().Rebind("UPDATE task_states SET "+set+" WHERE task_id = ?"), args...)
	return err
}

// MarkFailed transitions to FAILED and records the categorised error.
func (s *Store) MarkFailed(ctx context.Context, taskID string, taskErr *TaskError) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if taskErr != nil && taskErr.At.IsZero() {
		taskErr.At = now
	}
	reason := ""
	if taskErr != nil {
		reason = taskErr.Category + ": " + taskErr.Message
	}
	task.History = append(task.History, HistoryEntry{
		State:     StateFailed,
		Reason:    reason,
		Timestamp: now,
	})
	_, err = s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(`
		UPDATE task_states SET state = ?, history = ?, last_error = ?, updated_at = ?
		WHERE task_id = ?
	`), StateFailed, mustJSON(task.History), mustJSON(taskErr), now, taskID)
	if err != nil {
		return err
	}
	s.publishState(ctx, taskID, StateFailed, map[string]interface{}{"error": reason})
	return nil
}

// MarkCompleted transitions to a terminal completed state with the
// reconciled PR result (nil for COMPLETED_NO_CHANGES).
func (s *Store) MarkCompleted(ctx context.Context, taskID string, finalState State, pr *PRResult) error {
	if finalState != StateCompletedWithPR && finalState != StateCompletedNoChanges {
		return fmt.Errorf("not a completed state: %s", finalState)
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	entry := HistoryEntry{State: finalState, Timestamp: now}
	if pr != nil {
		entry.Metadata = map[string]interface{}{"pr_number": pr.Number, "pr_created": pr.Created}
	}
	task.History = append(task.History, entry)
	_, err = s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(`
		UPDATE task_states SET state = ?, history = ?, pr_result = ?, updated_at = ?
		WHERE task_id = ?
	`), finalState, mustJSON(task.History), mustJSON(pr), now, taskID)
	if err != nil {
		return err
	}
	s.publishState(ctx, taskID, finalState, entry.Metadata)
	return nil
}

const taskColumns = `task_id, owner, repo, issue_number, model, state, attempts,
	session_id, conversation_id, container_id, container_name,
	branch, base_branch, worktree_path, history, last_error, pr_result,
	created_at, updated_at`

// GetTask retrieves a task state by ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (*TaskState, error) {
	row := s.pool.Reader().QueryRowContext(ctx, s.pool.Reader().Rebind(
		"SELECT "+taskColumns+" FROM task_states WHERE task_id = ?"), taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return task, err
}

// GetTaskHistory returns the task plus its persisted log and diff blobs.
func (s *Store) GetTaskHistory(ctx context.Context, taskID string) (*TaskHistory, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var logs, diff string
	err = s.pool.Reader().QueryRowContext(ctx, s.pool.Reader().Rebind(
		"SELECT logs, final_diff FROM task_states WHERE task_id = ?"), taskID).Scan(&logs, &diff)
	if err != nil {
		return nil, err
	}
	return &TaskHistory{TaskState: task, Logs: logs, FinalDiff: diff}, nil
}

// ListResumable returns in-progress tasks, flagging those not updated
// within staleThreshold as stale.
func (s *Store) ListResumable(ctx context.Context, staleThreshold time.Duration) ([]*TaskState, error) {
	if staleThreshold <= 0 {
		staleThreshold = StaleThreshold
	}
	rows, err := s.pool.Reader().QueryContext(ctx, s.pool.Reader().Rebind(
		"SELECT "+taskColumns+" FROM task_states WHERE state IN (?, ?, ?) ORDER BY updated_at"),
		StateProcessing, StateClaudeExecution, StatePostProcessing)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now().UTC()
	var out []*TaskState
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		task.Stale = now.Sub(task.UpdatedAt) > staleThreshold
		out = append(out, task)
	}
	return out, rows.Err()
}

// GetResumable returns the task only when it is in a resumable state,
// flagged stale after 30 minutes without an update.
func (s *Store) GetResumable(ctx context.Context, taskID string) (*TaskState, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.State.Resumable() {
		return nil, nil
	}
	task.Stale = time.Now().UTC().Sub(task.UpdatedAt) > StaleThreshold
	return task, nil
}

// CleanupOldTasks removes terminal tasks older than maxAge. Returns the
// number of rows deleted.
func (s *Store) CleanupOldTasks(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	result, err := s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(`
		DELETE FROM task_states WHERE state IN (?, ?, ?) AND updated_at < ?
	`), StateCompletedWithPR, StateCompletedNoChanges, StateFailed, cutoff)
	if err != nil {
		return 0, err
	}
	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		s.logger.Info("old task states removed", zap.Int64("count", deleted))
	}
	return deleted, nil
}

// RecordActivity appends a dashboard activity entry, trimming the feed to
// the most recent 1000.
func (s *Store) RecordActivity(ctx context.Context, entry ActivityEntry) error {
	if entry.ID == "" {
		entry.ID = newID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO activity (id, kind, owner, repo, issue_number, model, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.Kind, entry.Owner, entry.Repo, entry.IssueNumber, entry.Model, entry.Message, entry.CreatedAt)
	if err != nil {
		return err
	}
	_, err = w.ExecContext(ctx, `
		DELETE FROM activity WHERE id NOT IN (
			SELECT id FROM activity ORDER BY created_at DESC, id DESC LIMIT 1000
		)`)
	return err
}

// ListActivity returns the most recent activity entries, newest first.
func (s *Store) ListActivity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var out []ActivityEntry
	err := s.pool.Reader().SelectContext(ctx, &out, s.pool.Reader().Rebind(`
		SELECT id, kind, owner, repo, issue_number, model, message, created_at
		FROM activity ORDER BY created_at DESC, id DESC LIMIT ?
	`), limit)
	return out, err
}

// HasKey reports whether the idempotency key has been recorded.
func (s *Store) HasKey(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.pool.Reader().QueryRowContext(ctx, s.pool.Reader().Rebind(
		"SELECT 1 FROM idempotency_keys WHERE key = ?"), key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PutKey records an idempotency key. Duplicate inserts are a no-op.
func (s *Store) PutKey(ctx context.Context, key string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO idempotency_keys (key, created_at) VALUES (?, ?)
		ON CONFLICT (key) DO NOTHING
	`), key, time.Now().UTC())
	return err
}

// RecordLogFile maps lookup keys to a task's on-disk conversation log.
// A key seen again (a resumed session, a retried attempt) is repointed.
func (s *Store) RecordLogFile(ctx context.Context, taskID, path string, keys ...string) error {
	w := s.pool.Writer()
	now := time.Now().UTC()
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, err := w.ExecContext(ctx, w.Rebind(`
			INSERT INTO log_files (key, task_id, path, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET task_id = excluded.task_id, path = excluded.path
		`), key, taskID, path, now); err != nil {
			return err
		}
	}
	return nil
}

// GetLogFile resolves a log-file lookup key to the conversation log path.
func (s *Store) GetLogFile(ctx context.Context, key string) (string, error) {
	var path string
	err := s.pool.Reader().QueryRowContext(ctx, s.pool.Reader().Rebind(
		"SELECT path FROM log_files WHERE key = ?"), key).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return path, err
}

// Ping verifies database connectivity for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Reader().PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*TaskState, error) {
	task := &TaskState{}
	var history, lastError, prResult string
	err := row.Scan(
		&task.TaskID, &task.Owner, &task.Repo, &task.IssueNumber, &task.Model,
		&task.State, &task.Attempts,
		&task.SessionID, &task.ConversationID, &task.ContainerID, &task.ContainerName,
		&task.Branch, &task.BaseBranch, &task.WorktreePath,
		&history, &lastError, &prResult,
		&task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(history), &task.History)
	if lastError != "" && lastError != "null" {
		task.LastError = &TaskError{}
		_ = json.Unmarshal([]byte(lastError), task.LastError)
	}
	if prResult != "" && prResult != "null" {
		task.PRResult = &PRResult{}
		_ = json.Unmarshal([]byte(prResult), task.PRResult)
	}
	return task, nil
}

func mustJSON(v interface{}) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
