// Package state persists per-task execution state, aggregate LLM metrics,
// and the activity feed, and publishes live log/diff/state frames on the
// event bus.
package state

import (
	"errors"
	"fmt"
	"time"
)

// State is a task state-machine position.
type State string

// Task states. Any state may branch to FAILED or be deflected to REQUEUED.
const (
	StatePending            State = "PENDING"
	StateProcessing         State = "PROCESSING"
	StateClaudeExecution    State = "CLAUDE_EXECUTION"
	StatePostProcessing     State = "POST_PROCESSING"
	StateCompletedWithPR    State = "COMPLETED_WITH_PR"
	StateCompletedNoChanges State = "COMPLETED_NO_CHANGES"
	StateFailed             State = "FAILED"
	StateRequeued           State = "REQUEUED"
)

// Terminal reports whether no further transition happens for this task.
func (s State) Terminal() bool {
	switch s {
	case StateCompletedWithPR, StateCompletedNoChanges, StateFailed:
		return true
	}
	return false
}

// Resumable reports whether a crashed process may pick the task back up.
func (s State) Resumable() bool {
	switch s {
	case StateProcessing, StateClaudeExecution, StatePostProcessing:
		return true
	}
	return false
}

// StaleThreshold is how long an in-progress task may go without an update
// before recovery treats it as abandoned.
const StaleThreshold = 30 * time.Minute

// ErrNotFound is returned when a task state does not exist.
var ErrNotFound = errors.New("task state not found")

// TaskID composes the canonical task identity.
func TaskID(owner, repo string, issueNumber int, model string) string {
	return fmt.Sprintf("%s-%s-%d-%s", owner, repo, issueNumber, model)
}

// Log-file lookup keys: a conversation log is findable by its session,
// its conversation, or the issue it was run for. Empty IDs yield empty
// keys, which RecordLogFile skips.
func SessionLogKey(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	return "session/" + sessionID
}

func ConversationLogKey(conversationID string) string {
	if conversationID == "" {
		return ""
	}
	return "conversation/" + conversationID
}

func IssueLogKey(owner, repo string, issueNumber int) string {
	return fmt.Sprintf("issue/%s/%s/%d", owner, repo, issueNumber)
}

// HistoryEntry is one append-only state transition record.
type HistoryEntry struct {
	State     State                  `json:"state"`
	Reason    string                 `json:"reason,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// TaskError captures a categorised failure on the task record.
type TaskError struct {
	Category string                 `json:"category"`
	Message  string                 `json:"message"`
	Stage    string                 `json:"stage,omitempty"`
	Stack    string                 `json:"stack,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	At       time.Time              `json:"at"`
}

// PRResult records the reconciled pull request for a completed task.
type PRResult struct {
	Number  int    `json:"number"`
	URL     string `json:"url,omitempty"`
	Created bool   `json:"created"` // false when an existing PR was adopted
}

// TaskState is the persisted record for one (issue, model) execution.
type TaskState struct {
	TaskID         string         `json:"taskId" db:"task_id"`
	Owner          string         `json:"owner" db:"owner"`
	Repo           string         `json:"repo" db:"repo"`
	IssueNumber    int            `json:"issueNumber" db:"issue_number"`
	Model          string         `json:"model" db:"model"`
	State          State          `json:"state" db:"state"`
	Attempts       int            `json:"attempts" db:"attempts"`
	SessionID      string         `json:"sessionId,omitempty" db:"session_id"`
	ConversationID string         `json:"conversationId,omitempty" db:"conversation_id"`
	ContainerID    string         `json:"containerId,omitempty" db:"container_id"`
	ContainerName  string         `json:"containerName,omitempty" db:"container_name"`
	Branch         string         `json:"branch,omitempty" db:"branch"`
	BaseBranch     string         `json:"baseBranch,omitempty" db:"base_branch"`
	WorktreePath   string         `json:"worktreePath,omitempty" db:"worktree_path"`
	History        []HistoryEntry `json:"history" db:"-"`
	LastError      *TaskError     `json:"lastError,omitempty" db:"-"`
	PRResult       *PRResult      `json:"prResult,omitempty" db:"-"`
	CreatedAt      time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time      `json:"updatedAt" db:"updated_at"`

	// Stale is computed on read for resumable tasks.
	Stale bool `json:"stale,omitempty" db:"-"`
}

// TaskHistory is the full record served by /task/{id}/history.
type TaskHistory struct {
	*TaskState
	Logs      string `json:"logs"`
	FinalDiff string `json:"finalDiff"`
}

// ExecutionRecord is one finished subprocess run for the metrics tables.
type ExecutionRecord struct {
	TaskID          string
	Model           string
	Success         bool
	CostUSD         float64
	Turns           int
	ExecutionTimeMS int64
}

// DailyModelMetrics aggregates executions per (day, model).
type DailyModelMetrics struct {
	Day             string  `json:"day" db:"day"`
	Model           string  `json:"model" db:"model"`
	Total           int     `json:"total" db:"total"`
	Successful      int     `json:"successful" db:"successful"`
	Failed          int     `json:"failed" db:"failed"`
	CostUSD         float64 `json:"costUsd" db:"cost_usd"`
	Turns           int     `json:"turns" db:"turns"`
	ExecutionTimeMS int64   `json:"executionTimeMs" db:"execution_time_ms"`
}

// CostAlert records a single task exceeding the cost threshold.
type CostAlert struct {
	ID           string    `json:"id" db:"id"`
	TaskID       string    `json:"taskId" db:"task_id"`
	Model        string    `json:"model" db:"model"`
	CostUSD      float64   `json:"costUsd" db:"cost_usd"`
	ThresholdUSD float64   `json:"thresholdUsd" db:"threshold_usd"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
}

// ExecutionSample is one entry of the recent-executions ring.
type ExecutionSample struct {
	ID              string    `json:"id" db:"id"`
	TaskID          string    `json:"taskId" db:"task_id"`
	Model           string    `json:"model" db:"model"`
	Success         bool      `json:"success" db:"success"`
	CostUSD         float64   `json:"costUsd" db:"cost_usd"`
	Turns           int       `json:"turns" db:"turns"`
	ExecutionTimeMS int64     `json:"executionTimeMs" db:"execution_time_ms"`
	CreatedAt       time.Time `json:"createdAt" db:"created_at"`
}

// MetricsSummary is the aggregate served by /metrics/llm.
type MetricsSummary struct {
	Daily  []DailyModelMetrics `json:"daily"`
	Alerts []CostAlert         `json:"alerts"`
	Recent []ExecutionSample   `json:"recent"`
}

// ActivityEntry is one dashboard activity feed item.
type ActivityEntry struct {
	ID          string    `json:"id" db:"id"`
	Kind        string    `json:"kind" db:"kind"`
	Owner       string    `json:"owner" db:"owner"`
	Repo        string    `json:"repo" db:"repo"`
	IssueNumber int       `json:"issueNumber" db:"issue_number"`
	Model       string    `json:"model,omitempty" db:"model"`
	Message     string    `json:"message" db:"message"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}
