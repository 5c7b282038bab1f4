package state

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/events/bus"
)

// Stream frame types published per task.
const (
	FrameLog   = "log"
	FrameDiff  = "diff"
	FrameState = "state"
)

const streamSource = "state-store"

// LogSubject returns the live log stream subject for a task.
func LogSubject(taskID string) string { return fmt.Sprintf("task.%s.log", taskID) }

// DiffSubject returns the live diff stream subject for a task.
func DiffSubject(taskID string) string { return fmt.Sprintf("task.%s.diff", taskID) }

// StateSubject returns the state transition stream subject for a task.
func StateSubject(taskID string) string { return fmt.Sprintf("task.%s.state", taskID) }

// TaskSubjects returns the wildcard subject matching all streams of one task.
func TaskSubjects(taskID string) string { return fmt.Sprintf("task.%s.*", taskID) }

func newID() string { return uuid.New().String() }

// AppendLog persists a subprocess stdout chunk and publishes it on the
// task's log stream. Persistence failures are logged, not propagated, so
// a state-store hiccup cannot kill the stream.
func (s *Store) AppendLog(ctx context.Context, taskID string, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE task_states SET logs = logs || ?, updated_at = ? WHERE task_id = ?
	`), string(chunk), time.Now().UTC(), taskID)
	if err != nil {
		s.logger.Warn("failed to persist log chunk", zap.String("task_id", taskID), zap.Error(err))
	}
	s.publish(ctx, LogSubject(taskID), FrameLog, map[string]interface{}{
		"task_id": taskID,
		"data":    string(chunk),
	})
}

// PublishDiff stores the most recent working-tree diff as a complete
// replacement and publishes it on the task's diff stream.
func (s *Store) PublishDiff(ctx context.Context, taskID, diff string) {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE task_states SET final_diff = ?, updated_at = ? WHERE task_id = ?
	`), diff, time.Now().UTC(), taskID)
	if err != nil {
		s.logger.Warn("failed to persist diff", zap.String("task_id", taskID), zap.Error(err))
	}
	s.publish(ctx, DiffSubject(taskID), FrameDiff, map[string]interface{}{
		"task_id": taskID,
		"data":    diff,
	})
}

func (s *Store) publishState(ctx context.Context, taskID string, newState State, metadata map[string]interface{}) {
	data := map[string]interface{}{
		"task_id": taskID,
		"state":   string(newState),
	}
	if len(metadata) > 0 {
		data["metadata"] = metadata
	}
	s.publish(ctx, StateSubject(taskID), FrameState, data)
}

func (s *Store) publish(ctx context.Context, subject, frameType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(frameType, streamSource, data)); err != nil {
		s.logger.Debug("stream publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
