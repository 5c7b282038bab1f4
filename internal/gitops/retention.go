package gitops

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

const (
	retainedMarkerFile = ".gitfix-retained"
	retentionInfoFile  = ".retention-info.json"
)

// Retention strategies for worktrees after a task finishes.
const (
	RetentionAlwaysDelete  = "always_delete"
	RetentionKeepOnFailure = "keep_on_failure"
	RetentionKeepForHours  = "keep_for_hours"
)

// retentionInfo is persisted next to a retained worktree so a later sweep
// can delete it without any in-process state.
type retentionInfo struct {
	Branch           string    `json:"branch"`
	Reason           string    `json:"reason"`
	RetainedAt       time.Time `json:"retainedAt"`
	ScheduledCleanup time.Time `json:"scheduledCleanup"`
}

// shouldRetain decides whether a finished worktree is kept on disk.
func shouldRetain(strategy string, success bool) (bool, string) {
	switch strategy {
	case RetentionKeepOnFailure:
		if !success {
			return true, "task failed"
		}
		return false, ""
	case RetentionKeepForHours:
		return true, "keep_for_hours policy"
	default: // always_delete and anything unrecognized
		return false, ""
	}
}

func writeRetentionMarkers(worktreePath, branch, reason string, retainFor time.Duration) error {
	now := time.Now().UTC()
	info := retentionInfo{
		Branch:           branch,
		Reason:           reason,
		RetainedAt:       now,
		ScheduledCleanup: now.Add(retainFor),
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(worktreePath, retentionInfoFile), data, 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(worktreePath, retainedMarkerFile), []byte(now.Format(time.RFC3339)+"\n"), 0644)
}

func readRetentionInfo(worktreePath string) (*retentionInfo, error) {
	data, err := os.ReadFile(filepath.Join(worktreePath, retentionInfoFile))
	if err != nil {
		return nil, err
	}
	var info retentionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
