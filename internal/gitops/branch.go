package gitops

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"
)

const (
	branchPrefix    = "ai-fix/"
	maxTitleSegment = 25
	saltAlphabet    = "abcdefghijklmnopqrstuvwxyz0123456789"
	saltLength      = 3
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// SanitizeTitle lowercases the issue title, collapses every run of
// non-alphanumeric characters to a single dash, trims leading/trailing
// dashes, and caps the result at 25 characters. An empty result is valid.
func SanitizeTitle(title string) string {
	s := nonAlnum.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if len(s) > maxTitleSegment {
		s = strings.Trim(s[:maxTitleSegment], "-")
	}
	return s
}

// Salt returns a short random lowercase-alnum suffix that keeps branch
// names, worktree dirs, and container names unique per task.
func Salt() string {
	b := make([]byte, saltLength)
	for i := range b {
		b[i] = saltAlphabet[rand.Intn(len(saltAlphabet))]
	}
	return string(b)
}

// BranchName composes ai-fix/<n>-<title>-<YYYYMMDD-HHMM>-<model>-<salt>.
// An empty sanitized title leaves an empty segment between dashes.
func BranchName(issueNumber int, title, modelID string, now time.Time, salt string) string {
	return fmt.Sprintf("%s%d-%s-%s-%s-%s",
		branchPrefix, issueNumber, SanitizeTitle(title),
		now.Format("20060102-1504"), modelID, salt)
}

// WorktreeDirName composes the per-task directory under
// WORKTREES_BASE/<owner>/<repo>. It carries the same identity tuple as
// the branch so the two can be correlated on disk.
func WorktreeDirName(issueNumber int, modelID string, now time.Time, salt string) string {
	return fmt.Sprintf("issue-%d-%s-%s-%s", issueNumber, modelID, now.Format("20060102-1504"), salt)
}
