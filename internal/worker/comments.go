package worker

import (
	"fmt"
	"strings"
	"time"

	"github.com/gitfix/gitfix/internal/jobs"
	"github.com/gitfix/gitfix/pkg/agentstream"
)

// Comment bodies posted on issues and PRs. Bodies referencing processed
// trigger comments carry the "<id>✓" marker the poller scans for.

func startCommentBody(model, branch, base, worktree string) string {
	return fmt.Sprintf(`🤖 Starting work on this issue.

- Model: %s
- Branch: %s
- Base: %s
- Workspace: %s

I will open a pull request when the change is ready.`, model, branch, base, worktree)
}

func completionWithPRBody(prURL string, prNumber int, model string, o *agentstream.Outcome) string {
	return fmt.Sprintf(`✅ Done. Opened pull request #%d: %s

- Model: %s
- Turns: %d
- Execution time: %s
- Cost: $%.4f`, prNumber, prURL, model, o.NumTurns, durationString(o.DurationMS), o.CostUSD)
}

func noChangesBody(model string, o *agentstream.Outcome) string {
	return fmt.Sprintf(`ℹ️ Finished without code changes — the agent concluded no modification was needed.

- Model: %s
- Turns: %d
- Execution time: %s
- Cost: $%.4f

%s`, model, o.NumTurns, durationString(o.DurationMS), o.CostUSD, truncate(o.ResultText, 1500))
}

func delayedBody(resetAt, retryAt time.Time) string {
	return fmt.Sprintf(`⏳ The model's usage limit has been reached (resets at %s). This task has been requeued and will retry around %s.`,
		resetAt.UTC().Format(time.RFC3339), retryAt.UTC().Format(time.RFC3339))
}

func failureBody(category, stage, branch, message string) string {
	return fmt.Sprintf(`❌ Processing failed.

- Category: %s
- Stage: %s
- Branch: %s
- Error: %s`, category, stage, branch, truncate(message, 500))
}

func prAckBody(comments []jobs.CommentRef) string {
	return fmt.Sprintf(`🤖 Starting work on the following request(s): %s`, ackMarkers(comments))
}

func prCompletionBody(hash string, comments []jobs.CommentRef, model string, o *agentstream.Outcome) string {
	return fmt.Sprintf(`✅ Applied the requested changes in %s for %s (requested by %s).

- Model: %s
- Turns: %d
- Execution time: %s
- Cost: $%.4f`, shortHash(hash), ackMarkers(comments), requesters(comments), model, o.NumTurns, durationString(o.DurationMS), o.CostUSD)
}

func prNoChangesBody(comments []jobs.CommentRef) string {
	return fmt.Sprintf(`ℹ️ Reviewed %s — no changes were needed.`, ackMarkers(comments))
}

func prDelayedBody(comments []jobs.CommentRef, resetAt, retryAt time.Time) string {
	return fmt.Sprintf(`⏳ Usage limit reached while handling %s (resets at %s). Requeued; will retry around %s.`,
		commentIDList(comments), resetAt.UTC().Format(time.RFC3339), retryAt.UTC().Format(time.RFC3339))
}

// ackMarkers renders "<id>✓" markers for every comment in the batch.
func ackMarkers(comments []jobs.CommentRef) string {
	parts := make([]string, len(comments))
	for i, c := range comments {
		parts[i] = fmt.Sprintf("%d✓", c.ID)
	}
	return strings.Join(parts, ", ")
}

// commentIDList renders the IDs without ✓ markers, for bodies that must
// not claim the comments as processed.
func commentIDList(comments []jobs.CommentRef) string {
	parts := make([]string, len(comments))
	for i, c := range comments {
		parts[i] = fmt.Sprintf("%d", c.ID)
	}
	return strings.Join(parts, ", ")
}

func requesters(comments []jobs.CommentRef) string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range comments {
		if !seen[c.Author] {
			seen[c.Author] = true
			out = append(out, "@"+c.Author)
		}
	}
	return strings.Join(out, ", ")
}

func durationString(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(time.Second).String()
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
