// Package jobs defines the queue names and payloads shared by the poller
// and the workers.
package jobs

import (
	"fmt"
	"time"
)

// Queue names.
const (
	QueueProcessIssue      = "processIssue"
	QueueProcessPRComments = "processPrComments"
	QueueImportTasks       = "processTaskImport"
)

// IssuePayload is one (issue, target-model) unit of work.
type IssuePayload struct {
	Owner       string `json:"owner"`
	Repo        string `json:"repo"`
	IssueNumber int    `json:"issueNumber"`
	Model       string `json:"model"`
}

// CommentRef is one unprocessed PR trigger comment carried in a batch.
type CommentRef struct {
	ID     int64  `json:"id"`
	Author string `json:"author"`
	Body   string `json:"body"`
}

// PRCommentsPayload is one batch of unprocessed trigger comments on a PR.
type PRCommentsPayload struct {
	Owner    string       `json:"owner"`
	Repo     string       `json:"repo"`
	PRNumber int          `json:"prNumber"`
	Branch   string       `json:"branch"`
	Model    string       `json:"model"`
	Comments []CommentRef `json:"comments"`
}

// ImportTask is one externally supplied task descriptor.
type ImportTask struct {
	Owner       string `json:"owner"`
	Repo        string `json:"repo"`
	IssueNumber int    `json:"issueNumber"`
	Model       string `json:"model"`
}

// ImportPayload is a batch of tasks submitted through the import endpoint.
type ImportPayload struct {
	Tasks []ImportTask `json:"tasks"`
}

// IssueJobID builds the jobId for an issue job. The epoch salt keeps
// requeued jobs distinct; duplicate suppression within one sweep comes
// from the processing label, not the id.
func IssueJobID(owner, repo string, number int, model string) string {
	return fmt.Sprintf("issue-%s-%s-%d-%s-%d", owner, repo, number, model, time.Now().UnixMilli())
}

// PRCommentsJobID builds the jobId for a PR comment batch. Keying by the
// newest comment in the batch makes re-enqueueing the same batch a silent
// drop while it is still queued.
func PRCommentsJobID(owner, repo string, prNumber int, lastCommentID int64) string {
	return fmt.Sprintf("pr-comments-%s-%s-%d-%d", owner, repo, prNumber, lastCommentID)
}
