package worker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gitfix/gitfix/internal/githost"
	"github.com/gitfix/gitfix/internal/jobs"
)

// issuePromptParams carries everything the subprocess needs to work on an
// issue without making hosting-service calls of its own.
type issuePromptParams struct {
	Owner       string
	Repo        string
	IssueNumber int
	Title       string
	Body        string
	Labels      []string
	Comments    []*githost.Comment
	Branch      string
	BaseBranch  string
	Model       string
	Attempt     int
}

const gitProhibitions = `IMPORTANT constraints:
- Do NOT run any git workflow commands (commit, push, checkout, branch, merge, rebase, tag).
- Do NOT run 'git init' and do NOT remove or modify the .git entry in the workspace.
- Do NOT create a pull request. Committing, pushing, and opening the PR are handled externally after you finish.
- Work only inside the workspace directory.`

func buildIssuePrompt(p issuePromptParams) string {
	var b strings.Builder

	if p.Attempt > 1 {
		fmt.Fprintf(&b, "RETRY NOTICE: this is attempt %d for this issue. A previous attempt did not complete; re-verify any partial work you find in the workspace before continuing.\n\n", p.Attempt)
	}

	fmt.Fprintf(&b, "You are working on repository %s/%s, branch %q (based on %q), as model %s.\n\n",
		p.Owner, p.Repo, p.Branch, p.BaseBranch, p.Model)

	fmt.Fprintf(&b, "Resolve the following issue:\n\n")
	fmt.Fprintf(&b, "Issue #%d: %s\n", p.IssueNumber, p.Title)
	if len(p.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(p.Labels, ", "))
	}
	if strings.TrimSpace(p.Body) != "" {
		fmt.Fprintf(&b, "\n%s\n", strings.TrimSpace(p.Body))
	}

	if len(p.Comments) > 0 {
		b.WriteString("\nIssue comments (oldest first):\n")
		for _, c := range p.Comments {
			fmt.Fprintf(&b, "- %s: %s\n", c.Author, strings.TrimSpace(c.Body))
		}
	}

	b.WriteString(`
Steps:
1. Read the issue and the comments carefully.
2. Search the codebase for the relevant files and understand the current behavior.
3. Implement the fix or feature, keeping the change minimal and consistent with the existing style.
4. Verify your change compiles and existing tests still make sense.

`)
	b.WriteString(gitProhibitions)
	return b.String()
}

// prCommentsPromptParams describes a follow-up batch on an existing PR.
type prCommentsPromptParams struct {
	Owner        string
	Repo         string
	PRNumber     int
	Branch       string
	WorktreePath string
	Comments     []jobs.CommentRef
	History      []*githost.Comment
}

func buildPRCommentsPrompt(p prCommentsPromptParams) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are continuing work on repository %s/%s, pull request #%d, branch %q.\n",
		p.Owner, p.Repo, p.PRNumber, p.Branch)
	fmt.Fprintf(&b, "The PR's branch is already checked out in the workspace (%s).\n\n", p.WorktreePath)

	b.WriteString("Apply ONLY the following new review requests:\n")
	for _, c := range p.Comments {
		fmt.Fprintf(&b, "- [comment %d] %s: %s\n", c.ID, c.Author, strings.TrimSpace(c.Body))
	}

	if len(p.History) > 0 {
		history := append([]*githost.Comment(nil), p.History...)
		sort.Slice(history, func(i, j int) bool { return history[i].CreatedAt.After(history[j].CreatedAt) })
		if len(history) > 10 {
			history = history[:10]
		}
		b.WriteString("\nRecent conversation on this PR, newest first, for context only:\n")
		for _, c := range history {
			fmt.Fprintf(&b, "- %s: %s\n", c.Author, truncate(strings.TrimSpace(c.Body), 300))
		}
	}

	b.WriteString("\nDo not redo work already on the branch and do not address anything outside the requests above.\n\n")
	b.WriteString(gitProhibitions)
	return b.String()
}

// buildPRRecoveryPrompt is the short emergency prompt used when the branch
// has commits but no PR could be created through the API.
func buildPRRecoveryPrompt(owner, repo, branch, base string, issueNumber int, title string) string {
	return fmt.Sprintf(`The branch %q in repository %s/%s contains a finished fix for issue #%d (%s), but no pull request exists yet.

Create the pull request now using the hosting CLI available in this environment, for example:

  gh pr create --repo %s/%s --head %s --base %s --title "AI fix for issue #%d: %s" --body "Automated fix for issue #%d."

Do nothing else: no code changes, no commits, no pushes.`,
		branch, owner, repo, issueNumber, title,
		owner, repo, branch, base, issueNumber, title, issueNumber)
}

// buildImportPrompt asks the subprocess to create issues via the hosting
// CLI for externally imported task descriptors.
func buildImportPrompt(tasks []jobs.ImportTask) string {
	var b strings.Builder
	b.WriteString("Create the following issues using the hosting CLI (gh), then comment on each created issue confirming the import:\n\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "- repo %s/%s: import task for issue #%d (model %s)\n", t.Owner, t.Repo, t.IssueNumber, t.Model)
	}
	b.WriteString("\nMake no code changes. Use only 'gh issue create' and 'gh issue comment'.\n")
	return b.String()
}
