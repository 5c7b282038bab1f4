// Package poller periodically sweeps the watched repositories, turning
// tagged issues and unprocessed PR trigger comments into queue jobs.
package poller

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gitfix/gitfix/internal/common/config"
	"github.com/gitfix/gitfix/internal/common/logger"
	"github.com/gitfix/gitfix/internal/githost"
	"github.com/gitfix/gitfix/internal/jobs"
	"github.com/gitfix/gitfix/internal/queue"
	"github.com/gitfix/gitfix/internal/state"
)

// Poller scans repositories on a fixed interval and enqueues work.
type Poller struct {
	host  githost.Client
	queue *queue.Queue
	store *state.Store

	repos        []WatchedRepo
	interval     time.Duration
	labels       config.LabelConfig
	models       config.ModelConfig
	bot          config.BotConfig
	modelPattern *regexp.Regexp

	logger *logger.Logger
}

// New builds a poller over the given watch list.
func New(host githost.Client, q *queue.Queue, store *state.Store, repos []WatchedRepo, cfg *config.Config, log *logger.Logger) (*Poller, error) {
	pattern, err := regexp.Compile(cfg.Models.LabelPattern)
	if err != nil {
		return nil, fmt.Errorf("compile model label pattern %q: %w", cfg.Models.LabelPattern, err)
	}
	return &Poller{
		host:         host,
		queue:        q,
		store:        store,
		repos:        repos,
		interval:     cfg.Poller.Interval(),
		labels:       cfg.Labels,
		models:       cfg.Models,
		bot:          cfg.Bot,
		modelPattern: pattern,
		logger:       log.WithFields(zap.String("component", "poller")),
	}, nil
}

// Run sweeps immediately, then on every interval tick until ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started",
		zap.Int("repositories", len(p.repos)),
		zap.Duration("interval", p.interval))

	p.sweep(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return ctx.Err()
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep scans all repositories concurrently. Per-repo failures are
// logged and do not abort the sweep.
func (p *Poller) sweep(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, repo := range p.repos {
		repo := repo
		g.Go(func() error {
			if err := p.sweepRepo(gctx, repo.Owner(), repo.Repo()); err != nil {
				p.logger.WithRepo(repo.Owner(), repo.Repo()).Error("repository sweep failed", zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Poller) sweepRepo(ctx context.Context, owner, repo string) error {
	log := p.logger.WithRepo(owner, repo)

	if err := p.scanIssues(ctx, owner, repo, log); err != nil {
		return fmt.Errorf("scan issues: %w", err)
	}
	if len(p.bot.TriggerKeywords()) > 0 {
		if err := p.scanPullComments(ctx, owner, repo, log); err != nil {
			return fmt.Errorf("scan pull comments: %w", err)
		}
	}
	return nil
}

// scanIssues enqueues one job per (issue, target-model) for open issues
// carrying the primary tag and neither the processing nor the done tag.
func (p *Poller) scanIssues(ctx context.Context, owner, repo string, log *logger.Logger) error {
	issues, err := p.host.ListOpenIssuesByLabel(ctx, owner, repo, p.labels.PrimaryTag)
	if err != nil {
		return err
	}

	for _, issue := range issues {
		if issue.HasLabel(p.labels.ProcessingTag) || issue.HasLabel(p.labels.DoneTag) {
			continue
		}
		for _, model := range p.resolveModels(issue.Labels) {
			jobID := jobs.IssueJobID(owner, repo, issue.Number, model)
			err := p.queue.Add(ctx, jobs.QueueProcessIssue, jobs.IssuePayload{
				Owner:       owner,
				Repo:        repo,
				IssueNumber: issue.Number,
				Model:       model,
			}, queue.AddOptions{JobID: jobID})
			if err != nil {
				log.Error("failed to enqueue issue job",
					zap.Int("issue", issue.Number), zap.String("model", model), zap.Error(err))
				continue
			}
			log.Info("issue job enqueued",
				zap.Int("issue", issue.Number),
				zap.String("model", model),
				zap.String("job_id", jobID))
			p.recordActivity(ctx, state.ActivityEntry{
				Kind:        "issue_enqueued",
				Owner:       owner,
				Repo:        repo,
				IssueNumber: issue.Number,
				Model:       model,
				Message:     fmt.Sprintf("queued %q for %s", issue.Title, model),
			})
		}
	}
	return nil
}

// scanPullComments enqueues one batch job per open bot PR that has
// unprocessed trigger comments.
func (p *Poller) scanPullComments(ctx context.Context, owner, repo string, log *logger.Logger) error {
	pulls, err := p.host.ListOpenPulls(ctx, owner, repo)
	if err != nil {
		return err
	}

	for _, pr := range pulls {
		if pr.Author != p.bot.Username || !hasLabel(pr.Labels, p.labels.PRLabel) {
			continue
		}
		comments, err := p.host.ListIssueComments(ctx, owner, repo, pr.Number)
		if err != nil {
			log.Error("failed to list PR comments", zap.Int("pr", pr.Number), zap.Error(err))
			continue
		}

		unprocessed := p.filterTriggerComments(comments)
		if len(unprocessed) == 0 {
			continue
		}

		jobID := jobs.PRCommentsJobID(owner, repo, pr.Number, unprocessed[len(unprocessed)-1].ID)
		err = p.queue.Add(ctx, jobs.QueueProcessPRComments, jobs.PRCommentsPayload{
			Owner:    owner,
			Repo:     repo,
			PRNumber: pr.Number,
			Branch:   pr.HeadBranch,
			Model:    p.models.DefaultModel,
			Comments: unprocessed,
		}, queue.AddOptions{JobID: jobID})
		if err != nil {
			log.Error("failed to enqueue PR comment batch", zap.Int("pr", pr.Number), zap.Error(err))
			continue
		}
		log.Info("PR comment batch enqueued",
			zap.Int("pr", pr.Number),
			zap.Int("comments", len(unprocessed)),
			zap.String("job_id", jobID))
		p.recordActivity(ctx, state.ActivityEntry{
			Kind:        "pr_comments_enqueued",
			Owner:       owner,
			Repo:        repo,
			IssueNumber: pr.Number,
			Model:       p.models.DefaultModel,
			Message:     fmt.Sprintf("%d follow-up comment(s) on PR #%d", len(unprocessed), pr.Number),
		})
	}
	return nil
}

// filterTriggerComments keeps comments that contain a trigger keyword,
// are not from the bot or a blacklisted user, pass the whitelist when one
// is set, and have not been acknowledged by a bot "{id}✓" marker yet.
func (p *Poller) filterTriggerComments(comments []*githost.Comment) []jobs.CommentRef {
	processed := make(map[int64]bool)
	for _, c := range comments {
		if c.Author != p.bot.Username {
			continue
		}
		for _, other := range comments {
			if strings.Contains(c.Body, fmt.Sprintf("%d✓", other.ID)) {
				processed[other.ID] = true
			}
		}
	}

	whitelist := toSet(p.bot.Whitelist())
	blacklist := toSet(p.bot.Blacklist())
	keywords := p.bot.TriggerKeywords()

	var out []jobs.CommentRef
	for _, c := range comments {
		if c.Author == p.bot.Username || processed[c.ID] || blacklist[c.Author] {
			continue
		}
		if len(whitelist) > 0 && !whitelist[c.Author] {
			continue
		}
		if !containsKeyword(c.Body, keywords) {
			continue
		}
		out = append(out, jobs.CommentRef{ID: c.ID, Author: c.Author, Body: c.Body})
	}
	return out
}

// resolveModels maps issue labels to canonical target models via the
// model label pattern and alias table; no match means the default model.
func (p *Poller) resolveModels(labels []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, label := range labels {
		m := p.modelPattern.FindStringSubmatch(label)
		if len(m) < 2 {
			continue
		}
		model := m[1]
		if canonical, ok := p.models.Aliases[model]; ok {
			model = canonical
		}
		if !seen[model] {
			seen[model] = true
			out = append(out, model)
		}
	}
	if len(out) == 0 {
		out = []string{p.models.DefaultModel}
	}
	return out
}

func (p *Poller) recordActivity(ctx context.Context, entry state.ActivityEntry) {
	if p.store == nil {
		return
	}
	entry.CreatedAt = time.Now().UTC()
	if err := p.store.RecordActivity(ctx, entry); err != nil {
		p.logger.Warn("failed to record activity", zap.Error(err))
	}
}

func containsKeyword(body string, keywords []string) bool {
	lower := strings.ToLower(body)
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
