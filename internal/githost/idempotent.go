package githost

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/logger"
)

// idempotencySentinel is the HTML-comment marker embedded in bot comments
// so a retry can detect its own earlier post.
const idempotencySentinel = "<!-- idempotency-key: %s -->"

// KeySet is the persisted hash set used to short-circuit comment
// deduplication without a comment-listing round trip. The state store
// provides the implementation.
type KeySet interface {
	HasKey(ctx context.Context, key string) (bool, error)
	PutKey(ctx context.Context, key string) error
}

// IdempotencyKey derives the hex8 key for a logical comment identity.
func IdempotencyKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:4])
}

// Idempotent layers at-most-once helpers over a Client.
type Idempotent struct {
	client Client
	keys   KeySet
	logger *logger.Logger
}

// NewIdempotent wraps client with idempotent label and comment helpers.
// keys may be nil, in which case comment dedup relies on pagination alone.
func NewIdempotent(client Client, keys KeySet, log *logger.Logger) *Idempotent {
	return &Idempotent{
		client: client,
		keys:   keys,
		logger: log.WithFields(zap.String("component", "githost-idempotent")),
	}
}

// AddLabelIfAbsent adds the label only when the issue does not already
// carry it. Calling it twice is equivalent to calling it once.
func (i *Idempotent) AddLabelIfAbsent(ctx context.Context, owner, repo string, number int, label string) error {
	issue, err := i.client.GetIssue(ctx, owner, repo, number)
	if err != nil {
		return err
	}
	if issue.HasLabel(label) {
		return nil
	}
	return i.client.AddLabels(ctx, owner, repo, number, []string{label})
}

// RemoveLabelIfPresent removes the label, treating "not found" as success.
func (i *Idempotent) RemoveLabelIfPresent(ctx context.Context, owner, repo string, number int, label string) error {
	issue, err := i.client.GetIssue(ctx, owner, repo, number)
	if err != nil {
		return err
	}
	if !issue.HasLabel(label) {
		return nil
	}
	if err := i.client.RemoveLabel(ctx, owner, repo, number, label); err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

// AddCommentWithIdempotencyKey posts body with an embedded sentinel for
// key, unless a comment carrying the same sentinel already exists. The
// check consults the local key set first, then paginates all comments.
func (i *Idempotent) AddCommentWithIdempotencyKey(ctx context.Context, owner, repo string, number int, key, body string) (*Comment, error) {
	sentinel := fmt.Sprintf(idempotencySentinel, key)

	if i.keys != nil {
		seen, err := i.keys.HasKey(ctx, key)
		if err != nil {
			i.logger.Warn("idempotency key lookup failed, falling back to comment scan",
				zap.String("key", key), zap.Error(err))
		} else if seen {
			i.logger.Debug("comment already posted (key set)", zap.String("key", key))
			return nil, nil
		}
	}

	comments, err := i.client.ListIssueComments(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("scan existing comments: %w", err)
	}
	for _, c := range comments {
		if strings.Contains(c.Body, sentinel) {
			i.logger.Debug("comment already posted (scan)",
				zap.String("key", key), zap.Int64("comment_id", c.ID))
			i.recordKey(ctx, key)
			return c, nil
		}
	}

	posted, err := i.client.AddComment(ctx, owner, repo, number, body+"\n\n"+sentinel)
	if err != nil {
		return nil, err
	}
	i.recordKey(ctx, key)
	return posted, nil
}

func (i *Idempotent) recordKey(ctx context.Context, key string) {
	if i.keys == nil {
		return
	}
	if err := i.keys.PutKey(ctx, key); err != nil {
		i.logger.Warn("failed to persist idempotency key", zap.String("key", key), zap.Error(err))
	}
}
