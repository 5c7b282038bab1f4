// Package queue is a durable FIFO-with-delay work queue backed by the
// shared database. Jobs survive process restarts; a ticker promotes due
// delayed jobs; handler failures re-attempt with exponential backoff up
// to a per-job attempt budget.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/config"
	"github.com/gitfix/gitfix/internal/common/logger"
	"github.com/gitfix/gitfix/internal/db"
)

// Job statuses persisted in the jobs table.
const (
	statusPending = "pending"
	statusActive  = "active"
	statusFailed  = "failed"
)

const pollInterval = 500 * time.Millisecond

// Job is one unit of work.
type Job struct {
	ID            string
	Queue         string
	Payload       []byte
	CorrelationID string
	Attempt       int // 1-based during handling
	MaxAttempts   int
	BackoffBase   time.Duration
	RunAt         time.Time
}

// Unmarshal decodes the job payload into v.
func (j *Job) Unmarshal(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

// AddOptions controls enqueueing.
type AddOptions struct {
	JobID         string
	CorrelationID string
	Delay         time.Duration
	Attempts      int
	Backoff       time.Duration
}

// Handler processes one job. A returned error triggers a retry until the
// attempt budget is exhausted.
type Handler func(ctx context.Context, job *Job) error

// Queue is the durable work queue.
type Queue struct {
	pool   *db.Pool
	cfg    config.QueueConfig
	logger *logger.Logger

	mu        sync.Mutex
	consumers map[string]*consumer
	wake      chan struct{}
	stopped   chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

type consumer struct {
	handler     Handler
	concurrency int
	slots       chan struct{}
}

// New creates the queue, initializes its schema, and releases jobs left
// active by a crashed process back to pending.
func New(pool *db.Pool, cfg config.QueueConfig, log *logger.Logger) (*Queue, error) {
	q := &Queue{
		pool:      pool,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "queue")),
		consumers: make(map[string]*consumer),
		wake:      make(chan struct{}, 1),
		stopped:   make(chan struct{}),
	}
	if err := q.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize queue schema: %w", err)
	}
	if err := q.releaseOrphans(); err != nil {
		return nil, fmt.Errorf("release orphaned jobs: %w", err)
	}
	return q, nil
}

func (q *Queue) initSchema() error {
	_, err := q.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		correlation_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		attempt INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		backoff_base_ms INTEGER NOT NULL DEFAULT 5000,
		run_at TIMESTAMP NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_queue_status_run_at ON jobs(queue, status, run_at);
	`)
	return err
}

// releaseOrphans resets jobs a crashed process left mid-flight.
func (q *Queue) releaseOrphans() error {
	w := q.pool.Writer()
	result, err := w.Exec(w.Rebind(
		`UPDATE jobs SET status = ?, updated_at = ? WHERE status = ?`),
		statusPending, time.Now().UTC(), statusActive)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n > 0 {
		q.logger.Info("released orphaned jobs back to pending", zap.Int64("count", n))
	}
	return nil
}

// Add enqueues a job. A job with the same JobID already in the table is
// dropped silently. Payload is JSON-marshalled.
func (q *Queue) Add(ctx context.Context, queueName string, payload interface{}, opts AddOptions) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}
	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = q.cfg.Attempts
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = q.cfg.BackoffBase()
	}
	now := time.Now().UTC()

	w := q.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO jobs (id, queue, payload, correlation_id, status, attempt, max_attempts, backoff_base_ms, run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), jobID, queueName, string(data), correlationID, statusPending,
		attempts, backoff.Milliseconds(), now.Add(opts.Delay), now, now)
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		q.logger.Debug("duplicate job dropped", zap.String("job_id", jobID))
		return nil
	}
	q.logger.Info("job enqueued",
		zap.String("queue", queueName),
		zap.String("job_id", jobID),
		zap.String("correlation_id", correlationID),
		zap.Duration("delay", opts.Delay))
	q.nudge()
	return nil
}

// Delay re-enqueues the same payload with an added delay under a fresh
// jobId salt and a reset attempt budget.
func (q *Queue) Delay(ctx context.Context, job *Job, delay time.Duration) error {
	var payload json.RawMessage = job.Payload
	return q.Add(ctx, job.Queue, payload, AddOptions{
		JobID:         fmt.Sprintf("%s-%d", job.ID, time.Now().UnixMilli()),
		CorrelationID: job.CorrelationID,
		Delay:         delay,
		Attempts:      job.MaxAttempts,
		Backoff:       job.BackoffBase,
	})
}

// Consume registers a handler for a queue name and starts the dispatch
// loop on first use. Jobs dispatch to at most concurrency slots.
func (q *Queue) Consume(ctx context.Context, queueName string, handler Handler, concurrency int) error {
	if concurrency <= 0 {
		concurrency = q.cfg.Concurrency
	}
	q.mu.Lock()
	if _, exists := q.consumers[queueName]; exists {
		q.mu.Unlock()
		return fmt.Errorf("queue %s already has a consumer", queueName)
	}
	c := &consumer{
		handler:     handler,
		concurrency: concurrency,
		slots:       make(chan struct{}, concurrency),
	}
	q.consumers[queueName] = c
	q.mu.Unlock()

	q.wg.Add(1)
	go q.dispatchLoop(ctx, queueName, c)
	q.logger.Info("consumer started",
		zap.String("queue", queueName), zap.Int("concurrency", concurrency))
	return nil
}

// Stop halts dispatching and waits for in-flight jobs.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopped) })
	q.wg.Wait()
}

func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatchLoop(ctx context.Context, queueName string, c *consumer) {
	defer q.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopped:
			return
		case <-ticker.C:
		case <-q.wake:
		}

		for {
			select {
			case c.slots <- struct{}{}:
			case <-ctx.Done():
				return
			case <-q.stopped:
				return
			}

			job, err := q.claim(ctx, queueName)
			if err != nil {
				<-c.slots
				if !errors.Is(err, context.Canceled) {
					q.logger.Error("job claim failed", zap.String("queue", queueName), zap.Error(err))
				}
				break
			}
			if job == nil {
				<-c.slots
				break // nothing due; wait for tick or nudge
			}

			q.wg.Add(1)
			go func(job *Job) {
				defer q.wg.Done()
				defer func() { <-c.slots }()
				q.run(ctx, c.handler, job)
			}(job)
		}
	}
}

// claim atomically takes the oldest due pending job.
func (q *Queue) claim(ctx context.Context, queueName string) (*Job, error) {
	w := q.pool.Writer()
	now := time.Now().UTC()

	var row struct {
		ID            string    `db:"id"`
		Payload       string    `db:"payload"`
		CorrelationID string    `db:"correlation_id"`
		Attempt       int       `db:"attempt"`
		MaxAttempts   int       `db:"max_attempts"`
		BackoffBaseMS int64     `db:"backoff_base_ms"`
		RunAt         time.Time `db:"run_at"`
	}
	err := w.GetContext(ctx, &row, w.Rebind(`
		SELECT id, payload, correlation_id, attempt, max_attempts, backoff_base_ms, run_at
		FROM jobs
		WHERE queue = ? AND status = ? AND run_at <= ?
		ORDER BY run_at, created_at LIMIT 1
	`), queueName, statusPending, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE jobs SET status = ?, attempt = attempt + 1, updated_at = ?
		WHERE id = ? AND status = ?
	`), statusActive, now, row.ID, statusPending)
	if err != nil {
		return nil, err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, nil // lost the race to another dispatcher
	}

	return &Job{
		ID:            row.ID,
		Queue:         queueName,
		Payload:       []byte(row.Payload),
		CorrelationID: row.CorrelationID,
		Attempt:       row.Attempt + 1,
		MaxAttempts:   row.MaxAttempts,
		BackoffBase:   time.Duration(row.BackoffBaseMS) * time.Millisecond,
		RunAt:         row.RunAt,
	}, nil
}

func (q *Queue) run(ctx context.Context, handler Handler, job *Job) {
	log := q.logger.WithJobID(job.ID).WithFields(
		zap.String("queue", job.Queue),
		zap.String("correlation_id", job.CorrelationID),
		zap.Int("attempt", job.Attempt))

	jobCtx := logger.WithCorrelationID(ctx, job.CorrelationID)
	start := time.Now()
	err := q.safeHandle(jobCtx, handler, job)
	if err == nil {
		if _, delErr := q.pool.Writer().Exec(q.pool.Writer().Rebind(
			`DELETE FROM jobs WHERE id = ?`), job.ID); delErr != nil {
			log.Warn("failed to remove completed job", zap.Error(delErr))
		}
		log.Info("job completed", zap.Duration("took", time.Since(start)))
		return
	}

	if job.Attempt >= job.MaxAttempts {
		log.Error("job failed permanently", zap.Error(err))
		q.settle(job.ID, statusFailed, err)
		return
	}

	backoff := job.BackoffBase
	for i := 1; i < job.Attempt; i++ {
		backoff *= 2
	}
	log.Warn("job failed, will retry", zap.Error(err), zap.Duration("backoff", backoff))
	w := q.pool.Writer()
	if _, updErr := w.Exec(w.Rebind(`
		UPDATE jobs SET status = ?, run_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`), statusPending, time.Now().UTC().Add(backoff), err.Error(), time.Now().UTC(), job.ID); updErr != nil {
		log.Error("failed to reschedule job", zap.Error(updErr))
	}
}

func (q *Queue) safeHandle(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (q *Queue) settle(jobID, status string, cause error) {
	w := q.pool.Writer()
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	if _, err := w.Exec(w.Rebind(`
		UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?
	`), status, message, time.Now().UTC(), jobID); err != nil {
		q.logger.Error("failed to settle job", zap.String("job_id", jobID), zap.Error(err))
	}
}

// PendingCount returns the number of pending jobs on a queue, including
// delayed ones. Used by tests and the health endpoint.
func (q *Queue) PendingCount(ctx context.Context, queueName string) (int, error) {
	var n int
	err := q.pool.Reader().GetContext(ctx, &n, q.pool.Reader().Rebind(
		`SELECT COUNT(*) FROM jobs WHERE queue = ? AND status = ?`), queueName, statusPending)
	return n, err
}
