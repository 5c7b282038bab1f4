package state

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/db/dialect"
)

// RecordExecution folds one finished subprocess run into the per-day
// per-model aggregates, the recent-executions ring (last 1000), and the
// high-cost alert list (capped at 100) when the cost threshold is crossed.
func (s *Store) RecordExecution(ctx context.Context, rec ExecutionRecord) error {
	now := time.Now().UTC()
	day := now.Format("2006-01-02")
	successful, failed := 0, 1
	if rec.Success {
		successful, failed = 1, 0
	}

	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO llm_daily_metrics (day, model, total, successful, failed, cost_usd, turns, execution_time_ms)
		VALUES (?, ?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT (day, model) DO UPDATE SET
			total = llm_daily_metrics.total + 1,
			successful = llm_daily_metrics.successful + excluded.successful,
			failed = llm_daily_metrics.failed + excluded.failed,
			cost_usd = llm_daily_metrics.cost_usd + excluded.cost_usd,
			turns = llm_daily_metrics.turns + excluded.turns,
			execution_time_ms = llm_daily_metrics.execution_time_ms + excluded.execution_time_ms
	`), day, rec.Model, successful, failed, rec.CostUSD, rec.Turns, rec.ExecutionTimeMS)
	if err != nil {
		return err
	}

	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO llm_executions (id, task_id, model, success, cost_usd, turns, execution_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), newID(), rec.TaskID, rec.Model, dialect.BoolToInt(rec.Success), rec.CostUSD, rec.Turns, rec.ExecutionTimeMS, now)
	if err != nil {
		return err
	}
	_, err = w.ExecContext(ctx, `
		DELETE FROM llm_executions WHERE id NOT IN (
			SELECT id FROM llm_executions ORDER BY created_at DESC, id DESC LIMIT 1000
		)`)
	if err != nil {
		return err
	}

	if s.costThreshold > 0 && rec.CostUSD > s.costThreshold {
		s.logger.Warn("high-cost execution",
			zap.String("task_id", rec.TaskID),
			zap.Float64("cost_usd", rec.CostUSD),
			zap.Float64("threshold_usd", s.costThreshold))
		_, err = w.ExecContext(ctx, w.Rebind(`
			INSERT INTO llm_cost_alerts (id, task_id, model, cost_usd, threshold_usd, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`), newID(), rec.TaskID, rec.Model, rec.CostUSD, s.costThreshold, now)
		if err != nil {
			return err
		}
		_, err = w.ExecContext(ctx, `
			DELETE FROM llm_cost_alerts WHERE id NOT IN (
				SELECT id FROM llm_cost_alerts ORDER BY created_at DESC, id DESC LIMIT 100
			)`)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetMetrics returns the aggregates served by the metrics endpoint.
func (s *Store) GetMetrics(ctx context.Context, recentLimit int) (*MetricsSummary, error) {
	if recentLimit <= 0 || recentLimit > 1000 {
		recentLimit = 100
	}
	r := s.pool.Reader()
	summary := &MetricsSummary{}

	if err := r.SelectContext(ctx, &summary.Daily, `
		SELECT day, model, total, successful, failed, cost_usd, turns, execution_time_ms
		FROM llm_daily_metrics ORDER BY day DESC, model
	`); err != nil {
		return nil, err
	}
	if err := r.SelectContext(ctx, &summary.Alerts, `
		SELECT id, task_id, model, cost_usd, threshold_usd, created_at
		FROM llm_cost_alerts ORDER BY created_at DESC
	`); err != nil {
		return nil, err
	}
	if err := r.SelectContext(ctx, &summary.Recent, r.Rebind(`
		SELECT id, task_id, model, success, cost_usd, turns, execution_time_ms, created_at
		FROM llm_executions ORDER BY created_at DESC, id DESC LIMIT ?
	`), recentLimit); err != nil {
		return nil, err
	}
	return summary, nil
}
