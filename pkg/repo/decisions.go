package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/porter/pkg/domain"
)

// DecisionRepo is the append-only decision log store. Rows are written by
// the audit logger and drained by the archive job.
type DecisionRepo struct {
	db *DB
}

func NewDecisionRepo(db *DB) *DecisionRepo {
	return &DecisionRepo{db: db}
}

func (r *DecisionRepo) Insert(ctx context.Context, rec domain.DecisionRecord) error {
	_, err := r.db.ExecContext(ctx, r.db.q(`
		INSERT INTO decision_log (id, ts, app_id, resource_id, action, decision, error_code, model, input_tokens, output_tokens, total_tokens, latency_ms, request_id, input_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.Time.UTC(), rec.AppID, rec.ResourceID.String(), rec.Action,
		string(rec.Decision), rec.ErrorCode, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.TotalTokens,
		rec.LatencyMS, rec.RequestID, rec.InputHash)
	if err != nil {
		return fmt.Errorf("repo: insert decision: %w", err)
	}
	return nil
}

// ListRange returns decisions with from <= ts < to, oldest first.
func (r *DecisionRepo) ListRange(ctx context.Context, from, to time.Time) ([]domain.DecisionRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.db.q(`
		SELECT id, ts, app_id, resource_id, action, decision, error_code, model, input_tokens, output_tokens, total_tokens, latency_ms, request_id, input_hash
		FROM decision_log WHERE ts >= ? AND ts < ? ORDER BY ts`),
		from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("repo: list decisions: %w", err)
	}
	defer rows.Close()

	var out []domain.DecisionRecord
	for rows.Next() {
		var rec domain.DecisionRecord
		var resourceID, decision string
		if err := rows.Scan(&rec.ID, &rec.Time, &rec.AppID, &resourceID, &rec.Action,
			&decision, &rec.ErrorCode, &rec.Model,
			&rec.InputTokens, &rec.OutputTokens, &rec.TotalTokens,
			&rec.LatencyMS, &rec.RequestID, &rec.InputHash); err != nil {
			return nil, fmt.Errorf("repo: scan decision: %w", err)
		}
		rec.ResourceID = domain.ResourceID(resourceID)
		rec.Decision = domain.Decision(decision)
		rec.Time = rec.Time.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteBefore trims rows older than cutoff after they are archived.
func (r *DecisionRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.q(`DELETE FROM decision_log WHERE ts < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("repo: trim decisions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
