package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/porter/pkg/domain"
)

// UsageRepo owns the durable PermissionUsage counters. Only the pipeline's
// record step writes here.
type UsageRepo struct {
	db *DB
}

func NewUsageRepo(db *DB) *UsageRepo {
	return &UsageRepo{db: db}
}

// Increment upserts the (permission, period) row, adding one request and
// the given token counts.
func (r *UsageRepo) Increment(ctx context.Context, permissionID string, pt domain.PeriodType, periodStart time.Time, usage domain.Usage, now time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.q(`
		INSERT INTO permission_usage
			(permission_id, period_type, period_start, requests, input_tokens, output_tokens, total_tokens, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT (permission_id, period_type, period_start) DO UPDATE SET
			requests = permission_usage.requests + 1,
			input_tokens = permission_usage.input_tokens + excluded.input_tokens,
			output_tokens = permission_usage.output_tokens + excluded.output_tokens,
			total_tokens = permission_usage.total_tokens + excluded.total_tokens,
			updated_at = excluded.updated_at`),
		permissionID, string(pt), periodStart.UTC(),
		usage.InputTokens, usage.OutputTokens, usage.TotalTokens,
		now.UTC(), now.UTC())
	if err != nil {
		return fmt.Errorf("repo: increment usage: %w", err)
	}
	return nil
}

// Get returns the usage row for the period, or a zero-valued row when none
// exists yet.
func (r *UsageRepo) Get(ctx context.Context, permissionID string, pt domain.PeriodType, periodStart time.Time) (*domain.PermissionUsage, error) {
	row := r.db.QueryRowContext(ctx, r.db.q(`
		SELECT permission_id, period_type, period_start, requests, input_tokens, output_tokens, total_tokens, created_at, updated_at
		FROM permission_usage WHERE permission_id = ? AND period_type = ? AND period_start = ?`),
		permissionID, string(pt), periodStart.UTC())

	var u domain.PermissionUsage
	var ptStr string
	err := row.Scan(&u.PermissionID, &ptStr, &u.PeriodStart, &u.Requests,
		&u.InputTokens, &u.OutputTokens, &u.TotalTokens, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.PermissionUsage{
			PermissionID: permissionID,
			PeriodType:   pt,
			PeriodStart:  periodStart.UTC(),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repo: get usage: %w", err)
	}
	u.PeriodType = domain.PeriodType(ptStr)
	u.PeriodStart = u.PeriodStart.UTC()
	return &u, nil
}

// ListByPermission returns all usage rows for a permission, newest first.
func (r *UsageRepo) ListByPermission(ctx context.Context, permissionID string) ([]domain.PermissionUsage, error) {
	rows, err := r.db.QueryContext(ctx, r.db.q(`
		SELECT permission_id, period_type, period_start, requests, input_tokens, output_tokens, total_tokens, created_at, updated_at
		FROM permission_usage WHERE permission_id = ? ORDER BY period_start DESC`), permissionID)
	if err != nil {
		return nil, fmt.Errorf("repo: list usage: %w", err)
	}
	defer rows.Close()

	var out []domain.PermissionUsage
	for rows.Next() {
		var u domain.PermissionUsage
		var ptStr string
		if err := rows.Scan(&u.PermissionID, &ptStr, &u.PeriodStart, &u.Requests,
			&u.InputTokens, &u.OutputTokens, &u.TotalTokens, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("repo: scan usage: %w", err)
		}
		u.PeriodType = domain.PeriodType(ptStr)
		u.PeriodStart = u.PeriodStart.UTC()
		out = append(out, u)
	}
	return out, rows.Err()
}
