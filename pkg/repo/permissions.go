package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/porter/pkg/domain"
)

// PermissionRepo persists resource permissions with their embedded policy.
// Scalar policy dimensions are flattened to columns; time window and
// constraints ride as JSON.
type PermissionRepo struct {
	db *DB
}

func NewPermissionRepo(db *DB) *PermissionRepo {
	return &PermissionRepo{db: db}
}

const permissionColumns = `id, app_id, resource_id, action, valid_from, expires_at,
	time_window, rl_max_requests, rl_window_seconds, quota_daily, quota_monthly,
	token_budget_daily, token_budget_monthly, constraints, status, created_at, updated_at`

func (r *PermissionRepo) Create(ctx context.Context, perm domain.ResourcePermission) error {
	return insertPermission(ctx, r.db, r.db.q, perm)
}

// Get loads the permission for (app, resource, action) regardless of
// status; the policy engine decides what non-ACTIVE means.
func (r *PermissionRepo) Get(ctx context.Context, appID string, resourceID domain.ResourceID, action string) (*domain.ResourcePermission, error) {
	row := r.db.QueryRowContext(ctx, r.db.q(`
		SELECT `+permissionColumns+`
		FROM resource_permissions WHERE app_id = ? AND resource_id = ? AND action = ?`),
		appID, resourceID.String(), action)
	return scanPermission(row)
}

func (r *PermissionRepo) GetByID(ctx context.Context, id string) (*domain.ResourcePermission, error) {
	row := r.db.QueryRowContext(ctx, r.db.q(`
		SELECT `+permissionColumns+` FROM resource_permissions WHERE id = ?`), id)
	return scanPermission(row)
}

func (r *PermissionRepo) ListByApp(ctx context.Context, appID string) ([]domain.ResourcePermission, error) {
	rows, err := r.db.QueryContext(ctx, r.db.q(`
		SELECT `+permissionColumns+`
		FROM resource_permissions WHERE app_id = ? ORDER BY resource_id, action`), appID)
	if err != nil {
		return nil, fmt.Errorf("repo: list permissions: %w", err)
	}
	defer rows.Close()

	var perms []domain.ResourcePermission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, *perm)
	}
	return perms, rows.Err()
}

// MarkExpired flips an ACTIVE permission to EXPIRED; the self-heal path.
func (r *PermissionRepo) MarkExpired(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.q(`
		UPDATE resource_permissions SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(domain.PermissionExpired), now.UTC(), id, string(domain.PermissionActive))
	if err != nil {
		return fmt.Errorf("repo: mark expired: %w", err)
	}
	return nil
}

func (r *PermissionRepo) Revoke(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.q(`
		UPDATE resource_permissions SET status = ?, updated_at = ? WHERE id = ?`),
		string(domain.PermissionRevoked), now.UTC(), id)
	if err != nil {
		return fmt.Errorf("repo: revoke permission: %w", err)
	}
	return requireRow(res)
}

func insertPermission(ctx context.Context, e execer, q func(string) string, perm domain.ResourcePermission) error {
	if err := perm.ResourceID.Validate(); err != nil {
		return err
	}
	p := perm.Policy

	tw, err := jsonOrNull(p.TimeWindow)
	if err != nil {
		return fmt.Errorf("repo: encode time window: %w", err)
	}
	cons, err := jsonOrNull(nonEmptyConstraints(p.Constraints))
	if err != nil {
		return fmt.Errorf("repo: encode constraints: %w", err)
	}

	var rlMax, rlWindow sql.NullInt64
	if p.RateLimit != nil {
		rlMax = sql.NullInt64{Int64: p.RateLimit.MaxRequests, Valid: true}
		rlWindow = sql.NullInt64{Int64: p.RateLimit.WindowSeconds, Valid: true}
	}
	var quotaDaily, quotaMonthly sql.NullInt64
	if p.Quota != nil {
		quotaDaily = nullableInt(p.Quota.Daily)
		quotaMonthly = nullableInt(p.Quota.Monthly)
	}
	var budgetDaily, budgetMonthly sql.NullInt64
	if p.TokenBudget != nil {
		budgetDaily = nullableInt(p.TokenBudget.Daily)
		budgetMonthly = nullableInt(p.TokenBudget.Monthly)
	}

	_, err = e.ExecContext(ctx, q(`
		INSERT INTO resource_permissions (`+permissionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		perm.ID, perm.AppID, perm.ResourceID.String(), perm.Action,
		nullableTime(p.ValidFrom), nullableTime(p.ExpiresAt),
		tw, rlMax, rlWindow, quotaDaily, quotaMonthly, budgetDaily, budgetMonthly,
		cons, string(perm.Status), perm.CreatedAt.UTC(), perm.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("repo: insert permission: %w", err)
	}
	return nil
}

func scanPermission(row rowScanner) (*domain.ResourcePermission, error) {
	var perm domain.ResourcePermission
	var resourceID, status string
	var validFrom, expiresAt sql.NullTime
	var tw, cons sql.NullString
	var rlMax, rlWindow, quotaDaily, quotaMonthly, budgetDaily, budgetMonthly sql.NullInt64

	err := row.Scan(&perm.ID, &perm.AppID, &resourceID, &perm.Action,
		&validFrom, &expiresAt, &tw, &rlMax, &rlWindow,
		&quotaDaily, &quotaMonthly, &budgetDaily, &budgetMonthly,
		&cons, &status, &perm.CreatedAt, &perm.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repo: scan permission: %w", err)
	}

	perm.ResourceID = domain.ResourceID(resourceID)
	perm.Status = domain.PermissionStatus(status)
	if validFrom.Valid {
		t := validFrom.Time.UTC()
		perm.Policy.ValidFrom = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		perm.Policy.ExpiresAt = &t
	}
	if tw.Valid && tw.String != "" {
		var window domain.TimeWindow
		if err := json.Unmarshal([]byte(tw.String), &window); err != nil {
			return nil, fmt.Errorf("repo: decode time window: %w", err)
		}
		perm.Policy.TimeWindow = &window
	}
	if rlMax.Valid && rlWindow.Valid {
		perm.Policy.RateLimit = &domain.RateLimit{MaxRequests: rlMax.Int64, WindowSeconds: rlWindow.Int64}
	}
	if quotaDaily.Valid || quotaMonthly.Valid {
		perm.Policy.Quota = &domain.Quota{Daily: intPtr(quotaDaily), Monthly: intPtr(quotaMonthly)}
	}
	if budgetDaily.Valid || budgetMonthly.Valid {
		perm.Policy.TokenBudget = &domain.TokenBudget{Daily: intPtr(budgetDaily), Monthly: intPtr(budgetMonthly)}
	}
	if cons.Valid && cons.String != "" {
		if err := json.Unmarshal([]byte(cons.String), &perm.Policy.Constraints); err != nil {
			return nil, fmt.Errorf("repo: decode constraints: %w", err)
		}
	}
	return &perm, nil
}

// nonEmptyConstraints returns nil for a zero-value Constraints so the
// column stays NULL instead of storing "{}".
func nonEmptyConstraints(c domain.Constraints) *domain.Constraints {
	if len(c.AllowedModels) == 0 && c.MaxOutputTokens == nil && c.MaxInputTokens == nil &&
		c.AllowStreaming == nil && c.When == "" && len(c.Extra) == 0 {
		return nil
	}
	return &c
}

func jsonOrNull(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case *domain.TimeWindow:
		if x == nil {
			return sql.NullString{}, nil
		}
	case *domain.Constraints:
		if x == nil {
			return sql.NullString{}, nil
		}
	case nil:
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullableInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
