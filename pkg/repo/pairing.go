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

// PairingRepo owns connect codes, install sessions, and the cross-table
// transitions of the install state machine. Session status only moves
// PENDING -> {APPROVED, DENIED, EXPIRED}; every transition guards on
// status = PENDING so concurrent operators cannot double-fire.
type PairingRepo struct {
	db *DB
}

func NewPairingRepo(db *DB) *PairingRepo {
	return &PairingRepo{db: db}
}

func (r *PairingRepo) CreateConnectCode(ctx context.Context, code domain.ConnectCode) error {
	_, err := r.db.ExecContext(ctx, r.db.q(`
		INSERT INTO connect_codes (id, code_hash, expires_at, used_at, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		code.ID, code.CodeHash, code.ExpiresAt.UTC(), nullableTime(code.UsedAt), code.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("repo: insert connect code: %w", err)
	}
	return nil
}

func (r *PairingRepo) GetConnectCodeByHash(ctx context.Context, codeHash string) (*domain.ConnectCode, error) {
	row := r.db.QueryRowContext(ctx, r.db.q(`
		SELECT id, code_hash, expires_at, used_at, created_at
		FROM connect_codes WHERE code_hash = ?`), codeHash)

	var c domain.ConnectCode
	var usedAt sql.NullTime
	err := row.Scan(&c.ID, &c.CodeHash, &c.ExpiresAt, &usedAt, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repo: scan connect code: %w", err)
	}
	if usedAt.Valid {
		t := usedAt.Time.UTC()
		c.UsedAt = &t
	}
	c.ExpiresAt = c.ExpiresAt.UTC()
	return &c, nil
}

// ClaimConnectCode marks the code used iff it is still unused. ErrConflict
// means another prepare won the race.
func (r *PairingRepo) ClaimConnectCode(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.q(`
		UPDATE connect_codes SET used_at = ? WHERE id = ? AND used_at IS NULL`),
		now.UTC(), id)
	if err != nil {
		return fmt.Errorf("repo: claim connect code: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrConflict
	}
	return nil
}

// CreatePreparedInstall inserts the PENDING app, its first credential, and
// the install session in one transaction.
func (r *PairingRepo) CreatePreparedInstall(ctx context.Context, app domain.App, cred domain.AppCredential, session domain.InstallSession) error {
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.db.q(`
			INSERT INTO apps (id, name, description, homepage, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			app.ID, app.Name, app.Description, app.Homepage, string(app.Status),
			app.CreatedAt.UTC(), app.UpdatedAt.UTC()); err != nil {
			return fmt.Errorf("repo: insert app: %w", err)
		}
		if err := insertCredential(ctx, tx, r.db.q, cred); err != nil {
			return err
		}
		return insertSession(ctx, tx, r.db.q, session)
	})
}

func insertSession(ctx context.Context, e execer, q func(string) string, s domain.InstallSession) error {
	reqPerms, err := json.Marshal(s.RequestedPermissions)
	if err != nil {
		return fmt.Errorf("repo: encode requested permissions: %w", err)
	}
	_, err = e.ExecContext(ctx, q(`
		INSERT INTO install_sessions (id, app_id, session_token, requested_permissions, redirect_uri, expires_at, status, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		s.ID, s.AppID, s.SessionToken, string(reqPerms), s.RedirectURI,
		s.ExpiresAt.UTC(), string(s.Status), nullableTime(s.CompletedAt),
		s.CreatedAt.UTC(), s.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("repo: insert session: %w", err)
	}
	return nil
}

const sessionColumns = `id, app_id, session_token, requested_permissions, redirect_uri,
	expires_at, status, completed_at, created_at, updated_at`

func (r *PairingRepo) GetSession(ctx context.Context, id string) (*domain.InstallSession, error) {
	row := r.db.QueryRowContext(ctx, r.db.q(`
		SELECT `+sessionColumns+` FROM install_sessions WHERE id = ?`), id)
	return scanSession(row)
}

func (r *PairingRepo) GetSessionByToken(ctx context.Context, token string) (*domain.InstallSession, error) {
	row := r.db.QueryRowContext(ctx, r.db.q(`
		SELECT `+sessionColumns+` FROM install_sessions WHERE session_token = ?`), token)
	return scanSession(row)
}

// ListSessions returns sessions with the given status, newest first.
// Empty status lists everything.
func (r *PairingRepo) ListSessions(ctx context.Context, status domain.SessionStatus) ([]domain.InstallSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM install_sessions ORDER BY created_at DESC`
	args := []any{}
	if status != "" {
		query = `SELECT ` + sessionColumns + ` FROM install_sessions WHERE status = ? ORDER BY created_at DESC`
		args = append(args, string(status))
	}
	rows, err := r.db.QueryContext(ctx, r.db.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("repo: list sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.InstallSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ApproveSession inserts the granted permissions, activates the app, and
// completes the session, all or nothing.
func (r *PairingRepo) ApproveSession(ctx context.Context, session *domain.InstallSession, perms []domain.ResourcePermission, now time.Time) error {
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, r.db.q(`
			UPDATE install_sessions SET status = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`),
			string(domain.SessionApproved), now.UTC(), now.UTC(), session.ID, string(domain.SessionPending))
		if err != nil {
			return fmt.Errorf("repo: approve session: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrConflict
		}

		for _, perm := range perms {
			if err := insertPermission(ctx, tx, r.db.q, perm); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, r.db.q(`
			UPDATE apps SET status = ?, updated_at = ? WHERE id = ?`),
			string(domain.AppActive), now.UTC(), session.AppID); err != nil {
			return fmt.Errorf("repo: activate app: %w", err)
		}
		return nil
	})
}

// DenySession completes the session as DENIED and deletes its PENDING app,
// cascading credentials and permissions.
func (r *PairingRepo) DenySession(ctx context.Context, session *domain.InstallSession, now time.Time) error {
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, r.db.q(`
			UPDATE install_sessions SET status = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`),
			string(domain.SessionDenied), now.UTC(), now.UTC(), session.ID, string(domain.SessionPending))
		if err != nil {
			return fmt.Errorf("repo: deny session: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrConflict
		}
		if _, err := tx.ExecContext(ctx, r.db.q(`DELETE FROM apps WHERE id = ? AND status = ?`),
			session.AppID, string(domain.AppPending)); err != nil {
			return fmt.Errorf("repo: delete pending app: %w", err)
		}
		return nil
	})
}

// DeleteExpiredCodes removes connect codes past their expiry.
func (r *PairingRepo) DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.q(`DELETE FROM connect_codes WHERE expires_at < ?`), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("repo: delete expired codes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ExpirePendingSessions transitions timed-out PENDING sessions to EXPIRED
// and deletes their PENDING apps. Returns the number of sessions expired.
func (r *PairingRepo) ExpirePendingSessions(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, r.db.q(`
			SELECT id, app_id FROM install_sessions WHERE status = ? AND expires_at < ?`),
			string(domain.SessionPending), now.UTC())
		if err != nil {
			return fmt.Errorf("repo: find expired sessions: %w", err)
		}
		type stale struct{ id, appID string }
		var expired []stale
		for rows.Next() {
			var s stale
			var appID sql.NullString
			if err := rows.Scan(&s.id, &appID); err != nil {
				rows.Close()
				return fmt.Errorf("repo: scan expired session: %w", err)
			}
			s.appID = appID.String
			expired = append(expired, s)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, s := range expired {
			if _, err := tx.ExecContext(ctx, r.db.q(`
				UPDATE install_sessions SET status = ?, updated_at = ? WHERE id = ?`),
				string(domain.SessionExpired), now.UTC(), s.id); err != nil {
				return fmt.Errorf("repo: expire session: %w", err)
			}
			if s.appID != "" {
				if _, err := tx.ExecContext(ctx, r.db.q(`DELETE FROM apps WHERE id = ? AND status = ?`),
					s.appID, string(domain.AppPending)); err != nil {
					return fmt.Errorf("repo: delete stale app: %w", err)
				}
			}
			count++
		}
		return nil
	})
	return count, err
}

func scanSession(row rowScanner) (*domain.InstallSession, error) {
	var s domain.InstallSession
	var appID sql.NullString
	var reqPerms, status string
	var completedAt sql.NullTime
	err := row.Scan(&s.ID, &appID, &s.SessionToken, &reqPerms, &s.RedirectURI,
		&s.ExpiresAt, &status, &completedAt, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repo: scan session: %w", err)
	}
	s.AppID = appID.String
	s.Status = domain.SessionStatus(status)
	s.ExpiresAt = s.ExpiresAt.UTC()
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		s.CompletedAt = &t
	}
	if reqPerms != "" {
		if err := json.Unmarshal([]byte(reqPerms), &s.RequestedPermissions); err != nil {
			return nil, fmt.Errorf("repo: decode requested permissions: %w", err)
		}
	}
	return &s, nil
}
