package repo

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/porter/pkg/domain"
)

// AppRepo persists apps and their signing credentials.
type AppRepo struct {
	db *DB
}

func NewAppRepo(db *DB) *AppRepo {
	return &AppRepo{db: db}
}

func (r *AppRepo) Get(ctx context.Context, id string) (*domain.App, error) {
	row := r.db.QueryRowContext(ctx, r.db.q(`
		SELECT id, name, description, homepage, status, created_at, updated_at
		FROM apps WHERE id = ?`), id)
	return scanApp(row)
}

func (r *AppRepo) List(ctx context.Context) ([]domain.App, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, description, homepage, status, created_at, updated_at
		FROM apps ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("repo: list apps: %w", err)
	}
	defer rows.Close()

	var apps []domain.App
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, *app)
	}
	return apps, rows.Err()
}

func (r *AppRepo) UpdateStatus(ctx context.Context, id string, status domain.AppStatus, now time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.q(`
		UPDATE apps SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), now.UTC(), id)
	if err != nil {
		return fmt.Errorf("repo: update app status: %w", err)
	}
	return requireRow(res)
}

// Delete removes the app; credentials, permissions, and usage cascade.
func (r *AppRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.q(`DELETE FROM apps WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("repo: delete app: %w", err)
	}
	return requireRow(res)
}

// GetWithActiveCredentials loads the app and its ACTIVE credentials in one
// round trip pair. Used on the hot path by the authenticator.
func (r *AppRepo) GetWithActiveCredentials(ctx context.Context, id string) (*domain.App, []domain.AppCredential, error) {
	app, err := r.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	rows, err := r.db.QueryContext(ctx, r.db.q(`
		SELECT id, app_id, public_key, algorithm, label, status, created_at, updated_at
		FROM app_credentials WHERE app_id = ? AND status = ? ORDER BY created_at`),
		id, string(domain.CredentialActive))
	if err != nil {
		return nil, nil, fmt.Errorf("repo: load credentials: %w", err)
	}
	defer rows.Close()

	var creds []domain.AppCredential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, nil, err
		}
		creds = append(creds, *cred)
	}
	return app, creds, rows.Err()
}

// InsertCredential adds a credential without touching existing ones.
func (r *AppRepo) InsertCredential(ctx context.Context, cred domain.AppCredential) error {
	return insertCredential(ctx, r.db, r.db.q, cred)
}

// RotateCredential revokes every ACTIVE credential of the app and inserts
// the replacement in one transaction.
func (r *AppRepo) RotateCredential(ctx context.Context, appID string, next domain.AppCredential, now time.Time) error {
	if next.AppID != appID {
		return fmt.Errorf("repo: rotate: credential app %q != %q", next.AppID, appID)
	}
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.db.q(`
			UPDATE app_credentials SET status = ?, updated_at = ? WHERE app_id = ? AND status = ?`),
			string(domain.CredentialRevoked), now.UTC(), appID, string(domain.CredentialActive)); err != nil {
			return fmt.Errorf("repo: revoke credentials: %w", err)
		}
		return insertCredential(ctx, tx, r.db.q, next)
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertCredential(ctx context.Context, e execer, q func(string) string, cred domain.AppCredential) error {
	if len(cred.PublicKey) == 0 {
		return errors.New("repo: credential public key is empty")
	}
	alg := cred.Algorithm
	if alg == "" {
		alg = domain.AlgorithmEd25519
	}
	_, err := e.ExecContext(ctx, q(`
		INSERT INTO app_credentials (id, app_id, public_key, algorithm, label, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		cred.ID, cred.AppID, base64.StdEncoding.EncodeToString(cred.PublicKey),
		alg, cred.Label, string(cred.Status), cred.CreatedAt.UTC(), cred.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("repo: insert credential: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApp(row rowScanner) (*domain.App, error) {
	var app domain.App
	var status string
	err := row.Scan(&app.ID, &app.Name, &app.Description, &app.Homepage, &status, &app.CreatedAt, &app.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repo: scan app: %w", err)
	}
	app.Status = domain.AppStatus(status)
	return &app, nil
}

func scanCredential(row rowScanner) (*domain.AppCredential, error) {
	var cred domain.AppCredential
	var status, keyB64 string
	err := row.Scan(&cred.ID, &cred.AppID, &keyB64, &cred.Algorithm, &cred.Label, &status, &cred.CreatedAt, &cred.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repo: scan credential: %w", err)
	}
	key, err := domain.ParsePublicKey(keyB64)
	if err != nil {
		return nil, fmt.Errorf("repo: credential %s: %w", cred.ID, err)
	}
	cred.PublicKey = key
	cred.Status = domain.CredentialStatus(status)
	return &cred, nil
}

// requireRow converts a zero-row Exec into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
