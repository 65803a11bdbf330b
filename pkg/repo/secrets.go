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

// SecretRepo persists envelope-encrypted upstream credentials. Plaintext
// never reaches this layer; the vault seals before Upsert and opens after
// Get.
type SecretRepo struct {
	db *DB
}

func NewSecretRepo(db *DB) *SecretRepo {
	return &SecretRepo{db: db}
}

// Upsert writes the secret, replacing any existing envelope for the
// resource.
func (r *SecretRepo) Upsert(ctx context.Context, s domain.ResourceSecret) error {
	if err := s.ResourceID.Validate(); err != nil {
		return err
	}
	cfg, err := configOrNull(s.Config)
	if err != nil {
		return fmt.Errorf("repo: encode secret config: %w", err)
	}
	_, err = r.db.ExecContext(ctx, r.db.q(`
		INSERT INTO resource_secrets (resource_id, name, resource_type, encrypted_key, key_iv, config, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (resource_id) DO UPDATE SET
			name = excluded.name,
			resource_type = excluded.resource_type,
			encrypted_key = excluded.encrypted_key,
			key_iv = excluded.key_iv,
			config = excluded.config,
			status = excluded.status,
			updated_at = excluded.updated_at`),
		s.ResourceID.String(), s.Name, s.ResourceType, s.EncryptedKey, s.KeyIV,
		cfg, string(s.Status), s.CreatedAt.UTC(), s.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("repo: upsert secret: %w", err)
	}
	return nil
}

func (r *SecretRepo) Get(ctx context.Context, resourceID domain.ResourceID) (*domain.ResourceSecret, error) {
	row := r.db.QueryRowContext(ctx, r.db.q(`
		SELECT resource_id, name, resource_type, encrypted_key, key_iv, config, status, created_at, updated_at
		FROM resource_secrets WHERE resource_id = ?`), resourceID.String())
	return scanSecret(row)
}

func (r *SecretRepo) List(ctx context.Context) ([]domain.ResourceSecret, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT resource_id, name, resource_type, encrypted_key, key_iv, config, status, created_at, updated_at
		FROM resource_secrets ORDER BY resource_id`)
	if err != nil {
		return nil, fmt.Errorf("repo: list secrets: %w", err)
	}
	defer rows.Close()

	var out []domain.ResourceSecret
	for rows.Next() {
		s, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *SecretRepo) SetStatus(ctx context.Context, resourceID domain.ResourceID, status domain.SecretStatus, now time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.q(`
		UPDATE resource_secrets SET status = ?, updated_at = ? WHERE resource_id = ?`),
		string(status), now.UTC(), resourceID.String())
	if err != nil {
		return fmt.Errorf("repo: set secret status: %w", err)
	}
	return requireRow(res)
}

func (r *SecretRepo) Delete(ctx context.Context, resourceID domain.ResourceID) error {
	res, err := r.db.ExecContext(ctx, r.db.q(`DELETE FROM resource_secrets WHERE resource_id = ?`), resourceID.String())
	if err != nil {
		return fmt.Errorf("repo: delete secret: %w", err)
	}
	return requireRow(res)
}

func scanSecret(row rowScanner) (*domain.ResourceSecret, error) {
	var s domain.ResourceSecret
	var resourceID, status string
	var cfg sql.NullString
	err := row.Scan(&resourceID, &s.Name, &s.ResourceType, &s.EncryptedKey, &s.KeyIV, &cfg, &status, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repo: scan secret: %w", err)
	}
	s.ResourceID = domain.ResourceID(resourceID)
	s.Status = domain.SecretStatus(status)
	if cfg.Valid && cfg.String != "" {
		if err := json.Unmarshal([]byte(cfg.String), &s.Config); err != nil {
			return nil, fmt.Errorf("repo: decode secret config: %w", err)
		}
	}
	return &s, nil
}

func configOrNull(cfg map[string]string) (sql.NullString, error) {
	if len(cfg) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
