// Package repo holds the gateway's durable repositories on database/sql.
// Postgres (lib/pq) backs production; SQLite (modernc) backs lite mode.
// One implementation serves both dialects: queries are written with '?'
// placeholders and rebound to $N for Postgres, and the schema DDL is
// selected per dialect at Init.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("repo: not found")

// ErrConflict is returned when a guarded state transition matched no row,
// meaning another writer got there first.
var ErrConflict = errors.New("repo: conflict")

// Dialect selects placeholder and DDL flavor.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

// DB wraps the sql handle with its dialect.
type DB struct {
	*sql.DB
	dialect Dialect
}

// OpenPostgres connects and pings.
func OpenPostgres(ctx context.Context, url string) (*DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("repo: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("repo: ping postgres: %w", err)
	}
	return &DB{DB: db, dialect: Postgres}, nil
}

// OpenSQLite opens the lite-mode database. Foreign keys must be switched
// on per connection or the cascade deletes silently stop working.
func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("repo: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("repo: ping sqlite: %w", err)
	}
	return &DB{DB: db, dialect: SQLite}, nil
}

// NewDB wraps an existing handle; used by tests with sqlmock.
func NewDB(db *sql.DB, dialect Dialect) *DB {
	return &DB{DB: db, dialect: dialect}
}

// Dialect returns the flavor this handle speaks.
func (d *DB) Dialect() Dialect { return d.dialect }

// q rewrites '?' placeholders to $N for Postgres. SQLite takes '?' as-is.
func (d *DB) q(query string) string {
	if d.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// withTx runs fn inside a transaction, rolling back on error.
func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repo: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repo: commit: %w", err)
	}
	return nil
}

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS apps (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	homepage TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS app_credentials (
	id TEXT PRIMARY KEY,
	app_id TEXT NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
	public_key TEXT NOT NULL,
	algorithm TEXT NOT NULL DEFAULT 'ed25519',
	label TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_app_credentials_app ON app_credentials(app_id, status);

CREATE TABLE IF NOT EXISTS resource_permissions (
	id TEXT PRIMARY KEY,
	app_id TEXT NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
	resource_id TEXT NOT NULL,
	action TEXT NOT NULL,
	valid_from TIMESTAMPTZ,
	expires_at TIMESTAMPTZ,
	time_window TEXT,
	rl_max_requests BIGINT,
	rl_window_seconds BIGINT,
	quota_daily BIGINT,
	quota_monthly BIGINT,
	token_budget_daily BIGINT,
	token_budget_monthly BIGINT,
	constraints TEXT,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (app_id, resource_id, action)
);

CREATE TABLE IF NOT EXISTS permission_usage (
	permission_id TEXT NOT NULL REFERENCES resource_permissions(id) ON DELETE CASCADE,
	period_type TEXT NOT NULL,
	period_start TIMESTAMPTZ NOT NULL,
	requests BIGINT NOT NULL DEFAULT 0,
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	total_tokens BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (permission_id, period_type, period_start)
);

CREATE TABLE IF NOT EXISTS resource_secrets (
	resource_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	encrypted_key TEXT NOT NULL,
	key_iv TEXT NOT NULL,
	config TEXT,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS connect_codes (
	id TEXT PRIMARY KEY,
	code_hash TEXT NOT NULL UNIQUE,
	expires_at TIMESTAMPTZ NOT NULL,
	used_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS install_sessions (
	id TEXT PRIMARY KEY,
	app_id TEXT REFERENCES apps(id) ON DELETE SET NULL,
	session_token TEXT NOT NULL UNIQUE,
	requested_permissions TEXT NOT NULL,
	redirect_uri TEXT NOT NULL DEFAULT '',
	expires_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	completed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_install_sessions_status ON install_sessions(status, expires_at);

CREATE TABLE IF NOT EXISTS decision_log (
	id TEXT PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	app_id TEXT NOT NULL DEFAULT '',
	resource_id TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL DEFAULT '',
	decision TEXT NOT NULL,
	error_code TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	total_tokens BIGINT NOT NULL DEFAULT 0,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	request_id TEXT NOT NULL DEFAULT '',
	input_hash TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_decision_log_ts ON decision_log(ts);
`

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS apps (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	homepage TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS app_credentials (
	id TEXT PRIMARY KEY,
	app_id TEXT NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
	public_key TEXT NOT NULL,
	algorithm TEXT NOT NULL DEFAULT 'ed25519',
	label TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_app_credentials_app ON app_credentials(app_id, status);

CREATE TABLE IF NOT EXISTS resource_permissions (
	id TEXT PRIMARY KEY,
	app_id TEXT NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
	resource_id TEXT NOT NULL,
	action TEXT NOT NULL,
	valid_from TIMESTAMP,
	expires_at TIMESTAMP,
	time_window TEXT,
	rl_max_requests INTEGER,
	rl_window_seconds INTEGER,
	quota_daily INTEGER,
	quota_monthly INTEGER,
	token_budget_daily INTEGER,
	token_budget_monthly INTEGER,
	constraints TEXT,
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (app_id, resource_id, action)
);

CREATE TABLE IF NOT EXISTS permission_usage (
	permission_id TEXT NOT NULL REFERENCES resource_permissions(id) ON DELETE CASCADE,
	period_type TEXT NOT NULL,
	period_start TIMESTAMP NOT NULL,
	requests INTEGER NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (permission_id, period_type, period_start)
);

CREATE TABLE IF NOT EXISTS resource_secrets (
	resource_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	encrypted_key TEXT NOT NULL,
	key_iv TEXT NOT NULL,
	config TEXT,
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS connect_codes (
	id TEXT PRIMARY KEY,
	code_hash TEXT NOT NULL UNIQUE,
	expires_at TIMESTAMP NOT NULL,
	used_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS install_sessions (
	id TEXT PRIMARY KEY,
	app_id TEXT REFERENCES apps(id) ON DELETE SET NULL,
	session_token TEXT NOT NULL UNIQUE,
	requested_permissions TEXT NOT NULL,
	redirect_uri TEXT NOT NULL DEFAULT '',
	expires_at TIMESTAMP NOT NULL,
	status TEXT NOT NULL,
	completed_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_install_sessions_status ON install_sessions(status, expires_at);

CREATE TABLE IF NOT EXISTS decision_log (
	id TEXT PRIMARY KEY,
	ts TIMESTAMP NOT NULL,
	app_id TEXT NOT NULL DEFAULT '',
	resource_id TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL DEFAULT '',
	decision TEXT NOT NULL,
	error_code TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	request_id TEXT NOT NULL DEFAULT '',
	input_hash TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_decision_log_ts ON decision_log(ts);
`

// Init creates the full schema. Idempotent.
func (d *DB) Init(ctx context.Context) error {
	schema := schemaPostgres
	if d.dialect == SQLite {
		schema = schemaSQLite
	}
	if _, err := d.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("repo: init schema: %w", err)
	}
	return nil
}
