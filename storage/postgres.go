package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS magic_tokens (
	id          TEXT PRIMARY KEY,
	token_hash  TEXT NOT NULL,
	email       TEXT NOT NULL,
	role        TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL,
	used        BOOLEAN NOT NULL DEFAULT FALSE,
	used_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_magic_tokens_expires ON magic_tokens(expires_at);

CREATE TABLE IF NOT EXISTS rate_limits (
	key          TEXT PRIMARY KEY,
	count        INTEGER NOT NULL,
	window_start TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	email       TEXT NOT NULL,
	device_id   TEXT NOT NULL,
	login_time  TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL,
	extended_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

CREATE TABLE IF NOT EXISTS profiles (
	email        TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	is_admin     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
`

// PostgresStore is the production Store implementation, backed by pgx.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to PostgreSQL using the given DSN and ensures
// the required tables exist.
func NewPostgresStore(databaseDSN string) (*PostgresStore, error) {
	config, err := pgx.ParseConfig(databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	db := stdlib.OpenDB(*config)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) CreateToken(ctx context.Context, token *MagicToken) error {
	query := `INSERT INTO magic_tokens (id, token_hash, email, role, created_at, expires_at, used, used_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			  ON CONFLICT (id) DO NOTHING`

	result, err := p.db.ExecContext(ctx, query,
		token.ID, token.TokenHash, token.Email, token.Role,
		token.CreatedAt, token.ExpiresAt, token.Used, token.UsedAt)
	if err != nil {
		return fmt.Errorf("failed to create magic token: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrDuplicateToken
	}
	return nil
}

func (p *PostgresStore) GetToken(ctx context.Context, id string) (*MagicToken, error) {
	query := `SELECT id, token_hash, email, role, created_at, expires_at, used, used_at
			  FROM magic_tokens WHERE id = $1`

	token := &MagicToken{}
	var usedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&token.ID, &token.TokenHash, &token.Email, &token.Role,
		&token.CreatedAt, &token.ExpiresAt, &token.Used, &usedAt)

	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get magic token: %w", err)
	}

	if usedAt.Valid {
		token.UsedAt = &usedAt.Time
	}
	return token, nil
}

func (p *PostgresStore) ConsumeToken(ctx context.Context, id string, usedAt time.Time) (bool, error) {
	// Row-level guarded update; linearizable per token.
	query := `UPDATE magic_tokens SET used = TRUE, used_at = $1 WHERE id = $2 AND used = FALSE`

	result, err := p.db.ExecContext(ctx, query, usedAt, id)
	if err != nil {
		return false, fmt.Errorf("failed to consume magic token: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

func (p *PostgresStore) DeleteToken(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM magic_tokens WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete magic token: %w", err)
	}
	return nil
}

func (p *PostgresStore) DeleteExpiredTokens(ctx context.Context, before time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM magic_tokens WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	return result.RowsAffected()
}

func (p *PostgresStore) GetRateLimit(ctx context.Context, key string) (*RateLimitRecord, error) {
	query := `SELECT key, count, window_start FROM rate_limits WHERE key = $1`

	rec := &RateLimitRecord{}
	err := p.db.QueryRowContext(ctx, query, key).Scan(&rec.Key, &rec.Count, &rec.WindowStart)
	if err == sql.ErrNoRows {
		return nil, ErrRateLimitNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rate limit record: %w", err)
	}
	return rec, nil
}

func (p *PostgresStore) IncrRateLimit(ctx context.Context, key string, now, cutoff time.Time) (*RateLimitRecord, error) {
	query := `INSERT INTO rate_limits (key, count, window_start) VALUES ($1, 1, $2)
			  ON CONFLICT (key) DO UPDATE SET
				count = CASE WHEN rate_limits.window_start <= $3 THEN 1 ELSE rate_limits.count + 1 END,
				window_start = CASE WHEN rate_limits.window_start <= $3 THEN excluded.window_start ELSE rate_limits.window_start END
			  RETURNING key, count, window_start`

	rec := &RateLimitRecord{}
	err := p.db.QueryRowContext(ctx, query, key, now, cutoff).Scan(
		&rec.Key, &rec.Count, &rec.WindowStart)
	if err != nil {
		return nil, fmt.Errorf("failed to increment rate limit: %w", err)
	}
	return rec, nil
}

func (p *PostgresStore) DeleteExpiredRateLimits(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM rate_limits WHERE window_start <= $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired rate limits: %w", err)
	}
	return result.RowsAffected()
}

func (p *PostgresStore) CreateSession(ctx context.Context, session *Session) error {
	query := `INSERT INTO sessions (id, email, device_id, login_time, expires_at, extended_at)
			  VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := p.db.ExecContext(ctx, query,
		session.ID, session.Email, session.DeviceID,
		session.LoginTime, session.ExpiresAt, session.ExtendedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `SELECT id, email, device_id, login_time, expires_at, extended_at
			  FROM sessions WHERE id = $1`

	session := &Session{}
	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID, &session.Email, &session.DeviceID,
		&session.LoginTime, &session.ExpiresAt, &session.ExtendedAt)

	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (p *PostgresStore) UpdateSessionExpiry(ctx context.Context, id string, expiresAt, extendedAt time.Time) error {
	query := `UPDATE sessions SET expires_at = $1, extended_at = $2 WHERE id = $3`

	result, err := p.db.ExecContext(ctx, query, expiresAt, extendedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update session expiry: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (p *PostgresStore) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return result.RowsAffected()
}

func (p *PostgresStore) GetProfile(ctx context.Context, email string) (*Profile, error) {
	query := `SELECT email, display_name, is_admin, created_at, updated_at
			  FROM profiles WHERE email = $1`

	profile := &Profile{}
	err := p.db.QueryRowContext(ctx, query, email).Scan(
		&profile.Email, &profile.DisplayName, &profile.IsAdmin,
		&profile.CreatedAt, &profile.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return profile, nil
}

func (p *PostgresStore) UpsertProfile(ctx context.Context, profile *Profile) error {
	query := `INSERT INTO profiles (email, display_name, is_admin, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5)
			  ON CONFLICT (email) DO UPDATE SET
				display_name = excluded.display_name,
				is_admin = excluded.is_admin,
				updated_at = excluded.updated_at`

	_, err := p.db.ExecContext(ctx, query,
		profile.Email, profile.DisplayName, profile.IsAdmin,
		profile.CreatedAt, profile.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}
