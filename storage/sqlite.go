package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS magic_tokens (
	id          TEXT PRIMARY KEY,
	token_hash  TEXT NOT NULL,
	email       TEXT NOT NULL,
	role        TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	expires_at  TIMESTAMP NOT NULL,
	used        BOOLEAN NOT NULL DEFAULT FALSE,
	used_at     TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_magic_tokens_expires ON magic_tokens(expires_at);

CREATE TABLE IF NOT EXISTS rate_limits (
	key          TEXT PRIMARY KEY,
	count        INTEGER NOT NULL,
	window_start TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	email       TEXT NOT NULL,
	device_id   TEXT NOT NULL,
	login_time  TIMESTAMP NOT NULL,
	expires_at  TIMESTAMP NOT NULL,
	extended_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

CREATE TABLE IF NOT EXISTS profiles (
	email        TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	is_admin     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);
`

// SQLiteStore is the durable local-fallback Store implementation.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the required tables exist. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// The shared-nothing :memory: mode breaks with multiple pooled
	// connections; every connection would see its own empty database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateToken(ctx context.Context, token *MagicToken) error {
	query := `INSERT INTO magic_tokens (id, token_hash, email, role, created_at, expires_at, used, used_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(id) DO NOTHING`

	result, err := s.db.ExecContext(ctx, query,
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

func (s *SQLiteStore) GetToken(ctx context.Context, id string) (*MagicToken, error) {
	query := `SELECT id, token_hash, email, role, created_at, expires_at, used, used_at
			  FROM magic_tokens WHERE id = ?`

	token := &MagicToken{}
	var usedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, id).Scan(
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

func (s *SQLiteStore) ConsumeToken(ctx context.Context, id string, usedAt time.Time) (bool, error) {
	// Guarded update: only the caller that flips used wins. Concurrent
	// redeemers of the same link see zero rows affected.
	query := `UPDATE magic_tokens SET used = TRUE, used_at = ? WHERE id = ? AND used = FALSE`

	result, err := s.db.ExecContext(ctx, query, usedAt, id)
	if err != nil {
		return false, fmt.Errorf("failed to consume magic token: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

func (s *SQLiteStore) DeleteToken(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM magic_tokens WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete magic token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteExpiredTokens(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM magic_tokens WHERE expires_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) GetRateLimit(ctx context.Context, key string) (*RateLimitRecord, error) {
	query := `SELECT key, count, window_start FROM rate_limits WHERE key = ?`

	rec := &RateLimitRecord{}
	err := s.db.QueryRowContext(ctx, query, key).Scan(&rec.Key, &rec.Count, &rec.WindowStart)
	if err == sql.ErrNoRows {
		return nil, ErrRateLimitNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rate limit record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) IncrRateLimit(ctx context.Context, key string, now, cutoff time.Time) (*RateLimitRecord, error) {
	// Single upsert so the reset-or-increment is atomic per key.
	query := `INSERT INTO rate_limits (key, count, window_start) VALUES (?, 1, ?)
			  ON CONFLICT(key) DO UPDATE SET
				count = CASE WHEN rate_limits.window_start <= ? THEN 1 ELSE rate_limits.count + 1 END,
				window_start = CASE WHEN rate_limits.window_start <= ? THEN excluded.window_start ELSE rate_limits.window_start END
			  RETURNING key, count, window_start`

	rec := &RateLimitRecord{}
	err := s.db.QueryRowContext(ctx, query, key, now, cutoff, cutoff).Scan(
		&rec.Key, &rec.Count, &rec.WindowStart)
	if err != nil {
		return nil, fmt.Errorf("failed to increment rate limit: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) DeleteExpiredRateLimits(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rate_limits WHERE window_start <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired rate limits: %w", err)
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	query := `INSERT INTO sessions (id, email, device_id, login_time, expires_at, extended_at)
			  VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.Email, session.DeviceID,
		session.LoginTime, session.ExpiresAt, session.ExtendedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `SELECT id, email, device_id, login_time, expires_at, extended_at
			  FROM sessions WHERE id = ?`

	session := &Session{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
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

func (s *SQLiteStore) UpdateSessionExpiry(ctx context.Context, id string, expiresAt, extendedAt time.Time) error {
	query := `UPDATE sessions SET expires_at = ?, extended_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, expiresAt, extendedAt, id)
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

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) GetProfile(ctx context.Context, email string) (*Profile, error) {
	query := `SELECT email, display_name, is_admin, created_at, updated_at
			  FROM profiles WHERE email = ?`

	profile := &Profile{}
	err := s.db.QueryRowContext(ctx, query, email).Scan(
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

func (s *SQLiteStore) UpsertProfile(ctx context.Context, profile *Profile) error {
	query := `INSERT INTO profiles (email, display_name, is_admin, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?)
			  ON CONFLICT(email) DO UPDATE SET
				display_name = excluded.display_name,
				is_admin = excluded.is_admin,
				updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		profile.Email, profile.DisplayName, profile.IsAdmin,
		profile.CreatedAt, profile.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
