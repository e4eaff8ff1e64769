// Package storage provides record models and store interfaces for the
// magic-link authentication system, with in-memory, SQLite and PostgreSQL
// implementations.
//
// Stores are injected into the service layer so tests can run against the
// in-memory implementation while production uses a durable backend.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTokenNotFound is returned when a magic token cannot be found
	ErrTokenNotFound = errors.New("magic token not found")
	// ErrSessionNotFound is returned when a session cannot be found
	ErrSessionNotFound = errors.New("session not found")
	// ErrProfileNotFound is returned when a user profile cannot be found
	ErrProfileNotFound = errors.New("profile not found")
	// ErrRateLimitNotFound is returned when no rate-limit record exists for a key
	ErrRateLimitNotFound = errors.New("rate limit record not found")
	// ErrDuplicateToken is returned when a token ID collides with an existing record
	ErrDuplicateToken = errors.New("duplicate token")
)

// MagicToken is a single-use, time-bounded login token.
// The plaintext token never touches the store: ID is a short plaintext
// prefix used for lookup and TokenHash is a bcrypt hash of the full value.
type MagicToken struct {
	ID        string     `json:"id"`
	TokenHash string     `json:"-"`
	Email     string     `json:"email"`
	Role      string     `json:"role"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	Used      bool       `json:"used"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// IsExpired reports whether the token's validity window has passed.
func (t *MagicToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// RateLimitRecord is a fixed-window request counter keyed by (email, device).
type RateLimitRecord struct {
	Key         string    `json:"key"`
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
}

// Session is a long-lived, device-bound client session.
type Session struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	DeviceID   string    `json:"device_id"`
	LoginTime  time.Time `json:"login_time"`
	ExpiresAt  time.Time `json:"expires_at"`
	ExtendedAt time.Time `json:"extended_at"`
}

// Profile is the slice of the user record the auth subsystem reads.
type Profile struct {
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	IsAdmin     bool      `json:"is_admin"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TokenStore persists magic tokens. ConsumeToken is the single atomic
// check-and-set of the system: it must flip Used false->true exactly once
// per token even under concurrent calls.
type TokenStore interface {
	CreateToken(ctx context.Context, token *MagicToken) error
	GetToken(ctx context.Context, id string) (*MagicToken, error)

	// ConsumeToken marks the token used. It returns true only for the one
	// caller that performed the false->true transition; every other caller
	// gets false with a nil error.
	ConsumeToken(ctx context.Context, id string, usedAt time.Time) (bool, error)

	// DeleteToken removes a token outright. Used to roll back issuance when
	// mail dispatch fails, so no redeemable orphan is left behind.
	DeleteToken(ctx context.Context, id string) error

	DeleteExpiredTokens(ctx context.Context, before time.Time) (int64, error)
}

// RateLimitStore persists fixed-window counters.
type RateLimitStore interface {
	GetRateLimit(ctx context.Context, key string) (*RateLimitRecord, error)

	// IncrRateLimit bumps the counter for key, resetting count to 1 with a
	// fresh window whenever the stored window started at or before cutoff.
	// The reset-or-increment must be atomic per key.
	IncrRateLimit(ctx context.Context, key string, now, cutoff time.Time) (*RateLimitRecord, error)

	DeleteExpiredRateLimits(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionStore persists device-bound sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSessionExpiry(ctx context.Context, id string, expiresAt, extendedAt time.Time) error
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error)
}

// ProfileStore reads and writes the user profile records consulted for role
// resolution.
type ProfileStore interface {
	GetProfile(ctx context.Context, email string) (*Profile, error)
	UpsertProfile(ctx context.Context, profile *Profile) error
}

// Store is the full contract the auth service is wired against.
type Store interface {
	TokenStore
	RateLimitStore
	SessionStore
	ProfileStore

	Ping(ctx context.Context) error
	Close() error
}
