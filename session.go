package linkauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wispberry-tech/linkauth/storage"
)

// SessionManager converts verified identities into long-lived,
// device-bound sessions and handles extension and invalidation.
//
// Lifecycle: a session is created on successful token verification, may be
// extended on activity, and is destroyed on sign-out, on expiry detection
// or on device mismatch. The latter two destroy eagerly during validation
// so a dead session never lingers.
type SessionManager struct {
	store       storage.SessionStore
	duration    time.Duration
	maxLifetime time.Duration
	extendMin   time.Duration
}

// NewSessionManager creates a SessionManager. maxLifetime zero disables the
// hard cap; extendMin zero disables extension debouncing.
func NewSessionManager(store storage.SessionStore, duration, maxLifetime, extendMin time.Duration) *SessionManager {
	return &SessionManager{
		store:       store,
		duration:    duration,
		maxLifetime: maxLifetime,
		extendMin:   extendMin,
	}
}

// Create mints a new session for email bound to deviceID.
func (m *SessionManager) Create(ctx context.Context, email, deviceID string) (*storage.Session, error) {
	now := time.Now()
	session := &storage.Session{
		ID:         uuid.NewString(),
		Email:      email,
		DeviceID:   deviceID,
		LoginTime:  now,
		ExpiresAt:  now.Add(m.duration),
		ExtendedAt: now,
	}

	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("Session created",
		"session_id", session.ID,
		"email", email,
		"expires_at", session.ExpiresAt)
	return session, nil
}

// Validate loads the session and checks expiry and device binding. Both
// failure modes destroy the stored session before returning, so the caller
// always ends up in a clean no-session state. A device mismatch is a state
// transition, not a hard error: the caller should re-authenticate.
func (m *SessionManager) Validate(ctx context.Context, sessionID, currentDeviceID string) (*storage.Session, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if time.Now().After(session.ExpiresAt) {
		m.destroy(ctx, session.ID, "expired")
		return nil, ErrSessionExpired
	}

	if session.DeviceID != currentDeviceID {
		m.destroy(ctx, session.ID, "device mismatch")
		return nil, ErrDeviceMismatch
	}

	return session, nil
}

// Extend pushes the session expiry forward on user activity. Calls within
// the debounce interval are no-ops. The new expiry never exceeds the hard
// cap from the original login and never moves backward.
func (m *SessionManager) Extend(ctx context.Context, session *storage.Session) (*storage.Session, error) {
	now := time.Now()
	if m.extendMin > 0 && now.Sub(session.ExtendedAt) < m.extendMin {
		return session, nil
	}

	expiresAt := now.Add(m.duration)
	if m.maxLifetime > 0 {
		if limit := session.LoginTime.Add(m.maxLifetime); expiresAt.After(limit) {
			expiresAt = limit
		}
	}
	if expiresAt.Before(session.ExpiresAt) {
		return session, nil
	}

	if err := m.store.UpdateSessionExpiry(ctx, session.ID, expiresAt, now); err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("failed to extend session: %w", err)
	}

	extended := *session
	extended.ExpiresAt = expiresAt
	extended.ExtendedAt = now
	return &extended, nil
}

// Destroy removes the session. Removing an already-gone session is not an
// error; sign-out is idempotent.
func (m *SessionManager) Destroy(ctx context.Context, sessionID string) error {
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to destroy session: %w", err)
	}
	slog.Info("Session destroyed", "session_id", sessionID)
	return nil
}

// Sweep removes sessions past their expiry.
func (m *SessionManager) Sweep(ctx context.Context) (int64, error) {
	return m.store.DeleteExpiredSessions(ctx, time.Now())
}

func (m *SessionManager) destroy(ctx context.Context, sessionID, reason string) {
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		slog.Error("Failed to clean up invalid session",
			"session_id", sessionID,
			"reason", reason,
			"error", err)
		return
	}
	slog.Info("Session invalidated", "session_id", sessionID, "reason", reason)
}
