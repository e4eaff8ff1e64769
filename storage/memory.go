package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation used by tests and the
// local-fallback configuration. Safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	tokens   map[string]*MagicToken
	limits   map[string]*RateLimitRecord
	sessions map[string]*Session
	profiles map[string]*Profile
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens:   make(map[string]*MagicToken),
		limits:   make(map[string]*RateLimitRecord),
		sessions: make(map[string]*Session),
		profiles: make(map[string]*Profile),
	}
}

func (m *MemoryStore) CreateToken(ctx context.Context, token *MagicToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tokens[token.ID]; exists {
		return ErrDuplicateToken
	}
	cp := *token
	m.tokens[token.ID] = &cp
	return nil
}

func (m *MemoryStore) GetToken(ctx context.Context, id string) (*MagicToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.tokens[id]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *token
	return &cp, nil
}

func (m *MemoryStore) ConsumeToken(ctx context.Context, id string, usedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.tokens[id]
	if !ok || token.Used {
		return false, nil
	}
	token.Used = true
	token.UsedAt = &usedAt
	return true, nil
}

func (m *MemoryStore) DeleteToken(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tokens, id)
	return nil
}

func (m *MemoryStore) DeleteExpiredTokens(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, token := range m.tokens {
		if token.ExpiresAt.Before(before) {
			delete(m.tokens, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) GetRateLimit(ctx context.Context, key string) (*RateLimitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.limits[key]
	if !ok {
		return nil, ErrRateLimitNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) IncrRateLimit(ctx context.Context, key string, now, cutoff time.Time) (*RateLimitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.limits[key]
	if !ok || !rec.WindowStart.After(cutoff) {
		rec = &RateLimitRecord{Key: key, Count: 1, WindowStart: now}
		m.limits[key] = rec
	} else {
		rec.Count++
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) DeleteExpiredRateLimits(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, rec := range m.limits {
		if !rec.WindowStart.After(cutoff) {
			delete(m.limits, key)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *session
	m.sessions[session.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *session
	return &cp, nil
}

func (m *MemoryStore) UpdateSessionExpiry(ctx context.Context, id string, expiresAt, extendedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	session.ExpiresAt = expiresAt
	session.ExtendedAt = extendedAt
	return nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, session := range m.sessions {
		if session.ExpiresAt.Before(before) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) GetProfile(ctx context.Context, email string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile, ok := m.profiles[email]
	if !ok {
		return nil, ErrProfileNotFound
	}
	cp := *profile
	return &cp, nil
}

func (m *MemoryStore) UpsertProfile(ctx context.Context, profile *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *profile
	m.profiles[profile.Email] = &cp
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
