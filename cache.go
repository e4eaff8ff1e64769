package linkauth

import (
	"context"
	"sync"
	"time"
)

// AuthStatus is a resolved authentication result.
type AuthStatus struct {
	Authenticated bool      `json:"authenticated"`
	Email         string    `json:"email,omitempty"`
	Role          string    `json:"role"`
	SessionID     string    `json:"session_id,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
}

// StatusFetcher resolves the current authentication status from the
// session manager and role resolver.
type StatusFetcher func(ctx context.Context) (AuthStatus, error)

// AuthStatusCache memoizes a client's authentication status so repeated
// checks don't hit the session store on every render. Authenticated
// results are cached longer than unauthenticated ones, so a just-completed
// login is never masked for long. Any auth-mutating event must call
// Invalidate rather than waiting for the TTL.
type AuthStatusCache struct {
	fetch     StatusFetcher
	authTTL   time.Duration
	unauthTTL time.Duration

	mu        sync.Mutex
	status    AuthStatus
	fetchedAt time.Time
	valid     bool
}

// NewAuthStatusCache creates a cache around fetch with separate TTLs for
// authenticated and unauthenticated results.
func NewAuthStatusCache(fetch StatusFetcher, authTTL, unauthTTL time.Duration) *AuthStatusCache {
	return &AuthStatusCache{fetch: fetch, authTTL: authTTL, unauthTTL: unauthTTL}
}

// Get returns the cached status, refreshing it when the entry is missing
// or stale.
func (c *AuthStatusCache) Get(ctx context.Context) (AuthStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid && time.Since(c.fetchedAt) < c.ttl() {
		return c.status, nil
	}
	return c.refreshLocked(ctx)
}

// Refresh bypasses the TTL and re-resolves the status immediately.
func (c *AuthStatusCache) Refresh(ctx context.Context) (AuthStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx)
}

// Invalidate drops the cached entry. Called on sign-in, sign-out and any
// other session-mutating event.
func (c *AuthStatusCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
}

func (c *AuthStatusCache) refreshLocked(ctx context.Context) (AuthStatus, error) {
	status, err := c.fetch(ctx)
	if err != nil {
		c.valid = false
		return AuthStatus{Role: RoleGuest}, err
	}
	c.status = status
	c.fetchedAt = time.Now()
	c.valid = true
	return status, nil
}

func (c *AuthStatusCache) ttl() time.Duration {
	if c.status.Authenticated {
		return c.authTTL
	}
	return c.unauthTTL
}
