package linkauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wispberry-tech/linkauth/storage"
)

// RateLimitError carries the window reset time alongside ErrRateLimited so
// callers can tell the user when to retry.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many link requests, try again after %s", e.ResetAt.Format(time.RFC3339))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at,omitempty"`
}

// Limiter bounds how many link requests an (email, device) pair may issue
// per fixed window. Counters live in an injected store so tests run against
// the in-memory implementation and production can share a durable one.
//
// Known looseness: windows are wall-clock fixed, so a burst straddling a
// window boundary can admit up to twice the maximum across the seam.
type Limiter struct {
	store  storage.RateLimitStore
	max    int
	window time.Duration
}

// NewLimiter creates a fixed-window limiter allowing max requests per window.
func NewLimiter(store storage.RateLimitStore, max int, window time.Duration) *Limiter {
	return &Limiter{store: store, max: max, window: window}
}

// Check reports whether another link request is currently allowed for the
// pair. It never fails: a missing record means first request, and a store
// error fails open with a logged warning rather than blocking sign-in.
func (l *Limiter) Check(ctx context.Context, email, deviceID string) Decision {
	now := time.Now()

	rec, err := l.store.GetRateLimit(ctx, limitKey(email, deviceID))
	if err != nil {
		if !errors.Is(err, storage.ErrRateLimitNotFound) {
			slog.Warn("Rate limit lookup failed, allowing request", "error", err)
		}
		return Decision{Allowed: true, Remaining: l.max}
	}

	resetAt := rec.WindowStart.Add(l.window)
	if !now.Before(resetAt) {
		// Window lapsed; next request starts a fresh one.
		return Decision{Allowed: true, Remaining: l.max}
	}

	remaining := l.max - rec.Count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: rec.Count < l.max, Remaining: remaining, ResetAt: resetAt}
}

// Record charges one unit of quota. It is called only after the link was
// actually dispatched, so failed sends never consume quota.
func (l *Limiter) Record(ctx context.Context, email, deviceID string) {
	now := time.Now()
	_, err := l.store.IncrRateLimit(ctx, limitKey(email, deviceID), now, now.Add(-l.window))
	if err != nil {
		slog.Warn("Failed to record link request", "error", err)
	}
}

// Sweep removes records whose window lapsed at least one full window ago.
// Purely memory hygiene; expiry is otherwise lazy.
func (l *Limiter) Sweep(ctx context.Context) (int64, error) {
	return l.store.DeleteExpiredRateLimits(ctx, time.Now().Add(-2*l.window))
}

func limitKey(email, deviceID string) string {
	return fmt.Sprintf("%s|%s", strings.ToLower(email), deviceID)
}
