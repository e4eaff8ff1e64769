package linkauth

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/wispberry-tech/linkauth/storage"
)

// Dispatcher fake that records every send and can be told to fail
type TrackingDispatcher struct {
	mu       sync.Mutex
	Sent     []SentMail
	FailWith error
}

type SentMail struct {
	To      string
	Subject string
	Body    string
}

func (d *TrackingDispatcher) Name() string { return "tracking" }

func (d *TrackingDispatcher) Send(ctx context.Context, to, subject, htmlBody string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Sent = append(d.Sent, SentMail{To: to, Subject: subject, Body: htmlBody})
	if d.FailWith != nil {
		return "", d.FailWith
	}
	return "msg-1", nil
}

func (d *TrackingDispatcher) Close() error { return nil }

func (d *TrackingDispatcher) LastBody(t *testing.T) string {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Sent) == 0 {
		t.Fatal("No mail was dispatched")
	}
	return d.Sent[len(d.Sent)-1].Body
}

var tokenInLink = regexp.MustCompile(`token=([A-Za-z0-9_-]+)`)

// extractToken pulls the plaintext token out of the dispatched link
func extractToken(t *testing.T, body string) string {
	t.Helper()
	match := tokenInLink.FindStringSubmatch(body)
	if match == nil {
		t.Fatalf("No token found in mail body: %s", body)
	}
	return match[1]
}

func createTestTokenService(t *testing.T, dispatcher Dispatcher) (*TokenService, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	cfg := DefaultConfig()
	roles := NewRoleResolver(nil, store)
	return NewTokenService(store, roles, dispatcher, cfg), store
}

func TestIssueAndVerify(t *testing.T) {
	dispatcher := &TrackingDispatcher{}
	svc, _ := createTestTokenService(t, dispatcher)
	ctx := context.Background()

	result, err := svc.Issue(ctx, "User@Example.COM")
	if err != nil {
		t.Fatal("Issue failed:", err)
	}
	if result.Email != "user@example.com" {
		t.Errorf("Expected normalized email, got %q", result.Email)
	}
	if result.Role != RoleUser {
		t.Errorf("Expected role %q, got %q", RoleUser, result.Role)
	}
	if len(dispatcher.Sent) != 1 {
		t.Fatalf("Expected 1 dispatched mail, got %d", len(dispatcher.Sent))
	}
	if dispatcher.Sent[0].To != "user@example.com" {
		t.Errorf("Mail sent to wrong address: %q", dispatcher.Sent[0].To)
	}

	token := extractToken(t, dispatcher.LastBody(t))
	verified, err := svc.Verify(ctx, token, "user@example.com")
	if err != nil {
		t.Fatal("Verify failed:", err)
	}
	if verified.Email != "user@example.com" {
		t.Errorf("Verify returned wrong email: %q", verified.Email)
	}
}

func TestIssueInvalidEmail(t *testing.T) {
	svc, _ := createTestTokenService(t, &TrackingDispatcher{})

	for _, email := range []string{"", "not-an-email", "missing@tld", "@example.com"} {
		if _, err := svc.Issue(context.Background(), email); !errors.Is(err, ErrInvalidEmail) {
			t.Errorf("Issue(%q): expected ErrInvalidEmail, got %v", email, err)
		}
	}
}

func TestVerifyRejectsSecondUse(t *testing.T) {
	dispatcher := &TrackingDispatcher{}
	svc, _ := createTestTokenService(t, dispatcher)
	ctx := context.Background()

	if _, err := svc.Issue(ctx, "user@example.com"); err != nil {
		t.Fatal("Issue failed:", err)
	}
	token := extractToken(t, dispatcher.LastBody(t))

	if _, err := svc.Verify(ctx, token, "user@example.com"); err != nil {
		t.Fatal("First verify failed:", err)
	}
	if _, err := svc.Verify(ctx, token, "user@example.com"); !errors.Is(err, ErrTokenUsed) {
		t.Errorf("Second verify: expected ErrTokenUsed, got %v", err)
	}
}

func TestVerifyConcurrentSingleWinner(t *testing.T) {
	dispatcher := &TrackingDispatcher{}
	svc, _ := createTestTokenService(t, dispatcher)
	ctx := context.Background()

	if _, err := svc.Issue(ctx, "user@example.com"); err != nil {
		t.Fatal("Issue failed:", err)
	}
	token := extractToken(t, dispatcher.LastBody(t))

	const attempts = 16
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Verify(ctx, token, "user@example.com")
		}(i)
	}
	wg.Wait()

	var successes int
	for i, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrTokenUsed):
		default:
			t.Errorf("Attempt %d: unexpected error %v", i, err)
		}
	}
	if successes != 1 {
		t.Errorf("Expected exactly 1 successful verify, got %d", successes)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	dispatcher := &TrackingDispatcher{}
	store := storage.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.TokenTTL = -time.Minute // already expired on creation
	svc := NewTokenService(store, NewRoleResolver(nil, store), dispatcher, cfg)
	ctx := context.Background()

	result, err := svc.Issue(ctx, "user@example.com")
	if err != nil {
		t.Fatal("Issue failed:", err)
	}
	token := extractToken(t, dispatcher.LastBody(t))

	if _, err := svc.Verify(ctx, token, "user@example.com"); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Expected ErrExpiredToken, got %v", err)
	}

	// A token that is both expired and consumed still reports expired.
	if _, err := store.ConsumeToken(ctx, result.TokenID, time.Now()); err != nil {
		t.Fatal("ConsumeToken failed:", err)
	}
	if _, err := svc.Verify(ctx, token, "user@example.com"); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Expected ErrExpiredToken for expired+used token, got %v", err)
	}
}

func TestVerifyEmailMismatch(t *testing.T) {
	dispatcher := &TrackingDispatcher{}
	svc, _ := createTestTokenService(t, dispatcher)
	ctx := context.Background()

	if _, err := svc.Issue(ctx, "user@example.com"); err != nil {
		t.Fatal("Issue failed:", err)
	}
	token := extractToken(t, dispatcher.LastBody(t))

	if _, err := svc.Verify(ctx, token, "other@example.com"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for mismatched email, got %v", err)
	}

	// The mismatch attempt must not consume the token.
	if _, err := svc.Verify(ctx, token, "user@example.com"); err != nil {
		t.Errorf("Verify with correct email after mismatch failed: %v", err)
	}
}

func TestVerifyGarbageToken(t *testing.T) {
	svc, _ := createTestTokenService(t, &TrackingDispatcher{})

	for _, token := range []string{"", "short", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"} {
		if _, err := svc.Verify(context.Background(), token, "user@example.com"); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Verify(%q): expected ErrInvalidToken, got %v", token, err)
		}
	}
}

func TestIssueDispatchFailureRollsBackToken(t *testing.T) {
	dispatcher := &TrackingDispatcher{FailWith: errors.New("provider rejected")}
	svc, store := createTestTokenService(t, dispatcher)
	ctx := context.Background()

	_, err := svc.Issue(ctx, "user@example.com")
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("Expected ErrDispatchFailed, got %v", err)
	}

	// The token that never reached the user must not be redeemable.
	token := extractToken(t, dispatcher.LastBody(t))
	if _, err := svc.Verify(ctx, token, "user@example.com"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken after rollback, got %v", err)
	}
	if _, err := store.GetToken(ctx, token[:tokenIDLength]); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("Token record survived rollback: %v", err)
	}
}

func TestIssueDispatchTimeout(t *testing.T) {
	dispatcher := &TrackingDispatcher{FailWith: context.DeadlineExceeded}
	svc, _ := createTestTokenService(t, dispatcher)

	if _, err := svc.Issue(context.Background(), "user@example.com"); !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
}

func TestTokenStateErrorsCollapse(t *testing.T) {
	for _, err := range []error{ErrInvalidToken, ErrExpiredToken, ErrTokenUsed} {
		if !IsTokenStateError(err) {
			t.Errorf("IsTokenStateError(%v) = false", err)
		}
	}
	for _, err := range []error{ErrDispatchFailed, ErrRateLimited, ErrNoSession, nil} {
		if IsTokenStateError(err) {
			t.Errorf("IsTokenStateError(%v) = true", err)
		}
	}
}
