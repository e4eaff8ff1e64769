package linkauth

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/wispberry-tech/linkauth/storage"
)

var errTestProvider = errors.New("provider down")

func createTestService(t *testing.T, dispatcher Dispatcher) *Service {
	t.Helper()
	cfg := DefaultConfig()
	cfg.AdminEmails = []string{"admin@example.com"}
	service, err := New(cfg, storage.NewMemoryStore(), dispatcher, nil)
	if err != nil {
		t.Fatal("Failed to create service:", err)
	}
	return service
}

func postJSON(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestRequestLinkHandler(t *testing.T) {
	dispatcher := &TrackingDispatcher{}
	service := createTestService(t, dispatcher)

	resp := service.RequestLinkHandler(postJSON("/auth/request-link",
		`{"email":"user@example.com","device_id":"device-1"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d (%s)", resp.StatusCode, resp.Error)
	}
	if resp.Email != "user@example.com" {
		t.Errorf("Expected normalized email, got %q", resp.Email)
	}
	if resp.Remaining != 2 {
		t.Errorf("Expected 2 remaining, got %d", resp.Remaining)
	}
	if len(dispatcher.Sent) != 1 {
		t.Errorf("Expected 1 dispatched mail, got %d", len(dispatcher.Sent))
	}
}

func TestRequestLinkHandlerValidation(t *testing.T) {
	service := createTestService(t, &TrackingDispatcher{})

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"missing email", `{"device_id":"device-1"}`},
		{"bad email", `{"email":"nope","device_id":"device-1"}`},
		{"missing device", `{"email":"user@example.com"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := service.RequestLinkHandler(postJSON("/auth/request-link", tt.body))
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", resp.StatusCode)
			}
			if resp.Error == "" {
				t.Error("Expected an error message")
			}
		})
	}
}

func TestRequestLinkHandlerRateLimited(t *testing.T) {
	service := createTestService(t, &TrackingDispatcher{})
	body := `{"email":"user@example.com","device_id":"device-1"}`

	for i := 0; i < 3; i++ {
		if resp := service.RequestLinkHandler(postJSON("/auth/request-link", body)); resp.StatusCode != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i+1, resp.StatusCode)
		}
	}

	resp := service.RequestLinkHandler(postJSON("/auth/request-link", body))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", resp.StatusCode)
	}
	if resp.RetryAfter.IsZero() {
		t.Error("Expected a retry_after timestamp")
	}
}

func TestRequestLinkHandlerDispatchFailure(t *testing.T) {
	service := createTestService(t, &TrackingDispatcher{FailWith: errTestProvider})

	resp := service.RequestLinkHandler(postJSON("/auth/request-link",
		`{"email":"user@example.com","device_id":"device-1"}`))
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d", resp.StatusCode)
	}

	// Failed dispatch must not charge the quota.
	for i := 0; i < 3; i++ {
		r := service.RequestLinkHandler(postJSON("/auth/request-link",
			`{"email":"user@example.com","device_id":"device-1"}`))
		if r.StatusCode == http.StatusTooManyRequests {
			t.Fatalf("Request %d rate limited; failed dispatches should not consume quota", i+1)
		}
	}
}

func TestVerifyAndSessionFlow(t *testing.T) {
	dispatcher := &TrackingDispatcher{}
	service := createTestService(t, dispatcher)

	// Request a link and pull the token out of the dispatched mail.
	resp := service.RequestLinkHandler(postJSON("/auth/request-link",
		`{"email":"user@example.com","device_id":"device-1"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatal("Link request failed:", resp.Error)
	}
	token := extractToken(t, dispatcher.LastBody(t))

	// Click the link.
	verifyReq := httptest.NewRequest(http.MethodGet,
		"/auth/verify?token="+url.QueryEscape(token)+"&email=user%40example.com", nil)
	verifyReq.Header.Set("X-Device-ID", "device-1")
	verifyResp := service.VerifyHandler(verifyReq)
	if verifyResp.StatusCode != http.StatusOK {
		t.Fatalf("Verify failed: %d (%s)", verifyResp.StatusCode, verifyResp.Error)
	}
	if verifyResp.SessionID == "" {
		t.Fatal("Expected a session ID")
	}
	if verifyResp.Role != RoleUser {
		t.Errorf("Expected role user, got %q", verifyResp.Role)
	}

	// Status from the same device is authenticated.
	statusReq := httptest.NewRequest(http.MethodGet, "/auth/status", nil)
	statusReq.Header.Set("Authorization", "Bearer "+verifyResp.SessionID)
	statusReq.Header.Set("X-Device-ID", "device-1")
	statusResp := service.StatusHandler(statusReq)
	if !statusResp.Authenticated {
		t.Fatal("Expected authenticated status")
	}
	if statusResp.Email != "user@example.com" {
		t.Errorf("Expected user@example.com, got %q", statusResp.Email)
	}

	// Clicking the same link again is rejected with the opaque message.
	replayResp := service.VerifyHandler(verifyReq)
	if replayResp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 on replay, got %d", replayResp.StatusCode)
	}
	if replayResp.Error != TokenStateMessage {
		t.Errorf("Expected the opaque token-state message, got %q", replayResp.Error)
	}

	// Sign out, then status is guest again.
	signOutReq := httptest.NewRequest(http.MethodPost, "/auth/signout", nil)
	signOutReq.Header.Set("Authorization", "Bearer "+verifyResp.SessionID)
	if r := service.SignOutHandler(signOutReq); r.StatusCode != http.StatusOK {
		t.Fatalf("Sign-out failed: %d (%s)", r.StatusCode, r.Error)
	}
	statusResp = service.StatusHandler(statusReq)
	if statusResp.Authenticated {
		t.Error("Expected unauthenticated status after sign-out")
	}
	if statusResp.Role != RoleGuest {
		t.Errorf("Expected guest role, got %q", statusResp.Role)
	}
}

func TestVerifyHandlerWrongDevice(t *testing.T) {
	dispatcher := &TrackingDispatcher{}
	service := createTestService(t, dispatcher)

	resp := service.RequestLinkHandler(postJSON("/auth/request-link",
		`{"email":"user@example.com","device_id":"device-1"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatal("Link request failed:", resp.Error)
	}
	token := extractToken(t, dispatcher.LastBody(t))

	// The link is clicked on device-2; the session binds to that device.
	verifyReq := httptest.NewRequest(http.MethodGet,
		"/auth/verify?token="+url.QueryEscape(token)+"&email=user%40example.com", nil)
	verifyReq.Header.Set("X-Device-ID", "device-2")
	verifyResp := service.VerifyHandler(verifyReq)
	if verifyResp.StatusCode != http.StatusOK {
		t.Fatalf("Verify failed: %d (%s)", verifyResp.StatusCode, verifyResp.Error)
	}

	// Presenting the session from device-1 invalidates it.
	statusReq := httptest.NewRequest(http.MethodGet, "/auth/status", nil)
	statusReq.Header.Set("Authorization", "Bearer "+verifyResp.SessionID)
	statusReq.Header.Set("X-Device-ID", "device-1")
	statusResp := service.StatusHandler(statusReq)
	if statusResp.Authenticated {
		t.Error("Expected unauthenticated status for mismatched device")
	}

	// And the session is gone for the original device too.
	statusReq.Header.Set("X-Device-ID", "device-2")
	if service.StatusHandler(statusReq).Authenticated {
		t.Error("Expected session destroyed after device mismatch")
	}
}

func TestExtendHandler(t *testing.T) {
	dispatcher := &TrackingDispatcher{}
	service := createTestService(t, dispatcher)

	resp := service.RequestLinkHandler(postJSON("/auth/request-link",
		`{"email":"user@example.com","device_id":"device-1"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatal("Link request failed:", resp.Error)
	}
	token := extractToken(t, dispatcher.LastBody(t))

	verifyReq := httptest.NewRequest(http.MethodGet,
		"/auth/verify?token="+url.QueryEscape(token)+"&email=user%40example.com", nil)
	verifyReq.Header.Set("X-Device-ID", "device-1")
	verifyResp := service.VerifyHandler(verifyReq)
	if verifyResp.StatusCode != http.StatusOK {
		t.Fatal("Verify failed:", verifyResp.Error)
	}

	extendReq := httptest.NewRequest(http.MethodPost, "/auth/extend", nil)
	extendReq.Header.Set("Authorization", "Bearer "+verifyResp.SessionID)
	extendReq.Header.Set("X-Device-ID", "device-1")
	extendResp := service.ExtendHandler(extendReq)
	if extendResp.StatusCode != http.StatusOK {
		t.Fatalf("Extend failed: %d (%s)", extendResp.StatusCode, extendResp.Error)
	}
	if extendResp.ExpiresAt.Before(verifyResp.SessionExpiresAt) {
		t.Error("Extension moved expiry backward")
	}

	noSessionReq := httptest.NewRequest(http.MethodPost, "/auth/extend", nil)
	if r := service.ExtendHandler(noSessionReq); r.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without a session, got %d", r.StatusCode)
	}
}

func TestStatusHandlerNoSession(t *testing.T) {
	service := createTestService(t, &TrackingDispatcher{})

	req := httptest.NewRequest(http.MethodGet, "/auth/status", nil)
	req.Header.Set("X-Device-ID", "device-1")
	resp := service.StatusHandler(req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if resp.Authenticated {
		t.Error("Expected unauthenticated status")
	}
	if resp.Role != RoleGuest {
		t.Errorf("Expected guest role, got %q", resp.Role)
	}
}

func TestStatusCacheInvalidatedBySignOut(t *testing.T) {
	dispatcher := &TrackingDispatcher{}
	service := createTestService(t, dispatcher)
	ctx := context.Background()

	resp := service.RequestLinkHandler(postJSON("/auth/request-link",
		`{"email":"user@example.com","device_id":"device-1"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatal("Link request failed:", resp.Error)
	}
	token := extractToken(t, dispatcher.LastBody(t))

	session, _, err := service.VerifyLink(ctx, token, "user@example.com", "device-1")
	if err != nil {
		t.Fatal("VerifyLink failed:", err)
	}

	cache := service.StatusCache(session.ID, "device-1")
	status, err := cache.Get(ctx)
	if err != nil {
		t.Fatal("Cache get failed:", err)
	}
	if !status.Authenticated {
		t.Fatal("Expected authenticated status")
	}

	if err := service.SignOut(ctx, session.ID); err != nil {
		t.Fatal("SignOut failed:", err)
	}

	// Within the TTL the stale entry is still served; Invalidate exposes
	// the sign-out immediately.
	status, err = cache.Get(ctx)
	if err != nil {
		t.Fatal("Cache get failed:", err)
	}
	if !status.Authenticated {
		t.Fatal("Expected the cached status before invalidation")
	}

	cache.Invalidate()
	status, err = cache.Get(ctx)
	if err != nil {
		t.Fatal("Cache get failed:", err)
	}
	if status.Authenticated {
		t.Error("Expected unauthenticated status after invalidation")
	}
}
