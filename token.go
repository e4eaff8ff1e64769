package linkauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/wispberry-tech/linkauth/storage"
)

// tokenIDLength is the plaintext prefix used as the store lookup key. The
// remainder of the token is only ever compared against the bcrypt hash.
const tokenIDLength = 8

var emailRegex = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}$`)

// IssueResult describes a successfully issued magic token.
type IssueResult struct {
	TokenID   string    `json:"token_id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
	MessageID string    `json:"message_id"`
}

// VerifyResult describes a successfully redeemed magic token.
type VerifyResult struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// TokenService generates, persists and verifies single-use magic tokens.
type TokenService struct {
	store      storage.TokenStore
	roles      *RoleResolver
	dispatcher Dispatcher
	cfg        Config
}

// NewTokenService creates a TokenService.
func NewTokenService(store storage.TokenStore, roles *RoleResolver, dispatcher Dispatcher, cfg Config) *TokenService {
	return &TokenService{store: store, roles: roles, dispatcher: dispatcher, cfg: cfg}
}

// Issue generates a single-use token for email, persists it and dispatches
// the verification link. If dispatch fails the persisted token is deleted
// again: a link that never left the building must not stay redeemable.
func (t *TokenService) Issue(ctx context.Context, email string) (*IssueResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !emailRegex.MatchString(email) {
		return nil, ErrInvalidEmail
	}

	role := t.roles.Resolve(ctx, email)

	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash token: %w", err)
	}

	now := time.Now()
	record := &storage.MagicToken{
		ID:        token[:tokenIDLength],
		TokenHash: string(hash),
		Email:     email,
		Role:      role,
		CreatedAt: now,
		ExpiresAt: now.Add(t.cfg.TokenTTL),
	}

	// An 8-char base64url prefix collides rarely; retry with a fresh token
	// rather than failing the request.
	for attempt := 0; ; attempt++ {
		err = t.store.CreateToken(ctx, record)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrDuplicateToken) || attempt >= 2 {
			return nil, fmt.Errorf("failed to create magic token: %w", err)
		}
		if token, err = generateToken(); err != nil {
			return nil, fmt.Errorf("failed to generate token: %w", err)
		}
		if hash, err = bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost); err != nil {
			return nil, fmt.Errorf("failed to hash token: %w", err)
		}
		record.ID = token[:tokenIDLength]
		record.TokenHash = string(hash)
	}

	link := t.verificationURL(token, email)
	subject := fmt.Sprintf("Sign in to %s", t.cfg.AppName)
	body := signInEmailBody(t.cfg.AppName, link, record.ExpiresAt)

	dispatchCtx, cancel := context.WithTimeout(ctx, t.cfg.DispatchTimeout)
	defer cancel()

	messageID, err := t.dispatcher.Send(dispatchCtx, email, subject, body)
	if err != nil {
		correlationID := uuid.NewString()
		slog.Error("Link dispatch failed, rolling back token",
			"correlation_id", correlationID,
			"provider", t.dispatcher.Name(),
			"error", err)

		if delErr := t.store.DeleteToken(ctx, record.ID); delErr != nil {
			slog.Error("Failed to roll back undelivered token",
				"correlation_id", correlationID,
				"token_id", record.ID,
				"error", delErr)
		}

		if isTimeout(err) {
			return nil, fmt.Errorf("%w: mail provider did not respond", ErrTimeout)
		}
		return nil, fmt.Errorf("%w (ref %s)", ErrDispatchFailed, correlationID)
	}

	slog.Info("Sign-in link dispatched",
		"email", email,
		"token_id", record.ID,
		"message_id", messageID,
		"expires_at", record.ExpiresAt)

	return &IssueResult{
		TokenID:   record.ID,
		Email:     email,
		Role:      role,
		ExpiresAt: record.ExpiresAt,
		MessageID: messageID,
	}, nil
}

// Verify redeems a token. The consume step is a single guarded update
// against the store, so of N concurrent calls on the same token at most one
// succeeds. Expiry is checked before consumption and wins over the used
// flag. The presented email must match the one the token was issued for.
func (t *TokenService) Verify(ctx context.Context, token, email string) (*VerifyResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if len(token) <= tokenIDLength {
		return nil, ErrInvalidToken
	}

	record, err := t.store.GetToken(ctx, token[:tokenIDLength])
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(record.TokenHash), []byte(token)) != nil {
		return nil, ErrInvalidToken
	}
	if record.Email != email {
		return nil, ErrInvalidToken
	}

	now := time.Now()
	if record.IsExpired(now) {
		return nil, ErrExpiredToken
	}

	consumed, err := t.store.ConsumeToken(ctx, record.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to consume token: %w", err)
	}
	if !consumed {
		return nil, ErrTokenUsed
	}

	return &VerifyResult{Email: record.Email, Role: record.Role}, nil
}

// Sweep removes expired tokens.
func (t *TokenService) Sweep(ctx context.Context) (int64, error) {
	return t.store.DeleteExpiredTokens(ctx, time.Now())
}

// verificationURL builds the link the user clicks. The email rides along
// as defense in depth: verify rejects a token presented with the wrong one.
func (t *TokenService) verificationURL(token, email string) string {
	return fmt.Sprintf("%s/auth/verify?token=%s&email=%s",
		strings.TrimRight(t.cfg.BaseURL, "/"),
		url.QueryEscape(token),
		url.QueryEscape(email))
}

func generateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func signInEmailBody(appName, link string, expiresAt time.Time) string {
	return fmt.Sprintf(`<p>Click the link below to sign in to %s:</p>
<p><a href="%s">Sign in</a></p>
<p>Or copy and paste this link into your browser:</p>
<p>%s</p>
<p>This link can be used once and expires at %s.</p>
<p>If you didn't request this, you can safely ignore this email.</p>`,
		html.EscapeString(appName), link, link,
		expiresAt.Format("January 2, 2006 at 3:04 PM MST"))
}
