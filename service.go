package linkauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wispberry-tech/linkauth/storage"
)

// Service is the main entry point for magic-link authentication: it wires
// the rate limiter, token service, session manager, role resolver and mail
// dispatcher together and enforces the cross-component ordering rules.
type Service struct {
	cfg        Config
	store      storage.Store
	dispatcher Dispatcher
	limiter    *Limiter
	tokens     *TokenService
	sessions   *SessionManager
	roles      *RoleResolver
	metrics    *Metrics
	validator  *validator.Validate
}

// LinkReceipt is returned for an accepted link request.
type LinkReceipt struct {
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
	Remaining int       `json:"remaining"`
}

// New creates the authentication service. dispatcher may be nil, in which
// case one is built from cfg.MailProvider; metrics may be nil, in which
// case instruments are registered on a private registry.
func New(cfg Config, store storage.Store, dispatcher Dispatcher, metrics *Metrics) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to connect to storage: %w", err)
	}

	if dispatcher == nil {
		providerConfig := cfg.MailProviderConfig
		if providerConfig == nil {
			providerConfig = make(map[string]interface{})
		}
		if _, ok := providerConfig["from"]; !ok && cfg.MailFromEmail != "" {
			providerConfig["from"] = fmt.Sprintf("%s <%s>", cfg.MailFromName, cfg.MailFromEmail)
		}

		var err error
		dispatcher, err = GetDispatcher(cfg.MailProvider, providerConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize mail dispatcher: %w", err)
		}
	}

	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}

	roles := NewRoleResolver(cfg.AdminEmails, store)

	service := &Service{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		limiter:    NewLimiter(store, cfg.RateLimitMax, cfg.RateLimitWindow),
		tokens:     NewTokenService(store, roles, dispatcher, cfg),
		sessions:   NewSessionManager(store, cfg.SessionDuration, cfg.MaxSessionLifetime, cfg.ExtendMinInterval),
		roles:      roles,
		metrics:    metrics,
		validator:  validator.New(),
	}

	slog.Info("Magic-link auth service initialized",
		"provider", dispatcher.Name(),
		"token_ttl", cfg.TokenTTL,
		"session_duration", cfg.SessionDuration,
		"rate_limit_max", cfg.RateLimitMax,
		"rate_limit_window", cfg.RateLimitWindow)

	return service, nil
}

// RequestLink gates the request through the rate limiter, issues a token
// and dispatches the link. Quota is charged only after a successful
// dispatch, so a provider outage never burns the user's window.
func (s *Service) RequestLink(ctx context.Context, email, deviceID string) (*LinkReceipt, error) {
	decision := s.limiter.Check(ctx, email, deviceID)
	if !decision.Allowed {
		s.metrics.RateLimited.Inc()
		slog.Debug("Link request rate limited",
			"email", email,
			"reset_at", decision.ResetAt)
		return nil, &RateLimitError{ResetAt: decision.ResetAt}
	}

	result, err := s.tokens.Issue(ctx, email)
	if err != nil {
		if errors.Is(err, ErrDispatchFailed) || errors.Is(err, ErrTimeout) {
			s.metrics.DispatchFailures.Inc()
		}
		return nil, err
	}

	s.limiter.Record(ctx, email, deviceID)
	s.metrics.LinksRequested.Inc()

	remaining := decision.Remaining - 1
	if remaining < 0 {
		remaining = 0
	}
	return &LinkReceipt{
		Email:     result.Email,
		ExpiresAt: result.ExpiresAt,
		Remaining: remaining,
	}, nil
}

// VerifyLink redeems a token and immediately establishes a device-bound
// session. The session exists before this method returns, so no caller can
// observe "verified" without an authenticated session behind it.
func (s *Service) VerifyLink(ctx context.Context, token, email, deviceID string) (*storage.Session, string, error) {
	result, err := s.tokens.Verify(ctx, token, email)
	if err != nil {
		s.metrics.VerifyOutcomes.WithLabelValues(verifyOutcome(err)).Inc()
		// The real branch goes to the log; callers get one opaque message.
		if IsTokenStateError(err) {
			slog.Info("Token verification rejected", "reason", err)
		} else {
			slog.Error("Token verification failed", "error", err)
		}
		return nil, "", err
	}

	session, err := s.sessions.Create(ctx, result.Email, deviceID)
	if err != nil {
		s.metrics.VerifyOutcomes.WithLabelValues("session_error").Inc()
		return nil, "", err
	}

	s.metrics.VerifyOutcomes.WithLabelValues("ok").Inc()
	s.metrics.SessionsCreated.Inc()
	return session, result.Role, nil
}

// Status resolves the current authentication status for a presented
// session. Invalid sessions (missing, expired, device mismatch) resolve to
// an unauthenticated guest status rather than an error.
func (s *Service) Status(ctx context.Context, sessionID, deviceID string) (AuthStatus, error) {
	if sessionID == "" {
		return AuthStatus{Role: RoleGuest}, nil
	}

	session, err := s.sessions.Validate(ctx, sessionID, deviceID)
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrDeviceMismatch):
			s.metrics.SessionsDestroyed.Inc()
			fallthrough
		case errors.Is(err, ErrNoSession):
			return AuthStatus{Role: RoleGuest}, nil
		}
		return AuthStatus{Role: RoleGuest}, err
	}

	return AuthStatus{
		Authenticated: true,
		Email:         session.Email,
		Role:          s.roles.Resolve(ctx, session.Email),
		SessionID:     session.ID,
		ExpiresAt:     session.ExpiresAt,
	}, nil
}

// ExtendSession pushes the session expiry forward on user activity. The
// session must still validate against the presenting device.
func (s *Service) ExtendSession(ctx context.Context, sessionID, deviceID string) (*storage.Session, error) {
	session, err := s.sessions.Validate(ctx, sessionID, deviceID)
	if err != nil {
		if errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrDeviceMismatch) {
			s.metrics.SessionsDestroyed.Inc()
		}
		return nil, err
	}
	return s.sessions.Extend(ctx, session)
}

// SignOut destroys the session. Idempotent.
func (s *Service) SignOut(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := s.sessions.Destroy(ctx, sessionID); err != nil {
		return err
	}
	s.metrics.SessionsDestroyed.Inc()
	return nil
}

// StatusCache returns a short-TTL cache over Status for one client. The
// caller must Invalidate it on sign-in and sign-out.
func (s *Service) StatusCache(sessionID, deviceID string) *AuthStatusCache {
	fetch := func(ctx context.Context) (AuthStatus, error) {
		return s.Status(ctx, sessionID, deviceID)
	}
	return NewAuthStatusCache(fetch, s.cfg.AuthenticatedCacheTTL, s.cfg.UnauthenticatedCacheTTL)
}

// Sweep removes expired token, rate-limit and session records. Expiry is
// otherwise lazy; this is periodic memory hygiene.
func (s *Service) Sweep(ctx context.Context) error {
	tokens, err := s.tokens.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("token sweep: %w", err)
	}
	limits, err := s.limiter.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("rate limit sweep: %w", err)
	}
	sessions, err := s.sessions.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("session sweep: %w", err)
	}

	if tokens+limits+sessions > 0 {
		slog.Debug("Swept expired records",
			"tokens", tokens,
			"rate_limits", limits,
			"sessions", sessions)
	}
	return nil
}

// Close shuts down the service and its dispatcher. The store is owned by
// the caller and closed separately.
func (s *Service) Close() error {
	return s.dispatcher.Close()
}

func verifyOutcome(err error) string {
	switch {
	case errors.Is(err, ErrInvalidToken):
		return "invalid"
	case errors.Is(err, ErrExpiredToken):
		return "expired"
	case errors.Is(err, ErrTokenUsed):
		return "already_used"
	default:
		return "error"
	}
}
