package linkauth

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains the configuration for the authentication service.
// A zero value is not usable directly; start from DefaultConfig or
// LoadConfigFromEnv.
type Config struct {
	// BaseURL is the origin used to build verification links,
	// e.g. "https://app.example.com".
	BaseURL string

	// TokenTTL is how long an unredeemed magic token remains valid.
	TokenTTL time.Duration

	// SessionDuration is how far each session creation or extension pushes
	// the session expiry.
	SessionDuration time.Duration

	// MaxSessionLifetime caps extension: a session never outlives its login
	// time by more than this. Zero means no cap.
	MaxSessionLifetime time.Duration

	// ExtendMinInterval debounces activity-driven extension; extensions
	// closer together than this are no-ops.
	ExtendMinInterval time.Duration

	// RateLimitMax is the number of link requests allowed per window for
	// one (email, device) pair.
	RateLimitMax int

	// RateLimitWindow is the fixed-window length for the rate limiter.
	RateLimitWindow time.Duration

	// AdminEmails is the static admin allow-list, matched case-insensitively.
	AdminEmails []string

	// AuthenticatedCacheTTL and UnauthenticatedCacheTTL control how long
	// the auth status cache serves a resolved result. Unauthenticated
	// results get the shorter TTL so a fresh login is not masked.
	AuthenticatedCacheTTL   time.Duration
	UnauthenticatedCacheTTL time.Duration

	// DispatchTimeout bounds the outbound mail provider call.
	DispatchTimeout time.Duration

	// SweepInterval is how often expired token/rate-limit/session records
	// are removed. Zero disables the sweeper.
	SweepInterval time.Duration

	// Mail settings
	AppName            string
	MailFromEmail      string
	MailFromName       string
	MailProvider       string
	MailProviderConfig map[string]interface{}
}

// DefaultConfig returns the canonical policy: 30 minute tokens, 3 link
// requests per 60 minute window, 30 day sessions capped at 90 days.
func DefaultConfig() Config {
	return Config{
		BaseURL:                 "http://localhost:8080",
		TokenTTL:                30 * time.Minute,
		SessionDuration:         30 * 24 * time.Hour,
		MaxSessionLifetime:      90 * 24 * time.Hour,
		ExtendMinInterval:       time.Minute,
		RateLimitMax:            3,
		RateLimitWindow:         time.Hour,
		AuthenticatedCacheTTL:   5 * time.Minute,
		UnauthenticatedCacheTTL: time.Minute,
		DispatchTimeout:         30 * time.Second,
		SweepInterval:           15 * time.Minute,
		AppName:                 "Your App",
		MailFromEmail:           "noreply@yourapp.com",
		MailFromName:            "Your App",
		MailProvider:            "log",
		MailProviderConfig:      make(map[string]interface{}),
	}
}

// LoadConfigFromEnv builds a Config from environment variables, loading a
// .env file first if one is present. Unset variables keep their defaults.
func LoadConfigFromEnv() Config {
	_ = godotenv.Load() // ok if missing in prod

	cfg := DefaultConfig()
	cfg.BaseURL = getenvDefault("LINKAUTH_BASE_URL", cfg.BaseURL)
	cfg.TokenTTL = getenvDuration("LINKAUTH_TOKEN_TTL", cfg.TokenTTL)
	cfg.SessionDuration = getenvDuration("LINKAUTH_SESSION_DURATION", cfg.SessionDuration)
	cfg.MaxSessionLifetime = getenvDuration("LINKAUTH_MAX_SESSION_LIFETIME", cfg.MaxSessionLifetime)
	cfg.ExtendMinInterval = getenvDuration("LINKAUTH_EXTEND_MIN_INTERVAL", cfg.ExtendMinInterval)
	cfg.RateLimitMax = getenvInt("LINKAUTH_RATE_LIMIT_MAX", cfg.RateLimitMax)
	cfg.RateLimitWindow = getenvDuration("LINKAUTH_RATE_LIMIT_WINDOW", cfg.RateLimitWindow)
	cfg.DispatchTimeout = getenvDuration("LINKAUTH_DISPATCH_TIMEOUT", cfg.DispatchTimeout)
	cfg.SweepInterval = getenvDuration("LINKAUTH_SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.AppName = getenvDefault("LINKAUTH_APP_NAME", cfg.AppName)
	cfg.MailFromEmail = getenvDefault("LINKAUTH_MAIL_FROM", cfg.MailFromEmail)
	cfg.MailFromName = getenvDefault("LINKAUTH_MAIL_FROM_NAME", cfg.MailFromName)
	cfg.MailProvider = getenvDefault("LINKAUTH_MAIL_PROVIDER", cfg.MailProvider)

	if v := os.Getenv("LINKAUTH_ADMIN_EMAILS"); v != "" {
		for _, email := range strings.Split(v, ",") {
			if email = strings.TrimSpace(email); email != "" {
				cfg.AdminEmails = append(cfg.AdminEmails, email)
			}
		}
	}
	if v := os.Getenv("LINKAUTH_MAIL_API_KEY"); v != "" {
		cfg.MailProviderConfig["api_key"] = v
	}
	if v := os.Getenv("LINKAUTH_MAIL_BASE_URL"); v != "" {
		cfg.MailProviderConfig["base_url"] = v
	}

	return cfg
}

func getenvDefault(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvDuration(k string, d time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return d
}

func getenvInt(k string, d int) int {
	if v := os.Getenv(k); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return d
}
