package linkauth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the auth service.
type Metrics struct {
	LinksRequested    prometheus.Counter
	RateLimited       prometheus.Counter
	DispatchFailures  prometheus.Counter
	VerifyOutcomes    *prometheus.CounterVec
	SessionsCreated   prometheus.Counter
	SessionsDestroyed prometheus.Counter
}

// NewMetrics registers the auth metrics on reg. Pass
// prometheus.DefaultRegisterer in production; tests use a private registry
// so parallel tests don't collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LinksRequested: factory.NewCounter(prometheus.CounterOpts{
			Name: "linkauth_links_requested_total",
			Help: "Magic-link requests accepted and dispatched.",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "linkauth_rate_limited_total",
			Help: "Magic-link requests rejected by the rate limiter.",
		}),
		DispatchFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "linkauth_dispatch_failures_total",
			Help: "Mail dispatch failures (including timeouts).",
		}),
		VerifyOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linkauth_verify_total",
			Help: "Token verification attempts by outcome.",
		}, []string{"outcome"}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "linkauth_sessions_created_total",
			Help: "Sessions created after successful verification.",
		}),
		SessionsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Name: "linkauth_sessions_destroyed_total",
			Help: "Sessions destroyed by sign-out, expiry or device mismatch.",
		}),
	}
}
