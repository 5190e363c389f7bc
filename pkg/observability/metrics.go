package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Authentication method label values
const (
	AuthMethodSession = "session"
	AuthMethodBearer  = "bearer"
	AuthMethodAPIKey  = "api_key"
	AuthMethodBasic   = "basic"
	AuthMethodNone    = "none"
)

// Authentication outcome label values
const (
	OutcomeOK           = "ok"
	OutcomeUnauthorized = "unauthorized"
	OutcomeForbidden    = "forbidden"
	OutcomeError        = "error"
)

// Metrics holds all Prometheus metrics for the authentication core
type Metrics struct {
	registry *prometheus.Registry

	// Negotiator metrics
	AuthAttemptsTotal *prometheus.CounterVec

	// Token lifecycle metrics
	TokenPairsIssuedTotal prometheus.Counter
	TokenExchangesTotal   *prometheus.CounterVec

	// Session metrics
	SessionsCreatedTotal    prometheus.Counter
	SessionEvictionsTotal   prometheus.Counter
	SessionCacheHitsTotal   prometheus.Counter
	SessionCacheMissesTotal prometheus.Counter

	// API key metrics
	APIKeyValidationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		AuthAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stump_auth_attempts_total",
				Help: "Authentication attempts by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		TokenPairsIssuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stump_token_pairs_issued_total",
				Help: "Access/refresh token pairs issued",
			},
		),
		TokenExchangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stump_token_exchanges_total",
				Help: "Refresh token exchanges by outcome",
			},
			[]string{"outcome"},
		),
		SessionsCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stump_sessions_created_total",
				Help: "Server-side sessions created",
			},
		),
		SessionEvictionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stump_session_evictions_total",
				Help: "Sessions evicted by the max-sessions-per-user policy",
			},
		),
		SessionCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stump_session_cache_hits_total",
				Help: "Session lookups served from the in-process cache",
			},
		),
		SessionCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stump_session_cache_misses_total",
				Help: "Session lookups that fell through to redis",
			},
		),
		APIKeyValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stump_api_key_validations_total",
				Help: "API key validations by outcome",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(
		m.AuthAttemptsTotal,
		m.TokenPairsIssuedTotal,
		m.TokenExchangesTotal,
		m.SessionsCreatedTotal,
		m.SessionEvictionsTotal,
		m.SessionCacheHitsTotal,
		m.SessionCacheMissesTotal,
		m.APIKeyValidationsTotal,
	)

	return m
}

// Handler returns an HTTP handler serving the metrics registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
