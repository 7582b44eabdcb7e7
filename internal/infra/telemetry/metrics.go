package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arklim/storefront-auth/internal/core/port"
)

// AuthMetrics implements port.AuthMetrics with Prometheus counters.
type AuthMetrics struct {
	loginAttempts  *prometheus.CounterVec
	securityEvents *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
	tokenRotations *prometheus.CounterVec
}

// NewAuthMetrics registers the auth counters on reg. A nil reg uses the default registerer.
func NewAuthMetrics(reg prometheus.Registerer) *AuthMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &AuthMetrics{
		loginAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auth",
			Name:      "login_attempts_total",
			Help:      "Password login attempts by outcome.",
		}, []string{"result"}),
		securityEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auth",
			Name:      "security_events_total",
			Help:      "Security audit events by kind.",
		}, []string{"kind"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auth",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter by scope.",
		}, []string{"scope"}),
		tokenRotations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auth",
			Name:      "token_rotations_total",
			Help:      "Refresh token rotations by outcome.",
		}, []string{"result"}),
	}
}

func (m *AuthMetrics) LoginAttempt(result string) {
	m.loginAttempts.WithLabelValues(result).Inc()
}

func (m *AuthMetrics) SecurityEvent(kind string) {
	m.securityEvents.WithLabelValues(kind).Inc()
}

func (m *AuthMetrics) RateLimited(scope string) {
	m.rateLimited.WithLabelValues(scope).Inc()
}

func (m *AuthMetrics) TokenRotation(result string) {
	m.tokenRotations.WithLabelValues(result).Inc()
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) LoginAttempt(string)  {}
func (NopMetrics) SecurityEvent(string) {}
func (NopMetrics) RateLimited(string)   {}
func (NopMetrics) TokenRotation(string) {}

var (
	_ port.AuthMetrics = (*AuthMetrics)(nil)
	_ port.AuthMetrics = NopMetrics{}
)
