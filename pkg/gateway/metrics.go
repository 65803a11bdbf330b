package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Mindburn-Labs/porter/pkg/domain"
)

// Metrics are the pipeline's counters. A nil *Metrics is a no-op, so the
// pipeline runs uninstrumented in tests.
type Metrics struct {
	decisions *prometheus.CounterVec
	tokens    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "porter_decisions_total",
			Help: "Pipeline decisions by outcome and error code",
		}, []string{"decision", "code"}),
		tokens: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "porter_tokens_total",
			Help: "Tokens accounted by model and direction",
		}, []string{"model", "direction"}),
		duration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "porter_request_duration_seconds",
			Help:    "Pipeline latency by resource type and outcome",
			Buckets: prometheus.DefBuckets,
		}, []string{"resource_type", "decision"}),
	}
}

func (m *Metrics) observe(resourceType string, decision domain.Decision, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(decision), code).Inc()
	m.duration.WithLabelValues(resourceType, string(decision)).Observe(elapsed.Seconds())
}

func (m *Metrics) countTokens(usage domain.Usage) {
	if m == nil || usage.Model == "" {
		return
	}
	if usage.InputTokens > 0 {
		m.tokens.WithLabelValues(usage.Model, "input").Add(float64(usage.InputTokens))
	}
	if usage.OutputTokens > 0 {
		m.tokens.WithLabelValues(usage.Model, "output").Add(float64(usage.OutputTokens))
	}
}
