package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_gateway_exchanges_total",
			Help: "Total number of exchanges processed",
		},
		[]string{"feature", "model", "tier", "status"},
	)

	ExchangeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_gateway_exchange_duration_seconds",
			Help:    "Exchange duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"feature", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_gateway_tokens_total",
			Help: "Total number of tokens relayed",
		},
		[]string{"model", "type"},
	)

	ModelAccessDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_gateway_model_access_denials_total",
			Help: "Requests rejected because the tier cannot use the requested model",
		},
		[]string{"tier", "model"},
	)

	QuotaDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_gateway_quota_denials_total",
			Help: "Requests rejected by the monthly quota",
		},
		[]string{"tier", "feature"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_gateway_rate_limit_hits_total",
			Help: "Requests rejected by the per-minute ceiling",
		},
		[]string{"tier"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_gateway_provider_errors_total",
			Help: "Upstream provider failures",
		},
		[]string{"relay", "kind"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ai_gateway_active_streams",
			Help: "Streaming exchanges currently open",
		},
	)

	UsageQueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ai_gateway_usage_entries_dropped_total",
			Help: "Usage log entries dropped because the recorder queue was full",
		},
	)
)

func RecordExchange(feature, model, tier, status string, durationSec float64) {
	ExchangesTotal.WithLabelValues(feature, model, tier, status).Inc()
	ExchangeDuration.WithLabelValues(feature, model).Observe(durationSec)
}

func RecordTokens(model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
}

func RecordModelAccessDenial(tier, model string) {
	ModelAccessDenials.WithLabelValues(tier, model).Inc()
}

func RecordQuotaDenial(tier, feature string) {
	QuotaDenials.WithLabelValues(tier, feature).Inc()
}

func RecordRateLimitHit(tier string) {
	RateLimitHits.WithLabelValues(tier).Inc()
}

func RecordProviderError(relay, kind string) {
	ProviderErrors.WithLabelValues(relay, kind).Inc()
}
