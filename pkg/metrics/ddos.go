package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stormgate",
			Name:      "requests_total",
			Help:      "Total requests handled, labeled by outcome status and HTTP method.",
		},
		[]string{"status", "method"},
	)

	RequestsBlockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stormgate",
			Name:      "requests_blocked_total",
			Help:      "Total requests denied, labeled by the detection reason.",
		},
		[]string{"reason"},
	)

	RequestsAllowedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stormgate",
			Name:      "requests_allowed_total",
			Help:      "Total requests forwarded upstream, labeled by the verdict severity.",
		},
		[]string{"risk_level"},
	)

	BlockedIPsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stormgate",
			Name:      "blocked_ips_total",
			Help:      "Total IPs newly blocked, labeled by reason.",
		},
		[]string{"reason"},
	)

	ActiveBlockedIPs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stormgate",
			Name:      "active_blocked_ips",
			Help:      "Current number of IPs under an active block.",
		},
	)

	RequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stormgate",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request handling latency, labeled by outcome status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	RiskScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "stormgate",
			Name:      "risk_score",
			Help:      "Distribution of classifier risk scores (0-100) across evaluated requests.",
			Buckets:   []float64{5, 10, 25, 50, 65, 75, 80, 90, 95, 100},
		},
	)

	ModelInferenceSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "stormgate",
			Name:      "model_inference_seconds",
			Help:      "Latency of individual classifier evaluations.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)

	PredictionErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stormgate",
			Name:      "prediction_errors_total",
			Help:      "Total classifier evaluation failures that degraded to the neutral fallback.",
		},
	)

	ddosRegisterOnce sync.Once
)

// RegisterDDoSMetrics registers the request/detection/mitigation metric
// surface exactly once against reg.
func RegisterDDoSMetrics(reg prometheus.Registerer) {
	ddosRegisterOnce.Do(func() {
		reg.MustRegister(RequestsTotal)
		reg.MustRegister(RequestsBlockedTotal)
		reg.MustRegister(RequestsAllowedTotal)
		reg.MustRegister(BlockedIPsTotal)
		reg.MustRegister(ActiveBlockedIPs)
		reg.MustRegister(RequestDurationSeconds)
		reg.MustRegister(RiskScore)
		reg.MustRegister(ModelInferenceSeconds)
		reg.MustRegister(PredictionErrorsTotal)
	})
}
