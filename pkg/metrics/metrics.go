package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Activations records device activation attempts by outcome
	// (admitted|readmitted|max_devices_reached|rejected|error).
	Activations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licensegate_activations_total",
			Help: "Total number of device activation attempts",
		},
		[]string{"result"},
	)

	// CheckIns counts periodic device check-ins by outcome status.
	CheckIns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licensegate_checkins_total",
			Help: "Total number of device check-ins",
		},
		[]string{"status"},
	)

	// TokensIssued counts bearer tokens issued on activation and check-in refresh.
	TokensIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licensegate_tokens_issued_total",
			Help: "Total number of license bearer tokens issued",
		},
		[]string{"flow"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "licensegate_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
