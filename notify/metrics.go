package notify

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	sinkQueue  = "queue"
	sinkOutbox = "outbox"
)

type metrics struct {
	enqueueTotal  *prometheus.CounterVec
	dispatchTotal *prometheus.CounterVec
	deadTotal     *prometheus.CounterVec

	dispatchLatency *prometheus.HistogramVec

	pending     *prometheus.GaugeVec
	relayLeader prometheus.Gauge
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		enqueueTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tourmatch",
			Subsystem: "notify",
			Name:      "enqueue_total",
			Help:      "Total number of notifications accepted by a sink.",
		}, []string{"sink", "kind"}),
		dispatchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tourmatch",
			Subsystem: "notify",
			Name:      "dispatch_total",
			Help:      "Total number of delivery attempts.",
		}, []string{"sink", "kind", "result"}),
		deadTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tourmatch",
			Subsystem: "notify",
			Name:      "dead_total",
			Help:      "Notifications abandoned after exhausting attempts or on shutdown.",
		}, []string{"sink", "kind"}),
		dispatchLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tourmatch",
			Subsystem: "notify",
			Name:      "dispatch_latency_seconds",
			Help:      "Latency distribution for delivery attempts.",
			Buckets: []float64{
				0.001, 0.005, 0.01, 0.05,
				0.1, 0.5, 1, 5, 10,
			},
		}, []string{"sink", "kind", "result"}),
		pending: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tourmatch",
			Subsystem: "notify",
			Name:      "pending",
			Help:      "Notifications waiting for delivery.",
		}, []string{"sink"}),
		relayLeader: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "tourmatch",
			Subsystem: "notify",
			Name:      "relay_leader",
			Help:      "Whether this instance holds the outbox relay lock (1/0).",
		}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}
