package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	actions  *prometheus.CounterVec
	depth    *prometheus.GaugeVec
	duration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		actions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "klingwallet_actions_total",
			Help: "Wallet actions resolved, by type and result",
		}, []string{"type", "result"}),
		depth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "klingwallet_queue_depth",
			Help: "Actions waiting in each wallet queue",
		}, []string{"wallet"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "klingwallet_action_duration_seconds",
			Help:    "Time from submission to resolution",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"type"}),
	}
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
