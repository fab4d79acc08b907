package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DepositsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pool_deposits_total",
			Help: "Total number of accepted deposits",
		},
	)

	WithdrawalsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pool_withdrawals_total",
			Help: "Total number of accepted withdrawals",
		},
	)

	RejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_rejections_total",
			Help: "Total number of rejected transitions by reason",
		},
		[]string{"transition", "reason"},
	)

	TransitionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pool_transition_duration_seconds",
			Help:    "Duration of applied ledger transitions in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 12),
		},
		[]string{"transition"},
	)

	TreeLeaves = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pool_tree_leaves",
			Help: "Number of commitments in the accumulator",
		},
	)

	SpentNullifiers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pool_spent_nullifiers",
			Help: "Number of nullifiers registered as spent",
		},
	)
)

func recordRejection(transition string, reason string) {
	RejectionsTotal.WithLabelValues(transition, reason).Inc()
}

func observeTransition(transition string, start time.Time) {
	TransitionDuration.WithLabelValues(transition).Observe(time.Since(start).Seconds())
}
