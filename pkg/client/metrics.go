package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for Execute.
var (
	ghAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gh_attempts_total",
		Help: "Total attempts by outcome",
	}, []string{"outcome"})

	ghRecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gh_recoveries_total",
		Help: "Total recovery steps taken by action",
	}, []string{"action"})

	ghQuotaWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gh_quota_wait_seconds",
		Help:    "Time spent waiting for quota to recover without a pool",
		Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600},
	})

	ghExecuteFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gh_execute_failures_total",
		Help: "Total failed executions by reason",
	}, []string{"reason"})
)
