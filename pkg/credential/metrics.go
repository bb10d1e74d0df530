package credential

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SecretFetches tracks secret fetches from the issuer by result ("ok", "error")
	SecretFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gh_credential_fetches_total",
			Help: "Total number of credential secret fetches",
		},
		[]string{"result"},
	)

	// Rotations tracks rotations to another identity
	Rotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gh_credential_rotations_total",
			Help: "Total number of credential rotations",
		},
	)

	// Invalidations tracks identities taken out of the pool
	Invalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gh_credential_invalidations_total",
			Help: "Total number of invalidated credentials",
		},
	)

	// Remaining tracks the number of identities still usable
	Remaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gh_credential_remaining",
			Help: "Number of credentials that are still valid",
		},
	)
)
