// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReconcileCyclesTotal counts completed reconciler sweeps.
	ReconcileCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cmux_reconcile_cycles_total",
		Help: "Total number of reconciliation cycles completed",
	})

	// ReconcileDuration observes sweep wall time.
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cmux_reconcile_duration_seconds",
		Help:    "Duration of reconciliation cycles",
		Buckets: prometheus.DefBuckets,
	})

	// RunningContainers tracks containers the registry believes are running.
	RunningContainers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cmux_running_containers",
		Help: "Containers currently in running state",
	})

	// EvictionsTotal counts retention terminations by policy (ttl, capacity).
	EvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmux_evictions_total",
		Help: "Containers stopped by retention policies",
	}, []string{"policy"})

	// OrphanSweepsTotal counts control-plane runs marked stopped because
	// their container vanished.
	OrphanSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cmux_orphan_sweeps_total",
		Help: "Task runs marked stopped by the orphan sweep",
	})
)
