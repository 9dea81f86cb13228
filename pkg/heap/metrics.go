package heap

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	heapPrometheusMetrics sync.Once

	allocationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lantern",
			Subsystem: "heap",
			Name:      "allocations_total",
			Help:      "Number of payloads handed out by LockedAllocator",
		})
	releasesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lantern",
			Subsystem: "heap",
			Name:      "releases_total",
			Help:      "Number of payloads released back to LockedAllocator",
		})
	allocationFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lantern",
			Subsystem: "heap",
			Name:      "allocation_failures_total",
			Help:      "Number of allocation requests no free block could satisfy",
		})
)

func registerMetrics() {
	heapPrometheusMetrics.Do(func() {
		prometheus.MustRegister(allocationsTotal)
		prometheus.MustRegister(releasesTotal)
		prometheus.MustRegister(allocationFailuresTotal)
	})
}
