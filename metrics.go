package docswarm

import (
	"github.com/drpcorg/docswarm/logstore"
	"github.com/prometheus/client_golang/prometheus"
)

var BlocksApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "docswarm",
	Subsystem: "engine",
	Name:      "blocks_applied",
}, []string{"origin"})

var FetchTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "docswarm",
	Subsystem: "engine",
	Name:      "fetch_tasks",
}, []string{"result"})

var Documents = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "docswarm",
	Subsystem: "engine",
	Name:      "documents",
})

var EventsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "docswarm",
	Subsystem: "engine",
	Name:      "events",
}, []string{"type"})

var ApplyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "docswarm",
	Subsystem: "engine",
	Name:      "apply_duration_seconds",
	Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
})

// Collectors lists engine and log store metrics for registration.
func Collectors() []prometheus.Collector {
	return append([]prometheus.Collector{BlocksApplied, FetchTasks, Documents, EventsEmitted, ApplyDuration},
		logstore.Collectors()...)
}
