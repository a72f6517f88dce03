package network

import "github.com/prometheus/client_golang/prometheus"

var ConnectionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "docswarm",
	Subsystem: "network",
	Name:      "connections_open",
})

var BytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "docswarm",
	Subsystem: "network",
	Name:      "bytes_total",
}, []string{"direction"})

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{ConnectionsOpen, BytesTotal}
}
