package logstore

import "github.com/prometheus/client_golang/prometheus"

var BlocksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "docswarm",
	Subsystem: "logstore",
	Name:      "blocks_total",
}, []string{"direction"})

var LogsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "docswarm",
	Subsystem: "logstore",
	Name:      "logs_open",
})

var StreamsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "docswarm",
	Subsystem: "logstore",
	Name:      "streams_open",
})

var ProtocolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "docswarm",
	Subsystem: "logstore",
	Name:      "protocol_errors",
}, []string{"kind"})

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{BlocksTotal, LogsOpen, StreamsOpen, ProtocolErrors}
}
