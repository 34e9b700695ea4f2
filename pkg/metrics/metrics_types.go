package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the application
type Registry struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Packet cache metrics
	CachePackets         prometheus.Gauge
	CacheMergeInserted   prometheus.Counter
	CacheMergeDuplicates prometheus.Counter
	CacheBootstrapsTotal *prometheus.CounterVec
	CachePollsTotal      *prometheus.CounterVec
	CacheClearsTotal     prometheus.Counter

	// Deep load metrics
	DeepLoadBatchesTotal *prometheus.CounterVec
	DeepLoadComplete     prometheus.Gauge

	// Topology metrics
	BuildDuration   prometheus.Histogram
	BuildsTotal     prometheus.Counter
	TopologyEdges   prometheus.Gauge
	TopologyCertain prometheus.Gauge
	TopologyHubs    prometheus.Gauge
	TopologyNodes   prometheus.Gauge

	// Stream metrics
	StreamClients prometheus.Gauge

	registry *prometheus.Registry
}
