// Package metrics exposes prometheus instrumentation for the cache, the
// topology engine, and the HTTP surface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dd0wney/cluso-meshtopo/pkg/topology"
)

// NewRegistry creates and registers all application metrics.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshtopo_http_requests_total",
		Help: "Total HTTP requests by method, path and status",
	}, []string{"method", "path", "status"})

	r.HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meshtopo_http_request_duration_seconds",
		Help:    "HTTP request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	r.CachePackets = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshtopo_cache_packets",
		Help: "Packets currently held in the cache",
	})

	r.CacheMergeInserted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshtopo_cache_merge_inserted_total",
		Help: "Packets inserted by merge operations",
	})

	r.CacheMergeDuplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshtopo_cache_merge_duplicates_total",
		Help: "Packets skipped by merge as already present",
	})

	r.CacheBootstrapsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshtopo_cache_bootstraps_total",
		Help: "Bootstrap calls by outcome (fetched, fresh, error)",
	}, []string{"outcome"})

	r.CachePollsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshtopo_cache_polls_total",
		Help: "Poll calls by outcome (ok, error)",
	}, []string{"outcome"})

	r.CacheClearsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshtopo_cache_clears_total",
		Help: "Cache clear operations",
	})

	r.DeepLoadBatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshtopo_deepload_batches_total",
		Help: "Deep-load batches by outcome (ok, error, cancelled)",
	}, []string{"outcome"})

	r.DeepLoadComplete = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshtopo_deepload_complete",
		Help: "1 when the full packet history has been loaded",
	})

	r.BuildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meshtopo_build_duration_seconds",
		Help:    "Topology build duration",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	r.BuildsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshtopo_builds_total",
		Help: "Completed topology builds",
	})

	r.TopologyEdges = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshtopo_topology_edges",
		Help: "Edges in the latest topology snapshot",
	})

	r.TopologyCertain = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshtopo_topology_certain_edges",
		Help: "Certain edges in the latest topology snapshot",
	})

	r.TopologyHubs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshtopo_topology_hubs",
		Help: "Hub nodes in the latest topology snapshot",
	})

	r.TopologyNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshtopo_topology_nodes",
		Help: "Nodes tracked in the latest topology snapshot",
	})

	r.StreamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshtopo_stream_clients",
		Help: "Connected websocket snapshot consumers",
	})

	r.registry.MustRegister(
		r.HTTPRequestsTotal,
		r.HTTPRequestDuration,
		r.CachePackets,
		r.CacheMergeInserted,
		r.CacheMergeDuplicates,
		r.CacheBootstrapsTotal,
		r.CachePollsTotal,
		r.CacheClearsTotal,
		r.DeepLoadBatchesTotal,
		r.DeepLoadComplete,
		r.BuildDuration,
		r.BuildsTotal,
		r.TopologyEdges,
		r.TopologyCertain,
		r.TopologyHubs,
		r.TopologyNodes,
		r.StreamClients,
	)

	return r
}

// Prometheus returns the underlying registry for the /metrics handler.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.registry
}

// RecordHTTPRequest records an HTTP request with its duration
func (r *Registry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	r.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordBuild records one completed topology build and updates the snapshot gauges
func (r *Registry) RecordBuild(result topology.BuildResult) {
	r.BuildsTotal.Inc()
	r.BuildDuration.Observe(result.Elapsed.Seconds())
	if result.Snapshot == nil {
		return
	}
	r.TopologyEdges.Set(float64(len(result.Snapshot.Edges)))
	r.TopologyCertain.Set(float64(len(result.Snapshot.CertainEdges)))
	r.TopologyHubs.Set(float64(len(result.Snapshot.Hubs)))
	r.TopologyNodes.Set(float64(len(result.Snapshot.Nodes)))
}

// RecordMerge records the outcome of one merge call
func (r *Registry) RecordMerge(inserted, duplicates, totalCached int) {
	r.CacheMergeInserted.Add(float64(inserted))
	r.CacheMergeDuplicates.Add(float64(duplicates))
	r.CachePackets.Set(float64(totalCached))
}
