// Package api exposes the topology and cache state over HTTP and streams
// completed builds to websocket subscribers.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dd0wney/cluso-meshtopo/pkg/device"
	"github.com/dd0wney/cluso-meshtopo/pkg/logging"
	"github.com/dd0wney/cluso-meshtopo/pkg/metrics"
	"github.com/dd0wney/cluso-meshtopo/pkg/packetcache"
	"github.com/dd0wney/cluso-meshtopo/pkg/topology"
)

// Server hosts the HTTP API.
type Server struct {
	cache     *packetcache.Cache
	engine    *topology.Engine
	neighbors device.NeighborSource
	registry  *metrics.Registry
	logger    logging.Logger
	version   string
	startTime time.Time
}

// NewServer creates an API server. The metrics registry may be nil when
// running without instrumentation (tests mostly).
func NewServer(cache *packetcache.Cache, engine *topology.Engine, neighbors device.NeighborSource,
	registry *metrics.Registry, logger logging.Logger, version string) *Server {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Server{
		cache:     cache,
		engine:    engine,
		neighbors: neighbors,
		registry:  registry,
		logger:    logger.With(logging.Component("api")),
		version:   version,
		startTime: time.Now(),
	}
}

// Router builds the route table with logging and metrics middleware.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/api/topology", s.handleTopology).Methods(http.MethodGet)
	r.HandleFunc("/api/topology/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/api/topology/hubs", s.handleHubs).Methods(http.MethodGet)

	r.HandleFunc("/api/cache", s.handleCacheStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/cache", s.handleCacheClear).Methods(http.MethodDelete)

	r.HandleFunc("/ws/topology", s.handleTopologyStream)

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry.Prometheus(), promhttp.HandlerOpts{}))
	}

	r.Use(s.loggingMiddleware)
	r.Use(s.metricsMiddleware)
	return r
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encoding JSON response", logging.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	response := ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	}
	s.respondJSON(w, status, response)
}
