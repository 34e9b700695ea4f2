package api

import (
	"net/http"
	"time"

	"github.com/dd0wney/cluso-meshtopo/pkg/logging"
	"github.com/dd0wney/cluso-meshtopo/pkg/topology"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	meta := s.cache.Meta()
	response := HealthResponse{
		Status:           "healthy",
		Timestamp:        time.Now(),
		Version:          s.version,
		Uptime:           time.Since(s.startTime).String(),
		PacketCount:      meta.Count,
		DeepLoadComplete: meta.DeepLoadComplete,
		HasTopology:      s.engine.Latest() != nil,
	}
	s.respondJSON(w, http.StatusOK, response)
}

// handleTopology serves the latest snapshot. Before the first build completes
// there is nothing to serve and the endpoint returns 204.
func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	latest := s.engine.Latest()
	if latest == nil || latest.Snapshot == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.respondJSON(w, http.StatusOK, latest.Snapshot)
}

// handleRefresh schedules a rebuild from the current cache contents and the
// live neighbor table. The build runs asynchronously.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	local, err := s.neighbors.LocalNode(ctx)
	if err != nil {
		s.logger.Error("refresh: local node lookup failed", logging.Error(err))
		s.respondError(w, http.StatusBadGateway, "device status unavailable")
		return
	}
	neighbors, err := s.neighbors.Neighbors(ctx)
	if err != nil {
		s.logger.Error("refresh: neighbor lookup failed", logging.Error(err))
		s.respondError(w, http.StatusBadGateway, "device status unavailable")
		return
	}

	packets := s.cache.Snapshot()
	s.engine.Request(topology.BuildInputs{
		Packets:     packets,
		Neighbors:   neighbors,
		LocalID:     local.ID,
		LocalCoords: local.Coords,
	})

	s.respondJSON(w, http.StatusAccepted, RefreshResponse{
		Status:      "scheduled",
		PacketCount: len(packets),
	})
}

func (s *Server) handleHubs(w http.ResponseWriter, r *http.Request) {
	latest := s.engine.Latest()
	if latest == nil || latest.Snapshot == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	snap := latest.Snapshot

	hubs := make([]HubResponse, 0, len(snap.Hubs))
	for _, id := range snap.Hubs {
		h := HubResponse{NodeID: id}
		if stats, ok := snap.Nodes[id]; ok {
			h.PathCount = stats.PathCount
			h.BridgeCount = stats.BridgeCount
			h.Centrality = stats.Centrality
		}
		hubs = append(hubs, h)
	}

	s.respondJSON(w, http.StatusOK, HubsResponse{
		BuildID:     snap.BuildID,
		GeneratedAt: snap.GeneratedAt,
		Hubs:        hubs,
	})
}

func (s *Server) handleCacheStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.cache.Summary())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.Clear(); err != nil {
		s.logger.Error("cache clear failed", logging.Error(err))
		s.respondError(w, http.StatusInternalServerError, "cache clear failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
