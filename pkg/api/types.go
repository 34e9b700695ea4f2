package api

import "time"

// API Response Types

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// HealthResponse reports process health and cache readiness.
type HealthResponse struct {
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
	Version          string    `json:"version"`
	Uptime           string    `json:"uptime"`
	PacketCount      int       `json:"packet_count"`
	DeepLoadComplete bool      `json:"deep_load_complete"`
	HasTopology      bool      `json:"has_topology"`
}

// RefreshResponse acknowledges a rebuild request. The build itself runs
// asynchronously; subscribers see the result on the stream.
type RefreshResponse struct {
	Status      string `json:"status"`
	PacketCount int    `json:"packet_count"`
}

// HubResponse is one hub entry with its centrality statistics.
type HubResponse struct {
	NodeID      string  `json:"node_id"`
	PathCount   int     `json:"path_count"`
	BridgeCount int     `json:"bridge_count"`
	Centrality  float64 `json:"centrality"`
}

// HubsResponse lists the hubs of the latest snapshot.
type HubsResponse struct {
	BuildID     string        `json:"build_id"`
	GeneratedAt time.Time     `json:"generated_at"`
	Hubs        []HubResponse `json:"hubs"`
}
