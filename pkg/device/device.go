// Package device defines the boundary to the relay hardware's REST API. The
// rest of the system only sees these interfaces; retry and backoff policy
// belongs to the transport, not to the consumers.
package device

import (
	"context"
	"time"

	"github.com/dd0wney/cluso-meshtopo/pkg/mesh"
)

// PacketFetcher retrieves packet history from the device. Implementations
// must return an error for any non-success response; callers treat transport
// errors and application-level failures identically.
type PacketFetcher interface {
	// FetchWindow returns packets inside the inclusive timestamp window,
	// newest first, up to limit. A zero start or end leaves that bound open.
	FetchWindow(ctx context.Context, start, end time.Time, limit int) ([]mesh.Packet, error)
	// FetchRecent returns the limit most recent packets.
	FetchRecent(ctx context.Context, limit int) ([]mesh.Packet, error)
}

// NodeIdentity is the local node as reported by the device status endpoint.
type NodeIdentity struct {
	ID     string           `json:"id"`
	Name   string           `json:"name,omitempty"`
	Coords mesh.Coordinates `json:"coords"`
}

// NeighborSource provides the known-neighbor table and local identity from
// the device's live status endpoint.
type NeighborSource interface {
	Neighbors(ctx context.Context) (map[string]mesh.NeighborInfo, error)
	LocalNode(ctx context.Context) (NodeIdentity, error)
}
