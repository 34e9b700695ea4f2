// Package topology reconstructs the physical connectivity graph of a LoRa
// mesh network from observed packet forwarding paths. Path entries are 1-byte
// node identifier prefixes, so every hop is an ambiguous claim: multiple
// nodes routinely collide on the same prefix. The builder converts that
// ambiguity into a best-effort directed graph with per-edge confidence.
package topology

import (
	"strings"
	"time"
)

// HopHistogramSlots bounds the per-node hop-position histogram. Positions
// beyond the last slot are clamped into it.
const HopHistogramSlots = 5

// NeighborAffinity is the multi-factor score for one candidate node, rebuilt
// from the current packet set on every topology computation and used as the
// tie-breaker whenever a prefix matches more than one known node.
type NeighborAffinity struct {
	NodeID         string                 `json:"node_id"`
	Frequency      int                    `json:"frequency"`
	DirectCount    int                    `json:"direct_count"`
	Proximity      float64                `json:"proximity"`
	HopHistogram   [HopHistogramSlots]int `json:"hop_histogram"`
	AvgHop         float64                `json:"avg_hop"`
	TypicalHop     int                    `json:"typical_hop"`
	HopConsistency float64                `json:"hop_consistency"`
	FrequencyScore float64                `json:"frequency_score"`
	Combined       float64                `json:"combined"`
}

// Edge is a directed link observation accumulator keyed by sorted endpoints,
// so A->B and B->A observations land in the same record. Counts and
// confidence are running aggregates, never decremented; Strength is derived
// after the full accumulation pass.
type Edge struct {
	Key            string      `json:"key"`
	From           string      `json:"from"`
	To             string      `json:"to"`
	Count          int         `json:"count"`
	AvgConfidence  float64     `json:"avg_confidence"`
	Strength       float64     `json:"strength"`
	MinHopDistance int         `json:"min_hop_distance"`
	HopDistances   map[int]int `json:"hop_distances"`
	HubAdjacent    bool        `json:"hub_adjacent"`
	Certain        bool        `json:"certain"`
	CertainCount   int         `json:"certain_count"`
	UncertainCount int         `json:"uncertain_count"`

	confidenceSum float64
}

// EdgeKey returns the canonical sort-order-independent key for an endpoint pair.
func EdgeKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + "|" + b
}

// Touches reports whether the edge has the given node as an endpoint.
func (e *Edge) Touches(node string) bool {
	return e.From == node || e.To == node
}

// NodeStats tracks path participation for centrality derivation.
type NodeStats struct {
	NodeID      string  `json:"node_id"`
	PathCount   int     `json:"path_count"`
	BridgeCount int     `json:"bridge_count"`
	Centrality  float64 `json:"centrality"`
}

// Snapshot is one immutable topology computation result. It is created
// atomically per build and superseded wholesale by the next build.
type Snapshot struct {
	BuildID        string                       `json:"build_id"`
	GeneratedAt    time.Time                    `json:"generated_at"`
	PacketCount    int                          `json:"packet_count"`
	Edges          []*Edge                      `json:"edges"`
	CertainEdges   []*Edge                      `json:"certain_edges"`
	UncertainEdges []*Edge                      `json:"uncertain_edges"`
	EdgeIndex      map[string]*Edge             `json:"-"`
	MaxEdgeCount   int                          `json:"max_edge_count"`
	Affinities     map[string]*NeighborAffinity `json:"affinities"`
	Nodes          map[string]*NodeStats        `json:"nodes"`
	Hubs           []string                     `json:"hubs"`
}

// Resolution is the outcome of disambiguating one prefix. A nil best match
// with probability 0 means no known candidate, a first-class outcome rather
// than an error.
type Resolution struct {
	Prefix      string   `json:"prefix"`
	Candidates  []string `json:"candidates"`
	Best        string   `json:"best,omitempty"`
	Probability float64  `json:"probability"`
}

// Unique reports whether the prefix resolved without ambiguity.
func (r Resolution) Unique() bool {
	return len(r.Candidates) == 1 && r.Best != ""
}

// NormalizedPath is a packet's forwarding path in canonical form: uppercase
// prefixes, chronological from originator to receiver, with a trailing entry
// matching the local node's prefix stripped.
type NormalizedPath struct {
	Hops     []string `json:"hops"`
	HadLocal bool     `json:"had_local"`
}

// Effective returns the hop count after local stripping.
func (p *NormalizedPath) Effective() int {
	if p == nil {
		return 0
	}
	return len(p.Hops)
}

// HopPosition returns the 1-based hop distance convention for index i:
// position 1 is the last forwarder (the node that transmitted directly to
// the local node), position 2 the forwarder before that, and so on. Every
// downstream hop-distance calculation depends on this convention.
func (p *NormalizedPath) HopPosition(i int) int {
	return len(p.Hops) - i
}
