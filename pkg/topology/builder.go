package topology

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-meshtopo/pkg/logging"
	"github.com/dd0wney/cluso-meshtopo/pkg/mesh"
)

// BuilderConfig carries the tunable thresholds of the topology computation.
// The defaults mirror the deployed dashboard; none of them are load-bearing
// beyond being sensible, so they stay configurable.
type BuilderConfig struct {
	// ConfidenceThreshold discards uncertain consecutive-pair observations
	// whose combined hop confidence falls below it. Certain observations are
	// always kept.
	ConfidenceThreshold float64
	// HubCentralityThreshold is the minimum normalised centrality for hub
	// classification.
	HubCentralityThreshold float64
	// HubMinPaths is the absolute floor of distinct paths a node must appear
	// in before it can be a hub. Prevents a node seen twice, both times as a
	// bridge, from registering 100% centrality.
	HubMinPaths int
	// HubMinPathFraction scales the floor with traffic volume: the effective
	// floor is max(HubMinPaths, ceil(fraction * total packets)).
	HubMinPathFraction float64
}

// DefaultBuilderConfig returns the deployed defaults.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		ConfidenceThreshold:    0.5,
		HubCentralityThreshold: 0.5,
		HubMinPaths:            3,
		HubMinPathFraction:     0.05,
	}
}

// Builder computes MeshTopology snapshots from packet sets. It holds no
// state between builds: every snapshot is derived from scratch, so there is
// no incremental edge-update path to corrupt.
type Builder struct {
	cfg    BuilderConfig
	logger logging.Logger
}

// NewBuilder creates a Builder with the given thresholds.
func NewBuilder(cfg BuilderConfig, logger logging.Logger) *Builder {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Builder{cfg: cfg, logger: logger.With(logging.Component("topology"))}
}

// Build runs the full inference over the packet set and returns one
// immutable snapshot. It never fails: malformed paths are skipped per
// packet, and an empty input yields an empty topology.
func (b *Builder) Build(packets []mesh.Packet, neighbors map[string]mesh.NeighborInfo, localID string, localCoords mesh.Coordinates) *Snapshot {
	affinities := BuildAffinities(packets, neighbors, localID, localCoords)
	edges := make(map[string]*Edge)
	nodes := make(map[string]*NodeStats)

	for _, pkt := range packets {
		b.observePacket(pkt, neighbors, localID, affinities, edges, nodes)
	}

	hubs := deriveHubs(nodes, len(packets), b.cfg)
	hubSet := make(map[string]bool, len(hubs))
	for _, h := range hubs {
		hubSet[h] = true
	}

	snap := &Snapshot{
		BuildID:     uuid.NewString(),
		GeneratedAt: time.Now(),
		PacketCount: len(packets),
		EdgeIndex:   edges,
		Affinities:  affinities,
		Nodes:       nodes,
		Hubs:        hubs,
	}
	finalizeEdges(snap, hubSet)

	b.logger.Debug("topology build complete",
		logging.BuildID(snap.BuildID),
		logging.Int("packets", snap.PacketCount),
		logging.Int("edges", len(snap.Edges)),
		logging.Int("certain_edges", len(snap.CertainEdges)),
		logging.Int("hubs", len(snap.Hubs)),
	)

	return snap
}

// observePacket runs the three inference passes for one packet. The passes
// are not mutually exclusive; a single packet can contribute a source edge,
// a local edge, and several interior edges.
func (b *Builder) observePacket(pkt mesh.Packet, neighbors map[string]mesh.NeighborInfo, localID string, affinities map[string]*NeighborAffinity, edges map[string]*Edge, nodes map[string]*NodeStats) {
	np := NormalizePath(pkt.Path, localID)
	n := np.Effective()
	if n == 0 {
		return
	}

	resolved := make([]Resolution, n)
	for i, hop := range np.Hops {
		resolved[i] = ResolvePrefix(hop, neighbors, localID, affinities, i == n-1)
	}

	// Source -> first hop. The only way to learn about links on the far side
	// of the network, beyond direct local visibility.
	if pkt.Source != "" {
		r := resolved[0]
		if r.Best != "" && r.Best != pkt.Source {
			_, knownSource := neighbors[pkt.Source]
			observeEdge(edges, pkt.Source, r.Best, r.Probability, n-1, r.Unique() && knownSource)
		}
	}

	// Last hop -> local. The most trustworthy inference: the local node
	// physically received the packet from this entity. Only applies when the
	// path actually ended at the local node.
	if np.HadLocal && localID != "" {
		r := resolved[n-1]
		if r.Best != "" && r.Best != localID {
			observeEdge(edges, r.Best, localID, r.Probability, 0, r.Unique())
		}
	}

	// Consecutive pairs, combining both ends' probabilities multiplicatively.
	for i := 0; i+1 < n; i++ {
		ra, rb := resolved[i], resolved[i+1]
		if ra.Best == "" || rb.Best == "" || ra.Best == rb.Best {
			continue
		}
		conf := ra.Probability * rb.Probability
		certain := ra.Unique() && rb.Unique()
		if !certain && conf < b.cfg.ConfidenceThreshold {
			continue
		}
		dist := n - 2 - i
		if dist < 0 {
			dist = 0
		}
		observeEdge(edges, ra.Best, rb.Best, conf, dist, certain)
	}

	// Path participation for centrality. Unresolved hops are tracked under
	// their raw prefix so an unknown relay can still surface as a hub.
	seen := make(map[string]bool, n)
	for i := range np.Hops {
		label := resolved[i].Best
		if label == "" {
			label = np.Hops[i]
		}
		st := nodes[label]
		if st == nil {
			st = &NodeStats{NodeID: label}
			nodes[label] = st
		}
		if !seen[label] {
			st.PathCount++
			seen[label] = true
		}
		if i > 0 && i < n-1 {
			st.BridgeCount++
		}
	}
}

// observeEdge folds one directed observation into the running accumulator
// keyed by sorted endpoints, so opposite-direction observations share a record.
func observeEdge(edges map[string]*Edge, from, to string, conf float64, dist int, certain bool) {
	key := EdgeKey(from, to)
	e := edges[key]
	if e == nil {
		e = &Edge{
			Key:            key,
			From:           from,
			To:             to,
			MinHopDistance: dist,
			HopDistances:   make(map[int]int),
		}
		edges[key] = e
	}

	e.Count++
	e.confidenceSum += conf
	if dist < e.MinHopDistance {
		e.MinHopDistance = dist
	}
	e.HopDistances[dist]++
	if certain {
		e.CertainCount++
	} else {
		e.UncertainCount++
	}
}

// deriveHubs normalises centrality and classifies hubs. Centrality is the
// share of a node's path appearances that are interior (bridge) positions,
// normalised by the observed maximum across all nodes.
func deriveHubs(nodes map[string]*NodeStats, totalPackets int, cfg BuilderConfig) []string {
	maxRaw := 0.0
	for _, st := range nodes {
		if st.PathCount == 0 {
			continue
		}
		st.Centrality = float64(st.BridgeCount) / float64(st.PathCount)
		if st.Centrality > maxRaw {
			maxRaw = st.Centrality
		}
	}
	if maxRaw > 0 {
		for _, st := range nodes {
			st.Centrality /= maxRaw
		}
	}

	floor := cfg.HubMinPaths
	if scaled := int(math.Ceil(cfg.HubMinPathFraction * float64(totalPackets))); scaled > floor {
		floor = scaled
	}

	var hubs []string
	for label, st := range nodes {
		if st.Centrality >= cfg.HubCentralityThreshold && st.PathCount >= floor {
			hubs = append(hubs, label)
		}
	}
	sort.Strings(hubs)
	return hubs
}

// finalizeEdges derives per-edge aggregates that depend on the global
// maximum, which is only known once all edges are built. Edge strength must
// therefore be recomputed here, never incrementally.
func finalizeEdges(snap *Snapshot, hubSet map[string]bool) {
	maxCount := 0
	for _, e := range snap.EdgeIndex {
		if e.Count > maxCount {
			maxCount = e.Count
		}
	}
	snap.MaxEdgeCount = maxCount

	snap.Edges = make([]*Edge, 0, len(snap.EdgeIndex))
	for _, e := range snap.EdgeIndex {
		e.AvgConfidence = e.confidenceSum / float64(e.Count)
		e.Strength = float64(e.Count) / float64(maxCount) * e.AvgConfidence
		e.Certain = e.CertainCount > 0
		e.HubAdjacent = hubSet[e.From] || hubSet[e.To]
		snap.Edges = append(snap.Edges, e)

		if e.Certain {
			snap.CertainEdges = append(snap.CertainEdges, e)
		} else {
			snap.UncertainEdges = append(snap.UncertainEdges, e)
		}
	}

	sort.SliceStable(snap.Edges, func(i, j int) bool {
		if snap.Edges[i].Strength != snap.Edges[j].Strength {
			return snap.Edges[i].Strength > snap.Edges[j].Strength
		}
		return snap.Edges[i].Key < snap.Edges[j].Key
	})
}
