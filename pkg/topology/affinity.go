package topology

import (
	"github.com/dd0wney/cluso-meshtopo/pkg/mesh"
)

// Affinity combined-score weights. Frequency dominates: a node seen in many
// paths is the likeliest owner of its prefix regardless of where it sits.
const (
	proximityWeight   = 0.3
	consistencyWeight = 0.3
	frequencyWeight   = 0.4
)

// zeroHopProximityFloor boosts nodes independently confirmed as direct
// neighbors: a confirmed zero-hop link is stronger evidence of nearness than
// any distance band.
const zeroHopProximityFloor = 0.9

// BuildAffinities produces one NeighborAffinity per known neighbor from the
// full packet set. A single flat pass, deliberately O(packets x candidates
// per prefix); collision sets are small because prefixes only span 256
// values. Rebuilt fresh on every topology computation, never persisted.
func BuildAffinities(packets []mesh.Packet, neighbors map[string]mesh.NeighborInfo, localID string, localCoords mesh.Coordinates) map[string]*NeighborAffinity {
	affinities := make(map[string]*NeighborAffinity, len(neighbors))
	byPrefix := make(map[string][]string)

	for id, info := range neighbors {
		prox := ProximityScore(localCoords, info.Coords)
		if info.ZeroHop && prox < zeroHopProximityFloor {
			prox = zeroHopProximityFloor
		}
		affinities[id] = &NeighborAffinity{
			NodeID:    id,
			Proximity: prox,
		}
		prefix := mesh.NodePrefix(id)
		if prefix != "" {
			byPrefix[prefix] = append(byPrefix[prefix], id)
		}
	}

	for _, pkt := range packets {
		np := NormalizePath(pkt.Path, localID)

		if np.Effective() == 0 {
			// No forwarders recorded: a known source transmitted to us
			// directly, which is a hop-distance-1 observation of that source.
			if pkt.Source != "" {
				if rec, ok := affinities[pkt.Source]; ok {
					rec.Frequency++
					rec.DirectCount++
					rec.HopHistogram[0]++
				}
			}
			continue
		}

		// Only paths that ended at the local node carry trustworthy
		// position-from-local information.
		if !np.HadLocal {
			continue
		}

		for i, hop := range np.Hops {
			pos := np.HopPosition(i)
			for _, id := range byPrefix[hop] {
				rec := affinities[id]
				rec.Frequency++
				slot := pos
				if slot > HopHistogramSlots {
					slot = HopHistogramSlots
				}
				rec.HopHistogram[slot-1]++
				if pos == 1 {
					rec.DirectCount++
				}
			}
		}
	}

	deriveAffinityScores(affinities)
	return affinities
}

// deriveAffinityScores fills in the derived fields after the accumulation
// pass: count-weighted average hop, modal hop position, hop consistency,
// frequency normalised against the global maximum, and the combined score.
func deriveAffinityScores(affinities map[string]*NeighborAffinity) {
	maxFreq := 0
	for _, rec := range affinities {
		if rec.Frequency > maxFreq {
			maxFreq = rec.Frequency
		}
	}

	for _, rec := range affinities {
		total := 0
		weighted := 0
		modalCount := 0
		modalPos := 0
		for i, n := range rec.HopHistogram {
			total += n
			weighted += (i + 1) * n
			if n > modalCount {
				modalCount = n
				modalPos = i + 1
			}
		}

		if total > 0 {
			rec.AvgHop = float64(weighted) / float64(total)
			rec.TypicalHop = modalPos
			rec.HopConsistency = float64(modalCount) / float64(total)
		}
		if maxFreq > 0 {
			rec.FrequencyScore = float64(rec.Frequency) / float64(maxFreq)
		}

		rec.Combined = proximityWeight*rec.Proximity +
			consistencyWeight*rec.HopConsistency +
			frequencyWeight*rec.FrequencyScore
	}
}
