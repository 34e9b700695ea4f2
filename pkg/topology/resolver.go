package topology

import (
	"sort"
	"strings"

	"github.com/dd0wney/cluso-meshtopo/pkg/mesh"
)

// ambiguousProbabilityCap bounds the probability reported for a best guess
// among multiple candidates. A genuinely ambiguous match never claims
// certainty, no matter how lopsided the affinity scores are.
const ambiguousProbabilityCap = 0.95

// ResolvePrefix maps a 1-byte prefix to its candidate node identifiers and a
// best guess with probability. Rules in priority order:
//
//  1. Final hop matching the local prefix resolves to the local node with
//     probability 1; packets we physically received end with our prefix.
//  2. Exactly one candidate across local + all neighbors: probability 1.
//  3. Multiple candidates: highest combined affinity wins; probability is
//     that node's share of the candidates' total score, capped at 0.95.
//  4. No candidates: nil best match, probability 0. Expected and common for
//     nodes outside the known neighbor table, not an error.
func ResolvePrefix(prefix string, neighbors map[string]mesh.NeighborInfo, localID string, affinities map[string]*NeighborAffinity, isFinalHop bool) Resolution {
	p := strings.ToUpper(strings.TrimSpace(prefix))
	res := Resolution{Prefix: p}
	if p == "" {
		return res
	}

	localPrefix := mesh.NodePrefix(localID)

	if isFinalHop && localID != "" && localPrefix == p {
		res.Candidates = []string{localID}
		res.Best = localID
		res.Probability = 1.0
		return res
	}

	if localID != "" && localPrefix == p {
		res.Candidates = append(res.Candidates, localID)
	}
	for id := range neighbors {
		if mesh.NodePrefix(id) == p {
			res.Candidates = append(res.Candidates, id)
		}
	}
	sort.Strings(res.Candidates)

	switch len(res.Candidates) {
	case 0:
		return res

	case 1:
		res.Best = res.Candidates[0]
		res.Probability = 1.0
		return res

	default:
		sum := 0.0
		bestScore := -1.0
		for _, id := range res.Candidates {
			score := 0.0
			if rec, ok := affinities[id]; ok {
				score = rec.Combined
			}
			sum += score
			if score > bestScore {
				bestScore = score
				res.Best = id
			}
		}

		if sum > 0 {
			res.Probability = bestScore / sum
		} else {
			// No affinity signal at all: uniform over the collision set.
			res.Probability = 1.0 / float64(len(res.Candidates))
		}
		if res.Probability > ambiguousProbabilityCap {
			res.Probability = ambiguousProbabilityCap
		}
		return res
	}
}
