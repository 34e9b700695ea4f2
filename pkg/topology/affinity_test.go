package topology

import (
	"math"
	"testing"

	"github.com/dd0wney/cluso-meshtopo/pkg/mesh"
)

const affinityTestLocal = "ccdd001122334455"

func affinityTestNeighbors() map[string]mesh.NeighborInfo {
	return map[string]mesh.NeighborInfo{
		"aa11223344556677": {Name: "alpha", Coords: mesh.Coordinates{Lat: 47.001, Lon: 8.0}},
		"bb11223344556677": {Name: "bravo", Coords: mesh.Coordinates{Lat: 47.002, Lon: 8.0}},
	}
}

var affinityTestCoords = mesh.Coordinates{Lat: 47.0, Lon: 8.0}

// TestBuildAffinities_EmptyInputs verifies records exist for all neighbors even with no packets
func TestBuildAffinities_EmptyInputs(t *testing.T) {
	aff := BuildAffinities(nil, affinityTestNeighbors(), affinityTestLocal, affinityTestCoords)

	if len(aff) != 2 {
		t.Fatalf("Expected 2 affinity records, got %d", len(aff))
	}
	for id, rec := range aff {
		if rec.Frequency != 0 {
			t.Errorf("Node %s: expected zero frequency, got %d", id, rec.Frequency)
		}
		if rec.Proximity != 1.0 {
			t.Errorf("Node %s: expected proximity 1.0 at ~100-200m, got %v", id, rec.Proximity)
		}
	}
}

// TestBuildAffinities_HopPositions verifies position accounting over local-terminated paths
func TestBuildAffinities_HopPositions(t *testing.T) {
	packets := []mesh.Packet{
		{Hash: "p1", Path: mesh.RawPath{"AA", "BB", "CC"}},
		{Hash: "p2", Path: mesh.RawPath{"AA", "BB", "CC"}},
		{Hash: "p3", Path: mesh.RawPath{"BB", "CC"}},
	}

	aff := BuildAffinities(packets, affinityTestNeighbors(), affinityTestLocal, affinityTestCoords)

	alpha := aff["aa11223344556677"]
	bravo := aff["bb11223344556677"]

	// alpha appears at position 2 twice (paths p1, p2).
	if alpha.Frequency != 2 {
		t.Errorf("alpha: expected frequency 2, got %d", alpha.Frequency)
	}
	if alpha.DirectCount != 0 {
		t.Errorf("alpha: expected no direct observations, got %d", alpha.DirectCount)
	}
	if alpha.HopHistogram[1] != 2 {
		t.Errorf("alpha: expected 2 observations at position 2, got %v", alpha.HopHistogram)
	}
	if alpha.TypicalHop != 2 {
		t.Errorf("alpha: expected typical hop 2, got %d", alpha.TypicalHop)
	}

	// bravo is the last forwarder in all three paths.
	if bravo.Frequency != 3 {
		t.Errorf("bravo: expected frequency 3, got %d", bravo.Frequency)
	}
	if bravo.DirectCount != 3 {
		t.Errorf("bravo: expected direct count 3, got %d", bravo.DirectCount)
	}
	if bravo.HopConsistency != 1.0 {
		t.Errorf("bravo: expected full hop consistency, got %v", bravo.HopConsistency)
	}
	if bravo.FrequencyScore != 1.0 {
		t.Errorf("bravo: expected frequency score 1.0 (global max), got %v", bravo.FrequencyScore)
	}
}

// TestBuildAffinities_NonLocalPathsIgnored verifies overheard packets don't count positions
func TestBuildAffinities_NonLocalPathsIgnored(t *testing.T) {
	packets := []mesh.Packet{
		{Hash: "p1", Path: mesh.RawPath{"AA", "BB"}}, // doesn't end at local
	}

	aff := BuildAffinities(packets, affinityTestNeighbors(), affinityTestLocal, affinityTestCoords)

	if aff["aa11223344556677"].Frequency != 0 {
		t.Error("Paths not ending at local must not contribute position data")
	}
}

// TestBuildAffinities_EmptyPathKnownSource verifies the direct-observation rule
func TestBuildAffinities_EmptyPathKnownSource(t *testing.T) {
	packets := []mesh.Packet{
		{Hash: "p1", Source: "aa11223344556677", Path: mesh.RawPath{}},
		{Hash: "p2", Source: "unknown999", Path: mesh.RawPath{}},
	}

	aff := BuildAffinities(packets, affinityTestNeighbors(), affinityTestLocal, affinityTestCoords)

	alpha := aff["aa11223344556677"]
	if alpha.DirectCount != 1 || alpha.Frequency != 1 {
		t.Errorf("Expected one direct observation for known source, got freq=%d direct=%d",
			alpha.Frequency, alpha.DirectCount)
	}
	if alpha.HopHistogram[0] != 1 {
		t.Errorf("Direct observation must land at position 1, got %v", alpha.HopHistogram)
	}
}

// TestBuildAffinities_ZeroHopBoost verifies confirmed direct neighbors get the proximity floor
func TestBuildAffinities_ZeroHopBoost(t *testing.T) {
	neighbors := map[string]mesh.NeighborInfo{
		// Far away (score 0.1) but confirmed zero-hop.
		"aa11223344556677": {Coords: mesh.Coordinates{Lat: 49.0, Lon: 8.0}, ZeroHop: true},
		// Far away, not confirmed.
		"bb11223344556677": {Coords: mesh.Coordinates{Lat: 49.0, Lon: 8.0}},
	}

	aff := BuildAffinities(nil, neighbors, affinityTestLocal, affinityTestCoords)

	if aff["aa11223344556677"].Proximity < 0.9 {
		t.Errorf("Zero-hop neighbor must be boosted to >=0.9, got %v", aff["aa11223344556677"].Proximity)
	}
	if aff["bb11223344556677"].Proximity != 0.1 {
		t.Errorf("Unconfirmed distant neighbor keeps its band score, got %v", aff["bb11223344556677"].Proximity)
	}
}

// TestBuildAffinities_CombinedWeights verifies the 0.3/0.3/0.4 blend
func TestBuildAffinities_CombinedWeights(t *testing.T) {
	packets := []mesh.Packet{
		{Hash: "p1", Path: mesh.RawPath{"BB", "CC"}},
	}

	aff := BuildAffinities(packets, affinityTestNeighbors(), affinityTestLocal, affinityTestCoords)

	bravo := aff["bb11223344556677"]
	want := 0.3*bravo.Proximity + 0.3*bravo.HopConsistency + 0.4*bravo.FrequencyScore
	if math.Abs(bravo.Combined-want) > 1e-9 {
		t.Errorf("Combined score %v does not match weighted blend %v", bravo.Combined, want)
	}
}

// TestBuildAffinities_HistogramClamping verifies deep positions clamp into the last slot
func TestBuildAffinities_HistogramClamping(t *testing.T) {
	packets := []mesh.Packet{
		{Hash: "p1", Path: mesh.RawPath{"AA", "11", "22", "33", "44", "55", "66", "CC"}},
	}

	aff := BuildAffinities(packets, affinityTestNeighbors(), affinityTestLocal, affinityTestCoords)

	alpha := aff["aa11223344556677"]
	// alpha sits at position 7, beyond the 5-slot histogram.
	if alpha.HopHistogram[HopHistogramSlots-1] != 1 {
		t.Errorf("Expected deep position clamped into last slot, got %v", alpha.HopHistogram)
	}
}
