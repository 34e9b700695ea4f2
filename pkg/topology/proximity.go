package topology

import (
	"math"

	"github.com/dd0wney/cluso-meshtopo/pkg/mesh"
)

const earthRadiusMeters = 6371000.0

// NeutralProximity is used when either endpoint has no known location.
// Missing coordinates must not score as distance 0 (which would wrongly
// imply co-location), so unlocated nodes get a midpoint score instead.
const NeutralProximity = 0.5

// HaversineMeters returns the great-circle distance between two positions.
// Callers must check Coordinates.Valid before invoking distance math: the
// zero value means "no location", not a point off the West African coast.
func HaversineMeters(a, b mesh.Coordinates) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// ProximityScore converts physical distance into a bounded affinity score
// using fixed bands tuned for multi-kilometer LoRa links. Closer nodes are
// far more likely to be the true owner of an ambiguous prefix.
func ProximityScore(a, b mesh.Coordinates) float64 {
	if !a.Valid() || !b.Valid() {
		return NeutralProximity
	}

	switch d := HaversineMeters(a, b); {
	case d < 500:
		return 1.0
	case d < 2000:
		return 0.8
	case d < 5000:
		return 0.6
	case d < 10000:
		return 0.4
	case d < 20000:
		return 0.2
	default:
		return 0.1
	}
}
