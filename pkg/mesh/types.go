package mesh

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PrefixLen is the number of hex characters in a path entry. Forwarding paths
// carry 1-byte node identifier truncations, so up to 256 distinct nodes can
// collide on a single prefix.
const PrefixLen = 2

// Coordinates is a WGS84 position. The zero value means "no location":
// devices without a GPS fix report 0/0, which must never be treated as a
// real position near the Gulf of Guinea.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinates represent a real position.
func (c Coordinates) Valid() bool {
	return c.Lat != 0 || c.Lon != 0
}

// NeighborInfo describes a known node from the device's live status endpoint.
type NeighborInfo struct {
	Name    string      `json:"name,omitempty"`
	Coords  Coordinates `json:"coords"`
	ZeroHop bool        `json:"zero_hop,omitempty"`
}

// RawPath is the forwarding path as recorded by the device: an ordered list
// of 1-byte hex prefixes, chronological from originator to receiver.
//
// On the wire the field is duck-typed: either a JSON array of strings or a
// string containing a JSON-encoded array. Both decode to the same canonical
// slice. Malformed input decodes to nil, meaning "no routing information"
// rather than an error, because packet telemetry is untrusted.
type RawPath []string

// UnmarshalJSON accepts either ["AA","BB"] or "[\"AA\",\"BB\"]".
func (p *RawPath) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*p = arr
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		var inner []string
		if err := json.Unmarshal([]byte(s), &inner); err == nil {
			*p = inner
			return nil
		}
	}

	// Not an array in either form: treat as absent.
	*p = nil
	return nil
}

// MarshalJSON always emits the canonical array form.
func (p RawPath) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	return json.Marshal([]string(p))
}

// Packet is a single received-packet observation. Packets are immutable once
// created; the cache stores them keyed by Hash for deduplication.
type Packet struct {
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
	Path      RawPath   `json:"path,omitempty"`
	RSSI      float64   `json:"rssi,omitempty"`
	SNR       float64   `json:"snr,omitempty"`
}

// ContentHash derives a deterministic hash for packets the device reported
// without one, so the dedup key is always present.
func (p Packet) ContentHash() string {
	if p.Hash != "" {
		return p.Hash
	}
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s", p.Timestamp.UnixMilli(), p.Source, strings.Join(p.Path, ","))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// NodePrefix returns the canonical uppercase 1-byte prefix of a full node
// identifier, or "" if the identifier is too short.
func NodePrefix(id string) string {
	if len(id) < PrefixLen {
		return ""
	}
	return strings.ToUpper(id[:PrefixLen])
}
