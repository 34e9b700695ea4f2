package topology

import (
	"strings"

	"github.com/dd0wney/cluso-meshtopo/pkg/mesh"
)

// NormalizePath converts a packet's raw forwarding path into canonical form.
// Returns nil when there is no routing information (missing or malformed
// path), a soft failure callers must treat as "no path", never as an error.
//
// A trailing entry matching the local node's prefix is the local node's own
// receive record; it is stripped and HadLocal set so downstream hop-distance
// math runs over forwarders only.
func NormalizePath(raw mesh.RawPath, localID string) *NormalizedPath {
	if raw == nil {
		return nil
	}

	hops := make([]string, 0, len(raw))
	for _, entry := range raw {
		entry = strings.ToUpper(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		hops = append(hops, entry)
	}

	np := &NormalizedPath{Hops: hops}

	localPrefix := mesh.NodePrefix(localID)
	if localPrefix != "" && len(np.Hops) > 0 && np.Hops[len(np.Hops)-1] == localPrefix {
		np.Hops = np.Hops[:len(np.Hops)-1]
		np.HadLocal = true
	}

	return np
}
