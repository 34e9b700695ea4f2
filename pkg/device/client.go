package device

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dd0wney/cluso-meshtopo/pkg/logging"
	"github.com/dd0wney/cluso-meshtopo/pkg/mesh"
)

// Client talks to the repeater's REST API over HTTP. The device is a
// resource-constrained embedded host, so requests are kept small and
// sequential; pacing decisions live with the callers.
type Client struct {
	baseURL string
	http    *http.Client
	logger  logging.Logger
}

// NewClient creates a device client for the given base URL.
func NewClient(baseURL string, timeout time.Duration, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With(logging.Component("device")),
	}
}

type packetsResponse struct {
	Success bool          `json:"success"`
	Packets []mesh.Packet `json:"packets"`
	Error   string        `json:"error,omitempty"`
}

type statusResponse struct {
	Success   bool                    `json:"success"`
	NodeID    string                  `json:"node_id"`
	NodeName  string                  `json:"node_name,omitempty"`
	Lat       float64                 `json:"lat"`
	Lon       float64                 `json:"lon"`
	Neighbors map[string]neighborJSON `json:"neighbors"`
	Error     string                  `json:"error,omitempty"`
}

type neighborJSON struct {
	Name    string  `json:"name,omitempty"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	ZeroHop bool    `json:"zero_hop,omitempty"`
}

// FetchWindow implements PacketFetcher.
func (c *Client) FetchWindow(ctx context.Context, start, end time.Time, limit int) ([]mesh.Packet, error) {
	q := url.Values{}
	if !start.IsZero() {
		q.Set("start", strconv.FormatInt(start.Unix(), 10))
	}
	if !end.IsZero() {
		q.Set("end", strconv.FormatInt(end.Unix(), 10))
	}
	q.Set("limit", strconv.Itoa(limit))

	return c.fetchPackets(ctx, "/api/packets?"+q.Encode())
}

// FetchRecent implements PacketFetcher.
func (c *Client) FetchRecent(ctx context.Context, limit int) ([]mesh.Packet, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))

	return c.fetchPackets(ctx, "/api/packets/recent?"+q.Encode())
}

func (c *Client) fetchPackets(ctx context.Context, path string) ([]mesh.Packet, error) {
	var resp packetsResponse
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, mesh.NewError("FetchPackets").Entity("response", path).
			Context(resp.Error).Cause(mesh.ErrFetchFailed)
	}
	return resp.Packets, nil
}

// Neighbors implements NeighborSource.
func (c *Client) Neighbors(ctx context.Context) (map[string]mesh.NeighborInfo, error) {
	status, err := c.status(ctx)
	if err != nil {
		return nil, err
	}

	neighbors := make(map[string]mesh.NeighborInfo, len(status.Neighbors))
	for id, n := range status.Neighbors {
		neighbors[id] = mesh.NeighborInfo{
			Name:    n.Name,
			Coords:  mesh.Coordinates{Lat: n.Lat, Lon: n.Lon},
			ZeroHop: n.ZeroHop,
		}
	}
	return neighbors, nil
}

// LocalNode implements NeighborSource.
func (c *Client) LocalNode(ctx context.Context) (NodeIdentity, error) {
	status, err := c.status(ctx)
	if err != nil {
		return NodeIdentity{}, err
	}
	return NodeIdentity{
		ID:     status.NodeID,
		Name:   status.NodeName,
		Coords: mesh.Coordinates{Lat: status.Lat, Lon: status.Lon},
	}, nil
}

func (c *Client) status(ctx context.Context) (*statusResponse, error) {
	var resp statusResponse
	if err := c.getJSON(ctx, "/api/status", &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, mesh.NewError("FetchStatus").Entity("response", "/api/status").
			Context(resp.Error).Cause(mesh.ErrFetchFailed)
	}
	return &resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return mesh.NewError("Get").Entity("request", path).Cause(err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("device request failed", logging.String("path", path), logging.Error(err))
		return mesh.NewError("Get").Entity("request", path).Cause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("device returned non-OK status",
			logging.String("path", path),
			logging.Int("status", resp.StatusCode),
		)
		return mesh.NewError("Get").Entity("request", path).
			Context(fmt.Sprintf("status %d", resp.StatusCode)).Cause(mesh.ErrFetchFailed)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return mesh.NewError("Get").Entity("response", path).Cause(mesh.ErrDecodeFailed)
	}
	return nil
}
