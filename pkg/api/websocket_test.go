package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-meshtopo/pkg/mesh"
	"github.com/dd0wney/cluso-meshtopo/pkg/topology"
)

func dialStream(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/topology"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// waitForSubscribers blocks until the handler goroutines have subscribed, so
// a build requested right after dialing cannot race past them.
func waitForSubscribers(t *testing.T, h *testHarness, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.engine.SubscriberCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d subscribers", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamReceivesBuilds(t *testing.T) {
	h := newHarness(t, &fakeNeighborSource{})
	ts := httptest.NewServer(h.server.Router())
	defer ts.Close()

	ws := dialStream(t, ts)
	waitForSubscribers(t, h, 1)

	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.engine.Request(topology.BuildInputs{
		Packets: []mesh.Packet{
			{Hash: "p1", Timestamp: stamp, Source: "AA11223344556677", Path: mesh.RawPath{"BB"}},
		},
		Neighbors: map[string]mesh.NeighborInfo{
			"AA11223344556677": {Name: "alpha"},
			"BB11223344556677": {Name: "bravo"},
		},
		LocalID: "CC11223344556677",
	})

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var snap topology.Snapshot
	require.NoError(t, ws.ReadJSON(&snap))
	require.Equal(t, 1, snap.PacketCount)
	require.NotEmpty(t, snap.BuildID)
}

func TestStreamSendsLatestOnConnect(t *testing.T) {
	h := newHarness(t, &fakeNeighborSource{})

	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.buildAndWait(t, topology.BuildInputs{
		Packets: []mesh.Packet{
			{Hash: "p1", Timestamp: stamp, Source: "AA11223344556677"},
		},
		Neighbors: map[string]mesh.NeighborInfo{"AA11223344556677": {Name: "alpha"}},
		LocalID:   "CC11223344556677",
	})

	ts := httptest.NewServer(h.server.Router())
	defer ts.Close()

	ws := dialStream(t, ts)
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))

	var snap topology.Snapshot
	require.NoError(t, ws.ReadJSON(&snap))
	require.Equal(t, 1, snap.PacketCount)
}

func TestStreamMultipleClients(t *testing.T) {
	h := newHarness(t, &fakeNeighborSource{})
	ts := httptest.NewServer(h.server.Router())
	defer ts.Close()

	first := dialStream(t, ts)
	second := dialStream(t, ts)
	waitForSubscribers(t, h, 2)

	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.engine.Request(topology.BuildInputs{
		Packets: []mesh.Packet{
			{Hash: "p1", Timestamp: stamp, Source: "AA11223344556677"},
		},
		Neighbors: map[string]mesh.NeighborInfo{"AA11223344556677": {Name: "alpha"}},
		LocalID:   "CC11223344556677",
	})

	for _, ws := range []*websocket.Conn{first, second} {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
		var snap topology.Snapshot
		require.NoError(t, ws.ReadJSON(&snap))
		require.Equal(t, 1, snap.PacketCount)
	}
}
