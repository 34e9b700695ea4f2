package packetcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dd0wney/cluso-meshtopo/pkg/mesh"
)

type fakeFetcher struct {
	mu          sync.Mutex
	windowCalls int
	recentCalls int
	windowFn    func(start, end time.Time, limit int) ([]mesh.Packet, error)
	recentFn    func(limit int) ([]mesh.Packet, error)
}

func (f *fakeFetcher) FetchWindow(_ context.Context, start, end time.Time, limit int) ([]mesh.Packet, error) {
	f.mu.Lock()
	f.windowCalls++
	fn := f.windowFn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(start, end, limit)
}

func (f *fakeFetcher) FetchRecent(_ context.Context, limit int) ([]mesh.Packet, error) {
	f.mu.Lock()
	f.recentCalls++
	fn := f.recentFn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(limit)
}

func (f *fakeFetcher) calls() (window, recent int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.windowCalls, f.recentCalls
}

func testPacket(hash, source string, ts time.Time, hops ...string) mesh.Packet {
	return mesh.Packet{
		Hash:      hash,
		Timestamp: ts,
		Source:    source,
		Path:      mesh.RawPath(hops),
	}
}

func newTestCache(t *testing.T, fetcher *fakeFetcher, cfg Config) *Cache {
	t.Helper()
	c, err := New(fetcher, nil, cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestBootstrapFetchesWindow(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{
		windowFn: func(start, end time.Time, limit int) ([]mesh.Packet, error) {
			if !start.Before(end) {
				t.Errorf("window start %v not before end %v", start, end)
			}
			return []mesh.Packet{
				testPacket("p1", "AA11", base.Add(-2*time.Hour), "BB"),
				testPacket("p2", "BB22", base.Add(-1*time.Hour)),
				testPacket("p3", "AA11", base.Add(-30*time.Minute), "BB", "CC"),
			}, nil
		},
	}
	c := newTestCache(t, fetcher, Config{})
	c.now = func() time.Time { return base }

	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	snap := c.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 packets, got %d", len(snap))
	}
	meta := c.Meta()
	if meta.Count != 3 {
		t.Errorf("meta count = %d, want 3", meta.Count)
	}
	if !meta.Oldest.Equal(base.Add(-2 * time.Hour)) {
		t.Errorf("oldest = %v", meta.Oldest)
	}
	if !meta.Newest.Equal(base.Add(-30 * time.Minute)) {
		t.Errorf("newest = %v", meta.Newest)
	}
}

func TestBootstrapSkippedWhenFresh(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{
		windowFn: func(_, _ time.Time, _ int) ([]mesh.Packet, error) {
			return []mesh.Packet{testPacket("p1", "AA11", base.Add(-time.Hour))}, nil
		},
	}
	c := newTestCache(t, fetcher, Config{})
	c.now = func() time.Time { return base }

	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatalf("first Bootstrap: %v", err)
	}
	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}

	window, _ := fetcher.calls()
	if window != 1 {
		t.Errorf("expected 1 window fetch, got %d", window)
	}
}

func TestBootstrapRefetchesWhenStale(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{
		windowFn: func(_, _ time.Time, _ int) ([]mesh.Packet, error) {
			return []mesh.Packet{testPacket("p1", "AA11", base.Add(-time.Hour))}, nil
		},
	}
	c := newTestCache(t, fetcher, Config{StalenessThreshold: time.Hour})
	now := base
	c.now = func() time.Time { return now }

	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatalf("first Bootstrap: %v", err)
	}

	now = base.Add(2 * time.Hour)
	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}

	window, _ := fetcher.calls()
	if window != 2 {
		t.Errorf("expected 2 window fetches, got %d", window)
	}
}

func TestBootstrapErrorKeepsExisting(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fail := false
	fetcher := &fakeFetcher{
		windowFn: func(_, _ time.Time, _ int) ([]mesh.Packet, error) {
			if fail {
				return nil, errors.New("device unreachable")
			}
			return []mesh.Packet{testPacket("p1", "AA11", base.Add(-time.Hour))}, nil
		},
	}
	c := newTestCache(t, fetcher, Config{StalenessThreshold: time.Hour})
	now := base
	c.now = func() time.Time { return now }

	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatalf("first Bootstrap: %v", err)
	}

	fail = true
	now = base.Add(2 * time.Hour)
	if err := c.Bootstrap(context.Background()); err == nil {
		t.Fatal("expected error from failed bootstrap")
	}

	if got := len(c.Snapshot()); got != 1 {
		t.Errorf("existing packets lost on failed bootstrap: %d left", got)
	}
}

func TestMergeIdempotent(t *testing.T) {
	c := newTestCache(t, &fakeFetcher{}, Config{})
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	batch := []mesh.Packet{
		testPacket("p1", "AA11", ts, "BB"),
		testPacket("p2", "BB22", ts.Add(time.Minute)),
	}

	first := c.Merge(batch)
	if first.Inserted != 2 || first.Duplicates != 0 {
		t.Errorf("first merge = %+v", first)
	}

	second := c.Merge(batch)
	if second.Inserted != 0 || second.Duplicates != 2 {
		t.Errorf("second merge = %+v", second)
	}
	if second.Total != 2 {
		t.Errorf("total = %d, want 2", second.Total)
	}
}

func TestMergeKeepsFirstPacket(t *testing.T) {
	c := newTestCache(t, &fakeFetcher{}, Config{})
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	original := testPacket("p1", "AA11", ts, "BB")
	c.Merge([]mesh.Packet{original})

	altered := original
	altered.SNR = 99
	c.Merge([]mesh.Packet{altered})

	snap := c.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(snap))
	}
	if snap[0].SNR != 0 {
		t.Errorf("duplicate merge replaced packet contents")
	}
}

func TestPollAdditive(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{
		recentFn: func(_ int) ([]mesh.Packet, error) {
			return []mesh.Packet{
				testPacket("p2", "BB22", ts.Add(time.Minute)),
				testPacket("p3", "CC33", ts.Add(2*time.Minute)),
			}, nil
		},
	}
	c := newTestCache(t, fetcher, Config{})
	c.Merge([]mesh.Packet{testPacket("p1", "AA11", ts)})

	inserted, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if inserted != 2 {
		t.Errorf("inserted = %d, want 2", inserted)
	}
	if got := len(c.Snapshot()); got != 3 {
		t.Errorf("snapshot size = %d, want 3", got)
	}
}

func TestDeepLoadPaginatesBackward(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Three pages of history older than the bootstrap window, newest first.
	// The final page is short, which terminates the run.
	pages := map[int][]mesh.Packet{
		0: {
			testPacket("h1", "AA11", base.Add(-25*time.Hour)),
			testPacket("h2", "AA11", base.Add(-26*time.Hour)),
		},
		1: {
			testPacket("h3", "BB22", base.Add(-27*time.Hour)),
			testPacket("h4", "BB22", base.Add(-28*time.Hour)),
		},
		2: {
			testPacket("h5", "CC33", base.Add(-29*time.Hour)),
		},
	}
	page := 0
	var ends []time.Time
	fetcher := &fakeFetcher{}
	fetcher.windowFn = func(start, end time.Time, limit int) ([]mesh.Packet, error) {
		if !start.IsZero() {
			t.Errorf("deep load start bound should be open, got %v", start)
		}
		ends = append(ends, end)
		p := pages[page]
		page++
		return p, nil
	}

	c := newTestCache(t, fetcher, Config{DeepLoadBatchSize: 2, DeepLoadDelay: 1})
	c.Merge([]mesh.Packet{testPacket("p1", "AA11", base.Add(-time.Hour))})

	if err := c.DeepLoad(context.Background()); err != nil {
		t.Fatalf("DeepLoad: %v", err)
	}

	if len(ends) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(ends))
	}
	// Each batch ends at the oldest packet known at the time.
	want := []time.Time{
		base.Add(-time.Hour),
		base.Add(-26 * time.Hour),
		base.Add(-28 * time.Hour),
	}
	for i, w := range want {
		if !ends[i].Equal(w) {
			t.Errorf("batch %d end = %v, want %v", i, ends[i], w)
		}
	}

	meta := c.Meta()
	if !meta.DeepLoadComplete {
		t.Error("deep load should be marked complete")
	}
	if meta.Count != 6 {
		t.Errorf("count = %d, want 6", meta.Count)
	}
	if !meta.Oldest.Equal(base.Add(-29 * time.Hour)) {
		t.Errorf("oldest = %v", meta.Oldest)
	}
}

func TestDeepLoadNoProgressMarksComplete(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stuck := []mesh.Packet{
		testPacket("p1", "AA11", base),
		testPacket("p2", "AA11", base),
	}
	fetcher := &fakeFetcher{
		windowFn: func(_, _ time.Time, _ int) ([]mesh.Packet, error) {
			return stuck, nil
		},
	}
	c := newTestCache(t, fetcher, Config{DeepLoadBatchSize: 2, DeepLoadDelay: 1})
	c.Merge(stuck)

	if err := c.DeepLoad(context.Background()); err != nil {
		t.Fatalf("DeepLoad: %v", err)
	}

	window, _ := fetcher.calls()
	if window != 1 {
		t.Errorf("expected 1 batch before giving up, got %d", window)
	}
	if !c.Meta().DeepLoadComplete {
		t.Error("stuck deep load should mark complete")
	}
}

func TestDeepLoadRespectsCancellation(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx, cancel := context.WithCancel(context.Background())

	n := 0
	fetcher := &fakeFetcher{}
	fetcher.windowFn = func(_, _ time.Time, _ int) ([]mesh.Packet, error) {
		n++
		if n == 2 {
			cancel()
		}
		return []mesh.Packet{
			testPacket(fmt.Sprintf("p%d", n), "AA11", base.Add(-time.Duration(n)*time.Hour)),
			testPacket(fmt.Sprintf("q%d", n), "AA11", base.Add(-time.Duration(n)*time.Hour-time.Minute)),
		}, nil
	}

	c := newTestCache(t, fetcher, Config{DeepLoadBatchSize: 2, DeepLoadDelay: 1})

	err := c.DeepLoad(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if c.Meta().DeepLoadComplete {
		t.Error("cancelled deep load must not mark complete")
	}
	if n > 2 {
		t.Errorf("fetch continued after cancellation: %d calls", n)
	}
}

func TestClearAbortsDeepLoad(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var c *Cache
	n := 0
	fetcher := &fakeFetcher{}
	fetcher.windowFn = func(_, _ time.Time, _ int) ([]mesh.Packet, error) {
		n++
		if n == 2 {
			if err := c.Clear(); err != nil {
				t.Fatalf("Clear: %v", err)
			}
		}
		return []mesh.Packet{
			testPacket(fmt.Sprintf("p%d", n), "AA11", base.Add(-time.Duration(n)*time.Hour)),
			testPacket(fmt.Sprintf("q%d", n), "AA11", base.Add(-time.Duration(n)*time.Hour-time.Minute)),
		}, nil
	}

	c = newTestCache(t, fetcher, Config{DeepLoadBatchSize: 2, DeepLoadDelay: 1})
	c.Merge([]mesh.Packet{testPacket("seed", "AA11", base.Add(-time.Hour))})

	if err := c.DeepLoad(context.Background()); err != nil {
		t.Fatalf("DeepLoad: %v", err)
	}
	if n != 2 {
		t.Errorf("deep load kept fetching after clear: %d calls", n)
	}
	if got := len(c.Snapshot()); got != 0 {
		t.Errorf("cleared cache repopulated with %d packets", got)
	}
	if c.Meta().DeepLoadComplete {
		t.Error("aborted deep load must not mark history complete")
	}
}

func TestDeepLoadSkipsEmptyCache(t *testing.T) {
	fetcher := &fakeFetcher{}
	c := newTestCache(t, fetcher, Config{})

	if err := c.DeepLoad(context.Background()); err != nil {
		t.Fatalf("DeepLoad: %v", err)
	}
	window, _ := fetcher.calls()
	if window != 0 {
		t.Errorf("empty cache triggered %d window fetches", window)
	}
}

func TestDeepLoadSingleFlight(t *testing.T) {
	c := newTestCache(t, &fakeFetcher{}, Config{})
	c.deepLoading.Store(true)

	err := c.DeepLoad(context.Background())
	if !errors.Is(err, mesh.ErrDeepLoadBusy) {
		t.Fatalf("expected ErrDeepLoadBusy, got %v", err)
	}
}

func TestDeepLoadBatchCeiling(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	fetcher := &fakeFetcher{}
	fetcher.windowFn = func(_, _ time.Time, _ int) ([]mesh.Packet, error) {
		n++
		return []mesh.Packet{
			testPacket(fmt.Sprintf("p%d", n), "AA11", base.Add(-time.Duration(n)*time.Hour)),
		}, nil
	}

	c := newTestCache(t, fetcher, Config{DeepLoadBatchSize: 1, DeepLoadDelay: 1, DeepLoadMaxBatches: 3})

	if err := c.DeepLoad(context.Background()); err != nil {
		t.Fatalf("DeepLoad: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 batches, got %d", n)
	}
	if c.Meta().DeepLoadComplete {
		t.Error("ceiling stop must not mark history complete")
	}
}

func TestClearEmptiesCache(t *testing.T) {
	c := newTestCache(t, &fakeFetcher{}, Config{})
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.Merge([]mesh.Packet{testPacket("p1", "AA11", ts)})

	if err := c.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got := len(c.Snapshot()); got != 0 {
		t.Errorf("snapshot size after clear = %d", got)
	}
	if c.Meta().Count != 0 {
		t.Errorf("meta count after clear = %d", c.Meta().Count)
	}
}

func TestSummaryCountsBySource(t *testing.T) {
	c := newTestCache(t, &fakeFetcher{}, Config{})
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.Merge([]mesh.Packet{
		testPacket("p1", "AA11", ts),
		testPacket("p2", "AA11", ts.Add(time.Minute)),
		testPacket("p3", "BB22", ts.Add(2*time.Minute)),
	})

	sum := c.Summary()
	if sum.PacketCount != 3 {
		t.Errorf("packet count = %d", sum.PacketCount)
	}
	if sum.SourceCount != 2 {
		t.Errorf("source count = %d", sum.SourceCount)
	}
	if sum.BySource["AA11"] != 2 || sum.BySource["BB22"] != 1 {
		t.Errorf("by_source = %v", sum.BySource)
	}
}

func TestSummaryTrafficCounters(t *testing.T) {
	c := newTestCache(t, &fakeFetcher{}, Config{})
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.Merge([]mesh.Packet{
		testPacket("p1", "AA11", ts, "BB"),
		testPacket("p2", "AA11", ts.Add(30*time.Minute)),
		testPacket("p3", "BB22", ts.Add(time.Hour), "CC", "DD"),
	})

	sum := c.Summary()
	if sum.ForwardedCount != 2 {
		t.Errorf("forwarded count = %d, want 2", sum.ForwardedCount)
	}
	// 3 packets over a 1-hour window.
	if sum.PacketsPerHour < 2.9 || sum.PacketsPerHour > 3.1 {
		t.Errorf("packets per hour = %v", sum.PacketsPerHour)
	}
}

func TestSnapshotOrderedOldestFirst(t *testing.T) {
	c := newTestCache(t, &fakeFetcher{}, Config{})
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.Merge([]mesh.Packet{
		testPacket("p3", "AA11", ts.Add(2*time.Minute)),
		testPacket("p1", "AA11", ts),
		testPacket("p2", "AA11", ts.Add(time.Minute)),
	})

	snap := c.Snapshot()
	for i := 1; i < len(snap); i++ {
		if snap[i].Timestamp.Before(snap[i-1].Timestamp) {
			t.Fatalf("snapshot not ordered at index %d", i)
		}
	}
}
