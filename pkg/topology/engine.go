package topology

import (
	"context"
	"sync"
	"time"

	"github.com/dd0wney/cluso-meshtopo/pkg/logging"
	"github.com/dd0wney/cluso-meshtopo/pkg/mesh"
	"github.com/dd0wney/cluso-meshtopo/pkg/pubsub"
)

// BuildInputs is one compute request: an immutable packet snapshot from the
// cache plus the neighbor table and local identity. The engine must not
// mutate any of it.
type BuildInputs struct {
	Packets     []mesh.Packet
	Neighbors   map[string]mesh.NeighborInfo
	LocalID     string
	LocalCoords mesh.Coordinates
}

// BuildResult pairs a snapshot with the time it took to compute.
type BuildResult struct {
	Snapshot *Snapshot     `json:"snapshot"`
	Elapsed  time.Duration `json:"elapsed"`
}

// engineState is the compute scheduler's explicit state machine. Rapid
// repeated triggers coalesce while debouncing; a request arriving mid-build
// is queued (latest wins) and started as soon as the running build finishes.
// Requests are never silently dropped and builds never run in parallel.
type engineState int

const (
	stateIdle engineState = iota
	stateDebouncing
	stateComputing
	stateComputingQueued
)

// Engine schedules topology computations off the caller's goroutine and
// publishes each completed snapshot to subscribers. The core Build algorithm
// stays synchronous; the engine owns the threading model.
type Engine struct {
	builder  *Builder
	buildFn  func(BuildInputs) *Snapshot
	bus      *pubsub.Bus[BuildResult]
	logger   logging.Logger
	debounce time.Duration

	mu      sync.Mutex
	state   engineState
	pending *BuildInputs
	queued  *BuildInputs
	timer   *time.Timer
	latest  *BuildResult
	stopped bool
	wg      sync.WaitGroup
}

// NewEngine creates an engine. debounce is the coalescing window for rapid
// repeated Request calls; zero means fire immediately.
func NewEngine(builder *Builder, debounce time.Duration, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	e := &Engine{
		builder:  builder,
		bus:      pubsub.NewBus[BuildResult](4),
		logger:   logger.With(logging.Component("engine")),
		debounce: debounce,
	}
	e.buildFn = func(in BuildInputs) *Snapshot {
		return builder.Build(in.Packets, in.Neighbors, in.LocalID, in.LocalCoords)
	}
	return e
}

// Request asks for a topology recomputation with the given inputs. Calls
// while idle start the debounce window; calls while debouncing replace the
// pending inputs; calls while a build is running queue the inputs, replacing
// any previously queued request, and run once the current build completes.
func (e *Engine) Request(in BuildInputs) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}

	switch e.state {
	case stateIdle:
		e.pending = &in
		e.state = stateDebouncing
		e.timer = time.AfterFunc(e.debounce, e.fire)

	case stateDebouncing:
		e.pending = &in

	case stateComputing:
		e.queued = &in
		e.state = stateComputingQueued

	case stateComputingQueued:
		e.queued = &in
	}
}

// fire moves a debounced request into computation.
func (e *Engine) fire() {
	e.mu.Lock()
	if e.stopped || e.state != stateDebouncing || e.pending == nil {
		e.mu.Unlock()
		return
	}
	in := e.pending
	e.pending = nil
	e.state = stateComputing
	e.wg.Add(1)
	e.mu.Unlock()

	go e.run(in)
}

// run executes one build to completion. A build is never cancelled
// mid-flight; a stale in-flight result is simply superseded by the next one.
func (e *Engine) run(in *BuildInputs) {
	defer e.wg.Done()

	start := time.Now()
	snap := e.buildFn(*in)
	result := BuildResult{Snapshot: snap, Elapsed: time.Since(start)}

	e.logger.Info("topology computed",
		logging.BuildID(snap.BuildID),
		logging.Int("packets", snap.PacketCount),
		logging.Int("edges", len(snap.Edges)),
		logging.Duration("elapsed", result.Elapsed),
	)

	e.mu.Lock()
	e.latest = &result
	var next *BuildInputs
	if e.state == stateComputingQueued && e.queued != nil && !e.stopped {
		next = e.queued
		e.queued = nil
		e.state = stateComputing
		e.wg.Add(1)
	} else {
		e.state = stateIdle
	}
	e.mu.Unlock()

	e.bus.Publish(result)

	if next != nil {
		go e.run(next)
	}
}

// Subscribe returns a subscription receiving each new BuildResult. Returns
// nil after Stop.
func (e *Engine) Subscribe(ctx context.Context) *pubsub.Subscription[BuildResult] {
	return e.bus.Subscribe(ctx)
}

// SubscriberCount returns the number of active subscriptions.
func (e *Engine) SubscriberCount() int {
	return e.bus.SubscriberCount()
}

// Latest returns the most recent build result, or nil before the first build
// completes.
func (e *Engine) Latest() *BuildResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest
}

// Stop drains the engine: pending and queued requests are discarded, the
// in-flight build (if any) runs to completion, and the bus shuts down.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	if e.timer != nil {
		e.timer.Stop()
	}
	e.pending = nil
	e.queued = nil
	e.mu.Unlock()

	e.wg.Wait()
	e.bus.Shutdown()
}
