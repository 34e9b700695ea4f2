package main

import (
	"context"
	"errors"
	"time"

	"github.com/dd0wney/cluso-meshtopo/pkg/device"
	"github.com/dd0wney/cluso-meshtopo/pkg/logging"
	"github.com/dd0wney/cluso-meshtopo/pkg/metrics"
	"github.com/dd0wney/cluso-meshtopo/pkg/packetcache"
	"github.com/dd0wney/cluso-meshtopo/pkg/topology"
)

// ingestLoop drives the cache lifecycle: bootstrap on startup, a one-shot
// background deep load, then periodic polling. Every batch of new packets
// requests a topology rebuild.
type ingestLoop struct {
	cache           *packetcache.Cache
	engine          *topology.Engine
	device          *device.Client
	registry        *metrics.Registry
	logger          logging.Logger
	pollInterval    time.Duration
	deepLoadEnabled bool
}

func (l *ingestLoop) run(ctx context.Context) {
	go l.recordBuilds(ctx)

	// The device may come up after us. Retry the bootstrap until it
	// succeeds or we are told to stop.
	for {
		err := l.cache.Bootstrap(ctx)
		if err == nil {
			break
		}
		l.logger.Warn("bootstrap failed, retrying", logging.Error(err))
		if !waitRetry(ctx, 5*time.Second) {
			return
		}
	}

	l.requestBuild(ctx)

	if l.deepLoadEnabled {
		go func() {
			if err := l.cache.DeepLoad(ctx); err != nil && !errors.Is(err, context.Canceled) {
				l.logger.Warn("deep load aborted", logging.Error(err))
				return
			}
			l.requestBuild(ctx)
		}()
	}

	interval := l.pollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			inserted, err := l.cache.Poll(ctx)
			if err != nil {
				l.logger.Warn("poll failed", logging.Error(err))
				continue
			}
			if inserted > 0 {
				l.logger.Debug("poll merged packets", logging.Count(inserted))
				l.requestBuild(ctx)
			}
		}
	}
}

// recordBuilds feeds every completed build into the metrics registry.
func (l *ingestLoop) recordBuilds(ctx context.Context) {
	sub := l.engine.Subscribe(ctx)
	if sub == nil {
		return
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-sub.Channel():
			if !ok {
				return
			}
			l.registry.RecordBuild(result)
		}
	}
}

// requestBuild gathers inputs from the cache and the device status endpoint
// and hands them to the engine. Failures are logged and skipped; the next
// poll retries naturally.
func (l *ingestLoop) requestBuild(ctx context.Context) {
	local, err := l.device.LocalNode(ctx)
	if err != nil {
		l.logger.Warn("build skipped, local node lookup failed", logging.Error(err))
		return
	}
	neighbors, err := l.device.Neighbors(ctx)
	if err != nil {
		l.logger.Warn("build skipped, neighbor lookup failed", logging.Error(err))
		return
	}

	l.engine.Request(topology.BuildInputs{
		Packets:     l.cache.Snapshot(),
		Neighbors:   neighbors,
		LocalID:     local.ID,
		LocalCoords: local.Coords,
	})
}
