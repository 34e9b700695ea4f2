package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dd0wney/cluso-meshtopo/pkg/api"
	"github.com/dd0wney/cluso-meshtopo/pkg/config"
	"github.com/dd0wney/cluso-meshtopo/pkg/device"
	"github.com/dd0wney/cluso-meshtopo/pkg/logging"
	"github.com/dd0wney/cluso-meshtopo/pkg/metrics"
	"github.com/dd0wney/cluso-meshtopo/pkg/packetcache"
	"github.com/dd0wney/cluso-meshtopo/pkg/server"
	"github.com/dd0wney/cluso-meshtopo/pkg/topology"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	deviceURL := flag.String("device", "", "Relay node base URL (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *deviceURL != "" {
		cfg.Device.BaseURL = *deviceURL
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger := logging.NewJSONLogger(os.Stdout, logging.ParseLevel(cfg.Logging.Level))
	logger.Info("meshtopo starting",
		logging.String("version", version),
		logging.String("device", cfg.Device.BaseURL))

	registry := metrics.NewRegistry()

	store, err := packetcache.OpenStore(packetcache.StoreConfig{
		Path:       cfg.Store.Path,
		InMemory:   cfg.Store.InMemory,
		SyncWrites: cfg.Store.SyncWrites,
	}, logger)
	if err != nil {
		logger.Error("opening packet store", logging.Error(err))
		os.Exit(1)
	}

	client := device.NewClient(cfg.Device.BaseURL, cfg.Device.Timeout, logger)

	cache, err := packetcache.New(client, store, packetcache.Config{
		BootstrapWindow:    cfg.Cache.BootstrapWindow,
		StalenessThreshold: cfg.Cache.StalenessThreshold,
		BootstrapLimit:     cfg.Cache.BootstrapLimit,
		DeepLoadBatchSize:  cfg.Cache.DeepLoadBatchSize,
		DeepLoadDelay:      cfg.Cache.DeepLoadDelay,
		DeepLoadMaxBatches: cfg.Cache.DeepLoadMaxBatches,
		PollBatchSize:      cfg.Cache.PollBatchSize,
	}, logger, registry)
	if err != nil {
		logger.Error("initializing packet cache", logging.Error(err))
		store.Close()
		os.Exit(1)
	}

	builder := topology.NewBuilder(topology.BuilderConfig{
		ConfidenceThreshold:    cfg.Topology.ConfidenceThreshold,
		HubCentralityThreshold: cfg.Topology.HubCentralityThreshold,
		HubMinPaths:            cfg.Topology.HubMinPaths,
		HubMinPathFraction:     cfg.Topology.HubMinPathFraction,
	}, logger)
	engine := topology.NewEngine(builder, cfg.Topology.Debounce, logger)

	apiServer := api.NewServer(cache, engine, client, registry, logger, version)

	gs := server.New(server.Options{
		Addr:            cfg.Server.Addr,
		Handler:         apiServer.Router(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          logger,
	})

	// Background work is cancelled first on shutdown so the deep loader and
	// poller stop fetching before the engine and store close.
	bgCtx, cancelBg := context.WithCancel(context.Background())
	loop := &ingestLoop{
		cache:           cache,
		engine:          engine,
		device:          client,
		registry:        registry,
		logger:          logger,
		pollInterval:    cfg.Device.PollInterval,
		deepLoadEnabled: cfg.Cache.DeepLoadEnabled,
	}
	go loop.run(bgCtx)

	gs.OnShutdown(func() { cancelBg() })
	gs.OnShutdown(engine.Stop)
	gs.OnShutdown(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing packet store", logging.Error(err))
		}
	})

	if err := gs.Start(); err != nil {
		logger.Error("server failed", logging.Error(err))
		os.Exit(1)
	}
	// Hooks only run through Shutdown. Start also returns when the signal
	// handler has already driven a full shutdown, so this is a no-op then.
	if err := gs.Shutdown(); err != nil {
		os.Exit(1)
	}
}

// waitRetry sleeps with backoff, honoring cancellation.
func waitRetry(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
