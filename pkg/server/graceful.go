// Package server wraps the HTTP listener with signal handling and ordered
// shutdown of the background components.
package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dd0wney/cluso-meshtopo/pkg/logging"
)

// ShutdownHook runs during graceful shutdown, after the listener stops
// accepting connections. Hooks run in registration order.
type ShutdownHook func()

// Options configures the graceful server.
type Options struct {
	Addr            string
	Handler         http.Handler
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Logger          logging.Logger
}

// GracefulServer wraps an HTTP server with graceful shutdown capabilities
type GracefulServer struct {
	server          *http.Server
	logger          logging.Logger
	shutdownTimeout time.Duration
	shutdownCh      chan struct{}
	shutdownOnce    sync.Once

	hookMu sync.Mutex
	hooks  []ShutdownHook
}

// New creates a graceful HTTP server.
func New(opts Options) *GracefulServer {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	return &GracefulServer{
		server: &http.Server{
			Addr:           opts.Addr,
			Handler:        opts.Handler,
			ReadTimeout:    opts.ReadTimeout,
			WriteTimeout:   opts.WriteTimeout,
			IdleTimeout:    120 * time.Second,
			MaxHeaderBytes: 1 << 20,
		},
		logger:          opts.Logger.With(logging.Component("server")),
		shutdownTimeout: opts.ShutdownTimeout,
		shutdownCh:      make(chan struct{}),
	}
}

// OnShutdown registers a hook to run during shutdown. Hooks run after the
// listener has drained, in the order they were registered.
func (gs *GracefulServer) OnShutdown(hook ShutdownHook) {
	gs.hookMu.Lock()
	gs.hooks = append(gs.hooks, hook)
	gs.hookMu.Unlock()
}

// Start starts the server and handles shutdown signals. It blocks until the
// server stops, returning nil on clean shutdown.
func (gs *GracefulServer) Start() error {
	go gs.handleSignals()

	gs.logger.Info("HTTP server starting", logging.String("addr", gs.server.Addr))
	if err := gs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown initiates a graceful shutdown: stop accepting connections, drain
// in-flight requests within the timeout, then run the shutdown hooks.
func (gs *GracefulServer) Shutdown() error {
	var err error
	gs.shutdownOnce.Do(func() {
		close(gs.shutdownCh)

		ctx, cancel := context.WithTimeout(context.Background(), gs.shutdownTimeout)
		defer cancel()

		gs.logger.Info("shutting down", logging.Duration("timeout", gs.shutdownTimeout))
		if shutdownErr := gs.server.Shutdown(ctx); shutdownErr != nil {
			err = shutdownErr
			gs.logger.Error("listener shutdown", logging.Error(shutdownErr))
		}

		gs.hookMu.Lock()
		hooks := gs.hooks
		gs.hookMu.Unlock()
		for _, hook := range hooks {
			hook()
		}
		gs.logger.Info("shutdown complete")
	})
	return err
}

// handleSignals listens for OS signals and triggers graceful shutdown
func (gs *GracefulServer) handleSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGINT,
		syscall.SIGTERM,
	)

	sig := <-sigCh
	gs.logger.Info("signal received", logging.String("signal", sig.String()))
	if err := gs.Shutdown(); err != nil {
		gs.logger.Error("shutdown", logging.Error(err))
	}
}

// IsShuttingDown returns true if shutdown has been initiated
func (gs *GracefulServer) IsShuttingDown() bool {
	select {
	case <-gs.shutdownCh:
		return true
	default:
		return false
	}
}

// ShutdownChannel returns a channel that closes when shutdown is initiated
func (gs *GracefulServer) ShutdownChannel() <-chan struct{} {
	return gs.shutdownCh
}
