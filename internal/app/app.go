// Package app wires every component into a running process and owns its
// startup/shutdown sequence: readiness gating via a health Checker,
// signal-driven shutdown, and a bounded grace period for in-flight work
// to finish before the process exits.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/redbco/streamrelay/internal/config"
	"github.com/redbco/streamrelay/internal/connection"
	"github.com/redbco/streamrelay/internal/health"
	"github.com/redbco/streamrelay/internal/plugin"
	"github.com/redbco/streamrelay/internal/source"
)

// App owns every long-lived component of streamrelay: the source
// registry, the plugin host and its wazero runtime, the WebSocket
// acceptor, and the HTTP listener serving both /health and the
// WebSocket endpoint.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	registry *source.Registry
	runtime  *plugin.Runtime
	host     *plugin.Host
	acceptor *connection.Acceptor
	checker  *health.Checker

	httpServer *http.Server
}

// New builds every component from cfg but does not start serving.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	registry, err := source.Build(ctx, cfg.Sources, log)
	if err != nil {
		return nil, fmt.Errorf("building source registry: %w", err)
	}

	runtime, err := plugin.NewRuntime(ctx, cfg.Hooks.Authenticate, cfg.Hooks.Intercept, log)
	if err != nil {
		registry.Close()
		return nil, fmt.Errorf("building plugin runtime: %w", err)
	}

	failOpen := cfg.Hooks.InterceptFailOpen == nil || *cfg.Hooks.InterceptFailOpen
	host := plugin.NewHost(runtime, plugin.Config{
		InvocationTimeout: cfg.Hooks.InvocationTimeout,
		InterceptWorkers:  cfg.Hooks.InterceptWorkers,
		InterceptFailOpen: failOpen,
	}, cfg.Hooks.Authenticate != "", cfg.Hooks.Intercept != "", log)

	acceptor := connection.NewAcceptor(registry, cfg.Subscriber, host, cfg.Server, log)

	checker := health.NewChecker()

	mux := http.NewServeMux()
	mux.Handle("/health", checker.Handler())
	mux.Handle("/ws", acceptor)

	return &App{
		cfg:      cfg,
		log:      log,
		registry: registry,
		runtime:  runtime,
		host:     host,
		acceptor: acceptor,
		checker:  checker,
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			Handler:      mux,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: 0, // the write pump manages its own deadlines per message
		},
	}, nil
}

// Run serves until ctx is cancelled or a shutdown signal is received,
// then runs the graceful shutdown sequence: stop accepting new
// connections, drop the source registry so every producer task exits,
// and give in-flight connection managers a grace period to finish
// before the process exits.
func (a *App) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		a.log.Info().Str("address", a.cfg.Server.Address).Msg("listening")
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	a.checker.SetReady(true)
	a.log.Info().Msg("streamrelay ready")

	select {
	case <-sigCtx.Done():
		a.log.Info().Msg("received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	return a.shutdown()
}

func (a *App) shutdown() error {
	a.checker.SetReady(false)

	grace := a.cfg.Server.ShutdownGracePeriod
	graceCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := a.httpServer.Shutdown(graceCtx); err != nil {
		a.log.Warn().Err(err).Msg("http server shutdown did not complete cleanly")
	}

	// Dropping the registry stops every producer task, which in turn
	// causes every subscription's upstream Recv to return
	// ErrClosedSource. A connection manager keeps running until its
	// client disconnects or Acceptor.Shutdown cancels it at the end of
	// the grace period.
	a.registry.Close()

	if err := a.acceptor.Shutdown(graceCtx); err != nil {
		a.log.Warn().Err(err).Msg("connections did not drain within the grace period; forced closed")
	}

	a.host.Close()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := a.runtime.Close(closeCtx); err != nil {
		a.log.Warn().Err(err).Msg("plugin runtime close error")
	}

	a.log.Info().Msg("streamrelay stopped")
	return nil
}
