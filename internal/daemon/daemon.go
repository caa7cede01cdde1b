// Package daemon assembles the factory: workspace registry, event bus,
// activity broadcaster, hub, telemetry, HTTP API, and the task-directory
// watcher, with an ordered shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskfactory/factoryd/internal/activity"
	"github.com/taskfactory/factoryd/internal/agent"
	"github.com/taskfactory/factoryd/internal/api"
	"github.com/taskfactory/factoryd/internal/config"
	"github.com/taskfactory/factoryd/internal/events"
	"github.com/taskfactory/factoryd/internal/hub"
	"github.com/taskfactory/factoryd/internal/logging"
	"github.com/taskfactory/factoryd/internal/telemetry"
	"github.com/taskfactory/factoryd/internal/workspace"
)

const busBuffer = 256

// Daemon is one assembled factory instance.
type Daemon struct {
	settings  config.Settings
	logger    *logging.Logger
	registry  workspace.Registry
	bus       *events.Bus
	activity  *activity.Broadcaster
	hub       *hub.Hub
	telemetry *telemetry.Store
	collector *telemetry.Collector
	server    *http.Server
	watcher   *Watcher
}

// New wires a daemon from settings and an agent engine. Nothing starts
// running until Run.
func New(settings config.Settings, engine agent.Engine, logger *logging.Logger) (*Daemon, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	home, err := config.HomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}

	registry, err := workspace.NewFileRegistry(workspace.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open workspace registry: %w", err)
	}

	bus := events.NewBus(busBuffer)
	bcast := activity.NewBroadcaster(func(id string) (string, error) {
		ws, err := registry.Get(context.Background(), id)
		if err != nil {
			return "", err
		}
		return ws.ArtifactRoot, nil
	}, activity.WithBroadcasterLogger(logger))

	d := &Daemon{
		settings: settings,
		logger:   logger,
		registry: registry,
		bus:      bus,
		activity: bcast,
	}

	if settings.Telemetry.Enabled {
		store, err := telemetry.Open(filepath.Join(home, telemetry.DBFileName))
		if err != nil {
			return nil, fmt.Errorf("open telemetry store: %w", err)
		}
		d.telemetry = store
		d.collector = telemetry.NewCollector(store, bus, logger)
	}

	d.hub = hub.New(hub.Deps{
		Registry: registry,
		Engine:   engine,
		Activity: bcast,
		Bus:      bus,
		Settings: settings,
		Logger:   logger,
	})

	serverOpts := []api.ServerOption{api.WithServerLogger(logger)}
	if d.telemetry != nil {
		serverOpts = append(serverOpts, api.WithTelemetry(d.telemetry))
	}
	apiServer := api.NewServer(d.hub, registry, bus, bcast, serverOpts...)

	addr := net.JoinHostPort(settings.Server.Host, strconv.Itoa(settings.Server.Port))
	d.server = &http.Server{
		Addr:              addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	d.watcher = NewWatcher(registry, d.hub, logger)
	return d, nil
}

// Addr is the configured listen address.
func (d *Daemon) Addr() string {
	return d.server.Addr
}

// Run serves until ctx is cancelled, then shuts down in dependency order.
func (d *Daemon) Run(ctx context.Context) error {
	if d.collector != nil {
		d.collector.Start()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.logger.Info("daemon listening", "addr", d.server.Addr)
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		d.watcher.Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("http shutdown", "error", err)
		}
		return nil
	})

	err := g.Wait()
	d.shutdown()
	return err
}

// shutdown stops intake first, then live work, then persistence.
func (d *Daemon) shutdown() {
	d.logger.Info("daemon shutting down")

	// Hub close aborts live supervisors and flushes planning persisters.
	d.hub.Close()

	if d.collector != nil {
		d.collector.Stop()
	}
	if d.telemetry != nil {
		if err := d.telemetry.Close(); err != nil {
			d.logger.Warn("telemetry close", "error", err)
		}
	}
	if err := d.activity.Close(); err != nil {
		d.logger.Warn("activity close", "error", err)
	}
	if n := d.bus.DroppedCount(); n > 0 {
		d.logger.Warn("control events dropped by slow subscribers", "count", n)
	}
	d.bus.Close()
	if err := d.registry.Close(); err != nil {
		d.logger.Warn("registry close", "error", err)
	}
	d.logger.Info("daemon stopped")
}
