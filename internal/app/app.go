// Package app wires the coordinator, its transports and the HTTP surface
// from a loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"lockstep/server/internal/config"
	"lockstep/server/internal/consistency"
	"lockstep/server/internal/coordinator"
	"lockstep/server/internal/demo"
	servernet "lockstep/server/internal/net"
	"lockstep/server/internal/net/ws"
	"lockstep/server/internal/session"
	"lockstep/server/internal/telemetry"
	"lockstep/server/internal/world"
	"lockstep/server/logging"
	loggingSinks "lockstep/server/logging/sinks"
)

const shutdownTimeout = 5 * time.Second

// Run serves until ctx ends. The startup session (hosted or joined) is
// begun once the listener is up.
func Run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	appLogger := telemetry.WrapZerolog(logger, "app")

	metricsTable := &logging.Metrics{}
	metrics := telemetry.WrapMetrics(metricsTable)

	router, err := newRouter(cfg, logger, metricsTable)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			appLogger.Printf("failed to close logging router: %v", cerr)
		}
		for _, sink := range router.Stats().Sinks {
			if sink.Failed > 0 || sink.Dropped > 0 {
				appLogger.Printf("event sink %s: written=%d failed=%d dropped=%d", sink.Name, sink.Written, sink.Failed, sink.Dropped)
			}
		}
	}()

	manifest, err := consistency.LoadManifest(cfg.Manifest)
	if err != nil {
		return err
	}

	host := ws.NewHost(ws.HostConfig{
		Logger:  telemetry.WrapZerolog(logger, "ws"),
		Metrics: metrics,
	})
	defer host.Close()

	var master session.Lister
	if cfg.Discovery.Master != "" {
		master = servernet.MasterLister{URL: cfg.Discovery.Master}
	}
	enumerator := session.NewEnumerator(session.EnumeratorConfig{
		LAN:          cfg.Discovery.LAN,
		Master:       master,
		Prober:       servernet.HTTPProber{},
		ProbeTimeout: cfg.Discovery.ProbeTimeout,
		Concurrency:  cfg.Discovery.Concurrency,
		Logger:       telemetry.WrapZerolog(logger, "discovery"),
	})

	coord := coordinator.New(cfg.Coordinator(manifest.Items, manifest.Mod, manifest.GameType), coordinator.Deps{
		Host: host,
		Connector: ws.Connector{
			Logger:  telemetry.WrapZerolog(logger, "ws-client"),
			Metrics: metrics,
		},
		World:      world.NewArena(cfg.WorldRoot, cfg.Quantum),
		Hasher:     consistency.NewFileHasher(cfg.ContentRoot),
		Demos:      demo.NewDirStore(cfg.DemoDir),
		Enumerator: enumerator,
		Logger:     telemetry.WrapZerolog(logger, "coordinator"),
		Metrics:    metrics,
		Publisher:  router,
	})

	handler := servernet.NewHTTPHandler(coord, servernet.HTTPHandlerConfig{
		Websocket:     host.Handle,
		GraphWindow:   cfg.Stability.Window,
		Logger:        telemetry.WrapZerolog(logger, "http"),
		Observability: cfg.Observability,
	})
	srv := &http.Server{Addr: cfg.Listen, Handler: handler}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		appLogger.Printf("server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		// Run only returns once groupCtx ends.
		coord.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		if err := startSession(groupCtx, cfg, coord); err != nil {
			return err
		}
		appLogger.Printf("%s session started", cfg.Mode)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Printf("http shutdown: %v", err)
		}
		enumerator.Stop()
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}
	appLogger.Printf("server stopped: %s", metricsSummary(metricsTable))
	return nil
}

func startSession(ctx context.Context, cfg *config.Config, coord *coordinator.Coordinator) error {
	switch cfg.Mode {
	case config.ModeHost:
		return coord.HostSession(ctx, coordinator.HostOptions{
			Name:              cfg.Session.Name,
			World:             cfg.Session.World,
			SpawnFlags:        cfg.Session.SpawnFlags,
			MaxPlayers:        cfg.Session.MaxPlayers,
			WaitForAllPlayers: cfg.Session.WaitForAll,
		})
	case config.ModeJoin:
		if err := coord.JoinSession(ctx, session.NewDescriptor(cfg.Join.Address), cfg.Join.LocalPlayers); err != nil {
			return err
		}
		for _, name := range cfg.Join.Players {
			if _, err := coord.AddPlayer(coordinator.Character{Name: name}); err != nil {
				return fmt.Errorf("add player %s: %w", name, err)
			}
		}
	}
	return nil
}

func newRouter(cfg *config.Config, logger zerolog.Logger, metrics *logging.Metrics) (*logging.Router, error) {
	logConfig := logging.DefaultConfig()
	logConfig.EnabledSinks = cfg.Log.Sinks
	if severity, ok := logging.ParseSeverity(cfg.Log.Level); ok {
		logConfig.MinimumSeverity = severity
	}
	if cfg.Log.EventsFile != "" && !logConfig.HasSink("json") {
		logConfig.EnabledSinks = append(logConfig.EnabledSinks, "json")
	}
	logConfig.JSON.FilePath = cfg.Log.EventsFile

	var named []logging.NamedSink
	if logConfig.HasSink("console") {
		named = append(named, logging.NamedSink{Name: "console", Sink: loggingSinks.NewConsoleSink(os.Stdout, logConfig.Console)})
	}
	if logConfig.HasSink("zerolog") {
		named = append(named, logging.NamedSink{Name: "zerolog", Sink: loggingSinks.NewZerolog(logger.With().Str("module", "events").Logger())})
	}
	if logConfig.HasSink("json") {
		// MultiWriter hides Close so stdout stays open after the sink closes.
		var w io.Writer = io.MultiWriter(os.Stdout)
		if logConfig.JSON.FilePath != "" {
			file, err := os.OpenFile(logConfig.JSON.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open events file: %w", err)
			}
			w = file
		}
		named = append(named, logging.NamedSink{Name: "json", Sink: loggingSinks.NewJSON(w, logConfig.JSON.FlushInterval)})
	}

	router, err := logging.NewRouter(logging.SystemClock{}, logConfig, metrics, named)
	if err != nil {
		return nil, fmt.Errorf("failed to construct logging router: %w", err)
	}
	return router, nil
}

func metricsSummary(metrics *logging.Metrics) string {
	snapshot := metrics.Snapshot()
	return fmt.Sprintf("ticks=%d events=%d dropped=%d", snapshot["tick_driver_processed_total"], snapshot["logging_events_total"], snapshot["logging_dropped_total"])
}
