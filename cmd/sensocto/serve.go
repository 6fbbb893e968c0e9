package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sensocto/sensocto-go/internal/attention"
	"github.com/sensocto/sensocto-go/internal/bio"
	"github.com/sensocto/sensocto-go/internal/bus"
	"github.com/sensocto/sensocto-go/internal/catalog"
	"github.com/sensocto/sensocto-go/internal/config"
	"github.com/sensocto/sensocto-go/internal/fabric"
	"github.com/sensocto/sensocto-go/internal/gateway"
	"github.com/sensocto/sensocto-go/internal/logging"
	"github.com/sensocto/sensocto-go/internal/room"
	"github.com/sensocto/sensocto-go/internal/sensor"
	"github.com/sensocto/sensocto-go/internal/sysload"
)

const serverShutdownTimeout = 10 * time.Second

func runServer() int {
	// Baseline logger for early startup; reconfigured once config is loaded.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "sensocto"})

	envFile, _ := rootCmd.PersistentFlags().GetString("env-file")
	cfg, err := config.Load(envFile)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return exitRuntime
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "sensocto"})

	if watcher, err := config.NewWatcher(cfg); err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable, env changes need a restart")
	} else if watcher != nil {
		watcher.Start()
		defer watcher.Stop()
	}

	log.Info().Str("node", cfg.NodeName).Str("version", Version).Msg("Starting Sensocto node")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startMetricsServer(ctx, cfg.MetricsAddr)

	// Infrastructure: the bus and the persistence stores everything else uses.
	eventBus := bus.New()
	defer eventBus.Close()

	var catalogStore *catalog.Store
	if store, err := catalog.NewStore(cfg.CatalogDBPath); err != nil {
		log.Warn().Err(err).Msg("Catalog unavailable, running without sensor identity persistence")
	} else {
		catalogStore = store
		defer catalogStore.Close()
	}

	var snapshots *room.SnapshotStore
	if store, err := room.NewSnapshotStore(cfg.SnapshotDBPath); err != nil {
		log.Warn().Err(err).Msg("Snapshot store unavailable, rooms will not survive restarts")
	} else {
		snapshots = store
		defer snapshots.Close()
	}

	registry := fabric.NewRegistry(map[fabric.Namespace]int{
		fabric.NamespaceSensor: cfg.MaxSensorsPerNode,
	})

	// Registries: attention coordination and load sampling.
	attnReg := attention.NewRegistry(eventBus, nil, nil)

	// Domain: the adaptive engine and the ingestion pipeline. The engine lists
	// sensors through a closure because the pipeline is built one line later.
	var pipe *sensor.Pipeline
	engine := bio.NewEngine(eventBus, attnReg, func() []string {
		if pipe == nil {
			return nil
		}
		return pipe.Sensors()
	})

	monitor := sysload.NewMonitor(sysload.Config{MailboxHighWater: cfg.MailboxHighWater},
		eventBus, registry.MaxMailboxDepth, engine.Homeostat, engine)

	var catalogWriter sensor.CatalogWriter
	if catalogStore != nil {
		catalogWriter = catalogStore
	}
	pipe = sensor.NewPipeline(sensor.PipelineConfig{
		MaxSensors:   cfg.MaxSensorsPerNode,
		BaseWindowMs: cfg.BaseWindowMs,
		OfflineGrace: cfg.OfflineGrace,
	}, eventBus, registry, attnReg, engine, catalogWriter)

	// Close the loop: attention folds the adaptive factors and load multiplier
	// into every batch window.
	attnReg.SetProviders(engine, monitor)

	rooms := room.NewManager(cfg.NodeName, eventBus, registry, snapshots)

	tree := fabric.NewTree(ctx)
	tree.Add(fabric.DomainRegistries, superviseService("attention-registry", fabric.DomainRegistries, attnReg.Run))
	tree.Add(fabric.DomainRegistries, superviseService("load-monitor", fabric.DomainRegistries, monitor.Run))
	tree.Add(fabric.DomainStorage, fabric.Service{Name: "room-manager", Start: rooms.Start, Stop: rooms.Stop})
	tree.Add(fabric.DomainDomain, fabric.Service{Name: "sensor-pipeline", Start: pipe.Start, Stop: pipe.Stop})
	// Each adaptive component is its own worker so one crashing never takes
	// the others down; its factor just reads neutral until restart.
	tree.Add(fabric.DomainDomain, superviseService("bio-predictor", fabric.DomainDomain, engine.Predictor.Run))
	tree.Add(fabric.DomainDomain, superviseService("bio-homeostat", fabric.DomainDomain, engine.Homeostat.Run))
	tree.Add(fabric.DomainDomain, superviseService("bio-arbiter", fabric.DomainDomain, engine.Arbiter.Run))
	tree.Add(fabric.DomainDomain, superviseService("bio-circadian", fabric.DomainDomain, engine.Circadian.Run))

	if err := tree.Start(); err != nil {
		log.Error().Err(err).Msg("Supervision tree failed to start")
		return exitRuntime
	}
	defer tree.Stop()

	if snapshots != nil {
		go pruneSnapshots(ctx, snapshots, cfg.SnapshotRetention)
	}

	gw := gateway.New(gateway.Config{
		Node:      cfg.NodeName,
		Pipeline:  pipe,
		Attention: attnReg,
		Rooms:     rooms,
		Catalog:   catalogStore,
		EventBus:  eventBus,
		Load:      monitor,
	})

	mux := http.NewServeMux()
	gw.Routes(mux)
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  0, // WebSocket connections are long-lived
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			log.Info().Msg("Signal received, shutting down")
		case <-gw.ShutdownRequested():
			log.Info().Msg("Admin shutdown requested")
		}
		// Drain first so reconnecting producers land on healthy nodes, then
		// close the listener and every live socket.
		gw.SetDraining(true)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	gw.CloseAll()
	if err != nil {
		log.Error().Err(err).Msg("Gateway stopped unexpectedly")
		return exitRuntime
	}

	log.Info().Msg("Sensocto node stopped")
	return exitOK
}

// superviseService adapts a long-running worker into a tree service.
func superviseService(name string, domain fabric.Domain, worker fabric.Worker) fabric.Service {
	var sup *fabric.Supervisor
	return fabric.Service{
		Name: name,
		Start: func(ctx context.Context) error {
			sup = fabric.Supervise(ctx, name, string(domain), worker, nil)
			return nil
		},
		Stop: func() {
			if sup != nil {
				sup.Stop()
			}
		},
	}
}

// pruneSnapshots trims old room snapshots once a day.
func pruneSnapshots(ctx context.Context, store *room.SnapshotStore, retention time.Duration) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Prune(retention); err != nil {
				log.Warn().Err(err).Msg("Snapshot prune failed")
			}
		}
	}
}
