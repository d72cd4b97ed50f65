package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sebastiankruger/cell-sequencer/internal/api"
	"github.com/sebastiankruger/cell-sequencer/internal/cell"
	"github.com/sebastiankruger/cell-sequencer/internal/checkpoint"
	"github.com/sebastiankruger/cell-sequencer/internal/config"
	"github.com/sebastiankruger/cell-sequencer/internal/cyclelog"
	"github.com/sebastiankruger/cell-sequencer/internal/erp"
	"github.com/sebastiankruger/cell-sequencer/internal/health"
	"github.com/sebastiankruger/cell-sequencer/internal/robot"
	"github.com/sebastiankruger/cell-sequencer/internal/waypoint"
)

const (
	startupGrace    = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

func (a *app) run(cmd *cobra.Command) error {
	cfg, err := a.load()
	if err != nil {
		return err
	}

	log.Info().
		Str("name", cfg.CellName).
		Str("robot", cfg.RobotAddress).
		Int("opcua_port", cfg.OPCUAPort).
		Int("health_port", cfg.HealthPort).
		Dur("tick", cfg.TickInterval).
		Bool("resume", cfg.Resume).
		Msg("Configuration loaded")

	// Setup context with signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	profile, err := loadProfile(cfg.WaypointFile)
	if err != nil {
		return err
	}

	runtimeConfig := config.NewRuntimeConfig(cfg)
	clock := cell.NewScaledClock(runtimeConfig)

	simCfg := robot.DefaultSimConfig()
	simCfg.Runtime = runtimeConfig
	arm, err := robot.Dial(ctx, cfg.RobotAddress, simCfg,
		robot.WithClock(clock.Now),
		robot.WithSleep(clock.Sleep),
	)
	if err != nil {
		return err
	}
	defer arm.Close() //nolint:errcheck

	store, err := checkpoint.Open(ctx, cfg.CheckpointDB, cfg.CellName)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	sink, err := openSinks(cfg, store)
	if err != nil {
		return err
	}
	defer sink.Close() //nolint:errcheck

	opts := cell.Options{
		Config:  *cfg,
		Runtime: runtimeConfig,
		Profile: profile,
		Arm:     arm,
		Clock:   clock,
		Store:   store,
		Sink:    sink,
	}
	if erpClient := erp.NewClient(cfg); erpClient != nil {
		log.Info().Str("endpoint", cfg.ERPEndpoint).Msg("Reporting cycles to ERP")
		opts.Reporter = erpClient
		defer erpClient.Close()
	}

	runner, err := cell.NewRunner(opts)
	if err != nil {
		return err
	}

	// Start OPC UA server
	if err := runner.SetupOPCUA(cfg.OPCUAPort, cfg.PKIDir); err != nil {
		return fmt.Errorf("setup OPC UA: %w", err)
	}
	if err := runner.StartOPCUA(ctx); err != nil {
		return fmt.Errorf("start OPC UA: %w", err)
	}

	// Start HTTP server (health + API)
	healthHandler := health.NewHandler(startupGrace)
	healthHandler.AddCheck("opcua_server", runner.OPCUAReady, "running", "not_running")
	healthHandler.AddCheck("robot", runner.Connected, "connected", "disconnected")
	healthHandler.AddCheck("engine", func() bool { return !runner.Faulted() }, "ok", "faulted")

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler.HandleHealth)
	mux.HandleFunc("/health/live", healthHandler.HandleLive)
	mux.HandleFunc("/health/ready", healthHandler.HandleReady)
	api.NewHandler(runner).Register(mux)

	healthServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HealthPort),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.HealthPort).Msg("Starting HTTP server (health + API)")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	runErr := runner.Start(ctx)
	if runErr == nil {
		runErr = runner.Run(ctx)
	}
	if runErr != nil {
		log.Error().Err(runErr).Msg("Cell stopped with fault")
	}

	log.Info().Msg("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error shutting down HTTP server")
	}
	if err := runner.StopOPCUA(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping OPC UA server")
	}

	counters := runner.CycleState().Counters
	log.Info().
		Int("cycles", counters.Cycles).
		Int("picks", counters.Picks).
		Str("phase", runner.CycleState().Phase.String()).
		Msg("Cell sequencer stopped")
	return runErr
}

func loadProfile(path string) (*waypoint.Profile, error) {
	if path == "" {
		log.Info().Msg("Using built-in waypoint profile")
		return waypoint.DefaultProfile()
	}
	p, err := waypoint.LoadProfile(path)
	if err != nil {
		return nil, err
	}
	log.Info().Str("file", path).Str("profile", p.Name).Msg("Waypoint profile loaded")
	return p, nil
}

func openSinks(cfg *config.Config, store *checkpoint.Store) (cyclelog.Multi, error) {
	sinks := cyclelog.Multi{
		cyclelog.NewStoreSink(store),
		cyclelog.NewLogSink(log.With().Str("cell", cfg.CellName).Logger()),
	}
	if cfg.CycleLogCSV != "" {
		csvSink, err := cyclelog.OpenCSV(cfg.CycleLogCSV)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, csvSink)
	}
	return sinks, nil
}
