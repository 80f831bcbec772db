// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ManuGH/agentbot/internal/api"
	"github.com/ManuGH/agentbot/internal/audit"
	"github.com/ManuGH/agentbot/internal/backend"
	"github.com/ManuGH/agentbot/internal/bus"
	"github.com/ManuGH/agentbot/internal/config"
	"github.com/ManuGH/agentbot/internal/daemon"
	ablog "github.com/ManuGH/agentbot/internal/log"
	"github.com/ManuGH/agentbot/internal/model"
	"github.com/ManuGH/agentbot/internal/planner"
	"github.com/ManuGH/agentbot/internal/runtime"
	"github.com/ManuGH/agentbot/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var (
	version   = "v0.3.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("agentbot %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if err := run(); err != nil {
		logger := ablog.L()
		logger.Error().Err(err).Msg("daemon exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()
	ablog.Configure(ablog.Config{Level: cfg.LogLevel})
	logger := ablog.WithComponent("main")

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Info().
		Str("version", version).
		Str("store", cfg.StoreBackend).
		Str("bus", cfg.BusBackend).
		Str("backend", cfg.AutomationBackend).
		Msg("starting agentbot")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.StoreBackend, cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	busCfg := bus.Config{
		Capacity:       cfg.BusCapacity,
		PublishTimeout: cfg.BusPublishTimeout,
	}
	if cfg.BusDropNewest {
		busCfg.Overflow = bus.OverflowDropNewest
	}
	var eventBus bus.Bus
	switch cfg.BusBackend {
	case config.BusRedis:
		eventBus, err = bus.NewRedisBus(ctx, bus.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, busCfg)
		if err != nil {
			_ = st.Close()
			return fmt.Errorf("connect redis bus: %w", err)
		}
	default:
		eventBus = bus.NewMemoryBus(busCfg)
	}

	sim := backend.NewSimulator(backend.SimulatorConfig{
		SlotEvery:     cfg.SimSlotEvery,
		LoseRaceRatio: cfg.SimLoseRaceRatio,
		Seed:          int64(cfg.SimSeed),
	})

	plan := planner.New(planner.Config{
		InitialBackoff:          cfg.InitialBackoff,
		MaxBackoff:              cfg.MaxBackoff,
		Multiplier:              cfg.BackoffMultiplier,
		JitterFactor:            cfg.JitterFactor,
		MaxAttempts:             cfg.MaxAttempts,
		UnclassifiedMaxAttempts: cfg.UnclassifiedMaxAttempts,
		ResumeCooldown:          cfg.ResumeCooldown,
	})

	rt := runtime.New(runtime.Config{
		PollInterval:    cfg.PollInterval,
		PollRate:        cfg.PollRate,
		PollBurst:       cfg.PollBurst,
		CodeTimeout:     cfg.CodeTimeout,
		StopTimeout:     cfg.StopTimeout,
		RestartCooldown: cfg.RestartCooldown,
		MaxRestarts:     cfg.MaxRestarts,
		WatchdogTimeout: cfg.WatchdogTimeout,
		ResumeEnabled:   cfg.ResumeCooldown > 0,
	}, runtime.Deps{
		Store:      st,
		Bus:        eventBus,
		Automation: sim,
		Codes:      sim,
		Planner:    plan,
		Auditor:    audit.NewLogger(),
	})

	var seeds []*model.SessionRecord
	if cfg.SessionsFile != "" {
		seeds, err = runtime.LoadSeeds(cfg.SessionsFile)
		if err != nil {
			_ = st.Close()
			return fmt.Errorf("load seeds: %w", err)
		}
	}
	if err := rt.Start(ctx, seeds); err != nil {
		_ = st.Close()
		return fmt.Errorf("start runtime: %w", err)
	}

	apiServer := api.NewServer(rt, api.Config{RateLimit: cfg.APIRateLimit})
	mgr := daemon.NewManager(daemon.Config{
		ListenAddr:      cfg.ListenAddr,
		MetricsAddr:     cfg.MetricsAddr,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, apiServer.Router(), promhttp.Handler())

	// LIFO: runtime drains before the bus and store go away.
	mgr.RegisterShutdownHook("store", func(ctx context.Context) error {
		return st.Close()
	})
	mgr.RegisterShutdownHook("bus", func(ctx context.Context) error {
		return eventBus.Close()
	})
	mgr.RegisterShutdownHook("runtime", func(ctx context.Context) error {
		err := rt.Stop()
		rt.Wait()
		return err
	})

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	if cfg.WatchSessions {
		g.Go(func() error {
			// A broken watcher takes the daemon down through the group
			// context so the operator notices instead of silently losing
			// hot-adds.
			if err := rt.WatchSeeds(gctx, cfg.SessionsFile); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("seed watcher: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return mgr.Start(gctx)
	})
	err = g.Wait()
	logger.Info().Dur("uptime", time.Since(start)).Msg("agentbot stopped")
	return err
}
