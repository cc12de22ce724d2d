package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"predbot/config"
	"predbot/internal/adapters/storage"
	"predbot/internal/adapters/venue"
	"predbot/internal/engine"
	"predbot/internal/ports"
	"predbot/internal/risk"
	"predbot/internal/strategy"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	dryRun := flag.Bool("dry-run", false, "trade against the in-process simulator")
	report := flag.Bool("report", false, "print positions and exposure, then exit")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	ledger, err := storage.NewSQLiteLedger(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open ledger", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer ledger.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *report {
		if err := printReport(ctx, ledger, cfg); err != nil {
			slog.Error("report failed", "err", err)
			os.Exit(1)
		}
		return
	}

	slog.Info("predbot starting",
		"config", *configPath,
		"dry_run", *dryRun,
		"agents", len(cfg.Agents),
		"global_cap", cfg.Risk.GlobalExposureCap,
	)

	var (
		vn     ports.Venue
		data   ports.MarketData
		quotes strategy.QuoteSource
	)
	if *dryRun {
		sim := venue.NewSim(5*time.Second, 0)
		seedSim(sim)
		vn, data, quotes = sim, sim, sim
	} else {
		if cfg.Venue.BaseURL == "" {
			slog.Error("venue.base_url is required outside dry-run")
			os.Exit(1)
		}
		client := venue.NewClient(cfg.Venue.BaseURL)
		vn, data, quotes = client, client, client
	}

	exposure := risk.NewExposureBook(cfg.Risk.GlobalExposureCap, cfg.Risk.AgentExposureCap)
	streaks := risk.NewStreakTracker()
	gate := risk.NewGate(risk.GateConfig{
		GlobalCap:           cfg.Risk.GlobalExposureCap,
		AgentCap:            cfg.Risk.AgentExposureCap,
		LossStreakThreshold: cfg.Risk.LossStreakThreshold,
		LossStreakFactor:    cfg.Risk.LossStreakFactor,
		MinSize:             cfg.Risk.MinOrderSize,
	})

	agents := make([]engine.AgentSpec, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		strat, err := strategy.New(a.Strategy, strategy.Params{
			TargetSize: a.TargetSize,
			MaxEntry:   a.MaxEntry,
			TakeProfit: a.TakeProfit,
		}, quotes)
		if err != nil {
			slog.Error("failed to build strategy", "agent", a.ID, "err", err)
			os.Exit(1)
		}
		agents = append(agents, engine.AgentSpec{
			ID:           a.ID,
			Strategy:     strat,
			MaxPositions: a.MaxPositions,
			Paused:       a.Paused,
		})
	}

	eng := engine.New(engine.Config{
		DiscoverInterval:     cfg.DiscoverInterval(),
		PollInterval:         cfg.PollInterval(),
		MonitorMin:           cfg.MonitorMin(),
		MonitorMax:           cfg.MonitorMax(),
		EntryDeadline:        cfg.EntryDeadline(),
		ExitDeadline:         cfg.ExitDeadline(),
		MaxEntryAttempts:     cfg.Engine.MaxEntryAttempts,
		MaxVenueRetries:      cfg.Engine.MaxVenueRetries,
		ResolutionCheckTicks: cfg.Engine.ResolutionCheckTicks,
		MaxConcurrent:        int64(cfg.Engine.MaxConcurrent),
		HardStopFraction:     cfg.Engine.HardStopFraction,
		AggressiveCross:      cfg.Engine.AggressiveCross,
		RepriceTick:          cfg.Engine.RepriceTick,
		VolatilityThreshold:  cfg.Engine.VolatilityThreshold,
	}, ledger, vn, data, gate, exposure, streaks, agents)

	reconciler := engine.NewReconciler(ledger, vn, exposure, streaks,
		cfg.SweepInterval(), cfg.Engine.WarnAfterSweeps)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return reconciler.Run(ctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("predbot exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("predbot stopped cleanly")
}

// seedSim scripts a small market universe so dry-run has something to trade.
func seedSim(sim *venue.Sim) {
	sim.SetPrice("sim-election", "YES", 0.32)
	sim.SetPrice("sim-election", "NO", 0.68)
	sim.SetPrice("sim-rates", "YES", 0.18)
	sim.SetPrice("sim-rates", "NO", 0.82)
	sim.SetPrice("sim-weather", "YES", 0.55)
	sim.SetDepth("sim-rates", "YES", 25)
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
