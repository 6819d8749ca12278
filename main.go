package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"dhan-trading-bot/config"
	"dhan-trading-bot/internal/api"
	"dhan-trading-bot/internal/bot"
	"dhan-trading-bot/internal/broker"
	"dhan-trading-bot/internal/clock"
	"dhan-trading-bot/internal/database"
	"dhan-trading-bot/internal/events"
	"dhan-trading-bot/internal/logging"
	"dhan-trading-bot/internal/market"
	"dhan-trading-bot/internal/marketdata"
	"dhan-trading-bot/internal/position"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	zlog := zerolog.New(os.Stdout).With().Timestamp().Logger()

	clk := clock.Real{}

	eventBus := events.NewEventBus(clk)
	logger.Info("Event bus initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Trade journal, if PostgreSQL is configured
	var journal *database.Journal
	var db *database.DB
	if cfg.DatabaseConfig.Enabled {
		db, err = database.NewDB(ctx, cfg.DatabaseConfig.ConnString(), logger)
		if err != nil {
			logger.Fatal("Database connection failed", "error", err.Error())
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			logger.Fatal("Database migration failed", "error", err.Error())
		}
		journal = database.NewJournal(db, logger)
		journal.Subscribe(eventBus)
		logger.Info("Trade journal enabled")
	}

	// Position snapshot store, if Redis is configured
	var snapshots position.SnapshotStore
	if cfg.RedisConfig.Enabled {
		store, err := database.NewRedisStateStore(ctx,
			cfg.RedisConfig.Address, cfg.RedisConfig.Password,
			cfg.RedisConfig.DB, cfg.RedisConfig.PoolSize, logger)
		if err != nil {
			logger.Fatal("Redis connection failed", "error", err.Error())
		}
		defer store.Close()
		snapshots = store
	}

	// Broker: real order placement, or a local fill simulator
	var brk broker.Broker
	var sink bot.TickSink
	if cfg.DhanConfig.PaperMode {
		paper := broker.NewPaper(cfg.TradingConfig.PaperBalance, time.Now, zlog)
		brk = paper
		sink = paper
		logger.Info("Paper trading mode", "balance", cfg.TradingConfig.PaperBalance)
	} else {
		brk = broker.NewDhan(cfg.DhanConfig.AccessToken, cfg.DhanConfig.ClientID,
			cfg.DhanConfig.BaseURL, broker.DefaultRetryPolicy(zlog), zlog)
		logger.Info("Live trading mode", "base_url", cfg.DhanConfig.BaseURL)
	}

	manager := position.NewManager(position.Config{
		RiskFraction:  cfg.RiskConfig.RiskFraction,
		MaxStopFrac:   cfg.RiskConfig.MaxStopFrac,
		LotSize:       cfg.RiskConfig.LotSize,
		Milestones:    milestones(cfg.RiskConfig.Milestones),
		OrderCooldown: cfg.OrderCooldownDuration(),
		TrailSwitchR:  cfg.RiskConfig.TrailSwitchR,
		SessionCutoff: cfg.SessionCutoffOffset(),
		Location:      cfg.SessionLocation(),
		TickSize:      cfg.TradingConfig.TickSize,
	}, brk, clk, eventBus, snapshots, logger)

	engine := bot.NewEngine(cfg.TradingConfig.Symbols, cfg.TradingConfig.TickSize,
		cfg.TradingConfig.CandleRetention, manager, brk, eventBus, clk, sink, logger)

	// Adopt any position that survived a restart before taking new ticks
	if err := manager.Restore(ctx); err != nil {
		logger.Error("Position restore failed", "error", err.Error())
	}

	// Seed the pipelines from recent history so zones and sweep references
	// exist at go-live. Paper sessions and a zero window start cold.
	if !cfg.DhanConfig.PaperMode && cfg.FeedConfig.BootstrapMinutes > 0 {
		bootstrapPipelines(ctx, cfg, engine, logger)
	}

	feed := marketdata.NewWebsocketFeed(
		cfg.FeedConfig.WebsocketURL,
		cfg.TradingConfig.Symbols,
		time.Duration(cfg.FeedConfig.ReconnectDelay)*time.Second,
		time.Duration(cfg.FeedConfig.PingInterval)*time.Second,
		func(t bot.Tick) {
			if err := engine.OnTick(t); err != nil {
				logger.Warn("Tick rejected", "symbol", t.Symbol, "error", err.Error())
			}
		},
		logger,
	)
	if err := feed.Start(); err != nil {
		logger.Fatal("Market data feed failed to start", "error", err.Error())
	}
	defer feed.Stop()

	// Periodic broker reconciliation
	go func() {
		interval := time.Duration(cfg.TradingConfig.ReconcileInterval) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := engine.Reconcile(); err != nil {
					logger.Error("Reconciliation failed", "error", err.Error())
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	server := api.NewServer(api.ServerConfig{
		Host:           cfg.ServerConfig.Host,
		Port:           cfg.ServerConfig.Port,
		AllowedOrigins: []string{cfg.ServerConfig.AllowedOrigins},
		ReadTimeout:    time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
		ProductionMode: true,
	}, engine, journal, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("HTTP server failed", "error", err.Error())
		}
	}()

	eventBus.PublishBotStarted(cfg.TradingConfig.Symbols)
	logger.Info("Trading engine running",
		"symbols", len(cfg.TradingConfig.Symbols),
		"paper_mode", cfg.DhanConfig.PaperMode)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutdown signal received", "signal", sig.String())

	cancel()
	feed.Stop()
	eventBus.PublishBotStopped()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err.Error())
	}

	logger.Info("Shutdown complete")
}

// bootstrapPipelines fetches recent 1m candles for every symbol and feeds
// them through the engine's historical path. A fetch failure degrades to a
// cold start for that symbol rather than blocking the session.
func bootstrapPipelines(ctx context.Context, cfg *config.Config, engine *bot.Engine, logger *logging.Logger) {
	hist := marketdata.NewHistoryClient(cfg.DhanConfig.BaseURL,
		cfg.DhanConfig.AccessToken, cfg.DhanConfig.ClientID, logger)

	to := time.Now()
	from := to.Add(-time.Duration(cfg.FeedConfig.BootstrapMinutes) * time.Minute)

	candles := make(map[string][]market.Candle, len(cfg.TradingConfig.Symbols))
	for _, s := range cfg.TradingConfig.Symbols {
		fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		got, err := hist.MinuteCandles(fetchCtx, s, from, to)
		cancel()
		if err != nil {
			logger.Warn("History fetch failed, starting symbol cold", "symbol", s, "error", err.Error())
			continue
		}
		candles[s] = got
	}
	if err := engine.Bootstrap(candles); err != nil {
		logger.Warn("Bootstrap failed, starting cold", "error", err.Error())
	}
}

func milestones(in []config.MilestoneConfig) []position.Milestone {
	out := make([]position.Milestone, len(in))
	for i, m := range in {
		out[i] = position.Milestone{MoveFrac: m.MoveFrac, RewardRisk: m.RewardRisk}
	}
	return out
}
