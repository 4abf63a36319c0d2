package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gamma-trading-bot/config"
	"gamma-trading-bot/internal/api"
	"gamma-trading-bot/internal/engine"
	"gamma-trading-bot/internal/events"
	"gamma-trading-bot/internal/feed"
	"gamma-trading-bot/internal/journal"
	"gamma-trading-bot/internal/market"
	"gamma-trading-bot/internal/patterns"
	"gamma-trading-bot/internal/risk"
	sig "gamma-trading-bot/internal/signal"
	"gamma-trading-bot/internal/state"
	"gamma-trading-bot/internal/zones"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := setupLogger(cfg.LoggingConfig)
	logger.Info().
		Strs("symbols", cfg.TradingConfig.Symbols).
		Bool("dry_run", cfg.TradingConfig.DryRun).
		Msg("starting gamma trading bot")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// State store: Redis when configured, in-memory otherwise. The
	// gatekeeper fails closed while Redis is unreachable.
	var store state.Store
	if cfg.RedisConfig.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		store = state.NewRedisStore(client, logger)
	} else {
		logger.Warn().Msg("redis disabled, state will not survive restarts")
		store = state.NewMemoryStore()
	}

	// Trade journal is optional; the bot runs fine without Postgres.
	var jdb *journal.DB
	if cfg.DatabaseConfig.Enabled {
		jdb, err = journal.NewDB(journal.Config{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Database,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
		}, logger)
		if err != nil {
			log.Fatal().Err(err).Msg("journal connection failed")
		}
		defer jdb.Close()
		if err := jdb.RunMigrations(ctx); err != nil {
			log.Fatal().Err(err).Msg("journal migrations failed")
		}
	}

	bus := events.NewEventBus()
	subscribeJournal(bus, jdb, logger)
	subscribeSizing(bus, cfg, logger)

	// One pipeline per instrument, each with its own bar channel so a
	// busy symbol never delays another.
	engines := make(map[string]*engine.Engine, len(cfg.TradingConfig.Symbols))
	barChans := make(map[string]chan market.Bar, len(cfg.TradingConfig.Symbols))
	biasSlots := make(map[string]*state.BiasSlot, len(cfg.TradingConfig.Symbols))
	levelSlots := make(map[string]*state.LevelSlot, len(cfg.TradingConfig.Symbols))

	for _, symbol := range cfg.TradingConfig.Symbols {
		symbol = strings.ToUpper(symbol)

		tracker := patterns.NewTracker(symbol, patterns.Config{
			MinGapPercent: cfg.StrategyConfig.MinGapPercent,
			MaxAge:        time.Duration(cfg.StrategyConfig.GapMaxAgeMinutes) * time.Minute,
		}, logger)

		zoneEng := zones.NewEngine(symbol, zones.Config{
			WidthPercent: cfg.StrategyConfig.ZoneWidthPercent,
			BreachHold:   time.Duration(cfg.StrategyConfig.BreachHoldMinutes) * time.Minute,
		}, logger)

		signals := sig.NewEngine(symbol, sig.Config{
			TP1Percent:        cfg.StrategyConfig.TP1Percent,
			TP1Fraction:       cfg.StrategyConfig.TP1Fraction,
			StopBufferPercent: cfg.StrategyConfig.StopBufferPercent,
			StopCapPercent:    cfg.StrategyConfig.StopCapPercent,
			NoWallTarget:      !cfg.StrategyConfig.TP2IsOppositeWall,
			TimeStop:          time.Duration(cfg.StrategyConfig.TimeStopMinutes) * time.Minute,
			TimeStopMinProfit: cfg.StrategyConfig.TimeStopMinProfitPercent,
		}, logger)

		gate := risk.NewGatekeeper(symbol, risk.Config{
			MaxTradesPerDay:           cfg.RiskConfig.MaxTradesPerDay,
			MaxDailyLossPercent:       cfg.RiskConfig.MaxDailyLossPercent,
			ConsecutiveLossLimit:      cfg.RiskConfig.ConsecutiveLossLimit,
			VolatilityShutdownPercent: cfg.RiskConfig.VolatilityShutdownPercent,
			MaxDataLag:                time.Duration(cfg.RiskConfig.MaxDataLagSeconds) * time.Second,
		}, store, logger)

		biasSlot := &state.BiasSlot{}
		levelSlot := &state.LevelSlot{}

		eng := engine.New(symbol, engine.Config{
			BiasMaxAge: time.Duration(cfg.StrategyConfig.BiasMaxAgeMinutes) * time.Minute,
		}, tracker, zoneEng, signals, gate, store, biasSlot, levelSlot, bus, logger)

		if err := eng.Resume(ctx); err != nil {
			logger.Warn().Err(err).Str("symbol", symbol).Msg("state resume incomplete")
		}

		bars := make(chan market.Bar, 64)
		engines[symbol] = eng
		barChans[symbol] = bars
		biasSlots[symbol] = biasSlot
		levelSlots[symbol] = levelSlot

		go eng.Run(ctx, bars)
	}

	stream := feed.NewStream(cfg.FeedConfig.URL, feed.Handlers{
		OnBar: func(bar market.Bar) {
			symbol := strings.ToUpper(bar.Symbol)
			if ch, ok := barChans[symbol]; ok {
				select {
				case ch <- bar:
				default:
					logger.Warn().Str("symbol", symbol).Msg("bar channel full, dropping bar")
				}
			}
		},
		OnBias: func(b market.Bias) {
			for _, slot := range biasSlots {
				slot.Publish(b)
			}
		},
		OnLevels: func(snap market.LevelSnapshot) {
			symbol := strings.ToUpper(snap.Symbol)
			if slot, ok := levelSlots[symbol]; ok {
				slot.Publish(snap)
			}
		},
	}, logger)

	if err := stream.Start(); err != nil {
		log.Fatal().Err(err).Msg("feed start failed")
	}

	server := api.NewServer(api.ServerConfig{
		Host:           cfg.ServerConfig.Host,
		Port:           cfg.ServerConfig.Port,
		AllowedOrigins: splitOrigins(cfg.ServerConfig.AllowedOrigins),
		ProductionMode: !cfg.LoggingConfig.Pretty,
	}, engines, store, jdb, stream, logger)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutdown signal received")

	stream.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown failed")
	}

	logger.Info().Msg("stopped")
}

// setupLogger configures the process-wide zerolog instance
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	log.Logger = logger
	return logger
}

// subscribeJournal writes closed trades to Postgres off the hot path
func subscribeJournal(bus *events.EventBus, jdb *journal.DB, logger zerolog.Logger) {
	if jdb == nil {
		return
	}
	jlog := logger.With().Str("component", "journal-writer").Logger()

	bus.Subscribe(events.EventTradeClosed, func(ev events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		entry := journal.Entry{
			PositionID:    str(ev.Data["position_id"]),
			Symbol:        str(ev.Data["symbol"]),
			Direction:     str(ev.Data["direction"]),
			Variant:       str(ev.Data["variant"]),
			EntryPrice:    f64(ev.Data["entry_price"]),
			ExitPrice:     f64(ev.Data["exit_price"]),
			StopPrice:     f64(ev.Data["stop_price"]),
			CloseReason:   str(ev.Data["close_reason"]),
			ReturnPercent: f64(ev.Data["return_percent"]),
			ClosedAt:      ev.Timestamp,
		}
		if t, ok := ev.Data["opened_at"].(time.Time); ok {
			entry.OpenedAt = t
		}
		if err := jdb.Insert(ctx, entry); err != nil {
			jlog.Error().Err(err).Str("position", entry.PositionID).Msg("journal write failed")
		}
	})
}

// subscribeSizing logs the suggested order size for every entry signal,
// for the execution collaborator (or the operator in dry-run) to act on
func subscribeSizing(bus *events.EventBus, cfg *config.Config, logger zerolog.Logger) {
	slog := logger.With().Str("component", "sizing").Logger()
	equity := cfg.TradingConfig.Equity
	maxRisk := cfg.RiskConfig.MaxPerTradeRiskPercent

	bus.Subscribe(events.EventSignalGenerated, func(ev events.Event) {
		entry := f64(ev.Data["entry"])
		stop := f64(ev.Data["stop"])
		qty := risk.PositionSize(equity, entry, stop, maxRisk)
		slog.Info().
			Str("symbol", str(ev.Data["symbol"])).
			Str("position", str(ev.Data["position_id"])).
			Float64("entry", entry).
			Float64("stop", stop).
			Float64("quantity", qty).
			Msg("suggested order size")
	})
}

func splitOrigins(s string) []string {
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func f64(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}
