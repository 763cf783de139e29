// Quadbot - Macro regime rotation for a leveraged ETF book
//
// Night (after the close):
// 1. Score the four growth/inflation regimes by indicator momentum
// 2. Take the top two, weight their books by volatility, apply leverage
// 3. Drop anything below its EMA, keep the ten largest weights
// 4. Stage the new names as pending entries
//
// Morning (before the open):
// 5. Confirm pending entries are still above their EMA
// 6. Reconcile the account against the target: exits, adjusts, entries
// 7. Protect every filled position with an ATR stop
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

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/quadbot/api"
	"github.com/web3guy0/quadbot/bot"
	"github.com/web3guy0/quadbot/broker"
	"github.com/web3guy0/quadbot/core"
	"github.com/web3guy0/quadbot/feeds"
	"github.com/web3guy0/quadbot/internal/config"
	"github.com/web3guy0/quadbot/ledger"
	"github.com/web3guy0/quadbot/lock"
	"github.com/web3guy0/quadbot/storage"
)

const version = "1.0.0"

func main() {
	var (
		step        = flag.String("step", "", "Run one step and exit: night | morning")
		mode        = flag.String("mode", "once", "once | schedule")
		live        = flag.Bool("live", false, "Place real orders (default: dry-run)")
		brokerKind  = flag.String("broker", "bridge", "bridge | paper")
		port        = flag.Int("port", 0, "Broker port (7497/4002 paper, 7496/4001 live)")
		statusAddr  = flag.String("status-addr", "", "Status API address in schedule mode")
		noTelegram  = flag.Bool("no-telegram", false, "Disable Telegram notifications")
		nightTime   = flag.String("night-time", "", "Night step time HH:MM (overrides NIGHT_TIME)")
		morningTime = flag.String("morning-time", "", "Morning step time HH:MM (overrides MORNING_TIME)")
	)
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// Flag overrides
	if *port > 0 {
		cfg.BrokerPort = *port
		cfg.BrokerURL = ""
	}
	if *statusAddr != "" {
		cfg.StatusAddr = *statusAddr
	}
	if *nightTime != "" {
		cfg.NightTime = *nightTime
	}
	if *morningTime != "" {
		cfg.MorningTime = *morningTime
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	switch *mode {
	case "once":
		if *step != core.StepNight && *step != core.StepMorning {
			log.Fatal().Str("step", *step).Msg("--step must be night or morning")
		}
	case "schedule":
	default:
		log.Fatal().Str("mode", *mode).Msg("--mode must be once or schedule")
	}

	dryRun := !*live
	log.Info().
		Str("version", version).
		Str("mode", *mode).
		Str("step", *step).
		Bool("dry_run", dryRun).
		Msg("📈 Quadbot starting...")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down...")
		cancel()
	}()

	// ====== STATE ======

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("Failed to create data dir")
	}

	var db *storage.Database
	var mirror ledger.Mirror
	if cfg.DatabasePath != "" {
		db, err = storage.New(cfg.DatabasePath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize database")
		}
		defer db.Close()
		mirror = db
	}

	journal := ledger.NewJournal(cfg.TradeLog, cfg.RejectionLog, mirror)
	positions, err := ledger.OpenPositions(cfg.PositionsFile, journal)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open position ledger")
	}
	pending := ledger.NewPending(cfg.PendingFile, journal)

	// ====== COLLABORATORS ======

	feed := feeds.NewHistoryFeed(feeds.NewCSVHistory(cfg.HistoryDir), cfg.Signals)

	gateway, err := newGateway(cfg, *brokerKind, *live)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create broker gateway")
	}

	locker, err := newLocker(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create cycle lock")
	}

	var notifier bot.Notifier = bot.Nop{}
	var telegram *bot.TelegramBot
	if !*noTelegram && cfg.TelegramToken != "" {
		telegram, err = bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID, nil)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Telegram disabled")
		} else {
			notifier = telegram
		}
	}

	engine := core.NewEngine(core.Config{
		Books:       cfg.Books,
		Multipliers: cfg.Multipliers,
		Allocation:  cfg.Allocation,
		Execution:   cfg.Execution(),
		DryRun:      dryRun,
	}, core.Deps{
		Feed:      feed,
		Gateway:   gateway,
		Pending:   pending,
		Positions: positions,
		Lock:      locker,
		Notifier:  notifier,
		DB:        db,
	})

	// ====== RUN ======

	if *mode == "once" {
		if err := engine.RunStep(ctx, *step); err != nil {
			log.Error().Err(err).Str("step", *step).Msg("❌ Step failed")
			os.Exit(1)
		}
		return
	}

	if telegram != nil {
		telegram.SetStatus(engine)
		telegram.Start()
		defer telegram.Stop()
	}

	server := api.NewServer(cfg.StatusAddr, engine, db)
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Status API stopped")
		}
	}()

	night, _ := config.ParseClock(cfg.NightTime)
	morning, _ := config.ParseClock(cfg.MorningTime)
	scheduler := core.NewScheduler(engine, night, morning, cfg.Location())

	log.Info().
		Str("night", cfg.NightTime).
		Str("morning", cfg.MorningTime).
		Str("tz", cfg.Timezone).
		Msg("⏰ Scheduled mode")

	if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Scheduler stopped")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Status API shutdown")
	}

	log.Info().Msg("👋 Goodbye!")
}

// newGateway selects the bridge (guarded by the circuit breaker) or the
// in-memory paper broker
func newGateway(cfg *config.Config, kind string, live bool) (broker.Gateway, error) {
	switch kind {
	case "paper":
		log.Info().Str("equity", cfg.PaperEquity.String()).Msg("📝 In-memory paper broker")
		return broker.NewPaper(cfg.PaperEquity, 5), nil
	case "bridge":
	default:
		return nil, fmt.Errorf("unknown broker %q (want bridge or paper)", kind)
	}

	if cfg.BrokerURL == "" {
		switch paper := config.IsPaperPort(cfg.BrokerPort); {
		case live && paper:
			log.Warn().Int("port", cfg.BrokerPort).Msg("⚠️ --live against a paper port: orders go to the paper account")
		case !live && !paper:
			log.Warn().Int("port", cfg.BrokerPort).Msg("⚠️ Live port in dry-run: reads are live, orders are simulated")
		}
	}

	endpoint := cfg.BrokerEndpoint()
	log.Info().Str("endpoint", endpoint).Msg("🔌 Broker bridge")

	breaker := broker.NewCircuitBreaker(cfg.BrokerMaxFailures, time.Minute)
	return broker.NewGuarded(broker.NewHTTPGateway(endpoint, cfg.BrokerTimeout), breaker, cfg.BrokerRetries, 2*time.Second), nil
}

// newLocker uses Redis when REDIS_ADDR is set, else a lock file
func newLocker(ctx context.Context, cfg *config.Config) (lock.Locker, error) {
	if cfg.RedisAddr == "" {
		return lock.NewFile(cfg.LockFile, cfg.LockTTL), nil
	}
	client, err := lock.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		return nil, err
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("🔒 Redis cycle lock")
	return lock.NewRedis(client, lock.KeyCycleLock, cfg.LockTTL), nil
}
