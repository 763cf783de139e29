package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/quadbot/execution"
	"github.com/web3guy0/quadbot/feeds"
	"github.com/web3guy0/quadbot/strategy"
	"github.com/web3guy0/quadbot/types"
)

// Broker ports of the local gateway
const (
	PortTWSLive      = 7496
	PortTWSPaper     = 7497
	PortGatewayLive  = 4001
	PortGatewayPaper = 4002
)

// Config holds all configuration for the bot
type Config struct {
	// Mode
	Debug bool

	// Signals
	Signals feeds.Params

	// Regimes & allocation
	Books       strategy.Books
	Multipliers strategy.Multipliers
	Allocation  strategy.AllocationConfig

	// Execution
	RebalanceThreshold float64
	QtyPrecision       int32
	IgnoreTickers      []string
	FillTimeout        time.Duration

	// Files
	DataDir       string
	PendingFile   string
	PositionsFile string
	TradeLog      string
	RejectionLog  string
	HistoryDir    string
	LockFile      string

	// Broker
	BrokerURL         string
	BrokerHost        string
	BrokerPort        int
	BrokerTimeout     time.Duration
	BrokerMaxFailures int
	BrokerRetries     int
	PaperEquity       decimal.Decimal

	// Lock
	RedisAddr     string
	RedisPassword string
	LockTTL       time.Duration

	// Telegram
	TelegramToken  string
	TelegramChatID string

	// Schedule
	NightTime   string
	MorningTime string
	Timezone    string
	StatusAddr  string

	// Database
	DatabasePath string
}

// Load reads the configuration from the environment
func Load() (*Config, error) {
	dataDir := getEnv("DATA_DIR", "data")
	inData := func(key, name string) string {
		return getEnv(key, filepath.Join(dataDir, name))
	}

	cfg := &Config{
		Debug: getEnvBool("DEBUG", false),

		Signals: feeds.Params{
			MomentumDays: getEnvInt("MOMENTUM_DAYS", 50),
			EMAPeriod:    getEnvInt("EMA_PERIOD", 50),
			VolLookback:  getEnvInt("VOL_LOOKBACK", 30),
			ATRPeriod:    getEnvInt("ATR_PERIOD", 14),
			MaxStaleness: getEnvDuration("MAX_STALENESS", 5*24*time.Hour),
			Workers:      getEnvInt("FEED_WORKERS", 8),
		},

		Books: strategy.DefaultBooks(),
		Multipliers: strategy.Multipliers{
			PrimaryMult:  getEnvFloat("PRIMARY_MULTIPLIER", 1.5),
			BaselineMult: getEnvFloat("BASELINE_MULTIPLIER", 1.0),
		},
		Allocation: strategy.AllocationConfig{
			MaxPositions: getEnvInt("MAX_POSITIONS", 10),
			ATRStopMult:  getEnvFloat("ATR_STOP_MULT", 2.0),
		},

		RebalanceThreshold: getEnvFloat("REBALANCE_THRESHOLD", 0.05),
		QtyPrecision:       int32(getEnvInt("QTY_PRECISION", 4)),
		IgnoreTickers:      getEnvList("IGNORE_TICKERS", []string{"PLTR"}),
		FillTimeout:        getEnvDuration("FILL_TIMEOUT", 30*time.Second),

		DataDir:       dataDir,
		PendingFile:   inData("PENDING_FILE", "pending_entries.json"),
		PositionsFile: inData("POSITIONS_FILE", "position_state.json"),
		TradeLog:      inData("TRADE_LOG", "trade_log.csv"),
		RejectionLog:  inData("REJECTION_LOG", "rejected_entries.csv"),
		HistoryDir:    inData("HISTORY_DIR", "history"),
		LockFile:      inData("LOCK_FILE", "cycle.lock"),

		BrokerURL:         os.Getenv("BROKER_URL"),
		BrokerHost:        getEnv("BROKER_HOST", "127.0.0.1"),
		BrokerPort:        getEnvInt("BROKER_PORT", PortTWSPaper),
		BrokerTimeout:     getEnvDuration("BROKER_TIMEOUT", 15*time.Second),
		BrokerMaxFailures: getEnvInt("BROKER_MAX_FAILURES", 3),
		BrokerRetries:     getEnvInt("BROKER_RETRIES", 2),
		PaperEquity:       getEnvDecimal("PAPER_EQUITY", decimal.NewFromInt(50000)),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		LockTTL:       getEnvDuration("LOCK_TTL", 30*time.Minute),

		TelegramToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID: os.Getenv("TELEGRAM_CHAT_ID"),

		NightTime:   getEnv("NIGHT_TIME", "16:00"),
		MorningTime: getEnv("MORNING_TIME", "09:29"),
		Timezone:    getEnv("TIMEZONE", "America/New_York"),
		StatusAddr:  getEnv("STATUS_ADDR", ":8090"),

		DatabasePath: os.Getenv("DATABASE_PATH"),
	}

	primary, err := types.ParseRegime(getEnv("PRIMARY_REGIME", "Q1"))
	if err != nil {
		return nil, fmt.Errorf("PRIMARY_REGIME: %w", err)
	}
	cfg.Multipliers.Primary = primary

	if raw := os.Getenv("REGIME_MULTIPLIERS"); raw != "" {
		overrides, err := parseMultipliers(raw)
		if err != nil {
			return nil, fmt.Errorf("REGIME_MULTIPLIERS: %w", err)
		}
		cfg.Multipliers.Overrides = overrides
	}

	for _, r := range types.AllRegimes {
		book := cfg.Books[r]
		book.Assets = getEnvList("REGIME_"+r.String()+"_ASSETS", book.Assets)
		book.Indicators = getEnvList("REGIME_"+r.String()+"_INDICATORS", book.Indicators)
		cfg.Books[r] = book
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects impossible values
func (c *Config) Validate() error {
	p := c.Signals
	if p.MomentumDays < 1 || p.EMAPeriod < 1 || p.VolLookback < 2 || p.ATRPeriod < 1 {
		return fmt.Errorf("indicator periods must be positive (momentum %d, ema %d, vol %d, atr %d)",
			p.MomentumDays, p.EMAPeriod, p.VolLookback, p.ATRPeriod)
	}
	if c.Allocation.MaxPositions < 1 {
		return fmt.Errorf("MAX_POSITIONS must be >= 1, got %d", c.Allocation.MaxPositions)
	}
	if c.Allocation.ATRStopMult <= 0 {
		return fmt.Errorf("ATR_STOP_MULT must be positive, got %v", c.Allocation.ATRStopMult)
	}
	if c.RebalanceThreshold < 0 || c.RebalanceThreshold >= 1 {
		return fmt.Errorf("REBALANCE_THRESHOLD must be in [0,1), got %v", c.RebalanceThreshold)
	}
	if !c.Multipliers.Primary.Valid() {
		return fmt.Errorf("unknown primary regime %v", c.Multipliers.Primary)
	}
	if c.Multipliers.PrimaryMult <= 0 || c.Multipliers.BaselineMult <= 0 {
		return fmt.Errorf("regime multipliers must be positive")
	}
	for r, m := range c.Multipliers.Overrides {
		if m <= 0 {
			return fmt.Errorf("multiplier for %s must be positive, got %v", r, m)
		}
	}
	for _, r := range types.AllRegimes {
		if len(c.Books[r].Assets) == 0 || len(c.Books[r].Indicators) == 0 {
			return fmt.Errorf("regime %s needs assets and indicators", r)
		}
	}
	if _, err := ParseClock(c.NightTime); err != nil {
		return fmt.Errorf("NIGHT_TIME: %w", err)
	}
	if _, err := ParseClock(c.MorningTime); err != nil {
		return fmt.Errorf("MORNING_TIME: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("TIMEZONE: %w", err)
	}
	if !c.PaperEquity.IsPositive() {
		return fmt.Errorf("PAPER_EQUITY must be positive")
	}
	return nil
}

// Execution returns the reconciliation settings
func (c *Config) Execution() execution.Config {
	ignore := make(map[string]bool, len(c.IgnoreTickers))
	for _, t := range c.IgnoreTickers {
		ignore[t] = true
	}
	return execution.Config{
		RebalanceThreshold: c.RebalanceThreshold,
		ATRStopMult:        c.Allocation.ATRStopMult,
		QtyPrecision:       c.QtyPrecision,
		Ignore:             ignore,
		FillTimeout:        c.FillTimeout,
		FillPoll:           time.Second,
	}
}

// BrokerEndpoint is BROKER_URL, or the bridge on BROKER_HOST:port
func (c *Config) BrokerEndpoint() string {
	if c.BrokerURL != "" {
		return c.BrokerURL
	}
	return fmt.Sprintf("http://%s:%d", c.BrokerHost, c.BrokerPort)
}

// IsPaperPort reports whether port is one of the paper endpoints
func IsPaperPort(port int) bool {
	return port == PortTWSPaper || port == PortGatewayPaper
}

// Location returns the schedule time zone
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseClock parses "HH:MM" into an offset from midnight
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// parseMultipliers parses "Q1=1.5,Q2=1.0"
func parseMultipliers(raw string) (map[types.RegimeID]float64, error) {
	out := make(map[types.RegimeID]float64)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("bad entry %q", part)
		}
		r, err := types.ParseRegime(strings.TrimSpace(k))
		if err != nil {
			return nil, err
		}
		m, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("bad multiplier %q: %w", v, err)
		}
		out[r] = m
	}
	return out, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, s := range strings.Split(value, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
