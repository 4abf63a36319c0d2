package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	TradingConfig  TradingConfig  `json:"trading"`
	RiskConfig     RiskConfig     `json:"risk"`
	StrategyConfig StrategyConfig `json:"strategy"`
	FeedConfig     FeedConfig     `json:"feed"`
	RedisConfig    RedisConfig    `json:"redis"`
	DatabaseConfig DatabaseConfig `json:"database"`
	ServerConfig   ServerConfig   `json:"server"`
	LoggingConfig  LoggingConfig  `json:"logging"`
}

// TradingConfig holds instrument and mode settings
type TradingConfig struct {
	Symbols []string `json:"symbols"` // e.g. ["SPY", "QQQ"]
	DryRun  bool     `json:"dry_run"` // Paper mode, no broker orders
	Equity  float64  `json:"equity"`  // Account equity used for sizing suggestions
}

// RiskConfig holds the gatekeeper limits. All limits are validated at
// startup; the process refuses to start with non-positive limits or
// inverted bounds.
type RiskConfig struct {
	MaxTradesPerDay           int     `json:"max_trades_per_day"`
	MaxDailyLossPercent       float64 `json:"max_daily_loss_percent"`
	MaxPerTradeRiskPercent    float64 `json:"max_per_trade_risk_percent"`
	ConsecutiveLossLimit      int     `json:"consecutive_loss_limit"`
	VolatilityShutdownPercent float64 `json:"volatility_shutdown_percent"` // Intraday VIX move that halts trading
	MaxDataLagSeconds         int     `json:"max_data_lag_seconds"`
}

// StrategyConfig holds the zone and position management parameters
type StrategyConfig struct {
	ZoneWidthPercent         float64 `json:"zone_width_percent"`           // Zone half-width as % of reference price
	BreachHoldMinutes        int     `json:"breach_hold_minutes"`          // Bar-time a breach must hold to break a wall
	MinGapPercent            float64 `json:"min_gap_percent"`              // Minimum gap size as % of middle bar close
	GapMaxAgeMinutes         int     `json:"gap_max_age_minutes"`          // Prune gaps older than this (bar-time)
	TP1Percent               float64 `json:"tp1_percent"`                  // First target distance from entry
	TP1Fraction              float64 `json:"tp1_fraction"`                 // Fraction of size closed at TP1
	TP2IsOppositeWall        bool    `json:"tp2_is_opposite_wall"`         // TP2 at opposing structural level
	TimeStopMinutes          int     `json:"time_stop_minutes"`            // Close if stalled after this long
	TimeStopMinProfitPercent float64 `json:"time_stop_min_profit_percent"` // Unrealized gain below this is "stalled"
	StopBufferPercent        float64 `json:"stop_buffer_percent"`          // Buffer past the sweep extreme
	StopCapPercent           float64 `json:"stop_cap_percent"`             // Max stop distance from entry
	BiasMaxAgeMinutes        int     `json:"bias_max_age_minutes"`         // Bias older than this is treated as neutral
}

// FeedConfig holds the bar stream connection settings
type FeedConfig struct {
	URL      string `json:"url"`
	Interval string `json:"interval"` // e.g. "1m"
}

// RedisConfig holds the state store connection settings
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// DatabaseConfig holds the Postgres trade journal settings
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// ServerConfig holds the HTTP status server settings
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // Console writer instead of JSON
}

func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.RiskConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid risk config: %w", err)
	}
	if err := cfg.StrategyConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid strategy config: %w", err)
	}

	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if symbols := os.Getenv("SYMBOLS"); symbols != "" {
		cfg.TradingConfig.Symbols = strings.Split(symbols, ",")
	}
	cfg.TradingConfig.DryRun = getEnvOrDefault("TRADING_DRY_RUN", "true") == "true"
	cfg.TradingConfig.Equity = getEnvFloatOrDefault("TRADING_EQUITY", cfg.TradingConfig.Equity)

	cfg.RiskConfig.MaxTradesPerDay = getEnvIntOrDefault("MAX_TRADES_PER_DAY", cfg.RiskConfig.MaxTradesPerDay)
	cfg.RiskConfig.MaxDailyLossPercent = getEnvFloatOrDefault("MAX_DAILY_LOSS_PERCENT", cfg.RiskConfig.MaxDailyLossPercent)
	cfg.RiskConfig.MaxPerTradeRiskPercent = getEnvFloatOrDefault("MAX_PER_TRADE_RISK_PERCENT", cfg.RiskConfig.MaxPerTradeRiskPercent)
	cfg.RiskConfig.ConsecutiveLossLimit = getEnvIntOrDefault("CONSECUTIVE_LOSS_LIMIT", cfg.RiskConfig.ConsecutiveLossLimit)
	cfg.RiskConfig.VolatilityShutdownPercent = getEnvFloatOrDefault("VOLATILITY_SHUTDOWN_PERCENT", cfg.RiskConfig.VolatilityShutdownPercent)
	cfg.RiskConfig.MaxDataLagSeconds = getEnvIntOrDefault("MAX_DATA_LAG_SECONDS", cfg.RiskConfig.MaxDataLagSeconds)

	cfg.StrategyConfig.TP2IsOppositeWall = getEnvOrDefault("TP2_OPPOSITE_WALL", "true") == "true"

	cfg.FeedConfig.URL = getEnvOrDefault("FEED_URL", cfg.FeedConfig.URL)
	cfg.FeedConfig.Interval = getEnvOrDefault("FEED_INTERVAL", cfg.FeedConfig.Interval)

	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "true") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	cfg.DatabaseConfig.Enabled = getEnvOrDefault("DB_ENABLED", "false") == "true"
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Pretty = getEnvOrDefault("LOG_PRETTY", "false") == "true"
}

func applyDefaults(cfg *Config) {
	if len(cfg.TradingConfig.Symbols) == 0 {
		cfg.TradingConfig.Symbols = []string{"SPY", "QQQ"}
	}
	if cfg.TradingConfig.Equity == 0 {
		cfg.TradingConfig.Equity = 10000
	}
	if cfg.RiskConfig.MaxTradesPerDay == 0 {
		cfg.RiskConfig.MaxTradesPerDay = 3
	}
	if cfg.RiskConfig.MaxDailyLossPercent == 0 {
		cfg.RiskConfig.MaxDailyLossPercent = 1.5
	}
	if cfg.RiskConfig.MaxPerTradeRiskPercent == 0 {
		cfg.RiskConfig.MaxPerTradeRiskPercent = 0.5
	}
	if cfg.RiskConfig.ConsecutiveLossLimit == 0 {
		cfg.RiskConfig.ConsecutiveLossLimit = 2
	}
	if cfg.RiskConfig.VolatilityShutdownPercent == 0 {
		cfg.RiskConfig.VolatilityShutdownPercent = 10.0
	}
	if cfg.RiskConfig.MaxDataLagSeconds == 0 {
		cfg.RiskConfig.MaxDataLagSeconds = 60
	}

	s := &cfg.StrategyConfig
	if s.ZoneWidthPercent == 0 {
		s.ZoneWidthPercent = 0.15
	}
	if s.BreachHoldMinutes == 0 {
		s.BreachHoldMinutes = 15
	}
	if s.MinGapPercent == 0 {
		s.MinGapPercent = 0.05
	}
	if s.GapMaxAgeMinutes == 0 {
		s.GapMaxAgeMinutes = 120
	}
	if s.TP1Percent == 0 {
		s.TP1Percent = 0.3
	}
	if s.TP1Fraction == 0 {
		s.TP1Fraction = 0.5
	}
	if s.TimeStopMinutes == 0 {
		s.TimeStopMinutes = 30
	}
	if s.TimeStopMinProfitPercent == 0 {
		s.TimeStopMinProfitPercent = 0.1
	}
	if s.StopBufferPercent == 0 {
		s.StopBufferPercent = 0.01
	}
	if s.StopCapPercent == 0 {
		s.StopCapPercent = 0.2
	}
	if s.BiasMaxAgeMinutes == 0 {
		s.BiasMaxAgeMinutes = 12 * 60
	}

	if cfg.FeedConfig.Interval == "" {
		cfg.FeedConfig.Interval = "1m"
	}
	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.DatabaseConfig.Host == "" {
		cfg.DatabaseConfig.Host = "localhost"
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}
	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
	}
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.AllowedOrigins == "" {
		cfg.ServerConfig.AllowedOrigins = "*"
	}
	if cfg.ServerConfig.ShutdownTimeout == 0 {
		cfg.ServerConfig.ShutdownTimeout = 10
	}
	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
}

// Validate rejects configurations the gatekeeper cannot safely run with
func (r RiskConfig) Validate() error {
	if r.MaxTradesPerDay <= 0 {
		return fmt.Errorf("max_trades_per_day must be positive, got %d", r.MaxTradesPerDay)
	}
	if r.MaxDailyLossPercent <= 0 {
		return fmt.Errorf("max_daily_loss_percent must be positive, got %.2f", r.MaxDailyLossPercent)
	}
	if r.MaxPerTradeRiskPercent <= 0 {
		return fmt.Errorf("max_per_trade_risk_percent must be positive, got %.2f", r.MaxPerTradeRiskPercent)
	}
	if r.ConsecutiveLossLimit <= 0 {
		return fmt.Errorf("consecutive_loss_limit must be positive, got %d", r.ConsecutiveLossLimit)
	}
	if r.VolatilityShutdownPercent <= 0 {
		return fmt.Errorf("volatility_shutdown_percent must be positive, got %.2f", r.VolatilityShutdownPercent)
	}
	if r.MaxDataLagSeconds <= 0 {
		return fmt.Errorf("max_data_lag_seconds must be positive, got %d", r.MaxDataLagSeconds)
	}
	return nil
}

// Validate rejects strategy parameters with inverted or degenerate bounds
func (s StrategyConfig) Validate() error {
	if s.ZoneWidthPercent <= 0 {
		return fmt.Errorf("zone_width_percent must be positive, got %.3f", s.ZoneWidthPercent)
	}
	if s.BreachHoldMinutes <= 0 {
		return fmt.Errorf("breach_hold_minutes must be positive, got %d", s.BreachHoldMinutes)
	}
	if s.GapMaxAgeMinutes <= 0 {
		return fmt.Errorf("gap_max_age_minutes must be positive, got %d", s.GapMaxAgeMinutes)
	}
	if s.TP1Percent <= 0 {
		return fmt.Errorf("tp1_percent must be positive, got %.3f", s.TP1Percent)
	}
	if s.TP1Fraction <= 0 || s.TP1Fraction >= 1 {
		return fmt.Errorf("tp1_fraction must be in (0, 1), got %.2f", s.TP1Fraction)
	}
	if s.StopCapPercent <= s.StopBufferPercent {
		return fmt.Errorf("stop_cap_percent %.3f must exceed stop_buffer_percent %.3f",
			s.StopCapPercent, s.StopBufferPercent)
	}
	if s.TimeStopMinutes <= 0 {
		return fmt.Errorf("time_stop_minutes must be positive, got %d", s.TimeStopMinutes)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
