// Package config defines the top-level configuration for the perpetual-futures
// position bot and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PERPBOT_* environment variables.
type Config struct {
	Exchange  ExchangeConfig  `toml:"exchange"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Trading   TradingConfig   `toml:"trading"`
	StopLoss  StopLossConfig  `toml:"stop_loss"`
	Trailing  TrailingConfig  `toml:"trailing"`
	Sync      SyncConfig      `toml:"sync"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Supabase  SupabaseConfig  `toml:"supabase"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ExchangeConfig holds Bybit v5 API endpoints and credentials.
type ExchangeConfig struct {
	BaseURL             string `toml:"base_url"`
	WsURL               string `toml:"ws_url"`
	Category            string `toml:"category"`
	ApiKey              string `toml:"api_key"`
	ApiSecret           string `toml:"api_secret"`
	EncryptedSecretPath string `toml:"encrypted_secret_path"`
	SecretPassword      string `toml:"secret_password"`
	RecvWindowMs        int    `toml:"recv_window_ms"`
	// RequestsPerSecond caps private REST calls through the Redis sliding
	// window limiter. Zero disables limiting.
	RequestsPerSecond int      `toml:"requests_per_second"`
	Timeout           duration `toml:"timeout"`
}

// LedgerConfig holds position ledger persistence parameters.
type LedgerConfig struct {
	Path         string  `toml:"path"`
	StartBalance float64 `toml:"start_balance"`
	MaxClosed    int     `toml:"max_closed"`
}

// TradingConfig holds position sizing and exchange limit parameters used by
// the opening coordinator.
type TradingConfig struct {
	Symbols     []string `toml:"symbols"`
	Leverage    int      `toml:"leverage"`
	MarginUSD   float64  `toml:"margin_usd"`
	MinAmount   float64  `toml:"min_amount"`
	MaxAmount   float64  `toml:"max_amount"`
	MinNotional float64  `toml:"min_notional"`
	// MinConfidence drops signals below this confidence before sizing.
	MinConfidence float64  `toml:"min_confidence"`
	SignalTTL     duration `toml:"signal_ttl"`
	// DistributedLock guards opens with a Redis lock so two bot instances
	// sharing one account cannot open the same symbol.
	DistributedLock bool `toml:"distributed_lock"`
}

// StopLossConfig holds stop-loss coordinator parameters.
type StopLossConfig struct {
	InitialPct   float64  `toml:"initial_pct"`
	MaxRetries   int      `toml:"max_retries"`
	RetryBackoff duration `toml:"retry_backoff"`
	Epsilon      float64  `toml:"epsilon"`
}

// TrailingConfig holds trailing-stop engine parameters.
type TrailingConfig struct {
	Enabled        bool    `toml:"enabled"`
	TriggerPct     float64 `toml:"trigger_pct"`
	DistanceROEPct float64 `toml:"distance_roe_pct"`
}

// SyncConfig holds reconciler parameters.
type SyncConfig struct {
	Enabled bool `toml:"enabled"`
	// SLTolerancePct is the distance (percent of price) within which an exit
	// is attributed to the stop-loss.
	SLTolerancePct float64 `toml:"sl_tolerance_pct"`
	BreakevenUSD   float64 `toml:"breakeven_usd"`
}

// SchedulerConfig holds the intervals of the explicit tick loops.
type SchedulerConfig struct {
	MonitorInterval  duration `toml:"monitor_interval"`
	SyncInterval     duration `toml:"sync_interval"`
	SnapshotInterval duration `toml:"snapshot_interval"`
	// ArchiveInterval exports closed positions and the audit log to S3.
	ArchiveInterval duration `toml:"archive_interval"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	// SignalStream is the stream the signal feed consumes.
	SignalStream string   `toml:"signal_stream"`
	SignalBlock  duration `toml:"signal_block"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	ApiKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimitPerMinute caps requests per client IP. Needs Redis.
	RateLimitPerMinute int `toml:"rate_limit_per_minute"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			BaseURL:           "https://api.bybit.com",
			WsURL:             "wss://stream.bybit.com/v5/public/linear",
			Category:          "linear",
			RecvWindowMs:      5000,
			RequestsPerSecond: 10,
			Timeout:           duration{10 * time.Second},
		},
		Ledger: LedgerConfig{
			Path:         "data/positions.json",
			StartBalance: 1000,
			MaxClosed:    100,
		},
		Trading: TradingConfig{
			Symbols:       []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
			Leverage:      5,
			MarginUSD:     40,
			MinAmount:     0.001,
			MaxAmount:     1_000_000,
			MinNotional:   5,
			MinConfidence: 0.55,
			SignalTTL:     duration{2 * time.Minute},
		},
		StopLoss: StopLossConfig{
			InitialPct:   6.0,
			MaxRetries:   3,
			RetryBackoff: duration{500 * time.Millisecond},
			Epsilon:      1e-9,
		},
		Trailing: TrailingConfig{
			Enabled:        true,
			TriggerPct:     10.0,
			DistanceROEPct: 8.0,
		},
		Sync: SyncConfig{
			Enabled:        true,
			SLTolerancePct: 0.3,
			BreakevenUSD:   0.5,
		},
		Scheduler: SchedulerConfig{
			MonitorInterval:  duration{5 * time.Second},
			SyncInterval:     duration{30 * time.Second},
			SnapshotInterval: duration{15 * time.Minute},
			ArchiveInterval:  duration{24 * time.Hour},
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     20,
			MaxRetries:   3,
			SignalStream: "signals",
			SignalBlock:  duration{5 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "perpbot-data",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:            true,
			Port:               8000,
			CORSOrigins:        []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMinute: 120,
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "position_closed", "trailing_activated", "rollback_failed", "emergency_sl"},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":    true,
	"paper":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, paper, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange credentials are only needed when real orders are sent.
	if strings.ToLower(c.Mode) == "live" {
		if c.Exchange.ApiKey == "" {
			errs = append(errs, "exchange: api_key is required for mode live")
		}
		if c.Exchange.ApiSecret == "" && c.Exchange.EncryptedSecretPath == "" {
			errs = append(errs, "exchange: either api_secret or encrypted_secret_path must be set for mode live")
		}
		if c.Exchange.EncryptedSecretPath != "" && c.Exchange.SecretPassword == "" {
			errs = append(errs, "exchange: secret_password is required when encrypted_secret_path is set")
		}
	}
	if c.Exchange.BaseURL == "" {
		errs = append(errs, "exchange: base_url must not be empty")
	}
	if c.Exchange.Category == "" {
		errs = append(errs, "exchange: category must not be empty")
	}
	if c.Exchange.RequestsPerSecond < 0 {
		errs = append(errs, "exchange: requests_per_second must be >= 0")
	}

	// Ledger
	if c.Ledger.Path == "" {
		errs = append(errs, "ledger: path must not be empty")
	}
	if c.Ledger.StartBalance <= 0 {
		errs = append(errs, "ledger: start_balance must be > 0")
	}
	if c.Ledger.MaxClosed < 1 {
		errs = append(errs, "ledger: max_closed must be >= 1")
	}

	// Trading
	if len(c.Trading.Symbols) == 0 {
		errs = append(errs, "trading: symbols must not be empty")
	}
	if c.Trading.Leverage < 1 {
		errs = append(errs, "trading: leverage must be >= 1")
	}
	if c.Trading.MarginUSD <= 0 {
		errs = append(errs, "trading: margin_usd must be > 0")
	}
	if c.Trading.MinAmount < 0 || c.Trading.MaxAmount <= 0 || c.Trading.MinAmount > c.Trading.MaxAmount {
		errs = append(errs, "trading: require 0 <= min_amount <= max_amount and max_amount > 0")
	}
	if c.Trading.MinConfidence < 0 || c.Trading.MinConfidence > 1 {
		errs = append(errs, "trading: min_confidence must be within [0, 1]")
	}

	// Stop-loss
	if c.StopLoss.InitialPct <= 0 || c.StopLoss.InitialPct >= 100 {
		errs = append(errs, "stop_loss: initial_pct must be within (0, 100)")
	}
	if c.StopLoss.MaxRetries < 1 {
		errs = append(errs, "stop_loss: max_retries must be >= 1")
	}

	// Trailing
	if c.Trailing.Enabled {
		if c.Trailing.TriggerPct <= 0 {
			errs = append(errs, "trailing: trigger_pct must be > 0 when enabled")
		}
		if c.Trailing.DistanceROEPct <= 0 {
			errs = append(errs, "trailing: distance_roe_pct must be > 0 when enabled")
		}
	}

	// Scheduler
	if c.Scheduler.MonitorInterval.Duration <= 0 {
		errs = append(errs, "scheduler: monitor_interval must be > 0")
	}
	if c.Scheduler.SyncInterval.Duration <= 0 {
		errs = append(errs, "scheduler: sync_interval must be > 0")
	}

	// Supabase
	if c.Supabase.Enabled {
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
			if c.Supabase.Database == "" {
				errs = append(errs, "supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.SignalStream == "" {
			errs = append(errs, "redis: signal_stream must not be empty")
		}
	}
	if c.Trading.DistributedLock && !c.Redis.Enabled {
		errs = append(errs, "trading: distributed_lock requires redis.enabled")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
