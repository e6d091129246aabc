package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PERPBOT_* environment variable overrides, and
// returns the final Config. A missing file is not an error: defaults plus the
// environment are used. The returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PERPBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.BaseURL, "PERPBOT_EXCHANGE_BASE_URL")
	setStr(&cfg.Exchange.WsURL, "PERPBOT_EXCHANGE_WS_URL")
	setStr(&cfg.Exchange.Category, "PERPBOT_EXCHANGE_CATEGORY")
	setStr(&cfg.Exchange.ApiKey, "PERPBOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.ApiSecret, "PERPBOT_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.EncryptedSecretPath, "PERPBOT_EXCHANGE_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Exchange.SecretPassword, "PERPBOT_EXCHANGE_SECRET_PASSWORD")
	setInt(&cfg.Exchange.RecvWindowMs, "PERPBOT_EXCHANGE_RECV_WINDOW_MS")
	setInt(&cfg.Exchange.RequestsPerSecond, "PERPBOT_EXCHANGE_REQUESTS_PER_SECOND")
	setDuration(&cfg.Exchange.Timeout, "PERPBOT_EXCHANGE_TIMEOUT")

	// ── Ledger ──
	setStr(&cfg.Ledger.Path, "PERPBOT_LEDGER_PATH")
	setFloat64(&cfg.Ledger.StartBalance, "PERPBOT_LEDGER_START_BALANCE")
	setInt(&cfg.Ledger.MaxClosed, "PERPBOT_LEDGER_MAX_CLOSED")

	// ── Trading ──
	setStringSlice(&cfg.Trading.Symbols, "PERPBOT_TRADING_SYMBOLS")
	setInt(&cfg.Trading.Leverage, "PERPBOT_TRADING_LEVERAGE")
	setFloat64(&cfg.Trading.MarginUSD, "PERPBOT_TRADING_MARGIN_USD")
	setFloat64(&cfg.Trading.MinAmount, "PERPBOT_TRADING_MIN_AMOUNT")
	setFloat64(&cfg.Trading.MaxAmount, "PERPBOT_TRADING_MAX_AMOUNT")
	setFloat64(&cfg.Trading.MinNotional, "PERPBOT_TRADING_MIN_NOTIONAL")
	setFloat64(&cfg.Trading.MinConfidence, "PERPBOT_TRADING_MIN_CONFIDENCE")
	setDuration(&cfg.Trading.SignalTTL, "PERPBOT_TRADING_SIGNAL_TTL")
	setBool(&cfg.Trading.DistributedLock, "PERPBOT_TRADING_DISTRIBUTED_LOCK")

	// ── Stop-loss / trailing ──
	setFloat64(&cfg.StopLoss.InitialPct, "PERPBOT_STOP_LOSS_INITIAL_PCT")
	setInt(&cfg.StopLoss.MaxRetries, "PERPBOT_STOP_LOSS_MAX_RETRIES")
	setDuration(&cfg.StopLoss.RetryBackoff, "PERPBOT_STOP_LOSS_RETRY_BACKOFF")
	setBool(&cfg.Trailing.Enabled, "PERPBOT_TRAILING_ENABLED")
	setFloat64(&cfg.Trailing.TriggerPct, "PERPBOT_TRAILING_TRIGGER_PCT")
	setFloat64(&cfg.Trailing.DistanceROEPct, "PERPBOT_TRAILING_DISTANCE_ROE_PCT")

	// ── Sync / scheduler ──
	setBool(&cfg.Sync.Enabled, "PERPBOT_SYNC_ENABLED")
	setFloat64(&cfg.Sync.SLTolerancePct, "PERPBOT_SYNC_SL_TOLERANCE_PCT")
	setFloat64(&cfg.Sync.BreakevenUSD, "PERPBOT_SYNC_BREAKEVEN_USD")
	setDuration(&cfg.Scheduler.MonitorInterval, "PERPBOT_SCHEDULER_MONITOR_INTERVAL")
	setDuration(&cfg.Scheduler.SyncInterval, "PERPBOT_SCHEDULER_SYNC_INTERVAL")
	setDuration(&cfg.Scheduler.SnapshotInterval, "PERPBOT_SCHEDULER_SNAPSHOT_INTERVAL")
	setDuration(&cfg.Scheduler.ArchiveInterval, "PERPBOT_SCHEDULER_ARCHIVE_INTERVAL")

	// ── Supabase ──
	setBool(&cfg.Supabase.Enabled, "PERPBOT_SUPABASE_ENABLED")
	setStr(&cfg.Supabase.DSN, "PERPBOT_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "PERPBOT_SUPABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "PERPBOT_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "PERPBOT_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "PERPBOT_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "PERPBOT_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "PERPBOT_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "PERPBOT_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "PERPBOT_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "PERPBOT_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "PERPBOT_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "PERPBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PERPBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERPBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERPBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PERPBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PERPBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PERPBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.SignalStream, "PERPBOT_REDIS_SIGNAL_STREAM")
	setDuration(&cfg.Redis.SignalBlock, "PERPBOT_REDIS_SIGNAL_BLOCK")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PERPBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PERPBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PERPBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PERPBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PERPBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PERPBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PERPBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PERPBOT_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PERPBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PERPBOT_SERVER_PORT")
	setStr(&cfg.Server.ApiKey, "PERPBOT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMinute, "PERPBOT_SERVER_RATE_LIMIT_PER_MINUTE")
	setStringSlice(&cfg.Server.CORSOrigins, "PERPBOT_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PERPBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PERPBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PERPBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PERPBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PERPBOT_MODE")
	setStr(&cfg.LogLevel, "PERPBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
