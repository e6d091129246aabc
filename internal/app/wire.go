package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/alanyoungcy/perpbot/internal/blob/s3"
	"github.com/alanyoungcy/perpbot/internal/cache/redis"
	"github.com/alanyoungcy/perpbot/internal/config"
	"github.com/alanyoungcy/perpbot/internal/crypto"
	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/notify"
	"github.com/alanyoungcy/perpbot/internal/platform/bybit"
	"github.com/alanyoungcy/perpbot/internal/platform/paper"
	"github.com/alanyoungcy/perpbot/internal/store/postgres"
)

// paperFeeRate is the Bybit linear taker fee charged on paper fills.
const paperFeeRate = 0.00055

// Dependencies bundles the infrastructure every mode builds on. Optional
// backends are nil when disabled.
type Dependencies struct {
	// Exchange is the venue orders go to: Bybit in live mode, the paper
	// exchange otherwise.
	Exchange domain.Exchange
	// Market serves public Bybit endpoints in every mode.
	Market *bybit.Client
	// Paper is set in paper mode so the scheduler can trigger its stops.
	Paper   *paper.Exchange
	Tickers *bybit.TickerStream

	Redis       *redis.Client
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	Outcomes    domain.OutcomeRecorder

	Postgres   *postgres.Client
	Archive    domain.PositionArchive
	AuditStore domain.AuditStore

	S3          *s3blob.Client
	Snapshotter *s3blob.Snapshotter
	Archiver    *s3blob.Archiver

	Notifier *notify.Notifier
	// Events fans lifecycle events out to the notifier and the event bus.
	Events domain.EventSink
}

// Wire constructs the infrastructure for cfg and returns a cleanup function
// that releases it in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{}
	mode := strings.ToLower(cfg.Mode)

	// --- Redis ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = rc.Close() })

		bus := redis.NewSignalBus(rc, cfg.Redis.SignalBlock.Duration)
		deps.Redis = rc
		deps.PriceCache = redis.NewPriceCache(rc)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.LockManager = redis.NewLockManager(rc)
		deps.SignalBus = bus
		deps.Outcomes = redis.NewOutcomeRecorder(bus)
	}

	// --- PostgreSQL ---
	if cfg.Supabase.Enabled {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Supabase.DSN,
			Host:     cfg.Supabase.Host,
			Port:     cfg.Supabase.Port,
			Database: cfg.Supabase.Database,
			User:     cfg.Supabase.User,
			Password: cfg.Supabase.Password,
			SSLMode:  cfg.Supabase.SSLMode,
			MaxConns: cfg.Supabase.PoolMaxConns,
			MinConns: cfg.Supabase.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pg.Close)

		if cfg.Supabase.RunMigrations && mode != "monitor" {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		deps.Postgres = pg
		deps.Archive = postgres.NewPositionArchive(pg.Pool())
		deps.AuditStore = postgres.NewAuditStore(pg.Pool())
	}

	// --- S3 ---
	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		writer := s3blob.NewWriter(sc)
		deps.S3 = sc
		deps.Snapshotter = s3blob.NewSnapshotter(writer, s3blob.NewReader(sc), logger)
		if deps.Archive != nil {
			deps.Archiver = s3blob.NewArchiver(writer, deps.Archive, deps.AuditStore)
		}
	}

	// --- Exchange ---
	if mode != "monitor" {
		if err := wireExchange(cfg, deps, logger); err != nil {
			return fail("exchange", err)
		}
	}

	// --- Notifications and events ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	sinks := domain.MultiSink{deps.Notifier}
	if deps.SignalBus != nil {
		sinks = append(sinks, redis.NewEventPublisher(deps.SignalBus, logger))
	}
	deps.Events = sinks

	return deps, cleanup, nil
}

// wireExchange builds the public market client, the ticker stream and the
// order venue for the mode.
func wireExchange(cfg *config.Config, deps *Dependencies, logger *slog.Logger) error {
	var opts []bybit.Option
	if deps.RateLimiter != nil && cfg.Exchange.RequestsPerSecond > 0 {
		opts = append(opts, bybit.WithRateLimiter(deps.RateLimiter, cfg.Exchange.RequestsPerSecond))
	}
	bcfg := bybit.Config{
		BaseURL:  cfg.Exchange.BaseURL,
		Category: cfg.Exchange.Category,
		Timeout:  cfg.Exchange.Timeout.Duration,
	}

	if strings.EqualFold(cfg.Mode, "live") {
		secret, err := crypto.LoadSecret(crypto.SecretConfig{
			Raw:           cfg.Exchange.ApiSecret,
			EncryptedPath: cfg.Exchange.EncryptedSecretPath,
			Password:      cfg.Exchange.SecretPassword,
		})
		if err != nil {
			return err
		}
		bcfg.Auth = crypto.HMACAuth{Key: cfg.Exchange.ApiKey, Secret: secret, RecvWindowMs: cfg.Exchange.RecvWindowMs}
		client := bybit.NewClient(bcfg, logger, opts...)
		deps.Market = client
		deps.Exchange = client
	} else {
		deps.Market = bybit.NewClient(bcfg, logger, opts...)
		deps.Paper = paper.New(logger,
			paper.WithMarketData(deps.Market),
			paper.WithLeverage(cfg.Trading.Leverage),
			paper.WithFeeRate(paperFeeRate),
		)
		deps.Exchange = deps.Paper
	}

	if cfg.Exchange.WsURL != "" {
		deps.Tickers = bybit.NewTickerStream(cfg.Exchange.WsURL, logger)
		if deps.PriceCache != nil {
			deps.Tickers.PipeTo(deps.PriceCache)
		}
		if deps.Paper != nil {
			px := deps.Paper
			deps.Tickers.OnTicker(func(symbol string, price float64, _ time.Time) {
				px.SetPrice(symbol, price)
			})
		}
	}
	return nil
}
