package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/dydxrelay/internal/blob/s3"
	cachemem "github.com/alanyoungcy/dydxrelay/internal/cache/memory"
	"github.com/alanyoungcy/dydxrelay/internal/cache/redis"
	"github.com/alanyoungcy/dydxrelay/internal/config"
	"github.com/alanyoungcy/dydxrelay/internal/crypto"
	"github.com/alanyoungcy/dydxrelay/internal/domain"
	"github.com/alanyoungcy/dydxrelay/internal/notify"
	"github.com/alanyoungcy/dydxrelay/internal/platform/dydx"
	"github.com/alanyoungcy/dydxrelay/internal/platform/paper"
	"github.com/alanyoungcy/dydxrelay/internal/server/handler"
	"github.com/alanyoungcy/dydxrelay/internal/store/memory"
	"github.com/alanyoungcy/dydxrelay/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	Users     domain.UserStore
	Positions domain.PositionStore
	Audit     domain.AuditStore

	// Caches
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	Replay      domain.OnceGuard
	Challenges  domain.ChallengeStore
	SignalBus   domain.SignalBus

	// Exchange and secrets
	Gateway domain.ExchangeGateway
	Vault   *crypto.Vault
	// PriceStream feeds live paper marks; nil unless streaming is enabled.
	PriceStream *dydx.PriceStream

	// Blob storage; nil unless the archive is enabled.
	Archiver domain.Archiver

	// Notifications
	Ops          *notify.Notifier
	UserNotifier domain.UserNotifier

	// Health checks for GET /api/health.
	Checks []handler.HealthCheck
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
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

	// --- Vault ---
	key, err := crypto.ParseMasterKey(cfg.Vault.MasterKey)
	if err != nil {
		return fail("vault master key", err)
	}
	if deps.Vault, err = crypto.NewVault(key); err != nil {
		return fail("vault", err)
	}
	clear(key)

	// --- Stores ---
	switch cfg.Storage {
	case "memory":
		deps.Users = memory.NewUserStore()
		deps.Positions = memory.NewPositionStore()
		deps.Audit = memory.NewAuditStore()
		logger.WarnContext(ctx, "using in-memory storage; state is lost on restart")
	default:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:              cfg.Database.DSN,
			Host:             cfg.Database.Host,
			Port:             cfg.Database.Port,
			Database:         cfg.Database.Database,
			User:             cfg.Database.User,
			Password:         cfg.Database.Password,
			SSLMode:          cfg.Database.SSLMode,
			MaxConns:         cfg.Database.PoolMaxConns,
			MinConns:         cfg.Database.PoolMinConns,
			StatementTimeout: cfg.Database.StatementTimeout.Duration,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		// Run migrations if enabled.
		if cfg.Database.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}

		pool := pgClient.Pool()
		deps.Users = postgres.NewUserStore(pool)
		deps.Positions = postgres.NewPositionStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Checks = append(deps.Checks, handler.HealthCheck{Name: "postgres", Check: pgClient.Ping})
	}

	// --- Cache ---
	switch cfg.Cache {
	case "memory":
		c := cachemem.New()
		deps.RateLimiter, deps.LockManager, deps.Replay, deps.Challenges, deps.SignalBus = c, c, c, c, c
	default:
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			URL:        cfg.Redis.URL,
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
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.Replay = redis.NewOnceGuard(redisClient, "dydxrelay:")
		deps.Challenges = redis.NewChallengeStore(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Checks = append(deps.Checks, handler.HealthCheck{Name: "redis", Check: redisClient.Ping})
	}

	// --- Exchange ---
	indexer := dydx.New(dydx.Config{
		IndexerURL: cfg.Exchange.IndexerURL,
		SignerURL:  cfg.Exchange.SignerURL,
		RelayAuth: &crypto.RelayAuth{
			KeyID:  cfg.Exchange.SignerKeyID,
			Secret: cfg.Exchange.SignerSecret,
		},
		Timeout:        cfg.Exchange.Timeout.Duration,
		MarketSlippage: cfg.Exchange.MarketSlippage,
		Subaccount:     cfg.Exchange.Subaccount,
	})
	switch cfg.Exchange.Mode {
	case "dydx":
		deps.Gateway = indexer
	default:
		gw := paper.New(paper.Config{
			StartingEquity: cfg.Exchange.Paper.StartingEquity,
			Prices:         cfg.Exchange.Paper.Prices,
		})
		if cfg.Exchange.Paper.LivePrices {
			if cfg.Exchange.IndexerWSURL != "" {
				deps.PriceStream = dydx.NewPriceStream(cfg.Exchange.IndexerWSURL, indexer,
					cfg.Exchange.Paper.PriceMaxAge.Duration, logger)
				gw = gw.WithPriceSource(deps.PriceStream)
			} else {
				gw = gw.WithPriceSource(indexer)
			}
		}
		deps.Gateway = gw
	}

	// --- S3 archive ---
	if cfg.Archive.Enabled {
		bucket, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:             cfg.S3.Endpoint,
			Region:               cfg.S3.Region,
			Bucket:               cfg.S3.Bucket,
			AccessKey:            cfg.S3.AccessKey,
			SecretKey:            cfg.S3.SecretKey,
			UseSSL:               cfg.S3.UseSSL,
			ForcePathStyle:       cfg.S3.ForcePathStyle,
			Prefix:               cfg.S3.Prefix,
			ServerSideEncryption: cfg.S3.ServerSideEncryption,
		})
		if err != nil {
			return fail("s3", err)
		}
		closers = append(closers, func() { _ = bucket.Close() })

		deps.Archiver = s3blob.NewArchiver(bucket, bucket, deps.Positions, deps.Audit)
		deps.Checks = append(deps.Checks, handler.HealthCheck{Name: "s3", Check: bucket.Health})
	}

	// --- Notifications ---
	tg := notify.NewTelegramAPI(cfg.Notify.TelegramAPIURL, cfg.Notify.Timeout.Duration)
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(tg, cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL, cfg.Notify.Timeout.Duration))
	}
	deps.Ops = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	deps.UserNotifier = notify.NewUserTelegram(tg, logger)

	return deps, cleanup, nil
}
