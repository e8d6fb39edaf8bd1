// Package app assembles the services both binaries run from a loaded
// config: storage, vault, router pool, locks, payment gateway and the
// provisioning engine.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/wavenet/access-control-plane/internal/config"
	"github.com/wavenet/access-control-plane/internal/daraja"
	"github.com/wavenet/access-control-plane/internal/lock"
	"github.com/wavenet/access-control-plane/internal/model"
	"github.com/wavenet/access-control-plane/internal/payment"
	"github.com/wavenet/access-control-plane/internal/provision"
	"github.com/wavenet/access-control-plane/internal/ratelimit"
	"github.com/wavenet/access-control-plane/internal/routeros"
	"github.com/wavenet/access-control-plane/internal/store"
	"github.com/wavenet/access-control-plane/internal/vault"
	"github.com/wavenet/access-control-plane/internal/voucher"
	"github.com/wavenet/access-control-plane/migrations"
)

// PaymentGateway is what both the bridge and the vault need from the
// mobile-money provider.
type PaymentGateway interface {
	payment.Gateway
	vault.Registrar
}

type App struct {
	DB        *pgxpool.Pool
	Store     *store.Store
	Vault     *vault.Vault
	Routers   *routeros.Pool
	Engine    *provision.Engine
	Bridge    *payment.Bridge
	Allocator *voucher.Allocator
	Limiter   ratelimit.Limiter

	redis *redis.Client
}

func Build(ctx context.Context, cfg config.Config) (*App, error) {
	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	a := &App{DB: db, Store: store.New(db)}
	if cfg.AutoMigrate {
		applied, err := a.Store.Migrate(ctx, migrations.Files)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		log.WithField("applied", applied).Info("schema migrations up to date")
	}

	sealer, err := NewSealer(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	gw := NewPaymentGateway(cfg)
	a.Vault = vault.New(a.Store, sealer, gw, cfg.CallbackBaseURL, cfg.CallbackSecret)

	a.Routers = routeros.NewPool(a.Vault, routerPoolOptions(cfg))

	var locker lock.Locker = lock.NewPostgresLocker(db, "acp:lock:")
	memLimiter := ratelimit.NewMemoryLimiter(cfg.Tunables.PortalRateLimitWindow)
	a.Limiter = memLimiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		locker = lock.NewRedisLocker(a.redis, "acp:lock", cfg.Tunables.LockTTL)
		a.Limiter = ratelimit.NewFallback(
			ratelimit.NewRedisLimiter(a.redis, "acp:rl", cfg.Tunables.PortalRateLimitWindow),
			memLimiter,
		)
	} else {
		log.Info("ACCESS_REDIS_URL not set; activation locks use postgres advisory locks")
	}

	a.Engine = provision.NewEngine(a.Store, a.Routers, locker, provision.Options{
		MaxAttempts: cfg.Tunables.ProvisionMaxAttempts,
		RetryBase:   cfg.Tunables.ProvisionRetryBase,
		RetryMax:    cfg.Tunables.ProvisionRetryMax,
	})
	a.Bridge = payment.NewBridge(a.Store, a.Engine, a.Vault, gw, payment.Options{
		PollInterval:   cfg.Tunables.PollInterval,
		PollAttempts:   cfg.Tunables.PollAttempts,
		ReconcileGrace: cfg.Tunables.ReconcileGrace,
	})
	a.Allocator = voucher.NewAllocator(a.Store, a.Engine)
	return a, nil
}

func (a *App) Close() {
	if a.Routers != nil {
		a.Routers.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

func NewSealer(ctx context.Context, cfg config.Config) (vault.Sealer, error) {
	switch cfg.VaultProvider {
	case "kms":
		s, err := vault.NewKMSSealer(ctx, cfg.AWSRegion, cfg.KMSKeyID)
		if err != nil {
			return nil, fmt.Errorf("init kms sealer: %w", err)
		}
		return s, nil
	default:
		master, err := vault.ParseMasterKey(cfg.VaultMasterKey)
		if err != nil {
			return nil, fmt.Errorf("vault master key: %w", err)
		}
		s, err := vault.NewLocalSealer(master)
		if err != nil {
			return nil, fmt.Errorf("init local sealer: %w", err)
		}
		return s, nil
	}
}

func NewPaymentGateway(cfg config.Config) PaymentGateway {
	if cfg.PaymentProvider == "daraja" {
		return daraja.NewClient(cfg.DarajaBaseURL, cfg.Tunables.GatewayTimeout)
	}
	return daraja.NewFake()
}

func routerPoolOptions(cfg config.Config) routeros.PoolOptions {
	opts := routeros.PoolOptions{
		Timeout: cfg.Tunables.RouterTimeout,
		Retry: routeros.RetryPolicy{
			MaxAttempts: cfg.Tunables.RouterRetryAttempts,
			BaseDelay:   routeros.DefaultRetryPolicy().BaseDelay,
			MaxDelay:    routeros.DefaultRetryPolicy().MaxDelay,
		},
	}
	if cfg.RouterProvider == "fake" {
		fakes := routeros.NewFakeFactory()
		opts.Factory = func(router model.ManagedRouter, password string) routeros.Gateway {
			return fakes.New(router, password)
		}
	}
	return opts
}
