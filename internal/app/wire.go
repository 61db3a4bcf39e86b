package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/p2pmarket/internal/blob/s3"
	"github.com/alanyoungcy/p2pmarket/internal/cache/redis"
	"github.com/alanyoungcy/p2pmarket/internal/config"
	"github.com/alanyoungcy/p2pmarket/internal/crypto"
	"github.com/alanyoungcy/p2pmarket/internal/domain"
	"github.com/alanyoungcy/p2pmarket/internal/ledger"
	"github.com/alanyoungcy/p2pmarket/internal/notify"
	"github.com/alanyoungcy/p2pmarket/internal/server/handler"
	"github.com/alanyoungcy/p2pmarket/internal/store/memory"
	"github.com/alanyoungcy/p2pmarket/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function. Optional dependencies are left as nil interfaces.
type Dependencies struct {
	// Catalog
	Catalog    domain.CatalogStore
	Audit      domain.AuditStore
	Tombstones domain.CompletionMarker

	// Redis
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager

	// Blob storage
	Archiver      domain.ListingArchiver
	ArchiveReader handler.ArchiveReader

	// Ledger
	Ledger   domain.LedgerReader
	Signers  []domain.LedgerClient
	Resolver domain.ListingIDResolver

	// Notifications
	Notifier *notify.Notifier

	// HealthChecks probe each external backend for /api/health.
	HealthChecks map[string]handler.HealthCheck
}

// SignerAccounts returns the signing addresses in preference order.
func (d *Dependencies) SignerAccounts() []string {
	out := make([]string, 0, len(d.Signers))
	for _, s := range d.Signers {
		out = append(out, s.Account())
	}
	return out
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

	deps := &Dependencies{HealthChecks: make(map[string]handler.HealthCheck)}

	// --- Catalog ---
	switch strings.ToLower(cfg.Catalog.Backend) {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}

		pool := pgClient.Pool()
		deps.Catalog = postgres.NewListingStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.HealthChecks["postgres"] = pool.Ping
	default:
		logger.WarnContext(ctx, "using in-memory catalog; listings are lost on restart")
		deps.Catalog = memory.NewCatalog()
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
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

		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.ChannelPrefix)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Tombstones = redis.NewCompletionMarker(redisClient)
		if cfg.Redis.DistributedLocks {
			deps.LockManager = redis.NewLockManager(redisClient)
		}
		deps.HealthChecks["redis"] = redisClient.Ping
	} else {
		deps.Tombstones = memory.NewCompletionMarker()
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
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
		closers = append(closers, func() { _ = s3Client.Close() })
		archiver := s3blob.NewListingArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client), deps.Audit, logger)
		deps.Archiver = archiver
		deps.ArchiveReader = archiver
	}

	// --- Ledger ---
	eth, err := ledger.Dial(ctx, cfg.Ledger.RPCURL)
	if err != nil {
		return fail("ledger", err)
	}
	closers = append(closers, eth.Close)
	deps.HealthChecks["ledger"] = func(ctx context.Context) error {
		_, err := eth.BlockNumber(ctx)
		return err
	}

	var signer *crypto.TxSigner
	if !cfg.Ledger.ReadOnly {
		key, err := crypto.LoadKey(crypto.KeySource{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return fail("wallet", err)
		}
		signer, err = crypto.NewTxSigner(key, cfg.Ledger.ChainID)
		if err != nil {
			return fail("wallet", err)
		}
	}

	contract := common.HexToAddress(cfg.Ledger.ContractAddress)
	escrow := ledger.NewEscrowClient(eth, contract, signer, cfg.Ledger.PollInterval.Duration, logger)
	deps.Ledger = ledger.NewStateReader(escrow)
	deps.Resolver = ledger.NewListingIDResolver(contract)
	if signer != nil {
		deps.Signers = []domain.LedgerClient{escrow}
		logger.InfoContext(ctx, "ledger signer loaded", slog.String("account", escrow.Account()))
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Cooldown.Duration, logger)

	return deps, cleanup, nil
}
