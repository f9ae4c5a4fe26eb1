package app

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	s3blob "github.com/alanyoungcy/legchain/internal/blob/s3"
	"github.com/alanyoungcy/legchain/internal/cache/redis"
	"github.com/alanyoungcy/legchain/internal/config"
	"github.com/alanyoungcy/legchain/internal/credentials"
	"github.com/alanyoungcy/legchain/internal/crypto"
	"github.com/alanyoungcy/legchain/internal/domain"
	"github.com/alanyoungcy/legchain/internal/metrics"
	"github.com/alanyoungcy/legchain/internal/notify"
	"github.com/alanyoungcy/legchain/internal/onchain"
	"github.com/alanyoungcy/legchain/internal/platform/polymarket"
	"github.com/alanyoungcy/legchain/internal/server/handler"
	"github.com/alanyoungcy/legchain/internal/settlement"
	"github.com/alanyoungcy/legchain/internal/store/postgres"
	"github.com/alanyoungcy/legchain/internal/stream/kafka"
)

// Dependencies bundles the concrete implementations the modes run on. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Chains    *postgres.ChainStore
	Positions *postgres.PositionStore
	Bets      *postgres.BetStore
	Markets   *postgres.MarketStore
	Wallets   *postgres.WalletStore
	Audit     *postgres.AuditStore
	Outbox    *postgres.OutboxStore

	// Caches and coordination
	Locks      domain.LockManager
	APILimiter domain.RateLimiter
	TradeCache *redis.TradabilityCache

	// Change stream
	Publisher  domain.ChangePublisher
	Subscriber domain.ChangeSubscriber

	// Exchange
	Clob        *polymarket.ClobClient
	Gamma       *polymarket.GammaClient
	Tradability *polymarket.CachedTradability
	Credentials *credentials.Service

	// Blob storage, nil unless s3.enabled.
	Objects *s3blob.Objects
	Blob    *s3blob.ArchiveImpl

	// Settlement handlers, nil in modes that do not settle.
	Executor   *settlement.Executor
	Resolver   *settlement.Resolver
	Terminator *settlement.Terminator

	Metrics  *metrics.Metrics
	Notifier *notify.Notifier

	// Health checks keyed by dependency name.
	Checks map[string]handler.Check
}

// settles reports whether mode runs the settlement handlers.
func settles(mode string) bool {
	return mode == "settle" || mode == "full"
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
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{
		Metrics: metrics.New(),
		Checks:  make(map[string]handler.Check),
	}

	// --- PostgreSQL ---
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
		return fail(fmt.Errorf("wire: postgres: %w", err))
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail(fmt.Errorf("wire: postgres migrations: %w", err))
		}
	}

	pool := pgClient.Pool()
	deps.Chains = postgres.NewChainStore(pool)
	deps.Positions = postgres.NewPositionStore(pool)
	deps.Bets = postgres.NewBetStore(pool)
	deps.Markets = postgres.NewMarketStore(pool)
	deps.Wallets = postgres.NewWalletStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)
	deps.Outbox = postgres.NewOutboxStore(pool)
	deps.Checks["postgres"] = pool.Ping

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: redis: %w", err))
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.Checks["redis"] = redisClient.Ping

	deps.Locks = redis.NewLockManager(redisClient)
	deps.TradeCache = redis.NewTradabilityCache(redisClient, cfg.Settlement.TradabilityTTL.Duration)
	if cfg.Server.RateLimit > 0 {
		deps.APILimiter = redis.NewRateLimiter(redisClient, cfg.Server.RateLimit, cfg.Server.RateWindow.Duration)
	}

	// --- Change stream ---
	if err := wireStream(ctx, cfg, redisClient, deps, &closers, logger); err != nil {
		return fail(err)
	}

	// --- Polymarket ---
	deps.Clob = polymarket.NewClobClient(polymarket.ClobConfig{
		BaseURL:         cfg.Polymarket.ClobHost,
		ChainID:         cfg.Polymarket.ChainID,
		SignatureType:   cfg.Polymarket.SignatureType,
		OrdersPerSecond: cfg.Polymarket.OrdersPerSecond,
	})
	if cfg.Polymarket.OrderBudgetPerMinute > 0 {
		deps.Clob.WithSharedBudget(redis.NewRateLimiter(redisClient, cfg.Polymarket.OrderBudgetPerMinute, time.Minute))
	}
	deps.Gamma = polymarket.NewGammaClient(cfg.Polymarket.GammaHost)
	deps.Tradability = polymarket.NewCachedTradability(deps.Gamma, deps.TradeCache, logger)
	deps.Credentials = credentials.NewService(
		deps.Wallets,
		redis.NewCredentialCache(redisClient),
		deps.Clob,
		cfg.Wallet.MasterPassword,
		logger,
	)

	// --- S3 ---
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
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Objects = s3blob.NewObjects(s3Client)
		deps.Blob = s3blob.NewArchiver(deps.Objects, deps.Audit, cfg.S3.Prefix)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Burst, cfg.Notify.Interval.Duration, logger)

	// --- Settlement ---
	if settles(mode) {
		if err := wireSettlement(ctx, cfg, deps, &closers, logger); err != nil {
			return fail(err)
		}
	}

	return deps, cleanup, nil
}

// wireStream selects the change-event transport.
func wireStream(ctx context.Context, cfg *config.Config, rc *redis.Client, deps *Dependencies, closers *[]func(), logger *slog.Logger) error {
	switch strings.ToLower(cfg.Stream.Transport) {
	case "", "redis":
		cs := redis.NewChangeStream(rc, redis.ChangeStreamConfig{
			Shards:      cfg.Stream.Shards,
			Group:       cfg.Stream.Group,
			Consumer:    cfg.Stream.Consumer,
			BatchSize:   cfg.Stream.BatchSize,
			Block:       cfg.Stream.Block.Duration,
			ReclaimIdle: cfg.Stream.ReclaimIdle.Duration,
			MaxLen:      cfg.Stream.MaxLen,
		}, logger)
		deps.Publisher = cs
		deps.Subscriber = cs
		return nil
	case "kafka":
		kcfg := kafka.Config{
			Brokers:    cfg.Stream.KafkaBrokers,
			Topic:      cfg.Stream.KafkaTopic,
			Group:      cfg.Stream.Group,
			Partitions: cfg.Stream.Shards,
		}
		if err := kafka.EnsureTopic(ctx, kcfg); err != nil {
			return fmt.Errorf("wire: kafka topic: %w", err)
		}
		pub := kafka.NewPublisher(kcfg)
		*closers = append(*closers, func() { _ = pub.Close() })
		deps.Publisher = pub
		deps.Subscriber = kafka.NewSubscriber(kcfg, logger)
		return nil
	default:
		return fmt.Errorf("wire: unknown stream transport %q", cfg.Stream.Transport)
	}
}

// wireSettlement builds the on-chain services and the three handlers.
func wireSettlement(ctx context.Context, cfg *config.Config, deps *Dependencies, closers *[]func(), logger *slog.Logger) error {
	priceCap, err := cfg.Settlement.PriceCapMicro()
	if err != nil {
		return fmt.Errorf("wire: %w", err)
	}
	dust, err := cfg.Fee.DustMicro()
	if err != nil {
		return fmt.Errorf("wire: %w", err)
	}

	scfg := settlement.DefaultConfig()
	scfg.SlippageBps = cfg.Settlement.SlippageBps
	scfg.PriceCap = priceCap
	scfg.ClosingSoonWindow = cfg.Settlement.ClosingSoonWindow.Duration
	scfg.FillPollAttempts = cfg.Settlement.FillPollAttempts
	scfg.FillPollBackoff = cfg.Settlement.FillPollBackoff.Duration
	scfg.FillPollMaxWait = cfg.Settlement.FillPollMaxWait.Duration
	scfg.RepollTimeout = cfg.Settlement.RepollTimeout.Duration
	scfg.VerifyPayouts = cfg.Settlement.VerifyPayouts
	scfg.VerifyTimeout = cfg.Settlement.VerifyTimeout.Duration
	scfg.FeeEnabled = cfg.Fee.Enabled
	scfg.FeeBps = cfg.Fee.Bps
	scfg.FeeDust = dust

	sd := settlement.Deps{
		Chains:      deps.Chains,
		Positions:   deps.Positions,
		Bets:        deps.Bets,
		Exchange:    deps.Clob,
		Markets:     deps.Tradability,
		Snapshots:   deps.Markets,
		Credentials: deps.Credentials,
		Alerts:      deps.Notifier,
		Observer:    deps.Metrics,
		Logger:      logger,
	}

	if cfg.Settlement.VerifyPayouts || cfg.Fee.Enabled {
		rpc, err := onchain.Dial(ctx, cfg.ChainRPC.URL)
		if err != nil {
			return fmt.Errorf("wire: %w", err)
		}
		*closers = append(*closers, rpc.Close)

		if cfg.Settlement.VerifyPayouts {
			sd.Transfers = onchain.NewTransferVerifier(rpc, deps.Wallets, cfg.ChainRPC.USDCAddress, cfg.ChainRPC.LookbackBlocks, logger)
		}
		if cfg.Fee.Enabled {
			relayer, err := loadRelayer(cfg.Wallet)
			if err != nil {
				return fmt.Errorf("wire: relayer key: %w", err)
			}
			sd.Fees = onchain.NewPermitFeeCollector(rpc, deps.Credentials, relayer, onchain.FeeCollectorConfig{
				ChainID:        cfg.Polymarket.ChainID,
				Token:          cfg.ChainRPC.USDCAddress,
				TokenName:      cfg.ChainRPC.TokenName,
				TokenVersion:   cfg.ChainRPC.TokenVersion,
				PlatformWallet: cfg.Fee.PlatformWallet,
			}, logger)
		}
	}

	deps.Executor = settlement.NewExecutor(scfg, sd)
	deps.Resolver = settlement.NewResolver(scfg, sd)
	deps.Terminator = settlement.NewTerminator(sd)
	return nil
}

// loadRelayer resolves the gas-paying relayer key from a raw hex key or an
// encrypted key file.
func loadRelayer(w config.WalletConfig) (*ecdsa.PrivateKey, error) {
	hexKey, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    w.RelayerPrivateKey,
		EncryptedKeyPath: w.RelayerEncryptedKeyPath,
		KeyPassword:      w.RelayerKeyPassword,
	})
	if err != nil {
		return nil, err
	}
	return ethcrypto.HexToECDSA(hexKey)
}
