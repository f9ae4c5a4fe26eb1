package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LEGCHAIN_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LEGCHAIN_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Secrets are expected to arrive this way rather than in the file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.MasterPassword, "LEGCHAIN_WALLET_MASTER_PASSWORD")
	setStr(&cfg.Wallet.RelayerPrivateKey, "LEGCHAIN_WALLET_RELAYER_PRIVATE_KEY")
	setStr(&cfg.Wallet.RelayerEncryptedKeyPath, "LEGCHAIN_WALLET_RELAYER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.RelayerKeyPassword, "LEGCHAIN_WALLET_RELAYER_KEY_PASSWORD")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "LEGCHAIN_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "LEGCHAIN_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.WsHost, "LEGCHAIN_POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "LEGCHAIN_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "LEGCHAIN_POLYMARKET_SIGNATURE_TYPE")
	setFloat64(&cfg.Polymarket.OrdersPerSecond, "LEGCHAIN_POLYMARKET_ORDERS_PER_SECOND")
	setInt(&cfg.Polymarket.OrderBudgetPerMinute, "LEGCHAIN_POLYMARKET_ORDER_BUDGET_PER_MINUTE")

	// ── Chain RPC ──
	setStr(&cfg.ChainRPC.URL, "LEGCHAIN_CHAIN_RPC_URL")
	setStr(&cfg.ChainRPC.USDCAddress, "LEGCHAIN_CHAIN_RPC_USDC_ADDRESS")
	setStr(&cfg.ChainRPC.TokenName, "LEGCHAIN_CHAIN_RPC_TOKEN_NAME")
	setStr(&cfg.ChainRPC.TokenVersion, "LEGCHAIN_CHAIN_RPC_TOKEN_VERSION")

	// ── Settlement ──
	setInt64(&cfg.Settlement.SlippageBps, "LEGCHAIN_SETTLEMENT_SLIPPAGE_BPS")
	setStr(&cfg.Settlement.PriceCap, "LEGCHAIN_SETTLEMENT_PRICE_CAP")
	setDuration(&cfg.Settlement.ClosingSoonWindow, "LEGCHAIN_SETTLEMENT_CLOSING_SOON_WINDOW")
	setInt(&cfg.Settlement.FillPollAttempts, "LEGCHAIN_SETTLEMENT_FILL_POLL_ATTEMPTS")
	setDuration(&cfg.Settlement.FillPollBackoff, "LEGCHAIN_SETTLEMENT_FILL_POLL_BACKOFF")
	setDuration(&cfg.Settlement.FillPollMaxWait, "LEGCHAIN_SETTLEMENT_FILL_POLL_MAX_WAIT")
	setDuration(&cfg.Settlement.RepollTimeout, "LEGCHAIN_SETTLEMENT_REPOLL_TIMEOUT")
	setBool(&cfg.Settlement.VerifyPayouts, "LEGCHAIN_SETTLEMENT_VERIFY_PAYOUTS")

	// ── Fee ──
	setBool(&cfg.Fee.Enabled, "LEGCHAIN_FEE_ENABLED")
	setInt64(&cfg.Fee.Bps, "LEGCHAIN_FEE_BPS")
	setStr(&cfg.Fee.DustThreshold, "LEGCHAIN_FEE_DUST_THRESHOLD")
	setStr(&cfg.Fee.PlatformWallet, "LEGCHAIN_FEE_PLATFORM_WALLET")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "LEGCHAIN_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "LEGCHAIN_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LEGCHAIN_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LEGCHAIN_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LEGCHAIN_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LEGCHAIN_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LEGCHAIN_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LEGCHAIN_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LEGCHAIN_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LEGCHAIN_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LEGCHAIN_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LEGCHAIN_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LEGCHAIN_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LEGCHAIN_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LEGCHAIN_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LEGCHAIN_REDIS_TLS_ENABLED")

	// ── Stream ──
	setStr(&cfg.Stream.Transport, "LEGCHAIN_STREAM_TRANSPORT")
	setInt(&cfg.Stream.Shards, "LEGCHAIN_STREAM_SHARDS")
	setStr(&cfg.Stream.Group, "LEGCHAIN_STREAM_GROUP")
	setStr(&cfg.Stream.Consumer, "LEGCHAIN_STREAM_CONSUMER")
	setInt(&cfg.Stream.BatchSize, "LEGCHAIN_STREAM_BATCH_SIZE")
	setDuration(&cfg.Stream.ReclaimIdle, "LEGCHAIN_STREAM_RECLAIM_IDLE")
	setStringSlice(&cfg.Stream.KafkaBrokers, "LEGCHAIN_STREAM_KAFKA_BROKERS")
	setStr(&cfg.Stream.KafkaTopic, "LEGCHAIN_STREAM_KAFKA_TOPIC")

	// ── Relay / Ingest ──
	setDuration(&cfg.Relay.PollInterval, "LEGCHAIN_RELAY_POLL_INTERVAL")
	setInt(&cfg.Relay.BatchSize, "LEGCHAIN_RELAY_BATCH_SIZE")
	setDuration(&cfg.Ingest.PollInterval, "LEGCHAIN_INGEST_POLL_INTERVAL")
	setBool(&cfg.Ingest.WebsocketEnabled, "LEGCHAIN_INGEST_WEBSOCKET_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "LEGCHAIN_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "LEGCHAIN_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LEGCHAIN_S3_REGION")
	setStr(&cfg.S3.Bucket, "LEGCHAIN_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LEGCHAIN_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LEGCHAIN_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LEGCHAIN_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LEGCHAIN_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "LEGCHAIN_S3_PREFIX")

	// ── Archive ──
	setInt(&cfg.Archive.RetentionDays, "LEGCHAIN_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "LEGCHAIN_ARCHIVE_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "LEGCHAIN_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LEGCHAIN_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "LEGCHAIN_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "LEGCHAIN_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "LEGCHAIN_SERVER_RATE_WINDOW")
	setStr(&cfg.Server.MinStake, "LEGCHAIN_SERVER_MIN_STAKE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LEGCHAIN_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LEGCHAIN_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LEGCHAIN_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LEGCHAIN_NOTIFY_EVENTS")
	setInt(&cfg.Notify.Burst, "LEGCHAIN_NOTIFY_BURST")
	setDuration(&cfg.Notify.Interval, "LEGCHAIN_NOTIFY_INTERVAL")

	// ── Top-level ──
	setStr(&cfg.Mode, "LEGCHAIN_MODE")
	setStr(&cfg.LogLevel, "LEGCHAIN_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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
