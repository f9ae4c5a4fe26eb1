// Package config defines the top-level configuration for the legchain
// settlement engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LEGCHAIN_* environment variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	ChainRPC   ChainRPCConfig   `toml:"chain_rpc"`
	Settlement SettlementConfig `toml:"settlement"`
	Fee        FeeConfig        `toml:"fee"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	Stream     StreamConfig     `toml:"stream"`
	Relay      RelayConfig      `toml:"relay"`
	Ingest     IngestConfig     `toml:"ingest"`
	S3         S3Config         `toml:"s3"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds the secrets used to unlock custodial user keys and the
// platform relayer key that pays gas for fee transfers.
type WalletConfig struct {
	MasterPassword          string `toml:"master_password"`
	RelayerPrivateKey       string `toml:"relayer_private_key"`
	RelayerEncryptedKeyPath string `toml:"relayer_encrypted_key_path"`
	RelayerKeyPassword      string `toml:"relayer_key_password"`
}

// PolymarketConfig holds Polymarket API endpoints and chain parameters.
type PolymarketConfig struct {
	ClobHost      string `toml:"clob_host"`
	GammaHost     string `toml:"gamma_host"`
	WsHost        string `toml:"ws_host"`
	ChainID       int    `toml:"chain_id"`
	SignatureType int    `toml:"signature_type"`
	// OrdersPerSecond bounds order placement from one process.
	OrdersPerSecond float64 `toml:"orders_per_second"`
	// OrderBudgetPerMinute is shared across processes through Redis.
	OrderBudgetPerMinute int `toml:"order_budget_per_minute"`
}

// ChainRPCConfig holds the Polygon RPC endpoint and token contract.
type ChainRPCConfig struct {
	URL            string `toml:"url"`
	USDCAddress    string `toml:"usdc_address"`
	LookbackBlocks uint64 `toml:"lookback_blocks"`
	// TokenName and TokenVersion form the token's EIP-712 permit domain.
	TokenName    string `toml:"token_name"`
	TokenVersion string `toml:"token_version"`
}

// SettlementConfig tunes the bet executor and resolution handler.
type SettlementConfig struct {
	// SlippageBps is added to the target price to form the order ceiling.
	SlippageBps int64 `toml:"slippage_bps"`
	// PriceCap is the highest ceiling ever sent, as a decimal string.
	PriceCap string `toml:"price_cap"`
	// ClosingSoonWindow rejects markets ending sooner than now+window.
	ClosingSoonWindow duration `toml:"closing_soon_window"`
	FillPollAttempts  int      `toml:"fill_poll_attempts"`
	FillPollBackoff   duration `toml:"fill_poll_backoff"`
	FillPollMaxWait   duration `toml:"fill_poll_max_wait"`
	RepollTimeout     duration `toml:"repoll_timeout"`
	VerifyPayouts     bool     `toml:"verify_payouts"`
	VerifyTimeout     duration `toml:"verify_timeout"`
	TradabilityTTL    duration `toml:"tradability_ttl"`
}

// FeeConfig configures the platform fee charged on multi-leg wins.
type FeeConfig struct {
	Enabled        bool   `toml:"enabled"`
	Bps            int64  `toml:"bps"`
	DustThreshold  string `toml:"dust_threshold"`
	PlatformWallet string `toml:"platform_wallet"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// StreamConfig selects and tunes the change-event transport.
type StreamConfig struct {
	// Transport is "redis" or "kafka".
	Transport    string   `toml:"transport"`
	Shards       int      `toml:"shards"`
	Group        string   `toml:"group"`
	Consumer     string   `toml:"consumer"`
	BatchSize    int      `toml:"batch_size"`
	Block        duration `toml:"block"`
	ReclaimIdle  duration `toml:"reclaim_idle"`
	MaxLen       int64    `toml:"max_len"`
	KafkaBrokers []string `toml:"kafka_brokers"`
	KafkaTopic   string   `toml:"kafka_topic"`
}

// RelayConfig tunes the outbox relay.
type RelayConfig struct {
	PollInterval duration `toml:"poll_interval"`
	BatchSize    int      `toml:"batch_size"`
	LockTTL      duration `toml:"lock_ttl"`
}

// IngestConfig tunes market resolution ingestion.
type IngestConfig struct {
	PollInterval     duration `toml:"poll_interval"`
	BatchSize        int      `toml:"batch_size"`
	WebsocketEnabled bool     `toml:"websocket_enabled"`
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
	// Prefix is prepended to every object key.
	Prefix string `toml:"prefix"`
}

// ArchiveConfig schedules audit log archival.
type ArchiveConfig struct {
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
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
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port"`
	APIKey  string `toml:"api_key"`
	// RateLimit is requests per RateWindow per caller on /api routes.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
	// MinStake is the smallest stake a position may open with.
	MinStake string `toml:"min_stake"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	// Burst alerts per event type, refilled one per Interval.
	Burst    int      `toml:"burst"`
	Interval duration `toml:"interval"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:             "https://clob.polymarket.com",
			GammaHost:            "https://gamma-api.polymarket.com",
			WsHost:               "wss://ws-subscriptions-clob.polymarket.com",
			ChainID:              137,
			SignatureType:        0,
			OrdersPerSecond:      5,
			OrderBudgetPerMinute: 240,
		},
		ChainRPC: ChainRPCConfig{
			URL:            "https://polygon-rpc.com",
			USDCAddress:    "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174",
			LookbackBlocks: 5000,
			TokenName:      "USD Coin (PoS)",
			TokenVersion:   "1",
		},
		Settlement: SettlementConfig{
			SlippageBps:       250,
			PriceCap:          "0.99",
			ClosingSoonWindow: duration{24 * time.Hour},
			FillPollAttempts:  4,
			FillPollBackoff:   duration{150 * time.Millisecond},
			FillPollMaxWait:   duration{time.Second},
			RepollTimeout:     duration{5 * time.Second},
			VerifyPayouts:     true,
			VerifyTimeout:     duration{10 * time.Second},
			TradabilityTTL:    duration{30 * time.Second},
		},
		Fee: FeeConfig{
			Enabled:       true,
			Bps:           200,
			DustThreshold: "0.01",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "legchain",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		Stream: StreamConfig{
			Transport:    "redis",
			Shards:       4,
			Group:        "settlement",
			BatchSize:    32,
			Block:        duration{2 * time.Second},
			ReclaimIdle:  duration{30 * time.Second},
			MaxLen:       100_000,
			KafkaBrokers: []string{"localhost:9092"},
			KafkaTopic:   "legchain.record-changes",
		},
		Relay: RelayConfig{
			PollInterval: duration{250 * time.Millisecond},
			BatchSize:    200,
			LockTTL:      duration{15 * time.Second},
		},
		Ingest: IngestConfig{
			PollInterval:     duration{time.Minute},
			BatchSize:        100,
			WebsocketEnabled: true,
		},
		S3: S3Config{
			Enabled:        true,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "legchain",
			UseSSL:         false,
			ForcePathStyle: true,
			Prefix:         "",
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			Cron:          "0 3 1 * *",
		},
		Server: ServerConfig{
			Enabled:    true,
			Port:       8000,
			RateLimit:  60,
			RateWindow: duration{time.Minute},
			MinStake:   "1",
		},
		Notify: NotifyConfig{
			Events:   []string{"fee_failed", "payout_mismatch", "stuck_bet", "order_unrecorded"},
			Burst:    5,
			Interval: duration{time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"settle": true,
	"relay":  true,
	"ingest": true,
	"full":   true,
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

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: settle, relay, ingest, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	settles := c.Mode == "settle" || c.Mode == "full"

	// Wallet
	if settles {
		if c.Wallet.MasterPassword == "" {
			errs = append(errs, "wallet: master_password is required to unlock custodial keys for mode "+c.Mode)
		}
		if c.Fee.Enabled && c.Wallet.RelayerPrivateKey == "" && c.Wallet.RelayerEncryptedKeyPath == "" {
			errs = append(errs, "wallet: relayer_private_key or relayer_encrypted_key_path must be set when fee collection is enabled")
		}
		if c.Wallet.RelayerEncryptedKeyPath != "" && c.Wallet.RelayerKeyPassword == "" {
			errs = append(errs, "wallet: relayer_key_password is required when relayer_encrypted_key_path is set")
		}
	}

	// Polymarket endpoints
	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.GammaHost == "" {
		errs = append(errs, "polymarket: gamma_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	if c.Polymarket.SignatureType < 0 || c.Polymarket.SignatureType > 2 {
		errs = append(errs, fmt.Sprintf("polymarket: signature_type must be 0 (EOA), 1 (proxy) or 2 (Safe), got %d", c.Polymarket.SignatureType))
	}
	if c.Polymarket.OrdersPerSecond <= 0 {
		errs = append(errs, "polymarket: orders_per_second must be > 0")
	}

	// Chain RPC
	if settles && (c.Settlement.VerifyPayouts || c.Fee.Enabled) {
		if c.ChainRPC.URL == "" {
			errs = append(errs, "chain_rpc: url is required for payout verification and fee collection")
		}
		if c.ChainRPC.USDCAddress == "" {
			errs = append(errs, "chain_rpc: usdc_address must not be empty")
		}
	}

	// Settlement
	if c.Settlement.SlippageBps < 0 || c.Settlement.SlippageBps >= 10_000 {
		errs = append(errs, fmt.Sprintf("settlement: slippage_bps must be in [0, 10000), got %d", c.Settlement.SlippageBps))
	}
	if _, err := c.Settlement.PriceCapMicro(); err != nil {
		errs = append(errs, "settlement: "+err.Error())
	}
	if c.Settlement.FillPollAttempts < 1 {
		errs = append(errs, "settlement: fill_poll_attempts must be >= 1")
	}
	if c.Settlement.FillPollBackoff.Duration <= 0 {
		errs = append(errs, "settlement: fill_poll_backoff must be > 0")
	}
	if c.Settlement.RepollTimeout.Duration <= 0 {
		errs = append(errs, "settlement: repoll_timeout must be > 0")
	}

	// Fee
	if c.Fee.Enabled {
		if c.Fee.Bps < 0 || c.Fee.Bps > 10_000 {
			errs = append(errs, fmt.Sprintf("fee: bps must be in [0, 10000], got %d", c.Fee.Bps))
		}
		if _, err := c.Fee.DustMicro(); err != nil {
			errs = append(errs, "fee: "+err.Error())
		}
		if settles && c.Fee.PlatformWallet == "" {
			errs = append(errs, "fee: platform_wallet must be set when fee collection is enabled")
		}
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Stream
	switch c.Stream.Transport {
	case "redis":
		if c.Stream.Shards < 1 {
			errs = append(errs, "stream: shards must be >= 1")
		}
	case "kafka":
		if len(c.Stream.KafkaBrokers) == 0 {
			errs = append(errs, "stream: kafka_brokers must not be empty for the kafka transport")
		}
		if c.Stream.KafkaTopic == "" {
			errs = append(errs, "stream: kafka_topic must not be empty for the kafka transport")
		}
	default:
		errs = append(errs, fmt.Sprintf("stream: unknown transport %q (valid: redis, kafka)", c.Stream.Transport))
	}
	if c.Stream.Group == "" {
		errs = append(errs, "stream: group must not be empty")
	}
	if c.Stream.BatchSize < 1 {
		errs = append(errs, "stream: batch_size must be >= 1")
	}

	// Relay
	if c.Relay.BatchSize < 1 {
		errs = append(errs, "relay: batch_size must be >= 1")
	}
	if c.Relay.PollInterval.Duration <= 0 {
		errs = append(errs, "relay: poll_interval must be > 0")
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
		if _, err := c.Server.MinStakeMicro(); err != nil {
			errs = append(errs, "server: "+err.Error())
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	// Archive
	if c.S3.Enabled && c.Archive.RetentionDays < 1 {
		errs = append(errs, "archive: retention_days must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
