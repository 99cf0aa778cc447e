// Package config defines the top-level configuration for the decision engine
// daemon and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FUTARCHYD_* environment variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Chain      ChainConfig      `toml:"chain"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Governance GovernanceConfig `toml:"governance"`
	Observer   ObserverConfig   `toml:"observer"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds the treasury executor wallet credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ChainConfig holds the EVM endpoint used to execute approved actions.
type ChainConfig struct {
	RPCURL         string   `toml:"rpc_url"`
	ChainID        int64    `toml:"chain_id"`
	GasLimitCap    uint64   `toml:"gas_limit_cap"`
	ReceiptTimeout duration `toml:"receipt_timeout"`
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

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// GovernanceConfig seeds the organization registry at startup. Values here
// establish the initial org configs; later changes go through the registry.
type GovernanceConfig struct {
	// EngineEscrow, TreasuryAccount and VenueAccount are the bank accounts
	// the engine, treasury and market venue operate from.
	EngineEscrow    string `toml:"engine_escrow"`
	TreasuryAccount string `toml:"treasury_account"`
	VenueAccount    string `toml:"venue_account"`

	Orgs []OrgSeed `toml:"orgs"`
}

// OrgSeed declares one organization, its roles, and its market parameters.
type OrgSeed struct {
	OrgID       string   `toml:"org_id"`
	Owner       string   `toml:"owner"`
	Team        []string `toml:"team"`
	Admins      []string `toml:"admins"`
	BaseSymbol  string   `toml:"base_symbol"`
	QuoteSymbol string   `toml:"quote_symbol"`

	// Initial treasury holdings minted at startup, as decimal strings.
	TreasuryBaseSupply  string `toml:"treasury_base_supply"`
	TreasuryQuoteSupply string `toml:"treasury_quote_supply"`

	// Signed pass thresholds in bps; negative makes passing easier.
	TeamThresholdBps    int64 `toml:"team_threshold_bps"`
	NonTeamThresholdBps int64 `toml:"non_team_threshold_bps"`

	// Stake activation gates.
	OwnerStakeBps   int64  `toml:"owner_stake_bps"`
	TeamStakeBps    int64  `toml:"team_stake_bps"`
	DefaultStakeAbs string `toml:"default_stake_abs"` // decimal string

	StakingDuration      duration `toml:"staking_duration"`
	TradingDuration      duration `toml:"trading_duration"`
	MinCancellationDelay duration `toml:"min_cancellation_delay"`
	RecordingDelay       duration `toml:"recording_delay"`

	ObservationRateBps   int64 `toml:"observation_rate_bps"`
	LiquidityFractionBps int64 `toml:"liquidity_fraction_bps"`
	SwapFeeBps           int64 `toml:"swap_fee_bps"`
	TreasuryFeeShareBps  int64 `toml:"treasury_fee_share_bps"`
}

// ObserverConfig holds the price recorder parameters.
type ObserverConfig struct {
	Enabled      bool     `toml:"enabled"`
	PokeInterval duration `toml:"poke_interval"`
}

// ArchiveConfig holds the terminal-proposal archival parameters.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
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
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`

	// RateLimit caps requests per client per rate_window; 0 disables.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:         "http://localhost:8545",
			ChainID:        1,
			GasLimitCap:    5_000_000,
			ReceiptTimeout: duration{2 * time.Minute},
		},
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "futarchyd",
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
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "futarchyd-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Governance: GovernanceConfig{
			EngineEscrow:    "0x0000000000000000000000000000000000000e5c",
			TreasuryAccount: "0x000000000000000000000000000000000000757e",
			VenueAccount:    "0x0000000000000000000000000000000000000a77",
		},
		Observer: ObserverConfig{
			Enabled:      true,
			PokeInterval: duration{time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Cron:          "0 3 1 * *",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   240,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"proposal_activated", "proposal_resolved", "proposal_failed", "proposal_executed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// SeedDefaults returns an OrgSeed with the standard market parameters. Org
// identity fields (org_id, owner, symbols) are intentionally left empty.
func SeedDefaults() OrgSeed {
	return OrgSeed{
		TeamThresholdBps:     0,
		NonTeamThresholdBps:  300,
		OwnerStakeBps:        100,
		TeamStakeBps:         200,
		DefaultStakeAbs:      "1000",
		StakingDuration:      duration{7 * 24 * time.Hour},
		TradingDuration:      duration{7 * 24 * time.Hour},
		MinCancellationDelay: duration{24 * time.Hour},
		RecordingDelay:       duration{24 * time.Hour},
		ObservationRateBps:   10,
		LiquidityFractionBps: 1000,
		SwapFeeBps:           30,
		TreasuryFeeShareBps:  9000,
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"engine":   true,
	"recorder": true,
	"archive":  true,
	"server":   true,
	"full":     true,
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
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: engine, recorder, archive, server, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet is only needed when the engine executes actions on chain.
	needsWallet := c.Mode == "engine" || c.Mode == "full"
	if needsWallet && c.Chain.RPCURL != "" {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Chain.ChainID <= 0 {
			errs = append(errs, "chain: chain_id must be positive")
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

	// S3 is only required when archival is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
	}

	// Governance seeds
	for i, org := range c.Governance.Orgs {
		prefix := fmt.Sprintf("governance.orgs[%d]", i)
		if org.OrgID == "" {
			errs = append(errs, prefix+": org_id must not be empty")
		}
		if org.Owner == "" {
			errs = append(errs, prefix+": owner must not be empty")
		}
		if org.BaseSymbol == "" || org.QuoteSymbol == "" {
			errs = append(errs, prefix+": base_symbol and quote_symbol must not be empty")
		}
		if org.StakingDuration.Duration <= 0 {
			errs = append(errs, prefix+": staking_duration must be > 0")
		}
		if org.TradingDuration.Duration <= 0 {
			errs = append(errs, prefix+": trading_duration must be > 0")
		}
		if org.RecordingDelay.Duration < 0 || org.RecordingDelay.Duration >= org.TradingDuration.Duration {
			errs = append(errs, prefix+": recording_delay must be in [0, trading_duration)")
		}
		if org.ObservationRateBps <= 0 {
			errs = append(errs, prefix+": observation_rate_bps must be > 0")
		}
		if org.LiquidityFractionBps <= 0 || org.LiquidityFractionBps > 10_000 {
			errs = append(errs, prefix+": liquidity_fraction_bps must be in (0, 10000]")
		}
		if org.SwapFeeBps < 0 || org.SwapFeeBps >= 10_000 {
			errs = append(errs, prefix+": swap_fee_bps must be in [0, 10000)")
		}
		if org.TreasuryFeeShareBps < 0 || org.TreasuryFeeShareBps > 10_000 {
			errs = append(errs, prefix+": treasury_fee_share_bps must be in [0, 10000]")
		}
	}

	// Observer
	if c.Observer.Enabled && c.Observer.PokeInterval.Duration <= 0 {
		errs = append(errs, "observer: poke_interval must be > 0 when enabled")
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
