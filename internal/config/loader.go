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
// built-in defaults, applies FUTARCHYD_* environment variable overrides, and
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

// applyEnvOverrides reads well-known FUTARCHYD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "FUTARCHYD_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "FUTARCHYD_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "FUTARCHYD_WALLET_KEY_PASSWORD")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "FUTARCHYD_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "FUTARCHYD_CHAIN_ID")
	setUint64(&cfg.Chain.GasLimitCap, "FUTARCHYD_CHAIN_GAS_LIMIT_CAP")
	setDuration(&cfg.Chain.ReceiptTimeout, "FUTARCHYD_CHAIN_RECEIPT_TIMEOUT")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FUTARCHYD_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "FUTARCHYD_POSTGRES_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "FUTARCHYD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FUTARCHYD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FUTARCHYD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FUTARCHYD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FUTARCHYD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FUTARCHYD_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "FUTARCHYD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "FUTARCHYD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "FUTARCHYD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "FUTARCHYD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FUTARCHYD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FUTARCHYD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FUTARCHYD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "FUTARCHYD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "FUTARCHYD_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "FUTARCHYD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FUTARCHYD_S3_REGION")
	setStr(&cfg.S3.Bucket, "FUTARCHYD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FUTARCHYD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FUTARCHYD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "FUTARCHYD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FUTARCHYD_S3_FORCE_PATH_STYLE")

	// ── Governance ──
	setStr(&cfg.Governance.EngineEscrow, "FUTARCHYD_GOVERNANCE_ENGINE_ESCROW")
	setStr(&cfg.Governance.TreasuryAccount, "FUTARCHYD_GOVERNANCE_TREASURY_ACCOUNT")
	setStr(&cfg.Governance.VenueAccount, "FUTARCHYD_GOVERNANCE_VENUE_ACCOUNT")

	// ── Observer ──
	setBool(&cfg.Observer.Enabled, "FUTARCHYD_OBSERVER_ENABLED")
	setDuration(&cfg.Observer.PokeInterval, "FUTARCHYD_OBSERVER_POKE_INTERVAL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "FUTARCHYD_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "FUTARCHYD_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "FUTARCHYD_ARCHIVE_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "FUTARCHYD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "FUTARCHYD_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "FUTARCHYD_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "FUTARCHYD_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "FUTARCHYD_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "FUTARCHYD_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "FUTARCHYD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FUTARCHYD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "FUTARCHYD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "FUTARCHYD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "FUTARCHYD_MODE")
	setStr(&cfg.LogLevel, "FUTARCHYD_LOG_LEVEL")
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

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
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
