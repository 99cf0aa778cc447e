package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/quorumlabs/futarchyd/internal/blob/s3"
	"github.com/quorumlabs/futarchyd/internal/cache/redis"
	"github.com/quorumlabs/futarchyd/internal/config"
	"github.com/quorumlabs/futarchyd/internal/crypto"
	"github.com/quorumlabs/futarchyd/internal/domain"
	"github.com/quorumlabs/futarchyd/internal/engine"
	"github.com/quorumlabs/futarchyd/internal/executor"
	"github.com/quorumlabs/futarchyd/internal/ledger"
	"github.com/quorumlabs/futarchyd/internal/market"
	"github.com/quorumlabs/futarchyd/internal/notify"
	"github.com/quorumlabs/futarchyd/internal/platform/evm"
	"github.com/quorumlabs/futarchyd/internal/registry"
	"github.com/quorumlabs/futarchyd/internal/store/postgres"
	"github.com/quorumlabs/futarchyd/internal/token"
	"github.com/quorumlabs/futarchyd/internal/treasury"
)

// Dependencies bundles the infrastructure-level dependencies the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	ProposalStore domain.ProposalStore
	StakeStore    domain.StakeStore
	OrgStore      domain.OrgStore
	AuditStore    domain.AuditStore

	// Caches
	TwapCache   domain.TwapCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// Core bundles the decision engine and its collaborators.
type Core struct {
	Bank     *token.Bank
	Registry *registry.Registry
	Treasury *treasury.Treasury
	Venue    *market.Venue
	Engine   *engine.Engine
	Clock    domain.Clock
}

// needsPostgres returns true for modes that require a database connection.
func needsPostgres(mode string) bool {
	switch mode {
	case "engine", "server", "archive", "full":
		return true
	default:
		return false
	}
}

// needsS3 returns true for modes that require object storage.
func needsS3(mode string) bool {
	switch mode {
	case "archive", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete infrastructure implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL (only for modes that need persistence) ---
	if needsPostgres(cfg.Mode) {
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		// Run migrations if enabled.
		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.ProposalStore = postgres.NewProposalStore(pool)
		deps.StakeStore = postgres.NewStakeStore(pool)
		deps.OrgStore = postgres.NewOrgStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

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
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.TwapCache = redis.NewTwapCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 blob storage (only for modes that need object storage) ---
	if needsS3(cfg.Mode) && cfg.Archive.Enabled {
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		if deps.ProposalStore != nil && deps.AuditStore != nil {
			deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.ProposalStore, deps.AuditStore)
		}
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
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// BuildCore constructs the token bank, registry, treasury, market venue and
// decision engine, seeding the configured organizations. The returned cleanup
// releases the EVM connection when one was dialed.
func BuildCore(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*Core, func(), error) {
	escrow := common.HexToAddress(cfg.Governance.EngineEscrow)
	treasuryAcct := common.HexToAddress(cfg.Governance.TreasuryAccount)
	venueAcct := common.HexToAddress(cfg.Governance.VenueAccount)

	clock := domain.SystemClock{}
	bank := token.NewBank()
	reg := registry.New(deps.OrgStore)

	if err := seedOrgs(ctx, cfg, bank, reg, treasuryAcct); err != nil {
		return nil, nil, err
	}

	// Action call executor. Without an RPC endpoint the engine still runs;
	// ExecuteAction fails until one is configured.
	var callExec treasury.CallExecutor
	cleanup := func() {}
	if cfg.Chain.RPCURL != "" && (cfg.Wallet.PrivateKey != "" || cfg.Wallet.EncryptedKeyPath != "") {
		keyHex, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("wire: wallet key: %w", err)
		}
		signer, err := crypto.NewSigner(keyHex, cfg.Chain.ChainID)
		if err != nil {
			return nil, nil, fmt.Errorf("wire: %w", err)
		}
		exec, err := evm.NewExecutor(ctx, evm.Config{
			RPCURL:         cfg.Chain.RPCURL,
			GasLimitCap:    cfg.Chain.GasLimitCap,
			ReceiptTimeout: cfg.Chain.ReceiptTimeout.Duration,
		}, signer, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("wire: %w", err)
		}
		callExec = exec
		cleanup = exec.Close
	} else {
		logger.Warn("no chain endpoint or wallet configured, action execution disabled")
	}

	treas := treasury.New(bank, reg, treasuryAcct, escrow, callExec, logger)
	venue := market.NewVenue(bank, clock, venueAcct, logger)
	stakes := ledger.NewStakeLedger(bank, escrow)
	claims := ledger.NewClaimLedger(bank, bank, escrow)
	actions := executor.New(treas, clock, logger)

	eng := engine.New(reg, treas, venue, bank, clock, stakes, claims, actions, escrow, engine.Sinks{
		Proposals: deps.ProposalStore,
		Stakes:    deps.StakeStore,
		Audit:     deps.AuditStore,
		Bus:       deps.SignalBus,
	}, logger)

	return &Core{
		Bank:     bank,
		Registry: reg,
		Treasury: treas,
		Venue:    venue,
		Engine:   eng,
		Clock:    clock,
	}, cleanup, nil
}

// seedOrgs registers each configured organization: collateral instruments,
// initial treasury holdings, market parameters, and roles.
func seedOrgs(ctx context.Context, cfg *config.Config, bank *token.Bank, reg *registry.Registry, treasuryAcct common.Address) error {
	for _, seed := range cfg.Governance.Orgs {
		baseToken := token.InstrumentID(seed.OrgID, seed.BaseSymbol)
		quoteToken := token.InstrumentID(seed.OrgID, seed.QuoteSymbol)

		if err := bank.CreateInstrument(baseToken, seed.BaseSymbol); err != nil {
			return fmt.Errorf("wire: org %s: %w", seed.OrgID, err)
		}
		if err := bank.CreateInstrument(quoteToken, seed.QuoteSymbol); err != nil {
			return fmt.Errorf("wire: org %s: %w", seed.OrgID, err)
		}

		if err := mintSupply(ctx, bank, baseToken, treasuryAcct, seed.TreasuryBaseSupply); err != nil {
			return fmt.Errorf("wire: org %s base supply: %w", seed.OrgID, err)
		}
		if err := mintSupply(ctx, bank, quoteToken, treasuryAcct, seed.TreasuryQuoteSupply); err != nil {
			return fmt.Errorf("wire: org %s quote supply: %w", seed.OrgID, err)
		}

		defaultStake, ok := new(big.Int).SetString(orDefault(seed.DefaultStakeAbs, "0"), 10)
		if !ok {
			return fmt.Errorf("wire: org %s: invalid default_stake_abs %q", seed.OrgID, seed.DefaultStakeAbs)
		}

		if err := reg.SetOrgConfig(ctx, domain.OrgConfig{
			OrgID:                seed.OrgID,
			BaseToken:            baseToken,
			QuoteToken:           quoteToken,
			TeamThresholdBps:     seed.TeamThresholdBps,
			NonTeamThresholdBps:  seed.NonTeamThresholdBps,
			OwnerStakeBps:        seed.OwnerStakeBps,
			TeamStakeBps:         seed.TeamStakeBps,
			DefaultStakeAbs:      defaultStake,
			StakingDuration:      seed.StakingDuration.Duration,
			TradingDuration:      seed.TradingDuration.Duration,
			MinCancellationDelay: seed.MinCancellationDelay.Duration,
			RecordingDelay:       seed.RecordingDelay.Duration,
			ObservationRateBps:   seed.ObservationRateBps,
			LiquidityFractionBps: seed.LiquidityFractionBps,
			SwapFeeBps:           seed.SwapFeeBps,
			TreasuryFeeShareBps:  seed.TreasuryFeeShareBps,
		}); err != nil {
			return fmt.Errorf("wire: org %s: %w", seed.OrgID, err)
		}

		if err := reg.SetOwner(ctx, seed.OrgID, common.HexToAddress(seed.Owner)); err != nil {
			return fmt.Errorf("wire: org %s owner: %w", seed.OrgID, err)
		}
		for _, member := range seed.Team {
			if err := reg.AddTeamMember(ctx, seed.OrgID, common.HexToAddress(member)); err != nil {
				return fmt.Errorf("wire: org %s team: %w", seed.OrgID, err)
			}
		}
		for _, admin := range seed.Admins {
			if err := reg.AddProtocolAdmin(ctx, common.HexToAddress(admin)); err != nil {
				return fmt.Errorf("wire: org %s admin: %w", seed.OrgID, err)
			}
		}
	}
	return nil
}

func mintSupply(ctx context.Context, bank *token.Bank, tok common.Hash, to common.Address, amount string) error {
	if amount == "" {
		return nil
	}
	n, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount %q", amount)
	}
	if n.Sign() == 0 {
		return nil
	}
	return bank.Mint(ctx, tok, to, n)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
