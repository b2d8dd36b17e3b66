package main

import (
	"context"
	"fmt"

	"github.com/crossledger/settlement/internal/chain"
	"github.com/crossledger/settlement/internal/chain/btc"
	"github.com/crossledger/settlement/internal/chain/evm"
	"github.com/crossledger/settlement/internal/chain/stellar"
	"github.com/crossledger/settlement/internal/chain/ton"
	"github.com/crossledger/settlement/internal/chain/xrpl"
	"github.com/crossledger/settlement/internal/config"
	"github.com/crossledger/settlement/internal/db"
	"github.com/crossledger/settlement/internal/events"
	"github.com/crossledger/settlement/internal/fees"
	"github.com/crossledger/settlement/internal/http/handlers"
	"github.com/crossledger/settlement/internal/quote"
	"github.com/crossledger/settlement/internal/repositories"
	"github.com/crossledger/settlement/internal/services"
	"github.com/crossledger/settlement/internal/settlement"
	"github.com/crossledger/settlement/internal/store"
	"github.com/crossledger/settlement/internal/store/memory"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type auditStore interface {
	store.AuditStore
	handlers.AuditReader
}

// backend bundles persistence, cursors and the event transport for one run mode.
type backend struct {
	pool       *pgxpool.Pool // nil in memory mode
	rdb        *redis.Client // nil in memory mode
	offers     store.OfferStore
	swaps      store.SwapStore
	audit      auditStore
	feeConfigs fees.ConfigStore
	cursors    settlement.CursorStore
	publisher  events.Publisher
	subscriber events.Subscriber
}

func (b *backend) Close() {
	if b.rdb != nil {
		_ = b.rdb.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

func openBackend(ctx context.Context, cfg *config.Config, log *zap.Logger) (*backend, error) {
	if cfg.MemoryStores {
		bus := events.NewBus()
		return &backend{
			offers:     memory.NewOfferStore(),
			swaps:      memory.NewSwapStore(),
			audit:      memory.NewAuditStore(),
			feeConfigs: memory.NewFeeConfigStore(),
			cursors:    settlement.NewMemoryCursorStore(),
			publisher:  bus,
			subscriber: bus,
		}, nil
	}

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, cfg.DBMaxConns, log)
	if err != nil {
		return nil, err
	}
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &backend{
		pool:       pool,
		rdb:        rdb,
		offers:     repositories.NewOfferRepo(pool),
		swaps:      repositories.NewSwapRepo(pool),
		audit:      repositories.NewAuditRepo(pool),
		feeConfigs: repositories.NewFeeConfigRepo(pool),
		cursors:    settlement.NewRedisCursorStore(rdb),
		publisher:  events.NewRedisPublisher(rdb, log),
		subscriber: events.NewRedisSubscriber(rdb, log),
	}, nil
}

// buildRegistry registers an adapter for every chain whose config is present.
// A chain that is configured but cannot be built is a startup error.
func buildRegistry(ctx context.Context, cfg *config.Config, log *zap.Logger) (*chain.Registry, error) {
	reg := chain.NewRegistry()

	var custodian chain.Custodian
	if cfg.CustodianURL != "" {
		custodian = chain.NewCustodianClient(cfg.CustodianURL, cfg.CustodianToken, log)
	}
	needsCustodian := func(name string) error {
		if custodian == nil {
			return fmt.Errorf("%s is configured but CUSTODIAN_URL is not set", name)
		}
		return nil
	}

	if cfg.EVMRPCURL != "" {
		tokens, err := evm.ParseTokens(cfg.EVMTokens)
		if err != nil {
			return nil, err
		}
		a, err := evm.Dial(evm.Config{
			Key:           chain.Normalize(cfg.EVMChainKey),
			RPCURL:        cfg.EVMRPCURL,
			PrivateKey:    cfg.EVMHotWalletKey,
			NativeSymbol:  cfg.EVMNativeSymbol,
			Tokens:        tokens,
			MaxBlockRange: cfg.EVMMaxBlockRange,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("evm adapter: %w", err)
		}
		reg.Register(a)
	}

	if cfg.BTCMempoolAPI != "" {
		if err := needsCustodian("btc"); err != nil {
			return nil, err
		}
		a, err := btc.New(btc.Config{MempoolAPI: cfg.BTCMempoolAPI, Network: cfg.BTCNetwork}, custodian, log)
		if err != nil {
			return nil, fmt.Errorf("btc adapter: %w", err)
		}
		reg.Register(a)
	}

	if cfg.TONHotWalletAddress != "" {
		tcfg := ton.Config{
			Network:          cfg.TONNetwork,
			HotWalletAddress: cfg.TONHotWalletAddress,
			WalletSeed:       cfg.TONWalletSeed,
			LiteServerHost:   cfg.LiteServerHost,
			LiteServerPort:   cfg.LiteServerPort,
			LiteServerKey:    cfg.LiteServerKey,
		}
		api, err := ton.Connect(ctx, tcfg, log)
		if err != nil {
			return nil, fmt.Errorf("ton connect: %w", err)
		}
		a, err := ton.New(api, tcfg, log)
		if err != nil {
			return nil, fmt.Errorf("ton adapter: %w", err)
		}
		reg.Register(a)
	}

	if cfg.XRPLRPCURL != "" {
		if err := needsCustodian("xrpl"); err != nil {
			return nil, err
		}
		a, err := xrpl.New(xrpl.Config{RPCURL: cfg.XRPLRPCURL}, custodian, log)
		if err != nil {
			return nil, fmt.Errorf("xrpl adapter: %w", err)
		}
		reg.Register(a)
	}

	if cfg.StellarHorizonURL != "" {
		if err := needsCustodian("stellar"); err != nil {
			return nil, err
		}
		a, err := stellar.New(stellar.Config{HorizonURL: cfg.StellarHorizonURL}, custodian, log)
		if err != nil {
			return nil, fmt.Errorf("stellar adapter: %w", err)
		}
		reg.Register(a)
	}

	keys := reg.Keys()
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, string(k))
	}
	if len(names) == 0 {
		log.Warn("no chain adapters configured, every swap and offer will be rejected")
	} else {
		log.Info("chain adapters registered", zap.Strings("chains", names))
	}
	return reg, nil
}

func matchPolicy(cfg *config.Config) settlement.MatchPolicy {
	p := settlement.DefaultMatchPolicy()
	if cfg.MatchTolerance.IsPositive() {
		p.Tolerance = cfg.MatchTolerance
	}
	for name, n := range cfg.MinConfirmations {
		p.MinConfirmations[chain.Key(name)] = n
	}
	return p
}

// app is the fully wired settlement core.
type app struct {
	backend *backend
	chains  *chain.Registry
	sctx    *settlement.Context
	swaps   *services.SwapService
	escrow  *services.EscrowService
	engine  *settlement.Engine
}

// buildApp wires registries first so services can register monitored
// addresses, then the engine around the same Context.
func buildApp(ctx context.Context, cfg *config.Config, log *zap.Logger, b *backend) (*app, error) {
	chains, err := buildRegistry(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	sctx := settlement.NewContext()
	calc := fees.NewCalculator(b.feeConfigs, cfg.DefaultFeePercentage)

	swapSvc := services.NewSwapService(b.swaps, b.audit, chains, sctx, b.publisher, cfg.SwapExpiration, log)
	escrowSvc := services.NewEscrowService(b.offers, b.audit, chains, calc, sctx, b.publisher, log,
		services.WithOfferExpiration(cfg.OfferExpiration),
		services.WithSystemCredentials(chain.Credentials{Signer: cfg.EscrowSystemSigner, Secret: cfg.EscrowSystemSecret}),
	)

	engine := settlement.New(sctx, settlement.Deps{
		Chains:     chains,
		Cursors:    b.cursors,
		Swaps:      swapSvc,
		Offers:     escrowSvc,
		SwapStore:  b.swaps,
		OfferStore: b.offers,
		Audit:      b.audit,
		Publisher:  b.publisher,
		Fees:       calc,
		Quotes:     quote.NewOneClick(cfg.OneClickJWT, cfg.OneClickBaseURL, quote.ChainFunder{Chains: chains}, log),
	}, settlement.Options{
		Policy:        matchPolicy(cfg),
		PollInterval:  cfg.MonitorPollInterval,
		SweepInterval: cfg.SweepInterval,
		DrainInterval: cfg.QueueDrainInterval,
		CallTimeout:   cfg.ExternalCallTimeout,
	}, log)

	return &app{
		backend: b,
		chains:  chains,
		sctx:    sctx,
		swaps:   swapSvc,
		escrow:  escrowSvc,
		engine:  engine,
	}, nil
}
