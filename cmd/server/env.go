package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"monconnect/internal/config"
	"monconnect/internal/dispute"
	"monconnect/internal/escrow"
	"monconnect/internal/escrowsync"
	"monconnect/internal/localstore"
	"monconnect/internal/metrics"
	"monconnect/internal/roles"
	"monconnect/internal/wallet"
)

// environment is everything the commands share: one wallet session, the
// escrow client acting as it, and the local stores.
type environment struct {
	cfg      *config.AppConfig
	log      *slog.Logger
	session  *wallet.Session
	self     common.Address
	client   escrow.Client
	store    localstore.Store
	disputes dispute.Store
	jury     *roles.JuryRegistry
	gate     *roles.Gate
	metrics  *metrics.Registry
	closers  []func()
}

func setup(ctx context.Context, configPath string, logger *slog.Logger) (*environment, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	env := &environment{cfg: cfg, log: logger, metrics: metrics.New()}

	store, closeStore, err := localstore.Open(ctx, cfg.Service.StoreDriver, cfg.Service.StorePath, cfg.Service.PostgresDSN)
	if err != nil {
		return nil, err
	}
	env.store = store
	env.closers = append(env.closers, closeStore)
	env.disputes = dispute.NewKVStore(store)
	env.jury = roles.NewJuryRegistry(store)

	var orgNFT, spNFT roles.NFT
	if cfg.Chain.Signing() {
		orgNFT, spNFT, err = env.connectChain(ctx)
	} else {
		orgNFT, spNFT, err = env.connectDev(ctx)
	}
	if err != nil {
		env.Close()
		return nil, err
	}

	env.gate = roles.NewGate(roles.GateConfig{
		OrganizerNFT:       orgNFT,
		ServiceProviderNFT: spNFT,
		Jury:               env.jury,
		PollTimeout:        cfg.Confirm.OwnershipTimeout,
		PollInterval:       cfg.Confirm.OwnershipPoll,
		Logger:             logger,
	})
	return env, nil
}

func (e *environment) chainDescriptor() wallet.ChainDescriptor {
	return wallet.ChainDescriptor{
		ChainID:      e.cfg.Chain.ChainIDBig(),
		Name:         e.cfg.Chain.Name,
		RPCURL:       e.cfg.Chain.RPCURL,
		ExplorerURL:  e.cfg.Chain.ExplorerURL,
		NativeSymbol: e.cfg.Chain.NativeSymbol,
		Decimals:     e.cfg.Chain.Decimals,
	}
}

// connectChain signs with the configured key or clef and talks to the
// deployed contracts.
func (e *environment) connectChain(ctx context.Context) (roles.NFT, roles.NFT, error) {
	desc := e.chainDescriptor()
	provider, err := wallet.NewRPCProvider(ctx, wallet.RPCConfig{
		Chain:      desc,
		PrivateKey: e.cfg.Chain.PrivateKey,
		ClefURL:    e.cfg.Chain.ClefURL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("wallet provider error: %w", err)
	}
	e.closers = append(e.closers, provider.Close)

	if err := e.connectSession(ctx, provider); err != nil {
		return nil, nil, err
	}
	opts, err := e.session.TransactOpts(ctx)
	if err != nil {
		return nil, nil, err
	}

	backend := provider.Backend()
	client, err := escrow.NewEthClient(ctx, escrow.EthClientConfig{
		Backend:        backend,
		ContractEscrow: e.cfg.Contracts.Escrow,
		Transactor:     opts,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("escrow client error: %w", err)
	}
	e.client = client

	orgNFT, err := roles.NewEthNFT(backend, e.cfg.Contracts.OrganizerNFT, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("organizer nft: %w", err)
	}
	spNFT, err := roles.NewEthNFT(backend, e.cfg.Contracts.ServiceProviderNFT, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("service provider nft: %w", err)
	}
	e.log.Info("connected to chain", "chain_id", e.cfg.Chain.ChainID, "escrow", client.Address().Hex(), "account", e.self.Hex())
	return orgNFT, spNFT, nil
}

// connectDev runs against an in-process chain with a couple of demo escrows
// so the dashboard has something to show.
func (e *environment) connectDev(ctx context.Context) (roles.NFT, roles.NFT, error) {
	desc := e.chainDescriptor()
	var accounts []common.Address
	if e.cfg.Chain.DevAccount != "" {
		if !common.IsHexAddress(e.cfg.Chain.DevAccount) {
			return nil, nil, fmt.Errorf("%w: dev account %q", escrow.ErrInvalidInput, e.cfg.Chain.DevAccount)
		}
		accounts = append(accounts, common.HexToAddress(e.cfg.Chain.DevAccount))
	}
	provider, err := wallet.NewFakeProvider(desc.ChainID, accounts...)
	if err != nil {
		return nil, nil, err
	}
	if err := e.connectSession(ctx, provider); err != nil {
		return nil, nil, err
	}
	provider.SetBalance(e.self, new(big.Int).Mul(big.NewInt(100), big.NewInt(1_000_000_000_000_000_000)))

	chain := escrow.NewFakeChain()
	chain.OrganizerFeeBps = e.cfg.Fees.OrganizerBps
	chain.AdvanceBps = e.cfg.Fees.AdvanceBps
	seedDemo(chain, e.self, time.Now())
	e.client = chain.Client(e.self)

	e.log.Warn("no signer configured, running against the in-memory dev chain", "account", e.self.Hex())
	return roles.NewFakeNFT(common.HexToAddress(e.cfg.Contracts.OrganizerNFT)),
		roles.NewFakeNFT(common.HexToAddress(e.cfg.Contracts.ServiceProviderNFT)), nil
}

func (e *environment) connectSession(ctx context.Context, p wallet.Provider) error {
	session, err := wallet.Connect(ctx, p, e.chainDescriptor(), e.log)
	if err != nil {
		return fmt.Errorf("wallet connect: %w", err)
	}
	e.session = session
	e.self = session.Account()
	e.closers = append(e.closers, session.Close)
	return nil
}

func (e *environment) newView(role escrow.Role) *escrowsync.Synchronizer {
	return escrowsync.New(e.client, escrowsync.Options{
		Viewer:          e.self,
		Role:            role,
		Interval:        e.cfg.Sync.Interval,
		NotificationTTL: e.cfg.Sync.NotificationTTL,
		MaxEscrows:      uint64(e.cfg.Sync.MaxEscrows),
		Logger:          e.log,
		Metrics:         e.metrics,
	})
}

func (e *environment) newViews() map[escrow.Role]*escrowsync.Synchronizer {
	return map[escrow.Role]*escrowsync.Synchronizer{
		escrow.RoleOrganizer: e.newView(escrow.RoleOrganizer),
		escrow.RoleVendor:    e.newView(escrow.RoleVendor),
	}
}

// Close releases resources in reverse order of acquisition.
func (e *environment) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

var demoCounterparty = common.HexToAddress("0x00000000000000000000000000000000000de110")

func seedDemo(chain *escrow.FakeChain, self common.Address, now time.Time) {
	wei := func(milli int64) *big.Int {
		return new(big.Int).Mul(big.NewInt(milli), big.NewInt(1_000_000_000_000_000))
	}
	deadline := big.NewInt(now.Add(7 * 24 * time.Hour).Unix())
	chain.Seed(escrow.RawEscrow{
		Organizer:      self,
		Vendor:         demoCounterparty,
		OriginalAmount: wei(2_000),
		EscrowBalance:  wei(2_000),
		Status:         uint8(escrow.StatusFunded.Code()),
		Deadline:       deadline,
		PenaltyRate:    big.NewInt(10),
	})
	chain.Seed(escrow.RawEscrow{
		Organizer:      demoCounterparty,
		Vendor:         self,
		OriginalAmount: wei(500),
		EscrowBalance:  wei(500),
		Status:         uint8(escrow.StatusInProgress.Code()),
		Deadline:       deadline,
		PenaltyRate:    big.NewInt(5),
		ProofUrl:       "https://example.com/proof/1",
	})
	chain.Seed(escrow.RawEscrow{
		Organizer:      self,
		Vendor:         demoCounterparty,
		OriginalAmount: wei(1_000),
		EscrowBalance:  big.NewInt(0),
		Status:         uint8(escrow.StatusReleased.Code()),
		Deadline:       big.NewInt(now.Add(-24 * time.Hour).Unix()),
		PenaltyRate:    big.NewInt(0),
	})
}
