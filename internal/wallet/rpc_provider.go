package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/external"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"monconnect/internal/escrow"
)

type RPCConfig struct {
	// Chain is dialed first; Known lists chains SwitchChain may move to.
	Chain      ChainDescriptor
	Known      []ChainDescriptor
	PrivateKey string
	ClefURL    string
}

// RPCProvider signs with a local private key or a clef external signer and
// reads through a JSON-RPC node.
type RPCProvider struct {
	mu      sync.Mutex
	chains  map[string]ChainDescriptor
	client  *ethclient.Client
	current *big.Int
	key     *ecdsa.PrivateKey
	clef    *external.ExternalSigner
	subs    subscribers
}

func NewRPCProvider(ctx context.Context, cfg RPCConfig) (*RPCProvider, error) {
	if cfg.Chain.ChainID == nil || cfg.Chain.RPCURL == "" {
		return nil, fmt.Errorf("%w: chain id and rpc url are required", escrow.ErrProviderUnavailable)
	}
	p := &RPCProvider{chains: make(map[string]ChainDescriptor)}
	for _, c := range append([]ChainDescriptor{cfg.Chain}, cfg.Known...) {
		if c.ChainID != nil {
			p.chains[c.ChainID.String()] = c
		}
	}

	switch {
	case cfg.PrivateKey != "":
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		p.key = key
	case cfg.ClefURL != "":
		signer, err := external.NewExternalSigner(cfg.ClefURL)
		if err != nil {
			return nil, fmt.Errorf("%w: clef: %v", escrow.ErrProviderUnavailable, err)
		}
		p.clef = signer
	}

	client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", escrow.ErrProviderUnavailable, cfg.Chain.RPCURL, err)
	}
	p.client = client
	p.current = new(big.Int).Set(cfg.Chain.ChainID)
	return p, nil
}

// Backend is the node connection for contract bindings.
func (p *RPCProvider) Backend() *ethclient.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

func (p *RPCProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Close()
	}
}

func (p *RPCProvider) RequestAccounts(context.Context) ([]common.Address, error) {
	switch {
	case p.key != nil:
		return []common.Address{crypto.PubkeyToAddress(p.key.PublicKey)}, nil
	case p.clef != nil:
		accs := p.clef.Accounts()
		out := make([]common.Address, 0, len(accs))
		for _, a := range accs {
			out = append(out, a.Address)
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("%w: clef exposed no accounts", escrow.ErrUserRejected)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: no signer configured", escrow.ErrProviderUnavailable)
}

func (p *RPCProvider) TransactOpts(ctx context.Context, account common.Address) (*bind.TransactOpts, error) {
	switch {
	case p.key != nil:
		if crypto.PubkeyToAddress(p.key.PublicKey) != account {
			return nil, fmt.Errorf("%w: key does not control %s", escrow.ErrInvalidInput, account.Hex())
		}
		chainID, err := p.ChainID(ctx)
		if err != nil {
			return nil, err
		}
		return bind.NewKeyedTransactorWithChainID(p.key, chainID)
	case p.clef != nil:
		return bind.NewClefTransactor(p.clef, accounts.Account{Address: account}), nil
	}
	return nil, fmt.Errorf("%w: no signer configured", escrow.ErrProviderUnavailable)
}

func (p *RPCProvider) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	bal, err := p.Backend().BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, escrow.Classify(err)
	}
	return bal, nil
}

func (p *RPCProvider) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := p.Backend().ChainID(ctx)
	if err != nil {
		return nil, escrow.Classify(err)
	}
	return id, nil
}

func (p *RPCProvider) AddChain(_ context.Context, chain ChainDescriptor) error {
	if chain.ChainID == nil || chain.RPCURL == "" {
		return fmt.Errorf("%w: chain id and rpc url are required", escrow.ErrInvalidInput)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chains[chain.ChainID.String()] = chain
	return nil
}

// SwitchChain re-dials the node of a known chain and emits ChainChanged.
func (p *RPCProvider) SwitchChain(ctx context.Context, chainID *big.Int) error {
	p.mu.Lock()
	chain, ok := p.chains[chainID.String()]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("switch to %s: %w", chainID, ErrUnrecognizedChain)
	}
	if p.current != nil && p.current.Cmp(chainID) == 0 {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	client, err := ethclient.DialContext(ctx, chain.RPCURL)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", escrow.ErrNetwork, chain.RPCURL, err)
	}

	p.mu.Lock()
	old := p.client
	p.client = client
	p.current = new(big.Int).Set(chainID)
	fns := p.subs.snapshot()
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}

	ev := Event{Kind: ChainChanged, ChainID: new(big.Int).Set(chainID)}
	for _, fn := range fns {
		fn(ev)
	}
	return nil
}

func (p *RPCProvider) Subscribe(fn func(Event)) func() {
	p.mu.Lock()
	id := p.subs.add(fn)
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs.fns, id)
		p.mu.Unlock()
	}
}
