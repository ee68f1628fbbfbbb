package wallet

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"monconnect/internal/escrow"
)

// FakeProvider is an in-process wallet for dev mode and tests. It never
// reaches a node and its transact opts carry no signer.
type FakeProvider struct {
	mu       sync.Mutex
	accounts []common.Address
	chainID  *big.Int
	chains   map[string]ChainDescriptor
	balances map[common.Address]*big.Int
	subs     subscribers

	// RejectAccounts makes RequestAccounts fail as if the user declined.
	RejectAccounts bool
}

// NewFakeProvider starts on chainID with one generated account unless
// accounts are supplied.
func NewFakeProvider(chainID *big.Int, accounts ...common.Address) (*FakeProvider, error) {
	if len(accounts) == 0 {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		accounts = []common.Address{crypto.PubkeyToAddress(key.PublicKey)}
	}
	f := &FakeProvider{
		accounts: accounts,
		chainID:  new(big.Int).Set(chainID),
		chains:   map[string]ChainDescriptor{chainID.String(): {ChainID: new(big.Int).Set(chainID)}},
		balances: make(map[common.Address]*big.Int),
	}
	return f, nil
}

func (f *FakeProvider) SetBalance(account common.Address, wei *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[account] = new(big.Int).Set(wei)
}

// ChangeAccounts simulates the user picking another account.
func (f *FakeProvider) ChangeAccounts(accounts ...common.Address) {
	f.mu.Lock()
	f.accounts = accounts
	fns := f.subs.snapshot()
	f.mu.Unlock()
	for _, fn := range fns {
		fn(Event{Kind: AccountsChanged, Accounts: accounts})
	}
}

func (f *FakeProvider) RequestAccounts(context.Context) ([]common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RejectAccounts {
		return nil, ErrRejected
	}
	return append([]common.Address(nil), f.accounts...), nil
}

func (f *FakeProvider) TransactOpts(_ context.Context, account common.Address) (*bind.TransactOpts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &bind.TransactOpts{From: account, Context: context.Background()}, nil
}

func (f *FakeProvider) Balance(_ context.Context, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *FakeProvider) ChainID(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.chainID), nil
}

func (f *FakeProvider) AddChain(_ context.Context, chain ChainDescriptor) error {
	if chain.ChainID == nil {
		return fmt.Errorf("%w: chain id is required", escrow.ErrInvalidInput)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chains[chain.ChainID.String()] = chain
	return nil
}

func (f *FakeProvider) SwitchChain(_ context.Context, chainID *big.Int) error {
	f.mu.Lock()
	if _, ok := f.chains[chainID.String()]; !ok {
		f.mu.Unlock()
		return fmt.Errorf("switch to %s: %w", chainID, ErrUnrecognizedChain)
	}
	if f.chainID.Cmp(chainID) == 0 {
		f.mu.Unlock()
		return nil
	}
	f.chainID = new(big.Int).Set(chainID)
	fns := f.subs.snapshot()
	f.mu.Unlock()
	for _, fn := range fns {
		fn(Event{Kind: ChainChanged, ChainID: new(big.Int).Set(chainID)})
	}
	return nil
}

func (f *FakeProvider) Subscribe(fn func(Event)) func() {
	f.mu.Lock()
	id := f.subs.add(fn)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subs.fns, id)
		f.mu.Unlock()
	}
}
