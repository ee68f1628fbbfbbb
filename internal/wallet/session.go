package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"monconnect/internal/escrow"
)

// ErrSessionReset is returned once an account or chain change has
// invalidated the session.
var ErrSessionReset = errors.New("wallet session reset")

// Session is the connection context handed to everything that needs the
// account or a signer. It is created by Connect and dies on the first
// account or chain change.
type Session struct {
	provider Provider
	expected ChainDescriptor
	log      *slog.Logger

	mu      sync.Mutex
	account common.Address
	chainID *big.Int
	valid   bool
	resets  []func(Event)
	unsub   func()
}

// Connect requests accounts, makes sure the provider is on the expected
// chain and starts watching for changes.
func Connect(ctx context.Context, p Provider, expected ChainDescriptor, logger *slog.Logger) (*Session, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: no wallet provider detected", escrow.ErrProviderUnavailable)
	}
	if logger == nil {
		logger = slog.Default()
	}
	accounts, err := p.RequestAccounts(ctx)
	if err != nil {
		return nil, escrow.Classify(err)
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("%w: provider returned no accounts", escrow.ErrUserRejected)
	}

	s := &Session{
		provider: p,
		expected: expected,
		log:      logger.With("component", "wallet"),
		account:  accounts[0],
	}
	if err := s.EnsureChain(ctx); err != nil {
		return nil, err
	}
	s.valid = true
	s.unsub = p.Subscribe(s.handle)
	s.log.Info("wallet connected", "account", s.account.Hex(), "chain_id", s.chainID.String())
	return s, nil
}

// EnsureChain switches to the expected chain, adding it first when the
// provider does not know it.
func (s *Session) EnsureChain(ctx context.Context) error {
	current, err := s.provider.ChainID(ctx)
	if err != nil {
		return escrow.Classify(err)
	}
	want := s.expected.ChainID
	if want == nil || current.Cmp(want) == 0 {
		s.setChain(current)
		return nil
	}

	err = s.provider.SwitchChain(ctx, want)
	if errors.Is(err, ErrUnrecognizedChain) {
		if addErr := s.provider.AddChain(ctx, s.expected); addErr != nil {
			return fmt.Errorf("%w: add chain %s: %v", escrow.ErrNetworkMismatch, want, addErr)
		}
		err = s.provider.SwitchChain(ctx, want)
	}
	if err != nil {
		classified := escrow.Classify(err)
		if errors.Is(classified, escrow.ErrUserRejected) {
			return classified
		}
		return fmt.Errorf("%w: on chain %s, want %s: %v", escrow.ErrNetworkMismatch, current, want, err)
	}
	s.setChain(want)
	return nil
}

func (s *Session) setChain(id *big.Int) {
	s.mu.Lock()
	s.chainID = new(big.Int).Set(id)
	s.mu.Unlock()
}

func (s *Session) handle(ev Event) {
	s.mu.Lock()
	if !s.valid {
		s.mu.Unlock()
		return
	}
	s.valid = false
	fns := append([]func(Event){}, s.resets...)
	s.mu.Unlock()

	s.log.Warn("wallet changed, session reset", "event", string(ev.Kind))
	for _, fn := range fns {
		fn(ev)
	}
}

// OnReset registers fn to run once when the session is invalidated.
func (s *Session) OnReset(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, fn)
}

func (s *Session) Account() common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

func (s *Session) ChainID() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.chainID)
}

func (s *Session) Provider() Provider { return s.provider }

func (s *Session) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

func (s *Session) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	if !s.Valid() {
		return nil, ErrSessionReset
	}
	return s.provider.TransactOpts(ctx, s.Account())
}

// Balance returns the session account's native balance.
func (s *Session) Balance(ctx context.Context) (*big.Int, error) {
	if !s.Valid() {
		return nil, ErrSessionReset
	}
	return s.provider.Balance(ctx, s.Account())
}

// Close stops watching the provider. The session is unusable afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	s.valid = false
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}
