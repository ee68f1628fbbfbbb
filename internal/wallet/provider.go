// Package wallet is the boundary to whatever holds the session account's
// keys, modelled on an injected browser wallet.
package wallet

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// ProviderError carries an EIP-1193 style code.
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string  { return fmt.Sprintf("%s (code %d)", e.Message, e.Code) }
func (e *ProviderError) ErrorCode() int { return e.Code }

var (
	ErrUnrecognizedChain = &ProviderError{Code: 4902, Message: "unrecognized chain id"}
	ErrRejected          = &ProviderError{Code: 4001, Message: "user rejected the request"}
)

type EventKind string

const (
	AccountsChanged EventKind = "accountsChanged"
	ChainChanged    EventKind = "chainChanged"
)

type Event struct {
	Kind     EventKind
	Accounts []common.Address
	ChainID  *big.Int
}

// ChainDescriptor is what wallet_addEthereumChain takes.
type ChainDescriptor struct {
	ChainID      *big.Int `json:"chainId"`
	Name         string   `json:"chainName"`
	RPCURL       string   `json:"rpcUrl"`
	ExplorerURL  string   `json:"blockExplorerUrl,omitempty"`
	NativeSymbol string   `json:"nativeSymbol"`
	Decimals     int      `json:"decimals"`
}

type Provider interface {
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	TransactOpts(ctx context.Context, account common.Address) (*bind.TransactOpts, error)
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SwitchChain(ctx context.Context, chainID *big.Int) error
	AddChain(ctx context.Context, chain ChainDescriptor) error
	// Subscribe registers fn for account and chain changes.
	Subscribe(fn func(Event)) (unsubscribe func())
}

// subscribers fans events out to registered callbacks.
type subscribers struct {
	next int
	fns  map[int]func(Event)
}

func (s *subscribers) add(fn func(Event)) int {
	if s.fns == nil {
		s.fns = make(map[int]func(Event))
	}
	s.next++
	s.fns[s.next] = fn
	return s.next
}

func (s *subscribers) snapshot() []func(Event) {
	out := make([]func(Event), 0, len(s.fns))
	for _, fn := range s.fns {
		out = append(out, fn)
	}
	return out
}
