package roles

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"monconnect/internal/contracts"
	"monconnect/internal/escrow"
)

// ErrNoContract means nothing is deployed at the NFT address on this chain.
var ErrNoContract = errors.New("no contract deployed at address")

// NFT is the slice of an ERC-721 role token the gate uses.
type NFT interface {
	Address() common.Address
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	SafeMint(ctx context.Context, to common.Address) (escrow.Tx, error)
}

// EthNFT is a role NFT deployed on chain.
type EthNFT struct {
	backend   escrow.Backend
	contract  *bind.BoundContract
	address   common.Address
	transacts *bind.TransactOpts
	pollEvery time.Duration
}

// NewEthNFT binds the role NFT at address. A nil transactor makes it read-only.
func NewEthNFT(backend escrow.Backend, address string, transactor *bind.TransactOpts) (*EthNFT, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid nft address %q", address)
	}
	parsed, err := contracts.RoleNFT()
	if err != nil {
		return nil, err
	}
	addr := common.HexToAddress(address)
	return &EthNFT{
		backend:   backend,
		contract:  bind.NewBoundContract(addr, parsed, backend, backend, backend),
		address:   addr,
		transacts: transactor,
		pollEvery: 2 * time.Second,
	}, nil
}

func (n *EthNFT) Address() common.Address { return n.address }

func (n *EthNFT) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	code, err := n.backend.CodeAt(ctx, n.address, nil)
	if err != nil {
		return nil, escrow.Classify(err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoContract, n.address.Hex())
	}
	var out []interface{}
	if err := n.contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", owner); err != nil {
		return nil, escrow.Classify(err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: balanceOf returned %T", escrow.ErrMalformedRecord, out[0])
	}
	return balance, nil
}

// Metadata reads name and symbol.
func (n *EthNFT) Metadata(ctx context.Context) (name, symbol string, err error) {
	opts := &bind.CallOpts{Context: ctx}
	var out []interface{}
	if err := n.contract.Call(opts, &out, "name"); err != nil {
		return "", "", escrow.Classify(err)
	}
	name, _ = out[0].(string)
	out = nil
	if err := n.contract.Call(opts, &out, "symbol"); err != nil {
		return name, "", escrow.Classify(err)
	}
	symbol, _ = out[0].(string)
	return name, symbol, nil
}

func (n *EthNFT) SafeMint(ctx context.Context, to common.Address) (escrow.Tx, error) {
	if n.transacts == nil {
		return nil, escrow.ErrReadOnly
	}
	opts := *n.transacts
	opts.Context = ctx
	tx, err := n.contract.Transact(&opts, "safeMint", to)
	if err != nil {
		return nil, escrow.Classify(fmt.Errorf("safeMint tx: %w", err))
	}
	return &mintTx{nft: n, tx: tx}, nil
}

type mintTx struct {
	nft *EthNFT
	tx  *types.Transaction
}

func (t *mintTx) Hash() common.Hash { return t.tx.Hash() }

func (t *mintTx) Wait(ctx context.Context) (*escrow.Receipt, error) {
	receipt, err := escrow.WaitForReceipt(ctx, t.nft.backend, t.tx.Hash(), t.nft.pollEvery)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", escrow.ErrNotConfirmed, t.tx.Hash().Hex())
		}
		return nil, escrow.Classify(err)
	}
	out := &escrow.Receipt{TxHash: receipt.TxHash, Status: receipt.Status, GasUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return out, &escrow.RevertError{TxHash: receipt.TxHash.Hex()}
	}
	return out, nil
}

// FakeNFT is an in-memory role token.
type FakeNFT struct {
	mu       sync.Mutex
	address  common.Address
	balances map[common.Address]int64
	// Lag hides a fresh mint from the next Lag BalanceOf calls.
	Lag        int
	pending    map[common.Address]int
	BalanceErr error
	MintErr    error
	mints      int
}

func NewFakeNFT(address common.Address) *FakeNFT {
	return &FakeNFT{
		address:  address,
		balances: make(map[common.Address]int64),
		pending:  make(map[common.Address]int),
	}
}

func (f *FakeNFT) Address() common.Address { return f.address }

// Give sets owner's balance directly.
func (f *FakeNFT) Give(owner common.Address, n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[owner] = n
}

// Mints counts successful safeMint calls.
func (f *FakeNFT) Mints() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mints
}

func (f *FakeNFT) BalanceOf(_ context.Context, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BalanceErr != nil {
		return nil, f.BalanceErr
	}
	if left, ok := f.pending[owner]; ok {
		if left > 0 {
			f.pending[owner] = left - 1
			return big.NewInt(f.balances[owner] - 1), nil
		}
		delete(f.pending, owner)
	}
	return big.NewInt(f.balances[owner]), nil
}

func (f *FakeNFT) SafeMint(_ context.Context, to common.Address) (escrow.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MintErr != nil {
		return nil, escrow.Classify(f.MintErr)
	}
	f.mints++
	f.balances[to]++
	if f.Lag > 0 {
		f.pending[to] = f.Lag
	}
	var hash common.Hash
	hash[0] = byte(f.mints)
	copy(hash[12:], to.Bytes())
	return fakeMint{hash: hash, block: uint64(f.mints)}, nil
}

type fakeMint struct {
	hash  common.Hash
	block uint64
}

func (m fakeMint) Hash() common.Hash { return m.hash }

func (m fakeMint) Wait(context.Context) (*escrow.Receipt, error) {
	return &escrow.Receipt{TxHash: m.hash, BlockNumber: m.block, Status: types.ReceiptStatusSuccessful}, nil
}
