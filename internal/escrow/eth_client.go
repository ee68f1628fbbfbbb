package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"monconnect/internal/contracts"
)

const (
	releaseGasLimit     = 500_000
	receiptPollInterval = 2 * time.Second
)

// Backend is what EthClient needs from the node connection.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EthClient talks to the deployed escrow contract.
type EthClient struct {
	backend   Backend
	contract  *bind.BoundContract
	abi       abi.ABI
	address   common.Address
	transacts *bind.TransactOpts
	pollEvery time.Duration
}

type EthClientConfig struct {
	// Backend is used when set; otherwise RPCURL is dialed.
	Backend        Backend
	RPCURL         string
	ContractEscrow string
	// Transactor signs writes. Nil makes the client read-only.
	Transactor *bind.TransactOpts
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.ContractEscrow == "" {
		return nil, fmt.Errorf("escrow contract address is required")
	}
	if !common.IsHexAddress(cfg.ContractEscrow) {
		return nil, fmt.Errorf("invalid escrow contract address %q", cfg.ContractEscrow)
	}

	backend := cfg.Backend
	if backend == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("rpc url is required")
		}
		cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: dial rpc: %v", ErrProviderUnavailable, err)
		}
		backend = cli
	}

	parsedABI, err := contracts.Escrow()
	if err != nil {
		return nil, err
	}

	address := common.HexToAddress(cfg.ContractEscrow)
	return &EthClient{
		backend:   backend,
		contract:  bind.NewBoundContract(address, parsedABI, backend, backend, backend),
		abi:       parsedABI,
		address:   address,
		transacts: cfg.Transactor,
		pollEvery: receiptPollInterval,
	}, nil
}

// Address is the escrow contract address.
func (c *EthClient) Address() common.Address { return c.address }

func (c *EthClient) TotalEscrows(ctx context.Context) (uint64, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getTotalEscrows"); err != nil {
		return 0, Classify(fmt.Errorf("getTotalEscrows: %w", err))
	}
	if len(out) == 0 {
		return 0, fmt.Errorf("%w: empty getTotalEscrows result", ErrNetwork)
	}
	total, ok := out[0].(*big.Int)
	if !ok || !total.IsUint64() {
		return 0, fmt.Errorf("%w: unexpected getTotalEscrows result %v", ErrNetwork, out[0])
	}
	return total.Uint64(), nil
}

func (c *EthClient) GetEscrow(ctx context.Context, id uint64) (*RawEscrow, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getEscrow", new(big.Int).SetUint64(id)); err != nil {
		return nil, Classify(fmt.Errorf("getEscrow %d: %w", id, err))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: escrow %d: empty result", ErrMalformedRecord, id)
	}
	raw, err := convertTuple[RawEscrow](out[0])
	if err != nil {
		return nil, fmt.Errorf("escrow %d: %w", id, err)
	}
	return raw, nil
}

func (c *EthClient) VendorProfile(ctx context.Context, vendor common.Address) (RawVendor, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getVendorProfile", vendor); err != nil {
		return RawVendor{}, Classify(fmt.Errorf("getVendorProfile: %w", err))
	}
	if len(out) == 0 {
		return RawVendor{}, fmt.Errorf("%w: empty getVendorProfile result", ErrMalformedRecord)
	}
	raw, err := convertTuple[RawVendor](out[0])
	if err != nil {
		return RawVendor{}, err
	}
	return *raw, nil
}

func (c *EthClient) ActiveVendors(ctx context.Context) ([]RawVendor, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getActiveVendors"); err != nil {
		return nil, Classify(fmt.Errorf("getActiveVendors: %w", err))
	}
	if len(out) == 0 {
		return nil, nil
	}
	list, err := convertTuple[[]RawVendor](out[0])
	if err != nil {
		return nil, err
	}
	return *list, nil
}

// convertTuple turns the anonymous struct produced by the ABI decoder into
// one of the typed records. abi.ConvertType panics on shape mismatches.
func convertTuple[T any](in interface{}) (out *T, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("%w: %v", ErrMalformedRecord, r)
		}
	}()
	converted, ok := abi.ConvertType(in, new(T)).(*T)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected tuple type %T", ErrMalformedRecord, in)
	}
	return converted, nil
}

func (c *EthClient) CreateEscrowNative(ctx context.Context, params CreateParams, value *big.Int) (Tx, error) {
	if value == nil || value.Sign() <= 0 {
		return nil, fmt.Errorf("%w: native escrow requires a value", ErrInvalidInput)
	}
	return c.transact(ctx, txCreate, func(opts *bind.TransactOpts) {
		opts.Value = new(big.Int).Set(value)
	}, "createEscrowNative",
		params.Vendor, params.Amount, big.NewInt(params.Deadline.Unix()), big.NewInt(int64(params.PenaltyRate)))
}

func (c *EthClient) CreateEscrowToken(ctx context.Context, params CreateParams) (Tx, error) {
	return c.transact(ctx, txCreate, nil, "createEscrowToken",
		params.Vendor, params.Amount, params.Token, big.NewInt(params.Deadline.Unix()), big.NewInt(int64(params.PenaltyRate)))
}

func (c *EthClient) ApproveAdvancePayment(ctx context.Context, id uint64) (Tx, error) {
	return c.transact(ctx, txPlain, nil, "approveAdvancePayment", new(big.Int).SetUint64(id))
}

func (c *EthClient) ReleasePayment(ctx context.Context, id uint64) (Tx, error) {
	return c.transact(ctx, txPlain, func(opts *bind.TransactOpts) {
		opts.GasLimit = releaseGasLimit
	}, "releasePayment", new(big.Int).SetUint64(id))
}

func (c *EthClient) RefundEscrow(ctx context.Context, id uint64) (Tx, error) {
	return c.transact(ctx, txPlain, nil, "refundEscrow", new(big.Int).SetUint64(id))
}

func (c *EthClient) StartJob(ctx context.Context, id uint64, proofURL string) (Tx, error) {
	return c.transact(ctx, txPlain, nil, "startJob", new(big.Int).SetUint64(id), proofURL)
}

func (c *EthClient) CompleteJob(ctx context.Context, id uint64) (Tx, error) {
	return c.transact(ctx, txPlain, nil, "completeJob", new(big.Int).SetUint64(id))
}

func (c *EthClient) RegisterVendor(ctx context.Context, p VendorProfile) (Tx, error) {
	return c.transact(ctx, txPlain, nil, "registerVendor",
		p.BusinessName, p.BusinessType, p.OwnerName, p.Email, p.Phone, p.GSTNumber)
}

func (c *EthClient) SetVendorStatus(ctx context.Context, active bool) (Tx, error) {
	return c.transact(ctx, txPlain, nil, "setVendorStatus", active)
}

type txKind int

const (
	txPlain txKind = iota
	txCreate
)

func (c *EthClient) transact(ctx context.Context, kind txKind, tweak func(*bind.TransactOpts), method string, args ...interface{}) (Tx, error) {
	if c.transacts == nil {
		return nil, ErrReadOnly
	}
	opts := *c.transacts
	opts.Context = ctx
	if tweak != nil {
		tweak(&opts)
	}

	tx, err := c.contract.Transact(&opts, method, args...)
	if err != nil {
		return nil, Classify(fmt.Errorf("%s tx: %w", method, err))
	}
	return &ethTx{client: c, tx: tx, kind: kind}, nil
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.backend == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.backend.BlockNumber(ctx)
	return err
}

type ethTx struct {
	client *EthClient
	tx     *types.Transaction
	kind   txKind
}

func (t *ethTx) Hash() common.Hash { return t.tx.Hash() }

func (t *ethTx) Wait(ctx context.Context) (*Receipt, error) {
	receipt, err := WaitForReceipt(ctx, t.client.backend, t.tx.Hash(), t.client.pollEvery)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %s", ErrNotConfirmed, t.tx.Hash().Hex())
		}
		return nil, Classify(err)
	}

	out := &Receipt{
		TxHash:  receipt.TxHash,
		Status:  receipt.Status,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return out, &RevertError{Reason: t.client.replayRevertReason(ctx, t.tx, receipt), TxHash: receipt.TxHash.Hex()}
	}
	if t.kind == txCreate {
		out.EscrowID = t.client.escrowIDFromLogs(receipt.Logs)
	}
	return out, nil
}

func (c *EthClient) escrowIDFromLogs(logs []*types.Log) *uint64 {
	event, ok := c.abi.Events["EscrowCreated"]
	if !ok {
		return nil
	}
	for _, lg := range logs {
		if lg == nil || lg.Address != c.address || len(lg.Topics) < 2 || lg.Topics[0] != event.ID {
			continue
		}
		id := new(big.Int).SetBytes(lg.Topics[1].Bytes())
		if !id.IsUint64() {
			return nil
		}
		v := id.Uint64()
		return &v
	}
	return nil
}

// replayRevertReason re-executes a failed transaction at its block to recover
// the revert string. Best effort: an empty reason is returned on any failure.
func (c *EthClient) replayRevertReason(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) string {
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return ""
	}
	msg := ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	_, err = c.backend.CallContract(ctx, msg, receipt.BlockNumber)
	if err == nil {
		return ""
	}
	var revert *RevertError
	if errors.As(Classify(err), &revert) {
		return revert.Reason
	}
	return ""
}

type receiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// WaitForReceipt polls until the transaction is mined or context cancelled.
func WaitForReceipt(ctx context.Context, client receiptFetcher, hash common.Hash, every time.Duration) (*types.Receipt, error) {
	if every <= 0 {
		every = receiptPollInterval
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
