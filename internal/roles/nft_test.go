package roles

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"monconnect/internal/contracts"
	"monconnect/internal/escrow"
)

// nftNode is an in-process node hosting one role NFT. safeMint is applied
// as soon as the transaction is sent.
type nftNode struct {
	bind.ContractBackend
	abi     abi.ABI
	hasCode bool

	mu       sync.Mutex
	balances map[common.Address]int64
	nonce    uint64
	receipts map[common.Hash]*types.Receipt
}

func newNFTNode(t *testing.T) *nftNode {
	t.Helper()
	parsed, err := contracts.RoleNFT()
	require.NoError(t, err)
	return &nftNode{
		abi:      parsed,
		hasCode:  true,
		balances: make(map[common.Address]int64),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (n *nftNode) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	if !n.hasCode {
		return nil, nil
	}
	return []byte{0x60, 0x80}, nil
}

func (n *nftNode) PendingCodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	return n.CodeAt(ctx, addr, nil)
}

func (n *nftNode) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	m, err := n.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch m.Name {
	case "balanceOf":
		args, err := m.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		n.mu.Lock()
		bal := n.balances[args[0].(common.Address)]
		n.mu.Unlock()
		return m.Outputs.Pack(big.NewInt(bal))
	case "name":
		return m.Outputs.Pack("MonConnect Organizer")
	case "symbol":
		return m.Outputs.Pack("MCO")
	}
	return nil, fmt.Errorf("unexpected call %s", m.Name)
}

func (n *nftNode) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1)}, nil
}

func (n *nftNode) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (n *nftNode) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nonce, nil
}

func (n *nftNode) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 80_000, nil
}

func (n *nftNode) SendTransaction(_ context.Context, tx *types.Transaction) error {
	m, err := n.abi.MethodById(tx.Data()[:4])
	if err != nil {
		return err
	}
	args, err := m.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nonce++
	n.balances[args[0].(common.Address)]++
	n.receipts[tx.Hash()] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(100 + n.nonce),
	}
	return nil
}

func (n *nftNode) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r, ok := n.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (n *nftNode) BlockNumber(context.Context) (uint64, error) { return 1, nil }

var _ escrow.Backend = (*nftNode)(nil)

func TestEthNFTBalanceAndMetadata(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	node := newNFTNode(t)
	node.balances[account] = 2
	nft, err := NewEthNFT(node, orgNFT.Hex(), nil)
	require.NoError(t, err)

	bal, err := nft.BalanceOf(ctx, account)
	require.NoError(t, err)
	require.Zero(t, big.NewInt(2).Cmp(bal))

	name, symbol, err := nft.Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, "MonConnect Organizer", name)
	require.Equal(t, "MCO", symbol)

	_, err = nft.SafeMint(ctx, account)
	require.ErrorIs(t, err, escrow.ErrReadOnly)
}

func TestEthNFTWithoutCode(t *testing.T) {
	t.Parallel()
	node := newNFTNode(t)
	node.hasCode = false
	nft, err := NewEthNFT(node, orgNFT.Hex(), nil)
	require.NoError(t, err)

	_, err = nft.BalanceOf(context.Background(), account)
	require.ErrorIs(t, err, ErrNoContract)

	_, err = NewEthNFT(node, "not-an-address", nil)
	require.Error(t, err)
}

func TestGateMintsThroughEthNFT(t *testing.T) {
	t.Parallel()
	node := newNFTNode(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	self := crypto.PubkeyToAddress(key.PublicKey)
	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(10143))
	require.NoError(t, err)
	nft, err := NewEthNFT(node, orgNFT.Hex(), opts)
	require.NoError(t, err)

	cfg := fastPoll
	cfg.OrganizerNFT = nft
	gate := NewGate(cfg)

	res, err := gate.Mint(context.Background(), self, Organizer)
	require.NoError(t, err)
	require.False(t, res.AlreadyMinted)
	require.NotNil(t, res.TxHash)
	require.Equal(t, uint64(101), res.BlockNumber)

	roles, err := gate.Resolve(context.Background(), self)
	require.NoError(t, err)
	require.True(t, roles.Organizer)

	again, err := gate.Mint(context.Background(), self, Organizer)
	require.NoError(t, err)
	require.True(t, again.AlreadyMinted)
	require.Equal(t, uint64(1), node.nonce)
}
