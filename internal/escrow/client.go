package escrow

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Reader is the read side of the escrow and vendor registry contract.
type Reader interface {
	TotalEscrows(ctx context.Context) (uint64, error)
	GetEscrow(ctx context.Context, id uint64) (*RawEscrow, error)
	VendorProfile(ctx context.Context, vendor common.Address) (RawVendor, error)
	ActiveVendors(ctx context.Context) ([]RawVendor, error)
}

// Writer submits state transitions. Each call sends exactly one transaction.
type Writer interface {
	CreateEscrowNative(ctx context.Context, params CreateParams, value *big.Int) (Tx, error)
	CreateEscrowToken(ctx context.Context, params CreateParams) (Tx, error)
	ApproveAdvancePayment(ctx context.Context, id uint64) (Tx, error)
	ReleasePayment(ctx context.Context, id uint64) (Tx, error)
	RefundEscrow(ctx context.Context, id uint64) (Tx, error)
	StartJob(ctx context.Context, id uint64, proofURL string) (Tx, error)
	CompleteJob(ctx context.Context, id uint64) (Tx, error)
	RegisterVendor(ctx context.Context, profile VendorProfile) (Tx, error)
	SetVendorStatus(ctx context.Context, active bool) (Tx, error)
}

// Client abstracts the on-chain escrow interaction.
type Client interface {
	Reader
	Writer
}

// HealthChecker is implemented by clients that can probe their RPC endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// CreateParams are the arguments of createEscrowNative / createEscrowToken.
type CreateParams struct {
	Vendor      common.Address
	Amount      *big.Int
	Token       common.Address
	Deadline    time.Time
	PenaltyRate uint8
}

// Tx is a submitted transaction. Wait blocks until it is mined or ctx is done.
type Tx interface {
	Hash() common.Hash
	Wait(ctx context.Context) (*Receipt, error)
}

// Receipt is the confirmation of a mined transaction.
type Receipt struct {
	TxHash      common.Hash `json:"txHash"`
	BlockNumber uint64      `json:"blockNumber"`
	Status      uint64      `json:"status"`
	GasUsed     uint64      `json:"gasUsed"`
	// EscrowID is set for escrow creations when the EscrowCreated event was found.
	EscrowID *uint64 `json:"escrowId,omitempty"`
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == 1
}
