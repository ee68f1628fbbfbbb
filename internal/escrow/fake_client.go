package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// FakeChain is an in-memory stand-in for the escrow contract. It applies the
// same transition rules and fee checks so the dashboard can run without a node.
type FakeChain struct {
	mu          sync.Mutex
	escrows     []RawEscrow
	vendors     map[common.Address]RawVendor
	vendorOrder []common.Address
	nonce       uint64
	now         func() time.Time

	OrganizerFeeBps uint64
	AdvanceBps      uint64

	// Failure injection for tests.
	CountErr  error
	GetErrs   map[uint64]error
	SubmitErr error
	// HoldConfirmations makes Wait block until its context is done.
	HoldConfirmations bool

	submissions []string
}

// NewFakeChain returns an empty chain with the 1% organizer fee and 15% advance.
func NewFakeChain() *FakeChain {
	return &FakeChain{
		vendors:         make(map[common.Address]RawVendor),
		now:             time.Now,
		OrganizerFeeBps: 100,
		AdvanceBps:      1500,
		GetErrs:         make(map[uint64]error),
	}
}

// Client returns a client that sends transactions as from.
func (f *FakeChain) Client(from common.Address) *FakeClient {
	return &FakeClient{chain: f, from: from}
}

// Submissions lists the contract methods that reached the chain, in order.
func (f *FakeChain) Submissions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submissions...)
}

// Seed appends a record as-is, bypassing validation.
func (f *FakeChain) Seed(raw RawEscrow) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uint64(len(f.escrows))
	raw.Id = new(big.Int).SetUint64(id)
	f.escrows = append(f.escrows, raw)
	return id
}

// SetStatus forces an escrow's status, as if another party had transitioned it.
func (f *FakeChain) SetStatus(id uint64, status Status, balance *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id >= uint64(len(f.escrows)) {
		return
	}
	f.escrows[id].Status = uint8(status.Code())
	if balance != nil {
		f.escrows[id].EscrowBalance = new(big.Int).Set(balance)
	}
}

// FakeClient is a view of a FakeChain bound to one sender.
type FakeClient struct {
	chain *FakeChain
	from  common.Address
}

func (c *FakeClient) TotalEscrows(context.Context) (uint64, error) {
	c.chain.mu.Lock()
	defer c.chain.mu.Unlock()
	if c.chain.CountErr != nil {
		return 0, c.chain.CountErr
	}
	return uint64(len(c.chain.escrows)), nil
}

func (c *FakeClient) GetEscrow(_ context.Context, id uint64) (*RawEscrow, error) {
	c.chain.mu.Lock()
	defer c.chain.mu.Unlock()
	if err := c.chain.GetErrs[id]; err != nil {
		return nil, err
	}
	if id >= uint64(len(c.chain.escrows)) {
		return nil, &RevertError{Reason: "Escrow does not exist"}
	}
	cp := copyRaw(c.chain.escrows[id])
	return &cp, nil
}

func (c *FakeClient) VendorProfile(_ context.Context, vendor common.Address) (RawVendor, error) {
	c.chain.mu.Lock()
	defer c.chain.mu.Unlock()
	return c.chain.vendors[vendor], nil
}

func (c *FakeClient) ActiveVendors(context.Context) ([]RawVendor, error) {
	c.chain.mu.Lock()
	defer c.chain.mu.Unlock()
	var out []RawVendor
	for _, addr := range c.chain.vendorOrder {
		if v := c.chain.vendors[addr]; v.IsActive {
			out = append(out, v)
		}
	}
	return out, nil
}

func (c *FakeClient) CreateEscrowNative(_ context.Context, p CreateParams, value *big.Int) (Tx, error) {
	return c.submit("createEscrowNative", func(f *FakeChain) (*uint64, error) {
		if p.Amount == nil || p.Amount.Sign() <= 0 {
			return nil, &RevertError{Reason: "Amount must be greater than 0"}
		}
		fee := applyBps(p.Amount, f.OrganizerFeeBps)
		if value == nil || value.Cmp(new(big.Int).Add(p.Amount, fee)) != 0 {
			return nil, &RevertError{Reason: "Incorrect payment amount"}
		}
		return f.create(c.from, p, common.Address{})
	})
}

func (c *FakeClient) CreateEscrowToken(_ context.Context, p CreateParams) (Tx, error) {
	return c.submit("createEscrowToken", func(f *FakeChain) (*uint64, error) {
		if p.Amount == nil || p.Amount.Sign() <= 0 {
			return nil, &RevertError{Reason: "Amount must be greater than 0"}
		}
		return f.create(c.from, p, p.Token)
	})
}

func (f *FakeChain) create(from common.Address, p CreateParams, token common.Address) (*uint64, error) {
	if p.Vendor == from {
		return nil, &RevertError{Reason: "Vendor cannot be organizer"}
	}
	if p.PenaltyRate > MaxPenaltyRate {
		return nil, &RevertError{Reason: "Penalty rate too high"}
	}
	if !p.Deadline.After(f.now()) {
		return nil, &RevertError{Reason: "Deadline must be in the future"}
	}
	id := uint64(len(f.escrows))
	f.escrows = append(f.escrows, RawEscrow{
		Id:             new(big.Int).SetUint64(id),
		Organizer:      from,
		Vendor:         p.Vendor,
		TokenAddress:   token,
		OriginalAmount: new(big.Int).Set(p.Amount),
		EscrowBalance:  new(big.Int).Set(p.Amount),
		Status:         uint8(StatusFunded.Code()),
		Deadline:       big.NewInt(p.Deadline.Unix()),
		PenaltyRate:    big.NewInt(int64(p.PenaltyRate)),
	})
	return &id, nil
}

func (c *FakeClient) ApproveAdvancePayment(_ context.Context, id uint64) (Tx, error) {
	return c.transition("approveAdvancePayment", id, RoleOrganizer, func(e *RawEscrow, f *FakeChain) error {
		if e.Status != uint8(StatusInProgress.Code()) {
			return &RevertError{Reason: "Job not in progress"}
		}
		if e.AdvanceApproved {
			return &RevertError{Reason: "Advance already approved"}
		}
		e.AdvanceApproved = true
		e.EscrowBalance = new(big.Int).Sub(e.EscrowBalance, AdvanceAmount(e.OriginalAmount, f.AdvanceBps))
		return nil
	})
}

func (c *FakeClient) ReleasePayment(_ context.Context, id uint64) (Tx, error) {
	return c.transition("releasePayment", id, RoleOrganizer, func(e *RawEscrow, _ *FakeChain) error {
		if e.Status != uint8(StatusCompleted.Code()) {
			return &RevertError{Reason: "Job not completed"}
		}
		e.Status = uint8(StatusReleased.Code())
		e.EscrowBalance = new(big.Int)
		return nil
	})
}

func (c *FakeClient) RefundEscrow(_ context.Context, id uint64) (Tx, error) {
	return c.transition("refundEscrow", id, RoleOrganizer, func(e *RawEscrow, _ *FakeChain) error {
		if e.Status != uint8(StatusFunded.Code()) && e.Status != uint8(StatusCompleted.Code()) {
			return &RevertError{Reason: "Cannot refund in current status"}
		}
		e.Status = uint8(StatusRefunded.Code())
		e.EscrowBalance = new(big.Int)
		return nil
	})
}

func (c *FakeClient) StartJob(_ context.Context, id uint64, proofURL string) (Tx, error) {
	return c.transition("startJob", id, RoleVendor, func(e *RawEscrow, _ *FakeChain) error {
		if e.Status != uint8(StatusFunded.Code()) {
			return &RevertError{Reason: "Job not funded"}
		}
		e.Status = uint8(StatusInProgress.Code())
		e.ProofUrl = proofURL
		return nil
	})
}

func (c *FakeClient) CompleteJob(_ context.Context, id uint64) (Tx, error) {
	return c.transition("completeJob", id, RoleVendor, func(e *RawEscrow, _ *FakeChain) error {
		if e.Status != uint8(StatusInProgress.Code()) {
			return &RevertError{Reason: "Job not in progress"}
		}
		e.Status = uint8(StatusCompleted.Code())
		return nil
	})
}

func (c *FakeClient) RegisterVendor(_ context.Context, p VendorProfile) (Tx, error) {
	return c.submit("registerVendor", func(f *FakeChain) (*uint64, error) {
		existing, ok := f.vendors[c.from]
		if !ok {
			f.vendorOrder = append(f.vendorOrder, c.from)
			existing = RawVendor{
				WalletAddress: c.from,
				IsActive:      true,
				CompletedJobs: new(big.Int),
				Level:         big.NewInt(1),
				RegisteredAt:  big.NewInt(f.now().Unix()),
			}
		}
		existing.BusinessName = p.BusinessName
		existing.BusinessType = p.BusinessType
		existing.OwnerName = p.OwnerName
		existing.Email = p.Email
		existing.Phone = p.Phone
		existing.GstNumber = p.GSTNumber
		f.vendors[c.from] = existing
		return nil, nil
	})
}

func (c *FakeClient) SetVendorStatus(_ context.Context, active bool) (Tx, error) {
	return c.submit("setVendorStatus", func(f *FakeChain) (*uint64, error) {
		v, ok := f.vendors[c.from]
		if !ok {
			return nil, &RevertError{Reason: "Vendor not registered"}
		}
		v.IsActive = active
		f.vendors[c.from] = v
		return nil, nil
	})
}

func (c *FakeClient) transition(method string, id uint64, actor Role, apply func(*RawEscrow, *FakeChain) error) (Tx, error) {
	return c.submit(method, func(f *FakeChain) (*uint64, error) {
		if id >= uint64(len(f.escrows)) {
			return nil, &RevertError{Reason: "Escrow does not exist"}
		}
		e := &f.escrows[id]
		if actor == RoleOrganizer && e.Organizer != c.from {
			return nil, &RevertError{Reason: "Only organizer"}
		}
		if actor == RoleVendor && e.Vendor != c.from {
			return nil, &RevertError{Reason: "Only vendor"}
		}
		return nil, apply(e, f)
	})
}

// submit mimics eth_estimateGas: a failing precondition is reported at
// submission time and nothing is mined.
func (c *FakeClient) submit(method string, apply func(*FakeChain) (*uint64, error)) (Tx, error) {
	f := c.chain
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SubmitErr != nil {
		return nil, Classify(f.SubmitErr)
	}
	escrowID, err := apply(f)
	if err != nil {
		return nil, err
	}
	f.nonce++
	f.submissions = append(f.submissions, method)
	return &fakeTx{
		hash:     fakeHash(method, f.nonce),
		block:    f.nonce,
		escrowID: escrowID,
		hold:     f.HoldConfirmations,
	}, nil
}

type fakeTx struct {
	hash     common.Hash
	block    uint64
	escrowID *uint64
	hold     bool
}

func (t *fakeTx) Hash() common.Hash { return t.hash }

func (t *fakeTx) Wait(ctx context.Context) (*Receipt, error) {
	if t.hold {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %s", ErrNotConfirmed, t.hash.Hex())
	}
	return &Receipt{
		TxHash:      t.hash,
		BlockNumber: t.block,
		Status:      1,
		GasUsed:     21_000,
		EscrowID:    t.escrowID,
	}, nil
}

func fakeHash(method string, nonce uint64) common.Hash {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return sha256.Sum256(append([]byte(method), buf[:]...))
}

func copyRaw(in RawEscrow) RawEscrow {
	out := in
	for _, p := range []**big.Int{&out.Id, &out.OriginalAmount, &out.EscrowBalance, &out.Deadline, &out.PenaltyRate} {
		if *p != nil {
			*p = new(big.Int).Set(*p)
		}
	}
	return out
}
