// Package dispatch validates and submits escrow transitions on behalf of the
// session account.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"monconnect/internal/dispute"
	"monconnect/internal/escrow"
	"monconnect/internal/escrowsync"
	"monconnect/internal/metrics"
)

const DefaultConfirmTimeout = 2 * time.Minute

// ErrActionPending rejects a second submission while the first is in flight.
var ErrActionPending = errors.New("an action is already pending")

// View is the part of a synchronizer the dispatcher drives.
type View interface {
	Snapshot() *escrowsync.Snapshot
	ForceRefresh(ctx context.Context) (*escrowsync.Snapshot, error)
	RequestRefresh()
	Trigger(counter uint64) bool
}

type Config struct {
	Client          escrow.Client
	Self            common.Address
	Views           map[escrow.Role]View
	Disputes        dispute.Store
	ConfirmTimeout  time.Duration
	OrganizerFeeBps uint64
	Logger          *slog.Logger
	Metrics         *metrics.Registry
	Now             func() time.Time
}

// Request is one transition on an existing job. Role is optional for every
// action except a dispute on a job the session sees from both sides.
type Request struct {
	JobID       uint64      `json:"jobId"`
	Action      Action      `json:"action"`
	Role        escrow.Role `json:"role,omitempty"`
	ProofURL    string      `json:"proofUrl,omitempty"`
	Description string      `json:"description,omitempty"`
}

// Result reports a confirmed action, or a submitted one when err is
// ErrNotConfirmed.
type Result struct {
	JobID       uint64           `json:"jobId"`
	Action      Action           `json:"action"`
	TxHash      *common.Hash     `json:"txHash,omitempty"`
	BlockNumber uint64           `json:"blockNumber,omitempty"`
	Status      escrow.Status    `json:"status,omitempty"`
	Dispute     *dispute.Dispute `json:"dispute,omitempty"`
}

type Dispatcher struct {
	cfg     Config
	log     *slog.Logger
	trigger atomic.Uint64

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(cfg Config) *Dispatcher {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if cfg.OrganizerFeeBps == 0 {
		cfg.OrganizerFeeBps = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "dispatch"),
		inflight: make(map[string]struct{}),
	}
}

func (d *Dispatcher) acquire(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[key]; busy {
		return false
	}
	d.inflight[key] = struct{}{}
	return true
}

func (d *Dispatcher) release(key string) {
	d.mu.Lock()
	delete(d.inflight, key)
	d.mu.Unlock()
}

// Execute runs one transition: latch, cached check, live check, exactly one
// transaction, bounded confirmation wait, then a forced resync.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (res Result, err error) {
	res = Result{JobID: req.JobID, Action: req.Action}
	defer func() { d.cfg.Metrics.IncAction(string(req.Action), resultKind(err)) }()

	rule, ok := RuleFor(req.Action)
	if !ok {
		return res, fmt.Errorf("%w: unknown action %q", escrow.ErrInvalidInput, req.Action)
	}

	key := fmt.Sprintf("job:%d", req.JobID)
	if !d.acquire(key) {
		return res, fmt.Errorf("%w: job %d", ErrActionPending, req.JobID)
	}
	defer d.release(key)

	role, view, cached, err := d.locate(req, rule)
	if err != nil {
		return res, err
	}
	log := d.log.With("job_id", req.JobID, "action", string(req.Action), "role", string(role))

	if err := rule.check(cached.Job, role, req); err != nil {
		if errors.Is(err, escrow.ErrStaleState) {
			log.Info("rejected against cached state", "status", cached.Job.Status)
			view.RequestRefresh()
		}
		return res, err
	}

	if rule.Action == ActionRaiseDispute {
		return d.raiseDispute(ctx, res, role, req)
	}

	raw, err := d.cfg.Client.GetEscrow(ctx, req.JobID)
	if err != nil {
		return res, escrow.Classify(err)
	}
	live, err := escrow.BuildJob(raw)
	if err != nil {
		return res, err
	}
	if live.Party(role) != d.cfg.Self {
		return res, fmt.Errorf("%w: session account is not the %s of job %d", escrow.ErrInvalidInput, role, req.JobID)
	}
	if err := rule.stateError(live); err != nil {
		log.Info("live state moved on", "cached", cached.Job.Status, "live", live.Status)
		view.RequestRefresh()
		return res, &escrow.StaleStateError{JobID: req.JobID, Action: string(req.Action), Cached: cached.Job.Status, Live: live.Status}
	}

	receipt, hash, err := d.send(ctx, string(req.Action), func(ctx context.Context) (escrow.Tx, error) {
		return d.submit(ctx, rule, req)
	})
	if hash != (common.Hash{}) {
		res.TxHash = &hash
	}
	if err != nil {
		view.RequestRefresh()
		return res, err
	}
	res.BlockNumber = receipt.BlockNumber
	res.Status = d.resync(ctx, role, view, req.JobID)
	log.Info("action confirmed", "tx", hash.Hex(), "status", res.Status)
	return res, nil
}

// locate picks the view the request acts through and the cached job in it.
func (d *Dispatcher) locate(req Request, rule Rule) (escrow.Role, View, escrow.Projection, error) {
	roles := []escrow.Role{escrow.RoleOrganizer, escrow.RoleVendor}
	switch {
	case req.Role != "":
		roles = []escrow.Role{req.Role}
	case rule.Actor != "":
		roles = []escrow.Role{rule.Actor}
	}
	for _, role := range roles {
		view := d.cfg.Views[role]
		if view == nil {
			continue
		}
		if p, ok := view.Snapshot().Job(req.JobID); ok {
			return role, view, p, nil
		}
		view.RequestRefresh()
	}
	return "", nil, escrow.Projection{}, fmt.Errorf("%w: job %d is not in the %s view", escrow.ErrInvalidInput, req.JobID, joinRoles(roles))
}

func (d *Dispatcher) submit(ctx context.Context, rule Rule, req Request) (escrow.Tx, error) {
	c := d.cfg.Client
	switch rule.Action {
	case ActionStartJob:
		return c.StartJob(ctx, req.JobID, strings.TrimSpace(req.ProofURL))
	case ActionApproveAdvance:
		return c.ApproveAdvancePayment(ctx, req.JobID)
	case ActionCompleteJob:
		return c.CompleteJob(ctx, req.JobID)
	case ActionRelease:
		return c.ReleasePayment(ctx, req.JobID)
	case ActionRefund:
		return c.RefundEscrow(ctx, req.JobID)
	}
	return nil, fmt.Errorf("%w: action %q sends no transaction", escrow.ErrInvalidInput, rule.Action)
}

func (d *Dispatcher) raiseDispute(ctx context.Context, res Result, role escrow.Role, req Request) (Result, error) {
	if d.cfg.Disputes == nil {
		return res, fmt.Errorf("%w: dispute store not configured", escrow.ErrInvalidInput)
	}
	rec := dispute.Dispute{
		JobID:         req.JobID,
		Raiser:        role.DisputeTag(),
		WalletAddress: d.cfg.Self,
		Description:   strings.TrimSpace(req.Description),
		Timestamp:     d.cfg.Now().UTC(),
	}
	if err := d.cfg.Disputes.Append(ctx, rec); err != nil {
		return res, err
	}
	d.cfg.Metrics.IncDispute(rec.Raiser)
	d.log.Info("dispute raised", "job_id", req.JobID, "raiser", rec.Raiser)
	res.Dispute = &rec
	return res, nil
}

// send submits one transaction and waits for it within ConfirmTimeout. A
// timeout is reported as ErrNotConfirmed with the hash, never as a failure.
func (d *Dispatcher) send(ctx context.Context, name string, submit func(context.Context) (escrow.Tx, error)) (*escrow.Receipt, common.Hash, error) {
	tx, err := submit(ctx)
	if err != nil {
		err = escrow.Classify(err)
		d.log.Warn("submission failed", "action", name, "kind", escrow.Kind(err), "error", err)
		return nil, common.Hash{}, err
	}
	hash := tx.Hash()
	d.log.Info("transaction submitted", "action", name, "tx", hash.Hex())

	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.ConfirmTimeout)
	defer cancel()
	receipt, err := tx.Wait(waitCtx)
	switch {
	case err == nil:
	case errors.Is(err, escrow.ErrNotConfirmed), errors.Is(err, context.DeadlineExceeded):
		d.log.Warn("transaction not confirmed in time", "action", name, "tx", hash.Hex())
		return nil, hash, fmt.Errorf("%w: %s", escrow.ErrNotConfirmed, hash.Hex())
	default:
		err = escrow.Classify(err)
		var revert *escrow.RevertError
		if errors.As(err, &revert) && revert.TxHash == "" {
			revert.TxHash = hash.Hex()
		}
		return nil, hash, err
	}
	if !receipt.Succeeded() {
		return receipt, hash, &escrow.RevertError{TxHash: hash.Hex()}
	}
	return receipt, hash, nil
}

// resync force-refreshes the acting view and bumps the trigger counter on
// the others so they catch up in the background.
func (d *Dispatcher) resync(ctx context.Context, role escrow.Role, acting View, jobID uint64) escrow.Status {
	n := d.trigger.Add(1)
	for r, v := range d.cfg.Views {
		if r != role && v != nil {
			v.Trigger(n)
		}
	}
	if acting == nil {
		return ""
	}
	snap, err := acting.ForceRefresh(ctx)
	if err != nil {
		d.log.Warn("resync after action failed", "error", err)
	}
	if snap == nil {
		return ""
	}
	if p, ok := snap.Job(jobID); ok {
		return p.Job.Status
	}
	return ""
}

// CreateRequest describes a new escrow from the organizer side. Amount is in
// ether units; an empty Token funds the escrow in the native coin.
type CreateRequest struct {
	Vendor      string    `json:"vendor"`
	Amount      string    `json:"amount"`
	Token       string    `json:"token,omitempty"`
	Deadline    time.Time `json:"deadline"`
	PenaltyRate int       `json:"penaltyRate"`
}

type CreateResult struct {
	EscrowID    *uint64         `json:"escrowId,omitempty"`
	TxHash      *common.Hash    `json:"txHash,omitempty"`
	BlockNumber uint64          `json:"blockNumber,omitempty"`
	Quote       escrow.FeeQuote `json:"quote"`
}

// Validate checks a create request and returns the contract parameters.
func (d *Dispatcher) Validate(req CreateRequest) (escrow.CreateParams, error) {
	vendor, err := ParseAddress(req.Vendor)
	if err != nil {
		return escrow.CreateParams{}, err
	}
	if vendor == d.cfg.Self {
		return escrow.CreateParams{}, fmt.Errorf("%w: vendor cannot be the organizer", escrow.ErrInvalidInput)
	}
	if req.PenaltyRate < 0 || req.PenaltyRate > escrow.MaxPenaltyRate {
		return escrow.CreateParams{}, fmt.Errorf("%w: penalty rate must be between 0 and %d", escrow.ErrInvalidInput, escrow.MaxPenaltyRate)
	}
	amount, err := escrow.ParseEther(req.Amount)
	if err != nil {
		return escrow.CreateParams{}, err
	}
	if amount.Sign() <= 0 {
		return escrow.CreateParams{}, fmt.Errorf("%w: amount must be greater than 0", escrow.ErrInvalidInput)
	}
	if !req.Deadline.After(d.cfg.Now()) {
		return escrow.CreateParams{}, fmt.Errorf("%w: deadline must be in the future", escrow.ErrInvalidInput)
	}
	params := escrow.CreateParams{
		Vendor:      vendor,
		Amount:      amount,
		Deadline:    req.Deadline,
		PenaltyRate: uint8(req.PenaltyRate),
	}
	if strings.TrimSpace(req.Token) != "" {
		token, err := ParseAddress(req.Token)
		if err != nil {
			return escrow.CreateParams{}, err
		}
		params.Token = token
	}
	return params, nil
}

// CreateEscrow funds a new escrow. Native escrows send amount plus the
// organizer fee as value.
func (d *Dispatcher) CreateEscrow(ctx context.Context, req CreateRequest) (res CreateResult, err error) {
	defer func() { d.cfg.Metrics.IncAction("create", resultKind(err)) }()

	params, err := d.Validate(req)
	if err != nil {
		return res, err
	}
	quote, err := escrow.QuoteFee(params.Amount, d.cfg.OrganizerFeeBps)
	if err != nil {
		return res, err
	}
	res.Quote = quote

	if !d.acquire("create") {
		return res, fmt.Errorf("%w: escrow creation", ErrActionPending)
	}
	defer d.release("create")

	receipt, hash, err := d.send(ctx, "create", func(ctx context.Context) (escrow.Tx, error) {
		if params.Token != (common.Address{}) {
			return d.cfg.Client.CreateEscrowToken(ctx, params)
		}
		return d.cfg.Client.CreateEscrowNative(ctx, params, new(big.Int).Set(quote.TotalToSend))
	})
	if hash != (common.Hash{}) {
		res.TxHash = &hash
	}
	if err != nil {
		return res, err
	}
	res.BlockNumber = receipt.BlockNumber
	res.EscrowID = receipt.EscrowID
	d.resync(ctx, escrow.RoleOrganizer, d.cfg.Views[escrow.RoleOrganizer], 0)
	return res, nil
}

// RegisterVendor writes the session account's vendor profile.
func (d *Dispatcher) RegisterVendor(ctx context.Context, profile escrow.VendorProfile) (hash *common.Hash, err error) {
	defer func() { d.cfg.Metrics.IncAction("register-vendor", resultKind(err)) }()
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return d.vendorWrite(ctx, "register-vendor", func(ctx context.Context) (escrow.Tx, error) {
		return d.cfg.Client.RegisterVendor(ctx, profile)
	})
}

// SetVendorStatus toggles whether the session account accepts new jobs.
func (d *Dispatcher) SetVendorStatus(ctx context.Context, active bool) (hash *common.Hash, err error) {
	defer func() { d.cfg.Metrics.IncAction("vendor-status", resultKind(err)) }()
	return d.vendorWrite(ctx, "vendor-status", func(ctx context.Context) (escrow.Tx, error) {
		return d.cfg.Client.SetVendorStatus(ctx, active)
	})
}

func (d *Dispatcher) vendorWrite(ctx context.Context, name string, submit func(context.Context) (escrow.Tx, error)) (*common.Hash, error) {
	if !d.acquire("vendor") {
		return nil, fmt.Errorf("%w: vendor profile", ErrActionPending)
	}
	defer d.release("vendor")

	_, hash, err := d.send(ctx, name, submit)
	if hash == (common.Hash{}) {
		return nil, err
	}
	return &hash, err
}

// ParseAddress accepts a hex address. Mixed-case input must carry a valid
// EIP-55 checksum.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q is not an address", escrow.ErrInvalidInput, s)
	}
	addr := common.HexToAddress(s)
	body := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if body != strings.ToLower(body) && body != strings.ToUpper(body) && addr.Hex()[2:] != body {
		return common.Address{}, fmt.Errorf("%w: %q has an invalid checksum", escrow.ErrInvalidInput, s)
	}
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: zero address", escrow.ErrInvalidInput)
	}
	return addr, nil
}

func resultKind(err error) string {
	if errors.Is(err, ErrActionPending) {
		return "action_pending"
	}
	return escrow.Kind(err)
}

func joinRoles(roles []escrow.Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, " or ")
}
