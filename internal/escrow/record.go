package escrow

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Role is the side of an escrow the viewer is on.
type Role string

const (
	RoleOrganizer Role = "organizer"
	RoleVendor    Role = "vendor"
)

// DisputeTag is how a role is labelled on dispute records.
func (r Role) DisputeTag() string {
	if r == RoleVendor {
		return "service-provider"
	}
	return string(r)
}

// ParseRole accepts the role names used by the dashboard routes.
func ParseRole(s string) (Role, error) {
	switch s {
	case "organizer":
		return RoleOrganizer, nil
	case "vendor", "service-provider", "service":
		return RoleVendor, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

// MaxPenaltyRate is the highest penalty percentage accepted at creation.
const MaxPenaltyRate = 50

// RawEscrow mirrors the getEscrow tuple. Field names match the ABI
// components so abi.ConvertType can fill it directly.
type RawEscrow struct {
	Id              *big.Int
	Organizer       common.Address
	Vendor          common.Address
	TokenAddress    common.Address
	OriginalAmount  *big.Int
	EscrowBalance   *big.Int
	Status          uint8
	Deadline        *big.Int
	PenaltyRate     *big.Int
	AdvanceApproved bool
	ProofUrl        string
}

// Job is the client-side projection of one escrow.
type Job struct {
	ID              uint64         `json:"id"`
	Organizer       common.Address `json:"organizer"`
	Vendor          common.Address `json:"vendor"`
	OriginalAmount  Amount         `json:"originalAmount"`
	EscrowBalance   Amount         `json:"escrowBalance"`
	PaidAmount      Amount         `json:"paidAmount"`
	Status          Status         `json:"status"`
	Deadline        time.Time      `json:"deadline"`
	PenaltyRate     uint8          `json:"penaltyRate"`
	AdvanceApproved bool           `json:"advanceApproved"`
	ProofURL        string         `json:"proofUrl,omitempty"`
}

// Party returns the address acting as role on the job.
func (j Job) Party(role Role) common.Address {
	if role == RoleVendor {
		return j.Vendor
	}
	return j.Organizer
}

// Projection is a Job seen from one viewer's side.
type Projection struct {
	Job          Job            `json:"job"`
	Counterparty common.Address `json:"counterparty"`
}

// Project validates a raw record and builds the viewer-relative job.
// The counterparty is the vendor when self is the organizer, and the
// organizer otherwise.
func Project(raw *RawEscrow, self common.Address) (Projection, error) {
	job, err := BuildJob(raw)
	if err != nil {
		return Projection{}, err
	}
	counterparty := job.Organizer
	if self == job.Organizer {
		counterparty = job.Vendor
	}
	return Projection{Job: job, Counterparty: counterparty}, nil
}

// BuildJob validates a raw record and converts it into a Job.
func BuildJob(raw *RawEscrow) (Job, error) {
	if raw == nil {
		return Job{}, fmt.Errorf("%w: nil record", ErrMalformedRecord)
	}
	if raw.Id == nil || !raw.Id.IsUint64() {
		return Job{}, fmt.Errorf("%w: missing or oversized id", ErrMalformedRecord)
	}
	id := raw.Id.Uint64()
	if raw.OriginalAmount == nil || raw.EscrowBalance == nil || raw.Deadline == nil || raw.PenaltyRate == nil {
		return Job{}, fmt.Errorf("%w: escrow %d missing required field", ErrMalformedRecord, id)
	}
	if raw.Organizer == (common.Address{}) || raw.Vendor == (common.Address{}) {
		return Job{}, fmt.Errorf("%w: escrow %d missing party address", ErrMalformedRecord, id)
	}
	status, err := MapStatus(raw.Status)
	if err != nil {
		return Job{}, fmt.Errorf("%w: escrow %d: %v", ErrMalformedRecord, id, err)
	}
	paid, err := PaidAmount(raw.OriginalAmount, raw.EscrowBalance)
	if err != nil {
		return Job{}, fmt.Errorf("escrow %d: %w", id, err)
	}
	if !raw.PenaltyRate.IsUint64() || raw.PenaltyRate.Uint64() > MaxPenaltyRate {
		return Job{}, fmt.Errorf("%w: escrow %d penalty rate %s out of range", ErrMalformedRecord, id, raw.PenaltyRate)
	}
	if !raw.Deadline.IsInt64() {
		return Job{}, fmt.Errorf("%w: escrow %d deadline out of range", ErrMalformedRecord, id)
	}

	return Job{
		ID:              id,
		Organizer:       raw.Organizer,
		Vendor:          raw.Vendor,
		OriginalAmount:  Amount{Wei: new(big.Int).Set(raw.OriginalAmount), Token: raw.TokenAddress},
		EscrowBalance:   Amount{Wei: new(big.Int).Set(raw.EscrowBalance), Token: raw.TokenAddress},
		PaidAmount:      Amount{Wei: paid, Token: raw.TokenAddress},
		Status:          status,
		Deadline:        time.Unix(raw.Deadline.Int64(), 0).UTC(),
		PenaltyRate:     uint8(raw.PenaltyRate.Uint64()),
		AdvanceApproved: raw.AdvanceApproved,
		ProofURL:        raw.ProofUrl,
	}, nil
}
