// Package roles resolves which dashboards an account may open. Organizer and
// service-provider access is held as an ERC-721 balance; jury access is a
// local session marker.
package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"monconnect/internal/escrow"
)

const (
	DefaultPollTimeout  = 30 * time.Second
	DefaultPollInterval = 2 * time.Second
)

type Role string

const (
	Organizer       Role = "organizer"
	ServiceProvider Role = "service-provider"
	Jury            Role = "jury"
)

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "organizer":
		return Organizer, nil
	case "service-provider", "service", "vendor":
		return ServiceProvider, nil
	case "jury":
		return Jury, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", escrow.ErrInvalidInput, s)
}

// Roles is what an account holds.
type Roles struct {
	Address         common.Address `json:"address"`
	Organizer       bool           `json:"organizer"`
	ServiceProvider bool           `json:"serviceProvider"`
	Jury            bool           `json:"jury"`
}

func (r Roles) Has(role Role) bool {
	switch role {
	case Organizer:
		return r.Organizer
	case ServiceProvider:
		return r.ServiceProvider
	case Jury:
		return r.Jury
	}
	return false
}

// Any reports whether either NFT role is held.
func (r Roles) Any() bool { return r.Organizer || r.ServiceProvider }

// MintResult reports a mint. AlreadyMinted means no transaction was sent.
type MintResult struct {
	Role          Role         `json:"role"`
	AlreadyMinted bool         `json:"alreadyMinted"`
	TxHash        *common.Hash `json:"txHash,omitempty"`
	BlockNumber   uint64       `json:"blockNumber,omitempty"`
}

type GateConfig struct {
	OrganizerNFT       NFT
	ServiceProviderNFT NFT
	Jury               *JuryRegistry
	PollTimeout        time.Duration
	PollInterval       time.Duration
	Logger             *slog.Logger
}

type Gate struct {
	nfts         map[Role]NFT
	jury         *JuryRegistry
	pollTimeout  time.Duration
	pollInterval time.Duration
	log          *slog.Logger
}

func NewGate(cfg GateConfig) *Gate {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	nfts := make(map[Role]NFT, 2)
	if cfg.OrganizerNFT != nil {
		nfts[Organizer] = cfg.OrganizerNFT
	}
	if cfg.ServiceProviderNFT != nil {
		nfts[ServiceProvider] = cfg.ServiceProviderNFT
	}
	return &Gate{
		nfts:         nfts,
		jury:         cfg.Jury,
		pollTimeout:  cfg.PollTimeout,
		pollInterval: cfg.PollInterval,
		log:          cfg.Logger.With("component", "roles"),
	}
}

// Resolve checks both NFT balances and the jury marker. A failed balance
// check counts as not holding the role.
func (g *Gate) Resolve(ctx context.Context, addr common.Address) (Roles, error) {
	out := Roles{Address: addr}
	out.Organizer = g.holds(ctx, Organizer, addr)
	out.ServiceProvider = g.holds(ctx, ServiceProvider, addr)
	if g.jury != nil {
		jury, err := g.jury.IsRegistered(ctx, addr)
		if err != nil {
			return out, err
		}
		out.Jury = jury
	}
	return out, nil
}

func (g *Gate) holds(ctx context.Context, role Role, addr common.Address) bool {
	nft := g.nfts[role]
	if nft == nil {
		return false
	}
	balance, err := nft.BalanceOf(ctx, addr)
	if err != nil {
		g.log.Warn("balance check failed, treating as no role", "role", string(role), "address", addr.Hex(), "error", err)
		return false
	}
	return balance.Cmp(big.NewInt(0)) > 0
}

// Mint mints the role NFT to self unless it is already held, then waits
// until the balance is visible.
func (g *Gate) Mint(ctx context.Context, self common.Address, role Role) (MintResult, error) {
	res := MintResult{Role: role}
	nft := g.nfts[role]
	if nft == nil {
		return res, fmt.Errorf("%w: no nft configured for role %q", escrow.ErrInvalidInput, role)
	}

	balance, err := nft.BalanceOf(ctx, self)
	switch {
	case errors.Is(err, ErrNoContract):
		return res, err
	case err != nil:
		g.log.Warn("could not read balance before mint, minting anyway", "role", string(role), "error", err)
	case balance.Sign() > 0:
		res.AlreadyMinted = true
		return res, nil
	}

	tx, err := nft.SafeMint(ctx, self)
	if err != nil {
		return res, escrow.Classify(err)
	}
	hash := tx.Hash()
	res.TxHash = &hash
	g.log.Info("role mint submitted", "role", string(role), "tx", hash.Hex())

	waitCtx, cancel := context.WithTimeout(ctx, g.pollTimeout)
	defer cancel()
	receipt, err := tx.Wait(waitCtx)
	if err != nil {
		return res, escrow.Classify(err)
	}
	res.BlockNumber = receipt.BlockNumber

	if err := g.WaitForOwnership(ctx, self, role); err != nil {
		return res, err
	}
	return res, nil
}

// WaitForOwnership polls the balance every PollInterval for at most
// PollTimeout. It fails closed with ErrNotConfirmed.
func (g *Gate) WaitForOwnership(ctx context.Context, addr common.Address, role Role) error {
	if g.nfts[role] == nil {
		return fmt.Errorf("%w: no nft configured for role %q", escrow.ErrInvalidInput, role)
	}
	ctx, cancel := context.WithTimeout(ctx, g.pollTimeout)
	defer cancel()

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		if g.holds(ctx, role, addr) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s role not visible for %s after %s", escrow.ErrNotConfirmed, role, addr.Hex(), g.pollTimeout)
		case <-ticker.C:
		}
	}
}
