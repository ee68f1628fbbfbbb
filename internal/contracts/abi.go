package contracts

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// EscrowABI covers the escrow and vendor registry calls used by the dashboard.
const EscrowABI = `[
  {"type":"function","name":"getTotalEscrows","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getEscrow","stateMutability":"view","inputs":[{"name":"escrowId","type":"uint256"}],"outputs":[{"name":"","type":"tuple","components":[
    {"name":"id","type":"uint256"},
    {"name":"organizer","type":"address"},
    {"name":"vendor","type":"address"},
    {"name":"tokenAddress","type":"address"},
    {"name":"originalAmount","type":"uint256"},
    {"name":"escrowBalance","type":"uint256"},
    {"name":"status","type":"uint8"},
    {"name":"deadline","type":"uint256"},
    {"name":"penaltyRate","type":"uint256"},
    {"name":"advanceApproved","type":"bool"},
    {"name":"proofUrl","type":"string"}
  ]}]},
  {"type":"function","name":"getVendorProfile","stateMutability":"view","inputs":[{"name":"vendor","type":"address"}],"outputs":[{"name":"","type":"tuple","components":[
    {"name":"walletAddress","type":"address"},
    {"name":"businessName","type":"string"},
    {"name":"businessType","type":"string"},
    {"name":"ownerName","type":"string"},
    {"name":"email","type":"string"},
    {"name":"phone","type":"string"},
    {"name":"gstNumber","type":"string"},
    {"name":"isActive","type":"bool"},
    {"name":"completedJobs","type":"uint256"},
    {"name":"level","type":"uint256"},
    {"name":"registeredAt","type":"uint256"}
  ]}]},
  {"type":"function","name":"getActiveVendors","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"tuple[]","components":[
    {"name":"walletAddress","type":"address"},
    {"name":"businessName","type":"string"},
    {"name":"businessType","type":"string"},
    {"name":"ownerName","type":"string"},
    {"name":"email","type":"string"},
    {"name":"phone","type":"string"},
    {"name":"gstNumber","type":"string"},
    {"name":"isActive","type":"bool"},
    {"name":"completedJobs","type":"uint256"},
    {"name":"level","type":"uint256"},
    {"name":"registeredAt","type":"uint256"}
  ]}]},
  {"type":"function","name":"createEscrowNative","stateMutability":"payable","inputs":[{"name":"vendor","type":"address"},{"name":"amount","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"penaltyRate","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"createEscrowToken","stateMutability":"nonpayable","inputs":[{"name":"vendor","type":"address"},{"name":"amount","type":"uint256"},{"name":"tokenAddress","type":"address"},{"name":"deadline","type":"uint256"},{"name":"penaltyRate","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approveAdvancePayment","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"releasePayment","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"refundEscrow","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"startJob","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"uint256"},{"name":"proofUrl","type":"string"}],"outputs":[]},
  {"type":"function","name":"completeJob","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"registerVendor","stateMutability":"nonpayable","inputs":[{"name":"businessName","type":"string"},{"name":"businessType","type":"string"},{"name":"ownerName","type":"string"},{"name":"email","type":"string"},{"name":"phone","type":"string"},{"name":"gstNumber","type":"string"}],"outputs":[]},
  {"type":"function","name":"setVendorStatus","stateMutability":"nonpayable","inputs":[{"name":"isActive","type":"bool"}],"outputs":[]},
  {"type":"event","name":"EscrowCreated","anonymous":false,"inputs":[{"name":"escrowId","type":"uint256","indexed":true},{"name":"organizer","type":"address","indexed":true},{"name":"vendor","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]}
]`

// RoleNFTABI is the subset of the VerifiedNft (ERC-721) contract used for role gating.
const RoleNFTABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"safeMint","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"}],"outputs":[]},
  {"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

var (
	parseOnce  sync.Once
	escrowABI  abi.ABI
	roleNFTABI abi.ABI
	parseErr   error
)

func parse() {
	escrowABI, parseErr = abi.JSON(strings.NewReader(EscrowABI))
	if parseErr != nil {
		parseErr = fmt.Errorf("parse escrow abi: %w", parseErr)
		return
	}
	roleNFTABI, parseErr = abi.JSON(strings.NewReader(RoleNFTABI))
	if parseErr != nil {
		parseErr = fmt.Errorf("parse role nft abi: %w", parseErr)
	}
}

// Escrow returns the parsed escrow ABI.
func Escrow() (abi.ABI, error) {
	parseOnce.Do(parse)
	return escrowABI, parseErr
}

// RoleNFT returns the parsed role NFT ABI.
func RoleNFT() (abi.ABI, error) {
	parseOnce.Do(parse)
	return roleNFTABI, parseErr
}
