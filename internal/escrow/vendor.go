package escrow

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RawVendor mirrors the vendor profile tuple returned by the registry.
type RawVendor struct {
	WalletAddress common.Address
	BusinessName  string
	BusinessType  string
	OwnerName     string
	Email         string
	Phone         string
	GstNumber     string
	IsActive      bool
	CompletedJobs *big.Int
	Level         *big.Int
	RegisteredAt  *big.Int
}

// Vendor is a registered service provider.
type Vendor struct {
	WalletAddress common.Address `json:"walletAddress"`
	BusinessName  string         `json:"businessName"`
	BusinessType  string         `json:"businessType"`
	OwnerName     string         `json:"ownerName"`
	Email         string         `json:"email,omitempty"`
	Phone         string         `json:"phone,omitempty"`
	GSTNumber     string         `json:"gstNumber,omitempty"`
	IsActive      bool           `json:"isActive"`
	CompletedJobs uint64         `json:"completedJobs"`
	Level         uint64         `json:"level"`
	LevelName     string         `json:"levelName"`
	RegisteredAt  time.Time      `json:"registeredAt"`
}

// VendorProfile is the editable part of a vendor registration.
type VendorProfile struct {
	BusinessName string `json:"businessName"`
	BusinessType string `json:"businessType"`
	OwnerName    string `json:"ownerName"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	GSTNumber    string `json:"gstNumber"`
}

// Validate checks the fields the registry requires.
func (p VendorProfile) Validate() error {
	if strings.TrimSpace(p.BusinessName) == "" || strings.TrimSpace(p.BusinessType) == "" || strings.TrimSpace(p.OwnerName) == "" {
		return fmt.Errorf("%w: business name, business type and owner name are required", ErrInvalidInput)
	}
	return nil
}

// LevelName maps the registry's vendor level.
func LevelName(level uint64) string {
	switch level {
	case 3:
		return "Expert"
	case 2:
		return "Pro"
	case 1:
		return "Beginner"
	default:
		return "Unranked"
	}
}

// BuildVendor converts a raw profile. ok is false when the wallet address is
// zero, which is how the registry reports an unregistered vendor.
func BuildVendor(raw RawVendor) (Vendor, bool) {
	if raw.WalletAddress == (common.Address{}) {
		return Vendor{}, false
	}
	level := uint64OrZero(raw.Level)
	return Vendor{
		WalletAddress: raw.WalletAddress,
		BusinessName:  raw.BusinessName,
		BusinessType:  raw.BusinessType,
		OwnerName:     raw.OwnerName,
		Email:         raw.Email,
		Phone:         raw.Phone,
		GSTNumber:     raw.GstNumber,
		IsActive:      raw.IsActive,
		CompletedJobs: uint64OrZero(raw.CompletedJobs),
		Level:         level,
		LevelName:     LevelName(level),
		RegisteredAt:  time.Unix(int64(uint64OrZero(raw.RegisteredAt)), 0).UTC(),
	}, true
}

func uint64OrZero(v *big.Int) uint64 {
	if v == nil || !v.IsUint64() {
		return 0
	}
	return v.Uint64()
}
