package escrow

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	// BasisPointsDenominator is 100% in basis points.
	BasisPointsDenominator = 10_000

	// NativeSymbol is the tag shown for escrows funded in the chain's native coin.
	NativeSymbol = "MON"
	tokenSymbol  = "Token"

	etherDecimals = 18
)

// Amount is a wei-denominated value tagged with the token it is held in.
// The zero token address means the native coin.
type Amount struct {
	Wei   *big.Int       `json:"wei"`
	Token common.Address `json:"token"`
}

// Native reports whether the amount is held in the native coin.
func (a Amount) Native() bool {
	return a.Token == (common.Address{})
}

// Symbol returns the display tag for the amount's currency.
func (a Amount) Symbol() string {
	if a.Native() {
		return NativeSymbol
	}
	return tokenSymbol
}

// String formats the amount as "<ether> <symbol>".
func (a Amount) String() string {
	return FormatEther(a.Wei) + " " + a.Symbol()
}

// FormatEther renders a wei value with 18 decimals, trimming trailing zeros.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0.0"
	}
	s := decimal.NewFromBigInt(wei, -etherDecimals).String()
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// ParseEther parses a decimal ether string into wei. More than 18 fractional
// digits is an error rather than a silent truncation.
func ParseEther(value string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q: %v", ErrInvalidInput, value, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: amount %q is negative", ErrInvalidInput, value)
	}
	wei := d.Shift(etherDecimals)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("%w: amount %q has more than %d decimals", ErrInvalidInput, value, etherDecimals)
	}
	return wei.BigInt(), nil
}

// PaidAmount returns original - balance. It requires 0 <= balance <= original.
func PaidAmount(original, balance *big.Int) (*big.Int, error) {
	if original == nil || balance == nil {
		return nil, fmt.Errorf("%w: missing amount", ErrMalformedRecord)
	}
	if balance.Sign() < 0 || original.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative amount", ErrMalformedRecord)
	}
	if balance.Cmp(original) > 0 {
		return nil, fmt.Errorf("%w: escrow balance %s exceeds original amount %s", ErrMalformedRecord, balance, original)
	}
	return new(big.Int).Sub(original, balance), nil
}

// FeeQuote is the breakdown submitted with a new escrow.
type FeeQuote struct {
	JobAmount    *big.Int `json:"jobAmount"`
	RateBps      uint64   `json:"rateBps"`
	OrganizerFee *big.Int `json:"organizerFee"`
	TotalToSend  *big.Int `json:"totalToSend"`
}

// QuoteFee computes floor(jobAmount * rateBps / 10000) and the total to send.
// The rounding matches the contract's integer division.
func QuoteFee(jobAmount *big.Int, rateBps uint64) (FeeQuote, error) {
	if jobAmount == nil || jobAmount.Sign() < 0 {
		return FeeQuote{}, fmt.Errorf("%w: job amount must be non-negative", ErrInvalidInput)
	}
	fee := applyBps(jobAmount, rateBps)
	return FeeQuote{
		JobAmount:    new(big.Int).Set(jobAmount),
		RateBps:      rateBps,
		OrganizerFee: fee,
		TotalToSend:  new(big.Int).Add(jobAmount, fee),
	}, nil
}

// AdvanceAmount is the early partial release for an approved advance.
func AdvanceAmount(original *big.Int, rateBps uint64) *big.Int {
	if original == nil {
		return new(big.Int)
	}
	return applyBps(original, rateBps)
}

func applyBps(v *big.Int, bps uint64) *big.Int {
	out := new(big.Int).Mul(v, new(big.Int).SetUint64(bps))
	return out.Quo(out, big.NewInt(BasisPointsDenominator))
}
