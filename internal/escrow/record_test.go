package escrow

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	organizerAddr = common.HexToAddress("0x1000000000000000000000000000000000000001")
	vendorAddr    = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

func oneEther() *big.Int {
	v, _ := new(big.Int).SetString("1000000000000000000", 10)
	return v
}

func rawRecord(id int64, status uint8, original, balance *big.Int) *RawEscrow {
	return &RawEscrow{
		Id:             big.NewInt(id),
		Organizer:      organizerAddr,
		Vendor:         vendorAddr,
		OriginalAmount: original,
		EscrowBalance:  balance,
		Status:         status,
		Deadline:       big.NewInt(1_800_000_000),
		PenaltyRate:    big.NewInt(5),
	}
}

func TestProjectFundedThenReleased(t *testing.T) {
	t.Parallel()
	funded, err := Project(rawRecord(0, 1, oneEther(), oneEther()), organizerAddr)
	require.NoError(t, err)
	require.Equal(t, StatusFunded, funded.Job.Status)
	require.Zero(t, funded.Job.PaidAmount.Wei.Sign())
	require.Equal(t, vendorAddr, funded.Counterparty)

	released, err := Project(rawRecord(0, 4, oneEther(), big.NewInt(0)), organizerAddr)
	require.NoError(t, err)
	require.Equal(t, StatusReleased, released.Job.Status)
	require.Equal(t, "1.0", FormatEther(released.Job.PaidAmount.Wei))
}

func TestProjectCounterpartyForVendor(t *testing.T) {
	t.Parallel()
	p, err := Project(rawRecord(3, 2, oneEther(), oneEther()), vendorAddr)
	require.NoError(t, err)
	require.Equal(t, organizerAddr, p.Counterparty)
}

func TestProjectIsIdempotent(t *testing.T) {
	t.Parallel()
	raw := rawRecord(7, 3, big.NewInt(1000), big.NewInt(850))
	raw.AdvanceApproved = true
	raw.ProofUrl = "https://proof.example/7"

	first, err := Project(raw, organizerAddr)
	require.NoError(t, err)
	second, err := Project(raw, organizerAddr)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, int64(150), first.Job.PaidAmount.Wei.Int64())
}

func TestProjectMalformed(t *testing.T) {
	t.Parallel()
	cases := map[string]*RawEscrow{
		"nil":            nil,
		"missing id":     func() *RawEscrow { r := rawRecord(1, 1, big.NewInt(1), big.NewInt(1)); r.Id = nil; return r }(),
		"unknown status": rawRecord(1, 9, big.NewInt(1), big.NewInt(1)),
		"over balance":   rawRecord(1, 1, big.NewInt(1), big.NewInt(2)),
		"missing amount": rawRecord(1, 1, nil, big.NewInt(1)),
		"zero vendor":    func() *RawEscrow { r := rawRecord(1, 1, big.NewInt(1), big.NewInt(1)); r.Vendor = common.Address{}; return r }(),
		"penalty":        func() *RawEscrow { r := rawRecord(1, 1, big.NewInt(1), big.NewInt(1)); r.PenaltyRate = big.NewInt(51); return r }(),
	}
	for name, raw := range cases {
		_, err := Project(raw, organizerAddr)
		require.ErrorIsf(t, err, ErrMalformedRecord, "case %s", name)
	}
}

func TestParseRole(t *testing.T) {
	t.Parallel()
	r, err := ParseRole("service-provider")
	require.NoError(t, err)
	require.Equal(t, RoleVendor, r)
	require.Equal(t, "service-provider", r.DisputeTag())
	require.Equal(t, "organizer", RoleOrganizer.DisputeTag())
	_, err = ParseRole("jury")
	require.ErrorIs(t, err, ErrInvalidInput)
}
