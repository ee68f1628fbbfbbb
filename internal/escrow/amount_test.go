package escrow

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestPaidAmountConservation(t *testing.T) {
	t.Parallel()
	cases := []struct{ original, balance int64 }{
		{0, 0}, {100, 0}, {100, 100}, {100, 85}, {1_000_000_000_000_000_000, 1},
	}
	for _, tc := range cases {
		original := big.NewInt(tc.original)
		balance := big.NewInt(tc.balance)
		paid, err := PaidAmount(original, balance)
		require.NoError(t, err)
		require.True(t, paid.Sign() >= 0)
		require.Zero(t, new(big.Int).Add(paid, balance).Cmp(original))
	}
}

func TestPaidAmountRejectsOverBalance(t *testing.T) {
	t.Parallel()
	_, err := PaidAmount(big.NewInt(10), big.NewInt(11))
	require.ErrorIs(t, err, ErrMalformedRecord)

	_, err = PaidAmount(nil, big.NewInt(1))
	require.ErrorIs(t, err, ErrMalformedRecord)
}

func TestQuoteFeeFloorsAtOnePercent(t *testing.T) {
	t.Parallel()
	for _, amount := range []int64{0, 1, 99, 100, 101, 199, 12345, 1_000_000_000_000_000_000} {
		q, err := QuoteFee(big.NewInt(amount), 100)
		require.NoError(t, err)
		require.Equal(t, amount/100, q.OrganizerFee.Int64())
		require.Equal(t, amount+amount/100, q.TotalToSend.Int64())
	}
}

func TestQuoteFeeDoesNotAliasInput(t *testing.T) {
	t.Parallel()
	amount := big.NewInt(500)
	q, err := QuoteFee(amount, 100)
	require.NoError(t, err)
	q.JobAmount.SetInt64(1)
	require.Equal(t, int64(500), amount.Int64())
}

func TestQuoteFeeRejectsNegative(t *testing.T) {
	t.Parallel()
	_, err := QuoteFee(big.NewInt(-1), 100)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestAdvanceAmount(t *testing.T) {
	t.Parallel()
	oneEther, _ := new(big.Int).SetString("1000000000000000000", 10)
	require.Equal(t, "150000000000000000", AdvanceAmount(oneEther, 1500).String())
	require.Equal(t, int64(1), AdvanceAmount(big.NewInt(13), 1500).Int64())
}

func TestEtherFormatting(t *testing.T) {
	t.Parallel()
	wei, err := ParseEther("1.5")
	require.NoError(t, err)
	require.Equal(t, "1500000000000000000", wei.String())
	require.Equal(t, "1.5", FormatEther(wei))
	require.Equal(t, "1.0", FormatEther(big.NewInt(1_000_000_000_000_000_000)))

	_, err = ParseEther("0.0000000000000000001")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = ParseEther("-1")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = ParseEther("abc")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestAmountSymbol(t *testing.T) {
	t.Parallel()
	native := Amount{Wei: big.NewInt(0)}
	require.Equal(t, "MON", native.Symbol())
	token := Amount{Wei: big.NewInt(0), Token: common.HexToAddress("0x01")}
	require.Equal(t, "Token", token.Symbol())
	require.Equal(t, "0.0 Token", token.String())
}
