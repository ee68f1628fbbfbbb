package escrow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapStatusKnownCodes(t *testing.T) {
	t.Parallel()
	expected := []Status{
		StatusCreated, StatusFunded, StatusInProgress,
		StatusCompleted, StatusReleased, StatusRefunded,
	}
	for code, want := range expected {
		got, err := MapStatus(uint8(code))
		require.NoError(t, err)
		require.Equal(t, want, got)
		require.Equal(t, code, got.Code())
	}
}

func TestMapStatusUnknownCode(t *testing.T) {
	t.Parallel()
	for _, code := range []uint8{6, 7, 42, 255} {
		_, err := MapStatus(code)
		require.ErrorIs(t, err, ErrUnknownStatusCode)
	}
}

func TestStatusPartitions(t *testing.T) {
	t.Parallel()
	require.True(t, StatusFunded.Active())
	require.True(t, StatusInProgress.Active())
	require.True(t, StatusCompleted.Active())
	require.False(t, StatusCreated.Active())
	require.True(t, StatusReleased.Terminal())
	require.True(t, StatusRefunded.Terminal())
	require.False(t, StatusCompleted.Terminal())
	require.Equal(t, -1, Status("Bogus").Code())
}
