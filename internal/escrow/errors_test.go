package escrow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type codedError struct {
	code int
	msg  string
	data interface{}
}

func (e codedError) Error() string          { return e.msg }
func (e codedError) ErrorCode() int         { return e.code }
func (e codedError) ErrorData() interface{} { return e.data }

func TestClassifyProviderCodes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"rejected", codedError{code: 4001, msg: "nope"}, ErrUserRejected},
		{"unauthorized", codedError{code: 4100, msg: "locked"}, ErrUserRejected},
		{"unknown chain", codedError{code: 4902, msg: "unrecognized chain"}, ErrNetworkMismatch},
		{"generic rpc", codedError{code: -32000, msg: "header not found"}, ErrNetwork},
		{"message reject", errors.New("MetaMask Tx Signature: User denied transaction signature."), ErrUserRejected},
		{"message revert", errors.New("execution reverted: Only organizer"), ErrContractReverted},
		{"plain", errors.New("dial tcp: connection refused"), ErrNetwork},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.ErrorIs(t, Classify(tc.err), tc.want)
		})
	}
}

func TestClassifyDecodesRevertData(t *testing.T) {
	t.Parallel()
	// Error(string) selector with the reason "Job not completed".
	data := "0x08c379a0" +
		"0000000000000000000000000000000000000000000000000000000000000020" +
		"0000000000000000000000000000000000000000000000000000000000000011" +
		"4a6f62206e6f7420636f6d706c65746564000000000000000000000000000000"
	err := Classify(codedError{code: 3, msg: "execution reverted", data: data})

	var revert *RevertError
	require.ErrorAs(t, err, &revert)
	require.Equal(t, "Job not completed", revert.Reason)
}

func TestClassifyKeepsClassifiedErrors(t *testing.T) {
	t.Parallel()
	stale := &StaleStateError{JobID: 3, Action: "release", Cached: StatusFunded}
	require.Same(t, stale, Classify(stale))

	wrapped := fmt.Errorf("submit: %w", ErrNotConfirmed)
	require.Equal(t, wrapped, Classify(wrapped))
	require.NoError(t, Classify(nil))
}

func TestRevertMessageTrimsPrefix(t *testing.T) {
	t.Parallel()
	var revert *RevertError
	require.ErrorAs(t, Classify(errors.New("execution reverted: Job not funded")), &revert)
	require.Equal(t, "Job not funded", revert.Reason)
}

func TestKind(t *testing.T) {
	t.Parallel()
	require.Equal(t, "ok", Kind(nil))
	require.Equal(t, "user_rejected", Kind(fmt.Errorf("%w: x", ErrUserRejected)))
	require.Equal(t, "contract_reverted", Kind(&RevertError{Reason: "x"}))
	require.Equal(t, "stale_state", Kind(&StaleStateError{}))
	require.Equal(t, "not_confirmed", Kind(ErrNotConfirmed))
	require.Equal(t, "network_mismatch", Kind(ErrNetworkMismatch))
	require.Equal(t, "invalid_input", Kind(ErrInvalidInput))
	require.Equal(t, "network", Kind(errors.New("boom")))
}

func TestStaleStateMessage(t *testing.T) {
	t.Parallel()
	cached := &StaleStateError{JobID: 2, Action: "release", Cached: StatusFunded}
	require.Contains(t, cached.Error(), "cannot release job 2 in status Funded")

	live := &StaleStateError{JobID: 2, Action: "release", Cached: StatusCompleted, Live: StatusReleased}
	require.Contains(t, live.Error(), "Released on-chain")
}
