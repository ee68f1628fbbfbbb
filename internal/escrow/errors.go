package escrow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrProviderUnavailable = errors.New("wallet provider unavailable")
	ErrUserRejected        = errors.New("request rejected by user")
	ErrNetworkMismatch     = errors.New("connected chain does not match expected chain")
	ErrContractReverted    = errors.New("contract call reverted")
	ErrStaleState          = errors.New("stale state conflict")
	ErrMalformedRecord     = errors.New("malformed escrow record")
	ErrPartialFetch        = errors.New("escrow list fetch failed")
	ErrUnknownStatusCode   = errors.New("unknown status code")
	ErrNetwork             = errors.New("network or provider error")
	ErrNotConfirmed        = errors.New("transaction not yet confirmed")
	ErrInvalidInput        = errors.New("invalid input")
	ErrReadOnly            = errors.New("client is read-only")
)

// EIP-1193 provider error codes.
const (
	codeUserRejected      = 4001
	codeUnauthorized      = 4100
	codeUnrecognizedChain = 4902
)

// RevertError carries the contract's revert reason when one was decoded.
type RevertError struct {
	Reason string
	TxHash string
}

func (e *RevertError) Error() string {
	msg := "contract call reverted"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.TxHash != "" {
		msg += " (tx " + e.TxHash + ")"
	}
	return msg
}

func (e *RevertError) Is(target error) bool { return target == ErrContractReverted }

// StaleStateError reports a disagreement between the cached projection
// and the precondition of a requested transition.
type StaleStateError struct {
	JobID  uint64
	Action string
	Cached Status
	Live   Status
}

func (e *StaleStateError) Error() string {
	if e.Live != "" && e.Live != e.Cached {
		return fmt.Sprintf("stale state conflict: job %d is %s on-chain, cached %s, cannot %s", e.JobID, e.Live, e.Cached, e.Action)
	}
	return fmt.Sprintf("stale state conflict: cannot %s job %d in status %s", e.Action, e.JobID, e.Cached)
}

func (e *StaleStateError) Is(target error) bool { return target == ErrStaleState }

// Classify maps a provider or contract error onto the error taxonomy so the
// caller can tell "you rejected it" from "it failed on-chain" from "we couldn't
// reach the network". Already classified errors are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		ErrUserRejected, ErrContractReverted, ErrNetwork, ErrProviderUnavailable,
		ErrNetworkMismatch, ErrStaleState, ErrInvalidInput, ErrNotConfirmed, ErrReadOnly,
		ErrMalformedRecord, ErrPartialFetch, ErrUnknownStatusCode,
	} {
		if errors.Is(err, known) {
			return err
		}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeUserRejected, codeUnauthorized:
			return fmt.Errorf("%w: %v", ErrUserRejected, err)
		case codeUnrecognizedChain:
			return fmt.Errorf("%w: %v", ErrNetworkMismatch, err)
		}
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if reason, ok := revertReason(dataErr.ErrorData()); ok {
			return &RevertError{Reason: reason}
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "user rejected"),
		strings.Contains(msg, "user denied"),
		strings.Contains(msg, "request denied"),
		strings.Contains(msg, "action_rejected"):
		return fmt.Errorf("%w: %v", ErrUserRejected, err)
	case strings.Contains(msg, "execution reverted"),
		strings.Contains(msg, "revert"):
		return &RevertError{Reason: trimRevertPrefix(err.Error())}
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

func revertReason(data interface{}) (string, bool) {
	s, ok := data.(string)
	if !ok || s == "" {
		return "", false
	}
	raw, err := hexutil.Decode(s)
	if err != nil {
		return "", false
	}
	reason, err := abi.UnpackRevert(raw)
	if err != nil {
		return "", true
	}
	return reason, true
}

func trimRevertPrefix(msg string) string {
	if i := strings.Index(msg, "execution reverted"); i >= 0 {
		msg = msg[i+len("execution reverted"):]
	}
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(msg), ":"))
}

// Kind names the taxonomy bucket of err for API responses and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUserRejected):
		return "user_rejected"
	case errors.Is(err, ErrContractReverted):
		return "contract_reverted"
	case errors.Is(err, ErrStaleState):
		return "stale_state"
	case errors.Is(err, ErrNotConfirmed):
		return "not_confirmed"
	case errors.Is(err, ErrNetworkMismatch):
		return "network_mismatch"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrMalformedRecord):
		return "malformed_record"
	case errors.Is(err, ErrPartialFetch):
		return "partial_fetch"
	case errors.Is(err, ErrReadOnly):
		return "read_only"
	default:
		return "network"
	}
}
