package escrow

import "fmt"

// Status is the symbolic lifecycle state of an escrow job.
type Status string

const (
	StatusCreated    Status = "Created"
	StatusFunded     Status = "Funded"
	StatusInProgress Status = "InProgress"
	StatusCompleted  Status = "Completed"
	StatusReleased   Status = "Released"
	StatusRefunded   Status = "Refunded"
)

// statusCodes is indexed by the contract's numeric status code.
var statusCodes = [...]Status{
	StatusCreated,
	StatusFunded,
	StatusInProgress,
	StatusCompleted,
	StatusReleased,
	StatusRefunded,
}

// MapStatus converts the contract's numeric status code.
func MapStatus(code uint8) (Status, error) {
	if int(code) >= len(statusCodes) {
		return "", fmt.Errorf("%w: %d", ErrUnknownStatusCode, code)
	}
	return statusCodes[code], nil
}

// Code returns the contract's numeric code for s, or -1 if s is not a known status.
func (s Status) Code() int {
	for i, st := range statusCodes {
		if st == s {
			return i
		}
	}
	return -1
}

// Terminal reports whether no further transitions exist from s.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Active reports whether s belongs in the active tab.
func (s Status) Active() bool {
	return s == StatusFunded || s == StatusInProgress || s == StatusCompleted
}

func (s Status) String() string { return string(s) }
