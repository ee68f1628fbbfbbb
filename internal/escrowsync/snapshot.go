package escrowsync

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"monconnect/internal/escrow"
)

// Skipped is a record dropped from a refresh.
type Skipped struct {
	Index uint64 `json:"index"`
	Err   error  `json:"-"`
	Kind  string `json:"kind"`
}

// Snapshot is one completed fetch. It is never mutated after install.
type Snapshot struct {
	View      escrow.Role         `json:"view"`
	Viewer    common.Address      `json:"viewer"`
	Seq       uint64              `json:"seq"`
	FetchedAt time.Time           `json:"fetchedAt"`
	Total     uint64              `json:"total"`
	All       []escrow.Projection `json:"jobs"`
	Skipped   []Skipped           `json:"skipped,omitempty"`
}

func (s *Snapshot) Active() []escrow.Projection {
	return s.filter(func(st escrow.Status) bool { return st.Active() })
}

func (s *Snapshot) History() []escrow.Projection {
	return s.filter(func(st escrow.Status) bool { return st.Terminal() })
}

func (s *Snapshot) filter(keep func(escrow.Status) bool) []escrow.Projection {
	out := make([]escrow.Projection, 0, len(s.All))
	for _, p := range s.All {
		if keep(p.Job.Status) {
			out = append(out, p)
		}
	}
	return out
}

// Job finds a job by id in the snapshot.
func (s *Snapshot) Job(id uint64) (escrow.Projection, bool) {
	for _, p := range s.All {
		if p.Job.ID == id {
			return p, true
		}
	}
	return escrow.Projection{}, false
}

// Stats are the dashboard counters. Wei sums only cover native-currency
// jobs; a refunded escrow went back to the organizer and is not spend.
type Stats struct {
	ActiveJobs    int      `json:"activeJobs"`
	CompletedJobs int      `json:"completedJobs"`
	TotalSpent    *big.Int `json:"totalSpent"`
	EscrowLocked  *big.Int `json:"escrowLocked"`
}

func (s *Snapshot) Stats() Stats {
	st := Stats{TotalSpent: new(big.Int), EscrowLocked: new(big.Int)}
	for _, p := range s.All {
		switch p.Job.Status {
		case escrow.StatusInProgress:
			st.ActiveJobs++
		case escrow.StatusCompleted, escrow.StatusReleased:
			st.CompletedJobs++
		}
		if !p.Job.OriginalAmount.Native() {
			continue
		}
		if p.Job.Status != escrow.StatusRefunded {
			st.TotalSpent.Add(st.TotalSpent, p.Job.PaidAmount.Wei)
		}
		if !p.Job.Status.Terminal() {
			st.EscrowLocked.Add(st.EscrowLocked, p.Job.EscrowBalance.Wei)
		}
	}
	return st
}
