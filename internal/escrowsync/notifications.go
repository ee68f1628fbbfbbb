package escrowsync

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"monconnect/internal/escrow"
)

// Notification announces a newly funded job.
type Notification struct {
	ID           string         `json:"id"`
	JobID        uint64         `json:"jobId"`
	Counterparty common.Address `json:"counterparty"`
	Amount       string         `json:"amount"`
	Message      string         `json:"message"`
	CreatedAt    time.Time      `json:"createdAt"`
	ExpiresAt    time.Time      `json:"expiresAt"`
}

// Notifier holds auto-expiring notifications.
type Notifier struct {
	mu    sync.Mutex
	ttl   time.Duration
	items []Notification
}

func NewNotifier(ttl time.Duration) *Notifier {
	return &Notifier{ttl: ttl}
}

// Push records a notification for p, created at now.
func (n *Notifier) Push(p escrow.Projection, now time.Time) Notification {
	note := Notification{
		ID:           uuid.NewString(),
		JobID:        p.Job.ID,
		Counterparty: p.Counterparty,
		Amount:       p.Job.OriginalAmount.String(),
		Message:      fmt.Sprintf("New job #%d funded with %s", p.Job.ID, p.Job.OriginalAmount),
		CreatedAt:    now,
		ExpiresAt:    now.Add(n.ttl),
	}
	n.mu.Lock()
	n.items = append(n.items, note)
	n.mu.Unlock()
	return note
}

// Active drops everything expired at now and returns the rest, oldest first.
func (n *Notifier) Active(now time.Time) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	kept := n.items[:0]
	for _, note := range n.items {
		if now.Before(note.ExpiresAt) {
			kept = append(kept, note)
		}
	}
	n.items = kept
	return append([]Notification(nil), kept...)
}

// Dismiss removes a notification before it expires.
func (n *Notifier) Dismiss(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, note := range n.items {
		if note.ID == id {
			n.items = append(n.items[:i], n.items[i+1:]...)
			return true
		}
	}
	return false
}
