// Package escrowsync keeps the projected escrow list for one viewer and role
// in step with the contract.
package escrowsync

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"monconnect/internal/escrow"
	"monconnect/internal/metrics"
)

const (
	DefaultInterval        = 10 * time.Second
	DefaultNotificationTTL = 5 * time.Second
	DefaultMaxEscrows      = 100_000

	fetchConcurrency = 8
	flightKey        = "refresh"
)

type Options struct {
	Viewer          common.Address
	Role            escrow.Role
	Interval        time.Duration
	NotificationTTL time.Duration
	// MaxEscrows caps the reported count a fetch will walk.
	MaxEscrows uint64
	Logger          *slog.Logger
	Metrics         *metrics.Registry
	Now             func() time.Time
}

// Synchronizer owns the installed snapshot. Only a completed fetch replaces
// it, and only with a newer sequence number.
type Synchronizer struct {
	client escrow.Reader
	opts   Options
	log    *slog.Logger
	notes  *Notifier

	flight  singleflight.Group
	fetchMu sync.Mutex
	nextSeq uint64

	mu        sync.RWMutex
	snap      *Snapshot
	seenIDs   map[uint64]struct{}
	lastErr   error
	lastErrAt time.Time

	triggerMu   sync.Mutex
	lastTrigger uint64

	kick  chan struct{}
	force chan struct{}
}

func New(client escrow.Reader, opts Options) *Synchronizer {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.NotificationTTL <= 0 {
		opts.NotificationTTL = DefaultNotificationTTL
	}
	if opts.MaxEscrows == 0 {
		opts.MaxEscrows = DefaultMaxEscrows
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Synchronizer{
		client: client,
		opts:   opts,
		log:    opts.Logger.With("component", "escrowsync", "view", string(opts.Role), "viewer", opts.Viewer.Hex()),
		notes:  NewNotifier(opts.NotificationTTL),
		snap:   &Snapshot{View: opts.Role, Viewer: opts.Viewer},
		kick:   make(chan struct{}, 1),
		force:  make(chan struct{}, 1),
	}
}

func (s *Synchronizer) Role() escrow.Role { return s.opts.Role }

func (s *Synchronizer) Viewer() common.Address { return s.opts.Viewer }

func (s *Synchronizer) Notifier() *Notifier { return s.notes }

// Snapshot returns the installed snapshot. Before the first successful fetch
// it is empty with Seq 0.
func (s *Synchronizer) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// LastFailure is the most recent full-fetch failure, cleared by a success.
func (s *Synchronizer) LastFailure() (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErrAt, s.lastErr
}

// Refresh fetches the list, joining a fetch already in flight. On a full
// failure the previous snapshot is returned alongside an ErrPartialFetch.
func (s *Synchronizer) Refresh(ctx context.Context) (*Snapshot, error) {
	v, err, shared := s.flight.Do(flightKey, func() (interface{}, error) {
		return s.fetch(ctx)
	})
	if shared {
		s.log.Debug("joined in-flight refresh")
	}
	return v.(*Snapshot), err
}

// ForceRefresh waits for any in-flight fetch, then runs a fresh one, so the
// result reflects state after the call started.
func (s *Synchronizer) ForceRefresh(ctx context.Context) (*Snapshot, error) {
	return s.fetch(ctx)
}

// RequestRefresh asks Run for a coalesced refresh without blocking.
func (s *Synchronizer) RequestRefresh() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Trigger accepts a monotonically increasing counter. A value not above the
// last one seen is ignored; a new one schedules a forced refresh.
func (s *Synchronizer) Trigger(counter uint64) bool {
	s.triggerMu.Lock()
	if counter <= s.lastTrigger {
		s.triggerMu.Unlock()
		return false
	}
	s.lastTrigger = counter
	s.triggerMu.Unlock()

	select {
	case s.force <- struct{}{}:
	default:
	}
	return true
}

// Run refreshes on start, on every tick and whenever a refresh is requested,
// until ctx is cancelled.
func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.runOnce(ctx, s.Refresh)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.runOnce(ctx, s.Refresh)
		case <-s.kick:
			s.runOnce(ctx, s.Refresh)
		case <-s.force:
			s.runOnce(ctx, s.ForceRefresh)
		}
	}
}

func (s *Synchronizer) runOnce(ctx context.Context, fn func(context.Context) (*Snapshot, error)) {
	if _, err := fn(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("refresh failed, keeping previous list", "error", err)
	}
}

type slot struct {
	proj    escrow.Projection
	visible bool
	err     error
}

func (s *Synchronizer) fetch(ctx context.Context) (*Snapshot, error) {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	s.nextSeq++
	seq := s.nextSeq
	view := string(s.opts.Role)

	total, err := s.client.TotalEscrows(ctx)
	if err != nil {
		return s.fail(view, fmt.Errorf("%w: total escrows: %v", escrow.ErrPartialFetch, escrow.Classify(err)))
	}
	if total > s.opts.MaxEscrows || total > math.MaxInt {
		return s.fail(view, fmt.Errorf("%w: contract reports %d escrows, limit is %d", escrow.ErrPartialFetch, total, s.opts.MaxEscrows))
	}

	slots := make([]slot, total)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i := uint64(0); i < total; i++ {
		g.Go(func() error {
			raw, err := s.client.GetEscrow(gctx, i)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				slots[i].err = escrow.Classify(err)
				return nil
			}
			p, err := escrow.Project(raw, s.opts.Viewer)
			if err != nil {
				slots[i].err = err
				return nil
			}
			slots[i] = slot{proj: p, visible: p.Job.Party(s.opts.Role) == s.opts.Viewer}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return s.fail(view, fmt.Errorf("%w: %v", escrow.ErrPartialFetch, err))
	}

	snap := &Snapshot{
		View:      s.opts.Role,
		Viewer:    s.opts.Viewer,
		Seq:       seq,
		FetchedAt: s.opts.Now(),
		Total:     total,
		All:       make([]escrow.Projection, 0, total),
	}
	for i, sl := range slots {
		if sl.err != nil {
			kind := escrow.Kind(sl.err)
			snap.Skipped = append(snap.Skipped, Skipped{Index: uint64(i), Err: sl.err, Kind: kind})
			s.opts.Metrics.IncSkipped(kind)
			s.log.Warn("skipping escrow record", "index", i, "kind", kind, "error", sl.err)
			continue
		}
		if sl.visible {
			snap.All = append(snap.All, sl.proj)
		}
	}

	s.install(snap)
	result := "ok"
	if len(snap.Skipped) > 0 {
		result = "partial"
	}
	s.opts.Metrics.IncRefresh(view, result)
	return snap, nil
}

func (s *Synchronizer) fail(view string, err error) (*Snapshot, error) {
	s.opts.Metrics.IncRefresh(view, "failed")
	s.mu.Lock()
	s.lastErr = err
	s.lastErrAt = s.opts.Now()
	prev := s.snap
	s.mu.Unlock()
	return prev, err
}

// install swaps in snap and emits notifications for jobs that first
// appear as Funded. The first successful fetch only records the ids.
func (s *Synchronizer) install(snap *Snapshot) {
	s.mu.Lock()
	if snap.Seq <= s.snap.Seq {
		s.mu.Unlock()
		return
	}
	first := s.seenIDs == nil
	var fresh []escrow.Projection
	ids := make(map[uint64]struct{}, len(snap.All))
	for _, p := range snap.All {
		ids[p.Job.ID] = struct{}{}
		if _, seen := s.seenIDs[p.Job.ID]; !first && !seen && p.Job.Status == escrow.StatusFunded {
			fresh = append(fresh, p)
		}
	}
	s.snap = snap
	s.seenIDs = ids
	s.lastErr = nil
	s.lastErrAt = time.Time{}
	s.mu.Unlock()

	s.opts.Metrics.SetJobs(string(s.opts.Role), len(snap.Active()), len(snap.History()))
	for _, p := range fresh {
		note := s.notes.Push(p, snap.FetchedAt)
		s.opts.Metrics.IncNotification()
		s.log.Info("new funded job", "job_id", p.Job.ID, "notification_id", note.ID)
	}
	s.log.Debug("snapshot installed", "seq", snap.Seq, "jobs", len(snap.All), "skipped", len(snap.Skipped))
}
