// Package dispute keeps the advisory complaint records raised against
// escrow jobs. Records are local to one device and never reconciled.
package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"monconnect/internal/localstore"
)

// StorageKey is the fixed key holding the JSON-encoded dispute array.
const StorageKey = "monConnectDisputes"

var ErrEmptyDescription = errors.New("dispute description is required")

// Dispute is one complaint. Raiser is "organizer" or "service-provider".
type Dispute struct {
	JobID         uint64         `json:"jobId"`
	Raiser        string         `json:"raiser"`
	WalletAddress common.Address `json:"walletAddress"`
	Description   string         `json:"description"`
	Timestamp     time.Time      `json:"timestamp"`
}

// timestampLayouts are tried after RFC 3339 for records written by the
// browser with toLocaleString.
var timestampLayouts = []string{
	"1/2/2006, 3:04:05 PM",
	"02/01/2006, 15:04:05",
	"2006-01-02 15:04:05",
}

// UnmarshalJSON also accepts the browser's encoding: a string jobId and a
// locale-formatted timestamp.
func (d *Dispute) UnmarshalJSON(b []byte) error {
	var w struct {
		JobID         json.RawMessage `json:"jobId"`
		Raiser        string          `json:"raiser"`
		WalletAddress string          `json:"walletAddress"`
		Description   string          `json:"description"`
		Timestamp     string          `json:"timestamp"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	id, err := parseJobID(w.JobID)
	if err != nil {
		return err
	}
	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return err
	}
	*d = Dispute{
		JobID:       id,
		Raiser:      w.Raiser,
		Description: w.Description,
		Timestamp:   ts,
	}
	if common.IsHexAddress(w.WalletAddress) {
		d.WalletAddress = common.HexToAddress(w.WalletAddress)
	}
	return nil
}

func parseJobID(raw json.RawMessage) (uint64, error) {
	var n uint64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("jobId %s: %w", raw, err)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("jobId %q: %w", s, err)
	}
	return n, nil
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// Store appends and lists disputes. There is no update or delete.
type Store interface {
	Append(ctx context.Context, d Dispute) error
	ListAll(ctx context.Context) ([]Dispute, error)
}

// ListByJob filters ListAll to one job, oldest first.
func ListByJob(ctx context.Context, s Store, jobID uint64) ([]Dispute, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Dispute, 0, len(all))
	for _, d := range all {
		if d.JobID == jobID {
			out = append(out, d)
		}
	}
	return out, nil
}

// KVStore keeps the dispute list as one JSON array in a localstore.Store.
type KVStore struct {
	kv  localstore.Store
	now func() time.Time
	mu  sync.Mutex
}

func NewKVStore(kv localstore.Store) *KVStore {
	return &KVStore{kv: kv, now: time.Now}
}

func (s *KVStore) Append(ctx context.Context, d Dispute) error {
	if strings.TrimSpace(d.Description) == "" {
		return ErrEmptyDescription
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raws, err := s.load(ctx)
	if err != nil {
		return err
	}
	rec, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode dispute: %w", err)
	}
	blob, err := json.Marshal(append(raws, rec))
	if err != nil {
		return fmt.Errorf("encode disputes: %w", err)
	}
	if err := s.kv.Put(ctx, StorageKey, localstore.Entry{Value: blob, CreatedAt: s.now().UTC()}); err != nil {
		return fmt.Errorf("store disputes: %w", err)
	}
	return nil
}

// ListAll decodes each stored record on its own. Records that cannot be
// decoded are left in place and omitted from the result.
func (s *KVStore) ListAll(ctx context.Context) ([]Dispute, error) {
	s.mu.Lock()
	raws, err := s.load(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]Dispute, 0, len(raws))
	for _, raw := range raws {
		var d Dispute
		if err := json.Unmarshal(raw, &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *KVStore) load(ctx context.Context) ([]json.RawMessage, error) {
	entry, err := s.kv.Get(ctx, StorageKey)
	if err != nil {
		return nil, fmt.Errorf("read disputes: %w", err)
	}
	if entry == nil || len(entry.Value) == 0 {
		return nil, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(entry.Value, &raws); err != nil {
		return nil, fmt.Errorf("decode disputes: %w", err)
	}
	return raws, nil
}
