package roles

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"monconnect/internal/localstore"
)

// JuryRecord is the marker stored when an account joins the jury.
type JuryRecord struct {
	Account    common.Address `json:"account"`
	Role       string         `json:"role"`
	JoinedDate time.Time      `json:"joinedDate"`
	Status     string         `json:"status"`
}

// JuryRegistry keeps one marker per account under juryAccount:<addr>.
type JuryRegistry struct {
	kv  localstore.Store
	now func() time.Time
}

func NewJuryRegistry(kv localstore.Store) *JuryRegistry {
	return &JuryRegistry{kv: kv, now: time.Now}
}

func juryKey(addr common.Address) string {
	return "juryAccount:" + strings.ToLower(addr.Hex())
}

func (j *JuryRegistry) Register(ctx context.Context, addr common.Address) (JuryRecord, error) {
	rec := JuryRecord{Account: addr, Role: string(Jury), JoinedDate: j.now().UTC(), Status: "active"}
	blob, err := json.Marshal(rec)
	if err != nil {
		return JuryRecord{}, err
	}
	if err := j.kv.Put(ctx, juryKey(addr), localstore.Entry{Value: blob, CreatedAt: rec.JoinedDate}); err != nil {
		return JuryRecord{}, fmt.Errorf("store jury marker: %w", err)
	}
	return rec, nil
}

func (j *JuryRegistry) Unregister(ctx context.Context, addr common.Address) error {
	return j.kv.Delete(ctx, juryKey(addr))
}

// Lookup returns the marker for addr, or nil when none is stored.
func (j *JuryRegistry) Lookup(ctx context.Context, addr common.Address) (*JuryRecord, error) {
	entry, err := j.kv.Get(ctx, juryKey(addr))
	if err != nil {
		return nil, fmt.Errorf("read jury marker: %w", err)
	}
	if entry == nil {
		return nil, nil
	}
	var rec JuryRecord
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return nil, fmt.Errorf("decode jury marker: %w", err)
	}
	return &rec, nil
}

func (j *JuryRegistry) IsRegistered(ctx context.Context, addr common.Address) (bool, error) {
	rec, err := j.Lookup(ctx, addr)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.Status == "active", nil
}
