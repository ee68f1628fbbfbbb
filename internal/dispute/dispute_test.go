package dispute

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"monconnect/internal/localstore"
)

var wallet = common.HexToAddress("0x3000000000000000000000000000000000000003")

func TestAppendIsOrderedAndAppendOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewKVStore(localstore.NewMemoryStore())

	require.NoError(t, store.Append(ctx, Dispute{JobID: 1, Raiser: "organizer", WalletAddress: wallet, Description: "late"}))
	require.NoError(t, store.Append(ctx, Dispute{JobID: 2, Raiser: "service-provider", WalletAddress: wallet, Description: "unpaid"}))
	require.NoError(t, store.Append(ctx, Dispute{JobID: 1, Raiser: "organizer", WalletAddress: wallet, Description: "late"}))

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "unpaid", all[1].Description)
	require.False(t, all[0].Timestamp.IsZero())

	byJob, err := ListByJob(ctx, store, 1)
	require.NoError(t, err)
	require.Len(t, byJob, 2)
}

func TestAppendRejectsEmptyDescription(t *testing.T) {
	t.Parallel()
	store := NewKVStore(localstore.NewMemoryStore())
	require.ErrorIs(t, store.Append(context.Background(), Dispute{JobID: 1, Description: "   "}), ErrEmptyDescription)
}

func TestListAllEmpty(t *testing.T) {
	t.Parallel()
	all, err := NewKVStore(localstore.NewMemoryStore()).ListAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestDisputesSurviveReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "local.json")

	fs, err := localstore.NewFileStore(path)
	require.NoError(t, err)
	when := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, NewKVStore(fs).Append(ctx, Dispute{JobID: 7, Raiser: "organizer", WalletAddress: wallet, Description: "no show", Timestamp: when}))

	reopened, err := localstore.NewFileStore(path)
	require.NoError(t, err)
	all, err := NewKVStore(reopened).ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.True(t, when.Equal(all[0].Timestamp))
	require.Equal(t, wallet, all[0].WalletAddress)
}

func TestCorruptPayloadIsReported(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := localstore.NewMemoryStore()
	require.NoError(t, kv.Put(ctx, StorageKey, localstore.Entry{Value: []byte("{not json")}))

	_, err := NewKVStore(kv).ListAll(ctx)
	require.Error(t, err)
}

func TestBrowserWrittenRecordsAreRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := localstore.NewMemoryStore()
	blob := `[
		{"jobId":"3","raiser":"organizer","walletAddress":"0x3000000000000000000000000000000000000003","description":"late","timestamp":"3/1/2025, 12:00:00 PM"},
		{"jobId":{"bad":true},"raiser":"organizer","description":"unreadable"},
		{"jobId":4,"raiser":"service-provider","walletAddress":"","description":"unpaid","timestamp":"2025-03-02T08:00:00Z"}
	]`
	require.NoError(t, kv.Put(ctx, StorageKey, localstore.Entry{Value: []byte(blob)}))
	store := NewKVStore(kv)

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, uint64(3), all[0].JobID)
	require.Equal(t, wallet, all[0].WalletAddress)
	require.True(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC).Equal(all[0].Timestamp))
	require.Equal(t, uint64(4), all[1].JobID)
	require.Equal(t, common.Address{}, all[1].WalletAddress)

	require.NoError(t, store.Append(ctx, Dispute{JobID: 5, Raiser: "organizer", Description: "new"}))
	all, err = store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, uint64(5), all[2].JobID)

	// The unreadable record is kept as written.
	entry, err := kv.Get(ctx, StorageKey)
	require.NoError(t, err)
	require.Contains(t, string(entry.Value), `"unreadable"`)
}

func TestFailedAppendIsNotListed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "local.json")
	fs, err := localstore.NewFileStore(path)
	require.NoError(t, err)
	store := NewKVStore(fs)
	require.NoError(t, store.Append(ctx, Dispute{JobID: 1, Raiser: "organizer", Description: "first"}))

	require.NoError(t, os.Mkdir(path+".tmp", 0o755))
	require.Error(t, store.Append(ctx, Dispute{JobID: 2, Raiser: "organizer", Description: "second"}))

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, uint64(1), all[0].JobID)
}
