package store

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/chain-estate/ches-tracker/pkg/ledger"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() *ledger.State {
	s := ledger.NewState()
	s.Admit([]ledger.TransferRecord{
		{TransactionHash: "0x1", Sender: "0xa", Receiver: "0xb", Amount: big.NewInt(100)},
		{TransactionHash: "0x2", Sender: "0xb", Receiver: "0xc", Amount: big.NewInt(7)},
	})
	s.Balances["0xb"] = big.NewInt(93)
	s.Brackets["less than 10,000"] = 1
	s.Advance(1234)
	return s
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return map[string]Store{
		"file":   NewFileStore(filepath.Join(t.TempDir(), "tracker.json")),
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(rdb, LedgerKey("0xABC")),
	}
}

func TestStoresRoundTrip(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			fresh, err := st.Load(ctx)
			require.NoError(t, err)
			assert.Zero(t, fresh.LastProcessedBlockHeight)
			assert.Empty(t, fresh.Transfers)

			s := sampleState()
			require.NoError(t, st.Save(ctx, s))
			assert.Equal(t, uint64(1), s.Revision)

			loaded, err := st.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(1234), loaded.LastProcessedBlockHeight)
			assert.Equal(t, uint64(1), loaded.Revision)
			require.Len(t, loaded.Transfers, 2)
			assert.Equal(t, s.SeenFingerprints, loaded.SeenFingerprints)
			assert.Equal(t, int64(93), loaded.Balances["0xb"].Int64())
			assert.Equal(t, uint64(1), loaded.Brackets["less than 10,000"])
			assert.True(t, loaded.Seen("0x1|0xa|0xb|100"))

			loaded.Advance(2000)
			require.NoError(t, st.Save(ctx, loaded))
			assert.Equal(t, uint64(2), loaded.Revision)
		})
	}
}

func TestRevisionConflict(t *testing.T) {
	for name, st := range backends(t) {
		if name == "file" {
			continue
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.Save(ctx, sampleState()))

			stale := sampleState() // revision 0, store is at 1
			err := st.Save(ctx, stale)
			require.Error(t, err)
			assert.ErrorIs(t, err, ledger.ErrPersistence)
			assert.ErrorIs(t, err, ErrConflict)
			assert.Equal(t, uint64(0), stale.Revision)
		})
	}
}

func TestFileStoreCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewFileStore(path).Load(context.Background())
	assert.ErrorIs(t, err, ledger.ErrPersistence)
}

func TestFileStoreRejectsMisalignedLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.json")
	doc := `{"schemaVersion":1,"lastProcessedBlockHeight":5,"transfers":[],"seenFingerprints":["x"]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := NewFileStore(path).Load(context.Background())
	require.ErrorIs(t, err, ledger.ErrPersistence)
	assert.Contains(t, err.Error(), "fingerprints")
}

func TestFileStoreIgnoresInterruptedWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tracker.json")
	st := NewFileStore(path)
	require.NoError(t, st.Save(context.Background(), sampleState()))

	// A crash between temp write and rename leaves a stray temp file behind.
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tracker.json.tmp-123"), []byte("partial"), 0o644))

	loaded, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), loaded.LastProcessedBlockHeight)
}

func TestFileStoreSaveFailureKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tracker.json")
	st := NewFileStore(path)
	require.NoError(t, st.Save(context.Background(), sampleState()))

	broken := NewFileStore(filepath.Join(dir, "missing", "tracker.json"))
	s := sampleState()
	err := broken.Save(context.Background(), s)
	require.ErrorIs(t, err, ledger.ErrPersistence)
	assert.Equal(t, uint64(0), s.Revision)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, st.Save(ctx, sampleState()), ledger.ErrPersistence)

	loaded, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), loaded.Revision)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestMemoryStoreIsolation(t *testing.T) {
	st := NewMemoryStore()
	s := sampleState()
	require.NoError(t, st.Save(context.Background(), s))

	s.Balances["0xb"].SetInt64(1)
	loaded, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(93), loaded.Balances["0xb"].Int64())
}

func TestLedgerKey(t *testing.T) {
	assert.Equal(t, "ches:0xabc:ledger", LedgerKey("0xABC"))
}
