package frame

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct{ *MemoryStore }

func (failingStore) Put(context.Context, string, []byte) error { return errors.New("disk full") }

// flakyStore fails its first reads
type flakyStore struct {
	*MemoryStore
	failures int
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if f.failures > 0 {
		f.failures--
		return nil, false, errors.New("database is locked")
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return f.MemoryStore.Get(ctx, key)
}

func persisted(t *testing.T, store Store) Snapshot {
	t.Helper()
	raw, ok, err := store.Get(context.Background(), StorageKey)
	require.NoError(t, err)
	require.True(t, ok)
	var out Snapshot
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestSyncPersistsWholeSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := NewSynchronizer(store, nil, nil)

	require.NoError(t, s.Sync(ctx, frameAt(t, "https://a.example/x"), map[string]string{"k": "1"}))
	require.NoError(t, s.Sync(ctx, frameAt(t, "http://b.example:8080/"), map[string]string{"k": "2"}))

	raw, ok, err := store.Get(ctx, StorageKey)
	require.NoError(t, err)
	require.True(t, ok)

	var persisted Snapshot
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.Equal(t, Snapshot{
		"https://a.example":     {"k": "1"},
		"http://b.example:8080": {"k": "2"},
	}, persisted)
}

func TestSyncReplacesOriginEntries(t *testing.T) {
	ctx := context.Background()
	s := NewSynchronizer(nil, nil, nil)
	f := frameAt(t, "https://a.example/")

	require.NoError(t, s.Sync(ctx, f, map[string]string{"a": "1", "b": "2"}))
	require.NoError(t, s.Sync(ctx, f, map[string]string{"b": "3"}))

	assert.Equal(t, map[string]string{"b": "3"}, s.Entries(ctx, "https://a.example"))
	assert.Nil(t, s.Entries(ctx, "https://other.example"))
}

func TestSyncWithoutOrigin(t *testing.T) {
	s := NewSynchronizer(NewMemoryStore(), nil, nil)

	err := s.Sync(context.Background(), New("frame_blank", nil), map[string]string{"k": "v"})
	assert.ErrorIs(t, err, ErrNoOrigin)
	assert.Empty(t, s.Snapshot(context.Background()))
}

func TestSyncPersistFailure(t *testing.T) {
	s := NewSynchronizer(&failingStore{NewMemoryStore()}, nil, nil)

	err := s.Sync(context.Background(), frameAt(t, "https://a.example/"), map[string]string{"k": "v"})
	assert.ErrorContains(t, err, "disk full")
}

func TestEntriesAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewSynchronizer(nil, nil, nil)
	entries := map[string]string{"k": "v"}
	require.NoError(t, s.Sync(ctx, frameAt(t, "https://a.example/"), entries))

	entries["k"] = "changed"
	got := s.Entries(ctx, "https://a.example")
	got["k"] = "also changed"

	assert.Equal(t, map[string]string{"k": "v"}, s.Entries(ctx, "https://a.example"))
}

func TestHydratesOnceFromStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, StorageKey, []byte(`{"https://a.example":{"saved":"yes"}}`)))

	s := NewSynchronizer(store, nil, nil)
	assert.Equal(t, map[string]string{"saved": "yes"}, s.Entries(ctx, "https://a.example"))

	// later writes to the store are not re-read
	require.NoError(t, store.Put(ctx, StorageKey, []byte(`{}`)))
	assert.Equal(t, map[string]string{"saved": "yes"}, s.Entries(ctx, "https://a.example"))

	// a sync keeps hydrated origins
	require.NoError(t, s.Sync(ctx, frameAt(t, "https://b.example/"), map[string]string{"new": "1"}))
	assert.Len(t, s.Snapshot(ctx), 2)
}

func TestHydrateIgnoresCorruptRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, StorageKey, []byte(`not json`)))

	s := NewSynchronizer(store, nil, nil)
	assert.Nil(t, s.Entries(ctx, "https://a.example"))
	require.NoError(t, s.Sync(ctx, frameAt(t, "https://a.example/"), map[string]string{"k": "v"}))
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "proxyframe.db")

	store, err := OpenSQLite(path)
	require.NoError(t, err)

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, "key", []byte("one")))
	require.NoError(t, store.Put(ctx, "key", []byte("two")))

	got, ok, err := store.Get(ctx, "key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("two"), got)
	require.NoError(t, store.Close())

	// the snapshot survives a reopen
	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	got, ok, err = reopened.Get(ctx, "key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("two"), got)
}

func TestSynchronizerOverSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "storage.db")

	store, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, NewSynchronizer(store, nil, nil).Sync(ctx, frameAt(t, "https://a.example/"), map[string]string{"k": "v"}))
	require.NoError(t, store.Close())

	store, err = OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	s := NewSynchronizer(store, nil, nil)
	assert.Equal(t, map[string]string{"k": "v"}, s.Entries(ctx, "https://a.example"))
}

func TestFailedHydrationIsRetried(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1}
	require.NoError(t, store.MemoryStore.Put(ctx, StorageKey, []byte(`{"https://a.example":{"keep":"me"}}`)))

	s := NewSynchronizer(store, nil, nil)
	assert.Nil(t, s.Entries(ctx, "https://a.example"))

	require.NoError(t, s.Sync(ctx, frameAt(t, "https://b.example/"), map[string]string{"k": "v"}))
	assert.Equal(t, Snapshot{
		"https://a.example": {"keep": "me"},
		"https://b.example": {"k": "v"},
	}, persisted(t, store.MemoryStore))
	assert.Equal(t, map[string]string{"keep": "me"}, s.Entries(ctx, "https://a.example"))
}

func TestSyncDefersPersistUntilHydrated(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	require.NoError(t, store.MemoryStore.Put(ctx, StorageKey, []byte(`{"https://a.example":{"keep":"me"}}`)))

	s := NewSynchronizer(store, nil, nil)
	f := frameAt(t, "https://b.example/")

	err := s.Sync(ctx, f, map[string]string{"k": "1"})
	assert.ErrorIs(t, err, ErrNotHydrated)
	assert.Equal(t, Snapshot{"https://a.example": {"keep": "me"}}, persisted(t, store.MemoryStore))

	err = s.Sync(ctx, f, map[string]string{"k": "2"})
	assert.ErrorIs(t, err, ErrNotHydrated)

	// the read finally succeeds; nothing persisted earlier is lost
	require.NoError(t, s.Sync(ctx, f, map[string]string{"k": "3"}))
	assert.Equal(t, Snapshot{
		"https://a.example": {"keep": "me"},
		"https://b.example": {"k": "3"},
	}, persisted(t, store.MemoryStore))
}

func TestHydrationIgnoresCancelledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.db")
	store, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Put(context.Background(), StorageKey, []byte(`{"https://a.example":{"keep":"me"}}`)))

	s := NewSynchronizer(store, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, map[string]string{"keep": "me"}, s.Entries(ctx, "https://a.example"))
	require.NoError(t, s.Sync(ctx, frameAt(t, "https://b.example/"), map[string]string{"k": "v"}))
	assert.Equal(t, Snapshot{
		"https://a.example": {"keep": "me"},
		"https://b.example": {"k": "v"},
	}, persisted(t, store))
}
