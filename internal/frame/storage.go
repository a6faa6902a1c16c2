package frame

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/logging"
	"github.com/GriffinCanCode/proxyframe/internal/infrastructure/monitoring"
)

// StorageKey is the record the whole snapshot persists under
const StorageKey = "proxy_local_storage"

// ErrNoOrigin flags a storage sync from a frame that has no current origin
var ErrNoOrigin = errors.New("frame has no origin")

// Snapshot maps origin to that origin's localStorage entries
type Snapshot map[string]map[string]string

func (s Snapshot) clone() Snapshot {
	out := make(Snapshot, len(s))
	for origin, entries := range s {
		out[origin] = copyEntries(entries)
	}
	return out
}

func copyEntries(entries map[string]string) map[string]string {
	out := make(map[string]string, len(entries))
	for k, v := range entries {
		out[k] = v
	}
	return out
}

// Store persists opaque records by key
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// MemoryStore keeps records in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.records[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = append([]byte(nil), value...)
	return nil
}

// ErrNotHydrated is returned by Sync while the persisted snapshot could not
// be read yet. The entries are kept in memory and persisted by a later Sync.
var ErrNotHydrated = errors.New("persisted local storage not loaded")

// Synchronizer owns the host's localStorage snapshot. The snapshot is
// hydrated from the store the first time anyone reads or writes it; a
// failed read is retried on the next access.
type Synchronizer struct {
	store   Store
	log     *zap.Logger
	metrics *monitoring.Metrics

	// persist serializes hydration and snapshot writes to the store
	persist  sync.Mutex
	hydrated bool

	mu       sync.Mutex
	snapshot Snapshot
}

// NewSynchronizer creates a synchronizer over store. A nil store keeps the
// snapshot in memory only.
func NewSynchronizer(store Store, log *zap.Logger, metrics *monitoring.Metrics) *Synchronizer {
	return &Synchronizer{
		store:    store,
		log:      logging.OrNop(log).Named("storage"),
		metrics:  metrics,
		hydrated: store == nil,
		snapshot: make(Snapshot),
	}
}

func (s *Synchronizer) load(ctx context.Context) error {
	s.persist.Lock()
	defer s.persist.Unlock()
	return s.hydrateLocked(ctx)
}

// hydrateLocked merges the persisted snapshot under in-memory origins.
// Callers hold s.persist.
func (s *Synchronizer) hydrateLocked(ctx context.Context) error {
	if s.hydrated {
		return nil
	}

	raw, ok, err := s.store.Get(context.WithoutCancel(ctx), StorageKey)
	if err != nil {
		s.log.Error("failed to read persisted local storage", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrNotHydrated, err)
	}
	s.hydrated = true
	if !ok {
		return nil
	}

	var persisted Snapshot
	if err := json.Unmarshal(raw, &persisted); err != nil {
		s.log.Error("discarding unreadable local storage snapshot", zap.Error(err))
		return nil
	}

	s.mu.Lock()
	for origin, entries := range persisted {
		if _, seen := s.snapshot[origin]; !seen {
			s.snapshot[origin] = entries
		}
	}
	s.mu.Unlock()
	s.log.Debug("local storage hydrated", zap.Int("origins", len(persisted)))
	return nil
}

// Entries returns a copy of origin's entries, or nil when it has none
func (s *Synchronizer) Entries(ctx context.Context, origin string) map[string]string {
	s.load(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.snapshot[origin]
	if !ok || origin == "" {
		return nil
	}
	return copyEntries(entries)
}

// Snapshot returns a copy of every origin's entries
func (s *Synchronizer) Snapshot(ctx context.Context) Snapshot {
	s.load(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.clone()
}

// Sync replaces the entries of f's current origin and persists the whole
// snapshot when a store is configured.
func (s *Synchronizer) Sync(ctx context.Context, f *Frame, entries map[string]string) error {
	origin := f.Origin()
	if origin == "" {
		s.metrics.RecordStorageSync("no_origin")
		s.log.Error("local storage sync from frame without origin", logging.Frame(f.ID))
		return fmt.Errorf("sync %s: %w", f.ID, ErrNoOrigin)
	}

	s.persist.Lock()
	defer s.persist.Unlock()

	s.mu.Lock()
	s.snapshot[origin] = copyEntries(entries)
	s.mu.Unlock()

	if s.store == nil {
		s.metrics.RecordStorageSync("ok")
		return nil
	}

	// never overwrite a record that has not been read
	if err := s.hydrateLocked(ctx); err != nil {
		s.metrics.RecordStorageSync("persist_deferred")
		return fmt.Errorf("sync %s: %w", f.ID, err)
	}

	s.mu.Lock()
	raw, err := json.Marshal(s.snapshot)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode local storage: %w", err)
	}

	if err := s.store.Put(context.WithoutCancel(ctx), StorageKey, raw); err != nil {
		s.metrics.RecordStorageSync("persist_error")
		s.log.Warn("failed to persist local storage", logging.Frame(f.ID), zap.Error(err))
		return fmt.Errorf("persist local storage: %w", err)
	}

	s.metrics.RecordStorageSync("ok")
	s.log.Debug("local storage synced",
		logging.Frame(f.ID), zap.String("origin", origin), zap.Int("entries", len(entries)))
	return nil
}
