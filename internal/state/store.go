package state

import (
	"log/slog"
	"sync"

	"github.com/jianxcao/watch-docker/internal/metrics"
)

// Mode selects how a Store applies batches.
type Mode int

const (
	// ModeMerge overlays batches onto the cached collection.
	ModeMerge Mode = iota
	// ModeReplace treats every batch as the full collection.
	ModeReplace
)

func (m Mode) String() string {
	if m == ModeReplace {
		return "replace"
	}
	return "merge"
}

// Snapshot is an immutable view of a store. Observers and readers must
// not modify Collection.
type Snapshot struct {
	Collection Collection
	Timestamp  int64
	Version    uint64
}

// Observer is called after every change, in change order.
type Observer func(Snapshot)

// StoreConfig holds store configuration.
type StoreConfig struct {
	Name string
	Mode Mode

	// DiscardStale drops batches whose timestamp is older than the last
	// applied one. Batches with a zero timestamp are always applied.
	DiscardStale bool
}

// Store owns one cached collection. Writes are serialized and
// observers run on the writing goroutine after the new snapshot is
// visible. An observer may read the store but must not write to it.
type Store struct {
	cfg     StoreConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	writeMu sync.Mutex

	mu        sync.RWMutex
	snap      Snapshot
	observers map[int]Observer
	order     []int
	nextID    int
}

// NewStore creates an empty store.
func NewStore(cfg StoreConfig, logger *slog.Logger, m *metrics.Metrics) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:       cfg,
		logger:    logger.With("store", cfg.Name),
		metrics:   m,
		snap:      Snapshot{Collection: Collection{}},
		observers: make(map[int]Observer),
	}
}

// Name returns the store name.
func (s *Store) Name() string { return s.cfg.Name }

// Apply applies a batch stamped with ts. It reports false when the
// batch was discarded as stale.
func (s *Store) Apply(ts int64, batch []Entity) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	prev := s.snap
	if s.cfg.DiscardStale && ts != 0 && ts < prev.Timestamp {
		s.mu.Unlock()
		s.metrics.StaleBatch(s.cfg.Name)
		s.logger.Debug("discarding stale batch", "timestamp", ts, "last", prev.Timestamp)
		return false
	}

	var next Collection
	if s.cfg.Mode == ModeReplace {
		next = Replace(batch)
	} else {
		next = Merge(prev.Collection, batch)
	}
	if ts < prev.Timestamp {
		ts = prev.Timestamp
	}
	s.snap = Snapshot{Collection: next, Timestamp: ts, Version: prev.Version + 1}
	snap := s.snap
	observers := s.observersLocked()
	s.mu.Unlock()

	s.metrics.StoreSize(s.cfg.Name, len(next))
	s.notify(observers, snap)
	return true
}

// Delete removes entities by id. Absence from a batch never deletes;
// this is the only removal path. It reports whether anything was
// removed.
func (s *Store) Delete(ids ...string) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	prev := s.snap
	removed := false
	for _, id := range ids {
		if _, ok := prev.Collection[id]; ok {
			removed = true
			break
		}
	}
	if !removed {
		s.mu.Unlock()
		return false
	}
	s.snap = Snapshot{
		Collection: Without(prev.Collection, ids...),
		Timestamp:  prev.Timestamp,
		Version:    prev.Version + 1,
	}
	snap := s.snap
	observers := s.observersLocked()
	s.mu.Unlock()

	s.metrics.StoreSize(s.cfg.Name, len(snap.Collection))
	s.notify(observers, snap)
	return true
}

// Snapshot returns the current snapshot.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Get returns one entity.
func (s *Store) Get(id string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.snap.Collection[id]
	return e, ok
}

// Len returns the number of cached entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snap.Collection)
}

// Subscribe registers fn and returns a function that removes it.
func (s *Store) Subscribe(fn Observer) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	s.order = append(s.order, id)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.observers, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (s *Store) observersLocked() []Observer {
	out := make([]Observer, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.observers[id])
	}
	return out
}

func (s *Store) notify(observers []Observer, snap Snapshot) {
	for _, fn := range observers {
		s.call(fn, snap)
	}
}

func (s *Store) call(fn Observer, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("store observer panicked", "panic", r, "version", snap.Version)
		}
	}()
	fn(snap)
}
