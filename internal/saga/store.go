package saga

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrSagaNotFound is returned when a saga does not exist
	ErrSagaNotFound = errors.New("saga not found")
	// ErrSagaAlreadyExists is returned when creating a duplicate saga
	ErrSagaAlreadyExists = errors.New("saga already exists")
	// ErrVersionConflict is returned when the conditional update loses a race
	ErrVersionConflict = errors.New("saga version conflict")
)

// Store is the durable saga store. Update is conditional on expectedVersion;
// on success the stored version becomes expectedVersion+1 and the passed
// record's Version is bumped to match.
type Store interface {
	Create(ctx context.Context, s *Saga) error
	Load(ctx context.Context, id string) (*Saga, error)
	Update(ctx context.Context, s *Saga, expectedVersion int64) error
	// ListStale returns non-terminal sagas whose updated_at is older than
	// cutoff, oldest first, at most limit.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Saga, error)
}

// MemoryStore is an in-memory Store for tests and local development
// (USE_IN_MEMORY_DB).
type MemoryStore struct {
	mu    sync.RWMutex
	sagas map[string]*Saga
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sagas: make(map[string]*Saga)}
}

func (m *MemoryStore) Create(ctx context.Context, s *Saga) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sagas[s.ID]; exists {
		return ErrSagaAlreadyExists
	}
	m.sagas[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, id string) (*Saga, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.sagas[id]
	if !exists {
		return nil, ErrSagaNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, s *Saga, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.sagas[s.ID]
	if !exists {
		return ErrSagaNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}

	stored := s.Clone()
	stored.Version = expectedVersion + 1
	stored.UpdatedAt = time.Now().UTC()
	m.sagas[s.ID] = stored
	s.Version = stored.Version
	s.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *MemoryStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Saga, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stale []*Saga
	for _, s := range m.sagas {
		if !s.Terminal() && s.UpdatedAt.Before(cutoff) {
			stale = append(stale, s.Clone())
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// Count returns the number of stored sagas (test helper)
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sagas)
}

// Clear removes all sagas (test helper)
func (m *MemoryStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sagas = make(map[string]*Saga)
}
