package experiment

import "sync"

// Store is the single source of truth for the experiment set. All writers,
// including the run coordinator, mutate it exclusively through Apply under
// the revision-check discipline.
type Store interface {
	// Get returns a read-only deep copy of the current set, carrying the
	// current revision.
	Get() Set

	// Apply applies a patch atomically if its base revision matches the
	// store's current revision, returning the new revision. A stale base
	// revision fails with a ConflictError carrying the authoritative state.
	Apply(p Patch) (uint64, error)

	// Serialize returns the structural wire form of the current set.
	Serialize() ([]byte, error)
}

// MemoryStore is an in-memory implementation of the Store interface.
var _ Store = &MemoryStore{}

// MemoryStore holds the experiment set behind a mutex and stamps every
// successful Apply with the next revision.
type MemoryStore struct {
	mu      sync.RWMutex
	set     Set
	onApply func(Set)
}

// MemoryStoreOption is a functional option for configuring a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithInitial seeds the store with an existing set, e.g. one restored from a
// persistence snapshot. The set's revision is kept.
func WithInitial(s Set) MemoryStoreOption {
	return func(ms *MemoryStore) {
		ms.set = s.Clone()
		ms.set.refreshActiveRun()
	}
}

// WithOnApply registers a hook invoked with a snapshot of the new state
// after every successful Apply. Hooks run while the store's write lock is
// held so invocations observe mutations in revision order; the hook must not
// call back into the store.
func WithOnApply(fn func(Set)) MemoryStoreOption {
	return func(ms *MemoryStore) {
		ms.onApply = fn
	}
}

// NewMemoryStore creates a new MemoryStore holding an empty set at revision
// zero unless seeded with WithInitial.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{set: NewSet()}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Get returns a deep copy of the current set.
func (s *MemoryStore) Get() Set {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.set.Clone()
}

// Revision returns the current revision.
func (s *MemoryStore) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.set.Revision
}

// Apply applies the patch atomically against a clone of the set, so a
// failing op leaves the store untouched.
func (s *MemoryStore) Apply(p Patch) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.BaseRevision != s.set.Revision {
		return 0, &ConflictError{
			BaseRevision:    p.BaseRevision,
			CurrentRevision: s.set.Revision,
			Current:         s.set.Clone(),
		}
	}

	next := s.set.Clone()
	for _, op := range p.Ops {
		if err := op.apply(&next); err != nil {
			return 0, err
		}
	}

	next.Revision++
	next.refreshActiveRun()
	s.set = next

	if s.onApply != nil {
		s.onApply(s.set.Clone())
	}

	return s.set.Revision, nil
}

// Serialize returns the structural wire form of the current set.
func (s *MemoryStore) Serialize() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Serialize(s.set)
}
