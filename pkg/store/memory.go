package store

import (
	"context"
	"sync"

	"github.com/chain-estate/ches-tracker/pkg/ledger"
)

// MemoryStore keeps a deep copy of the last saved snapshot.
type MemoryStore struct {
	mu    sync.RWMutex
	state *ledger.State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (*ledger.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return ledger.NewState(), nil
	}
	return s.state.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, state *ledger.State) error {
	if err := ctx.Err(); err != nil {
		return ledger.PersistenceError("save snapshot", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var current uint64
	if s.state != nil {
		current = s.state.Revision
	}
	if current != state.Revision {
		return ledger.PersistenceError("save snapshot", ErrConflict)
	}
	snap := state.Clone()
	snap.Revision = state.Revision + 1
	snap.SchemaVersion = ledger.SchemaVersion
	s.state = snap
	state.Revision = snap.Revision
	return nil
}
