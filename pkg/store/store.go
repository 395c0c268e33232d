// Package store persists ledger snapshots. Every backend writes the whole document at once so a
// reader sees either the previous or the new snapshot, never a mix.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chain-estate/ches-tracker/pkg/ledger"
)

// ErrConflict means the stored revision moved since the snapshot was loaded.
var ErrConflict = errors.New("revision conflict")

// Store loads and saves the tracker snapshot. Load on an empty backend returns a fresh state.
// Save increments state.Revision only when the write succeeded.
type Store interface {
	Load(ctx context.Context) (*ledger.State, error)
	Save(ctx context.Context, state *ledger.State) error
}

func encode(state *ledger.State, revision uint64) ([]byte, error) {
	doc := *state
	doc.Revision = revision
	doc.SchemaVersion = ledger.SchemaVersion
	b, err := json.Marshal(&doc)
	if err != nil {
		return nil, ledger.PersistenceError("encode snapshot", err)
	}
	return b, nil
}

func decode(raw []byte) (*ledger.State, error) {
	var st ledger.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, ledger.PersistenceError("decode snapshot", err)
	}
	st.Normalize()
	if err := st.Validate(); err != nil {
		return nil, ledger.PersistenceError("validate snapshot", err)
	}
	return &st, nil
}

func peekRevision(raw []byte) (uint64, error) {
	var head struct {
		Revision uint64 `json:"revision"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}
	return head.Revision, nil
}
