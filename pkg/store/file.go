package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/chain-estate/ches-tracker/pkg/ledger"
)

// FileStore keeps the snapshot in a single JSON file, replaced by rename on every save.
// It assumes a single writer.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (s *FileStore) Load(_ context.Context) (*ledger.State, error) {
	raw, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return ledger.NewState(), nil
	}
	if err != nil {
		return nil, ledger.PersistenceError("read snapshot", err)
	}
	return decode(raw)
}

func (s *FileStore) Save(ctx context.Context, state *ledger.State) error {
	if err := ctx.Err(); err != nil {
		return ledger.PersistenceError("save snapshot", err)
	}
	next := state.Revision + 1
	raw, err := encode(state, next)
	if err != nil {
		return err
	}
	if err := writeAtomic(s.Path, raw); err != nil {
		return ledger.PersistenceError("write snapshot", err)
	}
	state.Revision = next
	return nil
}

// writeAtomic writes to a temp file next to path, syncs it and renames it over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	tmpName = ""

	// Persist the rename itself. Not every platform allows syncing a directory.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
