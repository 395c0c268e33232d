package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chain-estate/ches-tracker/pkg/ledger"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the snapshot as one JSON value. Save uses WATCH so a concurrent writer makes
// the transaction fail instead of overwriting its snapshot.
type RedisStore struct {
	rdb redis.UniversalClient
	key string
}

// LedgerKey is the key holding the snapshot of contract.
func LedgerKey(contract string) string {
	return fmt.Sprintf("ches:%s:ledger", strings.ToLower(contract))
}

func NewRedisStore(rdb redis.UniversalClient, key string) *RedisStore {
	return &RedisStore{rdb: rdb, key: key}
}

func (s *RedisStore) Load(ctx context.Context) (*ledger.State, error) {
	raw, err := s.rdb.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ledger.NewState(), nil
	}
	if err != nil {
		return nil, ledger.PersistenceError("redis get", err)
	}
	return decode(raw)
}

func (s *RedisStore) Save(ctx context.Context, state *ledger.State) error {
	next := state.Revision + 1
	payload, err := encode(state, next)
	if err != nil {
		return err
	}

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, s.key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if state.Revision != 0 {
				return ErrConflict
			}
		case err != nil:
			return err
		default:
			stored, err := peekRevision(raw)
			if err != nil {
				return err
			}
			if stored != state.Revision {
				return ErrConflict
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, payload, 0)
			return nil
		})
		return err
	}, s.key)
	if errors.Is(err, redis.TxFailedErr) {
		err = ErrConflict
	}
	if err != nil {
		return ledger.PersistenceError("redis save", err)
	}
	state.Revision = next
	return nil
}
