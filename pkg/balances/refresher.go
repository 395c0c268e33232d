// Package balances refreshes cached holder balances for the addresses touched by a cycle.
package balances

import (
	"context"
	"errors"
	"math/big"
	"sort"

	"github.com/alitto/pond/v2"
	"github.com/chain-estate/ches-tracker/pkg/chain"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

const DefaultWorkers = 8

// Refresher queries balances concurrently on a shared worker pool.
type Refresher struct {
	source chain.BalanceSource
	pool   pond.Pool
	logger *zap.Logger
}

// Report holds the outcome of one refresh. Every requested address is in exactly one of the maps.
type Report struct {
	Updated map[string]*big.Int
	Failed  map[string]error
}

func NewRefresher(source chain.BalanceSource, workers int, logger *zap.Logger) *Refresher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		source: source,
		pool:   pond.NewPool(workers),
		logger: logger,
	}
}

// Refresh calls balanceOf once per distinct address and waits for all calls to finish.
// A failed address never stops the others.
func (r *Refresher) Refresh(ctx context.Context, addresses []string) Report {
	updated := xsync.NewMap[string, *big.Int]()
	failed := xsync.NewMap[string, error]()

	group := r.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	seen := make(map[string]struct{}, len(addresses))
	for _, addr := range addresses {
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}

		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				failed.Store(addr, err)
				return
			}
			bal, err := r.source.BalanceOf(groupCtx, addr)
			if err != nil {
				failed.Store(addr, err)
				return
			}
			updated.Store(addr, bal)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		r.logger.Warn("balance refresh group encountered error", zap.Error(err))
	}

	rep := Report{
		Updated: make(map[string]*big.Int, updated.Size()),
		Failed:  make(map[string]error, failed.Size()),
	}
	updated.Range(func(addr string, bal *big.Int) bool {
		rep.Updated[addr] = bal
		return true
	})
	failed.Range(func(addr string, err error) bool {
		rep.Failed[addr] = err
		return true
	})
	// Tasks never submitted because the group was already cancelled.
	for addr := range seen {
		_, ok := rep.Updated[addr]
		_, bad := rep.Failed[addr]
		if !ok && !bad {
			rep.Failed[addr] = context.Cause(ctx)
		}
	}

	for _, addr := range rep.FailedAddresses() {
		r.logger.Warn("balance refresh failed, keeping cached value",
			zap.String("address", addr),
			zap.Error(rep.Failed[addr]))
	}
	return rep
}

// Apply overwrites the refreshed entries of balances. Failed addresses keep their old value.
func (rep Report) Apply(balances map[string]*big.Int) {
	for addr, bal := range rep.Updated {
		balances[addr] = new(big.Int).Set(bal)
	}
}

// FailedAddresses returns the failed addresses in sorted order.
func (rep Report) FailedAddresses() []string {
	out := make([]string, 0, len(rep.Failed))
	for addr := range rep.Failed {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Close stops the worker pool and waits for running tasks.
func (r *Refresher) Close() {
	r.pool.StopAndWait()
}
