// Package tracker runs one poll cycle: fetch new Transfer events, admit them into the ledger,
// refresh touched balances, rebuild the brackets and persist the snapshot.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chain-estate/ches-tracker/pkg/balances"
	"github.com/chain-estate/ches-tracker/pkg/brackets"
	"github.com/chain-estate/ches-tracker/pkg/chain"
	"github.com/chain-estate/ches-tracker/pkg/covalent"
	"github.com/chain-estate/ches-tracker/pkg/ledger"
	"github.com/chain-estate/ches-tracker/pkg/metrics"
	redisclient "github.com/chain-estate/ches-tracker/pkg/redis"
	"github.com/chain-estate/ches-tracker/pkg/reports"
	"github.com/chain-estate/ches-tracker/pkg/store"
	"go.uber.org/zap"
)

// DefaultLookback is how many blocks behind the head every cycle re-scans.
const DefaultLookback uint64 = 10_000

// ErrCycleInFlight is returned when RunCycle is called while another cycle runs.
var ErrCycleInFlight = errors.New("poll cycle already in flight")

type EventFetcher interface {
	FetchTransferEvents(ctx context.Context, contract string, from, to uint64) (*covalent.Batch, error)
}

type BalanceRefresher interface {
	Refresh(ctx context.Context, addresses []string) balances.Report
}

// Notifier publishes completed cycles. Implementations must not block for long.
type Notifier interface {
	Publish(ctx context.Context, channel string, message any)
}

type Config struct {
	Contract        string
	Lookback        uint64
	MinBucketDigits int
}

// Deps are the collaborators of a Tracker. Sink, Notifier and Metrics are optional.
type Deps struct {
	Heights   chain.HeightSource
	Events    EventFetcher
	Refresher BalanceRefresher
	Store     store.Store
	Sink      reports.Sink
	Notifier  Notifier
	Metrics   *metrics.TrackerMetrics
	Logger    *zap.Logger
}

type Tracker struct {
	cfg       Config
	heights   chain.HeightSource
	events    EventFetcher
	refresher BalanceRefresher
	store     store.Store
	sink      reports.Sink
	notifier  Notifier
	metrics   *metrics.TrackerMetrics
	logger    *zap.Logger
	now       func() time.Time

	running sync.Mutex
	state   atomic.Int32
	last    atomic.Pointer[CycleResult]
}

func New(cfg Config, deps Deps) (*Tracker, error) {
	if cfg.Contract == "" {
		return nil, errors.New("contract address is required")
	}
	if deps.Heights == nil || deps.Events == nil || deps.Refresher == nil || deps.Store == nil {
		return nil, errors.New("tracker requires a height source, event fetcher, balance refresher and store")
	}
	if cfg.Lookback == 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.MinBucketDigits <= 0 {
		cfg.MinBucketDigits = brackets.DefaultMinDigits
	}
	if deps.Sink == nil {
		deps.Sink = reports.NopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Tracker{
		cfg:       cfg,
		heights:   deps.Heights,
		events:    deps.Events,
		refresher: deps.Refresher,
		store:     deps.Store,
		sink:      deps.Sink,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With(zap.String("contract", cfg.Contract)),
		now:       time.Now,
	}, nil
}

// State returns where the current or last cycle is.
func (t *Tracker) State() State {
	return State(t.state.Load())
}

// LastResult returns the result of the most recent cycle, or nil before the first one.
func (t *Tracker) LastResult() *CycleResult {
	return t.last.Load()
}

// Snapshot loads the persisted ledger snapshot.
func (t *Tracker) Snapshot(ctx context.Context) (*ledger.State, error) {
	return t.store.Load(ctx)
}

func (t *Tracker) Contract() string { return t.cfg.Contract }

func (t *Tracker) setState(s State) {
	t.state.Store(int32(s))
}

// ScanRange returns the block range a cycle scans given the persisted height and the head.
func ScanRange(last, head, lookback uint64) (from, to uint64) {
	from = last
	if head > lookback && head-lookback > from {
		from = head - lookback
	}
	if from > head {
		from = head
	}
	return from, head
}

// RunCycle performs one poll cycle. Failures that abort the cycle leave the persisted snapshot
// untouched and are returned together with the aborted result.
func (t *Tracker) RunCycle(ctx context.Context) (CycleResult, error) {
	if !t.running.TryLock() {
		return CycleResult{}, ErrCycleInFlight
	}
	defer t.running.Unlock()

	start := t.now()
	res := CycleResult{Contract: t.cfg.Contract, StartedAt: start}

	t.setState(StateFetchingHeight)
	st, err := t.store.Load(ctx)
	if err != nil {
		return t.abort(res, StateFetchingHeight, fmt.Errorf("load snapshot: %w", err))
	}
	head, err := t.heights.CurrentBlockHeight(ctx)
	if err != nil {
		return t.abort(res, StateFetchingHeight, err)
	}
	res.FromBlock, res.ToBlock = ScanRange(st.LastProcessedBlockHeight, head, t.cfg.Lookback)
	if head < st.LastProcessedBlockHeight {
		t.logger.Warn("chain head is behind the persisted height",
			zap.Uint64("head", head),
			zap.Uint64("last_processed", st.LastProcessedBlockHeight))
	}

	t.setState(StateFetchingEvents)
	batch, err := t.events.FetchTransferEvents(ctx, t.cfg.Contract, res.FromBlock, res.ToBlock)
	if err != nil {
		return t.abort(res, StateFetchingEvents, err)
	}
	res.Fetched = len(batch.Records)
	res.DecodeSkipped = batch.Skipped

	t.setState(StateDeduping)
	admitted := st.Admit(batch.Records)
	res.Admitted = len(admitted)

	t.setState(StateRefreshingBalances)
	rep := t.refresher.Refresh(ctx, ledger.TouchedAddresses(admitted))
	rep.Apply(st.Balances)
	res.BalancesRefreshed = len(rep.Updated)
	res.BalanceFailures = rep.FailedAddresses()

	t.setState(StateAggregating)
	ordered := brackets.Compute(st.Balances, t.cfg.MinBucketDigits)
	st.Brackets = make(map[string]uint64, len(ordered))
	for _, b := range ordered {
		st.Brackets[b.Label] = b.Count
	}
	res.Brackets = ordered

	t.setState(StatePersisting)
	st.Advance(res.ToBlock)
	st.UpdatedAt = t.now().UTC()
	if err := t.store.Save(ctx, st); err != nil {
		return t.abort(res, StatePersisting, err)
	}
	res.LastProcessed = st.LastProcessedBlockHeight
	res.LedgerSize = len(st.Transfers)

	t.setState(StateIdle)
	res.Outcome = OutcomeCompleted
	res.DurationMs = t.now().Sub(start).Milliseconds()
	t.last.Store(&res)

	t.logger.Info("poll cycle completed",
		zap.Uint64("from_block", res.FromBlock),
		zap.Uint64("to_block", res.ToBlock),
		zap.Int("fetched", res.Fetched),
		zap.Int("admitted", res.Admitted),
		zap.Int("decode_skipped", res.DecodeSkipped),
		zap.Int("balances_refreshed", res.BalancesRefreshed),
		zap.Int("balance_failures", len(res.BalanceFailures)),
		zap.Int("tracked_transfers", res.LedgerSize),
		zap.Int64("duration_ms", res.DurationMs))

	t.metrics.CycleCompleted(metrics.CycleStats{
		Duration:         t.now().Sub(start),
		Fetched:          res.Fetched,
		Admitted:         res.Admitted,
		DecodeSkipped:    res.DecodeSkipped,
		BalanceRefreshed: res.BalancesRefreshed,
		BalanceFailures:  len(res.BalanceFailures),
		Height:           res.LastProcessed,
		LedgerSize:       res.LedgerSize,
		Holders:          len(st.Balances),
		Brackets:         st.Brackets,
	})

	t.export(ctx, res, admitted)
	return res, nil
}

func (t *Tracker) abort(res CycleResult, stage State, err error) (CycleResult, error) {
	t.setState(StateAborted)
	res.Outcome = OutcomeAborted
	res.AbortedIn = stage
	res.ErrorKind = ledger.KindOf(err)
	res.Error = err.Error()
	res.DurationMs = t.now().Sub(res.StartedAt).Milliseconds()
	t.last.Store(&res)

	t.logger.Warn("poll cycle aborted",
		zap.String("stage", stage.String()),
		zap.String("kind", res.ErrorKind),
		zap.Uint64("from_block", res.FromBlock),
		zap.Uint64("to_block", res.ToBlock),
		zap.Error(err))
	t.metrics.CycleAborted(res.ErrorKind, t.now().Sub(res.StartedAt))
	return res, err
}

// export hands the cycle to the optional sinks. Failures here never undo the persisted snapshot.
func (t *Tracker) export(ctx context.Context, res CycleResult, admitted []ledger.TransferRecord) {
	err := t.sink.RecordCycle(ctx, reports.CycleReport{
		Contract:    t.cfg.Contract,
		FromBlock:   res.FromBlock,
		ToBlock:     res.ToBlock,
		CompletedAt: res.StartedAt.Add(time.Duration(res.DurationMs) * time.Millisecond),
		Admitted:    admitted,
		Brackets:    res.Brackets,
	})
	if err != nil {
		t.logger.Warn("cycle report export failed", zap.Uint64("to_block", res.ToBlock), zap.Error(err))
	}
	if t.notifier != nil {
		t.notifier.Publish(ctx, redisclient.CycleChannel(t.cfg.Contract), res)
	}
}
