package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TrackerMetrics are the cycle-level series exported on /metrics. A nil *TrackerMetrics is a
// valid no-op recorder.
type TrackerMetrics struct {
	Cycles            *prometheus.CounterVec
	CycleDuration     prometheus.Histogram
	TransfersFetched  prometheus.Counter
	TransfersAdmitted prometheus.Counter
	DecodeSkipped     prometheus.Counter
	BalanceRefreshed  prometheus.Counter
	BalanceFailures   prometheus.Counter
	LastHeight        prometheus.Gauge
	LedgerSize        prometheus.Gauge
	Holders           prometheus.Gauge
	BracketHolders    *prometheus.GaugeVec
}

// New creates the metrics and registers them on reg when it is not nil.
func New(reg prometheus.Registerer) *TrackerMetrics {
	m := &TrackerMetrics{
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ches_tracker_cycles_total",
			Help: "Poll cycles by outcome and abort reason",
		}, []string{"outcome", "reason"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ches_tracker_cycle_duration_seconds",
			Help:    "Wall time of a poll cycle",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		TransfersFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ches_tracker_transfers_fetched_total",
			Help: "Decoded Transfer events returned by the log API, duplicates included",
		}),
		TransfersAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ches_tracker_transfers_admitted_total",
			Help: "Transfers newly appended to the ledger",
		}),
		DecodeSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ches_tracker_decode_skipped_total",
			Help: "Transfer entries skipped because they failed to decode",
		}),
		BalanceRefreshed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ches_tracker_balance_refreshed_total",
			Help: "Successful balanceOf refreshes",
		}),
		BalanceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ches_tracker_balance_failures_total",
			Help: "balanceOf refreshes that failed and kept the cached value",
		}),
		LastHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ches_tracker_last_processed_block",
			Help: "Last block height persisted in the ledger snapshot",
		}),
		LedgerSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ches_tracker_ledger_transfers",
			Help: "Transfers held in the ledger",
		}),
		Holders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ches_tracker_cached_balances",
			Help: "Addresses with a cached balance",
		}),
		BracketHolders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ches_tracker_bracket_holders",
			Help: "Holders per balance bracket in the last snapshot",
		}, []string{"bracket"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Cycles, m.CycleDuration, m.TransfersFetched, m.TransfersAdmitted, m.DecodeSkipped,
			m.BalanceRefreshed, m.BalanceFailures, m.LastHeight, m.LedgerSize, m.Holders, m.BracketHolders,
		)
	}
	return m
}

// CycleStats is what a finished cycle reports.
type CycleStats struct {
	Duration         time.Duration
	Fetched          int
	Admitted         int
	DecodeSkipped    int
	BalanceRefreshed int
	BalanceFailures  int
	Height           uint64
	LedgerSize       int
	Holders          int
	Brackets         map[string]uint64
}

func (m *TrackerMetrics) CycleCompleted(s CycleStats) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues("completed", "").Inc()
	m.CycleDuration.Observe(s.Duration.Seconds())
	m.TransfersFetched.Add(float64(s.Fetched))
	m.TransfersAdmitted.Add(float64(s.Admitted))
	m.DecodeSkipped.Add(float64(s.DecodeSkipped))
	m.BalanceRefreshed.Add(float64(s.BalanceRefreshed))
	m.BalanceFailures.Add(float64(s.BalanceFailures))
	m.LastHeight.Set(float64(s.Height))
	m.LedgerSize.Set(float64(s.LedgerSize))
	m.Holders.Set(float64(s.Holders))

	m.BracketHolders.Reset()
	for label, n := range s.Brackets {
		m.BracketHolders.WithLabelValues(label).Set(float64(n))
	}
}

// CycleAborted records a cycle that ended without persisting. reason is the error kind.
func (m *TrackerMetrics) CycleAborted(reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues("aborted", reason).Inc()
	m.CycleDuration.Observe(d.Seconds())
}
