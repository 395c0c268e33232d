// Package reports exports per-cycle snapshots to an analytics store. Export is best effort and
// runs after the ledger snapshot is persisted.
package reports

import (
	"context"
	"time"

	"github.com/chain-estate/ches-tracker/pkg/brackets"
	"github.com/chain-estate/ches-tracker/pkg/ledger"
)

// CycleReport describes one completed cycle.
type CycleReport struct {
	Contract    string
	FromBlock   uint64
	ToBlock     uint64
	CompletedAt time.Time
	Admitted    []ledger.TransferRecord
	Brackets    []brackets.Bracket
}

type Sink interface {
	RecordCycle(ctx context.Context, r CycleReport) error
}

// NopSink drops every report.
type NopSink struct{}

func (NopSink) RecordCycle(context.Context, CycleReport) error { return nil }
