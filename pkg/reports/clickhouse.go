package reports

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/chain-estate/ches-tracker/pkg/db/clickhouse"
	"go.uber.org/zap"
)

const (
	BracketSnapshotsTable = "bracket_snapshots"
	TransfersTable        = "transfers"
)

// ClickHouseSink writes bracket snapshots and newly admitted transfers to ClickHouse.
type ClickHouseSink struct {
	client *clickhouse.Client
	logger *zap.Logger
}

func NewClickHouseSink(client *clickhouse.Client, logger *zap.Logger) *ClickHouseSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClickHouseSink{client: client, logger: logger}
}

// EnsureSchema creates the report tables when missing.
func (s *ClickHouseSink) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			contract String,
			to_block UInt64,
			completed_at DateTime64(3),
			position UInt16,
			label String,
			lower_bound UInt256,
			holders UInt64
		) ENGINE = MergeTree ORDER BY (contract, to_block, position)`, s.client.Table(BracketSnapshotsTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			contract String,
			fingerprint String,
			tx_hash String,
			sender String,
			receiver String,
			amount UInt256,
			block_signed_at String,
			admitted_at DateTime64(3),
			admitted_to_block UInt64
		) ENGINE = ReplacingMergeTree(admitted_at) ORDER BY (contract, fingerprint)`, s.client.Table(TransfersTable)),
	}
	for _, q := range ddl {
		if err := s.client.Exec(ctx, q); err != nil {
			return fmt.Errorf("create report table: %w", err)
		}
	}
	return nil
}

func (s *ClickHouseSink) RecordCycle(ctx context.Context, r CycleReport) error {
	if err := s.client.Insert(ctx, "INSERT INTO "+s.client.Table(BracketSnapshotsTable), bracketRows(r)); err != nil {
		return fmt.Errorf("insert bracket snapshot: %w", err)
	}
	if err := s.client.Insert(ctx, "INSERT INTO "+s.client.Table(TransfersTable), transferRows(r)); err != nil {
		return fmt.Errorf("insert transfers: %w", err)
	}
	s.logger.Debug("cycle report exported",
		zap.Uint64("to_block", r.ToBlock),
		zap.Int("brackets", len(r.Brackets)),
		zap.Int("transfers", len(r.Admitted)))
	return nil
}

func bracketRows(r CycleReport) [][]any {
	contract := strings.ToLower(r.Contract)
	rows := make([][]any, 0, len(r.Brackets))
	for i, b := range r.Brackets {
		lower := b.Lower
		if lower == nil {
			lower = new(big.Int)
		}
		rows = append(rows, []any{contract, r.ToBlock, r.CompletedAt, uint16(i), b.Label, lower, b.Count})
	}
	return rows
}

func transferRows(r CycleReport) [][]any {
	contract := strings.ToLower(r.Contract)
	rows := make([][]any, 0, len(r.Admitted))
	for _, t := range r.Admitted {
		amount := t.Amount
		if amount == nil {
			amount = new(big.Int)
		}
		rows = append(rows, []any{
			contract,
			t.Fingerprint(),
			t.TransactionHash,
			t.Sender,
			t.Receiver,
			amount,
			t.BlockSignedAt,
			r.CompletedAt,
			r.ToBlock,
		})
	}
	return rows
}
