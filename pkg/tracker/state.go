package tracker

import (
	"fmt"
	"time"

	"github.com/chain-estate/ches-tracker/pkg/brackets"
)

// State is the position of the tracker inside a poll cycle.
type State int32

const (
	StateIdle State = iota
	StateFetchingHeight
	StateFetchingEvents
	StateDeduping
	StateRefreshingBalances
	StateAggregating
	StatePersisting
	StateAborted
)

var stateNames = [...]string{
	StateIdle:               "IDLE",
	StateFetchingHeight:     "FETCHING_HEIGHT",
	StateFetchingEvents:     "FETCHING_EVENTS",
	StateDeduping:           "DEDUPING",
	StateRefreshingBalances: "REFRESHING_BALANCES",
	StateAggregating:        "AGGREGATING",
	StatePersisting:         "PERSISTING",
	StateAborted:            "ABORTED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int32(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const (
	OutcomeCompleted = "completed"
	OutcomeAborted   = "aborted"
)

// CycleResult summarises one poll cycle. It is what /status serves and what completed cycles
// publish.
type CycleResult struct {
	Contract          string             `json:"contract"`
	Outcome           string             `json:"outcome"`
	AbortedIn         State              `json:"abortedIn,omitempty"`
	ErrorKind         string             `json:"errorKind,omitempty"`
	Error             string             `json:"error,omitempty"`
	FromBlock         uint64             `json:"fromBlock"`
	ToBlock           uint64             `json:"toBlock"`
	LastProcessed     uint64             `json:"lastProcessedBlockHeight"`
	Fetched           int                `json:"fetched"`
	Admitted          int                `json:"admitted"`
	DecodeSkipped     int                `json:"decodeSkipped"`
	BalancesRefreshed int                `json:"balancesRefreshed"`
	BalanceFailures   []string           `json:"balanceFailures,omitempty"`
	LedgerSize        int                `json:"ledgerSize"`
	Brackets          []brackets.Bracket `json:"brackets,omitempty"`
	StartedAt         time.Time          `json:"startedAt"`
	DurationMs        int64              `json:"durationMs"`
}

func (r CycleResult) Completed() bool {
	return r.Outcome == OutcomeCompleted
}
