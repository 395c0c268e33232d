package controller

import (
	"math/big"
	"net/http"
	"strings"

	"github.com/chain-estate/ches-tracker/pkg/brackets"
	"github.com/chain-estate/ches-tracker/pkg/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type bracketsResponse struct {
	LastProcessedBlockHeight uint64             `json:"lastProcessedBlockHeight"`
	Holders                  int                `json:"holders"`
	Brackets                 []brackets.Bracket `json:"brackets"`
}

// HandleBrackets serves the buckets of the last persisted snapshot, lowest first.
func (c *Controller) HandleBrackets(w http.ResponseWriter, r *http.Request) {
	snap, err := c.Tracker.Snapshot(r.Context())
	if err != nil {
		c.Logger.Error("load snapshot failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "snapshot unavailable")
		return
	}

	ordered := brackets.Compute(snap.Balances, c.MinBucketDigits)
	var holders int
	for _, b := range ordered {
		holders += int(b.Count)
	}
	writeJSON(w, http.StatusOK, bracketsResponse{
		LastProcessedBlockHeight: snap.LastProcessedBlockHeight,
		Holders:                  holders,
		Brackets:                 ordered,
	})
}

type balanceResponse struct {
	Address string   `json:"address"`
	Balance *big.Int `json:"balance"`
}

func (c *Controller) HandleBalance(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addr) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	addr = strings.ToLower(addr)

	snap, err := c.Tracker.Snapshot(r.Context())
	if err != nil {
		c.Logger.Error("load snapshot failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "snapshot unavailable")
		return
	}
	bal, ok := snap.Balance(addr)
	if !ok {
		writeError(w, http.StatusNotFound, "address not tracked")
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Address: addr, Balance: bal})
}

type transferItem struct {
	Position    uint64 `json:"position"`
	Fingerprint string `json:"fingerprint"`
	ledger.TransferRecord
}

// HandleTransfers pages through the ledger in admission order.
// Query parameters:
//   - cursor: ledger position (see pageSpec)
//   - limit: max number of results
//   - sort: "asc" or "desc" (default "desc")
func (c *Controller) HandleTransfers(w http.ResponseWriter, r *http.Request) {
	page, err := parsePageSpec(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := c.Tracker.Snapshot(r.Context())
	if err != nil {
		c.Logger.Error("load snapshot failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "snapshot unavailable")
		return
	}

	lo, hi, next := page.window(len(snap.Transfers))
	items := make([]transferItem, 0, hi-lo)
	for i := lo; i < hi; i++ {
		items = append(items, transferItem{
			Position:       uint64(i),
			Fingerprint:    snap.SeenFingerprints[i],
			TransferRecord: snap.Transfers[i],
		})
	}
	if page.Sort == SortOrderDesc {
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
	}

	writeJSON(w, http.StatusOK, pagedResponse[transferItem]{
		Data:       items,
		Total:      len(snap.Transfers),
		Limit:      page.Limit,
		NextCursor: next,
	})
}
