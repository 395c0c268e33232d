package ledger

import (
	"math/big"
	"sort"
	"strings"
)

// TransferRecord is one decoded Transfer event. Records are never mutated after admission.
type TransferRecord struct {
	TransactionHash string   `json:"transactionHash"`
	Sender          string   `json:"sender"`
	Receiver        string   `json:"receiver"`
	Amount          *big.Int `json:"amount"`
	BlockSignedAt   string   `json:"blockSignedAt,omitempty"`
}

// Fingerprint identifies a transfer across cycles: "{txHash}|{sender}|{receiver}|{amount}".
//
// Two transfers in the same transaction between the same parties with the same amount share a
// fingerprint and are counted once.
func (r TransferRecord) Fingerprint() string {
	amount := "0"
	if r.Amount != nil {
		amount = r.Amount.String()
	}
	var b strings.Builder
	b.Grow(len(r.TransactionHash) + len(r.Sender) + len(r.Receiver) + len(amount) + 3)
	b.WriteString(r.TransactionHash)
	b.WriteByte('|')
	b.WriteString(r.Sender)
	b.WriteByte('|')
	b.WriteString(r.Receiver)
	b.WriteByte('|')
	b.WriteString(amount)
	return b.String()
}

func (r TransferRecord) clone() TransferRecord {
	if r.Amount != nil {
		r.Amount = new(big.Int).Set(r.Amount)
	}
	return r
}

// TouchedAddresses returns the sorted set of senders and receivers in records.
func TouchedAddresses(records []TransferRecord) []string {
	set := make(map[string]struct{}, len(records)*2)
	for _, r := range records {
		set[r.Sender] = struct{}{}
		set[r.Receiver] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}
