package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

// SchemaVersion is the persisted document layout understood by this build.
const SchemaVersion = 1

// State is the full persisted snapshot of the tracker.
//
// SeenFingerprints[i] is always the fingerprint of Transfers[i]; Admit is the only way to grow
// either slice.
type State struct {
	SchemaVersion            int                 `json:"schemaVersion"`
	Revision                 uint64              `json:"revision"`
	LastProcessedBlockHeight uint64              `json:"lastProcessedBlockHeight"`
	Balances                 map[string]*big.Int `json:"balances"`
	Brackets                 map[string]uint64   `json:"brackets"`
	Transfers                []TransferRecord    `json:"transfers"`
	SeenFingerprints         []string            `json:"seenFingerprints"`
	UpdatedAt                time.Time           `json:"updatedAt"`

	seen map[string]struct{}
}

func NewState() *State {
	return &State{
		SchemaVersion:    SchemaVersion,
		Balances:         map[string]*big.Int{},
		Brackets:         map[string]uint64{},
		Transfers:        []TransferRecord{},
		SeenFingerprints: []string{},
	}
}

// Normalize fills nil collections left by decoding a sparse document.
func (s *State) Normalize() {
	if s.SchemaVersion == 0 {
		s.SchemaVersion = SchemaVersion
	}
	if s.Balances == nil {
		s.Balances = map[string]*big.Int{}
	}
	if s.Brackets == nil {
		s.Brackets = map[string]uint64{}
	}
	if s.Transfers == nil {
		s.Transfers = []TransferRecord{}
	}
	if s.SeenFingerprints == nil {
		s.SeenFingerprints = []string{}
	}
	s.seen = nil
}

// Validate checks the layout version and that the fingerprint index of a loaded snapshot lines up with its transfers.
func (s *State) Validate() error {
	if s.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported schema version %d", s.SchemaVersion)
	}
	if len(s.SeenFingerprints) != len(s.Transfers) {
		return fmt.Errorf("ledger has %d transfers but %d fingerprints", len(s.Transfers), len(s.SeenFingerprints))
	}
	unique := make(map[string]struct{}, len(s.SeenFingerprints))
	for i, fp := range s.SeenFingerprints {
		if got := s.Transfers[i].Fingerprint(); got != fp {
			return fmt.Errorf("fingerprint %d mismatch: stored %q, transfer %q", i, fp, got)
		}
		if _, dup := unique[fp]; dup {
			return fmt.Errorf("fingerprint %q stored twice", fp)
		}
		unique[fp] = struct{}{}
	}
	for addr, bal := range s.Balances {
		if bal == nil || bal.Sign() < 0 {
			return errors.New("invalid balance for " + addr)
		}
	}
	return nil
}

func (s *State) index() map[string]struct{} {
	if s.seen == nil {
		s.seen = make(map[string]struct{}, len(s.SeenFingerprints))
		for _, fp := range s.SeenFingerprints {
			s.seen[fp] = struct{}{}
		}
	}
	return s.seen
}

// Seen reports whether a transfer with this fingerprint has been admitted.
func (s *State) Seen(fingerprint string) bool {
	_, ok := s.index()[fingerprint]
	return ok
}

// Admit appends every candidate whose fingerprint is new and returns them in input order.
// Duplicates within candidates are dropped the same way as already-seen transfers.
func (s *State) Admit(candidates []TransferRecord) []TransferRecord {
	seen := s.index()
	admitted := make([]TransferRecord, 0, len(candidates))
	for _, c := range candidates {
		fp := c.Fingerprint()
		if _, ok := seen[fp]; ok {
			continue
		}
		rec := c.clone()
		seen[fp] = struct{}{}
		s.SeenFingerprints = append(s.SeenFingerprints, fp)
		s.Transfers = append(s.Transfers, rec)
		admitted = append(admitted, rec)
	}
	return admitted
}

// Advance moves the processed height forward. Lower heights are ignored.
func (s *State) Advance(height uint64) {
	if height > s.LastProcessedBlockHeight {
		s.LastProcessedBlockHeight = height
	}
}

// Balance returns a copy of the cached balance of addr.
func (s *State) Balance(addr string) (*big.Int, bool) {
	b, ok := s.Balances[addr]
	if !ok || b == nil {
		return nil, false
	}
	return new(big.Int).Set(b), true
}

// Clone returns a deep copy that shares nothing with s.
func (s *State) Clone() *State {
	out := &State{
		SchemaVersion:            s.SchemaVersion,
		Revision:                 s.Revision,
		LastProcessedBlockHeight: s.LastProcessedBlockHeight,
		Balances:                 make(map[string]*big.Int, len(s.Balances)),
		Brackets:                 make(map[string]uint64, len(s.Brackets)),
		Transfers:                make([]TransferRecord, len(s.Transfers)),
		SeenFingerprints:         append([]string{}, s.SeenFingerprints...),
		UpdatedAt:                s.UpdatedAt,
	}
	for k, v := range s.Balances {
		if v != nil {
			out.Balances[k] = new(big.Int).Set(v)
		}
	}
	for k, v := range s.Brackets {
		out.Brackets[k] = v
	}
	for i, r := range s.Transfers {
		out.Transfers[i] = r.clone()
	}
	return out
}
