package ledger

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(tx, from, to string, amount int64) TransferRecord {
	return TransferRecord{TransactionHash: tx, Sender: from, Receiver: to, Amount: big.NewInt(amount)}
}

func TestFingerprintFormat(t *testing.T) {
	r := rec("0xaa", "0x01", "0x02", 1500)
	assert.Equal(t, "0xaa|0x01|0x02|1500", r.Fingerprint())
	assert.Equal(t, "0xaa|0x01|0x02|0", TransferRecord{TransactionHash: "0xaa", Sender: "0x01", Receiver: "0x02"}.Fingerprint())
}

func TestAdmitIsIdempotent(t *testing.T) {
	s := NewState()
	batch := []TransferRecord{rec("0x1", "a", "b", 10), rec("0x2", "b", "c", 20)}

	first := s.Admit(batch)
	require.Len(t, first, 2)
	second := s.Admit(batch)
	assert.Empty(t, second)

	assert.Len(t, s.Transfers, 2)
	assert.Len(t, s.SeenFingerprints, 2)
	require.NoError(t, s.Validate())
}

func TestAdmitDropsDuplicatesWithinBatch(t *testing.T) {
	s := NewState()
	dup := rec("0x1", "a", "b", 10)
	admitted := s.Admit([]TransferRecord{dup, dup, rec("0x1", "a", "b", 11)})

	require.Len(t, admitted, 2)
	assert.Equal(t, "0x1|a|b|10", admitted[0].Fingerprint())
	assert.Equal(t, "0x1|a|b|11", admitted[1].Fingerprint())
	assert.Equal(t, len(s.Transfers), len(s.SeenFingerprints))
}

func TestAdmitAcrossOverlappingWindows(t *testing.T) {
	s := NewState()
	window1 := []TransferRecord{rec("0x1", "a", "b", 1), rec("0x2", "a", "c", 2)}
	window2 := []TransferRecord{rec("0x2", "a", "c", 2), rec("0x3", "c", "d", 3)}

	s.Admit(window1)
	admitted := s.Admit(window2)

	require.Len(t, admitted, 1)
	assert.Equal(t, "0x3", admitted[0].TransactionHash)
	assert.Len(t, s.Transfers, 3)
}

func TestAdmitCopiesAmounts(t *testing.T) {
	s := NewState()
	r := rec("0x1", "a", "b", 5)
	s.Admit([]TransferRecord{r})
	r.Amount.SetInt64(99)
	assert.Equal(t, int64(5), s.Transfers[0].Amount.Int64())
}

func TestTouchedAddresses(t *testing.T) {
	got := TouchedAddresses([]TransferRecord{rec("0x1", "b", "a", 1), rec("0x2", "a", "c", 1)})
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Empty(t, TouchedAddresses(nil))
}

func TestAdvanceIsMonotonic(t *testing.T) {
	s := NewState()
	s.Advance(100)
	s.Advance(90)
	assert.Equal(t, uint64(100), s.LastProcessedBlockHeight)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *State)
		wantErr string
	}{
		{name: "fresh", mutate: func(*State) {}},
		{name: "schema", mutate: func(s *State) { s.SchemaVersion = 9 }, wantErr: "schema version"},
		{name: "length", mutate: func(s *State) { s.SeenFingerprints = s.SeenFingerprints[:0] }, wantErr: "fingerprints"},
		{name: "mismatch", mutate: func(s *State) { s.SeenFingerprints[0] = "x" }, wantErr: "mismatch"},
		{name: "negative balance", mutate: func(s *State) { s.Balances["a"] = big.NewInt(-1) }, wantErr: "invalid balance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewState()
			s.Admit([]TransferRecord{rec("0x1", "a", "b", 1)})
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStateJSONRoundTripKeepsIndex(t *testing.T) {
	s := NewState()
	s.Admit([]TransferRecord{rec("0x1", "a", "b", 1)})
	s.Balances["a"], _ = new(big.Int).SetString("123456789012345678901234567890", 10)

	raw, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"a":123456789012345678901234567890`)

	var loaded State
	require.NoError(t, json.Unmarshal(raw, &loaded))
	loaded.Normalize()
	require.NoError(t, loaded.Validate())
	assert.True(t, loaded.Seen("0x1|a|b|1"))
	assert.Empty(t, loaded.Admit([]TransferRecord{rec("0x1", "a", "b", 1)}))
}

func TestCloneIsDeep(t *testing.T) {
	s := NewState()
	s.Admit([]TransferRecord{rec("0x1", "a", "b", 1)})
	s.Balances["a"] = big.NewInt(7)

	c := s.Clone()
	c.Admit([]TransferRecord{rec("0x2", "a", "b", 1)})
	c.Balances["a"].SetInt64(8)

	assert.Len(t, s.Transfers, 1)
	assert.Equal(t, int64(7), s.Balances["a"].Int64())
	assert.False(t, s.Seen("0x2|a|b|1"))
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := NetworkError("balanceOf", cause)

	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrUpstream)
	assert.Equal(t, "network", KindOf(err))
	assert.Equal(t, "balanceOf: network error: dial tcp: refused", err.Error())

	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "balanceOf", le.Op)

	assert.Equal(t, "persistence", KindOf(PersistenceError("save", nil)))
	assert.Equal(t, "unknown", KindOf(cause))
	assert.Equal(t, "", KindOf(nil))
}
