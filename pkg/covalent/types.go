package covalent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/chain-estate/ches-tracker/pkg/ledger"
	"github.com/ethereum/go-ethereum/common"
)

// TransferEventName is the decoded name of ERC20 Transfer logs.
const TransferEventName = "Transfer"

type envelope[T any] struct {
	Data         T      `json:"data"`
	Error        bool   `json:"error"`
	ErrorMessage string `json:"error_message"`
	ErrorCode    int    `json:"error_code"`
}

type pagination struct {
	HasMore    bool `json:"has_more"`
	PageNumber int  `json:"page_number"`
	PageSize   int  `json:"page_size"`
}

type itemsPage[T any] struct {
	UpdatedAt  string      `json:"updated_at"`
	Items      []T         `json:"items"`
	Pagination *pagination `json:"pagination"`
}

// Block is an entry of the block_v2 endpoint.
type Block struct {
	SignedAt string `json:"signed_at"`
	Height   uint64 `json:"height"`
}

// Event is one raw log entry from the events/address endpoint.
type Event struct {
	BlockSignedAt string   `json:"block_signed_at"`
	BlockHeight   uint64   `json:"block_height"`
	TxHash        string   `json:"tx_hash"`
	LogOffset     int      `json:"log_offset"`
	Decoded       *Decoded `json:"decoded"`
}

type Decoded struct {
	Name      string  `json:"name"`
	Signature string  `json:"signature"`
	Params    []Param `json:"params"`
}

type Param struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Indexed bool            `json:"indexed"`
	Value   json.RawMessage `json:"value"`
}

// String returns the parameter value as text. Covalent sends strings for addresses and uint256
// but plain numbers have been seen for small amounts.
func (p Param) String() (string, error) {
	raw := bytes.TrimSpace(p.Value)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("param %q has no value", p.Name)
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("param %q: %w", p.Name, err)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("param %q: %w", p.Name, err)
	}
	return n.String(), nil
}

// IsTransfer reports whether the entry was decoded as a Transfer log.
func (e Event) IsTransfer() bool {
	return e.Decoded != nil && e.Decoded.Name == TransferEventName
}

// ToTransferRecord decodes a Transfer entry. Any structural problem is a DecodeError.
func (e Event) ToTransferRecord() (ledger.TransferRecord, error) {
	const op = "decode transfer"
	if e.Decoded == nil {
		return ledger.TransferRecord{}, ledger.DecodeError(op, errors.New("missing decoded payload"))
	}
	if e.TxHash == "" {
		return ledger.TransferRecord{}, ledger.DecodeError(op, errors.New("missing tx_hash"))
	}
	if n := len(e.Decoded.Params); n != 3 {
		return ledger.TransferRecord{}, ledger.DecodeError(op, fmt.Errorf("expected 3 params, got %d", n))
	}

	sender, err := address(e.Decoded.Params[0])
	if err != nil {
		return ledger.TransferRecord{}, ledger.DecodeError(op, err)
	}
	receiver, err := address(e.Decoded.Params[1])
	if err != nil {
		return ledger.TransferRecord{}, ledger.DecodeError(op, err)
	}
	raw, err := e.Decoded.Params[2].String()
	if err != nil {
		return ledger.TransferRecord{}, ledger.DecodeError(op, err)
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() < 0 {
		return ledger.TransferRecord{}, ledger.DecodeError(op, fmt.Errorf("invalid amount %q", raw))
	}

	return ledger.TransferRecord{
		TransactionHash: strings.ToLower(e.TxHash),
		Sender:          sender,
		Receiver:        receiver,
		Amount:          amount,
		BlockSignedAt:   e.BlockSignedAt,
	}, nil
}

func address(p Param) (string, error) {
	s, err := p.String()
	if err != nil {
		return "", err
	}
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("param %q is not an address: %q", p.Name, s)
	}
	return strings.ToLower(common.HexToAddress(s).Hex()), nil
}
