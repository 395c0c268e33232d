package ledger

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrNetwork     = errors.New("network error")
	ErrUpstream    = errors.New("upstream error")
	ErrDecode      = errors.New("decode error")
	ErrPersistence = errors.New("persistence error")
)

// Error carries one of the kinds above together with the failing operation.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func NetworkError(op string, err error) error {
	return &Error{Kind: ErrNetwork, Op: op, Err: err}
}

func UpstreamError(op string, err error) error {
	return &Error{Kind: ErrUpstream, Op: op, Err: err}
}

func DecodeError(op string, err error) error {
	return &Error{Kind: ErrDecode, Op: op, Err: err}
}

func PersistenceError(op string, err error) error {
	return &Error{Kind: ErrPersistence, Op: op, Err: err}
}

// KindOf returns the kind name for logs and metrics labels, or "unknown".
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return "unknown"
	}
}
