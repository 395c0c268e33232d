package controller

import (
	"math"
	"net/http"
	"strconv"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// SortOrder represents the sort direction for queries
type SortOrder string

const (
	SortOrderAsc  SortOrder = "asc"
	SortOrderDesc SortOrder = "desc"
)

// pageSpec addresses the ledger by position. Cursor is inclusive for asc and exclusive for desc;
// a zero cursor starts from the oldest (asc) or newest (desc) transfer.
type pageSpec struct {
	Limit  int
	Cursor uint64
	Sort   SortOrder
}

type pagedResponse[T any] struct {
	Data       []T     `json:"data"`
	Total      int     `json:"total"`
	Limit      int     `json:"limit"`
	NextCursor *uint64 `json:"next_cursor,omitempty"`
}

func parsePageSpec(r *http.Request) (pageSpec, error) {
	qs := r.URL.Query()
	limit := defaultLimit
	if v := qs.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return pageSpec{}, errInvalidLimit
		}
		limit = int(math.Min(float64(n), maxLimit))
	}

	var cursor uint64
	if v := qs.Get("cursor"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return pageSpec{}, errInvalidCursor
		}
		cursor = n
	}

	// newest first unless asked otherwise
	sort := SortOrderDesc
	if v := qs.Get("sort"); v != "" {
		switch SortOrder(v) {
		case SortOrderAsc, SortOrderDesc:
			sort = SortOrder(v)
		default:
			return pageSpec{}, errInvalidSort
		}
	}
	return pageSpec{Limit: limit, Cursor: cursor, Sort: sort}, nil
}

// window returns the positions [lo, hi) to serve from a ledger of size n, in ascending order,
// and the cursor of the next page if there is one.
func (p pageSpec) window(n int) (lo, hi int, next *uint64) {
	total := uint64(n)
	if p.Sort == SortOrderAsc {
		start := min(p.Cursor, total)
		end := min(start+uint64(p.Limit), total)
		if end < total {
			c := end
			next = &c
		}
		return int(start), int(end), next
	}

	end := total
	if p.Cursor != 0 && p.Cursor < total {
		end = p.Cursor
	}
	start := uint64(0)
	if end > uint64(p.Limit) {
		start = end - uint64(p.Limit)
	}
	if start > 0 {
		c := start
		next = &c
	}
	return int(start), int(end), next
}

var (
	errInvalidLimit  = &parseError{msg: "invalid limit"}
	errInvalidCursor = &parseError{msg: "invalid cursor"}
	errInvalidSort   = &parseError{msg: "invalid sort, must be 'asc' or 'desc'"}
)

type parseError struct{ msg string }

func (e *parseError) Error() string { return e.msg }
