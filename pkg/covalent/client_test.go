package covalent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chain-estate/ches-tracker/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	contract = "0xAbCdEf0000000000000000000000000000000001"
	alice    = "0x00000000000000000000000000000000000000a1"
	bob      = "0x00000000000000000000000000000000000000b2"
)

func transferItem(tx, from, to, value string) map[string]any {
	return map[string]any{
		"block_signed_at": "2023-05-01T10:00:00Z",
		"block_height":    100,
		"tx_hash":         tx,
		"decoded": map[string]any{
			"name": "Transfer",
			"params": []map[string]any{
				{"name": "from", "type": "address", "value": from},
				{"name": "to", "type": "address", "value": to},
				{"name": "value", "type": "uint256", "value": value},
			},
		},
	}
}

func page(items []map[string]any, hasMore bool) map[string]any {
	return map[string]any{
		"data":  map[string]any{"items": items, "pagination": map[string]any{"has_more": hasMore}},
		"error": false,
	}
}

func newTestClient(t *testing.T, endpoints ...string) *Client {
	t.Helper()
	h := NewHTTPWithOpts(Opts{
		Endpoints:       endpoints,
		APIKey:          "ckey_test",
		RPS:             1000,
		Burst:           1000,
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
		Logger:          zaptest.NewLogger(t),
	})
	return New(h, Config{ChainID: 56, PageSize: 2, MaxPages: 10}, zaptest.NewLogger(t))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestFetchTransferEventsPaginates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/56/events/address/0xabcdef0000000000000000000000000000000001/", r.URL.Path)
		assert.Equal(t, "ckey_test", r.URL.Query().Get("key"))
		assert.Equal(t, "90", r.URL.Query().Get("starting-block"))
		assert.Equal(t, "100", r.URL.Query().Get("ending-block"))

		switch r.URL.Query().Get("page-number") {
		case "0":
			writeJSON(w, page([]map[string]any{
				transferItem("0xT1", alice, bob, "1000"),
				{"tx_hash": "0xA1", "decoded": map[string]any{"name": "Approval", "params": []any{}}},
			}, true))
		case "1":
			writeJSON(w, page([]map[string]any{transferItem("0xT2", bob, alice, "5")}, false))
		default:
			t.Errorf("unexpected page %s", r.URL.Query().Get("page-number"))
		}
	}))
	defer srv.Close()

	batch, err := newTestClient(t, srv.URL).FetchTransferEvents(context.Background(), contract, 90, 100)
	require.NoError(t, err)

	assert.Equal(t, 2, batch.Pages)
	assert.Equal(t, 3, batch.Raw)
	assert.Equal(t, 0, batch.Skipped)
	require.Len(t, batch.Records, 2)
	assert.Equal(t, "0xt1", batch.Records[0].TransactionHash)
	assert.Equal(t, alice, batch.Records[0].Sender)
	assert.Equal(t, bob, batch.Records[0].Receiver)
	assert.Equal(t, int64(1000), batch.Records[0].Amount.Int64())
	assert.Equal(t, "2023-05-01T10:00:00Z", batch.Records[0].BlockSignedAt)
}

func TestFetchTransferEventsSkipsMalformed(t *testing.T) {
	twoParams := transferItem("0xT3", alice, bob, "1")
	twoParams["decoded"].(map[string]any)["params"] = []map[string]any{
		{"name": "from", "value": alice},
		{"name": "to", "value": bob},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, page([]map[string]any{
			transferItem("0xT1", alice, bob, "1000"),
			twoParams,
			transferItem("0xT4", "garbage", bob, "1"),
			transferItem("0xT5", alice, bob, "-4"),
			transferItem("0xT6", alice, bob, "1.5"),
			{"tx_hash": "0xT7", "decoded": nil},
			transferItem("", alice, bob, "1"),
		}, false))
	}))
	defer srv.Close()

	batch, err := newTestClient(t, srv.URL).FetchTransferEvents(context.Background(), contract, 1, 2)
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, "0xt1", batch.Records[0].TransactionHash)
	assert.Equal(t, 6, batch.Skipped)
}

func TestFetchTransferEventsUpstreamErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		kind    error
	}{
		{
			name: "error envelope",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, map[string]any{"data": nil, "error": true, "error_message": "bad key", "error_code": 401})
			},
			kind: ledger.ErrUpstream,
		},
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
			kind: ledger.ErrUpstream,
		},
		{
			name: "malformed page",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"data": {"items": "nope"}}`))
			},
			kind: ledger.ErrUpstream,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			kind: ledger.ErrNetwork,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := newTestClient(t, srv.URL).FetchTransferEvents(context.Background(), contract, 1, 2)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)
		})
	}
}

func TestFetchTransferEventsRejectsInvertedRange(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).FetchTransferEvents(context.Background(), contract, 10, 9)
	assert.ErrorIs(t, err, ledger.ErrUpstream)
	assert.Zero(t, calls.Load())
}

func TestFetchTransferEventsPageCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(r.URL.Query().Get("page-number"))
		writeJSON(w, page([]map[string]any{transferItem(fmt.Sprintf("0x%d", n), alice, bob, "1")}, true))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).FetchTransferEvents(context.Background(), contract, 1, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrUpstream)
	assert.Contains(t, err.Error(), "more than 10 pages")
}

func TestFailoverAndBreaker(t *testing.T) {
	var badCalls atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": map[string]any{"items": []map[string]any{{"height": 777}}}, "error": false})
	}))
	defer good.Close()

	c := newTestClient(t, bad.URL, good.URL)
	for i := 0; i < 4; i++ {
		h, err := c.LatestBlockHeight(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(777), h)
	}
	// Breaker opens after two consecutive failures; later calls skip the bad endpoint.
	assert.Equal(t, int32(2), badCalls.Load())
}

func TestLatestBlockHeight(t *testing.T) {
	tests := []struct {
		name    string
		body    map[string]any
		want    uint64
		wantErr error
	}{
		{
			name: "ok",
			body: map[string]any{"data": map[string]any{"items": []map[string]any{{"height": 30512345, "signed_at": "2023-08-01T00:00:00Z"}}}, "error": false},
			want: 30512345,
		},
		{
			name:    "empty",
			body:    map[string]any{"data": map[string]any{"items": []any{}}, "error": false},
			wantErr: ledger.ErrUpstream,
		},
		{
			name:    "api error",
			body:    map[string]any{"error": true, "error_message": "chain not supported"},
			wantErr: ledger.ErrUpstream,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/56/block_v2/latest/", r.URL.Path)
				writeJSON(w, tt.body)
			}))
			defer srv.Close()

			h, err := newTestClient(t, srv.URL).CurrentBlockHeight(context.Background())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, h)
		})
	}
}

func TestParamString(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: `"123"`, want: "123"},
		{raw: `456`, want: "456"},
		{raw: `null`, wantErr: true},
		{raw: ``, wantErr: true},
		{raw: `{}`, wantErr: true},
	}
	for _, tt := range tests {
		got, err := Param{Name: "value", Value: json.RawMessage(tt.raw)}.String()
		if tt.wantErr {
			assert.Error(t, err, tt.raw)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
