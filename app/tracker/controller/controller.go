package controller

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/chain-estate/ches-tracker/pkg/ledger"
	redisclient "github.com/chain-estate/ches-tracker/pkg/redis"
	"github.com/chain-estate/ches-tracker/pkg/tracker"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Tracker is the read side of the poll loop the HTTP surface needs.
type Tracker interface {
	Contract() string
	State() tracker.State
	LastResult() *tracker.CycleResult
	Snapshot(ctx context.Context) (*ledger.State, error)
}

type Controller struct {
	Tracker         Tracker
	Redis           *redisclient.Client
	Gatherer        prometheus.Gatherer
	Ready           func() bool
	MinBucketDigits int
	Logger          *zap.Logger
}

// NewRouter returns a new router with all the routes defined in this package.
func (c *Controller) NewRouter() (*mux.Router, error) {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }).Methods("GET")
	r.HandleFunc("/readyz", c.HandleReady).Methods("GET")
	r.HandleFunc("/status", c.HandleStatus).Methods("GET")
	r.HandleFunc("/brackets", c.HandleBrackets).Methods("GET")
	r.HandleFunc("/balances/{address}", c.HandleBalance).Methods("GET")
	r.HandleFunc("/transfers", c.HandleTransfers).Methods("GET")
	r.HandleFunc("/ws", c.HandleWebSocket)

	if c.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(c.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	return r, nil
}

func (c *Controller) HandleReady(w http.ResponseWriter, _ *http.Request) {
	if c.Ready != nil && c.Ready() {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}

type statusResponse struct {
	Contract   string               `json:"contract"`
	State      tracker.State        `json:"state"`
	LastResult *tracker.CycleResult `json:"lastResult,omitempty"`
}

func (c *Controller) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Contract:   c.Tracker.Contract(),
		State:      c.Tracker.State(),
		LastResult: c.Tracker.LastResult(),
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
