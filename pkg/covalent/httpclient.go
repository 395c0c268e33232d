package covalent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/chain-estate/ches-tracker/pkg/ledger"
	"github.com/chain-estate/ches-tracker/pkg/utils"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultEndpoint is the public Covalent API.
const DefaultEndpoint = "https://api.covalenthq.com"

// HTTPClient issues GET requests against one or more API endpoints behind a shared token bucket
// and a circuit breaker per endpoint.
type HTTPClient struct {
	endpoints []string
	apiKey    string
	client    *http.Client
	limiter   *rate.Limiter
	breakers  map[string]*gobreaker.CircuitBreaker[[]byte]
	logger    *zap.Logger
}

// Opts is the set of options for a new HTTPClient.
type Opts struct {
	Endpoints       []string
	APIKey          string
	Timeout         time.Duration
	RPS             float64
	Burst           int
	BreakerFailures uint32
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
	Logger          *zap.Logger
}

// statusError is a non-2xx response. 4xx responses do not count against the breaker.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("http %d", e.code)
	}
	return fmt.Sprintf("http %d: %s", e.code, e.body)
}

func NewHTTPWithOpts(o Opts) *HTTPClient {
	if len(o.Endpoints) == 0 {
		o.Endpoints = []string{DefaultEndpoint}
	}
	if o.RPS <= 0 {
		o.RPS = 4
	}
	if o.Burst <= 0 {
		o.Burst = 8
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	c := &HTTPClient{
		endpoints: utils.Dedup(o.Endpoints),
		apiKey:    o.APIKey,
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(o.RPS), o.Burst),
		breakers:  make(map[string]*gobreaker.CircuitBreaker[[]byte], len(o.Endpoints)),
		logger:    o.Logger,
	}
	failures := o.BreakerFailures
	for _, ep := range c.endpoints {
		c.breakers[ep] = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:        ep,
			MaxRequests: 1,
			Timeout:     o.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			IsSuccessful: func(err error) bool {
				var se *statusError
				if errors.As(err, &se) {
					return se.code < 500
				}
				return err == nil
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Warn("covalent endpoint breaker state changed",
					zap.String("endpoint", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}
	return c
}

// getJSON fetches path from the first healthy endpoint and decodes the body into out.
// Transport failures and 5xx are network errors; other statuses and undecodable bodies are
// upstream errors.
func (c *HTTPClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	if len(c.endpoints) == 0 {
		return fmt.Errorf("no endpoints configured")
	}
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}

	var lastErr error
	for _, ep := range c.endpoints {
		cb := c.breakers[ep]
		// Skip endpoints whose breaker is OPEN.
		if cb.State() == gobreaker.StateOpen {
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return ledger.NetworkError(path, err)
		}

		body, err := cb.Execute(func() ([]byte, error) {
			return c.fetch(ctx, ep+path+"?"+q.Encode())
		})
		if err != nil {
			lastErr = classify(path, err)
			c.logger.Debug("covalent request failed",
				zap.String("endpoint", ep),
				zap.String("path", path),
				zap.Error(err))
			if ctx.Err() != nil {
				return lastErr
			}
			continue
		}

		if err := json.Unmarshal(body, out); err != nil {
			lastErr = ledger.UpstreamError(path, fmt.Errorf("decode response: %w", err))
			continue
		}
		return nil
	}

	if lastErr == nil {
		lastErr = ledger.NetworkError(path, errors.New("all endpoints unavailable"))
	}
	return lastErr
}

func (c *HTTPClient) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &statusError{code: resp.StatusCode, body: string(snippet)}
	}
	return io.ReadAll(resp.Body)
}

func classify(path string, err error) error {
	var se *statusError
	switch {
	case errors.As(err, &se) && se.code == http.StatusTooManyRequests:
		return ledger.UpstreamError(path, fmt.Errorf("rate limited: %w", err))
	case errors.As(err, &se) && se.code < 500:
		return ledger.UpstreamError(path, err)
	default:
		return ledger.NetworkError(path, err)
	}
}
