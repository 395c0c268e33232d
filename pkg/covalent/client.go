// Package covalent reads token Transfer logs and the chain head from the Covalent API.
package covalent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/chain-estate/ches-tracker/pkg/ledger"
	"go.uber.org/zap"
)

const (
	DefaultChainID  = 56
	DefaultPageSize = 1000
	DefaultMaxPages = 500
)

type Config struct {
	ChainID  int
	PageSize int
	MaxPages int
}

// Client exposes the Covalent endpoints used by the tracker.
type Client struct {
	http     *HTTPClient
	chainID  int
	pageSize int
	maxPages int
	logger   *zap.Logger
}

// Batch is the result of one fetch. Skipped counts Transfer entries that failed to decode.
type Batch struct {
	Records []ledger.TransferRecord
	Raw     int
	Skipped int
	Pages   int
}

func New(httpc *HTTPClient, cfg Config, logger *zap.Logger) *Client {
	if cfg.ChainID <= 0 {
		cfg.ChainID = DefaultChainID
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:     httpc,
		chainID:  cfg.ChainID,
		pageSize: cfg.PageSize,
		maxPages: cfg.MaxPages,
		logger:   logger,
	}
}

// LatestBlockHeight returns the newest block Covalent has indexed for the chain.
func (c *Client) LatestBlockHeight(ctx context.Context) (uint64, error) {
	path := fmt.Sprintf("/v1/%d/block_v2/latest/", c.chainID)
	var resp envelope[itemsPage[Block]]
	if err := c.http.getJSON(ctx, path, nil, &resp); err != nil {
		return 0, err
	}
	if resp.Error {
		return 0, ledger.UpstreamError(path, apiError(resp.ErrorCode, resp.ErrorMessage))
	}
	if len(resp.Data.Items) == 0 {
		return 0, ledger.UpstreamError(path, errors.New("no blocks returned"))
	}
	return resp.Data.Items[0].Height, nil
}

// CurrentBlockHeight lets the client act as the cycle's height source.
func (c *Client) CurrentBlockHeight(ctx context.Context) (uint64, error) {
	return c.LatestBlockHeight(ctx)
}

// Events returns every raw log entry emitted by contract in [from, to], walking all pages.
func (c *Client) Events(ctx context.Context, contract string, from, to uint64) ([]Event, int, error) {
	path := fmt.Sprintf("/v1/%d/events/address/%s/", c.chainID, strings.ToLower(contract))
	if from > to {
		return nil, 0, ledger.UpstreamError(path, fmt.Errorf("invalid block range [%d, %d]", from, to))
	}

	var events []Event
	for page := 0; ; page++ {
		if page >= c.maxPages {
			return nil, page, ledger.UpstreamError(path, fmt.Errorf("more than %d pages for range [%d, %d]", c.maxPages, from, to))
		}
		q := url.Values{}
		q.Set("starting-block", strconv.FormatUint(from, 10))
		q.Set("ending-block", strconv.FormatUint(to, 10))
		q.Set("page-size", strconv.Itoa(c.pageSize))
		q.Set("page-number", strconv.Itoa(page))

		var resp envelope[itemsPage[Event]]
		if err := c.http.getJSON(ctx, path, q, &resp); err != nil {
			return nil, page, err
		}
		if resp.Error {
			return nil, page, ledger.UpstreamError(path, apiError(resp.ErrorCode, resp.ErrorMessage))
		}
		events = append(events, resp.Data.Items...)

		if resp.Data.Pagination == nil || !resp.Data.Pagination.HasMore {
			return events, page + 1, nil
		}
	}
}

// FetchTransferEvents returns the decoded Transfer logs of contract in [from, to].
// Entries with another decoded name are dropped; Transfer entries that fail to decode are
// logged and counted in Batch.Skipped.
func (c *Client) FetchTransferEvents(ctx context.Context, contract string, from, to uint64) (*Batch, error) {
	events, pages, err := c.Events(ctx, contract, from, to)
	if err != nil {
		return nil, err
	}

	batch := &Batch{Raw: len(events), Pages: pages, Records: make([]ledger.TransferRecord, 0, len(events))}
	for _, ev := range events {
		if ev.Decoded != nil && !ev.IsTransfer() {
			continue
		}
		rec, err := ev.ToTransferRecord()
		if err != nil {
			batch.Skipped++
			c.logger.Warn("skipping malformed transfer entry",
				zap.String("tx_hash", ev.TxHash),
				zap.Uint64("block_height", ev.BlockHeight),
				zap.Int("log_offset", ev.LogOffset),
				zap.Error(err))
			continue
		}
		batch.Records = append(batch.Records, rec)
	}
	return batch, nil
}

func apiError(code int, msg string) error {
	if msg == "" {
		msg = "unspecified error"
	}
	if code != 0 {
		return fmt.Errorf("api error %d: %s", code, msg)
	}
	return fmt.Errorf("api error: %s", msg)
}
