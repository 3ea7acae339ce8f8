// Package feed maintains the exchange market-data feed: WebSocket diff/trade
// streams demultiplexed into per-symbol queues, REST snapshot reconciliation
// with backoff, a liveness watchdog, and a subscription auto-scaler.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/marketflow/internal/config"
	"github.com/atlas-desktop/marketflow/pkg/types"
)

// ErrRateLimited marks a 429/418 response; RetryAfterMs carries the header.
var ErrRateLimited = errors.New("rate limited")

// RateLimitError wraps ErrRateLimited with the server's Retry-After.
type RateLimitError struct {
	StatusCode   int
	RetryAfterMs int64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%d), retry after %dms", e.StatusCode, e.RetryAfterMs)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RestClient fetches snapshots, exchange info, and klines over REST.
type RestClient struct {
	logger *zap.Logger
	client *resty.Client

	infoTTL time.Duration
	infoMu  sync.Mutex
	info    []string
	infoAt  time.Time
}

// NewRestClient creates the client against cfg's endpoints.
func NewRestClient(logger *zap.Logger, cfg config.ExchangeConfig) *RestClient {
	client := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(time.Duration(cfg.RequestTimeoutMs) * time.Millisecond).
		SetHeader("Accept", "application/json")

	return &RestClient{
		logger:  logger.Named("rest"),
		client:  client,
		infoTTL: time.Duration(cfg.ExchangeInfoTTLMs) * time.Millisecond,
	}
}

type depthResponse struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// DepthSnapshot fetches the REST depth snapshot for symbol.
func (c *RestClient) DepthSnapshot(ctx context.Context, symbol string, limit int) (*types.DepthSnapshot, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("limit", strconv.Itoa(limit)).
		Get("/fapi/v1/depth")
	if err != nil {
		return nil, fmt.Errorf("depth snapshot %s: %w", symbol, err)
	}
	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	var body depthResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("decode depth snapshot %s: %w", symbol, err)
	}

	snap := &types.DepthSnapshot{
		Symbol:       symbol,
		LastUpdateID: body.LastUpdateID,
		FetchedAtMs:  time.Now().UnixMilli(),
	}
	snap.Bids = parseLevels(body.Bids)
	snap.Asks = parseLevels(body.Asks)
	return snap, nil
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol       string `json:"symbol"`
		Status       string `json:"status"`
		ContractType string `json:"contractType"`
	} `json:"symbols"`
}

// TradingSymbols returns the trading perpetual symbol set, cached for the
// configured TTL.
func (c *RestClient) TradingSymbols(ctx context.Context) ([]string, error) {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()

	if c.info != nil && time.Since(c.infoAt) < c.infoTTL {
		return c.info, nil
	}

	resp, err := c.client.R().SetContext(ctx).Get("/fapi/v1/exchangeInfo")
	if err != nil {
		return nil, fmt.Errorf("exchange info: %w", err)
	}
	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	var body exchangeInfoResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("decode exchange info: %w", err)
	}

	symbols := make([]string, 0, len(body.Symbols))
	for _, s := range body.Symbols {
		if s.Status == "TRADING" && s.ContractType == "PERPETUAL" {
			symbols = append(symbols, s.Symbol)
		}
	}
	c.info = symbols
	c.infoAt = time.Now()
	return symbols, nil
}

// Klines fetches up to limit bars of interval for symbol, oldest first.
func (c *RestClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("interval", interval).
		SetQueryParam("limit", strconv.Itoa(limit)).
		Get("/fapi/v1/klines")
	if err != nil {
		return nil, fmt.Errorf("klines %s %s: %w", symbol, interval, err)
	}
	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return nil, fmt.Errorf("decode klines %s: %w", symbol, err)
	}

	klines := make([]types.Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		var openTime, closeTime int64
		var o, h, l, cl, v string
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			continue
		}
		if err := json.Unmarshal(row[6], &closeTime); err != nil {
			continue
		}
		if json.Unmarshal(row[1], &o) != nil ||
			json.Unmarshal(row[2], &h) != nil ||
			json.Unmarshal(row[3], &l) != nil ||
			json.Unmarshal(row[4], &cl) != nil ||
			json.Unmarshal(row[5], &v) != nil {
			continue
		}
		klines = append(klines, types.Kline{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  openTime,
			CloseTime: closeTime,
			Open:      mustDecimal(o),
			High:      mustDecimal(h),
			Low:       mustDecimal(l),
			Close:     mustDecimal(cl),
			Volume:    mustDecimal(v),
			Closed:    closeTime < time.Now().UnixMilli(),
		})
	}
	return klines, nil
}

// OpenInterest fetches the current open interest for symbol.
func (c *RestClient) OpenInterest(ctx context.Context, symbol string) (*types.OpenInterestUpdate, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		Get("/fapi/v1/openInterest")
	if err != nil {
		return nil, fmt.Errorf("open interest %s: %w", symbol, err)
	}
	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	var body struct {
		OpenInterest string `json:"openInterest"`
		Time         int64  `json:"time"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("decode open interest %s: %w", symbol, err)
	}
	return &types.OpenInterestUpdate{
		Symbol:       symbol,
		OpenInterest: mustDecimal(body.OpenInterest),
		EventTimeMs:  body.Time,
	}, nil
}

func (c *RestClient) checkStatus(resp *resty.Response) error {
	code := resp.StatusCode()
	switch {
	case code == 200:
		return nil
	case code == 429 || code == 418:
		retryMs := int64(60_000)
		if h := resp.Header().Get("Retry-After"); h != "" {
			if secs, err := strconv.ParseInt(h, 10, 64); err == nil {
				retryMs = secs * 1000
			}
		}
		return &RateLimitError{StatusCode: code, RetryAfterMs: retryMs}
	default:
		return fmt.Errorf("http %d: %s", code, resp.Status())
	}
}

func parseLevels(raw [][]string) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(raw))
	for _, row := range raw {
		if len(row) < 2 {
			continue
		}
		levels = append(levels, types.PriceLevel{
			Price:    mustDecimal(row[0]),
			Quantity: mustDecimal(row[1]),
		})
	}
	return levels
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
