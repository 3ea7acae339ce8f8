// Package types defines the wire-level and shared data types used across the
// feed, metric, and decision layers.
package types

import (
	"github.com/shopspring/decimal"
)

// Side is the direction of a trade or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PriceLevel is a single (price, quantity) pair. Quantity zero means the level
// is deleted.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// BookLevel is a displayed order book level with cumulative quantity attached.
type BookLevel struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Cumulative decimal.Decimal `json:"cumulative"`
}

// DepthDiff is one depth-diff stream message. (FirstUpdateID, FinalUpdateID)
// is the authoritative sequence window; PrevFinalUpdateID is present on
// futures streams only.
type DepthDiff struct {
	Symbol            string       `json:"symbol"`
	FirstUpdateID     uint64       `json:"firstUpdateId"`
	FinalUpdateID     uint64       `json:"finalUpdateId"`
	PrevFinalUpdateID uint64       `json:"prevFinalUpdateId,omitempty"`
	Bids              []PriceLevel `json:"bids"`
	Asks              []PriceLevel `json:"asks"`
	EventTimeMs       int64        `json:"eventTimeMs"`
	ReceiptTimeMs     int64        `json:"receiptTimeMs"`
}

// TradePrint is one trade stream message. Side is the aggressor side.
type TradePrint struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	Side          Side            `json:"side"`
	EventTimeMs   int64           `json:"eventTimeMs"`
	ReceiptTimeMs int64           `json:"receiptTimeMs"`
}

// Notional returns price*quantity.
func (t TradePrint) Notional() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// DepthSnapshot is the REST depth snapshot response after parsing.
type DepthSnapshot struct {
	Symbol       string       `json:"symbol"`
	LastUpdateID uint64       `json:"lastUpdateId"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	FetchedAtMs  int64        `json:"fetchedAtMs"`
}

// MarkPriceUpdate carries mark/index/funding data from the mark-price stream.
type MarkPriceUpdate struct {
	Symbol          string          `json:"symbol"`
	MarkPrice       decimal.Decimal `json:"markPrice"`
	IndexPrice      decimal.Decimal `json:"indexPrice"`
	FundingRate     decimal.Decimal `json:"fundingRate"`
	NextFundingTime int64           `json:"nextFundingTime"`
	EventTimeMs     int64           `json:"eventTimeMs"`
}

// OpenInterestUpdate is a point-in-time open interest reading.
type OpenInterestUpdate struct {
	Symbol       string          `json:"symbol"`
	OpenInterest decimal.Decimal `json:"openInterest"`
	EventTimeMs  int64           `json:"eventTimeMs"`
}

// Kline is a single closed or in-progress candlestick.
type Kline struct {
	Symbol    string          `json:"symbol"`
	Interval  string          `json:"interval"`
	OpenTime  int64           `json:"openTime"`
	CloseTime int64           `json:"closeTime"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Closed    bool            `json:"closed"`
}

// Event is a sequenced per-symbol feed event. Exactly one payload field is
// non-nil; the queue consumer switches on Type.
type Event struct {
	Type         EventType           `json:"type"`
	Symbol       string              `json:"symbol"`
	Depth        *DepthDiff          `json:"depth,omitempty"`
	Trade        *TradePrint         `json:"trade,omitempty"`
	Snapshot     *DepthSnapshot      `json:"snapshot,omitempty"`
	MarkPrice    *MarkPriceUpdate    `json:"markPrice,omitempty"`
	OpenInterest *OpenInterestUpdate `json:"openInterest,omitempty"`
	Kline        *Kline              `json:"kline,omitempty"`
	EnqueuedAtMs int64               `json:"enqueuedAtMs"`
}

// EventType discriminates the payload of an Event.
type EventType string

const (
	EventDepth        EventType = "depth"
	EventTrade        EventType = "trade"
	EventSnapshot     EventType = "snapshot"
	EventMarkPrice    EventType = "mark_price"
	EventOpenInterest EventType = "open_interest"
	EventKline        EventType = "kline"
)

// IntegrityLevel grades feed health for a symbol.
type IntegrityLevel int

const (
	IntegrityOK IntegrityLevel = iota
	IntegrityDegraded
	IntegrityCritical
)

func (l IntegrityLevel) String() string {
	switch l {
	case IntegrityOK:
		return "OK"
	case IntegrityDegraded:
		return "DEGRADED"
	case IntegrityCritical:
		return "CRITICAL"
	}
	return "UNKNOWN"
}
