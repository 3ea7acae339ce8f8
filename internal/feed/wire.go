package feed

import (
	"encoding/json"
	"time"

	"github.com/atlas-desktop/marketflow/pkg/types"
)

// combinedFrame is the envelope of a combined-stream message.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type wireDepthUpdate struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	TransactTime  int64      `json:"T"`
	Symbol        string     `json:"s"`
	FirstUpdateID uint64     `json:"U"`
	FinalUpdateID uint64     `json:"u"`
	PrevFinalID   uint64     `json:"pu"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

type wireTrade struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type wireMarkPrice struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	IndexPrice      string `json:"i"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

type wireKlineEnvelope struct {
	EventType string    `json:"e"`
	EventTime int64     `json:"E"`
	Symbol    string    `json:"s"`
	Kline     wireKline `json:"k"`
}

type wireKline struct {
	OpenTime  int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Symbol    string `json:"s"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	Close     string `json:"c"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
	Closed    bool   `json:"x"`
}

// eventTypeOf peeks at the "e" discriminator without a full decode. The "E"
// (event time) key is given its own field so encoding/json's case-insensitive
// key matching cannot fold it onto "e".
func eventTypeOf(data []byte) string {
	var probe struct {
		EventType string          `json:"e"`
		EventTime json.RawMessage `json:"E"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.EventType
}

// parseFrame decodes one WebSocket frame into a sequenced event, unwrapping
// the combined-stream envelope when present. Returns nil for frames that are
// not market data (subscription acks, pings).
func parseFrame(raw []byte, receiptMs int64) *types.Event {
	payload := raw
	var frame combinedFrame
	if err := json.Unmarshal(raw, &frame); err == nil && len(frame.Data) > 0 {
		payload = frame.Data
	}

	switch eventTypeOf(payload) {
	case "depthUpdate":
		var w wireDepthUpdate
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil
		}
		eventTime := w.EventTime
		if eventTime == 0 {
			eventTime = w.TransactTime
		}
		return &types.Event{
			Type:   types.EventDepth,
			Symbol: w.Symbol,
			Depth: &types.DepthDiff{
				Symbol:            w.Symbol,
				FirstUpdateID:     w.FirstUpdateID,
				FinalUpdateID:     w.FinalUpdateID,
				PrevFinalUpdateID: w.PrevFinalID,
				Bids:              parseLevels(w.Bids),
				Asks:              parseLevels(w.Asks),
				EventTimeMs:       eventTime,
				ReceiptTimeMs:     receiptMs,
			},
			EnqueuedAtMs: receiptMs,
		}
	case "trade", "aggTrade":
		var w wireTrade
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil
		}
		// Aggressor: buyer-is-maker means the seller crossed the spread.
		side := types.SideBuy
		if w.IsBuyerMaker {
			side = types.SideSell
		}
		eventTime := w.TradeTime
		if eventTime == 0 {
			eventTime = w.EventTime
		}
		return &types.Event{
			Type:   types.EventTrade,
			Symbol: w.Symbol,
			Trade: &types.TradePrint{
				Symbol:        w.Symbol,
				Price:         mustDecimal(w.Price),
				Quantity:      mustDecimal(w.Quantity),
				Side:          side,
				EventTimeMs:   eventTime,
				ReceiptTimeMs: receiptMs,
			},
			EnqueuedAtMs: receiptMs,
		}
	case "markPriceUpdate":
		var w wireMarkPrice
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil
		}
		return &types.Event{
			Type:   types.EventMarkPrice,
			Symbol: w.Symbol,
			MarkPrice: &types.MarkPriceUpdate{
				Symbol:          w.Symbol,
				MarkPrice:       mustDecimal(w.MarkPrice),
				IndexPrice:      mustDecimal(w.IndexPrice),
				FundingRate:     mustDecimal(w.FundingRate),
				NextFundingTime: w.NextFundingTime,
				EventTimeMs:     w.EventTime,
			},
			EnqueuedAtMs: receiptMs,
		}
	case "kline":
		var w wireKlineEnvelope
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil
		}
		return &types.Event{
			Type:   types.EventKline,
			Symbol: w.Symbol,
			Kline: &types.Kline{
				Symbol:    w.Symbol,
				Interval:  w.Kline.Interval,
				OpenTime:  w.Kline.OpenTime,
				CloseTime: w.Kline.CloseTime,
				Open:      mustDecimal(w.Kline.Open),
				High:      mustDecimal(w.Kline.High),
				Low:       mustDecimal(w.Kline.Low),
				Close:     mustDecimal(w.Kline.Close),
				Volume:    mustDecimal(w.Kline.Volume),
				Closed:    w.Kline.Closed,
			},
			EnqueuedAtMs: receiptMs,
		}
	}
	return nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
