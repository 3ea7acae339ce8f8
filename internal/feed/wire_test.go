package feed

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/marketflow/pkg/types"
)

func TestParseDepthFrame(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@depth@100ms","data":{` +
		`"e":"depthUpdate","E":1700000000123,"s":"BTCUSDT",` +
		`"U":1001,"u":1003,"pu":1000,` +
		`"b":[["100.50","1.5"],["100.40","0"]],` +
		`"a":[["100.60","2"]]}}`)

	ev := parseFrame(raw, 1700000000200)
	if ev == nil || ev.Type != types.EventDepth {
		t.Fatalf("expected depth event, got %+v", ev)
	}
	d := ev.Depth
	if d.FirstUpdateID != 1001 || d.FinalUpdateID != 1003 || d.PrevFinalUpdateID != 1000 {
		t.Errorf("unexpected sequence window: %+v", d)
	}
	if len(d.Bids) != 2 || len(d.Asks) != 1 {
		t.Fatalf("unexpected level counts: %d bids %d asks", len(d.Bids), len(d.Asks))
	}
	if !d.Bids[0].Price.Equal(decimal.RequireFromString("100.50")) {
		t.Errorf("unexpected bid price: %v", d.Bids[0].Price)
	}
	if !d.Bids[1].Quantity.IsZero() {
		t.Errorf("expected zero-qty delete level, got %v", d.Bids[1].Quantity)
	}
	if d.EventTimeMs != 1700000000123 || d.ReceiptTimeMs != 1700000000200 {
		t.Errorf("unexpected timestamps: %+v", d)
	}
}

func TestParseTradeAggressorSide(t *testing.T) {
	// m=true: the buyer is the maker, so the aggressor sold.
	raw := []byte(`{"e":"aggTrade","E":1700000000123,"s":"BTCUSDT",` +
		`"p":"100.5","q":"0.25","T":1700000000100,"m":true}`)
	ev := parseFrame(raw, 1700000000200)
	if ev == nil || ev.Type != types.EventTrade {
		t.Fatalf("expected trade event, got %+v", ev)
	}
	if ev.Trade.Side != types.SideSell {
		t.Errorf("expected SELL aggressor, got %s", ev.Trade.Side)
	}
	if ev.Trade.EventTimeMs != 1700000000100 {
		t.Errorf("expected trade time, got %d", ev.Trade.EventTimeMs)
	}

	raw = []byte(`{"e":"trade","E":1700000000123,"s":"BTCUSDT",` +
		`"p":"100.5","q":"0.25","T":1700000000100,"m":false}`)
	ev = parseFrame(raw, 1700000000200)
	if ev.Trade.Side != types.SideBuy {
		t.Errorf("expected BUY aggressor, got %s", ev.Trade.Side)
	}
}

func TestParseNonMarketFramesIgnored(t *testing.T) {
	if ev := parseFrame([]byte(`{"result":null,"id":1}`), 0); ev != nil {
		t.Errorf("subscription ack should be ignored, got %+v", ev)
	}
	if ev := parseFrame([]byte(`not json`), 0); ev != nil {
		t.Errorf("garbage should be ignored, got %+v", ev)
	}
}

func TestParseMarkPriceFrame(t *testing.T) {
	raw := []byte(`{"e":"markPriceUpdate","E":1700000000123,"s":"BTCUSDT",` +
		`"p":"100.1","i":"100.0","r":"0.0001","T":1700028800000}`)
	ev := parseFrame(raw, 1700000000200)
	if ev == nil || ev.Type != types.EventMarkPrice {
		t.Fatalf("expected mark price event, got %+v", ev)
	}
	if !ev.MarkPrice.FundingRate.Equal(decimal.RequireFromString("0.0001")) {
		t.Errorf("unexpected funding rate: %v", ev.MarkPrice.FundingRate)
	}
}
