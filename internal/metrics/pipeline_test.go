package metrics_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/marketflow/internal/book"
	"github.com/atlas-desktop/marketflow/internal/metrics"
	"github.com/atlas-desktop/marketflow/pkg/types"
)

func newPipeline(t *testing.T) *metrics.Pipeline {
	t.Helper()
	logger := zap.NewNop()
	ob := book.New(logger, "BTCUSDT", 0)
	im := book.NewIntegrityMonitor(logger, "BTCUSDT", book.DefaultIntegrityConfig())
	return metrics.NewPipeline(logger, "BTCUSDT", ob, im, metrics.DefaultPipelineConfig())
}

func TestPipelineColdStart(t *testing.T) {
	p := newPipeline(t)
	t0 := int64(1_700_000_000_000)

	err := p.Handle(types.Event{
		Type:   types.EventSnapshot,
		Symbol: "BTCUSDT",
		Snapshot: &types.DepthSnapshot{
			Symbol:       "BTCUSDT",
			LastUpdateID: 1000,
			Bids:         []types.PriceLevel{lvl("100", "1"), lvl("99", "2")},
			Asks:         []types.PriceLevel{lvl("101", "3")},
			FetchedAtMs:  t0,
		},
	})
	if err != nil {
		t.Fatalf("snapshot handling failed: %v", err)
	}

	diffs := []*types.DepthDiff{
		{FirstUpdateID: 1001, FinalUpdateID: 1001, Bids: []types.PriceLevel{lvl("100", "0")},
			EventTimeMs: t0 + 100, ReceiptTimeMs: t0 + 100},
		{FirstUpdateID: 1002, FinalUpdateID: 1003,
			Asks:        []types.PriceLevel{lvl("101", "1"), lvl("102", "0.5")},
			EventTimeMs: t0 + 200, ReceiptTimeMs: t0 + 200},
	}
	for _, d := range diffs {
		if err := p.Handle(types.Event{Type: types.EventDepth, Symbol: "BTCUSDT", Depth: d}); err != nil {
			t.Fatalf("depth handling failed: %v", err)
		}
	}

	b := p.Bundle(t0 + 300)
	if b.BookState != string(book.StateLive) {
		t.Errorf("expected LIVE book, got %s", b.BookState)
	}
	if !b.BestBid.Equal(decimal.RequireFromString("99")) {
		t.Errorf("expected best bid 99, got %v", b.BestBid)
	}
	if !b.BestAsk.Equal(decimal.RequireFromString("101")) {
		t.Errorf("expected best ask 101, got %v", b.BestAsk)
	}
	if b.OBIWeighted < -1 || b.OBIWeighted > 1 {
		t.Errorf("obiWeighted out of range: %f", b.OBIWeighted)
	}
	if b.Integrity != "OK" {
		t.Errorf("expected OK integrity, got %s", b.Integrity)
	}
	if p.Book().LastUpdateID() != 1003 {
		t.Errorf("expected lastUpdateId 1003, got %d", p.Book().LastUpdateID())
	}
}

func TestPipelineGapRequestsResync(t *testing.T) {
	p := newPipeline(t)
	t0 := int64(1_700_000_000_000)

	var resyncReason string
	p.ResyncRequested = func(symbol, reason string) { resyncReason = reason }

	p.Handle(types.Event{
		Type: types.EventSnapshot,
		Snapshot: &types.DepthSnapshot{
			LastUpdateID: 2000,
			Bids:         []types.PriceLevel{lvl("100", "1")},
			Asks:         []types.PriceLevel{lvl("101", "1")},
			FetchedAtMs:  t0,
		},
	})
	p.Handle(types.Event{
		Type: types.EventDepth,
		Depth: &types.DepthDiff{
			FirstUpdateID: 2005, FinalUpdateID: 2006,
			EventTimeMs: t0 + 100, ReceiptTimeMs: t0 + 100,
		},
	})

	if resyncReason != "sequence_gap" {
		t.Errorf("expected sequence_gap resync, got %q", resyncReason)
	}
	if p.Book().State() != book.StateResyncing {
		t.Errorf("expected RESYNCING, got %s", p.Book().State())
	}
	if p.Bundle(t0+200).Integrity == "OK" {
		t.Error("integrity should degrade on a gap")
	}
}

func TestPipelineDropsInvalidTrades(t *testing.T) {
	p := newPipeline(t)
	t0 := int64(1_700_000_000_000)

	bad := []*types.TradePrint{
		{Price: decimal.Zero, Quantity: decimal.NewFromInt(1), Side: types.SideBuy, EventTimeMs: t0, ReceiptTimeMs: t0},
		{Price: decimal.NewFromInt(100), Quantity: decimal.Zero, Side: types.SideSell, EventTimeMs: t0, ReceiptTimeMs: t0},
		{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1), Side: types.SideBuy,
			EventTimeMs: t0 - 10*60_000, ReceiptTimeMs: t0},
	}
	for _, tr := range bad {
		if err := p.Handle(types.Event{Type: types.EventTrade, Trade: tr}); err != nil {
			t.Fatalf("invalid trade should not error: %v", err)
		}
	}
	if got := p.InvalidDrops(); got != 3 {
		t.Errorf("expected 3 invalid drops, got %d", got)
	}
}

func TestPipelineATRSourceSwitch(t *testing.T) {
	p := newPipeline(t)
	t0 := int64(1_700_000_000_000)
	base := t0 - t0%(3*60_000)

	// Backfilled 1m bars prime the backfill ATR (needs a completed 3m bar).
	for i := int64(0); i < 7; i++ {
		p.Handle(types.Event{Type: types.EventKline, Kline: &types.Kline{
			Symbol: "BTCUSDT", Interval: "1m",
			OpenTime: base + i*60_000, CloseTime: base + i*60_000 + 59_999,
			Open: decimal.NewFromInt(100), High: decimal.NewFromInt(101),
			Low: decimal.NewFromInt(99), Close: decimal.NewFromInt(100),
			Volume: decimal.NewFromInt(1), Closed: true,
		}})
	}

	b := p.Bundle(base + 8*60_000)
	if b.ATRSource != metrics.ATRSourceBackfill {
		t.Fatalf("expected BACKFILL_ATR before warm-up, got %s", b.ATRSource)
	}
	if b.ATR3m <= 0 {
		t.Errorf("expected positive backfill ATR, got %f", b.ATR3m)
	}

	// Enough prints warm the micro EWMA; the source switches and stays.
	px := 100.0
	for i := 0; i < 40; i++ {
		price := decimal.NewFromFloat(px + float64(i%7)*0.1 + 0.1)
		p.Handle(types.Event{Type: types.EventTrade, Trade: &types.TradePrint{
			Symbol: "BTCUSDT", Price: price, Quantity: decimal.NewFromInt(1),
			Side: types.SideBuy, EventTimeMs: base + 8*60_000 + int64(i)*100,
			ReceiptTimeMs: base + 8*60_000 + int64(i)*100,
		}})
	}
	b = p.Bundle(base + 9*60_000)
	if b.ATRSource != metrics.ATRSourceMicro {
		t.Errorf("expected MICRO_ATR after warm-up, got %s", b.ATRSource)
	}
}

func lvl(price, qty string) types.PriceLevel {
	return types.PriceLevel{
		Price:    decimal.RequireFromString(price),
		Quantity: decimal.RequireFromString(qty),
	}
}
