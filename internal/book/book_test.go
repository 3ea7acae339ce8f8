// Package book_test provides tests for order book reconciliation.
package book_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/marketflow/internal/book"
	"github.com/atlas-desktop/marketflow/pkg/types"
)

func level(price, qty string) types.PriceLevel {
	return types.PriceLevel{
		Price:    decimal.RequireFromString(price),
		Quantity: decimal.RequireFromString(qty),
	}
}

func TestColdStartSnapshotAndDiffs(t *testing.T) {
	b := book.New(zap.NewNop(), "BTCUSDT", 0)

	// Diffs arrive before the snapshot and are buffered.
	r1 := b.ApplyDepthUpdate(&types.DepthDiff{
		Symbol:        "BTCUSDT",
		FirstUpdateID: 1001,
		FinalUpdateID: 1001,
		Bids:          []types.PriceLevel{level("100", "0")},
	})
	if !r1.Buffered {
		t.Fatalf("expected pre-snapshot diff to buffer, got %+v", r1)
	}
	r2 := b.ApplyDepthUpdate(&types.DepthDiff{
		Symbol:        "BTCUSDT",
		FirstUpdateID: 1002,
		FinalUpdateID: 1003,
		Asks:          []types.PriceLevel{level("101", "1"), level("102", "0.5")},
	})
	if !r2.Buffered {
		t.Fatalf("expected second diff to buffer, got %+v", r2)
	}

	res := b.ApplySnapshot(&types.DepthSnapshot{
		Symbol:       "BTCUSDT",
		LastUpdateID: 1000,
		Bids:         []types.PriceLevel{level("100", "1"), level("99", "2")},
		Asks:         []types.PriceLevel{level("101", "3")},
	})
	if !res.OK || res.GapDetected {
		t.Fatalf("snapshot replay failed: %+v", res)
	}
	if res.AppliedCount != 2 {
		t.Errorf("expected 2 buffered diffs applied, got %d", res.AppliedCount)
	}

	if b.State() != book.StateLive {
		t.Errorf("expected LIVE, got %s", b.State())
	}
	if b.LastUpdateID() != 1003 {
		t.Errorf("expected lastUpdateId 1003, got %d", b.LastUpdateID())
	}

	bestBid, ok := b.BestBid()
	if !ok || !bestBid.Price.Equal(decimal.RequireFromString("99")) {
		t.Errorf("expected best bid 99, got %v", bestBid.Price)
	}
	bestAsk, ok := b.BestAsk()
	if !ok || !bestAsk.Price.Equal(decimal.RequireFromString("101")) {
		t.Errorf("expected best ask 101, got %v", bestAsk.Price)
	}

	bids := b.TopBids(10)
	if len(bids) != 1 || !bids[0].Quantity.Equal(decimal.RequireFromString("2")) {
		t.Errorf("unexpected bids: %+v", bids)
	}
	asks := b.TopAsks(10)
	if len(asks) != 2 {
		t.Fatalf("expected 2 ask levels, got %d", len(asks))
	}
	if !asks[0].Price.Equal(decimal.RequireFromString("101")) || !asks[0].Quantity.Equal(decimal.RequireFromString("1")) {
		t.Errorf("unexpected first ask: %+v", asks[0])
	}
	if !asks[1].Cumulative.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("expected cumulative 1.5, got %v", asks[1].Cumulative)
	}
	if b.Crossed() {
		t.Error("book should not be crossed")
	}
}

func TestGapDetection(t *testing.T) {
	b := book.New(zap.NewNop(), "BTCUSDT", 0)

	res := b.ApplySnapshot(&types.DepthSnapshot{
		Symbol:       "BTCUSDT",
		LastUpdateID: 2000,
		Bids:         []types.PriceLevel{level("100", "1")},
		Asks:         []types.PriceLevel{level("101", "1")},
	})
	if !res.OK {
		t.Fatalf("snapshot failed: %+v", res)
	}

	r := b.ApplyDepthUpdate(&types.DepthDiff{
		Symbol:        "BTCUSDT",
		FirstUpdateID: 2005,
		FinalUpdateID: 2006,
		Bids:          []types.PriceLevel{level("100", "2")},
	})
	if !r.GapDetected {
		t.Fatalf("expected gap, got %+v", r)
	}
	if b.State() != book.StateResyncing {
		t.Errorf("expected RESYNCING, got %s", b.State())
	}
	if got := b.GetStats().Desyncs; got != 1 {
		t.Errorf("expected 1 desync, got %d", got)
	}

	// The gapped diff must not have been applied.
	bid, _ := b.BestBid()
	if !bid.Quantity.Equal(decimal.RequireFromString("1")) {
		t.Errorf("gapped diff was applied: %+v", bid)
	}
}

func TestLateDiffIdempotence(t *testing.T) {
	b := book.New(zap.NewNop(), "ETHUSDT", 0)
	b.ApplySnapshot(&types.DepthSnapshot{
		Symbol:       "ETHUSDT",
		LastUpdateID: 500,
		Bids:         []types.PriceLevel{level("10", "1")},
		Asks:         []types.PriceLevel{level("11", "1")},
	})

	for i := 0; i < 3; i++ {
		r := b.ApplyDepthUpdate(&types.DepthDiff{
			Symbol:        "ETHUSDT",
			FirstUpdateID: 499,
			FinalUpdateID: 500,
			Bids:          []types.PriceLevel{level("10", "99")},
		})
		if !r.Dropped {
			t.Fatalf("late diff should drop, got %+v", r)
		}
	}
	bid, _ := b.BestBid()
	if !bid.Quantity.Equal(decimal.RequireFromString("1")) {
		t.Errorf("late diff mutated the book: %+v", bid)
	}
	if got := b.GetStats().Dropped; got != 3 {
		t.Errorf("expected 3 drops, got %d", got)
	}
}

func TestSequentialDiffsKeepPositiveQuantities(t *testing.T) {
	b := book.New(zap.NewNop(), "SOLUSDT", 0)
	b.ApplySnapshot(&types.DepthSnapshot{
		Symbol:       "SOLUSDT",
		LastUpdateID: 10,
		Bids:         []types.PriceLevel{level("50", "5"), level("49", "3")},
		Asks:         []types.PriceLevel{level("51", "4")},
	})

	diffs := []*types.DepthDiff{
		{FirstUpdateID: 11, FinalUpdateID: 12, Bids: []types.PriceLevel{level("50", "0")}},
		{FirstUpdateID: 13, FinalUpdateID: 13, Asks: []types.PriceLevel{level("52", "2")}},
		{FirstUpdateID: 14, FinalUpdateID: 16, Bids: []types.PriceLevel{level("48", "7")}},
	}
	for _, d := range diffs {
		r := b.ApplyDepthUpdate(d)
		if !r.Applied {
			t.Fatalf("diff (%d,%d) not applied: %+v", d.FirstUpdateID, d.FinalUpdateID, r)
		}
	}
	if b.LastUpdateID() != 16 {
		t.Errorf("expected lastUpdateId 16, got %d", b.LastUpdateID())
	}
	for _, lvl := range b.TopBids(10) {
		if !lvl.Quantity.IsPositive() {
			t.Errorf("non-positive quantity stored at %v", lvl.Price)
		}
	}
	bid, _ := b.BestBid()
	ask, _ := b.BestAsk()
	if !bid.Price.LessThan(ask.Price) {
		t.Errorf("crossed book: bid %v ask %v", bid.Price, ask.Price)
	}
}

func TestBufferOverflowForcesResync(t *testing.T) {
	b := book.New(zap.NewNop(), "BTCUSDT", 5)

	var last book.DepthApplyResult
	for i := 0; i < 6; i++ {
		last = b.ApplyDepthUpdate(&types.DepthDiff{
			FirstUpdateID: uint64(100 + i),
			FinalUpdateID: uint64(100 + i),
		})
	}
	if !last.GapDetected {
		t.Fatalf("expected overflow to signal resync, got %+v", last)
	}
	if b.State() != book.StateResyncing {
		t.Errorf("expected RESYNCING, got %s", b.State())
	}
	if got := b.GetStats().Overflows; got != 1 {
		t.Errorf("expected 1 overflow, got %d", got)
	}
}

func TestSnapshotDropsStaleBufferedDiffs(t *testing.T) {
	b := book.New(zap.NewNop(), "BTCUSDT", 0)

	// Both diffs predate the snapshot and must be dropped.
	b.ApplyDepthUpdate(&types.DepthDiff{FirstUpdateID: 10, FinalUpdateID: 11})
	b.ApplyDepthUpdate(&types.DepthDiff{FirstUpdateID: 12, FinalUpdateID: 20})

	res := b.ApplySnapshot(&types.DepthSnapshot{
		LastUpdateID: 100,
		Bids:         []types.PriceLevel{level("1", "1")},
		Asks:         []types.PriceLevel{level("2", "1")},
	})
	if !res.OK || res.DroppedCount != 2 || res.AppliedCount != 0 {
		t.Fatalf("unexpected replay result: %+v", res)
	}
	if b.State() != book.StateLive {
		t.Errorf("expected LIVE, got %s", b.State())
	}
}

func TestSnapshotReplayGap(t *testing.T) {
	b := book.New(zap.NewNop(), "BTCUSDT", 0)

	// Buffered diff starts beyond L+1: gap on replay.
	b.ApplyDepthUpdate(&types.DepthDiff{FirstUpdateID: 205, FinalUpdateID: 206})
	res := b.ApplySnapshot(&types.DepthSnapshot{
		LastUpdateID: 200,
		Bids:         []types.PriceLevel{level("1", "1")},
		Asks:         []types.PriceLevel{level("2", "1")},
	})
	if res.OK || !res.GapDetected {
		t.Fatalf("expected replay gap, got %+v", res)
	}
	if b.State() != book.StateResyncing {
		t.Errorf("expected RESYNCING, got %s", b.State())
	}
}

func TestIntegrityMonitorLevels(t *testing.T) {
	cfg := book.DefaultIntegrityConfig()
	cfg.DegradedFaults = 1
	cfg.CriticalFaults = 3
	m := book.NewIntegrityMonitor(zap.NewNop(), "BTCUSDT", cfg)

	now := int64(1_000_000)
	if m.Level() != types.IntegrityOK {
		t.Fatalf("expected OK initially")
	}

	m.ObserveGap(now)
	if m.Level() != types.IntegrityDegraded {
		t.Errorf("expected DEGRADED after one gap, got %s", m.Level())
	}

	m.ObserveCrossed(now + 100)
	m.ObserveGap(now + 200)
	if m.Level() != types.IntegrityCritical {
		t.Errorf("expected CRITICAL after three faults, got %s", m.Level())
	}

	if !m.ReconnectRecommended(now + 300) {
		t.Error("expected reconnect recommendation at CRITICAL")
	}
	// Throttled immediately after.
	if m.ReconnectRecommended(now + 400) {
		t.Error("reconnect recommendation should be throttled")
	}

	// Sustained clean flow recovers.
	m.ObserveApplied(now + 200 + cfg.RecoverAfterCleanMs + 1)
	if m.Level() != types.IntegrityOK {
		t.Errorf("expected recovery to OK, got %s", m.Level())
	}
}
