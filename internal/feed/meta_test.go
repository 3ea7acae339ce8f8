// Package feed_test provides tests for the feed controller's pure components.
package feed_test

import (
	"testing"

	"go.uber.org/zap"

	"github.com/atlas-desktop/marketflow/internal/config"
	"github.com/atlas-desktop/marketflow/internal/feed"
)

func TestSnapshotThrottle(t *testing.T) {
	m := feed.NewSymbolMeta("BTCUSDT")
	now := int64(1_000_000)
	const minInterval = 5000

	if !m.SnapshotAllowed(now, minInterval) {
		t.Fatal("first attempt should be allowed")
	}
	m.RecordSnapshotAttempt(now)

	// Within the min interval: a second attempt is a no-op plus a skip count.
	if m.SnapshotAllowed(now+1000, minInterval) {
		t.Error("attempt inside min interval must be throttled")
	}
	m.RecordSnapshotSkip()
	if m.Status().SnapshotSkips != 1 {
		t.Errorf("expected 1 skip, got %d", m.Status().SnapshotSkips)
	}

	if !m.SnapshotAllowed(now+minInterval, minInterval) {
		t.Error("attempt after min interval should be allowed")
	}
}

func TestBackoffDoublingAndCap(t *testing.T) {
	m := feed.NewSymbolMeta("BTCUSDT")
	const maxBackoff = 8000

	m.RecordSnapshotError(maxBackoff)
	if m.Status().BackoffMs != 1000 {
		t.Errorf("expected 1000ms backoff, got %d", m.Status().BackoffMs)
	}
	m.RecordSnapshotError(maxBackoff)
	m.RecordSnapshotError(maxBackoff)
	if m.Status().BackoffMs != 4000 {
		t.Errorf("expected 4000ms backoff, got %d", m.Status().BackoffMs)
	}
	m.RecordSnapshotError(maxBackoff)
	m.RecordSnapshotError(maxBackoff)
	if m.Status().BackoffMs != maxBackoff {
		t.Errorf("expected cap %d, got %d", maxBackoff, m.Status().BackoffMs)
	}

	// Backoff stretches the snapshot throttle beyond the min interval.
	now := int64(1_000_000)
	m.RecordSnapshotAttempt(now)
	if m.SnapshotAllowed(now+5000, 1000) {
		t.Error("backoff should dominate the min interval")
	}
	if !m.SnapshotAllowed(now+maxBackoff, 1000) {
		t.Error("attempt after backoff should be allowed")
	}

	// Success clears backoff.
	m.RecordSnapshotOK(now + maxBackoff)
	if m.Status().BackoffMs != 0 {
		t.Errorf("expected cleared backoff, got %d", m.Status().BackoffMs)
	}
}

func TestLivenessRing(t *testing.T) {
	m := feed.NewSymbolMeta("BTCUSDT")
	if m.LiveUptimePct() != 0 {
		t.Error("no samples should read 0")
	}
	for i := 0; i < 30; i++ {
		m.RecordLiveSample(true)
	}
	for i := 0; i < 10; i++ {
		m.RecordLiveSample(false)
	}
	got := m.LiveUptimePct()
	if got < 0.74 || got > 0.76 {
		t.Errorf("expected 0.75 uptime, got %f", got)
	}
}

func TestAutoScalerForcesDownAndGrowsSlowly(t *testing.T) {
	cfg := config.AutoScaleConfig{
		MinSymbols:  5,
		MaxSymbols:  10,
		LiveDownPct: 0.80,
		LiveUpPct:   0.95,
		HoldMs:      60_000,
	}
	a := feed.NewAutoScaler(zap.NewNop(), cfg)
	now := int64(1_000_000)

	if a.Limit() != 5 {
		t.Fatalf("expected initial limit 5, got %d", a.Limit())
	}

	// Healthy fleet at its limit: one increment after the hold period.
	a.Observe(now, 0.99, 5)
	if a.Limit() != 5 {
		t.Error("limit must not grow before hold elapses")
	}
	limit := a.Observe(now+cfg.HoldMs, 0.99, 5)
	if limit != 6 {
		t.Errorf("expected limit 6 after hold, got %d", limit)
	}

	// Growth requires a fresh hold period.
	if got := a.Observe(now+cfg.HoldMs+1000, 0.99, 6); got != 6 {
		t.Errorf("expected limit to hold at 6, got %d", got)
	}

	// Degradation slams straight back to the minimum.
	if got := a.Observe(now+cfg.HoldMs+2000, 0.50, 6); got != 5 {
		t.Errorf("expected forced reduction to 5, got %d", got)
	}
}

func TestAutoScalerNeutralBandResetsHold(t *testing.T) {
	cfg := config.AutoScaleConfig{
		MinSymbols:  5,
		MaxSymbols:  10,
		LiveDownPct: 0.80,
		LiveUpPct:   0.95,
		HoldMs:      60_000,
	}
	a := feed.NewAutoScaler(zap.NewNop(), cfg)
	now := int64(1_000_000)

	a.Observe(now, 0.99, 5)
	// A dip into the neutral band resets the healthy streak.
	a.Observe(now+30_000, 0.90, 5)
	if got := a.Observe(now+cfg.HoldMs, 0.99, 5); got != 5 {
		t.Errorf("hold should have reset, got limit %d", got)
	}
}
