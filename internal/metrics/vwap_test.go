package metrics_test

import (
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/marketflow/internal/metrics"
	"github.com/atlas-desktop/marketflow/pkg/types"
)

func utcMs(hour, min int) int64 {
	return time.Date(2025, time.March, 4, hour, min, 0, 0, time.UTC).UnixMilli()
}

func TestSessionVWAPAccumulation(t *testing.T) {
	v := metrics.NewSessionVWAP(nil)

	// Two trades inside the london session (07:00-13:00 UTC).
	v.OnTrade(trade(utcMs(8, 0), "100", "1", types.SideBuy))
	v.OnTrade(trade(utcMs(8, 30), "110", "1", types.SideSell))

	snap := v.Snapshot(utcMs(9, 0))
	if snap.Session != "london" {
		t.Errorf("expected london session, got %s", snap.Session)
	}
	if math.Abs(snap.Value-105) > 1e-9 {
		t.Errorf("expected vwap 105, got %f", snap.Value)
	}
	if snap.SessionHigh != 110 || snap.SessionLow != 100 {
		t.Errorf("unexpected range: high %f low %f", snap.SessionHigh, snap.SessionLow)
	}
	if snap.SessionRangePct <= 0 {
		t.Errorf("expected positive range pct, got %f", snap.SessionRangePct)
	}
	wantStart := time.Date(2025, time.March, 4, 7, 0, 0, 0, time.UTC).UnixMilli()
	if snap.StartMs != wantStart {
		t.Errorf("expected session start %d, got %d", wantStart, snap.StartMs)
	}
}

func TestSessionVWAPRollsOnBoundary(t *testing.T) {
	v := metrics.NewSessionVWAP(nil)
	rolled := ""
	v.OnSessionRoll(func(prev string) { rolled = prev })

	v.OnTrade(trade(utcMs(12, 59), "100", "1", types.SideBuy))
	if v.Value() != 100 {
		t.Fatalf("expected vwap 100, got %f", v.Value())
	}

	// 13:00 UTC starts the ny session: accumulators reset.
	v.OnTrade(trade(utcMs(13, 0), "200", "1", types.SideBuy))
	snap := v.Snapshot(utcMs(13, 1))
	if snap.Session != "ny" {
		t.Errorf("expected ny session, got %s", snap.Session)
	}
	if math.Abs(snap.Value-200) > 1e-9 {
		t.Errorf("expected reset vwap 200, got %f", snap.Value)
	}
	if rolled != "london" {
		t.Errorf("expected roll callback with london, got %q", rolled)
	}
}

func TestSessionVWAPEarlyHoursBelongToPreviousDay(t *testing.T) {
	specs := []metrics.SessionSpec{
		{Name: "asia", StartHour: 1},
		{Name: "london", StartHour: 7},
	}
	v := metrics.NewSessionVWAP(specs)

	// 00:30 UTC is before the first boundary: still yesterday's london.
	ts := time.Date(2025, time.March, 4, 0, 30, 0, 0, time.UTC).UnixMilli()
	v.OnTrade(trade(ts, "100", "1", types.SideBuy))
	snap := v.Snapshot(ts + 1000)
	if snap.Session != "london" {
		t.Errorf("expected london carry-over, got %s", snap.Session)
	}
	wantStart := time.Date(2025, time.March, 3, 7, 0, 0, 0, time.UTC).UnixMilli()
	if snap.StartMs != wantStart {
		t.Errorf("expected previous-day start %d, got %d", wantStart, snap.StartMs)
	}
}
