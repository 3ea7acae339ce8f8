package metrics_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/marketflow/internal/metrics"
	"github.com/atlas-desktop/marketflow/pkg/types"
)

func kline1m(openTime int64, high, low, closePx string) *types.Kline {
	return &types.Kline{
		Symbol:    "BTCUSDT",
		Interval:  "1m",
		OpenTime:  openTime,
		CloseTime: openTime + 59_999,
		Open:      decimal.RequireFromString(closePx),
		High:      decimal.RequireFromString(high),
		Low:       decimal.RequireFromString(low),
		Close:     decimal.RequireFromString(closePx),
		Volume:    decimal.NewFromInt(1),
		Closed:    true,
	}
}

func TestHTFStructureBreak(t *testing.T) {
	h := metrics.NewHTFStructure()
	base := int64(1_700_000_000_000)
	base -= base % (15 * 60_000) // align to a 15m boundary

	highs := []string{"10", "11", "15", "12", "11", "10", "10", "20"}
	lows := []string{"9", "10", "14", "11", "10", "9", "9", "19"}

	// Eight full 15m blocks plus one bar to complete the last block.
	for block := 0; block < len(highs); block++ {
		for i := 0; i < 15; i++ {
			ts := base + int64(block)*15*60_000 + int64(i)*60_000
			h.OnKline(kline1m(ts, highs[block], lows[block], highs[block]))
		}
	}
	h.OnKline(kline1m(base+int64(len(highs))*15*60_000, "20", "19", "20"))

	if got := h.BarsLoaded1m(); got != len(highs)*15+1 {
		t.Errorf("expected %d bars loaded, got %d", len(highs)*15+1, got)
	}

	snap := h.Snapshot()
	if snap.M15.BarsCompleted != len(highs) {
		t.Fatalf("expected %d completed m15 bars, got %d", len(highs), snap.M15.BarsCompleted)
	}
	if snap.M15.SwingHigh != 15 {
		t.Errorf("expected swing high 15, got %f", snap.M15.SwingHigh)
	}
	if !snap.M15.BrokeHigh {
		t.Error("expected structure break above swing high 15 (close 20)")
	}
	if snap.M15.BrokeLow {
		t.Error("did not expect a low break")
	}

	// H1/H4 have far fewer completed bars and no confirmed swings yet.
	if snap.H1.SwingHigh != 0 {
		t.Errorf("h1 swing should be unset, got %f", snap.H1.SwingHigh)
	}
}

func TestHTFIgnoresOpenAndForeignBars(t *testing.T) {
	h := metrics.NewHTFStructure()
	open := &types.Kline{Symbol: "BTCUSDT", Interval: "1m", OpenTime: 0, Closed: false}
	foreign := &types.Kline{Symbol: "BTCUSDT", Interval: "5m", OpenTime: 0, Closed: true}
	h.OnKline(open)
	h.OnKline(foreign)
	if h.BarsLoaded1m() != 0 {
		t.Errorf("expected 0 bars loaded, got %d", h.BarsLoaded1m())
	}
}
