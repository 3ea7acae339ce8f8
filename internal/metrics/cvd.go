package metrics

import (
	"github.com/atlas-desktop/marketflow/internal/window"
	"github.com/atlas-desktop/marketflow/pkg/types"
)

// CVD state classification thresholds on the absolute per-snapshot delta.
const (
	cvdHighVolThreshold = 250_000
	cvdExtremeThreshold = 1_000_000
)

// CVDSnapshot is the per-timeframe cumulative volume delta reading.
type CVDSnapshot struct {
	Timeframe  string  `json:"timeframe"`
	CVD        float64 `json:"cvd"`
	Delta      float64 `json:"delta"`
	State      string  `json:"state"` // "Normal", "High Vol", "Extreme"
	TradeCount int     `json:"tradeCount"`
	WarmupPct  float64 `json:"warmupPct"`
}

type cvdTimeframe struct {
	name      string
	horizonMs int64
	sum       *window.Sum
	prevCVD   float64
	warmStart int64
}

// CVDTracker maintains signed traded volume over multiple rolling timeframes.
// Buy-aggressor quantity counts positive, sell-aggressor negative.
type CVDTracker struct {
	frames []*cvdTimeframe
}

// NewCVDTracker creates a tracker over the standard timeframes.
func NewCVDTracker() *CVDTracker {
	mk := func(name string, horizonMs int64) *cvdTimeframe {
		return &cvdTimeframe{name: name, horizonMs: horizonMs, sum: window.NewSum(horizonMs)}
	}
	return &CVDTracker{
		frames: []*cvdTimeframe{
			mk("1m", 60_000),
			mk("5m", 5*60_000),
			mk("15m", 15*60_000),
			mk("1h", 60*60_000),
		},
	}
}

// OnTrade folds one trade print into every timeframe.
func (c *CVDTracker) OnTrade(t *types.TradePrint) {
	qty := t.Quantity.InexactFloat64()
	if t.Side == types.SideSell {
		qty = -qty
	}
	for _, f := range c.frames {
		if f.warmStart == 0 {
			f.warmStart = t.EventTimeMs
		}
		f.sum.Add(t.EventTimeMs, qty)
	}
}

// Snapshot reads every timeframe as of nowMs. Delta is the change since the
// previous snapshot of the same timeframe.
func (c *CVDTracker) Snapshot(nowMs int64) map[string]CVDSnapshot {
	out := make(map[string]CVDSnapshot, len(c.frames))
	for _, f := range c.frames {
		cvd := f.sum.Value(nowMs)
		delta := cvd - f.prevCVD
		f.prevCVD = cvd

		warm := 1.0
		if f.warmStart > 0 {
			elapsed := nowMs - f.warmStart
			if elapsed < f.horizonMs {
				warm = float64(elapsed) / float64(f.horizonMs)
			}
		} else {
			warm = 0
		}

		out[f.name] = CVDSnapshot{
			Timeframe:  f.name,
			CVD:        cvd,
			Delta:      delta,
			State:      classifyCVD(delta),
			TradeCount: f.sum.Count(nowMs),
			WarmupPct:  warm,
		}
	}
	return out
}

// Value returns the rolling CVD for one timeframe name, 0 if unknown.
func (c *CVDTracker) Value(name string, nowMs int64) float64 {
	for _, f := range c.frames {
		if f.name == name {
			return f.sum.Value(nowMs)
		}
	}
	return 0
}

func classifyCVD(delta float64) string {
	abs := delta
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= cvdExtremeThreshold:
		return "Extreme"
	case abs >= cvdHighVolThreshold:
		return "High Vol"
	default:
		return "Normal"
	}
}
