package metrics

import (
	"github.com/atlas-desktop/marketflow/pkg/types"
)

// HTFSnapshot carries higher-timeframe swing structure. Structure-break flags
// change at most once per completed bar of their timeframe.
type HTFSnapshot struct {
	M15 TimeframeStructure `json:"m15"`
	H1  TimeframeStructure `json:"h1"`
	H4  TimeframeStructure `json:"h4"`
}

// TimeframeStructure is the swing state for one timeframe.
type TimeframeStructure struct {
	SwingHigh      float64 `json:"swingHigh"`
	SwingLow       float64 `json:"swingLow"`
	BrokeHigh      bool    `json:"brokeHigh"`
	BrokeLow       bool    `json:"brokeLow"`
	BarsCompleted  int     `json:"barsCompleted"`
}

type htfBar struct {
	openTime int64
	high     float64
	low      float64
	close    float64
}

type htfFrame struct {
	durationMs int64
	current    *htfBar
	bars       []htfBar
	structure  TimeframeStructure
}

// swingLookback bars on each side qualify a pivot.
const swingLookback = 2

// HTFStructure aggregates 1m closes into M15/H1/H4 bars, finds swing pivots,
// and flags structure breaks on bar completion.
type HTFStructure struct {
	m15 *htfFrame
	h1  *htfFrame
	h4  *htfFrame

	barsLoaded1m int
}

// NewHTFStructure creates the aggregator.
func NewHTFStructure() *HTFStructure {
	return &HTFStructure{
		m15: &htfFrame{durationMs: 15 * 60_000},
		h1:  &htfFrame{durationMs: 60 * 60_000},
		h4:  &htfFrame{durationMs: 4 * 60 * 60_000},
	}
}

// OnKline folds a 1m bar. Only closed bars advance structure.
func (h *HTFStructure) OnKline(k *types.Kline) {
	if k.Interval != "1m" || !k.Closed {
		return
	}
	h.barsLoaded1m++
	high := k.High.InexactFloat64()
	low := k.Low.InexactFloat64()
	closePx := k.Close.InexactFloat64()

	h.m15.fold(k.OpenTime, high, low, closePx)
	h.h1.fold(k.OpenTime, high, low, closePx)
	h.h4.fold(k.OpenTime, high, low, closePx)
}

// BarsLoaded1m returns how many closed 1m bars have been absorbed.
func (h *HTFStructure) BarsLoaded1m() int { return h.barsLoaded1m }

// Snapshot returns the current structure per timeframe.
func (h *HTFStructure) Snapshot() HTFSnapshot {
	return HTFSnapshot{
		M15: h.m15.structure,
		H1:  h.h1.structure,
		H4:  h.h4.structure,
	}
}

func (f *htfFrame) fold(openTimeMs int64, high, low, closePx float64) {
	bucket := openTimeMs - openTimeMs%f.durationMs
	if f.current == nil {
		f.current = &htfBar{openTime: bucket, high: high, low: low, close: closePx}
		return
	}
	if f.current.openTime == bucket {
		if high > f.current.high {
			f.current.high = high
		}
		if low < f.current.low {
			f.current.low = low
		}
		f.current.close = closePx
		return
	}

	// Bar completed.
	f.bars = append(f.bars, *f.current)
	if len(f.bars) > 200 {
		f.bars = f.bars[len(f.bars)-200:]
	}
	f.structure.BarsCompleted++
	f.recompute()
	f.current = &htfBar{openTime: bucket, high: high, low: low, close: closePx}
}

// recompute updates swings and break flags from the completed bars. Flags are
// evaluated once per completed bar, never intra-bar.
func (f *htfFrame) recompute() {
	n := len(f.bars)
	if n < swingLookback*2+1 {
		return
	}

	// Most recent confirmed pivots.
	for i := n - swingLookback - 1; i >= swingLookback; i-- {
		if f.isSwingHigh(i) {
			f.structure.SwingHigh = f.bars[i].high
			break
		}
	}
	for i := n - swingLookback - 1; i >= swingLookback; i-- {
		if f.isSwingLow(i) {
			f.structure.SwingLow = f.bars[i].low
			break
		}
	}

	last := f.bars[n-1]
	f.structure.BrokeHigh = f.structure.SwingHigh > 0 && last.close > f.structure.SwingHigh
	f.structure.BrokeLow = f.structure.SwingLow > 0 && last.close < f.structure.SwingLow
}

func (f *htfFrame) isSwingHigh(i int) bool {
	h := f.bars[i].high
	for j := i - swingLookback; j <= i+swingLookback; j++ {
		if j == i {
			continue
		}
		if f.bars[j].high >= h {
			return false
		}
	}
	return true
}

func (f *htfFrame) isSwingLow(i int) bool {
	l := f.bars[i].low
	for j := i - swingLookback; j <= i+swingLookback; j++ {
		if j == i {
			continue
		}
		if f.bars[j].low <= l {
			return false
		}
	}
	return true
}
