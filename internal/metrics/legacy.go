package metrics

import (
	"github.com/atlas-desktop/marketflow/internal/window"
	"github.com/atlas-desktop/marketflow/pkg/types"
)

// LegacyCalculator derives the original book-imbalance and flow metrics:
// weighted/deep OBI from top-10 vs top-50 aggregate volumes, deltaZ from a
// 60-sample one-second flow history, cvdSlope via OLS over the session-CVD
// readings (one per trade) of the trailing 60 s rather than a fixed count of
// readings, and a running session VWAP.
type LegacyCalculator struct {
	obiWeighted   float64
	obiDeep       float64
	obiDivergence float64

	// One-second signed flow buckets feeding the z-score history.
	bucketStart int64
	bucketFlow  float64
	flowStats   *window.Stats
	deltaZ      float64

	sessionCVD float64
	cvdSamples *window.Regression

	notional float64
	volume   float64
}

// NewLegacyCalculator creates the calculator with its 60 s histories.
func NewLegacyCalculator() *LegacyCalculator {
	return &LegacyCalculator{
		flowStats:  window.NewStats(60_000),
		cvdSamples: window.NewRegression(60_000),
	}
}

// OnDepth recomputes the OBI family from the current top-10 and top-50 levels.
func (l *LegacyCalculator) OnDepth(bids, asks []types.BookLevel) {
	l.obiWeighted = obi(bids, asks, 10)
	l.obiDeep = obi(bids, asks, 50)
	l.obiDivergence = l.obiWeighted - l.obiDeep
}

// OnTrade folds one print into the flow bucket, session CVD, and VWAP.
func (l *LegacyCalculator) OnTrade(t *types.TradePrint) {
	qty := t.Quantity.InexactFloat64()
	signed := qty
	if t.Side == types.SideSell {
		signed = -qty
	}

	sec := t.EventTimeMs / 1000
	if l.bucketStart == 0 {
		l.bucketStart = sec
	}
	if sec != l.bucketStart {
		// Bucket rolled: commit the completed second and z-score it.
		l.flowStats.Add(l.bucketStart*1000, l.bucketFlow)
		l.deltaZ = l.flowStats.ZScore(l.bucketStart*1000, l.bucketFlow)
		l.bucketStart = sec
		l.bucketFlow = 0
	}
	l.bucketFlow += signed

	l.sessionCVD += signed
	l.cvdSamples.Add(t.EventTimeMs, l.sessionCVD)

	px := t.Price.InexactFloat64()
	l.notional += px * qty
	l.volume += qty
}

// OBIWeighted returns the top-10 imbalance in [-1, 1].
func (l *LegacyCalculator) OBIWeighted() float64 { return l.obiWeighted }

// OBIDeep returns the top-50 imbalance in [-1, 1].
func (l *LegacyCalculator) OBIDeep() float64 { return l.obiDeep }

// OBIDivergence returns weighted minus deep, in [-2, 2].
func (l *LegacyCalculator) OBIDivergence() float64 { return l.obiDivergence }

// DeltaZ returns the z-score of the last completed one-second signed flow
// against its rolling history.
func (l *LegacyCalculator) DeltaZ() float64 { return l.deltaZ }

// CVDSlope returns the OLS slope of session CVD over the trailing window, in
// units per second.
func (l *LegacyCalculator) CVDSlope(nowMs int64) float64 {
	return l.cvdSamples.Slope(nowMs)
}

// SessionCVD returns the session-cumulative signed volume.
func (l *LegacyCalculator) SessionCVD() float64 { return l.sessionCVD }

// VWAP returns the running notional/volume VWAP, or 0 before any trade.
func (l *LegacyCalculator) VWAP() float64 {
	if l.volume == 0 {
		return 0
	}
	return l.notional / l.volume
}

// ResetSession clears the session accumulators on a session roll.
func (l *LegacyCalculator) ResetSession() {
	l.sessionCVD = 0
	l.cvdSamples.Reset()
	l.notional = 0
	l.volume = 0
}

// obi computes (bidVol-askVol)/(bidVol+askVol) over the first depth levels of
// each side; 0 when both sides are empty.
func obi(bids, asks []types.BookLevel, depth int) float64 {
	var bidVol, askVol float64
	for i, lvl := range bids {
		if i >= depth {
			break
		}
		bidVol += lvl.Quantity.InexactFloat64()
	}
	for i, lvl := range asks {
		if i >= depth {
			break
		}
		askVol += lvl.Quantity.InexactFloat64()
	}
	total := bidVol + askVol
	if total == 0 {
		return 0
	}
	return (bidVol - askVol) / total
}
