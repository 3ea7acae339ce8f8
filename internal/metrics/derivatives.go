package metrics

import (
	"math"

	"github.com/atlas-desktop/marketflow/internal/window"
	"github.com/atlas-desktop/marketflow/pkg/types"
)

// DerivativesSnapshot is the perp-specific metric family.
type DerivativesSnapshot struct {
	MarkPrice        float64 `json:"markPrice"`
	IndexPrice       float64 `json:"indexPrice"`
	MarkDeviation    float64 `json:"markDeviation"`
	PerpBasis        float64 `json:"perpBasis"`
	BasisZScore      float64 `json:"basisZScore"`
	LiquidationProxy float64 `json:"liquidationProxy"`
}

// DerivativesMetrics tracks mark/index deviation, perp basis with a rolling
// z-score, and a decaying liquidation proxy driven by large trades coinciding
// with open-interest drops.
type DerivativesMetrics struct {
	config AdvancedConfig

	markPrice  float64
	indexPrice float64
	lastPerp   float64

	basisStats *window.Stats
	basis      float64

	tradeStats     *window.Stats
	lastLargeTrade int64

	prevOI       float64
	liqProxy     float64
	proxyUpdated int64
}

// NewDerivativesMetrics creates the family.
func NewDerivativesMetrics(config AdvancedConfig) *DerivativesMetrics {
	return &DerivativesMetrics{
		config:     config,
		basisStats: window.NewStats(30 * 60_000),
		tradeStats: window.NewStats(60_000),
	}
}

// OnMarkPrice folds a mark-price stream update.
func (d *DerivativesMetrics) OnMarkPrice(u *types.MarkPriceUpdate) {
	d.markPrice = u.MarkPrice.InexactFloat64()
	d.indexPrice = u.IndexPrice.InexactFloat64()
	d.recomputeBasis(u.EventTimeMs)
}

// OnTrade records the perp last price and flags outsized prints.
func (d *DerivativesMetrics) OnTrade(t *types.TradePrint) {
	d.lastPerp = t.Price.InexactFloat64()
	qty := t.Quantity.InexactFloat64()
	d.tradeStats.Add(t.EventTimeMs, qty)

	mean := d.tradeStats.Mean(t.EventTimeMs)
	sd := d.tradeStats.StdDev(t.EventTimeMs)
	if sd > 0 && qty > mean+2*sd {
		d.lastLargeTrade = t.EventTimeMs
	}
	d.recomputeBasis(t.EventTimeMs)
}

// OnOpenInterest accumulates the liquidation proxy when an OI drop beyond the
// configured threshold coincides with a recent large trade.
func (d *DerivativesMetrics) OnOpenInterest(u *types.OpenInterestUpdate) {
	oi := u.OpenInterest.InexactFloat64()
	d.decayProxy(u.EventTimeMs)

	if d.prevOI > 0 {
		dropPct := (d.prevOI - oi) / d.prevOI
		recentLarge := u.EventTimeMs-d.lastLargeTrade <= 10_000
		if dropPct >= d.config.OIDropThresholdPct && recentLarge {
			d.liqProxy += dropPct / d.config.OIDropThresholdPct
		}
	}
	d.prevOI = oi
}

// Snapshot reads the family as of nowMs.
func (d *DerivativesMetrics) Snapshot(nowMs int64) DerivativesSnapshot {
	d.decayProxy(nowMs)
	snap := DerivativesSnapshot{
		MarkPrice:        d.markPrice,
		IndexPrice:       d.indexPrice,
		PerpBasis:        d.basis,
		LiquidationProxy: d.liqProxy,
	}
	if d.indexPrice > 0 && d.markPrice > 0 {
		snap.MarkDeviation = (d.markPrice - d.indexPrice) / d.indexPrice
	}
	snap.BasisZScore = d.basisStats.ZScore(nowMs, d.basis)
	return snap
}

func (d *DerivativesMetrics) recomputeBasis(nowMs int64) {
	if d.indexPrice <= 0 || d.lastPerp <= 0 {
		return
	}
	d.basis = (d.lastPerp - d.indexPrice) / d.indexPrice
	d.basisStats.Add(nowMs, d.basis)
}

func (d *DerivativesMetrics) decayProxy(nowMs int64) {
	if d.proxyUpdated == 0 {
		d.proxyUpdated = nowMs
		return
	}
	elapsed := nowMs - d.proxyUpdated
	if elapsed <= 0 {
		return
	}
	// 60 s half-life.
	d.liqProxy *= math.Exp2(-float64(elapsed) / 60_000)
	d.proxyUpdated = nowMs
}

// ToxicitySnapshot is the informed-flow metric family.
type ToxicitySnapshot struct {
	VPIN             float64 `json:"vpin"`
	SignedVolumeRatio float64 `json:"signedVolumeRatio"`
	PriceImpact      float64 `json:"priceImpact"`
	BurstPersistence float64 `json:"burstPersistence"`
}

// ToxicityMetrics approximates VPIN via equal-volume buckets and tracks
// signed-flow concentration and impact.
type ToxicityMetrics struct {
	config AdvancedConfig

	qtyEWMA *window.EWMA

	bucketBuy  float64
	bucketSell float64
	imbalances []float64

	signedVol *window.Sum
	totalVol  *window.Sum

	// Price impact per signed notional over 10 s.
	impactTrades []impactSample
	burstOutcome *window.Stats

	lastBurstSide  types.Side
	lastBurstCount int
	lastPrice      float64
}

type impactSample struct {
	ts       int64
	price    float64
	notional float64 // signed
}

// NewToxicityMetrics creates the family.
func NewToxicityMetrics(config AdvancedConfig) *ToxicityMetrics {
	return &ToxicityMetrics{
		config:       config,
		qtyEWMA:      window.NewEWMA(0.05),
		signedVol:    window.NewSum(60_000),
		totalVol:     window.NewSum(60_000),
		burstOutcome: window.NewStats(5 * 60_000),
	}
}

// OnTrade folds a print into the VPIN buckets and flow windows.
func (x *ToxicityMetrics) OnTrade(t *types.TradePrint) {
	qty := t.Quantity.InexactFloat64()
	px := t.Price.InexactFloat64()
	x.qtyEWMA.Update(qty)

	signed := qty
	if t.Side == types.SideSell {
		signed = -qty
		x.bucketSell += qty
	} else {
		x.bucketBuy += qty
	}
	x.signedVol.Add(t.EventTimeMs, signed)
	x.totalVol.Add(t.EventTimeMs, qty)

	// Equal-volume bucket roll.
	target := x.qtyEWMA.Value() * x.config.VPINTargetMultiplier
	if target > 0 && x.bucketBuy+x.bucketSell >= target {
		total := x.bucketBuy + x.bucketSell
		x.imbalances = append(x.imbalances, math.Abs(x.bucketBuy-x.bucketSell)/total)
		if len(x.imbalances) > 50 {
			x.imbalances = x.imbalances[len(x.imbalances)-50:]
		}
		x.bucketBuy = 0
		x.bucketSell = 0
	}

	// Burst persistence: did consecutive same-side bursts move price?
	if t.Side == x.lastBurstSide {
		x.lastBurstCount++
	} else {
		if x.lastBurstCount >= 5 && x.lastPrice > 0 {
			moved := 0.0
			if (x.lastBurstSide == types.SideBuy && px > x.lastPrice) ||
				(x.lastBurstSide == types.SideSell && px < x.lastPrice) {
				moved = 1.0
			}
			x.burstOutcome.Add(t.EventTimeMs, moved)
		}
		x.lastBurstSide = t.Side
		x.lastBurstCount = 1
		x.lastPrice = px
	}

	x.impactTrades = append(x.impactTrades, impactSample{
		ts:       t.EventTimeMs,
		price:    px,
		notional: signed * px,
	})
	x.pruneImpact(t.EventTimeMs)
}

// Snapshot reads the family as of nowMs.
func (x *ToxicityMetrics) Snapshot(nowMs int64) ToxicitySnapshot {
	snap := ToxicitySnapshot{}

	if n := len(x.imbalances); n > 0 {
		var sum float64
		for _, v := range x.imbalances {
			sum += v
		}
		snap.VPIN = sum / float64(n)
	}

	total := x.totalVol.Value(nowMs)
	if total > 0 {
		snap.SignedVolumeRatio = x.signedVol.Value(nowMs) / total
	}

	snap.PriceImpact = x.priceImpact(nowMs)
	snap.BurstPersistence = x.burstOutcome.Mean(nowMs)
	return snap
}

// priceImpact divides the price return across the 10 s window (first to last
// print) by the window's cumulative signed notional.
func (x *ToxicityMetrics) priceImpact(nowMs int64) float64 {
	x.pruneImpact(nowMs)
	if len(x.impactTrades) < 2 {
		return 0
	}
	first := x.impactTrades[0]
	last := x.impactTrades[len(x.impactTrades)-1]
	var signedNotional float64
	for _, s := range x.impactTrades {
		signedNotional += s.notional
	}
	if signedNotional == 0 || first.price == 0 {
		return 0
	}
	ret := (last.price - first.price) / first.price
	// Impact per million signed notional keeps the magnitude readable.
	return ret / (signedNotional / 1_000_000)
}

func (x *ToxicityMetrics) pruneImpact(nowMs int64) {
	cutoff := nowMs - 10_000
	i := 0
	for i < len(x.impactTrades) && x.impactTrades[i].ts < cutoff {
		i++
	}
	if i > 0 {
		x.impactTrades = append(x.impactTrades[:0], x.impactTrades[i:]...)
	}
}
