package metrics

import (
	"math"
	"sort"

	"github.com/atlas-desktop/marketflow/pkg/types"
)

// AdvancedConfig tunes the liquidity, passive-flow, derivatives, and toxicity
// accumulators.
type AdvancedConfig struct {
	SlippageBaseQty       float64 `mapstructure:"slippage_base_qty"`
	ResiliencyDropPct     float64 `mapstructure:"resiliency_drop_pct"`
	ResiliencyRecoverPct  float64 `mapstructure:"resiliency_recover_pct"`
	RealizedSpreadDelayMs int64   `mapstructure:"realized_spread_delay_ms"`
	TradeRelatedWindowMs  int64   `mapstructure:"trade_related_window_ms"`
	TradePriceTolBps      float64 `mapstructure:"trade_price_tol_bps"`
	SpoofWindowMs         int64   `mapstructure:"spoof_window_ms"`
	SpoofHalfLifeMs       int64   `mapstructure:"spoof_half_life_ms"`
	LargeAddZ             float64 `mapstructure:"large_add_z"`
	VPINTargetMultiplier  float64 `mapstructure:"vpin_target_multiplier"`
	OIDropThresholdPct    float64 `mapstructure:"oi_drop_threshold_pct"`
}

// DefaultAdvancedConfig returns the standard tuning.
func DefaultAdvancedConfig() AdvancedConfig {
	return AdvancedConfig{
		SlippageBaseQty:       10,
		ResiliencyDropPct:     0.30,
		ResiliencyRecoverPct:  0.80,
		RealizedSpreadDelayMs: 5000,
		TradeRelatedWindowMs:  300,
		TradePriceTolBps:      1.0,
		SpoofWindowMs:         2000,
		SpoofHalfLifeMs:       30_000,
		LargeAddZ:             2.5,
		VPINTargetMultiplier:  50,
		OIDropThresholdPct:    0.005,
	}
}

// LiquiditySnapshot is the displayed-liquidity metric family.
type LiquiditySnapshot struct {
	MicroPrice       float64             `json:"microPrice"`
	ImbalanceCurve   map[int]float64     `json:"imbalanceCurve"`
	BookSlopeBid     float64             `json:"bookSlopeBid"`
	BookSlopeAsk     float64             `json:"bookSlopeAsk"`
	BookConvexity    float64             `json:"bookConvexity"`
	WallScoreBid     float64             `json:"wallScoreBid"`
	WallScoreAsk     float64             `json:"wallScoreAsk"`
	VoidGapBid       float64             `json:"voidGapBid"`
	VoidGapAsk       float64             `json:"voidGapAsk"`
	ExpSlippageBuy   float64             `json:"expectedSlippageBuy"`
	ExpSlippageSell  float64             `json:"expectedSlippageSell"`
	ResiliencyMs     int64               `json:"resiliencyMs"`
	EffectiveSpread  float64             `json:"effectiveSpread"`
	RealizedSpread   float64             `json:"realizedSpread"`
}

type pendingRealized struct {
	ts    int64
	price float64
	dir   float64 // +1 buy aggressor, -1 sell aggressor
}

// LiquidityMetrics derives book-shape metrics from depth refreshes and
// trade-relative spreads from the tape.
type LiquidityMetrics struct {
	config AdvancedConfig

	snap LiquiditySnapshot

	// Resiliency tracking over top-20 total depth.
	priorDepth      float64
	droppedAt       int64
	droppedFrom     float64
	lastResiliency  int64
	lastLargeTrade  int64

	// Realized spread sampling.
	pending      []pendingRealized
	realizedEWMA float64
	realizedSeen bool
}

// NewLiquidityMetrics creates the family with the given tuning.
func NewLiquidityMetrics(config AdvancedConfig) *LiquidityMetrics {
	return &LiquidityMetrics{
		config:         config,
		lastResiliency: -1,
		snap: LiquiditySnapshot{
			ImbalanceCurve: make(map[int]float64),
			ResiliencyMs:   -1,
		},
	}
}

// OnDepth recomputes the book-shape family from the top-50 levels of each side.
func (m *LiquidityMetrics) OnDepth(nowMs int64, bids, asks []types.BookLevel) {
	if len(bids) == 0 || len(asks) == 0 {
		return
	}

	bestBid := bids[0].Price.InexactFloat64()
	bestAsk := asks[0].Price.InexactFloat64()
	bestBidQty := bids[0].Quantity.InexactFloat64()
	bestAskQty := asks[0].Quantity.InexactFloat64()
	mid := (bestBid + bestAsk) / 2

	if bestBidQty+bestAskQty > 0 {
		m.snap.MicroPrice = (bestAsk*bestBidQty + bestBid*bestAskQty) / (bestBidQty + bestAskQty)
	}

	for _, depth := range []int{1, 5, 10, 20, 50} {
		bidVol := cumQty(bids, depth)
		askVol := cumQty(asks, depth)
		if bidVol+askVol > 0 {
			m.snap.ImbalanceCurve[depth] = bidVol / (bidVol + askVol)
		}
	}

	m.snap.BookSlopeBid = bookSlope(bids, mid)
	m.snap.BookSlopeAsk = bookSlope(asks, mid)
	m.snap.BookConvexity = (convexity(bids) + convexity(asks)) / 2
	m.snap.WallScoreBid = wallScore(bids)
	m.snap.WallScoreAsk = wallScore(asks)
	m.snap.VoidGapBid = voidGap(bids)
	m.snap.VoidGapAsk = voidGap(asks)
	m.snap.ExpSlippageBuy = expectedSlippage(asks, m.config.SlippageBaseQty, mid)
	m.snap.ExpSlippageSell = expectedSlippage(bids, m.config.SlippageBaseQty, mid)

	m.trackResiliency(nowMs, cumQty(bids, 20)+cumQty(asks, 20))
	m.resolveRealized(nowMs, mid)
}

// OnTrade records effective spread against the given mid and schedules the
// realized-spread sample.
func (m *LiquidityMetrics) OnTrade(t *types.TradePrint, mid float64) {
	if mid <= 0 {
		return
	}
	px := t.Price.InexactFloat64()
	m.snap.EffectiveSpread = 2 * math.Abs(px-mid) / mid

	dir := 1.0
	if t.Side == types.SideSell {
		dir = -1.0
	}
	m.pending = append(m.pending, pendingRealized{ts: t.EventTimeMs, price: px, dir: dir})

	// Trade marker consumed by the resiliency coincidence check. Every print
	// sets it; trade size is not considered.
	m.lastLargeTrade = t.EventTimeMs
}

// Snapshot returns the current readings.
func (m *LiquidityMetrics) Snapshot() LiquiditySnapshot {
	m.snap.ResiliencyMs = m.lastResiliency
	if m.realizedSeen {
		m.snap.RealizedSpread = m.realizedEWMA
	}
	return m.snap
}

func (m *LiquidityMetrics) trackResiliency(nowMs int64, depth float64) {
	if m.priorDepth > 0 && m.droppedAt == 0 {
		drop := (m.priorDepth - depth) / m.priorDepth
		recentTrade := nowMs-m.lastLargeTrade <= m.config.TradeRelatedWindowMs*10
		if drop >= m.config.ResiliencyDropPct && recentTrade {
			m.droppedAt = nowMs
			m.droppedFrom = m.priorDepth
		}
	} else if m.droppedAt > 0 {
		if depth >= m.droppedFrom*m.config.ResiliencyRecoverPct {
			m.lastResiliency = nowMs - m.droppedAt
			m.droppedAt = 0
			m.droppedFrom = 0
		}
	}
	if m.droppedAt == 0 {
		m.priorDepth = depth
	}
}

func (m *LiquidityMetrics) resolveRealized(nowMs int64, mid float64) {
	keep := m.pending[:0]
	for _, p := range m.pending {
		if nowMs-p.ts < m.config.RealizedSpreadDelayMs {
			keep = append(keep, p)
			continue
		}
		if mid > 0 {
			realized := 2 * p.dir * (p.price - mid) / mid
			if !m.realizedSeen {
				m.realizedEWMA = realized
				m.realizedSeen = true
			} else {
				m.realizedEWMA = 0.2*realized + 0.8*m.realizedEWMA
			}
		}
	}
	m.pending = keep
}

func cumQty(levels []types.BookLevel, depth int) float64 {
	var total float64
	for i, lvl := range levels {
		if i >= depth {
			break
		}
		total += lvl.Quantity.InexactFloat64()
	}
	return total
}

// bookSlope fits cumulative depth against normalized distance from best over
// the top-20 levels.
func bookSlope(levels []types.BookLevel, mid float64) float64 {
	n := len(levels)
	if n > 20 {
		n = 20
	}
	if n < 2 || mid <= 0 {
		return 0
	}

	var sumX, sumY, sumXY, sumXX float64
	cum := 0.0
	for i := 0; i < n; i++ {
		px := levels[i].Price.InexactFloat64()
		dist := math.Abs(px-mid) / mid
		cum += levels[i].Quantity.InexactFloat64()
		sumX += dist
		sumY += cum
		sumXY += dist * cum
		sumXX += dist * dist
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (fn*sumXY - sumX*sumY) / denom
}

// convexity compares depth growth between the 5/20/50 level bands.
func convexity(levels []types.BookLevel) float64 {
	d5 := cumQty(levels, 5)
	d20 := cumQty(levels, 20)
	d50 := cumQty(levels, 50)
	if d50 == 0 {
		return 0
	}
	return ((d50 - d20) - (d20 - d5)) / math.Abs(d50)
}

// wallScore is the max z-score of top-20 level sizes.
func wallScore(levels []types.BookLevel) float64 {
	n := len(levels)
	if n > 20 {
		n = 20
	}
	if n < 3 {
		return 0
	}
	var sum, sumSq float64
	for i := 0; i < n; i++ {
		q := levels[i].Quantity.InexactFloat64()
		sum += q
		sumSq += q * q
	}
	fn := float64(n)
	mean := sum / fn
	variance := (sumSq - fn*mean*mean) / (fn - 1)
	if variance <= 0 {
		return 0
	}
	sd := math.Sqrt(variance)
	maxZ := 0.0
	for i := 0; i < n; i++ {
		z := (levels[i].Quantity.InexactFloat64() - mean) / sd
		if z > maxZ {
			maxZ = z
		}
	}
	return maxZ
}

// voidGap is max gap / median gap - 1 across the top-20 price steps.
func voidGap(levels []types.BookLevel) float64 {
	n := len(levels)
	if n > 20 {
		n = 20
	}
	if n < 3 {
		return 0
	}
	gaps := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		gap := math.Abs(levels[i].Price.InexactFloat64() - levels[i-1].Price.InexactFloat64())
		gaps = append(gaps, gap)
	}
	sort.Float64s(gaps)
	median := gaps[len(gaps)/2]
	if median == 0 {
		return 0
	}
	return gaps[len(gaps)-1]/median - 1
}

// expectedSlippage walks baseQty through the levels and returns the average
// fill distance from mid as a fraction of mid.
func expectedSlippage(levels []types.BookLevel, baseQty, mid float64) float64 {
	if mid <= 0 || baseQty <= 0 || len(levels) == 0 {
		return 0
	}
	remaining := baseQty
	var notional float64
	for _, lvl := range levels {
		q := lvl.Quantity.InexactFloat64()
		take := q
		if take > remaining {
			take = remaining
		}
		notional += take * lvl.Price.InexactFloat64()
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	filled := baseQty - remaining
	if filled <= 0 {
		return 0
	}
	avgPx := notional / filled
	return math.Abs(avgPx-mid) / mid
}
