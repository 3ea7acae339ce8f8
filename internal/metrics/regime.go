package metrics

import (
	"math"

	"github.com/atlas-desktop/marketflow/internal/window"
	"github.com/atlas-desktop/marketflow/pkg/types"
)

// RegimeSnapshot scores the current price-action regime.
type RegimeSnapshot struct {
	RealizedVol1m  float64 `json:"realizedVol1m"`
	RealizedVol5m  float64 `json:"realizedVol5m"`
	RealizedVol15m float64 `json:"realizedVol15m"`
	VolOfVol       float64 `json:"volOfVol"`
	MicroATR       float64 `json:"microAtr"`
	ChopScore      float64 `json:"chopScore"`
	Trendiness     float64 `json:"trendinessScore"`
}

// RegimeMetrics derives realized volatility, vol-of-vol, micro ATR, and
// chop/trendiness scores from the trade tape.
type RegimeMetrics struct {
	lastPrice float64

	ret1m  *window.Stats
	ret5m  *window.Stats
	ret15m *window.Stats
	ret60s *window.Stats

	volHistory *window.Stats
	microATR   *window.EWMA

	lastSign     int
	alternations *window.Sum
	retCount     *window.Sum
}

// NewRegimeMetrics creates the regime scorer. The micro ATR uses the
// 14-period EWMA smoothing (alpha = 2/15).
func NewRegimeMetrics() *RegimeMetrics {
	return &RegimeMetrics{
		ret1m:        window.NewStats(60_000),
		ret5m:        window.NewStats(5 * 60_000),
		ret15m:       window.NewStats(15 * 60_000),
		ret60s:       window.NewStats(60_000),
		volHistory:   window.NewStats(15 * 60_000),
		microATR:     window.NewEWMA(2.0 / 15.0),
		alternations: window.NewSum(60_000),
		retCount:     window.NewSum(60_000),
	}
}

// OnTrade folds one print's log-return into every window.
func (r *RegimeMetrics) OnTrade(t *types.TradePrint) {
	px := t.Price.InexactFloat64()
	if px <= 0 {
		return
	}
	if r.lastPrice <= 0 {
		r.lastPrice = px
		return
	}

	ret := math.Log(px/r.lastPrice) * 100
	r.lastPrice = px
	if ret == 0 {
		return
	}
	ts := t.EventTimeMs

	r.ret1m.Add(ts, ret)
	r.ret5m.Add(ts, ret)
	r.ret15m.Add(ts, ret)
	r.ret60s.Add(ts, ret)
	r.microATR.Update(math.Abs(ret))

	sign := 1
	if ret < 0 {
		sign = -1
	}
	if r.lastSign != 0 && sign != r.lastSign {
		r.alternations.Add(ts, 1)
	}
	r.lastSign = sign
	r.retCount.Add(ts, 1)

	r.volHistory.Add(ts, r.ret1m.RMS(ts))
}

// MicroATRSamples returns how many returns the ATR EWMA has absorbed.
func (r *RegimeMetrics) MicroATRSamples() int { return r.microATR.Count() }

// MicroATR returns the current EWMA of |log-return|*100.
func (r *RegimeMetrics) MicroATR() float64 { return r.microATR.Value() }

// Reset clears the micro ATR warm-up (called through
// Pipeline.ResetMicroTape).
func (r *RegimeMetrics) Reset() {
	r.microATR.Reset()
	r.lastPrice = 0
	r.lastSign = 0
}

// Snapshot reads the regime scores as of nowMs.
func (r *RegimeMetrics) Snapshot(nowMs int64) RegimeSnapshot {
	snap := RegimeSnapshot{
		RealizedVol1m:  r.ret1m.RMS(nowMs),
		RealizedVol5m:  r.ret5m.RMS(nowMs),
		RealizedVol15m: r.ret15m.RMS(nowMs),
		VolOfVol:       r.volHistory.StdDev(nowMs),
		MicroATR:       r.microATR.Value(),
	}

	// Chop: sign alternation frequency. Trendiness: |net| / sum|ret| over 60 s.
	count := r.retCount.Value(nowMs)
	if count > 1 {
		snap.ChopScore = r.alternations.Value(nowMs) / (count - 1)
	}
	vals := r.ret60s.Values(nowMs)
	var net, gross float64
	for _, v := range vals {
		net += v
		gross += math.Abs(v)
	}
	if gross > 0 {
		snap.Trendiness = math.Abs(net) / gross
	}
	return snap
}

// CrossMarketSnapshot relates the symbol to the majors and its spot market.
type CrossMarketSnapshot struct {
	Enabled            bool    `json:"enabled"`
	BetaBTC            float64 `json:"betaBtc"`
	BetaETH            float64 `json:"betaEth"`
	SpotPerpDivergence float64 `json:"spotPerpDivergence"`
	Imbalance10Diff    float64 `json:"imbalance10Diff"`
}

type betaPair struct {
	ts  int64
	x   float64 // major return
	y   float64 // symbol return
}

// CrossMarket regresses the symbol's returns on BTC and ETH returns and
// tracks divergence against a periodically refreshed spot reference.
type CrossMarket struct {
	enabled   bool
	horizonMs int64

	btcPairs []betaPair
	ethPairs []betaPair

	lastBTCRet float64
	lastETHRet float64

	spotPrice     float64
	spotImbalance float64
	perpPrice     float64
	perpImbalance float64
}

// NewCrossMarket creates the tracker; disabled instances return a zero
// snapshot.
func NewCrossMarket(enabled bool) *CrossMarket {
	return &CrossMarket{
		enabled:   enabled,
		horizonMs: 5 * 60_000,
	}
}

// Enabled reports whether cross-market context is active.
func (c *CrossMarket) Enabled() bool { return c.enabled }

// OnMajorsReturn records the latest BTC/ETH log returns.
func (c *CrossMarket) OnMajorsReturn(btcRet, ethRet float64) {
	c.lastBTCRet = btcRet
	c.lastETHRet = ethRet
}

// OnSymbolReturn pairs the symbol's return against the stored major returns.
func (c *CrossMarket) OnSymbolReturn(ts int64, ret float64) {
	if !c.enabled {
		return
	}
	if c.lastBTCRet != 0 {
		c.btcPairs = append(c.btcPairs, betaPair{ts: ts, x: c.lastBTCRet, y: ret})
		c.btcPairs = prunePairs(c.btcPairs, ts-c.horizonMs)
	}
	if c.lastETHRet != 0 {
		c.ethPairs = append(c.ethPairs, betaPair{ts: ts, x: c.lastETHRet, y: ret})
		c.ethPairs = prunePairs(c.ethPairs, ts-c.horizonMs)
	}
}

func prunePairs(pairs []betaPair, cutoff int64) []betaPair {
	i := 0
	for i < len(pairs) && pairs[i].ts < cutoff {
		i++
	}
	if i > 0 {
		pairs = append(pairs[:0], pairs[i:]...)
	}
	return pairs
}

// beta is the OLS slope of y on x.
func beta(pairs []betaPair) float64 {
	n := len(pairs)
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for _, p := range pairs {
		sumX += p.x
		sumY += p.y
		sumXY += p.x * p.y
		sumXX += p.x * p.x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (fn*sumXY - sumX*sumY) / denom
}

// OnSpotReference stores the fetched spot price and top-10 imbalance.
func (c *CrossMarket) OnSpotReference(price, imbalance10 float64) {
	c.spotPrice = price
	c.spotImbalance = imbalance10
}

// OnPerp stores the perp-side price and top-10 imbalance.
func (c *CrossMarket) OnPerp(price, imbalance10 float64) {
	c.perpPrice = price
	c.perpImbalance = imbalance10
}

// Snapshot reads the cross-market context as of nowMs.
func (c *CrossMarket) Snapshot(nowMs int64) CrossMarketSnapshot {
	if !c.enabled {
		return CrossMarketSnapshot{}
	}
	c.btcPairs = prunePairs(c.btcPairs, nowMs-c.horizonMs)
	c.ethPairs = prunePairs(c.ethPairs, nowMs-c.horizonMs)
	snap := CrossMarketSnapshot{
		Enabled: true,
		BetaBTC: beta(c.btcPairs),
		BetaETH: beta(c.ethPairs),
	}
	if c.spotPrice > 0 && c.perpPrice > 0 {
		snap.SpotPerpDivergence = (c.perpPrice - c.spotPrice) / c.spotPrice
	}
	if c.spotImbalance != 0 && c.perpImbalance != 0 {
		snap.Imbalance10Diff = c.perpImbalance - c.spotImbalance
	}
	return snap
}
