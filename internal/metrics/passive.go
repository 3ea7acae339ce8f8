package metrics

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/marketflow/internal/window"
	"github.com/atlas-desktop/marketflow/pkg/types"
)

// PassiveFlowSnapshot decomposes passive order activity per side.
type PassiveFlowSnapshot struct {
	AddRateBid     float64 `json:"addRateBid"`
	AddRateAsk     float64 `json:"addRateAsk"`
	CancelRateBid  float64 `json:"cancelRateBid"`
	CancelRateAsk  float64 `json:"cancelRateAsk"`
	QueueDeltaBid  float64 `json:"queueDeltaBid"`
	QueueDeltaAsk  float64 `json:"queueDeltaAsk"`
	SpoofScore     float64 `json:"spoofScore"`
	RefreshRate    float64 `json:"refreshRate"`
}

type recentTrade struct {
	ts    int64
	price float64
}

type largeAdd struct {
	ts    int64
	price float64
	qty   float64
	isBid bool
}

// PassiveFlow classifies per-level depth changes into adds, cancels, and
// trade-related removals, and scores large-add-then-fast-cancel sequences as
// spoofing with exponential decay.
type PassiveFlow struct {
	config AdvancedConfig

	prevBids map[string]float64
	prevAsks map[string]float64

	addBid    *window.Sum
	addAsk    *window.Sum
	cancelBid *window.Sum
	cancelAsk *window.Sum
	refresh   *window.Sum

	addStats *window.Stats

	trades    []recentTrade
	largeAdds []largeAdd

	spoofScore   float64
	spoofUpdated int64

	queueDeltaBid float64
	queueDeltaAsk float64
	prevBestBid   string
	prevBestAsk   string
}

// NewPassiveFlow creates the decomposer with 30 s rate windows.
func NewPassiveFlow(config AdvancedConfig) *PassiveFlow {
	return &PassiveFlow{
		config:    config,
		prevBids:  make(map[string]float64),
		prevAsks:  make(map[string]float64),
		addBid:    window.NewSum(30_000),
		addAsk:    window.NewSum(30_000),
		cancelBid: window.NewSum(30_000),
		cancelAsk: window.NewSum(30_000),
		refresh:   window.NewSum(30_000),
		addStats:  window.NewStats(60_000),
	}
}

// OnTrade records the print for the trade-coincidence window.
func (p *PassiveFlow) OnTrade(t *types.TradePrint) {
	p.trades = append(p.trades, recentTrade{ts: t.EventTimeMs, price: t.Price.InexactFloat64()})
	p.pruneTrades(t.EventTimeMs)
}

// OnDepth classifies level changes against the previous depth refresh.
func (p *PassiveFlow) OnDepth(nowMs int64, bids, asks []types.BookLevel) {
	p.decaySpoof(nowMs)
	p.pruneTrades(nowMs)

	p.classifySide(nowMs, bids, p.prevBids, true)
	p.classifySide(nowMs, asks, p.prevAsks, false)

	// Queue delta at best: size change while the best price is unchanged.
	if len(bids) > 0 {
		key := bids[0].Price.String()
		if key == p.prevBestBid {
			p.queueDeltaBid = bids[0].Quantity.InexactFloat64() - p.prevBids[key]
		} else {
			p.queueDeltaBid = 0
			p.refresh.Add(nowMs, 1)
		}
		p.prevBestBid = key
	}
	if len(asks) > 0 {
		key := asks[0].Price.String()
		if key == p.prevBestAsk {
			p.queueDeltaAsk = asks[0].Quantity.InexactFloat64() - p.prevAsks[key]
		} else {
			p.queueDeltaAsk = 0
			p.refresh.Add(nowMs, 1)
		}
		p.prevBestAsk = key
	}

	p.prevBids = levelMap(bids)
	p.prevAsks = levelMap(asks)
}

func (p *PassiveFlow) classifySide(nowMs int64, levels []types.BookLevel, prev map[string]float64, isBid bool) {
	seen := make(map[string]struct{}, len(levels))
	for _, lvl := range levels {
		key := lvl.Price.String()
		seen[key] = struct{}{}
		qty := lvl.Quantity.InexactFloat64()
		old, existed := prev[key]
		delta := qty - old

		switch {
		case !existed || delta > 0:
			add := delta
			if !existed {
				add = qty
			}
			p.recordAdd(nowMs, lvl.Price, add, isBid)
		case delta < 0:
			p.recordRemoval(nowMs, lvl.Price, -delta, isBid)
		}
	}

	// Levels that vanished entirely.
	for key, qty := range prev {
		if _, ok := seen[key]; ok {
			continue
		}
		price, err := decimal.NewFromString(key)
		if err != nil {
			continue
		}
		p.recordRemoval(nowMs, price, qty, isBid)
	}
}

func (p *PassiveFlow) recordAdd(nowMs int64, price decimal.Decimal, qty float64, isBid bool) {
	if qty <= 0 {
		return
	}
	if isBid {
		p.addBid.Add(nowMs, qty)
	} else {
		p.addAsk.Add(nowMs, qty)
	}
	p.addStats.Add(nowMs, qty)

	// Track outsized adds for spoof pairing.
	if z := p.addStats.ZScore(nowMs, qty); z >= p.config.LargeAddZ {
		p.largeAdds = append(p.largeAdds, largeAdd{
			ts:    nowMs,
			price: price.InexactFloat64(),
			qty:   qty,
			isBid: isBid,
		})
	}
	p.pruneLargeAdds(nowMs)
}

func (p *PassiveFlow) recordRemoval(nowMs int64, price decimal.Decimal, qty float64, isBid bool) {
	if qty <= 0 {
		return
	}
	if p.tradeRelated(nowMs, price.InexactFloat64()) {
		return
	}
	if isBid {
		p.cancelBid.Add(nowMs, qty)
	} else {
		p.cancelAsk.Add(nowMs, qty)
	}

	// A cancel matching a recent outsized add on the same side and price is a
	// spoof signature.
	px := price.InexactFloat64()
	for i, la := range p.largeAdds {
		if la.isBid != isBid {
			continue
		}
		if nowMs-la.ts > p.config.SpoofWindowMs {
			continue
		}
		if math.Abs(la.price-px)/px*10_000 > p.config.TradePriceTolBps {
			continue
		}
		if qty >= la.qty*0.8 {
			p.spoofScore += qty / math.Max(la.qty, 1)
			p.largeAdds = append(p.largeAdds[:i], p.largeAdds[i+1:]...)
			break
		}
	}
}

// tradeRelated reports whether a removal at price coincides with a recent
// print near that price.
func (p *PassiveFlow) tradeRelated(nowMs int64, price float64) bool {
	for i := len(p.trades) - 1; i >= 0; i-- {
		tr := p.trades[i]
		if nowMs-tr.ts > p.config.TradeRelatedWindowMs {
			break
		}
		if price > 0 && math.Abs(tr.price-price)/price*10_000 <= p.config.TradePriceTolBps {
			return true
		}
	}
	return false
}

// Snapshot reads the rates as of nowMs. Rates are quantity per second.
func (p *PassiveFlow) Snapshot(nowMs int64) PassiveFlowSnapshot {
	p.decaySpoof(nowMs)
	return PassiveFlowSnapshot{
		AddRateBid:    p.addBid.Value(nowMs) / 30,
		AddRateAsk:    p.addAsk.Value(nowMs) / 30,
		CancelRateBid: p.cancelBid.Value(nowMs) / 30,
		CancelRateAsk: p.cancelAsk.Value(nowMs) / 30,
		QueueDeltaBid: p.queueDeltaBid,
		QueueDeltaAsk: p.queueDeltaAsk,
		SpoofScore:    p.spoofScore,
		RefreshRate:   p.refresh.Value(nowMs) / 30,
	}
}

func (p *PassiveFlow) decaySpoof(nowMs int64) {
	if p.spoofUpdated == 0 {
		p.spoofUpdated = nowMs
		return
	}
	elapsed := nowMs - p.spoofUpdated
	if elapsed <= 0 || p.config.SpoofHalfLifeMs <= 0 {
		return
	}
	p.spoofScore *= math.Exp2(-float64(elapsed) / float64(p.config.SpoofHalfLifeMs))
	p.spoofUpdated = nowMs
}

func (p *PassiveFlow) pruneTrades(nowMs int64) {
	cutoff := nowMs - p.config.TradeRelatedWindowMs*4
	i := 0
	for i < len(p.trades) && p.trades[i].ts < cutoff {
		i++
	}
	if i > 0 {
		p.trades = append(p.trades[:0], p.trades[i:]...)
	}
}

func (p *PassiveFlow) pruneLargeAdds(nowMs int64) {
	cutoff := nowMs - p.config.SpoofWindowMs*2
	i := 0
	for i < len(p.largeAdds) && p.largeAdds[i].ts < cutoff {
		i++
	}
	if i > 0 {
		p.largeAdds = append(p.largeAdds[:0], p.largeAdds[i:]...)
	}
}

func levelMap(levels []types.BookLevel) map[string]float64 {
	m := make(map[string]float64, len(levels))
	for _, lvl := range levels {
		m[lvl.Price.String()] = lvl.Quantity.InexactFloat64()
	}
	return m
}
