package metrics

import (
	"math"

	"github.com/atlas-desktop/marketflow/internal/window"
	"github.com/atlas-desktop/marketflow/pkg/types"
)

// AbsorptionSnapshot reports how much aggressive size the passive top level is
// eating without price moving through it.
type AbsorptionSnapshot struct {
	Score    float64 `json:"score"`
	Side     string  `json:"side"` // side of the most recent absorber ("" when idle)
	LastSeen int64   `json:"lastSeenMs"`
}

// Absorption scores large trades against the displayed size of the top level
// they hit, as last reported by OnDepth. A large sell into the bid marks the
// bid as the absorber. Whether that level's size stays stable around the trade
// is not checked.
type Absorption struct {
	tradeStats *window.Stats
	score      *window.EWMA

	lastTopBidQty float64
	lastTopAskQty float64

	side     types.Side
	lastSeen int64
}

// NewAbsorption creates an absorption scorer.
func NewAbsorption() *Absorption {
	return &Absorption{
		tradeStats: window.NewStats(60_000),
		score:      window.NewEWMA(0.2),
	}
}

// OnDepth records the current top-of-book displayed sizes.
func (a *Absorption) OnDepth(bestBidQty, bestAskQty float64) {
	a.lastTopBidQty = bestBidQty
	a.lastTopAskQty = bestAskQty
}

// OnTrade scores one print against the resting top level it hit.
func (a *Absorption) OnTrade(t *types.TradePrint) {
	qty := t.Quantity.InexactFloat64()
	a.tradeStats.Add(t.EventTimeMs, qty)

	// Only trades well above the rolling mean can register absorption.
	mean := a.tradeStats.Mean(t.EventTimeMs)
	sd := a.tradeStats.StdDev(t.EventTimeMs)
	if sd == 0 || qty < mean+2*sd {
		a.score.Update(a.score.Value() * 0.9)
		return
	}

	var resting float64
	var absorber types.Side
	if t.Side == types.SideSell {
		resting = a.lastTopBidQty
		absorber = types.SideBuy
	} else {
		resting = a.lastTopAskQty
		absorber = types.SideSell
	}
	if resting <= 0 {
		return
	}

	// Magnitude: aggressive size relative to the level that held it.
	magnitude := qty / resting
	if magnitude > 5 {
		magnitude = 5
	}
	a.score.Update(math.Log1p(magnitude))
	a.side = absorber
	a.lastSeen = t.EventTimeMs
}

// Snapshot returns the current absorption reading.
func (a *Absorption) Snapshot() AbsorptionSnapshot {
	return AbsorptionSnapshot{
		Score:    a.score.Value(),
		Side:     string(a.side),
		LastSeen: a.lastSeen,
	}
}
