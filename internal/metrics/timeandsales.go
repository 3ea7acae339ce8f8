package metrics

import (
	"sort"

	"github.com/atlas-desktop/marketflow/pkg/types"
)

// TASSnapshot aggregates the time-and-sales tape over the rolling window.
type TASSnapshot struct {
	PrintsPerSecond     float64 `json:"printsPerSecond"`
	TradeCount          int     `json:"tradeCount"`
	AggressiveBuyVolume float64 `json:"aggressiveBuyVolume"`
	AggressiveSellVol   float64 `json:"aggressiveSellVolume"`
	BurstSide           string  `json:"burstSide"`
	BurstCount          int     `json:"burstCount"`
	SmallTrades         int     `json:"smallTrades"`
	MidTrades           int     `json:"midTrades"`
	LargeTrades         int     `json:"largeTrades"`
}

type tasTrade struct {
	ts   int64
	qty  float64
	side types.Side
}

// TimeAndSales keeps a sliding window of trade prints and classifies them into
// size buckets by trailing quantiles.
type TimeAndSales struct {
	horizonMs int64
	trades    []tasTrade
	head      int

	burstSide  types.Side
	burstCount int
}

// NewTimeAndSales creates a tape aggregate with the given horizon.
func NewTimeAndSales(horizonMs int64) *TimeAndSales {
	return &TimeAndSales{
		horizonMs: horizonMs,
		trades:    make([]tasTrade, 0, 512),
	}
}

// OnTrade appends a print and updates the consecutive-burst counter.
func (t *TimeAndSales) OnTrade(tr *types.TradePrint) {
	t.prune(tr.EventTimeMs)
	t.trades = append(t.trades, tasTrade{
		ts:   tr.EventTimeMs,
		qty:  tr.Quantity.InexactFloat64(),
		side: tr.Side,
	})

	if tr.Side == t.burstSide {
		t.burstCount++
	} else {
		t.burstSide = tr.Side
		t.burstCount = 1
	}
}

// Snapshot reads the tape as of nowMs. Size buckets split at the trailing 50th
// and 90th quantile of window quantities.
func (t *TimeAndSales) Snapshot(nowMs int64) TASSnapshot {
	t.prune(nowMs)

	snap := TASSnapshot{
		BurstSide:  string(t.burstSide),
		BurstCount: t.burstCount,
	}

	n := len(t.trades) - t.head
	if n == 0 {
		return snap
	}
	snap.TradeCount = n

	qtys := make([]float64, 0, n)
	var oldest int64
	for i := t.head; i < len(t.trades); i++ {
		tr := t.trades[i]
		if oldest == 0 || tr.ts < oldest {
			oldest = tr.ts
		}
		qtys = append(qtys, tr.qty)
		if tr.side == types.SideBuy {
			snap.AggressiveBuyVolume += tr.qty
		} else {
			snap.AggressiveSellVol += tr.qty
		}
	}

	spanSec := float64(nowMs-oldest) / 1000.0
	if spanSec < 1 {
		spanSec = 1
	}
	snap.PrintsPerSecond = float64(n) / spanSec

	sort.Float64s(qtys)
	p50 := qtys[n/2]
	p90 := qtys[(n*9)/10]
	for i := t.head; i < len(t.trades); i++ {
		q := t.trades[i].qty
		switch {
		case q >= p90 && p90 > p50:
			snap.LargeTrades++
		case q >= p50:
			snap.MidTrades++
		default:
			snap.SmallTrades++
		}
	}
	return snap
}

func (t *TimeAndSales) prune(nowMs int64) {
	cutoff := nowMs - t.horizonMs
	for t.head < len(t.trades) && t.trades[t.head].ts < cutoff {
		t.head++
	}
	if t.head > 1024 && t.head*2 > len(t.trades) {
		n := copy(t.trades, t.trades[t.head:])
		t.trades = t.trades[:n]
		t.head = 0
	}
}
