package metrics_test

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/marketflow/internal/metrics"
	"github.com/atlas-desktop/marketflow/pkg/types"
)

func bookLevels(pairs ...[2]string) []types.BookLevel {
	out := make([]types.BookLevel, 0, len(pairs))
	cum := decimal.Zero
	for _, p := range pairs {
		qty := decimal.RequireFromString(p[1])
		cum = cum.Add(qty)
		out = append(out, types.BookLevel{
			Price:      decimal.RequireFromString(p[0]),
			Quantity:   qty,
			Cumulative: cum,
		})
	}
	return out
}

func TestLegacyOBI(t *testing.T) {
	l := metrics.NewLegacyCalculator()

	bids := bookLevels([2]string{"100", "6"}, [2]string{"99", "2"})
	asks := bookLevels([2]string{"101", "2"})
	l.OnDepth(bids, asks)

	// (8-2)/(8+2) = 0.6 for both depths with only two levels.
	if math.Abs(l.OBIWeighted()-0.6) > 1e-9 {
		t.Errorf("expected obiWeighted 0.6, got %f", l.OBIWeighted())
	}
	if math.Abs(l.OBIDeep()-0.6) > 1e-9 {
		t.Errorf("expected obiDeep 0.6, got %f", l.OBIDeep())
	}
	if math.Abs(l.OBIDivergence()) > 1e-9 {
		t.Errorf("expected zero divergence, got %f", l.OBIDivergence())
	}
	if l.OBIWeighted() < -1 || l.OBIWeighted() > 1 {
		t.Errorf("obi out of range: %f", l.OBIWeighted())
	}
}

func TestLegacyDeltaZAndVWAP(t *testing.T) {
	l := metrics.NewLegacyCalculator()
	t0 := int64(1_700_000_000_000)

	// Several seconds of modest buy flow, then a large buy second.
	for sec := int64(0); sec < 10; sec++ {
		l.OnTrade(trade(t0+sec*1000, "100", "1", types.SideBuy))
	}
	// Large flow in second 10; z-score is computed when the bucket rolls.
	l.OnTrade(trade(t0+10_000, "100", "50", types.SideBuy))
	l.OnTrade(trade(t0+11_000, "100", "1", types.SideBuy))

	if l.DeltaZ() <= 0 {
		t.Errorf("expected positive deltaZ after large buy bucket, got %f", l.DeltaZ())
	}

	if math.Abs(l.VWAP()-100) > 1e-9 {
		t.Errorf("expected vwap 100, got %f", l.VWAP())
	}
	if l.SessionCVD() != 61 {
		t.Errorf("expected session cvd 61, got %f", l.SessionCVD())
	}

	l.ResetSession()
	if l.SessionCVD() != 0 || l.VWAP() != 0 {
		t.Error("session reset did not clear accumulators")
	}
}

func TestLegacyCVDSlope(t *testing.T) {
	l := metrics.NewLegacyCalculator()
	t0 := int64(1_700_000_000_000)

	// Steady one-per-second buys: session CVD rises 1/s, slope ~1.
	for sec := int64(0); sec < 30; sec++ {
		l.OnTrade(trade(t0+sec*1000, "100", "1", types.SideBuy))
	}
	slope := l.CVDSlope(t0 + 30_000)
	if math.Abs(slope-1) > 0.1 {
		t.Errorf("expected cvd slope ~1/s, got %f", slope)
	}
}
