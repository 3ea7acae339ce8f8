package metrics

import (
	"github.com/atlas-desktop/marketflow/internal/window"
	"github.com/atlas-desktop/marketflow/pkg/types"
)

// OISnapshot is the open-interest metric family.
type OISnapshot struct {
	OpenInterest float64 `json:"openInterest"`
	ChangePct1m  float64 `json:"changePct1m"`
	ChangePct5m  float64 `json:"changePct5m"`
	UpdatedMs    int64   `json:"updatedMs"`
}

// OpenInterestMetrics tracks OI level and rolling percentage change.
type OpenInterestMetrics struct {
	current   float64
	updatedMs int64
	history1m *window.Stats
	history5m *window.Stats
}

// NewOpenInterestMetrics creates the tracker.
func NewOpenInterestMetrics() *OpenInterestMetrics {
	return &OpenInterestMetrics{
		history1m: window.NewStats(60_000),
		history5m: window.NewStats(5 * 60_000),
	}
}

// OnUpdate folds one OI reading.
func (o *OpenInterestMetrics) OnUpdate(u *types.OpenInterestUpdate) {
	o.current = u.OpenInterest.InexactFloat64()
	o.updatedMs = u.EventTimeMs
	o.history1m.Add(u.EventTimeMs, o.current)
	o.history5m.Add(u.EventTimeMs, o.current)
}

// Snapshot reads the family as of nowMs. Change is measured against the
// rolling window mean.
func (o *OpenInterestMetrics) Snapshot(nowMs int64) OISnapshot {
	snap := OISnapshot{
		OpenInterest: o.current,
		UpdatedMs:    o.updatedMs,
	}
	if m := o.history1m.Mean(nowMs); m > 0 {
		snap.ChangePct1m = (o.current - m) / m
	}
	if m := o.history5m.Mean(nowMs); m > 0 {
		snap.ChangePct5m = (o.current - m) / m
	}
	return snap
}

// FundingSnapshot is the latest funding reading.
type FundingSnapshot struct {
	Rate            float64 `json:"rate"`
	NextFundingTime int64   `json:"nextFundingTime"`
	UpdatedMs       int64   `json:"updatedMs"`
}

// FundingMetrics stores the latest funding state from the mark-price stream.
type FundingMetrics struct {
	snap FundingSnapshot
}

// NewFundingMetrics creates the tracker.
func NewFundingMetrics() *FundingMetrics {
	return &FundingMetrics{}
}

// OnMarkPrice folds one mark-price update.
func (f *FundingMetrics) OnMarkPrice(u *types.MarkPriceUpdate) {
	f.snap = FundingSnapshot{
		Rate:            u.FundingRate.InexactFloat64(),
		NextFundingTime: u.NextFundingTime,
		UpdatedMs:       u.EventTimeMs,
	}
}

// Snapshot returns the latest funding reading.
func (f *FundingMetrics) Snapshot() FundingSnapshot {
	return f.snap
}
