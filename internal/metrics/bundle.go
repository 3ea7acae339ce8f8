// Package metrics computes the per-symbol microstructure metric families from
// the sequenced event stream and assembles them into a MetricBundle per tick.
// Each symbol's pipeline is the sole writer to its accumulators.
package metrics

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/marketflow/pkg/types"
)

// MetricBundle is the serialized per-symbol snapshot published per tick and
// consumed by the orchestrator and the broadcaster.
type MetricBundle struct {
	Symbol      string `json:"symbol"`
	GeneratedMs int64  `json:"generatedMs"`

	// Book surface
	Bids      []types.BookLevel `json:"bids"`
	Asks      []types.BookLevel `json:"asks"`
	BestBid   decimal.Decimal   `json:"bestBid"`
	BestAsk   decimal.Decimal   `json:"bestAsk"`
	Mid       float64           `json:"mid"`
	SpreadPct float64           `json:"spreadPct"`
	BookState string            `json:"bookState"`

	// Flow
	CVD          map[string]CVDSnapshot `json:"cvd"`
	TimeAndSales TASSnapshot            `json:"timeAndSales"`
	Absorption   AbsorptionSnapshot     `json:"absorption"`

	// Legacy calculator
	OBIWeighted   float64 `json:"obiWeighted"`
	OBIDeep       float64 `json:"obiDeep"`
	OBIDivergence float64 `json:"obiDivergence"`
	DeltaZ        float64 `json:"deltaZ"`
	CVDSlope      float64 `json:"cvdSlope"`

	// Sessions and structure
	SessionVWAP VWAPSnapshot `json:"sessionVwap"`
	HTF         HTFSnapshot  `json:"htf"`

	// Advanced families
	Liquidity   LiquiditySnapshot   `json:"liquidity"`
	PassiveFlow PassiveFlowSnapshot `json:"passiveFlow"`
	Derivatives DerivativesSnapshot `json:"derivatives"`
	Toxicity    ToxicitySnapshot    `json:"toxicity"`
	Regime      RegimeSnapshot      `json:"regime"`
	CrossMarket CrossMarketSnapshot `json:"crossMarket"`

	OpenInterest OISnapshot      `json:"openInterest"`
	Funding      FundingSnapshot `json:"funding"`

	// Feed health
	Integrity     string  `json:"integrity"`
	BarsLoaded1m  int     `json:"barsLoaded1m"`
	ATR3m         float64 `json:"atr3m"`
	ATRSource     string  `json:"atrSource"`
	LastEventMs   int64   `json:"lastEventMs"`
	EventsApplied int64   `json:"eventsApplied"`
}

// ATR source tags mirrored into decisions.
const (
	ATRSourceMicro    = "MICRO_ATR"
	ATRSourceBackfill = "BACKFILL_ATR"
	ATRSourceUnknown  = "UNKNOWN"
)
