// Package orchestrator implements the OrchestratorV1 decision core: a pure
// per-tick evaluation of the metric bundle through readiness checks, three
// sequential gates, an impulse detector, and the chase/add/exit state
// machines, emitting ordered order intents. The orchestrator never mutates
// external state; callers own submission outcomes.
package orchestrator

// Params is the frozen OrchestratorV1 configuration.
type Params struct {
	Readiness  ReadinessParams  `mapstructure:"readiness"`
	GateA      GateAParams      `mapstructure:"gate_a"`
	GateB      GateBParams      `mapstructure:"gate_b"`
	GateC      GateCParams      `mapstructure:"gate_c"`
	Hysteresis HysteresisParams `mapstructure:"hysteresis"`
	Impulse    ImpulseParams    `mapstructure:"impulse"`
	Entry      EntryParams      `mapstructure:"entry"`
	Chase      ChaseParams      `mapstructure:"chase"`
	Fallback   FallbackParams   `mapstructure:"fallback"`
	Adds       AddsParams       `mapstructure:"adds"`
	ExitRisk   ExitRiskParams   `mapstructure:"exit_risk"`
}

// ReadinessParams gates evaluation on data availability.
type ReadinessParams struct {
	MinBars int     `mapstructure:"min_bars"`
	MinPps  float64 `mapstructure:"min_pps"`
}

// GateAParams is the regime/liquidity gate.
type GateAParams struct {
	TrendinessMin float64 `mapstructure:"trendiness_min"`
	ChopMax       float64 `mapstructure:"chop_max"`
	VolOfVolMax   float64 `mapstructure:"vol_of_vol_max"`
	SpreadPctMax  float64 `mapstructure:"spread_pct_max"`
	OIDropBlock   float64 `mapstructure:"oi_drop_block"`
}

// GateBParams is the directional-flow gate.
type GateBParams struct {
	DeltaZMinAbs     float64 `mapstructure:"delta_z_min_abs"`
	CVDSlopeMinAbs   float64 `mapstructure:"cvd_slope_min_abs"`
	OBISupportMinAbs float64 `mapstructure:"obi_support_min_abs"`
	SmoothingAlpha   float64 `mapstructure:"smoothing_alpha"`
}

// GateCParams is the location/microstructure gate.
type GateCParams struct {
	VWAPDistanceMaxPct float64 `mapstructure:"vwap_distance_max_pct"`
	MaxRealizedVol1m   float64 `mapstructure:"max_realized_vol_1m"`
}

// HysteresisParams controls entry/flip confirmation.
type HysteresisParams struct {
	Consecutive        int   `mapstructure:"consecutive"`
	EntryConfirmations int   `mapstructure:"entry_confirmations"`
	MinFlipIntervalMs  int64 `mapstructure:"min_flip_interval_ms"`
}

// ImpulseParams detects trade-rate/deltaZ spikes that justify taking.
type ImpulseParams struct {
	MinPps       float64 `mapstructure:"min_pps"`
	MinAbsDeltaZ float64 `mapstructure:"min_abs_delta_z"`
	SpreadPctMax float64 `mapstructure:"spread_pct_max"`
}

// EntryParams shapes maker entries.
type EntryParams struct {
	LayerOneNotionalPct float64 `mapstructure:"layer_one_notional_pct"`
	LayerTwoNotionalPct float64 `mapstructure:"layer_two_notional_pct"`
	PostOnly            bool    `mapstructure:"post_only"`
	CooldownMs          int64   `mapstructure:"cooldown_ms"`
}

// ChaseParams bounds the maker reprice chase.
type ChaseParams struct {
	ChaseMaxSeconds int64 `mapstructure:"chase_max_seconds"`
	RepriceMs       int64 `mapstructure:"reprice_ms"`
	MaxReprices     int   `mapstructure:"max_reprices"`
	TTLMs           int64 `mapstructure:"ttl_ms"`
}

// FallbackParams bounds the taker entry fallback.
type FallbackParams struct {
	MaxNotionalPct float64 `mapstructure:"max_notional_pct"`
	CooldownMs     int64   `mapstructure:"cooldown_ms"`
}

// AddsParams gates position adds. Step thresholds are in ATR multiples from
// the entry VWAP.
type AddsParams struct {
	Add1ATRMultiple float64 `mapstructure:"add1_atr_multiple"`
	Add2ATRMultiple float64 `mapstructure:"add2_atr_multiple"`
	Add1QtyFactor   float64 `mapstructure:"add1_qty_factor"`
	Add2QtyFactor   float64 `mapstructure:"add2_qty_factor"`
	MinIntervalMs   int64   `mapstructure:"min_interval_ms"`
	MaxAdds         int     `mapstructure:"max_adds"`
	OBIMin          float64 `mapstructure:"obi_min"`
	CVDSlopeMin     float64 `mapstructure:"cvd_slope_min"`
	OIChangeMin     float64 `mapstructure:"oi_change_min"`
}

// ExitRiskParams triggers and shapes defensive exits.
type ExitRiskParams struct {
	TrendinessMin       float64 `mapstructure:"trendiness_min"`
	ChopMax             float64 `mapstructure:"chop_max"`
	OBIFlipThreshold    float64 `mapstructure:"obi_flip_threshold"`
	DeltaZFlipThreshold float64 `mapstructure:"delta_z_flip_threshold"`
	IntegrityFailLevel  int     `mapstructure:"integrity_fail_level"`
	MakerAttempts       int     `mapstructure:"maker_attempts"`
	MakerTTLMs          int64   `mapstructure:"maker_ttl_ms"`
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		Readiness: ReadinessParams{
			MinBars: 180,
			MinPps:  0.5,
		},
		GateA: GateAParams{
			TrendinessMin: 0.25,
			ChopMax:       0.65,
			VolOfVolMax:   0.50,
			SpreadPctMax:  0.0008,
			OIDropBlock:   -0.03,
		},
		GateB: GateBParams{
			DeltaZMinAbs:     0.8,
			CVDSlopeMinAbs:   50,
			OBISupportMinAbs: 0.08,
			SmoothingAlpha:   0.35,
		},
		GateC: GateCParams{
			VWAPDistanceMaxPct: 0.004,
			MaxRealizedVol1m:   0.35,
		},
		Hysteresis: HysteresisParams{
			Consecutive:        3,
			EntryConfirmations: 2,
			MinFlipIntervalMs:  90_000,
		},
		Impulse: ImpulseParams{
			MinPps:       5,
			MinAbsDeltaZ: 0.9,
			SpreadPctMax: 0.0008,
		},
		Entry: EntryParams{
			LayerOneNotionalPct: 0.5,
			LayerTwoNotionalPct: 0.5,
			PostOnly:            true,
			CooldownMs:          120_000,
		},
		Chase: ChaseParams{
			ChaseMaxSeconds: 18,
			RepriceMs:       2500,
			MaxReprices:     6,
			TTLMs:           20_000,
		},
		Fallback: FallbackParams{
			MaxNotionalPct: 0.25,
			CooldownMs:     60_000,
		},
		Adds: AddsParams{
			Add1ATRMultiple: 0.75,
			Add2ATRMultiple: 1.5,
			Add1QtyFactor:   0.5,
			Add2QtyFactor:   0.33,
			MinIntervalMs:   45_000,
			MaxAdds:         2,
			OBIMin:          0.05,
			CVDSlopeMin:     20,
			OIChangeMin:     -0.01,
		},
		ExitRisk: ExitRiskParams{
			TrendinessMin:       0.10,
			ChopMax:             0.80,
			OBIFlipThreshold:    0.15,
			DeltaZFlipThreshold: 1.2,
			IntegrityFailLevel:  2,
			MakerAttempts:       2,
			MakerTTLMs:          4000,
		},
	}
}
