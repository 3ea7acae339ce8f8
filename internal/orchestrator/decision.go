package orchestrator

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/marketflow/pkg/types"
)

// Intent is the per-tick decision class.
type Intent string

const (
	IntentHold     Intent = "HOLD"
	IntentEntry    Intent = "ENTRY"
	IntentAdd      Intent = "ADD"
	IntentExitRisk Intent = "EXIT_RISK"
	IntentExitFlip Intent = "EXIT_FLIP"
)

// OrderKind distinguishes maker flow from the taker escape hatches.
type OrderKind string

const (
	KindMaker              OrderKind = "MAKER"
	KindTakerEntryFallback OrderKind = "TAKER_ENTRY_FALLBACK"
	KindTakerExitRisk      OrderKind = "TAKER_EXIT_RISK"
)

// OrderRole tags what the order is for.
type OrderRole string

const (
	RoleEntry OrderRole = "ENTRY"
	RoleAdd   OrderRole = "ADD"
	RoleExit  OrderRole = "EXIT"
)

// BlockedReason enumerates why a taker fallback did not fire, in priority
// order.
type BlockedReason string

const (
	BlockedImpulseFalse BlockedReason = "IMPULSE_FALSE"
	BlockedGatesFalse   BlockedReason = "GATES_FALSE"
	BlockedNoTimeout    BlockedReason = "NO_TIMEOUT"
	BlockedDryRun       BlockedReason = "DRYRUN_BLOCK"
	BlockedConfig       BlockedReason = "CONFIG_BLOCK"
	BlockedOther        BlockedReason = "OTHER"
)

// OrderIntent is one ordered instruction for the submission layer.
type OrderIntent struct {
	ID             string           `json:"id"`
	Kind           OrderKind        `json:"kind"`
	Side           types.Side       `json:"side"`
	Role           OrderRole        `json:"role"`
	NotionalPct    float64          `json:"notionalPct"`
	Qty            decimal.Decimal  `json:"qty"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	PostOnly       bool             `json:"postOnly"`
	RepriceAttempt int              `json:"repriceAttempt"`
}

// Readiness reports data-availability checks.
type Readiness struct {
	Ready   bool     `json:"ready"`
	Reasons []string `json:"reasons,omitempty"`
}

// GateResult is the outcome of one gate.
type GateResult struct {
	Passed bool            `json:"passed"`
	Reason string          `json:"reason,omitempty"`
	Checks map[string]bool `json:"checks"`
}

// ImpulseResult is the impulse detector outcome.
type ImpulseResult struct {
	Passed bool            `json:"passed"`
	Checks map[string]bool `json:"checks"`
}

// AddResult reports the add sub-state machine.
type AddResult struct {
	Triggered      bool    `json:"triggered"`
	Step           int     `json:"step,omitempty"` // step evaluated (1 or 2), triggered or not; 0 when none is
	ThresholdPrice float64 `json:"thresholdPrice,omitempty"`
	GatePassed     bool    `json:"gatePassed"`
	RateLimitOK    bool    `json:"rateLimitPassed"`
}

// ExitRiskResult reports the exit-risk sub-state machine.
type ExitRiskResult struct {
	Triggered         bool   `json:"triggered"`
	TriggeredThisTick bool   `json:"triggeredThisTick"`
	Reason            string `json:"reason,omitempty"`
	MakerAttemptsUsed int    `json:"makerAttemptsUsed"`
	TakerUsed         bool   `json:"takerUsed"`
}

// PositionSnapshot is the caller-supplied dry-run position, mirrored back in
// the decision with the orchestrator-owned fields filled in.
type PositionSnapshot struct {
	IsOpen         bool            `json:"isOpen"`
	Side           types.Side      `json:"side,omitempty"`
	Qty            decimal.Decimal `json:"qty"`
	EntryVWAP      decimal.Decimal `json:"entryVwap"`
	BaseQty        decimal.Decimal `json:"baseQty"`
	AddsUsed       int             `json:"addsUsed"`
	LastAddTs      int64           `json:"lastAddTs"`
	CooldownUntil  int64           `json:"cooldownUntilTs"`
	ATR3m          float64         `json:"atr3m"`
	ATRSource      string          `json:"atrSource"`
}

// ChaseStatus mirrors the chase state machine into the decision.
type ChaseStatus struct {
	Active          bool  `json:"active"`
	StartedAtMs     int64 `json:"startedAtMs,omitempty"`
	ExpiresAtMs     int64 `json:"expiresAtMs,omitempty"`
	RepriceMs       int64 `json:"repriceMs"`
	MaxReprices     int   `json:"maxReprices"`
	RepricesUsed    int   `json:"repricesUsed"`
	ChaseMaxSeconds int64 `json:"chaseMaxSeconds"`
	TTLMs           int64 `json:"ttlMs"`
}

// Telemetry carries the counters surfaced for observability only.
type Telemetry struct {
	FallbackTriggered  int64         `json:"fallbackTriggeredCount"`
	FallbackBlocked    BlockedReason `json:"fallbackBlockedReason,omitempty"`
	ExitOnFlipCount    int64         `json:"exitOnFlipCount"`
	ReversalAttempted  int64         `json:"reversalAttempted"`
	ReversalBlocked    int64         `json:"reversalBlocked"`
	ReversalConverted  int64         `json:"reversalConverted"`
	PostOnlyRejects    int64         `json:"postOnlyRejects"`
	CancelReplaceCount int64         `json:"cancelReplaceCount"`
}

// Decision is the full per-tick output.
type Decision struct {
	Symbol      string           `json:"symbol"`
	EvaluatedMs int64            `json:"evaluatedMs"`
	Intent      Intent           `json:"intent"`
	Side        types.Side       `json:"side,omitempty"`
	BlockReason string           `json:"blockReason,omitempty"`
	Readiness   Readiness        `json:"readiness"`
	GateA       GateResult       `json:"gateA"`
	GateB       GateResult       `json:"gateB"`
	GateC       GateResult       `json:"gateC"`
	Impulse     ImpulseResult    `json:"impulse"`
	Add         AddResult        `json:"add"`
	ExitRisk    ExitRiskResult   `json:"exitRisk"`
	Position    PositionSnapshot `json:"position"`
	Orders      []OrderIntent    `json:"orders"`
	Chase       ChaseStatus      `json:"chase"`
	Telemetry   Telemetry        `json:"telemetry"`
}
