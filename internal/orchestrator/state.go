package orchestrator

import (
	"github.com/atlas-desktop/marketflow/internal/window"
	"github.com/atlas-desktop/marketflow/pkg/types"
)

// chasePhase is the chase state machine position.
type chasePhase int

const (
	chaseIdle chasePhase = iota
	chaseActive
	chaseTimedOut
	chaseFilled
)

// chaseState is the single outstanding chase per symbol.
type chaseState struct {
	phase         chasePhase
	side          types.Side
	startedAtMs   int64
	lastRepriceMs int64
	repricesUsed  int
}

func (c *chaseState) reset() {
	*c = chaseState{}
}

// state is the mutable cross-tick memory for one symbol. It belongs to the
// orchestrator instance and is never shared.
type state struct {
	// Smoothed gate-B signals.
	deltaZEWMA *window.EWMA
	obiEWMA    *window.EWMA
	slopeMed   window.MedianOf3

	// Hysteresis.
	candidateSide     types.Side
	consecutivePasses int
	confirmations     int

	lastFlipMs         int64
	cooldownUntilMs    int64
	lastEvalMs         int64
	lastChaseTimeoutMs int64

	chase chaseState

	// Exit-risk ladder.
	exitRiskActive    bool
	exitRiskReason    string
	makerAttemptsUsed int
	lastMakerExitMs   int64

	// Add tracking (position fields arrive from the caller; adds used and
	// last-add time are mirrored here so rate limiting survives snapshots
	// that omit them).
	addsUsed  int
	lastAddMs int64

	telemetry Telemetry
}

func newState(alpha float64) *state {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.35
	}
	return &state{
		deltaZEWMA: window.NewEWMA(alpha),
		obiEWMA:    window.NewEWMA(alpha),
	}
}

// noteGatePass advances hysteresis for side, resetting on side changes.
func (s *state) noteGatePass(side types.Side) {
	if side != s.candidateSide {
		s.candidateSide = side
		s.consecutivePasses = 1
		s.confirmations = 0
		return
	}
	s.consecutivePasses++
}

// noteGateFail clears the streak.
func (s *state) noteGateFail() {
	s.consecutivePasses = 0
	s.confirmations = 0
}

// clearPositionCycle resets per-position state after any exit.
func (s *state) clearPositionCycle() {
	s.addsUsed = 0
	s.lastAddMs = 0
	s.exitRiskActive = false
	s.exitRiskReason = ""
	s.makerAttemptsUsed = 0
	s.lastMakerExitMs = 0
}
