package orchestrator

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/marketflow/internal/metrics"
	"github.com/atlas-desktop/marketflow/pkg/types"
)

// BTCContext is the optional cross-market veto input.
type BTCContext struct {
	DeltaZ     float64 `json:"deltaZ"`
	Trendiness float64 `json:"trendiness"`
}

// Input is everything one evaluation tick consumes.
type Input struct {
	Bundle   *metrics.MetricBundle
	Position PositionSnapshot
	BTC      *BTCContext
	NowMs    int64

	KillSwitch       bool
	ExecutionEnabled bool
	DryRunBlocked    bool

	// FillConfirmed reports that the chased entry filled since the last tick.
	FillConfirmed bool

	// Submission feedback, telemetry only.
	PostOnlyRejects    int64
	CancelReplaceCount int64
}

// OrchestratorV1 evaluates one symbol per tick. All cross-tick memory lives
// in its private state; Evaluate never mutates anything outside it.
type OrchestratorV1 struct {
	logger *zap.Logger
	symbol string
	params Params
	st     *state
}

// New creates an orchestrator for symbol with the given frozen params.
func New(logger *zap.Logger, symbol string, params Params) *OrchestratorV1 {
	return &OrchestratorV1{
		logger: logger.Named("orchestrator"),
		symbol: symbol,
		params: params,
		st:     newState(params.GateB.SmoothingAlpha),
	}
}

// Evaluate runs one decision tick.
func (o *OrchestratorV1) Evaluate(in Input) Decision {
	b := in.Bundle
	st := o.st
	st.telemetry.PostOnlyRejects = in.PostOnlyRejects
	st.telemetry.CancelReplaceCount = in.CancelReplaceCount
	st.lastEvalMs = in.NowMs

	d := Decision{
		Symbol:      o.symbol,
		EvaluatedMs: in.NowMs,
		Intent:      IntentHold,
		Chase:       o.chaseStatus(in.NowMs),
	}

	if in.KillSwitch {
		d.BlockReason = "KILL_SWITCH"
		return o.finish(d, in)
	}

	// Smoothed gate-B signals update every tick so the EWMA stays warm even
	// while not ready.
	smDeltaZ := st.deltaZEWMA.Update(b.DeltaZ)
	smOBI := st.obiEWMA.Update(b.OBIWeighted)
	smSlope := st.slopeMed.Push(b.CVDSlope)

	d.Readiness = o.readiness(b)
	d.Impulse = o.impulse(b)

	if !d.Readiness.Ready {
		st.noteGateFail()
		d.BlockReason = "NOT_READY"
		d.Chase = o.tickChase(&d, in, false, false)
		return o.finish(d, in)
	}

	candidate := candidateSide(smDeltaZ)
	d.GateA = o.gateA(b)
	d.GateB = o.gateB(candidate, smDeltaZ, smSlope, smOBI, in.BTC)
	d.GateC = o.gateC(b)
	allGates := d.GateA.Passed && d.GateB.Passed && d.GateC.Passed && candidate != ""

	if allGates {
		st.noteGatePass(candidate)
		if st.consecutivePasses >= o.params.Hysteresis.Consecutive {
			st.confirmations++
		}
	} else {
		st.noteGateFail()
	}

	if !d.GateA.Passed {
		d.BlockReason = d.GateA.Reason
	} else if !d.GateB.Passed {
		d.BlockReason = d.GateB.Reason
	} else if !d.GateC.Passed {
		d.BlockReason = d.GateC.Reason
	}

	// A closed position ends any exit ladder and add cycle.
	if !in.Position.IsOpen && st.exitRiskActive {
		st.clearPositionCycle()
	}

	// Position-side machines run before entries: flip supersedes chase and
	// everything else.
	if in.Position.IsOpen {
		if o.evaluateFlip(&d, in) {
			return o.finish(d, in)
		}
		o.evaluateExitRisk(&d, in)
		if d.Intent == IntentExitRisk {
			return o.finish(d, in)
		}
		o.evaluateAdd(&d, in)
		d.Chase = o.tickChase(&d, in, allGates, d.Impulse.Passed)
		return o.finish(d, in)
	}

	d.Chase = o.tickChase(&d, in, allGates, d.Impulse.Passed)
	if d.Intent == IntentHold {
		o.evaluateEntry(&d, in, allGates, candidate)
	}
	return o.finish(d, in)
}

// finish mirrors the position and telemetry after all state transitions for
// the tick have run.
func (o *OrchestratorV1) finish(d Decision, in Input) Decision {
	d.Position = o.mirrorPosition(in)
	d.Telemetry = o.st.telemetry
	return d
}

// readiness checks data availability.
func (o *OrchestratorV1) readiness(b *metrics.MetricBundle) Readiness {
	r := Readiness{Ready: true}
	if b.BarsLoaded1m < o.params.Readiness.MinBars {
		r.Ready = false
		r.Reasons = append(r.Reasons, fmt.Sprintf("barsLoaded1m %d < %d", b.BarsLoaded1m, o.params.Readiness.MinBars))
	}
	if b.TimeAndSales.PrintsPerSecond < o.params.Readiness.MinPps {
		r.Ready = false
		r.Reasons = append(r.Reasons, fmt.Sprintf("printsPerSecond %.2f < %.2f", b.TimeAndSales.PrintsPerSecond, o.params.Readiness.MinPps))
	}
	return r
}

// gateA is the regime/liquidity gate.
func (o *OrchestratorV1) gateA(b *metrics.MetricBundle) GateResult {
	p := o.params.GateA
	checks := map[string]bool{
		"trendiness": b.Regime.Trendiness >= p.TrendinessMin,
		"chop":       b.Regime.ChopScore <= p.ChopMax,
		"volOfVol":   b.Regime.VolOfVol <= p.VolOfVolMax,
		"spread":     b.SpreadPct > 0 && b.SpreadPct <= p.SpreadPctMax,
		"oiDrop":     b.OpenInterest.ChangePct1m >= p.OIDropBlock,
	}
	return gateResult("GateA", checks, []string{"trendiness", "chop", "volOfVol", "spread", "oiDrop"})
}

// gateB is the directional-flow gate for the candidate side.
func (o *OrchestratorV1) gateB(candidate types.Side, deltaZ, slope, obiW float64, btc *BTCContext) GateResult {
	p := o.params.GateB
	if candidate == "" {
		return GateResult{
			Passed: false,
			Reason: "GateB.noCandidate",
			Checks: map[string]bool{"candidate": false},
		}
	}

	dir := 1.0
	if candidate == types.SideSell {
		dir = -1.0
	}

	checks := map[string]bool{
		"deltaZ":     deltaZ*dir >= p.DeltaZMinAbs,
		"cvdSlope":   slope*dir >= p.CVDSlopeMinAbs,
		"obiSupport": obiW*dir >= p.OBISupportMinAbs,
		"btcVeto":    true,
	}
	if btc != nil && btc.DeltaZ*dir <= -1.0 {
		checks["btcVeto"] = false
	}
	return gateResult("GateB", checks, []string{"deltaZ", "cvdSlope", "obiSupport", "btcVeto"})
}

// gateC is the location/microstructure gate.
func (o *OrchestratorV1) gateC(b *metrics.MetricBundle) GateResult {
	p := o.params.GateC
	vwapOK := false
	if b.SessionVWAP.Value > 0 && b.Mid > 0 {
		dist := b.Mid - b.SessionVWAP.Value
		if dist < 0 {
			dist = -dist
		}
		vwapOK = dist/b.SessionVWAP.Value <= p.VWAPDistanceMaxPct
	}
	checks := map[string]bool{
		"vwapDistance":  vwapOK,
		"realizedVol1m": b.Regime.RealizedVol1m <= p.MaxRealizedVol1m,
	}
	return gateResult("GateC", checks, []string{"vwapDistance", "realizedVol1m"})
}

// impulse detects trade-rate + deltaZ spikes with an acceptable spread.
func (o *OrchestratorV1) impulse(b *metrics.MetricBundle) ImpulseResult {
	p := o.params.Impulse
	absZ := b.DeltaZ
	if absZ < 0 {
		absZ = -absZ
	}
	checks := map[string]bool{
		"printsPerSecond": b.TimeAndSales.PrintsPerSecond >= p.MinPps,
		"deltaZ":          absZ >= p.MinAbsDeltaZ,
		"spread":          b.SpreadPct > 0 && b.SpreadPct <= p.SpreadPctMax,
	}
	return ImpulseResult{
		Passed: checks["printsPerSecond"] && checks["deltaZ"] && checks["spread"],
		Checks: checks,
	}
}

// evaluateEntry emits layered maker entries once hysteresis is satisfied.
func (o *OrchestratorV1) evaluateEntry(d *Decision, in Input, allGates bool, candidate types.Side) {
	st := o.st
	if !allGates {
		return
	}
	if st.consecutivePasses < o.params.Hysteresis.Consecutive ||
		st.confirmations < o.params.Hysteresis.EntryConfirmations {
		d.BlockReason = "HYSTERESIS"
		return
	}
	if in.NowMs == st.lastChaseTimeoutMs {
		// A chase timed out this very tick; re-arming waits one tick.
		d.BlockReason = "CHASE_TIMEOUT"
		return
	}
	if in.NowMs < st.cooldownUntilMs {
		d.BlockReason = "COOLDOWN"
		return
	}
	if st.chase.phase == chaseActive {
		d.BlockReason = "CHASE_ACTIVE"
		return
	}
	if in.DryRunBlocked {
		d.BlockReason = string(BlockedDryRun)
		return
	}
	if !in.ExecutionEnabled {
		d.BlockReason = string(BlockedConfig)
		return
	}

	price, ok := o.makerPrice(in.Bundle, candidate)
	if !ok {
		d.BlockReason = "NO_BOOK"
		return
	}

	d.Intent = IntentEntry
	d.Side = candidate
	d.Orders = append(d.Orders,
		o.makerOrder(candidate, RoleEntry, o.params.Entry.LayerOneNotionalPct, price, 0),
		o.makerOrder(candidate, RoleEntry, o.params.Entry.LayerTwoNotionalPct, price, 0),
	)

	st.chase = chaseState{
		phase:         chaseActive,
		side:          candidate,
		startedAtMs:   in.NowMs,
		lastRepriceMs: in.NowMs,
	}
	st.confirmations = 0
	d.Chase = o.chaseStatus(in.NowMs)

	o.logger.Info("entry intent",
		zap.String("symbol", o.symbol),
		zap.String("side", string(candidate)),
		zap.Float64("deltaZ", in.Bundle.DeltaZ),
		zap.Float64("obiWeighted", in.Bundle.OBIWeighted),
	)
}

// tickChase advances the chase state machine and owns the taker fallback.
func (o *OrchestratorV1) tickChase(d *Decision, in Input, allGates, impulse bool) ChaseStatus {
	st := o.st
	p := o.params.Chase

	switch st.chase.phase {
	case chaseActive:
		if in.FillConfirmed {
			st.chase.reset()
			return o.chaseStatus(in.NowMs)
		}
		elapsed := in.NowMs - st.chase.startedAtMs
		if elapsed >= p.ChaseMaxSeconds*1000 || st.chase.repricesUsed >= p.MaxReprices {
			st.chase.phase = chaseTimedOut
			break
		}
		if in.NowMs-st.chase.lastRepriceMs >= p.RepriceMs {
			st.chase.repricesUsed++
			st.chase.lastRepriceMs = in.NowMs
			if price, ok := o.makerPrice(in.Bundle, st.chase.side); ok && in.ExecutionEnabled {
				d.Orders = append(d.Orders,
					o.makerOrder(st.chase.side, RoleEntry, o.params.Entry.LayerOneNotionalPct, price, st.chase.repricesUsed))
			}
		}
		return o.chaseStatus(in.NowMs)
	case chaseIdle, chaseFilled, chaseTimedOut:
		// fall through to fallback evaluation below for timed-out chases
	}

	if st.chase.phase != chaseTimedOut {
		return o.chaseStatus(in.NowMs)
	}

	// Timed out: either escalate to a taker or record why not, in the fixed
	// priority order.
	st.lastChaseTimeoutMs = in.NowMs
	side := st.chase.side
	switch {
	case !impulse:
		st.telemetry.FallbackBlocked = BlockedImpulseFalse
	case !allGates:
		st.telemetry.FallbackBlocked = BlockedGatesFalse
	case in.DryRunBlocked:
		st.telemetry.FallbackBlocked = BlockedDryRun
	case !in.ExecutionEnabled:
		st.telemetry.FallbackBlocked = BlockedConfig
	case in.NowMs < st.cooldownUntilMs:
		st.telemetry.FallbackBlocked = BlockedOther
	default:
		st.telemetry.FallbackBlocked = ""
		st.telemetry.FallbackTriggered++
		d.Intent = IntentEntry
		d.Side = side
		d.Orders = append(d.Orders, OrderIntent{
			ID:          uuid.NewString(),
			Kind:        KindTakerEntryFallback,
			Side:        side,
			Role:        RoleEntry,
			NotionalPct: o.params.Fallback.MaxNotionalPct,
		})
		st.cooldownUntilMs = in.NowMs + o.params.Fallback.CooldownMs
		o.logger.Info("taker entry fallback",
			zap.String("symbol", o.symbol),
			zap.String("side", string(side)),
			zap.Int("repricesUsed", st.chase.repricesUsed),
		)
	}
	st.chase.reset()
	return o.chaseStatus(in.NowMs)
}

// evaluateFlip handles exit-on-flip; returns true when a flip fired. Flip
// supersedes an active chase.
func (o *OrchestratorV1) evaluateFlip(d *Decision, in Input) bool {
	st := o.st
	if st.candidateSide == "" || st.candidateSide == in.Position.Side {
		return false
	}
	if st.consecutivePasses < o.params.Hysteresis.Consecutive ||
		st.confirmations < o.params.Hysteresis.EntryConfirmations {
		return false
	}
	st.telemetry.ReversalAttempted++
	if in.NowMs-st.lastFlipMs < o.params.Hysteresis.MinFlipIntervalMs {
		st.telemetry.ReversalBlocked++
		return false
	}

	if st.chase.phase == chaseActive {
		st.chase.reset()
	}

	d.Intent = IntentExitFlip
	d.Side = in.Position.Side.Opposite()
	if in.ExecutionEnabled {
		if price, ok := o.makerPrice(in.Bundle, in.Position.Side.Opposite()); ok {
			order := o.makerOrder(in.Position.Side.Opposite(), RoleExit, 1.0, price, 0)
			order.Qty = in.Position.Qty
			d.Orders = append(d.Orders, order)
		}
	}

	st.lastFlipMs = in.NowMs
	st.cooldownUntilMs = in.NowMs + o.params.Entry.CooldownMs
	st.telemetry.ExitOnFlipCount++
	st.telemetry.ReversalConverted++
	st.clearPositionCycle()
	st.confirmations = 0
	d.Chase = o.chaseStatus(in.NowMs)

	o.logger.Info("exit on flip",
		zap.String("symbol", o.symbol),
		zap.String("positionSide", string(in.Position.Side)),
		zap.String("newCandidate", string(st.candidateSide)),
	)
	return true
}

// evaluateExitRisk runs the defensive exit ladder: maker attempts first, then
// the taker escape.
func (o *OrchestratorV1) evaluateExitRisk(d *Decision, in Input) {
	st := o.st
	p := o.params.ExitRisk
	b := in.Bundle

	dir := 1.0
	if in.Position.Side == types.SideSell {
		dir = -1.0
	}

	reason := ""
	switch {
	case b.Regime.Trendiness < p.TrendinessMin:
		reason = "regime.trendiness"
	case b.Regime.ChopScore > p.ChopMax:
		reason = "regime.chop"
	case b.OBIWeighted*dir <= -p.OBIFlipThreshold:
		reason = "flow.obiFlip"
	case b.DeltaZ*dir <= -p.DeltaZFlipThreshold:
		reason = "flow.deltaZFlip"
	case integrityRank(b.Integrity) >= p.IntegrityFailLevel:
		reason = "feed.integrity"
	}

	triggeredThisTick := false
	if reason != "" && !st.exitRiskActive {
		st.exitRiskActive = true
		st.exitRiskReason = reason
		triggeredThisTick = true
	}

	d.ExitRisk = ExitRiskResult{
		Triggered:         st.exitRiskActive,
		TriggeredThisTick: triggeredThisTick,
		Reason:            st.exitRiskReason,
		MakerAttemptsUsed: st.makerAttemptsUsed,
	}
	if !st.exitRiskActive {
		return
	}

	d.Intent = IntentExitRisk
	d.Side = in.Position.Side.Opposite()
	exitSide := in.Position.Side.Opposite()

	// Impulse against the position goes straight to the taker.
	impulseAgainst := d.Impulse.Passed && b.DeltaZ*dir < 0

	if (st.makerAttemptsUsed >= p.MakerAttempts || impulseAgainst) && in.ExecutionEnabled {
		d.Orders = append(d.Orders, OrderIntent{
			ID:          uuid.NewString(),
			Kind:        KindTakerExitRisk,
			Side:        exitSide,
			Role:        RoleExit,
			NotionalPct: 1.0,
			Qty:         in.Position.Qty,
		})
		d.ExitRisk.TakerUsed = true
		st.cooldownUntilMs = in.NowMs + o.params.Entry.CooldownMs
		st.clearPositionCycle()
		o.logger.Warn("taker exit risk",
			zap.String("symbol", o.symbol),
			zap.String("reason", d.ExitRisk.Reason),
			zap.Bool("impulseAgainst", impulseAgainst),
		)
		return
	}

	// Maker ladder: one post-only attempt per TTL window.
	if in.ExecutionEnabled && in.NowMs-st.lastMakerExitMs >= p.MakerTTLMs {
		if price, ok := o.makerPrice(b, exitSide); ok {
			order := o.makerOrder(exitSide, RoleExit, 1.0, price, st.makerAttemptsUsed)
			order.Qty = in.Position.Qty
			d.Orders = append(d.Orders, order)
			st.makerAttemptsUsed++
			st.lastMakerExitMs = in.NowMs
			d.ExitRisk.MakerAttemptsUsed = st.makerAttemptsUsed
		}
	}
}

// evaluateAdd runs the add sub-state machine while a position is open.
func (o *OrchestratorV1) evaluateAdd(d *Decision, in Input) {
	st := o.st
	p := o.params.Adds
	b := in.Bundle
	pos := in.Position

	addsUsed := pos.AddsUsed
	if st.addsUsed > addsUsed {
		addsUsed = st.addsUsed
	}
	step := addsUsed + 1
	if step > p.MaxAdds || pos.ATR3m <= 0 || !pos.EntryVWAP.IsPositive() || b.Mid <= 0 {
		return
	}

	multiple := p.Add1ATRMultiple
	qtyFactor := p.Add1QtyFactor
	if step == 2 {
		multiple = p.Add2ATRMultiple
		qtyFactor = p.Add2QtyFactor
	}

	entry := pos.EntryVWAP.InexactFloat64()
	move := entry * pos.ATR3m / 100 * multiple
	var threshold float64
	var favorable bool
	if pos.Side == types.SideBuy {
		threshold = entry + move
		favorable = b.Mid >= threshold
	} else {
		threshold = entry - move
		favorable = b.Mid <= threshold
	}

	dir := 1.0
	if pos.Side == types.SideSell {
		dir = -1.0
	}
	flowAligned := b.OBIWeighted*dir >= p.OBIMin &&
		b.CVDSlope*dir >= p.CVDSlopeMin &&
		b.OpenInterest.ChangePct1m >= p.OIChangeMin

	lastAdd := pos.LastAddTs
	if st.lastAddMs > lastAdd {
		lastAdd = st.lastAddMs
	}
	rateOK := lastAdd == 0 || in.NowMs-lastAdd >= p.MinIntervalMs

	d.Add = AddResult{
		Step:           step,
		ThresholdPrice: threshold,
		GatePassed:     flowAligned,
		RateLimitOK:    rateOK,
	}
	if !favorable || !flowAligned || !rateOK {
		return
	}
	if !in.ExecutionEnabled || in.DryRunBlocked {
		return
	}

	price, ok := o.makerPrice(b, pos.Side)
	if !ok {
		return
	}

	d.Add.Triggered = true
	d.Intent = IntentAdd
	d.Side = pos.Side
	order := o.makerOrder(pos.Side, RoleAdd, 0, price, 0)
	order.Qty = pos.BaseQty.Mul(decimal.NewFromFloat(qtyFactor))
	d.Orders = append(d.Orders, order)

	st.addsUsed = addsUsed + 1
	st.lastAddMs = in.NowMs

	o.logger.Info("add triggered",
		zap.String("symbol", o.symbol),
		zap.Int("step", step),
		zap.Float64("thresholdPrice", threshold),
	)
}

// makerPrice picks the joining price for side, nil-safe against a one-sided
// book.
func (o *OrchestratorV1) makerPrice(b *metrics.MetricBundle, side types.Side) (decimal.Decimal, bool) {
	if side == types.SideBuy {
		if b.BestBid.IsPositive() {
			return b.BestBid, true
		}
		return decimal.Zero, false
	}
	if b.BestAsk.IsPositive() {
		return b.BestAsk, true
	}
	return decimal.Zero, false
}

func (o *OrchestratorV1) makerOrder(side types.Side, role OrderRole, notionalPct float64, price decimal.Decimal, reprice int) OrderIntent {
	p := price
	return OrderIntent{
		ID:             uuid.NewString(),
		Kind:           KindMaker,
		Side:           side,
		Role:           role,
		NotionalPct:    notionalPct,
		Price:          &p,
		PostOnly:       o.params.Entry.PostOnly,
		RepriceAttempt: reprice,
	}
}

func (o *OrchestratorV1) chaseStatus(nowMs int64) ChaseStatus {
	st := o.st
	p := o.params.Chase
	cs := ChaseStatus{
		Active:          st.chase.phase == chaseActive,
		RepriceMs:       p.RepriceMs,
		MaxReprices:     p.MaxReprices,
		RepricesUsed:    st.chase.repricesUsed,
		ChaseMaxSeconds: p.ChaseMaxSeconds,
		TTLMs:           p.TTLMs,
	}
	if cs.Active {
		cs.StartedAtMs = st.chase.startedAtMs
		cs.ExpiresAtMs = st.chase.startedAtMs + p.ChaseMaxSeconds*1000
	}
	return cs
}

func (o *OrchestratorV1) mirrorPosition(in Input) PositionSnapshot {
	pos := in.Position
	if o.st.addsUsed > pos.AddsUsed {
		pos.AddsUsed = o.st.addsUsed
	}
	if o.st.lastAddMs > pos.LastAddTs {
		pos.LastAddTs = o.st.lastAddMs
	}
	if o.st.cooldownUntilMs > pos.CooldownUntil {
		pos.CooldownUntil = o.st.cooldownUntilMs
	}
	if in.Bundle != nil {
		pos.ATR3m = in.Bundle.ATR3m
		pos.ATRSource = in.Bundle.ATRSource
	}
	return pos
}

func gateResult(name string, checks map[string]bool, order []string) GateResult {
	res := GateResult{Passed: true, Checks: checks}
	for _, key := range order {
		if !checks[key] {
			res.Passed = false
			res.Reason = name + "." + key
			break
		}
	}
	return res
}

func candidateSide(smoothedDeltaZ float64) types.Side {
	switch {
	case smoothedDeltaZ > 0:
		return types.SideBuy
	case smoothedDeltaZ < 0:
		return types.SideSell
	}
	return ""
}

func integrityRank(level string) int {
	switch level {
	case "DEGRADED":
		return 1
	case "CRITICAL":
		return 2
	}
	return 0
}
