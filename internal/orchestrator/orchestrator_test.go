// Package orchestrator_test provides tests for the decision core.
package orchestrator_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/marketflow/internal/metrics"
	"github.com/atlas-desktop/marketflow/internal/orchestrator"
	"github.com/atlas-desktop/marketflow/pkg/types"
)

// passingBundle returns a bundle that clears readiness, all gates, and the
// impulse detector for a long candidate.
func passingBundle(nowMs int64) *metrics.MetricBundle {
	return &metrics.MetricBundle{
		Symbol:      "BTCUSDT",
		GeneratedMs: nowMs,
		BestBid:     decimal.RequireFromString("100"),
		BestAsk:     decimal.RequireFromString("100.03"),
		Mid:         100.015,
		SpreadPct:   0.0003,
		DeltaZ:      2.0,
		CVDSlope:    100,
		OBIWeighted: 0.5,
		TimeAndSales: metrics.TASSnapshot{
			PrintsPerSecond: 10,
		},
		SessionVWAP: metrics.VWAPSnapshot{Value: 100.0},
		Regime: metrics.RegimeSnapshot{
			Trendiness:    0.5,
			ChopScore:     0.2,
			VolOfVol:      0.1,
			RealizedVol1m: 0.1,
		},
		BarsLoaded1m: 500,
		ATR3m:        0.2,
		ATRSource:    metrics.ATRSourceMicro,
		Integrity:    "OK",
	}
}

func shortBundle(nowMs int64) *metrics.MetricBundle {
	b := passingBundle(nowMs)
	b.DeltaZ = -2.0
	b.CVDSlope = -100
	b.OBIWeighted = -0.5
	return b
}

func input(b *metrics.MetricBundle) orchestrator.Input {
	return orchestrator.Input{
		Bundle:           b,
		NowMs:            b.GeneratedMs,
		ExecutionEnabled: true,
	}
}

func TestGateARejection(t *testing.T) {
	o := orchestrator.New(zap.NewNop(), "BTCUSDT", orchestrator.DefaultParams())

	b := passingBundle(1_000_000)
	b.Regime.Trendiness = 0.05
	b.Regime.ChopScore = 0.30
	b.Regime.VolOfVol = 0.2
	b.OpenInterest.ChangePct1m = -0.1

	d := o.Evaluate(input(b))
	if !d.Readiness.Ready {
		t.Fatalf("expected ready, reasons: %v", d.Readiness.Reasons)
	}
	if d.GateA.Passed {
		t.Fatal("expected gate A rejection")
	}
	if d.GateA.Checks["trendiness"] {
		t.Error("trendiness check should fail")
	}
	if d.Intent != orchestrator.IntentHold {
		t.Errorf("expected HOLD, got %s", d.Intent)
	}
	if d.BlockReason != "GateA.trendiness" {
		t.Errorf("expected blockReason GateA.trendiness, got %q", d.BlockReason)
	}
}

func TestNotReady(t *testing.T) {
	o := orchestrator.New(zap.NewNop(), "BTCUSDT", orchestrator.DefaultParams())
	b := passingBundle(1_000_000)
	b.BarsLoaded1m = 10

	d := o.Evaluate(input(b))
	if d.Readiness.Ready {
		t.Fatal("expected not ready")
	}
	if len(d.Readiness.Reasons) == 0 {
		t.Error("expected readiness reasons")
	}
	if d.Intent != orchestrator.IntentHold || d.BlockReason != "NOT_READY" {
		t.Errorf("expected HOLD/NOT_READY, got %s/%s", d.Intent, d.BlockReason)
	}
}

func TestKillSwitchForcesHold(t *testing.T) {
	o := orchestrator.New(zap.NewNop(), "BTCUSDT", orchestrator.DefaultParams())
	in := input(passingBundle(1_000_000))
	in.KillSwitch = true

	d := o.Evaluate(in)
	if d.Intent != orchestrator.IntentHold || d.BlockReason != "KILL_SWITCH" {
		t.Errorf("expected HOLD/KILL_SWITCH, got %s/%s", d.Intent, d.BlockReason)
	}
	if len(d.Orders) != 0 {
		t.Error("kill switch must suppress orders")
	}
}

func TestEntryAfterHysteresis(t *testing.T) {
	params := orchestrator.DefaultParams()
	o := orchestrator.New(zap.NewNop(), "BTCUSDT", params)

	now := int64(1_000_000)
	var d orchestrator.Decision
	// Consecutive=3 then EntryConfirmations=2: entry fires on the 4th
	// passing tick (confirmations count from the tick the streak completes).
	for i := 0; i < 4; i++ {
		d = o.Evaluate(input(passingBundle(now + int64(i)*1000)))
	}

	if d.Intent != orchestrator.IntentEntry {
		t.Fatalf("expected ENTRY after hysteresis, got %s (block %q)", d.Intent, d.BlockReason)
	}
	if d.Side != types.SideBuy {
		t.Errorf("expected BUY side, got %s", d.Side)
	}
	if len(d.Orders) != 2 {
		t.Fatalf("expected two layered maker orders, got %d", len(d.Orders))
	}
	for _, ord := range d.Orders {
		if ord.Kind != orchestrator.KindMaker || !ord.PostOnly {
			t.Errorf("expected post-only maker, got %+v", ord)
		}
		if ord.Price == nil || !ord.Price.Equal(decimal.RequireFromString("100")) {
			t.Errorf("expected price at best bid, got %v", ord.Price)
		}
	}
	if !d.Chase.Active {
		t.Error("entry must start a chase")
	}

	// Immediately after, entries are blocked by the active chase.
	d = o.Evaluate(input(passingBundle(now + 5_000)))
	if d.Intent == orchestrator.IntentEntry {
		t.Error("second entry emitted while chase active")
	}
}

func TestChaseRepriceAndTakerFallback(t *testing.T) {
	params := orchestrator.DefaultParams()
	o := orchestrator.New(zap.NewNop(), "BTCUSDT", params)

	now := int64(1_000_000)
	var d orchestrator.Decision
	for i := 0; i < 5; i++ {
		d = o.Evaluate(input(passingBundle(now + int64(i)*1000)))
	}
	if !d.Chase.Active {
		t.Fatal("expected active chase after entry")
	}

	// A tick past the reprice interval emits a reprice with the attempt count.
	d = o.Evaluate(input(passingBundle(now + 4_000 + params.Chase.RepriceMs)))
	if d.Chase.RepricesUsed != 1 {
		t.Fatalf("expected 1 reprice used, got %d", d.Chase.RepricesUsed)
	}
	if len(d.Orders) != 1 || d.Orders[0].RepriceAttempt != 1 {
		t.Fatalf("expected one reprice order, got %+v", d.Orders)
	}

	// Past chaseMaxSeconds without a fill: taker fallback fires.
	d = o.Evaluate(input(passingBundle(now + 4_000 + params.Chase.ChaseMaxSeconds*1000 + 1000)))
	if d.Intent != orchestrator.IntentEntry {
		t.Fatalf("expected fallback ENTRY, got %s", d.Intent)
	}
	if len(d.Orders) != 1 || d.Orders[0].Kind != orchestrator.KindTakerEntryFallback {
		t.Fatalf("expected TAKER_ENTRY_FALLBACK, got %+v", d.Orders)
	}
	if d.Orders[0].NotionalPct > params.Fallback.MaxNotionalPct {
		t.Errorf("fallback notional %f exceeds cap %f",
			d.Orders[0].NotionalPct, params.Fallback.MaxNotionalPct)
	}
	if d.Chase.Active {
		t.Error("chase must return to idle after fallback")
	}
	if d.Telemetry.FallbackTriggered != 1 {
		t.Errorf("expected fallbackTriggeredCount 1, got %d", d.Telemetry.FallbackTriggered)
	}

	// Cooldown blocks the next entry.
	d = o.Evaluate(input(passingBundle(now + 4_000 + params.Chase.ChaseMaxSeconds*1000 + 2000)))
	if d.Intent == orchestrator.IntentEntry {
		t.Error("entry emitted during fallback cooldown")
	}
}

func TestFallbackBlockedWithoutImpulse(t *testing.T) {
	params := orchestrator.DefaultParams()
	o := orchestrator.New(zap.NewNop(), "BTCUSDT", params)

	now := int64(1_000_000)
	for i := 0; i < 5; i++ {
		o.Evaluate(input(passingBundle(now + int64(i)*1000)))
	}

	// Timeout tick with a quiet tape: impulse fails, fallback blocked.
	quiet := passingBundle(now + 4_000 + params.Chase.ChaseMaxSeconds*1000 + 1000)
	quiet.TimeAndSales.PrintsPerSecond = 1
	d := o.Evaluate(input(quiet))

	for _, ord := range d.Orders {
		if ord.Kind == orchestrator.KindTakerEntryFallback {
			t.Fatal("fallback fired without impulse")
		}
	}
	if d.Telemetry.FallbackBlocked != orchestrator.BlockedImpulseFalse {
		t.Errorf("expected IMPULSE_FALSE, got %q", d.Telemetry.FallbackBlocked)
	}
	if d.Chase.Active {
		t.Error("chase should be reset after timeout")
	}
}

func TestChaseFillStopsReprices(t *testing.T) {
	params := orchestrator.DefaultParams()
	o := orchestrator.New(zap.NewNop(), "BTCUSDT", params)

	now := int64(1_000_000)
	for i := 0; i < 5; i++ {
		o.Evaluate(input(passingBundle(now + int64(i)*1000)))
	}

	// The fill opens the position; the provider reports it on the same tick.
	in := input(passingBundle(now + 6_000))
	in.FillConfirmed = true
	in.Position = orchestrator.PositionSnapshot{
		IsOpen:    true,
		Side:      types.SideBuy,
		Qty:       decimal.RequireFromString("1"),
		EntryVWAP: decimal.RequireFromString("100"),
		BaseQty:   decimal.RequireFromString("1"),
	}
	d := o.Evaluate(in)
	if d.Chase.Active {
		t.Error("chase should go idle on fill")
	}
	if d.Telemetry.FallbackTriggered != 0 {
		t.Error("fill must not count as fallback")
	}
}

func TestExitOnFlip(t *testing.T) {
	params := orchestrator.DefaultParams()
	params.Hysteresis.Consecutive = 1
	params.Hysteresis.EntryConfirmations = 0
	o := orchestrator.New(zap.NewNop(), "BTCUSDT", params)

	now := int64(10_000_000)
	in := input(shortBundle(now))
	in.Position = orchestrator.PositionSnapshot{
		IsOpen:    true,
		Side:      types.SideBuy,
		Qty:       decimal.RequireFromString("1.5"),
		EntryVWAP: decimal.RequireFromString("99"),
		BaseQty:   decimal.RequireFromString("1"),
	}

	d := o.Evaluate(in)
	if d.Intent != orchestrator.IntentExitFlip {
		t.Fatalf("expected EXIT_FLIP, got %s (block %q)", d.Intent, d.BlockReason)
	}
	if d.Side != types.SideSell {
		t.Errorf("expected SELL exit, got %s", d.Side)
	}
	if d.Telemetry.ExitOnFlipCount != 1 {
		t.Errorf("expected exitOnFlipCount 1, got %d", d.Telemetry.ExitOnFlipCount)
	}
	if d.Position.CooldownUntil != now+params.Entry.CooldownMs {
		t.Errorf("expected cooldown %d, got %d", now+params.Entry.CooldownMs, d.Position.CooldownUntil)
	}

	// Flat again, same short candidate: blocked by cooldown.
	d = o.Evaluate(input(shortBundle(now + 1000)))
	if d.Intent != orchestrator.IntentHold || d.BlockReason != "COOLDOWN" {
		t.Errorf("expected HOLD/COOLDOWN after flip, got %s/%q", d.Intent, d.BlockReason)
	}

	// A second flip inside minFlipIntervalMs is blocked.
	in2 := input(shortBundle(now + 2000))
	in2.Position = in.Position
	d = o.Evaluate(in2)
	if d.Intent == orchestrator.IntentExitFlip {
		t.Error("flip repeated inside minFlipIntervalMs")
	}
	if d.Telemetry.ReversalBlocked == 0 {
		t.Error("expected reversalBlocked to count")
	}
}

func TestExitRiskMakerThenTaker(t *testing.T) {
	params := orchestrator.DefaultParams()
	params.ExitRisk.MakerAttempts = 1
	o := orchestrator.New(zap.NewNop(), "BTCUSDT", params)

	now := int64(10_000_000)
	pos := orchestrator.PositionSnapshot{
		IsOpen:    true,
		Side:      types.SideBuy,
		Qty:       decimal.RequireFromString("2"),
		EntryVWAP: decimal.RequireFromString("99"),
		BaseQty:   decimal.RequireFromString("1"),
	}

	// Regime break triggers exit-risk; flow stays long-aligned so no flip.
	b := passingBundle(now)
	b.Regime.Trendiness = 0.05
	in := input(b)
	in.Position = pos

	d := o.Evaluate(in)
	if d.Intent != orchestrator.IntentExitRisk {
		t.Fatalf("expected EXIT_RISK, got %s", d.Intent)
	}
	if !d.ExitRisk.TriggeredThisTick || d.ExitRisk.Reason != "regime.trendiness" {
		t.Errorf("unexpected exit risk result: %+v", d.ExitRisk)
	}
	if len(d.Orders) != 1 || d.Orders[0].Kind != orchestrator.KindMaker || d.Orders[0].Role != orchestrator.RoleExit {
		t.Fatalf("expected one maker exit, got %+v", d.Orders)
	}
	if !d.Orders[0].Qty.Equal(pos.Qty) {
		t.Errorf("maker exit should cover the position, got %v", d.Orders[0].Qty)
	}

	// Maker attempts exhausted: next tick escalates to the taker.
	b2 := passingBundle(now + params.ExitRisk.MakerTTLMs + 1000)
	b2.Regime.Trendiness = 0.05
	in2 := input(b2)
	in2.Position = pos
	d = o.Evaluate(in2)
	if len(d.Orders) != 1 || d.Orders[0].Kind != orchestrator.KindTakerExitRisk {
		t.Fatalf("expected TAKER_EXIT_RISK, got %+v", d.Orders)
	}
	if !d.ExitRisk.TakerUsed {
		t.Error("expected takerUsed")
	}
}

func TestAddTriggersOnFavorableMove(t *testing.T) {
	params := orchestrator.DefaultParams()
	o := orchestrator.New(zap.NewNop(), "BTCUSDT", params)

	now := int64(10_000_000)
	b := passingBundle(now)
	// Entry at 99, ATR 0.2% of entry, step 1 multiple 0.75:
	// threshold = 99 * (1 + 0.002*0.75) = 99.1485; mid 100.015 clears it.
	in := input(b)
	in.Position = orchestrator.PositionSnapshot{
		IsOpen:    true,
		Side:      types.SideBuy,
		Qty:       decimal.RequireFromString("1"),
		EntryVWAP: decimal.RequireFromString("99"),
		BaseQty:   decimal.RequireFromString("1"),
		ATR3m:     0.2,
	}

	d := o.Evaluate(in)
	if d.Intent != orchestrator.IntentAdd {
		t.Fatalf("expected ADD, got %s (add %+v)", d.Intent, d.Add)
	}
	if !d.Add.Triggered || d.Add.Step != 1 {
		t.Errorf("unexpected add result: %+v", d.Add)
	}
	want := decimal.RequireFromString("0.5")
	if len(d.Orders) != 1 || !d.Orders[0].Qty.Equal(want) {
		t.Fatalf("expected add qty 0.5, got %+v", d.Orders)
	}

	// Immediately after: rate limit blocks step 2.
	in2 := input(passingBundle(now + 1000))
	in2.Position = in.Position
	in2.Position.AddsUsed = 1
	in2.Position.LastAddTs = now
	d = o.Evaluate(in2)
	if d.Add.Triggered {
		t.Error("add re-triggered inside min interval")
	}
	if d.Add.RateLimitOK {
		t.Error("rate limit should fail inside min interval")
	}
}

func TestExecutionDisabledSuppressesOrders(t *testing.T) {
	params := orchestrator.DefaultParams()
	o := orchestrator.New(zap.NewNop(), "BTCUSDT", params)

	now := int64(1_000_000)
	var d orchestrator.Decision
	for i := 0; i < 5; i++ {
		in := input(passingBundle(now + int64(i)*1000))
		in.ExecutionEnabled = false
		d = o.Evaluate(in)
	}
	if d.Intent == orchestrator.IntentEntry {
		t.Error("entry emitted with execution disabled")
	}
	if len(d.Orders) != 0 {
		t.Errorf("orders emitted with execution disabled: %+v", d.Orders)
	}
	if d.BlockReason != string(orchestrator.BlockedConfig) {
		t.Errorf("expected CONFIG_BLOCK, got %q", d.BlockReason)
	}
}
