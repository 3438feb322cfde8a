package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonfund/halcyon/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLimits() Limits {
	return Limits{
		MaxPositionPct:       d("0.25"),
		MaxPositions:         3,
		MaxTradePct:          d("0.10"),
		DefaultTradePct:      d("0.05"),
		MaxDailyLossPct:      d("0.10"),
		MaxDailyTrades:       5,
		MaxDrawdownPct:       d("0.20"),
		RollbackDailyLossPct: d("0.15"),
		DefaultStopLossPct:   d("0.05"),
		DefaultTakeProfitPct: d("0.10"),
		MinNotionalUSD:       d("10"),
	}
}

func fixedNow() time.Time {
	return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
}

func newFixture(limits Limits) (*Gate, *Tracker) {
	tracker := NewTracker(limits, time.UTC, nil, nil)
	tracker.RollDay(fixedNow(), d("10000"))
	gate := NewGate(limits, tracker, []string{"BTC/USD", "ETH/USD"}, fixedNow)
	return gate, tracker
}

func buySignal(sizePct string) types.Signal {
	return types.Signal{
		Symbol:  "BTC/USD",
		Action:  types.ActionBuy,
		SizePct: d(sizePct),
		Tag:     "t1",
	}
}

func portfolio(totalValue string, positions ...types.OpenPosition) types.Portfolio {
	return types.Portfolio{
		Cash:       d(totalValue),
		TotalValue: d(totalValue),
		Positions:  positions,
	}
}

func TestAdmitWithinAllLimits(t *testing.T) {
	gate, _ := newFixture(testLimits())
	dec := gate.Evaluate(buySignal("0.05"), portfolio("10000"), d("50000"))
	assert.Equal(t, Admitted, dec.Verdict)
	assert.True(t, dec.SizePct.Equal(d("0.05")))
}

func TestOversizedSignalShapedNotRejected(t *testing.T) {
	gate, _ := newFixture(testLimits())
	// 18% requested against a 10% cap shapes down, mirroring a strategy
	// that asks for more than policy allows.
	dec := gate.Evaluate(buySignal("0.18"), portfolio("10000"), d("50000"))
	require.Equal(t, Shaped, dec.Verdict)
	assert.True(t, dec.SizePct.Equal(d("0.10")))
	assert.NotEmpty(t, dec.Reason)
}

func TestShapingBelowMinNotionalRejects(t *testing.T) {
	limits := testLimits()
	limits.MinNotionalUSD = d("2000")
	gate, _ := newFixture(limits)
	// Cap at 10% of 10000 = 1000 notional, below the 2000 floor.
	dec := gate.Evaluate(buySignal("0.18"), portfolio("10000"), d("50000"))
	assert.Equal(t, Rejected, dec.Verdict)
}

func TestBelowMinNotionalRejectedEvenUnshaped(t *testing.T) {
	gate, _ := newFixture(testLimits())
	// 0.05% of 10000 is 5 notional, under the 10 floor with no shaping
	// involved.
	dec := gate.Evaluate(buySignal("0.0005"), portfolio("10000"), d("50000"))
	require.Equal(t, Rejected, dec.Verdict)
	assert.Contains(t, dec.Reason, "below minimum")
}

func TestUnknownSymbolRejected(t *testing.T) {
	gate, _ := newFixture(testLimits())
	sig := buySignal("0.05")
	sig.Symbol = "DOGE/USD"
	dec := gate.Evaluate(sig, portfolio("10000"), d("1"))
	assert.Equal(t, Rejected, dec.Verdict)
	assert.Contains(t, dec.Reason, "allow-list")
}

func TestPositionCountCapOnlyForNewPositions(t *testing.T) {
	gate, _ := newFixture(testLimits())
	existing := []types.OpenPosition{
		{Symbol: "BTC/USD", Tag: "a", Qty: d("0.01"), AvgEntry: d("50000")},
		{Symbol: "ETH/USD", Tag: "b", Qty: d("0.5"), AvgEntry: d("2500")},
		{Symbol: "ETH/USD", Tag: "c", Qty: d("0.5"), AvgEntry: d("2500")},
	}

	// New (symbol, tag) at the cap rejects.
	dec := gate.Evaluate(buySignal("0.05"), portfolio("10000", existing...), d("50000"))
	assert.Equal(t, Rejected, dec.Verdict)

	// Adding to an existing position is not a new slot.
	sig := buySignal("0.05")
	sig.Tag = "a"
	dec = gate.Evaluate(sig, portfolio("10000", existing...), d("50000"))
	assert.Equal(t, Admitted, dec.Verdict)
}

func TestPerPositionCapCountsExistingNotional(t *testing.T) {
	gate, _ := newFixture(testLimits())
	// Existing 2400 notional + 500 new = 2900 > 2500 cap.
	existing := types.OpenPosition{
		Symbol: "BTC/USD", Tag: "t1", Qty: d("0.048"), AvgEntry: d("50000"),
	}
	dec := gate.Evaluate(buySignal("0.05"), portfolio("10000", existing), d("50000"))
	assert.Equal(t, Rejected, dec.Verdict)
	assert.Contains(t, dec.Reason, "position cap")
}

func TestDailyTradeCapRejects(t *testing.T) {
	gate, tracker := newFixture(testLimits())
	for i := 0; i < 5; i++ {
		tracker.RecordFill(nil, fixedNow())
	}
	dec := gate.Evaluate(buySignal("0.05"), portfolio("10000"), d("50000"))
	assert.Equal(t, Rejected, dec.Verdict)
	assert.Contains(t, dec.Reason, "daily trade cap")
}

func TestFeeAwareTakeProfitSanity(t *testing.T) {
	gate, _ := newFixture(testLimits())
	gate.SetFees(types.Fees{Maker: d("0.0016"), Taker: d("0.0026")})
	// Round trip 0.0052, minimum move 0.0156.

	sig := buySignal("0.05")
	sig.TakeProfit = d("50100") // 0.2% move, too thin
	dec := gate.Evaluate(sig, portfolio("10000"), d("50000"))
	assert.Equal(t, Rejected, dec.Verdict)
	assert.Contains(t, dec.Reason, "round-trip fee")

	sig.TakeProfit = d("51000") // 2% move clears 3x fees
	dec = gate.Evaluate(sig, portfolio("10000"), d("50000"))
	assert.Equal(t, Admitted, dec.Verdict)
}

func TestDailyLossBreachHaltsAndRejects(t *testing.T) {
	gate, tracker := newFixture(testLimits())

	// Three losing closes sum to -10.1% of the 10000 day-start value.
	for _, loss := range []string{"-400", "-350", "-260"} {
		tracker.RecordFill(&types.ClosedTrade{PnL: d(loss)}, fixedNow())
	}

	state := tracker.Snapshot()
	assert.Equal(t, StateHalted, state.State)
	assert.Contains(t, state.HaltReason, "daily loss")

	// BUY rejected with the halt reason.
	dec := gate.Evaluate(buySignal("0.05"), portfolio("9000"), d("50000"))
	require.Equal(t, Rejected, dec.Verdict)
	assert.Contains(t, dec.Reason, "halted")

	// CLOSE for an existing position still admits.
	closeSig := types.Signal{Symbol: "BTC/USD", Action: types.ActionClose, Tag: "t1"}
	pos := types.OpenPosition{Symbol: "BTC/USD", Tag: "t1", Qty: d("0.1"), AvgEntry: d("50000")}
	dec = gate.Evaluate(closeSig, portfolio("9000", pos), d("50000"))
	assert.Equal(t, Admitted, dec.Verdict)
}

func TestExactTieAdmits(t *testing.T) {
	gate, tracker := newFixture(testLimits())
	// Exactly -10% of the day-start value: literal ties resolve as admit.
	tracker.RecordFill(&types.ClosedTrade{PnL: d("-1000")}, fixedNow())

	assert.Equal(t, StateRunning, tracker.Snapshot().State)
	dec := gate.Evaluate(buySignal("0.05"), portfolio("9000"), d("50000"))
	assert.Equal(t, Admitted, dec.Verdict)
}

func TestRollbackThresholdSetsPendingFlag(t *testing.T) {
	gate, tracker := newFixture(testLimits())
	tracker.RecordFill(&types.ClosedTrade{PnL: d("-1600")}, fixedNow()) // -16% > 15% rollback

	state := tracker.Snapshot()
	assert.Equal(t, StateHalted, state.State)
	assert.True(t, state.RollbackPending)

	dec := gate.Evaluate(buySignal("0.05"), portfolio("8400"), d("50000"))
	assert.Equal(t, Rejected, dec.Verdict)
}

func TestDrawdownHaltsOnlyPastCapAndResetsOnNewPeak(t *testing.T) {
	_, tracker := newFixture(testLimits())

	tracker.UpdateValuation(d("12000"), fixedNow()) // new peak
	tracker.UpdateValuation(d("10000"), fixedNow()) // -16.7%, under 20% cap
	assert.Equal(t, StateRunning, tracker.Snapshot().State)

	tracker.UpdateValuation(d("9500"), fixedNow()) // -20.8%
	assert.Equal(t, StateHalted, tracker.Snapshot().State)

	// Drawdown resets only on a new peak.
	tracker.Resume(fixedNow())
	tracker.UpdateValuation(d("11000"), fixedNow())
	assert.True(t, tracker.Snapshot().DrawdownPct.IsPositive())
	tracker.UpdateValuation(d("12500"), fixedNow())
	assert.True(t, tracker.Snapshot().DrawdownPct.IsZero())
}

func TestPauseResumeLifecycle(t *testing.T) {
	gate, tracker := newFixture(testLimits())

	tracker.Pause("operator", fixedNow())
	dec := gate.Evaluate(buySignal("0.05"), portfolio("10000"), d("50000"))
	assert.Equal(t, Rejected, dec.Verdict)
	assert.Contains(t, dec.Reason, "paused")

	tracker.Resume(fixedNow())
	dec = gate.Evaluate(buySignal("0.05"), portfolio("10000"), d("50000"))
	assert.Equal(t, Admitted, dec.Verdict)
}

func TestMidnightResetClearsDailyNotDrawdown(t *testing.T) {
	_, tracker := newFixture(testLimits())

	tracker.UpdateValuation(d("12000"), fixedNow())
	tracker.RecordFill(&types.ClosedTrade{PnL: d("-500")}, fixedNow())
	tracker.UpdateValuation(d("11000"), fixedNow())

	before := tracker.Snapshot()
	require.True(t, before.DailyPnL.IsNegative())
	require.True(t, before.DrawdownPct.IsPositive())

	nextDay := fixedNow().Add(24 * time.Hour)
	tracker.RollDay(nextDay, d("11000"))

	after := tracker.Snapshot()
	assert.True(t, after.DailyPnL.IsZero())
	assert.Equal(t, 0, after.DailyTrades)
	assert.True(t, after.DrawdownPct.IsPositive(), "drawdown survives midnight")
	assert.True(t, after.DayStartValue.Equal(d("11000")))

	// Same-day roll is a no-op.
	tracker.RecordFill(nil, nextDay)
	tracker.RollDay(nextDay.Add(time.Hour), d("10500"))
	assert.Equal(t, 1, tracker.Snapshot().DailyTrades)
}

func TestConsecutiveLossKnobPausesNotHalts(t *testing.T) {
	limits := testLimits()
	limits.ConsecutiveLossesDisable = 3
	gate, tracker := newFixture(limits)

	for i := 0; i < 3; i++ {
		tracker.RecordFill(&types.ClosedTrade{PnL: d("-10")}, fixedNow())
	}
	state := tracker.Snapshot()
	assert.Equal(t, StatePaused, state.State)

	// A win resets the streak after resume.
	tracker.Resume(fixedNow())
	tracker.RecordFill(&types.ClosedTrade{PnL: d("5")}, fixedNow())
	assert.Equal(t, 0, tracker.Snapshot().ConsecutiveLosses)

	dec := gate.Evaluate(buySignal("0.05"), portfolio("10000"), d("50000"))
	assert.Equal(t, Admitted, dec.Verdict)
}

func TestPauseEventCarriesStateInDetail(t *testing.T) {
	var events []types.Event
	limits := testLimits()
	limits.ConsecutiveLossesDisable = 2
	tracker := NewTracker(limits, time.UTC,
		func(ev types.Event) { events = append(events, ev) }, nil)
	tracker.RollDay(fixedNow(), d("10000"))

	tracker.Pause("operator", fixedNow())
	require.Len(t, events, 1)
	assert.Equal(t, types.EventRiskHalt, events[0].Type)
	assert.Equal(t, "PAUSED: operator", events[0].Detail)

	tracker.Resume(fixedNow())
	events = nil
	for i := 0; i < 2; i++ {
		tracker.RecordFill(&types.ClosedTrade{PnL: d("-10")}, fixedNow())
	}
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, types.EventRiskHalt, last.Type)
	assert.Contains(t, last.Detail, "PAUSED: consecutive loss limit reached")

	// A genuine halt carries the bare reason.
	events = nil
	tracker.Halt("operator kill", fixedNow())
	require.Len(t, events, 1)
	assert.Equal(t, "operator kill", events[0].Detail)
}

func TestDefaultSizeAppliedWhenZero(t *testing.T) {
	gate, _ := newFixture(testLimits())
	sig := buySignal("0")
	dec := gate.Evaluate(sig, portfolio("10000"), d("50000"))
	require.Equal(t, Admitted, dec.Verdict)
	assert.True(t, dec.SizePct.Equal(d("0.05")))
}
