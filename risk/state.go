package risk

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/halcyonfund/halcyon/internal/config"
	"github.com/halcyonfund/halcyon/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK STATE - halt machine and live counters
// ═══════════════════════════════════════════════════════════════════════════════
//
// One writer (the tracker), any number of readers through an atomic
// snapshot. Counters mutate only on confirmed fills; rejected or
// cancelled orders never touch them. daily_pnl resets at local midnight;
// drawdown resets only when the portfolio makes a new peak.
//
// ═══════════════════════════════════════════════════════════════════════════════

// State is the halt machine's position.
type State string

const (
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
	StateHalted  State = "HALTED"
)

// Limits is the gate's policy, fixed at startup.
type Limits struct {
	MaxPositionPct  decimal.Decimal
	MaxPositions    int
	MaxTradePct     decimal.Decimal
	DefaultTradePct decimal.Decimal

	MaxDailyLossPct decimal.Decimal
	MaxDailyTrades  int
	MaxDrawdownPct  decimal.Decimal

	RollbackDailyLossPct     decimal.Decimal
	ConsecutiveLossesDisable int

	DefaultStopLossPct   decimal.Decimal
	DefaultTakeProfitPct decimal.Decimal

	MinNotionalUSD decimal.Decimal
}

// LimitsFromConfig converts validated config floats to fixed-point.
func LimitsFromConfig(rc config.RiskConfig) Limits {
	return Limits{
		MaxPositionPct:           decimal.NewFromFloat(rc.MaxPositionPct),
		MaxPositions:             rc.MaxPositions,
		MaxTradePct:              decimal.NewFromFloat(rc.MaxTradePct),
		DefaultTradePct:          decimal.NewFromFloat(rc.DefaultTradePct),
		MaxDailyLossPct:          decimal.NewFromFloat(rc.MaxDailyLossPct),
		MaxDailyTrades:           rc.MaxDailyTrades,
		MaxDrawdownPct:           decimal.NewFromFloat(rc.MaxDrawdownPct),
		RollbackDailyLossPct:     decimal.NewFromFloat(rc.RollbackDailyLossPct),
		ConsecutiveLossesDisable: rc.ConsecutiveLossesDisable,
		DefaultStopLossPct:       decimal.NewFromFloat(rc.DefaultStopLossPct),
		DefaultTakeProfitPct:     decimal.NewFromFloat(rc.DefaultTakeProfitPct),
		MinNotionalUSD:           decimal.NewFromFloat(rc.MinNotionalUSD),
	}
}

// Snapshot is an immutable view of the risk state.
type Snapshot struct {
	State             State
	HaltReason        string
	DailyPnL          decimal.Decimal
	DailyTrades       int
	ConsecutiveLosses int
	DayStartValue     decimal.Decimal
	PeakValue         decimal.Decimal
	DrawdownPct       decimal.Decimal
	RollbackPending   bool
	Day               string // YYYY-MM-DD local
}

// Tracker owns the risk state. All mutation goes through it.
type Tracker struct {
	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]

	limits  Limits
	loc     *time.Location
	onEvent func(types.Event)
	persist func(Snapshot)
}

// NewTracker builds a running tracker. persist is called after every
// state change so restarts resume instead of resetting; it may be nil in
// tests.
func NewTracker(limits Limits, loc *time.Location, onEvent func(types.Event), persist func(Snapshot)) *Tracker {
	t := &Tracker{limits: limits, loc: loc, onEvent: onEvent, persist: persist}
	t.snap.Store(&Snapshot{State: StateRunning})
	return t
}

// Snapshot returns the current state without blocking the writer.
func (t *Tracker) Snapshot() Snapshot { return *t.snap.Load() }

// Restore seeds the tracker from a persisted snapshot on boot.
func (t *Tracker) Restore(s Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.State == "" {
		s.State = StateRunning
	}
	t.snap.Store(&s)
	log.Info().Str("state", string(s.State)).Str("day", s.Day).
		Str("daily_pnl", s.DailyPnL.String()).Msg("🛡️ Risk state restored")
}

// publish stores and persists a new snapshot. Caller holds t.mu.
func (t *Tracker) publish(s Snapshot) {
	t.snap.Store(&s)
	if t.persist != nil {
		t.persist(s)
	}
}

// RollDay resets daily counters when the local date changed, seeding the
// day-start value from the current valuation.
func (t *Tracker) RollDay(now time.Time, totalValue decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	day := now.In(t.loc).Format("2006-01-02")
	s := *t.snap.Load()
	if s.Day == day {
		return
	}
	s.Day = day
	s.DailyPnL = decimal.Zero
	s.DailyTrades = 0
	s.DayStartValue = totalValue
	if s.PeakValue.LessThan(totalValue) {
		s.PeakValue = totalValue
		s.DrawdownPct = decimal.Zero
	}
	t.publish(s)
	log.Info().Str("day", day).Str("start_value", totalValue.String()).Msg("🌅 Daily counters reset")
}

// RecordFill updates counters after a confirmed fill. closed is nil for
// an opening fill. Threshold breaches transition the halt machine here so
// a breach trips immediately, not at the next gate evaluation.
func (t *Tracker) RecordFill(closed *types.ClosedTrade, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := *t.snap.Load()
	s.DailyTrades++

	if closed != nil {
		s.DailyPnL = types.Money8(s.DailyPnL.Add(closed.PnL))
		if closed.PnL.IsNegative() {
			s.ConsecutiveLosses++
		} else {
			s.ConsecutiveLosses = 0
		}
	}

	t.evaluateLocked(&s, now)
	t.publish(s)
}

// UpdateValuation feeds the latest portfolio value into peak/drawdown
// tracking. Drawdown only resets on a new peak.
func (t *Tracker) UpdateValuation(totalValue decimal.Decimal, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := *t.snap.Load()
	if s.PeakValue.LessThan(totalValue) {
		s.PeakValue = totalValue
		s.DrawdownPct = decimal.Zero
	} else if s.PeakValue.IsPositive() {
		s.DrawdownPct = types.Money8(s.PeakValue.Sub(totalValue).Div(s.PeakValue))
	}
	t.evaluateLocked(&s, now)
	t.publish(s)
}

// evaluateLocked applies halt thresholds to s in place. Caller holds t.mu.
func (t *Tracker) evaluateLocked(s *Snapshot, now time.Time) {
	if s.State == StateHalted {
		return
	}

	if s.DayStartValue.IsPositive() {
		lossFloor := s.DayStartValue.Mul(t.limits.MaxDailyLossPct).Neg()
		rollbackFloor := s.DayStartValue.Mul(t.limits.RollbackDailyLossPct).Neg()

		if s.DailyPnL.LessThan(rollbackFloor) {
			s.RollbackPending = true
			t.haltLocked(s, "daily loss exceeded rollback threshold", now)
			if t.onEvent != nil {
				t.onEvent(types.Event{Type: types.EventStrategyRollback, At: now,
					Detail: "rollback_pending set"})
			}
			return
		}
		if s.DailyPnL.LessThan(lossFloor) {
			t.haltLocked(s, "daily loss limit breached", now)
			return
		}
	}

	if s.DrawdownPct.GreaterThan(t.limits.MaxDrawdownPct) {
		t.haltLocked(s, "max drawdown breached", now)
		return
	}

	if t.limits.ConsecutiveLossesDisable > 0 &&
		s.ConsecutiveLosses >= t.limits.ConsecutiveLossesDisable &&
		s.State == StateRunning {
		// Operator knob: a loss streak pauses rather than halts, so a
		// resume is enough once the operator has looked.
		s.State = StatePaused
		s.HaltReason = "consecutive loss limit reached"
		log.Warn().Int("losses", s.ConsecutiveLosses).Msg("⏸️ Paused on consecutive losses")
		if t.onEvent != nil {
			t.onEvent(types.Event{Type: types.EventRiskHalt, At: now,
				Detail: string(StatePaused) + ": " + s.HaltReason})
		}
	}
}

func (t *Tracker) haltLocked(s *Snapshot, reason string, now time.Time) {
	s.State = StateHalted
	s.HaltReason = reason
	log.Error().Str("reason", reason).Str("daily_pnl", s.DailyPnL.String()).
		Str("drawdown", s.DrawdownPct.String()).Msg("🛑 Engine HALTED")
	if t.onEvent != nil {
		t.onEvent(types.Event{Type: types.EventRiskHalt, At: now, Detail: reason})
	}
}

// Pause moves RUNNING to PAUSED on operator request.
func (t *Tracker) Pause(reason string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := *t.snap.Load()
	if s.State != StateRunning {
		return
	}
	s.State = StatePaused
	s.HaltReason = reason
	t.publish(s)
	log.Warn().Str("reason", reason).Msg("⏸️ Engine paused by operator")
	if t.onEvent != nil {
		t.onEvent(types.Event{Type: types.EventRiskHalt, At: now,
			Detail: string(StatePaused) + ": " + reason})
	}
}

// Halt forces HALTED regardless of current state (operator kill or fatal
// internal error).
func (t *Tracker) Halt(reason string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := *t.snap.Load()
	if s.State == StateHalted && s.HaltReason == reason {
		return
	}
	t.haltLocked(&s, reason, now)
	t.publish(s)
}

// Resume returns to RUNNING. Operator-only; also clears rollback_pending
// since the orchestrator has acted by the time a human resumes.
func (t *Tracker) Resume(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := *t.snap.Load()
	if s.State == StateRunning {
		return
	}
	s.State = StateRunning
	s.HaltReason = ""
	s.RollbackPending = false
	t.publish(s)
	log.Info().Msg("▶️ Engine resumed by operator")
	if t.onEvent != nil {
		t.onEvent(types.Event{Type: types.EventRiskResumed, At: now})
	}
}
