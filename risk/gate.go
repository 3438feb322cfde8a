package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/halcyonfund/halcyon/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK GATE - ten ordered pre-trade checks
// ═══════════════════════════════════════════════════════════════════════════════
//
// The gate is a pure function of policy, counters and the portfolio
// snapshot captured at evaluation time. First failing check
// short-circuits. Percentage ties resolve as admit. A halt is a state,
// not an exception: the result is always a tagged Decision.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Verdict tags a gate decision.
type Verdict string

const (
	Admitted Verdict = "admitted"
	Shaped   Verdict = "shaped"
	Rejected Verdict = "rejected"
)

// Decision is the gate's answer for one signal. SizePct is the effective
// size to execute: the requested size when admitted, the capped size when
// shaped, zero when rejected.
type Decision struct {
	Verdict Verdict
	SizePct decimal.Decimal
	Reason  string
}

func reject(reason string) Decision {
	return Decision{Verdict: Rejected, SizePct: decimal.Zero, Reason: reason}
}

// Gate evaluates signals against the policy.
type Gate struct {
	limits    Limits
	tracker   *Tracker
	allowList map[string]bool
	now       func() time.Time

	mu   sync.RWMutex
	fees types.Fees
}

// NewGate wires a gate over the tracker for the configured allow-list.
func NewGate(limits Limits, tracker *Tracker, symbols []string, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	allow := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		allow[s] = true
	}
	return &Gate{limits: limits, tracker: tracker, allowList: allow, now: now}
}

// SetFees updates the fee tier used by the fee-aware sanity check. The
// fee-refresh job calls this daily.
func (g *Gate) SetFees(f types.Fees) {
	g.mu.Lock()
	g.fees = f
	g.mu.Unlock()
}

func (g *Gate) roundTripFee() decimal.Decimal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.fees.RoundTrip()
}

// Evaluate runs the ordered checks for one signal against a portfolio
// snapshot. price is the current quote for the signal's symbol; it seeds
// the fee-aware check when the order has no limit price. Evaluate never
// mutates counters; those move on confirmed fills.
func (g *Gate) Evaluate(sig types.Signal, portfolio types.Portfolio, price decimal.Decimal) Decision {
	if err := sig.Validate(); err != nil {
		return reject(fmt.Sprintf("invalid signal: %v", err))
	}

	state := g.tracker.Snapshot()
	_, hasPosition := portfolio.Position(sig.Symbol, sig.Tag)

	// 1. Halt state. Closes for existing positions pass even halted.
	if state.State == StateHalted {
		if sig.Action == types.ActionClose && hasPosition {
			return Decision{Verdict: Admitted, SizePct: sig.SizePct}
		}
		return reject("halted: " + state.HaltReason)
	}

	// 2. Paused: admit CLOSE only.
	if state.State == StatePaused {
		if sig.Action == types.ActionClose && hasPosition {
			return Decision{Verdict: Admitted, SizePct: sig.SizePct}
		}
		return reject("paused: " + state.HaltReason)
	}

	// 3. Symbol allow-list.
	if !g.allowList[sig.Symbol] {
		return reject("symbol not in allow-list: " + sig.Symbol)
	}

	// Closes reduce exposure; with the machine RUNNING they admit here
	// and skip the sizing checks below.
	if sig.Action == types.ActionClose {
		if !hasPosition {
			return reject("close for unknown position " + sig.Symbol + "/" + sig.Tag)
		}
		return Decision{Verdict: Admitted, SizePct: sig.SizePct}
	}

	totalValue := portfolio.TotalValue
	if !totalValue.IsPositive() {
		return reject("portfolio value not positive")
	}

	// 4. Per-trade cap, shaping down instead of rejecting.
	sizePct := sig.SizePct
	if sizePct.IsZero() {
		sizePct = g.limits.DefaultTradePct
	}
	shaped := false
	if sizePct.GreaterThan(g.limits.MaxTradePct) {
		sizePct = g.limits.MaxTradePct
		shaped = true
	}
	// The floor applies to the post-shaping size of every order, shaped
	// or not: the venue refuses sub-minimum notional either way.
	notional := types.Money8(sizePct.Mul(totalValue))
	if notional.LessThan(g.limits.MinNotionalUSD) {
		return reject(fmt.Sprintf("notional %s below minimum %s", notional, g.limits.MinNotionalUSD))
	}

	if sig.Action == types.ActionBuy {
		// 5. Per-position cap on the post-trade notional. A literal tie
		// admits.
		existing := decimal.Zero
		if pos, ok := portfolio.Position(sig.Symbol, sig.Tag); ok {
			existing = pos.Qty.Mul(pos.AvgEntry)
		}
		capNotional := g.limits.MaxPositionPct.Mul(totalValue)
		if existing.Add(notional).GreaterThan(capNotional) {
			return reject(fmt.Sprintf("position cap: %s would exceed %s",
				existing.Add(notional), capNotional))
		}

		// 6. Position count cap for brand-new (symbol, tag) pairs.
		if !hasPosition && len(portfolio.Positions) >= g.limits.MaxPositions {
			return reject(fmt.Sprintf("position count at limit %d", g.limits.MaxPositions))
		}
	}

	// 7. Daily loss cap. Breach halts, then rejects. Tie admits.
	if state.DayStartValue.IsPositive() {
		floor := state.DayStartValue.Mul(g.limits.MaxDailyLossPct).Neg()
		if state.DailyPnL.LessThan(floor) {
			g.tracker.Halt("daily loss limit breached", g.now())
			return reject("daily loss limit breached")
		}
	}

	// 8. Drawdown cap. Tie admits.
	if state.DrawdownPct.GreaterThan(g.limits.MaxDrawdownPct) {
		g.tracker.Halt("max drawdown breached", g.now())
		return reject("max drawdown breached")
	}

	// 9. Daily trade cap.
	if state.DailyTrades >= g.limits.MaxDailyTrades {
		return reject(fmt.Sprintf("daily trade cap %d reached", g.limits.MaxDailyTrades))
	}

	// 10. Fee-aware sanity: a declared take-profit must clear 3x the
	// round-trip cost or the trade cannot pay for itself.
	if !sig.TakeProfit.IsZero() {
		entry := sig.LimitPrice
		if entry.IsZero() {
			entry = price
		}
		if entry.IsPositive() {
			move := sig.TakeProfit.Sub(entry).Abs().Div(entry)
			minMove := g.roundTripFee().Mul(decimal.NewFromInt(3))
			if move.LessThan(minMove) {
				return reject(fmt.Sprintf("take-profit move %s below 3x round-trip fee %s",
					move.StringFixed(6), minMove.StringFixed(6)))
			}
		}
	}

	if shaped {
		log.Debug().Str("symbol", sig.Symbol).Str("from", sig.SizePct.String()).
			Str("to", sizePct.String()).Msg("Signal shaped to per-trade cap")
		return Decision{Verdict: Shaped, SizePct: sizePct,
			Reason: "size capped at max_trade_pct"}
	}
	return Decision{Verdict: Admitted, SizePct: sizePct}
}
