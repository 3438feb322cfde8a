package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/halcyonfund/halcyon/exchange"
	"github.com/halcyonfund/halcyon/execution"
	"github.com/halcyonfund/halcyon/feeds"
	"github.com/halcyonfund/halcyon/risk"
	"github.com/halcyonfund/halcyon/storage"
	"github.com/halcyonfund/halcyon/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION MONITOR - stop-loss, take-profit and MAE tracking
// ═══════════════════════════════════════════════════════════════════════════════
//
// Runs every 30s from the scheduler. Paper mode synthesizes CLOSE signals
// when price crosses SL/TP and routes them through the gate like any
// other signal. Live mode leaves triggering to the venue's native stops
// and only reconciles: a conditional that filled closes the position
// locally at the venue's price.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Monitor watches open positions between scans.
type Monitor struct {
	market    *feeds.MarketState
	portfolio *execution.Portfolio
	executor  *execution.Executor
	gate      *risk.Gate
	store     *storage.Store
	condVenue exchange.ConditionalVenue // nil in paper mode
	onEvent   func(types.Event)
	now       func() time.Time
}

// New wires the monitor. A nil condVenue selects the paper (client-side)
// stop path.
func New(market *feeds.MarketState, portfolio *execution.Portfolio,
	executor *execution.Executor, gate *risk.Gate, store *storage.Store,
	condVenue exchange.ConditionalVenue, onEvent func(types.Event),
	now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		market:    market,
		portfolio: portfolio,
		executor:  executor,
		gate:      gate,
		store:     store,
		condVenue: condVenue,
		onEvent:   onEvent,
		now:       now,
	}
}

// Check runs one monitor pass over every open position.
func (m *Monitor) Check(ctx context.Context) {
	for _, pos := range m.portfolio.Positions() {
		quote, ok := m.market.Quote(pos.Symbol)
		if !ok || !quote.Price.IsPositive() {
			continue
		}

		m.updateMAE(pos, quote.Price)

		if m.condVenue == nil {
			m.checkClientStops(ctx, pos, quote.Price)
		}
	}

	if m.condVenue != nil {
		m.reconcileConditionals(ctx)
	}
}

// updateMAE records the worst unrealized excursion seen on the position.
func (m *Monitor) updateMAE(pos types.OpenPosition, price decimal.Decimal) {
	unrealized := pos.UnrealizedPct(price)
	if !unrealized.LessThan(pos.MAE) {
		return
	}
	pos.MAE = unrealized
	m.portfolio.SetPosition(pos)
	if err := m.store.SavePosition(&storage.Position{
		Symbol:     pos.Symbol,
		Tag:        pos.Tag,
		Qty:        pos.Qty,
		AvgEntry:   pos.AvgEntry,
		OpenedAt:   pos.OpenedAt,
		Intent:     string(pos.Intent),
		StopLoss:   pos.StopLoss,
		TakeProfit: pos.TakeProfit,
		MAE:        pos.MAE,
		EntryFees:  pos.EntryFees,
	}); err != nil {
		log.Error().Err(err).Str("symbol", pos.Symbol).Msg("Failed to journal MAE update")
	}
}

// checkClientStops synthesizes a CLOSE when price crosses the position's
// stop-loss downward or take-profit upward.
func (m *Monitor) checkClientStops(ctx context.Context, pos types.OpenPosition, price decimal.Decimal) {
	var reason types.CloseReason
	switch {
	case !pos.StopLoss.IsZero() && !price.GreaterThan(pos.StopLoss):
		reason = types.CloseStopLoss
	case !pos.TakeProfit.IsZero() && !price.LessThan(pos.TakeProfit):
		reason = types.CloseTakeProfit
	default:
		return
	}

	sig := types.Signal{
		Symbol:    pos.Symbol,
		Action:    types.ActionClose,
		OrderType: types.OrderTypeMarket,
		Tag:       pos.Tag,
		Reasoning: fmt.Sprintf("%s triggered at %s", reason, price),
	}

	snapshot := m.portfolio.Snapshot(m.market, nil, decimal.Zero, decimal.Zero)
	dec := m.gate.Evaluate(sig, snapshot, price)
	if dec.Verdict == risk.Rejected {
		log.Warn().Str("symbol", pos.Symbol).Str("reason", dec.Reason).
			Msg("Synthesized close rejected by gate")
		return
	}

	log.Info().Str("symbol", pos.Symbol).Str("tag", pos.Tag).
		Str("trigger", string(reason)).Str("price", price.String()).
		Msg("🎯 Stop triggered, closing position")
	m.emit(types.Event{Type: types.EventStopTriggered, At: m.now(),
		Symbol: pos.Symbol, Detail: string(reason)})

	if err := m.executor.Execute(ctx, sig, dec, reason, snapshot); err != nil {
		log.Error().Err(err).Str("symbol", pos.Symbol).Msg("Failed to execute synthesized close")
	}
}

// reconcileConditionals closes positions whose native stops filled
// venue-side, at the venue's fill price.
func (m *Monitor) reconcileConditionals(ctx context.Context) {
	active, err := m.store.ActiveConditionalOrders()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load conditional orders")
		return
	}

	for _, rec := range active {
		status, err := m.condVenue.ConditionalStatus(ctx, rec.ID)
		if err != nil {
			log.Warn().Err(err).Str("id", rec.ID).Msg("Conditional status query failed")
			continue
		}
		if status.Status == types.CondActive {
			continue
		}

		rec.Status = string(status.Status)
		rec.FillPrice = status.FillPrice
		rec.UpdatedAt = m.now()
		if err := m.store.SaveConditionalOrder(&rec); err != nil {
			log.Error().Err(err).Str("id", rec.ID).Msg("Failed to journal conditional transition")
			continue
		}
		if status.Status != types.CondFilled {
			continue
		}

		pos, ok := m.portfolio.Position(rec.Symbol, rec.Tag)
		if !ok {
			continue
		}

		reason := types.CloseStopLoss
		if rec.Kind == string(types.CondTakeProfit) {
			reason = types.CloseTakeProfit
		}
		m.emit(types.Event{Type: types.EventStopTriggered, At: m.now(),
			Symbol: rec.Symbol, Detail: rec.Kind})

		now := m.now()
		order := types.Order{
			ID:              rec.ID,
			ExchangeOrderID: rec.ID,
			Symbol:          rec.Symbol,
			Side:            types.SideSell,
			Type:            types.OrderTypeMarket,
			Qty:             pos.Qty,
			Status:          types.OrderFilled,
			FilledQty:       pos.Qty,
			FillPrice:       status.FillPrice,
			FilledAt:        &now,
			CreatedAt:       now,
		}
		sig := types.Signal{Symbol: rec.Symbol, Action: types.ActionClose, Tag: rec.Tag}
		if err := m.executor.ApplyExternalFill(ctx, order, sig, reason); err != nil {
			log.Error().Err(err).Str("symbol", rec.Symbol).Msg("Failed to apply conditional fill")
		}
	}
}

func (m *Monitor) emit(ev types.Event) {
	if m.onEvent != nil {
		m.onEvent(ev)
	}
}
