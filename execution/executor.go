package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/halcyonfund/halcyon/exchange"
	"github.com/halcyonfund/halcyon/feeds"
	"github.com/halcyonfund/halcyon/risk"
	"github.com/halcyonfund/halcyon/storage"
	"github.com/halcyonfund/halcyon/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTOR - admitted signals to fills to journal
// ═══════════════════════════════════════════════════════════════════════════════
//
// One admitted signal: size to qty (lot-step floor), place, apply the
// fill under the symbol guard, journal trade + cash in one transaction,
// manage native stops in live mode, then notify. Market orders settle
// synchronously; limit orders rest and the pending poll applies their
// fills whenever they land, in whatever order they land.
//
// ═══════════════════════════════════════════════════════════════════════════════

// FillObserver receives execution callbacks. The strategy host implements
// it; callbacks run after the journal write.
type FillObserver interface {
	OnFill(order types.Order, sig types.Signal)
	OnPositionClosed(trade types.ClosedTrade)
}

// pendingOrder keeps the signal context a resting limit order needs when
// its fill finally arrives.
type pendingOrder struct {
	sig         types.Signal
	closeReason types.CloseReason
}

// Executor turns admitted signals into venue orders and fills into
// portfolio state.
type Executor struct {
	adapter   exchange.Adapter
	condVenue exchange.ConditionalVenue // nil in paper mode
	store     *storage.Store
	market    *feeds.MarketState
	tracker   *risk.Tracker
	portfolio *Portfolio
	onEvent   func(types.Event)
	now       func() time.Time

	mu       sync.Mutex
	observer FillObserver
	lotSteps map[string]decimal.Decimal
	pending  map[string]pendingOrder
	version  string // strategy version stamped onto closed trades
	regime   string
}

// NewExecutor wires the execution path. condVenue is nil when the venue
// has no native stops (paper mode).
func NewExecutor(adapter exchange.Adapter, condVenue exchange.ConditionalVenue,
	store *storage.Store, market *feeds.MarketState, tracker *risk.Tracker,
	portfolio *Portfolio, onEvent func(types.Event), now func() time.Time) *Executor {
	if now == nil {
		now = time.Now
	}
	return &Executor{
		adapter:   adapter,
		condVenue: condVenue,
		store:     store,
		market:    market,
		tracker:   tracker,
		portfolio: portfolio,
		onEvent:   onEvent,
		now:       now,
		lotSteps:  make(map[string]decimal.Decimal),
		pending:   make(map[string]pendingOrder),
	}
}

// SetObserver installs the strategy callback sink.
func (e *Executor) SetObserver(obs FillObserver) {
	e.mu.Lock()
	e.observer = obs
	e.mu.Unlock()
}

// SetMarkets installs per-symbol lot steps. Symbols with an unknown step
// are refused at execution time.
func (e *Executor) SetMarkets(markets []types.Market) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range markets {
		if m.LotStep.IsPositive() {
			e.lotSteps[m.Symbol] = m.LotStep
		}
	}
}

// SetStrategyStamp records the strategy version and regime stamped onto
// closed trades.
func (e *Executor) SetStrategyStamp(version, regime string) {
	e.mu.Lock()
	e.version, e.regime = version, regime
	e.mu.Unlock()
}

// Execute carries one admitted or shaped signal through the venue.
// closeReason tags synthesized closes (stop_loss, take_profit); pass
// CloseSignal for strategy-driven ones.
func (e *Executor) Execute(ctx context.Context, sig types.Signal, dec risk.Decision,
	closeReason types.CloseReason, portfolio types.Portfolio) error {

	lock := e.portfolio.symbolLock(sig.Symbol)
	lock.Lock()
	defer lock.Unlock()

	quote, ok := e.market.Quote(sig.Symbol)
	if !ok || !quote.Price.IsPositive() {
		return fmt.Errorf("no quote for %s", sig.Symbol)
	}

	qty, side, err := e.sizeOrder(sig, dec, quote.Price, portfolio)
	if err != nil {
		return err
	}
	if !qty.IsPositive() {
		return fmt.Errorf("sized to zero qty for %s", sig.Symbol)
	}

	req := exchange.OrderRequest{
		ID:         uuid.NewString(),
		Symbol:     sig.Symbol,
		Side:       side,
		Type:       sig.OrderType,
		Qty:        qty,
		LimitPrice: sig.LimitPrice,
	}
	if req.Type == "" {
		req.Type = types.OrderTypeMarket
	}

	// Journal intent before the wire call so a post-place failure always
	// has a record to reconcile against.
	rec := &storage.OrderRecord{
		ID:         req.ID,
		Symbol:     req.Symbol,
		Tag:        sig.Tag,
		Side:       string(req.Side),
		Type:       string(req.Type),
		Qty:        req.Qty,
		LimitPrice: req.LimitPrice,
		Status:     string(types.OrderPending),
		Intent:     string(sig.Intent),
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		CreatedAt:  e.now(),
	}
	if err := e.store.SaveOrder(rec); err != nil {
		return err
	}

	order, err := e.adapter.Place(ctx, req)
	if err != nil {
		return e.reconcilePlacement(ctx, req, rec, err)
	}

	rec.ExchangeOrderID = order.ExchangeOrderID
	rec.Status = string(order.Status)

	switch {
	case order.Status == types.OrderFilled:
		rec.FillPrice = order.FillPrice
		rec.FilledQty = order.FilledQty
		rec.Fee = order.Fee
		rec.FilledAt = order.FilledAt
		if err := e.store.SaveOrder(rec); err != nil {
			return err
		}
		return e.applyFillLocked(ctx, order, sig, closeReason)

	case order.Status.Terminal():
		if err := e.store.SaveOrder(rec); err != nil {
			return err
		}
		return fmt.Errorf("order %s ended %s without fill", order.ID, order.Status)

	default:
		// Resting limit order; the pending poll applies its fill.
		if err := e.store.SaveOrder(rec); err != nil {
			return err
		}
		e.mu.Lock()
		e.pending[req.ID] = pendingOrder{sig: sig, closeReason: closeReason}
		e.mu.Unlock()
		log.Info().Str("order", req.ID).Str("symbol", sig.Symbol).
			Str("limit", sig.LimitPrice.String()).Msg("📋 Limit order resting")
		return nil
	}
}

// sizeOrder converts the admitted size into a lot-step-floored qty.
func (e *Executor) sizeOrder(sig types.Signal, dec risk.Decision, price decimal.Decimal,
	portfolio types.Portfolio) (decimal.Decimal, types.OrderSide, error) {

	switch sig.Action {
	case types.ActionBuy:
		notional := dec.SizePct.Mul(portfolio.TotalValue)
		qty := notional.Div(price)
		floored, err := e.floorToLot(sig.Symbol, qty)
		return floored, types.SideBuy, err

	case types.ActionSell:
		pos, ok := e.portfolio.Position(sig.Symbol, sig.Tag)
		if !ok {
			return decimal.Zero, types.SideSell, fmt.Errorf("sell without position %s/%s", sig.Symbol, sig.Tag)
		}
		qty := dec.SizePct.Mul(portfolio.TotalValue).Div(price)
		if qty.GreaterThan(pos.Qty) {
			qty = pos.Qty
		}
		floored, err := e.floorToLot(sig.Symbol, qty)
		return floored, types.SideSell, err

	case types.ActionClose:
		pos, ok := e.portfolio.Position(sig.Symbol, sig.Tag)
		if !ok {
			return decimal.Zero, types.SideSell, fmt.Errorf("close without position %s/%s", sig.Symbol, sig.Tag)
		}
		// Closes liquidate the full lot; no flooring that could strand dust.
		return pos.Qty, types.SideSell, nil
	}
	return decimal.Zero, types.SideBuy, fmt.Errorf("unsupported action %q", sig.Action)
}

func (e *Executor) floorToLot(symbol string, qty decimal.Decimal) (decimal.Decimal, error) {
	e.mu.Lock()
	step, ok := e.lotSteps[symbol]
	e.mu.Unlock()
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown lot step for %s, refusing to trade", symbol)
	}
	return qty.Div(step).Floor().Mul(step), nil
}

// applyFillLocked applies a confirmed fill. Caller holds the symbol lock.
func (e *Executor) applyFillLocked(ctx context.Context, order types.Order,
	sig types.Signal, closeReason types.CloseReason) error {

	if order.Side == types.SideBuy {
		return e.applyBuyFill(ctx, order, sig)
	}
	return e.applySellFill(ctx, order, sig, closeReason)
}

func (e *Executor) applyBuyFill(ctx context.Context, order types.Order, sig types.Signal) error {
	pos := e.portfolio.applyBuy(order.Symbol, sig.Tag, order, sig)

	if err := e.journalPosition(pos); err != nil {
		return err
	}
	if err := e.store.SavePortfolioSnapshot(e.portfolio.Cash(), e.market.MarkValue(e.portfolio.Positions())); err != nil {
		return err
	}

	// Live venues get native stops immediately after the position exists.
	if e.condVenue != nil {
		e.placeStops(ctx, pos)
	}

	e.tracker.RecordFill(nil, e.now())

	e.mu.Lock()
	obs := e.observer
	e.mu.Unlock()
	if obs != nil {
		obs.OnFill(order, sig)
	}
	e.emit(types.Event{
		Type: types.EventTradeExecuted, At: e.now(), Symbol: order.Symbol,
		Detail: fmt.Sprintf("BUY %s @ %s", order.FilledQty, order.FillPrice),
	})
	log.Info().Str("symbol", order.Symbol).Str("tag", sig.Tag).
		Str("qty", order.FilledQty.String()).Str("price", order.FillPrice.String()).
		Str("fee", order.Fee.String()).Msg("✅ Buy filled")
	return nil
}

func (e *Executor) applySellFill(ctx context.Context, order types.Order,
	sig types.Signal, closeReason types.CloseReason) error {

	before, hadPos := e.portfolio.Position(order.Symbol, sig.Tag)
	if !hadPos {
		return fmt.Errorf("sell fill for unknown position %s/%s", order.Symbol, sig.Tag)
	}

	realized, entryFeeShare, pos, remaining := e.portfolio.applySell(order.Symbol, sig.Tag, order)

	e.mu.Lock()
	version, regime := e.version, e.regime
	e.mu.Unlock()

	closedAt := e.now()
	if order.FilledAt != nil {
		closedAt = *order.FilledAt
	}
	pnlPct := decimal.Zero
	if before.AvgEntry.IsPositive() {
		pnlPct = types.Money8(order.FillPrice.Sub(before.AvgEntry).Div(before.AvgEntry))
	}
	trade := &storage.Trade{
		ID:              uuid.NewString(),
		Symbol:          order.Symbol,
		Tag:             sig.Tag,
		Qty:             order.FilledQty,
		EntryPrice:      before.AvgEntry,
		ExitPrice:       order.FillPrice,
		PnL:             realized,
		PnLPct:          pnlPct,
		Fees:            order.Fee.Add(entryFeeShare),
		Intent:          string(before.Intent),
		StrategyVersion: version,
		StrategyRegime:  regime,
		OpenedAt:        before.OpenedAt,
		ClosedAt:        closedAt,
		CloseReason:     string(closeReason),
		MAE:             before.MAE,
	}

	// Trade and cash snapshot land in one transaction.
	if err := e.store.JournalTrade(trade, e.portfolio.Cash(), e.market.MarkValue(e.portfolio.Positions())); err != nil {
		return err
	}
	if remaining {
		if err := e.journalPosition(pos); err != nil {
			return err
		}
	} else {
		if err := e.store.DeletePosition(order.Symbol, sig.Tag); err != nil {
			return err
		}
		if e.condVenue != nil {
			e.cancelStops(ctx, order.Symbol, sig.Tag)
		}
	}

	closed := types.ClosedTrade{
		ID:              trade.ID,
		Symbol:          trade.Symbol,
		Tag:             trade.Tag,
		Qty:             trade.Qty,
		EntryPrice:      trade.EntryPrice,
		ExitPrice:       trade.ExitPrice,
		PnL:             trade.PnL,
		PnLPct:          trade.PnLPct,
		Fees:            trade.Fees,
		Intent:          before.Intent,
		StrategyVersion: version,
		StrategyRegime:  regime,
		OpenedAt:        trade.OpenedAt,
		ClosedAt:        trade.ClosedAt,
		CloseReason:     closeReason,
		MAE:             trade.MAE,
	}
	e.tracker.RecordFill(&closed, e.now())

	e.mu.Lock()
	obs := e.observer
	e.mu.Unlock()
	if obs != nil {
		obs.OnFill(order, sig)
		if !remaining {
			obs.OnPositionClosed(closed)
		}
	}
	e.emit(types.Event{
		Type: types.EventTradeExecuted, At: e.now(), Symbol: order.Symbol,
		Detail: fmt.Sprintf("SELL %s @ %s pnl %s (%s)", order.FilledQty, order.FillPrice, realized, closeReason),
	})
	log.Info().Str("symbol", order.Symbol).Str("tag", sig.Tag).
		Str("qty", order.FilledQty.String()).Str("pnl", realized.String()).
		Str("reason", string(closeReason)).Msg("✅ Sell filled")
	return nil
}

func (e *Executor) journalPosition(pos types.OpenPosition) error {
	return e.store.SavePosition(&storage.Position{
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
	})
}

// placeStops asks the live venue for native SL/TP orders on a position.
func (e *Executor) placeStops(ctx context.Context, pos types.OpenPosition) {
	for kind, trigger := range map[types.ConditionalKind]decimal.Decimal{
		types.CondStopLoss:   pos.StopLoss,
		types.CondTakeProfit: pos.TakeProfit,
	} {
		if trigger.IsZero() {
			continue
		}
		cond, err := e.condVenue.PlaceConditional(ctx, exchange.ConditionalRequest{
			ID:           uuid.NewString(),
			Symbol:       pos.Symbol,
			Tag:          pos.Tag,
			Kind:         kind,
			Qty:          pos.Qty,
			TriggerPrice: trigger,
		})
		if err != nil {
			log.Error().Err(err).Str("symbol", pos.Symbol).Str("kind", string(kind)).
				Msg("Failed to place native stop")
			continue
		}
		if err := e.store.SaveConditionalOrder(&storage.ConditionalOrderRecord{
			ID:           cond.ID,
			Symbol:       cond.Symbol,
			Tag:          cond.Tag,
			Kind:         string(cond.Kind),
			TriggerPrice: cond.TriggerPrice,
			Status:       string(cond.Status),
			CreatedAt:    e.now(),
		}); err != nil {
			log.Error().Err(err).Msg("Failed to journal conditional order")
		}
	}
}

// cancelStops cancels any active native stops for a closed position.
func (e *Executor) cancelStops(ctx context.Context, symbol, tag string) {
	active, err := e.store.ActiveConditionalOrders()
	if err != nil {
		return
	}
	for _, c := range active {
		if c.Symbol != symbol || c.Tag != tag {
			continue
		}
		if err := e.condVenue.CancelConditional(ctx, c.ID); err != nil {
			log.Warn().Err(err).Str("id", c.ID).Msg("Failed to cancel native stop")
		}
		c.Status = string(types.CondCancelled)
		c.UpdatedAt = e.now()
		_ = e.store.SaveConditionalOrder(&c)
	}
}

// ApplyExternalFill applies a fill that happened outside Execute, such
// as a native stop triggering venue-side. It takes the symbol guard and
// runs the normal fill path: journal, counters, callbacks, notify.
func (e *Executor) ApplyExternalFill(ctx context.Context, order types.Order,
	sig types.Signal, closeReason types.CloseReason) error {
	lock := e.portfolio.symbolLock(order.Symbol)
	lock.Lock()
	defer lock.Unlock()
	return e.applyFillLocked(ctx, order, sig, closeReason)
}

// PollPending checks resting limit orders for terminal transitions and
// applies fills as they arrive, in fill-completion order.
func (e *Executor) PollPending(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		order, err := e.adapter.Order(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("order", id).Msg("Pending order poll failed")
			continue
		}
		if !order.Status.Terminal() {
			continue
		}

		e.mu.Lock()
		ctxInfo, ok := e.pending[id]
		delete(e.pending, id)
		e.mu.Unlock()
		if !ok {
			continue
		}

		rec := &storage.OrderRecord{
			ID:              id,
			ExchangeOrderID: order.ExchangeOrderID,
			Symbol:          order.Symbol,
			Tag:             ctxInfo.sig.Tag,
			Side:            string(order.Side),
			Type:            string(order.Type),
			Qty:             order.Qty,
			LimitPrice:      order.LimitPrice,
			Status:          string(order.Status),
			FillPrice:       order.FillPrice,
			FilledQty:       order.FilledQty,
			Fee:             order.Fee,
			FilledAt:        order.FilledAt,
			CreatedAt:       order.CreatedAt,
		}
		if err := e.store.SaveOrder(rec); err != nil {
			log.Error().Err(err).Str("order", id).Msg("Failed to journal order transition")
		}

		if order.Status != types.OrderFilled {
			log.Info().Str("order", id).Str("status", string(order.Status)).Msg("Limit order ended unfilled")
			continue
		}

		order.ID = id
		if order.Symbol == "" {
			order.Symbol = ctxInfo.sig.Symbol
		}
		lock := e.portfolio.symbolLock(ctxInfo.sig.Symbol)
		lock.Lock()
		err = e.applyFillLocked(ctx, order, ctxInfo.sig, ctxInfo.closeReason)
		lock.Unlock()
		if err != nil {
			log.Error().Err(err).Str("order", id).Msg("Failed to apply limit fill")
		}
	}
}

// CancelPending cancels all resting limit orders (shutdown path).
func (e *Executor) CancelPending(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.adapter.Cancel(ctx, id); err != nil {
			log.Warn().Err(err).Str("order", id).Msg("Failed to cancel resting order")
			continue
		}
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
	}
}

func (e *Executor) emit(ev types.Event) {
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}
