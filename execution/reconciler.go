package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/halcyonfund/halcyon/exchange"
	"github.com/halcyonfund/halcyon/storage"
	"github.com/halcyonfund/halcyon/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECONCILER - the exchange is the record of truth
// ═══════════════════════════════════════════════════════════════════════════════
//
// Two jobs. Post-place: a failure between place and journal polls the
// venue for the order's terminal state and patches or journals a
// rejection; an order is never resubmitted without proof it did not
// fill. Startup: persisted positions are checked against venue balances
// and discrepancies resolve exchange-wins, journaling a reconciliation
// trade for anything that vanished venue-side.
//
// ═══════════════════════════════════════════════════════════════════════════════

// reconcilePlacement handles a failed Place call for the executor.
// Caller holds the symbol lock.
func (e *Executor) reconcilePlacement(ctx context.Context, req exchange.OrderRequest,
	rec *storage.OrderRecord, placeErr error) error {

	if !errors.Is(placeErr, exchange.ErrOrderAmbiguous) {
		// The venue definitively rejected; journal and surface.
		rec.Status = string(types.OrderRejected)
		rec.UpdatedAt = e.now()
		if err := e.store.SaveOrder(rec); err != nil {
			return err
		}
		return placeErr
	}

	log.Warn().Str("order", req.ID).Msg("⚠️ Ambiguous placement, reconciling against venue")

	// Poll for the order before concluding anything. The client id is
	// the idempotency key; the paper venue resolves it directly and the
	// live venue is matched through its open-order book.
	for attempt := 0; attempt < 3; attempt++ {
		if order, err := e.adapter.Order(ctx, req.ID); err == nil {
			return e.adoptReconciled(ctx, order, req, rec)
		}
		open, err := e.adapter.OpenOrders(ctx)
		if err == nil {
			if order, found := matchOrder(open, req); found {
				return e.adoptReconciled(ctx, order, req, rec)
			}
			// Proof of non-existence: the venue answered and the order
			// is not there.
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}

	rec.Status = string(types.OrderRejected)
	rec.UpdatedAt = e.now()
	if err := e.store.SaveOrder(rec); err != nil {
		return err
	}
	if err := e.store.SaveSignal(&storage.SignalRecord{
		ID:        uuid.NewString(),
		Symbol:    req.Symbol,
		Action:    sideAction(req.Side),
		Decision:  "rejected",
		Reason:    "post_place_failure",
		CreatedAt: e.now(),
	}); err != nil {
		return err
	}
	e.emit(types.Event{Type: types.EventSignalRejected, At: e.now(), Symbol: req.Symbol,
		Detail: "post_place_failure"})
	return fmt.Errorf("placement failed and order not found on venue: %w", placeErr)
}

// adoptReconciled patches local state to whatever the venue says the
// ambiguous order became.
func (e *Executor) adoptReconciled(ctx context.Context, order types.Order,
	req exchange.OrderRequest, rec *storage.OrderRecord) error {

	order.ID = req.ID
	if order.Symbol == "" {
		order.Symbol = req.Symbol
	}
	rec.ExchangeOrderID = order.ExchangeOrderID
	rec.Status = string(order.Status)
	rec.FillPrice = order.FillPrice
	rec.FilledQty = order.FilledQty
	rec.Fee = order.Fee
	rec.FilledAt = order.FilledAt
	rec.UpdatedAt = e.now()
	if err := e.store.SaveOrder(rec); err != nil {
		return err
	}

	sig := types.Signal{
		Symbol: req.Symbol,
		Tag:    rec.Tag,
		Action: types.Action(sideAction(req.Side)),
	}

	switch {
	case order.Status == types.OrderFilled:
		log.Info().Str("order", req.ID).Msg("Reconciliation proved fill, patching state")
		return e.applyFillLocked(ctx, order, sig, types.CloseSignal)
	case order.Status.Terminal():
		return nil
	default:
		e.mu.Lock()
		e.pending[req.ID] = pendingOrder{sig: sig, closeReason: types.CloseSignal}
		e.mu.Unlock()
		return nil
	}
}

// matchOrder looks for the request in the venue's open-order book.
func matchOrder(open []types.Order, req exchange.OrderRequest) (types.Order, bool) {
	want := strings.ReplaceAll(req.Symbol, "/", "")
	for _, o := range open {
		if o.ID == req.ID {
			return o, true
		}
		got := strings.ReplaceAll(o.Symbol, "/", "")
		if got == want && o.Side == req.Side && o.Qty.Equal(req.Qty) &&
			o.LimitPrice.Equal(req.LimitPrice) {
			return o, true
		}
	}
	return types.Order{}, false
}

func sideAction(side types.OrderSide) string {
	if side == types.SideBuy {
		return string(types.ActionBuy)
	}
	return string(types.ActionSell)
}

// ─── Startup reconciliation ────────────────────────────────────────────────────

// Reconciler rebuilds in-memory state on boot and squares it with the
// venue.
type Reconciler struct {
	adapter   exchange.Adapter
	store     *storage.Store
	portfolio *Portfolio
	live      bool
	onEvent   func(types.Event)
	now       func() time.Time
}

// NewReconciler wires the boot reconciler. live selects exchange-wins
// resolution.
func NewReconciler(adapter exchange.Adapter, store *storage.Store, portfolio *Portfolio,
	live bool, onEvent func(types.Event), now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{adapter: adapter, store: store, portfolio: portfolio,
		live: live, onEvent: onEvent, now: now}
}

// Restore loads persisted cash and positions, then reconciles against
// the venue. In live mode cash follows the venue's quote balance, never
// the configured seed. Returns the restored cash balance.
func (r *Reconciler) Restore(ctx context.Context, startingCash decimal.Decimal) (decimal.Decimal, error) {
	cash := startingCash
	if snap, err := r.store.LatestSnapshot(); err != nil {
		return decimal.Zero, fmt.Errorf("load portfolio snapshot: %w", err)
	} else if snap != nil {
		cash = snap.Cash
	}
	r.portfolio.SetCash(cash)

	rows, err := r.store.LoadPositions()
	if err != nil {
		return decimal.Zero, fmt.Errorf("load positions: %w", err)
	}
	for _, row := range rows {
		r.portfolio.SetPosition(types.OpenPosition{
			Symbol:     row.Symbol,
			Tag:        row.Tag,
			Qty:        row.Qty,
			AvgEntry:   row.AvgEntry,
			OpenedAt:   row.OpenedAt,
			Intent:     types.Intent(row.Intent),
			StopLoss:   row.StopLoss,
			TakeProfit: row.TakeProfit,
			MAE:        row.MAE,
			EntryFees:  row.EntryFees,
		})
	}
	log.Info().Int("positions", len(rows)).Str("cash", cash.String()).
		Msg("🔄 Portfolio state restored")

	if err := r.reconcileOrders(ctx); err != nil {
		log.Warn().Err(err).Msg("Startup order reconciliation incomplete")
	}

	if r.live {
		if err := r.reconcileBalances(ctx); err != nil {
			return decimal.Zero, err
		}
	}
	return r.portfolio.Cash(), nil
}

// reconcileOrders resolves orders left pending by the previous run:
// terminal ones are journaled, still-open ones are cancelled so the new
// run starts with a clean book.
func (r *Reconciler) reconcileOrders(ctx context.Context) error {
	pending, err := r.store.PendingOrders()
	if err != nil {
		return err
	}
	for _, rec := range pending {
		id := rec.ExchangeOrderID
		if id == "" {
			id = rec.ID
		}
		order, err := r.adapter.Order(ctx, id)
		if err != nil {
			if errors.Is(err, exchange.ErrOrderNotFound) {
				rec.Status = string(types.OrderCancelled)
				rec.UpdatedAt = r.now()
				_ = r.store.SaveOrder(&rec)
			}
			continue
		}
		if order.Status.Terminal() {
			rec.Status = string(order.Status)
			rec.FillPrice = order.FillPrice
			rec.FilledQty = order.FilledQty
			rec.Fee = order.Fee
			rec.FilledAt = order.FilledAt
		} else {
			if err := r.adapter.Cancel(ctx, id); err != nil {
				log.Warn().Err(err).Str("order", id).Msg("Could not cancel stale order")
				continue
			}
			rec.Status = string(types.OrderCancelled)
		}
		rec.UpdatedAt = r.now()
		_ = r.store.SaveOrder(&rec)
	}
	return nil
}

// reconcileBalances squares local state with venue balances,
// exchange-wins. Cash is re-seeded from the venue's quote-currency row;
// a position the venue no longer backs is closed locally with
// close_reason=reconciliation.
func (r *Reconciler) reconcileBalances(ctx context.Context) error {
	balances, err := r.adapter.Balances(ctx)
	if err != nil {
		return fmt.Errorf("query balances: %w", err)
	}

	if venueCash, ok := quoteBalance(balances); ok {
		if local := r.portfolio.Cash(); !venueCash.Equal(local) {
			log.Info().Str("local", local.String()).Str("venue", venueCash.String()).
				Msg("💵 Cash re-seeded from venue balance")
			r.portfolio.SetCash(venueCash)
		}
	}

	positions := r.portfolio.Positions()
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].Symbol != positions[j].Symbol {
			return positions[i].Symbol < positions[j].Symbol
		}
		return positions[i].Tag < positions[j].Tag
	})

	available := make(map[string]decimal.Decimal, len(balances))
	for asset, qty := range balances {
		available[asset] = qty
	}

	for _, pos := range positions {
		base := baseAsset(pos.Symbol)
		have := available[base]
		if !have.LessThan(pos.Qty) {
			available[base] = have.Sub(pos.Qty)
			continue
		}

		// Venue holds less than we think: the difference is gone.
		missing := pos.Qty.Sub(have)
		available[base] = decimal.Zero
		log.Warn().Str("symbol", pos.Symbol).Str("tag", pos.Tag).
			Str("missing", missing.String()).Msg("⚖️ Position not backed by venue balance, reconciling")

		exitPrice := pos.AvgEntry
		if q, err := r.adapter.Quote(ctx, pos.Symbol); err == nil && q.Price.IsPositive() {
			exitPrice = q.Price
		}
		pnl := types.Money8(exitPrice.Sub(pos.AvgEntry).Mul(missing))
		trade := &storage.Trade{
			ID:          uuid.NewString(),
			Symbol:      pos.Symbol,
			Tag:         pos.Tag,
			Qty:         missing,
			EntryPrice:  pos.AvgEntry,
			ExitPrice:   exitPrice,
			PnL:         pnl,
			Intent:      string(pos.Intent),
			OpenedAt:    pos.OpenedAt,
			ClosedAt:    r.now(),
			CloseReason: string(types.CloseReconciliation),
			MAE:         pos.MAE,
		}

		if missing.Equal(pos.Qty) {
			r.portfolio.RemovePosition(pos.Symbol, pos.Tag)
			if err := r.store.DeletePosition(pos.Symbol, pos.Tag); err != nil {
				return err
			}
		} else {
			pos.Qty = pos.Qty.Sub(missing)
			r.portfolio.SetPosition(pos)
			if err := r.store.SavePosition(&storage.Position{
				Symbol: pos.Symbol, Tag: pos.Tag, Qty: pos.Qty,
				AvgEntry: pos.AvgEntry, OpenedAt: pos.OpenedAt,
				Intent: string(pos.Intent), StopLoss: pos.StopLoss,
				TakeProfit: pos.TakeProfit, MAE: pos.MAE, EntryFees: pos.EntryFees,
			}); err != nil {
				return err
			}
		}
		if err := r.store.JournalTrade(trade, r.portfolio.Cash(), decimal.Zero); err != nil {
			return err
		}
		if r.onEvent != nil {
			r.onEvent(types.Event{Type: types.EventTradeExecuted, At: r.now(),
				Symbol: pos.Symbol, Detail: "reconciliation close"})
		}
	}
	return nil
}

func baseAsset(symbol string) string {
	if i := strings.Index(symbol, "/"); i > 0 {
		return symbol[:i]
	}
	return symbol
}

// quoteBalance finds the venue's quote-currency row. Kraken reports USD
// under its legacy Z-prefixed asset code.
func quoteBalance(balances map[string]decimal.Decimal) (decimal.Decimal, bool) {
	for _, asset := range []string{"USD", "ZUSD"} {
		if v, ok := balances[asset]; ok {
			return v, true
		}
	}
	return decimal.Zero, false
}
