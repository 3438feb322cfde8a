package execution

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/halcyonfund/halcyon/feeds"
	"github.com/halcyonfund/halcyon/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PORTFOLIO - cash and open positions
// ═══════════════════════════════════════════════════════════════════════════════
//
// Positions are keyed (symbol, tag). The read-modify-write of
// positions + cash is serialized per symbol so two fills on one symbol
// cannot interleave while different symbols proceed in parallel.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Portfolio holds the engine's cash and positions.
type Portfolio struct {
	mu        sync.RWMutex
	cash      decimal.Decimal
	positions map[types.PositionKey]types.OpenPosition
	feesTotal decimal.Decimal

	symMu sync.Mutex
	syms  map[string]*sync.Mutex
}

// NewPortfolio starts with the given cash and no positions.
func NewPortfolio(cash decimal.Decimal) *Portfolio {
	return &Portfolio{
		cash:      cash,
		positions: make(map[types.PositionKey]types.OpenPosition),
		syms:      make(map[string]*sync.Mutex),
	}
}

// symbolLock returns the serialization guard for one symbol.
func (p *Portfolio) symbolLock(symbol string) *sync.Mutex {
	p.symMu.Lock()
	defer p.symMu.Unlock()
	m, ok := p.syms[symbol]
	if !ok {
		m = &sync.Mutex{}
		p.syms[symbol] = m
	}
	return m
}

// Cash returns available cash.
func (p *Portfolio) Cash() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}

// SetCash replaces the cash balance (restart restore, capital events).
func (p *Portfolio) SetCash(cash decimal.Decimal) {
	p.mu.Lock()
	p.cash = cash
	p.mu.Unlock()
}

// AdjustCash applies a signed delta (deposits and withdrawals).
func (p *Portfolio) AdjustCash(delta decimal.Decimal) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cash = types.Money8(p.cash.Add(delta))
	return p.cash
}

// Position returns a copy of the position for a key.
func (p *Portfolio) Position(symbol, tag string) (types.OpenPosition, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[types.PositionKey{Symbol: symbol, Tag: tag}]
	return pos, ok
}

// Positions returns a copy of all open positions.
func (p *Portfolio) Positions() []types.OpenPosition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.OpenPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out
}

// SetPosition installs or replaces a position (restore, reconciliation,
// monitor MAE updates).
func (p *Portfolio) SetPosition(pos types.OpenPosition) {
	p.mu.Lock()
	p.positions[pos.Key()] = pos
	p.mu.Unlock()
}

// RemovePosition drops a position.
func (p *Portfolio) RemovePosition(symbol, tag string) {
	p.mu.Lock()
	delete(p.positions, types.PositionKey{Symbol: symbol, Tag: tag})
	p.mu.Unlock()
}

// applyBuy merges a buy fill into the keyed position with qty-weighted
// average entry and debits cash. Caller holds the symbol lock.
func (p *Portfolio) applyBuy(symbol, tag string, order types.Order, sig types.Signal) types.OpenPosition {
	p.mu.Lock()
	defer p.mu.Unlock()

	cost := types.Money8(order.FilledQty.Mul(order.FillPrice)).Add(order.Fee)
	p.cash = types.Money8(p.cash.Sub(cost))
	p.feesTotal = p.feesTotal.Add(order.Fee)

	key := types.PositionKey{Symbol: symbol, Tag: tag}
	pos, ok := p.positions[key]
	if !ok {
		pos = types.OpenPosition{
			Symbol:     symbol,
			Tag:        tag,
			Qty:        order.FilledQty,
			AvgEntry:   order.FillPrice,
			OpenedAt:   order.CreatedAt,
			Intent:     sig.Intent,
			StopLoss:   sig.StopLoss,
			TakeProfit: sig.TakeProfit,
			EntryFees:  order.Fee,
		}
		if order.FilledAt != nil {
			pos.OpenedAt = *order.FilledAt
		}
		p.positions[key] = pos
		return pos
	}

	// Qty-weighted average entry across the merged lots.
	oldNotional := pos.Qty.Mul(pos.AvgEntry)
	newNotional := order.FilledQty.Mul(order.FillPrice)
	totalQty := pos.Qty.Add(order.FilledQty)
	pos.AvgEntry = types.Money8(oldNotional.Add(newNotional).Div(totalQty))
	pos.Qty = totalQty
	pos.EntryFees = pos.EntryFees.Add(order.Fee)
	if !sig.StopLoss.IsZero() {
		pos.StopLoss = sig.StopLoss
	}
	if !sig.TakeProfit.IsZero() {
		pos.TakeProfit = sig.TakeProfit
	}
	p.positions[key] = pos
	return pos
}

// applySell reduces the keyed position by the filled qty, credits cash
// and returns the realized trade leg. remaining reports what is left.
// Caller holds the symbol lock.
func (p *Portfolio) applySell(symbol, tag string, order types.Order) (realized decimal.Decimal, entryFeeShare decimal.Decimal, pos types.OpenPosition, remaining bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := types.PositionKey{Symbol: symbol, Tag: tag}
	pos = p.positions[key]

	proceeds := types.Money8(order.FilledQty.Mul(order.FillPrice)).Sub(order.Fee)
	p.cash = types.Money8(p.cash.Add(proceeds))
	p.feesTotal = p.feesTotal.Add(order.Fee)

	// The closed fraction carries its share of the entry fees so a flat
	// round trip nets exactly minus total fees.
	entryFeeShare = decimal.Zero
	if pos.Qty.IsPositive() {
		entryFeeShare = types.Money8(pos.EntryFees.Mul(order.FilledQty).Div(pos.Qty))
	}
	realized = types.Money8(
		order.FillPrice.Sub(pos.AvgEntry).Mul(order.FilledQty).
			Sub(order.Fee).Sub(entryFeeShare))

	pos.Qty = pos.Qty.Sub(order.FilledQty)
	pos.EntryFees = pos.EntryFees.Sub(entryFeeShare)
	if pos.Qty.IsPositive() {
		p.positions[key] = pos
		return realized, entryFeeShare, pos, true
	}
	delete(p.positions, key)
	return realized, entryFeeShare, pos, false
}

// FeesTotal returns cumulative fees paid.
func (p *Portfolio) FeesTotal() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.feesTotal
}

// Snapshot assembles the read view handed to the strategy and the gate.
func (p *Portfolio) Snapshot(market *feeds.MarketState, recent []types.ClosedTrade,
	dailyPnL, totalPnL decimal.Decimal) types.Portfolio {
	positions := p.Positions()
	positionsValue := market.MarkValue(positions)

	p.mu.RLock()
	cash := p.cash
	fees := p.feesTotal
	p.mu.RUnlock()

	return types.Portfolio{
		Cash:         cash,
		TotalValue:   types.Money8(cash.Add(positionsValue)),
		Positions:    positions,
		RecentTrades: recent,
		DailyPnL:     dailyPnL,
		TotalPnL:     totalPnL,
		FeesTotal:    fees,
	}
}
