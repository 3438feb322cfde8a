package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/halcyonfund/halcyon/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER EXCHANGE - simulated venue over live market data
// ═══════════════════════════════════════════════════════════════════════════════
//
// Market orders fill immediately at quote price plus 0.05% adverse
// slippage, charged at the live taker tier. Limit orders rest until the
// ticker crosses the limit price, fill at the limit at maker tier, and
// expire past the configured horizon. Stops are not native here; the
// position monitor synthesizes closes client-side.
//
// ═══════════════════════════════════════════════════════════════════════════════

// paperSlippage is the adverse price move applied to market fills.
var paperSlippage = decimal.RequireFromString("0.0005")

type paperOrder struct {
	order    types.Order
	reserved decimal.Decimal // cash held for resting buy limits
}

// Paper simulates order execution against a real market data source.
type Paper struct {
	mu sync.Mutex

	data        MarketData
	now         func() time.Time
	cash        decimal.Decimal
	holdings    map[string]decimal.Decimal // base asset qty per symbol
	orders      map[string]*paperOrder
	fees        types.Fees
	limitExpiry time.Duration
}

// NewPaper creates a paper venue seeded with startingCash quote currency.
// fees should be the live venue's tier; pass overrides when the live
// query is unavailable.
func NewPaper(data MarketData, startingCash decimal.Decimal, fees types.Fees,
	limitExpiry time.Duration, now func() time.Time) *Paper {
	if now == nil {
		now = time.Now
	}
	return &Paper{
		data:        data,
		now:         now,
		cash:        startingCash,
		holdings:    make(map[string]decimal.Decimal),
		orders:      make(map[string]*paperOrder),
		fees:        fees,
		limitExpiry: limitExpiry,
	}
}

// Restore seeds cash and holdings from persisted state after a restart.
func (p *Paper) Restore(cash decimal.Decimal, holdings map[string]decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cash = cash
	for symbol, qty := range holdings {
		p.holdings[symbol] = qty
	}
}

func (p *Paper) Quote(ctx context.Context, symbol string) (types.Quote, error) {
	return p.data.Quote(ctx, symbol)
}

func (p *Paper) Candles(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.Candle, error) {
	return p.data.Candles(ctx, symbol, tf, limit)
}

func (p *Paper) Fees(ctx context.Context) (types.Fees, error) {
	if live, err := p.data.Fees(ctx); err == nil &&
		(live.Maker.IsPositive() || live.Taker.IsPositive()) {
		p.mu.Lock()
		p.fees = live
		p.mu.Unlock()
		return live, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fees, nil
}

func (p *Paper) Markets(ctx context.Context) ([]types.Market, error) {
	return p.data.Markets(ctx)
}

// Place fills market orders synchronously; limit orders rest until a
// sweep observes a cross or expiry.
func (p *Paper) Place(ctx context.Context, req OrderRequest) (types.Order, error) {
	if !req.Qty.IsPositive() {
		return types.Order{}, fmt.Errorf("non-positive qty %s", req.Qty)
	}

	switch req.Type {
	case types.OrderTypeMarket:
		q, err := p.data.Quote(ctx, req.Symbol)
		if err != nil {
			return types.Order{}, fmt.Errorf("%w: quote %s: %v", ErrExchangeUnavailable, req.Symbol, err)
		}
		return p.fillMarket(req, q.Price)

	case types.OrderTypeLimit:
		return p.restLimit(req)
	}
	return types.Order{}, fmt.Errorf("unsupported order type %q", req.Type)
}

func (p *Paper) fillMarket(req OrderRequest, price decimal.Decimal) (types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Slippage always moves against the order.
	fillPrice := price.Mul(decimal.NewFromInt(1).Add(paperSlippage))
	if req.Side == types.SideSell {
		fillPrice = price.Mul(decimal.NewFromInt(1).Sub(paperSlippage))
	}
	fillPrice = types.Money8(fillPrice)

	notional := types.Money8(req.Qty.Mul(fillPrice))
	fee := types.Money8(notional.Mul(p.fees.Taker))

	if err := p.settle(req, fillPrice, fee); err != nil {
		return types.Order{}, err
	}

	now := p.now()
	order := types.Order{
		ID:              req.ID,
		ExchangeOrderID: "paper-" + req.ID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Qty:             req.Qty,
		Status:          types.OrderFilled,
		CreatedAt:       now,
		FilledAt:        &now,
		FillPrice:       fillPrice,
		FilledQty:       req.Qty,
		Fee:             fee,
	}
	p.orders[req.ID] = &paperOrder{order: order}
	log.Debug().Str("symbol", req.Symbol).Str("side", string(req.Side)).
		Str("price", fillPrice.String()).Str("qty", req.Qty.String()).
		Msg("📝 Paper market fill")
	return order, nil
}

func (p *Paper) restLimit(req OrderRequest) (types.Order, error) {
	if !req.LimitPrice.IsPositive() {
		return types.Order{}, fmt.Errorf("limit order without a positive limit price")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	reserved := decimal.Zero
	if req.Side == types.SideBuy {
		// Reserve cash including the worst-case fee so resting orders
		// cannot overdraw when several fill together.
		notional := req.Qty.Mul(req.LimitPrice)
		reserved = types.Money8(notional.Add(notional.Mul(p.fees.Maker)))
		if p.cash.LessThan(reserved) {
			return types.Order{}, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, reserved, p.cash)
		}
		p.cash = p.cash.Sub(reserved)
	} else if p.holdings[req.Symbol].LessThan(req.Qty) {
		return types.Order{}, fmt.Errorf("%w: %s holding %s, selling %s",
			ErrInsufficientFunds, req.Symbol, p.holdings[req.Symbol], req.Qty)
	}

	order := types.Order{
		ID:              req.ID,
		ExchangeOrderID: "paper-" + req.ID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Qty:             req.Qty,
		LimitPrice:      req.LimitPrice,
		Status:          types.OrderOpen,
		CreatedAt:       p.now(),
	}
	p.orders[req.ID] = &paperOrder{order: order, reserved: reserved}
	return order, nil
}

// settle applies a fill to cash and holdings. Caller holds p.mu.
func (p *Paper) settle(req OrderRequest, fillPrice, fee decimal.Decimal) error {
	notional := types.Money8(req.Qty.Mul(fillPrice))
	if req.Side == types.SideBuy {
		cost := notional.Add(fee)
		if p.cash.LessThan(cost) {
			return fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, cost, p.cash)
		}
		p.cash = types.Money8(p.cash.Sub(cost))
		p.holdings[req.Symbol] = p.holdings[req.Symbol].Add(req.Qty)
		return nil
	}
	if p.holdings[req.Symbol].LessThan(req.Qty) {
		return fmt.Errorf("%w: %s holding %s, selling %s",
			ErrInsufficientFunds, req.Symbol, p.holdings[req.Symbol], req.Qty)
	}
	p.holdings[req.Symbol] = p.holdings[req.Symbol].Sub(req.Qty)
	p.cash = types.Money8(p.cash.Add(notional.Sub(fee)))
	return nil
}

// sweep walks resting limit orders, filling crossed ones at the limit
// price and expiring stale ones. Called before every order read so polls
// observe up-to-date state.
func (p *Paper) sweep(ctx context.Context) {
	p.mu.Lock()
	resting := make([]*paperOrder, 0)
	for _, po := range p.orders {
		if po.order.Status == types.OrderOpen {
			resting = append(resting, po)
		}
	}
	p.mu.Unlock()

	now := p.now()
	for _, po := range resting {
		p.mu.Lock()
		if po.order.Status != types.OrderOpen {
			p.mu.Unlock()
			continue
		}
		if now.Sub(po.order.CreatedAt) > p.limitExpiry {
			po.order.Status = types.OrderExpired
			p.cash = p.cash.Add(po.reserved)
			po.reserved = decimal.Zero
			p.mu.Unlock()
			log.Debug().Str("order", po.order.ID).Msg("Paper limit order expired")
			continue
		}
		p.mu.Unlock()

		q, err := p.data.Quote(ctx, po.order.Symbol)
		if err != nil {
			continue
		}

		p.mu.Lock()
		crossed := (po.order.Side == types.SideBuy && !q.Price.GreaterThan(po.order.LimitPrice)) ||
			(po.order.Side == types.SideSell && !q.Price.LessThan(po.order.LimitPrice))
		if !crossed || po.order.Status != types.OrderOpen {
			p.mu.Unlock()
			continue
		}

		fillPrice := po.order.LimitPrice
		notional := types.Money8(po.order.Qty.Mul(fillPrice))
		fee := types.Money8(notional.Mul(p.fees.Maker))

		if po.order.Side == types.SideBuy {
			// Spend the reservation; refund any rounding remainder.
			p.cash = p.cash.Add(po.reserved)
			po.reserved = decimal.Zero
			p.cash = types.Money8(p.cash.Sub(notional.Add(fee)))
			p.holdings[po.order.Symbol] = p.holdings[po.order.Symbol].Add(po.order.Qty)
		} else {
			if p.holdings[po.order.Symbol].LessThan(po.order.Qty) {
				po.order.Status = types.OrderCancelled
				p.mu.Unlock()
				continue
			}
			p.holdings[po.order.Symbol] = p.holdings[po.order.Symbol].Sub(po.order.Qty)
			p.cash = types.Money8(p.cash.Add(notional.Sub(fee)))
		}

		fillTime := now
		po.order.Status = types.OrderFilled
		po.order.FilledAt = &fillTime
		po.order.FillPrice = fillPrice
		po.order.FilledQty = po.order.Qty
		po.order.Fee = fee
		p.mu.Unlock()
		log.Debug().Str("order", po.order.ID).Str("price", fillPrice.String()).
			Msg("📝 Paper limit fill")
	}
}

func (p *Paper) Cancel(ctx context.Context, orderID string) error {
	p.sweep(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()

	po, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if po.order.Status.Terminal() {
		return nil
	}
	po.order.Status = types.OrderCancelled
	p.cash = p.cash.Add(po.reserved)
	po.reserved = decimal.Zero
	return nil
}

func (p *Paper) Order(ctx context.Context, orderID string) (types.Order, error) {
	p.sweep(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()

	po, ok := p.orders[orderID]
	if !ok {
		return types.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return po.order, nil
}

func (p *Paper) OpenOrders(ctx context.Context) ([]types.Order, error) {
	p.sweep(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()

	var open []types.Order
	for _, po := range p.orders {
		if !po.order.Status.Terminal() {
			open = append(open, po.order)
		}
	}
	return open, nil
}

func (p *Paper) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	balances := map[string]decimal.Decimal{"USD": p.cash}
	for symbol, qty := range p.holdings {
		if qty.IsZero() {
			continue
		}
		base := symbol
		if i := strings.Index(symbol, "/"); i > 0 {
			base = symbol[:i]
		}
		balances[base] = balances[base].Add(qty)
	}
	return balances, nil
}
