package exchange

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/halcyonfund/halcyon/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXCHANGE ADAPTER - the engine's only door to the venue
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrExchangeUnavailable marks transient venue failures; callers may
	// retry with backoff.
	ErrExchangeUnavailable = errors.New("exchange unavailable")

	// ErrOrderAmbiguous means a placement request may or may not have
	// reached the venue. Never resubmit on this; reconcile first.
	ErrOrderAmbiguous = errors.New("order placement ambiguous")

	// ErrOrderNotFound is returned for unknown order ids.
	ErrOrderNotFound = errors.New("order not found")

	// ErrInsufficientFunds is a permanent rejection, never retried.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrUnknownSymbol is returned for symbols outside the venue's list.
	ErrUnknownSymbol = errors.New("unknown symbol")
)

// OrderRequest is a placement request. ID is the client order id and
// doubles as the idempotency key during reconciliation.
type OrderRequest struct {
	ID         string
	Symbol     string
	Side       types.OrderSide
	Type       types.OrderType
	Qty        decimal.Decimal
	LimitPrice decimal.Decimal // required for limit orders
}

// Adapter is the capability surface both venue variants implement.
// All calls take a context; network variants honor its deadline.
type Adapter interface {
	Quote(ctx context.Context, symbol string) (types.Quote, error)
	Candles(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.Candle, error)
	Place(ctx context.Context, req OrderRequest) (types.Order, error)
	Cancel(ctx context.Context, orderID string) error
	Order(ctx context.Context, orderID string) (types.Order, error)
	OpenOrders(ctx context.Context) ([]types.Order, error)
	Balances(ctx context.Context) (map[string]decimal.Decimal, error)
	Fees(ctx context.Context) (types.Fees, error)
	Markets(ctx context.Context) ([]types.Market, error)
}

// ConditionalRequest asks the venue for a native stop order.
type ConditionalRequest struct {
	ID           string
	Symbol       string
	Tag          string
	Kind         types.ConditionalKind
	Qty          decimal.Decimal
	TriggerPrice decimal.Decimal
}

// ConditionalVenue is implemented by venues with native stop orders. The
// paper variant does not implement it; stops are monitored client-side
// there.
type ConditionalVenue interface {
	PlaceConditional(ctx context.Context, req ConditionalRequest) (types.ConditionalOrder, error)
	CancelConditional(ctx context.Context, id string) error
	ConditionalStatus(ctx context.Context, id string) (types.ConditionalOrder, error)
}

// MarketData is the read-only slice of Adapter the paper variant borrows
// from a live connection for quotes, candles, fees and metadata.
type MarketData interface {
	Quote(ctx context.Context, symbol string) (types.Quote, error)
	Candles(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.Candle, error)
	Fees(ctx context.Context) (types.Fees, error)
	Markets(ctx context.Context) ([]types.Market, error)
}
