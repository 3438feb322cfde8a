package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DOMAIN TYPES - shared across the engine
// ═══════════════════════════════════════════════════════════════════════════════
//
// Money is decimal fixed-point, 8 fractional digits everywhere.
// Position identity is (symbol, tag); one symbol can carry several
// positions under distinct tags.
//
// ═══════════════════════════════════════════════════════════════════════════════

// MoneyPlaces is the fixed-point scale for all balances and prices.
const MoneyPlaces = 8

// Money8 truncates d to the engine's fixed-point scale.
func Money8(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(MoneyPlaces)
}

// Timeframe identifies a candle bucket size.
type Timeframe string

const (
	TF5m Timeframe = "5m"
	TF1h Timeframe = "1h"
	TF1d Timeframe = "1d"
)

// Duration returns the bucket length of the timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF5m:
		return 5 * time.Minute
	case TF1h:
		return time.Hour
	case TF1d:
		return 24 * time.Hour
	}
	return 0
}

// Candle is one OHLCV bucket. TS is the bucket start in UTC.
type Candle struct {
	TS        time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Timeframe Timeframe
}

// Valid reports whether low ≤ open,close ≤ high holds.
func (c Candle) Valid() bool {
	return !c.Low.GreaterThan(c.Open) && !c.Low.GreaterThan(c.Close) &&
		!c.High.LessThan(c.Open) && !c.High.LessThan(c.Close)
}

// Quote is the latest ticker view of one symbol.
type Quote struct {
	Symbol    string
	Price     decimal.Decimal
	Spread    decimal.Decimal
	Volume24h decimal.Decimal
	TS        time.Time
}

// SymbolData is the per-symbol strategy input computed each scan.
// Missing candle tiers are empty slices, never errors.
type SymbolData struct {
	Quote   Quote
	Candles map[Timeframe][]Candle
}

// Action is what a signal asks the engine to do.
type Action string

const (
	ActionBuy   Action = "BUY"
	ActionSell  Action = "SELL"
	ActionClose Action = "CLOSE"
)

// OrderType selects market or limit execution.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderSide is the exchange-facing direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Intent is the strategy's declared holding horizon. Informational only.
type Intent string

const (
	IntentDay      Intent = "DAY"
	IntentSwing    Intent = "SWING"
	IntentPosition Intent = "POSITION"
)

// Signal is a strategy's request. Admission is the risk gate's call.
type Signal struct {
	Symbol     string
	Action     Action
	SizePct    decimal.Decimal // fraction of total value, [0,1]
	OrderType  OrderType
	LimitPrice decimal.Decimal // zero when market
	StopLoss   decimal.Decimal // zero when unset
	TakeProfit decimal.Decimal // zero when unset
	Intent     Intent
	Tag        string
	Confidence decimal.Decimal // [0,1]
	Reasoning  string
}

// Validate checks the contract bounds a strategy must respect.
func (s Signal) Validate() error {
	switch s.Action {
	case ActionBuy, ActionSell, ActionClose:
	default:
		return fmt.Errorf("invalid action %q", s.Action)
	}
	if s.SizePct.IsNegative() || s.SizePct.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("size_pct %s outside [0,1]", s.SizePct)
	}
	if s.Confidence.IsNegative() || s.Confidence.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("confidence %s outside [0,1]", s.Confidence)
	}
	if s.OrderType == OrderTypeLimit && !s.LimitPrice.IsPositive() {
		return fmt.Errorf("limit order without a positive limit price")
	}
	return nil
}

// PositionKey identifies an open position.
type PositionKey struct {
	Symbol string
	Tag    string
}

func (k PositionKey) String() string { return k.Symbol + "/" + k.Tag }

// OpenPosition is a live long spot position.
type OpenPosition struct {
	Symbol     string
	Tag        string
	Qty        decimal.Decimal
	AvgEntry   decimal.Decimal
	OpenedAt   time.Time
	Intent     Intent
	StopLoss   decimal.Decimal // zero when unset
	TakeProfit decimal.Decimal // zero when unset
	MAE        decimal.Decimal // worst unrealized pct seen, ≤ 0
	EntryFees  decimal.Decimal // fees paid opening/adding, netted on close
}

// Key returns the position identity.
func (p OpenPosition) Key() PositionKey { return PositionKey{Symbol: p.Symbol, Tag: p.Tag} }

// UnrealizedPct returns (price-entry)/entry for the given quote.
func (p OpenPosition) UnrealizedPct(price decimal.Decimal) decimal.Decimal {
	if p.AvgEntry.IsZero() {
		return decimal.Zero
	}
	return price.Sub(p.AvgEntry).Div(p.AvgEntry)
}

// CloseReason records why a position closed.
type CloseReason string

const (
	CloseSignal         CloseReason = "signal"
	CloseStopLoss       CloseReason = "stop_loss"
	CloseTakeProfit     CloseReason = "take_profit"
	CloseEmergency      CloseReason = "emergency"
	CloseReconciliation CloseReason = "reconciliation"
)

// ClosedTrade is the immutable record journaled when a position dies.
type ClosedTrade struct {
	ID              string
	Symbol          string
	Tag             string
	Qty             decimal.Decimal
	EntryPrice      decimal.Decimal
	ExitPrice       decimal.Decimal
	PnL             decimal.Decimal
	PnLPct          decimal.Decimal
	Fees            decimal.Decimal
	Intent          Intent
	StrategyVersion string
	StrategyRegime  string
	OpenedAt        time.Time
	ClosedAt        time.Time
	CloseReason     CloseReason
	MAE             decimal.Decimal
}

// OrderStatus is the lifecycle state of an exchange order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderExpired   OrderStatus = "expired"
	OrderRejected  OrderStatus = "rejected"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderExpired, OrderRejected:
		return true
	}
	return false
}

// Order is the engine's view of one exchange order.
type Order struct {
	ID              string
	ExchangeOrderID string
	Symbol          string
	Side            OrderSide
	Type            OrderType
	Qty             decimal.Decimal
	LimitPrice      decimal.Decimal
	Status          OrderStatus
	CreatedAt       time.Time
	FilledAt        *time.Time
	FillPrice       decimal.Decimal
	FilledQty       decimal.Decimal
	Fee             decimal.Decimal
}

// ConditionalKind distinguishes exchange-native stop orders.
type ConditionalKind string

const (
	CondStopLoss   ConditionalKind = "stop_loss"
	CondTakeProfit ConditionalKind = "take_profit"
)

// ConditionalStatus is the lifecycle of a conditional order.
type ConditionalStatus string

const (
	CondActive    ConditionalStatus = "active"
	CondFilled    ConditionalStatus = "filled"
	CondCancelled ConditionalStatus = "cancelled"
)

// ConditionalOrder mirrors an exchange-side stop so restarts can resume it.
type ConditionalOrder struct {
	ID           string
	Symbol       string
	Tag          string
	Kind         ConditionalKind
	TriggerPrice decimal.Decimal
	Status       ConditionalStatus
	FillPrice    decimal.Decimal // set once filled
}

// CapitalEventKind classifies exogenous cash changes.
type CapitalEventKind string

const (
	CapitalDeposit    CapitalEventKind = "deposit"
	CapitalWithdrawal CapitalEventKind = "withdrawal"
	CapitalMark       CapitalEventKind = "mark"
)

// CapitalEvent records a funding change, so realized performance can be
// separated from deposits and withdrawals.
type CapitalEvent struct {
	TS     time.Time
	Kind   CapitalEventKind
	Amount decimal.Decimal
}

// Fees is a maker/taker tier.
type Fees struct {
	Maker decimal.Decimal
	Taker decimal.Decimal
}

// RoundTrip is the expected cost of a complete buy+sell at taker.
func (f Fees) RoundTrip() decimal.Decimal {
	return f.Taker.Add(f.Taker)
}

// Market is per-symbol exchange metadata.
type Market struct {
	Symbol  string
	LotStep decimal.Decimal // order qty granularity; zero = unknown
}

// Portfolio is a read snapshot handed to the strategy and the risk gate.
type Portfolio struct {
	Cash         decimal.Decimal
	TotalValue   decimal.Decimal
	Positions    []OpenPosition
	RecentTrades []ClosedTrade // most recent first, ≤ 100
	DailyPnL     decimal.Decimal
	TotalPnL     decimal.Decimal
	FeesTotal    decimal.Decimal
}

// Position returns the snapshot position for a key, if present.
func (p Portfolio) Position(symbol, tag string) (OpenPosition, bool) {
	for _, pos := range p.Positions {
		if pos.Symbol == symbol && pos.Tag == tag {
			return pos, true
		}
	}
	return OpenPosition{}, false
}
