package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STORAGE MODELS - the journal schema
// ═══════════════════════════════════════════════════════════════════════════════
//
// One embedded SQLite file holds everything. Rows are written before any
// observer hears about the transition they record.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Trade is an immutable closed-trade record.
type Trade struct {
	ID              string          `gorm:"primaryKey"`
	Symbol          string          `gorm:"index"`
	Tag             string          `gorm:"index"`
	Qty             decimal.Decimal `gorm:"type:decimal(30,8)"`
	EntryPrice      decimal.Decimal `gorm:"type:decimal(30,8)"`
	ExitPrice       decimal.Decimal `gorm:"type:decimal(30,8)"`
	PnL             decimal.Decimal `gorm:"type:decimal(30,8)"`
	PnLPct          decimal.Decimal `gorm:"type:decimal(30,8)"`
	Fees            decimal.Decimal `gorm:"type:decimal(30,8)"`
	Intent          string
	StrategyVersion string
	StrategyRegime  string
	OpenedAt        time.Time
	ClosedAt        time.Time `gorm:"index"`
	CloseReason     string
	MAE             decimal.Decimal `gorm:"type:decimal(30,8)"`
	CreatedAt       time.Time
}

// Position is the persisted image of an open position. Primary key is the
// (symbol, tag) pair.
type Position struct {
	Symbol     string          `gorm:"primaryKey"`
	Tag        string          `gorm:"primaryKey"`
	Qty        decimal.Decimal `gorm:"type:decimal(30,8)"`
	AvgEntry   decimal.Decimal `gorm:"type:decimal(30,8)"`
	OpenedAt   time.Time
	Intent     string
	StopLoss   decimal.Decimal `gorm:"type:decimal(30,8)"`
	TakeProfit decimal.Decimal `gorm:"type:decimal(30,8)"`
	MAE        decimal.Decimal `gorm:"type:decimal(30,8)"`
	EntryFees  decimal.Decimal `gorm:"type:decimal(30,8)"`
	UpdatedAt  time.Time
}

// SignalRecord journals every signal a strategy emitted and what the gate
// decided about it.
type SignalRecord struct {
	ID         string `gorm:"primaryKey"`
	Symbol     string `gorm:"index"`
	Tag        string
	Action     string
	SizePct    decimal.Decimal `gorm:"type:decimal(30,8)"`
	OrderType  string
	LimitPrice decimal.Decimal `gorm:"type:decimal(30,8)"`
	Confidence decimal.Decimal `gorm:"type:decimal(30,8)"`
	Intent     string
	Reasoning  string
	Decision   string          // admitted, shaped, rejected
	ShapedPct  decimal.Decimal `gorm:"type:decimal(30,8)"`
	Reason     string          // rejection or shaping reason
	CreatedAt  time.Time       `gorm:"index"`
}

// ScanResult is one per-symbol indicator snapshot from a completed scan.
type ScanResult struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Symbol      string `gorm:"index"`
	Price       decimal.Decimal `gorm:"type:decimal(30,8)"`
	EMAFast     decimal.Decimal `gorm:"type:decimal(30,8)"`
	EMASlow     decimal.Decimal `gorm:"type:decimal(30,8)"`
	RSI         decimal.Decimal `gorm:"type:decimal(30,8)"`
	VolumeRatio decimal.Decimal `gorm:"type:decimal(30,8)"`
	Spread      decimal.Decimal `gorm:"type:decimal(30,8)"`
	Regime      string
	ScannedAt   time.Time `gorm:"index"`
}

// OrderRecord is the engine's durable view of an exchange order.
type OrderRecord struct {
	ID              string `gorm:"primaryKey"`
	ExchangeOrderID string `gorm:"index"`
	Symbol          string `gorm:"index"`
	Tag             string
	Side            string
	Type            string
	Qty             decimal.Decimal `gorm:"type:decimal(30,8)"`
	LimitPrice      decimal.Decimal `gorm:"type:decimal(30,8)"`
	Status          string          `gorm:"index"`
	FillPrice       decimal.Decimal `gorm:"type:decimal(30,8)"`
	FilledQty       decimal.Decimal `gorm:"type:decimal(30,8)"`
	Fee             decimal.Decimal `gorm:"type:decimal(30,8)"`
	Intent          string
	StopLoss        decimal.Decimal `gorm:"type:decimal(30,8)"`
	TakeProfit      decimal.Decimal `gorm:"type:decimal(30,8)"`
	CreatedAt       time.Time
	FilledAt        *time.Time
	UpdatedAt       time.Time
}

// ConditionalOrderRecord mirrors an exchange-native stop so a restart can
// resume monitoring it.
type ConditionalOrderRecord struct {
	ID           string `gorm:"primaryKey"`
	Symbol       string `gorm:"index"`
	Tag          string
	Kind         string          // stop_loss, take_profit
	TriggerPrice decimal.Decimal `gorm:"type:decimal(30,8)"`
	Status       string          `gorm:"index"` // active, filled, cancelled
	FillPrice    decimal.Decimal `gorm:"type:decimal(30,8)"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DailyPerformance is the end-of-day rollup written by the snapshot job.
type DailyPerformance struct {
	Date         string          `gorm:"primaryKey"` // YYYY-MM-DD local
	StartValue   decimal.Decimal `gorm:"type:decimal(30,8)"`
	EndValue     decimal.Decimal `gorm:"type:decimal(30,8)"`
	RealizedPnL  decimal.Decimal `gorm:"type:decimal(30,8)"`
	Fees         decimal.Decimal `gorm:"type:decimal(30,8)"`
	Trades       int
	Wins         int
	Losses       int
	WinRate      decimal.Decimal `gorm:"type:decimal(30,8)"`
	Expectancy   decimal.Decimal `gorm:"type:decimal(30,8)"`
	MaxDrawdown  decimal.Decimal `gorm:"type:decimal(30,8)"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CapitalEventRecord journals deposits, withdrawals and marks so realized
// performance separates from funding changes.
type CapitalEventRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Kind      string // deposit, withdrawal, mark
	Amount    decimal.Decimal `gorm:"type:decimal(30,8)"`
	Note      string
	CreatedAt time.Time `gorm:"index"`
}

// RiskStateSnapshot persists the halt machine so restarts resume, not reset.
type RiskStateSnapshot struct {
	ID                uint   `gorm:"primaryKey;autoIncrement"`
	State             string // RUNNING, PAUSED, HALTED
	Reason            string
	DailyPnL          decimal.Decimal `gorm:"type:decimal(30,8)"`
	DailyTrades       int
	DayStartValue     decimal.Decimal `gorm:"type:decimal(30,8)"`
	PeakValue         decimal.Decimal `gorm:"type:decimal(30,8)"`
	ConsecutiveLosses int
	RollbackPending   bool
	Day               string // YYYY-MM-DD local, resets counters on change
	CreatedAt         time.Time `gorm:"index"`
}

// StrategyState holds a strategy's opaque serialized state, one row per
// strategy version.
type StrategyState struct {
	Name      string `gorm:"primaryKey"`
	Version   string `gorm:"primaryKey"`
	Blob      []byte
	UpdatedAt time.Time
}

// PortfolioSnapshot records cash and valuation after every execution, in
// the same transaction as the trade row it accompanies. The latest row
// seeds cash on restart.
type PortfolioSnapshot struct {
	ID             uint            `gorm:"primaryKey;autoIncrement"`
	Cash           decimal.Decimal `gorm:"type:decimal(30,8)"`
	PositionsValue decimal.Decimal `gorm:"type:decimal(30,8)"`
	TotalValue     decimal.Decimal `gorm:"type:decimal(30,8)"`
	CreatedAt      time.Time       `gorm:"index"`
}
