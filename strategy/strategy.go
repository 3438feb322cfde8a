package strategy

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/halcyonfund/halcyon/risk"
	"github.com/halcyonfund/halcyon/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY CONTRACT
// ═══════════════════════════════════════════════════════════════════════════════
//
// A strategy is a pure decision function over the inputs it is handed:
// market data, the portfolio snapshot and the authoritative now. It
// cannot place orders, touch the network or read the wall clock. What it
// wants, it asks for with signals; whether those execute is the gate's
// business.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Strategy is the contract every strategy implements.
type Strategy interface {
	Name() string
	Version() string

	// Initialize receives the engine's limits and the symbol allow-list
	// before the first scan.
	Initialize(limits risk.Limits, symbols []string) error

	// Analyze produces signals for one scan. now is authoritative; the
	// strategy must not consult the wall clock.
	Analyze(markets map[string]types.SymbolData, portfolio types.Portfolio, now time.Time) ([]types.Signal, error)

	// OnFill and OnPositionClosed observe execution outcomes.
	OnFill(order types.Order, sig types.Signal)
	OnPositionClosed(trade types.ClosedTrade)

	// State round-trips the strategy's opaque serialized state.
	State() ([]byte, error)
	LoadState(data []byte) error

	// ScanInterval is the cadence the strategy wants between scans.
	ScanInterval() time.Duration
}

// ScanRow is one symbol's indicator snapshot from a scan, journaled to
// scan_results.
type ScanRow struct {
	Symbol      string
	Price       decimal.Decimal
	EMAFast     decimal.Decimal
	EMASlow     decimal.Decimal
	RSI         decimal.Decimal
	VolumeRatio decimal.Decimal
	Spread      decimal.Decimal
	Regime      string
}

// Scanner is implemented by strategies that expose indicator snapshots
// after each Analyze.
type Scanner interface {
	ScanRows() []ScanRow
}

// factories is the compile-time registry of built-in strategies.
var factories = map[string]func() Strategy{}

// Register adds a built-in strategy factory. Call from init.
func Register(name string, factory func() Strategy) {
	factories[name] = factory
}

// New instantiates a registered strategy by name.
func New(name string) (Strategy, error) {
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (registered: %v)", name, Registered())
	}
	return factory(), nil
}

// Registered lists the built-in strategy names.
func Registered() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateBatch rejects a signal batch containing opposing actions for
// the same (symbol, tag). One scan must not both open and close the same
// position.
func ValidateBatch(signals []types.Signal) error {
	seen := make(map[types.PositionKey]types.Action, len(signals))
	for _, sig := range signals {
		key := types.PositionKey{Symbol: sig.Symbol, Tag: sig.Tag}
		prev, ok := seen[key]
		if !ok {
			seen[key] = sig.Action
			continue
		}
		opening := prev == types.ActionBuy || sig.Action == types.ActionBuy
		closing := prev == types.ActionSell || prev == types.ActionClose ||
			sig.Action == types.ActionSell || sig.Action == types.ActionClose
		if opening && closing {
			return fmt.Errorf("opposing actions %s and %s for %s", prev, sig.Action, key)
		}
	}
	return nil
}
