package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/halcyonfund/halcyon/execution"
	"github.com/halcyonfund/halcyon/feeds"
	"github.com/halcyonfund/halcyon/internal/config"
	"github.com/halcyonfund/halcyon/risk"
	"github.com/halcyonfund/halcyon/storage"
	"github.com/halcyonfund/halcyon/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY HOST
// ═══════════════════════════════════════════════════════════════════════════════
//
// The host owns the strategy lifecycle: load with fallback, the scan
// loop body, execution outcome fan-in and state persistence. Analyze
// runs on its own goroutine under a hard timeout; a strategy that hangs
// loses the batch, not the engine.
//
// ═══════════════════════════════════════════════════════════════════════════════

// analyzeTimeout bounds one Analyze call.
const analyzeTimeout = 10 * time.Second

// Host drives one strategy through scans and execution callbacks.
type Host struct {
	strat     Strategy
	store     *storage.Store
	market    *feeds.MarketState
	executor  *execution.Executor
	gate      *risk.Gate
	portfolio *execution.Portfolio
	tracker   *risk.Tracker
	limits    risk.Limits
	symbols   []string
	override  time.Duration // nonzero replaces the strategy's cadence
	timeout   time.Duration
	onEvent   func(types.Event)
	now       func() time.Time

	mu      sync.Mutex
	paused  bool
	flagged int // consecutive Analyze timeouts/errors
	regimes map[string]string
}

// NewHost wires a host around an already-constructed strategy.
func NewHost(strat Strategy, store *storage.Store, market *feeds.MarketState,
	executor *execution.Executor, gate *risk.Gate, portfolio *execution.Portfolio,
	tracker *risk.Tracker, limits risk.Limits, symbols []string,
	override time.Duration, onEvent func(types.Event), now func() time.Time) *Host {
	if now == nil {
		now = time.Now
	}
	return &Host{
		strat:     strat,
		store:     store,
		market:    market,
		executor:  executor,
		gate:      gate,
		portfolio: portfolio,
		tracker:   tracker,
		limits:    limits,
		symbols:   symbols,
		override:  override,
		timeout:   analyzeTimeout,
		onEvent:   onEvent,
		now:       now,
		regimes:   make(map[string]string),
	}
}

// FromConfig builds the configured strategy: a registry entry when Name
// is set, a vetted subprocess when Path is set.
func FromConfig(sc config.StrategyConfig) (Strategy, error) {
	if sc.Path != "" {
		return NewSubprocess(sc.Path)
	}
	name := sc.Name
	if name == "" {
		name = "baseline"
	}
	return New(name)
}

// Load initializes the strategy and restores its persisted state. A
// corrupt current state falls back to the previous version's state; a
// double failure pauses the host so scans persist but nothing executes.
func (h *Host) Load() error {
	if err := h.strat.Initialize(h.limits, h.symbols); err != nil {
		return fmt.Errorf("strategy initialize: %w", err)
	}

	name, version := h.strat.Name(), h.strat.Version()
	blob, err := h.store.LoadStrategyState(name, version)
	if err != nil {
		return fmt.Errorf("load strategy state: %w", err)
	}
	if blob == nil {
		log.Info().Str("strategy", name).Str("version", version).
			Msg("🧠 Strategy starting with fresh state")
		return nil
	}

	if err := h.strat.LoadState(blob); err == nil {
		log.Info().Str("strategy", name).Str("version", version).
			Msg("🧠 Strategy state restored")
		return nil
	} else {
		log.Warn().Err(err).Str("strategy", name).Str("version", version).
			Msg("Strategy state rejected, trying previous version")
	}

	prev, perr := h.store.PreviousStrategyState(name, version)
	if perr == nil && prev != nil {
		if err := h.strat.LoadState(prev.Blob); err == nil {
			log.Warn().Str("strategy", name).Str("fallback_version", prev.Version).
				Msg("⏪ Strategy fell back to previous persisted state")
			h.emit(types.Event{Type: types.EventStrategyRollback, At: h.now(),
				Detail: fmt.Sprintf("%s state fell back to %s", name, prev.Version)})
			return nil
		}
	}

	h.mu.Lock()
	h.paused = true
	h.mu.Unlock()
	log.Error().Str("strategy", name).
		Msg("Strategy state unrecoverable, host paused: scans persist, nothing executes")
	h.emit(types.Event{Type: types.EventSystemError, At: h.now(),
		Detail: "strategy state unrecoverable, host paused"})
	return nil
}

// Paused reports whether the host is refusing to execute signals.
func (h *Host) Paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

// ScanInterval is the effective scan cadence.
func (h *Host) ScanInterval() time.Duration {
	if h.override > 0 {
		return h.override
	}
	return h.strat.ScanInterval()
}

// Scan runs one full scan tick: gather inputs, Analyze under timeout,
// validate the batch, gate and execute each signal, journal everything.
func (h *Host) Scan(ctx context.Context) {
	now := h.now()
	markets := make(map[string]types.SymbolData, len(h.symbols))
	for _, symbol := range h.symbols {
		if data, ok := h.market.SymbolData(symbol); ok {
			markets[symbol] = data
		}
	}
	if len(markets) == 0 {
		log.Warn().Msg("Scan skipped, no market data yet")
		return
	}

	snapshot := h.snapshot()

	signals, err := h.analyze(ctx, markets, snapshot, now)
	if err != nil {
		h.mu.Lock()
		h.flagged++
		flagged := h.flagged
		h.mu.Unlock()
		log.Error().Err(err).Int("consecutive_failures", flagged).
			Msg("Analyze failed, batch dropped")
		h.emit(types.Event{Type: types.EventSystemError, At: now,
			Detail: fmt.Sprintf("analyze failed: %v", err)})
		return
	}
	h.journalScanRows(now)

	if err := ValidateBatch(signals); err != nil {
		h.mu.Lock()
		h.flagged++
		flagged := h.flagged
		h.mu.Unlock()
		log.Warn().Err(err).Int("signals", len(signals)).
			Int("consecutive_failures", flagged).
			Msg("Batch rejected for opposing actions")
		for _, sig := range signals {
			h.journalSignal(sig, risk.Decision{Verdict: risk.Rejected,
				Reason: "contract violation: " + err.Error()}, now)
		}
		h.emit(types.Event{Type: types.EventSignalRejected, At: now,
			Detail: "batch rejected: " + err.Error()})
		return
	}
	h.mu.Lock()
	h.flagged = 0
	h.mu.Unlock()

	paused := h.Paused()
	executed := 0
	for _, sig := range signals {
		if paused {
			h.journalSignal(sig, risk.Decision{Verdict: risk.Rejected,
				Reason: "host paused"}, now)
			continue
		}
		// execute re-snapshots per signal; earlier fills move cash.
		if h.execute(ctx, sig, now) {
			executed++
		}
	}

	if err := h.SaveState(); err != nil {
		log.Error().Err(err).Msg("Failed to journal strategy state after scan")
	}

	log.Info().Int("signals", len(signals)).Int("executed", executed).
		Msg("🔍 Scan complete")
	h.emit(types.Event{Type: types.EventScanComplete, At: now,
		Detail: fmt.Sprintf("%d signals, %d executed", len(signals), executed)})
}

// analyze runs Analyze on a worker goroutine with a hard timeout.
func (h *Host) analyze(ctx context.Context, markets map[string]types.SymbolData,
	snapshot types.Portfolio, now time.Time) ([]types.Signal, error) {

	type result struct {
		signals []types.Signal
		err     error
	}
	done := make(chan result, 1)
	go func() {
		signals, err := h.strat.Analyze(markets, snapshot, now)
		done <- result{signals, err}
	}()

	select {
	case r := <-done:
		return r.signals, r.err
	case <-time.After(h.timeout):
		return nil, fmt.Errorf("analyze exceeded %s", h.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// execute gates one signal and hands admitted work to the executor.
// Returns true when an order was placed.
func (h *Host) execute(ctx context.Context, sig types.Signal, now time.Time) bool {
	quote, ok := h.market.Quote(sig.Symbol)
	if !ok || !quote.Price.IsPositive() {
		h.journalSignal(sig, risk.Decision{Verdict: risk.Rejected,
			Reason: "no quote"}, now)
		return false
	}

	snapshot := h.snapshot()
	dec := h.gate.Evaluate(sig, snapshot, quote.Price)
	h.journalSignal(sig, dec, now)

	if dec.Verdict == risk.Rejected {
		log.Info().Str("symbol", sig.Symbol).Str("action", string(sig.Action)).
			Str("reason", dec.Reason).Msg("🚫 Signal rejected")
		h.emit(types.Event{Type: types.EventSignalRejected, At: now,
			Symbol: sig.Symbol, Detail: dec.Reason})
		return false
	}
	if dec.Verdict == risk.Shaped {
		log.Info().Str("symbol", sig.Symbol).
			Str("requested", sig.SizePct.String()).Str("shaped", dec.SizePct.String()).
			Msg("✂️ Signal shaped to size cap")
	}

	h.stampExecutor(sig.Symbol)
	if err := h.executor.Execute(ctx, sig, dec, types.CloseSignal, snapshot); err != nil {
		log.Error().Err(err).Str("symbol", sig.Symbol).Msg("Execution failed")
		return false
	}
	return true
}

// stampExecutor records strategy version and current regime on trades.
func (h *Host) stampExecutor(symbol string) {
	h.mu.Lock()
	regime := h.regimes[symbol]
	h.mu.Unlock()
	h.executor.SetStrategyStamp(h.strat.Version(), regime)
}

// journalScanRows persists the strategy's indicator snapshots, when it
// exposes them.
func (h *Host) journalScanRows(now time.Time) {
	scanner, ok := h.strat.(Scanner)
	if !ok {
		return
	}
	rows := scanner.ScanRows()
	if len(rows) == 0 {
		return
	}

	h.mu.Lock()
	for _, row := range rows {
		h.regimes[row.Symbol] = row.Regime
	}
	h.mu.Unlock()

	results := make([]storage.ScanResult, len(rows))
	for i, row := range rows {
		results[i] = storage.ScanResult{
			Symbol:      row.Symbol,
			Price:       row.Price,
			EMAFast:     row.EMAFast,
			EMASlow:     row.EMASlow,
			RSI:         row.RSI,
			VolumeRatio: row.VolumeRatio,
			Spread:      row.Spread,
			Regime:      row.Regime,
			ScannedAt:   now,
		}
	}
	if err := h.store.SaveScanResults(results); err != nil {
		log.Error().Err(err).Msg("Failed to journal scan results")
	}
}

func (h *Host) journalSignal(sig types.Signal, dec risk.Decision, now time.Time) {
	rec := &storage.SignalRecord{
		ID:         uuid.NewString(),
		Symbol:     sig.Symbol,
		Tag:        sig.Tag,
		Action:     string(sig.Action),
		SizePct:    sig.SizePct,
		OrderType:  string(sig.OrderType),
		LimitPrice: sig.LimitPrice,
		Confidence: sig.Confidence,
		Intent:     string(sig.Intent),
		Reasoning:  sig.Reasoning,
		Decision:   string(dec.Verdict),
		ShapedPct:  dec.SizePct,
		Reason:     dec.Reason,
		CreatedAt:  now,
	}
	if err := h.store.SaveSignal(rec); err != nil {
		log.Error().Err(err).Str("symbol", sig.Symbol).Msg("Failed to journal signal")
	}
}

// snapshot assembles the read-only portfolio view for the strategy and
// the gate.
func (h *Host) snapshot() types.Portfolio {
	recent, err := h.store.RecentTrades(100)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load recent trades for snapshot")
	}
	closed := make([]types.ClosedTrade, len(recent))
	for i, t := range recent {
		closed[i] = types.ClosedTrade{
			ID: t.ID, Symbol: t.Symbol, Tag: t.Tag, Qty: t.Qty,
			EntryPrice: t.EntryPrice, ExitPrice: t.ExitPrice,
			PnL: t.PnL, PnLPct: t.PnLPct, Fees: t.Fees,
			Intent: types.Intent(t.Intent), StrategyVersion: t.StrategyVersion,
			StrategyRegime: t.StrategyRegime, OpenedAt: t.OpenedAt,
			ClosedAt: t.ClosedAt, CloseReason: types.CloseReason(t.CloseReason),
			MAE: t.MAE,
		}
	}
	totalPnL, err := h.store.TotalPnL()
	if err != nil {
		log.Error().Err(err).Msg("Failed to sum realized pnl")
	}
	return h.portfolio.Snapshot(h.market, closed, h.tracker.Snapshot().DailyPnL, totalPnL)
}

// OnFill relays execution outcomes to the strategy.
func (h *Host) OnFill(order types.Order, sig types.Signal) {
	h.strat.OnFill(order, sig)
}

// OnPositionClosed relays closed trades to the strategy.
func (h *Host) OnPositionClosed(trade types.ClosedTrade) {
	h.strat.OnPositionClosed(trade)
}

// SaveState journals the strategy's serialized state. Called at the end
// of every scan, at the daily snapshot and on shutdown.
func (h *Host) SaveState() error {
	blob, err := h.strat.State()
	if err != nil {
		return fmt.Errorf("serialize strategy state: %w", err)
	}
	return h.store.SaveStrategyState(h.strat.Name(), h.strat.Version(), blob)
}

// Close shuts down strategies that hold external resources.
func (h *Host) Close() error {
	if closer, ok := h.strat.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (h *Host) emit(ev types.Event) {
	if h.onEvent != nil {
		h.onEvent(ev)
	}
}
