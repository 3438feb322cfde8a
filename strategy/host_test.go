package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonfund/halcyon/exchange"
	"github.com/halcyonfund/halcyon/execution"
	"github.com/halcyonfund/halcyon/feeds"
	"github.com/halcyonfund/halcyon/risk"
	"github.com/halcyonfund/halcyon/storage"
	"github.com/halcyonfund/halcyon/types"
)

func hostNow() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }

type hostData struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func (s *hostData) Quote(_ context.Context, symbol string) (types.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.Quote{Symbol: symbol, Price: s.prices[symbol], TS: hostNow()}, nil
}
func (s *hostData) Candles(context.Context, string, types.Timeframe, int) ([]types.Candle, error) {
	return nil, nil
}
func (s *hostData) Fees(context.Context) (types.Fees, error) {
	return types.Fees{Maker: d("0.0016"), Taker: d("0.0026")}, nil
}
func (s *hostData) Markets(context.Context) ([]types.Market, error) { return nil, nil }

// scriptStrategy plays back a scripted Analyze result.
type scriptStrategy struct {
	mu       sync.Mutex
	signals  []types.Signal
	err      error
	delay    time.Duration
	rows     []ScanRow
	state    []byte
	loadErrs int // LoadState fails this many times before succeeding
	fills    int
	closes   int
}

func (s *scriptStrategy) Name() string                                  { return "script" }
func (s *scriptStrategy) Version() string                               { return "9.9.9" }
func (s *scriptStrategy) Initialize(risk.Limits, []string) error        { return nil }
func (s *scriptStrategy) ScanInterval() time.Duration                   { return time.Minute }
func (s *scriptStrategy) OnFill(types.Order, types.Signal)              { s.mu.Lock(); s.fills++; s.mu.Unlock() }
func (s *scriptStrategy) OnPositionClosed(types.ClosedTrade)            { s.mu.Lock(); s.closes++; s.mu.Unlock() }
func (s *scriptStrategy) State() ([]byte, error)                        { return s.state, nil }
func (s *scriptStrategy) ScanRows() []ScanRow                           { return s.rows }

func (s *scriptStrategy) LoadState(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErrs > 0 {
		s.loadErrs--
		return assert.AnError
	}
	s.state = data
	return nil
}

func (s *scriptStrategy) Analyze(map[string]types.SymbolData, types.Portfolio, time.Time) ([]types.Signal, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.signals, s.err
}

type hostFixture struct {
	data   *hostData
	store  *storage.Store
	market *feeds.MarketState
	pf     *execution.Portfolio
	strat  *scriptStrategy
	host   *Host
	events []types.Event
}

func newHostFixture(t *testing.T, strat *scriptStrategy) *hostFixture {
	t.Helper()
	f := &hostFixture{strat: strat}
	f.data = &hostData{prices: map[string]decimal.Decimal{"BTC/USD": d("50000")}}
	paper := exchange.NewPaper(f.data, d("100000"),
		types.Fees{Maker: d("0.0016"), Taker: d("0.0026")}, time.Hour, hostNow)

	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	f.store = store

	f.market = feeds.NewMarketState()
	f.market.UpdateQuote(types.Quote{Symbol: "BTC/USD", Price: d("50000"), TS: hostNow()})

	limits := testLimits()
	tracker := risk.NewTracker(limits, time.UTC, nil, nil)
	tracker.RollDay(hostNow(), d("100000"))
	gate := risk.NewGate(limits, tracker, []string{"BTC/USD"}, hostNow)

	f.pf = execution.NewPortfolio(d("100000"))
	onEvent := func(ev types.Event) { f.events = append(f.events, ev) }
	executor := execution.NewExecutor(paper, nil, store, f.market, tracker, f.pf, onEvent, hostNow)
	executor.SetMarkets([]types.Market{{Symbol: "BTC/USD", LotStep: d("0.00000001")}})

	f.host = NewHost(strat, store, f.market, executor, gate, f.pf, tracker,
		limits, []string{"BTC/USD"}, 0, onEvent, hostNow)
	executor.SetObserver(f.host)
	return f
}

func (f *hostFixture) eventTypes() []types.EventType {
	out := make([]types.EventType, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Type
	}
	return out
}

func signalRecords(t *testing.T, store *storage.Store) []storage.SignalRecord {
	t.Helper()
	reader, err := store.Reader()
	require.NoError(t, err)
	var recs []storage.SignalRecord
	require.NoError(t, reader.Order("created_at").Find(&recs).Error)
	return recs
}

func TestScanExecutesAdmittedSignal(t *testing.T) {
	strat := &scriptStrategy{signals: []types.Signal{{
		Symbol: "BTC/USD", Action: types.ActionBuy, SizePct: d("0.05"),
		OrderType: types.OrderTypeMarket, Tag: "s1",
	}}}
	f := newHostFixture(t, strat)

	f.host.Scan(context.Background())

	pos, ok := f.pf.Position("BTC/USD", "s1")
	require.True(t, ok)
	assert.True(t, pos.Qty.IsPositive())

	recs := signalRecords(t, f.store)
	require.Len(t, recs, 1)
	assert.Equal(t, "admitted", recs[0].Decision)

	assert.Contains(t, f.eventTypes(), types.EventTradeExecuted)
	assert.Contains(t, f.eventTypes(), types.EventScanComplete)
	assert.Equal(t, 1, strat.fills)
}

func TestScanShapesOversizedSignal(t *testing.T) {
	strat := &scriptStrategy{signals: []types.Signal{{
		Symbol: "BTC/USD", Action: types.ActionBuy, SizePct: d("0.18"),
		OrderType: types.OrderTypeMarket, Tag: "s1",
	}}}
	f := newHostFixture(t, strat)

	f.host.Scan(context.Background())

	recs := signalRecords(t, f.store)
	require.Len(t, recs, 1)
	assert.Equal(t, "shaped", recs[0].Decision)
	assert.True(t, recs[0].ShapedPct.Equal(d("0.10")))

	// Sized at the cap: 10% of 100k over the 50k quote, slippage on fill.
	pos, ok := f.pf.Position("BTC/USD", "s1")
	require.True(t, ok)
	assert.True(t, pos.Qty.Equal(d("0.2")))
	assert.True(t, pos.AvgEntry.Equal(d("50025")))
}

func TestOpposingBatchIsRejectedWhole(t *testing.T) {
	strat := &scriptStrategy{signals: []types.Signal{
		{Symbol: "BTC/USD", Action: types.ActionBuy, SizePct: d("0.05"),
			OrderType: types.OrderTypeMarket, Tag: "s1"},
		{Symbol: "BTC/USD", Action: types.ActionClose,
			OrderType: types.OrderTypeMarket, Tag: "s1"},
	}}
	f := newHostFixture(t, strat)

	f.host.Scan(context.Background())

	_, ok := f.pf.Position("BTC/USD", "s1")
	assert.False(t, ok, "nothing from a contradictory batch executes")

	recs := signalRecords(t, f.store)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.Equal(t, "rejected", rec.Decision)
		assert.Contains(t, rec.Reason, "contract violation")
	}
	assert.Contains(t, f.eventTypes(), types.EventSignalRejected)

	f.host.mu.Lock()
	flagged := f.host.flagged
	f.host.mu.Unlock()
	assert.Equal(t, 1, flagged, "contract violation counts against the strategy")

	// A clean batch clears the streak.
	strat.signals = nil
	f.host.Scan(context.Background())
	f.host.mu.Lock()
	flagged = f.host.flagged
	f.host.mu.Unlock()
	assert.Equal(t, 0, flagged)
}

func TestScanPersistsStrategyState(t *testing.T) {
	strat := &scriptStrategy{state: []byte(`{"trades":3}`)}
	f := newHostFixture(t, strat)

	f.host.Scan(context.Background())

	blob, err := f.store.LoadStrategyState("script", "9.9.9")
	require.NoError(t, err)
	assert.JSONEq(t, `{"trades":3}`, string(blob))
}

func TestAnalyzeTimeoutDropsBatch(t *testing.T) {
	strat := &scriptStrategy{
		delay: 200 * time.Millisecond,
		signals: []types.Signal{{
			Symbol: "BTC/USD", Action: types.ActionBuy, SizePct: d("0.05"),
			OrderType: types.OrderTypeMarket, Tag: "s1",
		}},
	}
	f := newHostFixture(t, strat)
	f.host.timeout = 50 * time.Millisecond

	f.host.Scan(context.Background())

	_, ok := f.pf.Position("BTC/USD", "s1")
	assert.False(t, ok)
	assert.Empty(t, signalRecords(t, f.store))
	assert.Contains(t, f.eventTypes(), types.EventSystemError)
}

func TestScanJournalsIndicatorRows(t *testing.T) {
	strat := &scriptStrategy{rows: []ScanRow{{
		Symbol: "BTC/USD", Price: d("50000"), EMAFast: d("50100"),
		EMASlow: d("49900"), RSI: d("55"), VolumeRatio: d("1.2"),
		Regime: "trend_up",
	}}}
	f := newHostFixture(t, strat)

	f.host.Scan(context.Background())

	reader, err := f.store.Reader()
	require.NoError(t, err)
	var rows []storage.ScanResult
	require.NoError(t, reader.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "trend_up", rows[0].Regime)
	assert.True(t, rows[0].RSI.Equal(d("55")))
}

func TestLoadFallsBackToPreviousVersionState(t *testing.T) {
	strat := &scriptStrategy{loadErrs: 1}
	f := newHostFixture(t, strat)

	// Corrupt current blob, healthy previous version.
	require.NoError(t, f.store.SaveStrategyState("script", "9.9.9", []byte("corrupt")))
	require.NoError(t, f.store.SaveStrategyState("script", "9.9.8", []byte(`{"ok":true}`)))

	require.NoError(t, f.host.Load())
	assert.False(t, f.host.Paused())
	assert.Equal(t, []byte(`{"ok":true}`), strat.state)

	var sawRollback bool
	for _, ev := range f.events {
		if ev.Type == types.EventStrategyRollback {
			sawRollback = true
		}
	}
	assert.True(t, sawRollback)
}

func TestDoubleLoadFailurePausesHost(t *testing.T) {
	strat := &scriptStrategy{
		loadErrs: 2,
		signals: []types.Signal{{
			Symbol: "BTC/USD", Action: types.ActionBuy, SizePct: d("0.05"),
			OrderType: types.OrderTypeMarket, Tag: "s1",
		}},
	}
	f := newHostFixture(t, strat)

	require.NoError(t, f.store.SaveStrategyState("script", "9.9.9", []byte("corrupt")))
	require.NoError(t, f.store.SaveStrategyState("script", "9.9.8", []byte("also corrupt")))

	require.NoError(t, f.host.Load())
	assert.True(t, f.host.Paused())

	// Scans persist their journal but nothing executes.
	f.host.Scan(context.Background())
	_, ok := f.pf.Position("BTC/USD", "s1")
	assert.False(t, ok)

	recs := signalRecords(t, f.store)
	require.Len(t, recs, 1)
	assert.Equal(t, "rejected", recs[0].Decision)
	assert.Equal(t, "host paused", recs[0].Reason)
}

func TestSaveStateRoundTrips(t *testing.T) {
	strat := &scriptStrategy{state: []byte(`{"n":1}`)}
	f := newHostFixture(t, strat)

	require.NoError(t, f.host.SaveState())
	blob, err := f.store.LoadStrategyState("script", "9.9.9")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"n":1}`), blob)
}

func TestOverrideWinsOverStrategyCadence(t *testing.T) {
	strat := &scriptStrategy{}
	f := newHostFixture(t, strat)
	assert.Equal(t, time.Minute, f.host.ScanInterval())

	f.host.override = 5 * time.Minute
	assert.Equal(t, 5*time.Minute, f.host.ScanInterval())
}
