package monitor

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

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fixedNow() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }

type stubData struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func (s *stubData) Quote(_ context.Context, symbol string) (types.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.Quote{Symbol: symbol, Price: s.prices[symbol], TS: time.Now()}, nil
}
func (s *stubData) Candles(context.Context, string, types.Timeframe, int) ([]types.Candle, error) {
	return nil, nil
}
func (s *stubData) Fees(context.Context) (types.Fees, error) {
	return types.Fees{Maker: d("0.0016"), Taker: d("0.0026")}, nil
}
func (s *stubData) Markets(context.Context) ([]types.Market, error) { return nil, nil }

type fixture struct {
	data     *stubData
	market   *feeds.MarketState
	pf       *execution.Portfolio
	store    *storage.Store
	executor *execution.Executor
	gate     *risk.Gate
	monitor  *Monitor
	events   []types.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}
	f.data = &stubData{prices: map[string]decimal.Decimal{"BTC/USD": d("50000")}}
	paper := exchange.NewPaper(f.data, d("100000"),
		types.Fees{Maker: d("0.0016"), Taker: d("0.0026")}, time.Hour, fixedNow)

	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	f.store = store

	f.market = feeds.NewMarketState()
	f.market.UpdateQuote(types.Quote{Symbol: "BTC/USD", Price: d("50000"), TS: fixedNow()})

	limits := risk.Limits{
		MaxPositionPct: d("0.25"), MaxPositions: 5,
		MaxTradePct: d("0.10"), DefaultTradePct: d("0.05"),
		MaxDailyLossPct: d("0.10"), MaxDailyTrades: 50,
		MaxDrawdownPct: d("0.20"), RollbackDailyLossPct: d("0.15"),
		MinNotionalUSD: d("1"),
	}
	tracker := risk.NewTracker(limits, time.UTC, nil, nil)
	tracker.RollDay(fixedNow(), d("100000"))
	f.gate = risk.NewGate(limits, tracker, []string{"BTC/USD"}, fixedNow)

	f.pf = execution.NewPortfolio(d("100000"))
	onEvent := func(ev types.Event) { f.events = append(f.events, ev) }
	f.executor = execution.NewExecutor(paper, nil, store, f.market, tracker, f.pf, onEvent, fixedNow)
	f.executor.SetMarkets([]types.Market{{Symbol: "BTC/USD", LotStep: d("0.00000001")}})
	f.monitor = New(f.market, f.pf, f.executor, f.gate, store, nil, onEvent, fixedNow)
	return f
}

// openPosition buys through the executor so the paper venue holds the
// asset the monitor will later sell.
func (f *fixture) openPosition(t *testing.T, sl, tp string) {
	t.Helper()
	sig := types.Signal{
		Symbol: "BTC/USD", Action: types.ActionBuy, SizePct: d("0.05"),
		OrderType: types.OrderTypeMarket, Tag: "t1",
	}
	if sl != "" {
		sig.StopLoss = d(sl)
	}
	if tp != "" {
		sig.TakeProfit = d(tp)
	}
	snapshot := f.pf.Snapshot(f.market, nil, decimal.Zero, decimal.Zero)
	dec := risk.Decision{Verdict: risk.Admitted, SizePct: d("0.05")}
	require.NoError(t, f.executor.Execute(context.Background(), sig, dec, types.CloseSignal, snapshot))
}

func (f *fixture) moveMarket(price string) {
	f.data.mu.Lock()
	f.data.prices["BTC/USD"] = d(price)
	f.data.mu.Unlock()
	f.market.UpdateQuote(types.Quote{Symbol: "BTC/USD", Price: d(price), TS: fixedNow()})
}

func TestStopLossSynthesizesClose(t *testing.T) {
	f := newFixture(t)
	f.openPosition(t, "47500", "")

	// Above the stop: nothing happens.
	f.moveMarket("48000")
	f.monitor.Check(context.Background())
	_, ok := f.pf.Position("BTC/USD", "t1")
	assert.True(t, ok)

	// Cross below the stop.
	f.moveMarket("47000")
	f.monitor.Check(context.Background())

	_, ok = f.pf.Position("BTC/USD", "t1")
	assert.False(t, ok, "position closed by stop")

	trades, err := f.store.RecentTrades(10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, string(types.CloseStopLoss), trades[0].CloseReason)
	assert.True(t, trades[0].PnL.IsNegative())

	var sawStop bool
	for _, ev := range f.events {
		if ev.Type == types.EventStopTriggered {
			sawStop = true
		}
	}
	assert.True(t, sawStop)
}

func TestTakeProfitSynthesizesClose(t *testing.T) {
	f := newFixture(t)
	f.openPosition(t, "", "52000")

	f.moveMarket("52500")
	f.monitor.Check(context.Background())

	_, ok := f.pf.Position("BTC/USD", "t1")
	assert.False(t, ok)

	trades, err := f.store.RecentTrades(10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, string(types.CloseTakeProfit), trades[0].CloseReason)
	assert.True(t, trades[0].PnL.IsPositive())
}

func TestMAETracksWorstExcursionOnly(t *testing.T) {
	f := newFixture(t)
	f.openPosition(t, "40000", "")

	f.moveMarket("49000")
	f.monitor.Check(context.Background())
	pos, _ := f.pf.Position("BTC/USD", "t1")
	firstMAE := pos.MAE
	assert.True(t, firstMAE.IsNegative())

	// Recovery does not improve MAE.
	f.moveMarket("50000")
	f.monitor.Check(context.Background())
	pos, _ = f.pf.Position("BTC/USD", "t1")
	assert.True(t, pos.MAE.Equal(firstMAE))

	// A deeper excursion worsens it.
	f.moveMarket("46000")
	f.monitor.Check(context.Background())
	pos, _ = f.pf.Position("BTC/USD", "t1")
	assert.True(t, pos.MAE.LessThan(firstMAE))

	// Persisted alongside.
	rows, err := f.store.LoadPositions()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].MAE.Equal(pos.MAE))
}

// stubCond plays a native-stop venue whose stop fills on demand.
type stubCond struct {
	mu     sync.Mutex
	orders map[string]types.ConditionalOrder
}

func (s *stubCond) PlaceConditional(_ context.Context, req exchange.ConditionalRequest) (types.ConditionalOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	co := types.ConditionalOrder{ID: req.ID, Symbol: req.Symbol, Tag: req.Tag,
		Kind: req.Kind, TriggerPrice: req.TriggerPrice, Status: types.CondActive}
	s.orders[req.ID] = co
	return co, nil
}

func (s *stubCond) CancelConditional(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	co := s.orders[id]
	co.Status = types.CondCancelled
	s.orders[id] = co
	return nil
}

func (s *stubCond) ConditionalStatus(_ context.Context, id string) (types.ConditionalOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id], nil
}

func (s *stubCond) fill(id string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	co := s.orders[id]
	co.Status = types.CondFilled
	co.FillPrice = price
	s.orders[id] = co
}

func TestLiveConditionalFillClosesLocally(t *testing.T) {
	f := newFixture(t)
	cond := &stubCond{orders: make(map[string]types.ConditionalOrder)}

	// Live-mode monitor over the same fixtures.
	f.monitor = New(f.market, f.pf, f.executor, f.gate, f.store, cond,
		func(ev types.Event) { f.events = append(f.events, ev) }, fixedNow)

	// Position with a journaled active conditional, as the live executor
	// would have left it.
	f.pf.SetPosition(types.OpenPosition{
		Symbol: "BTC/USD", Tag: "t1", Qty: d("0.01"),
		AvgEntry: d("50000"), OpenedAt: fixedNow(), EntryFees: d("1.3"),
	})
	co, err := cond.PlaceConditional(context.Background(), exchange.ConditionalRequest{
		ID: "c1", Symbol: "BTC/USD", Tag: "t1",
		Kind: types.CondStopLoss, Qty: d("0.01"), TriggerPrice: d("47500"),
	})
	require.NoError(t, err)
	require.NoError(t, f.store.SaveConditionalOrder(&storage.ConditionalOrderRecord{
		ID: co.ID, Symbol: co.Symbol, Tag: co.Tag, Kind: string(co.Kind),
		TriggerPrice: co.TriggerPrice, Status: string(types.CondActive),
		CreatedAt: fixedNow(),
	}))

	// Venue triggers the stop at 47400.
	cond.fill("c1", d("47400"))
	f.monitor.Check(context.Background())

	_, ok := f.pf.Position("BTC/USD", "t1")
	assert.False(t, ok)

	trades, err := f.store.RecentTrades(10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, string(types.CloseStopLoss), trades[0].CloseReason)
	// Closed at the venue's fill price, not the local quote.
	assert.True(t, trades[0].ExitPrice.Equal(d("47400")))

	active, err := f.store.ActiveConditionalOrders()
	require.NoError(t, err)
	assert.Empty(t, active)
}
