package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonfund/halcyon/risk"
	"github.com/halcyonfund/halcyon/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLimits() risk.Limits {
	return risk.Limits{
		MaxPositionPct: d("0.25"), MaxPositions: 5,
		MaxTradePct: d("0.10"), DefaultTradePct: d("0.05"),
		MaxDailyLossPct: d("0.10"), MaxDailyTrades: 50,
		MaxDrawdownPct: d("0.20"), RollbackDailyLossPct: d("0.15"),
		DefaultStopLossPct: d("0.05"), DefaultTakeProfitPct: d("0.10"),
		MinNotionalUSD: d("1"),
	}
}

// zigzagUp builds n hourly candles that trend upward with pullbacks, so
// EMA fast sits above EMA slow while RSI stays off the overbought band.
func zigzagUp(n int, start float64, base time.Time) []types.Candle {
	candles := make([]types.Candle, n)
	price := start
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			price += 2
		} else {
			price -= 1
		}
		p := decimal.NewFromFloat(price)
		candles[i] = types.Candle{
			TS: base.Add(time.Duration(i) * time.Hour), Timeframe: types.TF1h,
			Open: p, High: p.Add(d("1")), Low: p.Sub(d("1")), Close: p,
			Volume: d("100"),
		}
	}
	return candles
}

// zigzagDown mirrors zigzagUp with losses dominating.
func zigzagDown(n int, start float64, base time.Time) []types.Candle {
	candles := make([]types.Candle, n)
	price := start
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			price -= 2
		} else {
			price += 1
		}
		p := decimal.NewFromFloat(price)
		candles[i] = types.Candle{
			TS: base.Add(time.Duration(i) * time.Hour), Timeframe: types.TF1h,
			Open: p, High: p.Add(d("1")), Low: p.Sub(d("1")), Close: p,
			Volume: d("100"),
		}
	}
	return candles
}

func symbolData(candles []types.Candle) map[string]types.SymbolData {
	last := candles[len(candles)-1].Close
	return map[string]types.SymbolData{
		"BTC/USD": {
			Quote:   types.Quote{Symbol: "BTC/USD", Price: last, TS: candles[len(candles)-1].TS},
			Candles: map[types.Timeframe][]types.Candle{types.TF1h: candles},
		},
	}
}

func TestBaselineBuysUptrend(t *testing.T) {
	b := NewBaseline()
	require.NoError(t, b.Initialize(testLimits(), []string{"BTC/USD"}))

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	markets := symbolData(zigzagUp(40, 100, base))
	now := base.Add(41 * time.Hour)

	signals, err := b.Analyze(markets, types.Portfolio{Cash: d("10000")}, now)
	require.NoError(t, err)
	require.Len(t, signals, 1)

	sig := signals[0]
	assert.Equal(t, types.ActionBuy, sig.Action)
	assert.Equal(t, "BTC/USD", sig.Symbol)
	assert.True(t, sig.SizePct.Equal(d("0.05")))
	assert.True(t, sig.StopLoss.IsPositive())
	assert.True(t, sig.StopLoss.LessThan(markets["BTC/USD"].Quote.Price))
	assert.True(t, sig.TakeProfit.GreaterThan(markets["BTC/USD"].Quote.Price))
	assert.NotEmpty(t, sig.Tag)
	require.NoError(t, sig.Validate())

	rows := b.ScanRows()
	require.Len(t, rows, 1)
	assert.Equal(t, "trend_up", rows[0].Regime)
	assert.True(t, rows[0].EMAFast.GreaterThan(rows[0].EMASlow))
}

func TestBaselineClosesWhenTrendTurns(t *testing.T) {
	b := NewBaseline()
	require.NoError(t, b.Initialize(testLimits(), []string{"BTC/USD"}))

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	now := base.Add(41 * time.Hour)

	// Open via an uptrend scan, then feed the fill back.
	up := symbolData(zigzagUp(40, 100, base))
	signals, err := b.Analyze(up, types.Portfolio{Cash: d("10000")}, now)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	tag := signals[0].Tag

	pf := types.Portfolio{
		Cash: d("9000"),
		Positions: []types.OpenPosition{{
			Symbol: "BTC/USD", Tag: tag, Qty: d("1"), AvgEntry: up["BTC/USD"].Quote.Price,
		}},
	}

	down := symbolData(zigzagDown(40, 120, base))
	signals, err = b.Analyze(down, pf, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, types.ActionClose, signals[0].Action)
	assert.Equal(t, tag, signals[0].Tag)

	rows := b.ScanRows()
	require.Len(t, rows, 1)
	assert.Equal(t, "trend_down", rows[0].Regime)
}

func TestBaselineSkipsThinHistory(t *testing.T) {
	b := NewBaseline()
	require.NoError(t, b.Initialize(testLimits(), []string{"BTC/USD"}))

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	markets := symbolData(zigzagUp(10, 100, base))

	signals, err := b.Analyze(markets, types.Portfolio{}, base.Add(11*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, signals)
	assert.Empty(t, b.ScanRows())
}

func TestBaselineStateRoundTrip(t *testing.T) {
	b := NewBaseline()
	require.NoError(t, b.Initialize(testLimits(), []string{"BTC/USD"}))

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	markets := symbolData(zigzagUp(40, 100, base))
	signals, err := b.Analyze(markets, types.Portfolio{Cash: d("10000")}, base.Add(41*time.Hour))
	require.NoError(t, err)
	require.Len(t, signals, 1)
	b.OnFill(types.Order{Symbol: "BTC/USD"}, signals[0])

	blob, err := b.State()
	require.NoError(t, err)

	restored := NewBaseline()
	require.NoError(t, restored.Initialize(testLimits(), []string{"BTC/USD"}))
	require.NoError(t, restored.LoadState(blob))

	// The restored copy remembers the open tag and does not rebuy.
	pf := types.Portfolio{
		Cash: d("9000"),
		Positions: []types.OpenPosition{{
			Symbol: "BTC/USD", Tag: signals[0].Tag, Qty: d("1"), AvgEntry: d("120"),
		}},
	}
	again, err := restored.Analyze(markets, pf, base.Add(42*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestBaselineLoadStateRejectsGarbage(t *testing.T) {
	b := NewBaseline()
	assert.Error(t, b.LoadState([]byte("not json")))
	assert.NoError(t, b.LoadState(nil))
}

func TestRegistryKnowsBaseline(t *testing.T) {
	s, err := New("baseline")
	require.NoError(t, err)
	assert.Equal(t, "baseline", s.Name())

	_, err = New("nope")
	require.Error(t, err)
	assert.Contains(t, Registered(), "baseline")
}
