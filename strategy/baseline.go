package strategy

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/shopspring/decimal"

	"github.com/halcyonfund/halcyon/risk"
	"github.com/halcyonfund/halcyon/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BASELINE STRATEGY - EMA cross with RSI filter
// ═══════════════════════════════════════════════════════════════════════════════

const (
	baselineVersion = "1.2.0"

	emaFastPeriod = 12
	emaSlowPeriod = 26
	rsiPeriod     = 14

	rsiOverbought = 70.0
	rsiExit       = 80.0
)

func init() {
	Register("baseline", func() Strategy { return NewBaseline() })
}

// baselineState is the persisted strategy state.
type baselineState struct {
	Regime      map[string]string `json:"regime"`
	OpenTags    map[string]string `json:"open_tags"`
	TradesTaken int               `json:"trades_taken"`
}

// Baseline trades 1h EMA crosses filtered by RSI. It is deliberately
// plain; its job is to exercise the full pipeline and give the
// orchestrator something to beat.
type Baseline struct {
	mu      sync.Mutex
	limits  risk.Limits
	symbols []string
	state   baselineState
	rows    []ScanRow
}

// NewBaseline returns a fresh baseline strategy.
func NewBaseline() *Baseline {
	return &Baseline{
		state: baselineState{
			Regime:   make(map[string]string),
			OpenTags: make(map[string]string),
		},
	}
}

func (b *Baseline) Name() string    { return "baseline" }
func (b *Baseline) Version() string { return baselineVersion }

func (b *Baseline) Initialize(limits risk.Limits, symbols []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limits = limits
	b.symbols = symbols
	return nil
}

func (b *Baseline) ScanInterval() time.Duration { return 15 * time.Minute }

func (b *Baseline) Analyze(markets map[string]types.SymbolData,
	portfolio types.Portfolio, now time.Time) ([]types.Signal, error) {

	b.mu.Lock()
	defer b.mu.Unlock()

	b.rows = b.rows[:0]
	var signals []types.Signal

	for _, symbol := range b.symbols {
		data, ok := markets[symbol]
		if !ok {
			continue
		}
		candles := data.Candles[types.TF1h]
		if len(candles) < emaSlowPeriod+1 {
			continue
		}

		closes := make([]float64, len(candles))
		for i, c := range candles {
			closes[i] = c.Close.InexactFloat64()
		}

		emaFast := lastValue(computeEMA(closes, emaFastPeriod))
		emaSlow := lastValue(computeEMA(closes, emaSlowPeriod))
		rsi := lastValue(computeRSI(closes, rsiPeriod))
		price := data.Quote.Price

		regime := "chop"
		if emaFast > emaSlow {
			regime = "trend_up"
		} else if emaFast < emaSlow {
			regime = "trend_down"
		}
		b.state.Regime[symbol] = regime

		b.rows = append(b.rows, ScanRow{
			Symbol:      symbol,
			Price:       price,
			EMAFast:     decimal.NewFromFloat(emaFast),
			EMASlow:     decimal.NewFromFloat(emaSlow),
			RSI:         decimal.NewFromFloat(rsi),
			VolumeRatio: volumeRatio(candles),
			Spread:      data.Quote.Spread,
			Regime:      regime,
		})

		tag := b.state.OpenTags[symbol]
		_, holding := portfolio.Position(symbol, tag)

		switch {
		case !holding && regime == "trend_up" && rsi < rsiOverbought:
			tag = "base-" + now.Format("20060102")
			one := decimal.NewFromInt(1)
			signals = append(signals, types.Signal{
				Symbol:     symbol,
				Action:     types.ActionBuy,
				SizePct:    b.limits.DefaultTradePct,
				OrderType:  types.OrderTypeMarket,
				StopLoss:   types.Money8(price.Mul(one.Sub(b.limits.DefaultStopLossPct))),
				TakeProfit: types.Money8(price.Mul(one.Add(b.limits.DefaultTakeProfitPct))),
				Intent:     types.IntentSwing,
				Tag:        tag,
				Confidence: confidenceFrom(rsi),
				Reasoning:  "ema cross up, rsi " + decimal.NewFromFloat(rsi).StringFixed(1),
			})
			b.state.OpenTags[symbol] = tag

		case holding && (regime == "trend_down" || rsi > rsiExit):
			signals = append(signals, types.Signal{
				Symbol:    symbol,
				Action:    types.ActionClose,
				OrderType: types.OrderTypeMarket,
				Intent:    types.IntentSwing,
				Tag:       tag,
				Reasoning: "regime " + regime + ", rsi " + decimal.NewFromFloat(rsi).StringFixed(1),
			})
		}
	}
	return signals, nil
}

func (b *Baseline) OnFill(order types.Order, sig types.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.TradesTaken++
}

func (b *Baseline) OnPositionClosed(trade types.ClosedTrade) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.OpenTags[trade.Symbol] == trade.Tag {
		delete(b.state.OpenTags, trade.Symbol)
	}
}

func (b *Baseline) State() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return json.Marshal(b.state)
}

func (b *Baseline) LoadState(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var s baselineState
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s.Regime == nil {
		s.Regime = make(map[string]string)
	}
	if s.OpenTags == nil {
		s.OpenTags = make(map[string]string)
	}
	b.state = s
	return nil
}

// ScanRows exposes the latest scan's indicator snapshots.
func (b *Baseline) ScanRows() []ScanRow {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ScanRow, len(b.rows))
	copy(out, b.rows)
	return out
}

// ─── Indicator helpers ─────────────────────────────────────────────────────────

func computeEMA(prices []float64, period int) []float64 {
	in := make(chan float64, len(prices))
	for _, p := range prices {
		in <- p
	}
	close(in)

	ema := trend.NewEmaWithPeriod[float64](period)
	var out []float64
	for v := range ema.Compute(in) {
		out = append(out, v)
	}
	return out
}

func computeRSI(prices []float64, period int) []float64 {
	in := make(chan float64, len(prices))
	for _, p := range prices {
		in <- p
	}
	close(in)

	rsi := momentum.NewRsiWithPeriod[float64](period)
	var out []float64
	for v := range rsi.Compute(in) {
		out = append(out, v)
	}
	return out
}

func lastValue(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}

// volumeRatio compares the last candle's volume to the trailing average.
func volumeRatio(candles []types.Candle) decimal.Decimal {
	if len(candles) < 2 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, c := range candles[:len(candles)-1] {
		sum = sum.Add(c.Volume)
	}
	avg := sum.Div(decimal.NewFromInt(int64(len(candles) - 1)))
	if !avg.IsPositive() {
		return decimal.Zero
	}
	return types.Money8(candles[len(candles)-1].Volume.Div(avg))
}

// confidenceFrom maps RSI distance from overbought into (0,1].
func confidenceFrom(rsi float64) decimal.Decimal {
	headroom := (rsiOverbought - rsi) / rsiOverbought
	if headroom < 0.1 {
		headroom = 0.1
	}
	if headroom > 1 {
		headroom = 1
	}
	return decimal.NewFromFloat(headroom).Round(4)
}
