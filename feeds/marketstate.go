package feeds

import (
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/halcyonfund/halcyon/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET STATE - single-writer view of prices and candles
// ═══════════════════════════════════════════════════════════════════════════════
//
// The ingestion goroutine is the only writer. Readers grab an immutable
// snapshot via an atomic pointer swap and never block the writer.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ringCap bounds each candle ring. Enough history for any indicator the
// strategies compute.
const ringCap = 500

// Snapshot is an immutable view of all symbol quotes. Never mutated after
// publication.
type Snapshot struct {
	Quotes map[string]types.Quote
}

// candleRing is a fixed-capacity ring of candles, oldest evicted first.
type candleRing struct {
	buf   []types.Candle
	start int
	size  int
}

func newCandleRing() *candleRing {
	return &candleRing{buf: make([]types.Candle, ringCap)}
}

func (r *candleRing) push(c types.Candle) {
	if r.size < ringCap {
		r.buf[(r.start+r.size)%ringCap] = c
		r.size++
		return
	}
	r.buf[r.start] = c
	r.start = (r.start + 1) % ringCap
}

// last returns up to n candles in chronological order.
func (r *candleRing) last(n int) []types.Candle {
	if n > r.size {
		n = r.size
	}
	out := make([]types.Candle, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+r.size-n+i)%ringCap]
	}
	return out
}

// MarketState holds quotes and candle rings for the symbol allow-list.
type MarketState struct {
	snap atomic.Pointer[Snapshot]

	mu    sync.Mutex // serializes the writer side only
	rings map[string]map[types.Timeframe]*candleRing
}

// NewMarketState creates an empty state ready for ingestion.
func NewMarketState() *MarketState {
	ms := &MarketState{
		rings: make(map[string]map[types.Timeframe]*candleRing),
	}
	ms.snap.Store(&Snapshot{Quotes: map[string]types.Quote{}})
	return ms
}

// UpdateQuote publishes a new quote for one symbol. Copy-on-write: the
// previous snapshot stays valid for readers holding it.
func (m *MarketState) UpdateQuote(q types.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.snap.Load()
	quotes := make(map[string]types.Quote, len(old.Quotes)+1)
	for k, v := range old.Quotes {
		quotes[k] = v
	}
	quotes[q.Symbol] = q
	m.snap.Store(&Snapshot{Quotes: quotes})
}

// AppendCandle adds a closed candle to the symbol's ring for its
// timeframe. A candle with the same bucket start as the ring's newest
// replaces it, so in-progress buckets can be refreshed.
func (m *MarketState) AppendCandle(symbol string, c types.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tiers, ok := m.rings[symbol]
	if !ok {
		tiers = make(map[types.Timeframe]*candleRing)
		m.rings[symbol] = tiers
	}
	ring, ok := tiers[c.Timeframe]
	if !ok {
		ring = newCandleRing()
		tiers[c.Timeframe] = ring
	}
	if ring.size > 0 {
		newest := &ring.buf[(ring.start+ring.size-1)%ringCap]
		if newest.TS.Equal(c.TS) {
			*newest = c
			return
		}
	}
	ring.push(c)
}

// SeedCandles bulk-loads history for a tier, oldest first.
func (m *MarketState) SeedCandles(symbol string, tf types.Timeframe, candles []types.Candle) {
	for _, c := range candles {
		c.Timeframe = tf
		m.AppendCandle(symbol, c)
	}
}

// Quote returns the latest quote for a symbol.
func (m *MarketState) Quote(symbol string) (types.Quote, bool) {
	q, ok := m.snap.Load().Quotes[symbol]
	return q, ok
}

// Candles returns up to n most recent candles for a tier, oldest first.
// A tier that was never populated yields an empty slice, not an error.
func (m *MarketState) Candles(symbol string, tf types.Timeframe, n int) []types.Candle {
	m.mu.Lock()
	defer m.mu.Unlock()

	tiers, ok := m.rings[symbol]
	if !ok {
		return []types.Candle{}
	}
	ring, ok := tiers[tf]
	if !ok {
		return []types.Candle{}
	}
	return ring.last(n)
}

// SymbolData assembles the per-symbol strategy input.
func (m *MarketState) SymbolData(symbol string) (types.SymbolData, bool) {
	q, ok := m.Quote(symbol)
	if !ok {
		return types.SymbolData{}, false
	}
	return types.SymbolData{
		Quote: q,
		Candles: map[types.Timeframe][]types.Candle{
			types.TF5m: m.Candles(symbol, types.TF5m, ringCap),
			types.TF1h: m.Candles(symbol, types.TF1h, ringCap),
			types.TF1d: m.Candles(symbol, types.TF1d, ringCap),
		},
	}, true
}

// MarkValue prices a position list at current quotes. Symbols with no
// quote contribute their entry value, never zero.
func (m *MarketState) MarkValue(positions []types.OpenPosition) decimal.Decimal {
	total := decimal.Zero
	quotes := m.snap.Load().Quotes
	for _, p := range positions {
		price := p.AvgEntry
		if q, ok := quotes[p.Symbol]; ok && q.Price.IsPositive() {
			price = q.Price
		}
		total = total.Add(p.Qty.Mul(price))
	}
	return types.Money8(total)
}
