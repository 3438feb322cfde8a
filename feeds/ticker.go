package feeds

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/halcyonfund/halcyon/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STREAMING TICKER - websocket feed with REST degrade
// ═══════════════════════════════════════════════════════════════════════════════
//
// One goroutine owns the connection and is the sole MarketState writer.
// Reconnects use jittered exponential backoff; after maxFailures
// consecutive failures the feed degrades to REST polling and keeps trying
// to upgrade back in the background.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second
)

// QuoteFunc fetches one symbol's quote over REST. The degraded path and
// the candle backfill both go through the adapter.
type QuoteFunc func(ctx context.Context, symbol string) (types.Quote, error)

// Ticker streams live quotes into MarketState.
type Ticker struct {
	wsURL        string
	symbols      []string
	state        *MarketState
	restQuote    QuoteFunc
	maxFailures  int
	pollInterval time.Duration
	onEvent      func(types.Event)

	degraded atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// dialer is swappable for tests.
	dial func(url string) (*websocket.Conn, error)
}

// NewTicker wires a streaming ticker for the symbol allow-list.
func NewTicker(wsURL string, symbols []string, state *MarketState, restQuote QuoteFunc,
	maxFailures int, pollInterval time.Duration, onEvent func(types.Event)) *Ticker {
	return &Ticker{
		wsURL:        wsURL,
		symbols:      symbols,
		state:        state,
		restQuote:    restQuote,
		maxFailures:  maxFailures,
		pollInterval: pollInterval,
		onEvent:      onEvent,
		stopCh:       make(chan struct{}),
		dial: func(url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			return conn, err
		},
	}
}

// Start launches the feed goroutine.
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	log.Info().Str("url", t.wsURL).Int("symbols", len(t.symbols)).Msg("📡 Ticker feed starting")
}

// Stop closes the feed and waits for its goroutines.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

// Degraded reports whether the feed is currently on the REST path.
func (t *Ticker) Degraded() bool { return t.degraded.Load() }

func (t *Ticker) run() {
	defer t.wg.Done()

	failures := 0
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		err := t.streamOnce(&failures)
		select {
		case <-t.stopCh:
			return
		default:
		}
		if err != nil {
			failures++
			log.Warn().Err(err).Int("failures", failures).Msg("Ticker websocket dropped")
		}

		if failures >= t.maxFailures && !t.degraded.Load() {
			t.degraded.Store(true)
			log.Error().Int("failures", failures).Msg("🔌 Websocket feed lost, degrading to REST polling")
			if t.onEvent != nil {
				t.onEvent(types.Event{
					Type: types.EventWebsocketFeedLost, At: time.Now(),
					Detail: "degraded to REST polling",
				})
			}
			t.wg.Add(1)
			go t.pollLoop()
		}

		if !t.sleep(backoff(failures)) {
			return
		}
	}
}

// streamOnce connects, subscribes and pumps messages until the connection
// dies or the ticker stops. A successful subscribe resets the failure
// counter and lifts any degrade.
func (t *Ticker) streamOnce(failures *int) error {
	conn, err := t.dial(t.wsURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]interface{}{
		"method": "subscribe",
		"params": map[string]interface{}{
			"channel": "ticker",
			"symbol":  t.symbols,
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	*failures = 0
	if t.degraded.Swap(false) {
		log.Info().Msg("📡 Websocket feed restored, leaving REST polling")
	}

	// Unblock ReadMessage on Stop.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-t.stopCh:
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		t.handleMessage(raw)
	}
}

type wsTickerMsg struct {
	Channel string `json:"channel"`
	Data    []struct {
		Symbol string `json:"symbol"`
		Last   string `json:"last"`
		Bid    string `json:"bid"`
		Ask    string `json:"ask"`
		Volume string `json:"volume"`
	} `json:"data"`
}

func (t *Ticker) handleMessage(raw []byte) {
	var msg wsTickerMsg
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Channel != "ticker" {
		return
	}
	for _, d := range msg.Data {
		last, err := decimal.NewFromString(d.Last)
		if err != nil || !last.IsPositive() {
			continue
		}
		spread := decimal.Zero
		if bid, err1 := decimal.NewFromString(d.Bid); err1 == nil {
			if ask, err2 := decimal.NewFromString(d.Ask); err2 == nil && ask.GreaterThan(bid) {
				spread = ask.Sub(bid)
			}
		}
		vol, _ := decimal.NewFromString(d.Volume)
		t.state.UpdateQuote(types.Quote{
			Symbol:    d.Symbol,
			Price:     last,
			Spread:    spread,
			Volume24h: vol,
			TS:        time.Now().UTC(),
		})
	}
}

// pollLoop keeps quotes fresh over REST while degraded. It exits as soon
// as the websocket path recovers.
func (t *Ticker) pollLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			if !t.degraded.Load() {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), t.pollInterval)
			for _, sym := range t.symbols {
				q, err := t.restQuote(ctx, sym)
				if err != nil {
					log.Warn().Err(err).Str("symbol", sym).Msg("REST quote poll failed")
					continue
				}
				t.state.UpdateQuote(q)
			}
			cancel()
		}
	}
}

func (t *Ticker) sleep(d time.Duration) bool {
	select {
	case <-t.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// backoff returns the jittered reconnect delay for the nth failure.
func backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := reconnectBase << uint(failures-1)
	if d > reconnectCap || d <= 0 {
		d = reconnectCap
	}
	// ±25% jitter so restarting fleets don't stampede.
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/4*3 + jitter
}
