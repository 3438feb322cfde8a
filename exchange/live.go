package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/halcyonfund/halcyon/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LIVE EXCHANGE - Kraken spot REST
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every call goes through a circuit breaker; an open breaker surfaces as
// ErrExchangeUnavailable so callers back off instead of hammering a venue
// that is already failing. Placement is never blindly retried: a send
// that may have reached the venue returns ErrOrderAmbiguous and the
// executor reconciles against OpenOrders before anything else happens.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Live talks to the venue's REST API.
type Live struct {
	client    *resty.Client
	breaker   *gobreaker.CircuitBreaker
	apiKey    string
	apiSecret string
	retry     RetryConfig
}

// NewLive builds a live adapter for the given REST endpoint and key pair.
func NewLive(restURL, apiKey, apiSecret string) *Live {
	client := resty.New().
		SetBaseURL(restURL).
		SetTimeout(10 * time.Second).
		SetHeader("User-Agent", "halcyon/1.0")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "exchange-rest",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).
				Str("to", to.String()).Msg("⚡ Circuit breaker state change")
		},
	})

	return &Live{
		client:    client,
		breaker:   breaker,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		retry:     DefaultRetryConfig(),
	}
}

type apiEnvelope struct {
	Error  []string               `json:"error"`
	Result map[string]interface{} `json:"result"`
}

func (l *Live) public(ctx context.Context, path string, params map[string]string) (map[string]interface{}, error) {
	return l.call(ctx, func() (*resty.Response, error) {
		return l.client.R().SetContext(ctx).SetQueryParams(params).Get(path)
	})
}

func (l *Live) private(ctx context.Context, path string, params map[string]string) (map[string]interface{}, error) {
	return l.call(ctx, func() (*resty.Response, error) {
		form := url.Values{}
		nonce := strconv.FormatInt(time.Now().UnixNano()/int64(time.Millisecond), 10)
		form.Set("nonce", nonce)
		for k, v := range params {
			form.Set(k, v)
		}
		body := form.Encode()
		return l.client.R().SetContext(ctx).
			SetHeader("API-Key", l.apiKey).
			SetHeader("API-Sign", l.sign(path, nonce, body)).
			SetHeader("Content-Type", "application/x-www-form-urlencoded").
			SetBody(body).
			Post(path)
	})
}

// sign produces HMAC-SHA512(path + SHA256(nonce + body), secret).
func (l *Live) sign(path, nonce, body string) string {
	secret, err := base64.StdEncoding.DecodeString(l.apiSecret)
	if err != nil {
		secret = []byte(l.apiSecret)
	}
	inner := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(inner[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (l *Live) call(ctx context.Context, do func() (*resty.Response, error)) (map[string]interface{}, error) {
	out, err := l.breaker.Execute(func() (interface{}, error) {
		resp, err := do()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExchangeUnavailable, err)
		}
		if resp.StatusCode() >= 500 {
			return nil, fmt.Errorf("%w: HTTP %d", ErrExchangeUnavailable, resp.StatusCode())
		}
		var env apiEnvelope
		if err := json.Unmarshal(resp.Body(), &env); err != nil {
			return nil, fmt.Errorf("%w: decode: %v", ErrExchangeUnavailable, err)
		}
		if len(env.Error) > 0 {
			return nil, classifyAPIError(env.Error)
		}
		return env.Result, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: circuit open", ErrExchangeUnavailable)
		}
		return nil, err
	}
	return out.(map[string]interface{}), nil
}

// classifyAPIError maps venue error strings onto sentinels.
func classifyAPIError(errs []string) error {
	joined := strings.Join(errs, "; ")
	lower := strings.ToLower(joined)
	switch {
	case strings.Contains(lower, "insufficient funds"):
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, joined)
	case strings.Contains(lower, "unknown asset pair"), strings.Contains(lower, "unknown pair"):
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, joined)
	case strings.Contains(lower, "unknown order"):
		return fmt.Errorf("%w: %s", ErrOrderNotFound, joined)
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "unavailable"),
		strings.Contains(lower, "busy"):
		return fmt.Errorf("%w: %s", ErrExchangeUnavailable, joined)
	}
	return fmt.Errorf("exchange error: %s", joined)
}

// ─── Market data ───────────────────────────────────────────────────────────────

func (l *Live) Quote(ctx context.Context, symbol string) (types.Quote, error) {
	var quote types.Quote
	err := WithRetry(ctx, l.retry, "quote", func() error {
		result, err := l.public(ctx, "/0/public/Ticker", map[string]string{"pair": pairName(symbol)})
		if err != nil {
			return err
		}
		for _, v := range result {
			t, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			last := firstField(t, "c")
			bid := firstField(t, "b")
			ask := firstField(t, "a")
			vol := firstField(t, "v")
			spread := decimal.Zero
			if ask.GreaterThan(bid) {
				spread = ask.Sub(bid)
			}
			quote = types.Quote{
				Symbol:    symbol,
				Price:     last,
				Spread:    spread,
				Volume24h: vol,
				TS:        time.Now().UTC(),
			}
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	})
	return quote, err
}

var tfIntervals = map[types.Timeframe]string{
	types.TF5m: "5",
	types.TF1h: "60",
	types.TF1d: "1440",
}

func (l *Live) Candles(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.Candle, error) {
	interval, ok := tfIntervals[tf]
	if !ok {
		return nil, fmt.Errorf("unsupported timeframe %q", tf)
	}
	var candles []types.Candle
	err := WithRetry(ctx, l.retry, "candles", func() error {
		result, err := l.public(ctx, "/0/public/OHLC", map[string]string{
			"pair": pairName(symbol), "interval": interval,
		})
		if err != nil {
			return err
		}
		for key, v := range result {
			if key == "last" {
				continue
			}
			rows, ok := v.([]interface{})
			if !ok {
				continue
			}
			candles = candles[:0]
			for _, r := range rows {
				row, ok := r.([]interface{})
				if !ok || len(row) < 7 {
					continue
				}
				ts, _ := row[0].(float64)
				candles = append(candles, types.Candle{
					TS:        time.Unix(int64(ts), 0).UTC(),
					Open:      decFrom(row[1]),
					High:      decFrom(row[2]),
					Low:       decFrom(row[3]),
					Close:     decFrom(row[4]),
					Volume:    decFrom(row[6]),
					Timeframe: tf,
				})
			}
			if limit > 0 && len(candles) > limit {
				candles = candles[len(candles)-limit:]
			}
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	})
	return candles, err
}

func (l *Live) Fees(ctx context.Context) (types.Fees, error) {
	var fees types.Fees
	err := WithRetry(ctx, l.retry, "fees", func() error {
		result, err := l.private(ctx, "/0/private/TradeVolume", nil)
		if err != nil {
			return err
		}
		fees = types.Fees{
			Maker: decFrom(result["fees_maker"]),
			Taker: decFrom(result["fees"]),
		}
		// Venue reports percentages; the engine works in fractions.
		hundred := decimal.NewFromInt(100)
		fees.Maker = fees.Maker.Div(hundred)
		fees.Taker = fees.Taker.Div(hundred)
		return nil
	})
	return fees, err
}

func (l *Live) Markets(ctx context.Context) ([]types.Market, error) {
	var markets []types.Market
	err := WithRetry(ctx, l.retry, "markets", func() error {
		result, err := l.public(ctx, "/0/public/AssetPairs", nil)
		if err != nil {
			return err
		}
		markets = markets[:0]
		for _, v := range result {
			pair, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			name, _ := pair["wsname"].(string)
			if name == "" {
				continue
			}
			step := decimal.Zero
			if lotDec, ok := pair["lot_decimals"].(float64); ok {
				step = decimal.New(1, -int32(lotDec))
			}
			markets = append(markets, types.Market{Symbol: name, LotStep: step})
		}
		return nil
	})
	return markets, err
}

// ─── Orders ────────────────────────────────────────────────────────────────────

// Place submits an order and confirms acceptance. A transport failure
// after the request may have been sent returns ErrOrderAmbiguous; the
// caller must reconcile via OpenOrders/Order, never resubmit.
func (l *Live) Place(ctx context.Context, req OrderRequest) (types.Order, error) {
	params := map[string]string{
		"pair":      pairName(req.Symbol),
		"type":      string(req.Side),
		"ordertype": string(req.Type),
		"volume":    req.Qty.String(),
		"userref":   userRef(req.ID),
	}
	if req.Type == types.OrderTypeLimit {
		params["price"] = req.LimitPrice.String()
	}

	result, err := l.private(ctx, "/0/private/AddOrder", params)
	if err != nil {
		if IsRetryable(err) {
			// The request may have landed before the failure.
			return types.Order{}, fmt.Errorf("%w: %v", ErrOrderAmbiguous, err)
		}
		return types.Order{}, err
	}

	txids, _ := result["txid"].([]interface{})
	if len(txids) == 0 {
		return types.Order{}, fmt.Errorf("%w: no txid returned", ErrOrderAmbiguous)
	}
	exchangeID, _ := txids[0].(string)

	order := types.Order{
		ID:              req.ID,
		ExchangeOrderID: exchangeID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Qty:             req.Qty,
		LimitPrice:      req.LimitPrice,
		Status:          types.OrderOpen,
		CreatedAt:       time.Now().UTC(),
	}

	// Market orders normally fill immediately; confirm terminal state.
	if req.Type == types.OrderTypeMarket {
		confirmed, err := l.Order(ctx, exchangeID)
		if err == nil {
			confirmed.ID = req.ID
			return confirmed, nil
		}
		log.Warn().Err(err).Str("order", exchangeID).Msg("Placed but could not confirm fill yet")
	}
	return order, nil
}

func (l *Live) Cancel(ctx context.Context, orderID string) error {
	return WithRetry(ctx, l.retry, "cancel", func() error {
		_, err := l.private(ctx, "/0/private/CancelOrder", map[string]string{"txid": orderID})
		return err
	})
}

func (l *Live) Order(ctx context.Context, orderID string) (types.Order, error) {
	var order types.Order
	err := WithRetry(ctx, l.retry, "query-order", func() error {
		result, err := l.private(ctx, "/0/private/QueryOrders", map[string]string{"txid": orderID})
		if err != nil {
			return err
		}
		raw, ok := result[orderID].(map[string]interface{})
		if !ok {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		order = parseOrder(orderID, raw)
		return nil
	})
	return order, err
}

func (l *Live) OpenOrders(ctx context.Context) ([]types.Order, error) {
	var orders []types.Order
	err := WithRetry(ctx, l.retry, "open-orders", func() error {
		result, err := l.private(ctx, "/0/private/OpenOrders", nil)
		if err != nil {
			return err
		}
		open, _ := result["open"].(map[string]interface{})
		orders = orders[:0]
		for id, v := range open {
			raw, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			orders = append(orders, parseOrder(id, raw))
		}
		return nil
	})
	return orders, err
}

func (l *Live) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	balances := make(map[string]decimal.Decimal)
	err := WithRetry(ctx, l.retry, "balances", func() error {
		result, err := l.private(ctx, "/0/private/Balance", nil)
		if err != nil {
			return err
		}
		for asset, v := range result {
			balances[asset] = decFrom(v)
		}
		return nil
	})
	return balances, err
}

// ─── Conditional orders ────────────────────────────────────────────────────────

var condOrderTypes = map[types.ConditionalKind]string{
	types.CondStopLoss:   "stop-loss",
	types.CondTakeProfit: "take-profit",
}

// PlaceConditional asks the venue for a native stop on an open position.
func (l *Live) PlaceConditional(ctx context.Context, req ConditionalRequest) (types.ConditionalOrder, error) {
	orderType, ok := condOrderTypes[req.Kind]
	if !ok {
		return types.ConditionalOrder{}, fmt.Errorf("unsupported conditional kind %q", req.Kind)
	}
	result, err := l.private(ctx, "/0/private/AddOrder", map[string]string{
		"pair":      pairName(req.Symbol),
		"type":      string(types.SideSell),
		"ordertype": orderType,
		"volume":    req.Qty.String(),
		"price":     req.TriggerPrice.String(),
		"userref":   userRef(req.ID),
	})
	if err != nil {
		if IsRetryable(err) {
			return types.ConditionalOrder{}, fmt.Errorf("%w: %v", ErrOrderAmbiguous, err)
		}
		return types.ConditionalOrder{}, err
	}
	txids, _ := result["txid"].([]interface{})
	if len(txids) == 0 {
		return types.ConditionalOrder{}, fmt.Errorf("%w: no txid returned", ErrOrderAmbiguous)
	}
	exchangeID, _ := txids[0].(string)
	return types.ConditionalOrder{
		ID:           exchangeID,
		Symbol:       req.Symbol,
		Tag:          req.Tag,
		Kind:         req.Kind,
		TriggerPrice: req.TriggerPrice,
		Status:       types.CondActive,
	}, nil
}

func (l *Live) CancelConditional(ctx context.Context, id string) error {
	return l.Cancel(ctx, id)
}

func (l *Live) ConditionalStatus(ctx context.Context, id string) (types.ConditionalOrder, error) {
	order, err := l.Order(ctx, id)
	if err != nil {
		return types.ConditionalOrder{}, err
	}
	cond := types.ConditionalOrder{ID: id, Symbol: order.Symbol, Status: types.CondActive}
	switch order.Status {
	case types.OrderFilled:
		cond.Status = types.CondFilled
		cond.FillPrice = order.FillPrice
	case types.OrderCancelled, types.OrderExpired, types.OrderRejected:
		cond.Status = types.CondCancelled
	}
	return cond, nil
}

// ─── Helpers ───────────────────────────────────────────────────────────────────

// pairName strips the slash: "BTC/USD" -> "BTCUSD".
func pairName(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

// userRef derives a numeric client reference from the uuid.
func userRef(id string) string {
	h := sha256.Sum256([]byte(id))
	n := int32(h[0])<<24 | int32(h[1])<<16 | int32(h[2])<<8 | int32(h[3])
	if n < 0 {
		n = -n
	}
	return strconv.FormatInt(int64(n), 10)
}

func parseOrder(id string, raw map[string]interface{}) types.Order {
	order := types.Order{ExchangeOrderID: id}
	if descr, ok := raw["descr"].(map[string]interface{}); ok {
		if pair, ok := descr["pair"].(string); ok {
			order.Symbol = pair
		}
		if side, ok := descr["type"].(string); ok {
			order.Side = types.OrderSide(side)
		}
		if ot, ok := descr["ordertype"].(string); ok {
			order.Type = types.OrderType(ot)
		}
		order.LimitPrice = decFrom(descr["price"])
	}
	order.Qty = decFrom(raw["vol"])
	order.FilledQty = decFrom(raw["vol_exec"])
	order.Fee = decFrom(raw["fee"])

	status, _ := raw["status"].(string)
	switch status {
	case "open", "pending":
		order.Status = types.OrderOpen
	case "closed":
		order.Status = types.OrderFilled
		if order.FilledQty.IsPositive() {
			cost := decFrom(raw["cost"])
			order.FillPrice = types.Money8(cost.Div(order.FilledQty))
		}
		if ts, ok := raw["closetm"].(float64); ok {
			t := time.Unix(int64(ts), 0).UTC()
			order.FilledAt = &t
		}
	case "canceled":
		order.Status = types.OrderCancelled
	case "expired":
		order.Status = types.OrderExpired
	default:
		order.Status = types.OrderRejected
	}
	return order
}

func decFrom(v interface{}) decimal.Decimal {
	switch x := v.(type) {
	case string:
		if d, err := decimal.NewFromString(x); err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(x)
	}
	return decimal.Zero
}

// firstField reads kraken ticker arrays like "c":["50000.0","0.1"].
func firstField(t map[string]interface{}, key string) decimal.Decimal {
	arr, ok := t[key].([]interface{})
	if !ok || len(arr) == 0 {
		return decimal.Zero
	}
	return decFrom(arr[0])
}
