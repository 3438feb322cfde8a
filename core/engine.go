package core

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/halcyonfund/halcyon/exchange"
	"github.com/halcyonfund/halcyon/execution"
	"github.com/halcyonfund/halcyon/feeds"
	"github.com/halcyonfund/halcyon/internal/config"
	"github.com/halcyonfund/halcyon/monitor"
	"github.com/halcyonfund/halcyon/risk"
	"github.com/halcyonfund/halcyon/storage"
	"github.com/halcyonfund/halcyon/strategy"
	"github.com/halcyonfund/halcyon/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - construction, startup, the job table and shutdown
// ═══════════════════════════════════════════════════════════════════════════════
//
// One process, one data dir, one engine. Construction wires everything;
// Run restores persisted state, reconciles against the venue, seeds
// candles and hands the loop to the scheduler. Shutdown: stop intake,
// drain jobs, cancel unfilled limits, journal strategy state, close
// feeds. Open positions are never liquidated on shutdown.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	monitorInterval    = 30 * time.Second
	feeRefreshInterval = 24 * time.Hour
	shutdownGrace      = 10 * time.Second

	dailySnapshotHour   = 23
	dailySnapshotMinute = 55

	candleSeedCount = 200
)

// Engine owns the trading process.
type Engine struct {
	cfg    *config.Config
	loc    *time.Location
	limits risk.Limits

	store     *storage.Store
	bus       *Bus
	market    *feeds.MarketState
	ticker    *feeds.Ticker
	adapter   exchange.Adapter
	paper     *exchange.Paper // nil in live mode
	tracker   *risk.Tracker
	gate      *risk.Gate
	portfolio *execution.Portfolio
	executor  *execution.Executor
	mon       *monitor.Monitor
	host      *strategy.Host
	sched     *Scheduler

	pidPath   string
	startedAt time.Time
}

// New builds a fully wired but not yet running engine.
func New(cfg *config.Config) (*Engine, error) {
	loc := cfg.Location()

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := NewBus()
	onEvent := bus.Publish

	market := feeds.NewMarketState()

	// The live client serves public market data in both modes; only live
	// mode trades through it.
	liveClient := exchange.NewLive(cfg.Exchange.RestURL,
		cfg.Exchange.APIKey, cfg.Exchange.APISecret)

	fees := types.Fees{
		Maker: decimal.NewFromFloat(cfg.Exchange.Fees.Maker),
		Taker: decimal.NewFromFloat(cfg.Exchange.Fees.Taker),
	}

	var adapter exchange.Adapter
	var condVenue exchange.ConditionalVenue
	var paper *exchange.Paper
	if cfg.IsLive() {
		adapter = liveClient
		condVenue = liveClient
	} else {
		paper = exchange.NewPaper(liveClient,
			decimal.NewFromFloat(cfg.PaperBalanceUSD), fees,
			time.Duration(cfg.Exchange.LimitExpiryMinutes)*time.Minute, nil)
		adapter = paper
	}

	ticker := feeds.NewTicker(cfg.Exchange.WSURL, cfg.Symbols, market,
		liveClient.Quote, cfg.Exchange.WSMaxFailures,
		time.Duration(cfg.Exchange.RestPollSeconds)*time.Second, onEvent)

	limits := risk.LimitsFromConfig(cfg.Risk)
	tracker := risk.NewTracker(limits, loc, onEvent, func(s risk.Snapshot) {
		if err := store.SaveRiskState(&storage.RiskStateSnapshot{
			State:             string(s.State),
			Reason:            s.HaltReason,
			DailyPnL:          s.DailyPnL,
			DailyTrades:       s.DailyTrades,
			DayStartValue:     s.DayStartValue,
			PeakValue:         s.PeakValue,
			ConsecutiveLosses: s.ConsecutiveLosses,
			RollbackPending:   s.RollbackPending,
			Day:               s.Day,
			CreatedAt:         time.Now(),
		}); err != nil {
			log.Error().Err(err).Msg("Failed to journal risk state")
		}
	})
	gate := risk.NewGate(limits, tracker, cfg.Symbols, nil)
	gate.SetFees(fees)

	// Live cash comes from the venue at restore; the configured balance
	// only seeds paper mode.
	startCash := decimal.Zero
	if !cfg.IsLive() {
		startCash = decimal.NewFromFloat(cfg.PaperBalanceUSD)
	}
	portfolio := execution.NewPortfolio(startCash)
	executor := execution.NewExecutor(adapter, condVenue, store, market,
		tracker, portfolio, onEvent, nil)
	mon := monitor.New(market, portfolio, executor, gate, store, condVenue,
		onEvent, nil)

	strat, err := strategy.FromConfig(cfg.Strategy)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("build strategy: %w", err)
	}
	host := strategy.NewHost(strat, store, market, executor, gate, portfolio,
		tracker, limits, cfg.Symbols,
		time.Duration(cfg.ScanIntervalMinutesOverride)*time.Minute, onEvent, nil)
	executor.SetObserver(host)

	return &Engine{
		cfg:       cfg,
		loc:       loc,
		limits:    limits,
		store:     store,
		bus:       bus,
		market:    market,
		ticker:    ticker,
		adapter:   adapter,
		paper:     paper,
		tracker:   tracker,
		gate:      gate,
		portfolio: portfolio,
		executor:  executor,
		mon:       mon,
		host:      host,
		sched:     NewScheduler(RealClock{}, loc),
	}, nil
}

// Bus exposes the event stream for observers (the Telegram bot).
func (e *Engine) Bus() *Bus { return e.bus }

// Tracker exposes the risk state machine for operator commands.
func (e *Engine) Tracker() *risk.Tracker { return e.tracker }

// Portfolio exposes the position book for read-only observers.
func (e *Engine) Portfolio() *execution.Portfolio { return e.portfolio }

// Market exposes the market state for read-only observers.
func (e *Engine) Market() *feeds.MarketState { return e.market }

// Run starts the engine and blocks until ctx is cancelled, then shuts
// down with bounded grace.
func (e *Engine) Run(ctx context.Context) error {
	pidPath, err := AcquirePidFile(e.cfg.DataDir)
	if err != nil {
		return err
	}
	e.pidPath = pidPath
	e.startedAt = time.Now()

	log.Info().Str("mode", e.cfg.Mode).Strs("symbols", e.cfg.Symbols).
		Str("timezone", e.cfg.Timezone).Msg("🚀 Engine starting")

	if err := e.restore(ctx); err != nil {
		ReleasePidFile(e.pidPath)
		return err
	}

	e.ticker.Start()
	e.seedCandles(ctx)
	e.refreshMeta(ctx)

	e.registerJobs()
	e.sched.Start(ctx)

	e.bus.Publish(types.Event{Type: types.EventSystemOnline, At: time.Now(),
		Detail: fmt.Sprintf("mode=%s strategy=%s", e.cfg.Mode, e.cfg.Strategy.Name)})

	<-ctx.Done()
	e.shutdown()
	return nil
}

// restore replays persisted state: cash, positions, the halt machine and
// the strategy blob, then reconciles against the venue.
func (e *Engine) restore(ctx context.Context) error {
	if rs, err := e.store.LoadRiskState(); err != nil {
		return fmt.Errorf("load risk state: %w", err)
	} else if rs != nil {
		e.tracker.Restore(risk.Snapshot{
			State:             risk.State(rs.State),
			HaltReason:        rs.Reason,
			DailyPnL:          rs.DailyPnL,
			DailyTrades:       rs.DailyTrades,
			DayStartValue:     rs.DayStartValue,
			PeakValue:         rs.PeakValue,
			ConsecutiveLosses: rs.ConsecutiveLosses,
			RollbackPending:   rs.RollbackPending,
			Day:               rs.Day,
		})
		log.Info().Str("state", rs.State).Str("day", rs.Day).
			Msg("🛡️ Risk state restored")
	}

	reconciler := execution.NewReconciler(e.adapter, e.store, e.portfolio,
		e.cfg.IsLive(), e.bus.Publish, nil)
	startCash := decimal.Zero
	if !e.cfg.IsLive() {
		startCash = decimal.NewFromFloat(e.cfg.PaperBalanceUSD)
	}
	cash, err := reconciler.Restore(ctx, startCash)
	if err != nil {
		return fmt.Errorf("restore portfolio: %w", err)
	}

	if e.paper != nil {
		holdings := make(map[string]decimal.Decimal)
		for _, pos := range e.portfolio.Positions() {
			holdings[pos.Symbol] = holdings[pos.Symbol].Add(pos.Qty)
		}
		e.paper.Restore(cash, holdings)
	}

	totalValue := cash.Add(e.market.MarkValue(e.portfolio.Positions()))
	e.tracker.RollDay(time.Now(), totalValue)

	if err := e.host.Load(); err != nil {
		return fmt.Errorf("load strategy: %w", err)
	}
	return nil
}

// seedCandles backfills the candle rings so the first scan has history.
// Symbols fetch concurrently; a failed symbol logs and stays empty.
func (e *Engine) seedCandles(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, symbol := range e.cfg.Symbols {
		symbol := symbol
		g.Go(func() error {
			for _, tf := range []types.Timeframe{types.TF5m, types.TF1h, types.TF1d} {
				candles, err := e.adapter.Candles(ctx, symbol, tf, candleSeedCount)
				if err != nil {
					log.Warn().Err(err).Str("symbol", symbol).Str("tf", string(tf)).
						Msg("Candle backfill failed")
					continue
				}
				e.market.SeedCandles(symbol, tf, candles)
			}
			return nil
		})
	}
	_ = g.Wait()
	log.Info().Int("symbols", len(e.cfg.Symbols)).Msg("🕯️ Candle history seeded")
}

// refreshMeta pulls fee tiers and lot steps from the venue. Config fee
// overrides win when set.
func (e *Engine) refreshMeta(ctx context.Context) {
	if e.cfg.Exchange.Fees.Maker == 0 && e.cfg.Exchange.Fees.Taker == 0 {
		if fees, err := e.adapter.Fees(ctx); err != nil {
			log.Warn().Err(err).Msg("Fee tier query failed, keeping previous tier")
		} else {
			e.gate.SetFees(fees)
		}
	}
	if markets, err := e.adapter.Markets(ctx); err != nil {
		log.Warn().Err(err).Msg("Market metadata query failed")
	} else {
		e.executor.SetMarkets(markets)
	}
}

// registerJobs fills the scheduler's table.
func (e *Engine) registerJobs() {
	e.sched.Add(&Job{
		Name:  "scan",
		Every: e.host.ScanInterval(),
		Run:   e.host.Scan,
	})
	e.sched.Add(&Job{
		Name:  "monitor",
		Every: monitorInterval,
		Run: func(ctx context.Context) {
			now := time.Now()
			totalValue := e.portfolio.Cash().Add(e.market.MarkValue(e.portfolio.Positions()))
			e.tracker.RollDay(now, totalValue)
			e.tracker.UpdateValuation(totalValue, now)
			e.executor.PollPending(ctx)
			e.mon.Check(ctx)
		},
	})
	e.sched.Add(&Job{
		Name:     "daily-snapshot",
		AtHour:   dailySnapshotHour,
		AtMinute: dailySnapshotMinute,
		Run:      e.dailySnapshot,
	})
	e.sched.Add(&Job{
		Name:  "fee-refresh",
		Every: feeRefreshInterval,
		Run:   e.refreshMeta,
	})
}

// dailySnapshot writes the end-of-day performance rollup.
func (e *Engine) dailySnapshot(_ context.Context) {
	now := time.Now().In(e.loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, e.loc)

	trades, err := e.store.TradesClosedSince(dayStart)
	if err != nil {
		log.Error().Err(err).Msg("Daily snapshot: trade query failed")
		return
	}

	var realized, feesPaid, winSum, lossSum decimal.Decimal
	wins, losses := 0, 0
	for _, t := range trades {
		realized = realized.Add(t.PnL)
		feesPaid = feesPaid.Add(t.Fees)
		if t.PnL.IsPositive() {
			wins++
			winSum = winSum.Add(t.PnL)
		} else if t.PnL.IsNegative() {
			losses++
			lossSum = lossSum.Add(t.PnL)
		}
	}

	winRate := decimal.Zero
	expectancy := decimal.Zero
	if len(trades) > 0 {
		count := decimal.NewFromInt(int64(len(trades)))
		winRate = decimal.NewFromInt(int64(wins)).Div(count).Round(4)
		expectancy = realized.Div(count).Round(8)
	}

	snap := e.tracker.Snapshot()
	cash := e.portfolio.Cash()
	endValue := cash.Add(e.market.MarkValue(e.portfolio.Positions()))

	perf := &storage.DailyPerformance{
		Date:        now.Format("2006-01-02"),
		StartValue:  snap.DayStartValue,
		EndValue:    endValue,
		RealizedPnL: realized,
		Fees:        feesPaid,
		Trades:      len(trades),
		Wins:        wins,
		Losses:      losses,
		WinRate:     winRate,
		Expectancy:  expectancy,
		MaxDrawdown: snap.DrawdownPct,
	}
	if err := e.store.SaveDailyPerformance(perf); err != nil {
		log.Error().Err(err).Msg("Failed to journal daily performance")
		return
	}
	if err := e.store.SaveCapitalEvent(&storage.CapitalEventRecord{
		Kind: string(types.CapitalMark), Amount: endValue,
		Note: "daily mark", CreatedAt: time.Now(),
	}); err != nil {
		log.Error().Err(err).Msg("Failed to journal daily mark")
	}
	if err := e.host.SaveState(); err != nil {
		log.Error().Err(err).Msg("Failed to journal strategy state")
	}

	log.Info().Str("date", perf.Date).Int("trades", perf.Trades).
		Str("realized", realized.StringFixed(2)).Str("win_rate", winRate.String()).
		Msg("📊 Daily snapshot written")
}

// shutdown runs the ordered stop sequence under the grace window.
func (e *Engine) shutdown() {
	log.Info().Msg("🛑 Engine shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	e.sched.Stop()
	e.executor.CancelPending(ctx)
	if err := e.host.SaveState(); err != nil {
		log.Error().Err(err).Msg("Failed to save strategy state on shutdown")
	}
	if err := e.host.Close(); err != nil {
		log.Warn().Err(err).Msg("Strategy close failed")
	}
	e.ticker.Stop()

	e.bus.Publish(types.Event{Type: types.EventSystemShutdown, At: time.Now(),
		Detail: fmt.Sprintf("uptime %s", time.Since(e.startedAt).Round(time.Second))})
	e.bus.Close()

	if err := e.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Storage close failed")
	}
	ReleasePidFile(e.pidPath)
	log.Info().Msg("👋 Engine stopped, open positions preserved")
}

// Stats assembles the operator status view.
func (e *Engine) Stats() map[string]interface{} {
	stats, err := e.store.Stats()
	if err != nil {
		stats = map[string]interface{}{}
	}
	snap := e.tracker.Snapshot()
	cash := e.portfolio.Cash()
	stats["mode"] = e.cfg.Mode
	stats["uptime"] = time.Since(e.startedAt).Round(time.Second).String()
	stats["risk_state"] = string(snap.State)
	stats["daily_pnl"] = snap.DailyPnL.StringFixed(2)
	stats["daily_trades"] = snap.DailyTrades
	stats["cash"] = cash.StringFixed(2)
	stats["total_value"] = cash.Add(e.market.MarkValue(e.portfolio.Positions())).StringFixed(2)
	stats["open_positions"] = len(e.portfolio.Positions())
	stats["feed_degraded"] = e.ticker.Degraded()
	return stats
}
