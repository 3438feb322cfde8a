package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonfund/halcyon/internal/config"
)

func testEngineConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Mode:            "paper",
		PaperBalanceUSD: 10000,
		Symbols:         []string{"BTC/USD"},
		Timezone:        "UTC",
		DataDir:         t.TempDir(),
		Exchange: config.ExchangeConfig{
			RestURL:            "https://api.kraken.com",
			WSURL:              "wss://ws.kraken.com/v2",
			WSMaxFailures:      5,
			RestPollSeconds:    5,
			LimitExpiryMinutes: 60,
		},
		Strategy: config.StrategyConfig{Name: "baseline"},
		Risk: config.RiskConfig{
			MaxPositionPct:       0.25,
			MaxPositions:         5,
			MaxTradePct:          0.10,
			DefaultTradePct:      0.05,
			MaxDailyLossPct:      0.06,
			MaxDailyTrades:       20,
			MaxDrawdownPct:       0.20,
			RollbackDailyLossPct: 0.15,
			DefaultStopLossPct:   0.05,
			DefaultTakeProfitPct: 0.10,
			MinNotionalUSD:       1,
		},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestRegisteredJobCadences(t *testing.T) {
	e, err := New(testEngineConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.store.Close() })

	e.registerJobs()

	cadence := map[string]time.Duration{}
	daily := map[string][2]int{}
	for _, job := range e.sched.jobs {
		if job.Every > 0 {
			cadence[job.Name] = job.Every
		} else {
			daily[job.Name] = [2]int{job.AtHour, job.AtMinute}
		}
	}

	assert.Equal(t, 24*time.Hour, cadence["fee-refresh"], "fee tiers refresh daily")
	assert.Equal(t, 30*time.Second, cadence["monitor"])
	assert.Equal(t, [2]int{23, 55}, daily["daily-snapshot"])
	assert.Positive(t, cadence["scan"])
}
