package exchange

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig controls the placement/query retry loop.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
}

// DefaultRetryConfig is 3 attempts at 0.5s, 1s, 2s between them.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
	}
}

// WithRetry runs op with exponential backoff. Only retryable errors loop;
// permanent failures and context cancellation return immediately.
func WithRetry(ctx context.Context, cfg RetryConfig, label string, op func() error) error {
	delay := cfg.InitialDelay
	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt == cfg.MaxAttempts {
			return err
		}
		log.Warn().Err(err).Str("op", label).Int("attempt", attempt).
			Dur("backoff", delay).Msg("Retrying exchange call")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
	}
	return err
}

// IsRetryable classifies an error as transient. Ambiguous placements and
// permanent rejections are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOrderAmbiguous) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrUnknownSymbol) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrExchangeUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"timeout", "connection refused", "connection reset",
		"too many requests", "rate limit", "service unavailable", "502", "503", "504"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
