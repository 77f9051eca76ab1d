package aiclient

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/whisper-darkly/signalwatch/breaker"
)

// RetryConfig tunes the backoff schedule applied inside the breaker.
type RetryConfig struct {
	MaxRetries int
	Base       time.Duration
	MaxDelay   time.Duration
}

const (
	defaultMaxRetries = 3
	defaultBase       = time.Second
	defaultMaxDelay   = 30 * time.Second
	jitterFraction    = 0.10
)

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.Base <= 0 {
		c.Base = defaultBase
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	return c
}

// CompleteWithRetry wraps a single Complete call in the breaker, retrying
// on transient failures with exponential backoff plus jitter, per
// spec §4.8. HTTP 401/403 are terminal; HTTP 429 adds one extra backoff
// doubling before the next attempt.
func CompleteWithRetry(ctx context.Context, b *breaker.Breaker, client Client, systemPrompt, userPrompt string, cfg RetryConfig) (string, error) {
	cfg = cfg.withDefaults()

	var result string
	attempt := 0
	extraDoubling := 0

	for {
		err := b.Execute(ctx, func(ctx context.Context) error {
			out, cErr := client.Complete(ctx, systemPrompt, userPrompt)
			if cErr != nil {
				return cErr
			}
			result = out
			return nil
		})
		if err == nil {
			return result, nil
		}
		if errors.Is(err, breaker.ErrOpen) {
			return "", err
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			if statusErr.Terminal() {
				return "", err
			}
			if statusErr.RateLimited() {
				extraDoubling++
			}
		}

		attempt++
		if attempt > cfg.MaxRetries {
			return "", err
		}

		delay := backoffDelay(cfg, attempt+extraDoubling)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoffDelay implements base * 2^k for the k-th retry (k=0 on the
// first retry, so attempt=1 starts from base), capped at MaxDelay, plus
// up to jitterFraction of that delay as random jitter.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	d := cfg.Base << uint(attempt-1)
	if d > cfg.MaxDelay || d <= 0 {
		d = cfg.MaxDelay
	}
	jitter := time.Duration(float64(d) * jitterFraction * rand.Float64())
	return d + jitter
}
