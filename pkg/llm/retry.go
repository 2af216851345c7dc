package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/harunnryd/bondcast/pkg/errorsx"
	"github.com/harunnryd/bondcast/pkg/resilience"
)

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	IsRetryable func(error) bool
	// Sleep waits between attempts; it must return early when ctx ends.
	Sleep func(ctx context.Context, d time.Duration) error
}

func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) (Response, error)) (Response, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = DefaultIsRetryable
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	var lastErr error
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < cfg.MaxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		resp, err := fn(ctx)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		lastErr = err
		if !cfg.IsRetryable(err) || i == cfg.MaxAttempts-1 {
			break
		}
		if err := cfg.Sleep(ctx, backoffDelay(cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter, i, r)); err != nil {
			return Response{}, err
		}
	}
	return Response{}, fmt.Errorf("llm retry failed: %w", lastErr)
}

// DefaultIsRetryable retries transport-level failures only. Cancellation,
// empty completions and an open breaker are final for the turn.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errorsx.IsCanceled(err):
		return false
	case errors.Is(err, ErrEmptyCompletion), errors.Is(err, resilience.ErrCircuitOpen):
		return false
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDelay(base, max time.Duration, jitter float64, attempt int, r *rand.Rand) time.Duration {
	pow := math.Pow(2, float64(attempt))
	d := time.Duration(float64(base) * pow)
	if d > max {
		d = max
	}
	if jitter > 0 {
		j := time.Duration(float64(d) * jitter * r.Float64())
		return d + j
	}
	return d
}
