package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/dgallion1/docanalyst/internal/docerr"
)

// Backoff returns a duration for attempt n (0-indexed) with jitter.
func Backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * time.Second
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Int64N(int64(base) / 2))
	return base + jitter
}

// retrier re-runs provider-bound operations that fail with a retryable
// error (docerr.IsRetryable), sleeping with backoff between attempts.
type retrier struct {
	max     int
	backoff func(attempt int) time.Duration
	log     *slog.Logger
}

func (r retrier) do(ctx context.Context, op string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !retryable(err) || attempt >= r.max {
			return err
		}
		r.log.Warn("retryable provider error", "op", op, "attempt", attempt, "error", err)
		select {
		case <-time.After(r.backoff(attempt)):
		case <-ctx.Done():
			return err
		}
	}
}

// retryable narrows docerr.IsRetryable: a provider that reports its
// failure as permanent (a 4xx other than 429) is not retried.
func retryable(err error) bool {
	var t interface{ Transient() bool }
	if errors.As(err, &t) && !t.Transient() {
		return false
	}
	return docerr.IsRetryable(err)
}
