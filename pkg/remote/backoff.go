package remote

import (
	"context"
	"time"

	"github.com/jon9314/Odyssey/pkg/logging"
)

const maxBackoff = 30 * time.Second

// backoff retries transient failures with exponentially growing delays
type backoff struct {
	attempts int
	base     time.Duration
	logger   *logging.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func newBackoff(attempts int, base time.Duration, logger *logging.Logger) backoff {
	if attempts <= 0 {
		attempts = 1
	}
	if base <= 0 {
		base = time.Second
	}
	return backoff{attempts: attempts, base: base, logger: logger, sleep: sleepContext}
}

// delay returns the wait before attempt n+1
func (b backoff) delay(n int) time.Duration {
	d := b.base << (n - 1)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

// do calls fn until it succeeds, fails permanently or runs out of attempts
func (b backoff) do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= b.attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsTransient(err) || attempt == b.attempts {
			break
		}
		wait := b.delay(attempt)
		b.logger.Warnf("%s attempt %d/%d failed, retrying in %s: %v", op, attempt, b.attempts, wait, err)
		if sleepErr := b.sleep(ctx, wait); sleepErr != nil {
			return err
		}
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
