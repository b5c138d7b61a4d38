package tg

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"
)

const (
	maxAttempts    = 5
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 10 * time.Second
)

// do runs one RPC against the account-wide rate budget and retries it.
// FLOOD_WAIT sleeps exactly what the server asked for (plus a second of
// slack) and does not burn an attempt; the throttle is part of normal
// operation, not a failure. Not-found surfaces immediately. Everything
// else gets capped exponential backoff with jitter.
func (a *Adapter) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		if d, ok := tgerr.AsFloodWait(err); ok {
			wait := &RateLimitedError{RetryAfter: d + time.Second}
			a.log.Warn("server throttled, pausing",
				zap.String("op", op),
				zap.Duration("retry_after", wait.RetryAfter))
			if serr := a.sleep(ctx, wait.RetryAfter); serr != nil {
				return serr
			}
			attempt--
			continue
		}
		if isNotFound(err) {
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt >= maxAttempts {
			return &TransientError{Op: op, Attempts: attempt, Err: err}
		}

		// Half the backoff fixed, half jittered.
		delay := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2)+1))
		a.log.Debug("rpc failed, backing off",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if serr := a.sleep(ctx, delay); serr != nil {
			return serr
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
