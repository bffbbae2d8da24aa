package detector

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// readStatus tags the outcome of a guarded observation call.
type readStatus int

const (
	// readOK means the call succeeded and its results are usable.
	readOK readStatus = iota
	// readRetry means this poll should be skipped and retried after a pause.
	readRetry
	// readGiveUp means the caller's context ended.
	readGiveUp
)

// retryPolicy bounds how often a stale read is repeated within one poll.
type retryPolicy struct {
	attempts int
	delay    time.Duration
}

func (p retryPolicy) normalized() retryPolicy {
	if p.attempts <= 0 {
		p.attempts = 1
	}
	if p.delay <= 0 {
		p.delay = 200 * time.Millisecond
	}
	return p
}

// guard runs fn under the policy. Stale faults are retried quietly; other
// errors are logged and reported as readRetry so the poll loop pauses.
func guard(ctx context.Context, clk Clock, log *zap.Logger, policy retryPolicy, op string, fn func(context.Context) error) readStatus {
	policy = policy.normalized()
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		switch {
		case err == nil:
			return readOK
		case ctx.Err() != nil:
			return readGiveUp
		case errors.Is(err, ErrStale):
			if attempt >= policy.attempts {
				log.Debug("stale read, skipping poll", zap.String("op", op), zap.Int("attempts", attempt))
				return readRetry
			}
			if clk.Sleep(ctx, policy.delay) != nil {
				return readGiveUp
			}
		default:
			log.Warn("observation failed", zap.String("op", op), zap.Error(err))
			return readRetry
		}
	}
}
