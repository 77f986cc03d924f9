// Package client holds the caller side of the deposit status flow: a bounded
// fixed-interval poller and an HTTP client for the status endpoint.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/punchamoorthee/ledgercore/internal/domain"
)

// ErrPollTimeout is returned when every attempt ran without reaching a result.
var ErrPollTimeout = errors.New("polling attempts exhausted")

type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

// Poll calls check at a fixed interval until it reports done, returns an
// error that is not worth retrying, the context ends, or MaxAttempts calls
// have been made. Upstream-unavailable errors are retried; the last value
// seen is returned alongside ErrPollTimeout.
func Poll[T any](ctx context.Context, cfg PollConfig, check func(ctx context.Context) (value T, done bool, err error)) (T, error) {
	var last T
	if cfg.MaxAttempts <= 0 {
		return last, fmt.Errorf("max attempts must be positive")
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		v, done, err := check(ctx)
		switch {
		case err == nil:
			last, lastErr = v, nil
			if done {
				return v, nil
			}
		case errors.Is(err, domain.ErrUpstreamUnavailable):
			lastErr = err
		default:
			return v, err
		}

		if attempt == cfg.MaxAttempts {
			break
		}
		timer := time.NewTimer(cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, ctx.Err()
		case <-timer.C:
		}
	}

	if lastErr != nil {
		return last, fmt.Errorf("%w after %d attempts: %w", ErrPollTimeout, cfg.MaxAttempts, lastErr)
	}
	return last, fmt.Errorf("%w after %d attempts", ErrPollTimeout, cfg.MaxAttempts)
}
