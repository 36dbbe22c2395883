package ingest

import (
	"context"
	"math/rand"
	"time"

	"github.com/zakupai/etl/internal/faults"
)

// RetryPolicy retries transient stage failures with exponential
// backoff. Non-retriable kinds fail immediately.
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries int

	// BaseDelay is the first backoff delay.
	BaseDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration
}

// DefaultRetryPolicy matches the ingest defaults: two retries,
// 500ms doubling to an 8s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}
}

// Do runs fn, retrying retriable failures per the policy. The last
// error is returned when attempts are exhausted. OCR failures get at
// most one retry regardless of MaxRetries.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := p.BaseDelay
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.retriesFor(err) || !faults.Retriable(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return faults.Wrap(faults.KindCancelled, ctx.Err())
		case <-time.After(jitter(delay)):
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

// retriesFor caps retries per failure kind: ocr_failed is retried at
// most once.
func (p RetryPolicy) retriesFor(err error) int {
	if faults.KindOf(err) == faults.KindOCRFailed && p.MaxRetries > 1 {
		return 1
	}
	return p.MaxRetries
}

// jitter spreads a delay by ±20% so workers retrying against the same
// dependency do not stampede it in lockstep.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}
