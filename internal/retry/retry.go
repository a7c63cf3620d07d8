// Package retry bounds outbound work with exponential backoff, jitter and a
// process-wide token bucket so that workers cannot stampede the ERP.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"ledgerline/internal/erp"
)

// Policy wraps a unit of work. The zero value is unusable; build with New.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Limiter     *rate.Limiter

	// sleep is swapped in tests.
	sleep func(context.Context, time.Duration) error
	rng   *rand.Rand
}

// New builds a Policy. The limiter is shared across all callers that hold
// the same Policy, which is how the outbound QPS cap stays process-wide.
func New(maxAttempts int, baseDelay, maxDelay time.Duration, qps float64) *Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	burst := int(math.Ceil(qps))
	if burst < 1 {
		burst = 1
	}
	return &Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		Limiter:     rate.NewLimiter(rate.Limit(qps), burst),
		sleep:       sleepCtx,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Do runs fn up to MaxAttempts times. Only errors classified transient are
// retried; the last error is surfaced on exhaustion. Retries never succeed
// silently with degraded output: fn either returns nil or the run fails.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var last error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if !erp.IsTransient(last) {
			return last
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		if err := p.sleep(ctx, p.backoff(attempt)); err != nil {
			return err
		}
	}
	return last
}

// backoff returns the delay before the next attempt: exponential on the
// attempt number, capped at MaxDelay, with full jitter.
func (p *Policy) backoff(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.rng != nil {
		d = p.rng.Float64() * d
	}
	return time.Duration(d)
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
