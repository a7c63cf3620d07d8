package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerline/internal/erp"
)

func newTestPolicy(maxAttempts int) (*Policy, *[]time.Duration) {
	p := New(maxAttempts, 100*time.Millisecond, time.Second, 1000)
	var slept []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return p, &slept
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	p, slept := newTestPolicy(4)
	attempts := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return erp.Transient(errors.New("erp unavailable"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Len(t, *slept, 2)
}

func TestDoSurfacesLastErrorOnExhaustion(t *testing.T) {
	p, _ := newTestPolicy(3)
	attempts := 0
	cause := erp.Transient(errors.New("still down"))
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return cause
	})
	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, cause)
}

func TestDoDoesNotRetryPermanent(t *testing.T) {
	p, slept := newTestPolicy(5)
	attempts := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return erp.Permanent(errors.New("bad request"))
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, *slept)
}

func TestBackoffCappedWithJitter(t *testing.T) {
	p := New(10, 100*time.Millisecond, time.Second, 1000)
	for attempt := 0; attempt < 10; attempt++ {
		d := p.backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	p := New(5, 100*time.Millisecond, time.Second, 1000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Do(ctx, func(ctx context.Context) error {
		return erp.Transient(errors.New("down"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}
