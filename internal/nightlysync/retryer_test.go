package nightlysync

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/syncerr"
)

func TestRetryerWithoutTimeoutRunsOnce(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := NewRetryer(0)
	t.Cleanup(r.Stop)

	var calls int
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		return syncerr.NewRetryableAnytimeError(errors.New("err"))
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryerTimeout(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := NewRetryer(time.Second)
	r.backoffInitialInterval = 100 * time.Millisecond
	t.Cleanup(r.Stop)

	start := time.Now()
	err := r.Run(context.Background(), func(context.Context) error {
		return syncerr.NewRetryableAnytimeError(errors.New("err"))
	}, nil)

	assert.ErrorIs(t, err, ErrRetryTimeout)
	assert.True(t, syncerr.IsRetryable(err), "last error is not returned")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRetryerStopsOnNonRetryableError(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := NewRetryer(time.Minute)
	r.backoffInitialInterval = 10 * time.Millisecond
	t.Cleanup(r.Stop)

	var calls int
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return syncerr.NewRetryableAnytimeError(errors.New("503"))
		}

		return syncerr.New(syncerr.KindTagPublish, errors.New("permission denied"))
	}, nil)

	assert.ErrorIs(t, err, syncerr.ErrTagPublish)
	assert.Equal(t, 3, calls)
}

func TestRetryerSucceedsAfterRetry(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := NewRetryer(time.Minute)
	r.backoffInitialInterval = 10 * time.Millisecond
	t.Cleanup(r.Stop)

	var calls int
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return syncerr.NewRetryableAnytimeError(errors.New("503"))
		}

		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryAfterBeyondTimeoutIsNotRetried(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := NewRetryer(time.Second)
	t.Cleanup(r.Stop)

	var calls int
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		return syncerr.NewRetryableError(errors.New("rate limited"), time.Now().Add(time.Hour))
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryAfterInThePast(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := NewRetryer(time.Minute)
	r.backoffInitialInterval = 100 * time.Millisecond
	t.Cleanup(r.Stop)

	ctx, cancelFunc := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelFunc()

	var retryTimes []time.Time

	err := r.Run(ctx, func(context.Context) error {
		retryTimes = append(retryTimes, time.Now())
		return syncerr.NewRetryableError(errors.New("err"), time.Now().Add(-time.Second))
	}, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.GreaterOrEqual(t, len(retryTimes), 2)

	for i := 1; i < len(retryTimes); i++ {
		d := retryTimes[i].Sub(retryTimes[i-1])
		require.GreaterOrEqualf(t, d, minInterval(r),
			"time between retry %d and %d is %s, expected >=%s",
			i-1, i, d, minInterval(r),
		)
	}
}

func TestRetryerStop(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := NewRetryer(time.Minute)
	r.backoffInitialInterval = time.Hour

	done := make(chan error)
	go func() {
		done <- r.Run(context.Background(), func(context.Context) error {
			return syncerr.NewRetryableAnytimeError(errors.New("err"))
		}, nil)
	}()

	time.Sleep(50 * time.Millisecond)
	r.Stop()
	r.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func minInterval(retryer *Retryer) time.Duration {
	return time.Duration(math.Floor(float64(retryer.backoffInitialInterval) * (1 - retryer.backoffRandomizationFactor)))
}
