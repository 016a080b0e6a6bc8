package nightlysync

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/logfields"
	"github.com/LibertasSpZ/mathlib4-libertas/internal/syncerr"
)

const (
	defBackoffInitialInterval     = 5 * time.Second
	defBackoffRandomizationFactor = backoff.DefaultRandomizationFactor
)

// ErrRetryTimeout is returned by Retryer.Run when the retry timeout expired
// before the function succeeded.
var ErrRetryTimeout = errors.New("retry timeout expired")

// Retryer executes a function repeatedly until it was successful, it failed
// with an error that is not retryable or the retry timeout expired.
// A Retryer with a timeout of 0 executes functions exactly once.
type Retryer struct {
	logger                     *zap.Logger
	maxRetryTimeout            time.Duration
	backoffInitialInterval     time.Duration
	backoffRandomizationFactor float64
	shutdownChan               chan struct{}
}

func NewRetryer(maxRetryTimeout time.Duration) *Retryer {
	return &Retryer{
		logger:                     zap.L().Named("retryer"),
		maxRetryTimeout:            maxRetryTimeout,
		backoffInitialInterval:     defBackoffInitialInterval,
		backoffRandomizationFactor: defBackoffRandomizationFactor,
		shutdownChan:               make(chan struct{}),
	}
}

// Run executes fn until it was successful, it returned an error that does
// not wrap syncerr.RetryableError, the retry timeout expired or the
// execution was aborted via the context.
// The error of the last execution of fn is returned.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	if r.maxRetryTimeout <= 0 {
		return fn(ctx)
	}

	var tryCnt uint

	endTime := time.Now().Add(r.maxRetryTimeout)

	retryTimeout := time.NewTimer(r.maxRetryTimeout)
	defer retryTimeout.Stop()

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval
	bo.RandomizationFactor = r.backoffRandomizationFactor
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error

	for {
		tryCnt++
		logger := r.logger.With(logF...).With(zap.Uint("try_count", tryCnt))

		select {
		case <-ctx.Done():
			logger.Info(
				"execution cancelled",
				logfields.Event("retryer_execution_cancelled"),
			)

			return errors.Join(ctx.Err(), lastErr)

		case <-retryTimer.C:
			err := fn(ctx)
			if err == nil {
				if tryCnt > 1 {
					logger.Info(
						"execution succeeded after retries",
						logfields.Event("retryer_execution_succeeded"),
					)
				}

				return nil
			}

			lastErr = err
			logger = logger.With(zap.Error(err))

			if errors.Is(err, context.Canceled) {
				return err
			}

			retryError, ok := syncerr.AsRetryable(err)
			if !ok {
				logger.Debug(
					"execution failed, error is not retryable",
					logfields.Event("retryer_execution_failed"),
				)

				return err
			}

			if retryError.After.After(endTime) {
				logger.Warn(
					"execution failed, next possible retry time is after timeout expiration",
					logfields.Event("retryer_execution_failed"),
					zap.Time("earliest_allowed_retry", retryError.After),
				)

				return err
			}

			retryIn := retryError.Delay(time.Now(), bo.NextBackOff())

			retryTimer.Reset(retryIn)
			logger.Warn(
				"execution failed, retry scheduled",
				logfields.Event("retryer_retry_scheduled"),
				zap.Duration("retry_in", retryIn),
				zap.Duration("age", bo.GetElapsedTime()),
				zap.Duration("retry_timeout", r.maxRetryTimeout),
			)

		case <-retryTimeout.C:
			logger.Warn(
				"giving up retrying, retry timeout expired",
				logfields.Event("retryer_retry_timeout"),
				zap.Duration("retry_timeout", r.maxRetryTimeout),
			)

			return errors.Join(ErrRetryTimeout, lastErr)

		case <-r.shutdownChan:
			logger.Info(
				"retryer terminated, execution cancelled",
				logfields.Event("retryer_execution_cancelled_retryer_terminated"),
			)

			return errors.Join(context.Canceled, lastErr)
		}
	}
}

// Stop notifies all Run() methods to terminate.
// It does not wait for their termination.
func (r *Retryer) Stop() {
	r.logger.Debug("retryer terminating", logfields.Event("retryer_terminating"))

	select {
	case <-r.shutdownChan:
		return // already closed
	default:
		close(r.shutdownChan)
	}
}
