// Package retry wraps an idempotent call with bounded retries and
// exponential backoff, per the archiver's HTTP retry contract.
package retry

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

const (
	// DefaultMaxAttempts is the number of attempts made before the last
	// error is propagated.
	DefaultMaxAttempts = 7
	// DefaultBaseDelay is the delay before the first retry; it doubles on
	// each subsequent attempt.
	DefaultBaseDelay = 2 * time.Second

	errAttemptsExhaustedFmt = "giving up after %d attempts"
)

// Classifier reports whether an error returned by the wrapped call should be
// retried. Errors for which Classifier returns false are propagated
// immediately.
type Classifier func(err error) bool

// Options configures Do.
type Options struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Defaults to DefaultMaxAttempts.
	MaxAttempts int
	// BaseDelay is the delay before the first retry. Defaults to
	// DefaultBaseDelay.
	BaseDelay time.Duration
	// Classifier decides whether a given error is retryable. Defaults to
	// DefaultClassifier.
	Classifier Classifier
}

// HTTPStatusError wraps an HTTP response status that was not in the 2xx
// range, so Classifier implementations can inspect it.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return errors.Errorf("unexpected status %d for %s", e.StatusCode, e.URL).Error()
}

// Retryable reports whether the status code should be retried: 5xx and 429
// are retryable, all other 4xx are not.
func (e *HTTPStatusError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// DefaultClassifier treats a non-retryable HTTPStatusError (a 4xx other
// than 429) as terminal. Every other error is retried: HTTPStatusError
// values for which Retryable() is true, network-transport errors
// (including timeouts), and any unclassified error.
func DefaultClassifier(err error) bool {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// An error that escaped net/http without being classified (e.g. a
	// connection reset) is treated as a transient transport failure.
	return true
}

// Do attempts fn, retrying on failures opts.Classifier marks as retryable,
// waiting opts.BaseDelay*2^(attempt-1) between attempts. It gives up after
// opts.MaxAttempts and returns the last error. Sleeping is cancelled by ctx.
func Do[T any](ctx context.Context, fn func(ctx context.Context) (T, error), opts Options) (T, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.Classifier == nil {
		opts.Classifier = DefaultClassifier
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = opts.BaseDelay
	eb.Multiplier = 2
	// Exact BaseDelay*2^(attempt-1): no jitter and no cap on the doubling.
	eb.RandomizationFactor = 0
	eb.MaxInterval = time.Duration(1<<63 - 1)
	eb.MaxElapsedTime = 0 // bounded by MaxRetries below, not wall-clock

	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(opts.MaxAttempts-1)), ctx)

	var (
		result  T
		lastErr error
		ran     int
	)
	operation := func() error {
		ran++
		r, err := fn(ctx)
		if err == nil {
			result = r
			return nil
		}
		lastErr = err
		if !opts.Classifier(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(operation, bo); err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok { //nolint:errorlint // backoff returns this concrete type
			return result, perm.Err
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, errors.Wrapf(lastErr, errAttemptsExhaustedFmt, ran)
	}
	return result, nil
}
