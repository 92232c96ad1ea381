package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyError struct{}

func (flakyError) Error() string { return "flaky" }

func TestDo_SucceedsWithinBudget(t *testing.T) {
	const failures = 3
	var calls int
	got, err := Do(context.Background(), func(context.Context) (string, error) {
		calls++
		if calls <= failures {
			return "", flakyError{}
		}
		return "ok", nil
	}, Options{MaxAttempts: 7, BaseDelay: time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, failures+1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	var calls int
	_, err := Do(context.Background(), func(context.Context) (string, error) {
		calls++
		return "", flakyError{}
	}, Options{MaxAttempts: 4, BaseDelay: time.Millisecond})

	require.Error(t, err)
	assert.Equal(t, 4, calls)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	var calls int
	_, err := Do(context.Background(), func(context.Context) (string, error) {
		calls++
		return "", &HTTPStatusError{StatusCode: 404, URL: "https://example.test/x"}
	}, Options{MaxAttempts: 7, BaseDelay: time.Millisecond})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_Retries429And5xx(t *testing.T) {
	codes := []int{429, 500, 503}
	for _, code := range codes {
		calls := 0
		_, err := Do(context.Background(), func(context.Context) (string, error) {
			calls++
			if calls < 2 {
				return "", &HTTPStatusError{StatusCode: code, URL: "https://example.test/x"}
			}
			return "ok", nil
		}, Options{MaxAttempts: 3, BaseDelay: time.Millisecond})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	}
}

func TestDo_CancellationPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, func(context.Context) (string, error) {
		return "", flakyError{}
	}, Options{MaxAttempts: 7, BaseDelay: time.Millisecond})
	require.Error(t, err)
}
