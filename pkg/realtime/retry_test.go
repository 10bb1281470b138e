package realtime

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoffRetryer(t *testing.T) {
	t.Run("default configuration", func(t *testing.T) {
		retryer := NewExponentialBackoffRetryer()

		delay, shouldRetry := retryer.NextDelay(0, nil)
		assert.True(t, shouldRetry)
		assert.GreaterOrEqual(t, delay, 700*time.Millisecond)
		assert.LessOrEqual(t, delay, 1300*time.Millisecond)

		delay, shouldRetry = retryer.NextDelay(2, nil)
		assert.True(t, shouldRetry)
		assert.GreaterOrEqual(t, delay, 2800*time.Millisecond)
		assert.LessOrEqual(t, delay, 5200*time.Millisecond)

		delay, shouldRetry = retryer.NextDelay(20, nil)
		assert.True(t, shouldRetry, "retries forever by default")
		assert.LessOrEqual(t, delay, 39*time.Second)
	})

	t.Run("without jitter", func(t *testing.T) {
		retryer := &ExponentialBackoffRetryer{
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     1 * time.Second,
			Multiplier:   2.0,
		}

		want := []time.Duration{
			100 * time.Millisecond,
			200 * time.Millisecond,
			400 * time.Millisecond,
			800 * time.Millisecond,
			1 * time.Second,
			1 * time.Second,
		}
		for attempt, w := range want {
			delay, shouldRetry := retryer.NextDelay(attempt, nil)
			assert.True(t, shouldRetry)
			assert.Equal(t, w, delay, "attempt %d", attempt)
		}
	})

	t.Run("with max retries", func(t *testing.T) {
		retryer := &ExponentialBackoffRetryer{
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
			MaxRetries:   3,
		}

		for attempt := 0; attempt < 3; attempt++ {
			_, shouldRetry := retryer.NextDelay(attempt, nil)
			assert.True(t, shouldRetry)
		}
		_, shouldRetry := retryer.NextDelay(3, nil)
		assert.False(t, shouldRetry)
	})
}

func TestExponentialBackoffRetryerServerRefusal(t *testing.T) {
	retryer := &ExponentialBackoffRetryer{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
	refused := fmt.Errorf("channel fault: %w", &ServerError{Message: "invalid token"})
	dropped := errors.New("unexpected EOF")

	assert.True(t, ServerRefused(refused))
	assert.False(t, ServerRefused(dropped))
	assert.False(t, ServerRefused(nil))

	delay, shouldRetry := retryer.NextDelay(0, dropped)
	assert.True(t, shouldRetry)
	assert.Equal(t, 100*time.Millisecond, delay)

	delay, shouldRetry = retryer.NextDelay(0, refused)
	assert.True(t, shouldRetry)
	assert.Equal(t, 5*time.Second, delay, "a refusal waits the ceiling from the first attempt")

	retryer.RefusedDelay = 2 * time.Second
	delay, _ = retryer.NextDelay(0, refused)
	assert.Equal(t, 2*time.Second, delay)

	retryer.MaxRetries = 1
	_, shouldRetry = retryer.NextDelay(1, refused)
	assert.False(t, shouldRetry)

	delay, _ = (&ExponentialBackoffRetryer{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
	}).NextDelay(5000, dropped)
	assert.Equal(t, time.Minute, delay, "very large attempts stay at the cap")
}

func TestFixedDelayRetryer(t *testing.T) {
	retryer := NewFixedDelayRetryer(50*time.Millisecond, 2)

	delay, shouldRetry := retryer.NextDelay(0, nil)
	assert.True(t, shouldRetry)
	assert.Equal(t, 50*time.Millisecond, delay)

	delay, shouldRetry = retryer.NextDelay(1, nil)
	assert.True(t, shouldRetry)
	assert.Equal(t, 50*time.Millisecond, delay)

	_, shouldRetry = retryer.NextDelay(2, nil)
	assert.False(t, shouldRetry)

	unlimited := NewFixedDelayRetryer(time.Second, 0)
	_, shouldRetry = unlimited.NextDelay(1000, nil)
	assert.True(t, shouldRetry)
}

func TestNoRetry(t *testing.T) {
	_, shouldRetry := NoRetry{}.NextDelay(0, nil)
	assert.False(t, shouldRetry)
}
