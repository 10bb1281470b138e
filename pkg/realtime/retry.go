package realtime

import (
	"errors"
	"math/rand"
	"time"
)

// Retryer decides when the manager retries after a fault.
type Retryer interface {
	// NextDelay returns the delay before retry attempt (0-based) and whether
	// to retry at all. lastErr is the fault that ended the previous attempt.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)

	// Reset is called after a successful connection.
	Reset()
}

// ServerRefused reports whether err is a fault the push server reported in an
// error frame, as opposed to a dropped connection or a failed dial.
func ServerRefused(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}

// ExponentialBackoffRetryer doubles (by Multiplier) the delay after each
// dropped connection, up to MaxDelay. Faults the server reported itself wait
// RefusedDelay regardless of the attempt.
type ExponentialBackoffRetryer struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// RefusedDelay is the delay after a ServerError. Zero selects MaxDelay.
	RefusedDelay time.Duration

	// MaxRetries caps the number of retries. Zero retries forever.
	MaxRetries int

	Jitter bool

	// JitterFactor spreads each delay by up to this fraction either way.
	JitterFactor float64
}

func NewExponentialBackoffRetryer() *ExponentialBackoffRetryer {
	return &ExponentialBackoffRetryer{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		JitterFactor: 0.3,
	}
}

func (r *ExponentialBackoffRetryer) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}

	delay := r.backoff(attempt)
	if ServerRefused(lastErr) {
		delay = r.RefusedDelay
		if delay <= 0 {
			delay = r.MaxDelay
		}
	}
	return r.jitter(delay), true
}

// backoff stops growing once the cap is reached, so large attempts cannot
// overflow.
func (r *ExponentialBackoffRetryer) backoff(attempt int) time.Duration {
	delay := float64(r.InitialDelay)
	limit := float64(r.MaxDelay)
	for i := 0; i < attempt && delay < limit; i++ {
		delay *= r.Multiplier
	}
	if limit > 0 && delay > limit {
		delay = limit
	}
	return time.Duration(delay)
}

func (r *ExponentialBackoffRetryer) jitter(delay time.Duration) time.Duration {
	if !r.Jitter || r.JitterFactor <= 0 {
		return delay
	}
	//nolint:gosec // jitter is not security sensitive
	spread := float64(delay) * r.JitterFactor * (2*rand.Float64() - 1)
	if jittered := delay + time.Duration(spread); jittered > 0 {
		return jittered
	}
	return r.InitialDelay
}

func (r *ExponentialBackoffRetryer) Reset() {}

// FixedDelayRetryer waits the same Delay after every fault.
type FixedDelayRetryer struct {
	Delay time.Duration

	// MaxRetries caps the number of retries. Zero retries forever.
	MaxRetries int
}

func NewFixedDelayRetryer(delay time.Duration, maxRetries int) *FixedDelayRetryer {
	return &FixedDelayRetryer{Delay: delay, MaxRetries: maxRetries}
}

func (r *FixedDelayRetryer) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	return r.Delay, true
}

func (r *FixedDelayRetryer) Reset() {}

// NoRetry never retries automatically; only Reconnect leaves the error state.
type NoRetry struct{}

func (NoRetry) NextDelay(int, error) (time.Duration, bool) { return 0, false }
func (NoRetry) Reset()                                     {}
