// internal/actions/retry.go
package actions

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/flowflex/stagecondition/internal/types"
)

// RetryPolicy is a capped exponential backoff without jitter.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64
}

// DefaultRetryPolicy returns 3 attempts starting at 500ms, doubling, capped
// at 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  types.DefaultMaxRetryAttempts,
		BaseDelay: types.DefaultRetryBaseDelay,
		MaxDelay:  types.DefaultRetryMaxDelay,
		Factor:    types.DefaultRetryBackoffFactor,
	}
}

// Delay returns the wait before retry n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < n; i++ {
		d *= p.factor()
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p RetryPolicy) factor() float64 {
	if p.Factor < 1 {
		return 1
	}
	return p.Factor
}

// Do calls op until it succeeds, the attempts are exhausted or ctx ends.
// notify, when non-nil, observes every failed attempt that will be retried.
// It returns the number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error, notify func(error, time.Duration)) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = p.factor()
	if p.MaxDelay > 0 {
		eb.MaxInterval = p.MaxDelay
	}
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	made := 0
	err := backoff.RetryNotify(func() error {
		made++
		return op(ctx)
	}, b, notify)
	return made, err
}
