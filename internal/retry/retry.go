// Package retry implements the retry policies of queries and mutations.
//
// Failures carrying a 4xx status are permanent and never retried. Anything
// else (transport failures, 5xx) is retried with exponential backoff:
// min(initial * 2^attempt, max), without jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// StatusError is returned when a fetch completes with a non-success HTTP status
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// StatusCode returns the HTTP status carried by err, if any
func StatusCode(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode, true
	}
	return 0, false
}

// IsClientError reports whether err carries a 4xx status
func IsClientError(err error) bool {
	code, ok := StatusCode(err)
	return ok && code >= 400 && code < 500
}

// Policy describes how often and how fast a failed operation is retried
type Policy struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// OnRetry is called before each retry, optional
	OnRetry func(err error, wait time.Duration)
}

// QueryPolicy retries reads up to 3 times
func QueryPolicy() Policy {
	return Policy{MaxRetries: 3, InitialBackoff: time.Second, MaxBackoff: 30 * time.Second}
}

// MutationPolicy retries side-effecting writes at most once
func MutationPolicy() Policy {
	return Policy{MaxRetries: 1, InitialBackoff: time.Second, MaxBackoff: 30 * time.Second}
}

// Backoff returns the wait before retry number attempt (0-based)
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Do runs op, retrying failures according to the policy.
// The last error is returned once retries are exhausted.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	return backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err != nil && IsClientError(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, p.backOff(ctx), func(err error, wait time.Duration) {
		logrus.Debugf("Attempt %d failed, retrying in %s: %v", attempt, wait, err)
		if p.OnRetry != nil {
			p.OnRetry(err, wait)
		}
	})
}
