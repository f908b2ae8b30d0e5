// Package upstream holds the retry policy shared by outbound collaborator clients.
package upstream

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds the retries of a single outbound call.
type Policy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy retries twice starting at one second.
var DefaultPolicy = Policy{MaxRetries: 2, InitialInterval: time.Second, MaxInterval: 10 * time.Second}

// RetryableStatus reports whether an HTTP status is worth another attempt.
func RetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	exp.MaxElapsedTime = 0
	exp.Reset()

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// Retry runs fn until it succeeds, retryable rejects its error, retries run out or ctx ends.
// The last error of fn is returned unchanged.
func (p Policy) Retry(ctx context.Context, retryable func(error) bool, fn func() error) error {
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && (retryable == nil || !retryable(err)) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx))
}
