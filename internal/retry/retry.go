// Package retry runs an action with bounded exponential backoff, retrying
// only the failures a classifier accepts.
package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
)

// Action is one attempt. attempt starts at 1.
type Action func(ctx context.Context, attempt int) error

type Scheduler struct {
	maxRetries uint64
	baseDelay  time.Duration
	retryable  func(error) bool
	onRetry    func(attempt int, err error)
}

type Option func(*Scheduler)

// WithRetryHook is called after each failed attempt that will be retried.
func WithRetryHook(fn func(attempt int, err error)) Option {
	return func(s *Scheduler) { s.onRetry = fn }
}

// NewScheduler retries up to maxRetries times after the first attempt,
// waiting baseDelay, 2*baseDelay, 4*baseDelay... between attempts.
func NewScheduler(maxRetries int, baseDelay time.Duration, retryable func(error) bool, opts ...Option) *Scheduler {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	s := &Scheduler{
		maxRetries: uint64(maxRetries),
		baseDelay:  baseDelay,
		retryable:  retryable,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run drives action until it succeeds, fails permanently, runs out of
// retries or ctx is done. It returns the number of attempts made and the
// last error observed; on exhaustion that is the action's own error.
func (s *Scheduler) Run(ctx context.Context, action Action) (int, error) {
	backoff := goretry.WithMaxRetries(s.maxRetries, goretry.NewExponential(s.baseDelay))

	attempts := 0
	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := action(ctx, attempts)
		if err == nil {
			return nil
		}
		if s.retryable == nil || !s.retryable(err) {
			return err
		}
		if s.onRetry != nil && uint64(attempts) <= s.maxRetries {
			s.onRetry(attempts, err)
		}
		return goretry.RetryableError(err)
	})
	return attempts, err
}
