// Package retry provides common retry logic with exponential backoff for localsync.
package retry

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

// Config holds configuration for retry logic
type Config struct {
	MaxAttempts   uint64
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
}

// PostgreSQLDefaults returns sensible defaults for local PostgreSQL store operations
func PostgreSQLDefaults() *Config {
	return &Config{
		MaxAttempts:   10,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		JitterPercent: 10,
	}
}

// EtcdDefaults returns sensible defaults for etcd operations
func EtcdDefaults() *Config {
	return &Config{
		MaxAttempts:   15, // etcd can take longer to recover
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      1 * time.Minute,
		JitterPercent: 15, // Higher jitter for etcd
	}
}

// PullDefaults returns defaults for retrying a single pull page
func PullDefaults() *Config {
	return &Config{
		MaxAttempts:   3,
		BaseDelay:     250 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		JitterPercent: 10,
	}
}

// WithOperation performs a general operation with retry logic. Errors for
// which permanent returns true stop the retries immediately.
func WithOperation(ctx context.Context, config *Config, operation func() error, operationName string, permanent ...func(error) bool) error {
	backoff := config.CreateBackoff()
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := operation()
		if err != nil {
			for _, p := range permanent {
				if p(err) {
					return err
				}
			}
			logrus.WithError(err).
				WithField("operation", operationName).
				Warn("Operation failed, retrying...")
			return retry.RetryableError(err)
		}
		return nil
	})
}

// CreateBackoff creates a reusable backoff strategy from config
func (c *Config) CreateBackoff() retry.Backoff {
	backoff := retry.NewExponential(c.BaseDelay)
	backoff = retry.WithMaxRetries(c.MaxAttempts, backoff)
	backoff = retry.WithCappedDuration(c.MaxDelay, backoff)
	backoff = retry.WithJitterPercent(c.JitterPercent, backoff)
	return backoff
}

// Schedule is a fixed list of delays between attempts of an outbox op. Once
// the list is exhausted the last delay repeats.
type Schedule []time.Duration

// DefaultSchedule is the outbox retry schedule
func DefaultSchedule() Schedule {
	return Schedule{time.Second, 2 * time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second, time.Minute}
}

// Backoff adapts the schedule to a go-retry backoff
func (s Schedule) Backoff() retry.Backoff {
	i := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		if len(s) == 0 {
			return 0, true
		}
		d := s[min(i, len(s)-1)]
		i++
		return d, false
	})
}

// Delay returns the wait before the given attempt (1 based) is retried
func (s Schedule) Delay(attempt int) time.Duration {
	b := s.Backoff()
	var d time.Duration
	for i := 0; i < max(attempt, 1); i++ {
		next, stop := b.Next()
		if stop {
			return d
		}
		d = next
	}
	return d
}
