// Package sync is the local-first sync engine: it captures local writes into
// a durable outbox, pushes them through a provider, pulls and subscribes to
// remote changes, resolves conflicts per table and rebuilds the local dataset
// when a cursor becomes invalid.
package sync

import (
	"errors"
	"fmt"
	"time"

	"github.com/cybertec-postgresql/localsync/internal/retry"
)

// Config holds the engine-wide tunables
type Config struct {
	// BatchWindow is how long the outbox waits for more writes before a flush
	BatchWindow time.Duration
	// RetryDelays is the per-op retry schedule; the last delay repeats
	RetryDelays []time.Duration
	// MaxAttempts before sync:push:stalled is emitted. The op stays queued.
	MaxAttempts   int
	MaxQueueBytes int
	MaxBatchOps   int
	MaxBatchBytes int

	PullInterval         time.Duration
	PullPageSize         int
	SubscriptionDebounce time.Duration
	PurgeInterval        time.Duration
	// BackgroundFactor multiplies loop intervals while the host is backgrounded
	BackgroundFactor int
	// FlushTimeout bounds a flush that keeps running after Stop
	FlushTimeout time.Duration

	Now func() time.Time
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		BatchWindow:          250 * time.Millisecond,
		RetryDelays:          retry.DefaultSchedule(),
		MaxAttempts:          8,
		MaxQueueBytes:        8 << 20,
		MaxBatchOps:          100,
		MaxBatchBytes:        512 << 10,
		PullInterval:         30 * time.Second,
		PullPageSize:         500,
		SubscriptionDebounce: 50 * time.Millisecond,
		PurgeInterval:        10 * time.Minute,
		BackgroundFactor:     4,
		FlushTimeout:         30 * time.Second,
		Now:                  time.Now,
	}
}

// withDefaults fills every zero field from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchWindow <= 0 {
		c.BatchWindow = d.BatchWindow
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = d.RetryDelays
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.MaxQueueBytes <= 0 {
		c.MaxQueueBytes = d.MaxQueueBytes
	}
	if c.MaxBatchOps <= 0 {
		c.MaxBatchOps = d.MaxBatchOps
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = d.MaxBatchBytes
	}
	if c.PullInterval <= 0 {
		c.PullInterval = d.PullInterval
	}
	if c.PullPageSize <= 0 {
		c.PullPageSize = d.PullPageSize
	}
	if c.SubscriptionDebounce <= 0 {
		c.SubscriptionDebounce = d.SubscriptionDebounce
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = d.PurgeInterval
	}
	if c.BackgroundFactor <= 0 {
		c.BackgroundFactor = d.BackgroundFactor
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = d.FlushTimeout
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}

// Validate rejects settings the engine cannot run with
func (c Config) Validate() error {
	var errs []error
	for i, d := range c.RetryDelays {
		if d < 0 {
			errs = append(errs, fmt.Errorf("retry delay %d is negative", i))
		}
	}
	if c.MaxBatchBytes > c.MaxQueueBytes && c.MaxQueueBytes > 0 {
		errs = append(errs, fmt.Errorf("max batch bytes %d exceeds max queue bytes %d", c.MaxBatchBytes, c.MaxQueueBytes))
	}
	if c.BackgroundFactor < 0 {
		errs = append(errs, errors.New("background factor is negative"))
	}
	return errors.Join(errs...)
}

func (c Config) schedule() retry.Schedule {
	return retry.Schedule(c.RetryDelays)
}
