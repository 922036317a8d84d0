// Package retry runs an operation under an exponential backoff policy. The
// retried function receives a Context carrying the attempt count and elapsed
// time, and can abort retrying by returning Bail(err). Delay computation
// (growth and jitter) is delegated to github.com/cenkalti/backoff.
package retry

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config for the retry policy. Zero values are replaced with the defaults.
type Config struct {
	// Number of retries after the initial attempt.
	Retries int
	// Delay before the first retry.
	Initial time.Duration
	// Cap on the delay between retries.
	Max time.Duration
	// Growth factor of the delay.
	Multiplier float64
	// Randomization factor applied to every delay, 0.2 means +/-20%.
	Jitter float64
}

const (
	DefaultRetries    = 5
	DefaultInitial    = 300 * time.Millisecond
	DefaultMax        = 30 * time.Second
	DefaultMultiplier = 2
	DefaultJitter     = 0.2
)

func (c Config) withDefaults() Config {
	if c.Retries == 0 {
		c.Retries = DefaultRetries
	}
	if c.Initial == 0 {
		c.Initial = DefaultInitial
	}
	if c.Max == 0 {
		c.Max = DefaultMax
	}
	if c.Multiplier == 0 {
		c.Multiplier = DefaultMultiplier
	}
	if c.Jitter == 0 {
		c.Jitter = DefaultJitter
	}
	return c
}

// Context is passed to the retried function. One instance per Do call; the
// driver owns it, the function only reads it.
type Context struct {
	// Attempt number, 0 on the initial attempt.
	Attempt int
	start   time.Time
}

// Elapsed time since the first attempt started.
func (c *Context) Elapsed() time.Duration {
	return time.Since(c.start)
}

type bailError struct {
	err error
}

func (b *bailError) Error() string { return b.err.Error() }
func (b *bailError) Unwrap() error { return b.err }

// Bail wraps err so that Do stops retrying and returns err unchanged.
func Bail(err error) error {
	return &bailError{err: err}
}

// Do runs fn until it succeeds, bails, or the retry budget is exhausted.
// Returns nil on success, the bailed error on bail, and the last error on
// exhaustion. Sleeps through backoff delays; cancellation is the caller's
// business (the runner checks its running flag inside fn).
func Do(cfg Config, fn func(*Context) error) error {
	cfg = cfg.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Initial
	b.MaxInterval = cfg.Max
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.Jitter
	b.MaxElapsedTime = 0 // retry count is the budget, not wall clock
	b.Reset()
	c := &Context{start: time.Now()}
	for {
		err := fn(c)
		if err == nil {
			return nil
		}
		var bail *bailError
		if errors.As(err, &bail) {
			return bail.err
		}
		if c.Attempt >= cfg.Retries {
			return err
		}
		time.Sleep(b.NextBackOff())
		c.Attempt++
	}
}
