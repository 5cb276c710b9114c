// Package backoff decides when a failed delivery may be retried and when it
// has failed for good.
package backoff

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Config holds the retry policy.
type Config struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the exponential delay before jitter is added.
	MaxDelay time.Duration
	// MaxAttempts is the attempt count at which a failure becomes terminal.
	MaxAttempts int
	// JitterFraction scales the random extra delay, uniform in [0, delay*JitterFraction].
	JitterFraction float64
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		BaseDelay:      2 * time.Second,
		MaxDelay:       5 * time.Minute,
		MaxAttempts:    5,
		JitterFraction: 0.2,
	}
}

// Controller computes retry delays. It is safe for concurrent use.
type Controller struct {
	cfg Config

	mu  sync.Mutex
	rnd *rand.Rand
}

// New creates a Controller. A nil src uses a randomly seeded source.
func New(cfg Config, src rand.Source) *Controller {
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Controller{cfg: cfg, rnd: rand.New(src)}
}

// Config returns the effective policy.
func (c *Controller) Config() Config {
	return c.cfg
}

// BaseDelay returns min(BaseDelay * 2^attemptCount, MaxDelay) without jitter.
func (c *Controller) BaseDelay(attemptCount int) time.Duration {
	if attemptCount < 0 {
		attemptCount = 0
	}
	d := c.cfg.BaseDelay
	for i := 0; i < attemptCount && d < c.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > c.cfg.MaxDelay {
		d = c.cfg.MaxDelay
	}
	return d
}

// NextDelay returns the capped exponential delay plus jitter.
func (c *Controller) NextDelay(attemptCount int) time.Duration {
	d := c.BaseDelay(attemptCount)
	if c.cfg.JitterFraction == 0 {
		return d
	}
	c.mu.Lock()
	f := c.rnd.Float64()
	c.mu.Unlock()
	return d + time.Duration(f*c.cfg.JitterFraction*float64(d))
}

// IsTerminal reports whether attemptCount has reached the attempt limit.
func (c *Controller) IsTerminal(attemptCount int) bool {
	return attemptCount >= c.cfg.MaxAttempts
}

// Verdict is the outcome of a failed attempt.
type Verdict struct {
	Terminal bool
	Delay    time.Duration
}

// Decide classifies a failure given the attempt count after recording it.
// The delay is computed from the count before the failure, so the first
// retry waits about BaseDelay.
func (c *Controller) Decide(attemptsAfterFailure int) Verdict {
	if c.IsTerminal(attemptsAfterFailure) {
		return Verdict{Terminal: true}
	}
	return Verdict{Delay: c.NextDelay(attemptsAfterFailure - 1)}
}
