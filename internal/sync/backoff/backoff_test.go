package backoff

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBaseDelay_DoublesUntilCap(t *testing.T) {
	c := New(Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second, MaxAttempts: 5}, nil)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{60, 10 * time.Second},
		{1 << 20, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.BaseDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

// TestNextDelay_JitterBounds verifies jitter stays within [0, 0.2*delay].
func TestNextDelay_JitterBounds(t *testing.T) {
	c := New(DefaultConfig(), rand.NewPCG(1, 2))
	for attempt := 0; attempt < 12; attempt++ {
		base := c.BaseDelay(attempt)
		for i := 0; i < 200; i++ {
			d := c.NextDelay(attempt)
			assert.GreaterOrEqual(t, d, base)
			assert.LessOrEqual(t, d, base+base/5)
		}
	}
}

// TestNextDelay_Monotonic verifies delays never shrink as attempts grow, jitter included.
func TestNextDelay_Monotonic(t *testing.T) {
	for seed := uint64(0); seed < 50; seed++ {
		c := New(Config{BaseDelay: 500 * time.Millisecond, MaxDelay: time.Minute, MaxAttempts: 10, JitterFraction: 0.2},
			rand.NewPCG(seed, seed+1))
		prev := time.Duration(0)
		for attempt := 0; attempt < 20; attempt++ {
			base := c.BaseDelay(attempt)
			d := c.NextDelay(attempt)
			if base < time.Minute {
				assert.GreaterOrEqual(t, d, prev, "seed %d attempt %d", seed, attempt)
			}
			prev = d
		}
	}
}

func TestNextDelay_Deterministic(t *testing.T) {
	a := New(DefaultConfig(), rand.NewPCG(7, 7))
	b := New(DefaultConfig(), rand.NewPCG(7, 7))
	for i := 0; i < 5; i++ {
		assert.Equal(t, a.NextDelay(i), b.NextDelay(i))
	}
}

func TestIsTerminal(t *testing.T) {
	c := New(DefaultConfig(), nil)
	assert.False(t, c.IsTerminal(0))
	assert.False(t, c.IsTerminal(4))
	assert.True(t, c.IsTerminal(5))
	assert.True(t, c.IsTerminal(6))
}

func TestDecide(t *testing.T) {
	c := New(Config{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 3}, nil)

	v := c.Decide(1)
	assert.False(t, v.Terminal)
	assert.Equal(t, time.Second, v.Delay)

	v = c.Decide(2)
	assert.False(t, v.Terminal)
	assert.Equal(t, 2*time.Second, v.Delay)

	v = c.Decide(3)
	assert.True(t, v.Terminal)
	assert.Zero(t, v.Delay)
}

func TestNew_Defaults(t *testing.T) {
	c := New(Config{}, nil)
	cfg := c.Config()
	assert.Equal(t, 2*time.Second, cfg.BaseDelay)
	assert.Equal(t, 2*time.Second, cfg.MaxDelay)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Zero(t, cfg.JitterFraction)
}
