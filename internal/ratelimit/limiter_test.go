package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := NewLimiter(1, 3, clk.Now)

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow(), "burst token %d", i)
	}
	assert.False(t, l.Allow())

	clk.Advance(1500 * time.Millisecond)
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
	assert.InDelta(t, 0.5, l.Tokens(), 0.001)
}

func TestLimiter_RefillCapsAtBurst(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := NewLimiter(10, 2, clk.Now)
	clk.Advance(time.Hour)
	assert.InDelta(t, 2, l.Tokens(), 0.001)
	assert.False(t, l.AllowN(3))
	assert.True(t, l.AllowN(2))
}

func TestLimiter_BurstFloor(t *testing.T) {
	l := NewLimiter(1, 0, nil)
	assert.True(t, l.Allow())
}

func TestKeyed_IsolatesKeys(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	k := NewKeyed(0.5, 1, clk.Now)

	assert.True(t, k.Allow("home"))
	assert.False(t, k.Allow("home"))
	assert.True(t, k.Allow("club"))

	clk.Advance(2 * time.Second)
	assert.True(t, k.Allow("home"))
	assert.True(t, k.Allow("club"))

	assert.False(t, k.Allow("club"))
	k.Reset("club")
	assert.True(t, k.Allow("club"))
}

func TestKeyed_DisabledAllowsEverything(t *testing.T) {
	k := NewKeyed(0, 1, nil)
	for i := 0; i < 100; i++ {
		require.True(t, k.Allow("home"))
	}
	var nilKeyed *Keyed
	assert.True(t, nilKeyed.Allow("home"))
}
