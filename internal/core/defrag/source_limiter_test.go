package defrag

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceLimiterDisabled(t *testing.T) {
	assert.Nil(t, NewSourceLimiter(SourceLimiterConfig{}))
}

func TestSourceLimiterBudgetPerSource(t *testing.T) {
	l := NewSourceLimiter(SourceLimiterConfig{PerSource: 3, Window: time.Second})
	require.NotNil(t, l)
	src := netip.MustParseAddr("10.0.0.1")
	other := netip.MustParseAddr("10.0.0.2")
	now := time.Unix(1000, 0)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(src, now), "fragment %d", i)
	}
	assert.False(t, l.Allow(src, now))
	assert.True(t, l.Allow(other, now), "other source has its own budget")
	assert.Equal(t, int64(1), l.Rejected())
	assert.Equal(t, 2, l.ActiveSources())
}

func TestSourceLimiterWindowIsFixed(t *testing.T) {
	l := NewSourceLimiter(SourceLimiterConfig{PerSource: 2, Window: time.Second})
	src := netip.MustParseAddr("10.0.0.1")
	start := time.Unix(1000, 0)

	assert.True(t, l.Allow(src, start))
	assert.True(t, l.Allow(src, start.Add(900*time.Millisecond)))
	// Still inside the window that opened at start.
	assert.False(t, l.Allow(src, start.Add(999*time.Millisecond)))

	// The window resets in full once it expires, even though the last two
	// fragments were recent.
	later := start.Add(time.Second)
	assert.True(t, l.Allow(src, later))
	assert.True(t, l.Allow(src, later))
	assert.False(t, l.Allow(src, later))
}

func TestSourceLimiterForgetsIdleSources(t *testing.T) {
	l := NewSourceLimiter(SourceLimiterConfig{PerSource: 5, Window: time.Second})
	now := time.Unix(1000, 0)
	l.Allow(netip.MustParseAddr("10.0.0.1"), now)
	l.Allow(netip.MustParseAddr("10.0.0.2"), now)
	require.Equal(t, 2, l.ActiveSources())

	l.Allow(netip.MustParseAddr("10.0.0.3"), now.Add(time.Second))
	assert.Equal(t, 1, l.ActiveSources())
}

func TestSourceLimiterMappedAddressesShareBudget(t *testing.T) {
	l := NewSourceLimiter(SourceLimiterConfig{PerSource: 1})
	now := time.Unix(1000, 0)
	assert.True(t, l.Allow(netip.MustParseAddr("192.0.2.7"), now))
	assert.False(t, l.Allow(netip.MustParseAddr("::ffff:192.0.2.7"), now))
}
