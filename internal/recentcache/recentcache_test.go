package recentcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkAndContains(t *testing.T) {
	c := New(time.Hour, 10)
	assert.False(t, c.Contains(42))
	c.MarkScheduled(42)
	assert.True(t, c.Contains(42))
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	c := New(time.Minute, 10)
	fixed := time.Now()
	c.now = func() time.Time { return fixed }

	c.MarkScheduled(7)
	require.True(t, c.Contains(7))

	c.now = func() time.Time { return fixed.Add(2 * time.Minute) }
	assert.False(t, c.Contains(7))
	assert.Equal(t, 0, c.Len())
}

func TestCapacityEvictsOldest(t *testing.T) {
	c := New(time.Hour, 3)
	c.MarkScheduled(1)
	c.MarkScheduled(2)
	c.MarkScheduled(3)
	c.MarkScheduled(4) // evicts 1

	assert.False(t, c.Contains(1))
	assert.True(t, c.Contains(2))
	assert.True(t, c.Contains(3))
	assert.True(t, c.Contains(4))
	assert.Equal(t, 3, c.Len())
}

func TestMarkScheduledRefreshesExistingEntry(t *testing.T) {
	c := New(time.Hour, 2)
	c.MarkScheduled(1)
	c.MarkScheduled(2)
	c.MarkScheduled(1) // refresh 1, now 2 is oldest
	c.MarkScheduled(3) // should evict 2, not 1

	assert.True(t, c.Contains(1))
	assert.False(t, c.Contains(2))
	assert.True(t, c.Contains(3))
}
