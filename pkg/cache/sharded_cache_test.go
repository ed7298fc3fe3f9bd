package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPriceCacheFreshness(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewPriceCache()
	c.now = func() time.Time { return now }

	c.Set("BTCUSDT", 100)
	c.Set("ETHUSDT", 0) // ignored

	p, ok := c.GetFresh("BTCUSDT", 5*time.Second)
	assert.True(t, ok)
	assert.Equal(t, 100.0, p)
	_, ok = c.Get("ETHUSDT")
	assert.False(t, ok)

	now = now.Add(10 * time.Second)
	_, ok = c.GetFresh("BTCUSDT", 5*time.Second)
	assert.False(t, ok, "stale price refused")
	p, ok = c.Get("BTCUSDT")
	assert.True(t, ok)
	assert.Equal(t, 100.0, p)

	assert.Equal(t, 1, c.Cleanup(5*time.Second))
	assert.Empty(t, c.All())
}
