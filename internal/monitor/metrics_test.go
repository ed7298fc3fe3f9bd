package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyHistogramWindow(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{10, 20, 30, 40} {
		h.Record(v)
	}
	s := h.Stats()
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, 20.0, s.Min, "oldest sample evicted")
	assert.Equal(t, 40.0, s.Max)
	assert.InDelta(t, 30, s.Avg, 1e-9)
}

func TestNilHistogramIsSafe(t *testing.T) {
	var h *LatencyHistogram
	h.RecordDuration(time.Millisecond)
	assert.Equal(t, LatencyStats{}, h.Stats())
}

func TestObserveLoop(t *testing.T) {
	m := NewMetrics()
	m.ObserveLoop("oco", 5*time.Millisecond, nil)
	m.ObserveLoop("oco", 7*time.Millisecond, errors.New("timeout"))
	m.IncOrdersPlaced()
	m.IncCancels()

	s, ok := m.Loop("oco")
	require.True(t, ok)
	assert.Equal(t, uint64(2), s.Runs)
	assert.Equal(t, uint64(1), s.Errors)
	assert.Equal(t, "timeout", s.LastError)

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.OrdersPlaced)
	assert.Equal(t, uint64(1), snap.Cancels)
	assert.Contains(t, snap.Loops, "oco")
}
