package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// FlushFunc persists one batch.
type FlushFunc[T any] func(ctx context.Context, items []T) error

// BatchWriter buffers items and writes them in batches off the caller's path.
// Write never blocks; once capacity is reached the oldest buffered item is dropped.
type BatchWriter[T any] struct {
	flush       FlushFunc[T]
	buffer      []T
	mu          sync.Mutex
	maxBatch    int
	capacity    int
	flushIntval time.Duration
	timeout     time.Duration
	log         *zap.Logger
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	metrics     BatchWriterMetrics
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites  uint64 `json:"total_writes"`
	TotalBatches uint64 `json:"total_batches"`
	TotalErrors  uint64 `json:"total_errors"`
	Dropped      uint64 `json:"dropped"`
}

// NewBatchWriter starts a writer.
// maxBatch: items before an early flush; interval: time-based flush interval.
func NewBatchWriter[T any](flush FlushFunc[T], maxBatch int, interval time.Duration, log *zap.Logger) *BatchWriter[T] {
	if maxBatch <= 0 {
		maxBatch = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}

	bw := &BatchWriter[T]{
		flush:       flush,
		buffer:      make([]T, 0, maxBatch),
		maxBatch:    maxBatch,
		capacity:    maxBatch * 20,
		flushIntval: interval,
		timeout:     5 * time.Second,
		log:         log,
		done:        make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// Write adds an item to the buffer.
func (bw *BatchWriter[T]) Write(item T) {
	bw.mu.Lock()
	if len(bw.buffer) >= bw.capacity {
		bw.buffer = bw.buffer[1:]
		atomic.AddUint64(&bw.metrics.Dropped, 1)
	}
	bw.buffer = append(bw.buffer, item)
	full := len(bw.buffer) >= bw.maxBatch
	bw.mu.Unlock()

	if full {
		go func() { _ = bw.Flush() }()
	}
}

// Flush immediately writes all buffered items.
func (bw *BatchWriter[T]) Flush() error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	items := bw.buffer
	bw.buffer = make([]T, 0, bw.maxBatch)
	bw.mu.Unlock()

	atomic.AddUint64(&bw.metrics.TotalWrites, uint64(len(items)))
	atomic.AddUint64(&bw.metrics.TotalBatches, 1)

	ctx, cancel := context.WithTimeout(context.Background(), bw.timeout)
	defer cancel()
	if err := bw.flush(ctx, items); err != nil {
		atomic.AddUint64(&bw.metrics.TotalErrors, 1)
		bw.log.Warn("batch flush failed", zap.Int("items", len(items)), zap.Error(err))
		return err
	}
	return nil
}

func (bw *BatchWriter[T]) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = bw.Flush()
		case <-bw.done:
			// Final flush before shutdown
			_ = bw.Flush()
			return
		}
	}
}

// Pending returns the number of buffered items.
func (bw *BatchWriter[T]) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Metrics returns a copy of the counters.
func (bw *BatchWriter[T]) Metrics() BatchWriterMetrics {
	return BatchWriterMetrics{
		TotalWrites:  atomic.LoadUint64(&bw.metrics.TotalWrites),
		TotalBatches: atomic.LoadUint64(&bw.metrics.TotalBatches),
		TotalErrors:  atomic.LoadUint64(&bw.metrics.TotalErrors),
		Dropped:      atomic.LoadUint64(&bw.metrics.Dropped),
	}
}

// Close flushes what is left and stops the background loop.
func (bw *BatchWriter[T]) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
