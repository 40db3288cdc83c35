package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pilot-net/healthmon/pkg/types"
)

// Queue is the buffer side of a flush.
type Queue interface {
	Len(ctx context.Context) (int64, error)
	Pop(ctx context.Context, maxResults int) ([]*types.HealthCheckResult, error)
	Requeue(ctx context.Context, results []*types.HealthCheckResult) error
}

// ResultWriter is the store side of a flush.
type ResultWriter interface {
	SaveResults(ctx context.Context, results []*types.HealthCheckResult) error
}

// Flusher moves buffered results into the store.
type Flusher struct {
	queue    Queue
	writer   ResultWriter
	logger   *slog.Logger
	interval time.Duration
	batch    int

	mu       sync.Mutex
	flushed  int64
	since    time.Time
	lastRate float64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewFlusher creates a new buffer flusher.
func NewFlusher(queue Queue, writer ResultWriter, interval time.Duration, logger *slog.Logger) *Flusher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Flusher{
		queue:    queue,
		writer:   writer,
		logger:   logger.With("component", "buffer_flusher"),
		interval: interval,
		batch:    DefaultBatchSize,
		since:    time.Now(),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background flushing loop.
func (f *Flusher) Start(ctx context.Context) {
	f.wg.Add(1)
	go f.run(ctx)
	f.logger.Info("buffer flusher started", "interval", f.interval, "batch_size", f.batch)
}

// Stop flushes what is left and waits for the loop to exit.
func (f *Flusher) Stop() {
	close(f.stopCh)
	f.wg.Wait()
	f.logger.Info("buffer flusher stopped")
}

func (f *Flusher) run(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			f.drain(context.Background())
			return
		case <-ctx.Done():
			f.drain(context.Background())
			return
		case <-ticker.C:
			f.Flush(ctx)
		}
	}
}

// drain flushes until the buffer is empty or a flush makes no progress.
func (f *Flusher) drain(ctx context.Context) {
	for {
		if n := f.Flush(ctx); n == 0 {
			return
		}
	}
}

// Flush writes one batch and returns how many results reached the store.
// A failed write puts the batch back on the buffer.
func (f *Flusher) Flush(ctx context.Context) int {
	size, err := f.queue.Len(ctx)
	if err != nil {
		f.logger.Error("failed to get buffer size", "error", err)
		return 0
	}
	if size == 0 {
		return 0
	}

	results, err := f.queue.Pop(ctx, f.batch)
	if err != nil {
		f.logger.Error("failed to pop from buffer", "error", err)
		return 0
	}
	if len(results) == 0 {
		return 0
	}

	start := time.Now()
	if err := f.writer.SaveResults(ctx, results); err != nil {
		f.logger.Error("failed to write results to store",
			"error", err,
			"count", len(results),
		)
		if rerr := f.queue.Requeue(ctx, results); rerr != nil {
			f.logger.Error("failed to requeue results, batch lost",
				"error", rerr,
				"count", len(results),
			)
		}
		return 0
	}

	f.mu.Lock()
	f.flushed += int64(len(results))
	f.mu.Unlock()

	f.logger.Debug("flushed results to store",
		"count", len(results),
		"remaining", size-int64(len(results)),
		"duration", time.Since(start),
	)
	return len(results)
}

// Stats reports queue depth and the flush rate since the previous call.
func (f *Flusher) Stats(ctx context.Context) types.BufferStats {
	depth, err := f.queue.Len(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	if elapsed := now.Sub(f.since).Seconds(); elapsed >= 1 {
		f.lastRate = float64(f.flushed) / elapsed
		f.flushed = 0
		f.since = now
	}
	return types.BufferStats{
		QueueDepth: depth,
		FlushRate:  f.lastRate,
		Connected:  err == nil,
	}
}
