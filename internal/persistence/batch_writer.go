// Package persistence buffers audit writes (orders, deals, tick records)
// and flushes them to SQLite in transactions.
package persistence

import (
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// WriteOp is one buffered statement.
type WriteOp struct {
	Query string
	Args  []any
}

// BatchWriter batches statements and flushes on size, on interval and on Close.
type BatchWriter struct {
	db        *sql.DB
	logger    *zap.Logger
	buffer    []WriteOp
	mu        sync.Mutex
	flushMu   sync.Mutex
	maxSize   int
	interval  time.Duration
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	metrics   Metrics
}

// Metrics counts batch activity.
type Metrics struct {
	TotalWrites   uint64 `json:"total_writes"`
	TotalBatches  uint64 `json:"total_batches"`
	TotalErrors   uint64 `json:"total_errors"`
	LastBatchSize int64  `json:"last_batch_size"`
}

// NewBatchWriter starts a writer that flushes every interval or when
// maxSize statements are buffered.
func NewBatchWriter(db *sql.DB, maxSize int, interval time.Duration, logger *zap.Logger) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bw := &BatchWriter{
		db:       db,
		logger:   logger,
		buffer:   make([]WriteOp, 0, maxSize),
		maxSize:  maxSize,
		interval: interval,
		done:     make(chan struct{}),
	}
	bw.wg.Add(1)
	go bw.backgroundFlush()
	return bw
}

// Write buffers op, flushing inline when the buffer is full.
func (bw *BatchWriter) Write(op WriteOp) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, op)
	full := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		if err := bw.Flush(); err != nil {
			bw.logger.Warn("batch writer: flush on full buffer failed", zap.Error(err))
		}
	}
}

// WriteQuery buffers a statement.
func (bw *BatchWriter) WriteQuery(query string, args ...any) {
	bw.Write(WriteOp{Query: query, Args: args})
}

// Flush writes everything buffered in one transaction. Flushes are
// serialized so statements commit in the order they were written.
func (bw *BatchWriter) Flush() error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.executeBatch(ops)
}

func (bw *BatchWriter) executeBatch(ops []WriteOp) error {
	atomic.AddUint64(&bw.metrics.TotalWrites, uint64(len(ops)))
	atomic.AddUint64(&bw.metrics.TotalBatches, 1)
	atomic.StoreInt64(&bw.metrics.LastBatchSize, int64(len(ops)))

	tx, err := bw.db.Begin()
	if err != nil {
		atomic.AddUint64(&bw.metrics.TotalErrors, 1)
		bw.logger.Error("batch writer: begin failed", zap.Error(err))
		return err
	}
	for _, op := range ops {
		if _, err := tx.Exec(op.Query, op.Args...); err != nil {
			_ = tx.Rollback()
			atomic.AddUint64(&bw.metrics.TotalErrors, 1)
			bw.logger.Error("batch writer: statement failed, rolled back", zap.Int("batch", len(ops)), zap.Error(err))
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		atomic.AddUint64(&bw.metrics.TotalErrors, 1)
		bw.logger.Error("batch writer: commit failed", zap.Error(err))
		return err
	}
	bw.logger.Debug("batch writer: flushed", zap.Int("ops", len(ops)))
	return nil
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(); err != nil {
				bw.logger.Warn("batch writer: background flush failed", zap.Error(err))
			}
		case <-bw.done:
			return
		}
	}
}

// Pending returns the number of buffered statements.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Metrics returns a snapshot of the counters.
func (bw *BatchWriter) Metrics() Metrics {
	return Metrics{
		TotalWrites:   atomic.LoadUint64(&bw.metrics.TotalWrites),
		TotalBatches:  atomic.LoadUint64(&bw.metrics.TotalBatches),
		TotalErrors:   atomic.LoadUint64(&bw.metrics.TotalErrors),
		LastBatchSize: atomic.LoadInt64(&bw.metrics.LastBatchSize),
	}
}

// Close stops the background loop and flushes what is left.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return bw.Flush()
}
