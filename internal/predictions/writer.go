package predictions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Writer persists a batch of records.
type Writer interface {
	Write(ctx context.Context, records []Record) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, records []Record) error

func (f WriterFunc) Write(ctx context.Context, records []Record) error {
	return f(ctx, records)
}

// BestEffort writes records and reports whether the write succeeded. Errors
// and panics are logged at error level and swallowed.
func BestEffort(ctx context.Context, w Writer, records []Record, logger *slog.Logger) (ok bool) {
	if w == nil || len(records) == 0 {
		return true
	}
	if logger == nil {
		logger = slog.Default()
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("prediction writer panicked",
				"records", len(records),
				"error", fmt.Errorf("%w: panic: %v", ErrPersistence, r),
			)
			ok = false
		}
	}()
	if err := w.Write(ctx, records); err != nil {
		logger.Error("prediction batch not persisted",
			"records", len(records),
			"job_id", records[0].JobID,
			"step", records[0].Step,
			"error", fmt.Errorf("%w: %w", ErrPersistence, err),
		)
		return false
	}
	return true
}

// Multi writes every batch to each writer in order and joins their errors.
func Multi(writers ...Writer) Writer {
	return WriterFunc(func(ctx context.Context, records []Record) error {
		var errs []error
		for _, w := range writers {
			if err := w.Write(ctx, records); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// ErrQueueFull is logged when AsyncWriter drops a batch.
var ErrQueueFull = errors.New("prediction queue full")

// ErrClosed is returned for writes after Close.
var ErrClosed = errors.New("prediction writer closed")

// AsyncWriter hands batches to a single background worker so the caller never
// waits on persistence. Batches are written in submission order. When the
// queue is full the batch is dropped and logged.
type AsyncWriter struct {
	next   Writer
	logger *slog.Logger
	queue  chan []Record
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewAsyncWriter starts the worker. queueSize <= 0 means 16.
func NewAsyncWriter(next Writer, queueSize int, logger *slog.Logger) *AsyncWriter {
	if queueSize <= 0 {
		queueSize = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &AsyncWriter{
		next:   next,
		logger: logger,
		queue:  make(chan []Record, queueSize),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncWriter) run() {
	defer close(a.done)
	for batch := range a.queue {
		// The submitting context may be gone by now.
		BestEffort(context.Background(), a.next, batch, a.logger)
	}
}

// Write enqueues a copy of records. It never blocks.
func (a *AsyncWriter) Write(_ context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	batch := append([]Record(nil), records...)
	select {
	case a.queue <- batch:
		return nil
	default:
		a.dropped++
		a.logger.Error("prediction batch dropped",
			"records", len(records),
			"job_id", records[0].JobID,
			"step", records[0].Step,
			"error", ErrQueueFull,
		)
		return ErrQueueFull
	}
}

// Dropped returns the number of batches dropped because the queue was full.
func (a *AsyncWriter) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Close stops accepting batches and waits for queued ones to be written, or
// for ctx to end.
func (a *AsyncWriter) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
