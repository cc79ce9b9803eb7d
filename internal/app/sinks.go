package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/josephgoksu/tunewatch/internal/predictions"
)

// Sinks is the configured set of prediction writers behind one async queue.
type Sinks struct {
	// Writer is nil when no sink is configured.
	Writer predictions.Writer
	// Store is the SQLite sink, nil when not configured.
	Store *predictions.SQLiteWriter

	async *predictions.AsyncWriter
}

// OpenSinks opens every configured sink. Close must be called to flush the
// queue.
func (c *Context) OpenSinks() (*Sinks, error) {
	cfg := c.Cfg.Sinks
	s := &Sinks{}
	var writers []predictions.Writer
	if cfg.SQLitePath != "" {
		store, err := predictions.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open prediction store: %w", err)
		}
		s.Store = store
		writers = append(writers, store)
	}
	if cfg.JSONLPath != "" {
		writers = append(writers, predictions.NewJSONLWriter(c.FS, cfg.JSONLPath))
	}
	if cfg.HTTPURL != "" {
		writers = append(writers, predictions.NewHTTPWriter(cfg.HTTPURL, cfg.HTTPToken, 0))
	}
	if len(writers) == 0 {
		return s, nil
	}

	next := writers[0]
	if len(writers) > 1 {
		next = predictions.Multi(writers...)
	}
	s.async = predictions.NewAsyncWriter(next, c.Cfg.Predictions.QueueSize, c.Logger)
	s.Writer = s.async
	return s, nil
}

// Close drains queued batches, then closes the SQLite store.
func (s *Sinks) Close(ctx context.Context) error {
	var errs []error
	if s.async != nil {
		if err := s.async.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain prediction queue: %w", err))
		}
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
