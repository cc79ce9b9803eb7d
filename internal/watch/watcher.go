// Package watch follows a trainer's output directory and feeds every new
// checkpoint to the evaluation orchestrator.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/josephgoksu/tunewatch/internal/logger"
	"github.com/josephgoksu/tunewatch/internal/orchestrator"
	"github.com/josephgoksu/tunewatch/internal/scoring"
)

const (
	// CheckpointPrefix prefixes checkpoint directories, "checkpoint-<step>".
	CheckpointPrefix = "checkpoint-"
	// DefaultCompleteMarker is created in the output dir when training ends.
	DefaultCompleteMarker = "training_complete"
	defaultDebounce       = 500 * time.Millisecond
)

// Handler receives checkpoint evaluations. *orchestrator.Orchestrator
// implements it.
type Handler interface {
	JobID() string
	OnEvaluate(ctx context.Context, ev orchestrator.EvalEvent) orchestrator.RoundReport
	OnTrainEnd() orchestrator.TrainingRunState
}

// Config configures a Watcher.
type Config struct {
	OutputDir string
	// CompleteMarker defaults to DefaultCompleteMarker.
	CompleteMarker string
	// Debounce delays processing so the trainer can finish writing a
	// checkpoint. Defaults to 500ms.
	Debounce time.Duration
	// OnReport is called after every evaluated checkpoint.
	OnReport func(orchestrator.RoundReport)
}

// Watcher turns checkpoint directories into evaluation events.
type Watcher struct {
	cfg     Config
	fs      afero.Fs
	handler Handler
	logger  *slog.Logger

	done     map[int]bool
	pending  map[int]string
	complete bool
}

// New returns a Watcher reading checkpoint records through fs.
func New(cfg Config, fs afero.Fs, handler Handler, log *slog.Logger) (*Watcher, error) {
	if cfg.OutputDir == "" {
		return nil, errors.New("watch requires an output directory")
	}
	if handler == nil {
		return nil, errors.New("watch requires a handler")
	}
	if cfg.CompleteMarker == "" {
		cfg.CompleteMarker = DefaultCompleteMarker
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		cfg:     cfg,
		fs:      fs,
		handler: handler,
		logger:  log.With("output_dir", cfg.OutputDir),
		done:    make(map[int]bool),
		pending: make(map[int]string),
	}, nil
}

// ParseStep extracts the step from a checkpoint directory name.
func ParseStep(name string) (int, bool) {
	rest, ok := strings.CutPrefix(filepath.Base(name), CheckpointPrefix)
	if !ok {
		return 0, false
	}
	step, err := strconv.Atoi(rest)
	if err != nil || step < 0 {
		return 0, false
	}
	return step, true
}

// Scan evaluates every checkpoint already present, in step order, and
// reports whether the completion marker exists. Checkpoints without a
// readable record are left for a later scan.
func (w *Watcher) Scan(ctx context.Context) (complete bool, err error) {
	entries, err := afero.ReadDir(w.fs, w.cfg.OutputDir)
	if err != nil {
		return false, fmt.Errorf("read output dir: %w", err)
	}
	for _, e := range entries {
		if e.Name() == w.cfg.CompleteMarker {
			complete = true
			continue
		}
		if !e.IsDir() {
			continue
		}
		if step, ok := ParseStep(e.Name()); ok && !w.done[step] {
			w.pending[step] = filepath.Join(w.cfg.OutputDir, e.Name())
		}
	}
	w.flush(ctx)
	return complete, nil
}

// Finish ends the job. Checkpoints still waiting for a readable record get
// one more debounce interval; the ones left after that are reported as
// unscored.
func (w *Watcher) Finish(ctx context.Context) orchestrator.TrainingRunState {
	if len(w.pending) > 0 {
		t := time.NewTimer(w.cfg.Debounce)
		select {
		case <-t.C:
		case <-ctx.Done():
		}
		t.Stop()
		w.flush(ctx)
	}
	for _, step := range w.pendingSteps() {
		w.logger.Warn("checkpoint left unscored, no readable metrics record at training end",
			"step", step,
			"checkpoint", w.pending[step],
		)
	}
	return w.handler.OnTrainEnd()
}

// Run scans the output directory, then follows it until the completion
// marker appears or ctx is cancelled. The marker ends the job; cancellation
// leaves it open for a later run.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.cfg.OutputDir); err != nil {
		return fmt.Errorf("watch %s: %w", w.cfg.OutputDir, err)
	}
	complete, err := w.Scan(ctx)
	if err != nil {
		return err
	}
	if complete {
		w.Finish(ctx)
		return nil
	}
	// Checkpoints still being written get their own watch.
	for _, dir := range w.pending {
		_ = fsw.Add(dir)
	}
	w.logger.Info("watching for checkpoints", "job_id", w.handler.JobID())

	timer := time.NewTimer(w.cfg.Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if w.handleEvent(fsw, ev) {
				timer.Reset(w.cfg.Debounce)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)

		case <-timer.C:
			w.flush(ctx)
			if w.complete {
				w.Finish(ctx)
				return nil
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleEvent queues the checkpoint an event belongs to. It reports whether
// anything was queued.
func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return false
	}
	parent := filepath.Dir(ev.Name)
	if filepath.Clean(parent) == filepath.Clean(w.cfg.OutputDir) {
		if filepath.Base(ev.Name) == w.cfg.CompleteMarker {
			// Processed at the next flush, after pending checkpoints.
			w.complete = true
			return true
		}
		step, ok := ParseStep(ev.Name)
		if !ok || w.done[step] {
			return false
		}
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = fsw.Add(ev.Name)
		}
		w.pending[step] = ev.Name
		return true
	}

	step, ok := ParseStep(parent)
	if !ok || w.done[step] {
		return false
	}
	switch filepath.Base(ev.Name) {
	case scoring.MetricsFileName, scoring.TrainerStateFileName:
		w.pending[step] = parent
		return true
	}
	return false
}

func (w *Watcher) pendingSteps() []int {
	steps := make([]int, 0, len(w.pending))
	for step := range w.pending {
		steps = append(steps, step)
	}
	sort.Ints(steps)
	return steps
}

// flush evaluates pending checkpoints in step order.
func (w *Watcher) flush(ctx context.Context) {
	for _, step := range w.pendingSteps() {
		dir := w.pending[step]
		rec, err := scoring.LoadRecord(w.fs, dir)
		if err != nil {
			// The trainer may still be writing; a later event retries.
			w.logger.Debug("checkpoint record not ready", "checkpoint", dir, "error", err)
			continue
		}
		delete(w.pending, step)
		w.done[step] = true

		logger.SetRound(w.handler.JobID(), step, dir)
		report := w.handler.OnEvaluate(ctx, orchestrator.EvalEvent{
			Step:           step,
			Epoch:          rec.Epoch,
			CheckpointPath: dir,
			Record:         rec,
		})
		w.logger.Info("checkpoint evaluated",
			"step", step,
			"outcome", report.Outcome,
			"score", report.Score.Total,
			"rejected", report.Score.Rejected(),
			"improved", report.Improved,
			"predictions", report.Predictions,
		)
		if w.cfg.OnReport != nil {
			w.cfg.OnReport(report)
		}
	}
}
