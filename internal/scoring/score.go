// Package scoring ranks training checkpoints with a multi-metric score that
// penalizes overfitting, and tracks the best checkpoint of a training job.
package scoring

import (
	"errors"
	"log/slog"
	"math"
)

const (
	evalWeight       = 0.5
	gapWeight        = 0.3
	perplexityWeight = 0.1
	perplexityScale  = 20.0
	improvementBonus = -0.1

	// epsilon guards the gap normalization against a zero eval loss.
	epsilon = 1e-8
)

// ErrMissingEvalLoss marks metrics that cannot be scored. Score never returns
// it; it is used by callers that want to report why a checkpoint was rejected.
var ErrMissingEvalLoss = errors.New("checkpoint metrics have no eval_loss")

// CheckpointMetrics are the per-checkpoint numbers recorded by the trainer.
type CheckpointMetrics struct {
	EvalLoss                 *float64 `json:"eval_loss"`
	TrainLoss                *float64 `json:"train_loss"`
	EpochsWithoutImprovement int      `json:"epochs_without_improvement"`
}

// HasEvalLoss reports whether the metrics carry a finite eval loss.
func (m CheckpointMetrics) HasEvalLoss() bool {
	return m.EvalLoss != nil && isFinite(*m.EvalLoss)
}

// CheckpointScore is the score of one checkpoint. Lower Total is better.
type CheckpointScore struct {
	Total            float64 `json:"total"`
	EvalTerm         float64 `json:"eval_term"`
	GapTerm          float64 `json:"gap_term"`
	PerplexityTerm   float64 `json:"perplexity_term"`
	ImprovementBonus float64 `json:"improvement_bonus"`
}

// Rejected reports whether the checkpoint could not be scored.
func (s CheckpointScore) Rejected() bool {
	return math.IsInf(s.Total, 1)
}

// Score computes the checkpoint score. It never fails: metrics without a
// finite eval loss get a +Inf total so they can never be selected as best.
func Score(m CheckpointMetrics) CheckpointScore {
	if !m.HasEvalLoss() {
		return CheckpointScore{Total: math.Inf(1)}
	}
	evalLoss := *m.EvalLoss

	var gap float64
	if m.TrainLoss != nil && isFinite(*m.TrainLoss) {
		gap = math.Abs(*m.TrainLoss-evalLoss) / math.Max(evalLoss, epsilon)
	}

	s := CheckpointScore{
		EvalTerm:       evalLoss * evalWeight,
		GapTerm:        gap * gapWeight,
		PerplexityTerm: math.Min(math.Exp(evalLoss)/perplexityScale, 1.0) * perplexityWeight,
	}
	if m.EpochsWithoutImprovement == 0 {
		s.ImprovementBonus = improvementBonus
	}
	s.Total = s.EvalTerm + s.GapTerm + s.PerplexityTerm + s.ImprovementBonus
	return s
}

// Scorer wraps Score with breakdown logging and the last-seen eval loss guard.
// The host callback fires on every training step while eval_loss only changes
// on evaluation steps, so repeated values are skipped.
//
// A Scorer belongs to one training job and is not safe for concurrent use.
type Scorer struct {
	logger   *slog.Logger
	seen     bool
	lastLoss *float64
}

// NewScorer returns a Scorer. A nil logger uses slog.Default.
func NewScorer(logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{logger: logger}
}

// Score scores m unconditionally and logs the breakdown at debug level.
func (s *Scorer) Score(m CheckpointMetrics) CheckpointScore {
	score := Score(m)
	s.remember(m.EvalLoss)
	if score.Rejected() {
		s.logger.Debug("checkpoint rejected", "reason", ErrMissingEvalLoss)
		return score
	}
	s.logger.Debug("checkpoint scored",
		"eval_loss", *m.EvalLoss,
		"total", score.Total,
		"eval_term", score.EvalTerm,
		"gap_term", score.GapTerm,
		"perplexity_term", score.PerplexityTerm,
		"improvement_bonus", score.ImprovementBonus,
	)
	return score
}

// ScoreIfChanged scores m only when its eval loss differs from the last
// value this Scorer saw. The boolean is false when scoring was skipped.
func (s *Scorer) ScoreIfChanged(m CheckpointMetrics) (CheckpointScore, bool) {
	if !s.Changed(m.EvalLoss) {
		return CheckpointScore{}, false
	}
	return s.Score(m), true
}

// Changed reports whether loss differs from the last scored eval loss.
// Two missing values compare equal.
func (s *Scorer) Changed(loss *float64) bool {
	if !s.seen {
		return true
	}
	a, b := normalize(s.lastLoss), normalize(loss)
	if a == nil || b == nil {
		return (a == nil) != (b == nil)
	}
	return *a != *b
}

// Reset forgets the last scored value.
func (s *Scorer) Reset() {
	s.seen = false
	s.lastLoss = nil
}

func (s *Scorer) remember(loss *float64) {
	s.seen = true
	if n := normalize(loss); n != nil {
		v := *n
		s.lastLoss = &v
		return
	}
	s.lastLoss = nil
}

func normalize(v *float64) *float64 {
	if v == nil || !isFinite(*v) {
		return nil
	}
	return v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Float returns a pointer to v; convenient for building metrics literals.
func Float(v float64) *float64 {
	return &v
}
