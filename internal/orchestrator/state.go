// Package orchestrator drives checkpoint scoring, best-checkpoint tracking,
// prediction generation and persistence from a trainer's evaluation hook.
package orchestrator

import (
	"fmt"
	"slices"

	"github.com/josephgoksu/tunewatch/internal/sampling"
	"github.com/josephgoksu/tunewatch/internal/scoring"
)

// Phase is the orchestrator's position in a job. A job moves
// Idle -> Sampled, then through Scoring, Generating and Persisting at each
// evaluation round, and ends in Done.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSampled
	PhaseScoring
	PhaseGenerating
	PhasePersisting
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSampled:
		return "sampled"
	case PhaseScoring:
		return "scoring"
	case PhaseGenerating:
		return "generating"
	case PhasePersisting:
		return "persisting"
	case PhaseDone:
		return "done"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// TrainingRunState is the per-job state. Each job owns one; nothing is
// shared between jobs.
type TrainingRunState struct {
	JobID   string
	Phase   Phase
	Samples []sampling.Sample
	// SampleFingerprint identifies the fixed sample set.
	SampleFingerprint string
	// LastEvalLoss is the eval loss of the last scored round.
	LastEvalLoss *float64
	Best         *scoring.BestCheckpointPointer
	// BestEvalLoss and EpochsWithoutImprovement track early-stopping
	// progress for records that do not carry it.
	BestEvalLoss             *float64
	EpochsWithoutImprovement int
	Rounds                   int
	ScoredRounds             int
	History                  []scoring.ScoredCheckpoint
}

func (s *TrainingRunState) clone() TrainingRunState {
	out := *s
	out.Samples = slices.Clone(s.Samples)
	out.History = slices.Clone(s.History)
	if s.LastEvalLoss != nil {
		out.LastEvalLoss = scoring.Float(*s.LastEvalLoss)
	}
	if s.BestEvalLoss != nil {
		out.BestEvalLoss = scoring.Float(*s.BestEvalLoss)
	}
	if s.Best != nil {
		b := *s.Best
		out.Best = &b
	}
	return out
}

// observe updates the early-stopping counter with a newly scored loss and
// returns the counter's value for that round.
func (s *TrainingRunState) observe(loss *float64) int {
	if loss == nil {
		s.EpochsWithoutImprovement++
		return s.EpochsWithoutImprovement
	}
	if s.BestEvalLoss == nil || *loss < *s.BestEvalLoss {
		s.BestEvalLoss = scoring.Float(*loss)
		s.EpochsWithoutImprovement = 0
		return 0
	}
	s.EpochsWithoutImprovement++
	return s.EpochsWithoutImprovement
}
