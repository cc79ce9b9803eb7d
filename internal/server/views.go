package server

import (
	"github.com/josephgoksu/tunewatch/internal/orchestrator"
	"github.com/josephgoksu/tunewatch/internal/scoring"
)

// CheckpointView is the JSON form of a scored checkpoint. Score is null for
// rejected checkpoints, which have no finite score.
type CheckpointView struct {
	Step      int                      `json:"step"`
	Epoch     float64                  `json:"epoch"`
	Path      string                   `json:"path"`
	EvalLoss  *float64                 `json:"eval_loss"`
	TrainLoss *float64                 `json:"train_loss"`
	Score     *float64                 `json:"score"`
	Breakdown *scoring.CheckpointScore `json:"breakdown,omitempty"`
}

// CheckpointViews converts scored checkpoints, keeping their order.
func CheckpointViews(history []scoring.ScoredCheckpoint) []CheckpointView {
	out := make([]CheckpointView, 0, len(history))
	for _, c := range history {
		v := CheckpointView{
			Step:      c.Step,
			Epoch:     c.Epoch,
			Path:      c.Path,
			EvalLoss:  c.Metrics.EvalLoss,
			TrainLoss: c.Metrics.TrainLoss,
		}
		if !c.Score.Rejected() {
			score := c.Score
			v.Score = scoring.Float(score.Total)
			v.Breakdown = &score
		}
		out = append(out, v)
	}
	return out
}

// StateView is the JSON form of a job's state.
type StateView struct {
	JobID                    string                         `json:"job_id"`
	Phase                    string                         `json:"phase"`
	Rounds                   int                            `json:"rounds"`
	ScoredRounds             int                            `json:"scored_rounds"`
	Samples                  int                            `json:"samples"`
	SampleFingerprint        string                         `json:"sample_fingerprint"`
	LastEvalLoss             *float64                       `json:"last_eval_loss"`
	EpochsWithoutImprovement int                            `json:"epochs_without_improvement"`
	Best                     *scoring.BestCheckpointPointer `json:"best"`
	History                  []CheckpointView               `json:"history"`
}

// NewStateView converts a state snapshot.
func NewStateView(s orchestrator.TrainingRunState) StateView {
	return StateView{
		JobID:                    s.JobID,
		Phase:                    s.Phase.String(),
		Rounds:                   s.Rounds,
		ScoredRounds:             s.ScoredRounds,
		Samples:                  len(s.Samples),
		SampleFingerprint:        s.SampleFingerprint,
		LastEvalLoss:             s.LastEvalLoss,
		EpochsWithoutImprovement: s.EpochsWithoutImprovement,
		Best:                     s.Best,
		History:                  CheckpointViews(s.History),
	}
}
