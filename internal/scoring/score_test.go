package scoring

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScore_EvalLossOnly(t *testing.T) {
	for _, e := range []float64{0.01, 0.5, 1.2, 2.9957, 3.5, 7} {
		got := Score(CheckpointMetrics{EvalLoss: Float(e), EpochsWithoutImprovement: 1})
		want := e*0.5 + math.Min(math.Exp(e)/20, 1)*0.1
		assert.InDelta(t, want, got.Total, 1e-12, "eval_loss=%v", e)
		assert.Zero(t, got.GapTerm)
		assert.Zero(t, got.ImprovementBonus)
	}
}

func TestScore_MissingEvalLossIsRejected(t *testing.T) {
	tests := []struct {
		name string
		m    CheckpointMetrics
	}{
		{"empty", CheckpointMetrics{}},
		{"train loss only", CheckpointMetrics{TrainLoss: Float(0.1)}},
		{"improving", CheckpointMetrics{TrainLoss: Float(0.1), EpochsWithoutImprovement: 0}},
		{"stalled", CheckpointMetrics{EpochsWithoutImprovement: 9}},
		{"nan", CheckpointMetrics{EvalLoss: Float(math.NaN())}},
		{"inf", CheckpointMetrics{EvalLoss: Float(math.Inf(1))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.m)
			assert.True(t, math.IsInf(got.Total, 1))
			assert.True(t, got.Rejected())
		})
	}
}

func TestScore_LargerGapScoresWorse(t *testing.T) {
	narrow := Score(CheckpointMetrics{EvalLoss: Float(0.8), TrainLoss: Float(0.7), EpochsWithoutImprovement: 1})
	wide := Score(CheckpointMetrics{EvalLoss: Float(0.8), TrainLoss: Float(0.2), EpochsWithoutImprovement: 1})
	assert.Greater(t, wide.Total, narrow.Total)

	// The gap is symmetric around eval_loss.
	above := Score(CheckpointMetrics{EvalLoss: Float(0.8), TrainLoss: Float(1.4), EpochsWithoutImprovement: 1})
	assert.InDelta(t, wide.Total, above.Total, 1e-12)
}

func TestScore_TermsHaveExpectedSigns(t *testing.T) {
	s := Score(CheckpointMetrics{EvalLoss: Float(1.1), TrainLoss: Float(0.3)})
	assert.GreaterOrEqual(t, s.EvalTerm, 0.0)
	assert.GreaterOrEqual(t, s.GapTerm, 0.0)
	assert.GreaterOrEqual(t, s.PerplexityTerm, 0.0)
	assert.LessOrEqual(t, s.ImprovementBonus, 0.0)
	assert.InDelta(t, s.EvalTerm+s.GapTerm+s.PerplexityTerm+s.ImprovementBonus, s.Total, 1e-12)
}

func TestScore_PerplexityTermIsCapped(t *testing.T) {
	s := Score(CheckpointMetrics{EvalLoss: Float(10), EpochsWithoutImprovement: 2})
	assert.InDelta(t, 0.1, s.PerplexityTerm, 1e-12)
}

func TestScore_ZeroEvalLossDoesNotDivideByZero(t *testing.T) {
	s := Score(CheckpointMetrics{EvalLoss: Float(0), TrainLoss: Float(0), EpochsWithoutImprovement: 1})
	assert.False(t, math.IsNaN(s.Total))
	assert.InDelta(t, 0.005, s.Total, 1e-12)
}

func TestScore_OverfittingScenario(t *testing.T) {
	a := Score(CheckpointMetrics{EvalLoss: Float(0.5), TrainLoss: Float(0.45), EpochsWithoutImprovement: 0})
	b := Score(CheckpointMetrics{EvalLoss: Float(0.4), TrainLoss: Float(0.1), EpochsWithoutImprovement: 1})

	assert.InDelta(t, 0.188, a.Total, 0.001)
	assert.InDelta(t, 0.432, b.Total, 0.001)

	var best Best
	require.True(t, best.Offer(BestCheckpointPointer{Step: 100, Path: "checkpoint-100", Score: a.Total}))
	assert.False(t, best.Offer(BestCheckpointPointer{Step: 200, Path: "checkpoint-200", Score: b.Total}))

	cur, ok := best.Current()
	require.True(t, ok)
	assert.Equal(t, "checkpoint-100", cur.Path)
}

func TestScorer_ScoreIfChanged(t *testing.T) {
	s := NewScorer(nil)

	_, ok := s.ScoreIfChanged(CheckpointMetrics{EvalLoss: Float(0.7)})
	assert.True(t, ok, "first value is always scored")

	_, ok = s.ScoreIfChanged(CheckpointMetrics{EvalLoss: Float(0.7), TrainLoss: Float(0.1)})
	assert.False(t, ok, "unchanged eval_loss is skipped")

	_, ok = s.ScoreIfChanged(CheckpointMetrics{EvalLoss: Float(0.65)})
	assert.True(t, ok)

	_, ok = s.ScoreIfChanged(CheckpointMetrics{})
	assert.True(t, ok, "missing after present is a change")

	_, ok = s.ScoreIfChanged(CheckpointMetrics{EvalLoss: Float(math.NaN())})
	assert.False(t, ok, "NaN compares equal to missing")

	s.Reset()
	_, ok = s.ScoreIfChanged(CheckpointMetrics{})
	assert.True(t, ok)
}

func TestBest_RescoringUnchangedLossKeepsPointer(t *testing.T) {
	var best Best
	m := CheckpointMetrics{EvalLoss: Float(0.5), TrainLoss: Float(0.45)}
	first := Score(m)
	require.True(t, best.Offer(BestCheckpointPointer{Step: 10, Score: first.Total}))

	again := Score(m)
	assert.False(t, best.Offer(BestCheckpointPointer{Step: 20, Score: again.Total}), "equal score is not an improvement")

	cur, _ := best.Current()
	assert.Equal(t, 10, cur.Step)
}

func TestBest_RejectedNeverSelected(t *testing.T) {
	var best Best
	assert.False(t, best.Offer(BestCheckpointPointer{Score: math.Inf(1)}))
	_, ok := best.Current()
	assert.False(t, ok)
}

func TestRank(t *testing.T) {
	in := []ScoredCheckpoint{
		{Step: 3, Score: CheckpointScore{Total: 0.4}},
		{Step: 1, Score: CheckpointScore{Total: math.Inf(1)}},
		{Step: 2, Score: CheckpointScore{Total: 0.2}},
		{Step: 4, Score: CheckpointScore{Total: 0.2}},
	}
	out := Rank(in)
	steps := []int{out[0].Step, out[1].Step, out[2].Step, out[3].Step}
	assert.Equal(t, []int{2, 4, 3, 1}, steps)
	assert.Equal(t, 3, in[0].Step, "input is not reordered")
}
