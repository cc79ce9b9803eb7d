package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josephgoksu/tunewatch/internal/generate"
	"github.com/josephgoksu/tunewatch/internal/predictions"
	"github.com/josephgoksu/tunewatch/internal/sampling"
	"github.com/josephgoksu/tunewatch/internal/scoring"
)

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	err   error
	keep  int
}

func (g *fakeGenerator) Run(_ context.Context, samples []sampling.Sample) ([]generate.Prediction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	n := len(samples)
	if g.keep > 0 && g.keep < n {
		n = g.keep
	}
	out := make([]generate.Prediction, 0, n)
	for _, s := range samples[:n] {
		out = append(out, generate.Prediction{
			Sample:           s,
			Text:             "answer " + s.SourceID,
			PromptTokens:     10,
			CompletionTokens: 5,
			TotalTokens:      15,
			Latency:          25 * time.Millisecond,
			Options:          generate.DecodeOptions{MaxNewTokens: 32},
		})
	}
	return out, g.err
}

type recordingWriter struct {
	mu      sync.Mutex
	batches [][]predictions.Record
	err     error
}

func (w *recordingWriter) Write(_ context.Context, records []predictions.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, records)
	return nil
}

type harness struct {
	orch     *Orchestrator
	gen      *fakeGenerator
	writer   *recordingWriter
	fs       afero.Fs
	sampled  int
	samplerE error
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{gen: &fakeGenerator{}, writer: &recordingWriter{}, fs: afero.NewMemMapFs()}
	if cfg.JobID == "" {
		cfg.JobID = "job-1"
	}
	orch, err := New(cfg, Deps{
		FS: h.fs,
		Sampler: func(context.Context) ([]sampling.Sample, error) {
			h.sampled++
			if h.samplerE != nil {
				return nil, h.samplerE
			}
			return []sampling.Sample{
				{SampleIndex: 0, Source: sampling.SourceDataset, SourceID: "row-3", Prompt: "a"},
				{SampleIndex: 1, Source: sampling.SourceDataset, SourceID: "row-9", Prompt: "b"},
			}, nil
		},
		Generator: h.gen,
		Writer:    h.writer,
		Now:       func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	h.orch = orch
	return h
}

func event(step int, epoch float64, evalLoss, trainLoss float64, ewi *int) EvalEvent {
	return EvalEvent{
		Step:           step,
		Epoch:          epoch,
		CheckpointPath: "out/checkpoint-" + strconv.Itoa(step),
		Record: scoring.Record{
			EvalLoss:                 scoring.Float(evalLoss),
			TrainLoss:                scoring.Float(trainLoss),
			Epoch:                    epoch,
			GlobalStep:               step,
			EpochsWithoutImprovement: ewi,
		},
	}
}

func intPtr(v int) *int { return &v }

func TestOrchestrator_SamplesOnce(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	assert.Equal(t, PhaseIdle, h.orch.Snapshot().Phase)
	first := h.orch.OnEvaluate(ctx, event(100, 1, 0.9, 0.8, nil))
	second := h.orch.OnEvaluate(ctx, event(200, 2, 0.7, 0.6, nil))
	third := h.orch.OnEvaluate(ctx, event(300, 3, 0.6, 0.5, nil))

	assert.Equal(t, 1, h.sampled)
	assert.Equal(t, 3, h.gen.calls)
	for _, r := range []RoundReport{first, second, third} {
		assert.Equal(t, OutcomeScored, r.Outcome)
		assert.Equal(t, 2, r.Predictions)
		assert.True(t, r.Persisted)
	}

	require.Len(t, h.writer.batches, 3)
	for i, batch := range h.writer.batches {
		require.Len(t, batch, 2)
		assert.Equal(t, []int{0, 1}, []int{batch[0].SampleIndex, batch[1].SampleIndex})
		assert.Equal(t, "row-3", batch[0].SourceID, "same samples every round")
		assert.Equal(t, (i+1)*100, batch[0].Step)
		assert.Equal(t, i+1, batch[0].Epoch)
	}

	snap := h.orch.Snapshot()
	assert.Equal(t, PhaseSampled, snap.Phase)
	assert.Len(t, snap.Samples, 2)
	assert.Equal(t, sampling.Fingerprint(snap.Samples), snap.SampleFingerprint)
	assert.Equal(t, 3, snap.Rounds)
}

func TestOrchestrator_UnchangedEvalLossSkipsRound(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	first := h.orch.OnEvaluate(ctx, event(100, 1, 0.5, 0.45, intPtr(0)))
	repeat := h.orch.OnEvaluate(ctx, event(100, 1, 0.5, 0.45, intPtr(0)))

	assert.True(t, first.Improved)
	assert.Equal(t, OutcomeUnchanged, repeat.Outcome)
	assert.False(t, repeat.Improved)
	require.NotNil(t, repeat.Best)
	assert.Equal(t, *first.Best, *repeat.Best)
	assert.Equal(t, 1, h.gen.calls)
	assert.Equal(t, 1, h.orch.Snapshot().ScoredRounds)
}

func TestOrchestrator_SelectsGeneralizingCheckpoint(t *testing.T) {
	h := newHarness(t, Config{PointerDir: "/out"})
	ctx := context.Background()

	a := h.orch.OnEvaluate(ctx, event(100, 1, 0.5, 0.45, intPtr(0)))
	b := h.orch.OnEvaluate(ctx, event(200, 2, 0.4, 0.1, intPtr(1)))

	assert.InDelta(t, 0.188, a.Score.Total, 1e-3)
	assert.InDelta(t, 0.432, b.Score.Total, 1e-3)
	assert.True(t, a.Improved)
	assert.False(t, b.Improved)

	best, ok := h.orch.Best()
	require.True(t, ok)
	assert.Equal(t, 100, best.Step)
	assert.Equal(t, "out/checkpoint-100", best.Path)

	saved, ok, err := scoring.LoadPointer(h.fs, "/out")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, best, saved)
}

func TestOrchestrator_DerivesEpochsWithoutImprovement(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	r1 := h.orch.OnEvaluate(ctx, event(100, 1, 0.8, 0.7, nil))
	r2 := h.orch.OnEvaluate(ctx, event(200, 2, 0.9, 0.6, nil))
	r3 := h.orch.OnEvaluate(ctx, event(300, 3, 0.7, 0.5, nil))

	assert.Equal(t, -0.1, r1.Score.ImprovementBonus)
	assert.Zero(t, r2.Score.ImprovementBonus)
	assert.Equal(t, -0.1, r3.Score.ImprovementBonus)
	assert.Zero(t, h.orch.Snapshot().EpochsWithoutImprovement)
}

func TestOrchestrator_MissingEvalLossNeverBest(t *testing.T) {
	h := newHarness(t, Config{})
	ev := event(100, 1, 0, 0.3, intPtr(0))
	ev.Record.EvalLoss = nil

	r := h.orch.OnEvaluate(context.Background(), ev)
	assert.Equal(t, OutcomeScored, r.Outcome)
	assert.True(t, r.Score.Rejected())
	assert.False(t, r.Improved)
	_, ok := h.orch.Best()
	assert.False(t, ok)
}

func TestOrchestrator_DoneIgnoresLaterRounds(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.orch.OnEvaluate(ctx, event(100, 1, 0.5, 0.4, nil))

	final := h.orch.OnTrainEnd()
	assert.Equal(t, PhaseDone, final.Phase)

	r := h.orch.OnEvaluate(ctx, event(200, 2, 0.3, 0.2, nil))
	assert.Equal(t, OutcomeIgnored, r.Outcome)
	assert.Equal(t, 1, h.gen.calls)
	assert.Len(t, h.writer.batches, 1)

	best, ok := h.orch.Best()
	require.True(t, ok)
	assert.Equal(t, 100, best.Step, "pointer survives the end of training")
	assert.Equal(t, PhaseDone, h.orch.OnTrainEnd().Phase)
}

func TestOrchestrator_WriterFailureDoesNotPropagate(t *testing.T) {
	h := newHarness(t, Config{})
	h.writer.err = errors.New("database is locked")

	var r RoundReport
	assert.NotPanics(t, func() {
		r = h.orch.OnEvaluate(context.Background(), event(100, 1, 0.5, 0.4, nil))
	})
	assert.Equal(t, 2, r.Predictions)
	assert.False(t, r.Persisted)
	assert.NoError(t, r.Err)
}

func TestOrchestrator_SamplerFailureStillScores(t *testing.T) {
	h := newHarness(t, Config{})
	h.samplerE = errors.New("dataset missing")
	ctx := context.Background()

	r := h.orch.OnEvaluate(ctx, event(100, 1, 0.5, 0.4, nil))
	h.orch.OnEvaluate(ctx, event(200, 2, 0.4, 0.3, nil))

	assert.Equal(t, OutcomeScored, r.Outcome)
	assert.True(t, r.Improved)
	assert.Zero(t, h.gen.calls)
	assert.Equal(t, 1, h.sampled, "sampling is not retried")
}

func TestOrchestrator_CancelledRoundKeepsPartialRecords(t *testing.T) {
	h := newHarness(t, Config{})
	h.gen.keep = 1
	h.gen.err = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := h.orch.OnEvaluate(ctx, event(100, 1, 0.5, 0.4, nil))

	assert.ErrorIs(t, r.Err, context.Canceled)
	assert.Equal(t, 1, r.Predictions)
	assert.True(t, r.Persisted)
	require.Len(t, h.writer.batches, 1)
	assert.Len(t, h.writer.batches[0], 1)
}

func TestOrchestrator_ResumeRestoresPointer(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, scoring.SavePointer(fs, "/out", scoring.BestCheckpointPointer{Step: 50, Path: "out/checkpoint-50", Score: 0.1}))

	orch, err := New(Config{JobID: "job-2", PointerDir: "/out", Resume: true}, Deps{
		FS:      fs,
		Sampler: func(context.Context) ([]sampling.Sample, error) { return nil, nil },
	})
	require.NoError(t, err)

	r := orch.OnEvaluate(context.Background(), event(100, 1, 0.5, 0.45, intPtr(0)))
	assert.False(t, r.Improved, "0.188 does not beat the restored 0.1")
	best, _ := orch.Best()
	assert.Equal(t, 50, best.Step)
}

func TestOrchestrator_SnapshotIsACopy(t *testing.T) {
	h := newHarness(t, Config{})
	h.orch.OnEvaluate(context.Background(), event(100, 1, 0.5, 0.4, nil))

	snap := h.orch.Snapshot()
	snap.Samples[0].Prompt = "mutated"
	snap.Best.Step = 999
	*snap.LastEvalLoss = 42

	again := h.orch.Snapshot()
	assert.Equal(t, "a", again.Samples[0].Prompt)
	assert.Equal(t, 100, again.Best.Step)
	assert.Equal(t, 0.5, *again.LastEvalLoss)
}

func TestOrchestrator_ConcurrentCallers(t *testing.T) {
	h := newHarness(t, Config{})
	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(step int) {
			defer wg.Done()
			h.orch.OnEvaluate(context.Background(), event(step*100, float64(step), 1/float64(step), 0.1, nil))
		}(i)
	}
	wg.Wait()

	snap := h.orch.Snapshot()
	assert.Equal(t, 8, snap.Rounds)
	assert.Equal(t, 1, h.sampled)
	assert.Len(t, snap.History, snap.ScoredRounds)
}

// blockingGenerator holds a round in generation until release is closed.
type blockingGenerator struct {
	started chan struct{}
	release chan struct{}
}

func (g *blockingGenerator) Run(ctx context.Context, samples []sampling.Sample) ([]generate.Prediction, error) {
	close(g.started)
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	out := make([]generate.Prediction, 0, len(samples))
	for _, s := range samples {
		out = append(out, generate.Prediction{Sample: s, Text: "late"})
	}
	return out, nil
}

func TestOrchestrator_SnapshotDuringGeneration(t *testing.T) {
	gen := &blockingGenerator{started: make(chan struct{}), release: make(chan struct{})}
	writer := &recordingWriter{}
	orch, err := New(Config{JobID: "job-slow"}, Deps{
		FS: afero.NewMemMapFs(),
		Sampler: func(context.Context) ([]sampling.Sample, error) {
			return []sampling.Sample{{SampleIndex: 0, SourceID: "row-1", Prompt: "a"}}, nil
		},
		Generator: gen,
		Writer:    writer,
	})
	require.NoError(t, err)

	done := make(chan RoundReport, 1)
	go func() { done <- orch.OnEvaluate(context.Background(), event(100, 1, 0.5, 0.4, nil)) }()
	<-gen.started

	read := make(chan TrainingRunState, 1)
	go func() { read <- orch.Snapshot() }()
	select {
	case snap := <-read:
		assert.Equal(t, PhaseGenerating, snap.Phase)
		require.NotNil(t, snap.Best)
		assert.Equal(t, 100, snap.Best.Step)
	case <-time.After(2 * time.Second):
		t.Fatal("Snapshot blocked by a running generation round")
	}
	best, ok := orch.Best()
	require.True(t, ok)
	assert.Equal(t, 100, best.Step)

	close(gen.release)
	report := <-done
	assert.Equal(t, 1, report.Predictions)
	assert.Equal(t, PhaseSampled, orch.Snapshot().Phase)
	require.Len(t, writer.batches, 1)
}

func TestNew_GeneratesJobID(t *testing.T) {
	orch, err := New(Config{}, Deps{FS: afero.NewMemMapFs()})
	require.NoError(t, err)
	assert.Len(t, orch.JobID(), 36)

	_, err = New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "generating", PhaseGenerating.String())
	assert.Equal(t, "phase(42)", Phase(42).String())
}
