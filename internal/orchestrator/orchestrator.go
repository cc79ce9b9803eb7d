package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/josephgoksu/tunewatch/internal/generate"
	"github.com/josephgoksu/tunewatch/internal/metrics"
	"github.com/josephgoksu/tunewatch/internal/predictions"
	"github.com/josephgoksu/tunewatch/internal/sampling"
	"github.com/josephgoksu/tunewatch/internal/scoring"
	"github.com/josephgoksu/tunewatch/internal/telemetry"
)

// Outcomes of a round, used for metrics and reports.
const (
	OutcomeScored    = "scored"
	OutcomeUnchanged = "unchanged"
	OutcomeIgnored   = "ignored"
)

// Generator produces predictions for the fixed sample set.
type Generator interface {
	Run(ctx context.Context, samples []sampling.Sample) ([]generate.Prediction, error)
}

// SamplerFunc returns the fixed sample set. It is called once per job.
type SamplerFunc func(ctx context.Context) ([]sampling.Sample, error)

// Config is the per-job configuration.
type Config struct {
	// JobID defaults to a new UUIDv7.
	JobID       string
	Source      sampling.SourceConfig
	SampleCount int
	SampleSeed  uint64
	// PointerDir receives best_checkpoint.json on every improvement. Empty
	// disables persistence of the pointer.
	PointerDir string
	// Resume restores the pointer found in PointerDir.
	Resume bool
}

// Deps are the collaborators of an Orchestrator. Only FS is required when
// predictions are disabled; a nil Generator disables generation.
type Deps struct {
	FS        afero.Fs
	Sampler   SamplerFunc
	Generator Generator
	Writer    predictions.Writer
	Telemetry telemetry.Client
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// EvalEvent is one firing of the trainer's evaluation hook.
type EvalEvent struct {
	Step           int
	Epoch          float64
	CheckpointPath string
	Record         scoring.Record
}

// RoundReport describes what a firing did.
type RoundReport struct {
	Step    int
	Outcome string
	// Score is set when Outcome is OutcomeScored.
	Score    scoring.CheckpointScore
	Improved bool
	Best     *scoring.BestCheckpointPointer
	// Predictions counts predictions handed to the writer.
	Predictions int
	Persisted   bool
	// Err reports a cancelled or failed generation round. It is informational;
	// the training loop should continue.
	Err error
}

// Orchestrator is the evaluation state machine of one training job. It is
// safe for use from multiple goroutines. Rounds run one at a time under
// round; mu guards the state only briefly, so Snapshot and Best never wait
// for a generation round.
type Orchestrator struct {
	cfg  Config
	deps Deps

	// round serializes OnEvaluate and OnTrainEnd and owns scorer.
	round  sync.Mutex
	scorer *scoring.Scorer

	mu    sync.Mutex
	state TrainingRunState
	best  scoring.Best
}

// New returns an orchestrator in PhaseIdle.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.FS == nil {
		return nil, errors.New("orchestrator requires a filesystem")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.NoopClient{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.JobID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate job id: %w", err)
		}
		cfg.JobID = id.String()
	}
	if deps.Sampler == nil {
		deps.Sampler = func(ctx context.Context) ([]sampling.Sample, error) {
			return sampling.Load(ctx, deps.FS, cfg.Source, cfg.SampleCount, cfg.SampleSeed)
		}
	}
	deps.Logger = deps.Logger.With("job_id", cfg.JobID)

	o := &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		state:  TrainingRunState{JobID: cfg.JobID, Phase: PhaseIdle},
		scorer: scoring.NewScorer(deps.Logger),
	}
	if cfg.Resume && cfg.PointerDir != "" {
		p, ok, err := scoring.LoadPointer(deps.FS, cfg.PointerDir)
		if err != nil {
			return nil, fmt.Errorf("restore best checkpoint: %w", err)
		}
		if ok {
			o.best.Restore(p)
			o.state.Best = &p
			deps.Logger.Info("restored best checkpoint", "step", p.Step, "score", p.Score)
		}
	}
	return o, nil
}

// JobID returns the job id.
func (o *Orchestrator) JobID() string {
	return o.cfg.JobID
}

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() TrainingRunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// Best returns the best checkpoint so far.
func (o *Orchestrator) Best() (scoring.BestCheckpointPointer, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.best.Current()
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.state.Phase = p
	o.mu.Unlock()
}

// OnEvaluate handles one evaluation boundary. It never returns an error;
// problems are logged and reported in the RoundReport.
func (o *Orchestrator) OnEvaluate(ctx context.Context, ev EvalEvent) RoundReport {
	o.round.Lock()
	defer o.round.Unlock()

	report := RoundReport{Step: ev.Step}
	o.mu.Lock()
	phase := o.state.Phase
	if phase != PhaseDone {
		o.state.Rounds++
	}
	o.mu.Unlock()

	if phase == PhaseDone {
		report.Outcome = OutcomeIgnored
		o.deps.Metrics.Round(o.cfg.JobID, OutcomeIgnored)
		o.deps.Logger.Debug("evaluation after training end ignored", "step", ev.Step)
		return report
	}
	if phase == PhaseIdle {
		o.sample(ctx)
	}

	o.setPhase(PhaseScoring)
	loss := finite(ev.Record.EvalLoss)
	if !o.scorer.Changed(loss) {
		o.mu.Lock()
		report.Outcome = OutcomeUnchanged
		report.Best = o.state.Best
		o.state.Phase = PhaseSampled
		o.mu.Unlock()
		o.deps.Metrics.Round(o.cfg.JobID, OutcomeUnchanged)
		o.deps.Logger.Debug("eval loss unchanged, round skipped", "step", ev.Step)
		return report
	}
	samples := o.score(ev, loss, &report)

	if o.deps.Generator != nil && len(samples) > 0 {
		o.predict(ctx, ev, samples, &report)
	}

	o.mu.Lock()
	o.state.Phase = PhaseSampled
	rounds := o.state.Rounds
	o.mu.Unlock()

	o.deps.Metrics.Round(o.cfg.JobID, OutcomeScored)
	o.deps.Telemetry.Track(telemetry.EventRoundEvaluated, map[string]any{
		"round":       rounds,
		"rejected":    report.Score.Rejected(),
		"improved":    report.Improved,
		"predictions": report.Predictions,
		"persisted":   report.Persisted,
	})
	return report
}

func (o *Orchestrator) sample(ctx context.Context) {
	samples, err := o.deps.Sampler(ctx)
	if err != nil {
		o.deps.Logger.Error("prediction samples unavailable, predictions disabled for this job", "error", err)
		samples = nil
	}
	fingerprint := sampling.Fingerprint(samples)

	o.mu.Lock()
	o.state.Samples = samples
	o.state.SampleFingerprint = fingerprint
	o.state.Phase = PhaseSampled
	o.mu.Unlock()

	o.deps.Logger.Info("prediction samples fixed",
		"samples", len(samples),
		"fingerprint", fingerprint,
	)
}

// score records the round and offers it to the best pointer. It returns the
// fixed sample set for the generation stage.
func (o *Orchestrator) score(ev EvalEvent, loss *float64, report *RoundReport) []sampling.Sample {
	o.mu.Lock()
	// The derived counter only applies when the record carries none.
	derived := o.state.observe(loss)
	rec := ev.Record
	rec.EvalLoss = loss
	score := o.scorer.Score(rec.Metrics(derived))
	report.Outcome = OutcomeScored
	report.Score = score

	o.state.ScoredRounds++
	o.state.LastEvalLoss = loss
	checkpoint := scoring.ScoredCheckpoint{
		Step:    ev.Step,
		Epoch:   ev.Epoch,
		Path:    ev.CheckpointPath,
		Metrics: rec,
		Score:   score,
	}
	o.state.History = append(o.state.History, checkpoint)
	improved := o.best.Offer(checkpoint.Pointer())
	var p scoring.BestCheckpointPointer
	if improved {
		p, _ = o.best.Current()
		o.state.Best = &p
	}
	report.Best = o.state.Best
	rounds := o.state.Rounds
	samples := o.state.Samples
	o.mu.Unlock()

	if loss != nil {
		o.deps.Metrics.Scored(o.cfg.JobID, *loss, score.Total, score.Rejected())
	}
	if improved {
		report.Improved = true
		o.deps.Metrics.Best(o.cfg.JobID, p.Step, p.Score)
		o.deps.Telemetry.Track(telemetry.EventBestImproved, map[string]any{"round": rounds})
		o.deps.Logger.Info("new best checkpoint", "step", p.Step, "score", p.Score, "path", p.Path)
		if o.cfg.PointerDir != "" {
			if err := scoring.SavePointer(o.deps.FS, o.cfg.PointerDir, p); err != nil {
				o.deps.Logger.Error("best checkpoint pointer not saved", "error", err)
			}
		}
	}
	return samples
}

func (o *Orchestrator) predict(ctx context.Context, ev EvalEvent, samples []sampling.Sample, report *RoundReport) {
	o.setPhase(PhaseGenerating)
	preds, err := o.deps.Generator.Run(ctx, samples)
	if err != nil {
		report.Err = err
		o.deps.Logger.Warn("generation round abandoned", "step", ev.Step, "completed", len(preds), "error", err)
	}
	if len(preds) == 0 {
		return
	}

	o.setPhase(PhasePersisting)
	now := o.deps.Now().UTC()
	records := make([]predictions.Record, 0, len(preds))
	for _, p := range preds {
		o.deps.Metrics.Prediction(o.cfg.JobID, p.Latency)
		records = append(records, predictions.Record{
			JobID:            o.cfg.JobID,
			Epoch:            int(ev.Epoch),
			Step:             ev.Step,
			SampleIndex:      p.Sample.SampleIndex,
			Source:           p.Sample.Source,
			SourceID:         p.Sample.SourceID,
			Prompt:           p.Sample.Prompt,
			GroundTruth:      p.Sample.GroundTruth,
			PredictionText:   p.Text,
			Score:            p.Score,
			PromptTokens:     p.PromptTokens,
			CompletionTokens: p.CompletionTokens,
			TotalTokens:      p.TotalTokens,
			LatencyMS:        p.Latency.Milliseconds(),
			MaxNewTokens:     p.Options.MaxNewTokens,
			DoSample:         p.Options.DoSample,
			CreatedAt:        now,
		})
	}
	report.Predictions = len(records)
	if o.deps.Writer == nil {
		return
	}
	// A cancelled round still hands over what it produced.
	report.Persisted = predictions.BestEffort(context.WithoutCancel(ctx), o.deps.Writer, records, o.deps.Logger)
	if !report.Persisted {
		o.deps.Metrics.PersistFailure(o.cfg.JobID)
	}
}

// OnTrainEnd moves the job to PhaseDone once the running round, if any, has
// finished. Later evaluations are ignored.
func (o *Orchestrator) OnTrainEnd() TrainingRunState {
	o.round.Lock()
	defer o.round.Unlock()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Phase != PhaseDone {
		o.state.Phase = PhaseDone
		props := map[string]any{"rounds": o.state.Rounds, "scored_rounds": o.state.ScoredRounds}
		if o.state.Best != nil {
			props["best_step"] = o.state.Best.Step
		}
		o.deps.Telemetry.Track(telemetry.EventTrainingFinished, props)
		o.deps.Logger.Info("training finished", "rounds", o.state.Rounds, "scored_rounds", o.state.ScoredRounds)
	}
	return o.state.clone()
}

func finite(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}
