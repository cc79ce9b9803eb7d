package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/josephgoksu/tunewatch/internal/masking"
	"github.com/josephgoksu/tunewatch/internal/sampling"
)

// Prediction is the output of one sample at one evaluation round.
type Prediction struct {
	Sample           sampling.Sample
	Text             string
	Score            *float64
	ScoreName        string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Latency          time.Duration
	Options          DecodeOptions
}

// Config wires a Generator.
type Config struct {
	Model     Model
	Tokenizer masking.Tokenizer
	Template  masking.Template
	// Autocast is disabled around every model call. It is the hook of a
	// host running the weights in-process; leave it nil for remote models.
	Autocast Autocast
	Options  DecodeOptions
	// Scorer runs when a sample has a ground truth. Optional.
	Scorer Scorer
	Logger *slog.Logger
}

// Generator produces predictions for a sample set.
type Generator struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewGenerator validates cfg and returns a Generator.
func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.Model == nil {
		return nil, errors.New("generator requires a model")
	}
	if cfg.Tokenizer == nil {
		return nil, errors.New("generator requires a tokenizer")
	}
	if cfg.Options.MaxNewTokens <= 0 {
		return nil, fmt.Errorf("max_new_tokens must be positive, got %d", cfg.Options.MaxNewTokens)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{cfg: cfg, logger: logger, now: time.Now}, nil
}

// Options returns the decode options used for every sample.
func (g *Generator) Options() DecodeOptions {
	return g.cfg.Options
}

// Autocast returns the switch disabled around model calls, nil when none.
func (g *Generator) Autocast() Autocast {
	return g.cfg.Autocast
}

// Run generates a prediction for each sample in order. Failed samples are
// logged and skipped. When ctx is cancelled the remaining samples are
// abandoned and the predictions made so far are returned with ctx's error.
func (g *Generator) Run(ctx context.Context, samples []sampling.Sample) ([]Prediction, error) {
	out := make([]Prediction, 0, len(samples))
	for _, s := range samples {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		p, err := g.one(ctx, s)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			g.logger.Error("prediction skipped",
				"sample_index", s.SampleIndex,
				"source_id", s.SourceID,
				"error", err,
			)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Prompt renders the text fed to the model for s.
func (g *Generator) Prompt(s sampling.Sample) string {
	if len(s.Messages) > 0 {
		return g.cfg.Template.FormatPrompt(s.Messages)
	}
	return s.Prompt
}

func (g *Generator) one(ctx context.Context, s sampling.Sample) (p Prediction, err error) {
	input := g.cfg.Tokenizer.Encode(g.Prompt(s))
	if len(input) == 0 {
		return Prediction{}, fmt.Errorf("%w: empty prompt", ErrGeneration)
	}

	var (
		text       string
		completion int
	)
	start := g.now()
	err = WithoutAutocast(g.cfg.Autocast, func() (callErr error) {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Debug("model panic", "stack", string(debug.Stack()))
				callErr = fmt.Errorf("%w: panic: %v", ErrGeneration, r)
			}
		}()
		text, completion, callErr = g.call(ctx, s, input)
		return callErr
	})
	latency := g.now().Sub(start)
	if err != nil {
		if errors.Is(err, ErrGeneration) {
			return Prediction{}, err
		}
		return Prediction{}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	p = Prediction{
		Sample:           s,
		Text:             text,
		PromptTokens:     len(input),
		CompletionTokens: completion,
		TotalTokens:      len(input) + completion,
		Latency:          latency,
		Options:          g.cfg.Options,
	}
	g.score(&p)
	return p, nil
}

// call returns the completion text and its token count. Conversations go to
// a ChatModel as turns so the template is applied once, by the server.
func (g *Generator) call(ctx context.Context, s sampling.Sample, input []int) (string, int, error) {
	if chat, ok := g.cfg.Model.(ChatModel); ok && len(s.Messages) > 0 {
		reply, err := chat.GenerateChat(ctx, s.Messages, g.cfg.Options)
		if err != nil {
			return "", 0, err
		}
		ids := g.cfg.Tokenizer.Encode(reply)
		if limit := g.cfg.Options.MaxNewTokens; len(ids) > limit {
			ids = ids[:limit]
			reply = g.cfg.Tokenizer.Decode(ids)
		}
		return reply, len(ids), nil
	}

	output, err := g.cfg.Model.Generate(ctx, input, g.cfg.Options)
	if err != nil {
		return "", 0, err
	}
	if len(output) < len(input) {
		return "", 0, fmt.Errorf("%w: output has %d tokens, shorter than the %d-token prompt", ErrGeneration, len(output), len(input))
	}
	return g.cfg.Tokenizer.Decode(output[len(input):]), len(output) - len(input), nil
}

func (g *Generator) score(p *Prediction) {
	if g.cfg.Scorer == nil || p.Sample.GroundTruth == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn("prediction scoring panicked", "sample_index", p.Sample.SampleIndex, "panic", r)
			p.Score = nil
		}
	}()
	v, err := g.cfg.Scorer.Score(p.Text, *p.Sample.GroundTruth)
	if err != nil {
		g.logger.Warn("prediction scoring failed", "sample_index", p.Sample.SampleIndex, "scorer", g.cfg.Scorer.Name(), "error", err)
		return
	}
	p.Score = &v
	p.ScoreName = g.cfg.Scorer.Name()
}
