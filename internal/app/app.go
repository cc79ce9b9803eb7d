// Package app wires configuration into the evaluation components. The CLI
// stays a thin adapter over it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/afero"

	"github.com/josephgoksu/tunewatch/internal/config"
	"github.com/josephgoksu/tunewatch/internal/generate"
	"github.com/josephgoksu/tunewatch/internal/masking"
	"github.com/josephgoksu/tunewatch/internal/metrics"
	"github.com/josephgoksu/tunewatch/internal/orchestrator"
	"github.com/josephgoksu/tunewatch/internal/predictions"
	"github.com/josephgoksu/tunewatch/internal/sampling"
	"github.com/josephgoksu/tunewatch/internal/telemetry"
)

// Context holds the shared dependencies of a command.
type Context struct {
	Cfg       *config.Config
	FS        afero.Fs
	Logger    *slog.Logger
	Telemetry telemetry.Client
	Metrics   *metrics.Metrics
}

// NewContext fills optional dependencies with defaults.
func NewContext(cfg *config.Config, fs afero.Fs, logger *slog.Logger) *Context {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{Cfg: cfg, FS: fs, Logger: logger, Telemetry: telemetry.NoopClient{}}
}

// Template resolves the chat template: a configured family wins, otherwise
// the family is detected from the tokenizer chat template and the model id.
func (c *Context) Template() (masking.Template, error) {
	m := c.Cfg.Model
	var family masking.Family
	if m.TemplateFamily != "" {
		f, err := masking.ParseFamily(m.TemplateFamily)
		if err != nil {
			return masking.Template{}, err
		}
		family = f
	} else {
		var source string
		if m.ChatTemplatePath != "" {
			data, err := afero.ReadFile(c.FS, m.ChatTemplatePath)
			if err != nil {
				return masking.Template{}, fmt.Errorf("read chat template: %w", err)
			}
			source = string(data)
		}
		family = masking.DetectFamily(m.ID, source)
		if family == masking.FamilyUnknown {
			c.Logger.Warn("chat template family not detected, every example will be fully masked",
				"model", m.ID,
				"chat_template", m.ChatTemplatePath,
			)
		}
	}
	return masking.NewTemplate(family, m.ResponseMarker)
}

// Tokenizer builds the tokenizer that keeps tmpl's control strings atomic.
func (c *Context) Tokenizer(tmpl masking.Template) (masking.Tokenizer, error) {
	switch strings.ToLower(c.Cfg.Model.Tokenizer) {
	case "word":
		return masking.NewWordTokenizer(tmpl.Specials()...), nil
	case "", "bpe":
		return masking.NewBPETokenizer(c.Cfg.Model.Encoding, tmpl.Specials()...)
	}
	return nil, fmt.Errorf("unknown tokenizer %q (bpe, word)", c.Cfg.Model.Tokenizer)
}

// Masker returns a masker for the configured model.
func (c *Context) Masker() (*masking.Masker, error) {
	tmpl, err := c.Template()
	if err != nil {
		return nil, err
	}
	tok, err := c.Tokenizer(tmpl)
	if err != nil {
		return nil, err
	}
	return masking.NewMasker(tok, tmpl, c.Cfg.Model.MaxLength, c.Logger), nil
}

// Pretokenize tokenizes the configured dataset into the cache.
func (c *Context) Pretokenize(ctx context.Context) (masking.PretokenizeReport, error) {
	if c.Cfg.Data.DatasetPath == "" {
		return masking.PretokenizeReport{}, errors.New("data.dataset_path is not set")
	}
	masker, err := c.Masker()
	if err != nil {
		return masking.PretokenizeReport{}, err
	}
	cache := masking.NewCache(c.FS, c.Cfg.Data.CacheDir, c.Logger)
	report, _, err := masking.Pretokenize(ctx, c.FS, cache, masker, masking.PretokenizeOptions{
		DatasetPath: c.Cfg.Data.DatasetPath,
		ModelID:     c.Cfg.Model.ID,
		MaxLength:   c.Cfg.Model.MaxLength,
		EvalRatio:   c.Cfg.Data.EvalRatio,
		Seed:        c.Cfg.Data.Seed,
	})
	return report, err
}

// Source returns where prediction samples come from. Pre-formatted text
// rows are split with the resolved template's response marker.
func (c *Context) Source() (sampling.SourceConfig, error) {
	tmpl, err := c.Template()
	if err != nil {
		return sampling.SourceConfig{}, err
	}
	return sampling.SourceConfig{
		DatasetPath:       c.Cfg.Data.DatasetPath,
		PredictionSetPath: c.Cfg.Data.PredictionSetPath,
		ResponseMarker:    tmpl.ResponseMarker,
		TurnEnds:          tmpl.Specials(),
		Logger:            c.Logger,
	}, nil
}

// Samples loads the fixed prediction sample set.
func (c *Context) Samples(ctx context.Context) ([]sampling.Sample, error) {
	src, err := c.Source()
	if err != nil {
		return nil, err
	}
	return sampling.Load(ctx, c.FS, src, c.Cfg.Predictions.Count, c.Cfg.Predictions.Seed)
}

// Generator connects to the remote model. It returns nil when predictions
// are disabled or no provider is configured. No Autocast is wired: the remote
// server owns inference precision.
func (c *Context) Generator(ctx context.Context) (*generate.Generator, error) {
	p := c.Cfg.Predictions
	if !p.Enabled || c.Cfg.Remote.Provider == "" {
		return nil, nil
	}
	tmpl, err := c.Template()
	if err != nil {
		return nil, err
	}
	tok, err := c.Tokenizer(tmpl)
	if err != nil {
		return nil, err
	}
	model, err := generate.NewRemoteModel(ctx, generate.RemoteConfig{
		Provider: c.Cfg.Remote.Provider,
		Model:    c.Cfg.Remote.Model,
		BaseURL:  c.Cfg.Remote.BaseURL,
		APIKey:   c.Cfg.Remote.APIKey,
		Seed:     c.Cfg.Remote.Seed,
	}, tok)
	if err != nil {
		return nil, err
	}
	scorer, err := generate.ParseScorer(p.Scorer)
	if err != nil {
		return nil, err
	}
	return generate.NewGenerator(generate.Config{
		Model:     model,
		Tokenizer: tok,
		Template:  tmpl,
		// Precision is the server's concern; Autocast is for hosts that
		// run the weights in-process.
		Options:   generate.DecodeOptions{MaxNewTokens: p.MaxNewTokens},
		Scorer:    scorer,
		Logger:    c.Logger,
	})
}

// JobOptions are per-run settings of a job.
type JobOptions struct {
	// OutputDir receives the best checkpoint pointer.
	OutputDir string
	Resume    bool
}

// NewOrchestrator builds the orchestrator of one job. A nil generator or
// writer disables the matching stage; pass an untyped nil, not a nil pointer.
func (c *Context) NewOrchestrator(gen orchestrator.Generator, w predictions.Writer, opts JobOptions) (*orchestrator.Orchestrator, error) {
	src, err := c.Source()
	if err != nil {
		return nil, err
	}
	deps := orchestrator.Deps{
		FS:        c.FS,
		Sampler:   c.Samples,
		Generator: gen,
		Writer:    w,
		Telemetry: c.Telemetry,
		Metrics:   c.Metrics,
		Logger:    c.Logger,
	}
	return orchestrator.New(orchestrator.Config{
		JobID:       c.Cfg.JobID,
		Source:      src,
		SampleCount: c.Cfg.Predictions.Count,
		SampleSeed:  c.Cfg.Predictions.Seed,
		PointerDir:  opts.OutputDir,
		Resume:      opts.Resume,
	}, deps)
}
