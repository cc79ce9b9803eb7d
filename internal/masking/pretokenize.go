package masking

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/josephgoksu/tunewatch/internal/dataset"
	"github.com/spf13/afero"
)

// PretokenizeOptions configures a pretokenization run.
type PretokenizeOptions struct {
	DatasetPath string
	ModelID     string
	MaxLength   int
	// MaskingVersion defaults to MaskingVersion.
	MaskingVersion string
	// EvalRatio is the share of rows held out for evaluation, in [0, 1).
	EvalRatio float64
	Seed      uint64
}

// PretokenizeReport summarizes a pretokenization run.
type PretokenizeReport struct {
	Dir             string
	ConfigHash      string
	Reused          bool
	Counts          map[Split]int
	FullyMasked     int
	TrainableLabels int
}

// Pretokenize tokenizes a dataset once and stores it in the cache, or
// returns the existing entry when one matches the key.
func Pretokenize(ctx context.Context, fsys afero.Fs, cache *Cache, masker *Masker, opts PretokenizeOptions) (PretokenizeReport, map[Split][]TokenizedExample, error) {
	if opts.EvalRatio < 0 || opts.EvalRatio >= 1 {
		return PretokenizeReport{}, nil, fmt.Errorf("eval ratio %v out of range [0, 1)", opts.EvalRatio)
	}
	version := opts.MaskingVersion
	if version == "" {
		version = MaskingVersion
	}
	tmpl := masker.Template()
	key := CacheKey{
		ModelID:        opts.ModelID,
		MaxLength:      opts.MaxLength,
		DatasetPath:    opts.DatasetPath,
		MaskingVersion: version,
		Family:         tmpl.Family.String(),
		ResponseMarker: tmpl.ResponseMarker,
		EvalRatio:      opts.EvalRatio,
		Seed:           opts.Seed,
	}
	report := PretokenizeReport{Dir: cache.Dir(key), ConfigHash: key.ConfigHash()}

	if splits, ok, err := cache.Load(key); err != nil {
		return report, nil, err
	} else if ok {
		report.Reused = true
		report.summarize(splits)
		return report, splits, nil
	}

	rows, err := dataset.Read(fsys, opts.DatasetPath)
	if err != nil {
		return report, nil, err
	}

	train, eval := splitRows(rows, opts.EvalRatio, opts.Seed)
	splits := map[Split][]TokenizedExample{}
	for _, part := range []struct {
		name Split
		rows []dataset.Row
	}{{SplitTrain, train}, {SplitEval, eval}} {
		if len(part.rows) == 0 {
			continue
		}
		examples := make([]TokenizedExample, 0, len(part.rows))
		for _, row := range part.rows {
			if err := ctx.Err(); err != nil {
				return report, nil, err
			}
			examples = append(examples, masker.TokenizeRow(row).Example)
		}
		splits[part.name] = examples
	}

	if _, err := cache.Store(key, splits); err != nil {
		return report, nil, fmt.Errorf("store pretokenized cache: %w", err)
	}
	report.summarize(splits)
	if report.FullyMasked > 0 {
		masker.logger.Warn("examples without response template contribute no loss",
			"fully_masked", report.FullyMasked,
			"dataset", opts.DatasetPath,
		)
	}
	return report, splits, nil
}

func (r *PretokenizeReport) summarize(splits map[Split][]TokenizedExample) {
	r.Counts = make(map[Split]int, len(splits))
	for split, examples := range splits {
		r.Counts[split] = len(examples)
		for _, e := range examples {
			n := e.Trainable()
			if n == 0 {
				r.FullyMasked++
			}
			r.TrainableLabels += n
		}
	}
}

// splitRows holds out a seeded random share of rows for evaluation. Both
// parts keep file order.
func splitRows(rows []dataset.Row, evalRatio float64, seed uint64) (train, eval []dataset.Row) {
	nEval := int(float64(len(rows)) * evalRatio)
	if nEval == 0 {
		return rows, nil
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	held := make(map[int]bool, nEval)
	for _, i := range rng.Perm(len(rows))[:nEval] {
		held[i] = true
	}
	for i, row := range rows {
		if held[i] {
			eval = append(eval, row)
		} else {
			train = append(train, row)
		}
	}
	return train, eval
}
