// Package sampling selects the fixed set of prompts that is regenerated at
// every evaluation round of a training job.
package sampling

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/josephgoksu/tunewatch/internal/dataset"
	"github.com/spf13/afero"
)

// Source values of a Sample.
const (
	SourceDataset       = "dataset"
	SourcePredictionSet = "prediction_set"
)

// ErrNoSource is returned when neither a dataset nor a prediction set is
// configured.
var ErrNoSource = errors.New("no dataset or prediction set configured")

// Sample is one prompt of the fixed set. SampleIndex is stable for the
// lifetime of the job.
type Sample struct {
	SampleIndex int               `json:"sample_index"`
	Source      string            `json:"source"`
	SourceID    string            `json:"source_id"`
	Prompt      string            `json:"prompt"`
	Messages    []dataset.Message `json:"messages,omitempty"`
	GroundTruth *string           `json:"ground_truth,omitempty"`
}

// SourceConfig names where samples come from. PredictionSetPath takes
// precedence over DatasetPath.
type SourceConfig struct {
	DatasetPath       string
	PredictionSetPath string
	// ResponseMarker splits pre-formatted text rows into the prompt (up to
	// and including the last marker) and the reference answer.
	ResponseMarker string
	// TurnEnds close the reference answer of a text row. The earliest one
	// after the marker wins.
	TurnEnds []string
	Logger   *slog.Logger
}

// Load returns count samples. Prediction sets keep file order and return the
// first count items (all of them when count <= 0). Datasets return count
// distinct rows chosen with seed, in file order. The same inputs always
// produce the same samples.
func Load(ctx context.Context, fsys afero.Fs, src SourceConfig, count int, seed uint64) ([]Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case src.PredictionSetPath != "":
		rows, err := dataset.Read(fsys, src.PredictionSetPath)
		if err != nil {
			return nil, fmt.Errorf("read prediction set: %w", err)
		}
		if count > 0 && count < len(rows) {
			rows = rows[:count]
		}
		return src.build(rows, SourcePredictionSet, "item"), nil
	case src.DatasetPath != "":
		rows, err := dataset.Read(fsys, src.DatasetPath)
		if err != nil {
			return nil, fmt.Errorf("read dataset: %w", err)
		}
		return src.build(choose(src.usable(rows), count, seed), SourceDataset, "row"), nil
	}
	return nil, ErrNoSource
}

// usable drops dataset text rows that cannot be split into a prompt and an
// answer, since the answer would end up in the prompt. Prediction set items
// without a marker are kept as raw prompts.
func (src SourceConfig) usable(rows []dataset.Row) []dataset.Row {
	out := make([]dataset.Row, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		if len(row.PromptMessages()) == 0 && row.Expected == "" {
			if _, _, ok := src.splitText(row.Text); !ok {
				skipped++
				continue
			}
		}
		out = append(out, row)
	}
	if skipped > 0 {
		logger := src.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("text rows without response marker excluded from samples",
			"skipped", skipped,
			"marker", src.ResponseMarker,
		)
	}
	return out
}

// splitText cuts a formatted example after the last response marker.
func (src SourceConfig) splitText(text string) (prompt, answer string, ok bool) {
	if src.ResponseMarker == "" {
		return "", "", false
	}
	at := strings.LastIndex(text, src.ResponseMarker)
	if at < 0 {
		return "", "", false
	}
	cut := at + len(src.ResponseMarker)
	answer = text[cut:]
	end := len(answer)
	for _, stop := range src.TurnEnds {
		if stop == "" {
			continue
		}
		if i := strings.Index(answer, stop); i >= 0 && i < end {
			end = i
		}
	}
	return text[:cut], strings.TrimSpace(answer[:end]), true
}

// choose picks count distinct rows with a seeded generator and returns them
// sorted by position.
func choose(rows []dataset.Row, count int, seed uint64) []dataset.Row {
	if count <= 0 || count >= len(rows) {
		return rows
	}
	rng := rand.New(rand.NewPCG(seed, 0))
	picked := rng.Perm(len(rows))[:count]
	slices.Sort(picked)
	out := make([]dataset.Row, len(picked))
	for i, p := range picked {
		out[i] = rows[p]
	}
	return out
}

func (src SourceConfig) build(rows []dataset.Row, source, idPrefix string) []Sample {
	out := make([]Sample, 0, len(rows))
	for _, row := range rows {
		s := Sample{
			SampleIndex: len(out),
			Source:      source,
			SourceID:    row.ID,
		}
		if s.SourceID == "" {
			s.SourceID = fmt.Sprintf("%s-%d", idPrefix, row.Position)
		}
		if msgs := row.PromptMessages(); len(msgs) > 0 {
			s.Messages = slices.Clone(msgs)
			s.Prompt = promptText(msgs)
		} else if prompt, answer, ok := src.splitText(row.Text); ok {
			s.Prompt = prompt
			s.GroundTruth = &answer
		} else {
			s.Prompt = row.Text
		}
		if gt, ok := row.GroundTruth(); ok {
			s.GroundTruth = &gt
		}
		out = append(out, s)
	}
	return out
}

// promptText is the last user turn, the human-readable form of the prompt.
func promptText(msgs []dataset.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == dataset.RoleUser {
			return msgs[i].Content
		}
	}
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

// Fingerprint hashes the sample_index to content mapping. Two sample sets
// with the same fingerprint render the same prompts.
func Fingerprint(samples []Sample) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, s := range samples {
		_ = enc.Encode(s)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
