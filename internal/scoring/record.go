package scoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"
)

const (
	// MetricsFileName is the per-checkpoint metrics record written by the trainer.
	MetricsFileName = "metrics.json"
	// TrainerStateFileName is the HuggingFace trainer state used as a fallback.
	TrainerStateFileName = "trainer_state.json"
)

// ErrNoMetrics is returned when a checkpoint directory carries no metrics record.
var ErrNoMetrics = errors.New("no metrics record in checkpoint")

// Record is the machine-readable metrics record of one checkpoint.
type Record struct {
	EvalLoss                 *float64 `json:"eval_loss"`
	TrainLoss                *float64 `json:"train_loss"`
	Epoch                    float64  `json:"epoch"`
	GlobalStep               int      `json:"global_step"`
	EpochsWithoutImprovement *int     `json:"epochs_without_improvement,omitempty"`
}

// Metrics converts the record into scorer input. fallbackEWI is used when the
// record does not carry epochs_without_improvement.
func (r Record) Metrics(fallbackEWI int) CheckpointMetrics {
	ewi := fallbackEWI
	if r.EpochsWithoutImprovement != nil {
		ewi = *r.EpochsWithoutImprovement
	}
	if ewi < 0 {
		ewi = 0
	}
	return CheckpointMetrics{
		EvalLoss:                 r.EvalLoss,
		TrainLoss:                r.TrainLoss,
		EpochsWithoutImprovement: ewi,
	}
}

// LoadRecord reads the metrics record of a checkpoint directory. It prefers
// metrics.json and falls back to trainer_state.json.
func LoadRecord(fsys afero.Fs, checkpointDir string) (Record, error) {
	data, err := afero.ReadFile(fsys, filepath.Join(checkpointDir, MetricsFileName))
	if err == nil {
		var r Record
		if err := json.Unmarshal(data, &r); err != nil {
			return Record{}, fmt.Errorf("parse %s: %w", MetricsFileName, err)
		}
		return r, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return Record{}, fmt.Errorf("read %s: %w", MetricsFileName, err)
	}

	data, err = afero.ReadFile(fsys, filepath.Join(checkpointDir, TrainerStateFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, fmt.Errorf("%s: %w", checkpointDir, ErrNoMetrics)
		}
		return Record{}, fmt.Errorf("read %s: %w", TrainerStateFileName, err)
	}
	return parseTrainerState(data)
}

type trainerState struct {
	Epoch      float64          `json:"epoch"`
	GlobalStep int              `json:"global_step"`
	LogHistory []map[string]any `json:"log_history"`
}

func parseTrainerState(data []byte) (Record, error) {
	var st trainerState
	if err := json.Unmarshal(data, &st); err != nil {
		return Record{}, fmt.Errorf("parse %s: %w", TrainerStateFileName, err)
	}
	r := Record{Epoch: st.Epoch, GlobalStep: st.GlobalStep}

	// The latest eval entry wins; the train loss is the latest "loss" logged
	// at or before it.
	evalAt := -1
	for i := len(st.LogHistory) - 1; i >= 0; i-- {
		if v, ok := number(st.LogHistory[i]["eval_loss"]); ok {
			r.EvalLoss = &v
			evalAt = i
			break
		}
	}
	end := len(st.LogHistory) - 1
	if evalAt >= 0 {
		end = evalAt
	}
	for i := end; i >= 0; i-- {
		if v, ok := number(st.LogHistory[i]["loss"]); ok {
			r.TrainLoss = &v
			break
		}
	}
	return r, nil
}

func number(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}
