package scoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
)

// PointerFileName is the file the best checkpoint pointer is persisted to.
const PointerFileName = "best_checkpoint.json"

// BestCheckpointPointer identifies the best checkpoint seen by a job.
type BestCheckpointPointer struct {
	Step  int     `json:"step"`
	Epoch float64 `json:"epoch"`
	Path  string  `json:"path"`
	Score float64 `json:"score"`
}

// ScoredCheckpoint is a checkpoint together with its score.
type ScoredCheckpoint struct {
	Step    int             `json:"step"`
	Epoch   float64         `json:"epoch"`
	Path    string          `json:"path"`
	Metrics Record          `json:"metrics"`
	Score   CheckpointScore `json:"score"`
}

// Pointer converts the scored checkpoint into a pointer value.
func (c ScoredCheckpoint) Pointer() BestCheckpointPointer {
	return BestCheckpointPointer{Step: c.Step, Epoch: c.Epoch, Path: c.Path, Score: c.Score.Total}
}

// Best holds the current best pointer of a job. The zero value holds nothing.
type Best struct {
	current *BestCheckpointPointer
}

// Current returns the best pointer, if any.
func (b *Best) Current() (BestCheckpointPointer, bool) {
	if b.current == nil {
		return BestCheckpointPointer{}, false
	}
	return *b.current, true
}

// Restore seeds the holder with a previously persisted pointer.
func (b *Best) Restore(p BestCheckpointPointer) {
	b.current = &p
}

// Offer replaces the current pointer when candidate scores strictly lower.
// Rejected (+Inf) scores never become best. It reports whether it replaced.
func (b *Best) Offer(candidate BestCheckpointPointer) bool {
	if math.IsInf(candidate.Score, 1) || math.IsNaN(candidate.Score) {
		return false
	}
	if b.current != nil && !(candidate.Score < b.current.Score) {
		return false
	}
	p := candidate
	b.current = &p
	return true
}

// Rank sorts checkpoints best first. Ties keep the earlier step first.
func Rank(checkpoints []ScoredCheckpoint) []ScoredCheckpoint {
	out := make([]ScoredCheckpoint, len(checkpoints))
	copy(out, checkpoints)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score.Total != out[j].Score.Total {
			return out[i].Score.Total < out[j].Score.Total
		}
		return out[i].Step < out[j].Step
	})
	return out
}

// SavePointer writes p to dir/best_checkpoint.json via a temp file rename.
func SavePointer(fsys afero.Fs, dir string, p BestCheckpointPointer) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pointer: %w", err)
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create pointer dir: %w", err)
	}
	target := filepath.Join(dir, PointerFileName)
	tmp := target + ".tmp"
	if err := afero.WriteFile(fsys, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write pointer: %w", err)
	}
	if err := fsys.Rename(tmp, target); err != nil {
		return fmt.Errorf("rename pointer: %w", err)
	}
	return nil
}

// LoadPointer reads dir/best_checkpoint.json. ok is false when none exists.
func LoadPointer(fsys afero.Fs, dir string) (p BestCheckpointPointer, ok bool, err error) {
	data, err := afero.ReadFile(fsys, filepath.Join(dir, PointerFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return BestCheckpointPointer{}, false, nil
		}
		return BestCheckpointPointer{}, false, fmt.Errorf("read pointer: %w", err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return BestCheckpointPointer{}, false, fmt.Errorf("parse pointer: %w", err)
	}
	return p, true, nil
}
