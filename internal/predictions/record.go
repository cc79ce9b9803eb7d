// Package predictions persists per-sample prediction records. Persistence is
// best-effort: failures are logged and never reach the training loop.
package predictions

import (
	"errors"
	"time"
)

// ErrPersistence wraps a failure to persist a batch.
var ErrPersistence = errors.New("prediction persistence failed")

// Record is one persisted prediction.
type Record struct {
	JobID            string    `json:"job_id"`
	Epoch            int       `json:"epoch"`
	Step             int       `json:"step"`
	SampleIndex      int       `json:"sample_index"`
	Source           string    `json:"source"`
	SourceID         string    `json:"source_id"`
	Prompt           string    `json:"prompt"`
	GroundTruth      *string   `json:"ground_truth,omitempty"`
	PredictionText   string    `json:"prediction_text"`
	Score            *float64  `json:"score,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
	MaxNewTokens     int       `json:"max_new_tokens"`
	DoSample         bool      `json:"do_sample"`
	CreatedAt        time.Time `json:"created_at"`
}
