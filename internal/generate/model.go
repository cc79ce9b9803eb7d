// Package generate runs greedy generation for the fixed sample set against
// the weights in effect at an evaluation boundary.
package generate

import (
	"context"
	"errors"
	"sync"

	"github.com/josephgoksu/tunewatch/internal/dataset"
)

// ErrGeneration wraps a per-sample generation failure.
var ErrGeneration = errors.New("generation failed")

// DecodeOptions are fixed for the lifetime of a job.
type DecodeOptions struct {
	MaxNewTokens int  `json:"max_new_tokens"`
	DoSample     bool `json:"do_sample"`
}

// Model generates a continuation of inputIDs. The returned sequence holds
// the prompt followed by the completion.
type Model interface {
	Generate(ctx context.Context, inputIDs []int, opts DecodeOptions) ([]int, error)
}

// ChatModel is implemented by models that apply their own chat template,
// such as chat completion servers. Samples with conversation turns are sent
// to them as turns; the reply is the completion text only.
type ChatModel interface {
	GenerateChat(ctx context.Context, msgs []dataset.Message, opts DecodeOptions) (string, error)
}

// Autocast is the host's mixed-precision switch.
type Autocast interface {
	Enabled() bool
	SetEnabled(enabled bool)
}

// WithoutAutocast runs fn with autocast disabled and restores the previous
// state afterwards, including when fn panics. A nil ac runs fn directly.
func WithoutAutocast(ac Autocast, fn func() error) error {
	if ac == nil {
		return fn()
	}
	prev := ac.Enabled()
	ac.SetEnabled(false)
	defer ac.SetEnabled(prev)
	return fn()
}

// Switch is an in-process Autocast.
type Switch struct {
	mu      sync.Mutex
	enabled bool
}

// NewSwitch returns a Switch in the given state.
func NewSwitch(enabled bool) *Switch {
	return &Switch{enabled: enabled}
}

func (s *Switch) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Switch) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}
