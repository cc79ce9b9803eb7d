// Package masking tokenizes chat examples for supervised fine-tuning and masks
// every label outside the model's response, so prompt tokens contribute no
// loss. It also owns the on-disk pretokenization cache.
package masking

import (
	"errors"
	"log/slog"

	"github.com/josephgoksu/tunewatch/internal/dataset"
)

// IgnoreIndex is the label value excluded from the loss.
const IgnoreIndex = -100

// ErrTemplateNotFound marks an example whose response marker was not found.
// The example is kept with all labels masked.
var ErrTemplateNotFound = errors.New("response template not found")

// Tokenizer converts text to token ids and back.
type Tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string
}

// TokenizedExample is one training example ready for the trainer.
type TokenizedExample struct {
	InputIDs      []int `json:"input_ids"`
	AttentionMask []int `json:"attention_mask"`
	Labels        []int `json:"labels"`
}

// Trainable counts labels that contribute to the loss.
func (e TokenizedExample) Trainable() int {
	n := 0
	for _, l := range e.Labels {
		if l != IgnoreIndex {
			n++
		}
	}
	return n
}

// Result is a tokenized example plus how it was masked.
type Result struct {
	Example TokenizedExample
	// ResponseStart is the first trainable position, -1 when the marker was
	// not found.
	ResponseStart int
	// Err is ErrTemplateNotFound for a template miss, nil otherwise.
	Err error
}

// Masker tokenizes conversations with a fixed template.
type Masker struct {
	tok       Tokenizer
	tmpl      Template
	maxLength int
	markerIDs []int
	logger    *slog.Logger
}

// NewMasker returns a Masker. maxLength <= 0 disables truncation.
func NewMasker(tok Tokenizer, tmpl Template, maxLength int, logger *slog.Logger) *Masker {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Masker{tok: tok, tmpl: tmpl, maxLength: maxLength, logger: logger}
	if tmpl.ResponseMarker != "" {
		m.markerIDs = tok.Encode(tmpl.ResponseMarker)
	}
	return m
}

// Template returns the template the masker renders with.
func (m *Masker) Template() Template {
	return m.tmpl
}

// TokenizeRow formats and tokenizes a dataset row. Rows with a pre-formatted
// Text are tokenized as-is.
func (m *Masker) TokenizeRow(row dataset.Row) Result {
	text := row.Text
	if len(row.Messages) > 0 {
		text = m.tmpl.Format(row.Messages)
	}
	res := m.TokenizeText(text)
	if res.Err != nil {
		m.logger.Warn("response template not found, example excluded from loss",
			"family", m.tmpl.Family.String(),
			"row", row.Position,
			"id", row.ID,
			"tokens", len(res.Example.InputIDs),
		)
	}
	return res
}

// TokenizeText tokenizes formatted text in one pass and masks everything up
// to and including the first occurrence of the response marker. When the
// marker is absent every label is masked; the sequence is never trained on
// unmasked.
func (m *Masker) TokenizeText(text string) Result {
	ids := m.tok.Encode(text)
	if m.maxLength > 0 && len(ids) > m.maxLength {
		ids = ids[:m.maxLength]
	}

	ex := TokenizedExample{
		InputIDs:      ids,
		AttentionMask: make([]int, len(ids)),
		Labels:        make([]int, len(ids)),
	}
	for i := range ids {
		ex.AttentionMask[i] = 1
		ex.Labels[i] = IgnoreIndex
	}

	at := IndexOf(ids, m.markerIDs)
	if at < 0 {
		return Result{Example: ex, ResponseStart: -1, Err: ErrTemplateNotFound}
	}
	start := at + len(m.markerIDs)
	copy(ex.Labels[start:], ids[start:])
	return Result{Example: ex, ResponseStart: start}
}

// IndexOf returns the index of the first exact occurrence of needle in
// haystack, or -1. An empty needle never matches.
func IndexOf(haystack, needle []int) int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return -1
	}
outer:
	for i := 0; i+len(needle) <= len(haystack); i++ {
		for j, v := range needle {
			if haystack[i+j] != v {
				continue outer
			}
		}
		return i
	}
	return -1
}
