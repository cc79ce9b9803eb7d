// Package dataset reads training and prediction-set files (JSON, JSONL,
// optionally gzip-compressed) and normalizes the common row shapes into chat
// conversations.
package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
)

// Role names used in normalized conversations.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmpty is returned when a file holds no usable rows.
var ErrEmpty = errors.New("dataset has no rows")

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Row is a normalized dataset row.
type Row struct {
	// Position is the zero-based position of the row in its file.
	Position int
	// ID is the row's own identifier, empty when the file has none.
	ID string
	// Messages is the chat form of the row. Empty for plain-text rows.
	Messages []Message
	// Text is a pre-formatted training string.
	Text string
	// Expected is an explicit reference answer (prediction sets).
	Expected string
}

// Conversation returns the row as chat messages; plain-text rows return nil.
func (r Row) Conversation() []Message {
	return r.Messages
}

// PromptMessages returns the conversation up to, but not including, the last
// assistant turn.
func (r Row) PromptMessages() []Message {
	last := r.lastAssistant()
	if last < 0 {
		return r.Messages
	}
	return r.Messages[:last]
}

// GroundTruth returns the reference answer: the explicit expected value or
// the content of the last assistant turn.
func (r Row) GroundTruth() (string, bool) {
	if r.Expected != "" {
		return r.Expected, true
	}
	if last := r.lastAssistant(); last >= 0 {
		return r.Messages[last].Content, true
	}
	return "", false
}

func (r Row) lastAssistant() int {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleAssistant {
			return i
		}
	}
	return -1
}

// Read loads every row of path. Gzip input is detected by its magic bytes.
func Read(fsys afero.Fs, path string) ([]Row, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	data, err := readMaybeGzip(f)
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", path, err)
	}

	raws, err := decode(data, formatHint(path))
	if err != nil {
		return nil, fmt.Errorf("decode dataset %s: %w", path, err)
	}

	rows := make([]Row, 0, len(raws))
	for i, raw := range raws {
		row, err := raw.normalize()
		if err != nil {
			return nil, fmt.Errorf("row %d of %s: %w", i, path, err)
		}
		row.Position = i
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmpty)
	}
	return rows, nil
}

func readMaybeGzip(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	}
	return io.ReadAll(br)
}

type format int

const (
	formatAuto format = iota
	formatJSON
	formatLines
)

func formatHint(path string) format {
	name := strings.TrimSuffix(strings.ToLower(path), ".gz")
	switch filepath.Ext(name) {
	case ".jsonl", ".ndjson":
		return formatLines
	case ".json":
		return formatJSON
	default:
		return formatAuto
	}
}

func decode(data []byte, hint format) ([]rawRow, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var rows []rawRow
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, err
		}
		return rows, nil
	}
	if hint != formatLines {
		if rows, ok := decodeEnvelope(trimmed); ok {
			return rows, nil
		}
	}
	return decodeLines(trimmed)
}

// decodeEnvelope accepts a single JSON object wrapping the rows, as curated
// prediction sets usually are.
func decodeEnvelope(data []byte) ([]rawRow, bool) {
	var env struct {
		Items   []rawRow `json:"items"`
		Data    []rawRow `json:"data"`
		Samples []rawRow `json:"samples"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false
	}
	switch {
	case env.Items != nil:
		return env.Items, true
	case env.Samples != nil:
		return env.Samples, true
	case env.Data != nil:
		return env.Data, true
	}
	return nil, false
}

func decodeLines(data []byte) ([]rawRow, error) {
	var rows []rawRow
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		var r rawRow
		if err := json.Unmarshal(text, &r); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}
