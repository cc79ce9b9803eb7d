package predictions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// JSONLWriter appends one JSON object per record to a file.
type JSONLWriter struct {
	fs   afero.Fs
	path string
	mu   sync.Mutex
}

// NewJSONLWriter returns a writer appending to path.
func NewJSONLWriter(fs afero.Fs, path string) *JSONLWriter {
	return &JSONLWriter{fs: fs, path: path}
}

// Write appends records. A batch is written with a single write call.
func (w *JSONLWriter) Write(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode sample %d: %w", r.SampleIndex, err)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.fs.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return err
	}
	f, err := w.fs.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
