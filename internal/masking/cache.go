package masking

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// MaskingVersion tags caches produced by the current masking logic. Caches
// written by an earlier version are never reused: version 1 trained on
// unmasked sequences, version 2 split response markers across tokens.
const MaskingVersion = "3"

// ErrCacheVersionMismatch marks a cache written by a different masking
// version. Load treats it as a miss.
var ErrCacheVersionMismatch = errors.New("pretokenized cache masking version mismatch")

// Split names a dataset split inside a cache entry.
type Split string

const (
	SplitTrain Split = "train"
	SplitEval  Split = "eval"
)

const (
	metaFileName  = "meta.json"
	colInputIDs   = "input_ids.jsonl"
	colAttention  = "attention_mask.jsonl"
	colLabels     = "labels.jsonl"
	cacheDirPerm  = 0o755
	cacheFilePerm = 0o644
	maxColumnLine = 64 * 1024 * 1024
	hashHexChars  = 16
	stagingSuffix = ".tmp-"
)

// CacheKey identifies a pretokenized dataset.
type CacheKey struct {
	ModelID        string  `json:"model_id"`
	MaxLength      int     `json:"max_length"`
	DatasetPath    string  `json:"dataset_path"`
	MaskingVersion string  `json:"masking_version"`
	Family         string  `json:"family"`
	ResponseMarker string  `json:"response_marker"`
	EvalRatio      float64 `json:"eval_ratio"`
	Seed           uint64  `json:"seed"`
}

// ConfigHash is the directory name of the key: a prefix of the SHA-256 of
// the key's JSON encoding.
func (k CacheKey) ConfigHash() string {
	data, _ := json.Marshal(k)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:hashHexChars]
}

// CacheMeta is stored next to the columns of a cache entry.
type CacheMeta struct {
	Key        CacheKey      `json:"key"`
	ConfigHash string        `json:"config_hash"`
	Counts     map[Split]int `json:"counts"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Cache stores tokenized splits under root/<model>/<config_hash>/<split>.
type Cache struct {
	fs     afero.Fs
	root   string
	logger *slog.Logger
	now    func() time.Time
}

// NewCache returns a cache rooted at root.
func NewCache(fs afero.Fs, root string, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{fs: fs, root: root, logger: logger, now: time.Now}
}

// Dir returns the directory of a cache entry.
func (c *Cache) Dir(key CacheKey) string {
	return filepath.Join(c.root, safeName(key.ModelID), key.ConfigHash())
}

// Load returns the cached splits of key. ok is false on a miss, which
// includes entries written by another masking version.
func (c *Cache) Load(key CacheKey) (splits map[Split][]TokenizedExample, ok bool, err error) {
	dir := c.Dir(key)
	meta, err := c.readMeta(dir, key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		// Stale or unreadable entries are rebuilt rather than surfaced.
		c.logger.Debug("pretokenized cache unusable, recomputing", "dir", dir, "error", err)
		return nil, false, nil
	}

	splits = make(map[Split][]TokenizedExample, len(meta.Counts))
	for split, n := range meta.Counts {
		examples, err := c.readSplit(filepath.Join(dir, string(split)))
		if err != nil {
			c.logger.Debug("pretokenized cache split unreadable, recomputing", "dir", dir, "split", split, "error", err)
			return nil, false, nil
		}
		if len(examples) != n {
			c.logger.Debug("pretokenized cache split truncated, recomputing", "dir", dir, "split", split, "want", n, "got", len(examples))
			return nil, false, nil
		}
		splits[split] = examples
	}
	return splits, true, nil
}

// Store writes splits for key, replacing any previous entry. The entry is
// built in a sibling staging directory and renamed into place, so readers
// never see a partial one. Writers on the OS filesystem are serialized with
// a file lock.
func (c *Cache) Store(key CacheKey, splits map[Split][]TokenizedExample) (CacheMeta, error) {
	dir := c.Dir(key)
	if err := c.fs.MkdirAll(filepath.Dir(dir), cacheDirPerm); err != nil {
		return CacheMeta{}, fmt.Errorf("create cache dir: %w", err)
	}
	unlock, err := c.lock(dir)
	if err != nil {
		return CacheMeta{}, err
	}
	defer unlock()

	staging := dir + stagingSuffix + uuid.NewString()
	defer func() { _ = c.fs.RemoveAll(staging) }()
	if err := c.fs.MkdirAll(staging, cacheDirPerm); err != nil {
		return CacheMeta{}, fmt.Errorf("create staging dir: %w", err)
	}
	meta := CacheMeta{
		Key:        key,
		ConfigHash: key.ConfigHash(),
		Counts:     make(map[Split]int, len(splits)),
		CreatedAt:  c.now().UTC(),
	}
	for split, examples := range splits {
		if err := c.writeSplit(filepath.Join(staging, string(split)), examples); err != nil {
			return CacheMeta{}, fmt.Errorf("write split %s: %w", split, err)
		}
		meta.Counts[split] = len(examples)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return CacheMeta{}, fmt.Errorf("marshal cache meta: %w", err)
	}
	if err := afero.WriteFile(c.fs, filepath.Join(staging, metaFileName), data, cacheFilePerm); err != nil {
		return CacheMeta{}, fmt.Errorf("write cache meta: %w", err)
	}

	if err := c.fs.RemoveAll(dir); err != nil {
		return CacheMeta{}, fmt.Errorf("remove stale cache: %w", err)
	}
	if err := c.fs.Rename(staging, dir); err != nil {
		return CacheMeta{}, fmt.Errorf("publish cache: %w", err)
	}
	return meta, nil
}

func (c *Cache) lock(dir string) (func(), error) {
	if _, ok := c.fs.(*afero.OsFs); !ok {
		return func() {}, nil
	}
	fl := flock.New(dir + ".lock")
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("lock cache %s: %w", dir, err)
	}
	return func() { _ = fl.Unlock() }, nil
}

func (c *Cache) readMeta(dir string, key CacheKey) (CacheMeta, error) {
	data, err := afero.ReadFile(c.fs, filepath.Join(dir, metaFileName))
	if err != nil {
		return CacheMeta{}, err
	}
	var meta CacheMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return CacheMeta{}, fmt.Errorf("parse cache meta: %w", err)
	}
	if meta.Key.MaskingVersion != key.MaskingVersion {
		return CacheMeta{}, fmt.Errorf("%w: cached %q, want %q", ErrCacheVersionMismatch, meta.Key.MaskingVersion, key.MaskingVersion)
	}
	if meta.Key != key {
		return CacheMeta{}, fmt.Errorf("cache key mismatch in %s", dir)
	}
	return meta, nil
}

func (c *Cache) writeSplit(dir string, examples []TokenizedExample) error {
	if err := c.fs.MkdirAll(dir, cacheDirPerm); err != nil {
		return err
	}
	cols := []struct {
		name string
		get  func(TokenizedExample) []int
	}{
		{colInputIDs, func(e TokenizedExample) []int { return e.InputIDs }},
		{colAttention, func(e TokenizedExample) []int { return e.AttentionMask }},
		{colLabels, func(e TokenizedExample) []int { return e.Labels }},
	}
	for _, col := range cols {
		if err := c.writeColumn(filepath.Join(dir, col.name), examples, col.get); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) writeColumn(path string, examples []TokenizedExample, get func(TokenizedExample) []int) error {
	f, err := c.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, cacheFilePerm)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range examples {
		values := get(e)
		if values == nil {
			values = []int{}
		}
		if err := enc.Encode(values); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (c *Cache) readSplit(dir string) ([]TokenizedExample, error) {
	inputs, err := c.readColumn(filepath.Join(dir, colInputIDs))
	if err != nil {
		return nil, err
	}
	masks, err := c.readColumn(filepath.Join(dir, colAttention))
	if err != nil {
		return nil, err
	}
	labels, err := c.readColumn(filepath.Join(dir, colLabels))
	if err != nil {
		return nil, err
	}
	if len(inputs) != len(masks) || len(inputs) != len(labels) {
		return nil, fmt.Errorf("column row counts differ: %d/%d/%d", len(inputs), len(masks), len(labels))
	}
	out := make([]TokenizedExample, len(inputs))
	for i := range inputs {
		if len(inputs[i]) != len(masks[i]) || len(inputs[i]) != len(labels[i]) {
			return nil, fmt.Errorf("row %d column lengths differ", i)
		}
		out[i] = TokenizedExample{InputIDs: inputs[i], AttentionMask: masks[i], Labels: labels[i]}
	}
	return out, nil
}

func (c *Cache) readColumn(path string) ([][]int, error) {
	f, err := c.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows [][]int
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxColumnLine)
	for sc.Scan() {
		var row []int
		if err := json.Unmarshal(sc.Bytes(), &row); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, sc.Err()
}

func safeName(s string) string {
	if s == "" {
		return "_"
	}
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")
	return r.Replace(s)
}
