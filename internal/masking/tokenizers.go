package masking

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// segment is a piece of text that is either a special string or ordinary text.
type segment struct {
	text    string
	special bool
}

// splitSpecials cuts text at every occurrence of a special string, preferring
// the longest special at a position.
func splitSpecials(text string, specials []string) []segment {
	if len(specials) == 0 {
		return []segment{{text: text}}
	}
	var out []segment
	start := 0
	for i := 0; i < len(text); {
		matched := ""
		for _, s := range specials {
			if strings.HasPrefix(text[i:], s) {
				matched = s
				break
			}
		}
		if matched == "" {
			i++
			continue
		}
		if start < i {
			out = append(out, segment{text: text[start:i]})
		}
		out = append(out, segment{text: matched, special: true})
		i += len(matched)
		start = i
	}
	if start < len(text) {
		out = append(out, segment{text: text[start:]})
	}
	return out
}

func sortedSpecials(specials []string) []string {
	out := make([]string, 0, len(specials))
	seen := make(map[string]bool, len(specials))
	for _, s := range specials {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

var wordPattern = regexp.MustCompile(`<[^<>\s]+>|\s+|[^\s<]+|<`)

// WordTokenizer splits text into special strings, <tag> markers, whitespace
// runs and words, assigning ids on first sight. Decode is the exact inverse
// of Encode. It serves dry runs and tests that need no model vocabulary.
type WordTokenizer struct {
	mu       sync.Mutex
	specials []string
	ids      map[string]int
	words    []string
}

// NewWordTokenizer returns a WordTokenizer that keeps specials atomic.
func NewWordTokenizer(specials ...string) *WordTokenizer {
	return &WordTokenizer{specials: sortedSpecials(specials), ids: make(map[string]int)}
}

// Encode implements Tokenizer.
func (t *WordTokenizer) Encode(text string) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []int
	for _, seg := range splitSpecials(text, t.specials) {
		if seg.special {
			out = append(out, t.id(seg.text))
			continue
		}
		for _, w := range wordPattern.FindAllString(seg.text, -1) {
			out = append(out, t.id(w))
		}
	}
	return out
}

// Decode implements Tokenizer. Unknown ids are skipped.
func (t *WordTokenizer) Decode(ids []int) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var b strings.Builder
	for _, id := range ids {
		if id >= 0 && id < len(t.words) {
			b.WriteString(t.words[id])
		}
	}
	return b.String()
}

func (t *WordTokenizer) id(w string) int {
	if id, ok := t.ids[w]; ok {
		return id
	}
	id := len(t.words)
	t.ids[w] = id
	t.words = append(t.words, w)
	return id
}

// BPETokenizer encodes ordinary text with a tiktoken encoding and maps the
// template's special strings to reserved ids above the encoding's vocabulary,
// so each special always encodes to exactly one token.
type BPETokenizer struct {
	bpe       *tiktoken.Tiktoken
	specials  []string
	specialID map[string]int
	idSpecial map[int]string
}

// DefaultBPEEncoding is used when no encoding is configured.
const DefaultBPEEncoding = "cl100k_base"

// specialBase is above every tiktoken vocabulary shipped today.
const specialBase = 1 << 20

// useOfflineBPE makes tiktoken read its vocabularies from files embedded in
// the binary instead of downloading them on first use.
var useOfflineBPE = sync.OnceFunc(func() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
})

// NewBPETokenizer loads encoding (for example "cl100k_base") and reserves
// ids for specials. Vocabularies are embedded, so no network is needed.
func NewBPETokenizer(encoding string, specials ...string) (*BPETokenizer, error) {
	if strings.TrimSpace(encoding) == "" {
		encoding = DefaultBPEEncoding
	}
	useOfflineBPE()
	bpe, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %s: %w", encoding, err)
	}
	t := &BPETokenizer{
		bpe:       bpe,
		specials:  sortedSpecials(specials),
		specialID: make(map[string]int),
		idSpecial: make(map[int]string),
	}
	for i, s := range t.specials {
		t.specialID[s] = specialBase + i
		t.idSpecial[specialBase+i] = s
	}
	return t, nil
}

// Encode implements Tokenizer.
func (t *BPETokenizer) Encode(text string) []int {
	var out []int
	for _, seg := range splitSpecials(text, t.specials) {
		if seg.special {
			out = append(out, t.specialID[seg.text])
			continue
		}
		out = append(out, t.bpe.EncodeOrdinary(seg.text)...)
	}
	return out
}

// Decode implements Tokenizer.
func (t *BPETokenizer) Decode(ids []int) string {
	var b strings.Builder
	var run []int
	flush := func() {
		if len(run) > 0 {
			b.WriteString(t.bpe.Decode(run))
			run = run[:0]
		}
	}
	for _, id := range ids {
		if s, ok := t.idSpecial[id]; ok {
			flush()
			b.WriteString(s)
			continue
		}
		run = append(run, id)
	}
	flush()
	return b.String()
}
