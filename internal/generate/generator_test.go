package generate

import (
	"context"
	"errors"
	"testing"

	"github.com/josephgoksu/tunewatch/internal/dataset"
	"github.com/josephgoksu/tunewatch/internal/masking"
	"github.com/josephgoksu/tunewatch/internal/sampling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoModel appends a fixed reply and records the autocast state seen by
// each call.
type echoModel struct {
	tok      masking.Tokenizer
	reply    string
	autocast Autocast
	seenAC   []bool
	calls    int
	failOn   map[int]error
	panicOn  map[int]bool
	shortOn  map[int]bool
	cancelOn int
	cancel   context.CancelFunc
	lastOpts DecodeOptions
}

func (m *echoModel) Generate(ctx context.Context, ids []int, opts DecodeOptions) ([]int, error) {
	call := m.calls
	m.calls++
	m.lastOpts = opts
	if m.autocast != nil {
		m.seenAC = append(m.seenAC, m.autocast.Enabled())
	}
	if m.cancel != nil && call == m.cancelOn {
		m.cancel()
		return nil, ctx.Err()
	}
	if m.panicOn[call] {
		panic("device lost")
	}
	if err := m.failOn[call]; err != nil {
		return nil, err
	}
	if m.shortOn[call] {
		return ids[:len(ids)-1], nil
	}
	return append(append([]int{}, ids...), m.tok.Encode(m.reply)...), nil
}

func strPtr(s string) *string { return &s }

func testSamples() []sampling.Sample {
	return []sampling.Sample{
		{SampleIndex: 0, Source: sampling.SourceDataset, SourceID: "row-0", Prompt: "Hi",
			Messages: []dataset.Message{{Role: dataset.RoleUser, Content: "Hi"}}, GroundTruth: strPtr("Hello")},
		{SampleIndex: 1, Source: sampling.SourceDataset, SourceID: "row-3", Prompt: "Yo",
			Messages: []dataset.Message{{Role: dataset.RoleUser, Content: "Yo"}}},
		{SampleIndex: 2, Source: sampling.SourcePredictionSet, SourceID: "item-2", Prompt: "raw prompt"},
	}
}

func newTestGenerator(t *testing.T, m *echoModel, ac Autocast, scorer Scorer) *Generator {
	t.Helper()
	tmpl, err := masking.NewTemplate(masking.FamilyCustom, "<assistant>")
	require.NoError(t, err)
	tok := masking.NewWordTokenizer(tmpl.Specials()...)
	m.tok = tok
	g, err := NewGenerator(Config{
		Model:     m,
		Tokenizer: tok,
		Template:  tmpl,
		Autocast:  ac,
		Options:   DecodeOptions{MaxNewTokens: 16},
		Scorer:    scorer,
	})
	require.NoError(t, err)
	return g
}

func TestGenerator_Run(t *testing.T) {
	m := &echoModel{reply: "Hello"}
	g := newTestGenerator(t, m, nil, ExactMatch{})

	preds, err := g.Run(context.Background(), testSamples())
	require.NoError(t, err)
	require.Len(t, preds, 3)

	first := preds[0]
	assert.Equal(t, "Hello", first.Text)
	assert.Equal(t, "<user>Hi<end><assistant>", g.Prompt(first.Sample))
	assert.Equal(t, 4, first.PromptTokens)
	assert.Equal(t, 1, first.CompletionTokens)
	assert.Equal(t, 5, first.TotalTokens)
	require.NotNil(t, first.Score)
	assert.Equal(t, 1.0, *first.Score)
	assert.Equal(t, "exact_match", first.ScoreName)
	assert.GreaterOrEqual(t, first.Latency.Nanoseconds(), int64(0))

	assert.Nil(t, preds[1].Score, "no ground truth, no score")
	assert.Equal(t, "raw prompt", g.Prompt(preds[2].Sample))
	assert.Equal(t, DecodeOptions{MaxNewTokens: 16}, m.lastOpts)
}

func TestGenerator_IsDeterministic(t *testing.T) {
	a, err := newTestGenerator(t, &echoModel{reply: "same answer"}, nil, nil).Run(context.Background(), testSamples())
	require.NoError(t, err)
	b, err := newTestGenerator(t, &echoModel{reply: "same answer"}, nil, nil).Run(context.Background(), testSamples())
	require.NoError(t, err)
	require.Len(t, a, len(b))
	for i := range a {
		assert.Equal(t, a[i].Text, b[i].Text)
		assert.Equal(t, a[i].TotalTokens, b[i].TotalTokens)
	}
}

func TestGenerator_DisablesAutocast(t *testing.T) {
	ac := NewSwitch(true)
	m := &echoModel{reply: "x", autocast: ac, panicOn: map[int]bool{1: true}}
	g := newTestGenerator(t, m, ac, nil)

	preds, err := g.Run(context.Background(), testSamples())
	require.NoError(t, err)
	assert.Len(t, preds, 2, "panicking sample is skipped")
	assert.Equal(t, []bool{false, false, false}, m.seenAC)
	assert.True(t, ac.Enabled(), "previous state restored")
}

func TestGenerator_SkipsFailedSamples(t *testing.T) {
	m := &echoModel{
		reply:   "ok",
		failOn:  map[int]error{0: errors.New("cuda oom")},
		shortOn: map[int]bool{2: true},
	}
	g := newTestGenerator(t, m, nil, nil)

	preds, err := g.Run(context.Background(), testSamples())
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Equal(t, 1, preds[0].Sample.SampleIndex)
}

func TestGenerator_CancelAbandonsRound(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := &echoModel{reply: "ok", cancelOn: 1, cancel: cancel}
	g := newTestGenerator(t, m, nil, nil)

	preds, err := g.Run(ctx, testSamples())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, preds, 1)
	assert.Equal(t, 2, m.calls)
}

type failingScorer struct{}

func (failingScorer) Name() string { return "broken" }
func (failingScorer) Score(string, string) (float64, error) {
	return 0, errors.New("boom")
}

func TestGenerator_ScoringFailureKeepsPrediction(t *testing.T) {
	g := newTestGenerator(t, &echoModel{reply: "Hello"}, nil, failingScorer{})

	preds, err := g.Run(context.Background(), testSamples()[:1])
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Nil(t, preds[0].Score)
	assert.Equal(t, "Hello", preds[0].Text)
}

func TestNewGenerator_Validates(t *testing.T) {
	_, err := NewGenerator(Config{})
	assert.Error(t, err)
	_, err = NewGenerator(Config{Model: &echoModel{}, Tokenizer: masking.NewWordTokenizer()})
	assert.Error(t, err)
}

func TestWithoutAutocast_RestoresOnPanic(t *testing.T) {
	ac := NewSwitch(true)
	assert.Panics(t, func() {
		_ = WithoutAutocast(ac, func() error {
			assert.False(t, ac.Enabled())
			panic("boom")
		})
	})
	assert.True(t, ac.Enabled())

	off := NewSwitch(false)
	require.NoError(t, WithoutAutocast(off, func() error { return nil }))
	assert.False(t, off.Enabled())

	require.NoError(t, WithoutAutocast(nil, func() error { return nil }))
}
