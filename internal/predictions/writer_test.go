package predictions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memWriter struct {
	mu      sync.Mutex
	batches [][]Record
	err     error
}

func (m *memWriter) Write(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.batches = append(m.batches, records)
	return nil
}

func (m *memWriter) steps() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for _, b := range m.batches {
		out = append(out, b[0].Step)
	}
	return out
}

func batch(step, n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{JobID: "job", Step: step, SampleIndex: i, CreatedAt: time.Unix(0, 0)}
	}
	return out
}

func TestBestEffort_SwallowsErrorsAndPanics(t *testing.T) {
	ctx := context.Background()

	assert.True(t, BestEffort(ctx, &memWriter{}, batch(1, 2), nil))
	assert.False(t, BestEffort(ctx, &memWriter{err: errors.New("disk full")}, batch(1, 2), nil))

	panicky := WriterFunc(func(context.Context, []Record) error { panic("nil map") })
	assert.NotPanics(t, func() {
		assert.False(t, BestEffort(ctx, panicky, batch(1, 1), nil))
	})

	assert.True(t, BestEffort(ctx, nil, batch(1, 1), nil))
	assert.True(t, BestEffort(ctx, panicky, nil, nil))
}

func TestMulti(t *testing.T) {
	a, b := &memWriter{}, &memWriter{err: errors.New("remote down")}
	c := &memWriter{}

	err := Multi(a, b, c).Write(context.Background(), batch(3, 1))
	assert.EqualError(t, err, "remote down")
	assert.Equal(t, []int{3}, a.steps())
	assert.Equal(t, []int{3}, c.steps(), "later sinks still receive the batch")
}

func TestAsyncWriter_PreservesOrder(t *testing.T) {
	mem := &memWriter{}
	w := NewAsyncWriter(mem, 64, nil)

	for step := 1; step <= 20; step++ {
		require.NoError(t, w.Write(context.Background(), batch(step, 3)))
	}
	require.NoError(t, w.Close(context.Background()))

	want := make([]int, 20)
	for i := range want {
		want[i] = i + 1
	}
	assert.Equal(t, want, mem.steps())
	assert.ErrorIs(t, w.Write(context.Background(), batch(21, 1)), ErrClosed)
	assert.NoError(t, w.Close(context.Background()), "close is idempotent")
}

func TestAsyncWriter_DropsWhenFull(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	mem := &memWriter{}
	var once sync.Once
	slow := WriterFunc(func(ctx context.Context, records []Record) error {
		once.Do(func() {
			close(started)
			<-release
		})
		return mem.Write(ctx, records)
	})

	w := NewAsyncWriter(slow, 1, nil)
	require.NoError(t, w.Write(context.Background(), batch(1, 1)))
	<-started

	require.NoError(t, w.Write(context.Background(), batch(2, 1)))
	assert.ErrorIs(t, w.Write(context.Background(), batch(3, 1)), ErrQueueFull)
	assert.Equal(t, 1, w.Dropped())

	close(release)
	require.NoError(t, w.Close(context.Background()))
	assert.Equal(t, []int{1, 2}, mem.steps())
}

func TestAsyncWriter_CopiesBatch(t *testing.T) {
	mem := &memWriter{}
	w := NewAsyncWriter(mem, 4, nil)
	records := batch(1, 1)
	require.NoError(t, w.Write(context.Background(), records))
	records[0].Step = 99
	require.NoError(t, w.Close(context.Background()))
	assert.Equal(t, []int{1}, mem.steps())
}

func TestAsyncWriter_CloseHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	blocked := WriterFunc(func(context.Context, []Record) error {
		<-release
		return nil
	})
	w := NewAsyncWriter(blocked, 1, nil)
	require.NoError(t, w.Write(context.Background(), batch(1, 1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Close(ctx), context.DeadlineExceeded)
}
