package scoring

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRecord_MetricsFile(t *testing.T) {
	fsys := afero.NewMemMapFs()
	dir := "/run/checkpoint-500"
	require.NoError(t, afero.WriteFile(fsys, filepath.Join(dir, MetricsFileName),
		[]byte(`{"eval_loss": 0.42, "train_loss": null, "epoch": 2.0, "global_step": 500}`), 0o644))

	r, err := LoadRecord(fsys, dir)
	require.NoError(t, err)
	require.NotNil(t, r.EvalLoss)
	assert.InDelta(t, 0.42, *r.EvalLoss, 1e-12)
	assert.Nil(t, r.TrainLoss)
	assert.Equal(t, 500, r.GlobalStep)
	assert.Equal(t, 2.0, r.Epoch)
	assert.Equal(t, 3, r.Metrics(3).EpochsWithoutImprovement)
}

func TestLoadRecord_ExplicitEpochsWithoutImprovement(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/c/"+MetricsFileName,
		[]byte(`{"eval_loss": 1, "epochs_without_improvement": 0}`), 0o644))

	r, err := LoadRecord(fsys, "/c")
	require.NoError(t, err)
	assert.Equal(t, 0, r.Metrics(5).EpochsWithoutImprovement)
}

func TestLoadRecord_TrainerStateFallback(t *testing.T) {
	fsys := afero.NewMemMapFs()
	state := `{
	  "epoch": 1.5,
	  "global_step": 300,
	  "log_history": [
	    {"loss": 1.9, "step": 100},
	    {"eval_loss": 1.7, "step": 100},
	    {"loss": 1.2, "step": 200},
	    {"eval_loss": 1.3, "step": 200},
	    {"loss": 0.9, "step": 300}
	  ]
	}`
	require.NoError(t, afero.WriteFile(fsys, "/c/"+TrainerStateFileName, []byte(state), 0o644))

	r, err := LoadRecord(fsys, "/c")
	require.NoError(t, err)
	require.NotNil(t, r.EvalLoss)
	require.NotNil(t, r.TrainLoss)
	assert.InDelta(t, 1.3, *r.EvalLoss, 1e-12)
	assert.InDelta(t, 1.2, *r.TrainLoss, 1e-12, "train loss is taken at or before the eval entry")
	assert.Equal(t, 300, r.GlobalStep)
}

func TestLoadRecord_Missing(t *testing.T) {
	_, err := LoadRecord(afero.NewMemMapFs(), "/nope")
	assert.ErrorIs(t, err, ErrNoMetrics)
}

func TestPointerRoundTrip(t *testing.T) {
	fsys := afero.NewMemMapFs()
	_, ok, err := LoadPointer(fsys, "/out")
	require.NoError(t, err)
	assert.False(t, ok)

	p := BestCheckpointPointer{Step: 40, Epoch: 1, Path: "/out/checkpoint-40", Score: 0.31}
	require.NoError(t, SavePointer(fsys, "/out", p))

	got, ok, err := LoadPointer(fsys, "/out")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, p, got)

	exists, err := afero.Exists(fsys, "/out/"+PointerFileName+".tmp")
	require.NoError(t, err)
	assert.False(t, exists)
}
