package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the root command in a clean directory and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	viper.Reset()

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeCheckpoint(t *testing.T, dir string, step string, metrics string) {
	t.Helper()
	ckpt := filepath.Join(dir, "checkpoint-"+step)
	require.NoError(t, os.MkdirAll(ckpt, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ckpt, "metrics.json"), []byte(metrics), 0o644))
}

func TestRootCmd_Help(t *testing.T) {
	out, err := run(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "tunewatch - checkpoint scoring")
	assert.Contains(t, out, "Usage:")
	assert.Contains(t, out, "watch")
	assert.Contains(t, out, "pretokenize")
}

func TestVersion(t *testing.T) {
	assert.Equal(t, "0.3.0", GetVersion())
}

func TestScoreCmd_JSON(t *testing.T) {
	outputDir := t.TempDir()
	writeCheckpoint(t, outputDir, "100", `{"eval_loss":0.5,"train_loss":0.45,"epoch":1,"epochs_without_improvement":0}`)
	writeCheckpoint(t, outputDir, "200", `{"eval_loss":0.4,"train_loss":0.1,"epoch":2,"epochs_without_improvement":1}`)
	writeCheckpoint(t, outputDir, "300", `{"train_loss":0.05,"epoch":3}`)

	out, err := run(t, "score", outputDir, "--json", "--write-pointer")
	require.NoError(t, err)

	var got struct {
		Checkpoints []struct {
			Step  int      `json:"step"`
			Score *float64 `json:"score"`
		} `json:"checkpoints"`
		Best *struct {
			Step int `json:"step"`
		} `json:"best"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Checkpoints, 3)
	assert.Nil(t, got.Checkpoints[2].Score, "missing eval_loss is rejected")
	require.NotNil(t, got.Best)
	assert.Equal(t, 100, got.Best.Step)
	assert.FileExists(t, filepath.Join(outputDir, "best_checkpoint.json"))
}

func TestScoreCmd_Empty(t *testing.T) {
	scoreJSON = false
	scoreWritePointer = false
	_, err := run(t, "score", t.TempDir())
	assert.Error(t, err)
}

func TestConfigShow_MasksSecrets(t *testing.T) {
	t.Setenv("TUNEWATCH_REMOTE_API_KEY", "sk-live-secret")
	out, err := run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "****")
	assert.NotContains(t, out, "sk-live-secret")
	assert.Contains(t, out, "cache_dir")
}
