package predictions

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullRecord(step, idx int) Record {
	gt := "Paris"
	score := 0.5
	return Record{
		JobID:            "job-1",
		Epoch:            2,
		Step:             step,
		SampleIndex:      idx,
		Source:           "dataset",
		SourceID:         "row-7",
		Prompt:           "capital of France?",
		GroundTruth:      &gt,
		PredictionText:   "Paris.",
		Score:            &score,
		PromptTokens:     12,
		CompletionTokens: 3,
		TotalTokens:      15,
		LatencyMS:        42,
		MaxNewTokens:     64,
		CreatedAt:        time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestSQLiteWriter_WriteList(t *testing.T) {
	w, err := OpenSQLite(filepath.Join(t.TempDir(), "db", "predictions.db"))
	require.NoError(t, err)
	defer w.Close()
	ctx := context.Background()

	plain := fullRecord(10, 1)
	plain.GroundTruth = nil
	plain.Score = nil
	require.NoError(t, w.Write(ctx, []Record{fullRecord(20, 0), fullRecord(10, 0), plain}))

	other := fullRecord(5, 0)
	other.JobID = "job-2"
	require.NoError(t, w.Write(ctx, []Record{other}))

	got, err := w.List(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, fullRecord(10, 0), got[0])
	assert.Equal(t, plain, got[1])
	assert.Equal(t, 20, got[2].Step)

	jobs, err := w.Jobs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"job-1", "job-2"}, jobs)
}

func TestSQLiteWriter_OrdersByTimeWithinASecond(t *testing.T) {
	w, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer w.Close()
	ctx := context.Background()

	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	early := fullRecord(1, 0)
	early.JobID = "job-early"
	early.CreatedAt = base
	late := fullRecord(1, 0)
	late.JobID = "job-late"
	late.CreatedAt = base.Add(500 * time.Millisecond)
	require.NoError(t, w.Write(ctx, []Record{late, early}))

	jobs, err := w.Jobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-late", "job-early"}, jobs)

	got, err := w.List(ctx, "job-late")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, late.CreatedAt.Equal(got[0].CreatedAt))

	var stored string
	require.NoError(t, w.db.QueryRowContext(ctx, `SELECT created_at FROM predictions WHERE job_id = ?`, "job-early").Scan(&stored))
	assert.Equal(t, "2025-01-02T03:04:05.000000000Z", stored)
}

func TestSQLiteWriter_InMemory(t *testing.T) {
	w, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Write(context.Background(), []Record{fullRecord(1, 0)}))
	got, err := w.List(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestJSONLWriter_Appends(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := NewJSONLWriter(fs, "/out/predictions.jsonl")

	require.NoError(t, w.Write(context.Background(), []Record{fullRecord(1, 0), fullRecord(1, 1)}))
	require.NoError(t, w.Write(context.Background(), []Record{fullRecord(2, 0)}))

	data, err := afero.ReadFile(fs, "/out/predictions.jsonl")
	require.NoError(t, err)
	var steps []int
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var r Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		steps = append(steps, r.Step)
	}
	assert.Equal(t, []int{1, 1, 2}, steps)
}

func TestHTTPWriter(t *testing.T) {
	var got struct {
		Records []Record `json:"records"`
	}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w := NewHTTPWriter(srv.URL, "secret", 0)
	require.NoError(t, w.Write(context.Background(), []Record{fullRecord(1, 0)}))
	assert.Equal(t, "Bearer secret", auth)
	require.Len(t, got.Records, 1)
	assert.Equal(t, "row-7", got.Records[0].SourceID)
}

func TestHTTPWriter_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewHTTPWriter(srv.URL, "", time.Second).Write(context.Background(), []Record{fullRecord(1, 0)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}
