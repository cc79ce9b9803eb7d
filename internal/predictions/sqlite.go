package predictions

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// createdAtLayout is fixed width so created_at sorts chronologically as text.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteWriter stores records in a local SQLite database.
type SQLiteWriter struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path. ":memory:" opens an
// in-memory database.
func OpenSQLite(path string) (*SQLiteWriter, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps an in-memory database alive and serializes writes.
	db.SetMaxOpenConns(1)

	w := &SQLiteWriter{db: db}
	if err := w.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return w, nil
}

func (w *SQLiteWriter) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS predictions (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		epoch INTEGER NOT NULL,
		step INTEGER NOT NULL,
		sample_index INTEGER NOT NULL,
		source TEXT NOT NULL,
		source_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		ground_truth TEXT,
		prediction_text TEXT NOT NULL,
		score REAL,
		prompt_tokens INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		total_tokens INTEGER NOT NULL,
		latency_ms INTEGER NOT NULL,
		max_new_tokens INTEGER NOT NULL,
		do_sample INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_predictions_job_step ON predictions(job_id, step, sample_index);
	`
	_, err := w.db.Exec(schema)
	return err
}

// Write inserts records in one transaction.
func (w *SQLiteWriter) Write(ctx context.Context, records []Record) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO predictions (
			id, job_id, epoch, step, sample_index, source, source_id, prompt,
			ground_truth, prediction_text, score, prompt_tokens, completion_tokens,
			total_tokens, latency_ms, max_new_tokens, do_sample, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		var groundTruth, score any
		if r.GroundTruth != nil {
			groundTruth = *r.GroundTruth
		}
		if r.Score != nil {
			score = *r.Score
		}
		_, err := stmt.ExecContext(ctx,
			uuid.NewString(), r.JobID, r.Epoch, r.Step, r.SampleIndex, r.Source, r.SourceID, r.Prompt,
			groundTruth, r.PredictionText, score, r.PromptTokens, r.CompletionTokens,
			r.TotalTokens, r.LatencyMS, r.MaxNewTokens, r.DoSample, r.CreatedAt.UTC().Format(createdAtLayout),
		)
		if err != nil {
			return fmt.Errorf("insert sample %d: %w", r.SampleIndex, err)
		}
	}
	return tx.Commit()
}

// List returns the records of a job ordered by step and sample index.
func (w *SQLiteWriter) List(ctx context.Context, jobID string) ([]Record, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT job_id, epoch, step, sample_index, source, source_id, prompt,
			ground_truth, prediction_text, score, prompt_tokens, completion_tokens,
			total_tokens, latency_ms, max_new_tokens, do_sample, created_at
		FROM predictions
		WHERE job_id = ?
		ORDER BY step, sample_index, created_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query predictions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r           Record
			groundTruth sql.NullString
			score       sql.NullFloat64
			createdAt   string
		)
		if err := rows.Scan(
			&r.JobID, &r.Epoch, &r.Step, &r.SampleIndex, &r.Source, &r.SourceID, &r.Prompt,
			&groundTruth, &r.PredictionText, &score, &r.PromptTokens, &r.CompletionTokens,
			&r.TotalTokens, &r.LatencyMS, &r.MaxNewTokens, &r.DoSample, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		if groundTruth.Valid {
			r.GroundTruth = &groundTruth.String
		}
		if score.Valid {
			r.Score = &score.Float64
		}
		// RFC3339Nano also reads rows written with a trimmed fraction.
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Jobs returns the distinct job ids in the database, most recent first.
func (w *SQLiteWriter) Jobs(ctx context.Context) ([]string, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT job_id FROM predictions GROUP BY job_id ORDER BY MAX(created_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		jobs = append(jobs, id)
	}
	return jobs, rows.Err()
}

// Close closes the database.
func (w *SQLiteWriter) Close() error {
	return w.db.Close()
}
