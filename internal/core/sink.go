package core

// sink.go persists finished import runs.
//
// The PostgreSQL sink writes a run and its row errors in one transaction.
// Both inserts ignore conflicts on their keys, so recording the same result
// twice is harmless and callers can retry after a transient failure.

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// LogSink receives each finished run exactly once.
type LogSink interface {
	Record(ctx context.Context, result *ImportRunResult) error
}

// LogSinkFunc adapts a function to LogSink.
type LogSinkFunc func(ctx context.Context, result *ImportRunResult) error

func (f LogSinkFunc) Record(ctx context.Context, result *ImportRunResult) error {
	return f(ctx, result)
}

// Purger deletes recorded runs that started before a cutoff.
type Purger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

const logSchema = `
CREATE TABLE IF NOT EXISTS import_runs (
	id                 text PRIMARY KEY,
	configuration_id   text NOT NULL,
	target_table       text NOT NULL,
	file_name          text NOT NULL,
	status             text NOT NULL,
	dry_run            boolean NOT NULL DEFAULT false,
	total_records      integer NOT NULL,
	successful_records integer NOT NULL,
	failed_records     integer NOT NULL,
	error              text,
	started_at         timestamptz NOT NULL,
	ended_at           timestamptz,
	recorded_at        timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS import_runs_started_at_idx ON import_runs (started_at);

CREATE TABLE IF NOT EXISTS import_run_errors (
	run_id    text NOT NULL REFERENCES import_runs (id) ON DELETE CASCADE,
	row_index integer NOT NULL,
	messages  jsonb NOT NULL,
	PRIMARY KEY (run_id, row_index)
);`

const insertRunSQL = `
INSERT INTO import_runs (
	id, configuration_id, target_table, file_name, status, dry_run,
	total_records, successful_records, failed_records, error, started_at, ended_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12)
ON CONFLICT (id) DO NOTHING`

const insertRunErrorsSQL = `
INSERT INTO import_run_errors (run_id, row_index, messages)
SELECT $1, e.row_index, e.messages
FROM jsonb_to_recordset($2::jsonb) AS e(row_index integer, messages jsonb)
ON CONFLICT (run_id, row_index) DO NOTHING`

// PgLogSink records runs in the import_runs and import_run_errors tables.
type PgLogSink struct {
	db Database
}

// NewPgLogSink creates a sink writing through db.
func NewPgLogSink(db Database) *PgLogSink {
	return &PgLogSink{db: db}
}

// EnsureSchema creates the log tables if they do not exist.
func (s *PgLogSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, logSchema); err != nil {
		return fmt.Errorf("create import log schema: %w", err)
	}
	return nil
}

// Record writes the run and its row errors. Errors are returned as *SinkError.
func (s *PgLogSink) Record(ctx context.Context, r *ImportRunResult) error {
	if err := s.record(ctx, r); err != nil {
		return &SinkError{RunID: r.RunID, Err: err}
	}
	return nil
}

func (s *PgLogSink) record(ctx context.Context, r *ImportRunResult) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var ended *time.Time
	if !r.EndTime.IsZero() {
		ended = &r.EndTime
	}

	_, err = tx.Exec(ctx, insertRunSQL,
		r.RunID, r.ConfigurationID, r.TargetTable, r.FileName, string(r.Status), r.DryRun,
		r.TotalRecords, r.SuccessfulRecords, r.FailedRecords, r.Error, r.StartTime, ended,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if len(r.Errors) > 0 {
		payload, err := json.Marshal(r.Errors)
		if err != nil {
			return fmt.Errorf("encode row errors: %w", err)
		}
		if _, err := tx.Exec(ctx, insertRunErrorsSQL, r.RunID, string(payload)); err != nil {
			return fmt.Errorf("insert row errors: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// PurgeBefore deletes runs, and their row errors, that started before cutoff.
func (s *PgLogSink) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, "DELETE FROM import_runs WHERE started_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge import runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// LoadRun reads a recorded run back, including its row errors.
func (s *PgLogSink) LoadRun(ctx context.Context, runID string) (*ImportRunResult, error) {
	r := &ImportRunResult{RunID: runID}
	var (
		status  string
		errText *string
		ended   *time.Time
		errs    []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT configuration_id, target_table, file_name, status, dry_run,
		       total_records, successful_records, failed_records, error, started_at, ended_at,
		       COALESCE((SELECT jsonb_agg(jsonb_build_object('row_index', e.row_index, 'messages', e.messages) ORDER BY e.row_index)
		                 FROM import_run_errors e WHERE e.run_id = r.id), '[]'::jsonb)
		FROM import_runs r WHERE r.id = $1`, runID,
	).Scan(&r.ConfigurationID, &r.TargetTable, &r.FileName, &status, &r.DryRun,
		&r.TotalRecords, &r.SuccessfulRecords, &r.FailedRecords, &errText, &r.StartTime, &ended, &errs)
	if err != nil {
		return nil, fmt.Errorf("load import run %s: %w", runID, err)
	}

	r.Status = Status(status)
	if errText != nil {
		r.Error = *errText
	}
	if ended != nil {
		r.EndTime = *ended
	}
	if err := json.Unmarshal(errs, &r.Errors); err != nil {
		return nil, fmt.Errorf("decode row errors: %w", err)
	}
	return r, nil
}
