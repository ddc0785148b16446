package core

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier runs statements. Satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Tx is an open transaction owned by one run.
type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Database is the target store: a querier that can open transactions.
type Database interface {
	Querier
	Begin(ctx context.Context) (Tx, error)
}

type pgxDatabase struct {
	*pgxpool.Pool
}

// NewPgxDatabase adapts a connection pool to Database.
func NewPgxDatabase(pool *pgxpool.Pool) Database {
	return pgxDatabase{pool}
}

func (d pgxDatabase) Begin(ctx context.Context) (Tx, error) {
	tx, err := d.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Status is the lifecycle state of an import run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// RowError lists the problems that made one row fail.
type RowError struct {
	RowIndex int      `json:"row_index"` // 1-based data row position after the header
	Messages []string `json:"messages"`
}

// RowOutcome is the transient result of processing one row.
type RowOutcome struct {
	RowIndex int
	Success  bool
	Errors   []string
}

// ImportRunResult is the auditable record of one run.
//
// The executor owns it until the run is terminal; afterwards it is handed to
// the log sink and never mutated. Counts on failed or cancelled runs describe
// the rows processed before the run stopped, none of which were committed.
type ImportRunResult struct {
	RunID             string     `json:"run_id"`
	ConfigurationID   string     `json:"configuration_id"`
	TargetTable       string     `json:"target_table"`
	FileName          string     `json:"file_name"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           time.Time  `json:"end_time,omitzero"`
	TotalRecords      int        `json:"total_records"`
	SuccessfulRecords int        `json:"successful_records"`
	FailedRecords     int        `json:"failed_records"`
	Errors            []RowError `json:"errors"`
	Status            Status     `json:"status"`
	Error             string     `json:"error,omitempty"`
	DryRun            bool       `json:"dry_run,omitempty"`
}

func (r *ImportRunResult) record(o RowOutcome) {
	r.TotalRecords++
	if o.Success {
		r.SuccessfulRecords++
		return
	}
	r.FailedRecords++
	r.Errors = append(r.Errors, RowError{RowIndex: o.RowIndex, Messages: o.Errors})
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r *ImportRunResult) Clone() *ImportRunResult {
	c := *r
	c.Errors = make([]RowError, len(r.Errors))
	for i, e := range r.Errors {
		c.Errors[i] = RowError{RowIndex: e.RowIndex, Messages: append([]string(nil), e.Messages...)}
	}
	return &c
}

// Duration is the elapsed run time, or zero before the run ends.
func (r *ImportRunResult) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// Progress is a point-in-time snapshot of a run.
type Progress struct {
	RunID      string `json:"run_id"`
	Status     Status `json:"status"`
	Processed  int    `json:"processed"`
	Successful int    `json:"successful"`
	Failed     int    `json:"failed"`
	BytesRead  int64  `json:"bytes_read,omitempty"`
	BytesTotal int64  `json:"bytes_total,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Done reports whether this is the final snapshot of the run.
func (p Progress) Done() bool {
	return p.Status.Terminal()
}

// ProgressFunc receives progress snapshots. It is called on the run's
// goroutine and must not block.
type ProgressFunc func(Progress)
