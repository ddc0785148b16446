package core

// executor.go drives one import run from sheet to database.
//
// A run owns a single transaction. Every row's insert runs under its own
// savepoint, so a row the server rejects is rolled back alone while the rows
// before and after it stay in the transaction. Anything that breaks the
// transaction or connection aborts the run and rolls everything back.
//
// Rows are read in windows of BatchSize. For each window the executor
// validates the rows, prefetches the distinct foreign key values the valid
// rows need, then applies the rows strictly in sheet order.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/sheetimport/internal/logging"
	"github.com/JonMunkholm/sheetimport/internal/mapping"
	"github.com/JonMunkholm/sheetimport/internal/sheet"
)

// Defaults for ExecutorOptions.
const (
	DefaultBatchSize        = 500
	DefaultProgressInterval = 100
)

const rowSavepoint = "sheetimport_row"

// ExecutorOptions tunes an Executor. Zero values select defaults.
type ExecutorOptions struct {
	// BatchSize is how many rows are read ahead for resolver prefetch.
	BatchSize int
	// ProgressInterval is how many rows pass between progress callbacks.
	ProgressInterval int
	// ResolverParallelism bounds concurrent lookup queries during prefetch.
	ResolverParallelism int
	// Lookups issues resolver queries and preflight checks. Defaults to the database.
	Lookups Querier
	// Sink receives every finished result once. Optional.
	Sink    LogSink
	Metrics *Metrics
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Executor runs imports against a database. It holds no per-run state and
// may run several imports concurrently.
type Executor struct {
	db   Database
	opts ExecutorOptions
}

// NewExecutor creates an executor for db.
func NewExecutor(db Database, opts ExecutorOptions) *Executor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	if opts.Lookups == nil {
		opts.Lookups = db
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Executor{db: db, opts: opts}
}

// RunRequest describes one import.
type RunRequest struct {
	RunID    string // generated when empty
	Config   *mapping.Configuration
	Source   sheet.Handle
	Progress ProgressFunc
	// DryRun processes every row and then rolls back.
	DryRun bool
}

// run is the mutable state of one import.
type run struct {
	exec     *Executor
	req      RunRequest
	result   *ImportRunResult
	plan     *RowPlan
	insert   string
	resolver *Resolver
	tx       Tx
	log      *slog.Logger
	lastEmit int
}

type pendingRow struct {
	index      int
	validation RowValidationResult
}

// Run executes the import and always returns the terminal result.
//
// The error is nil for a completed run. Otherwise it is a *ConfigError (the
// run never started), a *FatalError (the run was rolled back),
// ErrRunCancelled, or a *SinkError when only recording the result failed.
// Row-level failures are never returned as errors; they are in the result.
func (e *Executor) Run(ctx context.Context, req RunRequest) (*ImportRunResult, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	r := &run{
		exec: e,
		req:  req,
		result: &ImportRunResult{
			RunID:           req.RunID,
			ConfigurationID: req.Config.ID,
			TargetTable:     req.Config.TargetTable,
			FileName:        req.Source.Name(),
			StartTime:       e.opts.Now(),
			Errors:          []RowError{},
			Status:          StatusPending,
			DryRun:          req.DryRun,
		},
		log: logging.WithFields(ctx,
			"run_id", req.RunID,
			"mapping", req.Config.ID,
			"table", req.Config.TargetTable,
		),
	}

	runErr := r.execute(ctx)
	return r.result, r.finish(ctx, runErr)
}

func (r *run) execute(ctx context.Context) error {
	if err := r.prepare(ctx); err != nil {
		return err
	}

	tx, err := r.exec.db.Begin(ctx)
	if err != nil {
		return r.abort(ctx, &FatalError{Op: "begin transaction", Err: err})
	}
	r.tx = tx
	r.result.Status = StatusRunning
	r.exec.opts.Metrics.runStarted()
	defer r.exec.opts.Metrics.runEnded()
	r.log.Info("import started", "file", r.result.FileName, "dry_run", r.req.DryRun)
	r.emit()

	r.resolver = NewResolver(r.exec.opts.Lookups, r.exec.opts.ResolverParallelism, r.exec.opts.Metrics)
	r.insert = r.plan.InsertSQL()

	it := r.req.Source.Rows()
	rowIndex := 0
	window := make([]pendingRow, 0, r.exec.opts.BatchSize)

	for {
		window = window[:0]
		for len(window) < r.exec.opts.BatchSize {
			if err := ctx.Err(); err != nil {
				return r.abort(ctx, err)
			}
			if !it.Next() {
				break
			}
			rowIndex++
			row := it.Row()
			if row.IsBlank() {
				continue
			}
			window = append(window, pendingRow{index: rowIndex, validation: Validate(row, r.plan)})
		}
		if len(window) == 0 {
			break
		}

		if err := r.prefetch(ctx, window); err != nil {
			return r.abort(ctx, err)
		}

		for _, pr := range window {
			if err := ctx.Err(); err != nil {
				return r.abort(ctx, err)
			}
			outcome, err := r.applyRow(ctx, pr)
			if err != nil {
				return r.abort(ctx, err)
			}
			r.result.record(outcome)
			r.exec.opts.Metrics.rowProcessed(outcome.Success)
			if r.result.TotalRecords-r.lastEmit >= r.exec.opts.ProgressInterval {
				r.emit()
			}
		}
	}

	if err := it.Err(); err != nil {
		return r.abort(ctx, &FatalError{Op: fmt.Sprintf("read row %d", rowIndex+1), Err: err})
	}
	if err := ctx.Err(); err != nil {
		return r.abort(ctx, err)
	}

	if r.req.DryRun {
		if err := r.tx.Rollback(context.WithoutCancel(ctx)); err != nil {
			r.log.Warn("dry run rollback failed", "error", err)
		}
	} else if err := r.tx.Commit(ctx); err != nil {
		return r.abort(ctx, &FatalError{Op: "commit", Err: err})
	}

	r.result.Status = StatusCompleted
	return nil
}

// prepare binds the mapping to the sheet and checks that every table it
// touches exists. Failures here leave the run pending-to-failed without ever
// opening a transaction.
func (r *run) prepare(ctx context.Context) error {
	plan, err := BuildPlan(r.req.Config, r.req.Source.Headers())
	if err != nil {
		return err
	}
	r.plan = plan

	tables := []string{r.req.Config.TargetTable}
	for _, f := range plan.Fields {
		if f.Rule != nil {
			tables = append(tables, f.Rule.ReferencedTable)
		}
	}
	for _, t := range tables {
		var exists bool
		err := r.exec.opts.Lookups.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", qualifiedIdent(t)).Scan(&exists)
		if err != nil {
			return &FatalError{Op: "check table " + t, Err: err}
		}
		if !exists {
			return &ConfigError{ConfigID: r.req.Config.ID, Reason: fmt.Sprintf("table %q does not exist", t)}
		}
	}
	return nil
}

func (r *run) prefetch(ctx context.Context, window []pendingRow) error {
	var reqs []LookupRequest
	for _, pr := range window {
		if !pr.validation.Valid() {
			continue
		}
		for i, f := range r.plan.Fields {
			if f.Rule != nil {
				reqs = append(reqs, LookupRequest{Rule: *f.Rule, Value: pr.validation.Values[i]})
			}
		}
	}
	if err := r.resolver.Prefetch(ctx, reqs); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &FatalError{Op: fmt.Sprintf("resolve rows %d-%d", window[0].index, window[len(window)-1].index), Err: err}
	}
	return nil
}

// applyRow validates, resolves and inserts one row. A returned error is fatal
// to the run; row-local failures come back as an unsuccessful outcome.
func (r *run) applyRow(ctx context.Context, pr pendingRow) (RowOutcome, error) {
	fail := func(msgs ...string) (RowOutcome, error) {
		return RowOutcome{RowIndex: pr.index, Errors: msgs}, nil
	}

	if !pr.validation.Valid() {
		return fail(pr.validation.Messages()...)
	}

	args := make([]any, len(r.plan.Fields))
	for i, f := range r.plan.Fields {
		v := pr.validation.Values[i]
		if f.Rule == nil {
			args[i] = v.Arg
			continue
		}
		key, err := r.resolver.ResolveField(ctx, f, v)
		if err != nil {
			var re *ResolveError
			if errors.As(err, &re) {
				return fail(fmt.Sprintf("foreign key resolution failed: %s: %s", f.Mapping.TargetField, re.Error()))
			}
			return RowOutcome{}, &FatalError{Op: fmt.Sprintf("resolve row %d", pr.index), Err: err}
		}
		args[i] = key.Arg()
	}

	if _, err := r.tx.Exec(ctx, "SAVEPOINT "+rowSavepoint); err != nil {
		return RowOutcome{}, &FatalError{Op: fmt.Sprintf("savepoint row %d", pr.index), Err: err}
	}

	if _, err := r.tx.Exec(ctx, r.insert, args...); err != nil {
		if isFatal(err) || connClosed(r.tx) {
			return RowOutcome{}, &FatalError{Op: fmt.Sprintf("insert row %d", pr.index), Err: err}
		}
		if _, rbErr := r.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+rowSavepoint); rbErr != nil {
			return RowOutcome{}, &FatalError{Op: fmt.Sprintf("rollback row %d", pr.index), Err: rbErr}
		}
		return fail(engineMessage(err))
	}

	if _, err := r.tx.Exec(ctx, "RELEASE SAVEPOINT "+rowSavepoint); err != nil {
		return RowOutcome{}, &FatalError{Op: fmt.Sprintf("release savepoint row %d", pr.index), Err: err}
	}
	return RowOutcome{RowIndex: pr.index, Success: true}, nil
}

// abort rolls back the open transaction, if any, and classifies err.
// Cancellation maps to ErrRunCancelled; a passed deadline is an
// infrastructure failure like any other.
func (r *run) abort(ctx context.Context, err error) error {
	if r.tx != nil {
		if rbErr := r.tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			r.log.Warn("rollback failed", "error", rbErr)
		}
	}

	if errors.Is(err, context.Canceled) {
		r.result.Status = StatusCancelled
		return fmt.Errorf("%w after %d rows", ErrRunCancelled, r.result.TotalRecords)
	}

	var fe *FatalError
	var ce *ConfigError
	if !errors.As(err, &fe) && !errors.As(err, &ce) {
		err = &FatalError{Op: fmt.Sprintf("after %d rows", r.result.TotalRecords), Err: err}
	}
	r.result.Status = StatusFailed
	r.result.Error = err.Error()
	return err
}

// finish stamps the end time, sends the final progress, and hands the result
// to the sink exactly once.
func (r *run) finish(ctx context.Context, runErr error) error {
	if runErr != nil && !r.result.Status.Terminal() {
		runErr = r.abort(ctx, runErr)
	}
	r.result.EndTime = r.exec.opts.Now()
	r.emit()
	r.exec.opts.Metrics.runFinished(r.result)

	attrs := []any{
		"status", r.result.Status,
		"total", r.result.TotalRecords,
		"successful", r.result.SuccessfulRecords,
		"failed", r.result.FailedRecords,
		"duration", r.result.Duration(),
	}
	if r.resolver != nil {
		stats := r.resolver.Stats()
		attrs = append(attrs, "lookups", stats.Lookups, "cache_hits", stats.CacheHits)
	}
	if runErr != nil {
		r.log.Error("import finished", append(attrs, "error", runErr)...)
	} else {
		r.log.Info("import finished", attrs...)
	}

	if sink := r.exec.opts.Sink; sink != nil {
		if err := sink.Record(context.WithoutCancel(ctx), r.result.Clone()); err != nil {
			r.exec.opts.Metrics.sinkFailed()
			var se *SinkError
			if !errors.As(err, &se) {
				err = &SinkError{RunID: r.result.RunID, Err: err}
			}
			return errors.Join(runErr, err)
		}
	}
	return runErr
}

func (r *run) emit() {
	r.lastEmit = r.result.TotalRecords
	if r.req.Progress == nil {
		return
	}
	p := Progress{
		RunID:      r.result.RunID,
		Status:     r.result.Status,
		Processed:  r.result.TotalRecords,
		Successful: r.result.SuccessfulRecords,
		Failed:     r.result.FailedRecords,
		Error:      r.result.Error,
	}
	p.BytesRead, p.BytesTotal = r.req.Source.BytesRead()
	r.req.Progress(p)
}
