package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/sheetimport/internal/mapping"
	"github.com/JonMunkholm/sheetimport/internal/sheet"
)

// ErrRunNotFound is returned for an unknown or expired run ID.
var ErrRunNotFound = errors.New("import run not found")

// ServiceOptions configures a Service. Zero values select defaults.
type ServiceOptions struct {
	Executor ExecutorOptions

	MaxConcurrent int
	MaxWait       time.Duration
	// RunTimeout bounds a single run. A run that exceeds it fails.
	RunTimeout time.Duration
	// SinkAttempts is how many times a result is offered to the sink.
	SinkAttempts int
	SinkBackoff  time.Duration
	// KeepFinished is how long finished runs stay queryable in memory.
	KeepFinished time.Duration
}

// StartOptions describes one import started through the service.
type StartOptions struct {
	// FileName overrides the displayed file name, e.g. the name of an upload
	// spooled to a temp file.
	FileName string
	// RemoveFile deletes the file when the run ends.
	RemoveFile bool
	DryRun     bool
}

// RunLoader reads a recorded run back from the log store.
type RunLoader interface {
	LoadRun(ctx context.Context, runID string) (*ImportRunResult, error)
}

// Service runs imports in the background and tracks them by run ID.
type Service struct {
	registry *mapping.Registry
	exec     *Executor
	limiter  *RunLimiter
	sink     LogSink
	opts     ServiceOptions

	mu   sync.RWMutex
	runs map[string]*activeRun
}

type activeRun struct {
	ID       string
	ConfigID string
	FileName string
	Cancel   context.CancelFunc
	Done     chan struct{}

	mu        sync.Mutex
	progress  Progress
	result    *ImportRunResult
	err       error
	listeners []chan Progress
}

// NewService creates a service executing imports against db with the
// configurations in registry.
func NewService(db Database, registry *mapping.Registry, opts ServiceOptions) *Service {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 30 * time.Minute
	}
	if opts.SinkAttempts <= 0 {
		opts.SinkAttempts = 3
	}
	if opts.SinkBackoff <= 0 {
		opts.SinkBackoff = time.Second
	}
	if opts.KeepFinished <= 0 {
		opts.KeepFinished = 5 * time.Minute
	}

	return &Service{
		registry: registry,
		exec:     NewExecutor(db, opts.Executor),
		limiter:  NewRunLimiter(opts.MaxConcurrent, opts.MaxWait),
		sink:     opts.Executor.Sink,
		opts:     opts,
		runs:     make(map[string]*activeRun),
	}
}

// Mappings returns the registered configurations.
func (s *Service) Mappings() []*mapping.Configuration {
	return s.registry.All()
}

// Limiter exposes the run limiter for status reporting.
func (s *Service) Limiter() *RunLimiter {
	return s.limiter
}

// StartImport opens the sheet at path and starts importing it with the
// configuration configID. It returns the run ID once the run is queued;
// unknown configurations and unreadable files are reported synchronously.
func (s *Service) StartImport(ctx context.Context, configID, path string, opts StartOptions) (string, error) {
	cfg, err := s.registry.Get(configID)
	if err != nil {
		return "", &ConfigError{ConfigID: configID, Reason: "unknown configuration", Err: err}
	}

	src, err := sheet.Open(path)
	if err != nil {
		return "", err
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		src.Close()
		return "", err
	}

	fileName := opts.FileName
	if fileName == "" {
		fileName = src.Name()
	}

	runID := uuid.NewString()
	runCtx, cancel := context.WithTimeout(context.Background(), s.opts.RunTimeout)

	run := &activeRun{
		ID:       runID,
		ConfigID: cfg.ID,
		FileName: fileName,
		Cancel:   cancel,
		Done:     make(chan struct{}),
		progress: Progress{RunID: runID, Status: StatusPending},
	}

	s.mu.Lock()
	s.runs[runID] = run
	s.mu.Unlock()

	go s.process(runCtx, run, RunRequest{
		RunID:    runID,
		Config:   cfg,
		Source:   namedHandle{Handle: src, name: fileName},
		Progress: run.update,
		DryRun:   opts.DryRun,
	}, path, opts.RemoveFile)

	return runID, nil
}

func (s *Service) process(ctx context.Context, run *activeRun, req RunRequest, path string, removeFile bool) {
	log := slog.With("run_id", run.ID, "mapping", run.ConfigID)

	var (
		result *ImportRunResult
		err    error
	)
	// Resources are released before the run is marked done, so a caller
	// woken by Result sees the file removed and the slot free.
	defer func() {
		if r := recover(); r != nil {
			log.Error("import panicked", "panic", r)
			result, err = nil, fmt.Errorf("import panicked: %v", r)
		}
		run.Cancel()
		req.Source.Close()
		if removeFile {
			if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				log.Warn("remove import file", "path", path, "error", rmErr)
			}
		}
		s.limiter.Release()
		run.finish(result, err)
		s.cleanup(run.ID, s.opts.KeepFinished)
	}()

	result, err = s.exec.Run(ctx, req)

	var se *SinkError
	if errors.As(err, &se) {
		err = s.retrySink(ctx, result, err)
	}
}

// retrySink offers the result to the sink again after a failed recording.
// Recording is idempotent, so a partially applied earlier attempt is harmless.
// The run's own outcome, if any, is kept in the returned error.
func (s *Service) retrySink(ctx context.Context, result *ImportRunResult, runErr error) error {
	var outcome error
	for _, e := range unwrapJoined(runErr) {
		var se *SinkError
		if !errors.As(e, &se) {
			outcome = errors.Join(outcome, e)
		}
	}

	ctx = context.WithoutCancel(ctx)
	var lastErr error
	for attempt := 2; attempt <= s.opts.SinkAttempts; attempt++ {
		time.Sleep(s.opts.SinkBackoff * time.Duration(attempt-1))

		lastErr = s.sink.Record(ctx, result.Clone())
		if lastErr == nil {
			slog.Info("import result recorded after retry", "run_id", result.RunID, "attempt", attempt)
			return outcome
		}
		s.exec.opts.Metrics.sinkFailed()
		slog.Warn("record import result", "run_id", result.RunID, "attempt", attempt, "error", lastErr)
	}
	if lastErr == nil {
		lastErr = runErr
	}
	return errors.Join(outcome, lastErr)
}

func unwrapJoined(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

// SubscribeProgress returns a channel of progress updates and a function to
// stop receiving them. The channel is closed when the run ends.
func (s *Service) SubscribeProgress(runID string) (<-chan Progress, func(), error) {
	run, ok := s.lookup(runID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	ch := make(chan Progress, 16)

	run.mu.Lock()
	defer run.mu.Unlock()

	// Send current progress immediately
	ch <- run.progress
	if run.result != nil {
		close(ch)
		return ch, func() {}, nil
	}
	run.listeners = append(run.listeners, ch)

	return ch, func() { run.unsubscribe(ch) }, nil
}

// Progress returns the latest progress without blocking.
func (s *Service) Progress(runID string) (Progress, error) {
	run, ok := s.lookup(runID)
	if !ok {
		return Progress{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.progress, nil
}

// CancelRun requests cancellation. The run stops before its next row and
// rolls back.
func (s *Service) CancelRun(runID string) error {
	run, ok := s.lookup(runID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	run.Cancel()
	return nil
}

// Result waits for the run to finish and returns its result and error.
// Runs no longer tracked in memory are read from the log store when the sink
// supports it.
func (s *Service) Result(ctx context.Context, runID string) (*ImportRunResult, error) {
	run, ok := s.lookup(runID)
	if !ok {
		if loader, ok := s.sink.(RunLoader); ok {
			r, err := loader.LoadRun(ctx, runID)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrRunNotFound, runID, err)
			}
			return r, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	select {
	case <-run.Done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	return run.result.Clone(), run.err
}

// Shutdown waits for active runs to finish. When ctx expires first, the
// remaining runs are cancelled and rolled back.
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.limiter.WaitForDrain(ctx)
	if err == nil {
		return nil
	}

	s.mu.RLock()
	for _, run := range s.runs {
		run.Cancel()
	}
	s.mu.RUnlock()
	return err
}

func (s *Service) lookup(runID string) (*activeRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	return run, ok
}

// cleanup removes the run from tracking after a delay.
func (s *Service) cleanup(runID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.runs, runID)
		s.mu.Unlock()
	})
}

// update records p and sends it to every listener without blocking.
func (run *activeRun) update(p Progress) {
	run.mu.Lock()
	defer run.mu.Unlock()

	run.progress = p
	for _, ch := range run.listeners {
		select {
		case ch <- p:
		default:
			// Listener is slow, skip this update
		}
	}
}

func (run *activeRun) finish(result *ImportRunResult, err error) {
	run.mu.Lock()
	defer run.mu.Unlock()

	if run.result != nil {
		return
	}
	if result == nil {
		result = &ImportRunResult{
			RunID:           run.ID,
			ConfigurationID: run.ConfigID,
			FileName:        run.FileName,
			Errors:          []RowError{},
			Status:          StatusFailed,
			Error:           err.Error(),
		}
		run.progress = Progress{RunID: run.ID, Status: StatusFailed, Error: err.Error()}
	}
	run.result = result
	run.err = err

	for _, ch := range run.listeners {
		close(ch)
	}
	run.listeners = nil
	close(run.Done)
}

func (run *activeRun) unsubscribe(ch chan Progress) {
	run.mu.Lock()
	defer run.mu.Unlock()

	for i, l := range run.listeners {
		if l == ch {
			run.listeners = append(run.listeners[:i], run.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// namedHandle overrides the file name reported by a sheet handle.
type namedHandle struct {
	sheet.Handle
	name string
}

func (h namedHandle) Name() string { return h.name }
