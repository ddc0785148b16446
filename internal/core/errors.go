package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrRunCancelled is returned when a run stops because its context was cancelled.
var ErrRunCancelled = errors.New("import run cancelled")

// ConfigError means the run could not start: the mapping does not fit the
// sheet or the target schema. No transaction was opened.
type ConfigError struct {
	ConfigID string
	Reason   string
	Err      error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("configuration %q: %s", e.ConfigID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// FatalError is an infrastructure failure that aborted a running import.
type FatalError struct {
	Op  string // what the executor was doing, e.g. "insert row 12"
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// SinkError wraps a failure to persist a run result. Recording is idempotent,
// so the caller may retry with the same result.
type SinkError struct {
	RunID string
	Err   error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("record import run %s: %v", e.RunID, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// fatalSQLStateClasses are error classes after which the transaction or
// connection cannot be trusted.
var fatalSQLStateClasses = map[string]bool{
	"08": true, // connection exception
	"25": true, // invalid transaction state
	"53": true, // insufficient resources
	"57": true, // operator intervention
	"58": true, // system error
	"XX": true, // internal error
}

// fatalSQLStates are schema errors that would fail every row the same way.
var fatalSQLStates = map[string]bool{
	"42P01": true, // undefined_table
	"42703": true, // undefined_column
	"3F000": true, // invalid_schema_name
	"42501": true, // insufficient_privilege
}

// isFatal reports whether err must abort the run. Errors the server reports
// about the statement itself (constraint violations, bad input syntax) are
// row-local, and so are client-side failures such as a value pgx cannot
// encode for the column type. Only connection-level failures, cancellation
// and the fatal SQLSTATEs end the run.
func isFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if fatalSQLStates[pgErr.Code] {
			return true
		}
		return len(pgErr.Code) >= 2 && fatalSQLStateClasses[pgErr.Code[:2]]
	}
	return isConnectionError(err)
}

// isConnectionError reports whether err means the connection is gone or
// unusable.
func isConnectionError(err error) bool {
	if pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	var connectErr *pgconn.ConnectError
	switch {
	case errors.As(err, &netErr), errors.As(err, &connectErr):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return true
	case errors.Is(err, pgx.ErrTxClosed):
		return true
	}
	return false
}

// connClosed reports whether tx is backed by a pgx connection that has
// already been closed.
func connClosed(tx Tx) bool {
	c, ok := tx.(interface{ Conn() *pgx.Conn })
	if !ok || c.Conn() == nil {
		return false
	}
	return c.Conn().IsClosed()
}

// engineMessage is the text recorded for a row the server rejected.
func engineMessage(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Detail != "" {
			return fmt.Sprintf("%s (%s)", pgErr.Message, pgErr.Detail)
		}
		return pgErr.Message
	}
	return err.Error()
}
