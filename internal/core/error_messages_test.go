package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/JonMunkholm/sheetimport/internal/mapping"
	"github.com/JonMunkholm/sheetimport/internal/sheet"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{
			name:     "nil error returns empty",
			err:      nil,
			wantCode: "",
		},
		{
			name:     "wrapped cancellation",
			err:      fmt.Errorf("%w after 12 rows", ErrRunCancelled),
			wantCode: "RUN001",
		},
		{
			name:     "limiter busy",
			err:      fmt.Errorf("start import: %w", ErrTooManyRuns),
			wantCode: "RUN002",
		},
		{
			name:     "unknown run",
			err:      fmt.Errorf("%w: abc", ErrRunNotFound),
			wantCode: "RUN003",
		},
		{
			name:     "unknown mapping inside config error",
			err:      &ConfigError{ConfigID: "x", Reason: "unknown configuration", Err: mapping.ErrNotFound},
			wantCode: "MAP001",
		},
		{
			name:     "invalid mapping",
			err:      &mapping.InvalidError{ConfigID: "x", Problems: []string{"id is required"}},
			wantCode: "MAP004",
		},
		{
			name:     "missing required columns",
			err:      &ConfigError{ConfigID: "x", Reason: "required fields have no source column: email"},
			wantCode: "MAP002",
		},
		{
			name:     "missing table",
			err:      &ConfigError{ConfigID: "x", Reason: `table "orders" does not exist`},
			wantCode: "MAP003",
		},
		{
			name:     "no mapping in request",
			err:      errors.New("no mapping provided"),
			wantCode: "MAP005",
		},
		{
			name:     "unsupported file",
			err:      &sheet.ReaderError{Kind: sheet.ErrUnsupportedFormat, Path: "a.pdf"},
			wantCode: "FILE002",
		},
		{
			name:     "corrupt file",
			err:      &sheet.ReaderError{Kind: sheet.ErrCorrupt, Path: "a.xlsx", Err: errors.New("zip: not a valid zip file")},
			wantCode: "FILE003",
		},
		{
			name:     "missing file",
			err:      &sheet.ReaderError{Kind: sheet.ErrNotFound, Path: "a.csv"},
			wantCode: "FILE005",
		},
		{
			name:     "row validation message",
			err:      errors.New("Email is required but missing"),
			wantCode: "VAL001",
		},
		{
			name:     "row resolution message",
			err:      errors.New(`foreign key resolution failed: customer_id: "x@y" not found in customers.email`),
			wantCode: "VAL003",
		},
		{
			name:     "duplicate key",
			err:      errors.New(`duplicate key value violates unique constraint "orders_pkey"`),
			wantCode: "DB001",
		},
		{
			name:     "connection refused",
			err:      &FatalError{Op: "begin transaction", Err: errors.New("dial tcp: connection refused")},
			wantCode: "DB005",
		},
		{
			name:     "deadline is a run timeout",
			err:      &FatalError{Op: "insert row 4", Err: errors.New("context deadline exceeded")},
			wantCode: "RUN005",
		},
		{
			name:     "unknown error returns default",
			err:      errors.New("some random internal error"),
			wantCode: "ERR000",
		},
		{
			name:     "case insensitive matching",
			err:      errors.New("DUPLICATE KEY value violates"),
			wantCode: "DB001",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError() code = %q, want %q", got.Code, tt.wantCode)
			}
		})
	}
}

func TestFormatUserError(t *testing.T) {
	result := FormatUserError(ErrTooManyRuns)

	expected := "The system is busy with other imports (Code: RUN002). Please wait a moment and try again"
	if result != expected {
		t.Errorf("FormatUserError() = %q, want %q", result, expected)
	}
}

func TestIsUserFacing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error is not user facing", nil, false},
		{"known error is user facing", errors.New("duplicate key"), true},
		{"unknown error is not user facing", errors.New("random internal error xyz"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUserFacing(tt.err); got != tt.want {
				t.Errorf("IsUserFacing() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewUserError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if got := NewUserError(nil); got != nil {
			t.Errorf("NewUserError(nil) = %v, want nil", got)
		}
	})

	t.Run("wraps technical error with user message", func(t *testing.T) {
		techErr := errors.New("duplicate key value")
		userErr := NewUserError(techErr)

		if userErr.Error() != "A record with this key already exists" {
			t.Errorf("Error() = %q, want user message", userErr.Error())
		}
		if !errors.Is(userErr, techErr) {
			t.Error("Unwrap() should return original error")
		}
	})
}
