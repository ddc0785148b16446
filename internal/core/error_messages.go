package core

// error_messages.go maps technical errors to user-facing messages with codes
// for support reference.
//
// Codes by category:
//
//	DB001-DB099    database constraint and connection errors
//	VAL001-VAL099  row validation and reference resolution
//	FILE001-FILE099 spreadsheet files and uploads
//	RUN001-RUN099  run lifecycle (cancelled, busy, expired)
//	MAP001-MAP099  mapping configuration problems
//	ERR000         fallback, check the logs for the technical error
//
// Known error values are matched first with errors.Is and errors.As. Anything
// else falls through to case-insensitive substring patterns where the first
// match wins, so specific patterns come before general ones.

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/sheetimport/internal/mapping"
	"github.com/JonMunkholm/sheetimport/internal/sheet"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

var (
	msgRunCancelled = UserMessage{
		Message: "The import was cancelled and nothing was saved",
		Action:  "Start a new import when ready",
		Code:    "RUN001",
	}
	msgTooManyRuns = UserMessage{
		Message: "The system is busy with other imports",
		Action:  "Please wait a moment and try again",
		Code:    "RUN002",
	}
	msgRunNotFound = UserMessage{
		Message: "Import run not found",
		Action:  "The run may have expired. Check the import history",
		Code:    "RUN003",
	}
	msgFileNotFound = UserMessage{
		Message: "The spreadsheet could not be found",
		Action:  "Check the file path and try again",
		Code:    "FILE005",
	}
	msgUnsupported = UserMessage{
		Message: "This file type is not supported",
		Action:  "Upload a .csv, .tsv or .xlsx file",
		Code:    "FILE002",
	}
	msgCorrupt = UserMessage{
		Message: "The spreadsheet could not be read",
		Action:  "Open the file in a spreadsheet program and save it again",
		Code:    "FILE003",
	}
	msgUnknownMapping = UserMessage{
		Message: "Unknown mapping configuration",
		Action:  "Choose one of the configured mappings",
		Code:    "MAP001",
	}
	msgInvalidMapping = UserMessage{
		Message: "The mapping configuration is invalid",
		Action:  "Fix the mapping file and reload the server",
		Code:    "MAP004",
	}
)

// errorKind maps a known error value to its message.
type errorKind struct {
	target error
	msg    UserMessage
}

var errorKinds = []errorKind{
	{ErrRunCancelled, msgRunCancelled},
	{ErrTooManyRuns, msgTooManyRuns},
	{ErrRunNotFound, msgRunNotFound},
	{mapping.ErrNotFound, msgUnknownMapping},
	{sheet.ErrNotFound, msgFileNotFound},
	{sheet.ErrUnsupportedFormat, msgUnsupported},
	{sheet.ErrCorrupt, msgCorrupt},
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns maps technical error text (case-insensitive) to user messages.
var errorPatterns = []errorPattern{
	// Configuration problems found before a run starts
	{
		pattern: "have no source column",
		msg: UserMessage{
			Message: "Required columns are missing from the spreadsheet",
			Action:  "Check that the header row contains every required column",
			Code:    "MAP002",
		},
	},
	{
		pattern: "no mapped source column",
		msg: UserMessage{
			Message: "None of the mapped columns are in the spreadsheet",
			Action:  "Check that you picked the right mapping for this file",
			Code:    "MAP002",
		},
	},
	{
		pattern: "does not exist",
		msg: UserMessage{
			Message: "A table or column used by the mapping does not exist",
			Action:  "Ask an administrator to check the mapping's target tables",
			Code:    "MAP003",
		},
	},

	// Row errors recorded during a run
	{
		pattern: "is required but missing",
		msg: UserMessage{
			Message: "A required value is empty",
			Action:  "Fill in every required column for this row",
			Code:    "VAL001",
		},
	},
	{
		pattern: "has invalid type",
		msg: UserMessage{
			Message: "A value has the wrong format",
			Action:  "Use plain numbers, YYYY-MM-DD dates, and true/false",
			Code:    "VAL002",
		},
	},
	{
		pattern: "foreign key resolution failed",
		msg: UserMessage{
			Message: "A referenced record does not exist",
			Action:  "Import the referenced records first or correct the value",
			Code:    "VAL003",
		},
	},

	// Database constraints
	{
		pattern: "duplicate key",
		msg: UserMessage{
			Message: "A record with this key already exists",
			Action:  "Remove duplicate rows or records already imported",
			Code:    "DB001",
		},
	},
	{
		pattern: "violates unique",
		msg: UserMessage{
			Message: "A duplicate value was found",
			Action:  "Review your data for duplicate key values",
			Code:    "DB001",
		},
	},
	{
		pattern: "violates foreign key",
		msg: UserMessage{
			Message: "Referenced record does not exist",
			Action:  "Ensure parent records are imported first",
			Code:    "DB002",
		},
	},
	{
		pattern: "violates not-null",
		msg: UserMessage{
			Message: "A column that needs a value was left empty",
			Action:  "Add the column to the sheet or fill in its values",
			Code:    "DB003",
		},
	},
	{
		pattern: "violates check",
		msg: UserMessage{
			Message: "A value is outside the allowed range",
			Action:  "Check the allowed values for this column",
			Code:    "DB004",
		},
	},
	{
		pattern: "invalid input syntax",
		msg: UserMessage{
			Message: "The database rejected a value's format",
			Action:  "Check the column types in the mapping",
			Code:    "DB009",
		},
	},

	// Database connectivity
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Please try again in a few moments",
			Code:    "DB005",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "Database connection was interrupted",
			Action:  "Please try again",
			Code:    "DB006",
		},
	},
	{
		pattern: "deadlock",
		msg: UserMessage{
			Message: "Database was busy with conflicting operations",
			Action:  "Please try again",
			Code:    "DB008",
		},
	},

	// Requests and uploads
	{
		pattern: "file too large",
		msg: UserMessage{
			Message: "File exceeds the maximum upload size",
			Action:  "Split the file into smaller chunks",
			Code:    "FILE001",
		},
	},
	{
		pattern: "no mapping provided",
		msg: UserMessage{
			Message: "No mapping was selected",
			Action:  "Please choose which mapping to import with",
			Code:    "MAP005",
		},
	},
	{
		pattern: "no file provided",
		msg: UserMessage{
			Message: "No file was selected",
			Action:  "Please select a spreadsheet to import",
			Code:    "FILE004",
		},
	},
	{
		pattern: "context canceled",
		msg: UserMessage{
			Message: "Request was cancelled",
			Action:  "Please try again",
			Code:    "RUN004",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "The import took too long and nothing was saved",
			Action:  "Try a smaller file or try again later",
			Code:    "RUN005",
		},
	},
	{
		pattern: "timeout",
		msg: UserMessage{
			Message: "Operation timed out",
			Action:  "Try a smaller file or try again later",
			Code:    "DB007",
		},
	},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
// Known error values win over text patterns; unmatched errors get ERR000.
//
// Example:
//
//	msg := MapError(fmt.Errorf("start: %w", ErrTooManyRuns))
//	// msg.Code == "RUN002"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, k := range errorKinds {
		if errors.Is(err, k.target) {
			return k.msg
		}
	}
	var invalid *mapping.InvalidError
	if errors.As(err, &invalid) {
		return msgInvalidMapping
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific message rather than
// the ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error, kept for logging, with its user message.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err to a UserError. Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
