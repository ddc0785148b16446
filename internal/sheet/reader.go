// Package sheet opens spreadsheet files and exposes them as a header row plus a
// lazy, single-pass sequence of typed rows.
//
// Supported formats are CSV (comma, semicolon or tab delimited) and Office Open
// XML workbooks (.xlsx, .xlsm). Callers never learn the row count in advance;
// a handle's rows can be consumed once and a fresh pass requires reopening.
package sheet

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sentinel error kinds. Use errors.Is against a *ReaderError.
var (
	ErrNotFound          = errors.New("spreadsheet not found")
	ErrUnsupportedFormat = errors.New("unsupported spreadsheet format")
	ErrCorrupt           = errors.New("spreadsheet is corrupt or unreadable")
)

// ReaderError describes why a spreadsheet could not be opened or read.
type ReaderError struct {
	Kind error  // One of ErrNotFound, ErrUnsupportedFormat, ErrCorrupt
	Path string // File path as given to Open
	Err  error  // Underlying cause, may be nil
}

func (e *ReaderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Kind)
}

// Is lets errors.Is match the sentinel kind.
func (e *ReaderError) Is(target error) bool {
	return target == e.Kind
}

func (e *ReaderError) Unwrap() error {
	return e.Err
}

// RowIterator is a single-pass cursor over data rows.
//
//	it := h.Rows()
//	for it.Next() {
//	    row := it.Row()
//	}
//	if err := it.Err(); err != nil { ... }
type RowIterator interface {
	// Next advances to the next row. It returns false at the end of the
	// stream or on error.
	Next() bool
	// Row returns the current row. Valid until the next call to Next.
	Row() Row
	// Err returns the first error encountered, wrapped as *ReaderError.
	Err() error
}

// Handle is an open spreadsheet.
type Handle interface {
	// Name is the base file name.
	Name() string
	// Headers returns the cleaned header names in column order.
	Headers() []string
	// Rows returns the data rows following the header. It may only be called once.
	Rows() RowIterator
	// BytesRead reports how far through the underlying file the reader is,
	// and the total size. Both are zero when the format cannot tell.
	BytesRead() (read, total int64)
	Close() error
}

// Format identifies a supported spreadsheet format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// DetectFormat maps a file name to a Format using its extension.
func DetectFormat(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".tsv", ".txt":
		return FormatCSV, true
	case ".xlsx", ".xlsm":
		return FormatXLSX, true
	default:
		return "", false
	}
}

// Open opens the spreadsheet at path and reads its header row.
// Missing files, unknown formats and unreadable content are reported as
// *ReaderError before any data row is consumed.
func Open(path string) (Handle, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &ReaderError{Kind: ErrNotFound, Path: path}
		}
		return nil, &ReaderError{Kind: ErrCorrupt, Path: path, Err: err}
	}
	if info.IsDir() {
		return nil, &ReaderError{Kind: ErrUnsupportedFormat, Path: path, Err: errors.New("is a directory")}
	}

	format, ok := DetectFormat(path)
	if !ok {
		return nil, &ReaderError{Kind: ErrUnsupportedFormat, Path: path}
	}

	switch format {
	case FormatXLSX:
		return openXLSX(path)
	default:
		return openCSV(path, info.Size())
	}
}

// MaxHeaderSearchRows bounds how many leading blank rows are skipped while
// looking for the header.
var MaxHeaderSearchRows = 20

// cleanHeaders trims artifacts from header cells.
func cleanHeaders(raw []string) []string {
	out := make([]string, len(raw))
	for i, h := range raw {
		out[i] = CleanCell(h)
	}
	return out
}

func isBlankStrings(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
