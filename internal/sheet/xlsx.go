package sheet

import (
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// xlsxHandle streams the first worksheet of a workbook.
//
// Rows come from excelize's streaming reader with raw cell values. Cell types
// and style indexes come from a second token stream over the same worksheet,
// so neither reader loads the sheet as a whole.
type xlsxHandle struct {
	path      string
	file      *excelize.File
	rows      *excelize.Rows
	attrs     *attrStream
	rowNum    int // sheet row number of the last row read, 1-based
	headers   []string
	date1904  bool
	dateStyle map[int]bool
	used      bool
}

func openXLSX(path string) (Handle, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, &ReaderError{Kind: ErrCorrupt, Path: path, Err: err}
	}

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return nil, &ReaderError{Kind: ErrCorrupt, Path: path, Err: errors.New("workbook has no worksheets")}
	}

	rows, err := f.Rows(sheets[0])
	if err != nil {
		f.Close()
		return nil, &ReaderError{Kind: ErrCorrupt, Path: path, Err: err}
	}

	attrs, err := openAttrStream(path)
	if err != nil {
		rows.Close()
		f.Close()
		return nil, &ReaderError{Kind: ErrCorrupt, Path: path, Err: err}
	}

	h := &xlsxHandle{
		path:      path,
		file:      f,
		rows:      rows,
		attrs:     attrs,
		dateStyle: make(map[int]bool),
	}
	if props, err := f.GetWorkbookProps(); err == nil && props.Date1904 != nil {
		h.date1904 = *props.Date1904
	}

	if err := h.readHeader(); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

func (h *xlsxHandle) readHeader() error {
	for i := 0; i < MaxHeaderSearchRows; i++ {
		if !h.rows.Next() {
			if err := h.rows.Error(); err != nil {
				return &ReaderError{Kind: ErrCorrupt, Path: h.path, Err: err}
			}
			return &ReaderError{Kind: ErrCorrupt, Path: h.path, Err: errors.New("no header row")}
		}
		h.rowNum++
		cols, err := h.rows.Columns()
		if err != nil {
			return &ReaderError{Kind: ErrCorrupt, Path: h.path, Err: err}
		}
		if isBlankStrings(cols) {
			continue
		}
		h.headers = cleanHeaders(cols)
		return nil
	}
	return &ReaderError{Kind: ErrCorrupt, Path: h.path, Err: errors.New("no header row in leading rows")}
}

func (h *xlsxHandle) Name() string              { return filepath.Base(h.path) }
func (h *xlsxHandle) Headers() []string         { return append([]string(nil), h.headers...) }
func (h *xlsxHandle) BytesRead() (int64, int64) { return 0, 0 }

func (h *xlsxHandle) Rows() RowIterator {
	if h.used {
		return &errIterator{err: &ReaderError{Kind: ErrCorrupt, Path: h.path, Err: errors.New("rows already consumed; reopen the file")}}
	}
	h.used = true
	return &xlsxIterator{h: h}
}

func (h *xlsxHandle) Close() error {
	var errs []error
	if h.rows != nil {
		errs = append(errs, h.rows.Close())
	}
	if h.attrs != nil {
		errs = append(errs, h.attrs.Close())
	}
	errs = append(errs, h.file.Close())
	return errors.Join(errs...)
}

type xlsxIterator struct {
	h   *xlsxHandle
	row Row
	err error
}

func (it *xlsxIterator) Next() bool {
	if it.err != nil {
		return false
	}
	h := it.h
	if !h.rows.Next() {
		if err := h.rows.Error(); err != nil {
			it.err = &ReaderError{Kind: ErrCorrupt, Path: h.path, Err: err}
		}
		return false
	}
	h.rowNum++

	raw, err := h.rows.Columns(excelize.Options{RawCellValue: true})
	if err != nil {
		it.err = &ReaderError{Kind: ErrCorrupt, Path: h.path, Err: err}
		return false
	}

	attrs, err := h.attrs.row(h.rowNum)
	if err != nil {
		it.err = &ReaderError{Kind: ErrCorrupt, Path: h.path, Err: err}
		return false
	}

	row := make(Row, len(raw))
	for col, v := range raw {
		row[col] = h.typedCell(v, attrs[col+1])
	}
	it.row = row
	return true
}

func (it *xlsxIterator) Row() Row   { return it.row }
func (it *xlsxIterator) Err() error { return it.err }

// typedCell converts a raw value into a Cell using the cell's XML type and
// style.
func (h *xlsxHandle) typedCell(raw string, attrs cellAttrs) Cell {
	if strings.TrimSpace(raw) == "" {
		return Empty()
	}

	switch attrs.typ {
	case "s", "inlineStr", "e":
		return TextCell(CleanCell(raw))
	case "b":
		return BoolCell(raw == "1" || strings.EqualFold(raw, "true"))
	case "d":
		if t, ok := parseISODate(raw); ok {
			return DateCell(t)
		}
		return TextCell(CleanCell(raw))
	}

	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return TextCell(CleanCell(raw))
	}
	if h.isDateStyle(attrs.style) {
		if t, err := excelize.ExcelDateToTime(f, h.date1904); err == nil {
			return DateCell(t)
		}
	}
	return NumberCell(f)
}

func (h *xlsxHandle) isDateStyle(idx int) bool {
	if idx <= 0 {
		return false
	}
	if v, ok := h.dateStyle[idx]; ok {
		return v
	}

	isDate := false
	if style, err := h.file.GetStyle(idx); err == nil && style != nil {
		if style.CustomNumFmt != nil {
			isDate = isDateFormat(*style.CustomNumFmt)
		} else {
			isDate = isBuiltInDateFormat(style.NumFmt)
		}
	}
	h.dateStyle[idx] = isDate
	return isDate
}

// isBuiltInDateFormat reports whether a built-in number format ID renders a date or time.
func isBuiltInDateFormat(id int) bool {
	switch {
	case id >= 14 && id <= 22:
		return true
	case id >= 27 && id <= 36:
		return true
	case id >= 45 && id <= 47:
		return true
	case id >= 50 && id <= 58:
		return true
	}
	return false
}

// isDateFormat reports whether a custom format code contains date tokens
// outside quoted literals and bracketed sections.
func isDateFormat(code string) bool {
	inQuote, inBracket := false, false
	for _, r := range strings.ToLower(code) {
		switch {
		case r == '"':
			inQuote = !inQuote
		case inQuote:
		case r == '[':
			inBracket = true
		case r == ']':
			inBracket = false
		case inBracket:
		case r == 'y' || r == 'd' || r == 'm':
			return true
		}
	}
	return false
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

func parseISODate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
