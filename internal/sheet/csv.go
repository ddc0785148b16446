package sheet

import (
	"bufio"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// csvHandle streams a delimited text file. Every non-blank cell is a text cell;
// typing happens later through the mapping's data type tags.
type csvHandle struct {
	path    string
	file    *os.File
	counter *countingReader
	reader  *csv.Reader
	headers []string
	used    bool
	// lastLine is the input line the previous record ended on.
	lastLine int
}

func openCSV(path string, size int64) (Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &ReaderError{Kind: ErrNotFound, Path: path}
		}
		return nil, &ReaderError{Kind: ErrCorrupt, Path: path, Err: err}
	}

	stream, counter := wrapForStreaming(f, size)
	buffered := bufio.NewReader(stream)

	delim, err := sniffDelimiter(buffered)
	if err != nil {
		f.Close()
		return nil, &ReaderError{Kind: ErrCorrupt, Path: path, Err: err}
	}

	r := csv.NewReader(buffered)
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = true

	h := &csvHandle{path: path, file: f, counter: counter, reader: r}
	if err := h.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return h, nil
}

// sniffDelimiter looks at the first line with any letters or digits and picks
// the most frequent of comma, semicolon and tab. Comma wins ties.
func sniffDelimiter(br *bufio.Reader) (rune, error) {
	head, err := br.Peek(4096)
	if err != nil && err != io.EOF && !errors.Is(err, bufio.ErrBufferFull) {
		return 0, err
	}

	var line string
	for _, l := range strings.FieldsFunc(string(head), func(r rune) bool { return r == '\r' || r == '\n' }) {
		if strings.IndexFunc(l, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) >= 0 {
			line = l
			break
		}
	}

	best, bestCount := ',', strings.Count(line, ",")
	for _, d := range []rune{';', '\t'} {
		if c := strings.Count(line, string(d)); c > bestCount {
			best, bestCount = d, c
		}
	}
	return best, nil
}

func (h *csvHandle) readHeader() error {
	for i := 0; i < MaxHeaderSearchRows; i++ {
		record, err := h.reader.Read()
		if err == io.EOF {
			return &ReaderError{Kind: ErrCorrupt, Path: h.path, Err: errors.New("no header row")}
		}
		if err != nil {
			return &ReaderError{Kind: ErrCorrupt, Path: h.path, Err: err}
		}
		if isBlankStrings(record) {
			continue
		}
		// Binary content renamed to .csv parses as garbage rather than failing.
		if strings.ContainsRune(strings.Join(record, ""), 0) {
			return &ReaderError{Kind: ErrCorrupt, Path: h.path, Err: errors.New("binary content in text file")}
		}
		h.headers = cleanHeaders(record)
		_, h.lastLine = h.recordLines(record)
		return nil
	}
	return &ReaderError{Kind: ErrCorrupt, Path: h.path, Err: errors.New("no header row in leading rows")}
}

// recordLines returns the input lines the last read record starts and ends
// on. Quoted fields may span lines, so the end is the last field's start line
// plus its embedded newlines.
func (h *csvHandle) recordLines(record []string) (start, end int) {
	start, _ = h.reader.FieldPos(0)
	last := len(record) - 1
	end, _ = h.reader.FieldPos(last)
	return start, end + strings.Count(record[last], "\n")
}

func (h *csvHandle) Name() string      { return filepath.Base(h.path) }
func (h *csvHandle) Headers() []string { return append([]string(nil), h.headers...) }

func (h *csvHandle) BytesRead() (int64, int64) {
	return h.counter.Progress()
}

func (h *csvHandle) Rows() RowIterator {
	if h.used {
		return &errIterator{err: &ReaderError{Kind: ErrCorrupt, Path: h.path, Err: errors.New("rows already consumed; reopen the file")}}
	}
	h.used = true
	return &csvIterator{h: h}
}

func (h *csvHandle) Close() error {
	return h.file.Close()
}

// csvIterator yields one row per spreadsheet row. encoding/csv drops empty
// lines silently, so the gap between records is replayed as blank rows to
// keep row positions aligned with the file.
type csvIterator struct {
	h      *csvHandle
	row    Row
	err    error
	eof    bool
	blanks int
	queued Row
}

func (it *csvIterator) Next() bool {
	if it.blanks > 0 {
		it.blanks--
		it.row = Row{}
		return true
	}
	if it.queued != nil {
		it.row, it.queued = it.queued, nil
		return true
	}
	if it.eof || it.err != nil {
		return false
	}
	record, err := it.h.reader.Read()
	if err == io.EOF {
		it.eof = true
		return false
	}
	if err != nil {
		it.err = &ReaderError{Kind: ErrCorrupt, Path: it.h.path, Err: err}
		return false
	}

	row := make(Row, len(record))
	for i, v := range record {
		row[i] = TextCell(CleanCell(v))
	}

	start, end := it.h.recordLines(record)
	gap := start - it.h.lastLine - 1
	it.h.lastLine = end
	if gap > 0 {
		it.blanks = gap - 1
		it.queued = row
		it.row = Row{}
		return true
	}
	it.row = row
	return true
}

func (it *csvIterator) Row() Row   { return it.row }
func (it *csvIterator) Err() error { return it.err }

// errIterator yields nothing and reports err.
type errIterator struct{ err error }

func (it *errIterator) Next() bool { return false }
func (it *errIterator) Row() Row   { return nil }
func (it *errIterator) Err() error { return it.err }
