package sheet

// streaming.go wraps raw CSV byte streams so encoding/csv never sees the
// artifacts that spreadsheet exports commonly carry:
//
//   - a UTF-8 byte order mark written by Windows programs
//   - stray Windows-1252 / Latin-1 bytes that are not valid UTF-8
//
// It also counts bytes so the executor can report progress for a stream whose
// row count is unknown. Memory use is bounded by the read buffer.

import (
	"bufio"
	"bytes"
	"io"
	"sync/atomic"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// bomSkipper drops a leading UTF-8 BOM.
type bomSkipper struct {
	br      *bufio.Reader
	checked bool
}

func newBOMSkipper(r io.Reader) *bomSkipper {
	return &bomSkipper{br: bufio.NewReader(r)}
}

func (b *bomSkipper) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		head, err := b.br.Peek(len(utf8BOM))
		if err == nil && bytes.Equal(head, utf8BOM) {
			_, _ = b.br.Discard(len(utf8BOM))
		}
	}
	return b.br.Read(p)
}

// utf8Sanitizer replaces invalid UTF-8 bytes with '?'. A multi-byte sequence
// split across reads is held back until the next read completes it.
// The replacement is a single byte so the output never grows past the input.
type utf8Sanitizer struct {
	r       io.Reader
	pending []byte
}

func newUTF8Sanitizer(r io.Reader) *utf8Sanitizer {
	return &utf8Sanitizer{r: r, pending: make([]byte, 0, utf8.UTFMax)}
}

func (s *utf8Sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	offset := copy(p, s.pending)
	s.pending = s.pending[:0]

	n, err := s.r.Read(p[offset:])
	n += offset
	if n == 0 {
		return 0, err
	}

	atEOF := err == io.EOF
	return s.sanitize(p[:n], atEOF), err
}

// sanitize rewrites data in place and returns how many bytes are ready.
func (s *utf8Sanitizer) sanitize(data []byte, atEOF bool) int {
	write := 0
	for read := 0; read < len(data); {
		if data[read] < utf8.RuneSelf {
			data[write] = data[read]
			write++
			read++
			continue
		}

		if !atEOF && !utf8.FullRune(data[read:]) {
			s.pending = append(s.pending, data[read:]...)
			return write
		}

		r, size := utf8.DecodeRune(data[read:])
		if r == utf8.RuneError && size == 1 {
			data[write] = '?'
			write++
			read++
			continue
		}
		copy(data[write:], data[read:read+size])
		write += size
		read += size
	}
	return write
}

// countingReader tracks bytes consumed from the underlying file.
type countingReader struct {
	r     io.Reader
	read  atomic.Int64
	total int64
}

func newCountingReader(r io.Reader, total int64) *countingReader {
	return &countingReader{r: r, total: total}
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read.Add(int64(n))
	return n, err
}

// Progress returns (bytes read, total size).
func (c *countingReader) Progress() (int64, int64) {
	return c.read.Load(), c.total
}

// wrapForStreaming applies the transforms in order: count raw bytes, strip the
// BOM, then sanitize.
func wrapForStreaming(r io.Reader, total int64) (io.Reader, *countingReader) {
	counter := newCountingReader(r, total)
	return newUTF8Sanitizer(newBOMSkipper(counter)), counter
}
