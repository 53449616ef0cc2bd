// Package ndjson frames a byte stream into newline-delimited JSON lines.
//
// Chunk boundaries are irrelevant to the output: the same bytes split at any
// positions yield the same sequence of lines.
package ndjson

import (
	"bytes"
	"errors"
	"io"
)

// DefaultMaxLineBytes bounds a single line, and therefore the carry-over buffer.
const DefaultMaxLineBytes = 8 << 20

const readChunkBytes = 32 << 10

// ErrLineTooLong is returned when a line grows past the configured maximum
// before its terminator arrives.
var ErrLineTooLong = errors.New("ndjson: line exceeds maximum size")

// Splitter holds the partial remainder between chunks.
type Splitter struct {
	buf []byte
	max int
}

// NewSplitter returns a Splitter. maxLine <= 0 selects DefaultMaxLineBytes.
func NewSplitter(maxLine int) *Splitter {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	return &Splitter{max: maxLine}
}

// Feed appends chunk and returns every complete line, trimmed, with blank
// lines removed. The returned slices are owned by the caller.
func (s *Splitter) Feed(chunk []byte) ([][]byte, error) {
	s.buf = append(s.buf, chunk...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(s.buf[:i]); len(line) > 0 {
			lines = append(lines, bytes.Clone(line))
		}
		s.buf = s.buf[i+1:]
	}

	if len(s.buf) > s.max {
		return lines, ErrLineTooLong
	}
	if len(s.buf) == 0 {
		s.buf = nil
	}
	return lines, nil
}

// Flush returns the unterminated remainder, if it is not blank, and resets
// the buffer. Call it once the source is exhausted.
func (s *Splitter) Flush() []byte {
	line := bytes.TrimSpace(s.buf)
	s.buf = nil
	if len(line) == 0 {
		return nil
	}
	return bytes.Clone(line)
}

// Buffered reports how many bytes are waiting for a terminator.
func (s *Splitter) Buffered() int {
	return len(s.buf)
}

// Reader yields lines from an io.Reader one at a time. It reads from the
// source only when no decoded line is pending.
type Reader struct {
	src     io.Reader
	split   *Splitter
	chunk   []byte
	pending [][]byte
	err     error
}

// NewReader wraps src. maxLine <= 0 selects DefaultMaxLineBytes.
func NewReader(src io.Reader, maxLine int) *Reader {
	return &Reader{
		src:   src,
		split: NewSplitter(maxLine),
		chunk: make([]byte, readChunkBytes),
	}
}

// Next returns the next non-blank line. It returns io.EOF after the final
// line, and any other read error as-is once pending lines are drained.
func (r *Reader) Next() ([]byte, error) {
	for {
		if len(r.pending) > 0 {
			line := r.pending[0]
			r.pending = r.pending[1:]
			return line, nil
		}
		if r.err != nil {
			return nil, r.err
		}

		n, err := r.src.Read(r.chunk)
		if n > 0 {
			lines, ferr := r.split.Feed(r.chunk[:n])
			r.pending = append(r.pending, lines...)
			if ferr != nil {
				r.err = ferr
				continue
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if tail := r.split.Flush(); tail != nil {
					r.pending = append(r.pending, tail)
				}
				r.err = io.EOF
			} else {
				r.err = err
			}
		}
	}
}
