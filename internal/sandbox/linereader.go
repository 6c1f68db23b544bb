package sandbox

import (
	"bufio"
	"errors"
	"io"
	"os"
)

// LineReader yields newline-delimited lines from a stream until EOF or until
// the stop function reports true. A partial final line is yielded at EOF.
// Lines longer than the buffer are split into buffer-sized pieces.
type LineReader struct {
	r    *bufio.Reader
	stop func() bool
	line string
	err  error
}

// NewLineReader wraps r. stop may be nil.
func NewLineReader(r io.Reader, size int, stop func() bool) *LineReader {
	if size < 16 {
		size = 16
	}
	return &LineReader{r: bufio.NewReaderSize(r, size), stop: stop}
}

// Scan advances to the next line. It returns false at EOF, on a read error,
// or when stop is true before the read.
func (lr *LineReader) Scan() bool {
	if lr.err != nil {
		return false
	}
	if lr.stop != nil && lr.stop() {
		return false
	}
	b, _, err := lr.r.ReadLine()
	if err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
			lr.err = err
		}
		return false
	}
	lr.line = string(b)
	return true
}

// Text returns the line read by the last successful Scan, without its
// line terminator.
func (lr *LineReader) Text() string {
	return lr.line
}

// Err returns the first non-EOF read error.
func (lr *LineReader) Err() error {
	return lr.err
}
