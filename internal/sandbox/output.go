package sandbox

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Sentinel lines appended to a job's output.
const (
	SentinelTimeout   = "timeout reached"
	SentinelMaxLines  = "max lines reached"
	SentinelMaxBytes  = "max output size reached"
	SentinelCancelled = "job cancelled"

	malformedOutput = "Malformed UTF-8 characters, possibly incorrectly encoded"
	exceptionPrefix = "Exception: "
)

// streamBuffer is how many lines a slow onLine consumer may fall behind
// before further lines are dropped from the stream.
const streamBuffer = 256

// Stream tags.
const (
	TagOut = "OUT"
	TagErr = "ERR"
)

// Output is the ordered, tagged line buffer shared by a job's stdout and
// stderr drains. Line and byte caps apply to the combined buffer.
type Output struct {
	mu       sync.Mutex
	lines    []string
	size     int // len(strings.Join(lines, "\n"))
	maxLines int
	maxBytes int
	sealed   bool

	// stream feeds onLine from its own goroutine; nil without onLine.
	stream       chan string
	streamClosed bool
	streamed     chan struct{} // closed once every queued line was delivered
	dropped      int

	capped  chan struct{}
	capOnce sync.Once
}

// NewOutput creates a buffer. onLine, if set, is called with every line
// appended (sentinels included) from a separate goroutine, never with the
// buffer lock held. Lines are dropped from the stream while onLine is more
// than streamBuffer lines behind; the buffer itself keeps them.
func NewOutput(maxLines, maxBytes int, onLine func(string)) *Output {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	o := &Output{
		maxLines: maxLines,
		maxBytes: maxBytes,
		capped:   make(chan struct{}),
		streamed: make(chan struct{}),
	}
	if onLine == nil {
		close(o.streamed)
		return o
	}
	o.stream = make(chan string, streamBuffer)
	go func() {
		defer close(o.streamed)
		for line := range o.stream {
			onLine(line)
		}
	}()
	return o
}

// Append records one line from the stream tagged tag. Blank lines are
// skipped. It returns false once the buffer no longer accepts lines and the
// caller should stop draining.
func (o *Output) Append(tag, line string) bool {
	if strings.TrimSpace(line) == "" {
		o.mu.Lock()
		defer o.mu.Unlock()
		return !o.sealed
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sealed {
		return false
	}

	if len(o.lines) >= o.maxLines {
		o.capLocked(SentinelMaxLines)
		return false
	}

	entry := tag + ": " + line
	grow := len(entry)
	if len(o.lines) > 0 {
		grow++
	}
	if o.size+grow > o.maxBytes {
		o.capLocked(SentinelMaxBytes)
		return false
	}

	o.pushLocked(entry)
	return true
}

// Seal closes the buffer with a terminal sentinel line. Sealing an already
// sealed buffer is a no-op, so the first completion path wins.
func (o *Output) Seal(sentinel string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sealed {
		return
	}
	o.sanitizeLocked()
	o.sealed = true
	if sentinel != "" {
		o.pushLocked(sentinel)
	}
	o.closeStreamLocked()
}

// Flush seals the buffer without a sentinel if it is still open and waits
// up to timeout for onLine to receive every queued line. It reports whether
// the stream was fully delivered.
func (o *Output) Flush(timeout time.Duration) bool {
	o.Seal("")
	select {
	case <-o.streamed:
		return true
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-o.streamed:
		return true
	case <-t.C:
		return false
	}
}

// Dropped returns how many lines were left out of the stream because onLine
// fell behind.
func (o *Output) Dropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// Fail seals the buffer with an exception line.
func (o *Output) Fail(err error) {
	o.Seal(exceptionPrefix + err.Error())
}

// Capped is closed when a line or byte cap stops the buffer.
func (o *Output) Capped() <-chan struct{} {
	return o.capped
}

// Sealed reports whether the buffer still accepts lines.
func (o *Output) Sealed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sealed
}

// Lines returns a copy of the buffer. If any line is not valid UTF-8 the
// whole buffer is replaced by a single diagnostic line.
func (o *Output) Lines() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sanitizeLocked()
	return append([]string(nil), o.lines...)
}

// Len returns the number of buffered lines.
func (o *Output) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.lines)
}

// Clear empties the buffer. A cleared buffer stays sealed.
func (o *Output) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lines = nil
	o.size = 0
	o.sealed = true
	o.closeStreamLocked()
}

func (o *Output) capLocked(sentinel string) {
	o.sanitizeLocked()
	o.sealed = true
	o.pushLocked(sentinel)
	o.closeStreamLocked()
	o.capOnce.Do(func() { close(o.capped) })
}

func (o *Output) pushLocked(line string) {
	if len(o.lines) > 0 {
		o.size++
	}
	o.size += len(line)
	o.lines = append(o.lines, line)
	if o.stream == nil || o.streamClosed {
		return
	}
	select {
	case o.stream <- line:
	default:
		o.dropped++
	}
}

func (o *Output) closeStreamLocked() {
	if o.stream != nil && !o.streamClosed {
		o.streamClosed = true
		close(o.stream)
	}
}

func (o *Output) sanitizeLocked() {
	for _, l := range o.lines {
		if !utf8.ValidString(l) {
			o.lines = []string{malformedOutput}
			o.size = len(malformedOutput)
			return
		}
	}
}
