package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrLineTooLong is returned for a request line over the reader's limit. The
// oversized line is consumed so reading can continue with the next one.
var ErrLineTooLong = errors.New("request line too long")

// Reader splits its input into lines.
type Reader struct {
	r   *bufio.Reader
	max int
}

// NewReader returns a Reader accepting lines up to max bytes. A max of zero
// or less selects DefaultMaxLineBytes.
func NewReader(r io.Reader, max int) *Reader {
	if max <= 0 {
		max = DefaultMaxLineBytes
	}
	return &Reader{r: bufio.NewReader(r), max: max}
}

// ReadLine returns the next line without its terminator. A final line with
// no newline is returned before io.EOF.
func (r *Reader) ReadLine() ([]byte, error) {
	var (
		line    []byte
		tooLong bool
		size    int
	)
	for {
		chunk, err := r.r.ReadSlice('\n')
		size += len(chunk)
		if size > r.max+1 {
			tooLong = true
			line = nil
		} else {
			line = append(line, chunk...)
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && size > 0 {
				break
			}
			return nil, err
		}
		break
	}

	if tooLong {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrLineTooLong, r.max)
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return line, nil
}

// Writer emits responses as whole lines, flushing after each one. Once a
// write fails the writer is marked broken and later responses are dropped,
// so a vanished parent never stops the worker from draining its input.
type Writer struct {
	mu     sync.Mutex
	w      *bufio.Writer
	broken error
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write encodes resp and delivers it as one line. It returns the encoded
// line and whether it reached the underlying writer. A response that cannot
// be encoded is replaced with an error response for the same ID.
func (w *Writer) Write(resp Response) ([]byte, bool) {
	line, err := Encode(resp)
	if err != nil {
		line, err = Encode(Error(resp.ID, fmt.Sprintf("encode response: %v", err), ""))
		if err != nil {
			return nil, false
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken != nil {
		return line, false
	}
	if _, err := w.w.Write(line); err != nil {
		w.broken = err
		return line, false
	}
	if err := w.w.Flush(); err != nil {
		w.broken = err
		return line, false
	}
	return line, true
}

// Err returns the write error that broke the writer, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.broken
}
