package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxPayloadLength bounds a single event payload. Anything larger is treated
// as framing corruption: at 16kHz 16-bit mono this is over five minutes of
// audio in one chunk.
const MaxPayloadLength = 10 * 1024 * 1024

// MaxHeaderLength bounds a single header line. Real headers are a few hundred
// bytes; a stream that runs this long without a newline is not speaking the
// protocol and must not be buffered further.
const MaxHeaderLength = 64 * 1024

// Framing-level errors. Both desynchronize the byte stream and are fatal
// for the connection.
var (
	ErrMalformedHeader  = errors.New("malformed event header")
	ErrTruncatedPayload = errors.New("truncated event payload")
)

// Reader decodes events from a byte stream. A full event may arrive across
// multiple I/O reads; the reader blocks until the header line and the
// declared payload bytes are complete rather than failing on short reads.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r for event decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 32*1024)}
}

// readHeaderLine reads up to and including the next newline. It fails with
// ErrMalformedHeader once MaxHeaderLength bytes arrive without one, so a
// newline-free stream cannot grow the buffer without bound.
func (r *Reader) readHeaderLine() ([]byte, error) {
	var line []byte
	for {
		frag, err := r.br.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > MaxHeaderLength {
			return nil, fmt.Errorf("%w: header exceeds %d bytes", ErrMalformedHeader, MaxHeaderLength)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, err
	}
}

// Read decodes the next event. It returns io.EOF when the stream ends
// cleanly on an event boundary, ErrMalformedHeader when the header line is
// not valid JSON or declares an impossible payload, and ErrTruncatedPayload
// when the stream ends inside a declared payload.
func (r *Reader) Read() (*Event, error) {
	line, err := r.readHeaderLine()
	if err != nil {
		if err == io.EOF {
			if len(bytes.TrimSpace(line)) == 0 {
				return nil, io.EOF
			}
			// Stream ended mid-header.
			return nil, fmt.Errorf("%w: unterminated header", ErrMalformedHeader)
		}
		return nil, err
	}

	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, fmt.Errorf("%w: empty header line", ErrMalformedHeader)
	}

	var h header
	if err := json.Unmarshal(line, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if h.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedHeader)
	}

	ev := &Event{Type: h.Type}
	if err := ev.decodeData(h.Data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}

	if h.PayloadLength != nil {
		n := *h.PayloadLength
		if n < 0 || n > MaxPayloadLength {
			return nil, fmt.Errorf("%w: payload_length %d out of range", ErrMalformedHeader, n)
		}
		if n > 0 {
			ev.Payload = make([]byte, n)
			if _, err := io.ReadFull(r.br, ev.Payload); err != nil {
				return nil, fmt.Errorf("%w: want %d bytes: %v", ErrTruncatedPayload, n, err)
			}
		}
	}
	return ev, nil
}

// Writer encodes events onto a byte stream. Safe for concurrent use; an
// event header and its payload are always written back to back.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w for event encoding.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes ev. Encoding itself is total for well-formed events; the
// only errors are I/O errors from the underlying stream.
func (w *Writer) Write(ev *Event) error {
	buf, err := Encode(ev)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.w.Write(buf)
	return err
}

// Encode serializes ev into its wire form: header line plus payload bytes.
func Encode(ev *Event) ([]byte, error) {
	data, err := ev.data()
	if err != nil {
		return nil, err
	}

	h := header{Type: ev.Type, Data: data}
	if len(ev.Payload) > 0 {
		n := len(ev.Payload)
		h.PayloadLength = &n
	}

	line, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, len(line)+1+len(ev.Payload))
	buf = append(buf, line...)
	buf = append(buf, '\n')
	buf = append(buf, ev.Payload...)
	return buf, nil
}
