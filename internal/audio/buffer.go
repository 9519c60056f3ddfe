package audio

import (
	"fmt"
	"time"
)

// Format describes the PCM stream negotiated by audio-start.
type Format struct {
	Rate     int // samples per second
	Width    int // bytes per sample
	Channels int
}

// DefaultFormat is the conventional Wyoming ASR format: 16kHz mono 16-bit.
var DefaultFormat = Format{Rate: 16000, Width: 2, Channels: 1}

// Validate rejects formats the decode pipeline cannot carry.
func (f Format) Validate() error {
	if f.Rate <= 0 {
		return fmt.Errorf("invalid sample rate %d", f.Rate)
	}
	if f.Width != 2 {
		return fmt.Errorf("unsupported sample width %d (only 16-bit PCM)", f.Width)
	}
	if f.Channels != 1 {
		return fmt.Errorf("unsupported channel count %d (only mono)", f.Channels)
	}
	return nil
}

// BytesPerSecond returns the PCM byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.Rate * f.Width * f.Channels
}

// Duration converts a byte count into audio time at this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// FrameBuffer accumulates PCM bytes and cuts them into decode windows of a
// fixed duration. Append-only between drains; not safe for concurrent use,
// the owning session is the only writer.
type FrameBuffer struct {
	format     Format
	windowSize int // bytes per decode window
	data       []byte
	total      int64 // bytes ever appended
}

// NewFrameBuffer creates a buffer cutting windows of the given duration.
func NewFrameBuffer(format Format, window time.Duration) *FrameBuffer {
	size := int(window * time.Duration(format.BytesPerSecond()) / time.Second)
	// Round down to a whole frame so windows never split a sample.
	frame := format.Width * format.Channels
	if frame > 0 {
		size -= size % frame
	}
	if size <= 0 {
		size = frame
	}
	return &FrameBuffer{
		format:     format,
		windowSize: size,
		data:       make([]byte, 0, size*2),
	}
}

// Append adds PCM bytes to the buffer.
func (b *FrameBuffer) Append(pcm []byte) {
	b.data = append(b.data, pcm...)
	b.total += int64(len(pcm))
}

// WindowReady reports whether a full decode window is buffered.
func (b *FrameBuffer) WindowReady() bool {
	return len(b.data) >= b.windowSize
}

// NextWindow drains and returns one full decode window, or nil if less than
// a window is buffered.
func (b *FrameBuffer) NextWindow() []byte {
	if !b.WindowReady() {
		return nil
	}
	w := make([]byte, b.windowSize)
	copy(w, b.data[:b.windowSize])
	b.data = b.data[:copy(b.data, b.data[b.windowSize:])]
	return w
}

// Flush drains whatever remains, regardless of window size. Used when the
// stream stops and the tail must go through one final decode.
func (b *FrameBuffer) Flush() []byte {
	if len(b.data) == 0 {
		return nil
	}
	w := make([]byte, len(b.data))
	copy(w, b.data)
	b.data = b.data[:0]
	return w
}

// Buffered returns the number of bytes awaiting a window boundary.
func (b *FrameBuffer) Buffered() int { return len(b.data) }

// Total returns the number of bytes ever appended.
func (b *FrameBuffer) Total() int64 { return b.total }

// WindowSize returns the decode window size in bytes.
func (b *FrameBuffer) WindowSize() int { return b.windowSize }

// Format returns the negotiated stream format.
func (b *FrameBuffer) Format() Format { return b.format }
