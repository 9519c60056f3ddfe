// Package engine defines the interface to speech-to-text backends
// (whisper.cpp, Google Cloud, mock) and the shared work queue that
// multiplexes sessions onto one loaded model.
package engine

import (
	"context"
	"errors"
)

// Sentinel failure modes. EngineUnavailable is fatal at startup: the process
// must not begin accepting connections. DecodeFailed is transient and is
// surfaced to the session as a decode-failed error event.
var (
	ErrEngineUnavailable = errors.New("engine unavailable")
	ErrDecodeFailed      = errors.New("decode failed")
)

// Result is one incremental recognition step. Consumed immediately by the
// session to build the next outgoing transcript event.
type Result struct {
	Text       string
	Final      bool
	Confidence float64
	Language   string
	DurationMs int64
}

// State carries whatever running context the backend needs for decode
// continuity within one session: accumulated text feeds the next window's
// prompt. Owned by the session, never shared.
type State struct {
	PriorText string
	Language  string
	// Flush marks the drain decode: the last window of a pass, after which
	// the backend should finalize its running hypothesis.
	Flush bool
}

// Capabilities is queried by the describe/info flow.
type Capabilities struct {
	Name              string
	Model             string
	GPU               bool
	StreamingPartials bool
	Languages         []string
	Models            []string
}

// Config is the backend construction surface, passed through unchanged from
// the CLI/environment.
type Config struct {
	Model         string
	ModelDir      string
	DataDir       string
	Device        string // cpu or cuda
	ComputeType   string
	Language      string
	BeamSize      int
	InitialPrompt string
	Threads       int
}

// Adapter is the boundary to an opaque transcription backend. Decode blocks
// for the duration of one recognition step; implementations must honor ctx
// cancellation and be safe for calls serialized through a Queue.
type Adapter interface {
	// Capabilities reports what the backend supports.
	Capabilities() Capabilities

	// Decode runs one incremental recognition step over a PCM window.
	Decode(ctx context.Context, window []byte, prior *State) (*Result, error)

	// Close releases the loaded model.
	Close() error
}
