//go:build !whisper_cpp

// Package whispercpp implements the engine adapter on a local whisper.cpp
// model (cgo, build tag: whisper_cpp). Without the tag the stub constructor
// reports EngineUnavailable.
package whispercpp

import (
	"fmt"

	"wyoming-stt-bridge/internal/engine"
)

// New fails: this binary was built without the whisper_cpp tag, so there is
// no model to load and the process must not accept connections.
func New(cfg engine.Config) (engine.Adapter, error) {
	return nil, fmt.Errorf("%w: built without whisper_cpp tag", engine.ErrEngineUnavailable)
}
