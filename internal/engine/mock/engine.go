// Package mock provides a deterministic engine adapter for development and
// tests: progressive partial results per decode window and exactly one final
// per transcription pass, without loading any model.
package mock

import (
	"context"
	"sync"
	"time"

	"wyoming-stt-bridge/internal/engine"
)

// Utterance is a scripted recognition: progressive partials followed by a
// final text once the stream drains.
type Utterance struct {
	Partials   []string
	Final      string
	Confidence float64
}

// DefaultUtterances cycle per transcription pass.
var DefaultUtterances = []Utterance{
	{
		Partials:   []string{"turn on", "turn on the", "turn on the kitchen"},
		Final:      "turn on the kitchen lights",
		Confidence: 0.95,
	},
	{
		Partials:   []string{"what's the", "what's the weather"},
		Final:      "what's the weather tomorrow",
		Confidence: 0.92,
	},
	{
		Partials:   []string{"set a", "set a timer for"},
		Final:      "set a timer for ten minutes",
		Confidence: 0.97,
	},
}

// Engine implements engine.Adapter with scripted results. It records every
// decode call and whether it was canceled, so tests can verify that closing
// a session leaves no call attributable to it.
type Engine struct {
	utterances []Utterance
	delay      time.Duration

	mu           sync.Mutex
	utteranceIdx int
	partialIdx   int
	decodeCalls  int
	canceled     int
	failNext     int
	closed       bool
}

// New creates a mock engine cycling through DefaultUtterances.
func New() *Engine {
	return &Engine{utterances: DefaultUtterances}
}

// NewScripted creates a mock engine with fixed utterances and an artificial
// per-decode delay.
func NewScripted(utterances []Utterance, delay time.Duration) *Engine {
	if len(utterances) == 0 {
		utterances = DefaultUtterances
	}
	return &Engine{utterances: utterances, delay: delay}
}

// Capabilities reports the mock as a CPU engine with streaming partials.
func (e *Engine) Capabilities() engine.Capabilities {
	return engine.Capabilities{
		Name:              "mock",
		Model:             "mock-scripted",
		GPU:               false,
		StreamingPartials: true,
		Languages:         []string{"en"},
		Models:            []string{"mock-scripted"},
	}
}

// Decode returns the next scripted partial for the current utterance; once
// partials are exhausted it returns the final text with Final set, then
// advances to the next utterance. prior is updated like a real incremental
// backend would update its running context.
func (e *Engine) Decode(ctx context.Context, window []byte, prior *engine.State) (*engine.Result, error) {
	e.mu.Lock()
	e.decodeCalls++
	delay := e.delay
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			e.mu.Lock()
			e.canceled++
			e.mu.Unlock()
			return nil, ctx.Err()
		}
	} else if ctx.Err() != nil {
		e.mu.Lock()
		e.canceled++
		e.mu.Unlock()
		return nil, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failNext > 0 {
		e.failNext--
		return nil, engine.ErrDecodeFailed
	}

	utt := e.utterances[e.utteranceIdx%len(e.utterances)]
	res := &engine.Result{
		Language:   "en",
		DurationMs: int64(delay / time.Millisecond),
	}

	flush := prior != nil && prior.Flush
	if !flush && e.partialIdx < len(utt.Partials) {
		res.Text = utt.Partials[e.partialIdx]
		e.partialIdx++
	} else {
		res.Text = utt.Final
		res.Final = true
		res.Confidence = utt.Confidence
		e.utteranceIdx++
		e.partialIdx = 0
	}

	if prior != nil {
		prior.PriorText = res.Text
	}
	return res, nil
}

// Close marks the engine closed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// FailNext makes the next n decode calls return DecodeFailed.
func (e *Engine) FailNext(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNext = n
}

// DecodeCalls returns the number of decode calls started.
func (e *Engine) DecodeCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decodeCalls
}

// CanceledCalls returns the number of decode calls aborted by cancellation.
func (e *Engine) CanceledCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canceled
}
