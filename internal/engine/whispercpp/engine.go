//go:build whisper_cpp

// Package whispercpp implements the engine adapter on a local whisper.cpp
// model (cgo, build tag: whisper_cpp). Without the tag the stub constructor
// reports EngineUnavailable.
package whispercpp

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	whisperpkg "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/rs/zerolog/log"

	"wyoming-stt-bridge/internal/engine"
)

// Engine holds one loaded model shared by all sessions; decode access is
// serialized internally because whisper contexts are not reentrant.
type Engine struct {
	model    whisperpkg.Model
	cfg      engine.Config
	threads  uint
	gpu      bool
	language string

	mu sync.Mutex
}

// New loads the model file named by cfg.Model from cfg.ModelDir.
func New(cfg engine.Config) (engine.Adapter, error) {
	threads := uint(runtime.NumCPU())
	if cfg.Threads > 0 {
		threads = uint(cfg.Threads)
	}

	path := cfg.Model
	if cfg.ModelDir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(cfg.ModelDir, cfg.Model)
	}

	m, err := whisperpkg.New(path)
	if err != nil {
		return nil, fmt.Errorf("%w: load model %s: %v", engine.ErrEngineUnavailable, path, err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = "auto"
	}

	log.Info().
		Str("model", path).
		Str("device", cfg.Device).
		Uint("threads", threads).
		Msg("whisper model loaded")

	return &Engine{
		model: m,
		cfg:   cfg,
		// GPU offload is decided when the whisper.cpp library itself is
		// built; the device selector records intent for capability
		// reporting and operator visibility.
		gpu:      cfg.Device == "cuda",
		threads:  threads,
		language: lang,
	}, nil
}

// Capabilities reports the loaded model.
func (e *Engine) Capabilities() engine.Capabilities {
	return engine.Capabilities{
		Name:              "whispercpp",
		Model:             e.cfg.Model,
		GPU:               e.gpu,
		StreamingPartials: true,
		Languages:         whisperLanguages,
		Models:            []string{e.cfg.Model},
	}
}

// Decode transcribes one PCM window. The accumulated prior text is fed back
// as the prompt so hypotheses stay consistent across windows.
func (e *Engine) Decode(ctx context.Context, window []byte, prior *engine.State) (*engine.Result, error) {
	samples := pcmToFloat32(window)
	if len(samples) == 0 {
		return &engine.Result{Final: prior != nil && prior.Flush}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("%w: create context: %v", engine.ErrDecodeFailed, err)
	}
	wctx.SetThreads(e.threads)
	if e.cfg.BeamSize > 0 {
		wctx.SetBeamSize(e.cfg.BeamSize)
	}
	lang := e.language
	if prior != nil && prior.Language != "" {
		lang = prior.Language
	}
	_ = wctx.SetLanguage(lang)

	prompt := e.cfg.InitialPrompt
	if prior != nil && prior.PriorText != "" {
		prompt = prior.PriorText
	}
	if prompt != "" {
		wctx.SetInitialPrompt(prompt)
	}

	var parts []string
	segCB := func(seg whisperpkg.Segment) {
		text := strings.TrimSpace(seg.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	if err := wctx.Process(samples, nil, segCB, nil); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: process: %v", engine.ErrDecodeFailed, err)
	}

	detected := wctx.Language()
	if detected == "" {
		detected = wctx.DetectedLanguage()
	}

	res := &engine.Result{
		Text:     strings.Join(parts, " "),
		Language: detected,
		Final:    prior != nil && prior.Flush,
	}
	if prior != nil && res.Text != "" {
		if prior.PriorText != "" {
			prior.PriorText += " "
		}
		prior.PriorText += res.Text
	}
	return res, nil
}

// Close frees the model.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model != nil {
		e.model.Close()
		e.model = nil
	}
	return nil
}

// pcmToFloat32 converts 16-bit little-endian mono PCM to normalized floats.
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
		samples[i] = float32(s) / 32768.0
	}
	return samples
}
