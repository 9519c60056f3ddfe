// Package google implements the engine adapter on Google Cloud
// Speech-to-Text. Each decode window goes through one synchronous Recognize
// call; prior transcript text is carried as a speech context phrase for
// continuity. Requires GOOGLE_APPLICATION_CREDENTIALS.
package google

import (
	"context"
	"fmt"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "google.golang.org/genproto/googleapis/cloud/speech/v1"

	"wyoming-stt-bridge/internal/engine"
)

// Supported language codes advertised in the info reply.
var languages = []string{"en-US", "en-GB", "de-DE", "fr-FR", "es-ES", "it-IT", "nl-NL"}

// Engine implements engine.Adapter using the cloud recognizer.
type Engine struct {
	client   *speech.Client
	language string
	rate     int32
}

// New creates the cloud client. A failure here is EngineUnavailable: the
// process must not start accepting connections without a recognizer.
func New(ctx context.Context, cfg engine.Config) (*Engine, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrEngineUnavailable, err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = "en-US"
	}
	return &Engine{client: c, language: lang, rate: 16000}, nil
}

// Capabilities reports the cloud recognizer.
func (e *Engine) Capabilities() engine.Capabilities {
	return engine.Capabilities{
		Name:              "google-cloud-stt",
		Model:             "latest_short",
		GPU:               false,
		StreamingPartials: true,
		Languages:         languages,
		Models:            []string{"latest_short", "latest_long"},
	}
}

// Decode recognizes one PCM window.
func (e *Engine) Decode(ctx context.Context, window []byte, prior *engine.State) (*engine.Result, error) {
	cfg := &speechpb.RecognitionConfig{
		Encoding:        speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz: e.rate,
		LanguageCode:    e.language,
	}
	if prior != nil {
		if prior.Language != "" {
			cfg.LanguageCode = prior.Language
		}
		if prior.PriorText != "" {
			cfg.SpeechContexts = []*speechpb.SpeechContext{{Phrases: []string{prior.PriorText}}}
		}
	}

	resp, err := e.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: cfg,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: window},
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", engine.ErrDecodeFailed, err)
	}

	res := &engine.Result{Language: cfg.LanguageCode}
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		if res.Text != "" {
			res.Text += " "
		}
		res.Text += alt.Transcript
		res.Confidence = float64(alt.Confidence)
	}
	if prior != nil {
		res.Final = prior.Flush
		if res.Text != "" {
			prior.PriorText = res.Text
		}
	}
	return res, nil
}

// Close releases the cloud client.
func (e *Engine) Close() error {
	return e.client.Close()
}
