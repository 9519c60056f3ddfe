package protocol

import (
	"encoding/json"
	"fmt"
)

// Event types exchanged over a connection.
const (
	TypeDescribe   = "describe"
	TypeInfo       = "info"
	TypeTranscribe = "transcribe"
	TypeAudioStart = "audio-start"
	TypeAudioChunk = "audio-chunk"
	TypeAudioStop  = "audio-stop"
	TypeTranscript = "transcript"
	TypeError      = "error"
)

// Stable error codes carried by Error events. Clients branch on these,
// not on the message text.
const (
	CodeProtocolError     = "protocol-error"
	CodeStateError        = "state-error"
	CodeEngineUnavailable = "engine-unavailable"
	CodeDecodeFailed      = "decode-failed"
	CodeResourceExhausted = "resource-exhausted"
)

// Transcribe starts a transcription pass. Language is a hint; empty means
// use the server default.
type Transcribe struct {
	Language string `json:"language,omitempty"`
}

// AudioStart declares the PCM format of the chunks that follow.
type AudioStart struct {
	Rate     int `json:"rate"`
	Width    int `json:"width"`
	Channels int `json:"channels"`
}

// Transcript carries a recognition result back to the client.
type Transcript struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// AsrModel describes one installed model in an Info reply.
type AsrModel struct {
	Name      string   `json:"name"`
	Languages []string `json:"languages"`
	Installed bool     `json:"installed"`
}

// Info answers a Describe with the active engine and its models.
type Info struct {
	Name      string     `json:"name"`
	Model     string     `json:"model"`
	Models    []AsrModel `json:"models"`
	Languages []string   `json:"languages"`
	GPU       bool       `json:"gpu"`
}

// ErrorData reports a recoverable or fatal condition to the client.
type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Event is the tagged union of everything that can cross the wire.
// Exactly one of the pointer fields is set for kinds that carry data;
// Payload is only set for audio-chunk.
type Event struct {
	Type string

	Transcribe *Transcribe
	AudioStart *AudioStart
	Transcript *Transcript
	Info       *Info
	Error      *ErrorData

	Payload []byte
}

// header is the wire representation of the JSON line that precedes a payload.
type header struct {
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data,omitempty"`
	PayloadLength *int            `json:"payload_length,omitempty"`
}

// Describe constructs a describe event.
func Describe() *Event { return &Event{Type: TypeDescribe} }

// AudioStop constructs an audio-stop event.
func AudioStop() *Event { return &Event{Type: TypeAudioStop} }

// AudioChunk constructs an audio-chunk event carrying pcm as its payload.
func AudioChunk(pcm []byte) *Event {
	return &Event{Type: TypeAudioChunk, Payload: pcm}
}

// NewError constructs an error event with a stable code.
func NewError(code, message string) *Event {
	return &Event{Type: TypeError, Error: &ErrorData{Message: message, Code: code}}
}

// data returns the JSON-encoded data object for the event, or nil when the
// kind carries none.
func (e *Event) data() (json.RawMessage, error) {
	var v any
	switch e.Type {
	case TypeTranscribe:
		if e.Transcribe == nil {
			return nil, nil
		}
		v = e.Transcribe
	case TypeAudioStart:
		v = e.AudioStart
	case TypeTranscript:
		v = e.Transcript
	case TypeInfo:
		v = e.Info
	case TypeError:
		v = e.Error
	default:
		return nil, nil
	}
	if v == nil {
		return nil, fmt.Errorf("event %s missing data", e.Type)
	}
	return json.Marshal(v)
}

// decodeData populates the typed variant for the event kind and validates
// required fields. Unknown kinds pass through untouched so the session can
// answer them with a state error instead of tearing down the connection.
func (e *Event) decodeData(raw json.RawMessage) error {
	switch e.Type {
	case TypeDescribe, TypeAudioStop, TypeAudioChunk:
		return nil
	case TypeTranscribe:
		e.Transcribe = &Transcribe{}
		if len(raw) == 0 {
			return nil
		}
		return json.Unmarshal(raw, e.Transcribe)
	case TypeAudioStart:
		if len(raw) == 0 {
			return fmt.Errorf("audio-start: missing data")
		}
		e.AudioStart = &AudioStart{}
		if err := json.Unmarshal(raw, e.AudioStart); err != nil {
			return err
		}
		if e.AudioStart.Rate <= 0 || e.AudioStart.Width <= 0 || e.AudioStart.Channels <= 0 {
			return fmt.Errorf("audio-start: rate, width and channels are required")
		}
		return nil
	case TypeTranscript:
		if len(raw) == 0 {
			return fmt.Errorf("transcript: missing data")
		}
		e.Transcript = &Transcript{}
		return json.Unmarshal(raw, e.Transcript)
	case TypeInfo:
		if len(raw) == 0 {
			return fmt.Errorf("info: missing data")
		}
		e.Info = &Info{}
		return json.Unmarshal(raw, e.Info)
	case TypeError:
		if len(raw) == 0 {
			return fmt.Errorf("error: missing data")
		}
		e.Error = &ErrorData{}
		if err := json.Unmarshal(raw, e.Error); err != nil {
			return err
		}
		if e.Error.Code == "" {
			return fmt.Errorf("error: code is required")
		}
		return nil
	default:
		// Unknown kind: keep the type, drop the data.
		return nil
	}
}

// String returns a compact human-readable form for logs.
func (e *Event) String() string {
	switch e.Type {
	case TypeAudioChunk:
		return fmt.Sprintf("Event{%s, payload=%d}", e.Type, len(e.Payload))
	case TypeTranscript:
		return fmt.Sprintf("Event{%s, final=%v, text=%q}", e.Type, e.Transcript.IsFinal, e.Transcript.Text)
	case TypeError:
		return fmt.Sprintf("Event{%s, code=%s}", e.Type, e.Error.Code)
	default:
		return fmt.Sprintf("Event{%s}", e.Type)
	}
}
