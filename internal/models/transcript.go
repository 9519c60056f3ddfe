// Package models defines the data structures for downstream transcript events.
package models

// TranscriptPartial represents an interim transcript result fanned out to
// downstream consumers.
type TranscriptPartial struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text"`
	Language  string `json:"language,omitempty"`
}

// TranscriptFinal represents the conclusive transcript of one pass.
type TranscriptFinal struct {
	EventType       string  `json:"eventType"`
	SessionID       string  `json:"sessionId"`
	Timestamp       int64   `json:"timestamp"`
	Text            string  `json:"text"`
	Language        string  `json:"language,omitempty"`
	Confidence      float64 `json:"confidence"`
	AudioDurationMs int64   `json:"audioDurationMs"`
}
