package events

import (
	"context"
	"testing"

	"wyoming-stt-bridge/internal/models"
)

func TestNew_DisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"disabled", &Config{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", &Config{Enabled: true, Brokers: []string{}}},
		{"empty brokers", &Config{Enabled: true, Brokers: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg)
			if p == nil {
				t.Fatal("expected non-nil publisher")
			}
			if p.enabled {
				t.Error("expected publisher to be disabled")
			}
			if p.writerPartial != nil {
				t.Error("expected nil partial writer when disabled")
			}
			if p.writerFinal != nil {
				t.Error("expected nil final writer when disabled")
			}
		})
	}
}

func TestNew_ConfigValues(t *testing.T) {
	cfg := &Config{
		Enabled:      false,
		Brokers:      []string{"localhost:9092"},
		TopicPartial: "stt.transcript.partial",
		TopicFinal:   "stt.transcript.final",
		Principal:    "svc-stt-bridge",
	}

	p := New(cfg)

	if p.principal != "svc-stt-bridge" {
		t.Errorf("expected principal 'svc-stt-bridge', got %s", p.principal)
	}
	if p.topicPartial != "stt.transcript.partial" {
		t.Errorf("expected topic partial 'stt.transcript.partial', got %s", p.topicPartial)
	}
	if p.topicFinal != "stt.transcript.final" {
		t.Errorf("expected topic final 'stt.transcript.final', got %s", p.topicFinal)
	}
}

func TestPublisher_PublishPartial_Disabled(t *testing.T) {
	p := New(&Config{Enabled: false})

	ev := models.TranscriptPartial{
		EventType: "stt.transcript.partial",
		SessionID: "sess-1",
		Text:      "turn on the",
	}
	if err := p.PublishPartial(context.Background(), "sess-1", ev); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
}

func TestPublisher_PublishFinal_Disabled(t *testing.T) {
	p := New(&Config{Enabled: false})

	ev := models.TranscriptFinal{
		EventType:  "stt.transcript.final",
		SessionID:  "sess-1",
		Text:       "turn on the kitchen lights",
		Confidence: 0.95,
	}
	if err := p.PublishFinal(context.Background(), "sess-1", ev); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
}

func TestPublisher_Close_Disabled(t *testing.T) {
	p := New(nil)
	if err := p.Close(); err != nil {
		t.Errorf("expected no error closing disabled publisher, got %v", err)
	}
}
