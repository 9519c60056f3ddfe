package main

import (
	"flag"
	"log"
	"net"
	"time"

	"wyoming-stt-bridge/internal/protocol"
)

// Drives one scripted transcription pass against a running server: describe,
// transcribe, three silent audio chunks, stop, then prints every transcript.
func main() {
	serverAddr := flag.String("server", "localhost:10300", "server address")
	language := flag.String("language", "en", "language hint")
	flag.Parse()

	conn, err := net.Dial("tcp", *serverAddr)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("Connected to %s", *serverAddr)

	r := protocol.NewReader(conn)
	w := protocol.NewWriter(conn)

	if err := w.Write(protocol.Describe()); err != nil {
		log.Fatalf("failed to send describe: %v", err)
	}
	info, err := r.Read()
	if err != nil {
		log.Fatalf("failed to read info: %v", err)
	}
	if info.Type != protocol.TypeInfo {
		log.Fatalf("expected info, got %s", info)
	}
	log.Printf("Server: engine=%s model=%s gpu=%v", info.Info.Name, info.Info.Model, info.Info.GPU)

	events := []*protocol.Event{
		{Type: protocol.TypeTranscribe, Transcribe: &protocol.Transcribe{Language: *language}},
		{Type: protocol.TypeAudioStart, AudioStart: &protocol.AudioStart{Rate: 16000, Width: 2, Channels: 1}},
	}
	pcm := make([]byte, 3200) // 100ms of silence at 16kHz 16-bit mono
	for i := 0; i < 3; i++ {
		events = append(events, protocol.AudioChunk(pcm))
	}
	events = append(events, protocol.AudioStop())

	for _, ev := range events {
		log.Printf("Sending %s", ev)
		if err := w.Write(ev); err != nil {
			log.Fatalf("failed to send %s: %v", ev.Type, err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	for {
		ev, err := r.Read()
		if err != nil {
			log.Fatalf("failed to read: %v", err)
		}
		switch ev.Type {
		case protocol.TypeTranscript:
			if ev.Transcript.IsFinal {
				log.Printf("Final transcript: %q (confidence=%.2f)", ev.Transcript.Text, ev.Transcript.Confidence)
				return
			}
			log.Printf("Partial transcript: %q", ev.Transcript.Text)
		case protocol.TypeError:
			log.Fatalf("server error [%s]: %s", ev.Error.Code, ev.Error.Message)
		default:
			log.Printf("Unexpected event: %s", ev)
		}
	}
}
