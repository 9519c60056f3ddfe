package main

import (
	"encoding/binary"
	"flag"
	"io"
	"log"
	"net"
	"os"
	"time"

	"wyoming-stt-bridge/internal/protocol"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

// Stream audio in chunks to simulate real-time streaming
// At 16kHz 16-bit mono = 32000 bytes/second
// 100ms chunks = 3200 bytes
const chunkSize = 3200
const chunkIntervalMs = 100

func main() {
	audioFile := flag.String("audio", "testdata/sample-16khz.wav", "Path to WAV file (16kHz 16-bit mono)")
	serverAddr := flag.String("server", "localhost:10300", "server address")
	language := flag.String("language", "", "language hint")
	realtime := flag.Bool("realtime", true, "pace chunks at real-time rate")
	flag.Parse()

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatalf("Failed to open audio file: %v", err)
	}
	defer f.Close()

	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		log.Fatalf("Failed to read WAV header: %v", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		log.Fatal("Not a valid WAV file")
	}

	audioFormat := binary.LittleEndian.Uint16(header[20:22])
	numChannels := binary.LittleEndian.Uint16(header[22:24])
	sampleRate := binary.LittleEndian.Uint32(header[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(header[34:36])

	log.Printf("WAV file: format=%d channels=%d sampleRate=%d bitsPerSample=%d",
		audioFormat, numChannels, sampleRate, bitsPerSample)

	if audioFormat != 1 { // PCM
		log.Fatal("Only PCM format supported")
	}
	if numChannels != 1 || bitsPerSample != 16 {
		log.Fatal("Only 16-bit mono supported")
	}

	conn, err := net.Dial("tcp", *serverAddr)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("Connected to %s", *serverAddr)

	r := protocol.NewReader(conn)
	w := protocol.NewWriter(conn)

	if err := w.Write(&protocol.Event{Type: protocol.TypeTranscribe, Transcribe: &protocol.Transcribe{Language: *language}}); err != nil {
		log.Fatalf("Failed to send transcribe: %v", err)
	}
	if err := w.Write(&protocol.Event{Type: protocol.TypeAudioStart, AudioStart: &protocol.AudioStart{
		Rate:     int(sampleRate),
		Width:    int(bitsPerSample / 8),
		Channels: int(numChannels),
	}}); err != nil {
		log.Fatalf("Failed to send audio-start: %v", err)
	}

	// Read transcripts concurrently so partials show up while streaming.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			ev, err := r.Read()
			if err != nil {
				log.Printf("Read failed: %v", err)
				return
			}
			switch ev.Type {
			case protocol.TypeTranscript:
				if ev.Transcript.IsFinal {
					log.Printf("Final transcript: %q (confidence=%.2f)", ev.Transcript.Text, ev.Transcript.Confidence)
					return
				}
				log.Printf("Partial transcript: %q", ev.Transcript.Text)
			case protocol.TypeError:
				log.Printf("Server error [%s]: %s", ev.Error.Code, ev.Error.Message)
				return
			}
		}
	}()

	audioChunk := make([]byte, chunkSize)
	var totalBytes int64
	var chunkNum int
	startTime := time.Now()

	for {
		n, err := f.Read(audioChunk)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("Failed to read audio: %v", err)
		}

		chunkNum++
		totalBytes += int64(n)

		if err := w.Write(protocol.AudioChunk(audioChunk[:n])); err != nil {
			log.Fatalf("Failed to send chunk: %v", err)
		}

		if chunkNum%10 == 0 {
			log.Printf("Sent chunk %d (%d bytes total)", chunkNum, totalBytes)
		}

		if *realtime {
			time.Sleep(chunkIntervalMs * time.Millisecond)
		}
	}

	elapsed := time.Since(startTime)
	log.Printf("Finished streaming: %d chunks, %d bytes in %v", chunkNum, totalBytes, elapsed)

	if err := w.Write(protocol.AudioStop()); err != nil {
		log.Fatalf("Failed to send audio-stop: %v", err)
	}
	log.Println("Waiting for final transcript...")

	select {
	case <-done:
	case <-time.After(60 * time.Second):
		log.Fatal("Timed out waiting for final transcript")
	}
}
