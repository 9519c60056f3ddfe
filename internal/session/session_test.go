package session

import (
	"context"
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"wyoming-stt-bridge/internal/engine/mock"
	"wyoming-stt-bridge/internal/protocol"
)

// testOptions shrink the decode window to 100ms (3200 bytes at 16kHz mono
// 16-bit) so each test chunk triggers exactly one decode.
func testOptions() Options {
	opts := DefaultOptions()
	opts.Window = 100 * time.Millisecond
	return opts
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *protocol.Reader
	w    *protocol.Writer
}

func startSession(t *testing.T, dec Decoder, opts Options) (*testClient, *Session, chan error) {
	t.Helper()

	server, client := net.Pipe()
	s := New(server, dec, nil, opts, "pipe")

	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		done <- s.Run(context.Background())
		server.Close()
		close(stopped)
	}()

	_ = client.SetDeadline(time.Now().Add(10 * time.Second))
	t.Cleanup(func() {
		client.Close()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Error("session did not stop")
		}
	})

	return &testClient{
		t:    t,
		conn: client,
		r:    protocol.NewReader(client),
		w:    protocol.NewWriter(client),
	}, s, done
}

func (c *testClient) send(ev *protocol.Event) {
	c.t.Helper()
	if err := c.w.Write(ev); err != nil {
		c.t.Fatalf("write %s: %v", ev.Type, err)
	}
}

func (c *testClient) recv() *protocol.Event {
	c.t.Helper()
	ev, err := c.r.Read()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return ev
}

func (c *testClient) beginPass(language string) {
	c.t.Helper()
	c.send(&protocol.Event{Type: protocol.TypeTranscribe, Transcribe: &protocol.Transcribe{Language: language}})
	c.send(&protocol.Event{Type: protocol.TypeAudioStart, AudioStart: &protocol.AudioStart{Rate: 16000, Width: 2, Channels: 1}})
}

// collectPass reads transcript events until the final arrives.
func (c *testClient) collectPass() (partials []string, final *protocol.Transcript) {
	c.t.Helper()
	for {
		ev := c.recv()
		if ev.Type != protocol.TypeTranscript {
			c.t.Fatalf("unexpected event: %s", ev)
		}
		if ev.Transcript.IsFinal {
			return partials, ev.Transcript
		}
		partials = append(partials, ev.Transcript.Text)
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var window = make([]byte, 3200)

func TestSession_StreamingPass(t *testing.T) {
	eng := mock.New()
	c, _, _ := startSession(t, eng, testOptions())

	c.beginPass("en")
	for i := 0; i < 3; i++ {
		c.send(protocol.AudioChunk(window))
	}
	c.send(protocol.AudioStop())

	partials, final := c.collectPass()

	wantPartials := []string{"turn on", "turn on the", "turn on the kitchen"}
	if !reflect.DeepEqual(partials, wantPartials) {
		t.Errorf("partials = %v, want %v", partials, wantPartials)
	}
	if final.Text != "turn on the kitchen lights" {
		t.Errorf("final text = %q", final.Text)
	}
	if final.Confidence != 0.95 {
		t.Errorf("final confidence = %v, want 0.95", final.Confidence)
	}
}

func TestSession_ReuseAfterFinal(t *testing.T) {
	eng := mock.New()
	c, s, _ := startSession(t, eng, testOptions())

	c.beginPass("en")
	c.send(protocol.AudioChunk(window))
	c.send(protocol.AudioStop())
	_, first := c.collectPass()
	firstId := s.Id()

	// The connection carries a second pass under a fresh session ID.
	c.beginPass("en")
	c.send(protocol.AudioChunk(window))
	c.send(protocol.AudioStop())
	_, second := c.collectPass()

	if first.Text != "turn on the kitchen lights" {
		t.Errorf("first final = %q", first.Text)
	}
	if second.Text != "what's the weather tomorrow" {
		t.Errorf("second final = %q", second.Text)
	}
	if s.Id() == firstId {
		t.Error("expected a new session ID after re-arm")
	}
}

func TestSession_StopWithoutAudioStillFinalizes(t *testing.T) {
	c, _, _ := startSession(t, mock.New(), testOptions())

	c.beginPass("en")
	c.send(protocol.AudioStop())

	partials, final := c.collectPass()
	if len(partials) != 0 {
		t.Errorf("expected no partials, got %v", partials)
	}
	if final.Text == "" {
		t.Error("expected a final transcript for an empty stream")
	}
}

func TestSession_ChunkBeforeStart(t *testing.T) {
	c, _, _ := startSession(t, mock.New(), testOptions())

	c.send(protocol.AudioChunk(window))

	ev := c.recv()
	if ev.Type != protocol.TypeError || ev.Error.Code != protocol.CodeStateError {
		t.Fatalf("expected state-error, got %s", ev)
	}

	// The connection survives the state error.
	c.beginPass("en")
	c.send(protocol.AudioChunk(window))
	c.send(protocol.AudioStop())
	if _, final := c.collectPass(); final.Text == "" {
		t.Error("expected a final transcript after recovering")
	}
}

func TestSession_ChunkAfterStop(t *testing.T) {
	c, _, _ := startSession(t, mock.New(), testOptions())

	c.beginPass("en")
	c.send(protocol.AudioChunk(window))
	c.send(protocol.AudioStop())
	c.collectPass()

	// Re-armed to AWAITING_START: a straggler chunk is a state error.
	c.send(protocol.AudioChunk(window))
	ev := c.recv()
	if ev.Type != protocol.TypeError || ev.Error.Code != protocol.CodeStateError {
		t.Fatalf("expected state-error, got %s", ev)
	}
}

func TestSession_TranscribeWhileStreaming(t *testing.T) {
	c, _, _ := startSession(t, mock.New(), testOptions())

	c.beginPass("en")
	c.send(&protocol.Event{Type: protocol.TypeTranscribe, Transcribe: &protocol.Transcribe{}})

	ev := c.recv()
	if ev.Type != protocol.TypeError || ev.Error.Code != protocol.CodeStateError {
		t.Fatalf("expected state-error, got %s", ev)
	}

	// Still streaming: the pass completes normally.
	c.send(protocol.AudioChunk(window))
	c.send(protocol.AudioStop())
	if _, final := c.collectPass(); final.Text == "" {
		t.Error("expected a final transcript")
	}
}

func TestSession_RejectsUnsupportedFormat(t *testing.T) {
	c, _, _ := startSession(t, mock.New(), testOptions())

	c.send(&protocol.Event{Type: protocol.TypeTranscribe, Transcribe: &protocol.Transcribe{}})
	c.send(&protocol.Event{Type: protocol.TypeAudioStart, AudioStart: &protocol.AudioStart{Rate: 44100, Width: 4, Channels: 2}})

	ev := c.recv()
	if ev.Type != protocol.TypeError || ev.Error.Code != protocol.CodeStateError {
		t.Fatalf("expected state-error, got %s", ev)
	}

	// A supported format on the same pass proceeds.
	c.send(&protocol.Event{Type: protocol.TypeAudioStart, AudioStart: &protocol.AudioStart{Rate: 16000, Width: 2, Channels: 1}})
	c.send(protocol.AudioChunk(window))
	c.send(protocol.AudioStop())
	if _, final := c.collectPass(); final.Text == "" {
		t.Error("expected a final transcript")
	}
}

func TestSession_UnknownEventType(t *testing.T) {
	c, _, _ := startSession(t, mock.New(), testOptions())

	c.send(&protocol.Event{Type: "ping"})
	ev := c.recv()
	if ev.Type != protocol.TypeError || ev.Error.Code != protocol.CodeStateError {
		t.Fatalf("expected state-error, got %s", ev)
	}
}

func TestSession_DescribeAnyState(t *testing.T) {
	c, _, _ := startSession(t, mock.New(), testOptions())

	c.send(protocol.Describe())
	ev := c.recv()
	if ev.Type != protocol.TypeInfo {
		t.Fatalf("expected info, got %s", ev)
	}
	if ev.Info.Name != "mock" || ev.Info.Model != "mock-scripted" {
		t.Errorf("info = %+v", ev.Info)
	}
	if len(ev.Info.Models) != 1 || !ev.Info.Models[0].Installed {
		t.Errorf("models = %+v", ev.Info.Models)
	}

	// Describe also answers mid-stream.
	c.beginPass("en")
	c.send(protocol.Describe())
	if ev := c.recv(); ev.Type != protocol.TypeInfo {
		t.Fatalf("expected info while streaming, got %s", ev)
	}
}

func TestSession_SkipsEmptyPartials(t *testing.T) {
	eng := mock.NewScripted([]mock.Utterance{
		{Partials: []string{"", "hello"}, Final: "hello world", Confidence: 0.9},
	}, 0)
	c, _, _ := startSession(t, eng, testOptions())

	c.beginPass("en")
	c.send(protocol.AudioChunk(window))
	c.send(protocol.AudioChunk(window))
	c.send(protocol.AudioStop())

	partials, final := c.collectPass()
	if !reflect.DeepEqual(partials, []string{"hello"}) {
		t.Errorf("partials = %v, want [hello]", partials)
	}
	if final.Text != "hello world" {
		t.Errorf("final = %q", final.Text)
	}
}

func TestSession_RetriesTransientDecodeFailure(t *testing.T) {
	eng := mock.New()
	eng.FailNext(1)
	c, _, _ := startSession(t, eng, testOptions())

	c.beginPass("en")
	c.send(protocol.AudioChunk(window))
	c.send(protocol.AudioStop())

	partials, final := c.collectPass()
	if len(partials) != 1 || partials[0] != "turn on" {
		t.Errorf("partials = %v, want [turn on]", partials)
	}
	if final.Text == "" {
		t.Error("expected a final transcript")
	}
	// First attempt failed, retry succeeded, plus the flush decode.
	if calls := eng.DecodeCalls(); calls != 3 {
		t.Errorf("decode calls = %d, want 3", calls)
	}
}

func TestSession_ReportsPersistentDecodeFailure(t *testing.T) {
	eng := mock.New()
	c, _, _ := startSession(t, eng, testOptions())

	c.beginPass("en")
	eng.FailNext(2) // both the attempt and its retry
	c.send(protocol.AudioChunk(window))

	ev := c.recv()
	if ev.Type != protocol.TypeError || ev.Error.Code != protocol.CodeDecodeFailed {
		t.Fatalf("expected decode-failed, got %s", ev)
	}

	// The pass continues and still drains to a final.
	c.send(protocol.AudioStop())
	if _, final := c.collectPass(); final.Text == "" {
		t.Error("expected a final transcript after a failed window")
	}
}

func TestSession_CloseAbortsDecode(t *testing.T) {
	eng := mock.NewScripted(nil, 500*time.Millisecond)
	c, s, done := startSession(t, eng, testOptions())

	c.beginPass("en")
	c.send(protocol.AudioChunk(window))
	waitUntil(t, "decode in flight", func() bool { return eng.DecodeCalls() == 1 })

	c.conn.Close()

	if err := <-done; err != nil {
		t.Errorf("Run returned %v after socket close", err)
	}
	if got := eng.CanceledCalls(); got != 1 {
		t.Errorf("canceled decode calls = %d, want 1", got)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED", s.State())
	}
}

func TestSession_MalformedHeader(t *testing.T) {
	c, _, done := startSession(t, mock.New(), testOptions())

	if _, err := c.conn.Write([]byte("not json\n")); err != nil {
		t.Fatalf("raw write: %v", err)
	}

	ev := c.recv()
	if ev.Type != protocol.TypeError || ev.Error.Code != protocol.CodeProtocolError {
		t.Fatalf("expected protocol-error, got %s", ev)
	}
	if err := <-done; !errors.Is(err, protocol.ErrMalformedHeader) {
		t.Errorf("Run returned %v, want malformed header", err)
	}
}

func TestSession_AudioLimitClosesConnection(t *testing.T) {
	opts := testOptions()
	opts.MaxAudioBytes = 5000
	c, _, done := startSession(t, mock.New(), opts)

	c.beginPass("en")
	c.send(protocol.AudioChunk(window))
	c.send(protocol.AudioChunk(window)) // 6400 > 5000

	var sawExhausted bool
	for !sawExhausted {
		ev := c.recv()
		if ev.Type == protocol.TypeError && ev.Error.Code == protocol.CodeResourceExhausted {
			sawExhausted = true
		}
	}
	if err := <-done; err == nil {
		t.Error("expected Run to fail when the audio limit is exceeded")
	}
}
