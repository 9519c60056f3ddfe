package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wyoming-stt-bridge/internal/audio"
	"wyoming-stt-bridge/internal/engine"
	"wyoming-stt-bridge/internal/events"
	"wyoming-stt-bridge/internal/models"
	"wyoming-stt-bridge/internal/observability/logging"
	"wyoming-stt-bridge/internal/observability/metrics"
	"wyoming-stt-bridge/internal/protocol"
)

// Decoder is the slice of the engine surface a session uses. Satisfied by
// engine.Queue and by backends directly in tests.
type Decoder interface {
	Capabilities() engine.Capabilities
	Decode(ctx context.Context, window []byte, prior *engine.State) (*engine.Result, error)
}

// Options tune one session's streaming behavior.
type Options struct {
	// Window is the audio duration handed to the engine per decode step.
	Window time.Duration
	// MaxAudioBytes bounds one pass's audio; exceeding it closes the
	// connection with resource-exhausted.
	MaxAudioBytes int64
	// MaxPassDuration bounds one pass's wall time.
	MaxPassDuration time.Duration
	// DefaultLanguage applies when transcribe carries no language hint.
	DefaultLanguage string
	// RetryDecode retries a transiently failed window once before
	// reporting decode-failed.
	RetryDecode bool
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Window:          100 * time.Millisecond,
		MaxAudioBytes:   10 * 1024 * 1024, // ~327s at 16kHz 16-bit mono
		MaxPassDuration: 5 * time.Minute,
		DefaultLanguage: "",
		RetryDecode:     true,
	}
}

// Session drives one connection's transcription lifecycle. Single-threaded:
// Run is the only goroutine touching the buffer and decode state, which is
// what guarantees transcripts come back in chunk arrival order.
type Session struct {
	opts       Options
	dec        Decoder
	provider   string
	pub        *events.Publisher
	metrics    *metrics.Metrics
	lc         *Lifecycle
	reader     *protocol.Reader
	writer     *protocol.Writer
	remoteAddr string
	log        zerolog.Logger

	buf       *audio.FrameBuffer
	decState  *engine.State
	passStart time.Time
	received  int64
}

// New creates a session over one connection's byte streams.
func New(rw io.ReadWriter, dec Decoder, pub *events.Publisher, opts Options, remoteAddr string) *Session {
	id := uuid.NewString()
	return &Session{
		opts:       opts,
		dec:        dec,
		provider:   dec.Capabilities().Name,
		pub:        pub,
		metrics:    metrics.DefaultMetrics,
		lc:         NewLifecycle(id),
		reader:     protocol.NewReader(rw),
		writer:     protocol.NewWriter(rw),
		remoteAddr: remoteAddr,
		log:        logging.WithSession(id, remoteAddr),
	}
}

// Id returns the current pass's session ID.
func (s *Session) Id() string { return s.lc.SessionId() }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.lc.State() }

// Run processes events until the connection ends. Closing the socket cancels
// any in-flight decode immediately; nothing is emitted after that.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.lc.Close()

	// The pump records why reading stopped before cancelling, so the main
	// loop can distinguish a clean EOF from framing corruption no matter
	// which select case observes the cancellation first.
	var mu sync.Mutex
	var readErr error

	incoming := make(chan *protocol.Event, 32)
	go func() {
		for {
			ev, err := s.reader.Read()
			if err != nil {
				mu.Lock()
				readErr = err
				mu.Unlock()
				// Abort any in-flight decode immediately.
				cancel()
				return
			}
			select {
			case incoming <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	finish := func() error {
		mu.Lock()
		err := readErr
		mu.Unlock()
		if err == nil {
			return nil
		}
		return s.readError(err)
	}

	for {
		select {
		case <-ctx.Done():
			return finish()
		case ev := <-incoming:
			if ctx.Err() != nil {
				return finish()
			}
			if err := s.handle(ctx, ev); err != nil {
				if errors.Is(err, context.Canceled) || ctx.Err() != nil {
					return finish()
				}
				return err
			}
		}
	}
}

// readError maps a codec failure onto the wire taxonomy. Framing corruption
// is fatal: the byte stream is desynchronized, so the error event is a
// best-effort courtesy before close.
func (s *Session) readError(err error) error {
	if errors.Is(err, io.EOF) {
		s.log.Debug().Msg("client closed connection")
		return nil
	}
	if errors.Is(err, protocol.ErrMalformedHeader) || errors.Is(err, protocol.ErrTruncatedPayload) {
		s.metrics.RecordProtocolError(protocol.CodeProtocolError)
		s.log.Warn().Err(err).Msg("framing corruption, closing connection")
		_ = s.writer.Write(protocol.NewError(protocol.CodeProtocolError, err.Error()))
		return err
	}
	s.log.Debug().Err(err).Msg("connection read failed")
	return nil
}

func (s *Session) handle(ctx context.Context, ev *protocol.Event) error {
	switch ev.Type {
	case protocol.TypeDescribe:
		// Valid in every state: describe doubles as the liveness probe.
		return s.writeInfo()

	case protocol.TypeTranscribe:
		if err := s.lc.StartStreaming(); err != nil {
			return s.writeError(protocol.CodeStateError, fmt.Sprintf("transcribe in state %s", s.lc.State()))
		}
		lang := s.opts.DefaultLanguage
		if ev.Transcribe != nil && ev.Transcribe.Language != "" {
			lang = ev.Transcribe.Language
		}
		s.decState = &engine.State{Language: lang}
		s.buf = nil
		s.passStart = time.Now()
		s.received = 0
		s.log.Info().Str("language", lang).Msg("transcription pass started")
		return nil

	case protocol.TypeAudioStart:
		if s.lc.State() != StateStreaming {
			return s.writeError(protocol.CodeStateError, fmt.Sprintf("audio-start in state %s", s.lc.State()))
		}
		format := audio.Format{
			Rate:     ev.AudioStart.Rate,
			Width:    ev.AudioStart.Width,
			Channels: ev.AudioStart.Channels,
		}
		if err := format.Validate(); err != nil {
			return s.writeError(protocol.CodeStateError, err.Error())
		}
		s.buf = audio.NewFrameBuffer(format, s.opts.Window)
		s.log.Debug().
			Int("rate", format.Rate).
			Int("width", format.Width).
			Int("channels", format.Channels).
			Int("windowBytes", s.buf.WindowSize()).
			Msg("audio format negotiated")
		return nil

	case protocol.TypeAudioChunk:
		if s.lc.State() != StateStreaming || s.buf == nil {
			return s.writeError(protocol.CodeStateError, "audio-chunk before audio-start")
		}
		s.metrics.RecordAudioReceived(len(ev.Payload))
		s.received += int64(len(ev.Payload))

		if s.opts.MaxAudioBytes > 0 && s.received > s.opts.MaxAudioBytes {
			s.metrics.RecordPassDropped("max_audio_bytes")
			_ = s.writeError(protocol.CodeResourceExhausted,
				fmt.Sprintf("audio limit exceeded: %d > %d bytes", s.received, s.opts.MaxAudioBytes))
			return fmt.Errorf("audio limit exceeded: %d bytes", s.received)
		}
		if s.opts.MaxPassDuration > 0 && time.Since(s.passStart) > s.opts.MaxPassDuration {
			s.metrics.RecordPassDropped("max_duration")
			_ = s.writeError(protocol.CodeResourceExhausted, "pass duration limit exceeded")
			return errors.New("pass duration limit exceeded")
		}

		s.buf.Append(ev.Payload)
		for s.buf.WindowReady() {
			if err := s.streamWindow(ctx, s.buf.NextWindow()); err != nil {
				return err
			}
		}
		return nil

	case protocol.TypeAudioStop:
		if s.lc.State() != StateStreaming || s.buf == nil {
			return s.writeError(protocol.CodeStateError, fmt.Sprintf("audio-stop in state %s", s.lc.State()))
		}
		if err := s.lc.BeginDrain(); err != nil {
			return s.writeError(protocol.CodeStateError, err.Error())
		}
		return s.finishPass(ctx, s.buf.Flush())

	default:
		return s.writeError(protocol.CodeStateError,
			fmt.Sprintf("unexpected event %q in state %s", ev.Type, s.lc.State()))
	}
}

// streamWindow decodes one full window and emits a partial transcript.
// Transient decode failures are reported and the session continues with the
// next window.
func (s *Session) streamWindow(ctx context.Context, window []byte) error {
	res, err := s.runDecode(ctx, window, false)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return err
		}
		return s.writeError(protocol.CodeDecodeFailed, "decode failed for audio window")
	}
	if res.Text == "" {
		return nil
	}
	if err := s.lc.EmitPartial(); err != nil {
		return nil
	}
	s.metrics.RecordPartialTranscript()
	out := &protocol.Event{Type: protocol.TypeTranscript, Transcript: &protocol.Transcript{
		Text:     res.Text,
		IsFinal:  false,
		Language: res.Language,
	}}
	if err := s.writer.Write(out); err != nil {
		return err
	}
	s.publishPartial(res)
	return nil
}

// finishPass flushes the tail through one final decode, emits the single
// final transcript and re-arms the session for another pass.
func (s *Session) finishPass(ctx context.Context, tail []byte) error {
	res, err := s.runDecode(ctx, tail, true)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return err
		}
		// No final on a failed drain: silence over bad data.
		s.metrics.RecordPassDropped("decode_failed")
		if werr := s.writeError(protocol.CodeDecodeFailed, "final decode failed, pass dropped"); werr != nil {
			return werr
		}
		return s.rearm()
	}

	if err := s.lc.EmitFinal(); err != nil {
		return nil
	}
	s.metrics.RecordFinalTranscript()
	s.metrics.RecordPassCompleted()

	out := &protocol.Event{Type: protocol.TypeTranscript, Transcript: &protocol.Transcript{
		Text:       res.Text,
		IsFinal:    true,
		Language:   res.Language,
		Confidence: res.Confidence,
	}}
	if err := s.writer.Write(out); err != nil {
		return err
	}
	s.publishFinal(res)

	s.log.Info().
		Str("text", res.Text).
		Int64("audioBytes", s.received).
		Dur("duration", time.Since(s.passStart)).
		Msg("transcription pass completed")

	return s.rearm()
}

// runDecode performs one engine call, with a single retry for transient
// failures when configured.
func (s *Session) runDecode(ctx context.Context, window []byte, flush bool) (*engine.Result, error) {
	s.decState.Flush = flush
	start := time.Now()
	res, err := s.dec.Decode(ctx, window, s.decState)
	if err != nil && s.opts.RetryDecode && errors.Is(err, engine.ErrDecodeFailed) && ctx.Err() == nil {
		s.log.Warn().Err(err).Msg("decode failed, retrying window once")
		res, err = s.dec.Decode(ctx, window, s.decState)
	}
	s.metrics.RecordDecode(s.provider, err, time.Since(start).Seconds())
	return res, err
}

// rearm resets a drained session so the connection can carry another pass.
func (s *Session) rearm() error {
	if err := s.lc.Rearm(uuid.NewString()); err != nil {
		return nil
	}
	s.buf = nil
	s.decState = nil
	s.log = logging.WithSession(s.lc.SessionId(), s.remoteAddr)
	return nil
}

// writeInfo answers describe with the active engine's capabilities.
func (s *Session) writeInfo() error {
	caps := s.dec.Capabilities()
	info := &protocol.Info{
		Name:      caps.Name,
		Model:     caps.Model,
		Languages: caps.Languages,
		GPU:       caps.GPU,
	}
	for _, m := range caps.Models {
		info.Models = append(info.Models, protocol.AsrModel{
			Name:      m,
			Languages: caps.Languages,
			Installed: true,
		})
	}
	return s.writer.Write(&protocol.Event{Type: protocol.TypeInfo, Info: info})
}

// writeError reports a recoverable error to the client. The returned error
// is only non-nil if the write itself failed.
func (s *Session) writeError(code, message string) error {
	s.metrics.RecordProtocolError(code)
	s.log.Warn().Str("code", code).Str("msg", message).Msg("error event sent")
	return s.writer.Write(protocol.NewError(code, message))
}

func (s *Session) publishPartial(res *engine.Result) {
	if s.pub == nil {
		return
	}
	ev := models.TranscriptPartial{
		EventType: "stt.transcript.partial",
		SessionID: s.lc.SessionId(),
		Timestamp: time.Now().UnixMilli(),
		Text:      res.Text,
		Language:  res.Language,
	}
	if err := s.pub.PublishPartial(context.Background(), ev.SessionID, ev); err != nil {
		s.log.Error().Err(err).Msg("failed to publish partial transcript")
	}
}

func (s *Session) publishFinal(res *engine.Result) {
	if s.pub == nil {
		return
	}
	var durationMs int64
	if s.buf != nil {
		durationMs = int64(s.buf.Format().Duration(int(s.buf.Total())) / time.Millisecond)
	}
	ev := models.TranscriptFinal{
		EventType:       "stt.transcript.final",
		SessionID:       s.lc.SessionId(),
		Timestamp:       time.Now().UnixMilli(),
		Text:            res.Text,
		Language:        res.Language,
		Confidence:      res.Confidence,
		AudioDurationMs: durationMs,
	}
	if err := s.pub.PublishFinal(context.Background(), ev.SessionID, ev); err != nil {
		s.log.Error().Err(err).Msg("failed to publish final transcript")
	}
}
