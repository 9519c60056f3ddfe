// Package server accepts TCP connections and dispatches one session per
// connection, enforcing the concurrency limit at admission time.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wyoming-stt-bridge/internal/events"
	"wyoming-stt-bridge/internal/observability/logging"
	"wyoming-stt-bridge/internal/observability/metrics"
	"wyoming-stt-bridge/internal/protocol"
	"wyoming-stt-bridge/internal/session"
)

// OverflowPolicy decides what happens to a connection arriving above the
// session limit.
type OverflowPolicy string

const (
	// PolicyReject refuses the connection with resource-exhausted.
	PolicyReject OverflowPolicy = "reject"
	// PolicyQueue holds the connection up to QueueWait for a free slot.
	PolicyQueue OverflowPolicy = "queue"
)

// Config holds dispatcher configuration.
type Config struct {
	Addr        string
	MaxSessions int
	Overflow    OverflowPolicy
	QueueWait   time.Duration
	Session     session.Options
}

// Dispatcher owns the listener and the session slot semaphore.
type Dispatcher struct {
	cfg Config
	dec session.Decoder
	pub *events.Publisher

	metrics *metrics.Metrics
	log     zerolog.Logger

	ln    net.Listener
	slots chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher. Call Listen before Serve.
func New(cfg Config, dec session.Decoder, pub *events.Publisher) *Dispatcher {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1
	}
	if cfg.Overflow == "" {
		cfg.Overflow = PolicyReject
	}
	return &Dispatcher{
		cfg:     cfg,
		dec:     dec,
		pub:     pub,
		metrics: metrics.DefaultMetrics,
		log:     logging.WithComponent("dispatcher"),
		slots:   make(chan struct{}, cfg.MaxSessions),
	}
}

// Listen binds the configured address.
func (d *Dispatcher) Listen() error {
	ln, err := net.Listen("tcp", d.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Addr, err)
	}
	d.ln = ln
	d.log.Info().
		Str("addr", ln.Addr().String()).
		Int("maxSessions", d.cfg.MaxSessions).
		Str("overflow", string(d.cfg.Overflow)).
		Msg("listening")
	return nil
}

// Addr returns the bound address, nil before Listen.
func (d *Dispatcher) Addr() net.Addr {
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

// Serve accepts connections until the listener closes or ctx is canceled.
func (d *Dispatcher) Serve(ctx context.Context) error {
	if d.ln == nil {
		return errors.New("dispatcher: Serve before Listen")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = d.ln.Close()
	}()

	for {
		conn, err := d.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		d.wg.Add(1)
		go d.admit(ctx, conn)
	}
}

// admit applies the overflow policy, then runs the session. One goroutine per
// connection so a queued connection never blocks the accept loop.
func (d *Dispatcher) admit(ctx context.Context, conn net.Conn) {
	defer d.wg.Done()

	if !d.acquire(ctx) {
		d.reject(conn)
		return
	}
	defer func() { <-d.slots }()

	d.handle(ctx, conn)
}

func (d *Dispatcher) acquire(ctx context.Context) bool {
	select {
	case d.slots <- struct{}{}:
		return true
	default:
	}
	if d.cfg.Overflow != PolicyQueue || d.cfg.QueueWait <= 0 {
		return false
	}
	d.metrics.RecordSessionQueued()
	select {
	case d.slots <- struct{}{}:
		return true
	case <-time.After(d.cfg.QueueWait):
		return false
	case <-ctx.Done():
		return false
	}
}

// reject refuses a connection above the limit with a resource-exhausted
// error event, best effort.
func (d *Dispatcher) reject(conn net.Conn) {
	defer conn.Close()
	d.metrics.RecordSessionRejected()
	d.log.Warn().
		Str("remoteAddr", conn.RemoteAddr().String()).
		Int("maxSessions", d.cfg.MaxSessions).
		Msg("connection rejected at session limit")

	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	w := protocol.NewWriter(conn)
	_ = w.Write(protocol.NewError(protocol.CodeResourceExhausted,
		fmt.Sprintf("session limit reached (%d)", d.cfg.MaxSessions)))
}

func (d *Dispatcher) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	start := time.Now()
	d.metrics.RecordSessionStart()
	defer func() {
		d.metrics.RecordSessionEnd(time.Since(start).Seconds())
	}()

	// A panicking session must not take the server down with it.
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("remoteAddr", remote).
				Interface("panic", r).
				Msg("session panicked")
		}
	}()

	s := session.New(conn, d.dec, d.pub, d.cfg.Session, remote)
	if err := s.Run(ctx); err != nil {
		d.log.Warn().Err(err).Str("remoteAddr", remote).Msg("session ended with error")
		return
	}
	d.log.Debug().Str("remoteAddr", remote).Msg("session ended")
}

// Shutdown stops accepting, cancels active sessions and waits for them up to
// ctx's deadline.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	} else if d.ln != nil {
		_ = d.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}
