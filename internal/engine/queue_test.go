package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// blockingAdapter decodes after a fixed delay unless canceled first.
type blockingAdapter struct {
	delay time.Duration

	mu       sync.Mutex
	calls    int
	canceled int
}

func (a *blockingAdapter) Capabilities() Capabilities {
	return Capabilities{Name: "blocking", Model: "test"}
}

func (a *blockingAdapter) Decode(ctx context.Context, window []byte, prior *State) (*Result, error) {
	a.mu.Lock()
	a.calls++
	delay := a.delay
	a.mu.Unlock()

	select {
	case <-time.After(delay):
		return &Result{Text: "ok"}, nil
	case <-ctx.Done():
		a.mu.Lock()
		a.canceled++
		a.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (a *blockingAdapter) Close() error { return nil }

func TestQueue_Decode(t *testing.T) {
	q := NewQueue(&blockingAdapter{delay: time.Millisecond}, 4, 1, time.Second)
	defer q.Close()

	res, err := q.Decode(context.Background(), []byte{1, 2}, &State{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "ok" {
		t.Errorf("expected text 'ok', got %q", res.Text)
	}
}

func TestQueue_TimeoutIsDecodeFailed(t *testing.T) {
	q := NewQueue(&blockingAdapter{delay: time.Second}, 4, 1, 20*time.Millisecond)
	defer q.Close()

	_, err := q.Decode(context.Background(), nil, nil)
	if !errors.Is(err, ErrDecodeFailed) {
		t.Errorf("expected ErrDecodeFailed on timeout, got %v", err)
	}
}

func TestQueue_TimeoutDoesNotPoisonQueue(t *testing.T) {
	a := &blockingAdapter{delay: 80 * time.Millisecond}
	q := NewQueue(a, 4, 1, 20*time.Millisecond)
	defer q.Close()

	if _, err := q.Decode(context.Background(), nil, nil); !errors.Is(err, ErrDecodeFailed) {
		t.Fatalf("expected timeout, got %v", err)
	}

	// The next call must still be served.
	a.mu.Lock()
	a.delay = time.Millisecond
	a.mu.Unlock()

	res, err := q.Decode(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("queue poisoned after timeout: %v", err)
	}
	if res.Text != "ok" {
		t.Errorf("expected 'ok', got %q", res.Text)
	}
}

func TestQueue_CancelWhileQueued(t *testing.T) {
	a := &blockingAdapter{delay: 100 * time.Millisecond}
	q := NewQueue(a, 4, 1, time.Second)
	defer q.Close()

	// Occupy the single worker.
	go q.Decode(context.Background(), nil, nil) //nolint:errcheck

	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Decode(ctx, nil, nil)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	// Let the worker drain; the canceled job must never reach the adapter.
	time.Sleep(200 * time.Millisecond)
	a.mu.Lock()
	calls := a.calls
	a.mu.Unlock()
	if calls != 1 {
		t.Errorf("canceled job reached the adapter: %d calls", calls)
	}
}

func TestQueue_OrderPreserved(t *testing.T) {
	// One worker: results come back in submission order even with varying
	// latencies, which is what the per-session ordering guarantee rests on.
	a := &blockingAdapter{delay: time.Millisecond}
	q := NewQueue(a, 8, 1, time.Second)
	defer q.Close()

	for i := 0; i < 5; i++ {
		if _, err := q.Decode(context.Background(), nil, nil); err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.calls != 5 {
		t.Errorf("expected 5 adapter calls, got %d", a.calls)
	}
}

func TestQueue_CloseFailsPending(t *testing.T) {
	q := NewQueue(&blockingAdapter{delay: time.Millisecond}, 4, 1, time.Second)
	q.Close()

	_, err := q.Decode(context.Background(), nil, nil)
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Errorf("expected ErrEngineUnavailable after close, got %v", err)
	}
}
