package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"wyoming-stt-bridge/internal/observability/metrics"
)

// Queue multiplexes decode calls from many sessions onto one shared adapter.
// The queue is bounded: when it is full, Decode blocks the calling session,
// which is the backpressure path. A decode call exceeding the configured
// timeout returns DecodeFailed; the in-flight call is abandoned, not killed,
// so the adapter is never left mid-operation by a session's timeout.
type Queue struct {
	adapter Adapter
	jobs    chan *job
	timeout time.Duration
	metrics *metrics.Metrics

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

type job struct {
	ctx    context.Context
	window []byte
	prior  *State
	result chan jobResult // buffered: worker never blocks on a gone waiter
}

type jobResult struct {
	res *Result
	err error
}

// NewQueue starts workers decode workers over the adapter. depth bounds the
// number of queued windows; workers is 1 for engines that are not reentrant.
func NewQueue(adapter Adapter, depth, workers int, timeout time.Duration) *Queue {
	if depth <= 0 {
		depth = 16
	}
	if workers <= 0 {
		workers = 1
	}
	q := &Queue{
		adapter: adapter,
		jobs:    make(chan *job, depth),
		timeout: timeout,
		metrics: metrics.DefaultMetrics,
		done:    make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Capabilities passes through to the shared adapter.
func (q *Queue) Capabilities() Capabilities {
	return q.adapter.Capabilities()
}

// Decode enqueues one window and waits for its result. Returns ctx.Err()
// if the session is canceled while queued or in flight; no result is
// delivered after that.
func (q *Queue) Decode(ctx context.Context, window []byte, prior *State) (*Result, error) {
	j := &job{
		ctx:    ctx,
		window: window,
		prior:  prior,
		result: make(chan jobResult, 1),
	}

	select {
	case q.jobs <- j:
		q.metrics.RecordDecodeQueued()
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		return nil, ErrEngineUnavailable
	}

	select {
	case r := <-j.result:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the workers and releases the adapter. Queued jobs fail with
// EngineUnavailable.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	q.wg.Wait()
	return q.adapter.Close()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case j := <-q.jobs:
			q.metrics.RecordDecodeDequeued()
			q.run(j)
		}
	}
}

func (q *Queue) run(j *job) {
	// Session gone while the job sat in the queue: skip the engine call
	// entirely so no decode is attributable to a closed session.
	if j.ctx.Err() != nil {
		j.result <- jobResult{err: j.ctx.Err()}
		return
	}

	dctx := j.ctx
	var cancel context.CancelFunc
	if q.timeout > 0 {
		dctx, cancel = context.WithTimeout(j.ctx, q.timeout)
		defer cancel()
	}

	inner := make(chan jobResult, 1)
	go func() {
		res, err := q.adapter.Decode(dctx, j.window, j.prior)
		inner <- jobResult{res: res, err: err}
	}()

	select {
	case r := <-inner:
		j.result <- r
	case <-dctx.Done():
		if j.ctx.Err() != nil {
			j.result <- jobResult{err: j.ctx.Err()}
			return
		}
		log.Warn().
			Dur("timeout", q.timeout).
			Int("windowBytes", len(j.window)).
			Msg("decode exceeded timeout, abandoning call")
		j.result <- jobResult{err: fmt.Errorf("%w: decode exceeded %v", ErrDecodeFailed, q.timeout)}
	}
}
