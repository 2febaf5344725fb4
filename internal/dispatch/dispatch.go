// Package dispatch implements the admission controller and per-request
// worker scheduling described in spec §4.4: deadline and backpressure
// checks at admission, cooperative cancellation of admitted workers, and
// routing of worker outcomes back to the caller-supplied enqueue sink.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atom-ide/atomd/internal/handler"
	"github.com/atom-ide/atomd/internal/metrics"
	"github.com/atom-ide/atomd/internal/wire"
)

// Dispatcher owns one connection's in-flight table. It is created fresh
// per connection (spec §5: "per connection... in-flight worker count...
// capped at max_in_flight") but shares the daemon-wide metrics.Counters
// with every other connection.
type Dispatcher struct {
	h           handler.Handler
	metrics     *metrics.Counters
	maxInFlight int
	log         *zap.Logger

	mu       sync.Mutex
	inflight map[wire.RequestID]context.CancelFunc
}

// New builds a Dispatcher bound to h, reporting into m, admitting at most
// maxInFlight concurrent requests.
func New(h handler.Handler, m *metrics.Counters, maxInFlight int, log *zap.Logger) *Dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		h:           h,
		metrics:     m,
		maxInFlight: maxInFlight,
		log:         log,
		inflight:    make(map[wire.RequestID]context.CancelFunc),
	}
}

// InFlight returns the current number of admitted, unresolved requests.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Handle decodes the intent of env and acts on it per spec §4.4 steps 1-5.
// ctx is the connection's lifetime context: cancelling it cancels every
// worker this Dispatcher has admitted (spec §4.7: connection loss cancels
// all in-flight workers for that connection). enqueue delivers a response
// envelope to the connection's writer; it is called exactly once for env,
// either before Handle returns (fast paths and rejections) or later from
// the admitted request's worker, per spec §3's exactly-once response
// invariant.
func (d *Dispatcher) Handle(ctx context.Context, env *wire.Envelope, enqueue func(*wire.Envelope)) {
	switch env.Kind {
	case wire.KindCancel:
		d.handleCancel(env, enqueue)
		return
	case wire.KindGetStats:
		d.handleGetStats(env, enqueue)
		return
	}

	if env.DeadlineMillis != 0 && nowMillis() >= env.DeadlineMillis {
		d.metrics.IncDeadlines()
		enqueue(wire.NewError(env.RequestID, wire.ErrDeadline, "deadline already passed at admission"))
		return
	}

	d.mu.Lock()
	if len(d.inflight) >= d.maxInFlight {
		d.mu.Unlock()
		d.metrics.IncBackpressure()
		enqueue(wire.NewError(env.RequestID, wire.ErrBackpressure, "too many in-flight requests"))
		return
	}
	workerCtx, cancel := context.WithCancel(ctx)
	d.inflight[env.RequestID] = cancel
	d.mu.Unlock()

	go d.runWorker(workerCtx, cancel, env, enqueue)
}

// handleCancel is the "Cancel fast-path" of spec §4.4 step 1: it never
// spawns a worker, always acknowledges its own request_id, and signals the
// target's cancellation token only if the target is still in-flight.
func (d *Dispatcher) handleCancel(env *wire.Envelope, enqueue func(*wire.Envelope)) {
	var target wire.RequestID
	if env.Cancel != nil {
		target = env.Cancel.TargetID
	}

	d.mu.Lock()
	cancelTarget, found := d.inflight[target]
	d.mu.Unlock()

	if found {
		cancelTarget()
		d.metrics.IncCancels()
	}
	enqueue(wire.NewPong(env.RequestID))
}

// handleGetStats is the synchronous fast-path of spec §4.4 step 2.
func (d *Dispatcher) handleGetStats(env *wire.Envelope, enqueue func(*wire.Envelope)) {
	snap := d.metrics.Snapshot(uint64(d.InFlight()))
	enqueue(&wire.Envelope{
		RequestID: env.RequestID,
		Kind:      wire.KindStats,
		Stats: &wire.StatsResp{
			Cancels:      snap.Cancels,
			Deadlines:    snap.Deadlines,
			Backpressure: snap.Backpressure,
			InFlight:     snap.InFlight,
		},
	})
}

type workerResult struct {
	resp *wire.Envelope
	err  error
}

// runWorker calls the handler on a goroutine and races its completion
// against the request's deadline and its cancellation token, per spec
// §4.4's tie-break rules: a successful completion wins a simultaneous
// Cancel; a simultaneous deadline-and-cancel resolves as Cancelled.
func (d *Dispatcher) runWorker(ctx context.Context, cancel context.CancelFunc, env *wire.Envelope, enqueue func(*wire.Envelope)) {
	defer func() {
		d.mu.Lock()
		delete(d.inflight, env.RequestID)
		d.mu.Unlock()
		cancel()
	}()

	resultCh := make(chan workerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("recovered panic in handler worker",
					zap.Any("panic", r),
					zap.Uint64("request_id", uint64(env.RequestID)),
					zap.Stack("stack"),
				)
				resultCh <- workerResult{nil, fmt.Errorf("panic in handler: %v", r)}
			}
		}()
		resp, err := d.call(ctx, env)
		resultCh <- workerResult{resp, err}
	}()

	var timeoutCh <-chan time.Time
	if env.DeadlineMillis != 0 {
		timer := time.NewTimer(untilDeadline(env.DeadlineMillis))
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case r := <-resultCh:
		d.respond(env.RequestID, r, enqueue)
	case <-ctx.Done():
		select {
		case r := <-resultCh:
			d.respond(env.RequestID, r, enqueue)
		default:
			enqueue(wire.NewError(env.RequestID, wire.ErrCancelled, "cancelled"))
		}
	case <-timeoutCh:
		select {
		case r := <-resultCh:
			d.respond(env.RequestID, r, enqueue)
		default:
			select {
			case <-ctx.Done():
				enqueue(wire.NewError(env.RequestID, wire.ErrCancelled, "cancelled"))
			default:
				d.metrics.IncDeadlines()
				enqueue(wire.NewError(env.RequestID, wire.ErrDeadline, "deadline exceeded"))
			}
		}
	}
}

func (d *Dispatcher) respond(id wire.RequestID, r workerResult, enqueue func(*wire.Envelope)) {
	if r.err != nil {
		enqueue(errToEnvelope(id, r.err))
		return
	}
	enqueue(r.resp)
}

// call invokes the one Handler method env.Kind names and shapes its
// outcome into a response envelope. It is the dispatcher's single switch
// over the closed request kind set, per spec §9 "dynamic dispatch."
func (d *Dispatcher) call(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
	switch env.Kind {
	case wire.KindPing:
		if err := d.h.Ping(ctx); err != nil {
			return nil, err
		}
		return wire.NewPong(env.RequestID), nil

	case wire.KindOpenBuffer:
		if env.OpenBuffer == nil {
			return nil, &handler.Error{Kind: wire.ErrInvalidArgument, Message: "missing open_buffer body"}
		}
		id, err := d.h.OpenBuffer(ctx, env.OpenBuffer.Path)
		if err != nil {
			return nil, err
		}
		return &wire.Envelope{RequestID: env.RequestID, Kind: wire.KindBufferOpened, BufferOpened: &wire.BufferOpenedResp{ID: id}}, nil

	case wire.KindSaveBuffer:
		if env.SaveBuffer == nil {
			return nil, &handler.Error{Kind: wire.ErrInvalidArgument, Message: "missing save_buffer body"}
		}
		if err := d.h.SaveBuffer(ctx, env.SaveBuffer.ID, env.SaveBuffer.Contents); err != nil {
			return nil, err
		}
		return &wire.Envelope{RequestID: env.RequestID, Kind: wire.KindBufferSaved}, nil

	case wire.KindCloseBuffer:
		if env.CloseBuffer == nil {
			return nil, &handler.Error{Kind: wire.ErrInvalidArgument, Message: "missing close_buffer body"}
		}
		if err := d.h.CloseBuffer(ctx, env.CloseBuffer.ID); err != nil {
			return nil, err
		}
		return &wire.Envelope{RequestID: env.RequestID, Kind: wire.KindBufferClosed}, nil

	case wire.KindSearch:
		if env.Search == nil {
			return nil, &handler.Error{Kind: wire.ErrInvalidArgument, Message: "missing search body"}
		}
		items, truncated, err := d.h.Search(ctx, env.Search.Root, env.Search.Pattern, env.Search.MaxResults)
		if err != nil {
			return nil, err
		}
		return &wire.Envelope{
			RequestID:     env.RequestID,
			Kind:          wire.KindSearchResults,
			SearchResults: &wire.SearchResultsResp{Items: items, Truncated: truncated},
		}, nil

	default:
		return nil, &handler.Error{Kind: wire.ErrInvalidArgument, Message: fmt.Sprintf("unsupported request kind %v", env.Kind)}
	}
}

func errToEnvelope(id wire.RequestID, err error) *wire.Envelope {
	var herr *handler.Error
	if errors.As(err, &herr) {
		return wire.NewError(id, herr.Kind, herr.Message)
	}
	if errors.Is(err, context.Canceled) {
		return wire.NewError(id, wire.ErrCancelled, "cancelled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return wire.NewError(id, wire.ErrDeadline, "deadline exceeded")
	}
	return wire.NewError(id, wire.ErrInternal, err.Error())
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

func untilDeadline(deadlineMillis uint64) time.Duration {
	now := nowMillis()
	if deadlineMillis <= now {
		return 0
	}
	return time.Duration(deadlineMillis-now) * time.Millisecond
}
