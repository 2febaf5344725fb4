// Package ipcclient implements the UI-process side of the transport: one
// net.Conn, a single reader goroutine demultiplexing responses by
// request id into one-shot channels, and a mutex-serialized writer. It
// mirrors the teacher's clientCodec (x5iu-gorpc/codec.go) generalized from
// net/rpc sequence numbers to wire.RequestID correlation.
package ipcclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atom-ide/atomd/internal/frame"
	"github.com/atom-ide/atomd/internal/wire"
)

// ErrClosed is returned by Call when the client has already been shut down
// by Close. A Call still pending when the connection is lost resolves with
// an *Error of kind Transport instead.
var ErrClosed = errors.New("ipcclient: closed")

// Error is the client-visible shape of a wire.ErrorResp.
type Error struct {
	Kind    wire.ErrorKind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func newError(resp *wire.ErrorResp) *Error {
	return &Error{Kind: resp.ErrKind, Message: resp.Message}
}

// Config carries the per-connection framing knobs.
type Config struct {
	MaxFrameBytes uint32
	WriteTimeout  time.Duration
}

// Client is safe for concurrent use; Call may be invoked from many
// goroutines at once, each with its own request id.
type Client struct {
	conn net.Conn
	cfg  Config
	log  *zap.Logger

	wmu sync.Mutex // serializes writes to conn

	mu      sync.Mutex
	pending map[wire.RequestID]chan *wire.Envelope
	nextID  atomic.Uint64

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	wg sync.WaitGroup
}

// Dial connects to addr over network, performs the handshake, and starts
// the reader goroutine.
func Dial(ctx context.Context, network, addr string, cfg Config, log *zap.Logger) (*Client, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("ipcclient: dial %s: %w", addr, err)
	}
	return Connect(ctx, conn, cfg, log)
}

// Connect wraps an already-connected conn, starts the reader goroutine, and
// performs the mandatory Ping/Pong liveness handshake spec §4.2 requires
// before a connection is considered ready: "on connect, send a Ping with a
// newly allocated id and await Pong within connection_timeout." A handshake
// failure closes conn and returns a Transport error; it never leaves a
// half-initialized Client behind.
func Connect(ctx context.Context, conn net.Conn, cfg Config, log *zap.Logger) (*Client, error) {
	c := New(conn, cfg, log)
	if err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, &Error{Kind: wire.ErrTransport, Message: fmt.Sprintf("handshake failed: %v", err)}
	}
	return c, nil
}

// New wraps an already-connected conn and starts the reader goroutine.
func New(conn net.Conn, cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		conn:    conn,
		cfg:     cfg,
		log:     log,
		pending: make(map[wire.RequestID]chan *wire.Envelope),
		closed:  make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c
}

// NextRequestID returns a fresh, connection-unique, non-zero id.
func (c *Client) NextRequestID() wire.RequestID {
	return wire.RequestID(c.nextID.Add(1))
}

// Close tears down the connection and fails every pending Call with
// ErrClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { c.closeErr = ErrClosed; close(c.closed) })
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Call sends req and blocks for its matched response, honoring ctx. Per
// spec §4.2, a cancelled or expired ctx does not resolve Call by itself: it
// sends an explicit Cancel envelope for req's id and then keeps waiting for
// the server's actual resolution of the original request — Error{Cancelled}
// unless the handler had already completed, in which case the caller still
// sees that original result. Connection loss still unblocks Call, since
// readLoop's failAllPending delivers a synthesized Transport error to every
// pending entry.
func (c *Client) Call(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	ch := make(chan *wire.Envelope, 1)
	c.mu.Lock()
	c.pending[req.RequestID] = ch
	c.mu.Unlock()

	if err := c.send(req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return c.awaitCancelled(req.RequestID, ch)
	case <-c.closed:
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
		return nil, c.closeErr
	}
}

// awaitCancelled sends an explicit Cancel targeting id and then blocks for
// the server's resolution of id itself, per spec §4.2: the caller only sees
// Error{Cancelled} once that resolution arrives, not at the moment its own
// ctx expired.
func (c *Client) awaitCancelled(id wire.RequestID, ch chan *wire.Envelope) (*wire.Envelope, error) {
	go c.sendCancel(id)
	select {
	case resp := <-ch:
		return resp, nil
	case <-c.closed:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, c.closeErr
	}
}

func (c *Client) sendCancel(target wire.RequestID) {
	id := c.NextRequestID()
	_ = c.send(&wire.Envelope{RequestID: id, Kind: wire.KindCancel, Cancel: &wire.CancelReq{TargetID: target}})
}

func (c *Client) send(env *wire.Envelope) error {
	payload, err := wire.Marshal(env)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return frame.WriteTo(c.conn, payload, c.cfg.MaxFrameBytes)
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		payload, err := frame.Decode(c.conn, c.cfg.MaxFrameBytes)
		if err != nil {
			c.failAllPending(err)
			c.closeOnce.Do(func() { c.closeErr = err; close(c.closed) })
			return
		}
		env, err := wire.Unmarshal(payload)
		if err != nil {
			c.log.Warn("malformed envelope from daemon", zap.Error(err))
			c.failAllPending(err)
			c.closeOnce.Do(func() { c.closeErr = err; close(c.closed) })
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[env.RequestID]
		if ok {
			delete(c.pending, env.RequestID)
		}
		c.mu.Unlock()
		if !ok {
			// Late arrival for a Call the caller already gave up on.
			continue
		}
		ch <- env
	}
}

func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[wire.RequestID]chan *wire.Envelope)
	c.mu.Unlock()
	for id, ch := range pending {
		ch <- wire.NewError(id, wire.ErrTransport, err.Error())
	}
}

func deadlineMillis(ctx context.Context) uint64 {
	dl, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	return uint64(dl.UnixMilli())
}

// errOrResponse turns an Error-kind envelope into a Go error.
func errOrResponse(resp *wire.Envelope) (*wire.Envelope, error) {
	if resp.Kind == wire.KindError {
		return nil, newError(resp.Error)
	}
	return resp, nil
}

// Ping round-trips a handshake/liveness check.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.Call(ctx, &wire.Envelope{RequestID: c.NextRequestID(), Kind: wire.KindPing, DeadlineMillis: deadlineMillis(ctx)})
	if err != nil {
		return err
	}
	_, err = errOrResponse(resp)
	return err
}

// OpenBuffer loads path into a daemon-side buffer and returns its id.
func (c *Client) OpenBuffer(ctx context.Context, path string) (string, error) {
	resp, err := c.Call(ctx, &wire.Envelope{
		RequestID:      c.NextRequestID(),
		Kind:           wire.KindOpenBuffer,
		DeadlineMillis: deadlineMillis(ctx),
		OpenBuffer:     &wire.OpenBufferReq{Path: path},
	})
	if err != nil {
		return "", err
	}
	resp, err = errOrResponse(resp)
	if err != nil {
		return "", err
	}
	if resp.BufferOpened == nil {
		return "", &Error{Kind: wire.ErrInternal, Message: "malformed BufferOpened response"}
	}
	return resp.BufferOpened.ID, nil
}

// SaveBuffer writes contents to the buffer's backing file.
func (c *Client) SaveBuffer(ctx context.Context, id string, contents []byte) error {
	resp, err := c.Call(ctx, &wire.Envelope{
		RequestID:      c.NextRequestID(),
		Kind:           wire.KindSaveBuffer,
		DeadlineMillis: deadlineMillis(ctx),
		SaveBuffer:     &wire.SaveBufferReq{ID: id, Contents: contents},
	})
	if err != nil {
		return err
	}
	_, err = errOrResponse(resp)
	return err
}

// CloseBuffer drops a daemon-side buffer.
func (c *Client) CloseBuffer(ctx context.Context, id string) error {
	resp, err := c.Call(ctx, &wire.Envelope{
		RequestID:      c.NextRequestID(),
		Kind:           wire.KindCloseBuffer,
		DeadlineMillis: deadlineMillis(ctx),
		CloseBuffer:    &wire.CloseBufferReq{ID: id},
	})
	if err != nil {
		return err
	}
	_, err = errOrResponse(resp)
	return err
}

// Search asks the daemon to grep under root.
func (c *Client) Search(ctx context.Context, root, pattern string, maxResults int) ([]wire.SearchResult, bool, error) {
	resp, err := c.Call(ctx, &wire.Envelope{
		RequestID:      c.NextRequestID(),
		Kind:           wire.KindSearch,
		DeadlineMillis: deadlineMillis(ctx),
		Search:         &wire.SearchReq{Root: root, Pattern: pattern, MaxResults: maxResults},
	})
	if err != nil {
		return nil, false, err
	}
	resp, err = errOrResponse(resp)
	if err != nil {
		return nil, false, err
	}
	if resp.SearchResults == nil {
		return nil, false, &Error{Kind: wire.ErrInternal, Message: "malformed SearchResults response"}
	}
	return resp.SearchResults.Items, resp.SearchResults.Truncated, nil
}

// GetStats reads the daemon's observable counters.
func (c *Client) GetStats(ctx context.Context) (wire.StatsResp, error) {
	resp, err := c.Call(ctx, &wire.Envelope{RequestID: c.NextRequestID(), Kind: wire.KindGetStats})
	if err != nil {
		return wire.StatsResp{}, err
	}
	resp, err = errOrResponse(resp)
	if err != nil {
		return wire.StatsResp{}, err
	}
	if resp.Stats == nil {
		return wire.StatsResp{}, &Error{Kind: wire.ErrInternal, Message: "malformed Stats response"}
	}
	return *resp.Stats, nil
}

// Cancel explicitly requests cancellation of target and waits for the
// daemon's acknowledgement (not for target's own resolution).
func (c *Client) Cancel(ctx context.Context, target wire.RequestID) error {
	resp, err := c.Call(ctx, &wire.Envelope{RequestID: c.NextRequestID(), Kind: wire.KindCancel, Cancel: &wire.CancelReq{TargetID: target}})
	if err != nil {
		return err
	}
	_, err = errOrResponse(resp)
	return err
}
