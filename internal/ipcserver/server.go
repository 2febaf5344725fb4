// Package ipcserver hosts the daemon side of the transport: one
// net.Listener, a reader/writer goroutine pair per accepted connection, and
// a fresh dispatch.Dispatcher per connection sharing the daemon-wide
// metrics.Counters. Grounded on the teacher's readLoop/writeFrame split
// (x5iu-gorpc/codec.go), generalized from gob frames keyed by sequence
// number to wire.Envelope frames keyed by request id.
package ipcserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atom-ide/atomd/internal/dispatch"
	"github.com/atom-ide/atomd/internal/frame"
	"github.com/atom-ide/atomd/internal/handler"
	"github.com/atom-ide/atomd/internal/metrics"
	"github.com/atom-ide/atomd/internal/wire"
)

// writeQueueDepth bounds how many responses a connection's writer may have
// queued before a slow worker calling enqueue starts to block.
const writeQueueDepth = 64

// defaultShutdownGrace bounds how long a connection's shutdown waits for
// its in-flight workers to resolve and their responses to be written,
// per spec §4.3, when Config.ShutdownGrace is unset.
const defaultShutdownGrace = 5 * time.Second

// Config carries the per-daemon knobs that apply to every connection.
type Config struct {
	MaxInFlight     int
	MaxFrameBytes   uint32
	WriteTimeout    time.Duration
	ShutdownGrace   time.Duration // bounds the graceful drain on shutdown; default 5s
	ReadyMarkerPath string        // written once, right before the accept loop starts; empty disables it
}

// Server owns the listener and fans out accepted connections.
type Server struct {
	listener net.Listener
	handler  handler.Handler
	metrics  *metrics.Counters
	log      *zap.Logger
	cfg      Config

	wg sync.WaitGroup
}

// New builds a Server. It does not start accepting until Serve is called.
func New(listener net.Listener, h handler.Handler, m *metrics.Counters, cfg Config, log *zap.Logger) *Server {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{listener: listener, handler: h, metrics: m, log: log, cfg: cfg}
}

// Serve writes the readiness marker (if configured), then accepts
// connections until ctx is cancelled or Accept fails. It returns nil on a
// clean shutdown via ctx and the Accept error otherwise.
func (s *Server) Serve(ctx context.Context) error {
	if s.cfg.ReadyMarkerPath != "" {
		if err := writeReadyMarker(s.cfg.ReadyMarkerPath); err != nil {
			return fmt.Errorf("ipcserver: write ready marker: %w", err)
		}
	}

	stopAccept := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = s.listener.Close()
		case <-stopAccept:
		}
	}()
	defer close(stopAccept)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return err
			}
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// writeReadyMarker writes path atomically (write-then-rename) so a watcher
// (internal/autostart) never observes a half-written file.
func writeReadyMarker(path string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// handleConn runs one connection's reader loop inline and its writer loop on
// a second goroutine, per spec §4.7: a single serialized writer and a single
// demultiplexing reader. On shutdown (connCtx done, derived from the
// server's ctx) it half-closes the read side so a reader blocked in
// frame.Decode returns promptly, then waits for admitted workers to resolve
// — draining their responses through the still-running writer — up to
// Config.ShutdownGrace before tearing the connection down, per spec §4.3.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := s.log.With(zap.String("remote", conn.RemoteAddr().String()))
	d := dispatch.New(s.handler, s.metrics, s.cfg.MaxInFlight, log)

	writeCh := make(chan *wire.Envelope, writeQueueDepth)
	drainDone := make(chan struct{})
	enqueue := func(e *wire.Envelope) {
		select {
		case writeCh <- e:
		case <-drainDone:
		}
	}

	go func() {
		<-connCtx.Done()
		if hc, ok := conn.(interface{ CloseRead() error }); ok {
			_ = hc.CloseRead()
		} else {
			_ = conn.Close()
		}
	}()

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		s.writeLoop(drainDone, conn, writeCh, log)
	}()

	s.readLoop(connCtx, conn, d, enqueue, log)
	cancel()
	s.awaitDrain(d)
	close(drainDone)
	writerWG.Wait()
}

// awaitDrain blocks until d reports every admitted request resolved (and
// its response enqueued — runWorker enqueues before it removes the
// in-flight entry, so this is race-free) or the shutdown grace period
// elapses, per spec §4.3's "drain … until empty or until a graceful
// deadline elapses, then exit."
func (s *Server) awaitDrain(d *dispatch.Dispatcher) {
	deadline := time.Now().Add(s.shutdownGrace())
	for d.InFlight() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *Server) shutdownGrace() time.Duration {
	if s.cfg.ShutdownGrace > 0 {
		return s.cfg.ShutdownGrace
	}
	return defaultShutdownGrace
}

func (s *Server) readLoop(ctx context.Context, conn net.Conn, d *dispatch.Dispatcher, enqueue func(*wire.Envelope), log *zap.Logger) {
	for {
		payload, err := frame.Decode(conn, s.cfg.MaxFrameBytes)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("connection closed reading frame", zap.Error(err))
			}
			return
		}
		env, err := wire.Unmarshal(payload)
		if err != nil {
			log.Warn("malformed envelope, closing connection", zap.Error(err))
			return
		}
		d.Handle(ctx, env, enqueue)
	}
}

// writeLoop serializes writes until done closes, then flushes whatever is
// already queued in writeCh before returning.
func (s *Server) writeLoop(done <-chan struct{}, conn net.Conn, writeCh <-chan *wire.Envelope, log *zap.Logger) {
	for {
		select {
		case env := <-writeCh:
			if err := s.writeEnvelope(conn, env); err != nil {
				log.Debug("write failed, closing connection", zap.Error(err))
				return
			}
		case <-done:
			s.flushPending(conn, writeCh, log)
			return
		}
	}
}

func (s *Server) flushPending(conn net.Conn, writeCh <-chan *wire.Envelope, log *zap.Logger) {
	for {
		select {
		case env := <-writeCh:
			if err := s.writeEnvelope(conn, env); err != nil {
				log.Debug("write failed while flushing", zap.Error(err))
				return
			}
		default:
			return
		}
	}
}

func (s *Server) writeEnvelope(conn net.Conn, env *wire.Envelope) error {
	payload, err := wire.Marshal(env)
	if err != nil {
		return err
	}
	if s.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	return frame.WriteTo(conn, payload, s.cfg.MaxFrameBytes)
}
