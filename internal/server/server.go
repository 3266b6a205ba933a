// Package server implements the client-facing side of one replica: the
// framed TCP listener, the per-connection session loops, the command
// engine and the live-delivery fanout.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/replichat/internal/monitoring"
	"github.com/adred-codev/replichat/internal/protocol"
)

const (
	writeTimeout = 10 * time.Second
	// One session buffers this many outbound records before live pushes
	// start falling back to the unread queue.
	defaultSendQueue = 64
	readBufferSize   = 4096
)

// Replicator is the engine's view of the cluster coordinator.
type Replicator interface {
	// Broadcast wraps a mutation in an update record and sends it to
	// every connected peer.
	Broadcast(kind string, payload any)
	// Synced reports whether this replica may serve client commands.
	Synced() bool
}

// Session is one client connection, transport-independent. Replies and
// live pushes go through the send queue so per-connection ordering is
// preserved regardless of which goroutine produced them.
type Session struct {
	addr   string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	conn   io.Closer
	logger zerolog.Logger
}

func newSession(addr string, conn io.Closer, queueSize int, logger zerolog.Logger) *Session {
	if queueSize < 1 {
		queueSize = defaultSendQueue
	}
	return &Session{
		addr:   addr,
		send:   make(chan []byte, queueSize),
		done:   make(chan struct{}),
		conn:   conn,
		logger: logger,
	}
}

// Addr returns the session endpoint used for login binding.
func (s *Session) Addr() string { return s.addr }

// Enqueue queues a record for delivery, blocking until there is room or
// the session closes.
func (s *Session) Enqueue(rec protocol.Record) {
	raw, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error().Err(err).Str("command", rec.Command).Msg("Failed to encode record")
		return
	}
	select {
	case s.send <- raw:
	case <-s.done:
	}
}

// TryEnqueue queues a record without blocking. False means the queue is
// full or the session is closed.
func (s *Session) TryEnqueue(rec protocol.Record) bool {
	raw, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error().Err(err).Str("command", rec.Command).Msg("Failed to encode record")
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- raw:
		return true
	default:
		return false
	}
}

// Close shuts the session down once; safe from any goroutine.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// Server accepts framed TCP client connections for one replica.
type Server struct {
	engine  *Engine
	limiter *rate.Limiter
	logger  zerolog.Logger
	metrics *monitoring.Metrics

	queueSize int
	listener  net.Listener
	wg        sync.WaitGroup
}

// New builds a client server around an engine.
func New(engine *Engine, connRate float64, connBurst, queueSize int, logger zerolog.Logger, metrics *monitoring.Metrics) *Server {
	return &Server{
		engine:    engine,
		limiter:   rate.NewLimiter(rate.Limit(connRate), connBurst),
		logger:    logger.With().Str("component", "client_server").Logger(),
		metrics:   metrics,
		queueSize: queueSize,
	}
}

// Listen binds the client endpoint.
func (s *Server) Listen(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Client listener bound")
	return nil
}

// Run accepts connections until the context is cancelled.
func (s *Server) Run(ctx context.Context) {
	defer monitoring.RecoverPanic(s.logger, "client_accept")

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Warn().Err(err).Msg("Accept failed")
			continue
		}
		if !s.limiter.Allow() {
			s.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("Connection rate limit exceeded, dropping")
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
	s.wg.Wait()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "client_conn")

	addr := conn.RemoteAddr().String()
	sess := newSession(addr, conn, s.queueSize, s.logger.With().Str("remote", addr).Logger())
	s.metrics.ClientConnected()
	defer s.metrics.ClientDisconnected()
	defer s.engine.SessionClosed(sess)
	defer sess.Close()

	go s.writeLoop(conn, sess)
	s.readLoop(ctx, conn, sess)
}

// readLoop feeds stream bytes through the frame buffer and dispatches
// complete records.
func (s *Server) readLoop(ctx context.Context, conn net.Conn, sess *Session) {
	var frames protocol.FrameBuffer
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames.Write(buf[:n])
			for {
				frame, ok := frames.Next()
				if !ok {
					break
				}
				if len(frame) == 0 {
					continue
				}
				s.engine.Handle(sess, frame)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				sess.logger.Debug().Err(err).Msg("Client read ended")
			}
			return
		}
	}
}

// writeLoop drains the send queue onto the socket, batching bursts
// behind one flush.
func (s *Server) writeLoop(conn net.Conn, sess *Session) {
	defer monitoring.RecoverPanic(sess.logger, "client_write")
	defer sess.Close()

	writer := bufio.NewWriter(conn)
	for {
		select {
		case <-sess.done:
			return
		case raw := <-sess.send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !writeFrame(writer, raw) {
				return
			}
			// Drain whatever queued up while we were writing.
			for drained := false; !drained; {
				select {
				case more := <-sess.send:
					if !writeFrame(writer, more) {
						return
					}
				default:
					drained = true
				}
			}
			if err := writer.Flush(); err != nil {
				sess.logger.Debug().Err(err).Msg("Client write failed")
				return
			}
		}
	}
}

func writeFrame(w *bufio.Writer, raw []byte) bool {
	if _, err := w.Write(raw); err != nil {
		return false
	}
	return w.WriteByte(protocol.Delimiter) == nil
}
