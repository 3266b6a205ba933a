package server

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/replichat/internal/monitoring"
)

// Gateway exposes the same command engine over WebSocket for browser
// front-ends: one record per text frame, no NUL delimiter on the wire.
// It fills the gateway endpoint slot advertised in the settings shard.
type Gateway struct {
	engine  *Engine
	logger  zerolog.Logger
	metrics *monitoring.Metrics

	queueSize int
	httpSrv   *http.Server
}

// NewGateway builds a WebSocket gateway around an engine.
func NewGateway(engine *Engine, queueSize int, logger zerolog.Logger, metrics *monitoring.Metrics) *Gateway {
	return &Gateway{
		engine:    engine,
		logger:    logger.With().Str("component", "gateway").Logger(),
		metrics:   metrics,
		queueSize: queueSize,
	}
}

// Run serves WebSocket upgrades on host:port until the context is
// cancelled.
func (g *Gateway) Run(ctx context.Context, host string, port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleUpgrade)

	g.httpSrv = &http.Server{
		Addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.httpSrv.Shutdown(shutdownCtx)
	}()

	g.logger.Info().Str("addr", g.httpSrv.Addr).Msg("WebSocket gateway listening")
	err := g.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (g *Gateway) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		g.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	addr := conn.RemoteAddr().String()
	sess := newSession(addr, conn, g.queueSize, g.logger.With().Str("remote", addr).Logger())
	g.metrics.ClientConnected()

	go g.writeLoop(conn, sess)
	go g.readLoop(conn, sess)
}

func (g *Gateway) readLoop(conn net.Conn, sess *Session) {
	defer monitoring.RecoverPanic(sess.logger, "gateway_read")
	defer g.metrics.ClientDisconnected()
	defer g.engine.SessionClosed(sess)
	defer sess.Close()

	for {
		msg, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			sess.logger.Debug().Err(err).Msg("WebSocket read ended")
			return
		}
		if op != ws.OpText {
			continue
		}
		// Tolerate clients that keep the stream delimiter on frames.
		frame := bytes.TrimRight(msg, "\x00")
		if len(frame) == 0 {
			continue
		}
		g.engine.Handle(sess, frame)
	}
}

func (g *Gateway) writeLoop(conn net.Conn, sess *Session) {
	defer monitoring.RecoverPanic(sess.logger, "gateway_write")
	defer sess.Close()

	for {
		select {
		case <-sess.done:
			return
		case raw := <-sess.send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wsutil.WriteServerMessage(conn, ws.OpText, raw); err != nil {
				sess.logger.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}
}
