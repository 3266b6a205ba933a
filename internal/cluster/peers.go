// Package cluster implements the peer side of one replica: outbound
// peer connections with heartbeats, deterministic leader election and
// the update-replication pipeline.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/replichat/internal/monitoring"
	"github.com/adred-codev/replichat/internal/protocol"
	"github.com/adred-codev/replichat/internal/replica"
)

const (
	dialTimeout      = 500 * time.Millisecond
	peerWriteTimeout = 5 * time.Second
)

// Endpoint identifies a replica's internal listener.
type Endpoint struct {
	Host string
	Port int
}

// String renders the canonical "host:port" identity used for election.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Candidates expands the configured hosts, starting ports and per-host
// port counts into the full candidate endpoint set, excluding self.
func Candidates(hosts []string, startPorts, maxPorts []int, self Endpoint) []Endpoint {
	var out []Endpoint
	for i, host := range hosts {
		start := startPorts[0]
		if i < len(startPorts) {
			start = startPorts[i]
		}
		count := maxPorts[i]
		for p := start; p < start+count; p++ {
			ep := Endpoint{Host: host, Port: p}
			if ep == self {
				continue
			}
			out = append(out, ep)
		}
	}
	return out
}

// peerConn is one live outbound connection. Writes are serialized per
// connection; a failed write marks the peer dead for the next reap.
type peerConn struct {
	endpoint Endpoint
	conn     net.Conn
	wmu      sync.Mutex
}

func (p *peerConn) send(rec protocol.Record) error {
	raw, err := protocol.Encode(rec)
	if err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout))
	_, err = p.conn.Write(raw)
	return err
}

// Coordinator runs one replica's peer channel.
type Coordinator struct {
	self       Endpoint
	candidates []Endpoint
	core       *replica.Core
	logger     zerolog.Logger
	metrics    *monitoring.Metrics
	heartbeat  time.Duration

	mu     sync.Mutex
	peers  map[string]*peerConn
	leader string

	synced   atomic.Bool
	listener net.Listener
	wg       sync.WaitGroup
}

// NewCoordinator builds the coordinator for one replica. The replica
// starts unsynced; the first election round resolves that, immediately
// when it elects itself.
func NewCoordinator(self Endpoint, candidates []Endpoint, core *replica.Core, heartbeat time.Duration, logger zerolog.Logger, metrics *monitoring.Metrics) *Coordinator {
	return &Coordinator{
		self:       self,
		candidates: candidates,
		core:       core,
		logger:     logger.With().Str("component", "cluster").Str("self", self.String()).Logger(),
		metrics:    metrics,
		heartbeat:  heartbeat,
		peers:      make(map[string]*peerConn),
	}
}

// Synced reports whether this replica holds current state and may serve
// clients.
func (c *Coordinator) Synced() bool {
	return c.synced.Load()
}

// Leader returns the currently adopted leader identity.
func (c *Coordinator) Leader() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}

// Listen binds the internal peer endpoint.
func (c *Coordinator) Listen() error {
	ln, err := net.Listen("tcp", c.self.String())
	if err != nil {
		return fmt.Errorf("bind peer endpoint %s: %w", c.self, err)
	}
	c.listener = ln
	c.logger.Info().Str("addr", ln.Addr().String()).Msg("Peer listener bound")
	return nil
}

// Run drives the accept loop and the heartbeat monitor until the
// context is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	c.wg.Add(1)
	go c.acceptLoop(ctx)

	defer monitoring.RecoverPanic(c.logger, "cluster_monitor")

	// First tick immediately so a lone replica elects itself without
	// waiting a full interval.
	c.tick()

	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			c.wg.Wait()
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Coordinator) shutdown() {
	if c.listener != nil {
		c.listener.Close()
	}
	c.mu.Lock()
	for _, p := range c.peers {
		p.conn.Close()
	}
	c.peers = make(map[string]*peerConn)
	c.mu.Unlock()
}

// tick is one monitor round: probe existing peers, reap the dead, dial
// missing candidates, re-elect, and pull state if needed.
func (c *Coordinator) tick() {
	c.probePeers()
	c.dialMissing()
	c.electLeader()
	if !c.synced.Load() {
		c.requestSnapshot()
	}
}

// probePeers pings every connected peer and reaps the ones that fail.
// Failures are collected first so the map is not mutated mid-iteration.
func (c *Coordinator) probePeers() {
	c.mu.Lock()
	conns := make([]*peerConn, 0, len(c.peers))
	for _, p := range c.peers {
		conns = append(conns, p)
	}
	c.mu.Unlock()

	ping := protocol.Record{Version: protocol.Version, Command: protocol.CmdPing}
	var dead []string
	for _, p := range conns {
		if err := p.send(ping); err != nil {
			dead = append(dead, p.endpoint.String())
			p.conn.Close()
		}
	}
	if len(dead) == 0 {
		return
	}

	c.mu.Lock()
	for _, id := range dead {
		delete(c.peers, id)
	}
	n := len(c.peers)
	c.mu.Unlock()
	c.metrics.PeersConnected(n)
	c.logger.Info().Strs("peers", dead).Msg("Reaped unresponsive peers")
}

func (c *Coordinator) dialMissing() {
	for _, ep := range c.candidates {
		id := ep.String()
		c.mu.Lock()
		_, connected := c.peers[id]
		c.mu.Unlock()
		if connected {
			continue
		}
		conn, err := net.DialTimeout("tcp", id, dialTimeout)
		if err != nil {
			continue
		}
		p := &peerConn{endpoint: ep, conn: conn}
		c.mu.Lock()
		c.peers[id] = p
		n := len(c.peers)
		c.mu.Unlock()
		c.metrics.PeersConnected(n)
		c.logger.Info().Str("peer", id).Msg("Connected to peer")
	}
}

// connectedIDs returns self plus every connected peer identity, sorted.
func (c *Coordinator) connectedIDs() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.peers)+1)
	ids = append(ids, c.self.String())
	for id := range c.peers {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) peerByID(id string) *peerConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers[id]
}

// acceptLoop serves inbound peer connections.
func (c *Coordinator) acceptLoop(ctx context.Context) {
	defer c.wg.Done()
	defer monitoring.RecoverPanic(c.logger, "cluster_accept")

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Msg("Peer accept failed")
			continue
		}
		c.wg.Add(1)
		go c.serveInbound(ctx, conn)
	}
}

func (c *Coordinator) serveInbound(ctx context.Context, conn net.Conn) {
	defer c.wg.Done()
	defer monitoring.RecoverPanic(c.logger, "cluster_inbound")
	defer conn.Close()

	var frames protocol.FrameBuffer
	buf := make([]byte, 8192)
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
				rec, derr := protocol.Decode(frame)
				if derr != nil {
					c.logger.Warn().Err(derr).Msg("Dropping malformed peer record")
					continue
				}
				c.handleRecord(rec)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				c.logger.Debug().Err(err).Msg("Peer read ended")
			}
			return
		}
	}
}
