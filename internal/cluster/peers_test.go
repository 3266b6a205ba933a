package cluster

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/replichat/internal/monitoring"
	"github.com/adred-codev/replichat/internal/protocol"
	"github.com/adred-codev/replichat/internal/replica"
	"github.com/adred-codev/replichat/internal/store"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// liveCoordinator binds a real loopback listener and starts the monitor
// loop with a fast heartbeat.
func liveCoordinator(t *testing.T, ctx context.Context, id string, port int, peers []Endpoint) (*Coordinator, *replica.Core) {
	t.Helper()
	metrics := monitoring.NewMetrics("cluster-live-" + id)
	st := store.New(t.TempDir(), id, zerolog.Nop())
	core, err := replica.NewCore(id, "127.0.0.1", 50000, 0, st, zerolog.Nop(), metrics)
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	self := Endpoint{Host: "127.0.0.1", Port: port}
	c := NewCoordinator(self, peers, core, 50*time.Millisecond, zerolog.Nop(), metrics)
	if err := c.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go c.Run(ctx)
	return c, core
}

func peerCount(c *Coordinator) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestUpdatePropagatesBetweenLivePeers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	portA, portB := freePort(t), freePort(t)
	epA := Endpoint{Host: "127.0.0.1", Port: portA}
	epB := Endpoint{Host: "127.0.0.1", Port: portB}

	a, _ := liveCoordinator(t, ctx, "a", portA, []Endpoint{epB})
	b, coreB := liveCoordinator(t, ctx, "b", portB, []Endpoint{epA})

	waitFor(t, "both replicas synced", func() bool {
		return a.Synced() && b.Synced()
	})
	waitFor(t, "leaders to agree", func() bool {
		return a.Leader() == b.Leader() && a.Leader() != ""
	})
	// Broadcast is fire-once; both outbound links must be up first.
	waitFor(t, "peer links in both directions", func() bool {
		return peerCount(a) == 1 && peerCount(b) == 1
	})

	a.Broadcast(protocol.CmdCreate, protocol.AuthPayload{Username: "alice", Password: "pw"})

	waitFor(t, "replicated create to apply", func() bool {
		return coreB.UserExists("alice")
	})
}

func TestSmallerEndpointWinsElectionAndServesSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Two reserved ports with a known order.
	p1, p2 := freePort(t), freePort(t)
	if (Endpoint{Host: "127.0.0.1", Port: p2}).String() < (Endpoint{Host: "127.0.0.1", Port: p1}).String() {
		p1, p2 = p2, p1
	}
	small := Endpoint{Host: "127.0.0.1", Port: p1}
	large := Endpoint{Host: "127.0.0.1", Port: p2}

	// The smaller endpoint starts first, elects itself and takes writes.
	a, coreA := liveCoordinator(t, ctx, "small", small.Port, []Endpoint{large})
	waitFor(t, "lone replica to sync", func() bool {
		return a.Synced() && a.Leader() == small.String()
	})
	if _, err := coreA.CreateAccount("carol", "pw", ""); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	// The larger endpoint joins, discovers the smaller peer, re-elects it
	// and pulls a snapshot carrying carol.
	b, coreB := liveCoordinator(t, ctx, "large", large.Port, []Endpoint{small})
	waitFor(t, "joiner to adopt the smaller leader", func() bool {
		return b.Leader() == small.String()
	})
	waitFor(t, "joiner to install the leader snapshot", func() bool {
		return b.Synced() && coreB.UserExists("carol")
	})

	// The leader never lost its own sync status.
	if !a.Synced() || a.Leader() != small.String() {
		t.Errorf("leader state = synced:%v leader:%q, want synced self-leader", a.Synced(), a.Leader())
	}
}
