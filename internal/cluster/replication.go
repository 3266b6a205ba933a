package cluster

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/adred-codev/replichat/internal/protocol"
	"github.com/adred-codev/replichat/internal/types"
)

// eachPeer runs fn over a stable copy of the connected peer set.
func (c *Coordinator) eachPeer(fn func(*peerConn)) {
	c.mu.Lock()
	conns := make([]*peerConn, 0, len(c.peers))
	for _, p := range c.peers {
		conns = append(conns, p)
	}
	c.mu.Unlock()
	for _, p := range conns {
		fn(p)
	}
}

// Broadcast wraps one local mutation in an update record with a fresh
// update id and sends it to every connected peer. Delivery is
// best-effort: a failed peer misses the update and recovers by pulling
// a snapshot after the next election.
func (c *Coordinator) Broadcast(kind string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error().Err(err).Str("kind", kind).Msg("Failed to encode update payload")
		return
	}
	update := types.UpdateRecord{
		UpdateID: uuid.NewString(),
		Kind:     kind,
		Payload:  raw,
	}
	rec, err := protocol.NewRecord(protocol.CmdDistributeUpdate, update)
	if err != nil {
		c.logger.Error().Err(err).Str("kind", kind).Msg("Failed to encode update record")
		return
	}

	c.eachPeer(func(p *peerConn) {
		if err := p.send(rec); err != nil {
			c.logger.Warn().Err(err).Str("peer", p.endpoint.String()).Str("kind", kind).Msg("Update broadcast failed")
			return
		}
		c.metrics.UpdateSent()
	})
}

// handleRecord dispatches one inbound peer record.
func (c *Coordinator) handleRecord(rec protocol.Record) {
	if rec.Version != protocol.Version {
		c.logger.Warn().Int("version", rec.Version).Str("command", rec.Command).Msg("Dropping peer record with unsupported version")
		return
	}

	switch rec.Command {
	case protocol.CmdPing:
		// Liveness probe; failure is detected by the sender's write.

	case protocol.CmdDistributeUpdate:
		var update types.UpdateRecord
		if err := json.Unmarshal(rec.Data, &update); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed update record")
			return
		}
		applied, err := c.core.ApplyUpdate(update)
		if err != nil {
			c.logger.Error().Err(err).Str("kind", update.Kind).Str("update_id", update.UpdateID).Msg("Failed to apply update")
			return
		}
		if applied {
			c.logger.Debug().Str("kind", update.Kind).Str("update_id", update.UpdateID).Msg("Applied replicated update")
		}

	case protocol.CmdGetDatabase:
		c.serveSnapshot(Endpoint{Host: rec.Host, Port: rec.Port})

	case protocol.CmdSetDatabase:
		var snap protocol.SnapshotPayload
		if err := json.Unmarshal(rec.Data, &snap); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed snapshot")
			return
		}
		if err := c.core.InstallSnapshot(snap); err != nil {
			c.logger.Error().Err(err).Msg("Failed to install snapshot")
			return
		}
		c.synced.Store(true)
		c.metrics.SnapshotInstalled()
		c.logger.Info().Msg("Snapshot installed, replica synced")

	case protocol.CmdInternalUpdate:
		var p protocol.LeaderPayload
		if err := json.Unmarshal(rec.Data, &p); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed leader announcement")
			return
		}
		c.adoptLeader(p.Leader)

	default:
		c.logger.Warn().Str("command", rec.Command).Msg("Unknown peer command")
	}
}

// adoptLeader installs an announced leader. Adopting a new leader that
// is not us drops the replica to unsynced until the next snapshot pull.
func (c *Coordinator) adoptLeader(leader string) {
	c.mu.Lock()
	changed := c.leader != leader
	c.leader = leader
	c.mu.Unlock()
	if !changed {
		return
	}
	c.logger.Info().Str("leader", leader).Msg("Adopted announced leader")
	if leader == c.self.String() {
		c.synced.Store(true)
	} else {
		c.synced.Store(false)
	}
}

// requestSnapshot asks the leader for a full state transfer. Snapshot
// requests are addressed with our peer endpoint so the leader can route
// the reply over its outbound connection to us.
func (c *Coordinator) requestSnapshot() {
	c.mu.Lock()
	leader := c.leader
	c.mu.Unlock()

	if leader == "" {
		return
	}
	if leader == c.self.String() {
		c.synced.Store(true)
		return
	}
	p := c.peerByID(leader)
	if p == nil {
		return
	}
	rec := protocol.Record{
		Version: protocol.Version,
		Command: protocol.CmdGetDatabase,
		Host:    c.self.Host,
		Port:    c.self.Port,
	}
	if err := p.send(rec); err != nil {
		c.logger.Warn().Err(err).Str("leader", leader).Msg("Snapshot request failed")
	}
}

// serveSnapshot replies to a get_database request over our outbound
// connection to the requester.
func (c *Coordinator) serveSnapshot(requester Endpoint) {
	p := c.peerByID(requester.String())
	if p == nil {
		c.logger.Warn().Str("requester", requester.String()).Msg("No outbound connection for snapshot reply")
		return
	}
	rec, err := protocol.NewRecord(protocol.CmdSetDatabase, c.core.Snapshot())
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode snapshot")
		return
	}
	if err := p.send(rec); err != nil {
		c.logger.Warn().Err(err).Str("requester", requester.String()).Msg("Snapshot reply failed")
		return
	}
	c.logger.Info().Str("requester", requester.String()).Msg("Served snapshot")
}
