package cluster

import "github.com/adred-codev/replichat/internal/protocol"

// SelectLeader returns the leader for a membership set: the smallest
// "host:port" identity. Every replica computes the same answer from the
// same set, so no votes are exchanged.
func SelectLeader(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	min := ids[0]
	for _, id := range ids[1:] {
		if id < min {
			min = id
		}
	}
	return min
}

// VerifyLeader reports whether the current leader is still valid for
// the membership set: it must be a member and no smaller identity may
// exist.
func VerifyLeader(leader string, ids []string) bool {
	if leader == "" {
		return false
	}
	member := false
	for _, id := range ids {
		if id == leader {
			member = true
		}
		if id < leader {
			return false
		}
	}
	return member
}

// electLeader re-runs the deterministic election over the current
// membership. A leader change invalidates local state: the replica
// drops to unsynced until it pulls a snapshot, unless it elected
// itself.
func (c *Coordinator) electLeader() {
	ids := c.connectedIDs()

	c.mu.Lock()
	current := c.leader
	c.mu.Unlock()

	if VerifyLeader(current, ids) {
		return
	}

	elected := SelectLeader(ids)
	c.mu.Lock()
	c.leader = elected
	c.mu.Unlock()

	c.metrics.LeaderElected()
	c.logger.Info().Str("leader", elected).Str("previous", current).Msg("Leader elected")

	if elected == c.self.String() {
		c.synced.Store(true)
	} else {
		c.synced.Store(false)
	}

	c.announceLeader(elected)
}

// announceLeader broadcasts the adopted leader so peers converge without
// waiting for their own monitor round.
func (c *Coordinator) announceLeader(leader string) {
	rec, err := protocol.NewRecord(protocol.CmdInternalUpdate, protocol.LeaderPayload{Leader: leader})
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode leader announcement")
		return
	}
	c.eachPeer(func(p *peerConn) {
		if err := p.send(rec); err != nil {
			c.logger.Debug().Err(err).Str("peer", p.endpoint.String()).Msg("Leader announcement failed")
		}
	})
}
