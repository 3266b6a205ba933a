package server

import (
	"sync"

	"github.com/adred-codev/replichat/internal/monitoring"
	"github.com/adred-codev/replichat/internal/protocol"
)

// Fanout routes live-delivery pushes to subscribed sessions. One
// subscriber per username; a new subscribe for the same user replaces
// the old session, which covers reconnects.
type Fanout struct {
	mu      sync.RWMutex
	byUser  map[string]*Session
	metrics *monitoring.Metrics
}

// NewFanout builds an empty subscription registry.
func NewFanout(metrics *monitoring.Metrics) *Fanout {
	return &Fanout{
		byUser:  make(map[string]*Session),
		metrics: metrics,
	}
}

// Subscribe installs s as username's live-delivery session.
func (f *Fanout) Subscribe(username string, s *Session) {
	f.mu.Lock()
	f.byUser[username] = s
	n := len(f.byUser)
	f.mu.Unlock()
	f.metrics.SubscriptionsActive(n)
}

// Unsubscribe removes username's subscription if it is held by s. A
// stale unsubscribe from a replaced session is a no-op.
func (f *Fanout) Unsubscribe(username string, s *Session) {
	f.mu.Lock()
	if cur, ok := f.byUser[username]; ok && (s == nil || cur == s) {
		delete(f.byUser, username)
	}
	n := len(f.byUser)
	f.mu.Unlock()
	f.metrics.SubscriptionsActive(n)
}

// DropSession removes every subscription held by s.
func (f *Fanout) DropSession(s *Session) {
	f.mu.Lock()
	for name, cur := range f.byUser {
		if cur == s {
			delete(f.byUser, name)
		}
	}
	n := len(f.byUser)
	f.mu.Unlock()
	f.metrics.SubscriptionsActive(n)
}

// HasSubscriber reports whether username has a live session installed.
func (f *Fanout) HasSubscriber(username string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.byUser[username]
	return ok
}

// Push tries to hand a record to username's live session without
// blocking. False means no subscriber or a full queue; the caller falls
// back to the unread queue.
func (f *Fanout) Push(username string, rec protocol.Record) bool {
	f.mu.RLock()
	s, ok := f.byUser[username]
	f.mu.RUnlock()
	if !ok {
		return false
	}
	if !s.TryEnqueue(rec) {
		return false
	}
	f.metrics.MessageLiveDelivered()
	return true
}
