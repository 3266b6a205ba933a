// Package replica implements one replica's core: the state container and
// durable store behind a single mutex. Every operation is one critical
// section covering mutate and persist, shared by the client-facing
// engine and the replication applier.
package replica

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/replichat/internal/monitoring"
	"github.com/adred-codev/replichat/internal/protocol"
	"github.com/adred-codev/replichat/internal/state"
	"github.com/adred-codev/replichat/internal/store"
	"github.com/adred-codev/replichat/internal/types"
)

// Update is one state mutation awaiting replication. The dispatcher
// assigns the update id and wraps it for the wire.
type Update struct {
	Kind    string
	Payload any
}

// Core owns one replica's state.
type Core struct {
	ID string

	mu      sync.Mutex
	st      *state.Container
	store   *store.Store
	logger  zerolog.Logger
	metrics *monitoring.Metrics
}

// NewCore loads the replica's shards and stamps the settings with its
// endpoints.
func NewCore(id, host string, clientPort, gatewayPort int, st *store.Store, logger zerolog.Logger, metrics *monitoring.Metrics) (*Core, error) {
	users, messages, settings, err := st.Load()
	if err != nil {
		return nil, fmt.Errorf("load shards: %w", err)
	}
	settings.Host = host
	settings.Port = clientPort
	if gatewayPort > 0 {
		settings.GatewayHost = host
		settings.GatewayPort = gatewayPort
	}

	c := &Core{
		ID:      id,
		st:      state.New(users, messages, settings),
		store:   st,
		logger:  logger.With().Str("component", "core").Str("replica_id", id).Logger(),
		metrics: metrics,
	}
	if err := st.Save(c.st.Users, c.st.Messages, c.st.Settings); err != nil {
		return nil, fmt.Errorf("persist initial shards: %w", err)
	}
	return c, nil
}

// commit runs one mutation and persists the result. On a failed write
// the pre-operation shards are restored so the container stays
// un-mutated from the caller's point of view.
func (c *Core) commit(fn func() error) error {
	preUsers, preMessages, preSettings := c.st.Snapshot()
	if err := fn(); err != nil {
		return err
	}
	if err := c.store.Save(c.st.Users, c.st.Messages, c.st.Settings); err != nil {
		c.st.Replace(preUsers, preMessages, preSettings)
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// CreateAccount inserts a new user bound to addr and returns the update
// to replicate.
func (c *Core) CreateAccount(username, password, addr string) (*Update, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.commit(func() error {
		return c.st.CreateAccount(username, password, addr)
	})
	if err != nil {
		return nil, err
	}
	return &Update{Kind: protocol.CmdCreate, Payload: protocol.AuthPayload{
		Username: strings.TrimSpace(username),
		Password: strings.TrimSpace(password),
		Addr:     addr,
	}}, nil
}

// Login authenticates, binds addr and returns the pending count.
func (c *Core) Login(username, password, addr string) (int, *Update, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var pending int
	err := c.commit(func() error {
		var err error
		pending, err = c.st.Login(username, password, addr)
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	return pending, &Update{Kind: protocol.CmdLogin, Payload: protocol.AuthPayload{
		Username: username,
		Password: password,
		Addr:     addr,
	}}, nil
}

// Logout clears the session binding.
func (c *Core) Logout(username string) (*Update, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.commit(func() error { return c.st.Logout(username) }); err != nil {
		return nil, err
	}
	return &Update{Kind: protocol.CmdLogout, Payload: protocol.UserPayload{Username: username}}, nil
}

// LogoutAddr performs the implicit logout for a closed connection. ok is
// false when no user was bound to addr.
func (c *Core) LogoutAddr(addr string) (string, *Update, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var username string
	var found bool
	err := c.commit(func() error {
		username, found = c.st.LogoutAddr(addr)
		return nil
	})
	if err != nil {
		c.logger.Error().Err(err).Str("addr", addr).Msg("Failed to persist implicit logout")
	}
	if !found {
		return "", nil, false
	}
	return username, &Update{Kind: protocol.CmdLogout, Payload: protocol.UserPayload{Username: username}}, true
}

// Search matches usernames against a glob pattern.
func (c *Core) Search(pattern string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.Search(pattern)
}

// DeleteAccount drops the user and purges their messages.
func (c *Core) DeleteAccount(username string) (*Update, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.commit(func() error { return c.st.DeleteAccount(username) }); err != nil {
		return nil, err
	}
	return &Update{Kind: protocol.CmdDeleteAcct, Payload: protocol.UserPayload{Username: username}}, nil
}

// IsLoggedIn reports whether the user exists and has a live session.
func (c *Core) IsLoggedIn(username string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.st.Users[username]
	return ok && u.LoggedIn
}

// SendMessage mints and stores a message. delivered records whether the
// caller will hand it straight to a live queue; peers store it in the
// same list. Returns the minted message, the sender's pending count and
// the update to replicate.
func (c *Core) SendMessage(sender, recipient, content string, delivered bool) (types.Message, int, *Update, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var msg types.Message
	err := c.commit(func() error {
		var err error
		msg, err = c.st.MintMessage(sender, recipient, content)
		if err != nil {
			return err
		}
		return c.st.AddMessage(msg, delivered)
	})
	if err != nil {
		return types.Message{}, 0, nil, err
	}
	return msg, c.st.Pending(sender), &Update{Kind: protocol.CmdSendMsg, Payload: protocol.SendPayload{
		Sender:    sender,
		Recipient: recipient,
		Message:   content,
		ID:        msg.ID,
		Timestamp: msg.Timestamp,
		Delivered: delivered,
	}}, nil
}

// DemoteMessage moves a just-sent message from the delivered view back
// to the unread queue. Used when a live push fails after the message was
// stored, so nothing is lost.
func (c *Core) DemoteMessage(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.commit(func() error {
		kept := c.st.Messages.Delivered[:0]
		for _, m := range c.st.Messages.Delivered {
			if m.ID == id {
				c.st.Messages.Undelivered = append(c.st.Messages.Undelivered, m)
				continue
			}
			kept = append(kept, m)
		}
		c.st.Messages.Delivered = kept
		return nil
	})
}

// DrainUndelivered moves up to num unread messages for username into the
// delivered view and returns them with the replication update naming the
// exact ids moved.
func (c *Core) DrainUndelivered(username string, num int) ([]types.Message, *Update, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var moved []types.Message
	err := c.commit(func() error {
		var err error
		moved, err = c.st.DrainUndelivered(username, num)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	ids := make([]int64, len(moved))
	for i, m := range moved {
		ids[i] = m.ID
	}
	return moved, &Update{Kind: protocol.CmdGetUndelivered, Payload: protocol.DrainPayload{
		Username: username,
		IDs:      ids,
	}}, nil
}

// DeliveredFor returns up to num delivered messages for username.
func (c *Core) DeliveredFor(username string, num int) ([]types.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.DeliveredFor(username, num)
}

// Pending returns username's unread count.
func (c *Core) Pending(username string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.Pending(username)
}

// Conversation returns the ordered log between two users.
func (c *Core) Conversation(a, b string) []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.Conversation(a, b)
}

// ConversationKeys returns all live conversation keys.
func (c *Core) ConversationKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.ConversationKeys()
}

// UserExists reports whether the account exists.
func (c *Core) UserExists(username string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.st.Users[username]
	return ok
}

// DeleteMessages removes delivered messages owned by username and
// returns the pending count and replication update.
func (c *Core) DeleteMessages(username string, ids []int64) (int, *Update, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	err := c.commit(func() error {
		c.st.DeleteMessages(username, set)
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return c.st.Pending(username), &Update{Kind: protocol.CmdDeleteMsg, Payload: protocol.DeletePayload{
		CurrentUser: username,
		DeleteIDs:   joinIDs(ids),
	}}, nil
}

// ParseDeleteIDs parses the wire form of a delete set ("3,7,12").
func ParseDeleteIDs(csv string) []int64 {
	parts := strings.Split(csv, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if id, err := strconv.ParseInt(p, 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// ApplyUpdate applies one inbound update record idempotently: records
// already processed are discarded, duplicate message ids are refused,
// unknown users are no-ops. Returns whether the update was applied.
func (c *Core) ApplyUpdate(rec types.UpdateRecord) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec.UpdateID != "" && c.st.AlreadyProcessed(rec.UpdateID) {
		c.metrics.UpdateDuplicate()
		return false, nil
	}

	err := c.commit(func() error {
		if err := c.applyKind(rec.Kind, rec.Payload); err != nil {
			return err
		}
		if rec.UpdateID != "" {
			c.st.MarkProcessed(rec.UpdateID)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	c.metrics.UpdateApplied()
	return true, nil
}

func (c *Core) applyKind(kind string, payload json.RawMessage) error {
	switch kind {
	case protocol.CmdCreate:
		var p protocol.AuthPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode create payload: %w", err)
		}
		c.st.ApplyCreate(p.Username, p.Password, p.Addr)

	case protocol.CmdLogin:
		var p protocol.AuthPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode login payload: %w", err)
		}
		c.st.ApplyLogin(p.Username, p.Addr)

	case protocol.CmdLogout:
		var p protocol.UserPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode logout payload: %w", err)
		}
		c.st.ApplyLogout(p.Username)

	case protocol.CmdDeleteAcct:
		var p protocol.UserPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode delete_acct payload: %w", err)
		}
		c.st.ApplyDeleteAccount(p.Username)

	case protocol.CmdSendMsg:
		var p protocol.SendPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode send_msg payload: %w", err)
		}
		msg := types.Message{
			ID:        p.ID,
			Sender:    p.Sender,
			Receiver:  p.Recipient,
			Content:   p.Message,
			Timestamp: p.Timestamp,
		}
		if err := c.st.AddMessage(msg, p.Delivered); err != nil {
			// Duplicate id: already replicated through another path.
			c.logger.Debug().Int64("msg_id", p.ID).Msg("Refusing duplicate replicated message")
		}

	case protocol.CmdGetUndelivered:
		var p protocol.DrainPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode drain payload: %w", err)
		}
		c.st.ApplyDrain(p.Username, p.IDs)

	case protocol.CmdDeleteMsg:
		var p protocol.DeletePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode delete_msg payload: %w", err)
		}
		ids := ParseDeleteIDs(p.DeleteIDs)
		set := make(map[int64]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		c.st.DeleteMessages(p.CurrentUser, set)

	default:
		return fmt.Errorf("unknown update kind %q", kind)
	}
	return nil
}

// Snapshot returns a deep copy of the three shards for state transfer.
func (c *Core) Snapshot() protocol.SnapshotPayload {
	c.mu.Lock()
	defer c.mu.Unlock()

	users, messages, settings := c.st.Snapshot()
	return protocol.SnapshotPayload{Users: users, Messages: messages, Settings: settings}
}

// InstallSnapshot replaces the shards wholesale and persists.
func (c *Core) InstallSnapshot(snap protocol.SnapshotPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.commit(func() error {
		c.st.Replace(snap.Users, snap.Messages, snap.Settings)
		return nil
	})
}
