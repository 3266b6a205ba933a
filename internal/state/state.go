// Package state implements the in-memory authoritative view of one
// replica: users, messages, settings, the processed-update set and the
// conversation index. The container is not safe for concurrent use; the
// replica core serializes access (one full operation per critical
// section).
package state

import (
	"errors"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/adred-codev/replichat/internal/types"
)

// Semantic errors, reported to clients verbatim as error records.
var (
	ErrUsernameNotAlnum   = errors.New("username must be alphanumeric")
	ErrUsernameTaken      = errors.New("username already exists")
	ErrPasswordEmpty      = errors.New("password cannot be empty")
	ErrUserNotFound       = errors.New("username does not exist")
	ErrAlreadyLoggedIn    = errors.New("user already logged in")
	ErrIncorrectPassword  = errors.New("incorrect password")
	ErrAccountNotFound    = errors.New("account does not exist")
	ErrReceiverNotFound   = errors.New("receiver does not exist")
	ErrNoUndelivered      = errors.New("no undelivered messages")
	ErrNoDelivered        = errors.New("no delivered messages")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrNotSynced          = errors.New("replica not synced")
)

// ErrDuplicateMessage marks an idempotent refusal on the replication
// path; it is never shown to clients.
var ErrDuplicateMessage = errors.New("duplicate message id")

// Container wraps the three shards plus the replication bookkeeping.
type Container struct {
	Users    map[string]types.User
	Messages types.MessageStore
	Settings types.Settings

	processed map[string]struct{}
	byID      map[int64]struct{}
	convs     map[string][]int64

	now func() time.Time
}

// New builds a container around freshly loaded shards and rebuilds the
// derived indexes.
func New(users map[string]types.User, messages types.MessageStore, settings types.Settings) *Container {
	if users == nil {
		users = map[string]types.User{}
	}
	c := &Container{
		Users:     users,
		Messages:  messages,
		Settings:  settings,
		processed: make(map[string]struct{}),
		now:       time.Now,
	}
	c.reindex()
	return c
}

// reindex rebuilds the id set and conversation index from the two message
// lists. Within a conversation, messages are ordered by id; cross-origin
// id order is unspecified and nothing may depend on it.
func (c *Container) reindex() {
	c.byID = make(map[int64]struct{})
	c.convs = make(map[string][]int64)
	all := make([]types.Message, 0, len(c.Messages.Undelivered)+len(c.Messages.Delivered))
	all = append(all, c.Messages.Delivered...)
	all = append(all, c.Messages.Undelivered...)
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	for _, m := range all {
		c.byID[m.ID] = struct{}{}
		key := types.ConversationKey(m.Sender, m.Receiver)
		c.convs[key] = append(c.convs[key], m.ID)
	}
}

// Pending counts undelivered messages addressed to username.
func (c *Container) Pending(username string) int {
	n := 0
	for _, m := range c.Messages.Undelivered {
		if m.Receiver == username {
			n++
		}
	}
	return n
}

// validUsername reports whether name is non-empty and alphanumeric.
func validUsername(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// CreateAccount validates and inserts a new user, logged in and bound to
// addr. Username and password are trimmed before validation.
func (c *Container) CreateAccount(username, password, addr string) error {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if !validUsername(username) {
		return ErrUsernameNotAlnum
	}
	if _, ok := c.Users[username]; ok {
		return ErrUsernameTaken
	}
	if password == "" {
		return ErrPasswordEmpty
	}
	c.Users[username] = types.User{Password: password, LoggedIn: true, Addr: &addr}
	return nil
}

// ApplyCreate is the idempotent replication form of CreateAccount: a
// no-op when the user already exists.
func (c *Container) ApplyCreate(username, password, addr string) {
	username = strings.TrimSpace(username)
	if _, ok := c.Users[username]; ok {
		return
	}
	var bound *string
	if addr != "" {
		bound = &addr
	}
	c.Users[username] = types.User{Password: strings.TrimSpace(password), LoggedIn: true, Addr: bound}
}

// Login flips the user to logged-in, binds addr, and returns the pending
// count at login time.
func (c *Container) Login(username, password, addr string) (int, error) {
	u, ok := c.Users[username]
	if !ok {
		return 0, ErrUserNotFound
	}
	if u.LoggedIn {
		return 0, ErrAlreadyLoggedIn
	}
	if password != u.Password {
		return 0, ErrIncorrectPassword
	}
	pending := c.Pending(username)
	u.LoggedIn = true
	u.Addr = &addr
	c.Users[username] = u
	return pending, nil
}

// ApplyLogin is the replication form of Login: no credential check, no-op
// for unknown users.
func (c *Container) ApplyLogin(username, addr string) {
	u, ok := c.Users[username]
	if !ok {
		return
	}
	u.LoggedIn = true
	if addr != "" {
		u.Addr = &addr
	}
	c.Users[username] = u
}

// Logout clears the login flag and session address together.
func (c *Container) Logout(username string) error {
	u, ok := c.Users[username]
	if !ok {
		return ErrUserNotFound
	}
	u.LoggedIn = false
	u.Addr = nil
	c.Users[username] = u
	return nil
}

// ApplyLogout is the replication form of Logout; unknown users are a
// no-op.
func (c *Container) ApplyLogout(username string) {
	u, ok := c.Users[username]
	if !ok {
		return
	}
	u.LoggedIn = false
	u.Addr = nil
	c.Users[username] = u
}

// LogoutAddr logs out whichever user is bound to the given session
// endpoint. Used for the implicit logout on connection close.
func (c *Container) LogoutAddr(addr string) (string, bool) {
	for name, u := range c.Users {
		if u.Addr != nil && *u.Addr == addr {
			u.LoggedIn = false
			u.Addr = nil
			c.Users[name] = u
			return name, true
		}
	}
	return "", false
}

// Search returns usernames matching the glob pattern, sorted. Responses
// must not depend on map iteration order.
func (c *Container) Search(pattern string) []string {
	matched := make([]string, 0)
	for name := range c.Users {
		if GlobMatch(pattern, name) {
			matched = append(matched, name)
		}
	}
	sort.Strings(matched)
	return matched
}

// DeleteAccount drops the user and purges every message and conversation
// mentioning them.
func (c *Container) DeleteAccount(username string) error {
	if _, ok := c.Users[username]; !ok {
		return ErrAccountNotFound
	}
	c.purgeUser(username)
	return nil
}

// ApplyDeleteAccount is the replication form: set-minus semantics,
// unknown users are a no-op.
func (c *Container) ApplyDeleteAccount(username string) {
	if _, ok := c.Users[username]; !ok {
		return
	}
	c.purgeUser(username)
}

func (c *Container) purgeUser(username string) {
	delete(c.Users, username)
	drop := func(list []types.Message) []types.Message {
		kept := list[:0]
		for _, m := range list {
			if m.Sender == username || m.Receiver == username {
				delete(c.byID, m.ID)
				continue
			}
			kept = append(kept, m)
		}
		return kept
	}
	c.Messages.Undelivered = drop(c.Messages.Undelivered)
	c.Messages.Delivered = drop(c.Messages.Delivered)
	for key := range c.convs {
		a, b := types.ConversationUsers(key)
		if a == username || b == username {
			delete(c.convs, key)
		}
	}
}

// MintMessage allocates the next message id and stamps the message. The
// counter is strictly increasing for the life of the replica.
func (c *Container) MintMessage(sender, receiver, content string) (types.Message, error) {
	if _, ok := c.Users[receiver]; !ok {
		return types.Message{}, ErrReceiverNotFound
	}
	c.Settings.Counter++
	return types.Message{
		ID:        c.Settings.Counter,
		Sender:    sender,
		Receiver:  receiver,
		Content:   content,
		Timestamp: c.now().UTC().Format(time.RFC3339),
	}, nil
}

// AddMessage appends a message to the delivered or undelivered list and
// records it in the conversation index. Duplicate ids are refused, which
// makes replicated sends idempotent and cross-replica id collisions
// harmless.
func (c *Container) AddMessage(msg types.Message, delivered bool) error {
	if _, dup := c.byID[msg.ID]; dup {
		return ErrDuplicateMessage
	}
	if delivered {
		c.Messages.Delivered = append(c.Messages.Delivered, msg)
	} else {
		c.Messages.Undelivered = append(c.Messages.Undelivered, msg)
	}
	c.byID[msg.ID] = struct{}{}
	key := types.ConversationKey(msg.Sender, msg.Receiver)
	c.convs[key] = append(c.convs[key], msg.ID)
	return nil
}

// DrainUndelivered moves up to num messages addressed to username from
// the unread queue to the delivered view and returns them in queue order.
// Zero pending with num > 0 is the diagnostic "no undelivered messages".
func (c *Container) DrainUndelivered(username string, num int) ([]types.Message, error) {
	if num > 0 && c.Pending(username) == 0 {
		return nil, ErrNoUndelivered
	}
	moved := make([]types.Message, 0, num)
	kept := c.Messages.Undelivered[:0]
	for _, m := range c.Messages.Undelivered {
		if m.Receiver == username && len(moved) < num {
			moved = append(moved, m)
			c.Messages.Delivered = append(c.Messages.Delivered, m)
			continue
		}
		kept = append(kept, m)
	}
	c.Messages.Undelivered = kept
	return moved, nil
}

// ApplyDrain replays an unread-queue drain by exact message id. Ids that
// are absent from the unread queue are ignored.
func (c *Container) ApplyDrain(username string, ids []int64) {
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	kept := c.Messages.Undelivered[:0]
	for _, m := range c.Messages.Undelivered {
		if _, ok := want[m.ID]; ok && m.Receiver == username {
			c.Messages.Delivered = append(c.Messages.Delivered, m)
			continue
		}
		kept = append(kept, m)
	}
	c.Messages.Undelivered = kept
}

// DeliveredFor returns up to num delivered messages addressed to
// username, oldest first. No delivered messages with num > 0 is the
// diagnostic "no delivered messages".
func (c *Container) DeliveredFor(username string, num int) ([]types.Message, error) {
	out := make([]types.Message, 0, num)
	for _, m := range c.Messages.Delivered {
		if len(out) >= num {
			break
		}
		if m.Receiver == username {
			out = append(out, m)
		}
	}
	if num > 0 && len(out) == 0 {
		return nil, ErrNoDelivered
	}
	return out, nil
}

// DeleteMessages removes delivered messages whose id is in ids and whose
// receiver is username. Unknown ids are tolerated silently.
func (c *Container) DeleteMessages(username string, ids map[int64]struct{}) {
	kept := c.Messages.Delivered[:0]
	removed := make(map[int64]struct{})
	for _, m := range c.Messages.Delivered {
		if _, ok := ids[m.ID]; ok && m.Receiver == username {
			delete(c.byID, m.ID)
			removed[m.ID] = struct{}{}
			continue
		}
		kept = append(kept, m)
	}
	c.Messages.Delivered = kept
	if len(removed) == 0 {
		return
	}
	for key, msgIDs := range c.convs {
		keptIDs := msgIDs[:0]
		for _, id := range msgIDs {
			if _, ok := removed[id]; !ok {
				keptIDs = append(keptIDs, id)
			}
		}
		if len(keptIDs) == 0 {
			delete(c.convs, key)
		} else {
			c.convs[key] = keptIDs
		}
	}
}

// Conversation returns the ordered message log between two users.
func (c *Container) Conversation(a, b string) []types.Message {
	ids := c.convs[types.ConversationKey(a, b)]
	if len(ids) == 0 {
		return nil
	}
	lookup := make(map[int64]types.Message, len(ids))
	for _, m := range c.Messages.Undelivered {
		lookup[m.ID] = m
	}
	for _, m := range c.Messages.Delivered {
		lookup[m.ID] = m
	}
	out := make([]types.Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := lookup[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

// ConversationKeys returns every live conversation key, sorted.
func (c *Container) ConversationKeys() []string {
	keys := make([]string, 0, len(c.convs))
	for k := range c.convs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AlreadyProcessed reports whether an update id has been applied before.
func (c *Container) AlreadyProcessed(updateID string) bool {
	_, ok := c.processed[updateID]
	return ok
}

// MarkProcessed records an accepted update id. Applying the same id again
// is a no-op on state.
func (c *Container) MarkProcessed(updateID string) {
	c.processed[updateID] = struct{}{}
}

// ProcessedCount returns the size of the processed-update set.
func (c *Container) ProcessedCount() int {
	return len(c.processed)
}

// Snapshot deep-copies the three shards for a state transfer.
func (c *Container) Snapshot() (map[string]types.User, types.MessageStore, types.Settings) {
	users := make(map[string]types.User, len(c.Users))
	for name, u := range c.Users {
		if u.Addr != nil {
			addr := *u.Addr
			u.Addr = &addr
		}
		users[name] = u
	}
	messages := types.MessageStore{
		Undelivered: append([]types.Message(nil), c.Messages.Undelivered...),
		Delivered:   append([]types.Message(nil), c.Messages.Delivered...),
	}
	return users, messages, c.Settings
}

// Replace installs a full snapshot wholesale and rebuilds the derived
// indexes. The processed-update set is kept: it only grows, and a
// superset is always safe. The replica keeps its own endpoints, and the
// counter never moves backwards.
func (c *Container) Replace(users map[string]types.User, messages types.MessageStore, settings types.Settings) {
	if users == nil {
		users = map[string]types.User{}
	}
	c.Users = users
	c.Messages = messages
	if settings.Counter > c.Settings.Counter {
		c.Settings.Counter = settings.Counter
	}
	c.reindex()
}
