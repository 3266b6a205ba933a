// Package types holds the domain records shared by the state container,
// the durable store and both wire protocols. Records are plain data; all
// behavior lives in the packages that own them.
package types

import (
	"encoding/json"
	"strings"
)

// LogLevel represents log verbosity level.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat represents log output format.
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // machine-readable, Loki-compatible
	LogFormatPretty LogFormat = "pretty" // human-readable for local dev
)

// User is one account. Password holds the opaque credential digest the
// client presented; the server never interprets it beyond equality.
// LoggedIn and Addr flip together: a logged-in user always has the
// transport endpoint of its current session, a logged-out user never does.
type User struct {
	Password string  `json:"password"`
	LoggedIn bool    `json:"logged_in"`
	Addr     *string `json:"addr"`
}

// Message is one chat message. ID is minted from the originating replica's
// counter; Timestamp is ISO-8601, assigned at origination and carried
// unchanged through replication.
type Message struct {
	ID        int64  `json:"id"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Content   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

// MessageStore is the persisted message shard. Undelivered holds messages
// awaiting pickup (the union of all users' unread queues); Delivered holds
// messages already handed to their receiver. A message lives in exactly one
// of the two lists until delete_msg removes it.
type MessageStore struct {
	Undelivered []Message `json:"undelivered"`
	Delivered   []Message `json:"delivered"`
}

// Settings is the replica-local settings shard. Counter is the message-id
// generator and is never decremented. Host/Port identify the client-facing
// endpoint, GatewayHost/GatewayPort the optional WebSocket gateway.
type Settings struct {
	Counter     int64  `json:"counter"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	GatewayHost string `json:"host_json"`
	GatewayPort int    `json:"port_json"`
}

// UpdateRecord describes one state mutation for idempotent replay on
// peers. UpdateID is a UUIDv4 assigned at origination; appliers that have
// seen it before discard the record.
type UpdateRecord struct {
	UpdateID string          `json:"update_id"`
	Kind     string          `json:"command"`
	Payload  json.RawMessage `json:"data"`
}

// ConversationKey canonicalizes an unordered username pair as the
// lexicographically smaller name, then the larger, joined by a colon.
func ConversationKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// ConversationUsers splits a conversation key back into its two usernames.
func ConversationUsers(key string) (string, string) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return key, ""
	}
	return parts[0], parts[1]
}
