// Package protocol implements the framed wire protocol shared by the
// client channel and the peer channel: each record is one UTF-8 JSON
// object immediately followed by a single NUL byte.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/adred-codev/replichat/internal/types"
)

// Version is the only protocol version this engine speaks. Records with
// any other version are answered with an error record and dropped.
const Version = 0

// Delimiter terminates every record on the stream.
const Delimiter byte = 0

// Client commands.
const (
	CmdCreate          = "create"
	CmdLogin           = "login"
	CmdLogout          = "logout"
	CmdSearch          = "search"
	CmdDeleteAcct      = "delete_acct"
	CmdSendMsg         = "send_msg"
	CmdGetUndelivered  = "get_undelivered"
	CmdGetDelivered    = "get_delivered"
	CmdRefreshHome     = "refresh_home"
	CmdDeleteMsg       = "delete_msg"
	CmdCheckConnection = "check_connection"
	CmdSubscribe       = "subscribe"
	CmdUnsubscribe     = "unsubscribe"
)

// Server reply commands.
const (
	ReplyLogin       = "login"
	ReplyLogout      = "logout"
	ReplyUserList    = "user_list"
	ReplyMessages    = "messages"
	ReplyRefreshHome = "refresh_home"
	ReplyError       = "error"
)

// Peer commands.
const (
	CmdPing             = "ping"
	CmdDistributeUpdate = "distribute_update"
	CmdGetDatabase      = "get_database"
	CmdSetDatabase      = "set_database"
	CmdInternalUpdate   = "internal_update"
)

// Record is the envelope of every framed message. Host and Port are only
// populated on get_database requests, which address the snapshot reply to
// the requester's advertised peer endpoint.
type Record struct {
	Version int             `json:"version"`
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
	Host    string          `json:"host,omitempty"`
	Port    int             `json:"port,omitempty"`
}

// NewRecord builds a versioned record with the given payload.
func NewRecord(command string, data any) (Record, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s payload: %w", command, err)
	}
	return Record{Version: Version, Command: command, Data: raw}, nil
}

// NewErrorRecord builds an error reply carrying one semantic error string.
func NewErrorRecord(msg string) Record {
	rec, _ := NewRecord(ReplyError, ErrorReply{Error: msg})
	return rec
}

// Encode serializes the record and appends the frame delimiter.
func Encode(rec Record) ([]byte, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return append(raw, Delimiter), nil
}

// FrameBuffer accumulates stream bytes and yields complete records.
// Residual bytes after the last delimiter stay buffered for the next read.
type FrameBuffer struct {
	buf []byte
}

// Write appends freshly read bytes to the buffer.
func (f *FrameBuffer) Write(p []byte) {
	f.buf = append(f.buf, p...)
}

// Next returns the next complete frame without its delimiter, or ok=false
// when no full frame is buffered.
func (f *FrameBuffer) Next() (frame []byte, ok bool) {
	i := bytes.IndexByte(f.buf, Delimiter)
	if i < 0 {
		return nil, false
	}
	frame = f.buf[:i]
	f.buf = f.buf[i+1:]
	return frame, true
}

// Pending reports how many buffered bytes await a delimiter.
func (f *FrameBuffer) Pending() int {
	return len(f.buf)
}

// Decode parses one frame into a record.
func Decode(frame []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(frame, &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, nil
}

// Client request payloads.

// AuthPayload carries create and login requests. Addr is set only on
// replicated copies, where it records the session endpoint bound at the
// origin replica.
type AuthPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Addr     string `json:"addr,omitempty"`
}

// UserPayload names a single account (logout, delete_acct, subscribe).
type UserPayload struct {
	Username string `json:"username"`
}

// SearchPayload carries a glob pattern over usernames.
type SearchPayload struct {
	Search string `json:"search"`
}

// SendPayload carries a send_msg request. ID, Timestamp and Delivered are
// populated only on replicated copies so every replica stores the message
// the origin minted, in the same list.
type SendPayload struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	ID        int64  `json:"id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Delivered bool   `json:"delivered,omitempty"`
}

// FetchPayload carries get_undelivered / get_delivered requests.
type FetchPayload struct {
	Username    string `json:"username"`
	NumMessages int    `json:"num_messages"`
}

// DrainPayload is the replicated form of an unread-queue drain: exactly
// the message ids the origin moved from undelivered to delivered.
type DrainPayload struct {
	Username string  `json:"username"`
	IDs      []int64 `json:"ids"`
}

// DeletePayload carries delete_msg: ids as a comma-separated string, as
// the client front-ends send them.
type DeletePayload struct {
	CurrentUser string `json:"current_user"`
	DeleteIDs   string `json:"delete_ids"`
}

// Server reply payloads.

// LoginReply answers create and login.
type LoginReply struct {
	Username        string `json:"username"`
	UndelivMessages int    `json:"undeliv_messages"`
}

// RefreshHomeReply carries the caller's pending count.
type RefreshHomeReply struct {
	UndelivMessages int `json:"undeliv_messages"`
}

// UserListReply answers search.
type UserListReply struct {
	UserList []string `json:"user_list"`
}

// MessageItem is one message as shown to a client.
type MessageItem struct {
	ID      int64  `json:"id"`
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

// MessagesReply answers get_undelivered and get_delivered, and carries
// live-delivery pushes.
type MessagesReply struct {
	Messages []MessageItem `json:"messages"`
}

// ErrorReply carries one semantic error string.
type ErrorReply struct {
	Error string `json:"error"`
}

// Peer payloads.

// SnapshotPayload is a full state transfer (set_database).
type SnapshotPayload struct {
	Users    map[string]types.User `json:"users"`
	Messages types.MessageStore    `json:"messages"`
	Settings types.Settings        `json:"settings"`
}

// LeaderPayload announces a leader change (internal_update).
type LeaderPayload struct {
	Leader string `json:"leader"`
}
