package server

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/adred-codev/replichat/internal/monitoring"
	"github.com/adred-codev/replichat/internal/protocol"
	"github.com/adred-codev/replichat/internal/replica"
	"github.com/adred-codev/replichat/internal/state"
)

// Engine dispatches client records against the replica core and routes
// the resulting updates to the replicator. It is shared by the TCP
// server and the WebSocket gateway.
type Engine struct {
	core    *replica.Core
	fanout  *Fanout
	repl    Replicator
	logger  zerolog.Logger
	metrics *monitoring.Metrics
}

// NewEngine wires the dispatch table.
func NewEngine(core *replica.Core, fanout *Fanout, repl Replicator, logger zerolog.Logger, metrics *monitoring.Metrics) *Engine {
	return &Engine{
		core:    core,
		fanout:  fanout,
		repl:    repl,
		logger:  logger.With().Str("component", "engine").Logger(),
		metrics: metrics,
	}
}

// Handle processes one framed client record and enqueues the reply on
// the session.
func (e *Engine) Handle(sess *Session, frame []byte) {
	rec, err := protocol.Decode(frame)
	if err != nil {
		// Malformed JSON is a transport fault, not a semantic error:
		// drop the connection; the read loop's teardown handles the
		// implicit logout.
		e.logger.Warn().Err(err).Str("remote", sess.Addr()).Msg("Malformed record, closing connection")
		sess.Close()
		return
	}

	if rec.Version != protocol.Version {
		sess.Enqueue(protocol.NewErrorRecord(state.ErrUnsupportedVersion.Error()))
		e.metrics.CommandProcessed(rec.Command, "error")
		return
	}

	// Liveness probe: consumed without reply.
	if rec.Command == protocol.CmdCheckConnection {
		e.metrics.CommandProcessed(rec.Command, "ok")
		return
	}

	// A replica that has not pulled state from the leader yet refuses
	// every command.
	if !e.repl.Synced() {
		sess.Enqueue(protocol.NewErrorRecord(state.ErrNotSynced.Error()))
		e.metrics.CommandProcessed(rec.Command, "error")
		return
	}

	reply, err := e.dispatch(sess, rec)
	if err != nil {
		sess.Enqueue(protocol.NewErrorRecord(err.Error()))
		e.metrics.CommandProcessed(rec.Command, "error")
		return
	}
	sess.Enqueue(reply)
	e.metrics.CommandProcessed(rec.Command, "ok")
}

func (e *Engine) dispatch(sess *Session, rec protocol.Record) (protocol.Record, error) {
	switch rec.Command {
	case protocol.CmdCreate:
		return e.handleCreate(sess, rec.Data)
	case protocol.CmdLogin:
		return e.handleLogin(sess, rec.Data)
	case protocol.CmdLogout:
		return e.handleLogout(sess, rec.Data)
	case protocol.CmdSearch:
		return e.handleSearch(rec.Data)
	case protocol.CmdDeleteAcct:
		return e.handleDeleteAcct(sess, rec.Data)
	case protocol.CmdSendMsg:
		return e.handleSendMsg(rec.Data)
	case protocol.CmdGetUndelivered:
		return e.handleGetUndelivered(rec.Data)
	case protocol.CmdGetDelivered:
		return e.handleGetDelivered(rec.Data)
	case protocol.CmdRefreshHome:
		return e.handleRefreshHome(rec.Data)
	case protocol.CmdDeleteMsg:
		return e.handleDeleteMsg(rec.Data)
	case protocol.CmdSubscribe:
		return e.handleSubscribe(sess, rec.Data)
	case protocol.CmdUnsubscribe:
		return e.handleUnsubscribe(sess, rec.Data)
	default:
		return protocol.Record{}, errUnsupportedCommand
	}
}

var errUnsupportedCommand = jsonError("unsupported command")
var errInvalidRequest = jsonError("invalid request")

type jsonError string

func (e jsonError) Error() string { return string(e) }

func (e *Engine) handleCreate(sess *Session, data json.RawMessage) (protocol.Record, error) {
	var p protocol.AuthPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return protocol.Record{}, errInvalidRequest
	}
	upd, err := e.core.CreateAccount(p.Username, p.Password, sess.Addr())
	if err != nil {
		return protocol.Record{}, err
	}
	e.repl.Broadcast(upd.Kind, upd.Payload)
	return protocol.NewRecord(protocol.ReplyLogin, protocol.LoginReply{
		Username:        authUsername(upd),
		UndelivMessages: 0,
	})
}

func (e *Engine) handleLogin(sess *Session, data json.RawMessage) (protocol.Record, error) {
	var p protocol.AuthPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return protocol.Record{}, errInvalidRequest
	}
	pending, upd, err := e.core.Login(p.Username, p.Password, sess.Addr())
	if err != nil {
		return protocol.Record{}, err
	}
	e.repl.Broadcast(upd.Kind, upd.Payload)
	return protocol.NewRecord(protocol.ReplyLogin, protocol.LoginReply{
		Username:        p.Username,
		UndelivMessages: pending,
	})
}

func (e *Engine) handleLogout(sess *Session, data json.RawMessage) (protocol.Record, error) {
	var p protocol.UserPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return protocol.Record{}, errInvalidRequest
	}
	upd, err := e.core.Logout(p.Username)
	if err != nil {
		return protocol.Record{}, err
	}
	e.fanout.Unsubscribe(p.Username, sess)
	e.repl.Broadcast(upd.Kind, upd.Payload)
	return protocol.Record{Version: protocol.Version, Command: protocol.ReplyLogout}, nil
}

func (e *Engine) handleSearch(data json.RawMessage) (protocol.Record, error) {
	var p protocol.SearchPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return protocol.Record{}, errInvalidRequest
	}
	return protocol.NewRecord(protocol.ReplyUserList, protocol.UserListReply{
		UserList: e.core.Search(p.Search),
	})
}

func (e *Engine) handleDeleteAcct(sess *Session, data json.RawMessage) (protocol.Record, error) {
	var p protocol.UserPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return protocol.Record{}, errInvalidRequest
	}
	upd, err := e.core.DeleteAccount(p.Username)
	if err != nil {
		return protocol.Record{}, err
	}
	e.fanout.Unsubscribe(p.Username, sess)
	e.repl.Broadcast(upd.Kind, upd.Payload)
	return protocol.Record{Version: protocol.Version, Command: protocol.ReplyLogout}, nil
}

// handleSendMsg stores the message and attempts live delivery. Delivery
// state is decided before the store so the replicated copy lands in the
// same list on every replica; a failed push demotes the message back to
// the unread queue before the update goes out.
func (e *Engine) handleSendMsg(data json.RawMessage) (protocol.Record, error) {
	var p protocol.SendPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return protocol.Record{}, errInvalidRequest
	}

	live := e.core.IsLoggedIn(p.Recipient) && e.fanout.HasSubscriber(p.Recipient)
	msg, pending, upd, err := e.core.SendMessage(p.Sender, p.Recipient, p.Message, live)
	if err != nil {
		return protocol.Record{}, err
	}
	e.metrics.MessageQueued()

	if live {
		push, perr := protocol.NewRecord(protocol.ReplyMessages, protocol.MessagesReply{
			Messages: []protocol.MessageItem{{ID: msg.ID, Sender: msg.Sender, Message: msg.Content}},
		})
		if perr != nil || !e.fanout.Push(p.Recipient, push) {
			if derr := e.core.DemoteMessage(msg.ID); derr != nil {
				e.logger.Error().Err(derr).Int64("msg_id", msg.ID).Msg("Failed to demote undeliverable message")
			}
			if sp, ok := upd.Payload.(protocol.SendPayload); ok {
				sp.Delivered = false
				upd.Payload = sp
			}
		}
	}

	e.repl.Broadcast(upd.Kind, upd.Payload)
	return protocol.NewRecord(protocol.ReplyRefreshHome, protocol.RefreshHomeReply{UndelivMessages: pending})
}

func (e *Engine) handleGetUndelivered(data json.RawMessage) (protocol.Record, error) {
	var p protocol.FetchPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return protocol.Record{}, errInvalidRequest
	}
	moved, upd, err := e.core.DrainUndelivered(p.Username, p.NumMessages)
	if err != nil {
		return protocol.Record{}, err
	}
	e.repl.Broadcast(upd.Kind, upd.Payload)
	items := make([]protocol.MessageItem, len(moved))
	for i, m := range moved {
		items[i] = protocol.MessageItem{ID: m.ID, Sender: m.Sender, Message: m.Content}
	}
	return protocol.NewRecord(protocol.ReplyMessages, protocol.MessagesReply{Messages: items})
}

func (e *Engine) handleGetDelivered(data json.RawMessage) (protocol.Record, error) {
	var p protocol.FetchPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return protocol.Record{}, errInvalidRequest
	}
	msgs, err := e.core.DeliveredFor(p.Username, p.NumMessages)
	if err != nil {
		return protocol.Record{}, err
	}
	items := make([]protocol.MessageItem, len(msgs))
	for i, m := range msgs {
		items[i] = protocol.MessageItem{ID: m.ID, Sender: m.Sender, Message: m.Content}
	}
	return protocol.NewRecord(protocol.ReplyMessages, protocol.MessagesReply{Messages: items})
}

func (e *Engine) handleRefreshHome(data json.RawMessage) (protocol.Record, error) {
	var p protocol.UserPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return protocol.Record{}, errInvalidRequest
	}
	return protocol.NewRecord(protocol.ReplyRefreshHome, protocol.RefreshHomeReply{
		UndelivMessages: e.core.Pending(p.Username),
	})
}

func (e *Engine) handleDeleteMsg(data json.RawMessage) (protocol.Record, error) {
	var p protocol.DeletePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return protocol.Record{}, errInvalidRequest
	}
	ids := replica.ParseDeleteIDs(p.DeleteIDs)
	pending, upd, err := e.core.DeleteMessages(p.CurrentUser, ids)
	if err != nil {
		return protocol.Record{}, err
	}
	e.repl.Broadcast(upd.Kind, upd.Payload)
	return protocol.NewRecord(protocol.ReplyRefreshHome, protocol.RefreshHomeReply{UndelivMessages: pending})
}

func (e *Engine) handleSubscribe(sess *Session, data json.RawMessage) (protocol.Record, error) {
	var p protocol.UserPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return protocol.Record{}, errInvalidRequest
	}
	if !e.core.UserExists(p.Username) {
		return protocol.Record{}, state.ErrUserNotFound
	}
	e.fanout.Subscribe(p.Username, sess)
	return protocol.NewRecord(protocol.ReplyRefreshHome, protocol.RefreshHomeReply{
		UndelivMessages: e.core.Pending(p.Username),
	})
}

func (e *Engine) handleUnsubscribe(sess *Session, data json.RawMessage) (protocol.Record, error) {
	var p protocol.UserPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return protocol.Record{}, errInvalidRequest
	}
	e.fanout.Unsubscribe(p.Username, sess)
	return protocol.NewRecord(protocol.ReplyRefreshHome, protocol.RefreshHomeReply{
		UndelivMessages: e.core.Pending(p.Username),
	})
}

// SessionClosed performs the implicit logout for a dropped connection
// and replicates it, matching an explicit logout.
func (e *Engine) SessionClosed(sess *Session) {
	e.fanout.DropSession(sess)
	username, upd, ok := e.core.LogoutAddr(sess.Addr())
	if !ok {
		return
	}
	e.logger.Info().Str("username", username).Str("remote", sess.Addr()).Msg("Implicit logout on disconnect")
	e.repl.Broadcast(upd.Kind, upd.Payload)
}

func authUsername(upd *replica.Update) string {
	if p, ok := upd.Payload.(protocol.AuthPayload); ok {
		return p.Username
	}
	return ""
}
