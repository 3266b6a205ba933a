package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/replichat/internal/monitoring"
	"github.com/adred-codev/replichat/internal/protocol"
	"github.com/adred-codev/replichat/internal/replica"
	"github.com/adred-codev/replichat/internal/store"
)

// fakeReplicator records broadcasts and controls the synced flag.
type fakeReplicator struct {
	synced     bool
	broadcasts []replica.Update
}

func (f *fakeReplicator) Broadcast(kind string, payload any) {
	f.broadcasts = append(f.broadcasts, replica.Update{Kind: kind, Payload: payload})
}

func (f *fakeReplicator) Synced() bool { return f.synced }

func testEngine(t *testing.T) (*Engine, *fakeReplicator, *Fanout) {
	t.Helper()
	metrics := monitoring.NewMetrics("engine-test")
	st := store.New(t.TempDir(), "t", zerolog.Nop())
	core, err := replica.NewCore("t", "localhost", 50000, 0, st, zerolog.Nop(), metrics)
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	repl := &fakeReplicator{synced: true}
	fanout := NewFanout(metrics)
	return NewEngine(core, fanout, repl, zerolog.Nop(), metrics), repl, fanout
}

func testSession(addr string) *Session {
	return newSession(addr, nil, 16, zerolog.Nop())
}

func send(t *testing.T, e *Engine, s *Session, command string, payload any) {
	t.Helper()
	rec, err := protocol.NewRecord(command, payload)
	if err != nil {
		t.Fatalf("build %s record: %v", command, err)
	}
	frame, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	e.Handle(s, frame)
}

func reply(t *testing.T, s *Session) protocol.Record {
	t.Helper()
	select {
	case raw := <-s.send:
		rec, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		return rec
	case <-time.After(time.Second):
		t.Fatal("no reply enqueued")
		return protocol.Record{}
	}
}

func replyError(t *testing.T, s *Session) string {
	t.Helper()
	rec := reply(t, s)
	if rec.Command != protocol.ReplyError {
		t.Fatalf("reply command = %s, want error", rec.Command)
	}
	var p protocol.ErrorReply
	if err := json.Unmarshal(rec.Data, &p); err != nil {
		t.Fatalf("decode error reply: %v", err)
	}
	return p.Error
}

func noReply(t *testing.T, s *Session) {
	t.Helper()
	select {
	case raw := <-s.send:
		t.Fatalf("unexpected reply enqueued: %s", raw)
	default:
	}
}

func TestUnsyncedRefusesAllButCheckConnection(t *testing.T) {
	e, repl, _ := testEngine(t)
	repl.synced = false
	s := testSession("c:1")

	send(t, e, s, protocol.CmdLogin, protocol.AuthPayload{Username: "a", Password: "b"})
	if got := replyError(t, s); got != "replica not synced" {
		t.Errorf("error = %q, want %q", got, "replica not synced")
	}

	// Liveness probes pass the gate and are consumed silently.
	send(t, e, s, protocol.CmdCheckConnection, nil)
	noReply(t, s)
}

func TestCheckConnectionConsumedWithoutReply(t *testing.T) {
	e, _, _ := testEngine(t)
	s := testSession("c:1")

	send(t, e, s, protocol.CmdCheckConnection, nil)
	noReply(t, s)

	select {
	case <-s.done:
		t.Error("check_connection must not close the session")
	default:
	}
}

func TestMalformedRecordClosesConnection(t *testing.T) {
	e, _, _ := testEngine(t)
	s := testSession("c:1")

	e.Handle(s, []byte("{not json"))
	noReply(t, s)

	select {
	case <-s.done:
	default:
		t.Error("malformed record must close the session")
	}
}

func TestVersionGate(t *testing.T) {
	e, _, _ := testEngine(t)
	s := testSession("c:1")

	frame, _ := json.Marshal(protocol.Record{Version: 7, Command: protocol.CmdLogin})
	e.Handle(s, frame)
	if got := replyError(t, s); got != "unsupported protocol version" {
		t.Errorf("error = %q, want %q", got, "unsupported protocol version")
	}
}

func TestCreateLoginFlow(t *testing.T) {
	e, repl, _ := testEngine(t)
	s := testSession("c:1")

	send(t, e, s, protocol.CmdCreate, protocol.AuthPayload{Username: "alice", Password: "pw"})
	rec := reply(t, s)
	if rec.Command != protocol.ReplyLogin {
		t.Fatalf("create reply = %s, want login", rec.Command)
	}
	var lr protocol.LoginReply
	if err := json.Unmarshal(rec.Data, &lr); err != nil {
		t.Fatal(err)
	}
	if lr.Username != "alice" || lr.UndelivMessages != 0 {
		t.Errorf("login reply = %+v", lr)
	}
	if len(repl.broadcasts) != 1 || repl.broadcasts[0].Kind != protocol.CmdCreate {
		t.Fatalf("broadcasts = %+v, want one create", repl.broadcasts)
	}

	// Duplicate create fails with the exact taken-name diagnostic.
	send(t, e, s, protocol.CmdCreate, protocol.AuthPayload{Username: "alice", Password: "pw"})
	if got := replyError(t, s); got != "username already exists" {
		t.Errorf("error = %q", got)
	}

	// Second login while logged in is refused.
	send(t, e, s, protocol.CmdLogin, protocol.AuthPayload{Username: "alice", Password: "pw"})
	if got := replyError(t, s); got != "user already logged in" {
		t.Errorf("error = %q", got)
	}
}

func TestSendMsgOfflineQueues(t *testing.T) {
	e, repl, _ := testEngine(t)
	s := testSession("c:1")

	send(t, e, s, protocol.CmdCreate, protocol.AuthPayload{Username: "alice", Password: "pw"})
	reply(t, s)
	send(t, e, s, protocol.CmdCreate, protocol.AuthPayload{Username: "bob", Password: "pw"})
	reply(t, s)
	send(t, e, s, protocol.CmdLogout, protocol.UserPayload{Username: "bob"})
	reply(t, s)
	repl.broadcasts = nil

	send(t, e, s, protocol.CmdSendMsg, protocol.SendPayload{Sender: "alice", Recipient: "bob", Message: "hi"})
	rec := reply(t, s)
	if rec.Command != protocol.ReplyRefreshHome {
		t.Fatalf("send_msg reply = %s, want refresh_home", rec.Command)
	}

	if len(repl.broadcasts) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(repl.broadcasts))
	}
	sp, ok := repl.broadcasts[0].Payload.(protocol.SendPayload)
	if !ok || sp.Delivered {
		t.Errorf("replicated send = %+v, want delivered=false", repl.broadcasts[0].Payload)
	}
	if sp.ID == 0 || sp.Timestamp == "" {
		t.Errorf("replicated send missing origin id/timestamp: %+v", sp)
	}

	// Receiver drains the queue on next login.
	send(t, e, s, protocol.CmdRefreshHome, protocol.UserPayload{Username: "bob"})
	rec = reply(t, s)
	var rh protocol.RefreshHomeReply
	json.Unmarshal(rec.Data, &rh)
	if rh.UndelivMessages != 1 {
		t.Errorf("bob pending = %d, want 1", rh.UndelivMessages)
	}
}

func TestSendMsgLiveDelivery(t *testing.T) {
	e, repl, fanout := testEngine(t)
	sender := testSession("c:1")
	receiver := testSession("c:2")

	send(t, e, sender, protocol.CmdCreate, protocol.AuthPayload{Username: "alice", Password: "pw"})
	reply(t, sender)
	send(t, e, receiver, protocol.CmdCreate, protocol.AuthPayload{Username: "bob", Password: "pw"})
	reply(t, receiver)
	send(t, e, receiver, protocol.CmdSubscribe, protocol.UserPayload{Username: "bob"})
	reply(t, receiver)
	repl.broadcasts = nil

	if !fanout.HasSubscriber("bob") {
		t.Fatal("bob not subscribed")
	}

	send(t, e, sender, protocol.CmdSendMsg, protocol.SendPayload{Sender: "alice", Recipient: "bob", Message: "hi"})
	reply(t, sender)

	push := reply(t, receiver)
	if push.Command != protocol.ReplyMessages {
		t.Fatalf("live push command = %s, want messages", push.Command)
	}
	var mr protocol.MessagesReply
	if err := json.Unmarshal(push.Data, &mr); err != nil {
		t.Fatal(err)
	}
	if len(mr.Messages) != 1 || mr.Messages[0].Sender != "alice" || mr.Messages[0].Message != "hi" {
		t.Errorf("live push = %+v", mr)
	}

	sp := repl.broadcasts[0].Payload.(protocol.SendPayload)
	if !sp.Delivered {
		t.Error("replicated live send should carry delivered=true")
	}

	// Live-delivered messages never appear as pending.
	send(t, e, receiver, protocol.CmdGetUndelivered, protocol.FetchPayload{Username: "bob", NumMessages: 1})
	if got := replyError(t, receiver); got != "no undelivered messages" {
		t.Errorf("error = %q", got)
	}
}

func TestDeleteMsgIsReceiverScoped(t *testing.T) {
	e, _, _ := testEngine(t)
	s := testSession("c:1")

	send(t, e, s, protocol.CmdCreate, protocol.AuthPayload{Username: "alice", Password: "pw"})
	reply(t, s)
	send(t, e, s, protocol.CmdCreate, protocol.AuthPayload{Username: "bob", Password: "pw"})
	reply(t, s)
	send(t, e, s, protocol.CmdSendMsg, protocol.SendPayload{Sender: "alice", Recipient: "bob", Message: "hi"})
	reply(t, s)
	send(t, e, s, protocol.CmdGetUndelivered, protocol.FetchPayload{Username: "bob", NumMessages: 1})
	rec := reply(t, s)
	var mr protocol.MessagesReply
	json.Unmarshal(rec.Data, &mr)
	if len(mr.Messages) != 1 {
		t.Fatalf("drained %d, want 1", len(mr.Messages))
	}
	id := mr.Messages[0].ID

	// Alice (the sender) cannot delete bob's copy.
	send(t, e, s, protocol.CmdDeleteMsg, protocol.DeletePayload{CurrentUser: "alice", DeleteIDs: "1"})
	reply(t, s)
	send(t, e, s, protocol.CmdGetDelivered, protocol.FetchPayload{Username: "bob", NumMessages: 5})
	rec = reply(t, s)
	json.Unmarshal(rec.Data, &mr)
	if len(mr.Messages) != 1 {
		t.Fatalf("bob delivered = %d after foreign delete, want 1", len(mr.Messages))
	}

	// Bob can.
	send(t, e, s, protocol.CmdDeleteMsg, protocol.DeletePayload{CurrentUser: "bob", DeleteIDs: "1"})
	reply(t, s)
	send(t, e, s, protocol.CmdGetDelivered, protocol.FetchPayload{Username: "bob", NumMessages: 5})
	if got := replyError(t, s); got != "no delivered messages" {
		t.Errorf("error = %q (deleted id %d)", got, id)
	}
}

func TestSearchGlob(t *testing.T) {
	e, _, _ := testEngine(t)
	s := testSession("c:1")
	for _, name := range []string{"alice", "alina", "bob"} {
		send(t, e, s, protocol.CmdCreate, protocol.AuthPayload{Username: name, Password: "pw"})
		reply(t, s)
	}

	send(t, e, s, protocol.CmdSearch, protocol.SearchPayload{Search: "ali*"})
	rec := reply(t, s)
	if rec.Command != protocol.ReplyUserList {
		t.Fatalf("search reply = %s", rec.Command)
	}
	var ul protocol.UserListReply
	json.Unmarshal(rec.Data, &ul)
	if len(ul.UserList) != 2 || ul.UserList[0] != "alice" || ul.UserList[1] != "alina" {
		t.Errorf("user list = %v, want [alice alina]", ul.UserList)
	}
}

func TestSessionClosedBroadcastsLogout(t *testing.T) {
	e, repl, _ := testEngine(t)
	s := testSession("c:9")

	send(t, e, s, protocol.CmdCreate, protocol.AuthPayload{Username: "alice", Password: "pw"})
	reply(t, s)
	repl.broadcasts = nil

	e.SessionClosed(s)
	if len(repl.broadcasts) != 1 || repl.broadcasts[0].Kind != protocol.CmdLogout {
		t.Fatalf("broadcasts = %+v, want one logout", repl.broadcasts)
	}

	// A second close for the same addr is a no-op.
	e.SessionClosed(s)
	if len(repl.broadcasts) != 1 {
		t.Errorf("repeat close broadcast = %d, want 1", len(repl.broadcasts))
	}
}

func TestDeleteAcctPurges(t *testing.T) {
	e, repl, _ := testEngine(t)
	s := testSession("c:1")

	send(t, e, s, protocol.CmdCreate, protocol.AuthPayload{Username: "alice", Password: "pw"})
	reply(t, s)
	send(t, e, s, protocol.CmdCreate, protocol.AuthPayload{Username: "bob", Password: "pw"})
	reply(t, s)
	send(t, e, s, protocol.CmdSendMsg, protocol.SendPayload{Sender: "alice", Recipient: "bob", Message: "hi"})
	reply(t, s)
	repl.broadcasts = nil

	send(t, e, s, protocol.CmdDeleteAcct, protocol.UserPayload{Username: "bob"})
	if rec := reply(t, s); rec.Command != protocol.ReplyLogout {
		t.Fatalf("delete_acct reply = %s, want logout", rec.Command)
	}
	if len(repl.broadcasts) != 1 || repl.broadcasts[0].Kind != protocol.CmdDeleteAcct {
		t.Fatalf("broadcasts = %+v", repl.broadcasts)
	}

	send(t, e, s, protocol.CmdLogin, protocol.AuthPayload{Username: "bob", Password: "pw"})
	if got := replyError(t, s); got != "username does not exist" {
		t.Errorf("error = %q", got)
	}
}
