package replica

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/adred-codev/replichat/internal/monitoring"
	"github.com/adred-codev/replichat/internal/protocol"
	"github.com/adred-codev/replichat/internal/store"
	"github.com/adred-codev/replichat/internal/types"
)

func testCore(t *testing.T) *Core {
	t.Helper()
	st := store.New(t.TempDir(), "t", zerolog.Nop())
	core, err := NewCore("t", "localhost", 50000, 0, st, zerolog.Nop(), monitoring.NewMetrics("core-test"))
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	return core
}

func mustUpdate(t *testing.T, upd *Update) types.UpdateRecord {
	t.Helper()
	raw, err := json.Marshal(upd.Payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return types.UpdateRecord{UpdateID: "u-" + upd.Kind, Kind: upd.Kind, Payload: raw}
}

func TestApplyUpdateIdempotent(t *testing.T) {
	origin := testCore(t)
	peer := testCore(t)

	upd, err := origin.CreateAccount("alice", "pw", "1.2.3.4:1")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	rec := mustUpdate(t, upd)

	applied, err := peer.ApplyUpdate(rec)
	if err != nil || !applied {
		t.Fatalf("first apply = (%v, %v), want (true, nil)", applied, err)
	}
	applied, err = peer.ApplyUpdate(rec)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if applied {
		t.Error("second apply of same update id should be discarded")
	}
	if !peer.UserExists("alice") {
		t.Error("replicated account missing")
	}
}

func TestReplicatedSendKeepsOriginID(t *testing.T) {
	origin := testCore(t)
	peer := testCore(t)

	for _, c := range []*Core{origin, peer} {
		if _, err := c.CreateAccount("alice", "pw", ""); err != nil {
			t.Fatalf("create alice: %v", err)
		}
		if _, err := c.CreateAccount("bob", "pw", ""); err != nil {
			t.Fatalf("create bob: %v", err)
		}
	}

	msg, pending, upd, err := origin.SendMessage("alice", "bob", "hi", false)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if pending != 0 {
		t.Errorf("sender pending = %d, want 0", pending)
	}

	if _, err := peer.ApplyUpdate(mustUpdate(t, upd)); err != nil {
		t.Fatalf("apply send: %v", err)
	}
	got, _, err := peer.DrainUndelivered("bob", 1)
	if err != nil {
		t.Fatalf("drain on peer: %v", err)
	}
	if len(got) != 1 || got[0].ID != msg.ID || got[0].Timestamp != msg.Timestamp {
		t.Errorf("peer stored %+v, want origin message id=%d ts=%s", got, msg.ID, msg.Timestamp)
	}

	// Replaying the same send through a second update id must not
	// duplicate the message.
	rec := mustUpdate(t, upd)
	rec.UpdateID = "another-id"
	if _, err := peer.ApplyUpdate(rec); err != nil {
		t.Fatalf("replay apply: %v", err)
	}
	if n := peer.Pending("bob"); n != 0 {
		t.Errorf("pending after replay = %d, want 0 (message already drained)", n)
	}
}

func TestDrainUpdateCarriesExactIDs(t *testing.T) {
	core := testCore(t)
	if _, err := core.CreateAccount("alice", "pw", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := core.CreateAccount("bob", "pw", ""); err != nil {
		t.Fatal(err)
	}
	var ids []int64
	for i := 0; i < 3; i++ {
		msg, _, _, err := core.SendMessage("alice", "bob", "m", false)
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		ids = append(ids, msg.ID)
	}

	moved, upd, err := core.DrainUndelivered("bob", 2)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(moved) != 2 {
		t.Fatalf("moved %d messages, want 2", len(moved))
	}
	p, ok := upd.Payload.(protocol.DrainPayload)
	if !ok {
		t.Fatalf("drain payload type %T", upd.Payload)
	}
	if len(p.IDs) != 2 || p.IDs[0] != ids[0] || p.IDs[1] != ids[1] {
		t.Errorf("drain update ids = %v, want %v", p.IDs, ids[:2])
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	origin := testCore(t)
	peer := testCore(t)

	if _, err := origin.CreateAccount("alice", "pw", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := origin.CreateAccount("bob", "pw", ""); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := origin.SendMessage("alice", "bob", "hello", false); err != nil {
		t.Fatal(err)
	}

	if err := peer.InstallSnapshot(origin.Snapshot()); err != nil {
		t.Fatalf("InstallSnapshot: %v", err)
	}
	if !peer.UserExists("alice") || !peer.UserExists("bob") {
		t.Error("snapshot users missing on peer")
	}
	if n := peer.Pending("bob"); n != 1 {
		t.Errorf("peer pending = %d, want 1", n)
	}
}

func TestParseDeleteIDs(t *testing.T) {
	tests := []struct {
		in   string
		want []int64
	}{
		{"3,7,12", []int64{3, 7, 12}},
		{" 1 , 2 ", []int64{1, 2}},
		{"", nil},
		{"x,4", []int64{4}},
	}
	for _, tt := range tests {
		got := ParseDeleteIDs(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("ParseDeleteIDs(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("ParseDeleteIDs(%q) = %v, want %v", tt.in, got, tt.want)
			}
		}
	}
}

func TestLogoutAddrReplication(t *testing.T) {
	core := testCore(t)
	if _, err := core.CreateAccount("alice", "pw", "9.9.9.9:42"); err != nil {
		t.Fatal(err)
	}
	name, upd, ok := core.LogoutAddr("9.9.9.9:42")
	if !ok || name != "alice" {
		t.Fatalf("LogoutAddr = (%q, %v), want (alice, true)", name, ok)
	}
	if upd.Kind != protocol.CmdLogout {
		t.Errorf("update kind = %s, want logout", upd.Kind)
	}
	if core.IsLoggedIn("alice") {
		t.Error("alice still logged in after addr logout")
	}
}
