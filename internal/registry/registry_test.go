package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/planpoker/poker-room-backend/internal/protocol"
	"github.com/planpoker/poker-room-backend/internal/session"
)

func newTestRegistry(t *testing.T, ttl time.Duration) *Registry {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, ttl, zap.NewNop())
}

func ensure(r *Registry, code string) *session.Session {
	reply := make(chan *session.Session, 1)
	r.Inbox() <- Ensure{RoomID: code, Reply: reply}
	return <-reply
}

func get(r *Registry, code string) *session.Session {
	reply := make(chan *session.Session, 1)
	r.Inbox() <- Get{RoomID: code, Reply: reply}
	return <-reply
}

func joinRoom(r *Registry, code, userID, name string, out chan protocol.ServerMessage) *session.Session {
	reply := make(chan *session.Session, 1)
	r.Inbox() <- Join{RoomID: code, UserID: userID, Name: name, Outbox: out, Reply: reply}
	return <-reply
}

func recvTyped(t *testing.T, ch <-chan protocol.ServerMessage, wantType string) protocol.ServerMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatalf("outbox closed while waiting for %q", wantType)
		}
		if msg.Type != wantType {
			t.Fatalf("want message %q, got %q (%+v)", wantType, msg.Type, msg)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %q", wantType)
		return protocol.ServerMessage{} // unreachable
	}
}

func TestRegistry_EnsureGetSamePointer(t *testing.T) {
	r := newTestRegistry(t, time.Hour)

	sn1 := ensure(r, "ZED123")
	sn2 := get(r, "ZED123")
	if sn1 == nil || sn2 == nil || sn1 != sn2 {
		t.Fatalf("expected same session pointer")
	}

	if sn3 := ensure(r, "ZED123"); sn3 != sn1 {
		t.Fatalf("ensure must be idempotent per room id")
	}
}

func TestRegistry_GetUnknownIsNil(t *testing.T) {
	r := newTestRegistry(t, time.Hour)
	if sn := get(r, "NOPE"); sn != nil {
		t.Fatalf("lookup of unknown room must be nil")
	}
}

func TestRegistry_EmptyIDRejected(t *testing.T) {
	r := newTestRegistry(t, time.Hour)
	if sn := ensure(r, ""); sn != nil {
		t.Fatalf("empty room id must not create a room")
	}
	out := make(chan protocol.ServerMessage, 16)
	if sn := joinRoom(r, "", "a", "Ana", out); sn != nil {
		t.Fatalf("empty room id must not accept a join")
	}
}

func TestRegistry_JoinCreatesAndLands(t *testing.T) {
	r := newTestRegistry(t, time.Hour)

	out := make(chan protocol.ServerMessage, 16)
	sn := joinRoom(r, "42", "a", "Ana", out)
	if sn == nil {
		t.Fatalf("join must resolve a session")
	}
	if got := get(r, "42"); got != sn {
		t.Fatalf("join must register the room")
	}

	_ = recvTyped(t, out, protocol.TypeRoomUpdated)
	ack := recvTyped(t, out, protocol.TypeUserJoined)
	if ack.User == nil || !ack.User.IsHost {
		t.Fatalf("first joiner must be host, got %+v", ack.User)
	}
}

func TestRegistry_EvictsRoomAfterLastLeave(t *testing.T) {
	r := newTestRegistry(t, time.Hour)

	out := make(chan protocol.ServerMessage, 16)
	sn := joinRoom(r, "42", "a", "Ana", out)
	sn.Inbox() <- session.Leave{UserID: "a"}

	// Eviction flows session -> registry asynchronously; poll briefly.
	deadline := time.After(time.Second)
	for get(r, "42") != nil {
		select {
		case <-deadline:
			t.Fatalf("room was not evicted after last leave")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// A later join to the same id gets a brand-new room.
	fresh := ensure(r, "42")
	if fresh == nil || fresh == sn {
		t.Fatalf("expected a fresh session after eviction")
	}
	if fresh.UserCount() != 0 {
		t.Fatalf("fresh room must start empty")
	}
}

func TestRegistry_RemoveSparesRepopulatedRoom(t *testing.T) {
	r := newTestRegistry(t, time.Hour)

	out := make(chan protocol.ServerMessage, 16)
	sn := joinRoom(r, "42", "a", "Ana", out)

	// Wait until the join landed, then try a (stale) removal.
	deadline := time.After(time.Second)
	for sn.UserCount() != 1 {
		select {
		case <-deadline:
			t.Fatalf("join never landed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	r.Inbox() <- Remove{RoomID: "42"}

	if got := get(r, "42"); got != sn {
		t.Fatalf("occupied room must survive a stale remove")
	}
}

// A join racing the eviction of the room it targets must never be
// swallowed: either it lands in the old session before the eviction is
// confirmed, or it creates a fresh room. In both cases the joiner gets a
// snapshot and an ack.
func TestRegistry_JoinDuringEvictionIsNeverLost(t *testing.T) {
	r := newTestRegistry(t, time.Hour)

	for i := 0; i < 300; i++ {
		code := fmt.Sprintf("R%d", i)

		first := make(chan protocol.ServerMessage, 16)
		sn := joinRoom(r, code, "a", "Ana", first)
		if sn == nil {
			t.Fatalf("iteration %d: first join failed", i)
		}
		_ = recvTyped(t, first, protocol.TypeRoomUpdated)
		_ = recvTyped(t, first, protocol.TypeUserJoined)

		// Empty the room and immediately rejoin while the eviction is
		// still in flight.
		sn.Inbox() <- session.Leave{UserID: "a"}
		second := make(chan protocol.ServerMessage, 16)
		if joinRoom(r, code, "b", "Ben", second) == nil {
			t.Fatalf("iteration %d: rejoin failed", i)
		}

		_ = recvTyped(t, second, protocol.TypeRoomUpdated)
		ack := recvTyped(t, second, protocol.TypeUserJoined)
		if ack.User == nil || ack.User.ID != "b" {
			t.Fatalf("iteration %d: want ack for b, got %+v", i, ack.User)
		}
	}
}

func TestRegistry_SweepsNeverJoinedRooms(t *testing.T) {
	r := newTestRegistry(t, 30*time.Millisecond)

	if ensure(r, "LONELY") == nil {
		t.Fatalf("ensure failed")
	}

	deadline := time.After(2 * time.Second)
	for get(r, "LONELY") != nil {
		select {
		case <-deadline:
			t.Fatalf("unclaimed room was never swept")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRegistry_SweepSparesOccupiedRooms(t *testing.T) {
	r := newTestRegistry(t, 30*time.Millisecond)

	out := make(chan protocol.ServerMessage, 16)
	sn := joinRoom(r, "BUSY", "a", "Ana", out)
	_ = recvTyped(t, out, protocol.TypeRoomUpdated)
	_ = recvTyped(t, out, protocol.TypeUserJoined)

	time.Sleep(150 * time.Millisecond)
	if got := get(r, "BUSY"); got != sn {
		t.Fatalf("occupied room must survive the sweep")
	}
}

func TestRegistry_ParentCancelShutsSessionsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(ctx, time.Hour, zap.NewNop())

	out := make(chan protocol.ServerMessage, 16)
	sn := joinRoom(r, "42", "a", "Ana", out)
	_ = recvTyped(t, out, protocol.TypeRoomUpdated)
	_ = recvTyped(t, out, protocol.TypeUserJoined)

	cancel()

	select {
	case <-sn.Done():
	case <-time.After(time.Second):
		t.Fatalf("session must terminate when the registry's context dies")
	}
}
