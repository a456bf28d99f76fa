// Package registry owns the process-wide map of room id to live session.
// Rooms come into being on first use and are evicted once their last user
// is gone. Joins are forwarded by the registry itself, so a join and an
// eviction of the same room can never cross: whichever the registry handles
// first wins outright.
package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/planpoker/poker-room-backend/internal/protocol"
	"github.com/planpoker/poker-room-backend/internal/room"
	"github.com/planpoker/poker-room-backend/internal/session"
)

// Sweep often enough that short TTLs in tests still fire promptly.
const maxSweepInterval = time.Minute

type Msg interface{ isRegistryMsg() }

// Join resolves the room (creating it if needed), queues the user's join
// into its session, and replies with the session the join went to. The
// reply is nil only for an empty room id. Reply must be buffered.
type Join struct {
	RoomID    string
	UserID    string
	Name      string
	Spectator bool
	Outbox    chan protocol.ServerMessage
	Reply     chan *session.Session
}

// Ensure returns the session for the room, creating it if needed. An empty
// room id gets a nil reply.
type Ensure struct {
	RoomID string
	Reply  chan *session.Session
}

// Get is a pure lookup; the reply may be nil.
type Get struct {
	RoomID string
	Reply  chan *session.Session
}

// Remove evicts a room, but only if its session confirms it is still
// empty. Sessions queue this via their onEmpty hook, so by the time it is
// handled someone may have joined again.
type Remove struct {
	RoomID string
}

type Shutdown struct{}

func (Join) isRegistryMsg()     {}
func (Ensure) isRegistryMsg()   {}
func (Get) isRegistryMsg()      {}
func (Remove) isRegistryMsg()   {}
func (Shutdown) isRegistryMsg() {}

type Registry struct {
	inbox    chan Msg
	sessions map[string]*session.Session
	ttl      time.Duration
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

// New starts the registry goroutine. Rooms that sit empty for ttl (never
// joined after creation, or left behind by a dropped eviction) are swept.
func New(parent context.Context, ttl time.Duration, log *zap.Logger) *Registry {
	if ttl <= 0 {
		ttl = time.Hour
	}
	ctx, cancel := context.WithCancel(parent)
	r := &Registry{
		inbox:    make(chan Msg, 64),
		sessions: make(map[string]*session.Session),
		ttl:      ttl,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
	go r.loop()
	return r
}

func (r *Registry) Inbox() chan<- Msg { return r.inbox }

func (r *Registry) loop() {
	interval := r.ttl
	if interval > maxSweepInterval {
		interval = maxSweepInterval
	}
	sweep := time.NewTicker(interval)
	defer sweep.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.close()
			return

		case <-sweep.C:
			r.sweepIdle()

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				if msg.RoomID == "" {
					msg.Reply <- nil
					break
				}
				sn := r.sessions[msg.RoomID]
				if sn == nil {
					sn = r.create(msg.RoomID)
				}
				sn.Inbox() <- session.Join{
					UserID:    msg.UserID,
					Name:      msg.Name,
					Spectator: msg.Spectator,
					Outbox:    msg.Outbox,
				}
				msg.Reply <- sn

			case Ensure:
				if msg.RoomID == "" {
					msg.Reply <- nil
					break
				}
				sn := r.sessions[msg.RoomID]
				if sn == nil {
					sn = r.create(msg.RoomID)
				}
				msg.Reply <- sn

			case Get:
				msg.Reply <- r.sessions[msg.RoomID]

			case Remove:
				r.retire(msg.RoomID)

			case Shutdown:
				r.close()
				return
			}
		}
	}
}

func (r *Registry) create(id string) *session.Session {
	sn := session.New(r.ctx, room.New(id), r.evict, r.log)
	r.sessions[id] = sn
	r.log.Info("room created", zap.String("room", id))
	return sn
}

// retire deletes the room only once its session confirms it is still empty.
// Joins are forwarded by this same loop, so any join already queued sits
// ahead of the retire in the session inbox and makes it answer false.
func (r *Registry) retire(id string) {
	sn := r.sessions[id]
	if sn == nil {
		return
	}
	reply := make(chan bool, 1)
	sn.Inbox() <- session.Retire{Reply: reply}
	select {
	case retired := <-reply:
		if retired {
			delete(r.sessions, id)
			r.log.Info("room deleted", zap.String("room", id))
		}
	case <-r.ctx.Done():
	}
}

// sweepIdle collects rooms nobody claimed: created over HTTP and never
// joined, or emptied while the eviction message was dropped.
func (r *Registry) sweepIdle() {
	for id, sn := range r.sessions {
		if idle := sn.IdleSince(); !idle.IsZero() && time.Since(idle) >= r.ttl {
			r.retire(id)
		}
	}
}

// close cascades shutdown to every session. Sessions also watch the shared
// context, so a session that already stopped draining is not waited on.
func (r *Registry) close() {
	for _, sn := range r.sessions {
		select {
		case sn.Inbox() <- session.Shutdown{}:
		case <-sn.Done():
		}
	}
	clear(r.sessions)
	r.cancel()
}

// evict must never block: the registry may be mid-handshake with the very
// session calling it. A dropped eviction is caught by the idle sweep.
func (r *Registry) evict(roomID string) {
	select {
	case r.inbox <- Remove{RoomID: roomID}:
	default:
	}
}
