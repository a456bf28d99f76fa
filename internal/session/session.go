// Package session runs one goroutine per live room. Every mutation of a
// room flows through its session inbox, so commands from different
// connections never interleave mid-update.
package session

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/planpoker/poker-room-backend/internal/protocol"
	"github.com/planpoker/poker-room-backend/internal/room"
)

type Msg interface{ isSessionMsg() }

// Join binds a connection's user to the room and registers its outbox.
type Join struct {
	UserID    string
	Name      string
	Spectator bool
	Outbox    chan protocol.ServerMessage
}

func (Join) isSessionMsg() {}

// Leave covers both explicit leave and transport disconnect.
type Leave struct{ UserID string }

func (Leave) isSessionMsg() {}

type FromClient struct {
	Cmd room.Command
}

func (FromClient) isSessionMsg() {}

type Shutdown struct{}

func (Shutdown) isSessionMsg() {}

// Retire asks the session to terminate if it is still empty. Because it is
// answered in inbox order, any join queued ahead of it wins: the session
// replies false and stays up. Reply must be buffered.
type Retire struct {
	Reply chan bool
}

func (Retire) isSessionMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isSessionMsg() {}

type View struct {
	NumClients int
	Room       room.Room
}

type Session struct {
	inbox     chan Msg
	state     room.Room
	clients   map[string]chan protocol.ServerMessage
	users     atomic.Int64
	idleSince atomic.Int64
	onEmpty   func(roomID string)
	log       *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

// New starts the session goroutine. onEmpty is called (from the session
// goroutine) after the last user leaves, so the owner can evict the room.
func New(parent context.Context, initial room.Room, onEmpty func(roomID string), log *zap.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)

	s := &Session{
		inbox:   make(chan Msg, 64),
		state:   initial,
		clients: make(map[string]chan protocol.ServerMessage),
		onEmpty: onEmpty,
		log:     log.With(zap.String("room", initial.ID)),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.idleSince.Store(time.Now().UnixNano())

	go s.loop()
	return s
}

func (s *Session) Inbox() chan<- Msg { return s.inbox }

// Done is closed once the session has terminated and stopped draining its
// inbox.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// UserCount is safe to read from outside the session goroutine.
func (s *Session) UserCount() int { return int(s.users.Load()) }

// IdleSince reports when the room was created or last became empty; it is
// zero while the room has users. Safe to read from outside the session
// goroutine.
func (s *Session) IdleSince() time.Time {
	n := s.idleSince.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *Session) loop() {
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case m := <-s.inbox:
			switch msg := m.(type) {
			case Join:
				s.handleJoin(msg)

			case Leave:
				s.handleLeave(msg.UserID)

			case FromClient:
				s.handleCommand(msg.Cmd)

			case GetState:
				msg.Reply <- View{NumClients: len(s.clients), Room: s.state}

			case Retire:
				if !s.state.Empty() {
					msg.Reply <- false
					break
				}
				msg.Reply <- true
				s.shutdown()
				return

			case Shutdown:
				s.shutdown()
				return
			}
		}
	}
}

func (s *Session) handleJoin(msg Join) {
	cmd := room.Command{Type: room.CmdJoin, UserID: msg.UserID, Name: msg.Name, Spectator: msg.Spectator}
	_, next, err := room.Apply(s.state, cmd)
	if err != nil {
		s.reject(msg.Outbox, cmd, err)
		return
	}

	s.clients[msg.UserID] = msg.Outbox
	s.commit(next)

	s.broadcastSnapshot()
	if u, ok := s.state.User(msg.UserID); ok {
		s.send(msg.UserID, protocol.ServerMessage{Type: protocol.TypeUserJoined, User: &u})
	}
	s.log.Info("user joined",
		zap.String("user", msg.UserID),
		zap.Bool("spectator", msg.Spectator),
		zap.Int("users", len(s.state.Users)))
}

func (s *Session) handleCommand(cmd room.Command) {
	events, next, err := room.Apply(s.state, cmd)
	if err != nil {
		s.reject(s.clients[cmd.UserID], cmd, err)
		return
	}

	s.commit(next)
	s.broadcastSnapshot()
	for _, ev := range events {
		s.dispatch(ev)
	}
}

func (s *Session) handleLeave(userID string) {
	if ch, ok := s.clients[userID]; ok {
		close(ch)
		delete(s.clients, userID)
	}

	events, next, err := room.Apply(s.state, room.Command{Type: room.CmdLeave, UserID: userID})
	if err != nil {
		// Connection that never joined, or a user already removed.
		return
	}

	s.commit(next)
	s.log.Info("user left", zap.String("user", userID), zap.Int("users", len(s.state.Users)))

	if s.state.Empty() {
		if s.onEmpty != nil {
			s.onEmpty(s.state.ID)
		}
		return
	}

	s.broadcastSnapshot()
	for _, ev := range events {
		s.dispatch(ev)
	}
}

// dispatch turns a domain event into the targeted protocol message(s) the
// snapshot broadcast does not cover.
func (s *Session) dispatch(ev room.Event) {
	switch ev.Type {
	case room.EvtVoteSubmitted:
		// Who voted is public, the value stays sealed until reveal.
		s.broadcastExcept(ev.UserID, protocol.ServerMessage{
			Type:   protocol.TypeVoteSubmitted,
			UserID: ev.UserID,
		})

	case room.EvtVotesRevealed:
		s.broadcast(protocol.ServerMessage{Type: protocol.TypeVotesRevealed, Votes: ev.Votes})

	case room.EvtRoundStarted:
		s.broadcast(protocol.ServerMessage{Type: protocol.TypeVotingStarted})

	case room.EvtRoundEnded:
		s.broadcast(protocol.ServerMessage{Type: protocol.TypeVotingEnded})

	case room.EvtUserLeft:
		s.broadcast(protocol.ServerMessage{Type: protocol.TypeUserLeft, UserID: ev.UserID})

	case room.EvtHostTransferred:
		s.send(ev.UserID, protocol.ServerMessage{Type: protocol.TypeHostTransferred})
		s.log.Info("host transferred", zap.String("user", ev.UserID))
	}
}

func (s *Session) commit(next room.Room) {
	s.state = next
	s.users.Store(int64(len(next.Users)))
	if next.Empty() {
		if s.idleSince.Load() == 0 {
			s.idleSince.Store(time.Now().UnixNano())
		}
	} else {
		s.idleSince.Store(0)
	}
}

// reject surfaces a precondition failure to the caller only. State is
// untouched and nothing reaches the rest of the room.
func (s *Session) reject(ch chan protocol.ServerMessage, cmd room.Command, err error) {
	s.log.Debug("command rejected",
		zap.String("cmd", string(cmd.Type)),
		zap.String("user", cmd.UserID),
		zap.Error(err))
	if ch == nil {
		return
	}
	select {
	case ch <- protocol.ServerMessage{Type: protocol.TypeError, Error: err.Error()}:
	default:
	}
}

// broadcastSnapshot sends each subscriber its own view of the room, so no
// one learns another user's vote before the reveal.
func (s *Session) broadcastSnapshot() {
	for id := range s.clients {
		snap := s.state.ViewFor(id)
		s.trySend(id, protocol.ServerMessage{Type: protocol.TypeRoomUpdated, Room: &snap})
	}
}

func (s *Session) broadcast(msg protocol.ServerMessage) {
	for id := range s.clients {
		s.trySend(id, msg)
	}
}

func (s *Session) broadcastExcept(skipID string, msg protocol.ServerMessage) {
	for id := range s.clients {
		if id == skipID {
			continue
		}
		s.trySend(id, msg)
	}
}

func (s *Session) send(id string, msg protocol.ServerMessage) {
	if _, ok := s.clients[id]; ok {
		s.trySend(id, msg)
	}
}

func (s *Session) trySend(id string, msg protocol.ServerMessage) {
	ch := s.clients[id]
	select {
	case ch <- msg:
	default:
		// Outbox full: the consumer stopped draining. Drop the
		// subscription; the connection notices on its next read.
		close(ch)
		delete(s.clients, id)
		s.log.Warn("dropping slow client", zap.String("user", id))
	}
}

func (s *Session) shutdown() {
	for id, ch := range s.clients {
		close(ch)
		delete(s.clients, id)
	}
	s.cancel()
}
