package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/planpoker/poker-room-backend/internal/config"
	"github.com/planpoker/poker-room-backend/internal/protocol"
	"github.com/planpoker/poker-room-backend/internal/registry"
	"github.com/planpoker/poker-room-backend/internal/room"
	"github.com/planpoker/poker-room-backend/internal/session"
)

const writeTimeout = 3 * time.Second

type joinRequest struct {
	RoomID   string `validate:"required"`
	UserName string `validate:"required"`
}

// Handler upgrades the connection and runs its command loop. A connection
// starts unbound; the first successful room:join fixes its (room, user)
// binding for the rest of its life.
func Handler(reg *registry.Registry, cfg config.Config, log *zap.Logger) http.HandlerFunc {
	validate := validator.New()

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: cfg.AllowedOrigins,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		userID := uuid.NewString()
		out := make(chan protocol.ServerMessage, cfg.SessionBuffer)

		var sess *session.Session

		defer func() {
			if sess != nil {
				select {
				case sess.Inbox() <- session.Leave{UserID: userID}:
				case <-sess.Done():
				}
			}
		}()

		// Writer goroutine: drains the outbox until the session closes it
		// or the connection winds down.
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for {
				select {
				case <-writeCtx.Done():
					return
				case msg, ok := <-out:
					if !ok {
						return
					}
					payload, _ := json.Marshal(msg)
					ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
					_ = conn.Write(ctx, websocket.MessageText, payload)
					cancel()
				}
			}
		}()

		// Reader loop. No idle deadline: a connected-but-quiet user stays
		// in the room until the transport drops.
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				// Leave happens in the defer either way.
				return
			}

			var cm protocol.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				sendError(out, "bad json")
				continue
			}

			switch cm.Type {
			case protocol.TypeJoin:
				if sess != nil {
					sendError(out, "already joined a room")
					continue
				}
				if err := validate.Struct(joinRequest{RoomID: cm.RoomID, UserName: cm.UserName}); err != nil {
					sendError(out, "roomId and userName are required")
					continue
				}

				// The registry forwards the join itself, serialized against
				// any pending eviction of the same room.
				reply := make(chan *session.Session, 1)
				reg.Inbox() <- registry.Join{
					RoomID:    cm.RoomID,
					UserID:    userID,
					Name:      cm.UserName,
					Spectator: cm.IsSpectator,
					Outbox:    out,
					Reply:     reply,
				}
				sn := <-reply
				if sn == nil {
					sendError(out, "room unavailable")
					continue
				}
				sess = sn
				log.Debug("connection bound",
					zap.String("room", cm.RoomID),
					zap.String("user", userID))

			case protocol.TypeLeave:
				if sess == nil {
					sendError(out, "join a room first")
					continue
				}
				sn := sess
				sess = nil // the defer must not leave twice
				select {
				case sn.Inbox() <- session.Leave{UserID: userID}:
				case <-sn.Done():
				}
				return

			default:
				cmd, ok := toCommand(cm, userID)
				if !ok {
					sendError(out, "unknown type")
					continue
				}
				if sess == nil {
					sendError(out, "join a room first")
					continue
				}
				select {
				case sess.Inbox() <- session.FromClient{Cmd: cmd}:
				case <-sess.Done():
					sendError(out, "room closed")
					return
				}
			}
		}
	}
}

func toCommand(m protocol.ClientMessage, userID string) (room.Command, bool) {
	switch m.Type {
	case protocol.TypeVote:
		return room.Command{Type: room.CmdVote, UserID: userID, Value: m.Vote}, true
	case protocol.TypeReveal:
		return room.Command{Type: room.CmdReveal, UserID: userID}, true
	case protocol.TypeStartVote:
		return room.Command{Type: room.CmdStartRound, UserID: userID}, true
	case protocol.TypeEndVote:
		return room.Command{Type: room.CmdEndRound, UserID: userID}, true
	default:
		return room.Command{}, false
	}
}

// sendError is best-effort: an outbox too full for an error report is about
// to be dropped anyway.
func sendError(out chan protocol.ServerMessage, msg string) {
	select {
	case out <- protocol.ServerMessage{Type: protocol.TypeError, Error: msg}:
	default:
	}
}
