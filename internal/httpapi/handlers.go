package httpapi

import (
	"crypto/rand"
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/planpoker/poker-room-backend/internal/registry"
	"github.com/planpoker/poker-room-backend/internal/session"
)

const stateTimeout = 2 * time.Second

func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := 0; i < 6; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

// CreateRoom mints an unused room code and pre-creates the room, so a
// client can share the code before anyone connects.
func CreateRoom(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var code string
		for {
			c, err := GenerateCode()
			if err != nil {
				http.Error(w, "failed to generate code", http.StatusInternalServerError)
				return
			}
			reply := make(chan *session.Session, 1)
			reg.Inbox() <- registry.Get{RoomID: c, Reply: reply}
			if <-reply == nil {
				code = c
				break
			}
		}

		reply := make(chan *session.Session, 1)
		reg.Inbox() <- registry.Ensure{RoomID: code, Reply: reply}
		if <-reply == nil {
			http.Error(w, "failed to create room", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(struct {
			Code string `json:"code"`
		}{Code: code})
	}
}

// GetRoom returns the current snapshot of a live room.
func GetRoom(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomID")

		reply := make(chan *session.Session, 1)
		reg.Inbox() <- registry.Get{RoomID: roomID, Reply: reply}
		sn := <-reply
		if sn == nil {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		stateReply := make(chan session.View, 1)
		sn.Inbox() <- session.GetState{Reply: stateReply}
		select {
		case view := <-stateReply:
			w.Header().Set("Content-Type", "application/json")
			// Anonymous read: unrevealed votes stay hidden.
			_ = json.NewEncoder(w).Encode(view.Room.ViewFor(""))
		case <-time.After(stateTimeout):
			http.Error(w, "room not found", http.StatusNotFound)
		}
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
