// Package protocol holds the JSON wire types exchanged over the websocket.
// The Type discriminator carries the event names the existing clients speak.
package protocol

import "github.com/planpoker/poker-room-backend/internal/room"

// Client -> server.
const (
	TypeJoin      = "room:join"
	TypeLeave     = "room:leave"
	TypeVote      = "vote:submit"
	TypeReveal    = "votes:reveal"
	TypeStartVote = "voting:start"
	TypeEndVote   = "voting:end"
)

// Server -> client.
const (
	TypeRoomUpdated     = "room:updated"
	TypeUserJoined      = "user:joined"
	TypeUserLeft        = "user:left"
	TypeVoteSubmitted   = "vote:submitted"
	TypeVotesRevealed   = "votes:revealed"
	TypeVotingStarted   = "voting:started"
	TypeVotingEnded     = "voting:ended"
	TypeHostTransferred = "host:transferred"
	TypeError           = "error"
)

type ClientMessage struct {
	Type        string `json:"type"`
	RoomID      string `json:"roomId,omitempty"`
	UserName    string `json:"userName,omitempty"`
	IsSpectator bool   `json:"isSpectator,omitempty"`
	Vote        string `json:"vote,omitempty"`
}

type ServerMessage struct {
	Type   string            `json:"type"`
	Room   *room.Room        `json:"room,omitempty"`
	User   *room.User        `json:"user,omitempty"`
	UserID string            `json:"userId,omitempty"`
	Vote   string            `json:"vote,omitempty"`
	Votes  map[string]string `json:"votes,omitempty"`
	Error  string            `json:"error,omitempty"`
}
