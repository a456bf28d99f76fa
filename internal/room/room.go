package room

import (
	"errors"
	"slices"
	"time"

	"github.com/samber/lo"
)

var ErrEmptyUserName = errors.New("user name required")
var ErrUnknownUser = errors.New("user not in room")
var ErrNotHost = errors.New("host privilege required")
var ErrSpectatorVote = errors.New("spectators cannot vote")
var ErrUnsupportedCommand = errors.New("unsupported command")

// DefaultVotingOptions is the fixed estimation deck shown to every room.
var DefaultVotingOptions = []string{"1", "2", "3", "5", "8", "13", "21", "?"}

type User struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	IsHost      bool    `json:"isHost"`
	Vote        *string `json:"vote"`
	IsSpectator bool    `json:"isSpectator"`
	JoinedAt    int64   `json:"joinedAt"`
}

// Room is the full state of one estimation session. Users keep join order,
// which is what host succession relies on.
type Room struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Users         []User   `json:"users"`
	IsVoting      bool     `json:"isVoting"`
	ShowVotes     bool     `json:"showVotes"`
	VotingOptions []string `json:"votingOptions"`
}

func New(id string) Room {
	return Room{
		ID:            id,
		Name:          "Room " + id,
		Users:         []User{},
		VotingOptions: DefaultVotingOptions,
	}
}

func (r Room) Empty() bool { return len(r.Users) == 0 }

// ViewFor is the snapshot as delivered to viewerID. Until the host
// reveals, everyone else's vote value is blanked; a voter always sees
// their own. An unknown viewer (or "") gets the fully blanked view.
func (r Room) ViewFor(viewerID string) Room {
	if r.ShowVotes {
		return r
	}
	view := r
	view.Users = slices.Clone(r.Users)
	for i := range view.Users {
		if view.Users[i].ID != viewerID {
			view.Users[i].Vote = nil
		}
	}
	return view
}

func (r Room) User(id string) (User, bool) {
	i := indexOf(r.Users, id)
	if i < 0 {
		return User{}, false
	}
	return r.Users[i], true
}

type CommandType string

const (
	CmdJoin       CommandType = "Join"
	CmdLeave      CommandType = "Leave"
	CmdVote       CommandType = "Vote"
	CmdReveal     CommandType = "Reveal"
	CmdStartRound CommandType = "StartRound"
	CmdEndRound   CommandType = "EndRound"
)

type Command struct {
	Type      CommandType
	UserID    string
	Name      string
	Spectator bool
	Value     string
}

type EventType string

const (
	EvtUserJoined      EventType = "UserJoined"
	EvtUserLeft        EventType = "UserLeft"
	EvtVoteSubmitted   EventType = "VoteSubmitted"
	EvtVotesRevealed   EventType = "VotesRevealed"
	EvtRoundStarted    EventType = "RoundStarted"
	EvtRoundEnded      EventType = "RoundEnded"
	EvtHostTransferred EventType = "HostTransferred"
)

type Event struct {
	Type   EventType
	User   User
	UserID string
	Value  string
	Votes  map[string]string
}

// Apply runs one command against the room and returns the events it caused
// plus the resulting state. The input room is never mutated; on error it is
// returned unchanged with no events.
func Apply(r Room, cmd Command) ([]Event, Room, error) {
	next := r
	next.Users = slices.Clone(r.Users)

	switch cmd.Type {
	case CmdJoin:
		if cmd.Name == "" {
			return nil, r, ErrEmptyUserName
		}
		u := User{
			ID:          cmd.UserID,
			Name:        cmd.Name,
			IsHost:      len(r.Users) == 0,
			IsSpectator: cmd.Spectator,
			JoinedAt:    time.Now().UnixMilli(),
		}
		next.Users = append(next.Users, u)
		return []Event{{Type: EvtUserJoined, User: u}}, next, nil

	case CmdVote:
		i := indexOf(next.Users, cmd.UserID)
		if i < 0 {
			return nil, r, ErrUnknownUser
		}
		if next.Users[i].IsSpectator {
			return nil, r, ErrSpectatorVote
		}
		v := cmd.Value
		next.Users[i].Vote = &v
		return []Event{{Type: EvtVoteSubmitted, UserID: cmd.UserID, Value: cmd.Value}}, next, nil

	case CmdReveal:
		if err := requireHost(next.Users, cmd.UserID); err != nil {
			return nil, r, err
		}
		next.ShowVotes = true
		voters := lo.Filter(next.Users, func(u User, _ int) bool { return u.Vote != nil })
		votes := lo.Associate(voters, func(u User) (string, string) { return u.ID, *u.Vote })
		return []Event{{Type: EvtVotesRevealed, Votes: votes}}, next, nil

	case CmdStartRound:
		if err := requireHost(next.Users, cmd.UserID); err != nil {
			return nil, r, err
		}
		next.IsVoting = true
		next.ShowVotes = false
		for i := range next.Users {
			next.Users[i].Vote = nil
		}
		return []Event{{Type: EvtRoundStarted}}, next, nil

	case CmdEndRound:
		if err := requireHost(next.Users, cmd.UserID); err != nil {
			return nil, r, err
		}
		next.IsVoting = false
		return []Event{{Type: EvtRoundEnded}}, next, nil

	case CmdLeave:
		i := indexOf(next.Users, cmd.UserID)
		if i < 0 {
			return nil, r, ErrUnknownUser
		}
		wasHost := next.Users[i].IsHost
		next.Users = slices.Delete(next.Users, i, i+1)

		events := []Event{{Type: EvtUserLeft, UserID: cmd.UserID}}
		if wasHost {
			// Earliest-joined non-spectator takes over. Spectator-only rooms
			// stay hostless until they empty out.
			eligible := lo.Filter(next.Users, func(u User, _ int) bool { return !u.IsSpectator })
			if len(eligible) > 0 {
				j := indexOf(next.Users, eligible[0].ID)
				next.Users[j].IsHost = true
				events = append(events, Event{Type: EvtHostTransferred, UserID: eligible[0].ID})
			}
		}
		return events, next, nil

	default:
		return nil, r, ErrUnsupportedCommand
	}
}

func indexOf(users []User, id string) int {
	return slices.IndexFunc(users, func(u User) bool { return u.ID == id })
}

func requireHost(users []User, id string) error {
	i := indexOf(users, id)
	if i < 0 {
		return ErrUnknownUser
	}
	if !users[i].IsHost {
		return ErrNotHost
	}
	return nil
}
