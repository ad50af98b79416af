/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package trivia

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Choice is one of the two selectable labels of a round.
type Choice string

const (
	ChoiceA Choice = "A"
	ChoiceB Choice = "B"
)

var choices = []Choice{ChoiceA, ChoiceB}

func (c Choice) valid() bool {
	return c == ChoiceA || c == ChoiceB
}

// Inbound message types.
const (
	typeIdentify   = "IDENTIFY"
	typeHostLobby  = "HOST_LOBBY"
	typeJoinRoom   = "JOIN_ROOM"
	typePlay       = "PLAY"
	typeSendMsg    = "SEND_MSG"
	typeSetName    = "SET_NAME"
	typeLeaveLobby = "LEAVE_LOBBY"
	typeAnswer     = "ANSWER"
)

// Intent is an inbound client request. The set of intents is closed:
// only the types in this file implement it.
type Intent interface {
	intent()
}

type Identify struct {
	PID string `json:"pid"`
}

type HostLobby struct{}

type JoinRoom struct {
	Room string `json:"room"`
}

type Play struct{}

type SendMsg struct {
	Payload json.RawMessage `json:"payload"`
}

type SetName struct {
	Name string `json:"name"`
}

type LeaveLobby struct{}

type Answer struct {
	Choice Choice `json:"choice"`
}

// Disconnect is produced by the transport when a connection closes.
type Disconnect struct{}

func (Identify) intent()   {}
func (HostLobby) intent()  {}
func (JoinRoom) intent()   {}
func (Play) intent()       {}
func (SendMsg) intent()    {}
func (SetName) intent()    {}
func (LeaveLobby) intent() {}
func (Answer) intent()     {}
func (Disconnect) intent() {}

var ErrUnknownType = errors.New("unknown message type")

// DecodeIntent parses a raw client frame of the form {"type": ..., ...}.
func DecodeIntent(data []byte) (Intent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	var in Intent
	var err error

	switch envelope.Type {
	case typeIdentify:
		var m Identify
		err = json.Unmarshal(data, &m)
		in = m
	case typeHostLobby:
		in = HostLobby{}
	case typeJoinRoom:
		var m JoinRoom
		err = json.Unmarshal(data, &m)
		in = m
	case typePlay:
		in = Play{}
	case typeSendMsg:
		var m SendMsg
		err = json.Unmarshal(data, &m)
		in = m
	case typeSetName:
		var m SetName
		err = json.Unmarshal(data, &m)
		in = m
	case typeLeaveLobby:
		in = LeaveLobby{}
	case typeAnswer:
		var m Answer
		err = json.Unmarshal(data, &m)
		in = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", envelope.Type, err)
	}

	return in, nil
}

// Error codes carried by *_ERROR notices.
const (
	ErrCodeAlreadyInRoom         = "ALREADY_IN_ROOM"
	ErrCodeRoomNotFound          = "ROOM_NOT_FOUND"
	ErrCodeRoomPlaying           = "ROOM_PLAYING"
	ErrCodeNotHost               = "NOT_HOST"
	ErrCodeCannotLeaveDuringGame = "CANNOT_LEAVE_DURING_GAME"
)

// Outbound notices. Every notice carries its own "type" tag.

type HostedMessage struct {
	Type string `json:"type"` // "HOSTED"
	Room string `json:"room"`
}

type ErrorMessage struct {
	Type  string `json:"type"` // "HOST_ERROR", "JOIN_ERROR", "PLAY_ERROR", "LEAVE_ERROR"
	Error string `json:"error"`
}

type PlayerEntry struct {
	PID    string `json:"pid"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
	IsHost bool   `json:"isHost"`
}

type PlayerListMessage struct {
	Type       string        `json:"type"` // "PLAYER_LIST"
	Players    []PlayerEntry `json:"players"`
	Room       string        `json:"room"`
	LobbyState LobbyState    `json:"lobbyState"`
}

// SimpleMessage is for payload-less notices ("LEFT_ROOM", "HOST_TRANSFERRED", "PLAYING").
type SimpleMessage struct {
	Type string `json:"type"`
}

type RoundStartMessage struct {
	Type    string   `json:"type"` // "ROUND_START"
	Round   int      `json:"round"`
	Choices []Choice `json:"choices"`
}

type LeaderboardEntry struct {
	PID   string `json:"pid"`
	Name  string `json:"name"`
	Score int    `json:"score"`
}

type LeaderboardUpdateMessage struct {
	Type        string             `json:"type"` // "LEADERBOARD_UPDATE"
	Round       int                `json:"round"`
	Answers     []Choice           `json:"answers"`
	Result      []Choice           `json:"result"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
}

type GameOverMessage struct {
	Type        string             `json:"type"` // "GAME_OVER"
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
}

type ReconnectedMessage struct {
	Type        string             `json:"type"` // "RECONNECTED"
	Room        string             `json:"room"`
	Round       int                `json:"round"`
	Scores      map[string]int     `json:"scores"`
	Answers     []Choice           `json:"answers"`
	Result      []Choice           `json:"result"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
}

type RecvMsgMessage struct {
	Type    string          `json:"type"` // "RECV_MSG"
	From    string          `json:"from"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// Record is one finished game, as appended to the history log.
type Record struct {
	Code        string              `json:"code"`
	DateStarted time.Time           `json:"dateStarted"`
	DateEnded   time.Time           `json:"dateEnded"`
	Scores      map[string]int      `json:"scores"`
	Answers     map[string][]Choice `json:"answers"`
	Result      []Choice            `json:"result"`
}
