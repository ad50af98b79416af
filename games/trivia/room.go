/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package trivia

import (
	"math/rand/v2"
	"slices"
	"time"
)

type LobbyState string

const (
	LobbyOpen    LobbyState = "open"
	LobbyPlaying LobbyState = "playing"
)

const (
	codeLength   = 4
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Room is one lobby and, once started, its game. The host is always
// Players[0]; it is never stored separately.
type Room struct {
	Code         string
	Players      []*Player
	State        LobbyState
	Round        int
	RoundActive  bool
	Scores       map[string]int
	Answers      map[string][]Choice
	Results      []Choice
	StartedAt    time.Time
	LastActivity time.Time
}

func (r *Room) Host() *Player {
	if len(r.Players) == 0 {
		return nil
	}
	return r.Players[0]
}

func (r *Room) IsHost(p *Player) bool {
	return r.Host() == p
}

func (r *Room) indexOf(p *Player) int {
	return slices.Index(r.Players, p)
}

func (r *Room) activeCount() int {
	n := 0
	for _, p := range r.Players {
		if p.Active {
			n++
		}
	}
	return n
}

// Store holds every live room by code. It is owned by the Coordinator goroutine.
type Store struct {
	rooms map[string]*Room
	rng   *rand.Rand
	now   func() time.Time
}

func NewStore(rng *rand.Rand, now func() time.Time) *Store {
	return &Store{
		rooms: make(map[string]*Room),
		rng:   rng,
		now:   now,
	}
}

func (s *Store) Get(code string) *Room {
	return s.rooms[code]
}

func (s *Store) Len() int {
	return len(s.rooms)
}

// Each calls fn for every live room. fn may destroy the room it is given.
func (s *Store) Each(fn func(*Room)) {
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	for _, r := range rooms {
		fn(r)
	}
}

// GenerateCode draws codes until it finds one no live room uses.
func (s *Store) GenerateCode() string {
	buf := make([]byte, codeLength)
	for {
		for i := range buf {
			buf[i] = codeAlphabet[s.rng.IntN(len(codeAlphabet))]
		}
		code := string(buf)

		if _, exists := s.rooms[code]; !exists {
			return code
		}
	}
}

// Create opens a lobby with host as its only member.
func (s *Store) Create(code string, host *Player) *Room {
	now := s.now()

	room := &Room{
		Code:         code,
		Players:      []*Player{host},
		State:        LobbyOpen,
		Scores:       make(map[string]int),
		Answers:      make(map[string][]Choice),
		StartedAt:    now,
		LastActivity: now,
	}
	s.rooms[code] = room
	host.Room = code

	return room
}

func (s *Store) AddPlayer(room *Room, p *Player) {
	room.Players = append(room.Players, p)
	room.LastActivity = s.now()
	p.Room = room.Code
}

// RemovePlayer drops p from room. wasHost reports that p was Players[0]
// and someone else now is; emptied reports that the room was deleted.
func (s *Store) RemovePlayer(room *Room, p *Player) (wasHost, emptied bool) {
	idx := room.indexOf(p)
	if idx == -1 {
		return false, false
	}

	room.Players = slices.Delete(room.Players, idx, idx+1)
	room.LastActivity = s.now()
	if p.Room == room.Code {
		p.Room = ""
	}

	if len(room.Players) == 0 {
		s.Destroy(room.Code)
		return false, true
	}

	return idx == 0, false
}

// Destroy removes the room and releases every member still pointing at it.
func (s *Store) Destroy(code string) {
	room, ok := s.rooms[code]
	if !ok {
		return
	}

	for _, p := range room.Players {
		if p.Room == code {
			p.Room = ""
		}
	}
	delete(s.rooms, code)
}
