/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package trivia

import (
	"math/rand/v2"
	"time"
)

// Conn is the outbound half of a client connection. Send must not block;
// delivery is best-effort.
type Conn interface {
	Send(data []byte)
}

// Player is keyed by the client-supplied pid and lives for the whole
// process, so a reload can resume a game in progress.
type Player struct {
	PID      string
	Name     string
	Room     string
	Active   bool
	LastSeen time.Time
	Conn     Conn
}

// Registry maps pids to players. It is owned by the Coordinator goroutine.
type Registry struct {
	players map[string]*Player
	rng     *rand.Rand
	now     func() time.Time
}

func NewRegistry(rng *rand.Rand, now func() time.Time) *Registry {
	return &Registry{
		players: make(map[string]*Player),
		rng:     rng,
		now:     now,
	}
}

func (r *Registry) Get(pid string) *Player {
	return r.players[pid]
}

func (r *Registry) Len() int {
	return len(r.players)
}

// Identify attaches conn to pid, creating the player on first sight.
// reconnected reports that a known but inactive player came back.
// An already active player has its old connection replaced.
func (r *Registry) Identify(pid string, conn Conn) (p *Player, reconnected bool) {
	now := r.now()

	p, ok := r.players[pid]
	if !ok {
		p = &Player{
			PID:      pid,
			Name:     defaultName(r.rng),
			Active:   true,
			LastSeen: now,
			Conn:     conn,
		}
		r.players[pid] = p

		return p, false
	}

	reconnected = !p.Active

	p.Conn = conn
	p.Active = true
	p.LastSeen = now

	return p, reconnected
}

// SetName applies a display name and returns what was stored.
func (r *Registry) SetName(pid, raw string) string {
	p, ok := r.players[pid]
	if !ok {
		return ""
	}

	name := normalizeName(raw)
	if name == "" {
		name = defaultName(r.rng)
	}
	p.Name = name

	return name
}

// MarkInactive detaches the connection but keeps the player in its room.
func (r *Registry) MarkInactive(pid string) {
	p, ok := r.players[pid]
	if !ok {
		return
	}

	p.Conn = nil
	p.Active = false
	p.LastSeen = r.now()
}

// send is a no-op for inactive or connectionless players.
func (p *Player) send(data []byte) {
	if p == nil || !p.Active || p.Conn == nil {
		return
	}
	p.Conn.Send(data)
}
