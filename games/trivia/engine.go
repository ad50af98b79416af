/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package trivia

import (
	"context"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"
)

const persistTimeout = 10 * time.Second

type timerKind int

const (
	timerNextRound timerKind = iota
	timerEndGame
)

func (k timerKind) String() string {
	if k == timerEndGame {
		return "end_game"
	}
	return "next_round"
}

// timerEvent is posted by a pacing timer. room and round pin the exact
// state the timer was armed for; anything else makes the firing a no-op.
type timerEvent struct {
	kind  timerKind
	code  string
	room  *Room
	round int
}

func (c *Coordinator) randomChoice() Choice {
	return choices[c.rng.IntN(len(choices))]
}

// startRound commits the expected answer and announces the round.
func (c *Coordinator) startRound(room *Room) {
	room.RoundActive = true
	room.LastActivity = c.now()
	room.Results = append(room.Results, c.randomChoice())

	c.logger.Debug("round started", zap.String("room", room.Code), zap.Int("round", room.Round))

	c.broadcast(room, RoundStartMessage{
		Type:    "ROUND_START",
		Round:   room.Round,
		Choices: choices,
	})

	// Nobody connected: nothing will ever arrive to close the round.
	if c.allAnswered(room) {
		c.endRound(room)
	}
}

// recordAnswer keeps the first valid answer per player per round.
func (c *Coordinator) recordAnswer(room *Room, pid string, choice Choice) bool {
	if !room.RoundActive || !choice.valid() {
		return false
	}

	answers, ok := room.Answers[pid]
	if !ok || len(answers) != room.Round {
		return false
	}

	room.Answers[pid] = append(answers, choice)
	room.LastActivity = c.now()

	return true
}

// allAnswered is the round barrier: every active member has an answer
// for the current round. Inactive members never hold it up.
func (c *Coordinator) allAnswered(room *Room) bool {
	for _, p := range room.Players {
		if !p.Active {
			continue
		}
		if len(room.Answers[p.PID]) <= room.Round {
			return false
		}
	}
	return true
}

func (c *Coordinator) endRound(room *Room) {
	if !room.RoundActive {
		return
	}
	room.RoundActive = false

	round := room.Round
	expected := room.Results[round]

	for _, p := range room.Players {
		answers := room.Answers[p.PID]
		for len(answers) <= round {
			answers = append(answers, c.randomChoice())
		}
		room.Answers[p.PID] = answers

		if answers[round] == expected {
			room.Scores[p.PID]++
		}
	}

	board := leaderboard(room)

	for _, p := range room.Players {
		c.send(p, LeaderboardUpdateMessage{
			Type:        "LEADERBOARD_UPDATE",
			Round:       round,
			Answers:     room.Answers[p.PID],
			Result:      room.Results,
			Leaderboard: board,
		})
	}

	room.Round++

	kind := timerNextRound
	if room.Round >= c.maxRounds {
		kind = timerEndGame
	}

	c.logger.Debug("round closed",
		zap.String("room", room.Code),
		zap.Int("round", round),
		zap.Stringer("next", kind),
	)

	c.schedule(room, kind)
}

func (c *Coordinator) schedule(room *Room, kind timerKind) {
	ev := timerEvent{
		kind:  kind,
		code:  room.Code,
		room:  room,
		round: room.Round,
	}

	c.sched.AfterFunc(c.roundDelay, func() {
		c.post(ev)
	})
}

func (c *Coordinator) fire(ev timerEvent) {
	room := c.rooms.Get(ev.code)
	if room == nil || room != ev.room || room.Round != ev.round || room.RoundActive || room.State != LobbyPlaying {
		c.logger.Debug("stale timer", zap.String("room", ev.code), zap.Stringer("kind", ev.kind))
		return
	}

	switch ev.kind {
	case timerNextRound:
		c.startRound(room)
	case timerEndGame:
		c.endGame(room)
	}
}

func (c *Coordinator) endGame(room *Room) {
	board := leaderboard(room)

	c.broadcast(room, GameOverMessage{
		Type:        "GAME_OVER",
		Leaderboard: board,
	})

	record := Record{
		Code:        room.Code,
		DateStarted: room.StartedAt,
		DateEnded:   c.now(),
		Scores:      maps.Clone(room.Scores),
		Answers:     make(map[string][]Choice, len(room.Answers)),
		Result:      slices.Clone(room.Results),
	}
	for pid, answers := range room.Answers {
		record.Answers[pid] = slices.Clone(answers)
	}

	c.logger.Info("game over", zap.String("room", room.Code), zap.Int("rounds", room.Round))

	c.persist(record)
	c.rooms.Destroy(room.Code)
}

// persist appends off the event loop; failures are only logged.
func (c *Coordinator) persist(record Record) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := c.sink.Append(ctx, record); err != nil {
			c.logger.Warn("storing game record", zap.String("room", record.Code), zap.Error(err))
		}
	}()
}

// leaderboard orders members by score, highest first. Ties keep join order.
func leaderboard(room *Room) []LeaderboardEntry {
	board := make([]LeaderboardEntry, 0, len(room.Players))
	for _, p := range room.Players {
		board = append(board, LeaderboardEntry{
			PID:   p.PID,
			Name:  p.Name,
			Score: room.Scores[p.PID],
		})
	}

	slices.SortStableFunc(board, func(a, b LeaderboardEntry) int {
		return b.Score - a.Score
	})

	return board
}

func (c *Coordinator) sweepInterval() time.Duration {
	var interval time.Duration
	for _, d := range []time.Duration{c.playerTimeout, c.sessionTimeout} {
		if d > 0 && (interval == 0 || d < interval) {
			interval = d
		}
	}
	return interval / 2
}

// sweep prunes open lobbies: members disconnected for longer than the
// player timeout are removed, and lobbies idle past the session timeout
// are closed. Games in progress are left alone.
func (c *Coordinator) sweep(now time.Time) {
	c.rooms.Each(func(room *Room) {
		if room.State != LobbyOpen {
			return
		}

		if c.sessionTimeout > 0 && now.Sub(room.LastActivity) > c.sessionTimeout {
			c.logger.Info("closing idle lobby", zap.String("room", room.Code))
			c.broadcast(room, SimpleMessage{Type: "LEFT_ROOM"})
			c.rooms.Destroy(room.Code)
			return
		}

		if c.playerTimeout <= 0 {
			return
		}

		changed := false
		for _, p := range slices.Clone(room.Players) {
			if p.Active || now.Sub(p.LastSeen) <= c.playerTimeout {
				continue
			}

			wasHost, emptied := c.rooms.RemovePlayer(room, p)
			c.logger.Info("removed idle player", zap.String("room", room.Code), zap.String("pid", p.PID))
			if emptied {
				return
			}
			if wasHost {
				c.send(room.Host(), SimpleMessage{Type: "HOST_TRANSFERRED"})
			}
			changed = true
		}

		if changed {
			c.broadcastPlayerList(room)
		}
	})
}
