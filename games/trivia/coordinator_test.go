/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package trivia

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostJoinPlayAnswer(t *testing.T) {
	h := newHarness(t)
	host := h.connect("H")
	player := h.connect("P")

	code := h.hostRoom(host, player)
	assert.Regexp(t, `^[A-Z0-9]{4}$`, code)

	var list PlayerListMessage
	player.last(t, "PLAYER_LIST", &list)
	require.Len(t, list.Players, 2)
	assert.Equal(t, "H", list.Players[0].PID)
	assert.True(t, list.Players[0].IsHost)
	assert.False(t, list.Players[1].IsHost)
	assert.Equal(t, LobbyOpen, list.LobbyState)

	h.do(host, Play{})

	for _, conn := range []*recordingConn{host, player} {
		types := conn.types()
		playing := slices.Index(types, "PLAYING")
		start := slices.Index(types, "ROUND_START")
		require.NotEqual(t, -1, playing)
		require.Greater(t, start, playing)

		var rs RoundStartMessage
		conn.last(t, "ROUND_START", &rs)
		assert.Equal(t, 0, rs.Round)
		assert.Equal(t, []Choice{ChoiceA, ChoiceB}, rs.Choices)
	}

	h.do(host, Answer{Choice: ChoiceA})

	room := h.c.rooms.Get(code)
	require.NotNil(t, room)
	assert.True(t, room.RoundActive, "round must wait for the remaining active player")
	assert.Zero(t, host.count("LEADERBOARD_UPDATE"))

	h.do(player, Answer{Choice: ChoiceB})

	assert.False(t, room.RoundActive)
	assert.Equal(t, 1, room.Round)

	winner, loser := "H", "P"
	if room.Results[0] == ChoiceB {
		winner, loser = "P", "H"
	}

	var update LeaderboardUpdateMessage
	host.last(t, "LEADERBOARD_UPDATE", &update)
	assert.Equal(t, 0, update.Round)
	assert.Equal(t, []Choice{ChoiceA}, update.Answers)
	assert.Equal(t, room.Results, update.Result)
	require.Len(t, update.Leaderboard, 2)
	assert.Equal(t, LeaderboardEntry{PID: winner, Name: h.c.players.Get(winner).Name, Score: 1}, update.Leaderboard[0])
	assert.Equal(t, loser, update.Leaderboard[1].PID)
	assert.Equal(t, 0, update.Leaderboard[1].Score)

	player.last(t, "LEADERBOARD_UPDATE", &update)
	assert.Equal(t, []Choice{ChoiceB}, update.Answers)

	require.Equal(t, 1, h.sched.pending())
	assert.Equal(t, DefaultRoundDelay, h.sched.delays[0])

	h.fireTimers()

	var rs RoundStartMessage
	player.last(t, "ROUND_START", &rs)
	assert.Equal(t, 1, rs.Round)
	assert.True(t, room.RoundActive)
}

func TestPreconditionErrors(t *testing.T) {
	h := newHarness(t)
	host := h.connect("H")
	guest := h.connect("G")
	late := h.connect("L")

	code := h.hostRoom(host, guest)

	var msg ErrorMessage

	h.do(host, HostLobby{})
	host.last(t, "HOST_ERROR", &msg)
	assert.Equal(t, ErrCodeAlreadyInRoom, msg.Error)

	h.do(guest, JoinRoom{Room: code})
	guest.last(t, "JOIN_ERROR", &msg)
	assert.Equal(t, ErrCodeAlreadyInRoom, msg.Error)

	h.do(late, JoinRoom{Room: "ZZZZ"})
	late.last(t, "JOIN_ERROR", &msg)
	assert.Equal(t, ErrCodeRoomNotFound, msg.Error)

	h.do(guest, Play{})
	guest.last(t, "PLAY_ERROR", &msg)
	assert.Equal(t, ErrCodeNotHost, msg.Error)
	assert.Equal(t, LobbyOpen, h.c.rooms.Get(code).State)

	h.do(host, Play{})

	h.do(late, JoinRoom{Room: code})
	late.last(t, "JOIN_ERROR", &msg)
	assert.Equal(t, ErrCodeRoomPlaying, msg.Error)

	h.do(guest, LeaveLobby{})
	guest.last(t, "LEAVE_ERROR", &msg)
	assert.Equal(t, ErrCodeCannotLeaveDuringGame, msg.Error)
	assert.Len(t, h.c.rooms.Get(code).Players, 2)
}

func TestJoinNormalizesCode(t *testing.T) {
	h := newHarness(t)
	host := h.connect("H")
	guest := h.connect("G")
	other := h.connect("O")

	code := h.hostRoom(host)

	h.do(guest, JoinRoom{Room: "  " + code + " "})
	assert.Equal(t, code, h.c.players.Get("G").Room)

	h.do(other, JoinRoom{Room: strings.ToLower(code)})
	assert.Equal(t, code, h.c.players.Get("O").Room)

	assert.Len(t, h.c.rooms.Get(code).Players, 3)
}

func TestLeaveTransfersHost(t *testing.T) {
	h := newHarness(t)
	host := h.connect("H")
	second := h.connect("S")
	third := h.connect("T")

	code := h.hostRoom(host, second, third)

	h.do(host, LeaveLobby{})

	assert.Equal(t, 1, host.count("LEFT_ROOM"))
	assert.Equal(t, 1, second.count("HOST_TRANSFERRED"))
	assert.Zero(t, third.count("HOST_TRANSFERRED"))
	assert.Empty(t, h.c.players.Get("H").Room)

	room := h.c.rooms.Get(code)
	require.NotNil(t, room)
	assert.Equal(t, "S", room.Host().PID)

	var list PlayerListMessage
	third.last(t, "PLAYER_LIST", &list)
	require.Len(t, list.Players, 2)
	assert.Equal(t, "S", list.Players[0].PID)
	assert.True(t, list.Players[0].IsHost)

	h.do(third, LeaveLobby{})
	assert.Zero(t, second.count("LEFT_ROOM"))
	assert.Equal(t, 1, second.count("HOST_TRANSFERRED"))

	h.do(second, LeaveLobby{})
	assert.Nil(t, h.c.rooms.Get(code), "empty room must be destroyed")

	h.do(host, HostLobby{})
	assert.Equal(t, 2, host.count("HOSTED"))
}

func TestDisconnectMidRoundClosesRound(t *testing.T) {
	h := newHarness(t)
	host := h.connect("H")
	player := h.connect("P")

	code := h.hostRoom(host, player)
	h.do(host, Play{})
	h.do(host, Answer{Choice: ChoiceA})

	room := h.c.rooms.Get(code)
	require.True(t, room.RoundActive)

	h.do(player, Disconnect{})

	assert.False(t, room.RoundActive)
	assert.Equal(t, 1, room.Round)
	assert.Len(t, room.Answers["P"], 1, "missing answer must be synthesized")
	assert.Contains(t, []Choice{ChoiceA, ChoiceB}, room.Answers["P"][0])

	var list PlayerListMessage
	host.last(t, "PLAYER_LIST", &list)
	require.Len(t, list.Players, 2)
	assert.Equal(t, "P", list.Players[1].PID)
	assert.False(t, list.Players[1].Active)

	assert.Equal(t, 1, host.count("LEADERBOARD_UPDATE"))
}

func TestAllActivePlayersLeaveMidRound(t *testing.T) {
	h := newHarness(t)
	host := h.connect("H")
	player := h.connect("P")

	code := h.hostRoom(host, player)
	h.do(host, Play{})

	room := h.c.rooms.Get(code)

	h.do(host, Disconnect{})
	assert.True(t, room.RoundActive, "an active player is still missing")

	h.do(player, Disconnect{})
	assert.False(t, room.RoundActive)
	assert.Len(t, room.Answers["H"], 1)
	assert.Len(t, room.Answers["P"], 1)

	// With nobody connected every later round closes as soon as it opens.
	for i := 0; i < 2*DefaultMaxRounds && h.sched.pending() > 0; i++ {
		h.fireTimers()
	}

	record := h.sink.next(t)
	assert.Equal(t, code, record.Code)
	assert.Len(t, record.Result, DefaultMaxRounds)
	assert.Len(t, record.Answers["H"], DefaultMaxRounds)
	assert.Len(t, record.Answers["P"], DefaultMaxRounds)
	assert.Nil(t, h.c.rooms.Get(code))
}

func TestReconnectReceivesSnapshot(t *testing.T) {
	h := newHarness(t)
	host := h.connect("H")
	player := h.connect("P")

	code := h.hostRoom(host, player)
	h.do(host, Play{})
	h.do(host, Answer{Choice: ChoiceA})
	h.do(player, Answer{Choice: ChoiceA})
	h.fireTimers()

	h.do(player, Disconnect{})
	h.do(host, Answer{Choice: ChoiceB})

	room := h.c.rooms.Get(code)
	require.Equal(t, 2, room.Round)

	again := h.connect("P")

	var snap ReconnectedMessage
	again.last(t, "RECONNECTED", &snap)
	assert.Equal(t, code, snap.Room)
	assert.Equal(t, room.Round, snap.Round)
	assert.Equal(t, room.Scores, snap.Scores)
	assert.Equal(t, room.Answers["P"], snap.Answers)
	assert.Len(t, snap.Answers, 2)
	assert.Equal(t, ChoiceA, snap.Answers[0])
	assert.Equal(t, room.Results, snap.Result)
	assert.Equal(t, leaderboard(room), snap.Leaderboard)

	var list PlayerListMessage
	host.last(t, "PLAYER_LIST", &list)
	assert.True(t, list.Players[1].Active)

	h.fireTimers()
	var rs RoundStartMessage
	again.last(t, "ROUND_START", &rs)
	assert.Equal(t, 2, rs.Round)
}

func TestFullGame(t *testing.T) {
	h := newHarness(t)
	host := h.connect("H")
	player := h.connect("P")

	code := h.hostRoom(host, player)
	h.do(host, Play{})

	room := h.c.rooms.Get(code)
	for round := 0; round < DefaultMaxRounds; round++ {
		require.Equal(t, round, room.Round)
		h.do(host, Answer{Choice: ChoiceA})
		h.do(player, Answer{Choice: ChoiceB})
		h.fireTimers()
	}

	assert.Nil(t, h.c.rooms.Get(code))
	assert.Equal(t, DefaultMaxRounds, host.count("LEADERBOARD_UPDATE"))
	assert.Equal(t, DefaultMaxRounds, player.count("ROUND_START"))

	var over GameOverMessage
	player.last(t, "GAME_OVER", &over)
	require.Len(t, over.Leaderboard, 2)
	assert.Equal(t, DefaultMaxRounds, over.Leaderboard[0].Score+over.Leaderboard[1].Score)

	record := h.sink.next(t)
	assert.Equal(t, code, record.Code)
	assert.Len(t, record.Result, DefaultMaxRounds)
	for _, pid := range []string{"H", "P"} {
		assert.Len(t, record.Answers[pid], len(record.Result))
	}
	assert.Equal(t, h.now, record.DateEnded)

	wins := 0
	for _, r := range record.Result {
		if r == ChoiceA {
			wins++
		}
	}
	assert.Equal(t, wins, record.Scores["H"])

	assert.Empty(t, h.c.players.Get("H").Room)
	h.do(host, HostLobby{})
	assert.Equal(t, 2, host.count("HOSTED"))
}

func TestAnswersAreFirstWriteOnly(t *testing.T) {
	h := newHarness(t)
	host := h.connect("H")
	player := h.connect("P")

	code := h.hostRoom(host, player)

	h.do(host, Answer{Choice: ChoiceA})
	room := h.c.rooms.Get(code)
	assert.Empty(t, room.Answers["H"], "no round is running yet")

	h.do(host, Play{})
	h.do(host, Answer{Choice: "C"})
	assert.Empty(t, room.Answers["H"])

	h.do(host, Answer{Choice: ChoiceB})
	h.do(host, Answer{Choice: ChoiceA})
	assert.Equal(t, []Choice{ChoiceB}, room.Answers["H"])
	assert.True(t, room.RoundActive)

	h.do(player, Answer{Choice: ChoiceA})
	h.do(player, Answer{Choice: ChoiceB})
	assert.Equal(t, []Choice{ChoiceA}, room.Answers["P"])
	assert.Equal(t, 1, host.count("LEADERBOARD_UPDATE"))
}

func TestPlayIgnoredOncePlaying(t *testing.T) {
	h := newHarness(t)
	host := h.connect("H")

	code := h.hostRoom(host)
	h.do(host, Play{})
	h.do(host, Play{})

	assert.Equal(t, 1, host.count("PLAYING"))
	assert.Len(t, h.c.rooms.Get(code).Results, 1)
}

func TestStaleTimersAreNoops(t *testing.T) {
	h := newHarness(t)
	host := h.connect("H")

	code := h.hostRoom(host)
	h.do(host, Play{})
	h.do(host, Answer{Choice: ChoiceA})
	require.Equal(t, 1, h.sched.pending())

	h.c.rooms.Destroy(code)
	fresh := h.connect("F")
	replacement := h.c.rooms.Create(code, h.c.players.Get("F"))

	host.reset()
	h.fireTimers()

	assert.Empty(t, host.frames)
	assert.Empty(t, fresh.frames)
	assert.False(t, replacement.RoundActive)
	assert.Equal(t, LobbyOpen, replacement.State)
}

func TestSetName(t *testing.T) {
	h := newHarness(t)
	host := h.connect("H")
	guest := h.connect("G")
	h.hostRoom(host, guest)

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "plain", raw: "Ada", want: "Ada"},
		{name: "trimmed", raw: "   Grace  ", want: "Grace"},
		{name: "truncated", raw: "abcdefghijklmnopqrstuvwxyz", want: "abcdefghijklmnop"},
		{name: "runes", raw: "ééééééééééééééééééé", want: "éééééééééééééééé"},
		{name: "blank", raw: "   "},
		{name: "empty", raw: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guest.reset()
			h.do(guest, SetName{Name: tt.raw})

			got := h.c.players.Get("G").Name
			assert.NotEmpty(t, got)
			assert.LessOrEqual(t, utf8.RuneCountInString(got), maxNameLength)
			if tt.want != "" {
				assert.Equal(t, tt.want, got)
			} else {
				assert.Regexp(t, `^[A-Z][a-z]+[A-Z][a-z]+[1-9][0-9]{2}$`, got)
			}

			var list PlayerListMessage
			host.last(t, "PLAYER_LIST", &list)
			assert.Equal(t, got, list.Players[1].Name)
		})
	}
}

func TestSendMsg(t *testing.T) {
	h := newHarness(t)
	host := h.connect("H")
	guest := h.connect("G")
	loner := h.connect("L")
	h.hostRoom(host, guest)

	h.do(host, SetName{Name: "Hostess"})
	h.do(host, SendMsg{Payload: json.RawMessage(`{"text":"hi"}`)})

	assert.Zero(t, host.count("RECV_MSG"))
	require.Equal(t, 1, guest.count("RECV_MSG"))

	var recv RecvMsgMessage
	guest.last(t, "RECV_MSG", &recv)
	assert.Equal(t, "H", recv.From)
	assert.Equal(t, "Hostess", recv.Name)
	assert.JSONEq(t, `{"text":"hi"}`, string(recv.Payload))

	h.do(loner, SendMsg{Payload: json.RawMessage(`"anyone?"`)})
	assert.Equal(t, 1, guest.count("RECV_MSG"))
	assert.Empty(t, loner.frames)
}

func TestUnidentifiedIntentsAreDropped(t *testing.T) {
	h := newHarness(t)
	conn := &recordingConn{}

	h.do(conn, HostLobby{})
	h.do(conn, SetName{Name: "ghost"})
	h.do(conn, Disconnect{})

	assert.Empty(t, conn.frames)
	assert.Zero(t, h.c.rooms.Len())
	assert.Zero(t, h.c.players.Len())
}

func TestTakeoverKeepsNewestConnection(t *testing.T) {
	h := newHarness(t)
	first := h.connect("P")
	second := h.connect("P")

	p := h.c.players.Get("P")
	assert.Same(t, second, p.Conn)
	assert.Empty(t, second.frames, "takeover of an active player is silent")

	h.do(first, HostLobby{})
	assert.Empty(t, first.frames)
	assert.Empty(t, second.frames)

	h.do(first, Disconnect{})
	assert.True(t, p.Active, "closing a superseded connection must not deactivate the player")

	h.do(second, HostLobby{})
	assert.Equal(t, 1, second.count("HOSTED"))
}

func TestAbandonedLobbyIsClosed(t *testing.T) {
	h := newHarness(t)
	host := h.connect("H")
	guest := h.connect("G")
	code := h.hostRoom(host, guest)

	h.do(host, Disconnect{})
	require.NotNil(t, h.c.rooms.Get(code))

	h.do(guest, Disconnect{})
	assert.Nil(t, h.c.rooms.Get(code))

	again := h.connect("G")
	assert.Zero(t, again.count("RECONNECTED"))
	assert.Empty(t, h.c.players.Get("G").Room)
}

func TestSweepRemovesIdlePlayers(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.PlayerTimeout = 10 * time.Minute
		o.SessionTimeout = time.Hour
	})
	host := h.connect("H")
	guest := h.connect("G")
	code := h.hostRoom(host, guest)

	h.do(host, Disconnect{})

	h.advance(5 * time.Minute)
	h.c.sweep(h.now)
	assert.Len(t, h.c.rooms.Get(code).Players, 2)

	h.advance(6 * time.Minute)
	h.c.sweep(h.now)

	room := h.c.rooms.Get(code)
	require.NotNil(t, room)
	require.Len(t, room.Players, 1)
	assert.Equal(t, "G", room.Host().PID)
	assert.Equal(t, 1, guest.count("HOST_TRANSFERRED"))
	assert.Empty(t, h.c.players.Get("H").Room)

	h.advance(2 * time.Hour)
	h.c.sweep(h.now)
	assert.Nil(t, h.c.rooms.Get(code))
	assert.Equal(t, 1, guest.count("LEFT_ROOM"))
	assert.Empty(t, h.c.players.Get("G").Room)
}

func TestSweepSkipsGamesInProgress(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.PlayerTimeout = time.Minute
		o.SessionTimeout = time.Minute
	})
	host := h.connect("H")
	guest := h.connect("G")
	code := h.hostRoom(host, guest)
	h.do(host, Play{})
	h.do(guest, Disconnect{})

	h.advance(time.Hour)
	h.c.sweep(h.now)

	room := h.c.rooms.Get(code)
	require.NotNil(t, room)
	assert.Len(t, room.Players, 2)
}

func TestLeaderboardIsStable(t *testing.T) {
	players := []*Player{{PID: "a"}, {PID: "b"}, {PID: "c"}, {PID: "d"}, {PID: "e"}}
	room := &Room{
		Players: players,
		Scores:  map[string]int{"a": 1, "b": 3, "c": 1, "d": 3, "e": 0},
	}

	got := make([]string, 0, len(players))
	for _, e := range leaderboard(room) {
		got = append(got, e.PID)
	}

	assert.Equal(t, []string{"b", "d", "a", "c", "e"}, got)
}

func TestRunServesStats(t *testing.T) {
	c := New(Options{})

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- c.Run(ctx) }()

	conn := &recordingConn{}
	c.Submit(conn, Identify{PID: "P"})
	c.Submit(conn, HostLobby{})

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Rooms: 1, Players: 1, ActivePlayers: 1}, stats)

	cancel()
	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	_, err = c.Stats(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	// Submitting after shutdown must not block.
	c.Submit(conn, Disconnect{})
}
