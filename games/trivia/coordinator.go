/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package trivia

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaxRounds  = 10
	DefaultRoundDelay = 5 * time.Second

	eventQueueSize = 256
)

var ErrClosed = errors.New("coordinator closed")

// Scheduler runs f once after d. Scheduled work cannot be cancelled.
type Scheduler interface {
	AfterFunc(d time.Duration, f func())
}

type SchedulerFunc func(d time.Duration, f func())

func (fn SchedulerFunc) AfterFunc(d time.Duration, f func()) {
	fn(d, f)
}

// TimeScheduler schedules on the runtime timer heap.
var TimeScheduler = SchedulerFunc(func(d time.Duration, f func()) {
	time.AfterFunc(d, f)
})

type Options struct {
	Logger    *zap.Logger
	Sink      Sink
	Scheduler Scheduler
	Rand      *rand.Rand
	Now       func() time.Time

	MaxRounds  int
	RoundDelay time.Duration

	// PlayerTimeout removes disconnected members from open lobbies.
	// SessionTimeout closes open lobbies without activity. Zero disables either.
	PlayerTimeout  time.Duration
	SessionTimeout time.Duration
}

type Stats struct {
	Rooms         int `json:"rooms"`
	PlayingRooms  int `json:"playingRooms"`
	Players       int `json:"players"`
	ActivePlayers int `json:"activePlayers"`
}

type clientEvent struct {
	conn   Conn
	intent Intent
}

type statsRequest struct {
	reply chan Stats
}

// Coordinator owns every player and room. All mutation happens on the
// goroutine running Run, one event at a time.
type Coordinator struct {
	logger *zap.Logger
	sink   Sink
	sched  Scheduler
	rng    *rand.Rand
	now    func() time.Time

	maxRounds      int
	roundDelay     time.Duration
	playerTimeout  time.Duration
	sessionTimeout time.Duration

	players *Registry
	rooms   *Store
	conns   map[Conn]string

	events chan any
	done   chan struct{}
}

func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sink == nil {
		opts.Sink = NopSink{}
	}
	if opts.Scheduler == nil {
		opts.Scheduler = TimeScheduler
	}
	if opts.Rand == nil {
		opts.Rand = newRand()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = DefaultMaxRounds
	}
	if opts.RoundDelay < 0 {
		opts.RoundDelay = 0
	}

	return &Coordinator{
		logger:         opts.Logger,
		sink:           opts.Sink,
		sched:          opts.Scheduler,
		rng:            opts.Rand,
		now:            opts.Now,
		maxRounds:      opts.MaxRounds,
		roundDelay:     opts.RoundDelay,
		playerTimeout:  opts.PlayerTimeout,
		sessionTimeout: opts.SessionTimeout,
		players:        NewRegistry(opts.Rand, opts.Now),
		rooms:          NewStore(opts.Rand, opts.Now),
		conns:          make(map[Conn]string),
		events:         make(chan any, eventQueueSize),
		done:           make(chan struct{}),
	}
}

func newRand() *rand.Rand {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		return rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	return rand.New(rand.NewChaCha8(seed))
}

// Run processes events until ctx is done. It must be called exactly once.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)

	var sweeps <-chan time.Time
	if interval := c.sweepInterval(); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		sweeps = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.handle(ev)
		case <-sweeps:
			c.sweep(c.now())
		}
	}
}

// Submit queues an intent from conn. It blocks while the queue is full and
// returns immediately once the coordinator has stopped.
func (c *Coordinator) Submit(conn Conn, in Intent) {
	c.post(clientEvent{conn: conn, intent: in})
}

func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)

	select {
	case c.events <- statsRequest{reply: reply}:
	case <-c.done:
		return Stats{}, ErrClosed
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}

	select {
	case s := <-reply:
		return s, nil
	case <-c.done:
		return Stats{}, ErrClosed
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (c *Coordinator) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Coordinator) handle(ev any) {
	switch ev := ev.(type) {
	case clientEvent:
		c.dispatch(ev.conn, ev.intent)
	case timerEvent:
		c.fire(ev)
	case statsRequest:
		ev.reply <- c.stats()
	}
}

func (c *Coordinator) stats() Stats {
	s := Stats{
		Rooms:   c.rooms.Len(),
		Players: c.players.Len(),
	}
	c.rooms.Each(func(r *Room) {
		if r.State == LobbyPlaying {
			s.PlayingRooms++
		}
	})
	for _, p := range c.players.players {
		if p.Active {
			s.ActivePlayers++
		}
	}
	return s
}

func (c *Coordinator) dispatch(conn Conn, in Intent) {
	switch in := in.(type) {
	case Identify:
		c.identify(conn, in.PID)
		return
	case Disconnect:
		c.disconnect(conn)
		return
	}

	p := c.playerFor(conn)
	if p == nil {
		c.logger.Debug("dropped intent from unidentified connection")
		return
	}

	switch in := in.(type) {
	case HostLobby:
		c.hostLobby(p)
	case JoinRoom:
		c.joinRoom(p, in.Room)
	case Play:
		c.play(p)
	case SendMsg:
		c.sendMsg(p, in.Payload)
	case SetName:
		c.setName(p, in.Name)
	case LeaveLobby:
		c.leaveLobby(p)
	case Answer:
		c.answer(p, in.Choice)
	default:
		c.logger.Debug("dropped unhandled intent", zap.String("pid", p.PID))
	}
}

func (c *Coordinator) playerFor(conn Conn) *Player {
	pid, ok := c.conns[conn]
	if !ok {
		return nil
	}
	return c.players.Get(pid)
}

// roomOf returns the live room p belongs to, clearing a stale code.
func (c *Coordinator) roomOf(p *Player) *Room {
	if p.Room == "" {
		return nil
	}

	room := c.rooms.Get(p.Room)
	if room == nil || room.indexOf(p) == -1 {
		p.Room = ""
		return nil
	}

	return room
}

func (c *Coordinator) identify(conn Conn, pid string) {
	if pid == "" {
		c.logger.Debug("dropped identify without pid")
		return
	}

	if previous, ok := c.conns[conn]; ok && previous != pid {
		c.disconnect(conn)
	}

	if existing := c.players.Get(pid); existing != nil && existing.Conn != nil && existing.Conn != conn {
		delete(c.conns, existing.Conn)
	}

	p, reconnected := c.players.Identify(pid, conn)
	c.conns[conn] = pid

	if !reconnected {
		return
	}

	room := c.roomOf(p)
	if room == nil {
		return
	}

	c.logger.Info("player reconnected",
		zap.String("pid", pid),
		zap.String("room", room.Code),
		zap.Int("round", room.Round),
	)

	c.send(p, ReconnectedMessage{
		Type:        "RECONNECTED",
		Room:        room.Code,
		Round:       room.Round,
		Scores:      room.Scores,
		Answers:     orEmpty(room.Answers[pid]),
		Result:      orEmpty(room.Results),
		Leaderboard: leaderboard(room),
	})
	c.broadcastPlayerList(room)
}

func (c *Coordinator) disconnect(conn Conn) {
	pid, ok := c.conns[conn]
	if !ok {
		return
	}
	delete(c.conns, conn)

	p := c.players.Get(pid)
	if p == nil {
		return
	}
	c.players.MarkInactive(pid)

	room := c.roomOf(p)
	if room == nil {
		return
	}

	c.broadcastPlayerList(room)

	if room.RoundActive && c.allAnswered(room) {
		c.endRound(room)
	}

	if room.State == LobbyOpen && room.activeCount() == 0 {
		c.logger.Info("closing abandoned lobby", zap.String("room", room.Code))
		c.rooms.Destroy(room.Code)
	}
}

func (c *Coordinator) hostLobby(p *Player) {
	if c.roomOf(p) != nil {
		c.sendError(p, "HOST_ERROR", ErrCodeAlreadyInRoom)
		return
	}

	room := c.rooms.Create(c.rooms.GenerateCode(), p)

	c.logger.Info("room hosted", zap.String("room", room.Code), zap.String("pid", p.PID))

	c.send(p, HostedMessage{Type: "HOSTED", Room: room.Code})
	c.broadcastPlayerList(room)
}

func (c *Coordinator) joinRoom(p *Player, code string) {
	if c.roomOf(p) != nil {
		c.sendError(p, "JOIN_ERROR", ErrCodeAlreadyInRoom)
		return
	}

	room := c.rooms.Get(strings.ToUpper(strings.TrimSpace(code)))
	if room == nil {
		c.sendError(p, "JOIN_ERROR", ErrCodeRoomNotFound)
		return
	}

	if room.State == LobbyPlaying {
		c.sendError(p, "JOIN_ERROR", ErrCodeRoomPlaying)
		return
	}

	c.rooms.AddPlayer(room, p)

	c.logger.Info("player joined", zap.String("room", room.Code), zap.String("pid", p.PID))

	c.broadcastPlayerList(room)
}

func (c *Coordinator) play(p *Player) {
	room := c.roomOf(p)
	if room == nil {
		return
	}

	if !room.IsHost(p) {
		c.sendError(p, "PLAY_ERROR", ErrCodeNotHost)
		return
	}

	if room.State == LobbyPlaying {
		return
	}

	now := c.now()

	room.State = LobbyPlaying
	room.StartedAt = now
	room.LastActivity = now
	room.Round = 0
	room.Results = nil
	for _, member := range room.Players {
		room.Scores[member.PID] = 0
		room.Answers[member.PID] = []Choice{}
	}

	c.logger.Info("game started", zap.String("room", room.Code), zap.Int("players", len(room.Players)))

	c.broadcast(room, SimpleMessage{Type: "PLAYING"})
	c.startRound(room)
}

func (c *Coordinator) sendMsg(p *Player, payload json.RawMessage) {
	room := c.roomOf(p)
	if room == nil {
		return
	}
	room.LastActivity = c.now()

	data, ok := c.encode(RecvMsgMessage{
		Type:    "RECV_MSG",
		From:    p.PID,
		Name:    p.Name,
		Payload: payload,
	})
	if !ok {
		return
	}

	for _, peer := range room.Players {
		if peer != p {
			peer.send(data)
		}
	}
}

func (c *Coordinator) setName(p *Player, raw string) {
	c.players.SetName(p.PID, raw)

	if room := c.roomOf(p); room != nil {
		room.LastActivity = c.now()
		c.broadcastPlayerList(room)
	}
}

func (c *Coordinator) leaveLobby(p *Player) {
	room := c.roomOf(p)
	if room == nil {
		return
	}

	if room.State == LobbyPlaying {
		c.sendError(p, "LEAVE_ERROR", ErrCodeCannotLeaveDuringGame)
		return
	}

	wasHost, emptied := c.rooms.RemovePlayer(room, p)

	c.send(p, SimpleMessage{Type: "LEFT_ROOM"})

	if emptied {
		c.logger.Info("room closed", zap.String("room", room.Code))
		return
	}

	if wasHost {
		c.send(room.Host(), SimpleMessage{Type: "HOST_TRANSFERRED"})
	}
	c.broadcastPlayerList(room)
}

func (c *Coordinator) answer(p *Player, choice Choice) {
	room := c.roomOf(p)
	if room == nil || !room.RoundActive {
		return
	}

	if !c.recordAnswer(room, p.PID, choice) {
		return
	}

	if c.allAnswered(room) {
		c.endRound(room)
	}
}

func (c *Coordinator) broadcastPlayerList(room *Room) {
	list := make([]PlayerEntry, 0, len(room.Players))
	for i, p := range room.Players {
		list = append(list, PlayerEntry{
			PID:    p.PID,
			Name:   p.Name,
			Active: p.Active,
			IsHost: i == 0,
		})
	}

	c.broadcast(room, PlayerListMessage{
		Type:       "PLAYER_LIST",
		Players:    list,
		Room:       room.Code,
		LobbyState: room.State,
	})
}

func (c *Coordinator) sendError(p *Player, kind, code string) {
	c.logger.Debug("precondition failed", zap.String("pid", p.PID), zap.String("type", kind), zap.String("error", code))
	c.send(p, ErrorMessage{Type: kind, Error: code})
}

func (c *Coordinator) send(p *Player, v any) {
	if data, ok := c.encode(v); ok {
		p.send(data)
	}
}

func (c *Coordinator) broadcast(room *Room, v any) {
	data, ok := c.encode(v)
	if !ok {
		return
	}
	for _, p := range room.Players {
		p.send(data)
	}
}

func (c *Coordinator) encode(v any) ([]byte, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("encoding notice", zap.Error(err))
		return nil, false
	}
	return data, true
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
