/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package trivia

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingConn struct {
	frames [][]byte
}

func (c *recordingConn) Send(data []byte) {
	c.frames = append(c.frames, data)
}

func (c *recordingConn) types() []string {
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(f, &env)
		out = append(out, env.Type)
	}
	return out
}

func (c *recordingConn) count(typ string) int {
	n := 0
	for _, t := range c.types() {
		if t == typ {
			n++
		}
	}
	return n
}

// last decodes the most recent frame of the given type into v.
func (c *recordingConn) last(t *testing.T, typ string, v any) {
	t.Helper()

	types := c.types()
	for i := len(types) - 1; i >= 0; i-- {
		if types[i] == typ {
			require.NoError(t, json.Unmarshal(c.frames[i], v))
			return
		}
	}
	t.Fatalf("no %s frame among %v", typ, types)
}

func (c *recordingConn) reset() {
	c.frames = nil
}

type fakeScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	tasks  []func()
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	s.tasks = append(s.tasks, f)
}

func (s *fakeScheduler) take() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := s.tasks
	s.tasks = nil
	return tasks
}

func (s *fakeScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

type captureSink struct {
	records chan Record
}

func (s *captureSink) Append(_ context.Context, r Record) error {
	s.records <- r
	return nil
}

func (s *captureSink) next(t *testing.T) Record {
	t.Helper()
	select {
	case r := <-s.records:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no record appended")
		return Record{}
	}
}

// harness drives a Coordinator synchronously from the test goroutine.
type harness struct {
	t     *testing.T
	c     *Coordinator
	sched *fakeScheduler
	sink  *captureSink
	now   time.Time
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()

	h := &harness{
		t:     t,
		sched: &fakeScheduler{},
		sink:  &captureSink{records: make(chan Record, 8)},
		now:   time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC),
	}

	opts := Options{
		Logger:     zaptest.NewLogger(t),
		Sink:       h.sink,
		Scheduler:  h.sched,
		Rand:       rand.New(rand.NewPCG(7, 11)),
		Now:        func() time.Time { return h.now },
		RoundDelay: DefaultRoundDelay,
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	h.c = New(opts)
	return h
}

func (h *harness) do(conn Conn, in Intent) {
	h.c.handle(clientEvent{conn: conn, intent: in})
}

func (h *harness) connect(pid string) *recordingConn {
	conn := &recordingConn{}
	h.do(conn, Identify{PID: pid})
	return conn
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

// fireTimers runs every pending timer and processes what they posted.
func (h *harness) fireTimers() {
	for _, f := range h.sched.take() {
		f()
	}
	h.drain()
}

func (h *harness) drain() {
	for {
		select {
		case ev := <-h.c.events:
			h.c.handle(ev)
		default:
			return
		}
	}
}

// hostRoom has conns[0] host a room and the rest join it.
func (h *harness) hostRoom(conns ...*recordingConn) string {
	h.t.Helper()

	h.do(conns[0], HostLobby{})

	var hosted HostedMessage
	conns[0].last(h.t, "HOSTED", &hosted)

	for _, conn := range conns[1:] {
		h.do(conn, JoinRoom{Room: hosted.Room})
	}

	return hosted.Room
}
