// Trivia
//
// Players host or join a lobby by its 4-character code, then play a fixed
// number of rounds. Each round offers two labels; the server has already
// committed to the expected one, and every player who picked it scores.
//
// Features:
// - One websocket per browser tab: /ws
// - Players identified by cookie (pid), so a reload resumes a running game
// - All game state owned by a single coordinator goroutine
// - Round pacing via server-side timers
// - Finished games appended to a JSON file or a Redis list
// - QR code for a lobby's join link, backed by go-qrcode

package main

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/Seednode/trivia/games/trivia"
)

const (
	playerCookieName = "trivia_id"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

var roomCode = regexp.MustCompile(`^[A-Z0-9]{4}$`)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// getOrSetPlayerID returns the pid cookie, minting one into h if absent.
func getOrSetPlayerID(h http.Header, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	id := uuid.NewString()

	cookie := &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int((365 * 24 * time.Hour).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	h.Add("Set-Cookie", cookie.String())

	return id
}

// Client is one websocket connection. Outbound frames are dropped when its
// buffer is full or the connection is gone.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	pid    string
	logger *zap.Logger
}

func newClient(conn *websocket.Conn, pid string, logger *zap.Logger) *Client {
	return &Client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		pid:    pid,
		logger: logger,
	}
}

func (c *Client) Send(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- data:
	default:
		c.logger.Debug("dropped frame for slow client", zap.String("pid", c.pid))
	}
}

func (c *Client) readPump(coord *trivia.Coordinator) {
	defer func() {
		coord.Submit(c, trivia.Disconnect{})
		close(c.done)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket closed", zap.String("pid", c.pid), zap.Error(err))
			}
			return
		}

		in, err := trivia.DecodeIntent(data)
		if err != nil {
			c.logger.Debug("dropped frame", zap.String("pid", c.pid), zap.Error(err))
			continue
		}

		// The page cannot read its own HttpOnly cookie, so it identifies
		// without a pid and gets the cookie's.
		if id, ok := in.(trivia.Identify); ok && id.PID == "" {
			in = trivia.Identify{PID: c.pid}
		}

		coord.Submit(c, in)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func serveWS(logger *zap.Logger, coord *trivia.Coordinator) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		header := http.Header{}
		pid := getOrSetPlayerID(header, r)

		conn, err := upgrader.Upgrade(w, r, header)
		if err != nil {
			logger.Debug("websocket upgrade", zap.String("client", realIP(r)), zap.Error(err))
			return
		}

		client := newClient(conn, pid, logger)

		go client.writePump()
		client.readPump(coord)
	}
}

// qrHandler renders a PNG QR code of the join link for :room.
func qrHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := strings.ToUpper(strings.TrimSpace(ps.ByName("room")))
		if !roomCode.MatchString(code) {
			http.Error(w, "invalid room code", http.StatusBadRequest)
			return
		}

		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + cfg.prefix + "/?room=" + code

		const qrSize = 320
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		securityHeaders(cfg, w)
		_, _ = w.Write(png)
	}
}

func serveStats(cfg *Config, coord *trivia.Coordinator, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		stats, err := coord.Stats(r.Context())
		if err != nil {
			http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		securityHeaders(cfg, w)

		if err := json.NewEncoder(w).Encode(stats); err != nil {
			errs <- err
		}
	}
}

// registerTriviaGame sets up routes so that:
//   - $prefix/               → HTML client, optionally ?room=CODE
//   - $prefix/assets/*file   → client script and styles
//   - $prefix/ws             → game websocket
//   - $prefix/qr/:room       → PNG QR code of the join link
//   - $prefix/stats          → live room and player counts
func registerTriviaGame(cfg *Config, logger *zap.Logger, coord *trivia.Coordinator, mux *httprouter.Router, errs chan<- error) {
	mux.GET(cfg.prefix+"/", serveHomePage(cfg, logger, errs))

	mux.GET(cfg.prefix+"/assets/*file", serveAssets(cfg, errs))

	mux.GET(cfg.prefix+"/ws", serveWS(logger, coord))

	mux.GET(cfg.prefix+"/qr/:room", qrHandler(cfg))

	mux.GET(cfg.prefix+"/stats", serveStats(cfg, coord, errs))
}
