package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/CareCall/internal/app"
	"github.com/dkeye/CareCall/internal/app/call"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StatusWSController streams call status to the Call View and accepts the
// in-call controls over the same socket.
type StatusWSController struct {
	Orch       *app.Orchestrator
	readLimit  int64
	pingPeriod time.Duration
}

func NewStatusWSController(orch *app.Orchestrator, readLimit int64, pingPeriod time.Duration) *StatusWSController {
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	return &StatusWSController{Orch: orch, readLimit: readLimit, pingPeriod: pingPeriod}
}

type wsStatusConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsStatusConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

// closeSend stops new frames; the write pump flushes what is queued.
func (c *wsStatusConn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *wsStatusConn) Close() {
	c.closeSend()
	_ = c.conn.Close()
}

func (ctl *StatusWSController) HandleStatus(ctx context.Context, c *gin.Context) {
	cid := clientID(c)
	sess, err := ctl.Orch.Session(cid)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	if ctl.readLimit > 0 {
		ws.SetReadLimit(ctl.readLimit)
	}
	log.Info().Str("module", "adapters.http").Str("cid", string(cid)).Msg("new WS connection")

	conn := &wsStatusConn{conn: ws, send: make(chan []byte, 32)}
	ctx, cancel := context.WithCancel(ctx)
	updates, stop := sess.Watch()

	go ctl.forward(ctx, conn, updates, stop)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, cid, sess, conn)
}

// forward relays status updates until the session ends or the socket goes
// away.
func (ctl *StatusWSController) forward(ctx context.Context, c *wsStatusConn, updates <-chan call.Status, stop func()) {
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				c.closeSend()
				return
			}
			ctl.sendJSON(c, statusMessage{Type: "status", Status: &st})
		}
	}
}

func (ctl *StatusWSController) writePump(ctx context.Context, c *wsStatusConn) {
	ping := time.NewTicker(ctl.pingPeriod)
	defer func() {
		ping.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "adapters.http").Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"), time.Now().Add(writeWait))
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *StatusWSController) readPump(ctx context.Context, cancel context.CancelFunc, cid app.ClientID, sess *call.Session, c *wsStatusConn) {
	defer func() {
		log.Info().Str("module", "adapters.http").Str("cid", string(cid)).Msg("readPump closing")
		cancel()
	}()
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("module", "adapters.http").Str("cid", string(cid)).Msg("readPump read error")
			}
			return
		}
		ctl.handleControl(cid, sess, c, data)
	}
}

type statusMessage struct {
	Type     string       `json:"type"`
	Status   *call.Status `json:"status,omitempty"`
	Muted    *bool        `json:"muted,omitempty"`
	VideoOff *bool        `json:"videoOff,omitempty"`
	Error    string       `json:"error,omitempty"`
}

func (ctl *StatusWSController) handleControl(cid app.ClientID, sess *call.Session, c *wsStatusConn, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("bad json")
		ctl.sendJSON(c, statusMessage{Type: "error", Error: "bad_payload"})
		return
	}

	switch env.Type {
	case "ping":
		ctl.sendJSON(c, statusMessage{Type: "pong"})
	case "mute":
		muted, err := sess.ToggleMute()
		if err != nil {
			ctl.sendJSON(c, statusMessage{Type: "error", Error: err.Error()})
			return
		}
		ctl.sendJSON(c, statusMessage{Type: "muted", Muted: &muted})
	case "video":
		off, err := sess.ToggleVideo()
		if err != nil {
			ctl.sendJSON(c, statusMessage{Type: "error", Error: err.Error()})
			return
		}
		ctl.sendJSON(c, statusMessage{Type: "video", VideoOff: &off})
	case "hangup":
		log.Info().Str("module", "adapters.http").Str("cid", string(cid)).Msg("hangup over ws")
		go func() {
			sess.Hangup()
			ctl.Orch.Registry.Unbind(cid, sess)
		}()
	default:
		log.Warn().Str("module", "adapters.http").Str("type", env.Type).Msg("unknown control")
		ctl.sendJSON(c, statusMessage{Type: "error", Error: "unknown_type"})
	}
}

func (ctl *StatusWSController) sendJSON(c *wsStatusConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil && !errors.Is(err, ErrConnClosed) {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("status frame dropped")
	}
}
