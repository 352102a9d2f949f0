package httpserver

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ellio/internal/presence"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 90 * time.Second
	wsPingPeriod = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (a *api) presenceStats(c *gin.Context) {
	ok(c, gin.H{"stats": a.Presence.Stats.Snapshot()})
}

// presenceSocket keeps one presence connection alive for the lifetime of the websocket.
// Query parameters: session (persisted by the client, so tabs may share it), device, lite=1.
func (a *api) presenceSocket(c *gin.Context) {
	if a.Presence.Channel == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, failure(codeConnection))
		return
	}
	sessionKey := c.Query("session")
	if _, err := uuid.Parse(sessionKey); err != nil {
		sessionKey = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	a.metrics.WebsocketSessions.Inc()
	defer a.metrics.WebsocketSessions.Dec()

	lite := c.Query("lite") == "1"
	updates := make(chan presence.Update, 16)
	push := func(u presence.Update) {
		select {
		case updates <- u:
		default:
			// Slow reader: drop the oldest so the newest count wins.
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- u:
			default:
			}
		}
	}
	tracker := presence.NewTracker(a.Presence.Channel, a.Presence.Stats, presence.Options{
		SessionKey:  sessionKey,
		Device:      c.Query("device"),
		Lite:        lite,
		Heartbeat:   a.Presence.Heartbeat,
		MaxAttempts: a.Presence.MaxAttempts,
		OnUpdate:    push,
	}, a.metrics, a.logger)

	// Lite clients get state changes only and poll /api/presence for the count.
	if !lite {
		stop := a.Presence.Observer.Listen(func(snap presence.Snapshot) {
			push(presence.Update{State: tracker.State(), Stats: snap})
		})
		defer stop()
	}

	handle, err := tracker.Start(a.Presence.BaseContext)
	if err != nil {
		a.logger.Error("presence tracker start failed", "error", err)
		return
	}
	defer handle.Stop()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					a.logger.Debug("presence websocket closed", "session", sessionKey, "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case u := <-updates:
			if err := writeJSON(conn, u); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-handle.Done():
			// Permanently disconnected: flush the final state and close.
			drain(conn, updates)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "presence unavailable"),
				time.Now().Add(wsWriteWait))
			return
		case <-closed:
			return
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(v)
}

func drain(conn *websocket.Conn, updates <-chan presence.Update) {
	for {
		select {
		case u := <-updates:
			if writeJSON(conn, u) != nil {
				return
			}
		default:
			return
		}
	}
}
