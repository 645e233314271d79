package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	pingMessage = "ping"

	// maxInboundMessage bounds client frames; clients only ever send "ping".
	maxInboundMessage = 512
)

// wsChannel is a registry.Channel over one WebSocket connection.
type wsChannel struct {
	conn    *websocket.Conn
	timeout time.Duration

	mu sync.Mutex
}

func (c *wsChannel) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsChannel) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = c.conn.Close()
}

// handleWebSocket registers the connection for its user until the client
// goes away. "ping" broadcasts the current snapshot to every channel of the
// user; any other text is logged and ignored. Pings beyond PingRate/PingBurst
// are dropped without a reply, so a client polling faster than the limit
// only sees snapshots at the limited pace. Frames larger than
// maxInboundMessage close the connection with 1009.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn().Err(err).Int64("user_id", userID).Msg("websocket upgrade failed")
		return
	}

	// Clear any read deadline the HTTP server left on the hijacked conn.
	_ = conn.SetReadDeadline(time.Time{})
	conn.SetReadLimit(maxInboundMessage)

	connID := h.NewConnID()
	ch := &wsChannel{conn: conn, timeout: h.writeTimeout()}
	h.Registry.Register(userID, connID, ch)
	log := h.Log.With().Int64("user_id", userID).Str("conn_id", connID).Logger()
	log.Debug().Msg("push channel opened")

	defer func() {
		h.Registry.Unregister(userID, connID)
		ch.close(websocket.CloseNormalClosure, "")
		log.Debug().Msg("push channel closed")
	}()

	limiter := rate.NewLimiter(h.PingRate, max(h.PingBurst, 1))
	ctx := r.Context()
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Error().Err(err).Msg("websocket connection closed with error")
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		if string(data) != pingMessage {
			log.Info().Str("message", string(data)).Msg("received unknown message")
			continue
		}
		if !limiter.Allow() {
			log.Debug().Msg("ping rate limited, dropped")
			continue
		}
		h.Tasks.Emit(ctx, userID)
	}
}

// rejectWebSocket completes the upgrade only to close it with code and
// reason, so browser clients see why the channel was refused.
func (h *Handler) rejectWebSocket(w http.ResponseWriter, r *http.Request, code int, reason string) {
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	(&wsChannel{conn: conn}).close(code, reason)
}

func (h *Handler) writeTimeout() time.Duration {
	if h.WriteTimeout <= 0 {
		return 10 * time.Second
	}
	return h.WriteTimeout
}
