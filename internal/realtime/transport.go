package realtime

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// TransportOptions tunes the WebSocket pumps. Zero values take defaults.
type TransportOptions struct {
	SendBuffer     int
	ReadLimit      int64
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	AllowedOrigins []string
}

func (o *TransportOptions) applyDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 * 1024
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
}

// WebSocketHandler upgrades HTTP requests to WebSocket connections, registers
// them and runs one read pump and one write pump per connection.
type WebSocketHandler struct {
	registry   *Registry
	router     *Router
	dispatcher *Dispatcher
	logger     zerolog.Logger
	opts       TransportOptions
	upgrader   gorillawebsocket.Upgrader
	pumps      sync.WaitGroup
}

func NewWebSocketHandler(registry *Registry, router *Router, dispatcher *Dispatcher, logger zerolog.Logger, opts TransportOptions) *WebSocketHandler {
	opts.applyDefaults()
	h := &WebSocketHandler{
		registry:   registry,
		router:     router,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "websocket").Logger(),
		opts:       opts,
	}
	h.upgrader = gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
func (h *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect upgrades the request, registers an unauthenticated
// connection and starts its pumps.
func (h *WebSocketHandler) HandleConnect(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	conn := NewConnection(uuid.New().String(), h.opts.SendBuffer)
	h.registry.Register(conn)
	h.logger.Debug().Str("conn", conn.ID).Str("remote_ip", c.RealIP()).Msg("connection opened")

	h.pumps.Add(2)
	go func() {
		defer h.pumps.Done()
		h.writePump(conn, ws)
	}()
	go func() {
		defer h.pumps.Done()
		h.readPump(conn, ws)
	}()

	return nil
}

// Shutdown closes every live connection and waits for their pumps to exit.
// Call it after the HTTP listener has stopped accepting upgrades.
func (h *WebSocketHandler) Shutdown(ctx context.Context) error {
	n := h.registry.DeregisterAll()

	done := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Int("connections", n).Msg("websocket connections closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readPump decodes inbound frames and runs them through the dispatcher. It
// owns deregistration: when the socket fails or closes the connection leaves
// every channel before the pump returns.
func (h *WebSocketHandler) readPump(conn *Connection, ws *gorillawebsocket.Conn) {
	defer func() {
		h.registry.Deregister(conn.ID)
		ws.Close()
		h.logger.Debug().Str("conn", conn.ID).Msg("connection closed")
	}()

	ws.SetReadLimit(h.opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	ctx := h.logger.WithContext(context.Background())
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseGoingAway, gorillawebsocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("conn", conn.ID).Msg("unexpected close")
			}
			return
		}

		event, cmd, err := DecodeCommand(message)
		if err != nil {
			h.dispatcher.Reject(conn.ID, event, err)
			continue
		}
		h.dispatcher.Dispatch(ctx, conn.ID, cmd)
	}
}

// writePump is the single writer for the socket. It drains the outbound
// queue in order and sends pings to keep the read deadline alive.
func (h *WebSocketHandler) writePump(conn *Connection, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send():
			_ = ws.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}
