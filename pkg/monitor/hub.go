// Package monitor streams a session's event log, conversation turns and state
// changes to websocket clients, and lets those clients send text turns or raw
// client events back into the session.
package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/rojolang/vocals-rt-go/pkg/realtime"
)

// Controller is the part of *realtime.Session the hub needs.
type Controller interface {
	AddEventHandler(h realtime.EventHandler) func()
	AddTurnHandler(h realtime.TurnHandler) func()
	AddStateHandler(h realtime.StateHandler) func()
	AddErrorHandler(h realtime.ErrorHandler) func()
	SendTextMessage(text string) error
	SendClientEvent(evt realtime.ClientEvent) error
	State() realtime.SessionState
	Messages() []realtime.Turn
}

type Config struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func DefaultConfig() Config {
	return Config{
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
	}
}

// Connection is one websocket client.
type Connection struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	mu sync.Mutex
}

func (c *Connection) writeMessage(messageType int, data []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.Conn.WriteMessage(messageType, data)
}

// Hub fans session activity out to every connection.
type Hub struct {
	session  Controller
	config   Config
	upgrader websocket.Upgrader
	logger   *realtime.Logger

	mu          sync.RWMutex
	connections map[string]*Connection
	unsubscribe []func()
}

func NewHub(session Controller, config Config) *Hub {
	h := &Hub{
		session: session,
		config:  config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// local dashboards only
				return true
			},
		},
		logger:      realtime.GetGlobalLogger().WithComponent("Monitor"),
		connections: make(map[string]*Connection),
	}

	h.unsubscribe = []func(){
		session.AddEventHandler(realtime.CreateDeltaFilter(func(e realtime.LogEntry) {
			h.Broadcast(EventFrame(e))
		})),
		session.AddTurnHandler(func(t realtime.Turn) {
			h.Broadcast(TurnFrame(t))
		}),
		session.AddStateHandler(func(s realtime.SessionState) {
			h.Broadcast(StateFrame(s))
		}),
		session.AddErrorHandler(func(err *realtime.RealtimeError) {
			h.Broadcast(ErrorFrame(err))
		}),
	}
	return h
}

// RegisterRoutes registers routes with the echo server.
func (h *Hub) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades the request, sends a snapshot of the current state
// and conversation, then streams frames until the client goes away.
func (h *Hub) HandleWebSocket(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to upgrade WebSocket")
		return err
	}

	conn := &Connection{
		ID:   uuid.NewString(),
		Conn: ws,
		Send: make(chan []byte, h.config.SendBuffer),
	}
	ws.SetReadLimit(h.config.MaxMessageSize)

	h.enqueue(conn, StateFrame(h.session.State()))
	for _, t := range h.session.Messages() {
		h.enqueue(conn, TurnFrame(t))
	}
	h.register(conn)

	go h.writePump(conn)
	go h.readPump(conn)
	return nil
}

func (h *Hub) register(conn *Connection) {
	h.mu.Lock()
	h.connections[conn.ID] = conn
	h.mu.Unlock()
	h.logger.WithField("connection_id", conn.ID).Info("Monitor connected")
}

func (h *Hub) unregister(conn *Connection) {
	h.mu.Lock()
	if _, ok := h.connections[conn.ID]; ok {
		delete(h.connections, conn.ID)
		close(conn.Send)
	}
	h.mu.Unlock()
	h.logger.WithField("connection_id", conn.ID).Info("Monitor disconnected")
}

// ConnectionCount reports the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Broadcast sends f to every connection. A connection whose buffer is full
// is dropped.
func (h *Hub) Broadcast(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode frame")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, conn := range h.connections {
		select {
		case conn.Send <- data:
		default:
			h.logger.WithField("connection_id", id).Warn("Connection buffer full, closing")
			go h.unregister(conn)
		}
	}
}

func (h *Hub) enqueue(conn *Connection, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case conn.Send <- data:
	default:
	}
}

// Close detaches from the session and drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	unsubscribe := h.unsubscribe
	h.unsubscribe = nil
	conns := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, u := range unsubscribe {
		u()
	}
	for _, c := range conns {
		h.unregister(c)
	}
}

func (h *Hub) readPump(conn *Connection) {
	defer func() {
		h.unregister(conn)
		conn.Conn.Close()
	}()

	_ = conn.Conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		return conn.Conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).Debug("WebSocket read failed")
			}
			return
		}
		h.handleInput(conn, message)
	}
}

func (h *Hub) writePump(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			if !ok {
				_ = conn.writeMessage(websocket.CloseMessage, []byte{}, h.config.WriteTimeout)
				return
			}
			if err := conn.writeMessage(websocket.TextMessage, message, h.config.WriteTimeout); err != nil {
				h.logger.WithError(err).Debug("Failed to write frame")
				return
			}
		case <-ticker.C:
			if err := conn.writeMessage(websocket.PingMessage, nil, h.config.WriteTimeout); err != nil {
				return
			}
		}
	}
}

// handleInput dispatches one client frame into the session. Failures are
// answered on the same connection only.
func (h *Hub) handleInput(conn *Connection, data []byte) {
	var in Input
	if err := json.Unmarshal(data, &in); err != nil {
		h.reply(conn, ErrorFrame(realtime.WrapError(err, realtime.ErrCodeConfigInvalid, "invalid JSON message")))
		return
	}

	var err error
	switch in.Type {
	case InputText:
		if in.Text == "" {
			err = realtime.NewConfigError("text is required")
			break
		}
		err = h.session.SendTextMessage(in.Text)
	case InputClientEvent:
		var evt realtime.RawClientEvent
		evt, err = realtime.ParseClientEvent(in.Event)
		if err == nil {
			err = h.session.SendClientEvent(evt)
		}
	default:
		err = realtime.NewConfigError("unknown message type: " + in.Type)
	}

	if err != nil {
		h.reply(conn, ErrorFrameFrom(err))
	}
}

func (h *Hub) reply(conn *Connection, f Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.connections[conn.ID]; ok {
		h.enqueue(conn, f)
	}
}
