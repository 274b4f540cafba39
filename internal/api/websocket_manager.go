package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/classifieds/realtime/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Mobile clients send no Origin; auth is by token
	},
}

// WSEvent is the envelope of every frame in both directions.
type WSEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// inboundEvent keeps the payload raw until the event type is known.
type inboundEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// frame is one outbound write; result receives the write error.
type frame struct {
	data   []byte
	result chan error
}

// Client is one live WebSocket connection. Its ID is the connection handle
// stored in the session registry.
type Client struct {
	ID     uuid.UUID
	UserID uuid.UUID
	Conn   *websocket.Conn

	send      chan frame
	done      chan struct{}
	closeOnce sync.Once
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// WebSocketManager holds the connections of this instance and delivers
// events to them by connection id.
type WebSocketManager struct {
	clients map[uuid.UUID]*Client
	mu      sync.RWMutex
	logger  *zap.Logger
}

func NewWebSocketManager(logger *zap.Logger) *WebSocketManager {
	return &WebSocketManager{
		clients: make(map[uuid.UUID]*Client),
		logger:  logger,
	}
}

// Add tracks a freshly upgraded connection under a new connection id.
func (m *WebSocketManager) Add(conn *websocket.Conn, userID uuid.UUID) *Client {
	client := &Client{
		ID:     uuid.New(),
		UserID: userID,
		Conn:   conn,
		send:   make(chan frame, sendBuffer),
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	m.clients[client.ID] = client
	m.mu.Unlock()
	m.logger.Debug("client registered",
		zap.String("user_id", userID.String()),
		zap.String("connection_id", client.ID.String()),
	)
	return client
}

// Remove stops tracking a connection and signals its write pump to exit.
func (m *WebSocketManager) Remove(client *Client) {
	m.mu.Lock()
	if current, ok := m.clients[client.ID]; ok && current == client {
		delete(m.clients, client.ID)
	}
	m.mu.Unlock()
	client.close()
	m.logger.Debug("client unregistered", zap.String("connection_id", client.ID.String()))
}

// Count returns the number of live connections on this instance.
func (m *WebSocketManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Emit writes one event to one connection and waits for the socket write.
// Connections held by another instance are unknown here and fail with
// domain.ErrConnectionClosed.
func (m *WebSocketManager) Emit(ctx context.Context, connectionID uuid.UUID, event string, payload interface{}) error {
	m.mu.RLock()
	client, ok := m.clients[connectionID]
	m.mu.RUnlock()
	if !ok {
		return domain.ErrConnectionClosed
	}

	data, err := json.Marshal(WSEvent{Type: event, Payload: payload})
	if err != nil {
		return err
	}
	f := frame{data: data, result: make(chan error, 1)}

	select {
	case client.send <- f:
	case <-client.done:
		return domain.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-f.result:
		return err
	case <-client.done:
		// The pump may have written the frame just before closing.
		select {
		case err := <-f.result:
			return err
		default:
			return domain.ErrConnectionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EventHandler runs one inbound event of a client.
type EventHandler func(ctx context.Context, client *Client, eventType string, payload json.RawMessage)

// ReadPump reads frames until the connection fails, handing each decoded
// event to handle. onClose runs once the loop exits.
func (c *Client) ReadPump(ctx context.Context, logger *zap.Logger, handle EventHandler, onClose func()) {
	defer func() {
		onClose()
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket closed unexpectedly",
					zap.String("connection_id", c.ID.String()),
					zap.Error(err),
				)
			}
			return
		}

		var event inboundEvent
		if err := json.Unmarshal(data, &event); err != nil || event.Type == "" {
			handle(ctx, c, "", nil)
			continue
		}
		handle(ctx, c, event.Type, event.Payload)
	}
}

// WritePump is the only writer of the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case f := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.Conn.WriteMessage(websocket.TextMessage, f.data)
			f.result <- err
			if err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
