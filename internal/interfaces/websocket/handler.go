// Package websocket streams a completion run to browser clients: one
// client submits a prompt, the hub relays every entity.DriverEvent the
// driver emits as it runs, followed by the final entity.ChatCompletion.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rlmgo/rlmgo/internal/domain/entity"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // tightened by a reverse proxy in front of this, not here
	},
}

// MessageType distinguishes client requests from the server's streamed
// completion events.
type MessageType string

const (
	// MessageTypeRun is a client-submitted prompt to start a completion.
	MessageTypeRun MessageType = "run"
	// MessageTypeEvent carries one entity.DriverEvent from an in-flight
	// completion, in Metadata.
	MessageTypeEvent MessageType = "event"
	// MessageTypeDone carries the final entity.ChatCompletion, in Metadata.
	MessageTypeDone  MessageType = "done"
	MessageTypeError MessageType = "error"
	MessageTypePing  MessageType = "ping"
	MessageTypePong  MessageType = "pong"
)

// WSMessage is the envelope exchanged over the socket in both directions.
type WSMessage struct {
	Type      MessageType            `json:"type"`
	ID        string                 `json:"id,omitempty"`
	Content   string                 `json:"content,omitempty"` // prompt text for MessageTypeRun
	SessionID string                 `json:"session_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// eventMessage wraps ev as a server-to-client WSMessage.
func eventMessage(sessionID string, ev entity.DriverEvent) *WSMessage {
	return &WSMessage{
		Type:      MessageTypeEvent,
		SessionID: sessionID,
		Metadata: map[string]interface{}{
			"event": ev,
		},
	}
}

// doneMessage wraps the final result as a server-to-client WSMessage.
func doneMessage(sessionID string, result entity.ChatCompletion) *WSMessage {
	return &WSMessage{
		Type:      MessageTypeDone,
		SessionID: sessionID,
		Content:   result.FinalText,
		Metadata: map[string]interface{}{
			"result": result,
		},
	}
}

// Client is one connected websocket client.
type Client struct {
	ID        string
	UserID    string
	SessionID string
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
	logger    *zap.Logger
}

// Hub fans registered clients' sends out and dispatches incoming messages.
type Hub struct {
	clients    map[string]*Client
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	logger     *zap.Logger
	mu         sync.RWMutex

	onMessage func(client *Client, msg *WSMessage)
}

// NewHub creates an empty, unstarted Hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// SetMessageHandler sets the callback invoked for every client message
// (other than ping, which the hub answers itself).
func (h *Hub) SetMessageHandler(handler func(client *Client, msg *WSMessage)) {
	h.onMessage = handler
}

// Run processes register/unregister/broadcast until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.logger.Info("client connected",
				zap.String("client_id", client.ID),
				zap.String("user_id", client.UserID),
			)
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected",
				zap.String("client_id", client.ID),
			)
		case message := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client.ID)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// SendToClient sends msg to one client by id, a no-op if it's gone.
func (h *Hub) SendToClient(clientID string, msg *WSMessage) error {
	h.mu.RLock()
	client, exists := h.clients[clientID]
	h.mu.RUnlock()

	if !exists {
		return nil
	}

	msg.Timestamp = time.Now().Unix()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case client.send <- data:
		return nil
	default:
		return nil
	}
}

// SendToSession sends msg to every client registered under sessionID.
func (h *Hub) SendToSession(sessionID string, msg *WSMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	msg.Timestamp = time.Now().Unix()
	data, _ := json.Marshal(msg)

	for _, client := range h.clients {
		if client.SessionID == sessionID {
			select {
			case client.send <- data:
			default:
			}
		}
	}
}

// GetClientCount returns the number of currently registered clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler upgrades HTTP requests to websocket connections.
type Handler struct {
	hub    *Hub
	logger *zap.Logger
}

// NewHandler wraps hub as an http.HandlerFunc-compatible upgrader.
func NewHandler(hub *Hub, logger *zap.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: logger,
	}
}

// ServeWS upgrades the request and registers the resulting client with the hub.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}


	userID := r.URL.Query().Get("user_id")
	sessionID := r.URL.Query().Get("session_id")
	clientID := r.URL.Query().Get("client_id")

	if clientID == "" {
		clientID = userID + "_" + time.Now().Format("20060102150405")
	}

	client := &Client{
		ID:        clientID,
		UserID:    userID,
		SessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, 256),
		hub:       h.hub,
		logger:    h.logger,
	}

	h.hub.register <- client


	go client.writePump()
	go client.readPump()
}

// readPump reads client frames until the connection closes, dispatching
// each to the hub's message handler.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024) // 512KB
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("failed to parse message", zap.Error(err))
			continue
		}

		if msg.Type == MessageTypePing {
			c.send <- mustMarshal(&WSMessage{
				Type:      MessageTypePong,
				Timestamp: time.Now().Unix(),
			})
			continue
		}

		if c.hub.onMessage != nil {
			c.hub.onMessage(c, &msg)
		}
	}
}

// writePump drains the client's send channel to its connection and
// keeps it alive with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage marshals and enqueues msg for delivery to this client.
func (c *Client) SendMessage(msg *WSMessage) {
	msg.Timestamp = time.Now().Unix()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.send <- data
}

// GetID returns the client's connection id.
func (c *Client) GetID() string {
	return c.ID
}

// ClientEventSink adapts a Client to service.EventSink: every
// entity.DriverEvent emitted by a completion run on this client's behalf
// is forwarded as a MessageTypeEvent frame.
type ClientEventSink struct {
	client *Client
}

// NewClientEventSink wraps client as a service.EventSink.
func NewClientEventSink(client *Client) *ClientEventSink {
	return &ClientEventSink{client: client}
}

// Emit sends ev to the wrapped client. Implements service.EventSink.
func (s *ClientEventSink) Emit(ctx context.Context, ev entity.DriverEvent) {
	s.client.SendMessage(eventMessage(s.client.SessionID, ev))
}

// SendResult sends the final completion result to the client once a run
// finishes, independent of the live event stream.
func (c *Client) SendResult(result entity.ChatCompletion) {
	c.SendMessage(doneMessage(c.SessionID, result))
}

// SendError sends an error frame to the client.
func (c *Client) SendError(err error) {
	c.SendMessage(&WSMessage{Type: MessageTypeError, SessionID: c.SessionID, Content: err.Error()})
}

// GetUserID returns the client's user id, if one was supplied.
func (c *Client) GetUserID() string {
	return c.UserID
}

// GetSessionID returns the session id this client is attached to.
func (c *Client) GetSessionID() string {
	return c.SessionID
}

func mustMarshal(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}
