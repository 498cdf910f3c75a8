package web

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"storyos/server/internal/visualization"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxInboundSize = 8 << 10
	sendBuffer     = 256
)

// EventBus fans session notifications out across nodes. storage.RedisStore
// implements it.
type EventBus interface {
	PublishSessionEvent(ctx context.Context, sessionID string, payload []byte) error
	SubscribeSessionEvents(ctx context.Context, sessionID string) (<-chan []byte, func(), error)
}

// Client is one websocket connection bound to a session. Send is never
// closed; gone is closed once the client leaves the hub.
type Client struct {
	ID        string
	SessionID string
	Conn      *websocket.Conn
	Send      chan []byte
	hub       *SessionHub
	gone      chan struct{}

	mu     sync.Mutex
	closed bool
}

// SessionHub tracks websocket clients per session and delivers
// visualization notifications to them
type SessionHub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Client]struct{}
	subs     map[string]func()
	bus      EventBus
	log      zerolog.Logger
}

// NewSessionHub creates a hub. bus may be nil for single-node deployments.
func NewSessionHub(bus EventBus, log zerolog.Logger) *SessionHub {
	return &SessionHub{
		sessions: make(map[string]map[*Client]struct{}),
		subs:     make(map[string]func()),
		bus:      bus,
		log:      log,
	}
}

func newClient(hub *SessionHub, sessionID string, conn *websocket.Conn) *Client {
	return &Client{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Conn:      conn,
		Send:      make(chan []byte, sendBuffer),
		hub:       hub,
		gone:      make(chan struct{}),
	}
}

// Register adds a client and starts its write pump
func (h *SessionHub) Register(c *Client) {
	h.mu.Lock()
	clients, ok := h.sessions[c.SessionID]
	if !ok {
		clients = make(map[*Client]struct{})
		h.sessions[c.SessionID] = clients
	}
	clients[c] = struct{}{}
	first := !ok
	total := len(clients)
	h.mu.Unlock()

	if first && h.bus != nil {
		h.subscribe(c.SessionID)
	}
	h.log.Debug().Str("session_id", c.SessionID).Str("client_id", c.ID).Int("clients", total).Msg("client connected")
	go c.writePump()
}

// Unregister removes a client and stops its write pump
func (h *SessionHub) Unregister(c *Client) {
	h.mu.Lock()
	clients, ok := h.sessions[c.SessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	close(c.gone)

	var cancel func()
	if len(clients) == 0 {
		delete(h.sessions, c.SessionID)
		cancel = h.subs[c.SessionID]
		delete(h.subs, c.SessionID)
	}
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.log.Debug().Str("session_id", c.SessionID).Str("client_id", c.ID).Msg("client disconnected")
}

func (h *SessionHub) subscribe(sessionID string) {
	events, cancel, err := h.bus.SubscribeSessionEvents(context.Background(), sessionID)
	if err != nil {
		h.log.Warn().Err(err).Str("session_id", sessionID).Msg("session event subscription failed, delivering locally only")
		return
	}

	// the session may have emptied, or been resubscribed by a newer first
	// client, while Receive was in flight
	h.mu.Lock()
	_, live := h.sessions[sessionID]
	_, dup := h.subs[sessionID]
	if !live || dup {
		h.mu.Unlock()
		cancel()
		return
	}
	h.subs[sessionID] = cancel
	h.mu.Unlock()

	go func() {
		for payload := range events {
			h.broadcastLocal(sessionID, payload)
		}
	}()
}

// Notify delivers a visualization event to the session's clients on every node
func (h *SessionHub) Notify(sessionID string, ev visualization.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal session event")
		return
	}

	if h.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := h.bus.PublishSessionEvent(ctx, sessionID, data)
		if err == nil {
			// subscribed sessions receive their own publish
			if !h.hasSubscription(sessionID) {
				h.broadcastLocal(sessionID, data)
			}
			return
		}
		h.log.Warn().Err(err).Str("session_id", sessionID).Msg("publish failed, delivering locally")
	}
	h.broadcastLocal(sessionID, data)
}

func (h *SessionHub) hasSubscription(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subs[sessionID]
	return ok
}

// broadcastLocal sends to this node's clients, skipping full buffers
func (h *SessionHub) broadcastLocal(sessionID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.sessions[sessionID] {
		select {
		case c.Send <- data:
		default:
			h.log.Warn().Str("client_id", c.ID).Msg("client send buffer full, dropping event")
		}
	}
}

// ClientCount returns how many clients watch a session
func (h *SessionHub) ClientCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// enqueue sends a frame without waiting, dropping it when the buffer is full
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.gone:
		return false
	default:
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// deliver waits for buffer space. It fails only once the client is gone.
func (c *Client) deliver(data []byte) bool {
	select {
	case <-c.gone:
		return false
	default:
	}
	select {
	case c.Send <- data:
		return true
	case <-c.gone:
		return false
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.gone:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.log.Debug().Err(err).Str("client_id", c.ID).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump hands inbound frames to handle until the connection drops
func (c *Client) readPump(handle func(c *Client, data []byte)) {
	defer func() {
		c.hub.Unregister(c)
		c.Close()
	}()

	c.Conn.SetReadLimit(maxInboundSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Str("client_id", c.ID).Msg("unexpected websocket close")
			}
			return
		}
		handle(c, data)
	}
}

// Close closes the connection once
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.Conn.Close()
}

var _ visualization.Notifier = (*SessionHub)(nil)
