package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/heartline/heartline/pkg/api/events"
	"github.com/heartline/heartline/pkg/api/middleware"
	"github.com/heartline/heartline/pkg/api/models"
	"github.com/heartline/heartline/pkg/api/response"
	"github.com/heartline/heartline/pkg/conversation"
	"github.com/heartline/heartline/pkg/logger"
	"github.com/heartline/heartline/pkg/relationship"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultSendBuffer   = 32
	maxFrameBytes       = 64 << 10
)

// errConnectionLimit is returned by Register when the manager is full.
var errConnectionLimit = errors.New("websocket connection limit reached")

// WebSocketConfig configures websocket handler behavior.
type WebSocketConfig struct {
	AllowedOrigins []string
	// MaxConnections caps concurrent sockets. Zero means unlimited.
	MaxConnections int
	PingInterval   time.Duration
	PongTimeout    time.Duration
	// MessageTimeout bounds the handling of one chat message.
	MessageTimeout time.Duration
}

type wsClient struct {
	conn           *websocket.Conn
	userID         string
	conversationID string
	characterID    string

	mu     sync.Mutex
	send   chan []byte
	closed bool
	cancel context.CancelFunc
}

func newWSClient(conn *websocket.Conn, userID, conversationID, characterID string, cancel context.CancelFunc) *wsClient {
	return &wsClient{
		conn:           conn,
		userID:         userID,
		conversationID: conversationID,
		characterID:    characterID,
		send:           make(chan []byte, defaultSendBuffer),
		cancel:         cancel,
	}
}

// enqueue queues a frame without blocking. It reports false when the client
// is closed or its buffer is full.
func (c *wsClient) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close cancels in-flight work and stops the write pump. The write pump
// closes the connection.
func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	close(c.send)
}

// wants reports whether event concerns this chat: the conversation itself
// or the relationship with its character.
func (c *wsClient) wants(e events.Event) bool {
	if e.UserID != c.userID {
		return false
	}
	if e.ConversationID != "" {
		return e.ConversationID == c.conversationID
	}
	return e.CharacterID == c.characterID
}

// ConnectionManager manages active websocket clients.
type ConnectionManager struct {
	mu             sync.RWMutex
	clients        map[*wsClient]struct{}
	maxConnections int
}

// NewConnectionManager creates a manager. Zero maxConnections means no limit.
func NewConnectionManager(maxConnections int) *ConnectionManager {
	return &ConnectionManager{
		clients:        make(map[*wsClient]struct{}),
		maxConnections: maxConnections,
	}
}

// Register registers a websocket client.
func (m *ConnectionManager) Register(client *wsClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxConnections > 0 && len(m.clients) >= m.maxConnections {
		return errConnectionLimit
	}
	m.clients[client] = struct{}{}
	return nil
}

// Unregister unregisters a websocket client.
func (m *ConnectionManager) Unregister(client *wsClient) {
	m.mu.Lock()
	_, ok := m.clients[client]
	delete(m.clients, client)
	m.mu.Unlock()
	if ok {
		client.close()
	}
}

// Count returns active connection count.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// CanAccept reports whether there is capacity for one more connection.
func (m *ConnectionManager) CanAccept() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxConnections <= 0 || len(m.clients) < m.maxConnections
}

// Close closes all active websocket connections.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	clients := make([]*wsClient, 0, len(m.clients))
	for client := range m.clients {
		clients = append(clients, client)
		delete(m.clients, client)
	}
	m.mu.Unlock()
	for _, client := range clients {
		client.close()
	}
}

// WebSocketHandler serves /ws/conversations/{id}. Clients send message
// frames and receive the character's reply plus the live events of the
// conversation and its relationship.
type WebSocketHandler struct {
	log           logger.Logger
	orchestrator  *conversation.Orchestrator
	relationships *relationship.Engine
	events        *events.Broadcaster
	manager       *ConnectionManager

	upgrader       websocket.Upgrader
	pingInterval   time.Duration
	pongTimeout    time.Duration
	writeTimeout   time.Duration
	messageTimeout time.Duration
}

// NewWebSocketHandler creates a websocket handler. b may be nil.
func NewWebSocketHandler(o *conversation.Orchestrator, rels *relationship.Engine, b *events.Broadcaster, log logger.Logger, cfg WebSocketConfig) *WebSocketHandler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}

	handler := &WebSocketHandler{
		log:            logger.Named(log, "api.websocket"),
		orchestrator:   o,
		relationships:  rels,
		events:         b,
		manager:        NewConnectionManager(cfg.MaxConnections),
		pingInterval:   cfg.PingInterval,
		pongTimeout:    cfg.PongTimeout,
		writeTimeout:   defaultWriteTimeout,
		messageTimeout: cfg.MessageTimeout,
	}

	allowedOrigins := append([]string(nil), cfg.AllowedOrigins...)
	handler.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return isWebSocketOriginAllowed(r, allowedOrigins)
		},
	}

	return handler
}

// ServeHTTP authorizes the conversation, upgrades to websocket and runs the
// client loops until the connection ends.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		badRequest(w, r, "websocket upgrade required")
		return
	}
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	conv, err := h.orchestrator.GetConversation(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, h.log, "websocket authorization failed", err)
		return
	}
	if !h.manager.CanAccept() {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, errConnectionLimit.Error(), middleware.GetRequestID(r.Context()))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	client := newWSClient(conn, userID, conv.ID, conv.CharacterID, cancel)
	if err := h.manager.Register(client); err != nil {
		cancel()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many websocket connections"),
			time.Now().Add(h.writeTimeout),
		)
		_ = conn.Close()
		return
	}

	var sub chan events.Event
	if h.events != nil {
		sub = h.events.Subscribe(defaultSendBuffer, client.wants)
		defer h.events.Unsubscribe(sub)
		go h.forward(client, sub)
	}

	h.log.Debug("websocket connected", "user_id", userID, "conversation_id", conv.ID)
	go h.writePump(client)
	h.readPump(ctx, client)
}

// forward relays broadcaster events to the client until sub is closed.
func (h *WebSocketHandler) forward(client *wsClient, sub chan events.Event) {
	for e := range sub {
		h.sendFrame(client, models.ChatFrame{Type: models.FrameEvent, Payload: e})
	}
}

func (h *WebSocketHandler) readPump(ctx context.Context, client *wsClient) {
	defer h.manager.Unregister(client)

	readDeadline := h.pingInterval + h.pongTimeout
	client.conn.SetReadLimit(maxFrameBytes)
	_ = client.conn.SetReadDeadline(time.Now().Add(readDeadline))
	client.conn.SetPongHandler(func(_ string) error {
		return client.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read error", "error", err, "conversation_id", client.conversationID)
			}
			return
		}
		// A slow generation must not expire the read deadline.
		_ = client.conn.SetReadDeadline(time.Time{})
		h.handleFrame(ctx, client, data)
		if ctx.Err() != nil {
			return
		}
		_ = client.conn.SetReadDeadline(time.Now().Add(readDeadline))
	}
}

func (h *WebSocketHandler) writePump(client *wsClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
		h.manager.Unregister(client)
	}()

	for {
		select {
		case frame, ok := <-client.send:
			if !ok {
				_ = client.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(h.writeTimeout),
				)
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}

// handleFrame answers one client frame. Frames of a connection are handled
// in order.
func (h *WebSocketHandler) handleFrame(ctx context.Context, client *wsClient, raw []byte) {
	var frame models.ChatFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.sendFrame(client, models.ChatFrame{Type: models.FrameError, Error: "invalid frame: " + err.Error()})
		return
	}
	if !strings.EqualFold(strings.TrimSpace(frame.Type), models.FrameMessage) {
		h.sendFrame(client, models.ChatFrame{Type: models.FrameError, ID: frame.ID, Error: "unsupported frame type " + frame.Type})
		return
	}

	if h.messageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.messageTimeout)
		defer cancel()
	}
	reply, err := respond(ctx, h.orchestrator, h.relationships, h.events, client.userID, client.conversationID, frame.Content)
	if err != nil {
		if response.HTTPStatusFromError(err) >= http.StatusInternalServerError {
			h.log.ErrorContext(ctx, "websocket message failed", "error", err, "conversation_id", client.conversationID)
		}
		h.sendFrame(client, models.ChatFrame{Type: models.FrameError, ID: frame.ID, Error: clientMessage(err)})
		return
	}
	h.sendFrame(client, models.ChatFrame{Type: models.FrameReply, ID: frame.ID, Content: reply.Text, Payload: reply})
}

// sendFrame queues frame. A client that cannot keep up is disconnected.
func (h *WebSocketHandler) sendFrame(client *wsClient, frame models.ChatFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error("encode websocket frame failed", "error", err)
		return
	}
	if !client.enqueue(data) {
		h.manager.Unregister(client)
	}
}

// Count returns the number of open chat sockets.
func (h *WebSocketHandler) Count() int {
	return h.manager.Count()
}

// Close closes all websocket clients.
func (h *WebSocketHandler) Close() {
	h.manager.Close()
}

// clientMessage hides internal failure details like HandleError does.
func clientMessage(err error) string {
	if response.HTTPStatusFromError(err) == http.StatusInternalServerError {
		return "internal server error"
	}
	return err.Error()
}

func isWebSocketOriginAllowed(r *http.Request, allowedOrigins []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}
