package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dada03jp/rossoneri-pixel-hub/internal/domain"
)

// Message types
const (
	MessageTypeRatingUpdate = "rating_update"
	MessageTypeSubscribe    = "subscribe"
	MessageTypeUnsubscribe  = "unsubscribe"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
	MessageTypeError        = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	MatchID   string      `json:"match_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// RatingUpdate carries the full recomputed read model for a match. Every
// change on the match produces one of these; clients replace, never merge.
type RatingUpdate struct {
	MatchID     string                   `json:"match_id"`
	Ratings     domain.AggregateView     `json:"ratings"`
	Comments    domain.CommentProjection `json:"comments"`
	IsConnected bool                     `json:"is_connected"`
	UpdatedAt   time.Time                `json:"updated_at"`
}

// MatchSessions manages the live listener behind each match subscription.
// The hub retains a session while at least one client watches the match.
type MatchSessions interface {
	Retain(matchID string)
	Release(matchID string)
	Snapshot(matchID string) (domain.MatchSnapshot, bool, bool)
}

// Hub maintains the set of active clients and broadcasts rating updates
type Hub struct {
	// Registered clients by match ID
	clients map[string]map[*Client]bool

	// All connected clients
	allClients map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Outbound messages
	broadcast chan *Message

	// Subscription requests
	subscribe chan *subscriptionRequest

	// Unsubscription requests
	unsubscribe chan *subscriptionRequest

	// Mutex for thread-safe operations
	mu sync.RWMutex

	// Live listener sessions, one per watched match
	sessions MatchSessions

	// Logger
	logger *slog.Logger

	// Context for shutdown
	ctx    context.Context
	cancel context.CancelFunc
}

type subscriptionRequest struct {
	client  *Client
	matchID string
}

// NewHub creates a new Hub. sessions may be nil in tests.
func NewHub(sessions MatchSessions, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:     make(map[string]map[*Client]bool),
		allClients:  make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		subscribe:   make(chan *subscriptionRequest, 64),
		unsubscribe: make(chan *subscriptionRequest, 64),
		sessions:    sessions,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case req := <-h.subscribe:
			h.subscribeClient(req)

		case req := <-h.unsubscribe:
			h.unsubscribeClient(req)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

func (h *Hub) subscribeClient(req *subscriptionRequest) {
	h.mu.Lock()
	if _, ok := h.clients[req.matchID]; !ok {
		h.clients[req.matchID] = make(map[*Client]bool)
	}
	alreadySubscribed := h.clients[req.matchID][req.client]
	h.clients[req.matchID][req.client] = true
	h.mu.Unlock()

	if !alreadySubscribed && h.sessions != nil {
		h.sessions.Retain(req.matchID)
		// New subscribers get the current state right away, before the
		// next change arrives.
		if snapshot, connected, ok := h.sessions.Snapshot(req.matchID); ok {
			h.sendUpdate(req.client, snapshot, connected)
		}
	}
	h.logger.Debug("client subscribed", "client_id", req.client.id, "match_id", req.matchID)
}

func (h *Hub) unsubscribeClient(req *subscriptionRequest) {
	h.mu.Lock()
	released := false
	if clients, ok := h.clients[req.matchID]; ok {
		if clients[req.client] {
			delete(clients, req.client)
			released = true
		}
		if len(clients) == 0 {
			delete(h.clients, req.matchID)
		}
	}
	h.mu.Unlock()

	if released && h.sessions != nil {
		h.sessions.Release(req.matchID)
	}
	h.logger.Debug("client unsubscribed", "client_id", req.client.id, "match_id", req.matchID)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	var released []string
	if _, ok := h.allClients[client]; ok {
		delete(h.allClients, client)
		for matchID, clients := range h.clients {
			if clients[client] {
				delete(clients, client)
				released = append(released, matchID)
				if len(clients) == 0 {
					delete(h.clients, matchID)
				}
			}
		}
		close(client.send)
	}
	h.mu.Unlock()

	// A dropped connection releases every match it watched, even when the
	// client never sent an unsubscribe.
	if h.sessions != nil {
		for _, matchID := range released {
			h.sessions.Release(matchID)
		}
	}
	h.logger.Debug("client unregistered", "client_id", client.id)
}

// broadcastMessage sends a message to all clients subscribed to its match
func (h *Hub) broadcastMessage(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	if message.MatchID != "" {
		if clients, ok := h.clients[message.MatchID]; ok {
			for client := range clients {
				select {
				case client.send <- data:
				default:
					// Client's buffer is full, skip
					h.logger.Warn("client buffer full, skipping", "client_id", client.id)
				}
			}
		}
	} else {
		for client := range h.allClients {
			select {
			case client.send <- data:
			default:
				h.logger.Warn("client buffer full, skipping", "client_id", client.id)
			}
		}
	}
}

// BroadcastRatingUpdate sends a recomputed match read model to all
// subscribed clients
func (h *Hub) BroadcastRatingUpdate(matchID string, snapshot domain.MatchSnapshot, connected bool) {
	message := &Message{
		Type:      MessageTypeRatingUpdate,
		MatchID:   matchID,
		Data:      updatePayload(snapshot, connected),
		Timestamp: time.Now(),
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message")
	}
}

// sendUpdate delivers a rating update to a single client
func (h *Hub) sendUpdate(client *Client, snapshot domain.MatchSnapshot, connected bool) {
	message := Message{
		Type:      MessageTypeRatingUpdate,
		MatchID:   snapshot.MatchID,
		Data:      updatePayload(snapshot, connected),
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("client buffer full, skipping", "client_id", client.id)
	}
}

func updatePayload(snapshot domain.MatchSnapshot, connected bool) RatingUpdate {
	return RatingUpdate{
		MatchID:     snapshot.MatchID,
		Ratings:     snapshot.Ratings,
		Comments:    snapshot.Comments,
		IsConnected: connected,
		UpdatedAt:   snapshot.UpdatedAt,
	}
}

// Register adds a client to the hub. Once the hub has stopped its loop no
// longer drains these channels, so every entry point bails out instead of
// blocking a connection goroutine forever.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Subscribe adds a client to a match subscription
func (h *Hub) Subscribe(client *Client, matchID string) {
	select {
	case h.subscribe <- &subscriptionRequest{client: client, matchID: matchID}:
	case <-h.ctx.Done():
	}
}

// Unsubscribe removes a client from a match subscription
func (h *Hub) Unsubscribe(client *Client, matchID string) {
	select {
	case h.unsubscribe <- &subscriptionRequest{client: client, matchID: matchID}:
	case <-h.ctx.Done():
	}
}

// GetSubscriberCount returns the number of subscribers for a match
func (h *Hub) GetSubscriberCount(matchID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if clients, ok := h.clients[matchID]; ok {
		return len(clients)
	}
	return 0
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}
