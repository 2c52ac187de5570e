package chatws

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"sync"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/lab2home/Lab2HomeBack/internal/models"
)

const (
	EventNewMessage         = "new_message"
	EventMessagesRead       = "messages_read"
	EventConversationLocked = "conversation_locked"
	EventError              = "error"

	eventJoinConversation  = "join_conversation"
	eventLeaveConversation = "leave_conversation"
)

// Event is the wire format for everything the hub pushes to room members.
// Origin carries the emitting instance id across the redis bridge and is
// stripped before local delivery.
type Event struct {
	Type           string              `json:"type"`
	ConversationID int64               `json:"conversation_id,omitempty"`
	Message        *models.ChatMessage `json:"message,omitempty"`
	ReaderRole     models.Role         `json:"reader_role,omitempty"`
	Error          string              `json:"error,omitempty"`
	Origin         string              `json:"origin,omitempty"`
}

// Notifier is what the HTTP layer calls after durable state has been
// committed. Fan-out is best effort: a missed event is reconciled by the
// client's next full fetch.
type Notifier interface {
	NewMessage(conversationID int64, message *models.ChatMessage)
	MessagesRead(conversationID int64, readerRole models.Role)
	ConversationLocked(conversationID int64)
}

// Hub keeps one broadcast room per conversation. All membership state is
// owned by the Run goroutine; other goroutines talk to it over channels.
type Hub struct {
	clients    map[*Client]struct{}
	rooms      map[int64]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	joins      chan roomChange
	leaves     chan roomChange
	broadcast  chan *Event

	// delivered fires when a new_message reaches at least one connection on
	// the other side of the conversation. Set before Run.
	delivered func(conversationID, messageID int64)
}

type roomChange struct {
	client         *Client
	conversationID int64
}

type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	role   models.Role
	rooms  map[int64]struct{}
	send   chan []byte

	// mu guards closed; ReadPump writes errors to send from its own
	// goroutine while the Run goroutine may be closing the channel.
	mu     sync.Mutex
	closed bool
}

// trySend queues a payload unless the client is closed or its buffer is
// full. Safe to call from any goroutine.
func (c *Client) trySend(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

type roomAuthorizer interface {
	ConversationForParticipant(
		ctx context.Context,
		actorID int64,
		role models.Role,
		conversationID int64,
	) (*models.Conversation, error)
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		rooms:      make(map[int64]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		joins:      make(chan roomChange),
		leaves:     make(chan roomChange),
		broadcast:  make(chan *Event, 64),
	}
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string, role models.Role) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		userID: userID,
		role:   role,
		rooms:  make(map[int64]struct{}),
		send:   make(chan []byte, 32),
	}
}

// SetDeliveredFunc installs the best-effort delivery hook. Must be called
// before Run starts.
func (h *Hub) SetDeliveredFunc(f func(conversationID, messageID int64)) {
	h.delivered = f
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = struct{}{}
		case client := <-h.unregister:
			h.drop(client)
		case change := <-h.joins:
			if _, ok := h.clients[change.client]; !ok {
				continue
			}
			set, ok := h.rooms[change.conversationID]
			if !ok {
				set = make(map[*Client]struct{})
				h.rooms[change.conversationID] = set
			}
			set[change.client] = struct{}{}
			change.client.rooms[change.conversationID] = struct{}{}
		case change := <-h.leaves:
			h.removeFromRoom(change.client, change.conversationID)
		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

func (h *Hub) Join(client *Client, conversationID int64) {
	h.joins <- roomChange{client: client, conversationID: conversationID}
}

func (h *Hub) Leave(client *Client, conversationID int64) {
	h.leaves <- roomChange{client: client, conversationID: conversationID}
}

// Broadcast queues an event for every member of its conversation room,
// including the sender's own other sessions.
func (h *Hub) Broadcast(event *Event) {
	h.broadcast <- event
}

func (h *Hub) NewMessage(conversationID int64, message *models.ChatMessage) {
	h.Broadcast(&Event{Type: EventNewMessage, ConversationID: conversationID, Message: message})
}

func (h *Hub) MessagesRead(conversationID int64, readerRole models.Role) {
	h.Broadcast(&Event{Type: EventMessagesRead, ConversationID: conversationID, ReaderRole: readerRole})
}

func (h *Hub) ConversationLocked(conversationID int64) {
	h.Broadcast(&Event{Type: EventConversationLocked, ConversationID: conversationID})
}

// drop removes a client from every room and closes its send channel exactly
// once; both eviction and unregister funnel through it.
func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	for conversationID := range client.rooms {
		h.removeFromRoom(client, conversationID)
	}
	client.closeSend()
}

func (h *Hub) removeFromRoom(client *Client, conversationID int64) {
	set, ok := h.rooms[conversationID]
	if !ok {
		return
	}
	delete(set, client)
	delete(client.rooms, conversationID)
	if len(set) == 0 {
		delete(h.rooms, conversationID)
	}
}

func (h *Hub) deliver(event *Event) {
	members, ok := h.rooms[event.ConversationID]
	if !ok {
		return
	}

	event.Origin = ""
	encoded, err := json.Marshal(event)
	if err != nil {
		log.Printf("chat hub encode event: %v", err)
		return
	}

	counterpartReached := false
	for client := range members {
		if event.Type == EventNewMessage && event.Message != nil && client.role != event.Message.SenderRole {
			counterpartReached = true
		}
		if !client.trySend(encoded) {
			h.drop(client)
		}
	}

	if counterpartReached && h.delivered != nil &&
		event.Message != nil && event.Message.Status == models.MessageStatusSent {
		go h.delivered(event.ConversationID, event.Message.ID)
	}
}

// ReadPump consumes join/leave requests from the socket. Messages are sent
// over HTTP; the socket is a subscription channel only.
func (c *Client) ReadPump(authorizer roomAuthorizer) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	actorID, err := strconv.ParseInt(c.userID, 10, 64)
	if err != nil {
		writeError(c, "invalid user")
		return
	}

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var incoming struct {
			Type           string `json:"type"`
			ConversationID int64  `json:"conversation_id"`
		}
		if err := json.Unmarshal(payload, &incoming); err != nil {
			writeError(c, "invalid event payload")
			continue
		}

		switch incoming.Type {
		case eventJoinConversation:
			if _, err := authorizer.ConversationForParticipant(
				context.Background(),
				actorID,
				c.role,
				incoming.ConversationID,
			); err != nil {
				writeError(c, "cannot join conversation")
				continue
			}
			c.hub.Join(c, incoming.ConversationID)
		case eventLeaveConversation:
			c.hub.Leave(c, incoming.ConversationID)
		default:
			writeError(c, "unsupported event type")
		}
	}
}

func (c *Client) WritePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func writeError(client *Client, message string) {
	payload, err := json.Marshal(Event{Type: EventError, Error: message})
	if err != nil {
		return
	}
	client.trySend(payload)
}
