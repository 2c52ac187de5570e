package chatws

import (
	"context"
	"encoding/json"
	"log"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lab2home/Lab2HomeBack/internal/models"
)

// RedisBridge extends the in-process hub across server instances. Every
// notification is delivered to the local hub and published to a shared
// channel; subscribers rebroadcast events from other instances, using the
// origin id to suppress their own echo.
type RedisBridge struct {
	hub        *Hub
	client     *redis.Client
	channel    string
	instanceID string
}

func NewRedisBridge(hub *Hub, client *redis.Client, channel string) *RedisBridge {
	return &RedisBridge{
		hub:        hub,
		client:     client,
		channel:    channel,
		instanceID: uuid.NewString(),
	}
}

// Run subscribes and rebroadcasts until the context is cancelled.
func (b *RedisBridge) Run(ctx context.Context) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("chat bridge decode event: %v", err)
				continue
			}
			if event.Origin == b.instanceID {
				continue
			}

			event.Origin = ""
			b.hub.Broadcast(&event)
		}
	}
}

func (b *RedisBridge) NewMessage(conversationID int64, message *models.ChatMessage) {
	b.hub.NewMessage(conversationID, message)
	b.publish(&Event{Type: EventNewMessage, ConversationID: conversationID, Message: message})
}

func (b *RedisBridge) MessagesRead(conversationID int64, readerRole models.Role) {
	b.hub.MessagesRead(conversationID, readerRole)
	b.publish(&Event{Type: EventMessagesRead, ConversationID: conversationID, ReaderRole: readerRole})
}

func (b *RedisBridge) ConversationLocked(conversationID int64) {
	b.hub.ConversationLocked(conversationID)
	b.publish(&Event{Type: EventConversationLocked, ConversationID: conversationID})
}

func (b *RedisBridge) publish(event *Event) {
	event.Origin = b.instanceID
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("chat bridge encode event: %v", err)
		return
	}

	if err := b.client.Publish(context.Background(), b.channel, payload).Err(); err != nil {
		log.Printf("chat bridge publish event: %v", err)
	}
}
