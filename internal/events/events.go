package events

import (
	"context"
	"time"
)

// Domain event names published for downstream services.
const (
	MessageSent      = "message.sent"
	MessageDelivered = "message.delivered"
	MessageRead      = "message.read"
	ConversationRead = "conversation.read"
	ReactionToggled  = "message.reaction"
	ChatCreated      = "conversation.created"
)

type ChatEvent struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id,omitempty"`
	ActorID        string    `json:"actor_id"`
	TargetID       string    `json:"target_id,omitempty"`
	Count          int       `json:"count,omitempty"`
	Token          string    `json:"token,omitempty"`
	Added          *bool     `json:"added,omitempty"`
	At             time.Time `json:"at"`
}

// Publisher ships domain events to the outside world. Publishing is best
// effort: a failure never rolls back the operation that produced the event.
type Publisher interface {
	Publish(ctx context.Context, ev ChatEvent) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, ChatEvent) error { return nil }

// Nop discards every event. Used when Kafka is not configured.
func Nop() Publisher { return nopPublisher{} }
