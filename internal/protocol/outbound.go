package protocol

import (
	"encoding/json"
	"time"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/domain"
)

// Server to client event names.
const (
	TypeUserOnline      = "user:online"
	TypeUserOffline     = "user:offline"
	TypeJoined          = "chat:joined"
	TypeReceive         = "message:receive"
	TypeSent            = "message:sent"
	TypeDelivered       = "message:delivered"
	TypeReadUpdate      = "message:read:update"
	TypeUnreadCleared   = "chat:unread_cleared"
	TypeMessagesRead    = "chat:messages_read"
	TypeTypingUser      = "typing:user"
	TypeReactionUpdate  = "message:reaction:update"
	TypeSearchResults   = "chat:search:results"
	TypeTotalUnread     = "chat:total_unread"
	TypeChatUpdated     = "chat:updated"
	TypeError           = "error"
	TypeOnlineSnapshot  = "users:online"
	TypeConversationNew = "chat:created"
)

type outFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Encode renders a server event. Payloads are plain structs so marshalling
// cannot fail in practice; a failure yields an internal error frame.
func Encode(typ string, payload any) []byte {
	b, err := json.Marshal(outFrame{Type: typ, Payload: payload})
	if err != nil {
		b, _ = json.Marshal(outFrame{Type: TypeError, Payload: ErrorPayload{
			Code:    apperr.CodeInternal,
			Message: "encode " + typ,
		}})
	}
	return b
}

type UserPresence struct {
	UserID   string          `json:"userId"`
	Profile  *domain.Profile `json:"profile,omitempty"`
	LastSeen *time.Time      `json:"lastSeen,omitempty"`
}

type OnlineSnapshot struct {
	Users []string `json:"users"`
}

type Joined struct {
	ConversationID string `json:"conversationId"`
	UnreadCount    int    `json:"unreadCount"`
}

type Receive struct {
	ConversationID string          `json:"conversationId"`
	Message        *domain.Message `json:"message"`
	Sender         *domain.Profile `json:"sender,omitempty"`
	UnreadCount    int             `json:"unreadCount"`
}

type Sent struct {
	ConversationID string          `json:"conversationId"`
	Message        *domain.Message `json:"message"`
	ClientRef      string          `json:"clientRef,omitempty"`
}

type Delivered struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	DeliveredAt    time.Time `json:"deliveredAt"`
	ClientRef      string    `json:"clientRef,omitempty"`
}

type ReadUpdate struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	ReaderID       string    `json:"readerId"`
	ReadAt         time.Time `json:"readAt"`
}

type UnreadCleared struct {
	ConversationID string `json:"conversationId"`
	PreviousCount  int    `json:"previousCount"`
}

type MessagesRead struct {
	ConversationID string    `json:"conversationId"`
	ReaderID       string    `json:"readerId"`
	ReadAt         time.Time `json:"readAt"`
}

type TypingUser struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type ReactionUpdate struct {
	ConversationID string            `json:"conversationId"`
	MessageID      string            `json:"messageId"`
	Reactions      []domain.Reaction `json:"reactions"`
}

type SearchResults struct {
	ConversationID string            `json:"conversationId"`
	Query          string            `json:"query"`
	Results        []*domain.Message `json:"results"`
}

type TotalUnread struct {
	Count int `json:"count"`
}

type ChatUpdated struct {
	ConversationID string                 `json:"conversationId"`
	LastMessage    *domain.MessageSummary `json:"lastMessage,omitempty"`
	UnreadCounts   map[string]int         `json:"unreadCounts"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

type ConversationCreated struct {
	Conversation *domain.Conversation `json:"conversation"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// ErrorFrame renders err as an error event, tagged with the client event
// that caused it.
func ErrorFrame(event string, err error) []byte {
	return Encode(TypeError, ErrorPayload{Code: apperr.Code(err), Message: apperr.Public(err), Event: event})
}
