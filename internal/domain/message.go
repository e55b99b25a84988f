package domain

import (
	"strings"
	"time"
)

type ContentKind string

const (
	KindText  ContentKind = "text"
	KindImage ContentKind = "image"
	KindFile  ContentKind = "file"
)

type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusDelivered DeliveryStatus = "delivered"
)

const (
	MaxTextLength  = 4000
	MaxTokenLength = 32
)

// Content is either text, an attachment reference, or both.
type Content struct {
	Kind     ContentKind `bson:"kind" json:"kind"`
	Text     string      `bson:"text,omitempty" json:"text,omitempty"`
	FileName string      `bson:"file_name,omitempty" json:"fileName,omitempty"`
	FileSize int64       `bson:"file_size,omitempty" json:"fileSize,omitempty"`
	FileURL  string      `bson:"file_url,omitempty" json:"fileUrl,omitempty"`
}

type ReadReceipt struct {
	UserID string    `bson:"user_id" json:"userId"`
	ReadAt time.Time `bson:"read_at" json:"readAt"`
}

type Reaction struct {
	UserID string `bson:"user_id" json:"userId"`
	Token  string `bson:"token" json:"token"`
}

type Message struct {
	ID             string         `bson:"_id" json:"id"`
	ConversationID string         `bson:"conversation_id" json:"conversationId"`
	SenderID       string         `bson:"sender_id" json:"senderId"`
	RecipientID    string         `bson:"recipient_id" json:"recipientId"`
	Content        Content        `bson:"content" json:"content"`
	Status         DeliveryStatus `bson:"status" json:"status"`
	CreatedAt      time.Time      `bson:"created_at" json:"createdAt"`
	DeliveredAt    *time.Time     `bson:"delivered_at,omitempty" json:"deliveredAt,omitempty"`
	ReadBy         []ReadReceipt  `bson:"read_by" json:"readBy"`
	Reactions      []Reaction     `bson:"reactions" json:"reactions"`
}

// Validate checks that content carries either text or a complete attachment.
func (c Content) Validate() error {
	switch c.Kind {
	case KindText:
		if strings.TrimSpace(c.Text) == "" {
			return errEmptyText
		}
	case KindImage, KindFile:
		if c.FileURL == "" || c.FileName == "" {
			return errMissingAttachment
		}
		if c.FileSize < 0 {
			return errNegativeSize
		}
	default:
		return errUnknownKind
	}
	if len(c.Text) > MaxTextLength {
		return errTextTooLong
	}
	return nil
}

// Preview is the short form shown in conversation lists.
func (c Content) Preview() string {
	if c.Text != "" {
		return c.Text
	}
	return c.FileName
}

// Matches reports a case-insensitive substring hit on text or file name.
// q must already be lower-cased.
func (c Content) Matches(q string) bool {
	return strings.Contains(strings.ToLower(c.Text), q) ||
		strings.Contains(strings.ToLower(c.FileName), q)
}

func (m *Message) ReadByUser(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// AddReceipt appends a receipt unless userID already has one.
func (m *Message) AddReceipt(userID string, at time.Time) bool {
	if m.ReadByUser(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, ReadReceipt{UserID: userID, ReadAt: at})
	return true
}

// ToggleReaction removes the (userID, token) pair if present and appends it
// otherwise. It returns true when the pair was added.
func (m *Message) ToggleReaction(userID, token string) bool {
	for i, r := range m.Reactions {
		if r.UserID == userID && r.Token == token {
			m.Reactions = append(m.Reactions[:i:i], m.Reactions[i+1:]...)
			return false
		}
	}
	m.Reactions = append(m.Reactions, Reaction{UserID: userID, Token: token})
	return true
}

// MarkDelivered moves a pending message forward. Delivered messages are left
// untouched.
func (m *Message) MarkDelivered(at time.Time) bool {
	if m.Status != StatusPending {
		return false
	}
	m.Status = StatusDelivered
	m.DeliveredAt = &at
	return true
}

func (m *Message) Summary() *MessageSummary {
	return &MessageSummary{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Kind:      m.Content.Kind,
		Preview:   m.Content.Preview(),
		CreatedAt: m.CreatedAt,
	}
}

// Clone returns a deep copy so stores can hand out messages without sharing
// slices with their internal state.
func (m *Message) Clone() *Message {
	cp := *m
	if m.DeliveredAt != nil {
		at := *m.DeliveredAt
		cp.DeliveredAt = &at
	}
	cp.ReadBy = append([]ReadReceipt{}, m.ReadBy...)
	cp.Reactions = append([]Reaction{}, m.Reactions...)
	return &cp
}

// Normalize fills nil slices so JSON and BSON always carry arrays.
func (m *Message) Normalize() {
	if m.ReadBy == nil {
		m.ReadBy = []ReadReceipt{}
	}
	if m.Reactions == nil {
		m.Reactions = []Reaction{}
	}
}
