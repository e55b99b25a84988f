package domain

import (
	"sort"
	"time"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
)

var (
	errEmptyText         = apperr.Validation("text message has no content")
	errMissingAttachment = apperr.Validation("attachment requires file name and url")
	errNegativeSize      = apperr.Validation("file size must not be negative")
	errUnknownKind       = apperr.Validation("unknown content kind")
	errTextTooLong       = apperr.Validation("text exceeds %d characters", MaxTextLength)
)

type MessageSummary struct {
	ID        string      `bson:"id" json:"id"`
	SenderID  string      `bson:"sender_id" json:"senderId"`
	Kind      ContentKind `bson:"kind" json:"kind"`
	Preview   string      `bson:"preview" json:"preview"`
	CreatedAt time.Time   `bson:"created_at" json:"createdAt"`
}

// Conversation is a two-party thread. Participants are stored sorted.
type Conversation struct {
	ID           string          `bson:"_id" json:"id"`
	Participants []string        `bson:"participants" json:"participants"`
	PairKey      string          `bson:"pair_key" json:"-"`
	ListingID    string          `bson:"listing_id,omitempty" json:"listingId,omitempty"`
	LastMessage  *MessageSummary `bson:"last_message,omitempty" json:"lastMessage,omitempty"`
	UnreadCounts map[string]int  `bson:"unread_counts" json:"unreadCounts"`
	CreatedAt    time.Time       `bson:"created_at" json:"createdAt"`
	UpdatedAt    time.Time       `bson:"updated_at" json:"updatedAt"`
}

// Pair returns the two ids in canonical order and the key that identifies
// the pair regardless of argument order.
func Pair(a, b string) ([]string, string) {
	p := []string{a, b}
	sort.Strings(p)
	return p, p[0] + "|" + p[1]
}

func NewConversation(id, a, b, listingID string, now time.Time) *Conversation {
	participants, key := Pair(a, b)
	return &Conversation{
		ID:           id,
		Participants: participants,
		PairKey:      key,
		ListingID:    listingID,
		UnreadCounts: map[string]int{participants[0]: 0, participants[1]: 0},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

func (c *Conversation) Unread(userID string) int {
	return c.UnreadCounts[userID]
}

func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Participants = append([]string{}, c.Participants...)
	cp.UnreadCounts = make(map[string]int, len(c.UnreadCounts))
	for k, v := range c.UnreadCounts {
		cp.UnreadCounts[k] = v
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		cp.LastMessage = &lm
	}
	return &cp
}

// Profile holds the display attributes of a user.
type Profile struct {
	ID     string `bson:"_id" json:"id"`
	Name   string `bson:"name" json:"name"`
	Avatar string `bson:"avatar,omitempty" json:"avatar,omitempty"`
}
