package service

import (
	"context"
	"strings"
	"time"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/domain"
	"github.com/fathima-sithara/messaging-core/internal/events"
	"github.com/fathima-sithara/messaging-core/internal/protocol"
)

const maxHistoryPage = 100

// Conversations opens conversations and serves list and history reads.
type Conversations struct {
	*base
}

// ConversationView is a conversation as seen by one participant.
type ConversationView struct {
	*domain.Conversation
	Peer        *domain.Profile `json:"peer,omitempty"`
	PeerOnline  bool            `json:"peerOnline"`
	UnreadCount int             `json:"unreadCount"`
}

// Open returns the conversation between a and b, creating it on first
// contact. A new conversation is joined by whichever participants are
// online right now.
func (c *Conversations) Open(ctx context.Context, a, b, listingID string) (*domain.Conversation, bool, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return nil, false, apperr.Validation("both participants are required")
	}
	if a == b {
		return nil, false, apperr.Validation("cannot open a conversation with yourself")
	}

	pctx, cancel := c.persistCtx(ctx)
	defer cancel()
	conv, created, err := c.Store.EnsureConversation(pctx, a, b, listingID)
	if err != nil {
		return nil, false, apperr.Persistence("ensure conversation", err)
	}
	if !created {
		return conv, false, nil
	}

	frame := protocol.Encode(protocol.TypeConversationNew, protocol.ConversationCreated{Conversation: conv})
	for _, p := range conv.Participants {
		if conn, ok := c.Presence.Lookup(p); ok {
			c.Hub.Join(conv.ID, conn)
			conn.Send(frame)
		}
	}
	c.publish(ctx, events.ChatEvent{
		Type:           events.ChatCreated,
		ConversationID: conv.ID,
		ActorID:        a,
		TargetID:       b,
		At:             conv.CreatedAt,
	})
	return conv, true, nil
}

// List returns userID's conversations, most recently active first.
func (c *Conversations) List(ctx context.Context, userID string, limit int) ([]ConversationView, error) {
	pctx, cancel := c.persistCtx(ctx)
	defer cancel()
	convs, err := c.Store.ListConversations(pctx, userID, limit)
	if err != nil {
		return nil, apperr.Persistence("list conversations", err)
	}

	peers := make([]string, 0, len(convs))
	for _, conv := range convs {
		peers = append(peers, conv.Other(userID))
	}
	profiles := c.profiles(ctx, peers)

	out := make([]ConversationView, 0, len(convs))
	for _, conv := range convs {
		peer := conv.Other(userID)
		out = append(out, ConversationView{
			Conversation: conv,
			Peer:         profilePtr(profiles, peer),
			PeerOnline:   c.Presence.IsOnline(peer),
			UnreadCount:  conv.Unread(userID),
		})
	}
	return out, nil
}

// History pages backwards through a conversation, newest first.
func (c *Conversations) History(ctx context.Context, conversationID, userID string, before time.Time, limit int) ([]*domain.Message, error) {
	if limit <= 0 || limit > maxHistoryPage {
		limit = maxHistoryPage
	}
	pctx, cancel := c.persistCtx(ctx)
	defer cancel()
	if _, err := c.conversationFor(pctx, conversationID, userID); err != nil {
		return nil, err
	}
	msgs, err := c.Store.ListMessages(pctx, conversationID, before, limit)
	if err != nil {
		return nil, apperr.Persistence("list messages", err)
	}
	return msgs, nil
}
