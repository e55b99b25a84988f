package service

import (
	"context"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/events"
	"github.com/fathima-sithara/messaging-core/internal/protocol"
)

// Tracker maintains read receipts and unread counters.
type Tracker struct {
	*base
}

// MarkMessageRead records that readerID has seen messageID, which must
// belong to conversationID. Reading an already read message, or one's own
// message, changes nothing and emits nothing.
func (t *Tracker) MarkMessageRead(ctx context.Context, conversationID, messageID, readerID string) error {
	pctx, cancel := t.persistCtx(ctx)
	defer cancel()

	m, _, err := t.messageFor(pctx, messageID, readerID)
	if err != nil {
		return err
	}
	if m.ConversationID != conversationID {
		return apperr.Validation("message %s is not in conversation %s", messageID, conversationID)
	}
	if m.SenderID == readerID {
		return nil
	}

	at := t.Clock.Now()
	added, err := t.Store.AddReadReceipt(pctx, messageID, readerID, at)
	if err != nil {
		return apperr.Persistence("add read receipt", err)
	}
	if !added {
		return nil
	}

	t.Hub.Broadcast(m.ConversationID, protocol.Encode(protocol.TypeReadUpdate, protocol.ReadUpdate{
		ConversationID: m.ConversationID,
		MessageID:      messageID,
		ReaderID:       readerID,
		ReadAt:         at,
	}), readerID)
	t.publish(ctx, events.ChatEvent{
		Type:           events.MessageRead,
		ConversationID: m.ConversationID,
		MessageID:      messageID,
		ActorID:        readerID,
		TargetID:       m.SenderID,
		At:             at,
	})
	return nil
}

// MarkConversationRead receipts every message readerID has not read yet
// and resets their unread counter. It returns the counter's previous value.
func (t *Tracker) MarkConversationRead(ctx context.Context, conversationID, readerID string) (int, error) {
	pctx, cancel := t.persistCtx(ctx)
	defer cancel()

	if _, err := t.conversationFor(pctx, conversationID, readerID); err != nil {
		return 0, err
	}
	at := t.Clock.Now()
	previous, marked, err := t.Store.MarkConversationRead(pctx, conversationID, readerID, at)
	if err != nil {
		return 0, apperr.Persistence("mark conversation read", err)
	}

	t.pushTo(readerID, protocol.Encode(protocol.TypeUnreadCleared, protocol.UnreadCleared{
		ConversationID: conversationID,
		PreviousCount:  previous,
	}))
	t.Hub.Broadcast(conversationID, protocol.Encode(protocol.TypeMessagesRead, protocol.MessagesRead{
		ConversationID: conversationID,
		ReaderID:       readerID,
		ReadAt:         at,
	}), readerID)
	t.publish(ctx, events.ChatEvent{
		Type:           events.ConversationRead,
		ConversationID: conversationID,
		ActorID:        readerID,
		Count:          marked,
		At:             at,
	})
	return previous, nil
}

// GetTotalUnread sums userID's unread counters across conversations.
func (t *Tracker) GetTotalUnread(ctx context.Context, userID string) (int, error) {
	pctx, cancel := t.persistCtx(ctx)
	defer cancel()
	n, err := t.Store.TotalUnread(pctx, userID)
	if err != nil {
		return 0, apperr.Persistence("total unread", err)
	}
	return n, nil
}
