package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/domain"
	"github.com/fathima-sithara/messaging-core/internal/events"
	"github.com/fathima-sithara/messaging-core/internal/metrics"
	"github.com/fathima-sithara/messaging-core/internal/protocol"
	"github.com/fathima-sithara/messaging-core/internal/syncx"
)

type SendInput struct {
	Content   domain.Content
	ClientRef string
}

// Delivery owns the message lifecycle from send to delivered.
//
// Everything pushed to one recipient goes through that recipient's routing
// lock, and every routing pass drains the recipient's pending messages in
// creation order. A live message therefore never overtakes older backlog,
// and a message is pushed at most once by a successful pass.
//
// The sender hears about a message exactly once with its client reference:
// either message:sent from Send, or message:delivered from whichever pass
// delivered it first.
type Delivery struct {
	*base
	routing *syncx.KeyedMutex
	refs    sync.Map // message id -> client ref, until the sender is acked
}

func newDelivery(b *base) *Delivery {
	return &Delivery{base: b, routing: syncx.NewKeyedMutex()}
}

// Send persists a message from senderID and routes it to the other
// participant. On error nothing was stored and no event was emitted.
func (d *Delivery) Send(ctx context.Context, conversationID, senderID string, in SendInput) (*domain.Message, error) {
	if err := in.Content.Validate(); err != nil {
		return nil, err
	}

	pctx, cancel := d.persistCtx(ctx)
	defer cancel()

	conv, err := d.conversationFor(pctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}

	m := &domain.Message{
		ID:             newMessageID(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		RecipientID:    conv.Other(senderID),
		Content:        in.Content,
		Status:         domain.StatusPending,
		CreatedAt:      d.Clock.Now(),
	}
	m.Normalize()

	d.refs.Store(m.ID, in.ClientRef)
	updated, err := d.Store.AppendMessage(pctx, m)
	if err != nil {
		d.refs.Delete(m.ID)
		return nil, apperr.Persistence("append message", err)
	}
	metrics.MessagesSent.Inc()
	d.publish(ctx, events.ChatEvent{
		Type:           events.MessageSent,
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		ActorID:        senderID,
		TargetID:       m.RecipientID,
		At:             m.CreatedAt,
	})

	if at, ok := d.route(ctx, m.RecipientID)[m.ID]; ok {
		m.MarkDelivered(at)
	}
	if ref, ok := d.refs.LoadAndDelete(m.ID); ok {
		d.pushTo(senderID, protocol.Encode(protocol.TypeSent, protocol.Sent{
			ConversationID: m.ConversationID,
			Message:        m,
			ClientRef:      ref.(string),
		}))
	}

	d.Hub.Broadcast(updated.ID, protocol.Encode(protocol.TypeChatUpdated, chatUpdated(updated)), "")
	return m, nil
}

// FlushBacklog pushes every pending message addressed to userID, oldest
// first, and returns how many were delivered.
func (d *Delivery) FlushBacklog(ctx context.Context, userID string) (int, error) {
	unlock := d.routing.Lock(userID)
	defer unlock()
	delivered, err := d.drain(ctx, userID)
	if n := len(delivered); n > 0 {
		d.Log.Debug("backlog flushed", zap.String("user_id", userID), zap.Int("count", n))
	}
	return len(delivered), err
}

// route delivers to recipientID if reachable and returns what it delivered.
func (d *Delivery) route(ctx context.Context, recipientID string) map[string]time.Time {
	unlock := d.routing.Lock(recipientID)
	defer unlock()

	if _, online := d.Presence.Lookup(recipientID); !online {
		return nil
	}
	delivered, err := d.drain(ctx, recipientID)
	if err != nil {
		// undelivered messages stay pending and go out with the next flush
		d.Log.Warn("live routing failed", zap.String("recipient_id", recipientID), zap.Error(err))
	}
	return delivered
}

// drain must run under recipientID's routing lock. Each pending message is
// pushed before it is marked delivered, so a failed push leaves it pending.
func (d *Delivery) drain(ctx context.Context, recipientID string) (map[string]time.Time, error) {
	delivered := make(map[string]time.Time)
	unread := make(map[string]int)

	for {
		conn, ok := d.Presence.Lookup(recipientID)
		if !ok {
			return delivered, nil
		}

		pctx, cancel := d.persistCtx(ctx)
		batch, err := d.Store.PendingFor(pctx, recipientID, d.BacklogBatch)
		cancel()
		if err != nil {
			return delivered, apperr.Persistence("load backlog", err)
		}
		if len(batch) == 0 {
			return delivered, nil
		}

		senders := make([]string, 0, len(batch))
		for _, m := range batch {
			senders = append(senders, m.SenderID)
		}
		profiles := d.profiles(ctx, senders)

		progressed := false
		for _, m := range batch {
			count, err := d.unreadFor(ctx, unread, m.ConversationID, recipientID)
			if err != nil {
				return delivered, err
			}
			at := d.Clock.Now()
			m.MarkDelivered(at)
			frame := protocol.Encode(protocol.TypeReceive, protocol.Receive{
				ConversationID: m.ConversationID,
				Message:        m,
				Sender:         profilePtr(profiles, m.SenderID),
				UnreadCount:    count,
			})
			if !conn.Send(frame) {
				metrics.EventsDropped.Inc()
				return delivered, nil
			}

			pctx, cancel := d.persistCtx(ctx)
			moved, err := d.Store.MarkDelivered(pctx, m.ID, at)
			cancel()
			if err != nil {
				return delivered, apperr.Persistence("mark delivered", err)
			}
			if !moved {
				continue
			}
			progressed = true
			delivered[m.ID] = at
			d.confirm(ctx, m, recipientID, at)
		}
		if !progressed || len(batch) < d.BacklogBatch {
			return delivered, nil
		}
	}
}

// confirm tells a reachable sender that m arrived.
func (d *Delivery) confirm(ctx context.Context, m *domain.Message, recipientID string, at time.Time) {
	path := "backlog"
	var clientRef string
	if ref, ok := d.refs.LoadAndDelete(m.ID); ok {
		path = "live"
		clientRef = ref.(string)
	}
	metrics.MessagesDelivered.WithLabelValues(path).Inc()

	d.pushTo(m.SenderID, protocol.Encode(protocol.TypeDelivered, protocol.Delivered{
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		DeliveredAt:    at,
		ClientRef:      clientRef,
	}))
	d.publish(ctx, events.ChatEvent{
		Type:           events.MessageDelivered,
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		ActorID:        recipientID,
		TargetID:       m.SenderID,
		At:             at,
	})
}

func (d *Delivery) unreadFor(ctx context.Context, cache map[string]int, conversationID, userID string) (int, error) {
	if n, ok := cache[conversationID]; ok {
		return n, nil
	}
	pctx, cancel := d.persistCtx(ctx)
	defer cancel()
	c, err := d.Store.GetConversation(pctx, conversationID)
	if err != nil {
		return 0, apperr.Persistence("load conversation", err)
	}
	cache[conversationID] = c.Unread(userID)
	return cache[conversationID], nil
}

func chatUpdated(c *domain.Conversation) protocol.ChatUpdated {
	return protocol.ChatUpdated{
		ConversationID: c.ID,
		LastMessage:    c.LastMessage,
		UnreadCounts:   c.UnreadCounts,
		UpdatedAt:      c.UpdatedAt,
	}
}
