package service

import (
	"context"

	"github.com/fathima-sithara/messaging-core/internal/protocol"
)

// Typing relays typing indicators. Repeated starts and stops for the same
// state are swallowed.
type Typing struct {
	*base
}

func (t *Typing) Start(ctx context.Context, conversationID, userID string) error {
	return t.set(ctx, conversationID, userID, true)
}

func (t *Typing) Stop(ctx context.Context, conversationID, userID string) error {
	return t.set(ctx, conversationID, userID, false)
}

func (t *Typing) set(ctx context.Context, conversationID, userID string, typing bool) error {
	pctx, cancel := t.persistCtx(ctx)
	defer cancel()
	if _, err := t.conversationFor(pctx, conversationID, userID); err != nil {
		return err
	}

	var changed bool
	if typing {
		changed = t.Deps.Typing.Start(conversationID, userID)
	} else {
		changed = t.Deps.Typing.Stop(conversationID, userID)
	}
	if changed {
		t.broadcast(conversationID, userID, typing)
	}
	return nil
}

// ClearUser drops every typing mark of userID, telling the other
// subscribers of each affected conversation.
func (t *Typing) ClearUser(userID string) []string {
	convs := t.Deps.Typing.RemoveUser(userID)
	for _, id := range convs {
		t.broadcast(id, userID, false)
	}
	return convs
}

func (t *Typing) broadcast(conversationID, userID string, typing bool) {
	t.Hub.Broadcast(conversationID, protocol.Encode(protocol.TypeTypingUser, protocol.TypingUser{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       typing,
	}), userID)
}
