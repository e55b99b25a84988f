package service

import (
	"context"
	"strings"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/domain"
	"github.com/fathima-sithara/messaging-core/internal/events"
	"github.com/fathima-sithara/messaging-core/internal/protocol"
)

// Reactions toggles reactions and searches history.
type Reactions struct {
	*base
}

// ToggleReaction adds or removes (userID, token) on messageID and
// broadcasts the whole resulting reaction list.
func (r *Reactions) ToggleReaction(ctx context.Context, messageID, userID, token string) ([]domain.Reaction, error) {
	token = strings.TrimSpace(token)
	if token == "" || len(token) > domain.MaxTokenLength {
		return nil, apperr.Validation("reaction token must be 1-%d bytes", domain.MaxTokenLength)
	}

	pctx, cancel := r.persistCtx(ctx)
	defer cancel()

	m, _, err := r.messageFor(pctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	before := hasReaction(m.Reactions, userID, token)
	updated, err := r.Store.ToggleReaction(pctx, messageID, userID, token)
	if err != nil {
		return nil, apperr.Persistence("toggle reaction", err)
	}

	r.Hub.Broadcast(updated.ConversationID, protocol.Encode(protocol.TypeReactionUpdate, protocol.ReactionUpdate{
		ConversationID: updated.ConversationID,
		MessageID:      updated.ID,
		Reactions:      updated.Reactions,
	}), "")
	added := hasReaction(updated.Reactions, userID, token)
	if added != before {
		r.publish(ctx, events.ChatEvent{
			Type:           events.ReactionToggled,
			ConversationID: updated.ConversationID,
			MessageID:      updated.ID,
			ActorID:        userID,
			Token:          token,
			Added:          &added,
			At:             r.Clock.Now(),
		})
	}
	return updated.Reactions, nil
}

// Search returns messages of conversationID whose text or file name
// contains query, ignoring case, newest first.
func (r *Reactions) Search(ctx context.Context, conversationID, userID, query string) ([]*domain.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.Validation("query is required")
	}
	pctx, cancel := r.persistCtx(ctx)
	defer cancel()

	if _, err := r.conversationFor(pctx, conversationID, userID); err != nil {
		return nil, err
	}
	found, err := r.Store.SearchMessages(pctx, conversationID, query, r.SearchLimit)
	if err != nil {
		return nil, apperr.Persistence("search messages", err)
	}
	if len(found) > r.SearchLimit {
		found = found[:r.SearchLimit]
	}
	return found, nil
}

func hasReaction(rs []domain.Reaction, userID, token string) bool {
	for _, x := range rs {
		if x.UserID == userID && x.Token == token {
			return true
		}
	}
	return false
}
