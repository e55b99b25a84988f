package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/directory"
	"github.com/fathima-sithara/messaging-core/internal/domain"
	"github.com/fathima-sithara/messaging-core/internal/events"
	"github.com/fathima-sithara/messaging-core/internal/hub"
	"github.com/fathima-sithara/messaging-core/internal/metrics"
	"github.com/fathima-sithara/messaging-core/internal/presence"
	"github.com/fathima-sithara/messaging-core/internal/repository"
	"github.com/fathima-sithara/messaging-core/internal/typing"
	"github.com/fathima-sithara/messaging-core/internal/utils"
)

const (
	defaultPersistTimeout = 3 * time.Second
	defaultSearchLimit    = 50
	defaultBacklogBatch   = 200
	profileTimeout        = 500 * time.Millisecond
)

// Deps are the collaborators shared by every chat service.
type Deps struct {
	Store     repository.Store
	Presence  *presence.Registry
	Hub       *hub.Hub
	Typing    *typing.Registry
	Directory directory.Directory
	Events    events.Publisher
	Log       *zap.Logger
	Clock     utils.Clock

	PersistTimeout time.Duration
	SearchLimit    int
	BacklogBatch   int
}

// Service groups the chat operations invoked by the gateway and the REST
// API.
type Service struct {
	Delivery      *Delivery
	Tracker       *Tracker
	Reactions     *Reactions
	Typing        *Typing
	Conversations *Conversations
}

func New(d Deps) *Service {
	if d.Directory == nil {
		d.Directory = directory.Nop()
	}
	if d.Events == nil {
		d.Events = events.Nop()
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.PersistTimeout <= 0 {
		d.PersistTimeout = defaultPersistTimeout
	}
	if d.SearchLimit <= 0 {
		d.SearchLimit = defaultSearchLimit
	}
	if d.BacklogBatch <= 0 {
		d.BacklogBatch = defaultBacklogBatch
	}
	b := &base{Deps: d}
	return &Service{
		Delivery:      newDelivery(b),
		Tracker:       &Tracker{base: b},
		Reactions:     &Reactions{base: b},
		Typing:        &Typing{base: b},
		Conversations: &Conversations{base: b},
	}
}

type base struct {
	Deps
}

func (b *base) persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.PersistTimeout)
}

// conversationFor loads a conversation and checks userID takes part in it.
func (b *base) conversationFor(ctx context.Context, conversationID, userID string) (*domain.Conversation, error) {
	c, err := b.Store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, apperr.Persistence("load conversation", err)
	}
	if !c.HasParticipant(userID) {
		return nil, fmt.Errorf("%w: %s in %s", apperr.ErrUnauthorized, userID, conversationID)
	}
	return c, nil
}

// messageFor loads a message together with its conversation, checking
// userID takes part in it.
func (b *base) messageFor(ctx context.Context, messageID, userID string) (*domain.Message, *domain.Conversation, error) {
	m, err := b.Store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, apperr.Persistence("load message", err)
	}
	c, err := b.conversationFor(ctx, m.ConversationID, userID)
	if err != nil {
		return nil, nil, err
	}
	return m, c, nil
}

// pushTo sends frame to userID's live connection, if any.
func (b *base) pushTo(userID string, frame []byte) bool {
	c, ok := b.Presence.Lookup(userID)
	if !ok {
		return false
	}
	if !c.Send(frame) {
		metrics.EventsDropped.Inc()
		return false
	}
	return true
}

func (b *base) publish(ctx context.Context, ev events.ChatEvent) {
	if err := b.Events.Publish(ctx, ev); err != nil {
		b.Log.Warn("publish event failed", zap.String("type", ev.Type), zap.String("conversation_id", ev.ConversationID), zap.Error(err))
	}
}

// profiles resolves display attributes best effort.
func (b *base) profiles(ctx context.Context, ids []string) map[string]domain.Profile {
	ctx, cancel := context.WithTimeout(ctx, profileTimeout)
	defer cancel()
	m, err := b.Directory.Profiles(ctx, ids)
	if err != nil {
		b.Log.Debug("profile lookup failed", zap.Error(err))
		return nil
	}
	return m
}

func profilePtr(m map[string]domain.Profile, id string) *domain.Profile {
	p, ok := m[id]
	if !ok {
		return nil
	}
	return &p
}

// newMessageID returns a time ordered id.
func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
