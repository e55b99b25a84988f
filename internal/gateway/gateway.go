package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/directory"
	"github.com/fathima-sithara/messaging-core/internal/hub"
	"github.com/fathima-sithara/messaging-core/internal/metrics"
	"github.com/fathima-sithara/messaging-core/internal/presence"
	"github.com/fathima-sithara/messaging-core/internal/protocol"
	"github.com/fathima-sithara/messaging-core/internal/repository"
	"github.com/fathima-sithara/messaging-core/internal/service"
	"github.com/fathima-sithara/messaging-core/internal/utils"
)

// TokenVerifier is the auth collaborator.
type TokenVerifier interface {
	VerifyToken(token string) (string, error)
}

// LastSeen records when users went offline.
type LastSeen interface {
	Touch(ctx context.Context, userID string, at time.Time) error
}

type Options struct {
	Verifier       TokenVerifier
	Service        *service.Service
	Store          repository.Store
	Presence       *presence.Registry
	Hub            *hub.Hub
	Directory      directory.Directory
	LastSeen       LastSeen
	Log            *zap.Logger
	Clock          utils.Clock
	PersistTimeout time.Duration
}

// Gateway binds transport connections to users and dispatches their
// events.
type Gateway struct {
	verifier TokenVerifier
	svc      *service.Service
	store    repository.Store
	presence *presence.Registry
	hub      *hub.Hub
	dir      directory.Directory
	lastSeen LastSeen
	log      *zap.Logger
	clock    utils.Clock
	timeout  time.Duration
}

func New(o Options) *Gateway {
	g := &Gateway{
		verifier: o.Verifier,
		svc:      o.Service,
		store:    o.Store,
		presence: o.Presence,
		hub:      o.Hub,
		dir:      o.Directory,
		lastSeen: o.LastSeen,
		log:      o.Log,
		clock:    o.Clock,
		timeout:  o.PersistTimeout,
	}
	if g.dir == nil {
		g.dir = directory.Nop()
	}
	if g.log == nil {
		g.log = zap.NewNop()
	}
	if g.timeout <= 0 {
		g.timeout = 3 * time.Second
	}
	return g
}

// Connect authenticates token, binds the connection and brings the user
// online: presence, subscriptions, online broadcast and backlog flush. Any
// error is returned before state is touched. bind creates the connection
// handle once the user is known.
func (g *Gateway) Connect(ctx context.Context, token string, bind func(userID string) hub.Conn) (string, error) {
	userID, err := g.verifier.VerifyToken(token)
	if err != nil {
		if !errors.Is(err, apperr.ErrAuth) {
			err = fmt.Errorf("%w: %v", apperr.ErrAuth, err)
		}
		return "", err
	}

	// every conversation, not a page: subscriptions carry typing, receipts
	// and reactions for all of them
	pctx, cancel := context.WithTimeout(ctx, g.timeout)
	convs, err := g.store.ListConversations(pctx, userID, 0)
	cancel()
	if err != nil {
		return "", apperr.Persistence("list conversations", err)
	}

	c := bind(userID)
	prev := g.presence.Register(userID, c)
	if prev != nil {
		g.hub.LeaveAll(prev)
		prev.Close()
		g.log.Info("connection replaced", zap.String("user_id", userID), zap.String("old_conn", prev.ID()), zap.String("new_conn", c.ID()))
	}
	for _, conv := range convs {
		g.hub.Join(conv.ID, c)
	}
	metrics.Connections.Set(float64(g.presence.Count()))

	c.Send(protocol.Encode(protocol.TypeOnlineSnapshot, protocol.OnlineSnapshot{Users: g.presence.Online()}))
	if prev == nil {
		g.presence.Broadcast(protocol.Encode(protocol.TypeUserOnline, protocol.UserPresence{
			UserID:  userID,
			Profile: directory.One(ctx, g.dir, userID),
		}), userID)
	}

	if n, err := g.svc.Delivery.FlushBacklog(ctx, userID); err != nil {
		g.log.Warn("backlog flush failed", zap.String("user_id", userID), zap.Error(err))
	} else if n > 0 {
		g.log.Info("backlog delivered", zap.String("user_id", userID), zap.Int("count", n))
	}
	if total, err := g.svc.Tracker.GetTotalUnread(ctx, userID); err == nil {
		c.Send(protocol.Encode(protocol.TypeTotalUnread, protocol.TotalUnread{Count: total}))
	}

	g.log.Info("user connected", zap.String("user_id", userID), zap.String("conn_id", c.ID()), zap.Int("conversations", len(convs)))
	return userID, nil
}

// Disconnect tears down c. Only the user's current connection takes the
// user offline; a connection that was already replaced just unsubscribes.
func (g *Gateway) Disconnect(ctx context.Context, userID string, c hub.Conn) {
	g.hub.LeaveAll(c)
	if !g.presence.Unregister(userID, c) {
		return
	}
	metrics.Connections.Set(float64(g.presence.Count()))

	g.svc.Typing.ClearUser(userID)

	at := g.clock.Now()
	if g.lastSeen != nil {
		if err := g.lastSeen.Touch(ctx, userID, at); err != nil {
			g.log.Warn("record last seen failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	g.presence.Broadcast(protocol.Encode(protocol.TypeUserOffline, protocol.UserPresence{
		UserID:   userID,
		LastSeen: &at,
	}), userID)
	g.log.Info("user disconnected", zap.String("user_id", userID), zap.String("conn_id", c.ID()))
}

// JoinConversation subscribes c to conversationID if userID takes part in it.
func (g *Gateway) JoinConversation(ctx context.Context, userID string, c hub.Conn, conversationID string) error {
	pctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	conv, err := g.store.GetConversation(pctx, conversationID)
	if err != nil {
		return apperr.Persistence("load conversation", err)
	}
	if !conv.HasParticipant(userID) {
		return fmt.Errorf("%w: %s in %s", apperr.ErrUnauthorized, userID, conversationID)
	}
	g.hub.Join(conv.ID, c)
	c.Send(protocol.Encode(protocol.TypeJoined, protocol.Joined{
		ConversationID: conv.ID,
		UnreadCount:    conv.Unread(userID),
	}))
	return nil
}
