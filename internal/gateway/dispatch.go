package gateway

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/hub"
	"github.com/fathima-sithara/messaging-core/internal/metrics"
	"github.com/fathima-sithara/messaging-core/internal/protocol"
	"github.com/fathima-sithara/messaging-core/internal/service"
)

// Dispatch decodes one client frame and runs it on behalf of c's user.
// Failures are reported to c only.
func (g *Gateway) Dispatch(ctx context.Context, c hub.Conn, data []byte) {
	ev, err := protocol.Decode(data)
	if err != nil {
		metrics.InboundEvents.WithLabelValues("invalid", apperr.Code(err)).Inc()
		c.Send(protocol.ErrorFrame("", err))
		return
	}

	err = g.handle(ctx, c, ev)
	outcome := "ok"
	if err != nil {
		outcome = apperr.Code(err)
		g.logFailure(c, ev.Type(), err)
		c.Send(protocol.ErrorFrame(ev.Type(), err))
	}
	metrics.InboundEvents.WithLabelValues(ev.Type(), outcome).Inc()
}

func (g *Gateway) handle(ctx context.Context, c hub.Conn, ev protocol.Inbound) error {
	user := c.UserID()
	switch e := ev.(type) {
	case *protocol.Join:
		return g.JoinConversation(ctx, user, c, e.ConversationID)

	case *protocol.Send:
		_, err := g.svc.Delivery.Send(ctx, e.ConversationID, user, service.SendInput{
			Content:   e.ToContent(),
			ClientRef: e.ClientRef,
		})
		return err

	case *protocol.Read:
		return g.svc.Tracker.MarkMessageRead(ctx, e.ConversationID, e.MessageID, user)

	case *protocol.MarkRead:
		_, err := g.svc.Tracker.MarkConversationRead(ctx, e.ConversationID, user)
		return err

	case *protocol.TypingStart:
		return g.svc.Typing.Start(ctx, e.ConversationID, user)

	case *protocol.TypingStop:
		return g.svc.Typing.Stop(ctx, e.ConversationID, user)

	case *protocol.React:
		_, err := g.svc.Reactions.ToggleReaction(ctx, e.MessageID, user, e.Token)
		return err

	case *protocol.Search:
		found, err := g.svc.Reactions.Search(ctx, e.ConversationID, user, e.Query)
		if err != nil {
			return err
		}
		c.Send(protocol.Encode(protocol.TypeSearchResults, protocol.SearchResults{
			ConversationID: e.ConversationID,
			Query:          e.Query,
			Results:        found,
		}))
		return nil

	case *protocol.GetUnreadCount:
		n, err := g.svc.Tracker.GetTotalUnread(ctx, user)
		if err != nil {
			return err
		}
		c.Send(protocol.Encode(protocol.TypeTotalUnread, protocol.TotalUnread{Count: n}))
		return nil

	default:
		return apperr.Validation("unsupported event %s", ev.Type())
	}
}

func (g *Gateway) logFailure(c hub.Conn, event string, err error) {
	fields := []zap.Field{zap.String("user_id", c.UserID()), zap.String("event", event), zap.Error(err)}
	if errors.Is(err, apperr.ErrPersistence) || apperr.Code(err) == apperr.CodeInternal {
		g.log.Error("event failed", fields...)
		return
	}
	g.log.Debug("event rejected", fields...)
}
