package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/presence"
	"github.com/fathima-sithara/messaging-core/internal/service"
	"github.com/fathima-sithara/messaging-core/internal/ws"
)

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	VerifyToken(token string) (string, error)
}

// LastSeenReader reads the stamp written when a user disconnects.
type LastSeenReader interface {
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
}

// Limiter is a shared request limiter keyed by user.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type Options struct {
	Verifier TokenVerifier
	Service  *service.Service
	Session  ws.Session
	Presence *presence.Registry
	LastSeen LastSeenReader

	Limiter    Limiter
	RateLimit  int
	RateWindow time.Duration

	WS               ws.Options
	ConversationPage int
	Log              *zap.Logger
}

type handlers struct {
	svc      *service.Service
	presence *presence.Registry
	lastSeen LastSeenReader
	page     int
}

// NewServer builds the fiber app. ctx bounds the lifetime of websocket
// sessions.
func NewServer(ctx context.Context, o Options) *fiber.App {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.ConversationPage <= 0 {
		o.ConversationPage = 100
	}
	app := fiber.New(fiber.Config{
		AppName:               "messaging-core",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(o.Log),
	})
	app.Use(recover.New())
	app.Use(requestLogger(o.Log))

	app.Get("/health", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"status": "ok"}) })
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := app.Group("/v1")
	v1.Get("/ws", ws.Upgrade(), ws.Handler(ctx, o.Session, o.WS, o.Log))

	h := &handlers{svc: o.Service, presence: o.Presence, lastSeen: o.LastSeen, page: o.ConversationPage}
	authed := v1.Group("", requireUser(o.Verifier))
	if o.Limiter != nil && o.RateLimit > 0 {
		authed.Use(rateLimit(o.Limiter, o.RateLimit, o.RateWindow, o.Log))
	}
	authed.Get("/conversations", h.listConversations)
	authed.Post("/conversations", h.openConversation)
	authed.Get("/conversations/:id/messages", h.history)
	authed.Get("/unread", h.totalUnread)
	authed.Get("/presence/:user_id", h.presenceOf)

	return app
}

func errorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
		}
		status := apperr.HTTPStatus(err)
		if status >= fiber.StatusInternalServerError {
			log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		}
		return c.Status(status).JSON(fiber.Map{"error": apperr.Code(err), "message": apperr.Public(err)})
	}
}

func requestLogger(log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			status = apperr.HTTPStatus(err)
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			}
		}
		log.Debug("http request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("took", time.Since(start)))
		return err
	}
}
