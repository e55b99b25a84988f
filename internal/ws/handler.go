package ws

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/fathima-sithara/messaging-core/internal/auth"
	"github.com/fathima-sithara/messaging-core/internal/hub"
	"github.com/fathima-sithara/messaging-core/internal/protocol"
)

const tokenLocal = "ws_token"

// Session is the part of the gateway a socket talks to.
type Session interface {
	Dispatcher
	Connect(ctx context.Context, token string, bind func(userID string) hub.Conn) (string, error)
	Disconnect(ctx context.Context, userID string, c hub.Conn)
}

// Upgrade only lets websocket handshakes through and captures the token
// from the query string or the Authorization header.
func Upgrade() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		token := c.Query("token")
		if token == "" {
			token = auth.BearerToken(c.Get(fiber.HeaderAuthorization))
		}
		c.Locals(tokenLocal, token)
		return c.Next()
	}
}

// Handler serves one websocket for its whole life. base is cancelled on
// shutdown.
func Handler(base context.Context, s Session, opts Options, logger *zap.Logger) fiber.Handler {
	opts = opts.withDefaults()
	return websocket.New(func(conn *websocket.Conn) {
		token, _ := conn.Locals(tokenLocal).(string)
		ctx, cancel := context.WithCancel(base)
		defer cancel()

		var client *Client
		uid, err := s.Connect(ctx, token, func(userID string) hub.Conn {
			client = NewClient(conn, userID, opts)
			client.Start()
			return client
		})
		if err != nil {
			logger.Debug("websocket rejected", zap.Error(err))
			_ = conn.SetWriteDeadline(time.Now().Add(opts.WriteDeadline))
			_ = conn.WriteMessage(websocket.TextMessage, protocol.ErrorFrame("connect", err))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"))
			_ = conn.Close()
			return
		}

		client.ReadLoop(ctx, s)
		s.Disconnect(context.WithoutCancel(ctx), uid, client)
	}, websocket.Config{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	})
}
