package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/auth"
)

const userLocal = "user_id"

func requireUser(v TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := auth.BearerToken(c.Get(fiber.HeaderAuthorization))
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing token")
		}
		uid, err := v.VerifyToken(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}
		c.Locals(userLocal, uid)
		return c.Next()
	}
}

func userID(c *fiber.Ctx) string {
	uid, _ := c.Locals(userLocal).(string)
	return uid
}

// rateLimit lets requests through when the limiter itself is unavailable.
func rateLimit(l Limiter, limit int, window time.Duration, log *zap.Logger) fiber.Handler {
	if window <= 0 {
		window = time.Minute
	}
	return func(c *fiber.Ctx) error {
		ok, err := l.Allow(c.UserContext(), userID(c), limit, window)
		if err != nil {
			log.Warn("rate limiter unavailable", zap.Error(err))
			return c.Next()
		}
		if !ok {
			return apperr.ErrRateLimited
		}
		return c.Next()
	}
}
