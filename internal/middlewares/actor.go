package middlewares

import (
	"github.com/gofiber/fiber/v2"
	"github.com/haukh/idport/internal/actor"
)

// WithActor authenticates the request and stores the resolved actor for
// handlers and audit attribution. Unauthenticated requests are rejected.
func WithActor(resolver *actor.Resolver) fiber.Handler {
	return func(c *fiber.Ctx) error {
		act, err := resolver.Resolve(c)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "authentication required")
		}
		actor.StoreInCtx(c, act)
		return c.Next()
	}
}
