package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/haukh/idport/internal/actor"
	"github.com/haukh/idport/internal/audit"
	"github.com/haukh/idport/internal/proxy"
)

// ProxyHandler forwards arbitrary IdP admin REST calls through the gateway.
type ProxyHandler struct {
	gateway *proxy.Gateway
}

// HandleProxy serves ALL /api/orgs/:orgID/idp/:idpKind/*. The upstream
// response is returned verbatim; only gateway-level failures are translated.
func (h *ProxyHandler) HandleProxy(ctx *fiber.Ctx) error {
	orgID, err := orgIDParam(ctx)
	if err != nil {
		return err
	}
	kind, err := idpKindParam(ctx)
	if err != nil {
		return err
	}

	result, err := h.gateway.Forward(ctx.Context(), proxy.Request{
		OrgID:  orgID,
		Kind:   kind,
		Method: ctx.Method(),
		Path:   ctx.Params("*"),
		Query:  string(ctx.Request().URI().QueryString()),
		Body:   ctx.Body(),
		Actor:  actor.FromCtx(ctx),
	})
	switch {
	case errors.Is(err, audit.ErrWriteFailed):
		// An unrecorded call must not look successful to the caller.
		return ctx.Status(fiber.StatusInternalServerError).JSON(
			NewErrorResponse(fiber.StatusInternalServerError, "audit write failed"),
		)
	case errors.Is(err, proxy.ErrNoCredential):
		// The 401 body was composed by the gateway and recorded.
	case err != nil && (result == nil || result.StatusCode == 0):
		return ctx.Status(fiber.StatusBadGateway).JSON(
			NewErrorResponse(fiber.StatusBadGateway, "upstream request failed"),
		)
	case err != nil:
		// Exhausted retries still carry the upstream's final response.
	}

	if result.ContentType != "" {
		ctx.Set(fiber.HeaderContentType, result.ContentType)
	}
	return ctx.Status(result.StatusCode).Send(result.Body)
}

func NewProxyHandler(gateway *proxy.Gateway) *ProxyHandler {
	return &ProxyHandler{gateway: gateway}
}
