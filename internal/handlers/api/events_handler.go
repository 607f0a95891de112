package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/haukh/idport/internal/audit"
	"github.com/haukh/idport/params"
	"github.com/spf13/cast"
)

// EventsHandler exposes the read-only audit trail and chain verification.
type EventsHandler struct {
	log *audit.Log
}

func (h *EventsHandler) GetEvents(ctx *fiber.Ctx) error {
	orgID, err := orgIDParam(ctx)
	if err != nil {
		return err
	}
	filter := audit.Filter{
		EntityType: ctx.Query("entityType"),
		InternalID: cast.ToUint(ctx.Query("internalID")),
		ExternalID: ctx.Query("externalID"),
		EventType:  ctx.Query("eventType"),
		Limit:      cast.ToInt(ctx.Query("limit")),
		Offset:     cast.ToInt(ctx.Query("offset")),
	}
	if from := ctx.Query("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid from timestamp")
		}
		filter.From = t
	}
	if to := ctx.Query("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid to timestamp")
		}
		filter.To = t
	}
	if filter.Limit <= 0 {
		filter.Limit = params.AuditQueryDefaultLimit
	}
	if filter.Limit > params.AuditQueryMaxLimit {
		filter.Limit = params.AuditQueryMaxLimit
	}

	events, err := h.log.List(ctx.Context(), orgID, filter)
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(events))
}

// VerifyChain replays the organization's hash chain. A detected break is a
// data problem, not a request problem: it is reported in the payload with
// status 200.
func (h *EventsHandler) VerifyChain(ctx *fiber.Ctx) error {
	orgID, err := orgIDParam(ctx)
	if err != nil {
		return err
	}
	report, err := h.log.Verify(ctx.Context(), orgID)
	var integrityErr *audit.ChainIntegrityError
	if errors.As(err, &integrityErr) {
		return ctx.JSON(NewDataResponse(fiber.Map{
			"report":  report,
			"failure": integrityErr,
		}))
	}
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(fiber.Map{"report": report}))
}

func NewEventsHandler(log *audit.Log) *EventsHandler {
	return &EventsHandler{log: log}
}
