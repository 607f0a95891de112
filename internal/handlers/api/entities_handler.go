package api

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/haukh/idport/internal/actor"
	"github.com/haukh/idport/internal/entities"
	"github.com/haukh/idport/internal/lifecycle"
	"github.com/haukh/idport/internal/settings"
	"github.com/spf13/cast"
)

// EntitiesHandler exposes the local mirror: listing, inspection, and the
// explicit restore path that cancels pending lifecycle actions.
type EntitiesHandler struct {
	mirror   *entities.Mirror
	settings settings.Repository
}

func (h *EntitiesHandler) GetEntities(ctx *fiber.Ctx) error {
	orgID, err := orgIDParam(ctx)
	if err != nil {
		return err
	}
	opts := entities.ListOptions{
		EntityType: ctx.Query("entityType"),
		IdPKind:    ctx.Query("idpKind"),
		State:      ctx.Query("state"),
		Limit:      cast.ToInt(ctx.Query("limit")),
		Offset:     cast.ToInt(ctx.Query("offset")),
	}
	list, err := h.mirror.Repo().List(ctx.Context(), orgID, opts)
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(list))
}

func (h *EntitiesHandler) GetEntity(ctx *fiber.Ctx) error {
	orgID, err := orgIDParam(ctx)
	if err != nil {
		return err
	}
	entity, err := h.mirror.Repo().FirstByID(ctx.Context(), orgID, cast.ToUint(ctx.Params("id")))
	if errors.Is(err, entities.ErrEntityNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "entity not found")
	}
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(entity))
}

type restorePayload struct {
	Side string `json:"side"`
}

// PostRestore moves the given side of the entity back to active and cancels
// any pending delete. It is the only supported downgrade path.
func (h *EntitiesHandler) PostRestore(ctx *fiber.Ctx) error {
	orgID, err := orgIDParam(ctx)
	if err != nil {
		return err
	}
	entity, err := h.mirror.Repo().FirstByID(ctx.Context(), orgID, cast.ToUint(ctx.Params("id")))
	if errors.Is(err, entities.ErrEntityNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "entity not found")
	}
	if err != nil {
		return err
	}

	payload := restorePayload{Side: string(lifecycle.SideLocal)}
	if len(bytes.TrimSpace(ctx.Body())) > 0 {
		dec := json.NewDecoder(bytes.NewReader(ctx.Body()))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&payload); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "malformed restore request")
		}
	}
	side := lifecycle.Side(payload.Side)
	if side != lifecycle.SideLocal && side != lifecycle.SideExternal {
		return fiber.NewError(fiber.StatusBadRequest, "side must be local or external")
	}

	cfg, err := h.settings.Get(ctx.Context(), orgID, entity.IdPKind)
	if err != nil {
		return err
	}
	if err := h.mirror.Restore(ctx.Context(), entity, side, cfg, actor.FromCtx(ctx)); err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(entity))
}

func NewEntitiesHandler(mirror *entities.Mirror, settingsRepo settings.Repository) *EntitiesHandler {
	return &EntitiesHandler{
		mirror:   mirror,
		settings: settingsRepo,
	}
}
