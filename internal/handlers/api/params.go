package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/haukh/idport/model"
	"github.com/spf13/cast"
)

func orgIDParam(ctx *fiber.Ctx) (uint, error) {
	orgID := cast.ToUint(ctx.Params("orgID"))
	if orgID == 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid organization id")
	}
	return orgID, nil
}

func idpKindParam(ctx *fiber.Ctx) (string, error) {
	kind := ctx.Params("idpKind")
	if !model.KnownIdPKind(kind) {
		return "", fiber.NewError(fiber.StatusNotFound, "unknown identity provider")
	}
	return kind, nil
}
