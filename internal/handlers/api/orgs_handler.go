package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/haukh/idport/internal/orgs"
	"github.com/haukh/idport/model"
)

type OrgsHandler struct {
	orgs orgs.Repository
}

type orgPayload struct {
	Name        string   `json:"name"`
	Domain      string   `json:"domain"`
	AdminEmails []string `json:"adminEmails,omitempty"`
}

func (h *OrgsHandler) GetOrgs(ctx *fiber.Ctx) error {
	list, err := h.orgs.List(ctx.Context())
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(list))
}

func (h *OrgsHandler) GetOrg(ctx *fiber.Ctx) error {
	orgID, err := orgIDParam(ctx)
	if err != nil {
		return err
	}
	org, err := h.orgs.FirstByID(ctx.Context(), orgID)
	if errors.Is(err, orgs.ErrOrgNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "organization not found")
	}
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(org))
}

func (h *OrgsHandler) PostOrg(ctx *fiber.Ctx) error {
	var payload orgPayload
	dec := json.NewDecoder(bytes.NewReader(ctx.Body()))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed organization payload")
	}
	if payload.Name == "" || payload.Domain == "" {
		return fiber.NewError(fiber.StatusBadRequest, "name and domain are required")
	}
	org := &model.Organization{
		Name:        payload.Name,
		Domain:      payload.Domain,
		AdminEmails: strings.Join(payload.AdminEmails, ","),
	}
	if err := h.orgs.Create(ctx.Context(), org); errors.Is(err, orgs.ErrDomainRegistered) {
		return fiber.NewError(fiber.StatusConflict, "domain already registered")
	} else if err != nil {
		return err
	}
	return ctx.Status(fiber.StatusCreated).JSON(NewDataResponse(org))
}

func NewOrgsHandler(orgsRepo orgs.Repository) *OrgsHandler {
	return &OrgsHandler{orgs: orgsRepo}
}
