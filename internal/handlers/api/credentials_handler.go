package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/haukh/idport/internal/actor"
	"github.com/haukh/idport/internal/audit"
	"github.com/haukh/idport/internal/credentials"
	"github.com/haukh/idport/model"
)

// CredentialsHandler rotates per-organization IdP credentials. Secret
// material is accepted, sealed and never echoed back.
type CredentialsHandler struct {
	creds *credentials.Service
	log   audit.Appender
}

type rotatePayload struct {
	Principal string               `json:"principal"`
	Material  credentials.Material `json:"material"`
}

func (h *CredentialsHandler) PutCredential(ctx *fiber.Ctx) error {
	orgID, err := orgIDParam(ctx)
	if err != nil {
		return err
	}
	kind, err := idpKindParam(ctx)
	if err != nil {
		return err
	}

	var payload rotatePayload
	dec := json.NewDecoder(bytes.NewReader(ctx.Body()))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed credential payload")
	}

	err = h.creds.Rotate(ctx.Context(), orgID, kind, payload.Principal, payload.Material)
	if errors.Is(err, credentials.ErrBadMaterial) {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err != nil {
		return err
	}

	act := actor.FromCtx(ctx)
	if _, err := h.log.Append(ctx.Context(), orgID, audit.Entry{
		EventType: model.EventTypeCredentialRotated,
		Outcome:   model.OutcomeOK,
		IdPKind:   kind,
		Source:    model.SourceLocal,
		Actor:     act.Subject,
		ActorType: act.Type,
		Detail:    "credential material rotated, principal " + payload.Principal,
	}); err != nil {
		return err
	}

	return ctx.JSON(NewDataResponse(fiber.Map{
		"idpKind":   kind,
		"principal": payload.Principal,
		"rotatedAt": time.Now().UTC(),
	}))
}

func NewCredentialsHandler(creds *credentials.Service, log audit.Appender) *CredentialsHandler {
	return &CredentialsHandler{
		creds: creds,
		log:   log,
	}
}
