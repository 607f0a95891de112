package api

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/haukh/idport/internal/poller"
	"github.com/haukh/idport/internal/settings"
	"github.com/haukh/idport/model"
)

// SettingsHandler manages per-(organization, IdP) sync configuration and the
// manual poll trigger.
type SettingsHandler struct {
	settings settings.Repository
	poller   *poller.Scheduler
}

type syncSettingsPayload struct {
	Enabled             bool              `json:"enabled"`
	SyncDirection       string            `json:"syncDirection"`
	SyncIntervalSeconds int               `json:"syncIntervalSeconds"`
	FieldPriority       string            `json:"fieldPriority"`
	FieldOverrides      map[string]string `json:"fieldOverrides,omitempty"`
	OnExternalSuspend   string            `json:"onExternalSuspend"`
	OnExternalDelete    string            `json:"onExternalDelete"`
	OnLocalSuspend      string            `json:"onLocalSuspend"`
	OnLocalDelete       string            `json:"onLocalDelete"`
	GracePeriodDays     int               `json:"gracePeriodDays"`
	NotifyAdmins        bool              `json:"notifyAdmins"`
}

func settingsPayload(s *model.SyncSettings) syncSettingsPayload {
	return syncSettingsPayload{
		Enabled:             s.Enabled,
		SyncDirection:       s.SyncDirection,
		SyncIntervalSeconds: s.SyncIntervalSeconds,
		FieldPriority:       s.FieldPriority,
		FieldOverrides:      s.FieldOverrides,
		OnExternalSuspend:   s.OnExternalSuspend,
		OnExternalDelete:    s.OnExternalDelete,
		OnLocalSuspend:      s.OnLocalSuspend,
		OnLocalDelete:       s.OnLocalDelete,
		GracePeriodDays:     s.GracePeriodDays,
		NotifyAdmins:        s.NotifyAdmins,
	}
}

func (h *SettingsHandler) GetSettings(ctx *fiber.Ctx) error {
	orgID, err := orgIDParam(ctx)
	if err != nil {
		return err
	}
	kind, err := idpKindParam(ctx)
	if err != nil {
		return err
	}
	cfg, err := h.settings.Get(ctx.Context(), orgID, kind)
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(settingsPayload(cfg)))
}

// PutSettings replaces the pair's configuration. Unknown fields are a client
// mistake and rejected rather than dropped.
func (h *SettingsHandler) PutSettings(ctx *fiber.Ctx) error {
	orgID, err := orgIDParam(ctx)
	if err != nil {
		return err
	}
	kind, err := idpKindParam(ctx)
	if err != nil {
		return err
	}

	var payload syncSettingsPayload
	dec := json.NewDecoder(bytes.NewReader(ctx.Body()))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed settings: "+err.Error())
	}

	cfg := &model.SyncSettings{
		OrgID:               orgID,
		IdPKind:             kind,
		Enabled:             payload.Enabled,
		SyncDirection:       payload.SyncDirection,
		SyncIntervalSeconds: payload.SyncIntervalSeconds,
		FieldPriority:       payload.FieldPriority,
		FieldOverrides:      payload.FieldOverrides,
		OnExternalSuspend:   payload.OnExternalSuspend,
		OnExternalDelete:    payload.OnExternalDelete,
		OnLocalSuspend:      payload.OnLocalSuspend,
		OnLocalDelete:       payload.OnLocalDelete,
		GracePeriodDays:     payload.GracePeriodDays,
		NotifyAdmins:        payload.NotifyAdmins,
	}
	if err := settings.Validate(cfg); err != nil {
		if errors.Is(err, settings.ErrInvalid) {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return err
	}
	if err := h.settings.Save(ctx.Context(), cfg); err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(settingsPayload(cfg)))
}

// PostPoll triggers one full sync pass for the pair immediately.
func (h *SettingsHandler) PostPoll(ctx *fiber.Ctx) error {
	orgID, err := orgIDParam(ctx)
	if err != nil {
		return err
	}
	kind, err := idpKindParam(ctx)
	if err != nil {
		return err
	}
	report, err := h.poller.PollOnce(ctx.Context(), orgID, kind)
	if errors.Is(err, poller.ErrPollInProgress) {
		return fiber.NewError(fiber.StatusConflict, "a poll is already running for this pair")
	}
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, "poll failed: "+err.Error())
	}
	return ctx.JSON(NewDataResponse(report))
}

func NewSettingsHandler(settingsRepo settings.Repository, pollScheduler *poller.Scheduler) *SettingsHandler {
	return &SettingsHandler{
		settings: settingsRepo,
		poller:   pollScheduler,
	}
}
