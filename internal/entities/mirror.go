package entities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haukh/idport/internal/actor"
	"github.com/haukh/idport/internal/audit"
	"github.com/haukh/idport/internal/lifecycle"
	"github.com/haukh/idport/internal/metrics"
	"github.com/haukh/idport/internal/reconcile"
	"github.com/haukh/idport/internal/settings"
	"github.com/haukh/idport/model"
)

// Pusher propagates local values or lifecycle actions outbound to the IdP.
// Implemented by the proxy gateway.
type Pusher interface {
	PushUpdate(ctx context.Context, orgID uint, kind, entityType, externalID string, patch map[string]string, act actor.Actor) error
	PushState(ctx context.Context, orgID uint, kind, entityType, externalID string, action lifecycle.Action, act actor.Actor) error
}

// Notifier delivers lifecycle notifications to organization admins.
type Notifier interface {
	NotifyEscalation(ctx context.Context, orgID uint, entity *model.ManagedEntity, reason string) error
}

// Mirror applies observations of external entities to the local store: it
// runs conflict resolution, drives the lifecycle state machine and appends
// the audit trail. Audit records are appended before the local write lands;
// if the audit log cannot be written the mutation is not committed.
type Mirror struct {
	repo     EntityRepository
	log      audit.Appender
	pusher   Pusher
	notifier Notifier
}

func (m *Mirror) SetPusher(p Pusher) { m.pusher = p }

func (m *Mirror) SetNotifier(n Notifier) { m.notifier = n }

func (m *Mirror) Repo() EntityRepository { return m.repo }

// ObserveExternal reconciles a freshly observed external entity against the
// local record, creating the record on first sight.
func (m *Mirror) ObserveExternal(ctx context.Context, orgID uint, kind, entityType string, obs *reconcile.Observed, cfg *model.SyncSettings, act actor.Actor, source string) (*model.ManagedEntity, error) {
	entity, err := m.repo.FirstByExternalID(ctx, orgID, entityType, obs.ExternalID)
	if errors.Is(err, ErrEntityNotFound) {
		return m.adoptExternal(ctx, orgID, kind, entityType, obs)
	}
	if err != nil {
		return nil, err
	}

	if entity.Inert() {
		// Recorded but driving no action.
		_, err := m.log.Append(ctx, orgID, audit.Entry{
			EventType:  model.EventTypeLifecycleTransition,
			Outcome:    model.OutcomeOK,
			EntityType: entityType,
			InternalID: entity.ID,
			ExternalID: entity.ExternalID,
			IdPKind:    kind,
			Source:     source,
			Actor:      act.Subject,
			ActorType:  act.Type,
			Detail:     "observation on inert entity, no action",
		})
		return entity, err
	}

	prevSnapshot := reconcile.SnapshotEntity(entity)
	result := reconcile.Reconcile(entity, obs, settings.ConflictPolicy(cfg))

	if settings.AllowsInbound(cfg) && len(result.LocalPatch) > 0 {
		reconcile.ApplyToEntity(entity, result.LocalPatch)
	}
	now := time.Now().UTC()
	entity.ExternalObservedAt = &obs.ObservedAt
	if entity.ExternalObservedAt.IsZero() {
		entity.ExternalObservedAt = &now
	}

	if len(result.Conflicts) > 0 {
		entry := conflictEntry(entity, kind, source, act, cfg, prevSnapshot, result)
		if _, err := m.log.Append(ctx, orgID, entry); err != nil {
			return nil, err
		}
		metrics.ConflictsDetected.WithLabelValues(cfg.FieldPriority).Add(float64(len(result.Conflicts)))
	}

	if err := m.repo.Save(ctx, entity); err != nil {
		return nil, err
	}

	if settings.AllowsOutbound(cfg) && len(result.ExternalPatch) > 0 && m.pusher != nil {
		if err := m.pusher.PushUpdate(ctx, orgID, kind, entityType, entity.ExternalID, result.ExternalPatch, act); err != nil {
			// Outbound convergence failure must not lose the inbound
			// apply; the next pass retries.
			slog.Error("Outbound push failed", "org", orgID, "idp", kind, "entity", entity.ID, "error", err)
		}
	}

	if obs.State != "" && obs.State != entity.ExternalState {
		if err := m.observeStateChange(ctx, entity, lifecycle.SideExternal, obs.State, lifecycle.ObservationStateChange, cfg, act, source); err != nil {
			return nil, err
		}
	}
	return entity, nil
}

// ObserveExternalDeleted handles a classified external delete (a 2xx delete
// response or absence from a full listing).
func (m *Mirror) ObserveExternalDeleted(ctx context.Context, entity *model.ManagedEntity, obsType string, cfg *model.SyncSettings, act actor.Actor, source string) error {
	return m.observeStateChange(ctx, entity, lifecycle.SideExternal, model.StateDeleted, obsType, cfg, act, source)
}

// ObserveLocalState records a local-side state change (portal suspend or
// delete) and propagates it per the outbound lifecycle policy.
func (m *Mirror) ObserveLocalState(ctx context.Context, entity *model.ManagedEntity, newState string, cfg *model.SyncSettings, act actor.Actor) error {
	return m.observeStateChange(ctx, entity, lifecycle.SideLocal, newState, lifecycle.ObservationStateChange, cfg, act, model.SourceLocal)
}

// Restore is the explicit downgrade path: it moves the given side back to
// Active and cancels any pending delete. Internally the restore is an
// observation on the opposite side, which the lifecycle engine maps back to
// the requested one.
func (m *Mirror) Restore(ctx context.Context, entity *model.ManagedEntity, side lifecycle.Side, cfg *model.SyncSettings, act actor.Actor) error {
	return m.observeStateChange(ctx, entity, side.Opposite(), model.StateActive, lifecycle.ObservationRestore, cfg, act, model.SourceLocal)
}

func (m *Mirror) observeStateChange(ctx context.Context, entity *model.ManagedEntity, side lifecycle.Side, newState, obsType string, cfg *model.SyncSettings, act actor.Actor, source string) error {
	oldState := entity.ExternalState
	if side == lifecycle.SideLocal {
		oldState = entity.LocalState
	}
	obs := lifecycle.Observation{
		Type:       obsType,
		Side:       side,
		OldState:   oldState,
		NewState:   newState,
		ObservedAt: time.Now().UTC(),
	}
	decision := lifecycle.Evaluate(lifecycle.PolicyFromSettings(cfg), entity, obs, obs.ObservedAt)

	// Record the observed side's state regardless of the decision; the
	// decision governs the opposite side only. The recorded state must be
	// persisted even when the decision is a hold, or the next poll would
	// re-detect the same change and append a duplicate lifecycle record.
	dirty := false
	if !entity.Inert() && obsType != lifecycle.ObservationRestore {
		if side == lifecycle.SideExternal && entity.ExternalState != newState {
			entity.ExternalState = newState
			dirty = true
		}
		if side == lifecycle.SideLocal && entity.LocalState != newState {
			entity.LocalState = newState
			dirty = true
		}
	}

	return m.applyDecision(ctx, entity, decision, cfg, act, source, dirty)
}

// ProcessPending executes grace-period deletes that have come due.
func (m *Mirror) ProcessPending(ctx context.Context, orgID uint, kind string, cfg *model.SyncSettings, now time.Time, act actor.Actor) (int, error) {
	due, err := m.repo.ListPendingDeletes(ctx, orgID, kind, now)
	if err != nil {
		return 0, err
	}
	executed := 0
	for i := range due {
		entity := &due[i]
		// The entity records which side the deferred delete targets; rows
		// written before the side was tracked default to local.
		side := lifecycle.Side(entity.PendingDeleteSide)
		if side != lifecycle.SideExternal {
			side = lifecycle.SideLocal
		}
		decision := lifecycle.EvaluatePending(lifecycle.PolicyFromSettings(cfg), entity, side, now)
		if err := m.applyDecision(ctx, entity, decision, cfg, act, model.SourceScheduler, false); err != nil {
			return executed, err
		}
		if decision.Action == lifecycle.ActionDelete {
			executed++
		}
	}
	return executed, nil
}

func (m *Mirror) applyDecision(ctx context.Context, entity *model.ManagedEntity, decision lifecycle.Decision, cfg *model.SyncSettings, act actor.Actor, source string, dirty bool) error {
	changed := dirty
	if decision.NewState != "" && !decision.Hold {
		if decision.TargetSide == lifecycle.SideLocal {
			entity.LocalState = decision.NewState
		} else {
			entity.ExternalState = decision.NewState
		}
		changed = true
	}
	if decision.PendingDeleteAt != nil {
		entity.PendingDeleteAt = decision.PendingDeleteAt
		entity.PendingDeleteSide = string(decision.TargetSide)
		changed = true
	}
	if decision.ClearPending && entity.PendingDeleteAt != nil {
		entity.PendingDeleteAt = nil
		entity.PendingDeleteSide = ""
		changed = true
	}

	eventType := model.EventTypeLifecycleTransition
	if decision.Escalation {
		eventType = model.EventTypeLifecycleEscalation
	}
	detail := decision.Reason
	if decision.Deferred {
		detail = fmt.Sprintf("%s; delete deferred until %s", detail, decision.PendingDeleteAt.Format(time.RFC3339))
	}
	entry := audit.Entry{
		EventType:  eventType,
		Outcome:    model.OutcomeOK,
		EntityType: entity.EntityType,
		InternalID: entity.ID,
		ExternalID: entity.ExternalID,
		IdPKind:    entity.IdPKind,
		Source:     source,
		Actor:      act.Subject,
		ActorType:  act.Type,
		Detail:     detail,
	}
	if _, err := m.log.Append(ctx, entity.OrgID, entry); err != nil {
		return err
	}

	if changed || !decision.Hold {
		entity.LocalUpdatedAt = time.Now().UTC()
		if err := m.repo.Save(ctx, entity); err != nil {
			return err
		}
	}

	if decision.Action != lifecycle.ActionNone && !decision.Hold {
		metrics.LifecycleActions.WithLabelValues(string(decision.Action)).Inc()
	}

	// Outbound propagation: a decision targeting the external side is
	// executed against the IdP.
	if decision.TargetSide == lifecycle.SideExternal && !decision.Hold &&
		(decision.Action == lifecycle.ActionSuspend || decision.Action == lifecycle.ActionDelete) &&
		settings.AllowsOutbound(cfg) && m.pusher != nil && entity.ExternalID != "" {
		if err := m.pusher.PushState(ctx, entity.OrgID, entity.IdPKind, entity.EntityType, entity.ExternalID, decision.Action, act); err != nil {
			slog.Error("Outbound state push failed", "org", entity.OrgID, "entity", entity.ID, "action", decision.Action, "error", err)
		}
	}

	if decision.Notify && m.notifier != nil {
		if err := m.notifier.NotifyEscalation(ctx, entity.OrgID, entity, decision.Reason); err != nil {
			slog.Warn("Escalation notification failed", "org", entity.OrgID, "entity", entity.ID, "error", err)
		}
	}
	return nil
}

func (m *Mirror) adoptExternal(ctx context.Context, orgID uint, kind, entityType string, obs *reconcile.Observed) (*model.ManagedEntity, error) {
	if obs.ExternalID == "" {
		return nil, ErrMissingExternalID
	}
	observedAt := obs.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}
	state := obs.State
	if state == "" {
		state = model.StateActive
	}
	entity := &model.ManagedEntity{
		OrgID:              orgID,
		EntityType:         entityType,
		IdPKind:            kind,
		ExternalID:         obs.ExternalID,
		Name:               obs.Name,
		Email:              obs.Email,
		Department:         obs.Department,
		OrgUnit:            obs.OrgUnit,
		Members:            obs.Members,
		LocalState:         model.StateActive,
		ExternalState:      state,
		ExternalObservedAt: &observedAt,
	}
	if err := m.repo.Create(ctx, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

func conflictEntry(entity *model.ManagedEntity, kind, source string, act actor.Actor, cfg *model.SyncSettings, prev map[string]string, result reconcile.Result) audit.Entry {
	newSnapshot := reconcile.SnapshotEntity(entity)
	prevJSON, _ := json.Marshal(prev)
	newJSON, _ := json.Marshal(newSnapshot)

	var notes []string
	for _, c := range result.Conflicts {
		note := fmt.Sprintf("%s->%s", c.Field, c.Winner)
		if c.TieBreak {
			note += " (tie-break)"
		}
		if c.NeedsReview {
			note += " (needs review)"
		}
		notes = append(notes, note)
	}
	return audit.Entry{
		EventType:        model.EventTypeConflictDetected,
		Outcome:          model.OutcomeOK,
		EntityType:       entity.EntityType,
		InternalID:       entity.ID,
		ExternalID:       entity.ExternalID,
		IdPKind:          kind,
		Source:           source,
		Actor:            act.Subject,
		ActorType:        act.Type,
		PreviousValues:   string(prevJSON),
		NewValues:        string(newJSON),
		Detail:           strings.Join(notes, ", "),
		ConflictDetected: true,
		ResolutionPolicy: cfg.FieldPriority,
	}
}

func NewMirror(repo EntityRepository, log audit.Appender) *Mirror {
	return &Mirror{
		repo: repo,
		log:  log,
	}
}
