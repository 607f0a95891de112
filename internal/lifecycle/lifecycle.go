// Package lifecycle decides how deletions and suspensions propagate between
// the local store and an external IdP. Like reconcile, it is pure: callers
// persist state changes and emit audit records.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/haukh/idport/model"
)

type Side string

const (
	SideLocal    Side = "local"
	SideExternal Side = "external"
)

func (s Side) Opposite() Side {
	if s == SideLocal {
		return SideExternal
	}
	return SideLocal
}

type Action string

const (
	ActionNone    Action = "none"
	ActionFlag    Action = "flag"
	ActionNotify  Action = "notify"
	ActionSuspend Action = "suspend"
	ActionDelete  Action = "delete"
)

func KnownAction(a Action) bool {
	switch a {
	case ActionNone, ActionFlag, ActionNotify, ActionSuspend, ActionDelete:
		return true
	}
	return false
}

// Observation types. Restore is the only way a state ever moves back toward
// Active; a plain state change never downgrades.
const (
	ObservationStateChange = "state_change"
	ObservationAbsence     = "absence" // entity present locally, missing externally
	ObservationRestore     = "restore"
)

type Observation struct {
	Type       string
	Side       Side // side the change was observed on
	OldState   string
	NewState   string
	ObservedAt time.Time
}

// Policy is the per-(organization, IdP) escalation configuration.
type Policy struct {
	OnExternalSuspend Action
	OnExternalDelete  Action
	OnLocalSuspend    Action
	OnLocalDelete     Action
	GracePeriodDays   int
	NotifyAdmins      bool
}

func PolicyFromSettings(s *model.SyncSettings) Policy {
	return Policy{
		OnExternalSuspend: Action(s.OnExternalSuspend),
		OnExternalDelete:  Action(s.OnExternalDelete),
		OnLocalSuspend:    Action(s.OnLocalSuspend),
		OnLocalDelete:     Action(s.OnLocalDelete),
		GracePeriodDays:   s.GracePeriodDays,
		NotifyAdmins:      s.NotifyAdmins,
	}
}

// Decision is what the caller should do to the target side.
type Decision struct {
	Action     Action
	TargetSide Side
	NewState   string // state to set on the target side, empty when none
	// Deferred marks a delete converted to suspend-then-pending-delete by
	// the grace period; PendingDeleteAt is the re-evaluation deadline.
	Deferred        bool
	PendingDeleteAt *time.Time
	ClearPending    bool
	Notify          bool
	Escalation      bool // emit a lifecycle_escalation record
	Hold            bool // record the observation, change nothing
	Reason          string
}

var severity = map[string]int{
	model.StateActive:    0,
	model.StateFlagged:   1,
	model.StateSuspended: 2,
	model.StateDeleted:   3,
}

func actionState(a Action) string {
	switch a {
	case ActionFlag:
		return model.StateFlagged
	case ActionSuspend:
		return model.StateSuspended
	case ActionDelete:
		return model.StateDeleted
	}
	return ""
}

func sideState(entity *model.ManagedEntity, side Side) string {
	if side == SideLocal {
		return entity.LocalState
	}
	return entity.ExternalState
}

// Evaluate maps an observation to the action configured for it. Actions only
// escalate or hold; once an entity is Deleted on both sides it is inert.
func Evaluate(policy Policy, entity *model.ManagedEntity, obs Observation, now time.Time) Decision {
	if entity.Inert() {
		return Decision{Hold: true, Reason: "entity deleted on both sides"}
	}

	target := obs.Side.Opposite()

	if obs.Type == ObservationRestore {
		return Decision{
			Action:       ActionNone,
			TargetSide:   target,
			NewState:     model.StateActive,
			ClearPending: true,
			Notify:       policy.NotifyAdmins,
			Reason:       fmt.Sprintf("explicit restore, %s side set active", target),
		}
	}

	action := lookupAction(policy, obs)
	if !KnownAction(action) || action == ActionNone {
		return Decision{Action: ActionNone, TargetSide: target, Hold: true, Reason: "no action configured"}
	}

	if action == ActionNotify {
		return Decision{
			Action:     ActionNotify,
			TargetSide: target,
			Notify:     true,
			Reason:     fmt.Sprintf("%s observed %s -> %s", obs.Side, obs.OldState, obs.NewState),
		}
	}

	// Grace period turns an immediate delete into suspend plus a pending
	// delete re-evaluated at expiry.
	deferred := false
	var pendingAt *time.Time
	if action == ActionDelete && policy.GracePeriodDays > 0 {
		action = ActionSuspend
		deferred = true
		deadline := now.Add(time.Duration(policy.GracePeriodDays) * 24 * time.Hour)
		pendingAt = &deadline
	}

	newState := actionState(action)
	current := sideState(entity, target)
	if severity[newState] <= severity[current] {
		// Never silently resurrect, and re-observing an equal-severity
		// change is a no-op.
		return Decision{Action: ActionNone, TargetSide: target, Hold: true,
			Reason: fmt.Sprintf("%s side already at %s", target, current)}
	}

	return Decision{
		Action:          action,
		TargetSide:      target,
		NewState:        newState,
		Deferred:        deferred,
		PendingDeleteAt: pendingAt,
		Notify:          policy.NotifyAdmins,
		Escalation:      true,
		Reason:          fmt.Sprintf("%s observed %s -> %s", obs.Side, obs.OldState, obs.NewState),
	}
}

// EvaluatePending re-checks a grace-period deferred delete. Eligible means
// the deadline has passed and no restore intervened: the target side is
// still suspended.
func EvaluatePending(policy Policy, entity *model.ManagedEntity, side Side, now time.Time) Decision {
	if entity.PendingDeleteAt == nil {
		return Decision{Hold: true, Reason: "no pending delete"}
	}
	if entity.Inert() {
		return Decision{Hold: true, ClearPending: true, Reason: "entity deleted on both sides"}
	}
	if now.Before(*entity.PendingDeleteAt) {
		return Decision{Hold: true, Reason: "grace period still running"}
	}
	if sideState(entity, side) != model.StateSuspended {
		return Decision{Hold: true, ClearPending: true,
			Reason: fmt.Sprintf("%s side no longer suspended, pending delete dropped", side)}
	}
	return Decision{
		Action:       ActionDelete,
		TargetSide:   side,
		NewState:     model.StateDeleted,
		ClearPending: true,
		Notify:       policy.NotifyAdmins,
		Escalation:   true,
		Reason:       "grace period expired",
	}
}

func lookupAction(policy Policy, obs Observation) Action {
	if obs.Type == ObservationAbsence {
		// Missing from an external listing is an external delete.
		return policy.OnExternalDelete
	}
	switch obs.Side {
	case SideExternal:
		switch obs.NewState {
		case model.StateSuspended:
			return policy.OnExternalSuspend
		case model.StateDeleted:
			return policy.OnExternalDelete
		}
	case SideLocal:
		switch obs.NewState {
		case model.StateSuspended:
			return policy.OnLocalSuspend
		case model.StateDeleted:
			return policy.OnLocalDelete
		}
	}
	return ActionNone
}
