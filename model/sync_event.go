package model

import "time"

// Audit event types appended to the per-organization hash chain.
const (
	EventTypeProxiedCall         = "proxied_call"
	EventTypeConflictDetected    = "conflict_detected"
	EventTypeLifecycleTransition = "lifecycle_transition"
	EventTypeLifecycleEscalation = "lifecycle_escalation"
	EventTypeSyncCompleted       = "sync_completed"
	EventTypeSyncFailed          = "sync_failed"
	EventTypeCredentialRotated   = "credential_rotated"
)

// Event sources: which side triggered the recorded decision.
const (
	SourceLocal     = "local"
	SourceExternal  = "external"
	SourceScheduler = "scheduler"
)

// Event outcomes.
const (
	OutcomeOK            = "ok"
	OutcomeUpstreamError = "upstream_error"
	OutcomeRateLimited   = "rate_limited"
	OutcomeCancelled     = "cancelled"
	OutcomeError         = "error"
)

// SyncEvent is one immutable audit record. Records are appended by the audit
// log only and form a per-organization hash chain: RecordHash covers the
// record's identifying fields plus PreviousHash, the RecordHash of the most
// recently appended record for the same organization. The table is strictly
// append-only; no code path updates or deletes rows.
type SyncEvent struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	EventID   string `gorm:"uniqueIndex;size:36;not null"` // uuid, stable across retries of the caller
	OrgID     uint   `gorm:"index:idx_event_org_time;not null"`
	EventType string `gorm:"size:32;not null;index"`
	Outcome   string `gorm:"size:24;not null"`

	EntityType string `gorm:"size:16;index:idx_event_entity"`
	InternalID uint   `gorm:"index:idx_event_entity"`
	ExternalID string `gorm:"size:128;index"`
	IdPKind    string `gorm:"column:idp_kind;size:16"`

	Source    string `gorm:"size:16;not null"`
	Actor     string `gorm:"size:256;not null"`
	ActorType string `gorm:"size:16;not null"`

	PreviousValues string `gorm:"type:text"` // JSON snapshot before the change, when known
	NewValues      string `gorm:"type:text"` // JSON snapshot after the change, when known
	Detail         string `gorm:"size:1024"` // human-readable context, failure reason, tie-break note

	ConflictDetected bool   `gorm:"default:false;not null"`
	ResolutionPolicy string `gorm:"size:32"`

	PreviousHash string `gorm:"size:64;not null"` // empty for the organization's genesis record
	RecordHash   string `gorm:"size:64;not null;index"`
	// Microsecond precision: the hash covers the formatted timestamp, so the
	// stored value must round-trip exactly.
	Timestamp time.Time `gorm:"index:idx_event_org_time;not null;type:datetime(6)"`
}

func (SyncEvent) TableName() string {
	return "sync_event"
}
