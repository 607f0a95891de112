package model

import (
	"time"

	"gorm.io/gorm"
)

const (
	EntityTypeUser  = "user"
	EntityTypeGroup = "group"
)

// Per-side lifecycle states of a managed entity.
const (
	StateActive    = "active"
	StateFlagged   = "flagged"
	StateSuspended = "suspended"
	StateDeleted   = "deleted"
)

// ManagedEntity is a user or group mirrored between the local store and an
// external identity provider. Rows are never physically deleted; StateDeleted
// is a terminal state value and a separate purge job may remove rows after
// the grace period.
type ManagedEntity struct {
	ID         uint   `gorm:"primarykey"`
	OrgID      uint   `gorm:"uniqueIndex:idx_org_external;index:idx_org_type;not null"`
	EntityType string `gorm:"uniqueIndex:idx_org_external;index:idx_org_type;size:16;not null"`
	IdPKind    string `gorm:"column:idp_kind;size:16;not null"`
	// ExternalID is assigned by the IdP. Entities only come into existence
	// from an external observation, so the column is never empty; the check
	// keeps a raw write from planting an empty value on the unique index.
	ExternalID string `gorm:"uniqueIndex:idx_org_external;size:128;not null;check:chk_entity_external_id,external_id <> ''"`

	Name       string   `gorm:"size:256"`
	Email      string   `gorm:"size:256;index"`
	Department string   `gorm:"size:128"`
	OrgUnit    string   `gorm:"size:256"`
	Members    []string `gorm:"serializer:json;type:text"` // group member emails, kept sorted

	LocalState    string `gorm:"size:16;not null;default:active"`
	ExternalState string `gorm:"size:16;not null;default:active"`

	LocalUpdatedAt     time.Time  // last local mutation of tracked fields
	ExternalObservedAt *time.Time // last time the entity was seen externally
	PendingDeleteAt    *time.Time `gorm:"index"`   // grace-period deferred delete deadline
	PendingDeleteSide  string     `gorm:"size:16"` // side the deferred delete will land on

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (e *ManagedEntity) BeforeCreate(tx *gorm.DB) error {
	if e.ID == 0 {
		e.ID = GenerateID()
	}
	return nil
}

// Inert reports whether the entity is deleted on both sides; observations of
// an inert entity are recorded but drive no further action.
func (e *ManagedEntity) Inert() bool {
	return e.LocalState == StateDeleted && e.ExternalState == StateDeleted
}
