package model

import (
	"time"

	"gorm.io/gorm"
)

const (
	SyncDirectionInbound       = "inbound_only"
	SyncDirectionOutbound      = "outbound_only"
	SyncDirectionBidirectional = "bidirectional"
)

// SyncSettings is the per-(organization, IdP) sync configuration: conflict
// policy, lifecycle rules and polling cadence. One row per pair; read once at
// the start of a reconciliation pass.
type SyncSettings struct {
	ID      uint   `gorm:"primarykey"`
	OrgID   uint   `gorm:"uniqueIndex:idx_settings_org_idp;not null"`
	IdPKind string `gorm:"column:idp_kind;uniqueIndex:idx_settings_org_idp;size:16;not null"`

	Enabled             bool   `gorm:"default:true;not null"`
	SyncDirection       string `gorm:"size:16;not null;default:bidirectional"`
	SyncIntervalSeconds int    `gorm:"not null;default:900"`

	FieldPriority  string            `gorm:"size:32;not null;default:external_wins"`
	FieldOverrides map[string]string `gorm:"serializer:json;type:text"`

	OnExternalSuspend string `gorm:"size:16;not null;default:suspend"`
	OnExternalDelete  string `gorm:"size:16;not null;default:suspend"`
	OnLocalSuspend    string `gorm:"size:16;not null;default:notify"`
	OnLocalDelete     string `gorm:"size:16;not null;default:notify"`
	GracePeriodDays   int    `gorm:"not null;default:7"`
	NotifyAdmins      bool   `gorm:"default:false;not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s *SyncSettings) BeforeCreate(tx *gorm.DB) error {
	if s.ID == 0 {
		s.ID = GenerateID()
	}
	return nil
}
