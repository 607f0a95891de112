package model

import (
	"time"

	"gorm.io/gorm"
)

const (
	IdPKindGoogle    = "google"
	IdPKindMicrosoft = "microsoft"
)

// KnownIdPKind reports whether kind names a supported identity provider.
func KnownIdPKind(kind string) bool {
	return kind == IdPKindGoogle || kind == IdPKindMicrosoft
}

// IdPCredential holds one set of sealed provider credentials per organization
// and IdP kind. SealedMaterial is AEAD-encrypted with the portal master key;
// plaintext secret material is never persisted or logged.
type IdPCredential struct {
	ID             uint   `gorm:"primarykey"`
	OrgID          uint   `gorm:"uniqueIndex:idx_org_idp;not null"`
	IdPKind        string `gorm:"column:idp_kind;uniqueIndex:idx_org_idp;size:16;not null"`
	SealedMaterial []byte `gorm:"type:blob;not null"`
	// Principal is the admin account impersonated through domain-wide
	// delegation (Google) or left empty where the grant is app-level.
	Principal string `gorm:"size:256"`
	RotatedAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c *IdPCredential) BeforeCreate(tx *gorm.DB) error {
	if c.ID == 0 {
		c.ID = GenerateID()
	}
	return nil
}
