package model

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Organization is the tenant that owns entities, credentials and audit chains.
type Organization struct {
	ID          uint   `gorm:"primarykey"`
	Name        string `gorm:"size:128;not null"`
	Domain      string `gorm:"uniqueIndex;size:256;not null"`
	AdminEmails string `gorm:"size:1024"` // comma separated, recipients for lifecycle notifications
	Disabled    bool   `gorm:"default:false;not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AdminRecipients splits AdminEmails into usable addresses.
func (o *Organization) AdminRecipients() []string {
	var out []string
	for _, addr := range strings.Split(o.AdminEmails, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

func (o *Organization) BeforeCreate(tx *gorm.DB) error {
	if o.ID == 0 {
		o.ID = GenerateID()
	}
	return nil
}
