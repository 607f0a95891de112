package credentials

import (
	"context"

	"github.com/haukh/idport/model"
	"gorm.io/gorm"
)

type CredentialRepository interface {
	First(ctx context.Context, orgID uint, kind string) (*model.IdPCredential, error)
	Create(ctx context.Context, cred *model.IdPCredential) error
	Updates(ctx context.Context, orgID uint, kind string, columns map[string]interface{}) (int64, error)
}

type credentialRepository struct {
	db *gorm.DB
}

func (r *credentialRepository) First(ctx context.Context, orgID uint, kind string) (*model.IdPCredential, error) {
	var cred model.IdPCredential
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND idp_kind = ?", orgID, kind).
		First(&cred).Error
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (r *credentialRepository) Create(ctx context.Context, cred *model.IdPCredential) error {
	return r.db.WithContext(ctx).Create(cred).Error
}

func (r *credentialRepository) Updates(ctx context.Context, orgID uint, kind string, columns map[string]interface{}) (int64, error) {
	tx := r.db.WithContext(ctx).
		Model(&model.IdPCredential{}).
		Where("org_id = ? AND idp_kind = ?", orgID, kind).
		Updates(columns)
	return tx.RowsAffected, tx.Error
}

func NewCredentialRepository(db *gorm.DB) CredentialRepository {
	return &credentialRepository{db: db}
}
