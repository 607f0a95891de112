package entities

import (
	"context"
	"errors"
	"time"

	"github.com/haukh/idport/model"
	"gorm.io/gorm"
)

type ListOptions struct {
	EntityType string
	IdPKind    string
	State      string
	Limit      int
	Offset     int
}

type EntityRepository interface {
	FirstByID(ctx context.Context, orgID uint, id uint) (*model.ManagedEntity, error)
	FirstByExternalID(ctx context.Context, orgID uint, entityType, externalID string) (*model.ManagedEntity, error)
	List(ctx context.Context, orgID uint, opts ListOptions) ([]model.ManagedEntity, error)
	// ListSynced returns entities that have been observed externally at
	// least once, the set a poll listing is diffed against.
	ListSynced(ctx context.Context, orgID uint, kind, entityType string) ([]model.ManagedEntity, error)
	ListPendingDeletes(ctx context.Context, orgID uint, kind string, before time.Time) ([]model.ManagedEntity, error)
	Create(ctx context.Context, entity *model.ManagedEntity) error
	Save(ctx context.Context, entity *model.ManagedEntity) error
}

type entityRepository struct {
	db *gorm.DB
}

func (r *entityRepository) FirstByID(ctx context.Context, orgID uint, id uint) (*model.ManagedEntity, error) {
	var entity model.ManagedEntity
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, id).
		First(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

func (r *entityRepository) FirstByExternalID(ctx context.Context, orgID uint, entityType, externalID string) (*model.ManagedEntity, error) {
	var entity model.ManagedEntity
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND entity_type = ? AND external_id = ?", orgID, entityType, externalID).
		First(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

func (r *entityRepository) List(ctx context.Context, orgID uint, opts ListOptions) ([]model.ManagedEntity, error) {
	tx := r.db.WithContext(ctx).Where("org_id = ?", orgID)
	if opts.EntityType != "" {
		tx = tx.Where("entity_type = ?", opts.EntityType)
	}
	if opts.IdPKind != "" {
		tx = tx.Where("idp_kind = ?", opts.IdPKind)
	}
	if opts.State != "" {
		tx = tx.Where("local_state = ?", opts.State)
	}
	if opts.Limit > 0 {
		tx = tx.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		tx = tx.Offset(opts.Offset)
	}
	var out []model.ManagedEntity
	err := tx.Order("id ASC").Find(&out).Error
	return out, err
}

func (r *entityRepository) ListSynced(ctx context.Context, orgID uint, kind, entityType string) ([]model.ManagedEntity, error) {
	var out []model.ManagedEntity
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND idp_kind = ? AND entity_type = ? AND external_id <> ''", orgID, kind, entityType).
		Find(&out).Error
	return out, err
}

func (r *entityRepository) ListPendingDeletes(ctx context.Context, orgID uint, kind string, before time.Time) ([]model.ManagedEntity, error) {
	var out []model.ManagedEntity
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND idp_kind = ? AND pending_delete_at IS NOT NULL AND pending_delete_at <= ?", orgID, kind, before).
		Find(&out).Error
	return out, err
}

func (r *entityRepository) Create(ctx context.Context, entity *model.ManagedEntity) error {
	return r.db.WithContext(ctx).Create(entity).Error
}

func (r *entityRepository) Save(ctx context.Context, entity *model.ManagedEntity) error {
	return r.db.WithContext(ctx).Save(entity).Error
}

func NewEntityRepository(db *gorm.DB) EntityRepository {
	return &entityRepository{db: db}
}
