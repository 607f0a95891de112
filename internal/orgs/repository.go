// Package orgs manages the organizations that own managed entities.
package orgs

import (
	"context"
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/haukh/idport/model"
	"gorm.io/gorm"
)

var (
	ErrOrgNotFound      = errors.New("organization not found")
	ErrDomainRegistered = errors.New("domain already registered")
)

type Repository interface {
	FirstByID(ctx context.Context, id uint) (*model.Organization, error)
	FirstByDomain(ctx context.Context, domain string) (*model.Organization, error)
	List(ctx context.Context) ([]model.Organization, error)
	Create(ctx context.Context, org *model.Organization) error
	Save(ctx context.Context, org *model.Organization) error
}

type repository struct {
	db *gorm.DB
}

func (r *repository) FirstByID(ctx context.Context, id uint) (*model.Organization, error) {
	var org model.Organization
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&org).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrgNotFound
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (r *repository) FirstByDomain(ctx context.Context, domain string) (*model.Organization, error) {
	var org model.Organization
	err := r.db.WithContext(ctx).Where("domain = ?", domain).First(&org).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrgNotFound
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (r *repository) List(ctx context.Context) ([]model.Organization, error) {
	var out []model.Organization
	err := r.db.WithContext(ctx).Order("id ASC").Find(&out).Error
	return out, err
}

func (r *repository) Create(ctx context.Context, org *model.Organization) error {
	err := r.db.WithContext(ctx).Create(org).Error
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return ErrDomainRegistered
	}
	return err
}

func (r *repository) Save(ctx context.Context, org *model.Organization) error {
	return r.db.WithContext(ctx).Save(org).Error
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}
