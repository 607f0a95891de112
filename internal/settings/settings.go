// Package settings manages the per-(organization, IdP) sync configuration.
package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/haukh/idport/internal/lifecycle"
	"github.com/haukh/idport/internal/reconcile"
	"github.com/haukh/idport/model"
	"github.com/haukh/idport/params"
	"gorm.io/gorm"
)

var ErrInvalid = errors.New("invalid sync settings")

type Repository interface {
	Get(ctx context.Context, orgID uint, kind string) (*model.SyncSettings, error)
	ListEnabled(ctx context.Context) ([]model.SyncSettings, error)
	Save(ctx context.Context, s *model.SyncSettings) error
}

type repository struct {
	db *gorm.DB
}

func (r *repository) Get(ctx context.Context, orgID uint, kind string) (*model.SyncSettings, error) {
	var s model.SyncSettings
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND idp_kind = ?", orgID, kind).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Default(orgID, kind), nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repository) ListEnabled(ctx context.Context) ([]model.SyncSettings, error) {
	var all []model.SyncSettings
	err := r.db.WithContext(ctx).Where("enabled = ?", true).Find(&all).Error
	return all, err
}

func (r *repository) Save(ctx context.Context, s *model.SyncSettings) error {
	var existing model.SyncSettings
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND idp_kind = ?", s.OrgID, s.IdPKind).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.db.WithContext(ctx).Create(s).Error
	}
	if err != nil {
		return err
	}
	s.ID = existing.ID
	s.CreatedAt = existing.CreatedAt
	return r.db.WithContext(ctx).Save(s).Error
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

var defaultIntervalSeconds = int(params.DefaultPollInterval.Seconds())

// SetDefaultInterval overrides the poll interval applied to pairs without an
// explicit settings row. Called once at startup from configuration.
func SetDefaultInterval(seconds int) {
	if seconds < int(params.MinPollInterval.Seconds()) {
		seconds = int(params.MinPollInterval.Seconds())
	}
	defaultIntervalSeconds = seconds
}

// Default is the configuration applied to pairs without an explicit row:
// bidirectional, external wins, suspend on external removal with the stock
// grace period.
func Default(orgID uint, kind string) *model.SyncSettings {
	return &model.SyncSettings{
		OrgID:               orgID,
		IdPKind:             kind,
		Enabled:             true,
		SyncDirection:       model.SyncDirectionBidirectional,
		SyncIntervalSeconds: defaultIntervalSeconds,
		FieldPriority:       string(reconcile.ExternalWins),
		OnExternalSuspend:   string(lifecycle.ActionSuspend),
		OnExternalDelete:    string(lifecycle.ActionSuspend),
		OnLocalSuspend:      string(lifecycle.ActionNotify),
		OnLocalDelete:       string(lifecycle.ActionNotify),
		GracePeriodDays:     params.DefaultGracePeriodDays,
	}
}

// Validate rejects malformed settings instead of silently ignoring them.
func Validate(s *model.SyncSettings) error {
	switch s.SyncDirection {
	case model.SyncDirectionInbound, model.SyncDirectionOutbound, model.SyncDirectionBidirectional:
	default:
		return fmt.Errorf("%w: syncDirection %q", ErrInvalid, s.SyncDirection)
	}
	if !model.KnownIdPKind(s.IdPKind) {
		return fmt.Errorf("%w: idp kind %q", ErrInvalid, s.IdPKind)
	}
	if !reconcile.KnownPolicy(reconcile.Policy(s.FieldPriority)) {
		return fmt.Errorf("%w: fieldPriority %q", ErrInvalid, s.FieldPriority)
	}
	for field, p := range s.FieldOverrides {
		if !reconcile.KnownPolicy(reconcile.Policy(p)) {
			return fmt.Errorf("%w: override for %q: %q", ErrInvalid, field, p)
		}
	}
	for name, a := range map[string]string{
		"onExternalSuspend": s.OnExternalSuspend,
		"onExternalDelete":  s.OnExternalDelete,
		"onLocalSuspend":    s.OnLocalSuspend,
		"onLocalDelete":     s.OnLocalDelete,
	} {
		if !lifecycle.KnownAction(lifecycle.Action(a)) {
			return fmt.Errorf("%w: %s %q", ErrInvalid, name, a)
		}
	}
	if s.GracePeriodDays < 0 {
		return fmt.Errorf("%w: gracePeriodDays must not be negative", ErrInvalid)
	}
	if s.SyncIntervalSeconds < int(params.MinPollInterval.Seconds()) {
		return fmt.Errorf("%w: syncIntervalSeconds below %d", ErrInvalid, int(params.MinPollInterval.Seconds()))
	}
	return nil
}

// ConflictPolicy converts stored settings to the engine's policy value.
func ConflictPolicy(s *model.SyncSettings) reconcile.FieldConflictPolicy {
	overrides := make(map[string]reconcile.Policy, len(s.FieldOverrides))
	for field, p := range s.FieldOverrides {
		overrides[field] = reconcile.Policy(p)
	}
	return reconcile.FieldConflictPolicy{
		Default:   reconcile.Policy(s.FieldPriority),
		Overrides: overrides,
	}
}

// AllowsInbound reports whether external changes may be applied locally.
func AllowsInbound(s *model.SyncSettings) bool {
	return s.SyncDirection != model.SyncDirectionOutbound
}

// AllowsOutbound reports whether local changes may be pushed to the IdP.
func AllowsOutbound(s *model.SyncSettings) bool {
	return s.SyncDirection != model.SyncDirectionInbound
}
