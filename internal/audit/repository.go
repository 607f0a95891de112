package audit

import (
	"context"
	"errors"
	"time"

	"github.com/haukh/idport/model"
	"gorm.io/gorm"
	"gorm.io/plugin/dbresolver"
)

// Filter narrows audit queries. Zero values mean "no constraint".
type Filter struct {
	EntityType string
	InternalID uint
	ExternalID string
	EventType  string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// EventRepository is deliberately create-and-read only. The audit table is
// append-only and that is enforced here by the absence of any update or
// delete method, not by convention at call sites.
type EventRepository interface {
	Create(ctx context.Context, event *model.SyncEvent) error
	TipHash(ctx context.Context, orgID uint) (string, error)
	List(ctx context.Context, orgID uint, filter Filter) ([]model.SyncEvent, error)
	// ForEach streams the organization's records in append order, batched.
	ForEach(ctx context.Context, orgID uint, fn func(*model.SyncEvent) error) error
}

type eventRepository struct {
	db *gorm.DB
}

func (r *eventRepository) Create(ctx context.Context, event *model.SyncEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *eventRepository) TipHash(ctx context.Context, orgID uint) (string, error) {
	var event model.SyncEvent
	// The tip seeds the next record's hash; a stale replica read here would
	// fork the chain, so pin this query to the primary.
	err := r.db.WithContext(ctx).
		Clauses(dbresolver.Write).
		Where("org_id = ?", orgID).
		Order("id DESC").
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return event.RecordHash, nil
}

func (r *eventRepository) List(ctx context.Context, orgID uint, filter Filter) ([]model.SyncEvent, error) {
	tx := r.db.WithContext(ctx).Clauses(dbresolver.Read).Where("org_id = ?", orgID)
	if filter.EntityType != "" {
		tx = tx.Where("entity_type = ?", filter.EntityType)
	}
	if filter.InternalID != 0 {
		tx = tx.Where("internal_id = ?", filter.InternalID)
	}
	if filter.ExternalID != "" {
		tx = tx.Where("external_id = ?", filter.ExternalID)
	}
	if filter.EventType != "" {
		tx = tx.Where("event_type = ?", filter.EventType)
	}
	if !filter.From.IsZero() {
		tx = tx.Where("timestamp >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		tx = tx.Where("timestamp < ?", filter.To)
	}
	if filter.Limit > 0 {
		tx = tx.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		tx = tx.Offset(filter.Offset)
	}
	var events []model.SyncEvent
	err := tx.Order("id DESC").Find(&events).Error
	return events, err
}

func (r *eventRepository) ForEach(ctx context.Context, orgID uint, fn func(*model.SyncEvent) error) error {
	const batchSize = 500
	var lastID uint64
	for {
		var events []model.SyncEvent
		err := r.db.WithContext(ctx).
			Where("org_id = ? AND id > ?", orgID, lastID).
			Order("id ASC").
			Limit(batchSize).
			Find(&events).Error
		if err != nil {
			return err
		}
		for i := range events {
			if err := fn(&events[i]); err != nil {
				return err
			}
		}
		if len(events) < batchSize {
			return nil
		}
		lastID = events[len(events)-1].ID
	}
}

func NewEventRepository(db *gorm.DB) EventRepository {
	return &eventRepository{db: db}
}
