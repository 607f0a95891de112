package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haukh/idport/internal/metrics"
	"github.com/haukh/idport/model"
)

// Entry is the caller-supplied portion of an audit record. The log assigns
// identity, timestamp and chain hashes.
type Entry struct {
	EventType string
	Outcome   string

	EntityType string
	InternalID uint
	ExternalID string
	IdPKind    string

	Source    string
	Actor     string
	ActorType string

	PreviousValues string
	NewValues      string
	Detail         string

	ConflictDetected bool
	ResolutionPolicy string
}

// Appender is the write surface handed to the gateway, mirror and poller.
type Appender interface {
	Append(ctx context.Context, orgID uint, entry Entry) (*model.SyncEvent, error)
}

// Log is the tamper-evident audit log. Appends for the same organization are
// serialized by a per-organization mutex; the chain tip is cached so steady
// state appends cost one INSERT. Chains are per organization, so one noisy
// tenant never serializes the others.
type Log struct {
	repo EventRepository

	mu     sync.Mutex
	chains map[uint]*orgChain
}

type orgChain struct {
	mu     sync.Mutex
	tip    string
	loaded bool
}

func (l *Log) chain(orgID uint) *orgChain {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.chains[orgID]
	if !ok {
		c = &orgChain{}
		l.chains[orgID] = c
	}
	return c
}

// Append creates exactly one immutable record. On any storage failure the
// caller must treat its own mutation as failed too.
func (l *Log) Append(ctx context.Context, orgID uint, entry Entry) (*model.SyncEvent, error) {
	c := l.chain(orgID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		tip, err := l.repo.TipHash(ctx, orgID)
		if err != nil {
			return nil, fmt.Errorf("%w: load chain tip: %v", ErrWriteFailed, err)
		}
		c.tip = tip
		c.loaded = true
	}

	event := &model.SyncEvent{
		EventID:          uuid.NewString(),
		OrgID:            orgID,
		EventType:        entry.EventType,
		Outcome:          entry.Outcome,
		EntityType:       entry.EntityType,
		InternalID:       entry.InternalID,
		ExternalID:       entry.ExternalID,
		IdPKind:          entry.IdPKind,
		Source:           entry.Source,
		Actor:            entry.Actor,
		ActorType:        entry.ActorType,
		PreviousValues:   entry.PreviousValues,
		NewValues:        entry.NewValues,
		Detail:           entry.Detail,
		ConflictDetected: entry.ConflictDetected,
		ResolutionPolicy: entry.ResolutionPolicy,
		PreviousHash:     c.tip,
		Timestamp:        time.Now().UTC().Truncate(time.Microsecond),
	}
	event.RecordHash = RecordHash(event)

	if err := l.repo.Create(ctx, event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	c.tip = event.RecordHash

	metrics.AuditAppends.WithLabelValues(event.EventType).Inc()
	return event, nil
}

// RecordHash computes the chain hash of a record from its stored fields:
// sha256 over event id, timestamp, event type, outcome, organization and the
// previous record's hash.
func RecordHash(event *model.SyncEvent) string {
	h := sha256.New()
	io.WriteString(h, event.EventID)
	io.WriteString(h, "|")
	io.WriteString(h, event.Timestamp.UTC().Format(time.RFC3339Nano))
	io.WriteString(h, "|")
	io.WriteString(h, event.EventType)
	io.WriteString(h, "|")
	io.WriteString(h, event.Outcome)
	io.WriteString(h, "|")
	io.WriteString(h, strconv.FormatUint(uint64(event.OrgID), 10))
	io.WriteString(h, "|")
	io.WriteString(h, event.PreviousHash)
	return hex.EncodeToString(h.Sum(nil))
}

func NewLog(repo EventRepository) *Log {
	return &Log{
		repo:   repo,
		chains: make(map[uint]*orgChain),
	}
}
