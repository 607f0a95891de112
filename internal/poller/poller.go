// Package poller drives the periodic full sync against each configured IdP.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/haukh/idport/internal/actor"
	"github.com/haukh/idport/internal/audit"
	"github.com/haukh/idport/internal/entities"
	"github.com/haukh/idport/internal/lifecycle"
	"github.com/haukh/idport/internal/metrics"
	"github.com/haukh/idport/internal/proxy"
	"github.com/haukh/idport/internal/reconcile"
	"github.com/haukh/idport/internal/settings"
	"github.com/haukh/idport/internal/store"
	"github.com/haukh/idport/model"
	"github.com/haukh/idport/params"
)

// ErrPollInProgress is returned when another instance holds the pair's lock.
var ErrPollInProgress = errors.New("poll already in progress for this organization and idp")

// Forwarder is the single gateway primitive the poller needs.
type Forwarder interface {
	Forward(ctx context.Context, req proxy.Request) (*proxy.Result, error)
}

// Report summarizes one completed poll pass; it is serialized into the
// sync_completed audit record.
type Report struct {
	Users           int `json:"users"`
	Groups          int `json:"groups"`
	Pages           int `json:"pages"`
	Missing         int `json:"missing"`
	DeletesExecuted int `json:"deletesExecuted"`
}

// Scheduler runs one polling loop per enabled (organization, IdP) pair. An
// advisory lock in shared storage keeps concurrent instances from double
// polling the same pair.
type Scheduler struct {
	settings settings.Repository
	gateway  Forwarder
	mirror   *entities.Mirror
	log      audit.Appender
	locks    *store.LockManager

	mu      sync.Mutex
	nextRun map[string]time.Time
}

func NewScheduler(settingsRepo settings.Repository, gateway Forwarder, mirror *entities.Mirror, log audit.Appender, storage store.Storage) *Scheduler {
	return &Scheduler{
		settings: settingsRepo,
		gateway:  gateway,
		mirror:   mirror,
		log:      log,
		locks:    store.NewLockManager(storage, params.PollLockKeyPrefix),
		nextRun:  make(map[string]time.Time),
	}
}

// Run scans the enabled pairs until the context is cancelled. Pairs are
// re-read every scan so configuration changes apply without a restart.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(params.MinPollInterval / 2)
	defer ticker.Stop()
	slog.Info("Sync poller started")
	for {
		s.scan(ctx)
		select {
		case <-ctx.Done():
			slog.Info("Sync poller stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) scan(ctx context.Context) {
	pairs, err := s.settings.ListEnabled(ctx)
	if err != nil {
		slog.Error("Failed to list enabled sync settings", "error", err)
		return
	}
	now := time.Now()
	for i := range pairs {
		cfg := pairs[i]
		key := pairKey(cfg.OrgID, cfg.IdPKind)
		s.mu.Lock()
		due := s.nextRun[key].Before(now) || s.nextRun[key].IsZero()
		if due {
			s.nextRun[key] = now.Add(jitteredInterval(&cfg))
		}
		s.mu.Unlock()
		if !due {
			continue
		}
		if _, err := s.PollOnce(ctx, cfg.OrgID, cfg.IdPKind); err != nil && !errors.Is(err, ErrPollInProgress) {
			slog.Error("Poll pass failed", "org", cfg.OrgID, "idp", cfg.IdPKind, "error", err)
		}
	}
}

// PollOnce executes one full pass for the pair: complete listings for users
// and groups, reconciliation of every observed entity, absence handling for
// entities that vanished upstream, and execution of due grace-period deletes.
// A listing failure on any page abandons the pass without applying anything.
func (s *Scheduler) PollOnce(ctx context.Context, orgID uint, kind string) (*Report, error) {
	release, ok, err := s.locks.Acquire(ctx, pairKey(orgID, kind), params.PollLockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPollInProgress
	}
	defer release()

	cfg, err := s.settings.Get(ctx, orgID, kind)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	report, err := s.pollPair(ctx, orgID, kind, cfg)
	metrics.PollDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.PollRuns.WithLabelValues(kind, "failed").Inc()
		s.recordFailure(ctx, orgID, kind, err)
		return nil, err
	}
	metrics.PollRuns.WithLabelValues(kind, "ok").Inc()

	reportJSON, _ := json.Marshal(report)
	act := actor.Scheduler()
	if _, err := s.log.Append(ctx, orgID, audit.Entry{
		EventType: model.EventTypeSyncCompleted,
		Outcome:   model.OutcomeOK,
		IdPKind:   kind,
		Source:    model.SourceScheduler,
		Actor:     act.Subject,
		ActorType: act.Type,
		NewValues: string(reportJSON),
		Detail:    fmt.Sprintf("full sync: %d users, %d groups, %d missing upstream", report.Users, report.Groups, report.Missing),
	}); err != nil {
		return nil, err
	}
	return report, nil
}

func (s *Scheduler) pollPair(ctx context.Context, orgID uint, kind string, cfg *model.SyncSettings) (*Report, error) {
	report := &Report{}
	act := actor.Scheduler()

	// Listings are collected in full before anything is applied: a partial
	// listing must never be mistaken for upstream deletions.
	observed := map[string][]*reconcile.Observed{}
	for _, entityType := range []string{model.EntityTypeUser, model.EntityTypeGroup} {
		items, pages, err := s.listAll(ctx, orgID, kind, entityType, act)
		if err != nil {
			return nil, fmt.Errorf("list %ss: %w", entityType, err)
		}
		observed[entityType] = items
		report.Pages += pages
	}
	report.Users = len(observed[model.EntityTypeUser])
	report.Groups = len(observed[model.EntityTypeGroup])

	for _, entityType := range []string{model.EntityTypeUser, model.EntityTypeGroup} {
		seen := make(map[string]bool, len(observed[entityType]))
		for _, obs := range observed[entityType] {
			seen[obs.ExternalID] = true
			if _, err := s.mirror.ObserveExternal(ctx, orgID, kind, entityType, obs, cfg, act, model.SourceScheduler); err != nil {
				return nil, err
			}
		}

		synced, err := s.mirror.Repo().ListSynced(ctx, orgID, kind, entityType)
		if err != nil {
			return nil, err
		}
		for i := range synced {
			entity := &synced[i]
			if seen[entity.ExternalID] || entity.ExternalState == model.StateDeleted {
				continue
			}
			report.Missing++
			if err := s.mirror.ObserveExternalDeleted(ctx, entity, lifecycle.ObservationAbsence, cfg, act, model.SourceScheduler); err != nil {
				return nil, err
			}
		}
	}

	executed, err := s.mirror.ProcessPending(ctx, orgID, kind, cfg, time.Now().UTC(), act)
	if err != nil {
		return nil, err
	}
	report.DeletesExecuted = executed
	return report, nil
}

// listAll walks the provider's pagination until exhaustion.
func (s *Scheduler) listAll(ctx context.Context, orgID uint, kind, entityType string, act actor.Actor) ([]*reconcile.Observed, int, error) {
	var all []*reconcile.Observed
	pages := 0
	pageToken := ""
	for {
		path, query, err := listRequest(kind, entityType, pageToken)
		if err != nil {
			return nil, pages, err
		}
		result, err := s.gateway.Forward(ctx, proxy.Request{
			OrgID:  orgID,
			Kind:   kind,
			Method: "GET",
			Path:   path,
			Query:  query,
			Actor:  act,
			Source: model.SourceScheduler,
		})
		if err != nil {
			return nil, pages, err
		}
		if result.StatusCode < 200 || result.StatusCode >= 300 {
			return nil, pages, fmt.Errorf("listing page returned status %d", result.StatusCode)
		}
		pages++

		items, next, err := proxy.ParseListing(kind, entityType, result.Body, time.Now().UTC())
		if err != nil {
			return nil, pages, err
		}
		all = append(all, items...)
		if next == "" {
			return all, pages, nil
		}
		pageToken = next
	}
}

// listRequest builds the collection listing call. For Microsoft, follow-up
// pages arrive as a full @odata.nextLink URL and are split back into path
// and query.
func listRequest(kind, entityType, pageToken string) (path, query string, err error) {
	collection := "users"
	if entityType == model.EntityTypeGroup {
		collection = "groups"
	}
	switch kind {
	case model.IdPKindGoogle:
		path = "admin/directory/v1/" + collection
		query = fmt.Sprintf("customer=my_customer&maxResults=%d", params.PollPageSize)
		if pageToken != "" {
			query += "&pageToken=" + url.QueryEscape(pageToken)
		}
		return path, query, nil
	case model.IdPKindMicrosoft:
		if pageToken == "" {
			return "v1.0/" + collection, fmt.Sprintf("$top=%d", params.PollPageSize), nil
		}
		next, err := url.Parse(pageToken)
		if err != nil {
			return "", "", fmt.Errorf("malformed nextLink: %w", err)
		}
		return next.Path, next.RawQuery, nil
	}
	return "", "", fmt.Errorf("unknown idp kind %q", kind)
}

func (s *Scheduler) recordFailure(ctx context.Context, orgID uint, kind string, cause error) {
	act := actor.Scheduler()
	outcome := model.OutcomeUpstreamError
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		outcome = model.OutcomeCancelled
	}
	if _, err := s.log.Append(context.WithoutCancel(ctx), orgID, audit.Entry{
		EventType: model.EventTypeSyncFailed,
		Outcome:   outcome,
		IdPKind:   kind,
		Source:    model.SourceScheduler,
		Actor:     act.Subject,
		ActorType: act.Type,
		Detail:    cause.Error(),
	}); err != nil {
		slog.Error("Failed to record sync failure", "org", orgID, "idp", kind, "error", err)
	}
}

func pairKey(orgID uint, kind string) string {
	return fmt.Sprintf("%d:%s", orgID, kind)
}

// jitteredInterval spreads pair runs so organizations do not hammer a
// provider in lockstep. The configured interval is floored at MinPollInterval.
func jitteredInterval(cfg *model.SyncSettings) time.Duration {
	interval := time.Duration(cfg.SyncIntervalSeconds) * time.Second
	if interval < params.MinPollInterval {
		interval = params.MinPollInterval
	}
	jitter := time.Duration(rand.Int63n(int64(interval / 10)))
	return interval - interval/20 + jitter
}
