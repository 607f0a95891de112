package entities

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haukh/idport/internal/actor"
	"github.com/haukh/idport/internal/audit"
	"github.com/haukh/idport/internal/lifecycle"
	"github.com/haukh/idport/internal/reconcile"
	"github.com/haukh/idport/internal/settings"
	"github.com/haukh/idport/model"
)

type fakeRepo struct {
	mu       sync.Mutex
	nextID   uint
	entities map[uint]*model.ManagedEntity
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{entities: make(map[uint]*model.ManagedEntity)}
}

func (r *fakeRepo) FirstByID(ctx context.Context, orgID uint, id uint) (*model.ManagedEntity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entities[id]; ok && e.OrgID == orgID {
		clone := *e
		return &clone, nil
	}
	return nil, ErrEntityNotFound
}

func (r *fakeRepo) FirstByExternalID(ctx context.Context, orgID uint, entityType, externalID string) (*model.ManagedEntity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entities {
		if e.OrgID == orgID && e.EntityType == entityType && e.ExternalID == externalID {
			clone := *e
			return &clone, nil
		}
	}
	return nil, ErrEntityNotFound
}

func (r *fakeRepo) List(ctx context.Context, orgID uint, opts ListOptions) ([]model.ManagedEntity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ManagedEntity
	for _, e := range r.entities {
		if e.OrgID == orgID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListSynced(ctx context.Context, orgID uint, kind, entityType string) ([]model.ManagedEntity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ManagedEntity
	for _, e := range r.entities {
		if e.OrgID == orgID && e.IdPKind == kind && e.EntityType == entityType && e.ExternalID != "" {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListPendingDeletes(ctx context.Context, orgID uint, kind string, before time.Time) ([]model.ManagedEntity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ManagedEntity
	for _, e := range r.entities {
		if e.OrgID == orgID && e.IdPKind == kind && e.PendingDeleteAt != nil && !e.PendingDeleteAt.After(before) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (r *fakeRepo) Create(ctx context.Context, entity *model.ManagedEntity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	if entity.ID == 0 {
		entity.ID = r.nextID
	}
	clone := *entity
	r.entities[entity.ID] = &clone
	return nil
}

func (r *fakeRepo) Save(ctx context.Context, entity *model.ManagedEntity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *entity
	r.entities[entity.ID] = &clone
	return nil
}

type fakeAppender struct {
	mu      sync.Mutex
	entries []audit.Entry
	failing bool
}

func (a *fakeAppender) Append(ctx context.Context, orgID uint, entry audit.Entry) (*model.SyncEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failing {
		return nil, fmt.Errorf("%w: disk full", audit.ErrWriteFailed)
	}
	a.entries = append(a.entries, entry)
	return &model.SyncEvent{EventType: entry.EventType}, nil
}

func (a *fakeAppender) byType(eventType string) []audit.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []audit.Entry
	for _, e := range a.entries {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type pushCall struct {
	externalID string
	action     lifecycle.Action
	patch      map[string]string
}

type fakePusher struct {
	mu      sync.Mutex
	updates []pushCall
	states  []pushCall
}

func (p *fakePusher) PushUpdate(ctx context.Context, orgID uint, kind, entityType, externalID string, patch map[string]string, act actor.Actor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, pushCall{externalID: externalID, patch: patch})
	return nil
}

func (p *fakePusher) PushState(ctx context.Context, orgID uint, kind, entityType, externalID string, action lifecycle.Action, act actor.Actor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, pushCall{externalID: externalID, action: action})
	return nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	reasons []string
}

func (n *fakeNotifier) NotifyEscalation(ctx context.Context, orgID uint, entity *model.ManagedEntity, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reasons = append(n.reasons, reason)
	return nil
}

func testSettings() *model.SyncSettings {
	return settings.Default(1, "google")
}

func localActor() actor.Actor {
	return actor.Actor{Type: actor.TypeUser, Subject: "admin@example.com"}
}

func TestObserveExternalAdoptsNewEntity(t *testing.T) {
	repo := newFakeRepo()
	mirror := NewMirror(repo, &fakeAppender{})

	obs := &reconcile.Observed{
		ExternalID: "ext-1",
		Name:       "Alice",
		Email:      "alice@example.com",
		State:      model.StateActive,
		ObservedAt: time.Now().UTC(),
	}
	entity, err := mirror.ObserveExternal(context.Background(), 1, "google", model.EntityTypeUser, obs, testSettings(), localActor(), model.SourceExternal)
	if err != nil {
		t.Fatalf("ObserveExternal: %v", err)
	}
	if entity.ID == 0 || entity.ExternalID != "ext-1" {
		t.Fatalf("adopted entity = %+v", entity)
	}
	if entity.LocalState != model.StateActive || entity.ExternalState != model.StateActive {
		t.Errorf("states = %s/%s, want active/active", entity.LocalState, entity.ExternalState)
	}
}

func TestObserveExternalResolvesConflictExternalWins(t *testing.T) {
	repo := newFakeRepo()
	log := &fakeAppender{}
	mirror := NewMirror(repo, log)

	seed := &model.ManagedEntity{
		OrgID: 1, EntityType: model.EntityTypeUser, IdPKind: "google",
		ExternalID: "ext-1", Name: "Old Name", Email: "alice@example.com",
		LocalState: model.StateActive, ExternalState: model.StateActive,
	}
	if err := repo.Create(context.Background(), seed); err != nil {
		t.Fatal(err)
	}

	obs := &reconcile.Observed{
		ExternalID: "ext-1",
		Name:       "New Name",
		Email:      "alice@example.com",
		State:      model.StateActive,
		ObservedAt: time.Now().UTC(),
	}
	entity, err := mirror.ObserveExternal(context.Background(), 1, "google", model.EntityTypeUser, obs, testSettings(), localActor(), model.SourceExternal)
	if err != nil {
		t.Fatalf("ObserveExternal: %v", err)
	}
	if entity.Name != "New Name" {
		t.Errorf("Name = %q, want external value applied", entity.Name)
	}
	conflicts := log.byType(model.EventTypeConflictDetected)
	if len(conflicts) != 1 {
		t.Fatalf("conflict events = %d, want 1", len(conflicts))
	}
	if !conflicts[0].ConflictDetected || conflicts[0].ResolutionPolicy != string(reconcile.ExternalWins) {
		t.Errorf("conflict entry = %+v", conflicts[0])
	}
	if conflicts[0].PreviousValues == "" || !strings.Contains(conflicts[0].PreviousValues, "Old Name") {
		t.Errorf("PreviousValues = %q, want pre-change snapshot", conflicts[0].PreviousValues)
	}
}

func TestObserveExternalLocalWinsPushesOutbound(t *testing.T) {
	repo := newFakeRepo()
	pusher := &fakePusher{}
	mirror := NewMirror(repo, &fakeAppender{})
	mirror.SetPusher(pusher)

	seed := &model.ManagedEntity{
		OrgID: 1, EntityType: model.EntityTypeUser, IdPKind: "google",
		ExternalID: "ext-1", Name: "Local Name",
		LocalState: model.StateActive, ExternalState: model.StateActive,
	}
	if err := repo.Create(context.Background(), seed); err != nil {
		t.Fatal(err)
	}

	cfg := testSettings()
	cfg.FieldOverrides = map[string]string{"name": string(reconcile.LocalWins)}

	obs := &reconcile.Observed{
		ExternalID: "ext-1",
		Name:       "External Name",
		State:      model.StateActive,
		ObservedAt: time.Now().UTC(),
	}
	entity, err := mirror.ObserveExternal(context.Background(), 1, "google", model.EntityTypeUser, obs, cfg, localActor(), model.SourceExternal)
	if err != nil {
		t.Fatalf("ObserveExternal: %v", err)
	}
	if entity.Name != "Local Name" {
		t.Errorf("Name = %q, local value must survive", entity.Name)
	}
	if len(pusher.updates) != 1 || pusher.updates[0].patch["name"] != "Local Name" {
		t.Fatalf("outbound updates = %+v, want one name push", pusher.updates)
	}
}

func TestObserveExternalInboundOnlyNeverPushes(t *testing.T) {
	repo := newFakeRepo()
	pusher := &fakePusher{}
	mirror := NewMirror(repo, &fakeAppender{})
	mirror.SetPusher(pusher)

	seed := &model.ManagedEntity{
		OrgID: 1, EntityType: model.EntityTypeUser, IdPKind: "google",
		ExternalID: "ext-1", Name: "Local Name",
		LocalState: model.StateActive, ExternalState: model.StateActive,
	}
	if err := repo.Create(context.Background(), seed); err != nil {
		t.Fatal(err)
	}

	cfg := testSettings()
	cfg.SyncDirection = model.SyncDirectionInbound
	cfg.FieldOverrides = map[string]string{"name": string(reconcile.LocalWins)}

	obs := &reconcile.Observed{ExternalID: "ext-1", Name: "External Name", State: model.StateActive, ObservedAt: time.Now().UTC()}
	if _, err := mirror.ObserveExternal(context.Background(), 1, "google", model.EntityTypeUser, obs, cfg, localActor(), model.SourceExternal); err != nil {
		t.Fatalf("ObserveExternal: %v", err)
	}
	if len(pusher.updates) != 0 {
		t.Errorf("updates pushed on inbound-only pair: %+v", pusher.updates)
	}
}

func TestObserveExternalDeletedEscalatesWithGracePeriod(t *testing.T) {
	repo := newFakeRepo()
	log := &fakeAppender{}
	notifier := &fakeNotifier{}
	mirror := NewMirror(repo, log)
	mirror.SetNotifier(notifier)

	seed := &model.ManagedEntity{
		OrgID: 1, EntityType: model.EntityTypeUser, IdPKind: "google",
		ExternalID: "ext-1",
		LocalState: model.StateActive, ExternalState: model.StateActive,
	}
	if err := repo.Create(context.Background(), seed); err != nil {
		t.Fatal(err)
	}

	cfg := testSettings()
	cfg.OnExternalDelete = string(lifecycle.ActionDelete)
	cfg.GracePeriodDays = 7
	cfg.NotifyAdmins = true

	if err := mirror.ObserveExternalDeleted(context.Background(), seed, lifecycle.ObservationStateChange, cfg, localActor(), model.SourceExternal); err != nil {
		t.Fatalf("ObserveExternalDeleted: %v", err)
	}
	saved, err := repo.FirstByID(context.Background(), 1, seed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if saved.ExternalState != model.StateDeleted {
		t.Errorf("ExternalState = %s, want deleted", saved.ExternalState)
	}
	if saved.LocalState != model.StateSuspended {
		t.Errorf("LocalState = %s, want suspended during grace period", saved.LocalState)
	}
	if saved.PendingDeleteAt == nil {
		t.Fatal("PendingDeleteAt not set")
	}
	if saved.PendingDeleteSide != string(lifecycle.SideLocal) {
		t.Errorf("PendingDeleteSide = %q, want local", saved.PendingDeleteSide)
	}
	if len(log.byType(model.EventTypeLifecycleEscalation)) != 1 {
		t.Errorf("escalation events = %d, want 1", len(log.byType(model.EventTypeLifecycleEscalation)))
	}
	if len(notifier.reasons) != 1 {
		t.Errorf("notifications = %d, want 1", len(notifier.reasons))
	}
}

func TestObserveExternalSuspendRecordedWhenNoActionConfigured(t *testing.T) {
	repo := newFakeRepo()
	log := &fakeAppender{}
	mirror := NewMirror(repo, log)

	seed := &model.ManagedEntity{
		OrgID: 1, EntityType: model.EntityTypeUser, IdPKind: "google",
		ExternalID: "ext-1", Name: "Alice",
		LocalState: model.StateActive, ExternalState: model.StateActive,
	}
	if err := repo.Create(context.Background(), seed); err != nil {
		t.Fatal(err)
	}

	cfg := testSettings()
	cfg.OnExternalSuspend = string(lifecycle.ActionNone)

	obs := &reconcile.Observed{ExternalID: "ext-1", Name: "Alice", State: model.StateSuspended, ObservedAt: time.Now().UTC()}
	for i := 0; i < 2; i++ {
		if _, err := mirror.ObserveExternal(context.Background(), 1, "google", model.EntityTypeUser, obs, cfg, localActor(), model.SourceExternal); err != nil {
			t.Fatalf("ObserveExternal: %v", err)
		}
	}
	saved, err := repo.FirstByID(context.Background(), 1, seed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if saved.ExternalState != model.StateSuspended {
		t.Errorf("ExternalState = %s, the observed state must persist even when the decision holds", saved.ExternalState)
	}
	if saved.LocalState != model.StateActive {
		t.Errorf("LocalState = %s, want untouched", saved.LocalState)
	}
	if transitions := log.byType(model.EventTypeLifecycleTransition); len(transitions) != 1 {
		t.Errorf("transition events = %d, re-observing a recorded state must not append again", len(transitions))
	}
}

func TestObserveExternalRejectsMissingID(t *testing.T) {
	repo := newFakeRepo()
	mirror := NewMirror(repo, &fakeAppender{})

	obs := &reconcile.Observed{Name: "No ID", State: model.StateActive, ObservedAt: time.Now().UTC()}
	_, err := mirror.ObserveExternal(context.Background(), 1, "google", model.EntityTypeUser, obs, testSettings(), localActor(), model.SourceExternal)
	if !errors.Is(err, ErrMissingExternalID) {
		t.Fatalf("err = %v, want ErrMissingExternalID", err)
	}
	if len(repo.entities) != 0 {
		t.Errorf("entities = %d, nothing must be adopted without an id", len(repo.entities))
	}
}

func TestProcessPendingExecutesDueDelete(t *testing.T) {
	repo := newFakeRepo()
	mirror := NewMirror(repo, &fakeAppender{})

	due := time.Now().UTC().Add(-time.Hour)
	seed := &model.ManagedEntity{
		OrgID: 1, EntityType: model.EntityTypeUser, IdPKind: "google",
		ExternalID:      "ext-1",
		LocalState:      model.StateSuspended,
		ExternalState:   model.StateDeleted,
		PendingDeleteAt: &due,
	}
	if err := repo.Create(context.Background(), seed); err != nil {
		t.Fatal(err)
	}

	executed, err := mirror.ProcessPending(context.Background(), 1, "google", testSettings(), time.Now().UTC(), actor.Scheduler())
	if err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	if executed != 1 {
		t.Fatalf("executed = %d, want 1", executed)
	}
	saved, err := repo.FirstByID(context.Background(), 1, seed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if saved.LocalState != model.StateDeleted || saved.PendingDeleteAt != nil {
		t.Errorf("entity after pending delete = %+v", saved)
	}
}

func TestProcessPendingExecutesDueOutboundDelete(t *testing.T) {
	repo := newFakeRepo()
	pusher := &fakePusher{}
	mirror := NewMirror(repo, &fakeAppender{})
	mirror.SetPusher(pusher)

	seed := &model.ManagedEntity{
		OrgID: 1, EntityType: model.EntityTypeUser, IdPKind: "google",
		ExternalID: "ext-1",
		LocalState: model.StateActive, ExternalState: model.StateActive,
	}
	if err := repo.Create(context.Background(), seed); err != nil {
		t.Fatal(err)
	}

	cfg := testSettings()
	cfg.OnLocalDelete = string(lifecycle.ActionDelete)
	cfg.GracePeriodDays = 7

	if err := mirror.ObserveLocalState(context.Background(), seed, model.StateDeleted, cfg, localActor()); err != nil {
		t.Fatalf("ObserveLocalState: %v", err)
	}
	saved, err := repo.FirstByID(context.Background(), 1, seed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if saved.ExternalState != model.StateSuspended || saved.PendingDeleteAt == nil {
		t.Fatalf("deferred delete not set up: %+v", saved)
	}
	if saved.PendingDeleteSide != string(lifecycle.SideExternal) {
		t.Fatalf("PendingDeleteSide = %q, want external", saved.PendingDeleteSide)
	}

	past := time.Now().UTC().Add(-time.Hour)
	saved.PendingDeleteAt = &past
	if err := repo.Save(context.Background(), saved); err != nil {
		t.Fatal(err)
	}

	executed, err := mirror.ProcessPending(context.Background(), 1, "google", cfg, time.Now().UTC(), actor.Scheduler())
	if err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	if executed != 1 {
		t.Fatalf("executed = %d, want 1", executed)
	}
	final, err := repo.FirstByID(context.Background(), 1, seed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.ExternalState != model.StateDeleted {
		t.Errorf("ExternalState = %s, the deferred delete must land on the external side", final.ExternalState)
	}
	if final.PendingDeleteAt != nil || final.PendingDeleteSide != "" {
		t.Errorf("pending delete not cleared: %+v", final)
	}
	if len(pusher.states) == 0 || pusher.states[len(pusher.states)-1].action != lifecycle.ActionDelete {
		t.Errorf("outbound pushes = %+v, want a trailing delete", pusher.states)
	}
}

func TestProcessPendingSkipsRestored(t *testing.T) {
	repo := newFakeRepo()
	mirror := NewMirror(repo, &fakeAppender{})

	due := time.Now().UTC().Add(-time.Hour)
	seed := &model.ManagedEntity{
		OrgID: 1, EntityType: model.EntityTypeUser, IdPKind: "google",
		ExternalID:      "ext-1",
		LocalState:      model.StateActive, // restored before the deadline
		ExternalState:   model.StateDeleted,
		PendingDeleteAt: &due,
	}
	if err := repo.Create(context.Background(), seed); err != nil {
		t.Fatal(err)
	}

	executed, err := mirror.ProcessPending(context.Background(), 1, "google", testSettings(), time.Now().UTC(), actor.Scheduler())
	if err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	if executed != 0 {
		t.Fatalf("executed = %d, want 0", executed)
	}
	saved, err := repo.FirstByID(context.Background(), 1, seed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if saved.LocalState != model.StateActive {
		t.Errorf("LocalState = %s, restored entity must not be deleted", saved.LocalState)
	}
	if saved.PendingDeleteAt != nil {
		t.Error("PendingDeleteAt not cleared after dropped pending delete")
	}
}

func TestRestoreReactivatesLocalSide(t *testing.T) {
	repo := newFakeRepo()
	mirror := NewMirror(repo, &fakeAppender{})

	due := time.Now().UTC().Add(24 * time.Hour)
	seed := &model.ManagedEntity{
		OrgID: 1, EntityType: model.EntityTypeUser, IdPKind: "google",
		ExternalID:      "ext-1",
		LocalState:      model.StateSuspended,
		ExternalState:   model.StateSuspended,
		PendingDeleteAt: &due,
	}
	if err := repo.Create(context.Background(), seed); err != nil {
		t.Fatal(err)
	}

	if err := mirror.Restore(context.Background(), seed, lifecycle.SideLocal, testSettings(), localActor()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	saved, err := repo.FirstByID(context.Background(), 1, seed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if saved.LocalState != model.StateActive {
		t.Errorf("LocalState = %s, want active", saved.LocalState)
	}
	if saved.PendingDeleteAt != nil {
		t.Error("PendingDeleteAt survived the restore")
	}
}

func TestObserveFailsWhenAuditAppendFails(t *testing.T) {
	repo := newFakeRepo()
	log := &fakeAppender{failing: true}
	mirror := NewMirror(repo, log)

	seed := &model.ManagedEntity{
		OrgID: 1, EntityType: model.EntityTypeUser, IdPKind: "google",
		ExternalID: "ext-1",
		LocalState: model.StateActive, ExternalState: model.StateActive,
	}
	if err := repo.Create(context.Background(), seed); err != nil {
		t.Fatal(err)
	}

	err := mirror.ObserveExternalDeleted(context.Background(), seed, lifecycle.ObservationStateChange, testSettings(), localActor(), model.SourceExternal)
	if err == nil {
		t.Fatal("expected error when audit append fails")
	}
	saved, getErr := repo.FirstByID(context.Background(), 1, seed.ID)
	if getErr != nil {
		t.Fatal(getErr)
	}
	if saved.ExternalState != model.StateActive {
		t.Errorf("ExternalState = %s, mutation must not land without its audit record", saved.ExternalState)
	}
}

func TestInertEntityObservationRecordedButHeld(t *testing.T) {
	repo := newFakeRepo()
	log := &fakeAppender{}
	mirror := NewMirror(repo, log)

	seed := &model.ManagedEntity{
		OrgID: 1, EntityType: model.EntityTypeUser, IdPKind: "google",
		ExternalID: "ext-1",
		LocalState: model.StateDeleted, ExternalState: model.StateDeleted,
	}
	if err := repo.Create(context.Background(), seed); err != nil {
		t.Fatal(err)
	}

	obs := &reconcile.Observed{ExternalID: "ext-1", Name: "Ghost", State: model.StateActive, ObservedAt: time.Now().UTC()}
	entity, err := mirror.ObserveExternal(context.Background(), 1, "google", model.EntityTypeUser, obs, testSettings(), localActor(), model.SourceExternal)
	if err != nil {
		t.Fatalf("ObserveExternal: %v", err)
	}
	if entity.Name == "Ghost" {
		t.Error("inert entity fields must not change")
	}
	transitions := log.byType(model.EventTypeLifecycleTransition)
	if len(transitions) != 1 || !strings.Contains(transitions[0].Detail, "inert") {
		t.Errorf("transitions = %+v, want one inert-hold record", transitions)
	}
}
