package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/haukh/idport/internal/actor"
	"github.com/haukh/idport/internal/audit"
	"github.com/haukh/idport/internal/credentials"
	"github.com/haukh/idport/internal/entities"
	"github.com/haukh/idport/internal/middlewares"
	"github.com/haukh/idport/internal/orgs"
	"github.com/haukh/idport/internal/poller"
	"github.com/haukh/idport/internal/proxy"
	"github.com/haukh/idport/internal/settings"
	"github.com/haukh/idport/internal/store"
	"github.com/haukh/idport/model"
	"gorm.io/gorm"
)

const testAPIKey = "test-service-key"

type fakeEventRepo struct {
	mu     sync.Mutex
	events []model.SyncEvent
}

func (r *fakeEventRepo) Create(ctx context.Context, event *model.SyncEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event.ID = uint64(len(r.events) + 1)
	r.events = append(r.events, *event)
	return nil
}

func (r *fakeEventRepo) TipHash(ctx context.Context, orgID uint) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].OrgID == orgID {
			return r.events[i].RecordHash, nil
		}
	}
	return "", nil
}

func (r *fakeEventRepo) List(ctx context.Context, orgID uint, filter audit.Filter) ([]model.SyncEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.SyncEvent
	for i := len(r.events) - 1; i >= 0; i-- {
		e := r.events[i]
		if e.OrgID != orgID {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *fakeEventRepo) ForEach(ctx context.Context, orgID uint, fn func(*model.SyncEvent) error) error {
	r.mu.Lock()
	events := append([]model.SyncEvent(nil), r.events...)
	r.mu.Unlock()
	for i := range events {
		if events[i].OrgID != orgID {
			continue
		}
		if err := fn(&events[i]); err != nil {
			return err
		}
	}
	return nil
}

type fakeEntityRepo struct {
	mu     sync.Mutex
	nextID uint
	items  map[uint]*model.ManagedEntity
}

func newFakeEntityRepo() *fakeEntityRepo {
	return &fakeEntityRepo{items: make(map[uint]*model.ManagedEntity)}
}

func (r *fakeEntityRepo) FirstByID(ctx context.Context, orgID uint, id uint) (*model.ManagedEntity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.items[id]; ok && e.OrgID == orgID {
		cp := *e
		return &cp, nil
	}
	return nil, entities.ErrEntityNotFound
}

func (r *fakeEntityRepo) FirstByExternalID(ctx context.Context, orgID uint, entityType, externalID string) (*model.ManagedEntity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.items {
		if e.OrgID == orgID && e.EntityType == entityType && e.ExternalID == externalID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, entities.ErrEntityNotFound
}

func (r *fakeEntityRepo) List(ctx context.Context, orgID uint, opts entities.ListOptions) ([]model.ManagedEntity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ManagedEntity
	for _, e := range r.items {
		if e.OrgID == orgID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (r *fakeEntityRepo) ListSynced(ctx context.Context, orgID uint, kind, entityType string) ([]model.ManagedEntity, error) {
	return nil, nil
}

func (r *fakeEntityRepo) ListPendingDeletes(ctx context.Context, orgID uint, kind string, before time.Time) ([]model.ManagedEntity, error) {
	return nil, nil
}

func (r *fakeEntityRepo) Create(ctx context.Context, entity *model.ManagedEntity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	entity.ID = r.nextID
	cp := *entity
	r.items[entity.ID] = &cp
	return nil
}

func (r *fakeEntityRepo) Save(ctx context.Context, entity *model.ManagedEntity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *entity
	r.items[entity.ID] = &cp
	return nil
}

type fakeSettingsRepo struct {
	mu    sync.Mutex
	items map[string]*model.SyncSettings
}

func (r *fakeSettingsRepo) key(orgID uint, kind string) string {
	return fmt.Sprintf("%d:%s", orgID, kind)
}

func (r *fakeSettingsRepo) Get(ctx context.Context, orgID uint, kind string) (*model.SyncSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.items[r.key(orgID, kind)]; ok {
		cp := *s
		return &cp, nil
	}
	return settings.Default(orgID, kind), nil
}

func (r *fakeSettingsRepo) ListEnabled(ctx context.Context) ([]model.SyncSettings, error) {
	return nil, nil
}

func (r *fakeSettingsRepo) Save(ctx context.Context, s *model.SyncSettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.items == nil {
		r.items = make(map[string]*model.SyncSettings)
	}
	cp := *s
	r.items[r.key(s.OrgID, s.IdPKind)] = &cp
	return nil
}

type fakeOrgsRepo struct {
	mu   sync.Mutex
	list []model.Organization
}

func (r *fakeOrgsRepo) FirstByID(ctx context.Context, id uint) (*model.Organization, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.list {
		if r.list[i].ID == id {
			cp := r.list[i]
			return &cp, nil
		}
	}
	return nil, orgs.ErrOrgNotFound
}

func (r *fakeOrgsRepo) FirstByDomain(ctx context.Context, domain string) (*model.Organization, error) {
	return nil, orgs.ErrOrgNotFound
}

func (r *fakeOrgsRepo) List(ctx context.Context) ([]model.Organization, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Organization(nil), r.list...), nil
}

func (r *fakeOrgsRepo) Create(ctx context.Context, org *model.Organization) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	org.ID = uint(len(r.list) + 1)
	r.list = append(r.list, *org)
	return nil
}

func (r *fakeOrgsRepo) Save(ctx context.Context, org *model.Organization) error { return nil }

type fakeCredentialRepo struct {
	mu   sync.Mutex
	rows map[string]*model.IdPCredential
}

func (r *fakeCredentialRepo) First(ctx context.Context, orgID uint, kind string) (*model.IdPCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[fmt.Sprintf("%d:%s", orgID, kind)]; ok {
		cp := *row
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeCredentialRepo) Create(ctx context.Context, cred *model.IdPCredential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rows == nil {
		r.rows = make(map[string]*model.IdPCredential)
	}
	cp := *cred
	r.rows[fmt.Sprintf("%d:%s", cred.OrgID, cred.IdPKind)] = &cp
	return nil
}

func (r *fakeCredentialRepo) Updates(ctx context.Context, orgID uint, kind string, columns map[string]interface{}) (int64, error) {
	return 0, nil
}

type noopForwarder struct{}

func (noopForwarder) Forward(ctx context.Context, req proxy.Request) (*proxy.Result, error) {
	return &proxy.Result{StatusCode: http.StatusOK, Body: []byte(`{"users":[]}`)}, nil
}

type testEnv struct {
	app      *fiber.App
	entities *fakeEntityRepo
	events   *fakeEventRepo
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	eventRepo := &fakeEventRepo{}
	auditLog := audit.NewLog(eventRepo)
	entityRepo := newFakeEntityRepo()
	mirror := entities.NewMirror(entityRepo, auditLog)
	settingsRepo := &fakeSettingsRepo{}
	storage := store.NewMemoryStorage()
	creds := credentials.NewService(&fakeCredentialRepo{}, storage, "test-master-key")
	gateway := proxy.NewGateway(creds, mirror, settingsRepo, auditLog, storage, nil)
	sched := poller.NewScheduler(settingsRepo, noopForwarder{}, mirror, auditLog, storage)

	app := fiber.New(fiber.Config{ErrorHandler: middlewares.ErrorHandler})
	resolver := actor.NewResolver("test-master-key", map[string]string{testAPIKey: "ops-cli"})
	RegisterRoutes(app, resolver, Handlers{
		Proxy:       NewProxyHandler(gateway),
		Events:      NewEventsHandler(auditLog),
		Settings:    NewSettingsHandler(settingsRepo, sched),
		Entities:    NewEntitiesHandler(mirror, settingsRepo),
		Credentials: NewCredentialsHandler(creds, auditLog),
		Orgs:        NewOrgsHandler(&fakeOrgsRepo{}),
	})
	return &testEnv{app: app, entities: entityRepo, events: eventRepo}
}

func (env *testEnv) request(t *testing.T, method, target, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("X-Api-Key", testAPIKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := env.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return string(body)
}

func TestAPIRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/orgs", nil)
	resp, err := env.app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestPutSettingsRejectsUnknownField(t *testing.T) {
	env := newTestEnv(t)
	resp := env.request(t, http.MethodPut, "/api/orgs/1/sync/google/settings", `{
		"enabled": true,
		"syncDirection": "bidirectional",
		"bogusKnob": 12
	}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown field", resp.StatusCode)
	}
}

func TestPutSettingsRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	payload := `{
		"enabled": true,
		"syncDirection": "inbound_only",
		"syncIntervalSeconds": 300,
		"fieldPriority": "most_recent_wins",
		"fieldOverrides": {"department": "local_wins"},
		"onExternalSuspend": "suspend",
		"onExternalDelete": "delete",
		"onLocalSuspend": "notify",
		"onLocalDelete": "notify",
		"gracePeriodDays": 14,
		"notifyAdmins": true
	}`
	resp := env.request(t, http.MethodPut, "/api/orgs/1/sync/google/settings", payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d: %s", resp.StatusCode, readBody(t, resp))
	}

	resp = env.request(t, http.MethodGet, "/api/orgs/1/sync/google/settings", "")
	body := readBody(t, resp)
	var envelope struct {
		Data syncSettingsPayload `json:"data"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Data.SyncDirection != model.SyncDirectionInbound || envelope.Data.GracePeriodDays != 14 {
		t.Errorf("stored settings = %+v", envelope.Data)
	}
	if envelope.Data.FieldOverrides["department"] != "local_wins" {
		t.Errorf("override not persisted: %+v", envelope.Data.FieldOverrides)
	}
}

func TestPutSettingsRejectsInvalidValues(t *testing.T) {
	env := newTestEnv(t)
	resp := env.request(t, http.MethodPut, "/api/orgs/1/sync/google/settings", `{
		"enabled": true,
		"syncDirection": "sideways",
		"syncIntervalSeconds": 300,
		"fieldPriority": "external_wins",
		"onExternalSuspend": "suspend",
		"onExternalDelete": "suspend",
		"onLocalSuspend": "notify",
		"onLocalDelete": "notify",
		"gracePeriodDays": 7
	}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for invalid direction", resp.StatusCode)
	}
}

func TestRotateCredentialNeverEchoesSecret(t *testing.T) {
	env := newTestEnv(t)
	resp := env.request(t, http.MethodPut, "/api/orgs/1/credentials/microsoft", `{
		"principal": "sync-app",
		"material": {
			"tenantID": "tenant-1",
			"clientID": "client-1",
			"clientSecret": "s3cr3t-value"
		}
	}`)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if strings.Contains(body, "s3cr3t-value") {
		t.Fatal("response echoes the client secret")
	}

	resp = env.request(t, http.MethodGet, "/api/orgs/1/events?eventType=credential_rotated", "")
	events := readBody(t, resp)
	if !strings.Contains(events, model.EventTypeCredentialRotated) {
		t.Errorf("rotation not recorded in audit trail: %s", events)
	}
	if strings.Contains(events, "s3cr3t-value") {
		t.Error("audit trail contains the client secret")
	}
}

func TestVerifyChainEndpoint(t *testing.T) {
	env := newTestEnv(t)
	// Produce a few chained records first.
	env.request(t, http.MethodPut, "/api/orgs/1/credentials/microsoft", `{
		"principal": "sync-app",
		"material": {"tenantID": "t", "clientID": "c", "clientSecret": "s"}
	}`)
	resp := env.request(t, http.MethodGet, "/api/orgs/1/events/verify", "")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(body, `"verified":true`) {
		t.Errorf("chain not verified: %s", body)
	}
}

func TestRestoreCancelsPendingDelete(t *testing.T) {
	env := newTestEnv(t)
	deadline := time.Now().Add(72 * time.Hour)
	entity := &model.ManagedEntity{
		OrgID:           1,
		EntityType:      model.EntityTypeUser,
		IdPKind:         model.IdPKindGoogle,
		ExternalID:      "u1",
		Name:            "Returning User",
		LocalState:      model.StateSuspended,
		ExternalState:   model.StateDeleted,
		PendingDeleteAt: &deadline,
	}
	if err := env.entities.Create(context.Background(), entity); err != nil {
		t.Fatal(err)
	}

	resp := env.request(t, http.MethodPost, fmt.Sprintf("/api/orgs/1/entities/%d/restore", entity.ID), `{"side":"local"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, readBody(t, resp))
	}

	restored, err := env.entities.FirstByID(context.Background(), 1, entity.ID)
	if err != nil {
		t.Fatal(err)
	}
	if restored.LocalState != model.StateActive {
		t.Errorf("local state = %q, want active", restored.LocalState)
	}
	if restored.PendingDeleteAt != nil {
		t.Error("pending delete not cancelled by restore")
	}
}
