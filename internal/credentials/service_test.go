package credentials

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/haukh/idport/internal/store"
	"github.com/haukh/idport/model"
	"gorm.io/gorm"
)

type fakeCredentialRepo struct {
	mu   sync.Mutex
	rows map[string]*model.IdPCredential
	gets int
}

func key(orgID uint, kind string) string { return cacheKey(orgID, kind) }

func (r *fakeCredentialRepo) First(ctx context.Context, orgID uint, kind string) (*model.IdPCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gets++
	row, ok := r.rows[key(orgID, kind)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *row
	return &clone, nil
}

func (r *fakeCredentialRepo) Create(ctx context.Context, cred *model.IdPCredential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rows == nil {
		r.rows = make(map[string]*model.IdPCredential)
	}
	r.rows[key(cred.OrgID, cred.IdPKind)] = cred
	return nil
}

func (r *fakeCredentialRepo) Updates(ctx context.Context, orgID uint, kind string, columns map[string]interface{}) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[key(orgID, kind)]
	if !ok {
		return 0, nil
	}
	if sealed, ok := columns["sealed_material"].([]byte); ok {
		row.SealedMaterial = sealed
	}
	if principal, ok := columns["principal"].(string); ok {
		row.Principal = principal
	}
	return 1, nil
}

func microsoftMaterial(secret string) Material {
	return Material{TenantID: "contoso", ClientID: "app-id", ClientSecret: secret}
}

func newTestService() (*Service, *fakeCredentialRepo) {
	repo := &fakeCredentialRepo{}
	return NewService(repo, store.NewMemoryStorage(), "test-master-key"), repo
}

func TestRotateThenResolveRoundTrip(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if err := svc.Rotate(ctx, 1, model.IdPKindMicrosoft, "", microsoftMaterial("s3cret")); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	cred, err := svc.Resolve(ctx, 1, model.IdPKindMicrosoft)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cred.Material.ClientSecret != "s3cret" || cred.Material.TenantID != "contoso" {
		t.Errorf("resolved material = %+v", cred.Material)
	}
}

func TestResolveMissingCredential(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Resolve(context.Background(), 9, model.IdPKindGoogle); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestResolveUsesCache(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	if err := svc.Rotate(ctx, 1, model.IdPKindMicrosoft, "", microsoftMaterial("one")); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.Resolve(ctx, 1, model.IdPKindMicrosoft); err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
	}
	repo.mu.Lock()
	gets := repo.gets
	repo.mu.Unlock()
	if gets != 1 {
		t.Errorf("repository hit %d times, want 1 (cache miss only)", gets)
	}
}

func TestRotateInvalidatesCacheSynchronously(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if err := svc.Rotate(ctx, 1, model.IdPKindMicrosoft, "", microsoftMaterial("old")); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := svc.Resolve(ctx, 1, model.IdPKindMicrosoft); err != nil {
		t.Fatalf("resolve to warm cache: %v", err)
	}
	if err := svc.Rotate(ctx, 1, model.IdPKindMicrosoft, "", microsoftMaterial("new")); err != nil {
		t.Fatalf("second rotate: %v", err)
	}

	// No stale read window: the very next resolve must see the new secret.
	cred, err := svc.Resolve(ctx, 1, model.IdPKindMicrosoft)
	if err != nil {
		t.Fatalf("resolve after rotate: %v", err)
	}
	if cred.Material.ClientSecret != "new" {
		t.Errorf("resolved secret = %q, want the rotated one", cred.Material.ClientSecret)
	}
}

func TestRotateRejectsIncompleteMaterial(t *testing.T) {
	svc, _ := newTestService()
	err := svc.Rotate(context.Background(), 1, model.IdPKindMicrosoft, "", Material{TenantID: "contoso"})
	if !errors.Is(err, ErrBadMaterial) {
		t.Errorf("err = %v, want ErrBadMaterial", err)
	}
	err = svc.Rotate(context.Background(), 1, model.IdPKindGoogle, "admin@example.com", Material{})
	if !errors.Is(err, ErrBadMaterial) {
		t.Errorf("err = %v, want ErrBadMaterial", err)
	}
}
