package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haukh/idport/internal/common"
	"github.com/haukh/idport/internal/store"
	"github.com/haukh/idport/model"
	"github.com/haukh/idport/params"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/google"
	"gorm.io/gorm"
)

// Material is the plaintext secret payload, sealed before it touches the
// database. Exactly one of the provider sections is populated.
type Material struct {
	// GoogleServiceAccount is the service account key JSON used for
	// domain-wide delegation.
	GoogleServiceAccount json.RawMessage `json:"googleServiceAccount,omitempty"`

	// Microsoft application (client credentials) grant.
	TenantID     string `json:"tenantID,omitempty"`
	ClientID     string `json:"clientID,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`

	Scopes []string `json:"scopes,omitempty"`
}

func (m *Material) Validate(kind string) error {
	switch kind {
	case model.IdPKindGoogle:
		if len(m.GoogleServiceAccount) == 0 {
			return fmt.Errorf("%w: google requires a service account key", ErrBadMaterial)
		}
	case model.IdPKindMicrosoft:
		if m.TenantID == "" || m.ClientID == "" || m.ClientSecret == "" {
			return fmt.Errorf("%w: microsoft requires tenantID, clientID and clientSecret", ErrBadMaterial)
		}
	default:
		return fmt.Errorf("%w: unknown idp kind %q", ErrBadMaterial, kind)
	}
	return nil
}

// Credential is a resolved, decrypted credential. It lives in memory only.
type Credential struct {
	OrgID     uint
	IdPKind   string
	Principal string
	Material  Material
}

// Service resolves per-organization IdP credentials. Sealed rows (never
// plaintext) are cached with a short TTL; rotation deletes the cache entry
// before returning, so a rotated secret is never served stale.
type Service struct {
	repo  CredentialRepository
	cache store.Store[model.IdPCredential]
	key   []byte
}

func cacheKey(orgID uint, kind string) string {
	return fmt.Sprintf("%d:%s", orgID, kind)
}

func (s *Service) Resolve(ctx context.Context, orgID uint, kind string) (*Credential, error) {
	row, err := s.cache.Get(ctx, cacheKey(orgID, kind))
	if err != nil {
		fetched, err := s.repo.First(ctx, orgID, kind)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		row = *fetched
		if err := s.cache.Set(ctx, cacheKey(orgID, kind), row, params.CredentialCacheTTL); err != nil {
			slog.Warn("Failed to cache credential", "org", orgID, "idp", kind, "error", err)
		}
	}

	plaintext, err := common.Open(s.key, row.SealedMaterial)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedMaterial, err)
	}
	var material Material
	if err := json.Unmarshal(plaintext, &material); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedMaterial, err)
	}
	return &Credential{
		OrgID:     orgID,
		IdPKind:   kind,
		Principal: row.Principal,
		Material:  material,
	}, nil
}

// Rotate stores new secret material for the pair, creating the row on first
// use. The cache entry is removed before returning: there must be no window
// where a caller resolves the retired secret after rotation completes.
func (s *Service) Rotate(ctx context.Context, orgID uint, kind string, principal string, material Material) error {
	if err := material.Validate(kind); err != nil {
		return err
	}
	plaintext, err := json.Marshal(material)
	if err != nil {
		return err
	}
	sealed, err := common.Seal(s.key, plaintext)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	affected, err := s.repo.Updates(ctx, orgID, kind, map[string]interface{}{
		"sealed_material": sealed,
		"principal":       principal,
		"rotated_at":      now,
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		err = s.repo.Create(ctx, &model.IdPCredential{
			OrgID:          orgID,
			IdPKind:        kind,
			SealedMaterial: sealed,
			Principal:      principal,
			RotatedAt:      now,
		})
		if err != nil {
			return err
		}
	}

	if err := s.cache.Delete(ctx, cacheKey(orgID, kind)); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("invalidate credential cache: %w", err)
	}
	return nil
}

// TokenSource builds the oauth2 source for outbound IdP calls.
func (s *Service) TokenSource(ctx context.Context, cred *Credential) (oauth2.TokenSource, error) {
	switch cred.IdPKind {
	case model.IdPKindGoogle:
		scopes := cred.Material.Scopes
		if len(scopes) == 0 {
			scopes = []string{
				"https://www.googleapis.com/auth/admin.directory.user",
				"https://www.googleapis.com/auth/admin.directory.group",
			}
		}
		cfg, err := google.JWTConfigFromJSON(cred.Material.GoogleServiceAccount, scopes...)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadMaterial, err)
		}
		// Domain-wide delegation: act as the configured admin principal.
		cfg.Subject = cred.Principal
		return cfg.TokenSource(ctx), nil
	case model.IdPKindMicrosoft:
		cfg := &clientcredentials.Config{
			ClientID:     cred.Material.ClientID,
			ClientSecret: cred.Material.ClientSecret,
			TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cred.Material.TenantID),
			Scopes:       []string{"https://graph.microsoft.com/.default"},
		}
		return cfg.TokenSource(ctx), nil
	}
	return nil, fmt.Errorf("%w: unknown idp kind %q", ErrBadMaterial, cred.IdPKind)
}

func NewService(repo CredentialRepository, storage store.Storage, masterKey string) *Service {
	return &Service{
		repo:  repo,
		cache: store.New[model.IdPCredential](storage, params.CredentialKeyPrefix),
		key:   common.DeriveKey(masterKey),
	}
}
