package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/haukh/idport/internal/actor"
	"github.com/haukh/idport/internal/audit"
	"github.com/haukh/idport/internal/credentials"
	"github.com/haukh/idport/internal/entities"
	"github.com/haukh/idport/internal/lifecycle"
	"github.com/haukh/idport/internal/metrics"
	"github.com/haukh/idport/internal/reconcile"
	"github.com/haukh/idport/internal/settings"
	"github.com/haukh/idport/internal/store"
	"github.com/haukh/idport/model"
	"github.com/haukh/idport/params"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

var defaultBaseURLs = map[string]string{
	model.IdPKindGoogle:    "https://admin.googleapis.com",
	model.IdPKindMicrosoft: "https://graph.microsoft.com",
}

// Request is one administrative call to forward verbatim.
type Request struct {
	OrgID  uint
	Kind   string
	Method string
	Path   string
	Query  string
	Body   []byte
	Actor  actor.Actor
	// Source tags the audit record; defaults to "local" (an inbound caller).
	Source string
}

// Envelope captures what the gateway knew about a forwarded call.
type Envelope struct {
	OrgID          uint           `json:"orgID"`
	Kind           string         `json:"idpKind"`
	Method         string         `json:"method"`
	Path           string         `json:"path"`
	Classification Classification `json:"classification"`
	Attempts       int            `json:"attempts"`
	Outcome        string         `json:"outcome"`
	StartedAt      time.Time      `json:"startedAt"`
	DurationMillis int64          `json:"durationMillis"`
}

// Result is the upstream response handed back to the caller unmodified,
// plus the gateway's own envelope.
type Result struct {
	StatusCode  int
	Body        []byte
	ContentType string
	Envelope    Envelope
}

// Gateway forwards arbitrary admin REST calls to an IdP, records exactly one
// audit event per call, and feeds classified write responses through the
// mirror so the local store converges without a separate fetch.
type Gateway struct {
	creds    *credentials.Service
	mirror   *entities.Mirror
	settings settings.Repository
	log      audit.Appender
	client   *http.Client
	baseURLs map[string]string
	locks    *store.LockManager

	// Overridable in tests.
	tokens  func(ctx context.Context, cred *credentials.Credential) (oauth2.TokenSource, error)
	backoff func(ctx context.Context, attempt int) error

	mu       sync.Mutex
	limiters map[uint]*rate.Limiter
}

func NewGateway(creds *credentials.Service, mirror *entities.Mirror, settingsRepo settings.Repository, log audit.Appender, storage store.Storage, baseURLOverrides map[string]string) *Gateway {
	baseURLs := make(map[string]string, len(defaultBaseURLs))
	for kind, url := range defaultBaseURLs {
		baseURLs[kind] = url
	}
	for kind, url := range baseURLOverrides {
		if url != "" {
			baseURLs[kind] = strings.TrimRight(url, "/")
		}
	}
	return &Gateway{
		creds:    creds,
		mirror:   mirror,
		settings: settingsRepo,
		log:      log,
		client:   &http.Client{Timeout: params.ProxyRequestTimeout},
		baseURLs: baseURLs,
		locks:    store.NewLockManager(storage, params.PollLockKeyPrefix),
		tokens:   creds.TokenSource,
		backoff:  sleepBackoff,
		limiters: make(map[uint]*rate.Limiter),
	}
}

// BaseURL returns the REST root for a provider kind.
func (g *Gateway) BaseURL(kind string) (string, error) {
	if url, ok := g.baseURLs[kind]; ok {
		return url, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownIdP, kind)
}

func (g *Gateway) limiter(orgID uint) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[orgID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(params.ProxyRatePerSecond), params.ProxyRateBurst)
		g.limiters[orgID] = l
	}
	return l
}

// Forward proxies the request and applies classified write responses to the
// local mirror. It always appends exactly one proxied_call audit record,
// including on upstream failure and caller cancellation; if that append
// fails the whole call fails.
func (g *Gateway) Forward(ctx context.Context, req Request) (*Result, error) {
	return g.forward(ctx, req, true)
}

func (g *Gateway) forward(ctx context.Context, req Request, applyWrites bool) (*Result, error) {
	if req.Source == "" {
		req.Source = model.SourceLocal
	}
	baseURL, err := g.BaseURL(req.Kind)
	if err != nil {
		return nil, err
	}

	result := &Result{Envelope: Envelope{
		OrgID:          req.OrgID,
		Kind:           req.Kind,
		Method:         strings.ToUpper(req.Method),
		Path:           req.Path,
		Classification: Classify(req.Method, req.Path),
		StartedAt:      time.Now().UTC(),
	}}

	cfg, err := g.settings.Get(ctx, req.OrgID, req.Kind)
	if err != nil {
		return nil, err
	}

	// Snapshot the local record before the call so the audit event carries
	// previous values for classified writes.
	previousValues := g.snapshotBefore(ctx, req.OrgID, result.Envelope.Classification)

	cred, err := g.creds.Resolve(ctx, req.OrgID, req.Kind)
	if errors.Is(err, credentials.ErrNotFound) {
		// Rejected before any upstream traffic.
		result.StatusCode = http.StatusUnauthorized
		result.Envelope.Outcome = model.OutcomeError
		result.Body = gatewayErrorBody("NoCredential", ErrNoCredential.Error())
		result.ContentType = contentTypeJSON
		if err := g.auditCall(ctx, req, result, previousValues, ""); err != nil {
			return nil, err
		}
		metrics.ProxiedCalls.WithLabelValues(req.Kind, result.Envelope.Outcome).Inc()
		return result, ErrNoCredential
	}
	if err != nil {
		return nil, err
	}
	tokenSource, err := g.tokens(ctx, cred)
	if err != nil {
		return nil, err
	}

	if err := g.limiter(req.OrgID).Wait(ctx); err != nil {
		result.Envelope.Outcome = model.OutcomeCancelled
		if auditErr := g.auditCall(ctx, req, result, previousValues, ""); auditErr != nil {
			return nil, auditErr
		}
		return nil, err
	}

	callErr := g.callUpstream(ctx, req, baseURL, tokenSource, result)
	result.Envelope.DurationMillis = time.Since(result.Envelope.StartedAt).Milliseconds()

	switch {
	case errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded):
		result.Envelope.Outcome = model.OutcomeCancelled
	case errors.Is(callErr, ErrRetriesExhausted):
		result.Envelope.Outcome = model.OutcomeRateLimited
	case callErr != nil:
		result.Envelope.Outcome = model.OutcomeError
	case result.StatusCode >= 200 && result.StatusCode < 300:
		result.Envelope.Outcome = model.OutcomeOK
	default:
		result.Envelope.Outcome = model.OutcomeUpstreamError
	}

	newValues := ""
	if applyWrites && result.Envelope.Outcome == model.OutcomeOK && result.Envelope.Classification.Write() {
		// A poll pass holds the pair's advisory lock while it reconciles;
		// applying the write under the same lock keeps the two from
		// interleaving on one entity. If the lock cannot be had before the
		// caller gives up, the apply is skipped and the next poll converges
		// the mirror.
		if release, lockErr := g.acquirePairLock(ctx, req.OrgID, req.Kind); lockErr != nil {
			slog.Warn("Mirror apply skipped, pair lock unavailable", "org", req.OrgID, "idp", req.Kind, "error", lockErr)
		} else {
			newValues = g.applyWrite(ctx, req, cfg, result)
			release()
		}
	}

	if err := g.auditCall(ctx, req, result, previousValues, newValues); err != nil {
		return nil, err
	}
	metrics.ProxiedCalls.WithLabelValues(req.Kind, result.Envelope.Outcome).Inc()

	if callErr != nil && result.Envelope.Outcome != model.OutcomeRateLimited {
		return result, callErr
	}
	return result, nil
}

// callUpstream performs the HTTP exchange with bounded exponential backoff on
// 429 and 503. Any other status, success or failure, is final on the first
// attempt and passed through verbatim.
func (g *Gateway) callUpstream(ctx context.Context, req Request, baseURL string, tokenSource oauth2.TokenSource, result *Result) error {
	token, err := tokenSource.Token()
	if err != nil {
		return fmt.Errorf("obtain idp token: %w", err)
	}

	url := baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if req.Query != "" {
		url += "?" + req.Query
	}

	for attempt := 1; attempt <= params.ProxyMaxAttempts; attempt++ {
		result.Envelope.Attempts = attempt

		httpReq, err := http.NewRequestWithContext(ctx, result.Envelope.Method, url, bytes.NewReader(req.Body))
		if err != nil {
			return err
		}
		token.SetAuthHeader(httpReq)
		if len(req.Body) > 0 {
			httpReq.Header.Set("Content-Type", contentTypeJSON)
		}

		resp, err := g.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		body, err := readBody(resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}

		result.StatusCode = resp.StatusCode
		result.Body = body
		result.ContentType = resp.Header.Get("Content-Type")

		if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
			return nil
		}
		if attempt == params.ProxyMaxAttempts {
			return ErrRetriesExhausted
		}

		metrics.ProxyRetries.Inc()
		if err := g.backoff(ctx, attempt); err != nil {
			return err
		}
	}
	return ErrRetriesExhausted
}

// acquirePairLock takes the same advisory lock the poller holds for the
// (organization, IdP) pair, retrying until the caller's context expires.
func (g *Gateway) acquirePairLock(ctx context.Context, orgID uint, kind string) (func(), error) {
	key := fmt.Sprintf("%d:%s", orgID, kind)
	for {
		release, ok, err := g.locks.Acquire(ctx, key, params.ProxyApplyLockTTL)
		if err != nil {
			return nil, err
		}
		if ok {
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(params.ProxyApplyLockRetry):
		}
	}
}

// sleepBackoff waits base*2^(attempt-1) capped at the configured maximum,
// with half-jitter so concurrent retries spread out.
func sleepBackoff(ctx context.Context, attempt int) error {
	d := params.ProxyBackoffBase << (attempt - 1)
	if d > params.ProxyBackoffMax {
		d = params.ProxyBackoffMax
	}
	d = d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// applyWrite feeds a successful classified write back into the mirror. Mirror
// failures are logged and left for the next poll pass; the upstream response
// is already final so the caller still gets it.
func (g *Gateway) applyWrite(ctx context.Context, req Request, cfg *model.SyncSettings, result *Result) string {
	class := result.Envelope.Classification
	observedAt := time.Now().UTC()

	if class.Operation == OpDelete {
		entity, err := g.mirror.Repo().FirstByExternalID(ctx, req.OrgID, class.EntityType, class.ExternalID)
		if errors.Is(err, entities.ErrEntityNotFound) {
			return ""
		}
		if err != nil {
			slog.Error("Mirror lookup after proxied delete failed", "org", req.OrgID, "externalID", class.ExternalID, "error", err)
			return ""
		}
		if err := g.mirror.ObserveExternalDeleted(ctx, entity, lifecycle.ObservationStateChange, cfg, req.Actor, req.Source); err != nil {
			slog.Error("Mirror apply after proxied delete failed", "org", req.OrgID, "entity", entity.ID, "error", err)
			return ""
		}
		return snapshotJSON(entity)
	}

	// Create and update responses usually echo the resource. Providers that
	// answer 204 echo nothing; fall back to the request body, which for a
	// create or full update carries the same fields.
	payload := result.Body
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = req.Body
	}
	obs, err := ParseObserved(req.Kind, class.EntityType, payload, observedAt)
	if err != nil {
		// Subresource writes (group membership) do not carry the full
		// entity; the next poll picks those up.
		slog.Debug("Proxied write response not applicable to mirror", "org", req.OrgID, "path", req.Path, "error", err)
		return ""
	}
	if class.ExternalID != "" && obs.ExternalID == "" {
		obs.ExternalID = class.ExternalID
	}
	entity, err := g.mirror.ObserveExternal(ctx, req.OrgID, req.Kind, class.EntityType, obs, cfg, req.Actor, req.Source)
	if err != nil {
		slog.Error("Mirror apply after proxied write failed", "org", req.OrgID, "externalID", obs.ExternalID, "error", err)
		return ""
	}
	return snapshotJSON(entity)
}

func (g *Gateway) snapshotBefore(ctx context.Context, orgID uint, class Classification) string {
	if !class.Write() || class.ExternalID == "" {
		return ""
	}
	entity, err := g.mirror.Repo().FirstByExternalID(ctx, orgID, class.EntityType, class.ExternalID)
	if err != nil {
		return ""
	}
	return snapshotJSON(entity)
}

// auditCall appends the single proxied_call record for this forward. The
// append runs detached from the caller's context so a cancelled call is
// still recorded.
func (g *Gateway) auditCall(ctx context.Context, req Request, result *Result, previousValues, newValues string) error {
	class := result.Envelope.Classification
	detail := fmt.Sprintf("%s %s -> %d", result.Envelope.Method, req.Path, result.StatusCode)
	if result.Envelope.Attempts > 1 {
		detail = fmt.Sprintf("%s (attempts=%d)", detail, result.Envelope.Attempts)
	}
	_, err := g.log.Append(context.WithoutCancel(ctx), req.OrgID, audit.Entry{
		EventType:      model.EventTypeProxiedCall,
		Outcome:        result.Envelope.Outcome,
		EntityType:     class.EntityType,
		ExternalID:     class.ExternalID,
		IdPKind:        req.Kind,
		Source:         req.Source,
		Actor:          req.Actor.Subject,
		ActorType:      req.Actor.Type,
		PreviousValues: previousValues,
		NewValues:      newValues,
		Detail:         detail,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", audit.ErrWriteFailed, err)
	}
	return nil
}

const contentTypeJSON = "application/json"

func snapshotJSON(entity *model.ManagedEntity) string {
	b, _ := json.Marshal(reconcile.SnapshotEntity(entity))
	return string(b)
}

func gatewayErrorBody(code, message string) []byte {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
	return body
}

func readBody(r io.Reader) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
