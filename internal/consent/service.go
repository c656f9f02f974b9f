// Package consent implements the consent service (component 9):
// grant/revoke/validate/history over the `user_consents` and
// `consent_policies` tables, with circuit-breaker-guarded reads,
// following the validate-then-store orchestration shape of the
// teacher's internal/app/services/triggers/service.go.
package consent

import (
	"context"
	"sort"
	"strings"
	"time"

	core "github.com/intentgovern/controlplane/internal/app/core/service"
	"github.com/intentgovern/controlplane/infrastructure/cache"
	"github.com/intentgovern/controlplane/infrastructure/errors"
	"github.com/intentgovern/controlplane/infrastructure/logging"
	"github.com/intentgovern/controlplane/infrastructure/resilience"
	"github.com/intentgovern/controlplane/internal/store/postgres"
	"github.com/intentgovern/controlplane/pkg/clock"
)

// hasValidConsentCacheTTL bounds how stale a cached HasValidConsent result
// may be (§4.1 step 2 calls this on every intent submission — a point
// query worth caching, not worth serving minutes stale).
const hasValidConsentCacheTTL = 30 * time.Second

// Allowed consent types (§3).
const (
	TypeDataProcessing = "data_processing"
	TypeAnalytics       = "analytics"
	TypeMarketing       = "marketing"
)

// Store is the subset of the relational store adapter the consent
// service depends on.
type Store interface {
	GrantConsent(ctx context.Context, c postgres.Consent) (postgres.Consent, error)
	RevokeConsent(ctx context.Context, userID, tenantID, consentType string, revokedAt time.Time) (bool, error)
	HasValidConsent(ctx context.Context, userID, tenantID, consentType string) (bool, error)
	GetConsentHistory(ctx context.Context, userID, tenantID, consentType string) ([]postgres.Consent, error)
	CreatePolicy(ctx context.Context, p postgres.ConsentPolicy) (postgres.ConsentPolicy, error)
	GetCurrentPolicy(ctx context.Context, tenantID, consentType string) (*postgres.ConsentPolicy, error)
	GetPolicy(ctx context.Context, tenantID, consentType, version string) (*postgres.ConsentPolicy, error)
	GetPolicyHistory(ctx context.Context, tenantID, consentType string) ([]postgres.ConsentPolicy, error)
}

// GrantRequest captures the inputs to Grant (§4.5 grantConsent).
type GrantRequest struct {
	UserID      string
	TenantID    string
	ConsentType string
	Version     string
	IPAddress   string
	UserAgent   string
}

// ValidationResult is the result shape for Validate (§4.5 validateConsent).
type ValidationResult struct {
	Valid       bool
	ConsentType string
	GrantedAt   *time.Time
	Version     string
	Reason      string
}

// HistoryEntry is one grant or revoke event, flattened for getConsentHistory
// (§4.5: "emits two entries per row when appropriate (grant + revoke)").
type HistoryEntry struct {
	Action    string // "granted" | "revoked"
	Version   string
	Timestamp time.Time
}

// Service is the consent service.
type Service struct {
	store   Store
	breaker *resilience.CircuitBreaker
	clock   clock.Source
	log     *logging.Logger
	cache   *cache.TTLCache
}

// New constructs a consent service. log may be nil, in which case a
// default logger is used.
func New(store Store, breaker *resilience.CircuitBreaker, clk clock.Source, log *logging.Logger) *Service {
	if breaker == nil {
		breaker = resilience.New(resilience.DefaultConfig())
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logging.NewFromEnv("consent")
	}
	return &Service{
		store:   store,
		breaker: breaker,
		clock:   clk,
		log:     log,
		cache:   cache.NewTTLCache(hasValidConsentCacheTTL),
	}
}

// Descriptor advertises this service's placement (internal/app/core/service
// convention).
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "consent",
		Domain:       "governance",
		Layer:        core.LayerEngine,
		Capabilities: []string{"consent", "policy"},
	}
}

// Grant records a consent grant (§4.5 grantConsent). If an active grant
// already exists at the same version, it is a no-op; at a different
// version, the old row is revoked and a new one inserted.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (postgres.Consent, error) {
	if err := validateConsentType(req.ConsentType); err != nil {
		return postgres.Consent{}, err
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.TenantID) == "" {
		return postgres.Consent{}, errors.Validation("user_id/tenant_id", "required")
	}

	var result postgres.Consent
	err := s.breaker.Execute(ctx, func() error {
		history, err := s.store.GetConsentHistory(ctx, req.UserID, req.TenantID, req.ConsentType)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		if active := activeGrant(history); active != nil {
			if active.Version == req.Version {
				result = *active
				return nil
			}
			if _, err := s.store.RevokeConsent(ctx, req.UserID, req.TenantID, req.ConsentType, now); err != nil {
				return err
			}
		}

		created, err := s.store.GrantConsent(ctx, postgres.Consent{
			UserID:      req.UserID,
			TenantID:    req.TenantID,
			ConsentType: req.ConsentType,
			GrantedAt:   now,
			Version:     req.Version,
			IPAddress:   req.IPAddress,
			UserAgent:   req.UserAgent,
		})
		if err != nil {
			return err
		}
		result = created
		return nil
	})
	if err != nil {
		return postgres.Consent{}, mapBreakerErr(err)
	}

	s.cache.Delete(ctx, consentCacheKey(req.UserID, req.TenantID, req.ConsentType))
	s.log.WithFields(map[string]interface{}{
		"user_id":      req.UserID,
		"tenant_id":    req.TenantID,
		"consent_type": req.ConsentType,
		"version":      req.Version,
	}).Info("consent granted")
	return result, nil
}

// Revoke performs a conditional grant->revoked transition (§4.5
// revokeConsent). It is idempotent: revoking an already-revoked or
// never-granted consent returns ok=false, not an error.
func (s *Service) Revoke(ctx context.Context, userID, tenantID, consentType string) (bool, error) {
	var ok bool
	err := s.breaker.Execute(ctx, func() error {
		var innerErr error
		ok, innerErr = s.store.RevokeConsent(ctx, userID, tenantID, consentType, s.clock.Now())
		return innerErr
	})
	if err != nil {
		return false, mapBreakerErr(err)
	}
	if ok {
		s.cache.Delete(ctx, consentCacheKey(userID, tenantID, consentType))
		s.log.WithFields(map[string]interface{}{
			"user_id": userID, "tenant_id": tenantID, "consent_type": consentType,
		}).Info("consent revoked")
	}
	return ok, nil
}

// HasValidConsent is a plain point-query, not breaker-guarded (§4.5
// hasValidConsent: "point query"). Results are cached briefly since this
// is called on every intent submission's consent gate (§4.1 step 2).
func (s *Service) HasValidConsent(ctx context.Context, userID, tenantID, consentType string) (bool, error) {
	key := consentCacheKey(userID, tenantID, consentType)
	if cached, ok := s.cache.Get(ctx, key); ok {
		return cached.(bool), nil
	}

	ok, err := s.store.HasValidConsent(ctx, userID, tenantID, consentType)
	if err != nil {
		return false, err
	}
	s.cache.Set(ctx, key, ok)
	return ok, nil
}

func consentCacheKey(userID, tenantID, consentType string) string {
	return userID + ":" + tenantID + ":" + consentType
}

// Validate returns the full validation detail (§4.5 validateConsent).
func (s *Service) Validate(ctx context.Context, userID, tenantID, consentType string) (ValidationResult, error) {
	var result ValidationResult
	err := s.breaker.Execute(ctx, func() error {
		history, err := s.store.GetConsentHistory(ctx, userID, tenantID, consentType)
		if err != nil {
			return err
		}
		active := activeGrant(history)
		if active == nil {
			result = ValidationResult{Valid: false, ConsentType: consentType, Reason: "no active consent"}
			return nil
		}
		result = ValidationResult{
			Valid:       true,
			ConsentType: consentType,
			GrantedAt:   &active.GrantedAt,
			Version:     active.Version,
		}
		return nil
	})
	if err != nil {
		return ValidationResult{}, mapBreakerErr(err)
	}
	return result, nil
}

// RequireConsent fails with consent_required unless an active consent
// exists (§4.5 requireConsent).
func (s *Service) RequireConsent(ctx context.Context, userID, tenantID, consentType string) error {
	ok, err := s.HasValidConsent(ctx, userID, tenantID, consentType)
	if err != nil {
		return err
	}
	if !ok {
		return errors.ConsentRequired(userID, tenantID, consentType)
	}
	return nil
}

// GetHistory returns every grant/revoke event for (user, tenant, type),
// newest first (§4.5 getConsentHistory).
func (s *Service) GetHistory(ctx context.Context, userID, tenantID, consentType string) ([]HistoryEntry, error) {
	rows, err := s.store.GetConsentHistory(ctx, userID, tenantID, consentType)
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(rows)*2)
	for _, row := range rows {
		entries = append(entries, HistoryEntry{Action: "granted", Version: row.Version, Timestamp: row.GrantedAt})
		if row.RevokedAt != nil {
			entries = append(entries, HistoryEntry{Action: "revoked", Version: row.Version, Timestamp: *row.RevokedAt})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.After(entries[j].Timestamp) })
	return entries, nil
}

// CreatePolicy closes the current-effective policy version (if any) and
// inserts the new one (§4.5 createPolicy).
func (s *Service) CreatePolicy(ctx context.Context, tenantID, consentType, version, content string) (postgres.ConsentPolicy, error) {
	if err := validateConsentType(consentType); err != nil {
		return postgres.ConsentPolicy{}, err
	}
	return s.store.CreatePolicy(ctx, postgres.ConsentPolicy{
		TenantID:      tenantID,
		ConsentType:   consentType,
		Version:       version,
		Content:       content,
		EffectiveFrom: s.clock.Now(),
	})
}

// GetCurrentPolicy returns the open-ended policy version, if any.
func (s *Service) GetCurrentPolicy(ctx context.Context, tenantID, consentType string) (*postgres.ConsentPolicy, error) {
	return s.store.GetCurrentPolicy(ctx, tenantID, consentType)
}

// GetPolicy returns a specific historical version.
func (s *Service) GetPolicy(ctx context.Context, tenantID, consentType, version string) (*postgres.ConsentPolicy, error) {
	return s.store.GetPolicy(ctx, tenantID, consentType, version)
}

// GetPolicyHistory returns every version for (tenant, type), most recent first.
func (s *Service) GetPolicyHistory(ctx context.Context, tenantID, consentType string) ([]postgres.ConsentPolicy, error) {
	return s.store.GetPolicyHistory(ctx, tenantID, consentType)
}

func activeGrant(history []postgres.Consent) *postgres.Consent {
	for i := range history {
		if history[i].Granted && history[i].RevokedAt == nil {
			return &history[i]
		}
	}
	return nil
}

func validateConsentType(t string) error {
	switch t {
	case TypeDataProcessing, TypeAnalytics, TypeMarketing:
		return nil
	default:
		return errors.Validation("consent_type", "must be one of data_processing, analytics, marketing")
	}
}

func mapBreakerErr(err error) error {
	if err == resilience.ErrCircuitOpen || err == resilience.ErrTooManyRequests {
		return errors.CircuitOpen("consent")
	}
	return err
}
