// Package escalation implements the escalation engine (component 12):
// create/acknowledge/resolve/timeout-sweep orchestration over the
// escalations table, backed by three Redis-resident indices (a per-tenant
// pending set, a global timeout-ordered sorted set, and a per-intent
// list) plus a 300s read-through cache, following the same
// validate-then-store-then-index shape the consent and intent services
// use.
package escalation

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/intentgovern/controlplane/infrastructure/errors"
	"github.com/intentgovern/controlplane/infrastructure/logging"
	core "github.com/intentgovern/controlplane/internal/app/core/service"
	"github.com/intentgovern/controlplane/internal/store/postgres"
	"github.com/intentgovern/controlplane/pkg/clock"
)

// Escalation statuses (§4.4).
const (
	StatusPending      = "pending"
	StatusAcknowledged = "acknowledged"
	StatusApproved     = "approved"
	StatusRejected     = "rejected"
	StatusCancelled    = "cancelled"
	StatusTimeout      = "timeout"
)

const (
	defaultTimeout = "PT24H"
	cacheTTL       = 300 * time.Second
	timeoutsKey    = "escalation:idx:timeouts"
)

func pendingKey(tenantID string) string { return "escalation:idx:pending:" + tenantID }
func intentKey(intentID string) string  { return "escalation:idx:intent:" + intentID }
func cacheKey(id string) string         { return "escalation:cache:" + id }

// durationPattern matches the P[nD][T[nH][nM][nS]] subset of ISO-8601
// durations (§4.4 create).
var durationPattern = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// ParseTimeout parses a P[nD][T[nH][nM][nS]] duration string. An empty
// string uses defaultTimeout.
func ParseTimeout(s string) (time.Duration, error) {
	if s == "" {
		s = defaultTimeout
	}
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, errors.Validation("timeout", "must match P[nD][T[nH][nM][nS]]")
	}
	var d time.Duration
	if m[1] != "" {
		n, _ := strconv.Atoi(m[1])
		d += time.Duration(n) * 24 * time.Hour
	}
	if m[2] != "" {
		n, _ := strconv.Atoi(m[2])
		d += time.Duration(n) * time.Hour
	}
	if m[3] != "" {
		n, _ := strconv.Atoi(m[3])
		d += time.Duration(n) * time.Minute
	}
	if m[4] != "" {
		n, _ := strconv.Atoi(m[4])
		d += time.Duration(n) * time.Second
	}
	if d == 0 {
		return 0, errors.Validation("timeout", "must specify at least one component")
	}
	return d, nil
}

// Store is the subset of the relational store adapter the escalation
// service depends on.
type Store interface {
	CreateEscalation(ctx context.Context, esc postgres.Escalation) (postgres.Escalation, error)
	GetEscalation(ctx context.Context, id, tenantID string) (*postgres.Escalation, error)
	AcknowledgeEscalation(ctx context.Context, id, tenantID string, now time.Time) (bool, error)
	ResolveEscalation(ctx context.Context, id, tenantID, to string, now time.Time, resolvedBy, resolutionNotes string, slaBreached bool) (bool, error)
	ListDueTimeouts(ctx context.Context, now time.Time, limit int) ([]postgres.Escalation, error)
	ListPendingByTenant(ctx context.Context, tenantID string) ([]postgres.Escalation, error)
	ListEscalationsByIntent(ctx context.Context, intentID string) ([]postgres.Escalation, error)
}

// KV is the subset of the key-value adapter used for the cache and the
// three indices.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	RPush(ctx context.Context, key, value string) error
	LRange(ctx context.Context, key string) ([]string, error)
}

// CreateRequest is the escalation engine's create() contract (§4.4).
type CreateRequest struct {
	IntentID       string
	TenantID       string
	Reason         string
	ReasonCategory string
	EscalatedTo    string
	EscalatedBy    string
	Timeout        string
	Context        map[string]interface{}
	Metadata       map[string]interface{}
}

// Service is the escalation service.
type Service struct {
	store Store
	kv    KV
	clock clock.Source
	log   *logging.Logger
}

// New constructs an escalation service. clk/log may be nil, in which
// case sane defaults are used.
func New(store Store, kvStore KV, clk clock.Source, log *logging.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logging.NewFromEnv("escalation")
	}
	return &Service{store: store, kv: kvStore, clock: clk, log: log}
}

// Descriptor advertises this service's placement (internal/app/core/service
// convention).
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "escalation",
		Domain:       "governance",
		Layer:        core.LayerEngine,
		Capabilities: []string{"escalation.lifecycle", "escalation.timeout-sweep"},
	}
}

// Create inserts a pending escalation and populates its indices (§4.4 create).
func (s *Service) Create(ctx context.Context, req CreateRequest) (postgres.Escalation, error) {
	if strings.TrimSpace(req.IntentID) == "" || strings.TrimSpace(req.TenantID) == "" {
		return postgres.Escalation{}, errors.Validation("intent_id/tenant_id", "required")
	}
	timeoutStr := req.Timeout
	if timeoutStr == "" {
		timeoutStr = defaultTimeout
	}
	dur, err := ParseTimeout(timeoutStr)
	if err != nil {
		return postgres.Escalation{}, err
	}

	now := s.clock.Now()
	esc := postgres.Escalation{
		ID:             s.clock.NewID(),
		IntentID:       req.IntentID,
		TenantID:       req.TenantID,
		Reason:         req.Reason,
		ReasonCategory: req.ReasonCategory,
		EscalatedTo:    req.EscalatedTo,
		EscalatedBy:    req.EscalatedBy,
		Status:         StatusPending,
		Timeout:        timeoutStr,
		TimeoutAt:      now.Add(dur),
		Context:        req.Context,
		Metadata:       req.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	created, err := s.store.CreateEscalation(ctx, esc)
	if err != nil {
		return postgres.Escalation{}, err
	}

	s.indexAdd(ctx, created)
	s.log.LogAudit(ctx, "escalation.created", "escalation", created.ID, "pending")
	return created, nil
}

// Get is a 300s read-through cache read over the store (§4.4 get).
func (s *Service) Get(ctx context.Context, id, tenantID string) (*postgres.Escalation, error) {
	if cached, err := s.kv.Get(ctx, cacheKey(id)); err == nil {
		var esc postgres.Escalation
		if jsonErr := json.Unmarshal([]byte(cached), &esc); jsonErr == nil && esc.TenantID == tenantID {
			return &esc, nil
		}
	}

	found, err := s.store.GetEscalation(ctx, id, tenantID)
	if err != nil || found == nil {
		return found, err
	}
	if raw, jsonErr := json.Marshal(found); jsonErr == nil {
		if err := s.kv.Set(ctx, cacheKey(id), string(raw), cacheTTL); err != nil {
			s.log.WithError(err).Warn("failed to populate escalation cache")
		}
	}
	return found, nil
}

// Acknowledge performs the conditional pending->acknowledged transition
// and removes the escalation from the pending index (§4.4 acknowledge).
// Acknowledge does not persist acknowledgedBy onto the row's metadata column;
// AcknowledgeEscalation has no such parameter, so it is captured only in the
// audit log entry below.
func (s *Service) Acknowledge(ctx context.Context, id, tenantID, acknowledgedBy string) (bool, error) {
	now := s.clock.Now()
	ok, err := s.store.AcknowledgeEscalation(ctx, id, tenantID, now)
	if err != nil || !ok {
		return ok, err
	}
	if err := s.kv.SRem(ctx, pendingKey(tenantID), id); err != nil {
		s.log.WithError(err).Warn("failed to remove escalation from pending index")
	}
	s.invalidateCache(ctx, id)
	s.log.LogAudit(ctx, "escalation.acknowledged", "escalation", id, acknowledgedBy)
	return true, nil
}

// Approve, Reject, and Cancel are the three terminal resolutions
// available from {pending, acknowledged} (§4.4 approve/reject/cancel).
func (s *Service) Approve(ctx context.Context, id, tenantID, resolvedBy, notes string) (bool, error) {
	return s.resolve(ctx, id, tenantID, StatusApproved, resolvedBy, notes)
}

func (s *Service) Reject(ctx context.Context, id, tenantID, resolvedBy, notes string) (bool, error) {
	return s.resolve(ctx, id, tenantID, StatusRejected, resolvedBy, notes)
}

func (s *Service) Cancel(ctx context.Context, id, tenantID, resolvedBy, notes string) (bool, error) {
	return s.resolve(ctx, id, tenantID, StatusCancelled, resolvedBy, notes)
}

func (s *Service) resolve(ctx context.Context, id, tenantID, to, resolvedBy, notes string) (bool, error) {
	current, err := s.store.GetEscalation(ctx, id, tenantID)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, errors.NotFound("escalation", id)
	}

	now := s.clock.Now()
	slaBreached := now.After(current.TimeoutAt)
	ok, err := s.store.ResolveEscalation(ctx, id, tenantID, to, now, resolvedBy, notes, slaBreached)
	if err != nil || !ok {
		return ok, err
	}

	s.indexRemove(ctx, *current)
	s.invalidateCache(ctx, id)
	s.log.LogAudit(ctx, "escalation."+to, "escalation", id, resolvedBy)
	return true, nil
}

// ProcessTimeouts sweeps every due {pending, acknowledged} escalation to
// status=timeout, sla_breached=true (§4.4 processTimeouts). Callers
// invoke this only while holding the scheduler's leader lease, so it is
// exactly-once across a fleet by construction rather than by any locking
// inside this method.
func (s *Service) ProcessTimeouts(ctx context.Context, limit int) (int, error) {
	now := s.clock.Now()
	due, err := s.store.ListDueTimeouts(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, esc := range due {
		ok, err := s.store.ResolveEscalation(ctx, esc.ID, esc.TenantID, StatusTimeout, now, "", "", true)
		if err != nil {
			s.log.WithError(err).WithFields(map[string]interface{}{"escalation_id": esc.ID}).Warn("failed to time out escalation")
			continue
		}
		if !ok {
			continue
		}
		s.indexRemove(ctx, esc)
		s.invalidateCache(ctx, esc.ID)
		swept++
	}
	return swept, nil
}

// DueNow queries the timeout-ordered index directly for "due by now"
// entries without touching the store, the cheap path the sorted set
// exists for (§4.4 "ordered structure keyed on absolute deadline
// milliseconds"). ProcessTimeouts remains the source of truth.
func (s *Service) DueNow(ctx context.Context, now time.Time) ([]string, error) {
	return s.kv.ZRangeByScore(ctx, timeoutsKey, 0, float64(now.UnixMilli()))
}

// RebuildIndexes warm-reconstructs the pending and timeout indices for a
// tenant from the store, for use on cold start or after KV loss (§4.4
// rebuildIndexes). The store read is retried a few times before giving
// up, since a cold-start race against a still-warming store connection
// pool is the expected failure mode here.
func (s *Service) RebuildIndexes(ctx context.Context, tenantID string) error {
	var pending []postgres.Escalation
	err := core.Retry(ctx, core.RetryPolicy{
		Attempts: 3, InitialBackoff: 50 * time.Millisecond, MaxBackoff: 400 * time.Millisecond, Multiplier: 2,
	}, func() error {
		var err error
		pending, err = s.store.ListPendingByTenant(ctx, tenantID)
		return err
	})
	if err != nil {
		return err
	}

	for _, esc := range pending {
		s.indexAdd(ctx, esc)
	}
	return nil
}

// RebuildIntentIndex warm-reconstructs the per-intent index, for the
// same cold-start/KV-loss scenario as RebuildIndexes.
func (s *Service) RebuildIntentIndex(ctx context.Context, intentID string) error {
	all, err := s.store.ListEscalationsByIntent(ctx, intentID)
	if err != nil {
		return err
	}
	for _, esc := range all {
		if err := s.kv.RPush(ctx, intentKey(intentID), esc.ID); err != nil {
			s.log.WithError(err).Warn("failed to rebuild per-intent escalation index")
		}
	}
	return nil
}

// ListPendingIDs returns the pending-index membership for a tenant.
func (s *Service) ListPendingIDs(ctx context.Context, tenantID string) ([]string, error) {
	return s.kv.SMembers(ctx, pendingKey(tenantID))
}

// ListByIntentIDs returns the per-intent index's member IDs, in raise order.
func (s *Service) ListByIntentIDs(ctx context.Context, intentID string) ([]string, error) {
	return s.kv.LRange(ctx, intentKey(intentID))
}

func (s *Service) indexAdd(ctx context.Context, esc postgres.Escalation) {
	if err := s.kv.SAdd(ctx, pendingKey(esc.TenantID), esc.ID); err != nil {
		s.log.WithError(err).Warn("failed to add escalation to pending index")
	}
	if err := s.kv.ZAdd(ctx, timeoutsKey, float64(esc.TimeoutAt.UnixMilli()), esc.ID); err != nil {
		s.log.WithError(err).Warn("failed to add escalation to timeout index")
	}
	if err := s.kv.RPush(ctx, intentKey(esc.IntentID), esc.ID); err != nil {
		s.log.WithError(err).Warn("failed to add escalation to per-intent index")
	}
}

func (s *Service) indexRemove(ctx context.Context, esc postgres.Escalation) {
	if err := s.kv.SRem(ctx, pendingKey(esc.TenantID), esc.ID); err != nil {
		s.log.WithError(err).Warn("failed to remove escalation from pending index")
	}
	if err := s.kv.ZRem(ctx, timeoutsKey, esc.ID); err != nil {
		s.log.WithError(err).Warn("failed to remove escalation from timeout index")
	}
}

func (s *Service) invalidateCache(ctx context.Context, id string) {
	if err := s.kv.Delete(ctx, cacheKey(id)); err != nil {
		s.log.WithError(err).Warn("failed to invalidate escalation cache entry")
	}
}
