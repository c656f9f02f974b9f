// Package intent implements the intent submission pipeline and status
// lifecycle (components 10-11): validation, consent/trust gates,
// deduplication, distributed-lock reservation, redaction, optional
// envelope encryption, transactional write, and best-effort enqueue,
// following the teacher's internal/app/services/triggers/service.go
// validate-then-store orchestration shape.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/intentgovern/controlplane/infrastructure/crypto"
	"github.com/intentgovern/controlplane/infrastructure/errors"
	"github.com/intentgovern/controlplane/infrastructure/logging"
	"github.com/intentgovern/controlplane/infrastructure/redaction"
	core "github.com/intentgovern/controlplane/internal/app/core/service"
	"github.com/intentgovern/controlplane/internal/kv"
	"github.com/intentgovern/controlplane/internal/queue"
	"github.com/intentgovern/controlplane/internal/statemachine"
	"github.com/intentgovern/controlplane/internal/store/postgres"
	"github.com/intentgovern/controlplane/pkg/clock"
	"github.com/intentgovern/controlplane/pkg/cryptoutil"
)

// maxContextBytes bounds the serialized size of a submitted context map
// (§4.1 step 1).
const maxContextBytes = 64 * 1024

// envelopeTagKey marks a context/metadata map as an encrypted envelope
// rather than plaintext (§4.1 step 9, §4.3 "encrypted-field detection").
const envelopeTagKey = "__envelope"

const dataProcessingConsent = "data_processing"

// Config carries the deployment tunables §4.1 leaves open: trust gates
// per intent type, tenant in-flight caps, queue namespace routing, and
// the dedupe fingerprint's secret/window.
type Config struct {
	DefaultMinTrustLevel int
	TrustGates           map[string]int
	DefaultMaxInFlight   int
	MaxInFlight          map[string]int
	NamespaceRouting     map[string]string
	DefaultNamespace     string
	DedupeSecret         string
	DedupeWindow         time.Duration
	DedupeMarkerTTL      time.Duration
	EncryptAtRest        bool
	EncryptionKey        []byte
	Lock                 kv.LockConfig
}

// DefaultConfig returns permissive defaults (no trust gates, no in-flight
// cap, encryption off) suitable for a fresh deployment or tests.
func DefaultConfig() Config {
	return Config{
		DefaultNamespace: "default",
		DedupeWindow:     5 * time.Minute,
		DedupeMarkerTTL:  5 * time.Minute,
		Lock:             kv.DefaultLockConfig(),
	}
}

// Store is the subset of the relational store adapter the intent
// service depends on.
type Store interface {
	CreateIntentWithEvent(ctx context.Context, intent postgres.Intent, eventPayload map[string]interface{}) (postgres.Intent, postgres.IntentEvent, error)
	GetIntentByDedupeHash(ctx context.Context, tenantID, dedupeHash string) (*postgres.Intent, error)
	GetIntent(ctx context.Context, id, tenantID string) (*postgres.Intent, error)
	ListIntents(ctx context.Context, tenantID, status string, limit, offset int) (postgres.Page, error)
	CountActiveIntents(ctx context.Context, tenantID string) (int, error)
	UpdateStatus(ctx context.Context, id, tenantID, expectedFrom, to, cancellationReason string, updatedAt time.Time) (bool, error)
	UpdateTrustMetadata(ctx context.Context, id, tenantID string, trustSnapshot map[string]interface{}, trustLevel, trustScore *int, updatedAt time.Time) error
	SoftDelete(ctx context.Context, id, tenantID string, deletedAt time.Time) error
	PurgeDeletedIntents(ctx context.Context, cutoff time.Time) (int64, error)
	RecordEvent(ctx context.Context, intentID, eventType string, payload map[string]interface{}, occurredAt time.Time) (postgres.IntentEvent, error)
	VerifyEventChain(ctx context.Context, intentID string) (postgres.ChainVerification, error)
}

// Locker is the subset of the key-value adapter used for dedupe
// reservation (§4.1 step 7).
type Locker interface {
	AcquireLock(ctx context.Context, key string, cfg kv.LockConfig) (*kv.Lock, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Enqueuer is the subset of the durable queue adapter used to hand off
// submitted intents (§4.1 step 12).
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

// ConsentChecker is the subset of the consent service's surface used by
// the consent gate (§4.1 step 2).
type ConsentChecker interface {
	HasValidConsent(ctx context.Context, userID, tenantID, consentType string) (bool, error)
}

// SubmitRequest is the Submit(payload, opts) contract of §4.1.
type SubmitRequest struct {
	TenantID           string
	EntityID           string
	Goal               string
	IntentType         string
	Priority           int
	Context            map[string]interface{}
	Metadata           map[string]interface{}
	IdempotencyKey     string
	UserID             string
	TrustLevel         int
	TrustSnapshot      map[string]interface{}
	BypassTrustGate    bool
	BypassConsentCheck bool
}

// Result is Submit's return shape: the intent plus whether it was an
// existing row returned because of a dedupe hit.
type Result struct {
	Intent    postgres.Intent
	Duplicate bool
}

// Service is the intent service.
type Service struct {
	store    Store
	kv       Locker
	queue    Enqueuer
	consent  ConsentChecker
	redactor *redaction.Redactor
	clock    clock.Source
	cfg      Config
	log      *logging.Logger
}

// New constructs an intent service. redactor/clk/log may be nil, in
// which case sane defaults are used.
func New(store Store, kvStore Locker, q Enqueuer, consentSvc ConsentChecker, redactor *redaction.Redactor, clk clock.Source, cfg Config, log *logging.Logger) *Service {
	if redactor == nil {
		redactor = redaction.New(redaction.DefaultConfig())
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logging.NewFromEnv("intent")
	}
	if cfg.DefaultNamespace == "" {
		cfg.DefaultNamespace = "default"
	}
	return &Service{store: store, kv: kvStore, queue: q, consent: consentSvc, redactor: redactor, clock: clk, cfg: cfg, log: log}
}

// Descriptor advertises this service's placement (internal/app/core/service
// convention).
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "intent",
		Domain:       "governance",
		Layer:        core.LayerEngine,
		Capabilities: []string{"intent.submit", "intent.lifecycle"},
	}
}

// Submit runs the twelve-step submission pipeline (§4.1).
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (Result, error) {
	if err := s.validateSubmit(req); err != nil {
		return Result{}, err
	}

	if req.UserID != "" && !req.BypassConsentCheck {
		ok, err := s.consent.HasValidConsent(ctx, req.UserID, req.TenantID, dataProcessingConsent)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{}, errors.ConsentRequired(req.UserID, req.TenantID, dataProcessingConsent)
		}
	}

	if !req.BypassTrustGate {
		required := s.cfg.DefaultMinTrustLevel
		if gate, ok := s.cfg.TrustGates[req.IntentType]; ok {
			required = gate
		}
		if req.TrustLevel < required {
			return Result{}, errors.TrustInsufficient(required, req.TrustLevel)
		}
	}

	now := s.clock.Now()
	dedupeHash, err := s.computeDedupeHash(ctx, req, now)
	if err != nil {
		return Result{}, err
	}

	if existing, err := s.store.GetIntentByDedupeHash(ctx, req.TenantID, dedupeHash); err != nil {
		return Result{}, err
	} else if existing != nil {
		return Result{Intent: *existing, Duplicate: true}, nil
	}

	limit := s.cfg.DefaultMaxInFlight
	if tenantLimit, ok := s.cfg.MaxInFlight[req.TenantID]; ok {
		limit = tenantLimit
	}
	if limit > 0 {
		count, err := s.store.CountActiveIntents(ctx, req.TenantID)
		if err != nil {
			return Result{}, err
		}
		if count >= limit {
			return Result{}, errors.IntentRateLimit(req.TenantID, limit)
		}
	}

	lockKey := "intent:dedupe:" + req.TenantID + ":" + dedupeHash
	lock, err := s.kv.AcquireLock(ctx, lockKey, s.cfg.Lock)
	if err != nil {
		if existing, lookupErr := s.store.GetIntentByDedupeHash(ctx, req.TenantID, dedupeHash); lookupErr == nil && existing != nil {
			return Result{Intent: *existing, Duplicate: true}, nil
		}
		return Result{}, err
	}
	defer func() {
		if releaseErr := lock.Release(ctx); releaseErr != nil {
			s.log.WithError(releaseErr).Warn("failed to release dedupe lock")
		}
	}()

	if existing, err := s.store.GetIntentByDedupeHash(ctx, req.TenantID, dedupeHash); err != nil {
		return Result{}, err
	} else if existing != nil {
		return Result{Intent: *existing, Duplicate: true}, nil
	}
	if s.cfg.DedupeMarkerTTL > 0 {
		markerKey := "intent:dedupe:marker:" + req.TenantID + ":" + dedupeHash
		_ = s.kv.Set(ctx, markerKey, "1", s.cfg.DedupeMarkerTTL)
	}

	redactedContext := s.redactor.RedactMap(req.Context)
	redactedMetadata := s.redactor.RedactMap(req.Metadata)

	intentID := s.clock.NewID()
	encContext, err := s.maybeEncrypt(redactedContext, intentID, "intent.context")
	if err != nil {
		return Result{}, err
	}
	encMetadata, err := s.maybeEncrypt(redactedMetadata, intentID, "intent.metadata")
	if err != nil {
		return Result{}, err
	}

	trustLevel := req.TrustLevel
	intent := postgres.Intent{
		ID:            intentID,
		TenantID:      req.TenantID,
		EntityID:      req.EntityID,
		Goal:          req.Goal,
		IntentType:    req.IntentType,
		Priority:      req.Priority,
		Status:        string(statemachine.StatusPending),
		Context:       encContext,
		Metadata:      encMetadata,
		DedupeHash:    dedupeHash,
		TrustSnapshot: req.TrustSnapshot,
		TrustLevel:    &trustLevel,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	eventPayload := map[string]interface{}{
		"goal":        req.Goal,
		"intent_type": req.IntentType,
		"priority":    req.Priority,
		"trust_level": req.TrustLevel,
	}

	created, _, err := s.store.CreateIntentWithEvent(ctx, intent, eventPayload)
	if err != nil {
		return Result{}, err
	}

	namespace := s.cfg.DefaultNamespace
	if ns, ok := s.cfg.NamespaceRouting[req.IntentType]; ok {
		namespace = ns
	}
	job := queue.Job{
		ID:        s.clock.NewID(),
		Namespace: namespace,
		IntentID:  created.ID,
		TenantID:  created.TenantID,
		Priority:  created.Priority,
		Status:    queue.StatusPending,
		CreatedAt: now,
	}
	enqueueErr := core.Retry(ctx, core.RetryPolicy{Attempts: 3, InitialBackoff: 20 * time.Millisecond, MaxBackoff: 200 * time.Millisecond, Multiplier: 2}, func() error {
		return s.queue.Enqueue(ctx, job)
	})
	if enqueueErr != nil {
		s.log.WithError(enqueueErr).WithFields(map[string]interface{}{
			"intent_id": created.ID, "namespace": namespace,
		}).Error("intent enqueue failed after retries; intent row already committed")
	}

	s.log.WithFields(map[string]interface{}{
		"intent_id": created.ID, "tenant_id": created.TenantID, "outcome": "success",
	}).Info("intent submitted")
	return Result{Intent: created}, nil
}

// Transition performs a validated status change plus its recorded event
// (§4.2, §5 ii).
func (s *Service) Transition(ctx context.Context, id, tenantID, to, reason string, hasPermission bool) (postgres.Intent, error) {
	current, err := s.store.GetIntent(ctx, id, tenantID)
	if err != nil {
		return postgres.Intent{}, err
	}
	if current == nil {
		return postgres.Intent{}, errors.NotFound("intent", id)
	}

	eventType, err := statemachine.Validate(statemachine.Status(current.Status), statemachine.Status(to), reason != "", hasPermission)
	if err != nil {
		return postgres.Intent{}, err
	}

	now := s.clock.Now()
	ok, err := s.store.UpdateStatus(ctx, id, tenantID, current.Status, to, reason, now)
	if err != nil {
		return postgres.Intent{}, err
	}
	if !ok {
		return postgres.Intent{}, errors.Conflict("intent status changed concurrently")
	}

	payload := map[string]interface{}{"from": current.Status, "to": to}
	if reason != "" {
		payload["reason"] = reason
	}
	if _, err := s.store.RecordEvent(ctx, id, eventType, payload, now); err != nil {
		return postgres.Intent{}, err
	}

	current.Status = to
	current.UpdatedAt = now
	if reason != "" {
		current.CancellationReason = reason
	}
	return *current, nil
}

// Cancel is Transition restricted to the cancelled destination, which
// every non-terminal source state allows given a reason (§4.2).
func (s *Service) Cancel(ctx context.Context, id, tenantID, reason string) (postgres.Intent, error) {
	if strings.TrimSpace(reason) == "" {
		return postgres.Intent{}, errors.Validation("reason", "required to cancel an intent")
	}
	return s.Transition(ctx, id, tenantID, string(statemachine.StatusCancelled), reason, false)
}

// Get returns a single intent, transparently decrypting any encrypted
// context/metadata envelope.
func (s *Service) Get(ctx context.Context, id, tenantID string) (*postgres.Intent, error) {
	found, err := s.store.GetIntent(ctx, id, tenantID)
	if err != nil || found == nil {
		return found, err
	}
	return s.decryptIntent(found)
}

// List returns offset-paginated intents, clamping limit to the
// repository's hard maximum (§4.3).
func (s *Service) List(ctx context.Context, tenantID, status string, limit, offset int) (postgres.Page, error) {
	limit = core.ClampLimit(limit, 50, 1000)
	page, err := s.store.ListIntents(ctx, tenantID, status, limit, offset)
	if err != nil {
		return postgres.Page{}, err
	}
	for i := range page.Items {
		decrypted, err := s.decryptIntent(&page.Items[i])
		if err != nil {
			return postgres.Page{}, err
		}
		page.Items[i] = *decrypted
	}
	return page, nil
}

// UpdateTrustMetadata records a post-submission trust re-evaluation.
func (s *Service) UpdateTrustMetadata(ctx context.Context, id, tenantID string, trustSnapshot map[string]interface{}, trustLevel, trustScore *int) error {
	return s.store.UpdateTrustMetadata(ctx, id, tenantID, trustSnapshot, trustLevel, trustScore, s.clock.Now())
}

// VerifyChain replays an intent's event chain (§4.3 verifyEventChain).
func (s *Service) VerifyChain(ctx context.Context, intentID string) (postgres.ChainVerification, error) {
	return s.store.VerifyEventChain(ctx, intentID)
}

// PurgeDeleted removes soft-deleted intents older than retention.
func (s *Service) PurgeDeleted(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-retention)
	return s.store.PurgeDeletedIntents(ctx, cutoff)
}

// maxGoalChars and maxIntentTypeChars bound `goal` and `intent_type`
// respectively; minPriority/maxPriority bound `priority`.
const (
	maxGoalChars       = 1024
	maxIntentTypeChars = 128
	minPriority        = 0
	maxPriority        = 9
)

func (s *Service) validateSubmit(req SubmitRequest) error {
	if strings.TrimSpace(req.TenantID) == "" {
		return errors.Validation("tenant_id", "required")
	}
	if strings.TrimSpace(req.EntityID) == "" {
		return errors.Validation("entity_id", "required")
	}
	if strings.TrimSpace(req.Goal) == "" {
		return errors.Validation("goal", "required")
	}
	if len(req.Goal) > maxGoalChars {
		return errors.Validation("goal", fmt.Sprintf("exceeds %d char limit", maxGoalChars))
	}
	// intent_type is optional (§3); when absent, trust-gate and namespace
	// lookups keyed by it simply miss and fall back to their defaults.
	if len(req.IntentType) > maxIntentTypeChars {
		return errors.Validation("intent_type", fmt.Sprintf("exceeds %d char limit", maxIntentTypeChars))
	}
	if req.Priority < minPriority || req.Priority > maxPriority {
		return errors.Validation("priority", fmt.Sprintf("must be between %d and %d", minPriority, maxPriority))
	}
	serialized, err := json.Marshal(req.Context)
	if err != nil {
		return errors.Validation("context", "not serializable")
	}
	if len(serialized) > maxContextBytes {
		return errors.Validation("context", fmt.Sprintf("exceeds %d byte limit", maxContextBytes))
	}
	return nil
}

// computeDedupeHash builds the replay-limited fingerprint (§4.1 step 4).
func (s *Service) computeDedupeHash(ctx context.Context, req SubmitRequest, now time.Time) (string, error) {
	canonicalContext, err := cryptoutil.CanonicalJSON(req.Context)
	if err != nil {
		return "", errors.Internal("canonicalize context", err)
	}
	bucket := clock.DedupeWindowBucket(now, s.cfg.DedupeWindow)
	preimage := strings.Join([]string{
		req.TenantID, req.EntityID, req.Goal, string(canonicalContext),
		req.IntentType, req.IdempotencyKey, fmt.Sprintf("%d", bucket),
	}, "|")

	if s.cfg.DedupeSecret == "" {
		s.log.WithContext(ctx).Warn("dedupe secret not configured; falling back to unkeyed SHA-256 fingerprint")
		return cryptoutil.SHA256Hex([]byte(preimage)), nil
	}
	return cryptoutil.HMACSHA256Hex([]byte(s.cfg.DedupeSecret), []byte(preimage)), nil
}

func (s *Service) maybeEncrypt(m map[string]interface{}, subject, info string) (map[string]interface{}, error) {
	if !s.cfg.EncryptAtRest || len(m) == 0 {
		return m, nil
	}
	plaintext, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Internal("marshal payload for encryption", err)
	}
	ciphertext, err := crypto.EncryptEnvelope(s.cfg.EncryptionKey, []byte(subject), info, plaintext)
	if err != nil {
		return nil, errors.EncryptionFailed(err)
	}
	return map[string]interface{}{envelopeTagKey: string(ciphertext)}, nil
}

func (s *Service) maybeDecrypt(m map[string]interface{}, subject, info string) (map[string]interface{}, error) {
	raw, tagged := m[envelopeTagKey]
	if !tagged {
		return m, nil
	}
	ciphertext, _ := raw.(string)
	plaintext, err := crypto.DecryptEnvelope(s.cfg.EncryptionKey, []byte(subject), info, []byte(ciphertext))
	if err != nil {
		return nil, errors.EncryptionFailed(err)
	}
	var out map[string]interface{}
	if len(plaintext) > 0 {
		if err := json.Unmarshal(plaintext, &out); err != nil {
			return nil, errors.Internal("unmarshal decrypted payload", err)
		}
	}
	return out, nil
}

func (s *Service) decryptIntent(i *postgres.Intent) (*postgres.Intent, error) {
	ctxMap, err := s.maybeDecrypt(i.Context, i.ID, "intent.context")
	if err != nil {
		return nil, err
	}
	metaMap, err := s.maybeDecrypt(i.Metadata, i.ID, "intent.metadata")
	if err != nil {
		return nil, err
	}
	i.Context = ctxMap
	i.Metadata = metaMap
	return i, nil
}
