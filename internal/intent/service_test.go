package intent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/intentgovern/controlplane/internal/kv"
	"github.com/intentgovern/controlplane/internal/queue"
	"github.com/intentgovern/controlplane/internal/store/postgres"
	"github.com/intentgovern/controlplane/pkg/clock"
)

type fakeStore struct {
	mu          sync.Mutex
	byID        map[string]postgres.Intent
	byDedupe    map[string]string
	events      map[string][]postgres.IntentEvent
	activeCount map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byID:        map[string]postgres.Intent{},
		byDedupe:    map[string]string{},
		events:      map[string][]postgres.IntentEvent{},
		activeCount: map[string]int{},
	}
}

func (f *fakeStore) CreateIntentWithEvent(ctx context.Context, intent postgres.Intent, eventPayload map[string]interface{}) (postgres.Intent, postgres.IntentEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[intent.ID] = intent
	f.byDedupe[intent.TenantID+"|"+intent.DedupeHash] = intent.ID
	f.activeCount[intent.TenantID]++
	ev := postgres.IntentEvent{ID: "ev-" + intent.ID, IntentID: intent.ID, EventType: "intent.submitted", Payload: eventPayload, OccurredAt: intent.CreatedAt}
	f.events[intent.ID] = append(f.events[intent.ID], ev)
	return intent, ev, nil
}

func (f *fakeStore) GetIntentByDedupeHash(ctx context.Context, tenantID, dedupeHash string) (*postgres.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byDedupe[tenantID+"|"+dedupeHash]
	if !ok {
		return nil, nil
	}
	found := f.byID[id]
	return &found, nil
}

func (f *fakeStore) GetIntent(ctx context.Context, id, tenantID string) (*postgres.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	found, ok := f.byID[id]
	if !ok || found.TenantID != tenantID {
		return nil, nil
	}
	return &found, nil
}

func (f *fakeStore) ListIntents(ctx context.Context, tenantID, status string, limit, offset int) (postgres.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []postgres.Intent
	for _, i := range f.byID {
		if i.TenantID == tenantID && (status == "" || i.Status == status) {
			items = append(items, i)
		}
	}
	return postgres.Page{Items: items, Limit: limit, Offset: offset}, nil
}

func (f *fakeStore) CountActiveIntents(ctx context.Context, tenantID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeCount[tenantID], nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, id, tenantID, expectedFrom, to, cancellationReason string, updatedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	found, ok := f.byID[id]
	if !ok || found.Status != expectedFrom {
		return false, nil
	}
	found.Status = to
	found.UpdatedAt = updatedAt
	if cancellationReason != "" {
		found.CancellationReason = cancellationReason
	}
	f.byID[id] = found
	return true, nil
}

func (f *fakeStore) UpdateTrustMetadata(ctx context.Context, id, tenantID string, trustSnapshot map[string]interface{}, trustLevel, trustScore *int, updatedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	found := f.byID[id]
	found.TrustSnapshot = trustSnapshot
	found.TrustLevel = trustLevel
	found.TrustScore = trustScore
	f.byID[id] = found
	return nil
}

func (f *fakeStore) SoftDelete(ctx context.Context, id, tenantID string, deletedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	found := f.byID[id]
	found.DeletedAt = &deletedAt
	f.byID[id] = found
	return nil
}

func (f *fakeStore) PurgeDeletedIntents(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeStore) RecordEvent(ctx context.Context, intentID, eventType string, payload map[string]interface{}, occurredAt time.Time) (postgres.IntentEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := postgres.IntentEvent{ID: "ev-" + eventType, IntentID: intentID, EventType: eventType, Payload: payload, OccurredAt: occurredAt}
	f.events[intentID] = append(f.events[intentID], ev)
	return ev, nil
}

func (f *fakeStore) VerifyEventChain(ctx context.Context, intentID string) (postgres.ChainVerification, error) {
	return postgres.ChainVerification{Valid: true}, nil
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
	fail bool
}

func (q *fakeQueue) Enqueue(ctx context.Context, job queue.Job) error {
	if q.fail {
		return context.DeadlineExceeded
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

type fakeConsent struct {
	valid bool
}

func (c *fakeConsent) HasValidConsent(ctx context.Context, userID, tenantID, consentType string) (bool, error) {
	return c.valid, nil
}

func newTestLocker(t *testing.T) Locker {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return kv.NewFromClient(client)
}

func newTestService(t *testing.T, store *fakeStore, q *fakeQueue, consent *fakeConsent, cfg Config) *Service {
	fixed := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), "intent-1", "intent-2", "intent-3")
	return New(store, newTestLocker(t), q, consent, nil, fixed, cfg, nil)
}

func baseRequest() SubmitRequest {
	return SubmitRequest{
		TenantID:   "tenant-1",
		EntityID:   "11111111-1111-1111-1111-111111111111",
		Goal:       "Send email",
		IntentType: "notify",
		Priority:   0,
		Context:    map[string]interface{}{"to": "a@b"},
		TrustLevel: 2,
	}
}

func TestSubmitHappyPath(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	cfg := DefaultConfig()
	cfg.TrustGates = map[string]int{"notify": 2}
	svc := newTestService(t, store, q, &fakeConsent{valid: true}, cfg)

	result, err := svc.Submit(context.Background(), baseRequest())
	require.NoError(t, err)
	require.False(t, result.Duplicate)
	require.Equal(t, "pending", result.Intent.Status)
	require.Len(t, q.jobs, 1)
	require.Equal(t, "default", q.jobs[0].Namespace)
}

func TestSubmitIsIdempotentWithinWindow(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	cfg := DefaultConfig()
	svc := newTestService(t, store, q, &fakeConsent{valid: true}, cfg)

	first, err := svc.Submit(context.Background(), baseRequest())
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := svc.Submit(context.Background(), baseRequest())
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.Intent.ID, second.Intent.ID)
	require.Len(t, q.jobs, 1)
}

func TestSubmitFailsTrustGate(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	cfg := DefaultConfig()
	cfg.TrustGates = map[string]int{"notify": 5}
	svc := newTestService(t, store, q, &fakeConsent{valid: true}, cfg)

	req := baseRequest()
	req.TrustLevel = 1
	_, err := svc.Submit(context.Background(), req)
	require.Error(t, err)
}

func TestSubmitRequiresConsentWhenUserIDPresent(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	cfg := DefaultConfig()
	svc := newTestService(t, store, q, &fakeConsent{valid: false}, cfg)

	req := baseRequest()
	req.UserID = "user-1"
	_, err := svc.Submit(context.Background(), req)
	require.Error(t, err)
}

func TestSubmitSkipsConsentWhenBypassed(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	cfg := DefaultConfig()
	svc := newTestService(t, store, q, &fakeConsent{valid: false}, cfg)

	req := baseRequest()
	req.UserID = "user-1"
	req.BypassConsentCheck = true
	_, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)
}

func TestSubmitEnforcesTenantInFlightCap(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	cfg := DefaultConfig()
	cfg.DefaultMaxInFlight = 1
	svc := newTestService(t, store, q, &fakeConsent{valid: true}, cfg)

	_, err := svc.Submit(context.Background(), baseRequest())
	require.NoError(t, err)

	req2 := baseRequest()
	req2.Goal = "Send a different email"
	_, err = svc.Submit(context.Background(), req2)
	require.Error(t, err)
}

func TestSubmitRejectsOversizedContext(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	svc := newTestService(t, store, q, &fakeConsent{valid: true}, DefaultConfig())

	req := baseRequest()
	big := make(map[string]interface{}, 1)
	bigString := make([]byte, maxContextBytes+1)
	big["blob"] = string(bigString)
	req.Context = big

	_, err := svc.Submit(context.Background(), req)
	require.Error(t, err)
}

func TestSubmitRejectsOversizedGoal(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	svc := newTestService(t, store, q, &fakeConsent{valid: true}, DefaultConfig())

	req := baseRequest()
	goal := make([]byte, maxGoalChars+1)
	for i := range goal {
		goal[i] = 'a'
	}
	req.Goal = string(goal)

	_, err := svc.Submit(context.Background(), req)
	require.Error(t, err)
}

func TestSubmitRejectsOversizedIntentType(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	svc := newTestService(t, store, q, &fakeConsent{valid: true}, DefaultConfig())

	req := baseRequest()
	intentType := make([]byte, maxIntentTypeChars+1)
	for i := range intentType {
		intentType[i] = 'a'
	}
	req.IntentType = string(intentType)

	_, err := svc.Submit(context.Background(), req)
	require.Error(t, err)
}

func TestSubmitRejectsPriorityOutOfRange(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	svc := newTestService(t, store, q, &fakeConsent{valid: true}, DefaultConfig())

	req := baseRequest()
	req.Priority = 10
	_, err := svc.Submit(context.Background(), req)
	require.Error(t, err)

	req = baseRequest()
	req.Priority = -1
	_, err = svc.Submit(context.Background(), req)
	require.Error(t, err)
}

func TestSubmitAllowsMissingIntentTypeAndFallsBackToDefaultNamespace(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	cfg := DefaultConfig()
	cfg.DefaultNamespace = "default"
	svc := newTestService(t, store, q, &fakeConsent{valid: true}, cfg)

	req := baseRequest()
	req.IntentType = ""
	req.TrustLevel = cfg.DefaultMinTrustLevel

	result, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "pending", result.Intent.Status)
	require.Len(t, q.jobs, 1)
	require.Equal(t, cfg.DefaultNamespace, q.jobs[0].Namespace)
}

func TestTransitionAppliesStatemachineRules(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	svc := newTestService(t, store, q, &fakeConsent{valid: true}, DefaultConfig())

	result, err := svc.Submit(context.Background(), baseRequest())
	require.NoError(t, err)

	updated, err := svc.Transition(context.Background(), result.Intent.ID, "tenant-1", "evaluating", "", false)
	require.NoError(t, err)
	require.Equal(t, "evaluating", updated.Status)
}

func TestCancelRequiresReason(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	svc := newTestService(t, store, q, &fakeConsent{valid: true}, DefaultConfig())

	result, err := svc.Submit(context.Background(), baseRequest())
	require.NoError(t, err)

	_, err = svc.Cancel(context.Background(), result.Intent.ID, "tenant-1", "")
	require.Error(t, err)

	_, err = svc.Cancel(context.Background(), result.Intent.ID, "tenant-1", "user requested")
	require.NoError(t, err)
}

func TestSubmitEncryptsAndDecryptsContextRoundTrip(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	cfg := DefaultConfig()
	cfg.EncryptAtRest = true
	cfg.EncryptionKey = make([]byte, 32)
	svc := newTestService(t, store, q, &fakeConsent{valid: true}, cfg)

	result, err := svc.Submit(context.Background(), baseRequest())
	require.NoError(t, err)

	_, tagged := result.Intent.Context[envelopeTagKey]
	require.True(t, tagged)

	fetched, err := svc.Get(context.Background(), result.Intent.ID, "tenant-1")
	require.NoError(t, err)
	require.Equal(t, "a@b", fetched.Context["to"])
}

func TestSubmitEnqueueFailureStillCommitsIntent(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{fail: true}
	svc := newTestService(t, store, q, &fakeConsent{valid: true}, DefaultConfig())

	result, err := svc.Submit(context.Background(), baseRequest())
	require.NoError(t, err)
	require.Equal(t, "pending", result.Intent.Status)
	require.Empty(t, q.jobs)
}
