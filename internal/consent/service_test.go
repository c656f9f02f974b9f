package consent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intentgovern/controlplane/infrastructure/errors"
	"github.com/intentgovern/controlplane/internal/store/postgres"
	"github.com/intentgovern/controlplane/pkg/clock"
)

type fakeStore struct {
	consents             map[string][]postgres.Consent
	policies             map[string][]postgres.ConsentPolicy
	grantErr             error
	revokeErr            error
	historyErr           error
	hasValidConsentCalls int
}

func key(userID, tenantID, consentType string) string { return userID + "|" + tenantID + "|" + consentType }
func policyKey(tenantID, consentType string) string    { return tenantID + "|" + consentType }

func newFakeStore() *fakeStore {
	return &fakeStore{
		consents: map[string][]postgres.Consent{},
		policies: map[string][]postgres.ConsentPolicy{},
	}
}

func (f *fakeStore) GrantConsent(ctx context.Context, c postgres.Consent) (postgres.Consent, error) {
	if f.grantErr != nil {
		return postgres.Consent{}, f.grantErr
	}
	c.ID = "consent-" + time.Now().String()
	c.Granted = true
	k := key(c.UserID, c.TenantID, c.ConsentType)
	f.consents[k] = append(f.consents[k], c)
	return c, nil
}

func (f *fakeStore) RevokeConsent(ctx context.Context, userID, tenantID, consentType string, revokedAt time.Time) (bool, error) {
	if f.revokeErr != nil {
		return false, f.revokeErr
	}
	k := key(userID, tenantID, consentType)
	rows := f.consents[k]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Granted && rows[i].RevokedAt == nil {
			t := revokedAt
			rows[i].RevokedAt = &t
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) HasValidConsent(ctx context.Context, userID, tenantID, consentType string) (bool, error) {
	f.hasValidConsentCalls++
	k := key(userID, tenantID, consentType)
	rows := f.consents[k]
	if len(rows) == 0 {
		return false, nil
	}
	last := rows[len(rows)-1]
	return last.Granted && last.RevokedAt == nil, nil
}

func (f *fakeStore) GetConsentHistory(ctx context.Context, userID, tenantID, consentType string) ([]postgres.Consent, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	k := key(userID, tenantID, consentType)
	out := make([]postgres.Consent, len(f.consents[k]))
	copy(out, f.consents[k])
	return out, nil
}

func (f *fakeStore) CreatePolicy(ctx context.Context, p postgres.ConsentPolicy) (postgres.ConsentPolicy, error) {
	k := policyKey(p.TenantID, p.ConsentType)
	rows := f.policies[k]
	for i := range rows {
		if rows[i].EffectiveTo == nil {
			t := p.EffectiveFrom
			rows[i].EffectiveTo = &t
		}
	}
	p.ID = "policy-" + p.Version
	f.policies[k] = append(rows, p)
	return p, nil
}

func (f *fakeStore) GetCurrentPolicy(ctx context.Context, tenantID, consentType string) (*postgres.ConsentPolicy, error) {
	for _, p := range f.policies[policyKey(tenantID, consentType)] {
		if p.EffectiveTo == nil {
			pp := p
			return &pp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetPolicy(ctx context.Context, tenantID, consentType, version string) (*postgres.ConsentPolicy, error) {
	for _, p := range f.policies[policyKey(tenantID, consentType)] {
		if p.Version == version {
			pp := p
			return &pp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetPolicyHistory(ctx context.Context, tenantID, consentType string) ([]postgres.ConsentPolicy, error) {
	return f.policies[policyKey(tenantID, consentType)], nil
}

func newTestService(store *fakeStore) *Service {
	fixed := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(store, nil, fixed, nil)
}

func TestGrantInsertsWhenNoPriorConsent(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)

	c, err := svc.Grant(context.Background(), GrantRequest{
		UserID: "user-1", TenantID: "tenant-1", ConsentType: TypeDataProcessing, Version: "1.0",
	})
	require.NoError(t, err)
	require.True(t, c.Granted)
}

func TestGrantIsNoopForSameVersion(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	_, err := svc.Grant(ctx, GrantRequest{UserID: "user-1", TenantID: "tenant-1", ConsentType: TypeDataProcessing, Version: "1.0"})
	require.NoError(t, err)
	_, err = svc.Grant(ctx, GrantRequest{UserID: "user-1", TenantID: "tenant-1", ConsentType: TypeDataProcessing, Version: "1.0"})
	require.NoError(t, err)

	require.Len(t, store.consents[key("user-1", "tenant-1", TypeDataProcessing)], 1)
}

func TestGrantRevokesOldVersionOnUpgrade(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	_, err := svc.Grant(ctx, GrantRequest{UserID: "user-1", TenantID: "tenant-1", ConsentType: TypeDataProcessing, Version: "1.0"})
	require.NoError(t, err)
	_, err = svc.Grant(ctx, GrantRequest{UserID: "user-1", TenantID: "tenant-1", ConsentType: TypeDataProcessing, Version: "2.0"})
	require.NoError(t, err)

	rows := store.consents[key("user-1", "tenant-1", TypeDataProcessing)]
	require.Len(t, rows, 2)
	require.NotNil(t, rows[0].RevokedAt)
	require.Nil(t, rows[1].RevokedAt)
}

func TestRequireConsentFailsWhenMissing(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)

	err := svc.RequireConsent(context.Background(), "user-1", "tenant-1", TypeDataProcessing)
	require.Error(t, err)
	se, ok := err.(*errors.ServiceError)
	require.True(t, ok)
	require.Equal(t, errors.ErrCodeConsentRequired, se.Code)
}

func TestRequireConsentSucceedsAfterGrant(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	_, err := svc.Grant(ctx, GrantRequest{UserID: "user-1", TenantID: "tenant-1", ConsentType: TypeDataProcessing, Version: "1.0"})
	require.NoError(t, err)

	require.NoError(t, svc.RequireConsent(ctx, "user-1", "tenant-1", TypeDataProcessing))
}

func TestRevokeIsIdempotent(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	ok, err := svc.Revoke(ctx, "user-1", "tenant-1", TypeDataProcessing)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = svc.Grant(ctx, GrantRequest{UserID: "user-1", TenantID: "tenant-1", ConsentType: TypeDataProcessing, Version: "1.0"})
	require.NoError(t, err)

	ok, err = svc.Revoke(ctx, "user-1", "tenant-1", TypeDataProcessing)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.Revoke(ctx, "user-1", "tenant-1", TypeDataProcessing)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetHistoryIncludesGrantAndRevokeEntries(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	_, err := svc.Grant(ctx, GrantRequest{UserID: "user-1", TenantID: "tenant-1", ConsentType: TypeDataProcessing, Version: "1.0"})
	require.NoError(t, err)
	_, err = svc.Revoke(ctx, "user-1", "tenant-1", TypeDataProcessing)
	require.NoError(t, err)

	history, err := svc.GetHistory(ctx, "user-1", "tenant-1", TypeDataProcessing)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestCreatePolicyClosesPreviousVersion(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	_, err := svc.CreatePolicy(ctx, "tenant-1", TypeDataProcessing, "1.0", "initial terms")
	require.NoError(t, err)
	_, err = svc.CreatePolicy(ctx, "tenant-1", TypeDataProcessing, "2.0", "updated terms")
	require.NoError(t, err)

	current, err := svc.GetCurrentPolicy(ctx, "tenant-1", TypeDataProcessing)
	require.NoError(t, err)
	require.NotNil(t, current)
	require.Equal(t, "2.0", current.Version)

	history, err := svc.GetPolicyHistory(ctx, "tenant-1", TypeDataProcessing)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.NotNil(t, history[0].EffectiveTo)
}

func TestGrantRejectsInvalidConsentType(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)

	_, err := svc.Grant(context.Background(), GrantRequest{UserID: "user-1", TenantID: "tenant-1", ConsentType: "unknown", Version: "1.0"})
	require.Error(t, err)
}

func TestHasValidConsentCachesWithinTTL(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	_, err := svc.Grant(ctx, GrantRequest{UserID: "user-1", TenantID: "tenant-1", ConsentType: TypeDataProcessing, Version: "1.0"})
	require.NoError(t, err)

	calls := store.hasValidConsentCalls
	ok, err := svc.HasValidConsent(ctx, "user-1", "tenant-1", TypeDataProcessing)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, calls+1, store.hasValidConsentCalls)

	ok, err = svc.HasValidConsent(ctx, "user-1", "tenant-1", TypeDataProcessing)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, calls+1, store.hasValidConsentCalls, "second call within TTL should be served from cache")
}

func TestRevokeInvalidatesHasValidConsentCache(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	_, err := svc.Grant(ctx, GrantRequest{UserID: "user-1", TenantID: "tenant-1", ConsentType: TypeDataProcessing, Version: "1.0"})
	require.NoError(t, err)

	ok, err := svc.HasValidConsent(ctx, "user-1", "tenant-1", TypeDataProcessing)
	require.NoError(t, err)
	require.True(t, ok)

	revoked, err := svc.Revoke(ctx, "user-1", "tenant-1", TypeDataProcessing)
	require.NoError(t, err)
	require.True(t, revoked)

	ok, err = svc.HasValidConsent(ctx, "user-1", "tenant-1", TypeDataProcessing)
	require.NoError(t, err)
	require.False(t, ok, "revoke must invalidate the cached positive result")
}
