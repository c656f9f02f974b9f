package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestGrantConsentInserts(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_consents")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	c, err := store.GrantConsent(context.Background(), Consent{
		UserID: "user-1", TenantID: "tenant-1", ConsentType: "data_processing",
		GrantedAt: now, Version: "1.0",
	})
	require.NoError(t, err)
	require.True(t, c.Granted)
	require.NotEmpty(t, c.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeConsentReportsFalseWhenNoneToRevoke(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE user_consents")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.RevokeConsent(context.Background(), "user-1", "tenant-1", "data_processing", now)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHasValidConsentFalseWhenNoRows(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM user_consents")).
		WillReturnRows(sqlmock.NewRows([]string{"granted", "revoked_at"}))

	ok, err := store.HasValidConsent(context.Background(), "user-1", "tenant-1", "data_processing")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHasValidConsentFalseWhenRevoked(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM user_consents")).
		WillReturnRows(sqlmock.NewRows([]string{"granted", "revoked_at"}).AddRow(true, now))

	ok, err := store.HasValidConsent(context.Background(), "user-1", "tenant-1", "data_processing")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHasValidConsentTrueWhenGrantedAndNotRevoked(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM user_consents")).
		WillReturnRows(sqlmock.NewRows([]string{"granted", "revoked_at"}).AddRow(true, nil))

	ok, err := store.HasValidConsent(context.Background(), "user-1", "tenant-1", "data_processing")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePolicyClosesPreviousVersion(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE consent_policies")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO consent_policies")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p, err := store.CreatePolicy(context.Background(), ConsentPolicy{
		TenantID: "tenant-1", ConsentType: "data_processing", Version: "2.0",
		Content: "updated terms", EffectiveFrom: now,
	})
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCurrentPolicyReturnsNilWhenAbsent(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM consent_policies")).
		WillReturnRows(sqlmock.NewRows(nil))

	p, err := store.GetCurrentPolicy(context.Background(), "tenant-1", "data_processing")
	require.NoError(t, err)
	require.Nil(t, p)
	require.NoError(t, mock.ExpectationsWereMet())
}
