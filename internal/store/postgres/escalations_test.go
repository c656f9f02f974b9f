package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestAcknowledgeEscalationSucceedsFromPending(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE escalations")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.AcknowledgeEscalation(context.Background(), "esc-1", "tenant-1", now)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcknowledgeEscalationNoopWhenNotPending(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE escalations")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.AcknowledgeEscalation(context.Background(), "esc-1", "tenant-1", now)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveEscalationApproves(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE escalations")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.ResolveEscalation(context.Background(), "esc-1", "tenant-1", "approved", now, "user-1", "looks fine", false)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListDueTimeoutsScansRows(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	cols := []string{
		"id", "intent_id", "tenant_id", "reason", "reason_category", "escalated_to",
		"escalated_by", "status", "timeout", "timeout_at", "acknowledged_at",
		"resolved_by", "resolved_at", "resolution_notes", "sla_breached", "context",
		"metadata", "created_at", "updated_at",
	}
	rows := sqlmock.NewRows(cols).AddRow(
		"esc-1", "intent-1", "tenant-1", "low trust score", "trust", "security-team",
		nil, "pending", "15m", now, nil,
		nil, nil, nil, false, []byte(`{}`),
		[]byte(`{}`), now, now,
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM escalations")).WillReturnRows(rows)

	out, err := store.ListDueTimeouts(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "esc-1", out[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
