package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/google/uuid"

	"github.com/intentgovern/controlplane/infrastructure/errors"
)

const escalationColumns = `
	id, intent_id, tenant_id, reason, reason_category, escalated_to,
	escalated_by, status, timeout, timeout_at, acknowledged_at,
	resolved_by, resolved_at, resolution_notes, sla_breached, context,
	metadata, created_at, updated_at
`

// CreateEscalation inserts a new escalation row with status=pending
// (§4.4 create). Index maintenance (pending set, timeout sorted set)
// is the caller's (internal/escalation's) responsibility via internal/kv.
func (s *Store) CreateEscalation(ctx context.Context, esc Escalation) (Escalation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if esc.ID == "" {
		esc.ID = uuid.NewString()
	}

	contextJSON, err := marshalJSON(esc.Context)
	if err != nil {
		return Escalation{}, err
	}
	metadataJSON, err := marshalJSON(esc.Metadata)
	if err != nil {
		return Escalation{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO escalations (
			id, intent_id, tenant_id, reason, reason_category, escalated_to,
			escalated_by, status, timeout, timeout_at, context, metadata,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, esc.ID, esc.IntentID, esc.TenantID, esc.Reason, esc.ReasonCategory,
		esc.EscalatedTo, toNullString(esc.EscalatedBy), esc.Status,
		esc.Timeout, esc.TimeoutAt, contextJSON, metadataJSON,
		esc.CreatedAt, esc.UpdatedAt)
	if err != nil {
		return Escalation{}, errors.DatabaseError("insert escalation", err)
	}
	return esc, nil
}

func (s *Store) GetEscalation(ctx context.Context, id, tenantID string) (*Escalation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+escalationColumns+`
		FROM escalations WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	return scanOptionalEscalation(row)
}

// AcknowledgeEscalation performs the conditional pending -> acknowledged
// transition (§4.4 acknowledge).
func (s *Store) AcknowledgeEscalation(ctx context.Context, id, tenantID string, now time.Time) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE escalations
		SET status = 'acknowledged', acknowledged_at = $1, updated_at = $1
		WHERE id = $2 AND tenant_id = $3 AND status = 'pending'
	`, now, id, tenantID)
	if err != nil {
		return false, errors.DatabaseError("acknowledge escalation", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// ResolveEscalation performs the conditional {pending, acknowledged} ->
// {approved, rejected, cancelled, timeout} transition (§4.4
// approve/reject/cancel/processTimeouts).
func (s *Store) ResolveEscalation(ctx context.Context, id, tenantID, to string, now time.Time, resolvedBy, resolutionNotes string, slaBreached bool) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE escalations
		SET status = $1, resolved_by = $2, resolved_at = $3,
			resolution_notes = $4, sla_breached = $5, updated_at = $3
		WHERE id = $6 AND tenant_id = $7 AND status IN ('pending', 'acknowledged')
	`, to, toNullString(resolvedBy), now, toNullString(resolutionNotes), slaBreached, id, tenantID)
	if err != nil {
		return false, errors.DatabaseError("resolve escalation", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// ListDueTimeouts returns escalations in {pending, acknowledged} whose
// timeout_at has passed, for the sweeper's processTimeouts (§4.4, §4.7).
func (s *Store) ListDueTimeouts(ctx context.Context, now time.Time, limit int) ([]Escalation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+escalationColumns+`
		FROM escalations
		WHERE status IN ('pending','acknowledged') AND timeout_at <= $1
		ORDER BY timeout_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, errors.DatabaseError("list due timeouts", err)
	}
	defer rows.Close()

	var out []Escalation
	for rows.Next() {
		esc, err := rawScanEscalation(rows)
		if err != nil {
			return nil, errors.DatabaseError("scan escalation", err)
		}
		out = append(out, esc)
	}
	return out, rows.Err()
}

// ListPendingByTenant supports rebuildIndexes (§4.4) and listPending.
func (s *Store) ListPendingByTenant(ctx context.Context, tenantID string) ([]Escalation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+escalationColumns+`
		FROM escalations
		WHERE tenant_id = $1 AND status IN ('pending','acknowledged')
		ORDER BY created_at ASC
	`, tenantID)
	if err != nil {
		return nil, errors.DatabaseError("list pending escalations", err)
	}
	defer rows.Close()

	var out []Escalation
	for rows.Next() {
		esc, err := rawScanEscalation(rows)
		if err != nil {
			return nil, errors.DatabaseError("scan escalation", err)
		}
		out = append(out, esc)
	}
	return out, rows.Err()
}

// ListEscalationsByIntent returns every escalation ever raised for an intent, for
// rebuilding the per-intent index.
func (s *Store) ListEscalationsByIntent(ctx context.Context, intentID string) ([]Escalation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+escalationColumns+`
		FROM escalations
		WHERE intent_id = $1
		ORDER BY created_at ASC
	`, intentID)
	if err != nil {
		return nil, errors.DatabaseError("list escalations by intent", err)
	}
	defer rows.Close()

	var out []Escalation
	for rows.Next() {
		esc, err := rawScanEscalation(rows)
		if err != nil {
			return nil, errors.DatabaseError("scan escalation", err)
		}
		out = append(out, esc)
	}
	return out, rows.Err()
}

func rawScanEscalation(r rowScanner) (Escalation, error) {
	var (
		e               Escalation
		escalatedBy     sql.NullString
		ackAt           sql.NullTime
		resolvedBy      sql.NullString
		resolvedAt      sql.NullTime
		resolutionNotes sql.NullString
		contextRaw      []byte
		metadataRaw     []byte
	)

	err := r.Scan(&e.ID, &e.IntentID, &e.TenantID, &e.Reason, &e.ReasonCategory,
		&e.EscalatedTo, &escalatedBy, &e.Status, &e.Timeout, &e.TimeoutAt,
		&ackAt, &resolvedBy, &resolvedAt, &resolutionNotes, &e.SLABreached,
		&contextRaw, &metadataRaw, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return Escalation{}, err
	}

	e.EscalatedBy = fromNullString(escalatedBy)
	e.AcknowledgedAt = fromNullTime(ackAt)
	e.ResolvedBy = fromNullString(resolvedBy)
	e.ResolvedAt = fromNullTime(resolvedAt)
	e.ResolutionNotes = fromNullString(resolutionNotes)
	e.Context = unmarshalJSON(contextRaw)
	e.Metadata = unmarshalJSON(metadataRaw)
	return e, nil
}

func scanOptionalEscalation(row *sql.Row) (*Escalation, error) {
	esc, err := rawScanEscalation(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.DatabaseError("scan escalation", err)
	}
	return &esc, nil
}
