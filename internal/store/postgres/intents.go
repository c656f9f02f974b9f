package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/intentgovern/controlplane/infrastructure/errors"
	"github.com/intentgovern/controlplane/pkg/cryptoutil"
)

// maxListLimit is the hard cap on listIntents' limit parameter (§4.3).
const maxListLimit = 1000

// CreateIntentWithEvent inserts the intent row and its first
// `intent.submitted` event inside one transaction, with previous_hash
// fixed at the all-zero digest (§4.1 step 10, §4.3).
func (s *Store) CreateIntentWithEvent(ctx context.Context, intent Intent, eventPayload map[string]interface{}) (Intent, IntentEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Intent{}, IntentEvent{}, errors.DatabaseError("begin create intent", err)
	}
	defer tx.Rollback()

	contextJSON, err := marshalJSON(intent.Context)
	if err != nil {
		return Intent{}, IntentEvent{}, err
	}
	metadataJSON, err := marshalJSON(intent.Metadata)
	if err != nil {
		return Intent{}, IntentEvent{}, err
	}
	trustJSON, err := marshalJSON(intent.TrustSnapshot)
	if err != nil {
		return Intent{}, IntentEvent{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO intents (
			id, tenant_id, entity_id, goal, intent_type, priority, status,
			context, metadata, dedupe_hash, trust_snapshot, trust_level,
			trust_score, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, intent.ID, intent.TenantID, intent.EntityID, intent.Goal,
		toNullString(intent.IntentType), intent.Priority, intent.Status,
		contextJSON, metadataJSON, intent.DedupeHash, trustJSON,
		toNullInt(intent.TrustLevel), toNullInt(intent.TrustScore),
		intent.CreatedAt, intent.UpdatedAt)
	if err != nil {
		return Intent{}, IntentEvent{}, errors.DatabaseError("insert intent", err)
	}

	event := IntentEvent{
		ID:           uuid.NewString(),
		IntentID:     intent.ID,
		EventType:    "intent.submitted",
		Payload:      eventPayload,
		OccurredAt:   intent.CreatedAt,
		PreviousHash: zeroHash,
	}
	event.Hash, err = computeEventHash(event)
	if err != nil {
		return Intent{}, IntentEvent{}, err
	}

	if err := insertEvent(ctx, tx, event); err != nil {
		return Intent{}, IntentEvent{}, err
	}

	if err := tx.Commit(); err != nil {
		return Intent{}, IntentEvent{}, errors.DatabaseError("commit create intent", err)
	}
	return intent, event, nil
}

// GetIntentByDedupeHash returns the live (non-deleted) intent matching
// (tenant_id, dedupe_hash), used by the submission pipeline's lookup and
// lock-recheck steps (§4.1 steps 5, 7).
func (s *Store) GetIntentByDedupeHash(ctx context.Context, tenantID, dedupeHash string) (*Intent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+intentColumns+`
		FROM intents
		WHERE tenant_id = $1 AND dedupe_hash = $2 AND deleted_at IS NULL
	`, tenantID, dedupeHash)
	return scanOptionalIntent(row)
}

func (s *Store) GetIntent(ctx context.Context, id, tenantID string) (*Intent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+intentColumns+`
		FROM intents
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
	`, id, tenantID)
	return scanOptionalIntent(row)
}

// ListIntents returns offset-paginated intents ordered by created_at
// descending, capped at maxListLimit (§4.3).
func (s *Store) ListIntents(ctx context.Context, tenantID string, status string, limit, offset int) (Page, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	query := `SELECT ` + intentColumns + ` FROM intents WHERE tenant_id = $1 AND deleted_at IS NULL`
	args := []interface{}{tenantID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit+1, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, errors.DatabaseError("list intents", err)
	}
	defer rows.Close()

	var items []Intent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return Page{}, err
		}
		items = append(items, intent)
	}
	if err := rows.Err(); err != nil {
		return Page{}, errors.DatabaseError("list intents", err)
	}

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	return Page{Items: items, Limit: limit, Offset: offset, HasMore: hasMore}, nil
}

// CountActiveIntents counts non-deleted intents in any in-flight status
// for the tenant concurrency cap (§4.1 step 6).
func (s *Store) CountActiveIntents(ctx context.Context, tenantID string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM intents
		WHERE tenant_id = $1 AND deleted_at IS NULL
		  AND status IN ('pending','evaluating','escalated','executing')
	`, tenantID).Scan(&count)
	if err != nil {
		return 0, errors.DatabaseError("count active intents", err)
	}
	return count, nil
}

// UpdateStatus performs the optimistic conditional status transition
// (§5 ii): the WHERE clause pins the expected current status, so a
// concurrent winner causes RowsAffected()==0 here.
func (s *Store) UpdateStatus(ctx context.Context, id, tenantID, expectedFrom, to, cancellationReason string, updatedAt time.Time) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE intents
		SET status = $1, cancellation_reason = COALESCE(NULLIF($2, ''), cancellation_reason), updated_at = $3
		WHERE id = $4 AND tenant_id = $5 AND status = $6 AND deleted_at IS NULL
	`, to, cancellationReason, updatedAt, id, tenantID, expectedFrom)
	if err != nil {
		return false, errors.DatabaseError("update intent status", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// UpdateTrustMetadata records a post-submission trust snapshot/level/score
// update without touching status.
func (s *Store) UpdateTrustMetadata(ctx context.Context, id, tenantID string, trustSnapshot map[string]interface{}, trustLevel, trustScore *int, updatedAt time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	trustJSON, err := marshalJSON(trustSnapshot)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE intents
		SET trust_snapshot = $1, trust_level = $2, trust_score = $3, updated_at = $4
		WHERE id = $5 AND tenant_id = $6 AND deleted_at IS NULL
	`, trustJSON, toNullInt(trustLevel), toNullInt(trustScore), updatedAt, id, tenantID)
	if err != nil {
		return errors.DatabaseError("update trust metadata", err)
	}
	return nil
}

// SoftDelete sets deleted_at and clears context/metadata, leaving events
// and evaluations untouched (§4.3).
func (s *Store) SoftDelete(ctx context.Context, id, tenantID string, deletedAt time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	empty, _ := marshalJSON(nil)
	_, err := s.db.ExecContext(ctx, `
		UPDATE intents
		SET deleted_at = $1, updated_at = $1, context = $2, metadata = $2
		WHERE id = $3 AND tenant_id = $4 AND deleted_at IS NULL
	`, deletedAt, empty, id, tenantID)
	if err != nil {
		return errors.DatabaseError("soft delete intent", err)
	}
	return nil
}

// PurgeDeletedIntents deletes intents soft-deleted before the cutoff.
// The deleted_at predicate is mandatory and non-optional: it is always
// applied, so live rows are never eligible.
func (s *Store) PurgeDeletedIntents(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM intents WHERE deleted_at IS NOT NULL AND deleted_at < $1
	`, cutoff)
	if err != nil {
		return 0, errors.DatabaseError("purge deleted intents", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// ---------------------------------------------------------------------------
// Column list + scan helpers
// ---------------------------------------------------------------------------

const intentColumns = `
	id, tenant_id, entity_id, goal, intent_type, priority, status, context,
	metadata, dedupe_hash, trust_snapshot, trust_level, trust_score,
	created_at, updated_at, deleted_at, cancellation_reason
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// rawScanIntent scans one row without translating errors, so callers can
// distinguish sql.ErrNoRows (optional lookups) from genuine failures.
func rawScanIntent(r rowScanner) (Intent, error) {
	var (
		i            Intent
		intentType   sql.NullString
		contextRaw   []byte
		metadataRaw  []byte
		trustRaw     []byte
		trustLevel   sql.NullInt64
		trustScore   sql.NullInt64
		deletedAt    sql.NullTime
		cancelReason sql.NullString
	)

	err := r.Scan(&i.ID, &i.TenantID, &i.EntityID, &i.Goal, &intentType,
		&i.Priority, &i.Status, &contextRaw, &metadataRaw, &i.DedupeHash,
		&trustRaw, &trustLevel, &trustScore, &i.CreatedAt, &i.UpdatedAt,
		&deletedAt, &cancelReason)
	if err != nil {
		return Intent{}, err
	}

	i.IntentType = fromNullString(intentType)
	i.Context = unmarshalJSON(contextRaw)
	i.Metadata = unmarshalJSON(metadataRaw)
	i.TrustSnapshot = unmarshalJSON(trustRaw)
	i.TrustLevel = fromNullInt(trustLevel)
	i.TrustScore = fromNullInt(trustScore)
	i.DeletedAt = fromNullTime(deletedAt)
	i.CancellationReason = fromNullString(cancelReason)
	return i, nil
}

func scanIntent(r rowScanner) (Intent, error) {
	i, err := rawScanIntent(r)
	if err != nil {
		return Intent{}, errors.DatabaseError("scan intent", err)
	}
	return i, nil
}

func scanOptionalIntent(row *sql.Row) (*Intent, error) {
	intent, err := rawScanIntent(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.DatabaseError("scan intent", err)
	}
	return &intent, nil
}

// computeEventHash is also used by events.go's RecordEvent and
// VerifyEventChain; kept here next to CreateIntentWithEvent's first-event use.
func computeEventHash(event IntentEvent) (string, error) {
	payload := event.Payload
	if payload == nil {
		// marshalJSON stores a nil payload as {}, so hash it the same way.
		payload = map[string]interface{}{}
	}
	canonical, err := cryptoutil.CanonicalJSON(map[string]interface{}{
		"intent_id":   event.IntentID,
		"event_type":  event.EventType,
		"payload":     payload,
		"occurred_at": event.OccurredAt,
	})
	if err != nil {
		return "", errors.Internal("canonicalize event", err)
	}
	return cryptoutil.SHA256Hex(append(canonical, []byte(event.PreviousHash)...)), nil
}
