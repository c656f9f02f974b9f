package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/intentgovern/controlplane/infrastructure/errors"
)

// RecordEvent appends a new event for intentID, reading the most recent
// event's hash under the same transaction to serialize concurrent
// appends for this intent (§4.3, §5 i).
func (s *Store) RecordEvent(ctx context.Context, intentID, eventType string, payload map[string]interface{}, occurredAt time.Time) (IntentEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return IntentEvent{}, errors.DatabaseError("begin record event", err)
	}
	defer tx.Rollback()

	var previousHash string
	err = tx.QueryRowContext(ctx, `
		SELECT hash FROM intent_events
		WHERE intent_id = $1
		ORDER BY occurred_at DESC
		FOR UPDATE
		LIMIT 1
	`, intentID).Scan(&previousHash)
	if err == sql.ErrNoRows {
		previousHash = zeroHash
	} else if err != nil {
		return IntentEvent{}, errors.DatabaseError("lookup previous event hash", err)
	}

	event := IntentEvent{
		ID:           uuid.NewString(),
		IntentID:     intentID,
		EventType:    eventType,
		Payload:      payload,
		PreviousHash: previousHash,
		OccurredAt:   occurredAt,
	}
	event.Hash, err = computeEventHash(event)
	if err != nil {
		return IntentEvent{}, err
	}

	if err := insertEvent(ctx, tx, event); err != nil {
		return IntentEvent{}, err
	}

	if err := tx.Commit(); err != nil {
		return IntentEvent{}, errors.DatabaseError("commit record event", err)
	}
	return event, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, event IntentEvent) error {
	payloadJSON, err := marshalJSON(event.Payload)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO intent_events (id, intent_id, event_type, payload, occurred_at, hash, previous_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, event.ID, event.IntentID, event.EventType, payloadJSON, event.OccurredAt, event.Hash, event.PreviousHash)
	if err != nil {
		return errors.DatabaseError("insert event", err)
	}
	return nil
}

// ListEvents returns every event for an intent, ordered by occurred_at
// ascending (the chain order).
func (s *Store) ListEvents(ctx context.Context, intentID string) ([]IntentEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, intent_id, event_type, payload, occurred_at, hash, previous_hash
		FROM intent_events
		WHERE intent_id = $1
		ORDER BY occurred_at ASC
	`, intentID)
	if err != nil {
		return nil, errors.DatabaseError("list events", err)
	}
	defer rows.Close()

	var events []IntentEvent
	for rows.Next() {
		var e IntentEvent
		var payloadRaw []byte
		if err := rows.Scan(&e.ID, &e.IntentID, &e.EventType, &payloadRaw, &e.OccurredAt, &e.Hash, &e.PreviousHash); err != nil {
			return nil, errors.DatabaseError("scan event", err)
		}
		e.Payload = unmarshalJSON(payloadRaw)
		events = append(events, e)
	}
	return events, rows.Err()
}

// VerifyEventChain replays an intent's chain in order and reports the
// first break, if any (§4.3).
func (s *Store) VerifyEventChain(ctx context.Context, intentID string) (ChainVerification, error) {
	events, err := s.ListEvents(ctx, intentID)
	if err != nil {
		return ChainVerification{}, err
	}

	expectedPrev := zeroHash
	for _, e := range events {
		if e.PreviousHash != expectedPrev {
			return ChainVerification{Valid: false, InvalidAt: e.ID}, nil
		}
		wantHash, err := computeEventHash(e)
		if err != nil {
			return ChainVerification{}, err
		}
		if wantHash != e.Hash {
			return ChainVerification{Valid: false, InvalidAt: e.ID}, nil
		}
		expectedPrev = e.Hash
	}
	return ChainVerification{Valid: true}, nil
}
