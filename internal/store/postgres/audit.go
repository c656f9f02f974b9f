package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/intentgovern/controlplane/infrastructure/errors"
)

const auditColumns = `
	id, intent_id, entity_id, decision, inputs, outputs, created_at,
	chain_position, previous_hash, hash, signature, public_key, algorithm
`

// AppendAuditRecord reads the current chain head under FOR UPDATE (so two
// concurrent appends serialize instead of racing onto the same
// chain_position), hands the predecessor's hash and next position to build
// so the caller (internal/audit) can compute the new record's hash and
// signature, then inserts it in the same transaction. Mirrors
// events.go's RecordEvent, generalized from a per-intent chain to a single
// global one.
func (s *Store) AppendAuditRecord(ctx context.Context, build func(previousHash string, chainPosition int64) (AuditRecord, error)) (AuditRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AuditRecord{}, errors.DatabaseError("begin append audit record", err)
	}
	defer tx.Rollback()

	var previousHash string
	var previousPosition int64
	row := tx.QueryRowContext(ctx, `
		SELECT hash, chain_position FROM audit_records
		ORDER BY chain_position DESC
		FOR UPDATE
		LIMIT 1
	`)
	switch err := row.Scan(&previousHash, &previousPosition); {
	case stderrors.Is(err, sql.ErrNoRows):
		previousHash = zeroHash
		previousPosition = -1
	case err != nil:
		return AuditRecord{}, errors.DatabaseError("lookup chain head", err)
	}

	rec, err := build(previousHash, previousPosition+1)
	if err != nil {
		return AuditRecord{}, err
	}

	inputsJSON, err := marshalJSON(rec.Inputs)
	if err != nil {
		return AuditRecord{}, err
	}
	outputsJSON, err := marshalJSON(rec.Outputs)
	if err != nil {
		return AuditRecord{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_records (
			id, intent_id, entity_id, decision, inputs, outputs, created_at,
			chain_position, previous_hash, hash, signature, public_key, algorithm
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, rec.ID, rec.IntentID, rec.EntityID, rec.Decision, inputsJSON, outputsJSON,
		rec.CreatedAt, rec.ChainPosition, rec.PreviousHash, rec.Hash,
		rec.Signature, rec.PublicKey, rec.Algorithm)
	if err != nil {
		return AuditRecord{}, errors.DatabaseError("insert audit record", err)
	}

	if err := tx.Commit(); err != nil {
		return AuditRecord{}, errors.DatabaseError("commit append audit record", err)
	}
	return rec, nil
}

// LatestAuditRecord returns the record at the highest chain_position, or
// nil if the chain is empty. AppendAuditRecord does not use it; it reads
// the chain head itself under FOR UPDATE.
func (s *Store) LatestAuditRecord(ctx context.Context) (*AuditRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+auditColumns+`
		FROM audit_records
		ORDER BY chain_position DESC
		LIMIT 1
	`)
	return scanOptionalAuditRecord(row)
}

// GetAuditRecord fetches a single record by id.
func (s *Store) GetAuditRecord(ctx context.Context, id string) (*AuditRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+auditColumns+`
		FROM audit_records WHERE id = $1
	`, id)
	return scanOptionalAuditRecord(row)
}

// ListAuditRecords returns the full chain in chain_position order, for
// verifyChain (§4.6).
func (s *Store) ListAuditRecords(ctx context.Context) ([]AuditRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM audit_records
		ORDER BY chain_position ASC
	`)
	if err != nil {
		return nil, errors.DatabaseError("list audit records", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		rec, err := rawScanAuditRecord(rows)
		if err != nil {
			return nil, errors.DatabaseError("scan audit record", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListAuditRecordsByIntent returns every record for one intent, in chain order.
func (s *Store) ListAuditRecordsByIntent(ctx context.Context, intentID string) ([]AuditRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM audit_records
		WHERE intent_id = $1
		ORDER BY chain_position ASC
	`, intentID)
	if err != nil {
		return nil, errors.DatabaseError("list audit records by intent", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		rec, err := rawScanAuditRecord(rows)
		if err != nil {
			return nil, errors.DatabaseError("scan audit record", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func rawScanAuditRecord(r rowScanner) (AuditRecord, error) {
	var (
		rec        AuditRecord
		inputsRaw  []byte
		outputsRaw []byte
	)
	err := r.Scan(&rec.ID, &rec.IntentID, &rec.EntityID, &rec.Decision,
		&inputsRaw, &outputsRaw, &rec.CreatedAt, &rec.ChainPosition,
		&rec.PreviousHash, &rec.Hash, &rec.Signature, &rec.PublicKey, &rec.Algorithm)
	if err != nil {
		return AuditRecord{}, err
	}
	rec.Inputs = unmarshalJSON(inputsRaw)
	rec.Outputs = unmarshalJSON(outputsRaw)
	return rec, nil
}

func scanOptionalAuditRecord(row *sql.Row) (*AuditRecord, error) {
	rec, err := rawScanAuditRecord(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.DatabaseError("scan audit record", err)
	}
	return &rec, nil
}
