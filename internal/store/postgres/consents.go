package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/google/uuid"

	"github.com/intentgovern/controlplane/infrastructure/errors"
)

const consentColumns = `
	id, user_id, tenant_id, consent_type, granted, granted_at,
	revoked_at, version, ip_address, user_agent
`

// GrantConsent inserts a new consent record. Each grant/revoke is its own
// row; HasValidConsent reads the most recent one (§4.5 grant).
func (s *Store) GrantConsent(ctx context.Context, c Consent) (Consent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Granted = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_consents (
			id, user_id, tenant_id, consent_type, granted, granted_at,
			version, ip_address, user_agent
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, c.ID, c.UserID, c.TenantID, c.ConsentType, c.Granted, c.GrantedAt,
		c.Version, toNullString(c.IPAddress), toNullString(c.UserAgent))
	if err != nil {
		return Consent{}, errors.DatabaseError("insert consent", err)
	}
	return c, nil
}

// RevokeConsent marks the most recent granted, unrevoked consent row for
// (userID, tenantID, consentType) as revoked (§4.5 revoke). Revocation
// never deletes history; it appends a revoked_at timestamp.
func (s *Store) RevokeConsent(ctx context.Context, userID, tenantID, consentType string, revokedAt time.Time) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE user_consents
		SET revoked_at = $1
		WHERE id = (
			SELECT id FROM user_consents
			WHERE user_id = $2 AND tenant_id = $3 AND consent_type = $4
				AND granted = true AND revoked_at IS NULL
			ORDER BY granted_at DESC
			LIMIT 1
			FOR UPDATE
		)
	`, revokedAt, userID, tenantID, consentType)
	if err != nil {
		return false, errors.DatabaseError("revoke consent", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// HasValidConsent reports whether the most recent consent row for the
// given (userID, tenantID, consentType) is granted and not revoked
// (§4.5 requireConsent / validate).
func (s *Store) HasValidConsent(ctx context.Context, userID, tenantID, consentType string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var granted bool
	var revokedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT granted, revoked_at
		FROM user_consents
		WHERE user_id = $1 AND tenant_id = $2 AND consent_type = $3
		ORDER BY granted_at DESC
		LIMIT 1
	`, userID, tenantID, consentType).Scan(&granted, &revokedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.DatabaseError("lookup consent", err)
	}
	return granted && !revokedAt.Valid, nil
}

// GetConsentHistory returns every consent row for a user/type pair,
// newest first (§4.5 getHistory).
func (s *Store) GetConsentHistory(ctx context.Context, userID, tenantID, consentType string) ([]Consent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+consentColumns+`
		FROM user_consents
		WHERE user_id = $1 AND tenant_id = $2 AND consent_type = $3
		ORDER BY granted_at DESC
	`, userID, tenantID, consentType)
	if err != nil {
		return nil, errors.DatabaseError("list consent history", err)
	}
	defer rows.Close()

	var out []Consent
	for rows.Next() {
		c, err := scanConsent(rows)
		if err != nil {
			return nil, errors.DatabaseError("scan consent", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConsent(r rowScanner) (Consent, error) {
	var (
		c         Consent
		revokedAt sql.NullTime
		ip        sql.NullString
		ua        sql.NullString
	)
	err := r.Scan(&c.ID, &c.UserID, &c.TenantID, &c.ConsentType, &c.Granted,
		&c.GrantedAt, &revokedAt, &c.Version, &ip, &ua)
	if err != nil {
		return Consent{}, err
	}
	c.RevokedAt = fromNullTime(revokedAt)
	c.IPAddress = fromNullString(ip)
	c.UserAgent = fromNullString(ua)
	return c, nil
}

// ---------------------------------------------------------------------------
// Consent policy management (§4.5 policy versions).
// ---------------------------------------------------------------------------

const policyColumns = `
	id, tenant_id, consent_type, version, content, effective_from, effective_to
`

// CreatePolicy inserts a new policy version, closing out the previously
// current version (effective_to = effectiveFrom) in the same transaction
// so GetCurrentPolicy never sees two open-ended rows for one consent type.
func (s *Store) CreatePolicy(ctx context.Context, p ConsentPolicy) (ConsentPolicy, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ConsentPolicy{}, errors.DatabaseError("begin create policy", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE consent_policies
		SET effective_to = $1
		WHERE tenant_id = $2 AND consent_type = $3 AND effective_to IS NULL
	`, p.EffectiveFrom, p.TenantID, p.ConsentType)
	if err != nil {
		return ConsentPolicy{}, errors.DatabaseError("close previous policy version", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO consent_policies (
			id, tenant_id, consent_type, version, content, effective_from, effective_to
		) VALUES ($1,$2,$3,$4,$5,$6,NULL)
	`, p.ID, p.TenantID, p.ConsentType, p.Version, p.Content, p.EffectiveFrom)
	if err != nil {
		return ConsentPolicy{}, errors.DatabaseError("insert policy", err)
	}

	if err := tx.Commit(); err != nil {
		return ConsentPolicy{}, errors.DatabaseError("commit create policy", err)
	}
	return p, nil
}

// GetCurrentPolicy returns the open-ended (effective_to IS NULL) policy
// row for a tenant/consent type, or nil if none exists.
func (s *Store) GetCurrentPolicy(ctx context.Context, tenantID, consentType string) (*ConsentPolicy, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+policyColumns+`
		FROM consent_policies
		WHERE tenant_id = $1 AND consent_type = $2 AND effective_to IS NULL
	`, tenantID, consentType)
	return scanOptionalPolicy(row)
}

// GetPolicy returns a specific historical policy version.
func (s *Store) GetPolicy(ctx context.Context, tenantID, consentType, version string) (*ConsentPolicy, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+policyColumns+`
		FROM consent_policies
		WHERE tenant_id = $1 AND consent_type = $2 AND version = $3
	`, tenantID, consentType, version)
	return scanOptionalPolicy(row)
}

// GetPolicyHistory returns every version of a tenant/consent-type policy,
// most recently effective first.
func (s *Store) GetPolicyHistory(ctx context.Context, tenantID, consentType string) ([]ConsentPolicy, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+policyColumns+`
		FROM consent_policies
		WHERE tenant_id = $1 AND consent_type = $2
		ORDER BY effective_from DESC
	`, tenantID, consentType)
	if err != nil {
		return nil, errors.DatabaseError("list policy history", err)
	}
	defer rows.Close()

	var out []ConsentPolicy
	for rows.Next() {
		p, err := rawScanPolicy(rows)
		if err != nil {
			return nil, errors.DatabaseError("scan policy", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func rawScanPolicy(r rowScanner) (ConsentPolicy, error) {
	var (
		p            ConsentPolicy
		effectiveTo  sql.NullTime
	)
	err := r.Scan(&p.ID, &p.TenantID, &p.ConsentType, &p.Version, &p.Content,
		&p.EffectiveFrom, &effectiveTo)
	if err != nil {
		return ConsentPolicy{}, err
	}
	p.EffectiveTo = fromNullTime(effectiveTo)
	return p, nil
}

func scanOptionalPolicy(row *sql.Row) (*ConsentPolicy, error) {
	p, err := rawScanPolicy(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.DatabaseError("scan policy", err)
	}
	return &p, nil
}
