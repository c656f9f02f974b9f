package postgres

import "time"

// Intent mirrors the `intents` table (§3, §6).
type Intent struct {
	ID                  string
	TenantID            string
	EntityID            string
	Goal                string
	IntentType          string
	Priority            int
	Status              string
	Context             map[string]interface{}
	Metadata            map[string]interface{}
	DedupeHash          string
	TrustSnapshot       map[string]interface{}
	TrustLevel          *int
	TrustScore          *int
	CreatedAt           time.Time
	UpdatedAt           time.Time
	DeletedAt           *time.Time
	CancellationReason  string
}

// IntentEvent mirrors the `intent_events` table, one hash-chained link
// per intent.
type IntentEvent struct {
	ID           string
	IntentID     string
	EventType    string
	Payload      map[string]interface{}
	OccurredAt   time.Time
	Hash         string
	PreviousHash string
}

// IntentEvaluation mirrors the `intent_evaluations` table. Kind names the
// kind of evaluation and Result holds its untyped JSON result.
type IntentEvaluation struct {
	ID        string
	IntentID  string
	TenantID  string
	Kind      string
	Result    map[string]interface{}
	CreatedAt time.Time
}

// Escalation mirrors the `escalations` table (§3).
type Escalation struct {
	ID              string
	IntentID        string
	TenantID        string
	Reason          string
	ReasonCategory  string
	EscalatedTo     string
	EscalatedBy     string
	Status          string
	Timeout         string
	TimeoutAt       time.Time
	AcknowledgedAt  *time.Time
	ResolvedBy      string
	ResolvedAt      *time.Time
	ResolutionNotes string
	SLABreached     bool
	Context         map[string]interface{}
	Metadata        map[string]interface{}
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Consent mirrors one row of the `user_consents` table.
type Consent struct {
	ID          string
	UserID      string
	TenantID    string
	ConsentType string
	Granted     bool
	GrantedAt   time.Time
	RevokedAt   *time.Time
	Version     string
	IPAddress   string
	UserAgent   string
}

// ConsentPolicy mirrors one row of the `consent_policies` table.
type ConsentPolicy struct {
	ID            string
	TenantID      string
	ConsentType   string
	Version       string
	Content       string
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
}

// Page is the offset-pagination result shape for listIntents (§4.3).
type Page struct {
	Items      []Intent
	Limit      int
	Offset     int
	NextCursor string
	HasMore    bool
}

// ChainVerification is the result of replaying an intent's event chain.
type ChainVerification struct {
	Valid     bool
	InvalidAt string
	Err       error
}

// AuditRecord mirrors one row of the `audit_records` table: a signed,
// globally hash-chained governance-decision record (§4.6).
type AuditRecord struct {
	ID            string
	IntentID      string
	EntityID      string
	Decision      string
	Inputs        map[string]interface{}
	Outputs       map[string]interface{}
	CreatedAt     time.Time
	ChainPosition int64
	PreviousHash  string
	Hash          string
	Signature     string
	PublicKey     string
	Algorithm     string
}
