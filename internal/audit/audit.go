// Package audit implements the signed, hash-chained governance-decision
// record (component 14, §4.6): one record per decision, chained globally
// by chain_position, verifiable individually or end-to-end.
package audit

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"

	core "github.com/intentgovern/controlplane/internal/app/core/service"
	"github.com/intentgovern/controlplane/infrastructure/errors"
	"github.com/intentgovern/controlplane/infrastructure/logging"
	"github.com/intentgovern/controlplane/internal/store/postgres"
	"github.com/intentgovern/controlplane/pkg/clock"
	"github.com/intentgovern/controlplane/pkg/cryptoutil"
)

const algorithmEd25519 = "ed25519"

// Store is the subset of the relational store adapter the audit chain needs.
type Store interface {
	AppendAuditRecord(ctx context.Context, build func(previousHash string, chainPosition int64) (postgres.AuditRecord, error)) (postgres.AuditRecord, error)
	GetAuditRecord(ctx context.Context, id string) (*postgres.AuditRecord, error)
	ListAuditRecords(ctx context.Context) ([]postgres.AuditRecord, error)
	ListAuditRecordsByIntent(ctx context.Context, intentID string) ([]postgres.AuditRecord, error)
}

// AppendRequest describes one governance decision to record.
type AppendRequest struct {
	IntentID string
	EntityID string
	Decision string
	Inputs   map[string]interface{}
	Outputs  map[string]interface{}
}

// VerifyResult reports whether a chain (or chain prefix) is intact, and
// where the first break is if not.
type VerifyResult struct {
	Valid     bool
	BrokenID  string
	BrokenPos int64
}

// Service signs and chains audit records with an Ed25519 key.
type Service struct {
	store      Store
	clock      clock.Source
	log        *logging.Logger
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
	publicHex  string
}

// New wires the audit service with a signing keypair. A nil logger falls
// back to the service's default; a nil clock falls back to the system clock.
func New(store Store, publicKey ed25519.PublicKey, privateKey ed25519.PrivateKey, clk clock.Source, log *logging.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logging.NewFromEnv("audit")
	}
	return &Service{
		store:      store,
		clock:      clk,
		log:        log,
		publicKey:  publicKey,
		privateKey: privateKey,
		publicHex:  hexEncode(publicKey),
	}
}

// Descriptor advertises the audit chain's architectural placement.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "audit",
		Domain:       "governance",
		Layer:        core.LayerSecurity,
		Capabilities: []string{"chain-append", "chain-verify"},
	}
}

// Append signs req and appends it to the chain under the store's
// FOR-UPDATE serialization guard (§4.6, §5 i — same ordering discipline
// as the per-intent event chain, generalized to a single global chain).
func (s *Service) Append(ctx context.Context, req AppendRequest) (postgres.AuditRecord, error) {
	if req.IntentID == "" || req.Decision == "" {
		return postgres.AuditRecord{}, errors.Validation("decision", "intent_id and decision are required")
	}

	now := s.clock.Now()
	rec, err := s.store.AppendAuditRecord(ctx, func(previousHash string, chainPosition int64) (postgres.AuditRecord, error) {
		candidate := postgres.AuditRecord{
			ID:            s.clock.NewID(),
			IntentID:      req.IntentID,
			EntityID:      req.EntityID,
			Decision:      req.Decision,
			Inputs:        req.Inputs,
			Outputs:       req.Outputs,
			CreatedAt:     now,
			ChainPosition: chainPosition,
			PreviousHash:  previousHash,
			PublicKey:     s.publicHex,
			Algorithm:     algorithmEd25519,
		}
		hash, err := computeRecordHash(candidate)
		if err != nil {
			return postgres.AuditRecord{}, err
		}
		candidate.Hash = hash
		candidate.Signature = hexEncode(cryptoutil.Sign(s.privateKey, []byte(hash)))
		return candidate, nil
	})

	s.log.LogChainAppend(ctx, rec.Hash, "audit."+req.Decision, err)
	if err != nil {
		return postgres.AuditRecord{}, err
	}
	return rec, nil
}

// Verify checks one record's hash and signature are self-consistent,
// but does not check it against a neighbor (use VerifyChain for that).
func (s *Service) Verify(ctx context.Context, id string) (bool, error) {
	rec, err := s.store.GetAuditRecord(ctx, id)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, errors.NotFound("audit record", id)
	}
	return s.verifyRecord(*rec), nil
}

// VerifyChain replays every record in chain_position order and reports the
// first break, if any (§4.6 verifyChain).
func (s *Service) VerifyChain(ctx context.Context) (VerifyResult, error) {
	records, err := s.store.ListAuditRecords(ctx)
	if err != nil {
		return VerifyResult{}, err
	}
	return s.verifySequence(records), nil
}

// VerifyIntentChain replays only the records for one intent.
func (s *Service) VerifyIntentChain(ctx context.Context, intentID string) (VerifyResult, error) {
	records, err := s.store.ListAuditRecordsByIntent(ctx, intentID)
	if err != nil {
		return VerifyResult{}, err
	}
	return s.verifySequence(records), nil
}

func (s *Service) verifySequence(records []postgres.AuditRecord) VerifyResult {
	for i, rec := range records {
		if !s.verifyRecord(rec) {
			return VerifyResult{Valid: false, BrokenID: rec.ID, BrokenPos: rec.ChainPosition}
		}
		if i > 0 && rec.PreviousHash != records[i-1].Hash {
			return VerifyResult{Valid: false, BrokenID: rec.ID, BrokenPos: rec.ChainPosition}
		}
	}
	return VerifyResult{Valid: true}
}

func (s *Service) verifyRecord(rec postgres.AuditRecord) bool {
	wantHash, err := computeRecordHash(rec)
	if err != nil || wantHash != rec.Hash {
		return false
	}
	sig, err := hexDecode(rec.Signature)
	if err != nil {
		return false
	}
	pub, err := hexDecode(rec.PublicKey)
	if err != nil {
		return false
	}
	return cryptoutil.Verify(ed25519.PublicKey(pub), []byte(rec.Hash), sig)
}

// computeRecordHash hashes the canonical, sorted-key serialization of every
// field except hash and signature themselves (§4.6).
func computeRecordHash(rec postgres.AuditRecord) (string, error) {
	canonical, err := cryptoutil.CanonicalJSON(map[string]interface{}{
		"id":             rec.ID,
		"intent_id":      rec.IntentID,
		"entity_id":      rec.EntityID,
		"decision":       rec.Decision,
		"inputs":         rec.Inputs,
		"outputs":        rec.Outputs,
		"created_at":     rec.CreatedAt,
		"chain_position": rec.ChainPosition,
		"previous_hash":  rec.PreviousHash,
		"public_key":     rec.PublicKey,
		"algorithm":      rec.Algorithm,
	})
	if err != nil {
		return "", errors.Internal("canonicalize audit record", err)
	}
	return cryptoutil.SHA256Hex(canonical), nil
}

func hexEncode(b []byte) string { return hex.EncodeToString(b) }

func hexDecode(s string) ([]byte, error) { return hex.DecodeString(s) }
