// Package postgres implements the relational store adapter (component 4)
// and the intent/escalation/consent repositories (components 10, parts of
// 4.4/4.5) on top of database/sql and github.com/lib/pq, following the
// raw-SQL, scan-into-struct style of the teacher's
// internal/app/storage/postgres/store.go and the transactional
// insert/FOR UPDATE SKIP LOCKED pattern of internal/app/jam/store_pg.go.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/intentgovern/controlplane/infrastructure/errors"
)

// zeroHash is the fixed all-zero predecessor digest (64 hex zeros, the
// width of a SHA-256 digest) for the first event in an intent's chain
// (§3, §4.3).
var zeroHash = strings.Repeat("0", 64)

// Store is the PostgreSQL-backed implementation of every repository
// this module needs: intents, events, evaluations, escalations, and
// consents all share one connection pool.
type Store struct {
	db             *sql.DB
	statementTimeout time.Duration
}

// Config configures connection parameters and the default per-statement
// timeout (§5: "every store statement runs under a default statement
// timeout, implementation typically ~5s").
type Config struct {
	DSN              string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	StatementTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxOpenConns:     25,
		MaxIdleConns:     5,
		ConnMaxLifetime:  5 * time.Minute,
		StatementTimeout: 5 * time.Second,
	}
}

// Open establishes the connection pool. It does not ping; callers should
// call Ping during startup health checks.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.DatabaseError("open", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	timeout := cfg.StatementTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{db: db, statementTimeout: timeout}, nil
}

// New wraps an already-opened *sql.DB, primarily for tests against
// go-sqlmock.
func New(db *sql.DB) *Store {
	return &Store{db: db, statementTimeout: 5 * time.Second}
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.DatabaseError("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying pool so callers can share it with other
// adapters backed by the same database (the durable queue adapter, the
// migration runner, the LISTEN/NOTIFY bus) instead of opening a second
// connection pool against the same DSN.
func (s *Store) DB() *sql.DB {
	return s.db
}

// withTimeout bounds a statement to the configured statement timeout,
// unless the caller's context already has a tighter deadline.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.statementTimeout)
}

// ---------------------------------------------------------------------------
// Scan helpers, mirroring the teacher's toNullString/toNullTime pattern.
// ---------------------------------------------------------------------------

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func fromNullString(s sql.NullString) string {
	if !s.Valid {
		return ""
	}
	return s.String
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}

func toNullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func fromNullInt(i sql.NullInt64) *int {
	if !i.Valid {
		return nil
	}
	v := int(i.Int64)
	return &v
}

func marshalJSON(v map[string]interface{}) ([]byte, error) {
	if v == nil {
		v = map[string]interface{}{}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Internal("marshal json column", err)
	}
	return raw, nil
}

func unmarshalJSON(raw []byte) map[string]interface{} {
	if len(raw) == 0 {
		return map[string]interface{}{}
	}
	out := map[string]interface{}{}
	_ = json.Unmarshal(raw, &out)
	return out
}
