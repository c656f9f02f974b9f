// Package queue implements the durable queue adapter (component 6):
// a named, namespaced FIFO with persistence, priority ordering, and
// idempotent enqueue, backed by the same PostgreSQL pool the relational
// store adapter uses. Dequeue uses FOR UPDATE SKIP LOCKED so multiple
// worker processes can drain one namespace without double-delivery; a
// LISTEN/NOTIFY wake-up (pkg/pgnotify) lets BlockingDequeue avoid a
// fixed poll interval, grounded on internal/app/jam/store_pg.go's
// NextPending pattern.
package queue

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/intentgovern/controlplane/infrastructure/errors"
	"github.com/intentgovern/controlplane/pkg/pgnotify"
)

// Job is one unit of work on the durable queue (§6 "Queue surface"):
// {intent_id, tenant_id, priority, trace_carrier?}.
type Job struct {
	ID           string
	Namespace    string
	IntentID     string
	TenantID     string
	Priority     int
	TraceCarrier string
	Status       string
	Attempts     int
	CreatedAt    time.Time
	DequeuedAt   *time.Time
}

const (
	StatusPending  = "pending"
	StatusInFlight = "in_flight"
	StatusDone     = "done"
	StatusFailed   = "failed"
)

func notifyChannel(namespace string) string {
	return "queue_" + namespace
}

// Queue is the durable queue adapter.
type Queue struct {
	db  *sql.DB
	bus *pgnotify.Bus
}

// New builds a Queue around an already-open pool. bus may be nil, in
// which case Enqueue skips the wake-up notification and BlockingDequeue
// degrades to plain polling.
func New(db *sql.DB, bus *pgnotify.Bus) *Queue {
	return &Queue{db: db, bus: bus}
}

// Enqueue inserts a pending job under namespace. Enqueue is idempotent
// per (namespace, intent_id): a repeat submission for an intent already
// queued in that namespace is a no-op, not a duplicate job (§4.1 step 12,
// "at-least-once delivery assumed; consumers must be idempotent" covers
// delivery, and this covers insertion).
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_jobs (
			id, namespace, intent_id, tenant_id, priority, trace_carrier,
			status, attempts, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8)
		ON CONFLICT (namespace, intent_id) DO NOTHING
	`, job.ID, job.Namespace, job.IntentID, job.TenantID, job.Priority,
		toNullString(job.TraceCarrier), job.Status, job.CreatedAt)
	if err != nil {
		return errors.DatabaseError("enqueue job", err)
	}

	if q.bus != nil {
		// Enqueue failures here are logged by the caller (§4.1 step 12:
		// "Enqueue failures are logged but do not undo the insert");
		// the wake-up notify is best-effort on top of an already-durable row.
		_ = q.bus.Publish(ctx, notifyChannel(job.Namespace), map[string]interface{}{"job_id": job.ID})
	}
	return nil
}

// Dequeue claims the oldest, highest-priority pending job in namespace,
// marking it in_flight. It returns (nil, false, nil) if nothing is
// pending right now.
func (q *Queue) Dequeue(ctx context.Context, namespace string) (*Job, bool, error) {
	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, false, errors.DatabaseError("begin dequeue", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, namespace, intent_id, tenant_id, priority, trace_carrier,
			status, attempts, created_at, dequeued_at
		FROM queue_jobs
		WHERE namespace = $1 AND status = $2
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, namespace, StatusPending)

	job, err := scanJob(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, false, tx.Commit()
		}
		return nil, false, errors.DatabaseError("scan queued job", err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE queue_jobs
		SET status = $1, dequeued_at = $2, attempts = attempts + 1
		WHERE id = $3
	`, StatusInFlight, now, job.ID)
	if err != nil {
		return nil, false, errors.DatabaseError("mark job in_flight", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, errors.DatabaseError("commit dequeue", err)
	}

	job.Status = StatusInFlight
	job.DequeuedAt = &now
	job.Attempts++
	return &job, true, nil
}

// BlockingDequeue polls Dequeue, sleeping between attempts unless woken
// early by a NOTIFY on this namespace's channel. It returns (nil, false,
// nil) if waitTimeout elapses with nothing claimed.
func (q *Queue) BlockingDequeue(ctx context.Context, namespace string, waitTimeout time.Duration) (*Job, bool, error) {
	deadline := time.Now().Add(waitTimeout)

	wake := make(chan struct{}, 1)
	if q.bus != nil {
		handler := func(_ context.Context, _ pgnotify.Event) error {
			select {
			case wake <- struct{}{}:
			default:
			}
			return nil
		}
		if err := q.bus.Subscribe(notifyChannel(namespace), handler); err != nil {
			return nil, false, fmt.Errorf("queue: subscribe wake-up: %w", err)
		}
		defer q.bus.Unsubscribe(notifyChannel(namespace))
	}

	for {
		job, ok, err := q.Dequeue(ctx, namespace)
		if err != nil || ok {
			return job, ok, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false, nil
		}
		pollInterval := 2 * time.Second
		if remaining < pollInterval {
			pollInterval = remaining
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-wake:
		case <-time.After(pollInterval):
		}
	}
}

// Complete marks an in_flight job done (successful delivery, §4's
// at-least-once contract: the consumer acks only after it has durably
// applied the job).
func (q *Queue) Complete(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status = $1 WHERE id = $2
	`, StatusDone, id)
	if err != nil {
		return errors.DatabaseError("complete job", err)
	}
	return nil
}

// Fail marks an in_flight job failed. Retrying a failed job (re-enqueue
// under a new row) is the caller's decision; this adapter does not
// auto-retry.
func (q *Queue) Fail(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status = $1 WHERE id = $2
	`, StatusFailed, id)
	if err != nil {
		return errors.DatabaseError("fail job", err)
	}
	return nil
}

// Requeue resets a stuck in_flight job back to pending, for a
// reconciler sweeping jobs whose dequeued_at is older than a staleness
// threshold (a worker crashed mid-processing).
func (q *Queue) Requeue(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status = $1, dequeued_at = NULL WHERE id = $2
	`, StatusPending, id)
	if err != nil {
		return errors.DatabaseError("requeue job", err)
	}
	return nil
}

func scanJob(row *sql.Row) (Job, error) {
	var (
		j            Job
		traceCarrier sql.NullString
		dequeuedAt   sql.NullTime
	)
	err := row.Scan(&j.ID, &j.Namespace, &j.IntentID, &j.TenantID, &j.Priority,
		&traceCarrier, &j.Status, &j.Attempts, &j.CreatedAt, &dequeuedAt)
	if err != nil {
		return Job{}, err
	}
	j.TraceCarrier = fromNullString(traceCarrier)
	if dequeuedAt.Valid {
		t := dequeuedAt.Time
		j.DequeuedAt = &t
	}
	return j, nil
}

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
