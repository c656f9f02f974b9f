// Package statemachine holds the static intent status transition table
// (§4.2) and its validation rule. It has no teacher analogue; it follows
// the declarative, map-keyed-lookup style the teacher uses for its own
// static configuration tables.
package statemachine

import "github.com/intentgovern/controlplane/infrastructure/errors"

// Status is an intent lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusEvaluating Status = "evaluating"
	StatusApproved   Status = "approved"
	StatusDenied     Status = "denied"
	StatusEscalated  Status = "escalated"
	StatusExecuting  Status = "executing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// edge describes one legal transition and the flags gating it.
type edge struct {
	requiresReason     bool
	requiresPermission bool
	eventType          string
}

// table[from][to] holds every legal edge. Terminal states (completed,
// cancelled) have no outgoing entries.
var table = map[Status]map[Status]edge{
	StatusPending: {
		StatusEvaluating: {eventType: "intent.evaluation.started"},
		StatusCancelled:  {requiresReason: true, eventType: "intent.cancelled"},
	},
	StatusEvaluating: {
		StatusApproved:  {eventType: "intent.approved"},
		StatusDenied:    {eventType: "intent.denied"},
		StatusEscalated: {eventType: "intent.escalated"},
		StatusFailed:    {eventType: "intent.failed"},
		StatusCancelled: {requiresReason: true, eventType: "intent.cancelled"},
	},
	StatusEscalated: {
		StatusApproved:  {requiresPermission: true, eventType: "intent.approved"},
		StatusDenied:    {requiresPermission: true, eventType: "intent.denied"},
		StatusCancelled: {requiresReason: true, eventType: "intent.cancelled"},
	},
	StatusApproved: {
		StatusExecuting: {eventType: "intent.execution.started"},
		StatusCancelled: {requiresReason: true, eventType: "intent.cancelled"},
	},
	StatusExecuting: {
		StatusCompleted: {eventType: "intent.completed"},
		StatusFailed:    {eventType: "intent.failed"},
	},
	StatusDenied: {
		StatusPending: {requiresPermission: true, eventType: "intent.replayed"},
	},
	StatusFailed: {
		StatusPending: {requiresPermission: true, eventType: "intent.retried"},
	},
}

// terminal states have no edges and are rejected outright regardless of
// what table[from] might otherwise contain.
var terminal = map[Status]bool{
	StatusCompleted: true,
	StatusCancelled: true,
}

// Validate checks whether the transition from -> to is legal given the
// caller's reason/permission flags, returning the canonical event type
// name to record on success.
func Validate(from, to Status, hasReason, hasPermission bool) (eventType string, err error) {
	if terminal[from] {
		return "", errors.TerminalState(string(from))
	}

	edges, ok := table[from]
	if !ok {
		return "", errors.InvalidStateTransition(string(from), string(to))
	}

	e, ok := edges[to]
	if !ok {
		return "", errors.InvalidStateTransition(string(from), string(to))
	}

	if e.requiresReason && !hasReason {
		return "", errors.RequiresReason(string(from), string(to))
	}
	if e.requiresPermission && !hasPermission {
		return "", errors.RequiresPermission(string(from), string(to))
	}

	return e.eventType, nil
}

// IsTerminal reports whether status has no legal outgoing transitions.
func IsTerminal(status Status) bool {
	return terminal[status]
}

// AllowedTransitions returns the destination statuses reachable from from,
// ignoring reason/permission gating. Used for listing/introspection.
func AllowedTransitions(from Status) []Status {
	edges, ok := table[from]
	if !ok {
		return nil
	}
	out := make([]Status, 0, len(edges))
	for to := range edges {
		out = append(out, to)
	}
	return out
}
