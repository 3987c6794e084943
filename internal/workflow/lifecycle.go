package workflow

import (
	"fmt"

	"ncrtrack/internal/domain"
)

// GuardResult is the outcome of a transition guard.
type GuardResult struct {
	Allowed bool
	Field   string
	Reason  string
}

// Err converts a refused guard into a ValidationError.
func (r GuardResult) Err() error {
	if r.Allowed {
		return nil
	}
	return ValidationError{Field: r.Field, Message: r.Reason}
}

// TransitionContext is what a guard needs to know about the record.
type TransitionContext struct {
	From            domain.Status
	To              domain.Status
	QEAuditComplete bool
}

// transitions lists the edges that are actually driven. IN_PROGRESS and
// PENDING_APPROVAL are declared states with no triggers yet.
var transitions = map[domain.Status][]domain.Status{
	domain.StatusNew: {domain.StatusClosed},
}

// Reachable reports whether to is a defined edge out of from.
func Reachable(from, to domain.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransition evaluates a status change.
func CanTransition(ctx TransitionContext) GuardResult {
	if !ctx.To.Valid() {
		return GuardResult{Field: "status", Reason: fmt.Sprintf("unknown status %q", ctx.To)}
	}
	if !Reachable(ctx.From, ctx.To) {
		return GuardResult{
			Field:  "status",
			Reason: fmt.Sprintf("invalid status transition %s -> %s", ctx.From, ctx.To),
		}
	}
	if ctx.To == domain.StatusClosed && !ctx.QEAuditComplete {
		return GuardResult{Field: "qe_audit_complete", Reason: "audit not complete"}
	}
	return GuardResult{Allowed: true}
}

// CanEdit rejects section edits on closed records.
func CanEdit(status domain.Status) GuardResult {
	if status == domain.StatusClosed {
		return GuardResult{Field: "status", Reason: "closed NCRs cannot be edited"}
	}
	return GuardResult{Allowed: true}
}
