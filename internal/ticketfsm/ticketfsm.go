// Package ticketfsm guards ticket state transitions (spec §4.3). It is a
// pure decision layer: it never touches the Store, it only tells a caller
// whether a transition is legal from a given snapshot. The actual mutation
// still goes through internal/store so the Store remains the single writer.
// Grounded on the teacher's kanban state-query helpers (GetTicketsByStatus,
// GetNextTicketForDomain), generalized from Go-slice filters into guard
// predicates over a single ticket snapshot.
package ticketfsm

import (
	"github.com/coldforge/ticketforge/internal/engineerr"
	"github.com/coldforge/ticketforge/internal/model"
)

// allowed enumerates the ticket-state transition table from spec §4.3.
var allowed = map[model.TicketState]map[model.TicketState]bool{
	model.StateOpen: {
		model.StateInProgress: true,
		model.StateOnHold:     true, // validation failure or coordinator decision
		model.StateClosed:     true, // coordinator stop
	},
	model.StateInProgress: {
		model.StateInProgress: true, // stage change under the same claim
		model.StateOpen:   true, // released: outcome processed, stage advanced or retried
		model.StateOnHold:  true, // coordinator_attention
		model.StateClosed:  true, // final stage completed
	},
	model.StateOnHold: {
		model.StateOpen: true, // resume_ticket_processing
		model.StateClosed: true, // coordinator stop
	},
	model.StateClosed: {},
}

// CanTransition reports whether from -> to is a legal ticket-state move.
func CanTransition(from, to model.TicketState) bool {
	next, ok := allowed[from]
	if !ok {
		return false
	}
	return next[to]
}

// RequireTransition returns an InvariantViolation if from -> to is illegal,
// for callers that expect the caller-side logic to have already screened
// out bad transitions and want a hard failure if one slips through.
func RequireTransition(ticketID string, from, to model.TicketState) error {
	if CanTransition(from, to) {
		return nil
	}
	return &engineerr.InvariantViolation{What: "ticket " + ticketID + ": illegal transition " + string(from) + " -> " + string(to)}
}

// Claimable reports whether a ticket in this snapshot is eligible to be
// claimed for work: open, dependency-satisfied, and not already claimed.
func Claimable(t *model.Ticket) bool {
	return t.State == model.StateOpen && t.DependencyStatus == model.DependencyReady
}

// CanClose reports whether a ticket may be closed: it must be in_progress
// (a worker is reporting the final outcome) and at the last stage of its
// execution plan.
func CanClose(t *model.Ticket) bool {
	if t.State != model.StateInProgress {
		return false
	}
	if len(t.ExecutionPlan) == 0 {
		return false
	}
	return t.CurrentStage == t.ExecutionPlan[len(t.ExecutionPlan)-1]
}

// NextStage returns the stage following the ticket's current one in its
// execution plan, and false if the current stage is already the last.
func NextStage(t *model.Ticket) (string, bool) {
	for i, s := range t.ExecutionPlan {
		if s == t.CurrentStage && i+1 < len(t.ExecutionPlan) {
			return t.ExecutionPlan[i+1], true
		}
	}
	return "", false
}

// PrevStage returns the stage preceding the ticket's current one, and
// false if the current stage is already the first.
func PrevStage(t *model.Ticket) (string, bool) {
	for i, s := range t.ExecutionPlan {
		if s == t.CurrentStage && i > 0 {
			return t.ExecutionPlan[i-1], true
		}
	}
	return "", false
}

// PlanPreservesHistory reports whether newPlan keeps every stage the
// ticket has already visited, in the same relative order — the invariant
// resolving spec §5's pipeline_update Open Question: a worker cannot use
// pipeline_update to make an already-completed stage disappear.
func PlanPreservesHistory(visited []string, newPlan []string) bool {
	idx := 0
	for _, v := range visited {
		found := false
		for ; idx < len(newPlan); idx++ {
			if newPlan[idx] == v {
				found = true
				idx++
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
