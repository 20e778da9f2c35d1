// Package engineerr defines the error taxonomy shared across the
// orchestration engine (spec §7): user-facing validation failures,
// dependency gating, storage failures, worker-subprocess failures, and
// internal invariant violations. Each is a distinct Go type so callers can
// branch on kind with errors.As instead of string matching.
package engineerr

import "fmt"

// ValidationError indicates bad input: an unknown project, an invalid
// ticket type, a stage outside the ticket's plan, a missing path. No state
// change precedes it reaching the caller.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// DependencyError reports that a ticket cannot progress because one or
// more parent tickets are not yet closed. Not fatal — the ticket sits
// blocked and is excluded from dispatch.
type DependencyError struct {
	TicketID        string
	UnclosedParents []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("ticket %s blocked on %d unclosed parent(s)", e.TicketID, len(e.UnclosedParents))
}

// StorageError wraps a persistence failure. Retryable distinguishes
// transient I/O errors (retried with backoff by the caller) from
// persistent ones (surfaced immediately).
type StorageError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// WorkerParseError means the worker's stdout did not end in a valid,
// schema-conforming JSON block.
type WorkerParseError struct {
	Details string
}

func (e *WorkerParseError) Error() string { return fmt.Sprintf("worker parse error: %s", e.Details) }

// WorkerTimedOut means the runner killed the child after its configured
// timeout elapsed without the process exiting.
type WorkerTimedOut struct {
	Timeout string
}

func (e *WorkerTimedOut) Error() string { return fmt.Sprintf("worker timed out after %s", e.Timeout) }

// WorkerNonZeroExit means the child exited with a non-zero status.
type WorkerNonZeroExit struct {
	Code         int
	StderrExcerpt string
}

func (e *WorkerNonZeroExit) Error() string {
	return fmt.Sprintf("worker exited %d: %s", e.Code, e.StderrExcerpt)
}

// SpawnFailed means the subprocess could not be started at all.
type SpawnFailed struct {
	Err error
}

func (e *SpawnFailed) Error() string   { return fmt.Sprintf("spawn failed: %v", e.Err) }
func (e *SpawnFailed) Unwrap() error   { return e.Err }

// InvariantViolation marks a defect the engine detected in its own state:
// a transition from an unexpected state, a missing WorkerRecord during
// outcome application, and similar conditions. The offending operation is
// aborted and an error event emitted; the server keeps running.
type InvariantViolation struct {
	What string
}

func (e *InvariantViolation) Error() string { return fmt.Sprintf("invariant violation: %s", e.What) }
