package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coldforge/ticketforge/internal/engineerr"
	"github.com/coldforge/ticketforge/internal/model"
	"github.com/google/uuid"
)

const maxTicketIDRetries = 5

// subsystemCode derives the middle segment of a PREFIX-SUBSYSTEM-NNN ticket
// ID from the stage name: the first three uppercased alphanumeric runes,
// matching the teacher's short domain codes (DEV, QA, REV).
func subsystemCode(stage string) string {
	var b strings.Builder
	for _, r := range stage {
		if len(b.String()) >= 3 {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	code := strings.ToUpper(b.String())
	if code == "" {
		code = "GEN"
	}
	return code
}

// nextTicketID finds the highest NNN already used for project+subsystem and
// returns the next one. Callers retry the insert on a uniqueness violation
// since this read-then-write is not itself serialized against other writers.
func nextTicketID(ctx context.Context, tx *sql.Tx, prefix, subsystem string) (string, error) {
	like := fmt.Sprintf("%s-%s-%%", prefix, subsystem)
	rows, err := tx.QueryContext(ctx, `SELECT id FROM tickets WHERE id LIKE ?`, like)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	max := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		parts := strings.Split(id, "-")
		if len(parts) < 3 {
			continue
		}
		if n, err := strconv.Atoi(parts[len(parts)-1]); err == nil && n > max {
			max = n
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%03d", prefix, subsystem, max+1), nil
}

// CreateTicket assigns a PREFIX-SUBSYSTEM-NNN ID transactionally, inserts
// the ticket, and records its first stage-history entry. Concurrent
// creations that race for the same NNN are retried up to a bounded count
// (spec §4.1).
func (s *Store) CreateTicket(ctx context.Context, t *model.Ticket, projectPrefix string) error {
	if t.Title == "" {
		return &engineerr.ValidationError{Field: "title", Reason: "required"}
	}
	if len(t.ExecutionPlan) == 0 {
		return &engineerr.ValidationError{Field: "execution_plan", Reason: "must name at least one stage"}
	}
	if t.CurrentStage == "" {
		t.CurrentStage = t.ExecutionPlan[0]
	}
	if !t.InPlan(t.CurrentStage) {
		return &engineerr.ValidationError{Field: "current_stage", Reason: "not a member of execution_plan"}
	}
	if t.TicketType == "" {
		t.TicketType = model.TicketTypeTask
	}
	if t.Priority == "" {
		t.Priority = model.PriorityMedium
	}
	t.State = model.StateOpen
	t.DependencyStatus = model.DependencyReady
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	subsystem := subsystemCode(t.CurrentStage)
	plan, err := json.Marshal(t.ExecutionPlan)
	if err != nil {
		return fmt.Errorf("marshal execution_plan: %w", err)
	}

	for attempt := 0; attempt < maxTicketIDRetries; attempt++ {
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			id, err := nextTicketID(ctx, tx, projectPrefix, subsystem)
			if err != nil {
				return err
			}
			t.ID = id
			_, err = tx.ExecContext(ctx, `
				INSERT INTO tickets (
					id, project_id, title, description, ticket_type, priority, current_stage,
					execution_plan, state, dependency_status, parent_ticket_id, closed_reason,
					parse_failure_count, respawn_count, created_at, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, t.ID, t.ProjectID, t.Title, t.Description, string(t.TicketType), string(t.Priority), t.CurrentStage,
				string(plan), string(t.State), string(t.DependencyStatus), nullableString(t.ParentTicketID), nullableString(t.ClosedReason),
				t.ParseFailureCount, t.RespawnCount, t.CreatedAt, t.UpdatedAt)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO ticket_stage_history (ticket_id, stage, entered_at) VALUES (?, ?, ?)
			`, t.ID, t.CurrentStage, t.CreatedAt)
			return err
		})
		if err == nil {
			return nil
		}
		if isUniqueViolation(err) {
			continue
		}
		return wrapStorage("create_ticket", err)
	}
	return &engineerr.StorageError{Op: "create_ticket", Err: errors.New("exhausted id generation retries"), Retryable: true}
}

// withTx runs fn inside a transaction, retrying with exponential backoff
// (spec §4.1, §7) when BeginTx/Commit fails with a transient error such as
// SQLite's "database is locked". fn's own returned errors are never
// retried here — retrying a caller-level ValidationError or a partially
// applied business decision would be incorrect; only the transaction
// plumbing itself is eligible.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTransientRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffDelay(attempt - 1)):
			}
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			if !isRetryable(err) {
				return err
			}
			lastErr = err
			continue
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			if !isRetryable(err) {
				return err
			}
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func scanTicket(row interface{ Scan(...any) error }) (*model.Ticket, error) {
	var t model.Ticket
	var description, parentID, closedReason sql.NullString
	var plan string
	if err := row.Scan(
		&t.ID, &t.ProjectID, &t.Title, &description, &t.TicketType, &t.Priority, &t.CurrentStage,
		&plan, &t.State, &t.DependencyStatus, &parentID, &closedReason,
		&t.ParseFailureCount, &t.RespawnCount, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Description, t.ParentTicketID, t.ClosedReason = description.String, parentID.String, closedReason.String
	if plan != "" {
		_ = json.Unmarshal([]byte(plan), &t.ExecutionPlan)
	}
	return &t, nil
}

const ticketColumns = `
	id, project_id, title, description, ticket_type, priority, current_stage,
	execution_plan, state, dependency_status, parent_ticket_id, closed_reason,
	parse_failure_count, respawn_count, created_at, updated_at
`

// GetTicket fetches a ticket by ID.
func (s *Store) GetTicket(ctx context.Context, id string) (*model.Ticket, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &engineerr.ValidationError{Field: "ticket_id", Reason: "unknown ticket"}
	}
	if err != nil {
		return nil, wrapStorage("get_ticket", err)
	}
	return t, nil
}

// TicketFilter narrows ListTickets.
type TicketFilter struct {
	ProjectID string
	State     model.TicketState
	Stage     string
}

// ListTickets lists tickets matching filter, oldest created first.
func (s *Store) ListTickets(ctx context.Context, f TicketFilter) ([]*model.Ticket, error) {
	q := `SELECT ` + ticketColumns + ` FROM tickets WHERE project_id = ?`
	args := []any{f.ProjectID}
	if f.State != "" {
		q += ` AND state = ?`
		args = append(args, string(f.State))
	}
	if f.Stage != "" {
		q += ` AND current_stage = ?`
		args = append(args, f.Stage)
	}
	q += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapStorage("list_tickets", err)
	}
	defer rows.Close()

	var out []*model.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, wrapStorage("list_tickets", err)
		}
		out = append(out, t)
	}
	return out, wrapStorage("list_tickets", rows.Err())
}

// ListDispatchable returns open, ready tickets in a (project, stage), oldest
// created_at first per spec §4.4's Store-level claim tiebreak; priority
// plays no part in the ordering.
func (s *Store) ListDispatchable(ctx context.Context, projectID, stage string) ([]*model.Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE project_id = ? AND current_stage = ? AND state = ? AND dependency_status = ?
		ORDER BY created_at ASC
	`, projectID, stage, string(model.StateOpen), string(model.DependencyReady))
	if err != nil {
		return nil, wrapStorage("list_dispatchable", err)
	}
	defer rows.Close()

	var out []*model.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, wrapStorage("list_dispatchable", err)
		}
		out = append(out, t)
	}
	return out, wrapStorage("list_dispatchable", rows.Err())
}

// ClaimTicket atomically moves one open, ready ticket in (project, stage)
// to in_progress and opens a worker record for it in one transaction, which
// the single-connection pool serializes against other claimers in this
// process. Returns nil, nil when no ticket is currently claimable.
func (s *Store) ClaimTicket(ctx context.Context, projectID, stage string) (*model.Ticket, *model.WorkerRecord, error) {
	// The pool is capped at one connection (see Open), so this
	// transaction already holds exclusive access to the database for
	// its duration — a second ClaimTicket call blocks until this one
	// commits or rolls back, which is all the serialization a claim
	// race needs.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, wrapStorage("claim_ticket", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE project_id = ? AND current_stage = ? AND state = ? AND dependency_status = ?
		ORDER BY created_at ASC LIMIT 1
	`, projectID, stage, string(model.StateOpen), string(model.DependencyReady))
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, wrapStorage("claim_ticket", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE tickets SET state = ?, updated_at = ? WHERE id = ?
	`, string(model.StateInProgress), now, t.ID); err != nil {
		return nil, nil, wrapStorage("claim_ticket", err)
	}

	wr := &model.WorkerRecord{
		ID:        fmt.Sprintf("%s-%s-%s-%s", projectID, t.ID, stage, uuid.NewString()[:8]),
		TicketID:  t.ID,
		Stage:     stage,
		StartedAt: now,
		Status:    model.WorkerRunning,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workers (id, ticket_id, stage, pid, started_at, status) VALUES (?, ?, ?, 0, ?, ?)
	`, wr.ID, wr.TicketID, wr.Stage, wr.StartedAt, string(wr.Status)); err != nil {
		return nil, nil, wrapStorage("claim_ticket", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, wrapStorage("claim_ticket", err)
	}
	t.State = model.StateInProgress
	t.UpdatedAt = now
	return t, wr, nil
}

// SetWorkerPID records the spawned child's PID once known. Recovery does not
// read it: stale claims are found by the worker record's started_at age.
func (s *Store) SetWorkerPID(ctx context.Context, workerID string, pid int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET pid = ? WHERE id = ?`, pid, workerID)
	return wrapStorage("set_worker_pid", err)
}

// MarkWorkerTerminal records a worker run's terminal status and output
// without touching the ticket's state — the caller (the Outcome Processor)
// decides separately whether the ticket reopens at the same stage, advances,
// goes on_hold, or closes. Idempotent: marking an already-terminal worker
// record is a no-op, matching the teacher's at-least-once cleanup sweep
// semantics and spec §4.6's duplicate-application guard.
func (s *Store) MarkWorkerTerminal(ctx context.Context, workerID string, status model.WorkerStatus, output, workerErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workers SET status = ?, output = ?, error = ?, ended_at = ? WHERE id = ? AND status = ?
	`, string(status), output, workerErr, time.Now().UTC(), workerID, string(model.WorkerRunning))
	if err != nil {
		return wrapStorage("mark_worker_terminal", err)
	}
	return nil
}

// ReleaseClaim ends a worker run and reverts the ticket to open at its
// current stage without recording a stage advance — the path for a
// recoverable worker failure that simply re-enters dispatch (spec §4.6's
// retry branch). The recovery loop reopens stale claims through
// ReconcileStaleWorker instead.
func (s *Store) ReleaseClaim(ctx context.Context, workerID string, status model.WorkerStatus, output, workerErr string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var ticketID, currentStatus string
		row := tx.QueryRowContext(ctx, `SELECT ticket_id, status FROM workers WHERE id = ?`, workerID)
		if err := row.Scan(&ticketID, &currentStatus); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &engineerr.ValidationError{Field: "worker_id", Reason: "unknown worker"}
			}
			return err
		}
		if currentStatus != string(model.WorkerRunning) {
			return nil // already released
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE workers SET status = ?, output = ?, error = ?, ended_at = ? WHERE id = ?
		`, string(status), output, workerErr, now, workerID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE tickets SET state = ?, updated_at = ? WHERE id = ? AND state = ?
		`, string(model.StateOpen), now, ticketID, string(model.StateInProgress))
		return err
	})
}

// AdvanceStage moves a ticket to a new stage within its execution plan and
// appends a stage-history entry.
func (s *Store) AdvanceStage(ctx context.Context, ticketID, stage string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE tickets SET current_stage = ?, state = ?, updated_at = ? WHERE id = ?
		`, stage, string(model.StateOpen), now, ticketID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &engineerr.ValidationError{Field: "ticket_id", Reason: "unknown ticket"}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ticket_stage_history (ticket_id, stage, entered_at) VALUES (?, ?, ?)
		`, ticketID, stage, now)
		return err
	})
}

// SetOnHold parks a ticket for coordinator attention without advancing its
// stage (spec §4.3, coordinator_attention outcome).
func (s *Store) SetOnHold(ctx context.Context, ticketID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets SET state = ?, updated_at = ? WHERE id = ?
	`, string(model.StateOnHold), time.Now().UTC(), ticketID)
	if err != nil {
		return wrapStorage("set_on_hold", err)
	}
	return requireRowsAffected(res, "ticket_id", ticketID)
}

// ResumeTicketProcessing clears on_hold back to open without changing stage,
// the runtime counterpart to coordinator intervention (spec §6).
func (s *Store) ResumeTicketProcessing(ctx context.Context, ticketID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets SET state = ?, updated_at = ? WHERE id = ? AND state = ?
	`, string(model.StateOpen), time.Now().UTC(), ticketID, string(model.StateOnHold))
	if err != nil {
		return wrapStorage("resume_ticket", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &engineerr.InvariantViolation{What: fmt.Sprintf("ticket %s is not on_hold", ticketID)}
	}
	return nil
}

// CloseTicket closes a ticket and recomputes dependency readiness for every
// ticket that depends on it, returning the IDs that newly became ready so
// the caller can re-enqueue them.
func (s *Store) CloseTicket(ctx context.Context, ticketID, reason string) ([]string, error) {
	var newlyReady []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE tickets SET state = ?, closed_reason = ?, dependency_status = ?, updated_at = ? WHERE id = ?
		`, string(model.StateClosed), reason, string(model.DependencyReady), now, ticketID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &engineerr.ValidationError{Field: "ticket_id", Reason: "unknown ticket"}
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT child_ticket_id FROM ticket_dependencies WHERE parent_ticket_id = ?
		`, ticketID)
		if err != nil {
			return err
		}
		var children []string
		for rows.Next() {
			var c string
			if err := rows.Scan(&c); err != nil {
				rows.Close()
				return err
			}
			children = append(children, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, child := range children {
			ready, err := dependenciesSatisfied(ctx, tx, child)
			if err != nil {
				return err
			}
			if !ready {
				continue
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE tickets SET dependency_status = ?, updated_at = ? WHERE id = ? AND dependency_status = ?
			`, string(model.DependencyReady), now, child, string(model.DependencyBlocked))
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				newlyReady = append(newlyReady, child)
			}
		}
		return nil
	})
	if err != nil {
		var ve *engineerr.ValidationError
		if errors.As(err, &ve) {
			return nil, err
		}
		return nil, wrapStorage("close_ticket", err)
	}
	return newlyReady, nil
}

func dependenciesSatisfied(ctx context.Context, tx *sql.Tx, ticketID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ticket_dependencies d
		JOIN tickets p ON p.id = d.parent_ticket_id
		WHERE d.child_ticket_id = ? AND p.state != ?
	`, ticketID, string(model.StateClosed))
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n == 0, nil
}

// UpdateExecutionPlan replaces a ticket's remaining plan. Callers (the
// outcome processor) are responsible for enforcing that the new plan does
// not drop an already-visited stage (spec §5 Open Question resolution).
func (s *Store) UpdateExecutionPlan(ctx context.Context, ticketID string, plan []string) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal execution_plan: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets SET execution_plan = ?, updated_at = ? WHERE id = ?
	`, string(data), time.Now().UTC(), ticketID)
	if err != nil {
		return wrapStorage("update_execution_plan", err)
	}
	return requireRowsAffected(res, "ticket_id", ticketID)
}

// IncrementParseFailureCount bumps and returns the persisted counter used
// to bound worker-output-parse retries (spec §4.6).
func (s *Store) IncrementParseFailureCount(ctx context.Context, ticketID string) (int, error) {
	var count int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tickets SET parse_failure_count = parse_failure_count + 1, updated_at = ? WHERE id = ?
		`, time.Now().UTC(), ticketID); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT parse_failure_count FROM tickets WHERE id = ?`, ticketID).Scan(&count)
	})
	return count, wrapStorage("increment_parse_failure_count", err)
}

// IncrementRespawnCount bumps and returns the persisted respawn counter
// (spec §4.7), surviving process restarts unlike the teacher's in-memory one.
func (s *Store) IncrementRespawnCount(ctx context.Context, ticketID string) (int, error) {
	var count int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tickets SET respawn_count = respawn_count + 1, updated_at = ? WHERE id = ?
		`, time.Now().UTC(), ticketID); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT respawn_count FROM tickets WHERE id = ?`, ticketID).Scan(&count)
	})
	return count, wrapStorage("increment_respawn_count", err)
}

// ResetParseFailureCount clears the counter after a successful parse.
func (s *Store) ResetParseFailureCount(ctx context.Context, ticketID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tickets SET parse_failure_count = 0, updated_at = ? WHERE id = ?
	`, time.Now().UTC(), ticketID)
	return wrapStorage("reset_parse_failure_count", err)
}

// --- Comments ---

// RecordComment appends a comment, optionally carrying the raw parsed
// worker outcome as an audit trail (SPEC_FULL.md §4's supplemented feature).
func (s *Store) RecordComment(ctx context.Context, c *model.Comment) error {
	c.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (ticket_id, author, stage, body, outcome_raw, created_at) VALUES (?, ?, ?, ?, ?, ?)
	`, c.TicketID, c.Author, c.Stage, c.Body, nullableString(c.OutcomeRaw), c.CreatedAt)
	if err != nil {
		return wrapStorage("record_comment", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return wrapStorage("record_comment", err)
	}
	c.ID = id
	return nil
}

// ListComments returns a ticket's comments oldest first.
func (s *Store) ListComments(ctx context.Context, ticketID string) ([]*model.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ticket_id, author, stage, body, outcome_raw, created_at
		FROM comments WHERE ticket_id = ? ORDER BY created_at ASC
	`, ticketID)
	if err != nil {
		return nil, wrapStorage("list_comments", err)
	}
	defer rows.Close()

	var out []*model.Comment
	for rows.Next() {
		var c model.Comment
		var outcomeRaw sql.NullString
		if err := rows.Scan(&c.ID, &c.TicketID, &c.Author, &c.Stage, &c.Body, &outcomeRaw, &c.CreatedAt); err != nil {
			return nil, wrapStorage("list_comments", err)
		}
		c.OutcomeRaw = outcomeRaw.String
		out = append(out, &c)
	}
	return out, wrapStorage("list_comments", rows.Err())
}

// ListStageHistory returns a ticket's stage transitions oldest first.
func (s *Store) ListStageHistory(ctx context.Context, ticketID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage FROM ticket_stage_history WHERE ticket_id = ? ORDER BY entered_at ASC, id ASC
	`, ticketID)
	if err != nil {
		return nil, wrapStorage("list_stage_history", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var stage string
		if err := rows.Scan(&stage); err != nil {
			return nil, wrapStorage("list_stage_history", err)
		}
		out = append(out, stage)
	}
	return out, wrapStorage("list_stage_history", rows.Err())
}
