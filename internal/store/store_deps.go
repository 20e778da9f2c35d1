package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/coldforge/ticketforge/internal/engineerr"
	"github.com/coldforge/ticketforge/internal/model"
)

// AddTicketDependency records that child depends on parent, rejecting a
// dependency that would create a cycle and recomputing the child's
// dependency_status.
func (s *Store) AddTicketDependency(ctx context.Context, childID, parentID string) error {
	if childID == parentID {
		return &engineerr.ValidationError{Field: "parent_ticket_id", Reason: "a ticket cannot depend on itself"}
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		cyclic, err := reachable(ctx, tx, parentID, childID)
		if err != nil {
			return err
		}
		if cyclic {
			return &engineerr.ValidationError{Field: "parent_ticket_id", Reason: "would create a dependency cycle"}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ticket_dependencies (child_ticket_id, parent_ticket_id, created_at) VALUES (?, ?, ?)
		`, childID, parentID, time.Now().UTC()); err != nil {
			return err
		}

		ready, err := dependenciesSatisfied(ctx, tx, childID)
		if err != nil {
			return err
		}
		status := model.DependencyBlocked
		if ready {
			status = model.DependencyReady
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tickets SET dependency_status = ?, updated_at = ? WHERE id = ?
		`, string(status), time.Now().UTC(), childID)
		return err
	})
}

// reachable reports whether target is reachable from start by walking
// parent-of edges, i.e. whether adding start->target as a new
// child->parent edge would close a cycle.
func reachable(ctx context.Context, tx *sql.Tx, start, target string) (bool, error) {
	visited := map[string]bool{start: true}
	frontier := []string{start}
	for len(frontier) > 0 {
		if visited[target] {
			return true, nil
		}
		current := frontier[0]
		frontier = frontier[1:]
		rows, err := tx.QueryContext(ctx, `SELECT parent_ticket_id FROM ticket_dependencies WHERE child_ticket_id = ?`, current)
		if err != nil {
			return false, err
		}
		var next []string
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return false, err
			}
			next = append(next, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return false, err
		}
		for _, p := range next {
			if !visited[p] {
				visited[p] = true
				frontier = append(frontier, p)
			}
		}
	}
	return visited[target], nil
}

// RemoveTicketDependency deletes an edge and recomputes the child's
// dependency_status, which may flip it from blocked to ready.
func (s *Store) RemoveTicketDependency(ctx context.Context, childID, parentID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM ticket_dependencies WHERE child_ticket_id = ? AND parent_ticket_id = ?
		`, childID, parentID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &engineerr.ValidationError{Field: "parent_ticket_id", Reason: "no such dependency"}
		}
		ready, err := dependenciesSatisfied(ctx, tx, childID)
		if err != nil {
			return err
		}
		status := model.DependencyBlocked
		if ready {
			status = model.DependencyReady
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tickets SET dependency_status = ?, updated_at = ? WHERE id = ?
		`, string(status), time.Now().UTC(), childID)
		return err
	})
}

// ListParents returns the tickets a given ticket depends on.
func (s *Store) ListParents(ctx context.Context, ticketID string) ([]string, error) {
	return queryStrings(ctx, s.db.DB, `
		SELECT parent_ticket_id FROM ticket_dependencies WHERE child_ticket_id = ? ORDER BY created_at ASC
	`, ticketID)
}

// ListChildren returns the tickets that depend on a given ticket.
func (s *Store) ListChildren(ctx context.Context, ticketID string) ([]string, error) {
	return queryStrings(ctx, s.db.DB, `
		SELECT child_ticket_id FROM ticket_dependencies WHERE parent_ticket_id = ? ORDER BY created_at ASC
	`, ticketID)
}

// UnclosedParents returns the parent IDs of ticketID that are not yet
// closed, the detail carried by engineerr.DependencyError.
func (s *Store) UnclosedParents(ctx context.Context, ticketID string) ([]string, error) {
	return queryStrings(ctx, s.db.DB, `
		SELECT d.parent_ticket_id FROM ticket_dependencies d
		JOIN tickets p ON p.id = d.parent_ticket_id
		WHERE d.child_ticket_id = ? AND p.state != ?
		ORDER BY d.created_at ASC
	`, ticketID, string(model.StateClosed))
}

func queryStrings(ctx context.Context, db *sql.DB, q string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapStorage("query_strings", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, wrapStorage("query_strings", err)
		}
		out = append(out, v)
	}
	return out, wrapStorage("query_strings", rows.Err())
}

// StaleWorkers returns worker records still marked running, used by the
// recovery loop at startup and by the periodic stale-worker sweep to find
// claims that outlived their owning process.
func (s *Store) StaleWorkers(ctx context.Context, olderThan time.Duration) ([]*model.WorkerRecord, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ticket_id, stage, pid, started_at, status FROM workers
		WHERE status = ? AND started_at < ?
		ORDER BY started_at ASC
	`, string(model.WorkerRunning), cutoff)
	if err != nil {
		return nil, wrapStorage("stale_workers", err)
	}
	defer rows.Close()

	var out []*model.WorkerRecord
	for rows.Next() {
		var wr model.WorkerRecord
		var status string
		if err := rows.Scan(&wr.ID, &wr.TicketID, &wr.Stage, &wr.PID, &wr.StartedAt, &status); err != nil {
			return nil, wrapStorage("stale_workers", err)
		}
		wr.Status = model.WorkerStatus(status)
		out = append(out, &wr)
	}
	return out, wrapStorage("stale_workers", rows.Err())
}

// ReconcileStaleWorker marks a stale worker record failed and reopens its
// ticket so it re-enters dispatch, bumping the ticket's persisted respawn
// counter in the same transaction (spec §4.7).
func (s *Store) ReconcileStaleWorker(ctx context.Context, workerID string) (ticketID string, respawnCount int, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT ticket_id FROM workers WHERE id = ? AND status = ?`, workerID, string(model.WorkerRunning))
		if scanErr := row.Scan(&ticketID); scanErr != nil {
			return scanErr
		}
		now := time.Now().UTC()
		if _, execErr := tx.ExecContext(ctx, `
			UPDATE workers SET status = ?, ended_at = ?, error = ? WHERE id = ?
		`, string(model.WorkerFailed), now, "reclaimed by recovery: stale claim", workerID); execErr != nil {
			return execErr
		}
		if _, execErr := tx.ExecContext(ctx, `
			UPDATE tickets SET state = ?, respawn_count = respawn_count + 1, updated_at = ? WHERE id = ?
		`, string(model.StateOpen), now, ticketID); execErr != nil {
			return execErr
		}
		return tx.QueryRowContext(ctx, `SELECT respawn_count FROM tickets WHERE id = ?`, ticketID).Scan(&respawnCount)
	})
	if err != nil {
		return "", 0, wrapStorage(fmt.Sprintf("reconcile_stale_worker(%s)", workerID), err)
	}
	return ticketID, respawnCount, nil
}
