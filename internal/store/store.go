package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/coldforge/ticketforge/internal/engineerr"
	"github.com/coldforge/ticketforge/internal/model"
	"github.com/google/uuid"
)

// Store is the typed persistence API described in spec §4.1 and §6. Every
// exported method opens at most one transaction and leaves the database in
// a consistent state whether it commits or rolls back.
type Store struct {
	db *DB
}

// NewStore wraps an already-migrated DB.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &engineerr.StorageError{Op: op, Err: err, Retryable: isRetryable(err)}
}

func isRetryable(err error) bool {
	return errors.Is(err, sql.ErrTxDone) || strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "database is busy")
}

// maxTransientRetries bounds the exponential backoff retry spec §4.1 and
// §7 require for transient storage errors ("database is locked" under
// SQLite's single-writer model); a persistent error is never retried and
// is surfaced on the first attempt.
const maxTransientRetries = 5

// backoffDelay returns the retry wait for the given zero-based attempt,
// doubling from a 5ms base and capping at 200ms.
func backoffDelay(attempt int) time.Duration {
	d := 5 * time.Millisecond
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > 200*time.Millisecond {
			return 200 * time.Millisecond
		}
	}
	return d
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Projects ---

var prefixLetters = regexp.MustCompile(`[A-Za-z]+`)

func derivePrefix(repositoryName string) string {
	words := prefixLetters.FindAllString(repositoryName, -1)
	var b strings.Builder
	for _, w := range words {
		r := []rune(w)
		b.WriteRune(unicode.ToUpper(r[0]))
	}
	prefix := b.String()
	if len(prefix) > 6 {
		prefix = prefix[:6]
	}
	if prefix == "" {
		prefix = "PRJ"
	}
	return prefix
}

// CreateProject validates the working directory exists, derives a unique
// project prefix from the repository name, and inserts the row.
func (s *Store) CreateProject(ctx context.Context, p *model.Project) error {
	if p.RepositoryName == "" {
		return &engineerr.ValidationError{Field: "repository_name", Reason: "required"}
	}
	info, err := os.Stat(p.Path)
	if err != nil || !info.IsDir() {
		return &engineerr.ValidationError{Field: "path", Reason: "must be an existing directory"}
	}

	p.ID = uuid.NewString()
	p.ProjectPrefix = derivePrefix(p.RepositoryName)
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	for attempt := 0; attempt < 5; attempt++ {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO projects (id, repository_name, path, project_prefix, rules, patterns, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, p.ID, p.RepositoryName, p.Path, p.ProjectPrefix, p.Rules, p.Patterns, p.CreatedAt, p.UpdatedAt)
		if err == nil {
			return nil
		}
		if isUniqueViolation(err) && strings.Contains(err.Error(), "project_prefix") {
			p.ProjectPrefix = fmt.Sprintf("%s%d", derivePrefix(p.RepositoryName), attempt+2)
			continue
		}
		if isUniqueViolation(err) {
			return &engineerr.ValidationError{Field: "repository_name", Reason: "already registered"}
		}
		return wrapStorage("create_project", err)
	}
	return &engineerr.ValidationError{Field: "repository_name", Reason: "could not derive unique project prefix"}
}

func scanProject(row interface{ Scan(...any) error }) (*model.Project, error) {
	var p model.Project
	var rules, patterns sql.NullString
	if err := row.Scan(&p.ID, &p.RepositoryName, &p.Path, &p.ProjectPrefix, &rules, &patterns, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Rules, p.Patterns = rules.String, patterns.String
	return &p, nil
}

// GetProject fetches a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*model.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repository_name, path, project_prefix, rules, patterns, created_at, updated_at
		FROM projects WHERE id = ?
	`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &engineerr.ValidationError{Field: "project_id", Reason: "unknown project"}
	}
	if err != nil {
		return nil, wrapStorage("get_project", err)
	}
	return p, nil
}

// ListProjects returns every registered project, oldest first.
func (s *Store) ListProjects(ctx context.Context) ([]*model.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repository_name, path, project_prefix, rules, patterns, created_at, updated_at
		FROM projects ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, wrapStorage("list_projects", err)
	}
	defer rows.Close()

	var out []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, wrapStorage("list_projects", err)
		}
		out = append(out, p)
	}
	return out, wrapStorage("list_projects", rows.Err())
}

// UpdateProjectRulesAndPatterns updates the free-text rules/patterns blobs
// threaded into every worker prompt (spec §4.5).
func (s *Store) UpdateProjectRulesAndPatterns(ctx context.Context, projectID, rules, patterns string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET rules = ?, patterns = ?, updated_at = ? WHERE id = ?
	`, rules, patterns, time.Now().UTC(), projectID)
	if err != nil {
		return wrapStorage("update_project", err)
	}
	return requireRowsAffected(res, "project_id", projectID)
}

// GetProjectRulesAndPatterns is the read-side half used when composing a
// worker prompt.
func (s *Store) GetProjectRulesAndPatterns(ctx context.Context, projectID string) (rules, patterns string, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT rules, patterns FROM projects WHERE id = ?`, projectID)
	var r, p sql.NullString
	if scanErr := row.Scan(&r, &p); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return "", "", &engineerr.ValidationError{Field: "project_id", Reason: "unknown project"}
		}
		return "", "", wrapStorage("get_project_rules", scanErr)
	}
	return r.String, p.String, nil
}

// DeleteProject removes a project and everything scoped to it.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return wrapStorage("delete_project", err)
	}
	return requireRowsAffected(res, "project_id", id)
}

func requireRowsAffected(res sql.Result, field, value string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapStorage("rows_affected", err)
	}
	if n == 0 {
		return &engineerr.ValidationError{Field: field, Reason: fmt.Sprintf("unknown %s %q", field, value)}
	}
	return nil
}

// --- Worker types ---

// CreateWorkerType registers a named stage definition under a project.
func (s *Store) CreateWorkerType(ctx context.Context, wt *model.WorkerType) error {
	if wt.Name == "" {
		return &engineerr.ValidationError{Field: "name", Reason: "required"}
	}
	if wt.SystemPrompt == "" {
		return &engineerr.ValidationError{Field: "system_prompt", Reason: "required"}
	}
	wt.ID = uuid.NewString()
	now := time.Now().UTC()
	wt.CreatedAt, wt.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_types (id, project_id, name, system_prompt, task_template, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, wt.ID, wt.ProjectID, wt.Name, wt.SystemPrompt, wt.TaskTemplate, wt.CreatedAt, wt.UpdatedAt)
	if isUniqueViolation(err) {
		return &engineerr.ValidationError{Field: "name", Reason: "already defined for this project"}
	}
	if err != nil {
		return wrapStorage("create_worker_type", err)
	}
	return nil
}

func scanWorkerType(row interface{ Scan(...any) error }) (*model.WorkerType, error) {
	var wt model.WorkerType
	var taskTemplate sql.NullString
	if err := row.Scan(&wt.ID, &wt.ProjectID, &wt.Name, &wt.SystemPrompt, &taskTemplate, &wt.CreatedAt, &wt.UpdatedAt); err != nil {
		return nil, err
	}
	wt.TaskTemplate = taskTemplate.String
	return &wt, nil
}

// GetWorkerType fetches a worker type by ID.
func (s *Store) GetWorkerType(ctx context.Context, id string) (*model.WorkerType, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, system_prompt, task_template, created_at, updated_at
		FROM worker_types WHERE id = ?
	`, id)
	wt, err := scanWorkerType(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &engineerr.ValidationError{Field: "worker_type_id", Reason: "unknown worker type"}
	}
	if err != nil {
		return nil, wrapStorage("get_worker_type", err)
	}
	return wt, nil
}

// GetWorkerTypeByName resolves a worker type within a project by its stage name.
func (s *Store) GetWorkerTypeByName(ctx context.Context, projectID, name string) (*model.WorkerType, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, system_prompt, task_template, created_at, updated_at
		FROM worker_types WHERE project_id = ? AND name = ?
	`, projectID, name)
	wt, err := scanWorkerType(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &engineerr.ValidationError{Field: "worker_type", Reason: fmt.Sprintf("no worker type named %q in this project", name)}
	}
	if err != nil {
		return nil, wrapStorage("get_worker_type_by_name", err)
	}
	return wt, nil
}

// ListWorkerTypes lists every worker type scoped to a project.
func (s *Store) ListWorkerTypes(ctx context.Context, projectID string) ([]*model.WorkerType, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, system_prompt, task_template, created_at, updated_at
		FROM worker_types WHERE project_id = ? ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, wrapStorage("list_worker_types", err)
	}
	defer rows.Close()

	var out []*model.WorkerType
	for rows.Next() {
		wt, err := scanWorkerType(rows)
		if err != nil {
			return nil, wrapStorage("list_worker_types", err)
		}
		out = append(out, wt)
	}
	return out, wrapStorage("list_worker_types", rows.Err())
}

// UpdateWorkerType updates the prompt/template fields of an existing worker type.
func (s *Store) UpdateWorkerType(ctx context.Context, wt *model.WorkerType) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE worker_types SET system_prompt = ?, task_template = ?, updated_at = ? WHERE id = ?
	`, wt.SystemPrompt, wt.TaskTemplate, time.Now().UTC(), wt.ID)
	if err != nil {
		return wrapStorage("update_worker_type", err)
	}
	return requireRowsAffected(res, "worker_type_id", wt.ID)
}

// DeleteWorkerType removes a worker type definition.
func (s *Store) DeleteWorkerType(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM worker_types WHERE id = ?`, id)
	if err != nil {
		return wrapStorage("delete_worker_type", err)
	}
	return requireRowsAffected(res, "worker_type_id", id)
}

// --- Events ---

// CreateEvent persists an event row; used both standalone and inside the
// same transaction as the mutation that produced it.
func (s *Store) CreateEvent(ctx context.Context, e *model.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	e.Timestamp = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (type, project_id, ticket_id, worker_id, data, timestamp, processed)
		VALUES (?, ?, ?, ?, ?, ?, 0)
	`, string(e.Type), nullableString(e.ProjectID), nullableString(e.TicketID), nullableString(e.WorkerID), string(data), e.Timestamp)
	if err != nil {
		return wrapStorage("create_event", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return wrapStorage("create_event", err)
	}
	e.ID = id
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanEvent(row interface{ Scan(...any) error }) (*model.Event, error) {
	var e model.Event
	var projectID, ticketID, workerID sql.NullString
	var data string
	var processed int
	if err := row.Scan(&e.ID, &e.Type, &projectID, &ticketID, &workerID, &data, &e.Timestamp, &processed); err != nil {
		return nil, err
	}
	e.ProjectID, e.TicketID, e.WorkerID = projectID.String, ticketID.String, workerID.String
	e.Processed = processed != 0
	if data != "" {
		_ = json.Unmarshal([]byte(data), &e.Data)
	}
	return &e, nil
}

// EventFilter narrows ListEvents. EventType, IncludeProcessed, and EventIDs
// mirror spec §6's list_events(filter = {event_type?, include_processed?,
// event_ids?, limit?}) exactly; ProjectID/TicketID/SinceID are this
// implementation's own additions for the transport layer's backlog replay
// and scoping, which the spec leaves unspecified rather than forbids.
type EventFilter struct {
	ProjectID string
	TicketID  string
	SinceID   int64
	Limit     int

	// EventType restricts to one event_type from spec §6's closed set; empty
	// means any.
	EventType model.EventType
	// IncludeProcessed includes events already marked processed via
	// resolve_event. Defaults to false: unprocessed-only, the common case
	// for a coordinator draining its inbox.
	IncludeProcessed bool
	// EventIDs, when non-empty, restricts the result to exactly these IDs
	// (spec §6's event_ids filter), ignoring SinceID/EventType/IncludeProcessed.
	EventIDs []int64
}

// ListEvents returns events matching filter in ascending ID order, the
// order the event bus replays persisted history in on subscriber catch-up.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]*model.Event, error) {
	if len(f.EventIDs) > 0 {
		return s.listEventsByID(ctx, f.EventIDs)
	}

	q := `SELECT id, type, project_id, ticket_id, worker_id, data, timestamp, processed FROM events WHERE id > ?`
	args := []any{f.SinceID}
	if f.ProjectID != "" {
		q += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.TicketID != "" {
		q += ` AND ticket_id = ?`
		args = append(args, f.TicketID)
	}
	if f.EventType != "" {
		q += ` AND type = ?`
		args = append(args, string(f.EventType))
	}
	if !f.IncludeProcessed {
		q += ` AND processed = 0`
	}
	q += ` ORDER BY id ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapStorage("list_events", err)
	}
	defer rows.Close()

	var out []*model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, wrapStorage("list_events", err)
		}
		out = append(out, e)
	}
	return out, wrapStorage("list_events", rows.Err())
}

// listEventsByID fetches an explicit set of event IDs (spec §6's event_ids
// filter), preserving ascending ID order regardless of the input order.
func (s *Store) listEventsByID(ctx context.Context, ids []int64) ([]*model.Event, error) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	q := `SELECT id, type, project_id, ticket_id, worker_id, data, timestamp, processed FROM events WHERE id IN (` +
		strings.Join(placeholders, ",") + `) ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapStorage("list_events", err)
	}
	defer rows.Close()

	var out []*model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, wrapStorage("list_events", err)
		}
		out = append(out, e)
	}
	return out, wrapStorage("list_events", rows.Err())
}

// ResolveEvent marks an event processed, used by consumers that track
// delivery against the persisted log rather than only the live channel.
func (s *Store) ResolveEvent(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET processed = 1 WHERE id = ?`, id)
	if err != nil {
		return wrapStorage("resolve_event", err)
	}
	return requireRowsAffected(res, "event_id", fmt.Sprintf("%d", id))
}
