// Package engine wires the Store, Event Bus, Queue Manager, Worker Runner,
// Outcome Processor, and Recovery Loop together and exposes every External
// Interfaces operation from spec §6 as a Go method. It is the generalized
// replacement for the teacher's Orchestrator: where Orchestrator owned a
// fixed dev->qa->ux->security kanban pipeline and a single ticker-driven
// runCycle, Engine owns an arbitrary per-ticket execution_plan and reacts
// to work via the Queue Manager's per-(project,stage) consumers instead of
// a global polling loop.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/coldforge/ticketforge/internal/engineerr"
	"github.com/coldforge/ticketforge/internal/eventbus"
	"github.com/coldforge/ticketforge/internal/metrics"
	"github.com/coldforge/ticketforge/internal/model"
	"github.com/coldforge/ticketforge/internal/outcome"
	"github.com/coldforge/ticketforge/internal/queue"
	"github.com/coldforge/ticketforge/internal/recovery"
	"github.com/coldforge/ticketforge/internal/runner"
	"github.com/coldforge/ticketforge/internal/store"
	"go.uber.org/zap"
)

// WorkerRunner is the subset of *runner.Runner the engine depends on.
// Extracted as an interface, the way the teacher's Orchestrator depends on
// agents.AgentSpawner rather than a concrete spawner, so tests can supply a
// stub worker instead of launching real subprocesses.
type WorkerRunner interface {
	Run(ctx context.Context, workDir, prompt string) (*runner.Outcome, error)
}

// Config bundles the engine's tunables, mirroring the teacher's
// Config struct (MaxParallelAgents, AgentTimeout, CycleInterval, Verbose)
// but reshaped around per-stage queues instead of a global agent cap.
type Config struct {
	WorkerTimeout    time.Duration
	WorkerBinary     string
	PermissionFlag   string
	MaxStageRetries  int
	Recovery         recovery.Config
	Verbose          bool
}

// DefaultConfig matches SPEC_FULL.md's resolved defaults.
func DefaultConfig() Config {
	return Config{
		WorkerTimeout:   10 * time.Minute,
		WorkerBinary:    "claude",
		PermissionFlag:  "--dangerously-skip-permissions",
		MaxStageRetries: 3,
		Recovery:        recovery.DefaultConfig(),
	}
}

// Engine is the coordination core.
type Engine struct {
	store   *store.Store
	bus     *eventbus.Bus
	queue   *queue.Manager
	run     WorkerRunner
	proc    *outcome.Processor
	recov   *recovery.Loop
	metrics *metrics.Metrics
	log     *zap.Logger
	cfg     Config
}

// New constructs an Engine from an already-migrated Store, spawning real
// worker subprocesses via internal/runner. m may be nil, in which case
// metrics are not recorded (used by tests that don't register a registry).
func New(s *store.Store, log *zap.Logger, cfg Config, m *metrics.Metrics) *Engine {
	e := newEngine(s, log, cfg, m)
	e.run = runner.New(runner.Config{
		BinaryPath:     cfg.WorkerBinary,
		Timeout:        cfg.WorkerTimeout,
		PermissionFlag: cfg.PermissionFlag,
	})
	return e
}

// NewWithRunner builds an Engine around a caller-supplied WorkerRunner,
// letting tests substitute a stub worker for the real subprocess spawner.
func NewWithRunner(s *store.Store, log *zap.Logger, cfg Config, m *metrics.Metrics, run WorkerRunner) *Engine {
	e := newEngine(s, log, cfg, m)
	e.run = run
	return e
}

func newEngine(s *store.Store, log *zap.Logger, cfg Config, m *metrics.Metrics) *Engine {
	bus := eventbus.New(s, log)
	e := &Engine{
		store:   s,
		bus:     bus,
		log:     log,
		cfg:     cfg,
		metrics: m,
	}
	e.queue = queue.NewManager(e, log, m)
	e.proc = outcome.New(s, bus, e.queue, outcome.Config{MaxStageRetries: cfg.MaxStageRetries}, log, m)
	e.recov = recovery.New(s, bus, e.queue, cfg.Recovery, log, m)
	return e
}

// Bus exposes the event bus for transport-layer subscription.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// Start begins queue consumers, runs startup recovery reconciliation, and
// schedules the periodic stale-worker sweep.
func (e *Engine) Start(ctx context.Context) error {
	e.queue.Start(ctx)

	projects, err := e.store.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects at startup: %w", err)
	}
	if err := e.recov.RunStartupReconciliation(ctx, projects); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	return e.recov.Start(ctx, func() []*model.Project {
		ps, err := e.store.ListProjects(context.Background())
		if err != nil {
			e.log.Error("engine: failed to list projects for sweep", zap.Error(err))
			return nil
		}
		return ps
	})
}

// Stop cancels queue consumers and the recovery sweep.
func (e *Engine) Stop() error {
	e.recov.Stop()
	return e.queue.Stop()
}

// Dispatch implements queue.Dispatcher: claim one ticket for (projectID,
// stage) and, if successful, run its worker and process the outcome
// synchronously on this consumer goroutine — the per-stage single-consumer
// guarantee from spec §4.4 is what keeps this from racing itself.
func (e *Engine) Dispatch(ctx context.Context, projectID, stage string) (bool, error) {
	ticket, worker, err := e.store.ClaimTicket(ctx, projectID, stage)
	if err != nil {
		return false, err
	}
	if ticket == nil {
		return false, nil
	}

	if err := e.bus.Publish(ctx, &model.Event{
		Type:      model.EventTicketClaimed,
		ProjectID: projectID,
		TicketID:  ticket.ID,
		WorkerID:  worker.ID,
	}); err != nil {
		e.log.Error("engine: failed to publish ticket_claimed", zap.Error(err))
	}

	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return true, err
	}
	wt, err := e.store.GetWorkerTypeByName(ctx, projectID, stage)
	if err != nil {
		// Invariant per spec §3: a stage referenced by a ticket's
		// pipeline must have a worker type by the time a worker is
		// spawned. It was checked before enqueue, but a worker type
		// can be deleted in the window between enqueue and claim.
		if failErr := e.proc.ProcessFailure(ctx, ticket, worker, &engineerr.WorkerParseError{Details: fmt.Sprintf("worker type %q no longer exists", stage)}); failErr != nil {
			return true, failErr
		}
		return true, nil
	}

	rules, patterns, err := e.store.GetProjectRulesAndPatterns(ctx, projectID)
	if err != nil {
		return true, err
	}
	comments, err := e.store.ListComments(ctx, ticket.ID)
	if err != nil {
		return true, err
	}

	prompt := runner.ComposePrompt(runner.PromptInput{
		ProjectRules:    rules,
		ProjectPatterns: patterns,
		SystemPrompt:    wt.SystemPrompt,
		Ticket:          ticket,
		Comments:        comments,
	})

	if e.metrics != nil {
		e.metrics.WorkersSpawned.WithLabelValues(stage).Inc()
	}
	started := time.Now()
	out, runErr := e.run.Run(ctx, project.Path, prompt)
	if e.metrics != nil {
		e.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
	}

	stoppedEvent := &model.Event{
		Type:      model.EventWorkerStopped,
		ProjectID: projectID,
		TicketID:  ticket.ID,
		WorkerID:  worker.ID,
	}
	if runErr != nil {
		explanation, _ := outcome.Explain(runErr)
		stoppedEvent.Data = map[string]any{"error": explanation}
	}
	if err := e.bus.Publish(ctx, stoppedEvent); err != nil {
		e.log.Error("engine: failed to publish worker_stopped", zap.Error(err))
	}

	if runErr != nil {
		if e.metrics != nil {
			e.metrics.WorkerOutcomes.WithLabelValues(stage, "failure").Inc()
		}
		return true, e.proc.ProcessFailure(ctx, ticket, worker, runErr)
	}
	if e.metrics != nil {
		e.metrics.WorkerOutcomes.WithLabelValues(stage, out.Outcome).Inc()
	}
	return true, e.proc.ProcessSuccess(ctx, project, ticket, worker, out)
}

// --- External Interfaces (spec §6) ---

// CreateProject validates and registers a project.
func (e *Engine) CreateProject(ctx context.Context, p *model.Project) error {
	if err := e.store.CreateProject(ctx, p); err != nil {
		return err
	}
	return e.bus.Publish(ctx, &model.Event{Type: model.EventProjectCreated, ProjectID: p.ID})
}

// GetProject fetches a project by ID.
func (e *Engine) GetProject(ctx context.Context, id string) (*model.Project, error) {
	return e.store.GetProject(ctx, id)
}

// ListProjects lists every project.
func (e *Engine) ListProjects(ctx context.Context) ([]*model.Project, error) {
	return e.store.ListProjects(ctx)
}

// UpdateProject updates a project's rules/patterns.
func (e *Engine) UpdateProject(ctx context.Context, projectID, rules, patterns string) error {
	return e.store.UpdateProjectRulesAndPatterns(ctx, projectID, rules, patterns)
}

// DeleteProject removes a project and everything scoped to it.
func (e *Engine) DeleteProject(ctx context.Context, id string) error {
	if err := e.store.DeleteProject(ctx, id); err != nil {
		return err
	}
	return e.bus.Publish(ctx, &model.Event{Type: model.EventProjectDeleted, ProjectID: id})
}

// CreateWorkerType registers a stage definition.
func (e *Engine) CreateWorkerType(ctx context.Context, wt *model.WorkerType) error {
	if err := e.store.CreateWorkerType(ctx, wt); err != nil {
		return err
	}
	return e.bus.Publish(ctx, &model.Event{Type: model.EventWorkerTypeCreated, ProjectID: wt.ProjectID, Data: map[string]any{"name": wt.Name}})
}

// ListWorkerTypes lists a project's worker types.
func (e *Engine) ListWorkerTypes(ctx context.Context, projectID string) ([]*model.WorkerType, error) {
	return e.store.ListWorkerTypes(ctx, projectID)
}

// GetWorkerType fetches a worker type by ID.
func (e *Engine) GetWorkerType(ctx context.Context, id string) (*model.WorkerType, error) {
	return e.store.GetWorkerType(ctx, id)
}

// UpdateWorkerType updates a worker type's prompt/template.
func (e *Engine) UpdateWorkerType(ctx context.Context, wt *model.WorkerType) error {
	if err := e.store.UpdateWorkerType(ctx, wt); err != nil {
		return err
	}
	return e.bus.Publish(ctx, &model.Event{Type: model.EventWorkerTypeUpdated, ProjectID: wt.ProjectID, Data: map[string]any{"name": wt.Name}})
}

// DeleteWorkerType removes a worker type.
func (e *Engine) DeleteWorkerType(ctx context.Context, projectID, id string) error {
	if err := e.store.DeleteWorkerType(ctx, id); err != nil {
		return err
	}
	return e.bus.Publish(ctx, &model.Event{Type: model.EventWorkerTypeDeleted, ProjectID: projectID})
}

// CreateTicket creates a ticket and enqueues it into its initial stage.
func (e *Engine) CreateTicket(ctx context.Context, projectID string, t *model.Ticket) error {
	t.ProjectID = projectID
	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := e.store.CreateTicket(ctx, t, project.ProjectPrefix); err != nil {
		return err
	}
	if err := e.bus.Publish(ctx, &model.Event{Type: model.EventTicketCreated, ProjectID: projectID, TicketID: t.ID}); err != nil {
		return err
	}
	if err := e.bus.Publish(ctx, &model.Event{Type: model.EventTaskAssigned, ProjectID: projectID, TicketID: t.ID, Data: map[string]any{"reason": "created"}}); err != nil {
		return err
	}
	e.queue.Submit(projectID, t.CurrentStage, t.ID)
	return nil
}

// GetTicket fetches a ticket by ID.
func (e *Engine) GetTicket(ctx context.Context, id string) (*model.Ticket, error) {
	return e.store.GetTicket(ctx, id)
}

// ListTickets lists tickets matching filter.
func (e *Engine) ListTickets(ctx context.Context, f store.TicketFilter) ([]*model.Ticket, error) {
	return e.store.ListTickets(ctx, f)
}

// GetTicketsByStage lists a project's tickets at a given stage, in any state.
func (e *Engine) GetTicketsByStage(ctx context.Context, projectID, stage string) ([]*model.Ticket, error) {
	return e.store.ListTickets(ctx, store.TicketFilter{ProjectID: projectID, Stage: stage})
}

// AddTicketComment appends a coordinator-authored comment.
func (e *Engine) AddTicketComment(ctx context.Context, ticketID, body string) error {
	return e.store.RecordComment(ctx, &model.Comment{TicketID: ticketID, Author: "coordinator", Body: body})
}

// CloseTicket closes a ticket outside the worker-outcome path (coordinator
// override) and re-enqueues any dependents that become ready.
func (e *Engine) CloseTicket(ctx context.Context, ticketID, reason string) error {
	newlyReady, err := e.store.CloseTicket(ctx, ticketID, reason)
	if err != nil {
		return err
	}
	ticket, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if err := e.bus.Publish(ctx, &model.Event{Type: model.EventTicketClosed, ProjectID: ticket.ProjectID, TicketID: ticketID, Data: map[string]any{"reason": reason}}); err != nil {
		return err
	}
	for _, childID := range newlyReady {
		child, err := e.store.GetTicket(ctx, childID)
		if err != nil {
			continue
		}
		e.queue.Submit(child.ProjectID, child.CurrentStage, child.ID)
	}
	return nil
}

// ResumeTicketProcessing clears on_hold and re-enqueues a ticket.
func (e *Engine) ResumeTicketProcessing(ctx context.Context, ticketID, stage string) error {
	return e.recov.ResumeTicketProcessing(ctx, ticketID, stage)
}

// AddTicketDependency records a child->parent dependency edge.
func (e *Engine) AddTicketDependency(ctx context.Context, childID, parentID string) error {
	return e.store.AddTicketDependency(ctx, childID, parentID)
}

// RemoveTicketDependency deletes a dependency edge.
func (e *Engine) RemoveTicketDependency(ctx context.Context, childID, parentID string) error {
	return e.store.RemoveTicketDependency(ctx, childID, parentID)
}

// DependencyGraph is the read model for get_dependency_graph.
type DependencyGraph struct {
	TicketID string   `json:"ticket_id"`
	Parents  []string `json:"parents"`
	Children []string `json:"children"`
}

// GetDependencyGraph returns a ticket's direct parents and children.
func (e *Engine) GetDependencyGraph(ctx context.Context, ticketID string) (*DependencyGraph, error) {
	parents, err := e.store.ListParents(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	children, err := e.store.ListChildren(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	return &DependencyGraph{TicketID: ticketID, Parents: parents, Children: children}, nil
}

// ListReadyTickets lists open, dependency-ready tickets for a project.
func (e *Engine) ListReadyTickets(ctx context.Context, projectID string) ([]*model.Ticket, error) {
	tickets, err := e.store.ListTickets(ctx, store.TicketFilter{ProjectID: projectID, State: model.StateOpen})
	if err != nil {
		return nil, err
	}
	var ready []*model.Ticket
	for _, t := range tickets {
		if t.DependencyStatus == model.DependencyReady {
			ready = append(ready, t)
		}
	}
	return ready, nil
}

// ListBlockedTickets lists tickets whose dependencies are unsatisfied.
func (e *Engine) ListBlockedTickets(ctx context.Context, projectID string) ([]*model.Ticket, error) {
	tickets, err := e.store.ListTickets(ctx, store.TicketFilter{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	var blocked []*model.Ticket
	for _, t := range tickets {
		if t.DependencyStatus == model.DependencyBlocked {
			blocked = append(blocked, t)
		}
	}
	return blocked, nil
}

// ListEvents lists persisted events matching filter.
func (e *Engine) ListEvents(ctx context.Context, f store.EventFilter) ([]*model.Event, error) {
	return e.bus.ListEvents(ctx, f)
}

// ResolveEvent marks an event processed.
func (e *Engine) ResolveEvent(ctx context.Context, id int64) error {
	return e.bus.Resolve(ctx, id)
}
