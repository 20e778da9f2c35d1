// Package outcome implements the Outcome Processor (spec §4.6): the pure
// translation from a claimed ticket snapshot plus a worker result into
// Store mutations and emitted events. It is the direct generalization of
// the teacher's runDevAgent/runReviewAgent/createSignoffReport pipeline in
// orchestrator.go, which inspected a dev or review agent's structured
// result and decided the next kanban status, appended a signoff comment,
// and queued the next agent — the same three-part shape (comment, state
// transition, re-enqueue) this package expresses generically over an
// arbitrary worker-defined execution_plan instead of a fixed dev->qa->ux->sec
// chain.
package outcome

import (
	"context"
	"fmt"

	"github.com/coldforge/ticketforge/internal/engineerr"
	"github.com/coldforge/ticketforge/internal/eventbus"
	"github.com/coldforge/ticketforge/internal/metrics"
	"github.com/coldforge/ticketforge/internal/model"
	"github.com/coldforge/ticketforge/internal/queue"
	"github.com/coldforge/ticketforge/internal/runner"
	"github.com/coldforge/ticketforge/internal/store"
	"github.com/coldforge/ticketforge/internal/ticketfsm"
	"go.uber.org/zap"
)

// Config tunes the retry bound resolving spec §5's Open Question on N.
type Config struct {
	// MaxStageRetries bounds consecutive parse/timeout/spawn failures for
	// the same (ticket, stage) before the ticket is placed on_hold
	// instead of endlessly re-enqueued. Default 3.
	MaxStageRetries int
}

// DefaultConfig matches SPEC_FULL.md §5's resolved default.
func DefaultConfig() Config { return Config{MaxStageRetries: 3} }

// Processor applies a Worker Runner result to the Store and publishes the
// resulting events.
type Processor struct {
	store   *store.Store
	bus     *eventbus.Bus
	queue   *queue.Manager
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics
}

// New builds a Processor. m may be nil to skip metrics recording.
func New(s *store.Store, bus *eventbus.Bus, q *queue.Manager, cfg Config, log *zap.Logger, m *metrics.Metrics) *Processor {
	return &Processor{store: s, bus: bus, queue: q, cfg: cfg, log: log, metrics: m}
}

// ProcessSuccess applies a successfully parsed worker Outcome (spec §4.6
// steps 1-6). ticket is the snapshot as claimed; worker is the
// WorkerRecord opened for this run.
func (p *Processor) ProcessSuccess(ctx context.Context, project *model.Project, ticket *model.Ticket, worker *model.WorkerRecord, out *runner.Outcome) error {
	if worker.TicketID != ticket.ID {
		return &engineerr.InvariantViolation{What: fmt.Sprintf("worker %s does not belong to ticket %s", worker.ID, ticket.ID)}
	}

	if err := p.store.RecordComment(ctx, &model.Comment{
		TicketID:   ticket.ID,
		Author:     worker.Stage,
		Stage:      ticket.CurrentStage,
		Body:       out.Comment,
		OutcomeRaw: out.Raw,
	}); err != nil {
		return err
	}
	if err := p.store.MarkWorkerTerminal(ctx, worker.ID, model.WorkerCompleted, out.Raw, ""); err != nil {
		return err
	}
	if err := p.store.ResetParseFailureCount(ctx, ticket.ID); err != nil {
		return err
	}

	switch out.Outcome {
	case runner.OutcomeNextStage:
		return p.handleAdvance(ctx, project, ticket, out, true)
	case runner.OutcomePrevStage:
		return p.handleAdvance(ctx, project, ticket, out, false)
	case runner.OutcomeCoordinatorAttention:
		return p.handleOnHold(ctx, ticket, out.Reason)
	default:
		return &engineerr.InvariantViolation{What: fmt.Sprintf("unvalidated outcome %q reached processor", out.Outcome)}
	}
}

func (p *Processor) handleAdvance(ctx context.Context, project *model.Project, ticket *model.Ticket, out *runner.Outcome, forward bool) error {
	plan := ticket.ExecutionPlan
	if len(out.PipelineUpdate) > 0 {
		visited, err := p.store.ListStageHistory(ctx, ticket.ID)
		if err != nil {
			return err
		}
		if !ticketfsm.PlanPreservesHistory(visited, out.PipelineUpdate) {
			p.log.Warn("outcome: pipeline_update rejected, history would be dropped", zap.String("ticket_id", ticket.ID))
			return p.handleOnHold(ctx, ticket, "pipeline_update conflicted with stage history")
		}
		plan = out.PipelineUpdate
		if err := p.store.UpdateExecutionPlan(ctx, ticket.ID, plan); err != nil {
			return err
		}
		ticket.ExecutionPlan = plan
	}

	if out.TargetStage == runner.CompletionSentinel {
		return p.handleClose(ctx, project, ticket, "completed")
	}
	if out.TargetStage == "" {
		return p.handleOnHold(ctx, ticket, "worker reported no target_stage")
	}
	if !ticket.InPlan(out.TargetStage) {
		return p.handleOnHold(ctx, ticket, fmt.Sprintf("target_stage %q is not a member of execution_plan", out.TargetStage))
	}
	// next_stage only requires target_stage to be a plan member (already
	// checked above); prev_stage additionally requires it to precede
	// current_stage in that plan (spec §4.6).
	if !forward {
		if prevPosition(plan, out.TargetStage) >= prevPosition(plan, ticket.CurrentStage) {
			return p.handleOnHold(ctx, ticket, fmt.Sprintf("target_stage %q does not precede current_stage %q", out.TargetStage, ticket.CurrentStage))
		}
	}

	if _, err := p.store.GetWorkerTypeByName(ctx, ticket.ProjectID, out.TargetStage); err != nil {
		if err := p.bus.Publish(ctx, &model.Event{
			Type:      model.EventWorkerMissingTypeError,
			ProjectID: ticket.ProjectID,
			TicketID:  ticket.ID,
			Data:      map[string]any{"stage": out.TargetStage},
		}); err != nil {
			return err
		}
		return p.handleOnHold(ctx, ticket, fmt.Sprintf("no worker type registered for stage %q", out.TargetStage))
	}

	if err := p.store.AdvanceStage(ctx, ticket.ID, out.TargetStage); err != nil {
		return err
	}
	if err := p.bus.Publish(ctx, &model.Event{
		Type:      model.EventTicketStageCompleted,
		ProjectID: ticket.ProjectID,
		TicketID:  ticket.ID,
		Data:      map[string]any{"from_stage": ticket.CurrentStage, "to_stage": out.TargetStage},
	}); err != nil {
		return err
	}
	if err := p.bus.Publish(ctx, &model.Event{
		Type:      model.EventTicketStageUpdated,
		ProjectID: ticket.ProjectID,
		TicketID:  ticket.ID,
		Data:      map[string]any{"stage": out.TargetStage},
	}); err != nil {
		return err
	}
	p.queue.Submit(ticket.ProjectID, out.TargetStage, ticket.ID)
	return nil
}

func prevPosition(plan []string, stage string) int {
	for i, s := range plan {
		if s == stage {
			return i
		}
	}
	return -1
}

func (p *Processor) handleOnHold(ctx context.Context, ticket *model.Ticket, reason string) error {
	if err := p.store.SetOnHold(ctx, ticket.ID); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.TicketsOnHold.Inc()
	}
	return p.bus.Publish(ctx, &model.Event{
		Type:      model.EventTicketOnHold,
		ProjectID: ticket.ProjectID,
		TicketID:  ticket.ID,
		Data:      map[string]any{"reason": reason},
	})
}

func (p *Processor) handleClose(ctx context.Context, project *model.Project, ticket *model.Ticket, reason string) error {
	if !ticketfsm.CanClose(ticket) {
		// A worker claimed to be at the final stage but the ticket's
		// plan disagrees (can happen after a pipeline_update race);
		// fall back to coordinator attention rather than violate the
		// closed-is-terminal invariant on bad input.
		return p.handleOnHold(ctx, ticket, "outcome claimed completion but ticket is not at its final stage")
	}
	if err := p.bus.Publish(ctx, &model.Event{
		Type:      model.EventTicketStageCompleted,
		ProjectID: ticket.ProjectID,
		TicketID:  ticket.ID,
		Data:      map[string]any{"from_stage": ticket.CurrentStage, "to_stage": ""},
	}); err != nil {
		return err
	}

	newlyReady, err := p.store.CloseTicket(ctx, ticket.ID, reason)
	if err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.TicketsClosed.Inc()
	}
	if err := p.bus.Publish(ctx, &model.Event{
		Type:      model.EventTicketClosed,
		ProjectID: ticket.ProjectID,
		TicketID:  ticket.ID,
		Data:      map[string]any{"reason": reason},
	}); err != nil {
		return err
	}
	for _, childID := range newlyReady {
		child, err := p.store.GetTicket(ctx, childID)
		if err != nil {
			p.log.Error("outcome: failed to load newly-ready dependent", zap.String("ticket_id", childID), zap.Error(err))
			continue
		}
		if child.State != model.StateOpen {
			continue
		}
		if err := p.bus.Publish(ctx, &model.Event{
			Type:      model.EventTaskAssigned,
			ProjectID: child.ProjectID,
			TicketID:  child.ID,
			Data:      map[string]any{"reason": "dependency_satisfied"},
		}); err != nil {
			p.log.Error("outcome: failed to publish task_assigned", zap.Error(err))
		}
		p.queue.Submit(child.ProjectID, child.CurrentStage, child.ID)
	}
	return nil
}

// ProcessFailure applies a recoverable worker-subprocess failure (spec
// §4.6 step 4's failure branch): a system comment is recorded, the claim
// released, and the ticket re-enqueued at the same stage unless the
// persisted per-(ticket) failure counter has exceeded Config.MaxStageRetries,
// in which case the ticket is placed on_hold with a diagnostic event.
func (p *Processor) ProcessFailure(ctx context.Context, ticket *model.Ticket, worker *model.WorkerRecord, failErr error) error {
	explanation, status := Explain(failErr)

	if err := p.store.RecordComment(ctx, &model.Comment{
		TicketID: ticket.ID,
		Author:   "system",
		Stage:    ticket.CurrentStage,
		Body:     explanation,
	}); err != nil {
		return err
	}

	count, err := p.store.IncrementParseFailureCount(ctx, ticket.ID)
	if err != nil {
		return err
	}
	if count > p.cfg.MaxStageRetries {
		if err := p.store.MarkWorkerTerminal(ctx, worker.ID, status, "", explanation); err != nil {
			return err
		}
		if err := p.store.SetOnHold(ctx, ticket.ID); err != nil {
			return err
		}
		if p.metrics != nil {
			p.metrics.TicketsOnHold.Inc()
		}
		return p.bus.Publish(ctx, &model.Event{
			Type:      model.EventTicketOnHold,
			ProjectID: ticket.ProjectID,
			TicketID:  ticket.ID,
			Data:      map[string]any{"reason": fmt.Sprintf("exceeded %d retries at stage %q: %s", p.cfg.MaxStageRetries, ticket.CurrentStage, explanation)},
		})
	}

	if err := p.store.ReleaseClaim(ctx, worker.ID, status, "", explanation); err != nil {
		return err
	}
	if err := p.bus.Publish(ctx, &model.Event{
		Type:      model.EventTicketReleased,
		ProjectID: ticket.ProjectID,
		TicketID:  ticket.ID,
		WorkerID:  worker.ID,
	}); err != nil {
		return err
	}
	p.queue.Submit(ticket.ProjectID, ticket.CurrentStage, ticket.ID)
	return nil
}

// Explain maps a worker-run error into a human-readable explanation and the
// terminal WorkerStatus it implies. Exported so the engine's Dispatch can
// reuse it to annotate the consolidated worker_stopped event on failure.
func Explain(err error) (string, model.WorkerStatus) {
	switch e := err.(type) {
	case *engineerr.WorkerTimedOut:
		return fmt.Sprintf("worker timed out: %s", e.Timeout), model.WorkerTimedOut
	case *engineerr.WorkerNonZeroExit:
		return fmt.Sprintf("worker exited with code %d: %s", e.Code, e.StderrExcerpt), model.WorkerFailed
	case *engineerr.WorkerParseError:
		return fmt.Sprintf("could not parse worker output: %s", e.Details), model.WorkerFailed
	case *engineerr.SpawnFailed:
		return fmt.Sprintf("could not spawn worker: %v", e.Err), model.WorkerFailed
	default:
		return fmt.Sprintf("worker failed: %v", err), model.WorkerFailed
	}
}
