// Package recovery implements the Respawn/Recovery Loop (spec §4.7): at
// startup it reconciles durable claims left behind by a prior process with
// the fact that no subprocess survives a restart, and it re-enqueues ready
// work. At runtime, a periodic sweep catches workers whose process died
// without the engine noticing, and resume_ticket_processing clears an
// on_hold ticket back into dispatch.
//
// Grounded on the teacher's Orchestrator.Initialize/runCycle pair, which
// on startup called state.CleanupOrphanedRunningAgents() once and then, every
// cycle, state.CleanupStaleRunningAgents(timeout) — the same
// startup-reconcile-once / recur-on-a-timer shape, generalized from an
// in-memory kanban.State sweep to a Store-backed one and from a raw
// time.Ticker to a robfig/cron schedule so the sweep cadence is
// configurable the way the rest of the pack configures periodic jobs.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/coldforge/ticketforge/internal/engineerr"
	"github.com/coldforge/ticketforge/internal/eventbus"
	"github.com/coldforge/ticketforge/internal/metrics"
	"github.com/coldforge/ticketforge/internal/model"
	"github.com/coldforge/ticketforge/internal/queue"
	"github.com/coldforge/ticketforge/internal/store"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Config tunes the recovery loop.
type Config struct {
	// NoRespawn mirrors the --no-respawn flag: when true, stale
	// in_progress tickets are still converted to open (the subprocess is
	// never recoverable across a restart either way — spec §4.7). The loop
	// does not read the field; reclaim, re-enqueue, logs and metrics are
	// the same whether or not it is set.
	NoRespawn bool
	// MaxRespawns bounds the per-ticket respawn counter before a ticket
	// is parked on_hold instead of thrashing through repeated claims.
	MaxRespawns int
	// StaleAfter is how long a worker record may sit "running" before
	// the periodic sweep treats it as abandoned.
	StaleAfter time.Duration
	// SweepSchedule is a standard 5-field cron expression for the
	// periodic stale-worker sweep.
	SweepSchedule string
}

// DefaultConfig matches SPEC_FULL.md's defaults: a 3-attempt respawn bound
// and a sweep every two minutes for workers stale past ten minutes.
func DefaultConfig() Config {
	return Config{
		MaxRespawns:   3,
		StaleAfter:    10 * time.Minute,
		SweepSchedule: "*/2 * * * *",
	}
}

// Loop owns startup reconciliation and the periodic sweep.
type Loop struct {
	store   *store.Store
	bus     *eventbus.Bus
	queue   *queue.Manager
	cfg     Config
	log     *zap.Logger
	cron    *cron.Cron
	metrics *metrics.Metrics
}

// New builds a Loop. m may be nil to skip metrics recording.
func New(s *store.Store, bus *eventbus.Bus, q *queue.Manager, cfg Config, log *zap.Logger, m *metrics.Metrics) *Loop {
	return &Loop{store: s, bus: bus, queue: q, cfg: cfg, log: log, metrics: m}
}

// RunStartupReconciliation implements spec §4.7's "At startup" policy: every
// in_progress ticket is reclaimed (no subprocess survives a restart) and
// every ready open ticket is enqueued.
func (l *Loop) RunStartupReconciliation(ctx context.Context, projects []*model.Project) error {
	workers, err := l.store.StaleWorkers(ctx, 0)
	if err != nil {
		return fmt.Errorf("list running workers at startup: %w", err)
	}
	for _, wr := range workers {
		if err := l.reclaim(ctx, wr); err != nil {
			l.log.Error("recovery: failed to reclaim worker at startup", zap.String("worker_id", wr.ID), zap.Error(err))
		}
	}

	for _, project := range projects {
		if err := l.enqueueReady(ctx, project.ID); err != nil {
			l.log.Error("recovery: failed to enqueue ready tickets", zap.String("project_id", project.ID), zap.Error(err))
		}
	}
	return nil
}

func (l *Loop) enqueueReady(ctx context.Context, projectID string) error {
	tickets, err := l.store.ListTickets(ctx, store.TicketFilter{ProjectID: projectID, State: model.StateOpen})
	if err != nil {
		return err
	}
	for _, t := range tickets {
		if t.DependencyStatus != model.DependencyReady {
			continue
		}
		if _, err := l.store.GetWorkerTypeByName(ctx, projectID, t.CurrentStage); err != nil {
			continue // no worker type for this stage yet; leave it pending
		}
		l.queue.Submit(projectID, t.CurrentStage, t.ID)
	}
	return nil
}

// reclaim marks a stale worker record failed, bumps the ticket's persisted
// respawn counter, and either re-enqueues it or — past MaxRespawns —
// parks it on_hold with a diagnostic event.
func (l *Loop) reclaim(ctx context.Context, wr *model.WorkerRecord) error {
	ticketID, respawnCount, err := l.store.ReconcileStaleWorker(ctx, wr.ID)
	if err != nil {
		return err
	}
	ticket, err := l.store.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if l.metrics != nil {
		l.metrics.RespawnsTotal.Inc()
	}

	if err := l.bus.Publish(ctx, &model.Event{
		Type:      model.EventWorkerStopped,
		ProjectID: ticket.ProjectID,
		TicketID:  ticket.ID,
		WorkerID:  wr.ID,
		Data:      map[string]any{"reason": "reclaimed: no live subprocess"},
	}); err != nil {
		return err
	}

	if respawnCount > l.cfg.MaxRespawns {
		if err := l.store.SetOnHold(ctx, ticket.ID); err != nil {
			return err
		}
		if l.metrics != nil {
			l.metrics.TicketsOnHold.Inc()
		}
		return l.bus.Publish(ctx, &model.Event{
			Type:      model.EventTicketOnHold,
			ProjectID: ticket.ProjectID,
			TicketID:  ticket.ID,
			Data:      map[string]any{"reason": fmt.Sprintf("exceeded %d respawns at stage %q", l.cfg.MaxRespawns, ticket.CurrentStage)},
		})
	}

	l.queue.Submit(ticket.ProjectID, ticket.CurrentStage, ticket.ID)
	return nil
}

// ResumeTicketProcessing implements the runtime resume_ticket_processing
// operation (spec §4.7, §6): it clears on_hold, optionally moves the
// ticket to a different stage in its plan, and re-enqueues it.
func (l *Loop) ResumeTicketProcessing(ctx context.Context, ticketID, stage string) error {
	ticket, err := l.store.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if stage != "" && stage != ticket.CurrentStage {
		if !ticket.InPlan(stage) {
			return &engineerr.ValidationError{Field: "stage", Reason: "must belong to the ticket's execution_plan"}
		}
		if err := l.store.AdvanceStage(ctx, ticketID, stage); err != nil {
			return err
		}
	} else {
		if err := l.store.ResumeTicketProcessing(ctx, ticketID); err != nil {
			return err
		}
	}
	targetStage := stage
	if targetStage == "" {
		targetStage = ticket.CurrentStage
	}
	l.queue.Submit(ticket.ProjectID, targetStage, ticketID)
	return nil
}

// Start schedules the periodic stale-worker sweep and begins running it.
func (l *Loop) Start(ctx context.Context, projects func() []*model.Project) error {
	l.cron = cron.New()
	_, err := l.cron.AddFunc(l.cfg.SweepSchedule, func() {
		l.sweep(ctx, projects())
	})
	if err != nil {
		return fmt.Errorf("schedule recovery sweep: %w", err)
	}
	l.cron.Start()
	return nil
}

// Stop halts the periodic sweep.
func (l *Loop) Stop() {
	if l.cron != nil {
		l.cron.Stop()
	}
}

func (l *Loop) sweep(ctx context.Context, projects []*model.Project) {
	workers, err := l.store.StaleWorkers(ctx, l.cfg.StaleAfter)
	if err != nil {
		l.log.Error("recovery: sweep failed to list stale workers", zap.Error(err))
		return
	}
	for _, wr := range workers {
		if err := l.reclaim(ctx, wr); err != nil {
			l.log.Error("recovery: sweep failed to reclaim worker", zap.String("worker_id", wr.ID), zap.Error(err))
		}
	}
	for _, project := range projects {
		if err := l.enqueueReady(ctx, project.ID); err != nil {
			l.log.Error("recovery: sweep failed to enqueue ready tickets", zap.String("project_id", project.ID), zap.Error(err))
		}
	}
}
