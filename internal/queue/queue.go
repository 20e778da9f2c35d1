// Package queue implements the Queue Manager (spec §4.4): one bounded FIFO
// per (project, stage) pair, each with exactly one consumer goroutine,
// created lazily on first submit and kept alive for the engine's lifetime.
// Lifecycle management follows the teacher's goroutine-per-worker-loop
// style, generalized from a single background-agent ticker to an
// errgroup-supervised pool of per-queue consumers (golang.org/x/sync/errgroup),
// which is how the rest of the retrieval pack manages long-lived worker
// goroutines that must all be cancellable together.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/coldforge/ticketforge/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Dispatcher is supplied by the engine: given a (project, stage) it claims a
// ticket, runs the worker and processes the outcome, returning once that one
// run (including any immediate re-enqueue) is complete.
type Dispatcher interface {
	Dispatch(ctx context.Context, projectID, stage string) (claimed bool, err error)
}

type stageKey struct {
	projectID string
	stage     string
}

type stageQueue struct {
	key     stageKey
	pending chan string
	queued  map[string]bool // dedupe set, guarded by Manager.mu
}

// Manager owns every (project, stage) queue.
type Manager struct {
	log        *zap.Logger
	dispatcher Dispatcher
	metrics    *metrics.Metrics

	mu     sync.Mutex
	queues map[stageKey]*stageQueue

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// QueueDepth bounds how many pending ticket IDs a single stage queue can
// hold before Submit blocks; generous enough that a burst of ticket
// creation doesn't stall the coordinator, small enough to bound memory.
const QueueDepth = 4096

// NewManager constructs a Manager. Start must be called before Submit. m
// may be nil to skip metrics recording (used by tests).
func NewManager(dispatcher Dispatcher, log *zap.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		dispatcher: dispatcher,
		log:        log,
		metrics:    m,
		queues:     make(map[stageKey]*stageQueue),
	}
}

// Start prepares the Manager's lifecycle context. Queue consumer
// goroutines are spawned lazily as stages are first submitted to.
func (m *Manager) Start(ctx context.Context) {
	gctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(gctx)
	m.ctx, m.cancel, m.group = gctx, cancel, group
}

// Stop cancels every consumer loop and waits for them to exit.
func (m *Manager) Stop() error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	return m.group.Wait()
}

// Submit idempotently enqueues ticketID for (projectID, stage). A ticket
// already queued for that pair is a no-op, matching spec §4.4's
// dedupe-by-ticket-ID contract. The consumer goroutine for this pair is
// started on first use.
func (m *Manager) Submit(projectID, stage, ticketID string) {
	key := stageKey{projectID, stage}

	m.mu.Lock()
	q, ok := m.queues[key]
	if !ok {
		q = &stageQueue{key: key, pending: make(chan string, QueueDepth), queued: make(map[string]bool)}
		m.queues[key] = q
		m.group.Go(func() error {
			m.consumerLoop(q)
			return nil
		})
	}
	if q.queued[ticketID] {
		m.mu.Unlock()
		return
	}
	q.queued[ticketID] = true
	depth := len(q.queued)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.QueueDepth.WithLabelValues(projectID, stage).Set(float64(depth))
	}

	select {
	case q.pending <- ticketID:
	case <-m.ctx.Done():
	}
}

// consumerLoop repeatedly pops a ticket ID and asks the dispatcher to
// claim-and-run it (spec §4.4's consumer_loop). A failed claim (ticket
// already claimed, became blocked, or closed between enqueue and pop) is
// dropped silently — the ticket simply isn't dispatched this time.
func (m *Manager) consumerLoop(q *stageQueue) {
	for {
		select {
		case <-m.ctx.Done():
			return
		case ticketID := <-q.pending:
			m.mu.Lock()
			delete(q.queued, ticketID)
			depth := len(q.queued)
			m.mu.Unlock()
			if m.metrics != nil {
				m.metrics.QueueDepth.WithLabelValues(q.key.projectID, q.key.stage).Set(float64(depth))
			}

			claimed, err := m.dispatcher.Dispatch(m.ctx, q.key.projectID, q.key.stage)
			if err != nil {
				m.log.Error("queue: dispatch failed",
					zap.String("project_id", q.key.projectID),
					zap.String("stage", q.key.stage),
					zap.String("ticket_id", ticketID),
					zap.Error(err))
				continue
			}
			if !claimed {
				m.log.Debug("queue: ticket no longer claimable, dropped",
					zap.String("ticket_id", ticketID))
			}
		}
	}
}

// Key renders a (project, stage) pair for logging.
func Key(projectID, stage string) string {
	return fmt.Sprintf("%s/%s", projectID, stage)
}

// ActiveQueues reports the set of (project, stage) pairs with a live
// consumer, used by diagnostics and tests.
func (m *Manager) ActiveQueues() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.queues))
	for k := range m.queues {
		out = append(out, Key(k.projectID, k.stage))
	}
	return out
}
