package outcome

import (
	"context"
	"errors"
	"testing"

	"github.com/coldforge/ticketforge/internal/engineerr"
	"github.com/coldforge/ticketforge/internal/eventbus"
	"github.com/coldforge/ticketforge/internal/logging"
	"github.com/coldforge/ticketforge/internal/model"
	"github.com/coldforge/ticketforge/internal/queue"
	"github.com/coldforge/ticketforge/internal/runner"
	"github.com/coldforge/ticketforge/internal/store"
	"github.com/stretchr/testify/require"
)

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(ctx context.Context, projectID, stage string) (bool, error) {
	return false, nil
}

type testRig struct {
	store *store.Store
	bus   *eventbus.Bus
	queue *queue.Manager
	proc  *Processor
}

func newRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := store.NewStore(db)
	bus := eventbus.New(s, logging.Nop())
	q := queue.NewManager(noopDispatcher{}, logging.Nop(), nil)
	q.Start(context.Background())
	t.Cleanup(func() { q.Stop() })

	return &testRig{store: s, bus: bus, queue: q, proc: New(s, bus, q, cfg, logging.Nop(), nil)}
}

func (r *testRig) createProject(t *testing.T) *model.Project {
	t.Helper()
	p := &model.Project{RepositoryName: "acme", Path: t.TempDir()}
	require.NoError(t, r.store.CreateProject(context.Background(), p))
	return p
}

func (r *testRig) createWorkerType(t *testing.T, projectID, name string) {
	t.Helper()
	require.NoError(t, r.store.CreateWorkerType(context.Background(), &model.WorkerType{
		ProjectID: projectID, Name: name, SystemPrompt: "do the " + name + " work",
	}))
}

func (r *testRig) claimTicket(t *testing.T, p *model.Project, plan []string) (*model.Ticket, *model.WorkerRecord) {
	t.Helper()
	ctx := context.Background()
	tk := &model.Ticket{ProjectID: p.ID, Title: "ticket", ExecutionPlan: plan}
	require.NoError(t, r.store.CreateTicket(ctx, tk, p.ProjectPrefix))
	claimed, wr, err := r.store.ClaimTicket(ctx, p.ID, tk.CurrentStage)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	return claimed, wr
}

func TestProcessSuccessAdvancesToNextStage(t *testing.T) {
	r := newRig(t, DefaultConfig())
	p := r.createProject(t)
	r.createWorkerType(t, p.ID, "planning")
	r.createWorkerType(t, p.ID, "implementation")
	tk, wr := r.claimTicket(t, p, []string{"planning", "implementation"})

	out := &runner.Outcome{Outcome: runner.OutcomeNextStage, TargetStage: "implementation", Comment: "done planning", Reason: "ready"}
	require.NoError(t, r.proc.ProcessSuccess(context.Background(), p, tk, wr, out))

	got, err := r.store.GetTicket(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Equal(t, "implementation", got.CurrentStage)
	require.Equal(t, model.StateOpen, got.State)

	comments, err := r.store.ListComments(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	require.Equal(t, "done planning", comments[0].Body)
}

func TestProcessSuccessClosesAtCompletionSentinel(t *testing.T) {
	r := newRig(t, DefaultConfig())
	p := r.createProject(t)
	r.createWorkerType(t, p.ID, "review")
	tk, wr := r.claimTicket(t, p, []string{"review"})

	out := &runner.Outcome{Outcome: runner.OutcomeNextStage, TargetStage: runner.CompletionSentinel, Comment: "all done", Reason: "shipped"}
	require.NoError(t, r.proc.ProcessSuccess(context.Background(), p, tk, wr, out))

	got, err := r.store.GetTicket(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateClosed, got.State)
}

func TestProcessSuccessClosePublishesStageCompletedBeforeClosed(t *testing.T) {
	r := newRig(t, DefaultConfig())
	p := r.createProject(t)
	r.createWorkerType(t, p.ID, "review")
	tk, wr := r.claimTicket(t, p, []string{"review"})

	sub := r.bus.Subscribe()
	defer sub.Close()

	out := &runner.Outcome{Outcome: runner.OutcomeNextStage, TargetStage: runner.CompletionSentinel, Comment: "all done", Reason: "shipped"}
	require.NoError(t, r.proc.ProcessSuccess(context.Background(), p, tk, wr, out))

	var types []model.EventType
	for i := 0; i < 2; i++ {
		d := <-sub.C
		require.False(t, d.Lagged)
		types = append(types, d.Event.Type)
	}
	require.Equal(t, []model.EventType{model.EventTicketStageCompleted, model.EventTicketClosed}, types,
		"a single-stage close must emit ticket_stage_completed before ticket_closed")
}

func TestProcessSuccessOnHoldForCoordinatorAttention(t *testing.T) {
	r := newRig(t, DefaultConfig())
	p := r.createProject(t)
	r.createWorkerType(t, p.ID, "planning")
	tk, wr := r.claimTicket(t, p, []string{"planning"})

	out := &runner.Outcome{Outcome: runner.OutcomeCoordinatorAttention, Comment: "stuck", Reason: "needs a human decision"}
	require.NoError(t, r.proc.ProcessSuccess(context.Background(), p, tk, wr, out))

	got, err := r.store.GetTicket(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateOnHold, got.State)
}

func TestProcessSuccessOnHoldWhenTargetStageMissingWorkerType(t *testing.T) {
	r := newRig(t, DefaultConfig())
	p := r.createProject(t)
	r.createWorkerType(t, p.ID, "planning")
	tk, wr := r.claimTicket(t, p, []string{"planning", "implementation"})

	out := &runner.Outcome{Outcome: runner.OutcomeNextStage, TargetStage: "implementation", Comment: "done", Reason: "ready"}
	require.NoError(t, r.proc.ProcessSuccess(context.Background(), p, tk, wr, out))

	got, err := r.store.GetTicket(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateOnHold, got.State)
	require.Equal(t, "planning", got.CurrentStage, "on_hold must not advance the stage")
}

func TestProcessSuccessRejectsTargetStageOutsidePlan(t *testing.T) {
	r := newRig(t, DefaultConfig())
	p := r.createProject(t)
	r.createWorkerType(t, p.ID, "planning")
	tk, wr := r.claimTicket(t, p, []string{"planning"})

	out := &runner.Outcome{Outcome: runner.OutcomeNextStage, TargetStage: "not-in-plan", Comment: "done", Reason: "ready"}
	require.NoError(t, r.proc.ProcessSuccess(context.Background(), p, tk, wr, out))

	got, err := r.store.GetTicket(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateOnHold, got.State)
}

func TestProcessSuccessPrevStageMustPrecedeCurrent(t *testing.T) {
	r := newRig(t, DefaultConfig())
	p := r.createProject(t)
	r.createWorkerType(t, p.ID, "planning")
	r.createWorkerType(t, p.ID, "implementation")
	r.createWorkerType(t, p.ID, "review")
	tk, wr := r.claimTicket(t, p, []string{"planning", "implementation", "review"})
	require.NoError(t, r.store.AdvanceStage(context.Background(), tk.ID, "implementation"))
	tk.CurrentStage = "implementation"

	out := &runner.Outcome{Outcome: runner.OutcomePrevStage, TargetStage: "review", Comment: "send back", Reason: "not precedent"}
	require.NoError(t, r.proc.ProcessSuccess(context.Background(), p, tk, wr, out))

	got, err := r.store.GetTicket(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateOnHold, got.State)
}

func TestProcessSuccessPipelineUpdateRejectedWhenDroppingHistory(t *testing.T) {
	r := newRig(t, DefaultConfig())
	p := r.createProject(t)
	r.createWorkerType(t, p.ID, "planning")
	r.createWorkerType(t, p.ID, "implementation")
	tk, wr := r.claimTicket(t, p, []string{"planning", "implementation"})
	require.NoError(t, r.store.AdvanceStage(context.Background(), tk.ID, "implementation"))
	tk.CurrentStage = "implementation"

	out := &runner.Outcome{
		Outcome:        runner.OutcomeNextStage,
		TargetStage:    "implementation",
		PipelineUpdate: []string{"implementation"}, // drops the already-visited "planning"
		Comment:        "reshaped plan",
		Reason:         "scope changed",
	}
	require.NoError(t, r.proc.ProcessSuccess(context.Background(), p, tk, wr, out))

	got, err := r.store.GetTicket(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateOnHold, got.State)
}

func TestProcessFailureReleasesAndReenqueuesUnderRetryBound(t *testing.T) {
	r := newRig(t, Config{MaxStageRetries: 3})
	p := r.createProject(t)
	r.createWorkerType(t, p.ID, "planning")
	tk, wr := r.claimTicket(t, p, []string{"planning"})

	err := r.proc.ProcessFailure(context.Background(), tk, wr, &engineerr.WorkerTimedOut{Timeout: "10m0s"})
	require.NoError(t, err)

	got, err := r.store.GetTicket(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateOpen, got.State)
	require.Equal(t, 1, got.ParseFailureCount)
}

func TestProcessFailureSetsOnHoldAfterExceedingRetryBound(t *testing.T) {
	r := newRig(t, Config{MaxStageRetries: 1})
	p := r.createProject(t)
	r.createWorkerType(t, p.ID, "planning")
	tk, wr := r.claimTicket(t, p, []string{"planning"})

	require.NoError(t, r.proc.ProcessFailure(context.Background(), tk, wr, errors.New("boom")))
	got, err := r.store.GetTicket(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateOpen, got.State)

	claimed, wr2, err := r.store.ClaimTicket(context.Background(), p.ID, "planning")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, r.proc.ProcessFailure(context.Background(), claimed, wr2, errors.New("boom again")))
	got, err = r.store.GetTicket(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateOnHold, got.State)
}
