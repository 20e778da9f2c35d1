package store

import (
	"context"
	"sync"
	"testing"

	"github.com/coldforge/ticketforge/internal/engineerr"
	"github.com/coldforge/ticketforge/internal/model"
	"github.com/stretchr/testify/require"
)

func mustCreateTicket(t *testing.T, s *Store, p *model.Project, plan []string) *model.Ticket {
	t.Helper()
	tk := &model.Ticket{ProjectID: p.ID, Title: "do the thing", ExecutionPlan: plan}
	require.NoError(t, s.CreateTicket(context.Background(), tk, p.ProjectPrefix))
	return tk
}

func TestCreateTicketAssignsID(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "acme")

	tk := mustCreateTicket(t, s, p, []string{"planning", "implementation"})
	require.Equal(t, "planning", tk.CurrentStage)
	require.Equal(t, model.StateOpen, tk.State)
	require.Equal(t, model.DependencyReady, tk.DependencyStatus)
	require.Regexp(t, `^`+p.ProjectPrefix+`-PLA-\d{3}$`, tk.ID)

	tk2 := mustCreateTicket(t, s, p, []string{"planning"})
	require.Regexp(t, `^`+p.ProjectPrefix+`-PLA-\d{3}$`, tk2.ID)
	require.NotEqual(t, tk.ID, tk2.ID)
}

func TestCreateTicketValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustCreateProject(t, s, "acme")

	err := s.CreateTicket(ctx, &model.Ticket{ProjectID: p.ID, ExecutionPlan: []string{"planning"}}, p.ProjectPrefix)
	require.Error(t, err)

	err = s.CreateTicket(ctx, &model.Ticket{ProjectID: p.ID, Title: "x"}, p.ProjectPrefix)
	require.Error(t, err)

	err = s.CreateTicket(ctx, &model.Ticket{ProjectID: p.ID, Title: "x", ExecutionPlan: []string{"planning"}, CurrentStage: "review"}, p.ProjectPrefix)
	require.Error(t, err)
	var ve *engineerr.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "current_stage", ve.Field)
}

func TestCreateTicketConcurrentIDsAreUnique(t *testing.T) {
	s := newTestStore(t)
	p := mustCreateProject(t, s, "acme")

	const n = 8
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tk := &model.Ticket{ProjectID: p.ID, Title: "concurrent", ExecutionPlan: []string{"planning"}}
			errs[i] = s.CreateTicket(context.Background(), tk, p.ProjectPrefix)
			ids[i] = tk.ID
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, err := range errs {
		require.NoError(t, err)
		require.False(t, seen[ids[i]], "duplicate ticket id %s", ids[i])
		seen[ids[i]] = true
	}
}

func TestClaimTicketAndReleaseClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustCreateProject(t, s, "acme")
	tk := mustCreateTicket(t, s, p, []string{"planning", "implementation"})

	claimed, wr, err := s.ClaimTicket(ctx, p.ID, "planning")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, tk.ID, claimed.ID)
	require.Equal(t, model.StateInProgress, claimed.State)
	require.Equal(t, model.WorkerRunning, wr.Status)

	// Nothing else left to claim in this stage.
	none, _, err := s.ClaimTicket(ctx, p.ID, "planning")
	require.NoError(t, err)
	require.Nil(t, none)

	require.NoError(t, s.ReleaseClaim(ctx, wr.ID, model.WorkerFailed, "", "worker crashed"))
	reopened, err := s.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateOpen, reopened.State)

	// Releasing again is a no-op, not an error.
	require.NoError(t, s.ReleaseClaim(ctx, wr.ID, model.WorkerFailed, "", "worker crashed"))
}

func TestReleaseClaimUnknownWorker(t *testing.T) {
	s := newTestStore(t)
	err := s.ReleaseClaim(context.Background(), "nope", model.WorkerFailed, "", "")
	require.Error(t, err)
}

func TestSetWorkerPIDAndMarkWorkerTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustCreateProject(t, s, "acme")
	mustCreateTicket(t, s, p, []string{"planning"})

	_, wr, err := s.ClaimTicket(ctx, p.ID, "planning")
	require.NoError(t, err)

	require.NoError(t, s.SetWorkerPID(ctx, wr.ID, 4242))
	require.NoError(t, s.MarkWorkerTerminal(ctx, wr.ID, model.WorkerCompleted, "all good", ""))

	// Idempotent: marking an already-terminal record again is a silent no-op.
	require.NoError(t, s.MarkWorkerTerminal(ctx, wr.ID, model.WorkerFailed, "", "late duplicate"))
}

func TestAdvanceStageRecordsHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustCreateProject(t, s, "acme")
	tk := mustCreateTicket(t, s, p, []string{"planning", "implementation", "review"})

	require.NoError(t, s.AdvanceStage(ctx, tk.ID, "implementation"))
	got, err := s.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, "implementation", got.CurrentStage)
	require.Equal(t, model.StateOpen, got.State)

	history, err := s.ListStageHistory(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"planning", "implementation"}, history)
}

func TestAdvanceStageUnknownTicket(t *testing.T) {
	s := newTestStore(t)
	err := s.AdvanceStage(context.Background(), "nope", "implementation")
	require.Error(t, err)
}

func TestSetOnHoldAndResumeTicketProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustCreateProject(t, s, "acme")
	tk := mustCreateTicket(t, s, p, []string{"planning"})

	require.NoError(t, s.SetOnHold(ctx, tk.ID))
	got, err := s.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateOnHold, got.State)

	require.NoError(t, s.ResumeTicketProcessing(ctx, tk.ID))
	got, err = s.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateOpen, got.State)

	err = s.ResumeTicketProcessing(ctx, tk.ID)
	require.Error(t, err)
	var iv *engineerr.InvariantViolation
	require.ErrorAs(t, err, &iv)
}

func TestCloseTicketCascadesDependencyReadiness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustCreateProject(t, s, "acme")
	parent := mustCreateTicket(t, s, p, []string{"planning"})
	child := mustCreateTicket(t, s, p, []string{"planning"})

	require.NoError(t, s.AddTicketDependency(ctx, child.ID, parent.ID))
	blocked, err := s.GetTicket(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, model.DependencyBlocked, blocked.DependencyStatus)

	newlyReady, err := s.CloseTicket(ctx, parent.ID, "done")
	require.NoError(t, err)
	require.Equal(t, []string{child.ID}, newlyReady)

	ready, err := s.GetTicket(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, model.DependencyReady, ready.DependencyStatus)
	require.Equal(t, model.StateClosed, (func() *model.Ticket { p, _ := s.GetTicket(ctx, parent.ID); return p })().State)
}

func TestCloseTicketUnknown(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CloseTicket(context.Background(), "nope", "done")
	require.Error(t, err)
}

func TestUpdateExecutionPlan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustCreateProject(t, s, "acme")
	tk := mustCreateTicket(t, s, p, []string{"planning"})

	require.NoError(t, s.UpdateExecutionPlan(ctx, tk.ID, []string{"planning", "implementation", "review"}))
	got, err := s.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"planning", "implementation", "review"}, got.ExecutionPlan)
}

func TestParseFailureCountLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustCreateProject(t, s, "acme")
	tk := mustCreateTicket(t, s, p, []string{"planning"})

	n, err := s.IncrementParseFailureCount(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = s.IncrementParseFailureCount(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, s.ResetParseFailureCount(ctx, tk.ID))
	got, err := s.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got.ParseFailureCount)
}

func TestRespawnCountLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustCreateProject(t, s, "acme")
	tk := mustCreateTicket(t, s, p, []string{"planning"})

	n, err := s.IncrementRespawnCount(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRecordAndListComments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustCreateProject(t, s, "acme")
	tk := mustCreateTicket(t, s, p, []string{"planning"})

	c1 := &model.Comment{TicketID: tk.ID, Author: "planning", Stage: "planning", Body: "scoped it out"}
	require.NoError(t, s.RecordComment(ctx, c1))
	c2 := &model.Comment{TicketID: tk.ID, Author: "system", Stage: "planning", Body: "advanced to implementation"}
	require.NoError(t, s.RecordComment(ctx, c2))

	list, err := s.ListComments(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "scoped it out", list[0].Body)
	require.Equal(t, "advanced to implementation", list[1].Body)
}

func TestListDispatchableAndTickets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustCreateProject(t, s, "acme")
	tk := mustCreateTicket(t, s, p, []string{"planning"})

	dispatchable, err := s.ListDispatchable(ctx, p.ID, "planning")
	require.NoError(t, err)
	require.Len(t, dispatchable, 1)
	require.Equal(t, tk.ID, dispatchable[0].ID)

	all, err := s.ListTickets(ctx, TicketFilter{ProjectID: p.ID})
	require.NoError(t, err)
	require.Len(t, all, 1)

	byState, err := s.ListTickets(ctx, TicketFilter{ProjectID: p.ID, State: model.StateOpen})
	require.NoError(t, err)
	require.Len(t, byState, 1)

	byWrongState, err := s.ListTickets(ctx, TicketFilter{ProjectID: p.ID, State: model.StateClosed})
	require.NoError(t, err)
	require.Len(t, byWrongState, 0)
}
