package ticketfsm

import (
	"testing"

	"github.com/coldforge/ticketforge/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to model.TicketState
		want     bool
	}{
		{model.StateOpen, model.StateInProgress, true},
		{model.StateInProgress, model.StateOpen, true},
		{model.StateInProgress, model.StateOnHold, true},
		{model.StateInProgress, model.StateClosed, true},
		{model.StateOnHold, model.StateOpen, true},
		{model.StateOpen, model.StateClosed, true},
		{model.StateClosed, model.StateOpen, false},
		{model.StateOnHold, model.StateInProgress, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CanTransition(c.from, c.to), "CanTransition(%s, %s)", c.from, c.to)
	}
}

func TestRequireTransition(t *testing.T) {
	assert.NoError(t, RequireTransition("T-1", model.StateOpen, model.StateInProgress))
	assert.Error(t, RequireTransition("T-1", model.StateClosed, model.StateOpen))
}

func TestClaimable(t *testing.T) {
	ready := &model.Ticket{State: model.StateOpen, DependencyStatus: model.DependencyReady}
	assert.True(t, Claimable(ready))

	blocked := &model.Ticket{State: model.StateOpen, DependencyStatus: model.DependencyBlocked}
	assert.False(t, Claimable(blocked))

	inProgress := &model.Ticket{State: model.StateInProgress, DependencyStatus: model.DependencyReady}
	assert.False(t, Claimable(inProgress))
}

func TestCanClose(t *testing.T) {
	lastStage := &model.Ticket{
		State:         model.StateInProgress,
		ExecutionPlan: []string{"planning", "review"},
		CurrentStage:  "review",
	}
	assert.True(t, CanClose(lastStage))

	notLast := &model.Ticket{
		State:         model.StateInProgress,
		ExecutionPlan: []string{"planning", "review"},
		CurrentStage:  "planning",
	}
	assert.False(t, CanClose(notLast))

	wrongState := &model.Ticket{
		State:         model.StateOpen,
		ExecutionPlan: []string{"planning"},
		CurrentStage:  "planning",
	}
	assert.False(t, CanClose(wrongState))

	empty := &model.Ticket{State: model.StateInProgress}
	assert.False(t, CanClose(empty))
}

func TestNextAndPrevStage(t *testing.T) {
	ticket := &model.Ticket{
		ExecutionPlan: []string{"planning", "implementation", "review"},
		CurrentStage:  "implementation",
	}

	next, ok := NextStage(ticket)
	require.True(t, ok)
	assert.Equal(t, "review", next)

	prev, ok := PrevStage(ticket)
	require.True(t, ok)
	assert.Equal(t, "planning", prev)

	ticket.CurrentStage = "review"
	_, ok = NextStage(ticket)
	assert.False(t, ok)

	ticket.CurrentStage = "planning"
	_, ok = PrevStage(ticket)
	assert.False(t, ok)
}

func TestPlanPreservesHistory(t *testing.T) {
	cases := []struct {
		name    string
		visited []string
		newPlan []string
		want    bool
	}{
		{"identical", []string{"a", "b"}, []string{"a", "b", "c"}, true},
		{"appends only", []string{"a"}, []string{"a", "b", "c"}, true},
		{"drops visited stage", []string{"a", "b"}, []string{"a", "c"}, false},
		{"reorders unvisited tail", []string{"a"}, []string{"a", "c", "b"}, true},
		{"reorders visited stage", []string{"a", "b"}, []string{"b", "a", "c"}, false},
		{"no history yet", nil, []string{"x", "y"}, true},
		{"empty new plan with history", []string{"a"}, nil, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, PlanPreservesHistory(c.visited, c.newPlan))
		})
	}
}
