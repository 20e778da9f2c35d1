package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityRank(t *testing.T) {
	cases := []struct {
		p    Priority
		want int
	}{
		{PriorityCritical, 0},
		{PriorityHigh, 1},
		{PriorityMedium, 2},
		{PriorityLow, 3},
		{Priority("unknown"), len(priorityRank)},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.p.Rank(), "Priority(%q).Rank()", c.p)
	}
}

func TestPriorityRankOrdering(t *testing.T) {
	assert.Less(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Less(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Less(t, PriorityMedium.Rank(), PriorityLow.Rank())
}

func TestTicketInPlan(t *testing.T) {
	ticket := &Ticket{ExecutionPlan: []string{"planning", "implementation", "review"}}

	assert.True(t, ticket.InPlan("implementation"))
	assert.False(t, ticket.InPlan("testing"))
	assert.False(t, ticket.InPlan(""))
}
