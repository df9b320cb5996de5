package plan

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestValidateDedupesByIDKeepingLastOccurrence(t *testing.T) {
	tt := &TaskTracking{
		AllWork: []WorkItem{
			{ID: "wi-1", Title: "first"},
			{ID: "wi-1", Title: "second"},
		},
	}
	Validate(tt)
	require.Len(t, tt.AllWork, 1)
	require.Equal(t, "second", tt.AllWork[0].Title)
}

func TestValidateRemovesOrphanReferences(t *testing.T) {
	tt := &TaskTracking{
		AllWork: []WorkItem{
			{ID: "wi-1", DependencyIds: []string{"wi-missing"}, ParentID: "wi-missing"},
		},
		Blockers: []Blocker{
			{ID: "b-1", BlocksWorkItemIds: []string{"wi-1", "wi-missing"}},
		},
		AgentAssignments: []AgentAssignment{
			{WorkItemID: "wi-1", AgentID: "a1"},
			{WorkItemID: "wi-missing", AgentID: "a2"},
		},
	}
	Validate(tt)
	require.Empty(t, tt.AllWork[0].DependencyIds)
	require.Empty(t, tt.AllWork[0].ParentID)
	require.Equal(t, []string{"wi-1"}, tt.Blockers[0].BlocksWorkItemIds)
	require.Len(t, tt.AgentAssignments, 1)
	require.Equal(t, "wi-1", tt.AgentAssignments[0].WorkItemID)
}

func TestValidateBreaksCycles(t *testing.T) {
	tt := &TaskTracking{
		AllWork: []WorkItem{
			{ID: "a", DependencyIds: []string{"b"}},
			{ID: "b", DependencyIds: []string{"c"}},
			{ID: "c", DependencyIds: []string{"a"}},
		},
	}
	Validate(tt)
	require.Len(t, tt.ExecutionOrder, 3)
	require.ElementsMatch(t, []string{"a", "b", "c"}, tt.ExecutionOrder)
}

func TestValidateOrdersByStatusThenPriorityThenID(t *testing.T) {
	tt := &TaskTracking{
		AllWork: []WorkItem{
			{ID: "low", Status: StatusPending, Priority: PriorityLow},
			{ID: "critical", Status: StatusPending, Priority: PriorityCritical},
			{ID: "done", Status: StatusCompleted, Priority: PriorityLow},
		},
	}
	Validate(tt)
	require.Equal(t, []string{"done", "critical", "low"}, tt.ExecutionOrder)
	byID := workItemByID(tt.AllWork)
	require.Equal(t, 1, byID["done"].ExecutionOrder)
	require.Equal(t, 2, byID["critical"].ExecutionOrder)
	require.Equal(t, 3, byID["low"].ExecutionOrder)
}

func TestValidateComputesCriticalPathAsLongestChain(t *testing.T) {
	tt := &TaskTracking{
		AllWork: []WorkItem{
			{ID: "a"},
			{ID: "b", DependencyIds: []string{"a"}},
			{ID: "c", DependencyIds: []string{"b"}},
			{ID: "d", DependencyIds: []string{"a"}},
		},
	}
	Validate(tt)
	require.Equal(t, []string{"a", "b", "c"}, tt.CriticalPath)
}

// TestValidateProducesATotalValidOrderForAnyPlan covers Invariant 5 ("for
// any plan, Validate produces a complete, cycle-free execution order") over
// randomly generated dependency graphs, including ones with self-loops and
// cycles that TestValidateBreaksCycles only exercises for one fixed shape.
// Each of the 8 fixed work item ids gets a random bitmask selecting which of
// the 8 ids it depends on (its own bit gives a self-loop), so the generator
// can produce any DAG or cyclic graph over that id set.
func TestValidateProducesATotalValidOrderForAnyPlan(t *testing.T) {
	const n = 8
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("id-%d", i)
	}

	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("Validate always yields a complete, dependency-respecting order", prop.ForAll(
		func(masks []int) bool {
			work := make([]WorkItem, n)
			for i, mask := range masks {
				var deps []string
				for j := 0; j < n; j++ {
					if mask&(1<<uint(j)) != 0 {
						deps = append(deps, ids[j])
					}
				}
				work[i] = WorkItem{ID: ids[i], DependencyIds: deps}
			}
			tt := &TaskTracking{AllWork: work}

			Validate(tt)

			if len(tt.ExecutionOrder) != n {
				return false
			}
			position := make(map[string]int, n)
			for i, id := range tt.ExecutionOrder {
				position[id] = i
			}
			for _, id := range ids {
				if _, ok := position[id]; !ok {
					return false
				}
			}
			byID := workItemByID(tt.AllWork)
			for _, id := range ids {
				item := byID[id]
				for _, dep := range item.DependencyIds {
					if position[dep] >= position[id] {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOfN(n, gen.IntRange(0, (1<<n)-1)),
	))

	properties.TestingRun(t)
}

func TestValidateIsIdempotentOnAlreadyCleanPlan(t *testing.T) {
	tt := &TaskTracking{
		AllWork: []WorkItem{
			{ID: "a"},
			{ID: "b", DependencyIds: []string{"a"}},
		},
	}
	Validate(tt)
	first := append([]string(nil), tt.ExecutionOrder...)
	Validate(tt)
	require.Equal(t, first, tt.ExecutionOrder)
}
