// Package plan implements the task-planning agent core (spec §4.9): a
// deterministic plan validator, an LLM-orchestrated planner and replanner,
// and a dispatch/retry/follow-up execution loop. It is grounded on the
// teacher's runtime/agent/planner package for the planner/session
// vocabulary and runtime/agent/runtime/workflow_loop.go for the
// deadline-aware main-loop shape, generalized from the teacher's
// tool-call turn loop to this spec's work-item dispatch loop.
package plan

import (
	"time"

	"github.com/google/uuid"
)

type (
	// Phase is the plan's overall lifecycle stage.
	Phase string

	// Status is a work item's current lifecycle state.
	Status string

	// Priority ranks work items for tie-breaking during ordering.
	Priority string

	// Complexity is a coarse size estimate attached by the planner.
	Complexity string
)

const (
	PhasePlanning  Phase = "planning"
	PhaseExecution Phase = "execution"
	PhaseRecovery  Phase = "recovery"
	PhaseComplete  Phase = "complete"

	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"

	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"

	ComplexityQuick    Complexity = "quick"
	ComplexityStandard Complexity = "standard"
	ComplexityThorough Complexity = "thorough"
)

// statusRank orders statuses for Kahn's-algorithm tie-breaking, per
// Invariant 4: completed < in_progress < pending < blocked < failed <
// cancelled (ready work surfaces before stalled work).
var statusRank = map[Status]int{
	StatusCompleted:  0,
	StatusInProgress: 1,
	StatusPending:    2,
	StatusBlocked:    3,
	StatusFailed:     4,
	StatusCancelled:  5,
}

// priorityRank orders priorities for tie-breaking: critical first.
var priorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityLow:      3,
}

type (
	// WorkItem is one unit of work in a plan.
	WorkItem struct {
		ID                  string     `json:"id"`
		Title               string     `json:"title"`
		Description         string     `json:"description"`
		Status              Status     `json:"status"`
		Priority            Priority   `json:"priority"`
		Owner               string     `json:"owner"` // agent id
		Result              string     `json:"result"`
		BlockedReason       string     `json:"blocked_reason"`
		ParentID            string     `json:"parent_id"`
		SubTasks            []string   `json:"sub_tasks"`
		DependencyIds       []string   `json:"dependency_ids"`
		SuccessCriteria     string     `json:"success_criteria"`
		Attempts            int        `json:"attempts"`
		EstimatedComplexity Complexity `json:"estimated_complexity"`
		ExecutionOrder      int        `json:"execution_order"`
	}

	// Blocker records an obstacle that prevents one or more work items
	// from proceeding.
	Blocker struct {
		ID                string   `json:"id"`
		Description       string   `json:"description"`
		BlocksWorkItemIds []string `json:"blocks_work_item_ids"`
		Severity          string   `json:"severity"`
	}

	// AgentAssignment binds a work item to the agent and capability that
	// will execute it.
	AgentAssignment struct {
		WorkItemID string
		AgentID    string
		Capability string
		Rationale  string
	}

	// PlanDiff summarizes what changed between two plan versions, computed
	// by the replanner (§4.9.3 step 4).
	PlanDiff struct {
		AddedWorkItemIds      []string
		RemovedWorkItemIds    []string
		StatusChangedIds      []string
		DependencyChangedIds  []string
		ReassignedWorkItemIds []string
	}

	// TaskTracking is the full state of one plan.
	TaskTracking struct {
		// RunID uniquely identifies this plan's execution run, independent of
		// any work item's own "wi-NNN" id, for correlating dispatch/retry
		// activity and durable workflow history back to one planning session.
		RunID            string
		Summary          string
		AllWork          []WorkItem
		Blockers         []Blocker
		AgentAssignments []AgentAssignment
		Phase            Phase
		StrategyPivots   []string
		ExecutionOrder   []string
		CriticalPath     []string
		PlanRationale    string
		EffortLevel      Complexity
		PlanVersion      int
		PlannedAt        time.Time
		LastReplanDiff   *PlanDiff
	}

	// StatusUpdate is one externally observed change to a work item's
	// status, applied in code before the replanner's LLM call (§4.9.3
	// step 1) so the model cannot silently invent status changes.
	StatusUpdate struct {
		WorkItemID string
		NewStatus  Status
		Result     string
	}

	// AgentCapability describes one agent the planner may assign work to.
	AgentCapability struct {
		AgentID      string
		Capabilities []string
	}
)

// newRunID generates a fresh run identifier for a new plan.
func newRunID() string {
	return uuid.New().String()
}

// clone returns a deep copy of tt suitable for the replanner's
// apply-then-LLM-call sequence, since the LLM call must not observe
// mutations made to the canonical plan before it returns.
func (tt *TaskTracking) clone() *TaskTracking {
	if tt == nil {
		return &TaskTracking{}
	}
	out := *tt
	out.AllWork = append([]WorkItem(nil), tt.AllWork...)
	for i := range out.AllWork {
		out.AllWork[i].DependencyIds = append([]string(nil), tt.AllWork[i].DependencyIds...)
		out.AllWork[i].SubTasks = append([]string(nil), tt.AllWork[i].SubTasks...)
	}
	out.Blockers = append([]Blocker(nil), tt.Blockers...)
	for i := range out.Blockers {
		out.Blockers[i].BlocksWorkItemIds = append([]string(nil), tt.Blockers[i].BlocksWorkItemIds...)
	}
	out.AgentAssignments = append([]AgentAssignment(nil), tt.AgentAssignments...)
	out.StrategyPivots = append([]string(nil), tt.StrategyPivots...)
	out.ExecutionOrder = append([]string(nil), tt.ExecutionOrder...)
	out.CriticalPath = append([]string(nil), tt.CriticalPath...)
	return &out
}

func workItemByID(items []WorkItem) map[string]*WorkItem {
	m := make(map[string]*WorkItem, len(items))
	for i := range items {
		m[items[i].ID] = &items[i]
	}
	return m
}

func assignmentsByWorkItem(assignments []AgentAssignment) map[string]AgentAssignment {
	m := make(map[string]AgentAssignment, len(assignments))
	for _, a := range assignments {
		m[a.WorkItemID] = a
	}
	return m
}
