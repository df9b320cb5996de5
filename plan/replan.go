package plan

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentfabric/mesh/model"
)

// ApplyStatusUpdates returns a deep copy of tt with each update's status
// (and result, when present) applied to the matching work item. Updates
// referencing unknown ids are ignored. This runs in code, before the
// replanner's LLM call, so the model cannot infer further status changes
// from the conversation (§4.9.3 step 1).
func ApplyStatusUpdates(tt *TaskTracking, updates []StatusUpdate) *TaskTracking {
	out := tt.clone()
	byID := workItemByID(out.AllWork)
	for _, u := range updates {
		item, ok := byID[u.WorkItemID]
		if !ok {
			continue
		}
		item.Status = u.NewStatus
		if u.Result != "" {
			item.Result = u.Result
		}
	}
	return out
}

// Replan applies status updates to previous, asks the model for an updated
// plan (told the status updates already happened), reruns agent assignment
// and validation/ordering, and computes the version-to-version diff.
func (p *Planner) Replan(ctx context.Context, previous *TaskTracking, updates []StatusUpdate, newContext []model.Message) (*TaskTracking, error) {
	applied := ApplyStatusUpdates(previous, updates)

	updated, err := p.replanExtract(ctx, applied, newContext)
	if err != nil {
		return nil, fmt.Errorf("plan: replan extraction: %w", err)
	}

	if err := p.refine(ctx, updated); err != nil {
		return nil, fmt.Errorf("plan: replan refinement: %w", err)
	}
	Validate(updated)

	diff := computeDiff(previous, updated)
	updated.PlanVersion = previous.PlanVersion + 1
	updated.LastReplanDiff = &diff
	return updated, nil
}

func (p *Planner) replanExtract(ctx context.Context, applied *TaskTracking, newContext []model.Message) (*TaskTracking, error) {
	planJSON, err := json.Marshal(applied)
	if err != nil {
		return nil, fmt.Errorf("marshal applied plan: %w", err)
	}

	instruction := fmt.Sprintf(
		`The plan below has already had its status updates applied in code. Do not infer any further status changes yourself. Return an updated plan reflecting any new context, including unchanged completed items.

CURRENT PLAN:
%s

Respond with a JSON object with the same shape: {"summary": "...", "work_items": [...], "blockers": [...], "phase": "...", "strategy_pivots": [...]}.`,
		string(planJSON))

	messages := append([]model.Message(nil), newContext...)
	messages = append(messages, model.Message{Role: model.RoleUser, Text: instruction})

	resp, err := p.client.Complete(ctx, &model.Request{Messages: messages})
	if err != nil {
		return nil, err
	}

	var parsed phase1Extraction
	if err := decodeJSONResponse(resp.Text, &parsed); err != nil {
		return nil, err
	}
	if parsed.Phase == "" {
		parsed.Phase = applied.Phase
	}
	if parsed.Summary == "" {
		parsed.Summary = applied.Summary
	}
	if len(parsed.WorkItems) == 0 {
		parsed.WorkItems = applied.AllWork
	}

	return &TaskTracking{
		RunID:          applied.RunID,
		Summary:        parsed.Summary,
		AllWork:        parsed.WorkItems,
		Blockers:       parsed.Blockers,
		Phase:          parsed.Phase,
		StrategyPivots: parsed.StrategyPivots,
		PlanVersion:    applied.PlanVersion,
	}, nil
}

// computeDiff compares the previous plan to the new one, deduplicating
// repeated ids in the new plan's work items so duplicate-id LLM output
// does not double-count toward added/removed/changed sets.
func computeDiff(previous, next *TaskTracking) PlanDiff {
	prevByID := workItemByID(previous.AllWork)
	nextWork := dedupeForDiff(next.AllWork)
	nextByID := workItemByID(nextWork)

	var diff PlanDiff
	for id := range nextByID {
		if _, ok := prevByID[id]; !ok {
			diff.AddedWorkItemIds = append(diff.AddedWorkItemIds, id)
		}
	}
	for id := range prevByID {
		if _, ok := nextByID[id]; !ok {
			diff.RemovedWorkItemIds = append(diff.RemovedWorkItemIds, id)
		}
	}
	for id, prevItem := range prevByID {
		nextItem, ok := nextByID[id]
		if !ok {
			continue
		}
		if prevItem.Status != nextItem.Status {
			diff.StatusChangedIds = append(diff.StatusChangedIds, id)
		}
		if !stringSlicesEqual(prevItem.DependencyIds, nextItem.DependencyIds) {
			diff.DependencyChangedIds = append(diff.DependencyChangedIds, id)
		}
	}

	prevAssignments := assignmentsByWorkItem(previous.AgentAssignments)
	nextAssignments := assignmentsByWorkItem(next.AgentAssignments)
	for id, nextAssignment := range nextAssignments {
		if prevAssignment, ok := prevAssignments[id]; ok && prevAssignment.AgentID != nextAssignment.AgentID {
			diff.ReassignedWorkItemIds = append(diff.ReassignedWorkItemIds, id)
		}
	}
	return diff
}

// dedupeForDiff keeps the last occurrence of each id, mirroring Validate's
// dedup rule so diff computation agrees with what the plan will actually
// contain after validation.
func dedupeForDiff(items []WorkItem) []WorkItem {
	lastIndex := make(map[string]int, len(items))
	for i, item := range items {
		lastIndex[item.ID] = i
	}
	out := make([]WorkItem, 0, len(lastIndex))
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		if lastIndex[item.ID] != i || seen[item.ID] {
			continue
		}
		seen[item.ID] = true
		out = append(out, item)
	}
	return out
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		seen[v]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}
