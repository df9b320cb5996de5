package plan

import "sort"

// Validate fixes a TaskTracking in place per the deterministic validator
// contract (§4.9.1): dedupe, orphan removal, cycle breaking, priority-aware
// topological ordering, and critical-path recomputation. It is always safe
// to call — validated output satisfies Invariants 3 and 4 regardless of
// what an LLM-authored plan looked like going in.
func Validate(tt *TaskTracking) {
	if tt == nil {
		return
	}
	dedupeByID(tt)
	validIDs := idSet(tt.AllWork)
	removeOrphans(tt, validIDs)
	breakCycles(tt)
	order := topologicalOrder(tt)
	tt.ExecutionOrder = order
	applyExecutionOrder(tt, order)
	tt.CriticalPath = criticalPath(tt)
}

// dedupeByID keeps the last occurrence of each work item id, matching
// "last write wins" semantics for LLM output that redeclares an item.
func dedupeByID(tt *TaskTracking) {
	lastIndex := make(map[string]int, len(tt.AllWork))
	for i, item := range tt.AllWork {
		lastIndex[item.ID] = i
	}
	seen := make(map[string]bool, len(tt.AllWork))
	deduped := make([]WorkItem, 0, len(lastIndex))
	for i, item := range tt.AllWork {
		if lastIndex[item.ID] != i {
			continue
		}
		if seen[item.ID] {
			continue
		}
		seen[item.ID] = true
		deduped = append(deduped, item)
	}
	tt.AllWork = deduped
}

func idSet(items []WorkItem) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item.ID] = true
	}
	return set
}

// removeOrphans filters every cross-reference against the valid id set:
// DependencyIds, ParentId, Blocker.BlocksWorkItemIds, and
// AgentAssignments.WorkItemId.
func removeOrphans(tt *TaskTracking, validIDs map[string]bool) {
	for i := range tt.AllWork {
		tt.AllWork[i].DependencyIds = filterValid(tt.AllWork[i].DependencyIds, validIDs)
		if tt.AllWork[i].ParentID != "" && !validIDs[tt.AllWork[i].ParentID] {
			tt.AllWork[i].ParentID = ""
		}
	}
	for i := range tt.Blockers {
		tt.Blockers[i].BlocksWorkItemIds = filterValid(tt.Blockers[i].BlocksWorkItemIds, validIDs)
	}
	assignments := make([]AgentAssignment, 0, len(tt.AgentAssignments))
	for _, a := range tt.AgentAssignments {
		if validIDs[a.WorkItemID] {
			assignments = append(assignments, a)
		}
	}
	tt.AgentAssignments = assignments
}

func filterValid(ids []string, validIDs map[string]bool) []string {
	out := ids[:0]
	for _, id := range ids {
		if validIDs[id] {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return append([]string(nil), out...)
}

// breakCycles runs DFS cycle detection and removes the back-edge's target
// from the source's DependencyIds, restarting until the dependency graph
// is a DAG (Invariant 3).
func breakCycles(tt *TaskTracking) {
	for {
		byID := workItemByID(tt.AllWork)
		visited := make(map[string]int) // 0=unvisited, 1=in-stack, 2=done
		var removedEdge bool
		var visit func(id string) bool
		visit = func(id string) bool {
			item, ok := byID[id]
			if !ok {
				return false
			}
			visited[id] = 1
			for _, dep := range item.DependencyIds {
				switch visited[dep] {
				case 1:
					item.DependencyIds = removeID(item.DependencyIds, dep)
					removedEdge = true
					return true
				case 0:
					if visit(dep) {
						return true
					}
				}
			}
			visited[id] = 2
			return false
		}
		for _, item := range tt.AllWork {
			if visited[item.ID] == 0 {
				if visit(item.ID) {
					break
				}
			}
		}
		if !removedEdge {
			return
		}
	}
}

func removeID(ids []string, target string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// topologicalOrder runs Kahn's algorithm with a priority-aware ready set:
// among items with satisfied dependencies, ties break by
// (status rank, priority rank, id), per Invariant 4.
func topologicalOrder(tt *TaskTracking) []string {
	byID := workItemByID(tt.AllWork)
	indegree := make(map[string]int, len(tt.AllWork))
	dependents := make(map[string][]string, len(tt.AllWork))
	for _, item := range tt.AllWork {
		if _, ok := indegree[item.ID]; !ok {
			indegree[item.ID] = 0
		}
		for _, dep := range item.DependencyIds {
			indegree[item.ID]++
			dependents[dep] = append(dependents[dep], item.ID)
		}
	}

	ready := make([]string, 0, len(tt.AllWork))
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	less := func(a, b string) bool {
		ia, ib := byID[a], byID[b]
		if statusRank[ia.Status] != statusRank[ib.Status] {
			return statusRank[ia.Status] < statusRank[ib.Status]
		}
		if priorityRank[ia.Priority] != priorityRank[ib.Priority] {
			return priorityRank[ia.Priority] < priorityRank[ib.Priority]
		}
		return a < b
	}

	order := make([]string, 0, len(tt.AllWork))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, dependent := range dependents[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	return order
}

func applyExecutionOrder(tt *TaskTracking, order []string) {
	byID := workItemByID(tt.AllWork)
	for i, id := range order {
		if item, ok := byID[id]; ok {
			item.ExecutionOrder = i + 1
		}
	}
}

// criticalPath finds the longest dependency chain via memoized DFS from
// every node, returning the chain with the most items (ties broken by
// first-found during the fixed AllWork iteration order).
func criticalPath(tt *TaskTracking) []string {
	byID := workItemByID(tt.AllWork)
	memo := make(map[string][]string, len(tt.AllWork))
	var longestFrom func(id string) []string
	longestFrom = func(id string) []string {
		if cached, ok := memo[id]; ok {
			return cached
		}
		item, ok := byID[id]
		if !ok {
			return nil
		}
		var best []string
		for _, dep := range item.DependencyIds {
			chain := longestFrom(dep)
			if len(chain) > len(best) {
				best = chain
			}
		}
		path := append(append([]string(nil), best...), id)
		memo[id] = path
		return path
	}

	var longest []string
	for _, item := range tt.AllWork {
		chain := longestFrom(item.ID)
		if len(chain) > len(longest) {
			longest = chain
		}
	}
	return longest
}
