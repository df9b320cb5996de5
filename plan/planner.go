package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentfabric/mesh/model"
)

// Phase1Deadline bounds the parallel-extraction phase (§4.9.2): if it
// elapses before all three extractions finish, downstream phases operate
// on whatever completed.
const Phase1Deadline = 5 * time.Minute

// Planner drives the two-phase LLM-orchestrated planning process over a
// forked conversation. It is grounded on the teacher's planner.Planner
// (runtime/agent/planner/planner.go) for the "LLM call with a
// structured-output contract" shape, adapted from the teacher's
// tool-calling turn loop to this spec's extract/assign/order phases.
type Planner struct {
	client model.Client
	agents []AgentCapability
}

// NewPlanner constructs a Planner. agents describes the capability-matched
// pool Phase 2 may assign work to.
func NewPlanner(client model.Client, agents []AgentCapability) *Planner {
	return &Planner{client: client, agents: agents}
}

// phase1Extraction is the JSON shape each Phase 1 extraction asks the
// model to produce.
type phase1Extraction struct {
	Summary        string     `json:"summary"`
	WorkItems      []WorkItem `json:"work_items"`
	Blockers       []Blocker  `json:"blockers"`
	Phase          Phase      `json:"phase"`
	StrategyPivots []string   `json:"strategy_pivots"`
}

// Plan runs Phase 1 (parallel extraction, bounded by Phase1Deadline) then
// Phase 2 (sequential agent assignment and validation/ordering) over the
// given conversation, returning a fully validated plan.
func (p *Planner) Plan(ctx context.Context, conversation []model.Message) (*TaskTracking, error) {
	deadlineCtx, cancel := context.WithTimeout(ctx, Phase1Deadline)
	defer cancel()

	var (
		mu      sync.Mutex
		summary string
		items   []WorkItem
		blocks  []Blocker
		phase   Phase = PhasePlanning
		pivots  []string
	)

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		s, err := p.extractSummary(deadlineCtx, conversation)
		if err != nil {
			return
		}
		mu.Lock()
		summary = s
		mu.Unlock()
	}()

	go func() {
		defer wg.Done()
		wi, bl, err := p.extractWorkItemsAndBlockers(deadlineCtx, conversation)
		if err != nil {
			return
		}
		mu.Lock()
		items = wi
		blocks = bl
		mu.Unlock()
	}()

	go func() {
		defer wg.Done()
		ph, pv, err := p.extractPhaseAndPivots(deadlineCtx, conversation)
		if err != nil {
			return
		}
		mu.Lock()
		phase = ph
		pivots = pv
		mu.Unlock()
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-deadlineCtx.Done():
		// Phase 1 timed out; proceed with whatever completed under mu.
	}

	mu.Lock()
	tt := &TaskTracking{
		RunID:          newRunID(),
		Summary:        summary,
		AllWork:        items,
		Blockers:       blocks,
		Phase:          phase,
		StrategyPivots: pivots,
		PlanVersion:    1,
	}
	mu.Unlock()

	if err := p.refine(ctx, tt); err != nil {
		return nil, fmt.Errorf("plan: phase 2 refinement: %w", err)
	}
	Validate(tt)
	return tt, nil
}

// refine runs Phase 2: agent assignment followed by validation/ordering
// that drops unassignable or human-only items.
func (p *Planner) refine(ctx context.Context, tt *TaskTracking) error {
	assignments, err := p.assignAgents(ctx, tt.AllWork)
	if err != nil {
		return err
	}
	tt.AgentAssignments = assignments

	assigned := assignmentsByWorkItem(assignments)
	kept := tt.AllWork[:0]
	for _, item := range tt.AllWork {
		if item.Status == StatusCompleted || item.Status == StatusCancelled {
			kept = append(kept, item)
			continue
		}
		if _, ok := assigned[item.ID]; ok {
			kept = append(kept, item)
		}
	}
	tt.AllWork = append([]WorkItem(nil), kept...)
	return nil
}

func (p *Planner) extractSummary(ctx context.Context, conversation []model.Message) (string, error) {
	resp, err := p.complete(ctx, conversation,
		"Write a one-sentence-to-one-paragraph summary of the current status, objective, and rationale of this conversation. Respond with plain text only.")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

func (p *Planner) extractWorkItemsAndBlockers(ctx context.Context, conversation []model.Message) ([]WorkItem, []Blocker, error) {
	resp, err := p.complete(ctx, conversation, fmt.Sprintf(
		`Decompose the remaining work into concrete actions, constrained to what the following agents can do:
%s

Each work item must have an Id of the form "wi-NNN", a Title, a Description, an Owner that is one of the agent ids above whose capabilities fit, DependencyIds drawn only from ids in your response, SuccessCriteria, and EstimatedComplexity (one of quick, standard, thorough).

Respond with a JSON object: {"work_items": [...], "blockers": [...]}. Use exactly these field names in snake_case.`,
		p.describeAgents()))
	if err != nil {
		return nil, nil, err
	}
	var parsed struct {
		WorkItems []WorkItem `json:"work_items"`
		Blockers  []Blocker  `json:"blockers"`
	}
	if err := decodeJSONResponse(resp.Text, &parsed); err != nil {
		return nil, nil, err
	}
	return parsed.WorkItems, parsed.Blockers, nil
}

func (p *Planner) extractPhaseAndPivots(ctx context.Context, conversation []model.Message) (Phase, []string, error) {
	resp, err := p.complete(ctx, conversation,
		`What phase is this plan in (one of "planning", "execution", "recovery", "complete") and what strategy pivots, if any, should be noted? Respond with a JSON object: {"phase": "...", "strategy_pivots": ["..."]}.`)
	if err != nil {
		return PhasePlanning, nil, err
	}
	var parsed struct {
		Phase          Phase    `json:"phase"`
		StrategyPivots []string `json:"strategy_pivots"`
	}
	if err := decodeJSONResponse(resp.Text, &parsed); err != nil {
		return PhasePlanning, nil, err
	}
	if parsed.Phase == "" {
		parsed.Phase = PhasePlanning
	}
	return parsed.Phase, parsed.StrategyPivots, nil
}

func (p *Planner) assignAgents(ctx context.Context, items []WorkItem) ([]AgentAssignment, error) {
	var pending []WorkItem
	for _, item := range items {
		if item.Status == StatusPending || item.Status == StatusInProgress || item.Status == "" {
			pending = append(pending, item)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	resp, err := p.complete(ctx, nil, fmt.Sprintf(
		`For each of the following pending work items, bind it to exactly one agent id and capability from this list, with a short rationale. Capability must match exactly; if no agent's capability matches, omit the item.

AGENTS:
%s

WORK ITEMS:
%s

Respond with a JSON object: {"assignments": [{"work_item_id": "...", "agent_id": "...", "capability": "...", "rationale": "..."}]}.`,
		p.describeAgents(), describeWorkItems(pending)))
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Assignments []struct {
			WorkItemID string `json:"work_item_id"`
			AgentID    string `json:"agent_id"`
			Capability string `json:"capability"`
			Rationale  string `json:"rationale"`
		} `json:"assignments"`
	}
	if err := decodeJSONResponse(resp.Text, &parsed); err != nil {
		return nil, err
	}

	capabilities := make(map[string]map[string]bool, len(p.agents))
	for _, a := range p.agents {
		caps := make(map[string]bool, len(a.Capabilities))
		for _, c := range a.Capabilities {
			caps[c] = true
		}
		capabilities[a.AgentID] = caps
	}

	assignments := make([]AgentAssignment, 0, len(parsed.Assignments))
	for _, a := range parsed.Assignments {
		if caps, ok := capabilities[a.AgentID]; !ok || !caps[a.Capability] {
			continue
		}
		assignments = append(assignments, AgentAssignment{
			WorkItemID: a.WorkItemID,
			AgentID:    a.AgentID,
			Capability: a.Capability,
			Rationale:  a.Rationale,
		})
	}
	return assignments, nil
}

func (p *Planner) complete(ctx context.Context, conversation []model.Message, instruction string) (*model.Response, error) {
	messages := append([]model.Message(nil), conversation...)
	messages = append(messages, model.Message{Role: model.RoleUser, Text: instruction})
	return p.client.Complete(ctx, &model.Request{Messages: messages})
}

func (p *Planner) describeAgents() string {
	var sb strings.Builder
	for _, a := range p.agents {
		fmt.Fprintf(&sb, "- %s: %s\n", a.AgentID, strings.Join(a.Capabilities, ", "))
	}
	return sb.String()
}

func describeWorkItems(items []WorkItem) string {
	var sb strings.Builder
	for _, item := range items {
		fmt.Fprintf(&sb, "- %s: %s — %s\n", item.ID, item.Title, item.Description)
	}
	return sb.String()
}

// decodeJSONResponse tolerates a model response wrapped in a markdown code
// fence, a habit reasoning models fall into even when asked for raw JSON.
func decodeJSONResponse(text string, dest any) error {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(text), dest); err != nil {
		return fmt.Errorf("decode model response as JSON: %w", err)
	}
	return nil
}
