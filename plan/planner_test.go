package plan

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentfabric/mesh/model"
)

// scriptedClient returns a canned response keyed by the first matching
// substring of the final message in the request, recording every prompt it
// was given for later assertions.
type scriptedClient struct {
	mu        sync.Mutex
	responses map[string]string
	calls     []string
}

func (c *scriptedClient) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	text := req.Messages[len(req.Messages)-1].Text
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, text)
	for substr, resp := range c.responses {
		if strings.Contains(text, substr) {
			return &model.Response{Text: resp}, nil
		}
	}
	return &model.Response{Text: "{}"}, nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func TestPlanRunsTwoPhaseExtractionAndAssignment(t *testing.T) {
	client := &scriptedClient{responses: map[string]string{
		"one-sentence-to-one-paragraph": "Building a widget.",
		"Decompose the remaining work": `{"work_items":[
			{"id":"wi-1","title":"Write widget","description":"Implement it","owner":"agent-a","dependency_ids":[],"success_criteria":"compiles","estimated_complexity":"quick"}
		],"blockers":[]}`,
		`What phase is this plan in`: `{"phase":"planning","strategy_pivots":[]}`,
		"bind it to exactly one agent id": `{"assignments":[
			{"work_item_id":"wi-1","agent_id":"agent-a","capability":"coding","rationale":"matches"}
		]}`,
	}}
	agents := []AgentCapability{{AgentID: "agent-a", Capabilities: []string{"coding"}}}
	planner := NewPlanner(client, agents)

	tt, err := planner.Plan(context.Background(), []model.Message{{Role: model.RoleUser, Text: "build a widget"}})
	require.NoError(t, err)
	require.Equal(t, "Building a widget.", tt.Summary)
	require.Len(t, tt.AllWork, 1)
	require.Equal(t, "agent-a", tt.AllWork[0].Owner)
	require.Len(t, tt.AgentAssignments, 1)
	require.Equal(t, "agent-a", tt.AgentAssignments[0].AgentID)
	require.Equal(t, []string{"wi-1"}, tt.ExecutionOrder)
	require.NotEmpty(t, tt.RunID)
}

func TestPlanAssignsDistinctRunIDsAcrossCalls(t *testing.T) {
	client := &scriptedClient{responses: map[string]string{}}
	planner := NewPlanner(client, nil)

	first, err := planner.Plan(context.Background(), []model.Message{{Role: model.RoleUser, Text: "a"}})
	require.NoError(t, err)
	second, err := planner.Plan(context.Background(), []model.Message{{Role: model.RoleUser, Text: "b"}})
	require.NoError(t, err)

	require.NotEmpty(t, first.RunID)
	require.NotEmpty(t, second.RunID)
	require.NotEqual(t, first.RunID, second.RunID)
}

func TestPlanDropsWorkItemsWithNoCapableAgent(t *testing.T) {
	client := &scriptedClient{responses: map[string]string{
		"one-sentence-to-one-paragraph": "summary",
		"Decompose the remaining work": `{"work_items":[
			{"id":"wi-1","title":"t","description":"d","owner":"agent-a"}
		],"blockers":[]}`,
		`What phase is this plan in`: `{"phase":"planning"}`,
		"bind it to exactly one agent id": `{"assignments":[]}`,
	}}
	agents := []AgentCapability{{AgentID: "agent-a", Capabilities: []string{"design"}}}
	planner := NewPlanner(client, agents)

	tt, err := planner.Plan(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, tt.AllWork)
}

func TestPlanRejectsAssignmentWithMismatchedCapability(t *testing.T) {
	client := &scriptedClient{responses: map[string]string{
		"one-sentence-to-one-paragraph": "summary",
		"Decompose the remaining work": `{"work_items":[
			{"id":"wi-1","title":"t","description":"d","owner":"agent-a"}
		]}`,
		`What phase is this plan in`: `{"phase":"planning"}`,
		"bind it to exactly one agent id": `{"assignments":[
			{"work_item_id":"wi-1","agent_id":"agent-a","capability":"wrong-capability"}
		]}`,
	}}
	agents := []AgentCapability{{AgentID: "agent-a", Capabilities: []string{"coding"}}}
	planner := NewPlanner(client, agents)

	tt, err := planner.Plan(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, tt.AgentAssignments)
	require.Empty(t, tt.AllWork)
}

func TestDecodeJSONResponseStripsMarkdownFence(t *testing.T) {
	var dest struct {
		Foo string `json:"foo"`
	}
	err := decodeJSONResponse("```json\n{\"foo\":\"bar\"}\n```", &dest)
	require.NoError(t, err)
	require.Equal(t, "bar", dest.Foo)
}
