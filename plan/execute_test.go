package plan

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentfabric/mesh/messaging"
	"github.com/agentfabric/mesh/model"
)

type fakeSender struct {
	mu       sync.Mutex
	calls    int
	sequence []DispatchResponse
	errs     []error
}

func (f *fakeSender) SendAndReceive(_ context.Context, _ string, _ string, _ string) (DispatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if err != nil {
		return DispatchResponse{}, err
	}
	if i < len(f.sequence) {
		return f.sequence[i], nil
	}
	return DispatchResponse{Text: "ok"}, nil
}

type fakeScheduler struct {
	state *State
}

func (f *fakeScheduler) RegisterReminder(_ context.Context, name string, _ time.Duration) error {
	f.state.RetryReminderFired(strings.TrimPrefix(name, "retry-"))
	return nil
}

func (f *fakeScheduler) UnregisterReminder(_ context.Context, _ string) error { return nil }

func noSleep(time.Duration) {}

// erroringClient fails the evaluator's Complete call, standing in for an LLM
// evaluator call that cannot be reached or cannot be parsed. Every other
// call (dispatch composition, replanning) gets an empty JSON object.
type erroringClient struct{}

func (erroringClient) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	if strings.Contains(req.Messages[len(req.Messages)-1].Text, "Judge its reply") {
		return nil, errors.New("model unavailable")
	}
	return &model.Response{Text: "{}"}, nil
}

func TestClassifyAndHandleDefaultsToCompletedWhenEvaluatorErrors(t *testing.T) {
	tt := &TaskTracking{AllWork: []WorkItem{{ID: "wi-1", Title: "t", Owner: "agent-a", Status: StatusPending}}, ExecutionOrder: []string{"wi-1"}}
	sender := &fakeSender{sequence: []DispatchResponse{{Text: "done"}}}
	planner := NewPlanner(erroringClient{}, nil)
	var gotVerdict CompletionVerdict
	loop := NewLoop(planner, sender, nil, Options{HandlePrefix: "acme:", MaxRetries: 1, PollDelay: time.Millisecond}, Hooks{
		OnExecutionComplete: func(v CompletionVerdict) { gotVerdict = v },
	})
	loop.sleep = noSleep

	result, err := loop.Run(context.Background(), tt, NewState())
	require.NoError(t, err)
	require.Equal(t, 1, sender.calls)
	require.True(t, gotVerdict.Success)
	byID := workItemByID(result.AllWork)
	require.Equal(t, StatusCompleted, byID["wi-1"].Status)
	require.Equal(t, "done", byID["wi-1"].Result)
}

func TestLoopDispatchesAndCompletesSingleItem(t *testing.T) {
	tt := &TaskTracking{AllWork: []WorkItem{{ID: "wi-1", Title: "t", Owner: "agent-a", Status: StatusPending}}, ExecutionOrder: []string{"wi-1"}}
	sender := &fakeSender{sequence: []DispatchResponse{{Text: "done"}}}
	var gotVerdict CompletionVerdict
	loop := NewLoop(nil, sender, nil, Options{HandlePrefix: "acme:", PollDelay: time.Millisecond}, Hooks{
		OnExecutionComplete: func(v CompletionVerdict) { gotVerdict = v },
	})
	loop.sleep = noSleep

	result, err := loop.Run(context.Background(), tt, NewState())
	require.NoError(t, err)
	require.Equal(t, 1, sender.calls)
	require.True(t, gotVerdict.Success)
	byID := workItemByID(result.AllWork)
	require.Equal(t, StatusCompleted, byID["wi-1"].Status)
}

func TestLoopRetriesTransientFailureThenSucceeds(t *testing.T) {
	tt := &TaskTracking{AllWork: []WorkItem{{ID: "wi-1", Title: "t", Owner: "agent-a", Status: StatusPending}}, ExecutionOrder: []string{"wi-1"}}
	sender := &fakeSender{
		errs:     []error{errors.New("connection reset")},
		sequence: []DispatchResponse{{}, {Text: "done"}},
	}
	st := NewState()
	sched := &fakeScheduler{state: st}
	loop := NewLoop(nil, sender, sched, Options{HandlePrefix: "acme:", MaxRetries: 1, PollDelay: time.Millisecond}, Hooks{})
	loop.sleep = noSleep

	result, err := loop.Run(context.Background(), tt, st)
	require.NoError(t, err)
	require.Equal(t, 2, sender.calls)
	byID := workItemByID(result.AllWork)
	require.Equal(t, StatusCompleted, byID["wi-1"].Status)
}

func TestLoopTreatsFailureAsPermanentOnceRetriesExhausted(t *testing.T) {
	tt := &TaskTracking{AllWork: []WorkItem{{ID: "wi-1", Title: "t", Owner: "agent-a", Status: StatusPending}}, ExecutionOrder: []string{"wi-1"}}
	sender := &fakeSender{errs: []error{errors.New("down")}}
	var gotVerdict CompletionVerdict
	loop := NewLoop(nil, sender, nil, Options{HandlePrefix: "acme:", MaxRetries: 0, PollDelay: time.Millisecond}, Hooks{
		OnExecutionComplete: func(v CompletionVerdict) { gotVerdict = v },
	})
	loop.sleep = noSleep

	result, err := loop.Run(context.Background(), tt, NewState())
	require.NoError(t, err)
	require.False(t, gotVerdict.Success)
	byID := workItemByID(result.AllWork)
	require.Equal(t, StatusFailed, byID["wi-1"].Status)
}

func TestLoopClassifiesExplicitAgentErrorMessageTypesWithoutCallingModel(t *testing.T) {
	tt := &TaskTracking{AllWork: []WorkItem{{ID: "wi-1", Title: "t", Owner: "agent-a", Status: StatusPending}}, ExecutionOrder: []string{"wi-1"}}
	sender := &fakeSender{sequence: []DispatchResponse{{MessageType: messaging.MessageTypeAgentError, Text: "bad input"}}}
	loop := NewLoop(nil, sender, nil, Options{HandlePrefix: "acme:", MaxRetries: 1, PollDelay: time.Millisecond}, Hooks{})
	loop.sleep = noSleep

	result, err := loop.Run(context.Background(), tt, NewState())
	require.NoError(t, err)
	byID := workItemByID(result.AllWork)
	require.Equal(t, StatusFailed, byID["wi-1"].Status)
	require.Equal(t, "bad input", byID["wi-1"].Result)
}

func TestLoopStopsAfterMaxStallCyclesWhenDependencyNeverSatisfies(t *testing.T) {
	tt := &TaskTracking{
		AllWork:        []WorkItem{{ID: "wi-1", Title: "t", Owner: "agent-a", Status: StatusPending, DependencyIds: []string{"missing"}}},
		ExecutionOrder: []string{"wi-1"},
	}
	sender := &fakeSender{}
	var stalls int
	loop := NewLoop(nil, sender, nil, Options{HandlePrefix: "acme:", MaxStallCycles: 3, PollDelay: time.Millisecond}, Hooks{
		OnStall: func(n int) { stalls = n },
	})
	loop.sleep = noSleep

	_, err := loop.Run(context.Background(), tt, NewState())
	require.NoError(t, err)
	require.Equal(t, 0, sender.calls)
	require.Equal(t, 3, stalls)
}

// judgeClient scripts the model calls an execution loop makes once a
// planner is wired in: a dispatch-message composition (always answered the
// same way) and a reply evaluation that returns needs_info once before
// completing, so the follow-up-resend path gets exercised.
type judgeClient struct {
	mu         sync.Mutex
	judgeCalls int
}

func (c *judgeClient) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	text := req.Messages[len(req.Messages)-1].Text
	if strings.Contains(text, "Compose a concise dispatch message") {
		return &model.Response{Text: "dispatch message"}, nil
	}
	if strings.Contains(text, "Judge its reply") {
		c.mu.Lock()
		c.judgeCalls++
		n := c.judgeCalls
		c.mu.Unlock()
		if n == 1 {
			return &model.Response{Text: `{"outcome":"needs_info","summary":"missing data","follow_up_message":"please provide the data"}`}, nil
		}
		return &model.Response{Text: `{"outcome":"completed","summary":"done"}`}, nil
	}
	return &model.Response{Text: "{}"}, nil
}

func TestLoopResendsFollowUpThenCompletesOnNeedsInfoOutcome(t *testing.T) {
	client := &judgeClient{}
	planner := NewPlanner(client, nil)
	tt := &TaskTracking{AllWork: []WorkItem{{ID: "wi-1", Title: "t", Owner: "agent-a", Status: StatusPending}}, ExecutionOrder: []string{"wi-1"}}
	sender := &fakeSender{sequence: []DispatchResponse{{Text: "first reply"}, {Text: "second reply"}}}
	var gotVerdict CompletionVerdict
	loop := NewLoop(planner, sender, nil, Options{HandlePrefix: "acme:", MaxFollowUps: 2, PollDelay: time.Millisecond}, Hooks{
		OnExecutionComplete: func(v CompletionVerdict) { gotVerdict = v },
	})
	loop.sleep = noSleep

	result, err := loop.Run(context.Background(), tt, NewState())
	require.NoError(t, err)
	require.Equal(t, 2, sender.calls)
	require.Equal(t, 2, client.judgeCalls)
	require.True(t, gotVerdict.Success)
	byID := workItemByID(result.AllWork)
	require.Equal(t, StatusCompleted, byID["wi-1"].Status)
}
