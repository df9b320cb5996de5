package plan

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentfabric/mesh/messaging"
	"github.com/agentfabric/mesh/model"
)

// Outcome classifies a dispatched agent's response.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeNeedsInfo Outcome = "needs_info"
	OutcomeFailed    Outcome = "failed"
)

type (
	// DispatchResponse is what a dispatched agent returned.
	DispatchResponse struct {
		MessageType string
		Text        string
	}

	// Sender delivers a dispatch message to a work item's assigned agent
	// and waits for its reply, mirroring the messaging plane's
	// request-response Kind.
	Sender interface {
		SendAndReceive(ctx context.Context, targetHandle string, channel, message string) (DispatchResponse, error)
	}

	// ReminderScheduler registers a durable callback that reactivates the
	// execution loop after RetryDelay, surviving the hosting agent's
	// deactivation in the interim.
	ReminderScheduler interface {
		RegisterReminder(ctx context.Context, name string, delay time.Duration) error
		UnregisterReminder(ctx context.Context, name string) error
	}

	// CompletionVerdict reports why the loop stopped.
	CompletionVerdict struct {
		Success bool
		Reason  string
	}

	// Hooks are invoked at the loop's externally observable transitions.
	Hooks struct {
		OnExecutionComplete func(verdict CompletionVerdict)
		OnDispatch          func(item WorkItem, targetHandle string)
		OnStall             func(stallCycles int)
	}

	// Options configures the execution loop's tuning knobs.
	Options struct {
		MaxRetries        int
		RetryDelay        time.Duration
		PollDelay         time.Duration
		MaxStallCycles    int
		MaxFollowUps      int
		ResolveAgentHandle func(ownerID string) string
		HandlePrefix      string
	}

	// State is the execution loop's mutable bookkeeping, persisted
	// alongside the plan so a reactivated agent can resume mid-execution.
	State struct {
		IsExecuting     bool
		RetryCounts     map[string]int
		PendingRetries  map[string]bool
		FollowUpCounts  map[string]int
		stallCycles     int
		lastCompletedN  int
	}

	// Loop drives one plan's dispatch/retry/follow-up state machine. It is
	// grounded on the teacher's workflowLoop (runtime/agent/runtime/workflow_loop.go):
	// a single-threaded run() that repeatedly evaluates loop state and
	// dispatches the next unit of work, generalized from the teacher's
	// tool-call turn shape to this spec's work-item dispatch shape.
	Loop struct {
		planner *Planner
		sender  Sender
		sched   ReminderScheduler
		opts    Options
		hooks   Hooks
		sleep   func(time.Duration)
	}
)

// NewState returns a freshly initialized execution State with IsExecuting
// set, ready to drive a new plan.
func NewState() *State {
	return &State{
		IsExecuting:    true,
		RetryCounts:    make(map[string]int),
		PendingRetries: make(map[string]bool),
		FollowUpCounts: make(map[string]int),
	}
}

// NewLoop constructs an execution Loop.
func NewLoop(planner *Planner, sender Sender, sched ReminderScheduler, opts Options, hooks Hooks) *Loop {
	return &Loop{planner: planner, sender: sender, sched: sched, opts: opts, hooks: hooks, sleep: time.Sleep}
}

// Run drives the loop to completion (or context cancellation), mutating
// tt and st in place as items are dispatched, retried, and replanned.
func (l *Loop) Run(ctx context.Context, tt *TaskTracking, st *State) (*TaskTracking, error) {
	for {
		if ctx.Err() != nil {
			return tt, ctx.Err()
		}
		if tt == nil || !st.IsExecuting {
			return tt, nil
		}

		completed := completedIDs(tt)
		next := l.nextActionable(tt, st, completed)
		if next == nil {
			done, verdict := l.checkCompletion(tt, st, completed)
			if done {
				st.IsExecuting = false
				if l.hooks.OnExecutionComplete != nil {
					l.hooks.OnExecutionComplete(verdict)
				}
				return tt, nil
			}
			if l.sleep != nil {
				l.sleep(l.opts.PollDelay)
			}
			continue
		}

		st.stallCycles = 0
		updated, err := l.dispatch(ctx, tt, st, next, completed)
		if err != nil {
			return tt, err
		}
		tt = updated
	}
}

func completedIDs(tt *TaskTracking) map[string]bool {
	out := make(map[string]bool, len(tt.AllWork))
	for _, item := range tt.AllWork {
		if item.Status == StatusCompleted {
			out[item.ID] = true
		}
	}
	return out
}

// nextActionable returns the first item in ExecutionOrder that is ready to
// dispatch: pending or in_progress, not currently awaiting a retry, with
// every dependency completed.
func (l *Loop) nextActionable(tt *TaskTracking, st *State, completed map[string]bool) *WorkItem {
	byID := workItemByID(tt.AllWork)
	for _, id := range tt.ExecutionOrder {
		item, ok := byID[id]
		if !ok {
			continue
		}
		if item.Status != StatusPending && item.Status != StatusInProgress {
			continue
		}
		if st.PendingRetries[id] {
			continue
		}
		if !dependenciesSatisfied(item.DependencyIds, completed) {
			continue
		}
		return item
	}
	return nil
}

func dependenciesSatisfied(deps []string, completed map[string]bool) bool {
	for _, d := range deps {
		if !completed[d] {
			return false
		}
	}
	return true
}

// checkCompletion decides whether the loop should stop when there is no
// actionable item: exit with a verdict when nothing is pending and no
// retries are outstanding, otherwise track stall cycles.
func (l *Loop) checkCompletion(tt *TaskTracking, st *State, completed map[string]bool) (bool, CompletionVerdict) {
	hasOutstanding := len(st.PendingRetries) > 0
	anyActionable := false
	for _, item := range tt.AllWork {
		if item.Status == StatusPending || item.Status == StatusInProgress {
			anyActionable = true
			break
		}
	}

	if !anyActionable && !hasOutstanding {
		anyFailed := false
		for _, item := range tt.AllWork {
			if item.Status == StatusFailed {
				anyFailed = true
				break
			}
		}
		return true, CompletionVerdict{Success: !anyFailed, Reason: completionReason(anyFailed)}
	}

	if len(completed) > st.lastCompletedN {
		st.stallCycles = 0
	} else {
		st.stallCycles++
	}
	st.lastCompletedN = len(completed)

	if l.opts.MaxStallCycles > 0 && st.stallCycles >= l.opts.MaxStallCycles {
		if l.hooks.OnStall != nil {
			l.hooks.OnStall(st.stallCycles)
		}
		return true, CompletionVerdict{Success: false, Reason: "stalled: no progress for MaxStallCycles polls"}
	}
	return false, CompletionVerdict{}
}

func completionReason(anyFailed bool) string {
	if anyFailed {
		return "one or more work items failed"
	}
	return "all work items completed"
}

// dispatch composes and sends a dispatch message for item, classifies the
// response, and applies the resulting outcome (completion, retry, or
// follow-up), returning the replanned TaskTracking.
func (l *Loop) dispatch(ctx context.Context, tt *TaskTracking, st *State, item *WorkItem, completed map[string]bool) (*TaskTracking, error) {
	target := l.resolveTarget(item.Owner)
	if l.hooks.OnDispatch != nil {
		l.hooks.OnDispatch(*item, target)
	}

	message := l.composeDispatchMessage(ctx, tt, item, completed)
	resp, err := l.sender.SendAndReceive(ctx, target, "agent", message)
	if err != nil {
		return l.onTransientFailure(ctx, tt, st, item, err.Error())
	}

	return l.classifyAndHandle(ctx, tt, st, item, target, resp)
}

func (l *Loop) classifyAndHandle(ctx context.Context, tt *TaskTracking, st *State, item *WorkItem, target string, resp DispatchResponse) (*TaskTracking, error) {
	switch resp.MessageType {
	case messaging.MessageTypeAgentErrorTransient:
		return l.onTransientFailure(ctx, tt, st, item, resp.Text)
	case messaging.MessageTypeAgentError:
		return l.onPermanentFailure(ctx, tt, st, item, resp.Text)
	}

	outcome, summary, followUp, err := l.evaluate(ctx, item, resp.Text)
	if err != nil {
		// An unreachable or unparseable evaluator defaults to treating the
		// agent's response as Completed rather than retrying.
		outcome, summary = OutcomeCompleted, resp.Text
	}

	switch outcome {
	case OutcomeCompleted:
		delete(st.RetryCounts, item.ID)
		delete(st.FollowUpCounts, item.ID)
		delete(st.PendingRetries, item.ID)
		return l.replan(ctx, tt, StatusUpdate{WorkItemID: item.ID, NewStatus: StatusCompleted, Result: summary})
	case OutcomeNeedsInfo:
		st.FollowUpCounts[item.ID]++
		if st.FollowUpCounts[item.ID] > l.opts.MaxFollowUps {
			return l.onPermanentFailure(ctx, tt, st, item, "exceeded max follow-ups without completion")
		}
		followResp, err := l.sender.SendAndReceive(ctx, target, "agent", followUp)
		if err != nil {
			return l.onTransientFailure(ctx, tt, st, item, err.Error())
		}
		return l.classifyAndHandle(ctx, tt, st, item, target, followResp)
	default:
		return l.onPermanentFailure(ctx, tt, st, item, summary)
	}
}

func (l *Loop) onTransientFailure(ctx context.Context, tt *TaskTracking, st *State, item *WorkItem, reason string) (*TaskTracking, error) {
	st.RetryCounts[item.ID]++
	if st.RetryCounts[item.ID] <= l.opts.MaxRetries {
		st.PendingRetries[item.ID] = true
		if l.sched != nil {
			if err := l.sched.RegisterReminder(ctx, retryReminderName(item.ID), l.opts.RetryDelay); err != nil {
				return tt, fmt.Errorf("plan: register retry reminder: %w", err)
			}
		}
		return tt, nil
	}
	return l.onPermanentFailure(ctx, tt, st, item, reason)
}

func (l *Loop) onPermanentFailure(ctx context.Context, tt *TaskTracking, st *State, item *WorkItem, reason string) (*TaskTracking, error) {
	delete(st.RetryCounts, item.ID)
	delete(st.PendingRetries, item.ID)
	delete(st.FollowUpCounts, item.ID)
	return l.replan(ctx, tt, StatusUpdate{WorkItemID: item.ID, NewStatus: StatusFailed, Result: reason})
}

// RetryReminderFired is called by the hosting agent's reminder handler
// when a retry-<id> reminder fires: it clears the pending-retry flag so
// the main loop will dispatch the item again on its next iteration.
func (st *State) RetryReminderFired(workItemID string) {
	delete(st.PendingRetries, workItemID)
}

func retryReminderName(workItemID string) string {
	return "retry-" + workItemID
}

func (l *Loop) resolveTarget(owner string) string {
	if l.opts.ResolveAgentHandle != nil {
		return l.opts.ResolveAgentHandle(owner)
	}
	return l.opts.HandlePrefix + owner
}

func (l *Loop) replan(ctx context.Context, tt *TaskTracking, update StatusUpdate) (*TaskTracking, error) {
	if l.planner == nil {
		applied := ApplyStatusUpdates(tt, []StatusUpdate{update})
		Validate(applied)
		return applied, nil
	}
	return l.planner.Replan(ctx, tt, []StatusUpdate{update}, nil)
}

func (l *Loop) composeDispatchMessage(ctx context.Context, tt *TaskTracking, item *WorkItem, completed map[string]bool) string {
	if l.planner == nil || l.planner.client == nil {
		return fallbackDispatchMessage(item)
	}
	byID := workItemByID(tt.AllWork)
	depIDs := make(map[string]bool, len(item.DependencyIds))
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n%s\n\n", item.Title, item.Description)
	if item.SuccessCriteria != "" {
		fmt.Fprintf(&sb, "Success criteria: %s\n\n", item.SuccessCriteria)
	}
	for _, depID := range item.DependencyIds {
		depIDs[depID] = true
		if dep, ok := byID[depID]; ok && completed[depID] {
			fmt.Fprintf(&sb, "Dependency %q result (in full):\n%s\n\n", dep.Title, dep.Result)
		}
	}
	var otherResults []string
	for id := range completed {
		if id == item.ID || depIDs[id] {
			continue
		}
		if other, ok := byID[id]; ok && other.Result != "" {
			otherResults = append(otherResults, fmt.Sprintf("%s: %s", other.Title, other.Result))
		}
	}
	if len(otherResults) > 0 {
		fmt.Fprintf(&sb, "Other completed work so far:\n%s\n\n", strings.Join(otherResults, "\n"))
	}
	instruction := fmt.Sprintf(
		"Compose a concise dispatch message for the agent assigned this work item, incorporating the task and any dependency results above:\n\n%s",
		sb.String())
	resp, err := l.planner.client.Complete(ctx, &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Text: instruction}},
	})
	if err != nil || strings.TrimSpace(resp.Text) == "" {
		return fallbackDispatchMessage(item)
	}
	return resp.Text
}

func fallbackDispatchMessage(item *WorkItem) string {
	return fmt.Sprintf("%s: %s", item.Title, item.Description)
}

// evaluate asks the model to classify a dispatched agent's reply as
// Completed, NeedsInfo, or Failed, enforcing data completeness: a reply
// that only claims work was done without the deliverable data is
// NeedsInfo, not Completed.
func (l *Loop) evaluate(ctx context.Context, item *WorkItem, responseText string) (Outcome, string, string, error) {
	if l.planner == nil || l.planner.client == nil {
		return OutcomeCompleted, responseText, "", nil
	}
	instruction := fmt.Sprintf(
		`A work item was dispatched to an agent. Judge its reply.

WORK ITEM: %s — %s
SUCCESS CRITERIA: %s

AGENT REPLY:
%s

A reply that merely claims work was done without including the concrete deliverable data is NeedsInfo, not Completed. Respond with a JSON object: {"outcome": "completed"|"needs_info"|"failed", "summary": "...", "follow_up_message": "..."}. follow_up_message is only used when outcome is needs_info; it must instruct the agent to produce concrete data and may reference completed context.`,
		item.Title, item.Description, item.SuccessCriteria, responseText)

	resp, err := l.planner.client.Complete(ctx, &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Text: instruction}},
	})
	if err != nil {
		return "", "", "", err
	}
	var parsed struct {
		Outcome         Outcome `json:"outcome"`
		Summary         string  `json:"summary"`
		FollowUpMessage string  `json:"follow_up_message"`
	}
	if err := decodeJSONResponse(resp.Text, &parsed); err != nil {
		return "", "", "", err
	}
	if parsed.Outcome == "" {
		parsed.Outcome = OutcomeFailed
	}
	return parsed.Outcome, parsed.Summary, parsed.FollowUpMessage, nil
}
