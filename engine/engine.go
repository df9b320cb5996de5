// Package engine defines the cluster substrate abstraction required by spec
// §6: single-activation routing of requests to a handler on one node,
// exposed as a durable-workflow-engine interface so the rest of the runtime
// can target Temporal, an in-memory test engine, or any other durable
// execution backend without modification.
package engine

import (
	"context"
	"time"

	"github.com/agentfabric/mesh/telemetry"
)

type (
	// Engine abstracts workflow registration and execution so adapters
	// (Temporal, in-memory, or a future custom backend) can be swapped
	// without touching the agent/client entity code built on top of it.
	Engine interface {
		// RegisterWorkflow registers a workflow definition with the engine.
		// Called during service initialization before starting the worker
		// pool. Returns an error if the name is already registered.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterActivity registers an activity definition with the
		// engine. Must be called during initialization before starting
		// workers. Returns an error if the name conflicts.
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// StartWorkflow initiates a new workflow execution — in this
		// runtime, an agent or client entity activation — and returns a
		// handle for interacting with it. req.ID must be unique for the
		// engine instance.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
	}

	// WorkflowDefinition binds a workflow handler to a logical name and
	// default queue.
	WorkflowDefinition struct {
		// Name is the logical identifier registered with the engine (e.g.,
		// "AgentActivation", "ClientActivation").
		Name string
		// TaskQueue is the default queue used when starting new workflows.
		TaskQueue string
		// Handler is invoked by the engine when the workflow executes.
		Handler WorkflowFunc
	}

	// WorkflowFunc is an entity activation's entry point. It must be
	// deterministic: given the same inputs and activity results, it must
	// produce the same execution sequence, since durable engines replay it.
	WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

	// WorkflowContext exposes engine operations to a running activation
	// within the deterministic execution environment of a workflow.
	//
	// Implementations must ensure deterministic replay: ExecuteActivity and
	// SignalChannel must produce deterministic results when replayed.
	// Direct I/O, random number generation, or system time access within a
	// workflow handler violates determinism.
	//
	// WorkflowContext is bound to a single execution and must not be shared
	// across goroutines.
	WorkflowContext interface {
		// Context returns a Go context for calls made from the workflow
		// handler. The in-memory engine returns the context StartWorkflow
		// was called with; the Temporal adapter returns
		// context.Background(), which carries no workflow deadline or
		// cancellation.
		Context() context.Context

		// WorkflowID returns the unique identifier for this execution —
		// the agent or client handle that activated it.
		WorkflowID() string

		// RunID returns the engine-assigned run identifier.
		RunID() string

		// ExecuteActivity schedules an activity and waits for its result,
		// populating result with the activity's return value.
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error

		// ExecuteActivityAsync schedules an activity without blocking and
		// returns a Future, enabling concurrent activity execution (used by
		// the planner's parallel Phase 1 extractions).
		ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)

		// SignalChannel returns a channel for the given signal name so
		// workflow code can react to external events (reminder ticks,
		// retry-timer callbacks) delivered via the engine's signaling
		// mechanism.
		SignalChannel(name string) SignalChannel

		// Logger returns a logger scoped to this workflow execution.
		Logger() telemetry.Logger
		// Metrics returns a metrics recorder scoped to this execution.
		Metrics() telemetry.Metrics
		// Tracer returns a tracer for spans within the workflow.
		Tracer() telemetry.Tracer

		// Now returns the current workflow time in a deterministic,
		// replay-safe manner (e.g., Temporal's workflow.Now).
		Now() time.Time
	}

	// Future represents a pending activity result.
	//
	// Calling Get multiple times is safe and returns the same result/error
	// each time.
	Future interface {
		// Get blocks until the activity completes and populates result.
		Get(ctx context.Context, result any) error
		// IsReady reports whether Get will return without blocking.
		IsReady() bool
	}

	// ActivityDefinition registers an activity handler with optional
	// defaults. Activities are stateless, short-lived tasks invoked from a
	// workflow (persistent-state reads/writes, stream publishes, LLM
	// calls).
	ActivityDefinition struct {
		Name    string
		Handler ActivityFunc
		Options ActivityOptions
	}

	// ActivityFunc handles an activity invocation. Unlike workflow
	// handlers, activities may perform side effects (I/O, API calls,
	// database access).
	ActivityFunc func(ctx context.Context, input any) (any, error)

	// ActivityOptions configures retry/timeout behavior for an activity.
	ActivityOptions struct {
		Queue       string
		RetryPolicy RetryPolicy
		// Timeout bounds total execution time including retries. Zero
		// means no timeout.
		Timeout time.Duration
	}

	// WorkflowStartRequest describes how to launch an entity activation.
	WorkflowStartRequest struct {
		// ID is the workflow identifier — the agent or client handle —
		// unique within the engine scope, enforcing single-activation.
		ID               string
		Workflow         string
		TaskQueue        string
		Input            any
		Memo             map[string]any
		SearchAttributes map[string]any
		RetryPolicy      RetryPolicy
	}

	// ActivityRequest contains the info needed to schedule an activity from
	// a workflow.
	ActivityRequest struct {
		Name        string
		Input       any
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowHandle lets callers interact with a running activation.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes, populating result.
		Wait(ctx context.Context, result any) error
		// Signal sends an asynchronous message to the workflow.
		Signal(ctx context.Context, name string, payload any) error
		// Cancel requests cancellation of the workflow.
		Cancel(ctx context.Context) error
	}

	// RetryPolicy defines retry semantics shared by workflows and
	// activities. Zero-valued fields mean the engine uses its defaults.
	RetryPolicy struct {
		MaxAttempts        int
		InitialInterval    time.Duration
		BackoffCoefficient float64
	}

	// SignalChannel exposes workflow signal delivery in an engine-agnostic
	// way: used by the plan-execute loop's retry-reminder callback and by
	// reminder ticks reactivating a deactivated agent.
	SignalChannel interface {
		// Receive blocks until a signal value is delivered and decodes it
		// into dest.
		Receive(ctx context.Context, dest any) error
		// ReceiveAsync attempts a non-blocking receive, returning true when
		// dest was populated.
		ReceiveAsync(dest any) bool
	}
)
