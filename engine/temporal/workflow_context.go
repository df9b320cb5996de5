package temporal

import (
	"context"
	"errors"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	rtengine "github.com/agentfabric/mesh/engine"
	"github.com/agentfabric/mesh/telemetry"
)

type temporalWorkflowContext struct {
	engine     *Engine
	ctx        workflow.Context
	workflowID string
	runID      string
	logger     telemetry.Logger
	metrics    telemetry.Metrics
	tracer     telemetry.Tracer
}

func newTemporalWorkflowContext(e *Engine, ctx workflow.Context) *temporalWorkflowContext {
	info := workflow.GetInfo(ctx)
	wfCtx := &temporalWorkflowContext{
		engine:     e,
		ctx:        ctx,
		workflowID: info.WorkflowExecution.ID,
		runID:      info.WorkflowExecution.RunID,
		logger:     e.logger,
		metrics:    e.metrics,
		tracer:     e.tracer,
	}
	e.trackWorkflowContext(wfCtx.runID, wfCtx)
	return wfCtx
}

// normalizeTemporalError translates Temporal cancellation errors to
// context.Canceled so the rest of the runtime can classify cancellation
// uniformly across engine backends.
func normalizeTemporalError(err error) error {
	if err == nil {
		return nil
	}
	if temporalsdk.IsCanceledError(err) {
		return context.Canceled
	}
	return err
}

func convertRetryPolicy(r rtengine.RetryPolicy) *temporalsdk.RetryPolicy {
	if r.MaxAttempts == 0 && r.InitialInterval == 0 && r.BackoffCoefficient == 0 {
		return nil
	}
	policy := &temporalsdk.RetryPolicy{}
	if r.MaxAttempts > 0 {
		policy.MaximumAttempts = int32(r.MaxAttempts)
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = r.BackoffCoefficient
	}
	return policy
}

func (w *temporalWorkflowContext) Context() context.Context {
	return context.Background()
}

func (w *temporalWorkflowContext) WorkflowID() string { return w.workflowID }
func (w *temporalWorkflowContext) RunID() string      { return w.runID }

func (w *temporalWorkflowContext) Logger() telemetry.Logger   { return w.logger }
func (w *temporalWorkflowContext) Metrics() telemetry.Metrics { return w.metrics }
func (w *temporalWorkflowContext) Tracer() telemetry.Tracer   { return w.tracer }

func (w *temporalWorkflowContext) Now() time.Time { return workflow.Now(w.ctx) }

func (w *temporalWorkflowContext) activityOptionsFor(req rtengine.ActivityRequest) workflow.ActivityOptions {
	queue := req.Queue
	if queue == "" {
		queue = w.engine.defaultQueue
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = time.Minute
	}
	return workflow.ActivityOptions{
		// Bound both queue wait and execution time to the effective
		// timeout; otherwise a workflow can block until its run timeout
		// when workers are unavailable.
		ScheduleToStartTimeout: timeout,
		StartToCloseTimeout:    timeout,
		TaskQueue:              queue,
		RetryPolicy:            convertRetryPolicy(req.RetryPolicy),
	}
}

func (w *temporalWorkflowContext) ExecuteActivity(_ context.Context, req rtengine.ActivityRequest, result any) error {
	if req.Name == "" {
		return errors.New("activity name is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(req))
	fut := workflow.ExecuteActivity(actx, req.Name, req.Input)
	return normalizeTemporalError(fut.Get(actx, result))
}

func (w *temporalWorkflowContext) ExecuteActivityAsync(_ context.Context, req rtengine.ActivityRequest) (rtengine.Future, error) {
	if req.Name == "" {
		return nil, errors.New("activity name is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(req))
	fut := workflow.ExecuteActivity(actx, req.Name, req.Input)
	return &temporalFuture{future: fut, ctx: actx}, nil
}

func (w *temporalWorkflowContext) SignalChannel(name string) rtengine.SignalChannel {
	return &temporalSignalChannel{ctx: w.ctx, ch: workflow.GetSignalChannel(w.ctx, name)}
}

type temporalFuture struct {
	future workflow.Future
	ctx    workflow.Context
}

func (f *temporalFuture) Get(_ context.Context, result any) error {
	return normalizeTemporalError(f.future.Get(f.ctx, result))
}

func (f *temporalFuture) IsReady() bool { return f.future.IsReady() }

type temporalSignalChannel struct {
	ctx workflow.Context
	ch  workflow.ReceiveChannel
}

func (c *temporalSignalChannel) Receive(_ context.Context, dest any) error {
	c.ch.Receive(c.ctx, dest)
	return nil
}

func (c *temporalSignalChannel) ReceiveAsync(dest any) bool {
	return c.ch.ReceiveAsync(dest)
}
