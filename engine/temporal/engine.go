// Package temporal adapts github.com/agentfabric/mesh/engine.Engine onto the
// Temporal Go SDK, giving agent and client activations the single-activation
// routing, durable retries, and replay-safe signal delivery the cluster
// substrate contract requires (spec §6). It is a condensed rework of the
// pack's Temporal engine adapter: one worker per task queue, workflow
// handlers wrapped to expose engine.WorkflowContext, activity handlers
// wrapped to carry workflow correlation into activity-side logging.
package temporal

import (
	"context"
	"fmt"
	"sync"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	rtengine "github.com/agentfabric/mesh/engine"
	"github.com/agentfabric/mesh/telemetry"
)

// Options configures the Temporal engine adapter.
type Options struct {
	// Client is a pre-configured Temporal client. If nil, ClientOptions is
	// used to lazily create one.
	Client client.Client
	// ClientOptions builds a client when Client is nil.
	ClientOptions *client.Options

	// WorkerOptions configures the default task queue and worker tuning
	// shared across every queue this engine manages.
	WorkerOptions WorkerOptions

	// DisableWorkerAutoStart disables starting workers on first
	// StartWorkflow call; the caller must invoke Worker().Start() instead.
	DisableWorkerAutoStart bool

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// WorkerOptions configures the shared worker settings applied to every task
// queue managed by the engine.
type WorkerOptions struct {
	// TaskQueue is the default queue used when a workflow/activity
	// definition omits one. Required.
	TaskQueue string
	Options   worker.Options
}

// Engine implements rtengine.Engine on top of a Temporal client, managing
// one worker per distinct task queue.
type Engine struct {
	client      client.Client
	closeClient bool

	defaultQueue      string
	workerOpts        worker.Options
	autoStartDisabled bool

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	mu             sync.Mutex
	workers        map[string]*workerBundle
	workersStarted bool
	workflows      map[string]rtengine.WorkflowDefinition

	workflowContexts sync.Map // runID -> rtengine.WorkflowContext
}

// New constructs a Temporal-backed Engine. Either Client or ClientOptions
// must be set, and WorkerOptions.TaskQueue is required.
func New(opts Options) (*Engine, error) {
	defaultQueue := opts.WorkerOptions.TaskQueue
	if defaultQueue == "" {
		return nil, fmt.Errorf("temporal engine: worker options must include a default task queue")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: client options are required when Client is nil")
		}
		var err error
		cli, err = client.NewLazyClient(*opts.ClientOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	return &Engine{
		client:            cli,
		closeClient:       closeClient,
		defaultQueue:      defaultQueue,
		workerOpts:        opts.WorkerOptions.Options,
		autoStartDisabled: opts.DisableWorkerAutoStart,
		logger:            logger,
		metrics:           metrics,
		tracer:            tracer,
		workers:           make(map[string]*workerBundle),
		workflows:         make(map[string]rtengine.WorkflowDefinition),
	}, nil
}

// RegisterWorkflow registers a workflow definition on the worker for its
// task queue (or the engine's default queue).
func (e *Engine) RegisterWorkflow(_ context.Context, def rtengine.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: workflow name cannot be empty")
	}
	bundle, err := e.workerForQueue(def.TaskQueue)
	if err != nil {
		return err
	}

	bundle.registerWorkflow(def.Name, func(tctx workflow.Context, input any) (any, error) {
		wfCtx := newTemporalWorkflowContext(e, tctx)
		defer e.releaseWorkflowContext(wfCtx.RunID())
		return def.Handler(wfCtx, input)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterActivity registers an activity handler on the worker for its
// queue (or the engine's default queue).
func (e *Engine) RegisterActivity(_ context.Context, def rtengine.ActivityDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: activity name cannot be empty")
	}
	bundle, err := e.workerForQueue(def.Options.Queue)
	if err != nil {
		return err
	}
	bundle.registerActivity(def.Name, func(actx context.Context, input any) (any, error) {
		return def.Handler(actx, input)
	})
	return nil
}

// StartWorkflow launches a new activation on Temporal, using req.ID as the
// Temporal workflow ID so the single-activation invariant is enforced by
// Temporal's own duplicate-ID rejection.
func (e *Engine) StartWorkflow(ctx context.Context, req rtengine.WorkflowStartRequest) (rtengine.WorkflowHandle, error) {
	if req.Workflow == "" {
		return nil, fmt.Errorf("temporal engine: workflow name is required")
	}
	def, err := e.workflowDefinition(req.Workflow)
	if err != nil {
		return nil, err
	}
	if !e.autoStartDisabled {
		e.ensureWorkersStarted()
	}

	queue := req.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	if queue == "" {
		queue = e.defaultQueue
	}

	opts := client.StartWorkflowOptions{ID: req.ID, TaskQueue: queue}
	if rp := convertRetryPolicy(req.RetryPolicy); rp != nil {
		opts.RetryPolicy = rp
	}

	run, err := e.client.ExecuteWorkflow(ctx, opts, def.Name, req.Input)
	if err != nil {
		return nil, err
	}
	return &workflowHandle{run: run, client: e.client}, nil
}

// Worker returns a controller for starting/stopping every worker this
// engine manages.
func (e *Engine) Worker() *WorkerController { return &WorkerController{engine: e} }

// Close shuts down the Temporal client if this engine created it.
func (e *Engine) Close() error {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
	return nil
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	if queue == "" {
		queue = e.defaultQueue
	}
	if queue == "" {
		return nil, fmt.Errorf("temporal engine: no task queue configured")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}
	w := worker.New(e.client, queue, e.workerOpts)
	bundle := &workerBundle{queue: queue, worker: w, logger: e.logger}
	e.workers[queue] = bundle
	if e.workersStarted {
		bundle.start()
	}
	return bundle, nil
}

func (e *Engine) workflowDefinition(name string) (rtengine.WorkflowDefinition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, ok := e.workflows[name]
	if !ok {
		return rtengine.WorkflowDefinition{}, fmt.Errorf("temporal engine: workflow %q is not registered", name)
	}
	return def, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

func (e *Engine) trackWorkflowContext(runID string, wf rtengine.WorkflowContext) {
	if runID == "" {
		return
	}
	e.workflowContexts.Store(runID, wf)
}

func (e *Engine) releaseWorkflowContext(runID string) {
	if runID == "" {
		return
	}
	e.workflowContexts.Delete(runID)
}

// WorkerController starts/stops every worker managed by an Engine.
type WorkerController struct {
	engine *Engine
}

// Start launches all registered workers.
func (c *WorkerController) Start() error {
	c.engine.ensureWorkersStarted()
	return nil
}

// Stop gracefully stops all workers.
func (c *WorkerController) Stop() {
	c.engine.mu.Lock()
	bundles := make([]*workerBundle, 0, len(c.engine.workers))
	for _, b := range c.engine.workers {
		bundles = append(bundles, b)
	}
	c.engine.mu.Unlock()
	for _, b := range bundles {
		b.stop()
	}
}

type workerBundle struct {
	queue     string
	worker    worker.Worker
	logger    telemetry.Logger
	startOnce sync.Once
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.logger.Error(context.Background(), "temporal worker exited", "queue", b.queue, "err", err)
			}
		}()
	})
}

func (b *workerBundle) stop() { b.worker.Stop() }

func (b *workerBundle) registerWorkflow(name string, fn any) {
	b.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
}

func (b *workerBundle) registerActivity(name string, fn any) {
	b.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

type workflowHandle struct {
	run    client.WorkflowRun
	client client.Client
}

func (h *workflowHandle) Wait(ctx context.Context, result any) error {
	return h.run.Get(ctx, result)
}

func (h *workflowHandle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload)
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}
