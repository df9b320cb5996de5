// Package inmem implements engine.Engine entirely in-process, for local
// development and tests. It enforces single-activation by serializing all
// work for a given workflow ID onto one goroutine's worth of execution at a
// time (a mutex per ID), and runs workflow handlers synchronously to
// completion rather than replaying them, since there is no durability to
// provide.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	rtengine "github.com/agentfabric/mesh/engine"
	"github.com/agentfabric/mesh/telemetry"
)

// Engine is an in-memory rtengine.Engine. It does not persist workflow
// state across process restarts; it exists to let the rest of the runtime
// (and its tests) run without a real Temporal cluster.
type Engine struct {
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	mu         sync.Mutex
	workflows  map[string]rtengine.WorkflowDefinition
	activities map[string]rtengine.ActivityDefinition
	locks      map[string]*sync.Mutex
	signals    map[string]*signalRegistry
}

// Options configures an in-memory Engine.
type Options struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// New constructs an empty in-memory Engine.
func New(opts Options) *Engine {
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
	return &Engine{
		logger:     logger,
		metrics:    metrics,
		tracer:     tracer,
		workflows:  make(map[string]rtengine.WorkflowDefinition),
		activities: make(map[string]rtengine.ActivityDefinition),
		locks:      make(map[string]*sync.Mutex),
		signals:    make(map[string]*signalRegistry),
	}
}

func (e *Engine) RegisterWorkflow(_ context.Context, def rtengine.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("inmem engine: workflow name is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("inmem engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

func (e *Engine) RegisterActivity(_ context.Context, def rtengine.ActivityDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("inmem engine: activity name is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.activities[def.Name]; exists {
		return fmt.Errorf("inmem engine: activity %q already registered", def.Name)
	}
	e.activities[def.Name] = def
	return nil
}

// StartWorkflow runs the registered workflow synchronously under a
// per-ID lock, returning a handle whose Wait call replays the already
// -computed result (there is no separate execution to wait for).
func (e *Engine) StartWorkflow(ctx context.Context, req rtengine.WorkflowStartRequest) (rtengine.WorkflowHandle, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("inmem engine: workflow id is required")
	}
	e.mu.Lock()
	def, ok := e.workflows[req.Workflow]
	lock := e.lockFor(req.ID)
	sig := e.signalsFor(req.ID)
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("inmem engine: workflow %q is not registered", req.Workflow)
	}

	lock.Lock()
	defer lock.Unlock()

	wfCtx := &workflowContext{
		engine:     e,
		ctx:        ctx,
		workflowID: req.ID,
		runID:      req.ID,
		signals:    sig,
		logger:     e.logger,
		metrics:    e.metrics,
		tracer:     e.tracer,
	}
	result, err := def.Handler(wfCtx, req.Input)
	return &workflowHandle{result: result, err: err, signals: sig}, nil
}

func (e *Engine) lockFor(id string) *sync.Mutex {
	if l, ok := e.locks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	e.locks[id] = l
	return l
}

func (e *Engine) signalsFor(id string) *signalRegistry {
	if s, ok := e.signals[id]; ok {
		return s
	}
	s := newSignalRegistry()
	e.signals[id] = s
	return s
}

func (e *Engine) activityDefinition(name string) (rtengine.ActivityDefinition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, ok := e.activities[name]
	return def, ok
}

type workflowHandle struct {
	result  any
	err     error
	signals *signalRegistry
}

func (h *workflowHandle) Wait(_ context.Context, result any) error {
	if h.err != nil {
		return h.err
	}
	if result == nil || h.result == nil {
		return nil
	}
	return assignResult(h.result, result)
}

func (h *workflowHandle) Signal(_ context.Context, name string, payload any) error {
	h.signals.deliver(name, payload)
	return nil
}

func (h *workflowHandle) Cancel(context.Context) error {
	return nil
}

type workflowContext struct {
	engine     *Engine
	ctx        context.Context
	workflowID string
	runID      string
	signals    *signalRegistry
	logger     telemetry.Logger
	metrics    telemetry.Metrics
	tracer     telemetry.Tracer
}

func (w *workflowContext) Context() context.Context { return w.ctx }
func (w *workflowContext) WorkflowID() string        { return w.workflowID }
func (w *workflowContext) RunID() string             { return w.runID }

func (w *workflowContext) Logger() telemetry.Logger   { return w.logger }
func (w *workflowContext) Metrics() telemetry.Metrics { return w.metrics }
func (w *workflowContext) Tracer() telemetry.Tracer   { return w.tracer }

func (w *workflowContext) Now() time.Time { return time.Now() }

func (w *workflowContext) ExecuteActivity(ctx context.Context, req rtengine.ActivityRequest, result any) error {
	def, ok := w.engine.activityDefinition(req.Name)
	if !ok {
		return fmt.Errorf("inmem engine: activity %q is not registered", req.Name)
	}
	out, err := def.Handler(ctx, req.Input)
	if err != nil {
		return err
	}
	if result == nil || out == nil {
		return nil
	}
	return assignResult(out, result)
}

func (w *workflowContext) ExecuteActivityAsync(ctx context.Context, req rtengine.ActivityRequest) (rtengine.Future, error) {
	def, ok := w.engine.activityDefinition(req.Name)
	if !ok {
		return nil, fmt.Errorf("inmem engine: activity %q is not registered", req.Name)
	}
	resultCh := make(chan activityOutcome, 1)
	go func() {
		out, err := def.Handler(ctx, req.Input)
		resultCh <- activityOutcome{out: out, err: err}
	}()
	return &future{ch: resultCh}, nil
}

func (w *workflowContext) SignalChannel(name string) rtengine.SignalChannel {
	return w.signals.channel(name)
}

type activityOutcome struct {
	out any
	err error
}

type future struct {
	ch      chan activityOutcome
	mu      sync.Mutex
	done    bool
	outcome activityOutcome
}

func (f *future) resolve() activityOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.done {
		f.outcome, f.done = <-f.ch, true
	}
	return f.outcome
}

func (f *future) Get(_ context.Context, result any) error {
	out := f.resolve()
	if out.err != nil {
		return out.err
	}
	if result == nil || out.out == nil {
		return nil
	}
	return assignResult(out.out, result)
}

func (f *future) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return true
	}
	select {
	case v := <-f.ch:
		f.outcome, f.done = v, true
		return true
	default:
		return false
	}
}

// assignResult copies src into the value dest points to, mirroring the
// "populate result via pointer" convention the engine interface documents.
func assignResult(src, dest any) error {
	return assignValue(src, dest)
}
