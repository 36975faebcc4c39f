// Package inmem provides an in-memory implementation of the workflow engine
// for testing and single-process development runs.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tailorworks/tailor/runtime/pipeline/api"
	"github.com/tailorworks/tailor/runtime/pipeline/engine"
	"github.com/tailorworks/tailor/runtime/pipeline/run"
)

type (
	eng struct {
		mu sync.RWMutex

		workflows       map[string]engine.WorkflowDefinition
		stageActivities map[string]stageActivityDef

		handles map[string]*handle // workflow ID -> handle
	}

	stageActivityDef struct {
		handler func(context.Context, *api.StageInput) (*api.StageOutput, error)
		opts    engine.ActivityOptions
	}

	handle struct {
		mu     sync.Mutex
		done   chan struct{}
		err    error
		result *run.State
		wfCtx  *wfCtx
	}

	wfCtx struct {
		ctx   context.Context
		id    string
		runID string
		eng   *eng

		approvalCh chan api.ApprovalDecision

		queryMu sync.RWMutex
		queries map[string]func() (*run.State, error)
	}

	receiver[T any] struct {
		ch chan T
	}
)

// New returns a new in-memory Engine implementation suitable for tests and
// simple single-process runs. It is not durable or replay-safe and should not
// be used for production workloads. Activity retries are left to the caller;
// the in-memory engine executes each activity exactly once.
func New() engine.Engine {
	return &eng{
		workflows:       make(map[string]engine.WorkflowDefinition),
		stageActivities: make(map[string]stageActivityDef),
		handles:         make(map[string]*handle),
	}
}

func (e *eng) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("invalid workflow definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

func (e *eng) RegisterStageActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.StageInput) (*api.StageOutput, error)) error {
	if name == "" {
		return errors.New("stage activity name is required")
	}
	if fn == nil {
		return errors.New("stage activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.stageActivities[name]; dup {
		return fmt.Errorf("stage activity %q already registered", name)
	}
	e.stageActivities[name] = stageActivityDef{handler: fn, opts: opts}
	return nil
}

func (e *eng) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	e.mu.RLock()
	def, ok := e.workflows[req.Workflow]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %q not registered", req.Workflow)
	}
	if req.ID == "" {
		return nil, errors.New("workflow id is required")
	}

	wctx := &wfCtx{
		ctx:   ctx,
		id:    req.ID,
		runID: req.ID, // in-memory assigns the workflow ID as the run ID
		eng:   e,

		approvalCh: make(chan api.ApprovalDecision, 1),
		queries:    make(map[string]func() (*run.State, error)),
	}

	h := &handle{done: make(chan struct{}), wfCtx: wctx}

	e.mu.Lock()
	if _, dup := e.handles[req.ID]; dup {
		e.mu.Unlock()
		return nil, fmt.Errorf("workflow id %q already in use", req.ID)
	}
	e.handles[req.ID] = h
	e.mu.Unlock()

	go func() {
		defer close(h.done)
		res, err := def.Handler(wctx, req.Input)
		h.mu.Lock()
		h.result = res
		h.err = err
		h.mu.Unlock()
	}()

	return h, nil
}

// QueryState invokes the named registered query handler for the workflow.
// Handlers remain available after workflow completion so late queries can
// still observe the terminal state.
func (e *eng) QueryState(_ context.Context, workflowID, _ string, queryName string) (*run.State, error) {
	if workflowID == "" {
		return nil, errors.New("workflow id is required")
	}
	e.mu.RLock()
	h, ok := e.handles[workflowID]
	e.mu.RUnlock()
	if !ok {
		return nil, engine.ErrWorkflowNotFound
	}
	h.wfCtx.queryMu.RLock()
	fn, ok := h.wfCtx.queries[queryName]
	h.wfCtx.queryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("query %q not registered", queryName)
	}
	return fn()
}

// SignalByID delivers a signal to a workflow by its workflow ID.
func (e *eng) SignalByID(ctx context.Context, workflowID, _ string, name string, payload any) error {
	if workflowID == "" {
		return errors.New("workflow id is required")
	}
	e.mu.RLock()
	h, ok := e.handles[workflowID]
	e.mu.RUnlock()
	if !ok {
		return engine.ErrWorkflowNotFound
	}
	return h.Signal(ctx, name, payload)
}

func (h *handle) Wait(ctx context.Context) (*run.State, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	}
}

func (h *handle) Signal(ctx context.Context, name string, payload any) error {
	switch name {
	case api.SignalApproval:
		decision, ok := payload.(api.ApprovalDecision)
		if !ok {
			return fmt.Errorf("signal %q expects api.ApprovalDecision, got %T", name, payload)
		}
		return sendSignal(ctx, h.done, h.wfCtx.approvalCh, decision)
	default:
		return fmt.Errorf("unknown signal %q", name)
	}
}

func (w *wfCtx) Context() context.Context {
	return w.ctx
}

func (w *wfCtx) WorkflowID() string {
	return w.id
}

func (w *wfCtx) RunID() string {
	return w.runID
}

func (w *wfCtx) Now() time.Time {
	return time.Now()
}

func (w *wfCtx) Await(ctx context.Context, condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *wfCtx) SetStateQueryHandler(name string, handler func() (*run.State, error)) error {
	if name == "" {
		return errors.New("query name is required")
	}
	if handler == nil {
		return errors.New("query handler is required")
	}
	w.queryMu.Lock()
	defer w.queryMu.Unlock()
	w.queries[name] = handler
	return nil
}

func (w *wfCtx) ExecuteStageActivity(ctx context.Context, call engine.StageActivityCall) (*api.StageOutput, error) {
	if call.Name == "" {
		return nil, errors.New("stage activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("stage activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.stageActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("stage activity %q not registered", call.Name)
	}
	timeout := call.Options.Timeout
	if timeout == 0 {
		timeout = def.opts.Timeout
	}
	actCtx, cancel := withOptionalTimeout(ctx, timeout)
	defer cancel()
	return def.handler(actCtx, call.Input)
}

func (w *wfCtx) ApprovalDecisions() engine.Receiver[api.ApprovalDecision] {
	return receiver[api.ApprovalDecision]{ch: w.approvalCh}
}

func (r receiver[T]) Receive(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case val := <-r.ch:
		return val, nil
	}
}

func (r receiver[T]) ReceiveAsync() (T, bool) {
	select {
	case val := <-r.ch:
		return val, true
	default:
		var zero T
		return zero, false
	}
}

func sendSignal[T any](ctx context.Context, done <-chan struct{}, ch chan<- T, payload T) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return errors.New("workflow completed")
	case ch <- payload:
		return nil
	}
}

func withOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, timeout)
}
