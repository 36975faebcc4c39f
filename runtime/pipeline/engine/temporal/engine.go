// Package temporal adapts the pipeline engine abstraction to Temporal for
// durable execution. Workflows survive process restarts; the approval
// suspension parks on a Temporal signal channel and consumes no worker
// capacity while waiting.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/tailorworks/tailor/runtime/pipeline/api"
	"github.com/tailorworks/tailor/runtime/pipeline/engine"
	"github.com/tailorworks/tailor/runtime/pipeline/run"
	"github.com/tailorworks/tailor/runtime/pipeline/telemetry"
)

// Options configures the Temporal engine adapter. Either a pre-configured
// Client or ClientOptions must be provided. The adapter wires OTEL
// instrumentation, manages per-queue workers, and optionally auto-starts
// workers on first workflow execution.
type Options struct {
	// Client is an optional pre-configured Temporal client. If nil, the
	// adapter creates a lazy client from ClientOptions so OTEL interceptors
	// can be installed automatically.
	Client client.Client

	// ClientOptions describe how to construct the Temporal client when Client
	// is nil. Only connection fields (HostPort, Namespace) need to be set.
	ClientOptions *client.Options

	// WorkerOptions configures worker defaults. TaskQueue is required and is
	// the default queue used when definitions omit a queue.
	WorkerOptions WorkerOptions

	// Instrumentation toggles OTEL tracing and metrics for the client and
	// workers. Both are enabled by default.
	Instrumentation InstrumentationOptions

	// DisableWorkerAutoStart disables automatic worker startup on first
	// workflow execution. Set to true to control worker lifecycle via
	// Worker().
	DisableWorkerAutoStart bool

	// Logger emits worker lifecycle logs. Nil means no output.
	Logger telemetry.Logger

	// Metrics records engine-level metrics. Nil means no output.
	Metrics telemetry.Metrics

	// Tracer creates engine-level spans. Nil means no output.
	Tracer telemetry.Tracer
}

// WorkerOptions configures the shared worker settings applied to all task
// queues managed by the engine. One worker is created per unique queue.
type WorkerOptions struct {
	// TaskQueue is the default queue name. Required.
	TaskQueue string

	// Options are forwarded to Temporal's worker.New constructor.
	Options worker.Options
}

// InstrumentationOptions configures how the engine wires OpenTelemetry tracing
// and metrics into the Temporal client and workers.
type InstrumentationOptions struct {
	// DisableTracing skips installing the OTEL tracing interceptor.
	DisableTracing bool

	// DisableMetrics skips installing the OTEL metrics handler.
	DisableMetrics bool

	// TracerOptions customize the OTEL tracing interceptor.
	TracerOptions temporalotel.TracerOptions

	// MetricsOptions customize the OTEL metrics handler.
	MetricsOptions temporalotel.MetricsHandlerOptions
}

// Engine implements engine.Engine using Temporal as the durable execution
// backend. It manages workflow and stage activity registration, per-queue
// worker lifecycle, and workflow execution handles.
//
// Thread-safety: all methods are safe for concurrent use.
type Engine struct {
	client      client.Client
	closeClient bool

	defaultQueue      string
	workerOpts        worker.Options
	autoStartDisabled bool

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	mu              sync.Mutex
	workers         map[string]*workerBundle
	workersStarted  bool
	workflows       map[string]engine.WorkflowDefinition
	activityOptions map[string]engine.ActivityOptions
}

// New constructs a Temporal engine adapter. Either Client or ClientOptions
// must be provided, and the default task queue must be configured.
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

	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions.Options
	applyWorkerInstrumentation(&workerOpts, inst)

	return &Engine{
		client:            cli,
		closeClient:       closeClient,
		defaultQueue:      defaultQueue,
		workerOpts:        workerOpts,
		autoStartDisabled: opts.DisableWorkerAutoStart,
		logger:            logger,
		metrics:           metrics,
		tracer:            tracer,
		workers:           make(map[string]*workerBundle),
		workflows:         make(map[string]engine.WorkflowDefinition),
		activityOptions:   make(map[string]engine.ActivityOptions),
	}, nil
}

// RegisterWorkflow registers the pipeline workflow with the worker for its
// task queue. The handler is wrapped to provide the engine's WorkflowContext.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: workflow name cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("temporal engine: workflow handler cannot be nil")
	}
	queue := def.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}

	bundle.registerWorkflow(def.Name, func(tctx workflow.Context, input *run.State) (*run.State, error) {
		return def.Handler(newTemporalWorkflowContext(e, tctx), input)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterStageActivity registers a typed stage activity with the worker for
// its task queue. Input errors reported by the handler are converted to
// non-retryable application errors so Temporal fails the activity immediately
// instead of consuming the retry budget on a problem retries cannot fix.
func (e *Engine) RegisterStageActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.StageInput) (*api.StageOutput, error)) error {
	if name == "" {
		return fmt.Errorf("temporal engine: stage activity name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("temporal engine: stage activity handler cannot be nil")
	}
	queue := opts.Queue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}

	bundle.registerActivity(name, func(actx context.Context, input *api.StageInput) (*api.StageOutput, error) {
		out, err := fn(actx, input)
		var inputErr *run.InputError
		if errors.As(err, &inputErr) {
			return nil, temporal.NewNonRetryableApplicationError(inputErr.Error(), inputErrorType, inputErr)
		}
		return out, err
	})

	e.mu.Lock()
	e.activityOptions[name] = opts
	e.mu.Unlock()
	return nil
}

// StartWorkflow launches a new workflow execution on Temporal.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
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

	opts := client.StartWorkflowOptions{
		ID:                 req.ID,
		TaskQueue:          queue,
		WorkflowRunTimeout: req.RunTimeout,
	}
	if rp := convertRetryPolicy(req.RetryPolicy); rp != nil {
		opts.RetryPolicy = rp
	}

	wfRun, err := e.client.ExecuteWorkflow(ctx, opts, def.Name, req.Input)
	if err != nil {
		return nil, err
	}

	return &workflowHandle{run: wfRun, client: e.client}, nil
}

// QueryState invokes the named state query on the workflow and decodes the
// snapshot. Temporal serves queries against completed workflows as long as the
// execution is retained, so late queries still observe the terminal state.
func (e *Engine) QueryState(ctx context.Context, workflowID, runID, queryName string) (*run.State, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("temporal engine: workflow id is required")
	}
	val, err := e.client.QueryWorkflow(ctx, workflowID, runID, queryName)
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return nil, engine.ErrWorkflowNotFound
		}
		return nil, err
	}
	var state run.State
	if err := val.Get(&state); err != nil {
		return nil, fmt.Errorf("temporal engine: decode query result: %w", err)
	}
	return &state, nil
}

// SignalByID sends a signal to a workflow by its workflow ID and optional run
// ID. This works across process restarts because delivery goes through the
// Temporal service rather than an in-process handle.
func (e *Engine) SignalByID(ctx context.Context, workflowID, runID, name string, payload any) error {
	if workflowID == "" {
		return fmt.Errorf("temporal engine: workflow id is required")
	}
	err := e.client.SignalWorkflow(ctx, workflowID, runID, name, payload)
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return engine.ErrWorkflowNotFound
	}
	return err
}

// Worker returns a controller for manual worker lifecycle management. Only
// needed when DisableWorkerAutoStart is set.
func (e *Engine) Worker() *WorkerController {
	return &WorkerController{engine: e}
}

// Close shuts down the Temporal client if the engine created it. Call after
// stopping workers via Worker().Stop().
func (e *Engine) Close() error {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
	return nil
}

const inputErrorType = "PipelineInputError"

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

func (e *Engine) workflowDefinition(name string) (engine.WorkflowDefinition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, ok := e.workflows[name]
	if !ok {
		return engine.WorkflowDefinition{}, fmt.Errorf("temporal engine: workflow %q is not registered", name)
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

// WorkerController manages worker lifecycle for all task queues managed by
// the engine. Obtain via Engine.Worker().
type WorkerController struct {
	engine *Engine
}

// Start launches all registered workers. Subsequent worker registrations are
// auto-started as they are created.
func (c *WorkerController) Start() error {
	c.engine.ensureWorkersStarted()
	return nil
}

// Stop gracefully stops all workers managed by the engine.
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
	queue  string
	worker worker.Worker
	logger telemetry.Logger

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

func (b *workerBundle) stop() {
	b.worker.Stop()
}

func (b *workerBundle) registerWorkflow(name string, fn any) {
	b.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
}

func (b *workerBundle) registerActivity(name string, fn any) {
	b.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

type workflowHandle struct {
	run    client.WorkflowRun
	client client.Client
}

func (h *workflowHandle) Wait(ctx context.Context) (*run.State, error) {
	var out run.State
	if err := h.run.Get(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *workflowHandle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload)
}
