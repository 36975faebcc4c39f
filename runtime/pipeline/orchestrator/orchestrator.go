// Package orchestrator coordinates the resume tailoring pipeline. It owns the
// durable workflow definition, the stage activities, and the external surface
// (Start, Query, Signal, Await) callers use to drive runs.
//
// One workflow execution per run. The workflow loop is deterministic and
// advances the run state by applying the Update each stage activity returns;
// all I/O (model calls, vector index, storage, notification) happens inside
// activities so the engine can record and replay their outputs.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tailorworks/tailor/runtime/pipeline/api"
	"github.com/tailorworks/tailor/runtime/pipeline/content"
	"github.com/tailorworks/tailor/runtime/pipeline/engine"
	"github.com/tailorworks/tailor/runtime/pipeline/knowledge"
	"github.com/tailorworks/tailor/runtime/pipeline/publish"
	"github.com/tailorworks/tailor/runtime/pipeline/run"
	"github.com/tailorworks/tailor/runtime/pipeline/telemetry"
)

// WorkflowName is the logical name the pipeline workflow registers under.
const WorkflowName = "tailor.pipeline"

// Stage activity names.
const (
	ActivityIngestion  = "tailor.stage.ingestion"
	ActivityDrafting   = "tailor.stage.drafting"
	ActivityCritique   = "tailor.stage.critique"
	ActivityCompliance = "tailor.stage.compliance"
	ActivityPersist    = "tailor.stage.persist"
	ActivityNotify     = "tailor.stage.notify"
	ActivityRecord     = "tailor.stage.record"
)

type (
	// Options configures a pipeline Orchestrator.
	Options struct {
		// Engine is the durable execution backend. Required.
		Engine engine.Engine

		// Signaler delivers approval decisions by run id. Engines that
		// implement engine.Signaler (Temporal, inmem) can be passed directly.
		// Required for Signal to work.
		Signaler engine.Signaler

		// Store persists run records for lookup. Required.
		Store run.Store

		// Content is the generative service used by drafting, critique, and
		// compliance. Required.
		Content content.Service

		// Knowledge is the vector index used by ingestion and drafting.
		// Required.
		Knowledge knowledge.Index

		// Sink persists approved drafts. Required.
		Sink publish.Sink

		// Notifier emits run completion events. Required.
		Notifier publish.Notifier

		// TaskQueue is the engine task queue for the workflow and activities.
		TaskQueue string

		// MaxRevisionLoops bounds the drafting/critique cycle. Zero disables
		// revision loops: the first critique always routes forward.
		MaxRevisionLoops int

		// TopK is the number of knowledge hits retrieved during drafting.
		// Zero means 5.
		TopK int

		// Blocklist is the static compliance policy term list.
		Blocklist []string

		// Recipient addresses completion notifications.
		Recipient string

		// ActivityRetry is the retry policy for stage activities. Zero-valued
		// fields fall back to three attempts with exponential backoff.
		ActivityRetry engine.RetryPolicy

		// ActivityTimeout bounds a single stage activity attempt. Zero means
		// two minutes.
		ActivityTimeout time.Duration

		// Logger, Metrics, and Tracer instrument the orchestrator. Nil values
		// default to noop implementations.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// StartRequest describes a new pipeline run.
	StartRequest struct {
		// Task selects the pipeline entry point.
		Task run.Task

		// Artifacts seeds the initial artifact map. The required keys depend
		// on the task; stages validate their own inputs.
		Artifacts map[string]any

		// Flags seeds the initial control flags (e.g. skip_critique).
		Flags map[string]any

		// Labels attaches caller metadata to the run record.
		Labels map[string]string

		// RequestID, when set, becomes the run id. Retried Start calls with
		// the same RequestID collide on the workflow id instead of launching
		// a duplicate run. Empty means a fresh id is generated.
		RequestID string
	}

	// RunInfo identifies a started run.
	RunInfo struct {
		// RunID is the stable identifier for the run, used with Query, Signal,
		// and Await.
		RunID string
	}

	// Orchestrator wires the pipeline workflow and stage activities to an
	// engine and exposes the run lifecycle surface. Safe for concurrent use.
	Orchestrator struct {
		eng      engine.Engine
		signaler engine.Signaler
		store    run.Store
		content  content.Service
		index    knowledge.Index
		sink     publish.Sink
		notifier publish.Notifier

		taskQueue       string
		maxRevisions    int
		topK            int
		blocklist       []string
		recipient       string
		activityRetry   engine.RetryPolicy
		activityTimeout time.Duration

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		mu      sync.RWMutex
		handles map[string]engine.WorkflowHandle
	}
)

// New constructs an Orchestrator from the given options. Call Register before
// starting runs.
func New(opts Options) (*Orchestrator, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("orchestrator: engine is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("orchestrator: run store is required")
	}
	if opts.Content == nil {
		return nil, fmt.Errorf("orchestrator: content service is required")
	}
	if opts.Knowledge == nil {
		return nil, fmt.Errorf("orchestrator: knowledge index is required")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("orchestrator: publish sink is required")
	}
	if opts.Notifier == nil {
		return nil, fmt.Errorf("orchestrator: notifier is required")
	}
	signaler := opts.Signaler
	if signaler == nil {
		if s, ok := opts.Engine.(engine.Signaler); ok {
			signaler = s
		}
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
	topK := opts.TopK
	if topK == 0 {
		topK = 5
	}
	retry := opts.ActivityRetry
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = 3
	}
	if retry.InitialInterval == 0 {
		retry.InitialInterval = time.Second
	}
	if retry.BackoffCoefficient == 0 {
		retry.BackoffCoefficient = 2.0
	}
	timeout := opts.ActivityTimeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &Orchestrator{
		eng:             opts.Engine,
		signaler:        signaler,
		store:           opts.Store,
		content:         opts.Content,
		index:           opts.Knowledge,
		sink:            opts.Sink,
		notifier:        opts.Notifier,
		taskQueue:       opts.TaskQueue,
		maxRevisions:    opts.MaxRevisionLoops,
		topK:            topK,
		blocklist:       opts.Blocklist,
		recipient:       opts.Recipient,
		activityRetry:   retry,
		activityTimeout: timeout,
		logger:          logger,
		metrics:         metrics,
		tracer:          tracer,
		handles:         make(map[string]engine.WorkflowHandle),
	}, nil
}

// Register registers the pipeline workflow and all stage activities with the
// engine. Must complete before the first Start.
func (o *Orchestrator) Register(ctx context.Context) error {
	def := engine.WorkflowDefinition{
		Name:      WorkflowName,
		TaskQueue: o.taskQueue,
		Handler:   o.pipelineWorkflow,
	}
	if err := o.eng.RegisterWorkflow(ctx, def); err != nil {
		return fmt.Errorf("orchestrator: register workflow: %w", err)
	}
	opts := engine.ActivityOptions{
		Queue:       o.taskQueue,
		RetryPolicy: o.activityRetry,
		Timeout:     o.activityTimeout,
	}
	activities := map[string]func(context.Context, *api.StageInput) (*api.StageOutput, error){
		ActivityIngestion:  o.runIngestion,
		ActivityDrafting:   o.runDrafting,
		ActivityCritique:   o.runCritique,
		ActivityCompliance: o.runCompliance,
		ActivityPersist:    o.runPersist,
		ActivityNotify:     o.runNotify,
		ActivityRecord:     o.recordRun,
	}
	for name, fn := range activities {
		if err := o.eng.RegisterStageActivity(ctx, name, opts, fn); err != nil {
			return fmt.Errorf("orchestrator: register activity %q: %w", name, err)
		}
	}
	return nil
}

// Start bootstraps a new run and launches its workflow execution. The
// returned RunInfo carries the run id used for Query, Signal, and Await.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*RunInfo, error) {
	runID := req.RequestID
	if runID == "" {
		runID = uuid.NewString()
	}
	state, err := run.Bootstrap(runID, req.Task, req.Artifacts, req.Flags)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	now := time.Now().UTC()
	record := run.Record{
		RunID:     runID,
		Task:      state.Task,
		Stage:     state.Stage,
		Status:    state.Status,
		StartedAt: now,
		UpdatedAt: now,
		Labels:    req.Labels,
	}
	if err := o.store.Upsert(ctx, record); err != nil {
		return nil, fmt.Errorf("orchestrator: persist run record: %w", err)
	}

	handle, err := o.eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:        runID,
		Workflow:  WorkflowName,
		TaskQueue: o.taskQueue,
		Input:     state,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: start workflow: %w", err)
	}

	o.mu.Lock()
	o.handles[runID] = handle
	o.mu.Unlock()

	o.logger.Info(ctx, "pipeline run started", "run_id", runID, "task", string(req.Task))
	o.metrics.IncCounter("pipeline_runs_started", 1, "task", string(req.Task))
	return &RunInfo{RunID: runID}, nil
}

// Query returns a snapshot of the run state. Snapshots of suspended and
// completed runs are served without resuming execution.
func (o *Orchestrator) Query(ctx context.Context, runID string) (*run.State, error) {
	if runID == "" {
		return nil, fmt.Errorf("orchestrator: run id is required")
	}
	state, err := o.eng.QueryState(ctx, runID, "", api.QueryState)
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Signal delivers a human approval decision to a suspended run. Decisions are
// rejected outright when the run is not awaiting one: the signal is not
// buffered and the run state is not mutated.
func (o *Orchestrator) Signal(ctx context.Context, runID string, decision api.ApprovalDecision) error {
	if runID == "" {
		return fmt.Errorf("orchestrator: run id is required")
	}
	if o.signaler == nil {
		return fmt.Errorf("orchestrator: engine does not support signaling")
	}
	if !decision.Decision.Valid() {
		return fmt.Errorf("orchestrator: invalid decision %q", decision.Decision)
	}
	state, err := o.Query(ctx, runID)
	if err != nil {
		return err
	}
	if !state.AwaitingHuman() {
		return run.ErrNotAwaitingDecision
	}
	decision.RunID = runID
	if err := o.signaler.SignalByID(ctx, runID, "", api.SignalApproval, decision); err != nil {
		return fmt.Errorf("orchestrator: deliver decision: %w", err)
	}
	o.logger.Info(ctx, "approval decision delivered", "run_id", runID, "decision", string(decision.Decision))
	return nil
}

// Await blocks until the run reaches a terminal state and returns it. Only
// runs started by this process can be awaited; use Query to poll runs started
// elsewhere.
func (o *Orchestrator) Await(ctx context.Context, runID string) (*run.State, error) {
	o.mu.RLock()
	handle, ok := o.handles[runID]
	o.mu.RUnlock()
	if !ok {
		return nil, engine.ErrWorkflowNotFound
	}
	return handle.Wait(ctx)
}
