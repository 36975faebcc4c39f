// Package engine defines workflow engine abstractions for durable pipeline
// execution. It provides pluggable interfaces so the orchestrator can target
// Temporal, in-memory, or custom backends without modification.
//
// # Core Abstractions
//
//   - Engine: Registers the pipeline workflow and stage activities, starts
//     workflow executions, queries run state, and signals runs by id.
//
//   - WorkflowContext: Provides deterministic operations inside the workflow
//     handler. The orchestrator uses this to schedule stage activities and to
//     receive approval signals. Implementations must ensure replay-safe
//     behavior.
//
//   - WorkflowHandle: Represents a running workflow. Callers use handles to
//     wait for completion or send signals.
//
//   - Receiver[T]: Delivers typed signals to workflows in a deterministic way.
//     Used for the human approval decision.
//
// # Determinism Requirements
//
// The workflow handler runs in a deterministic environment where the same
// inputs and history must produce the same outputs. Stage activities are NOT
// deterministic and perform arbitrary I/O; the engine records their outputs
// and replays them during workflow recovery. The one indefinite suspension
// point (the approval wait) is a registered wait condition on the engine, not
// a spin loop, so it consumes no worker capacity while parked.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/tailorworks/tailor/runtime/pipeline/api"
	"github.com/tailorworks/tailor/runtime/pipeline/run"
)

// ErrWorkflowNotFound indicates that no workflow execution exists for the
// given identifier.
var ErrWorkflowNotFound = errors.New("workflow not found")

type (
	// Engine abstracts workflow registration and execution so adapters
	// (Temporal, in-memory, or custom) can be swapped without touching the
	// orchestrator. Implementations translate these generic types into
	// backend-specific primitives.
	Engine interface {
		// RegisterWorkflow registers a workflow definition with the engine.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterStageActivity registers a typed stage activity. Stage
		// activities accept *api.StageInput and return *api.StageOutput; they
		// are executed outside the deterministic workflow thread and may
		// perform I/O. The engine applies the configured retry policy, except
		// for run.InputError failures which are never retried.
		RegisterStageActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.StageInput) (*api.StageOutput, error)) error

		// StartWorkflow initiates a new workflow execution and returns a
		// handle for interacting with it. The workflow ID in req must be
		// unique for the engine instance.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)

		// QueryState invokes the named state query on a running (or recently
		// completed) workflow and returns the snapshot. Returns
		// ErrWorkflowNotFound for unknown ids.
		QueryState(ctx context.Context, workflowID, runID, queryName string) (*run.State, error)
	}

	// Signaler provides direct signaling by workflow ID/run ID without relying
	// on in-process workflow handles. Engines that support out-of-process
	// signaling (e.g., Temporal) implement this so decisions can be delivered
	// across process restarts.
	Signaler interface {
		// SignalByID sends a signal to the workflow identified by workflowID
		// and optional runID.
		SignalByID(ctx context.Context, workflowID, runID, name string, payload any) error
	}

	// WorkflowDefinition binds a workflow handler to a logical name and
	// default queue.
	WorkflowDefinition struct {
		// Name is the logical identifier registered with the engine.
		Name string
		// TaskQueue is the default queue used when starting new workflows.
		TaskQueue string
		// Handler is the workflow function invoked when the workflow executes.
		Handler WorkflowFunc
	}

	// WorkflowFunc is the pipeline workflow entry point. It receives a
	// WorkflowContext and the bootstrapped run state, returning the terminal
	// state. Implementations must be deterministic with respect to activity
	// results.
	WorkflowFunc func(ctx WorkflowContext, input *run.State) (*run.State, error)

	// WorkflowContext exposes engine operations to the workflow handler
	// within its deterministic execution environment.
	//
	// Thread-safety: bound to a single workflow execution; must not be shared
	// across workflow executions.
	WorkflowContext interface {
		// Context returns the Go context for the workflow.
		Context() context.Context

		// WorkflowID returns the unique identifier for this workflow execution.
		WorkflowID() string

		// RunID returns the engine-assigned run identifier.
		RunID() string

		// ExecuteStageActivity schedules a stage activity and blocks until it
		// completes. Activities are executed outside the deterministic
		// workflow thread and may perform I/O.
		ExecuteStageActivity(ctx context.Context, call StageActivityCall) (*api.StageOutput, error)

		// ApprovalDecisions returns a typed receiver for approval signals.
		ApprovalDecisions() Receiver[api.ApprovalDecision]

		// SetStateQueryHandler registers a read-only query handler returning a
		// run state snapshot. Handlers must be deterministic and side-effect
		// free.
		SetStateQueryHandler(name string, handler func() (*run.State, error)) error

		// Now returns the current workflow time in a replay-safe manner.
		Now() time.Time

		// Await blocks until condition returns true, or ctx is done. The
		// condition must be deterministic and side-effect free.
		Await(ctx context.Context, condition func() bool) error
	}

	// Receiver exposes typed workflow signal delivery in an engine-agnostic
	// way. Implementations wrap engine-specific channels and provide blocking
	// and non-blocking receive helpers.
	Receiver[T any] interface {
		// Receive blocks until a signal value is delivered and returns it.
		Receive(ctx context.Context) (T, error)

		// ReceiveAsync attempts to receive a signal without blocking.
		ReceiveAsync() (T, bool)
	}

	// ActivityOptions configures retry and timeouts for an activity.
	ActivityOptions struct {
		// Queue overrides the default activity queue. If empty, the activity
		// inherits the workflow's task queue.
		Queue string
		// RetryPolicy controls retry behavior. Zero-valued means engine default.
		RetryPolicy RetryPolicy
		// Timeout bounds a single activity execution attempt. Zero means the
		// engine default.
		Timeout time.Duration
	}

	// StageActivityCall describes a single invocation of a stage activity
	// from inside workflow code.
	StageActivityCall struct {
		// Name identifies the registered stage activity.
		Name string
		// Input is the typed payload passed to the activity handler.
		Input *api.StageInput
		// Options overrides the registered activity defaults for this call.
		Options ActivityOptions
	}

	// WorkflowStartRequest describes how to launch a workflow execution.
	WorkflowStartRequest struct {
		// ID is the workflow identifier, unique within the engine scope.
		ID string
		// Workflow names the registered workflow definition to execute.
		Workflow string
		// TaskQueue selects the queue to schedule the workflow on.
		TaskQueue string
		// Input is the bootstrapped run state passed to the workflow handler.
		Input *run.State
		// RunTimeout bounds the total workflow execution time at the engine
		// level. Zero means no engine-imposed timeout; the human-approval
		// suspension has no timeout at this layer by design of the contract.
		RunTimeout time.Duration
		// RetryPolicy controls automatic restarts of the workflow start
		// attempt if scheduling fails.
		RetryPolicy RetryPolicy
	}

	// WorkflowHandle allows callers to interact with a running workflow.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes and returns the terminal
		// run state.
		Wait(ctx context.Context) (*run.State, error)

		// Signal sends an asynchronous message to the workflow.
		Signal(ctx context.Context, name string, payload any) error
	}

	// RetryPolicy defines retry semantics shared by workflows and activities.
	// Zero-valued fields mean the engine uses its defaults.
	RetryPolicy struct {
		// MaxAttempts caps the total number of attempts. Zero means engine default.
		MaxAttempts int
		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration
		// BackoffCoefficient multiplies the delay after each retry.
		BackoffCoefficient float64
	}
)
