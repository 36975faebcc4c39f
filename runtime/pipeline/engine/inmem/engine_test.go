package inmem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailorworks/tailor/runtime/pipeline/api"
	"github.com/tailorworks/tailor/runtime/pipeline/engine"
	"github.com/tailorworks/tailor/runtime/pipeline/run"
)

func TestRegisterWorkflowValidation(t *testing.T) {
	e := New()
	err := e.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{})
	require.Error(t, err)

	def := engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(ctx engine.WorkflowContext, input *run.State) (*run.State, error) {
			return input, nil
		},
	}
	require.NoError(t, e.RegisterWorkflow(context.Background(), def))
	err = e.RegisterWorkflow(context.Background(), def)
	assert.ErrorContains(t, err, "already registered")
}

func TestStartWorkflowRunsHandler(t *testing.T) {
	e := New()
	require.NoError(t, e.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(ctx engine.WorkflowContext, input *run.State) (*run.State, error) {
			input.Apply(run.Update{Stage: run.StageDone, Status: run.StatusComplete})
			return input, nil
		},
	}))

	input, err := run.Bootstrap("run-1", run.TaskDraft, nil, nil)
	require.NoError(t, err)

	h, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{
		ID:       "run-1",
		Workflow: "wf",
		Input:    input,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	final, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, final.Terminal())
}

func TestStartWorkflowDuplicateID(t *testing.T) {
	e := New()
	require.NoError(t, e.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(ctx engine.WorkflowContext, input *run.State) (*run.State, error) {
			return input, nil
		},
	}))
	input, err := run.Bootstrap("run-1", run.TaskDraft, nil, nil)
	require.NoError(t, err)

	_, err = e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "run-1", Workflow: "wf", Input: input})
	require.NoError(t, err)
	_, err = e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "run-1", Workflow: "wf", Input: input})
	assert.ErrorContains(t, err, "already in use")
}

func TestExecuteStageActivity(t *testing.T) {
	e := New()
	require.NoError(t, e.RegisterStageActivity(context.Background(), "stage", engine.ActivityOptions{},
		func(ctx context.Context, in *api.StageInput) (*api.StageOutput, error) {
			return &api.StageOutput{Update: run.Update{Audit: []string{"ran:" + in.RunID}}}, nil
		}))
	require.NoError(t, e.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(ctx engine.WorkflowContext, input *run.State) (*run.State, error) {
			out, err := ctx.ExecuteStageActivity(ctx.Context(), engine.StageActivityCall{
				Name:  "stage",
				Input: &api.StageInput{RunID: input.ID},
			})
			if err != nil {
				return nil, err
			}
			input.Apply(out.Update)
			input.Apply(run.Update{Stage: run.StageDone, Status: run.StatusComplete})
			return input, nil
		},
	}))

	input, err := run.Bootstrap("run-1", run.TaskDraft, nil, nil)
	require.NoError(t, err)
	h, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "run-1", Workflow: "wf", Input: input})
	require.NoError(t, err)

	final, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Contains(t, final.AuditTrail, "ran:run-1")
}

func TestQueryStateAfterCompletion(t *testing.T) {
	e := New()
	require.NoError(t, e.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(ctx engine.WorkflowContext, input *run.State) (*run.State, error) {
			state := input
			if err := ctx.SetStateQueryHandler(api.QueryState, func() (*run.State, error) {
				return state.Clone(), nil
			}); err != nil {
				return nil, err
			}
			state.Apply(run.Update{Stage: run.StageDone, Status: run.StatusComplete})
			return state, nil
		},
	}))

	input, err := run.Bootstrap("run-1", run.TaskDraft, nil, nil)
	require.NoError(t, err)
	h, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "run-1", Workflow: "wf", Input: input})
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	require.NoError(t, err)

	// Handlers survive completion so late queries still see the terminal state.
	state, err := e.QueryState(context.Background(), "run-1", "", api.QueryState)
	require.NoError(t, err)
	assert.True(t, state.Terminal())

	_, err = e.QueryState(context.Background(), "missing", "", api.QueryState)
	assert.ErrorIs(t, err, engine.ErrWorkflowNotFound)
}

func TestSignalDelivery(t *testing.T) {
	e := New()
	require.NoError(t, e.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(ctx engine.WorkflowContext, input *run.State) (*run.State, error) {
			decision, err := ctx.ApprovalDecisions().Receive(ctx.Context())
			if err != nil {
				return nil, err
			}
			input.Apply(run.Update{
				Stage:  run.StageDone,
				Status: run.StatusComplete,
				Audit:  []string{string(decision.Decision)},
			})
			return input, nil
		},
	}))

	input, err := run.Bootstrap("run-1", run.TaskPublish, nil, nil)
	require.NoError(t, err)
	h, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "run-1", Workflow: "wf", Input: input})
	require.NoError(t, err)

	sig, ok := e.(engine.Signaler)
	require.True(t, ok)
	require.NoError(t, sig.SignalByID(context.Background(), "run-1", "", api.SignalApproval,
		api.ApprovalDecision{RunID: "run-1", Decision: api.DecisionApproved}))

	final, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Contains(t, final.AuditTrail, string(api.DecisionApproved))

	// Once the workflow has completed signals are rejected.
	err = sig.SignalByID(context.Background(), "run-1", "", api.SignalApproval,
		api.ApprovalDecision{RunID: "run-1", Decision: api.DecisionApproved})
	assert.Error(t, err)

	err = sig.SignalByID(context.Background(), "missing", "", api.SignalApproval,
		api.ApprovalDecision{Decision: api.DecisionApproved})
	assert.ErrorIs(t, err, engine.ErrWorkflowNotFound)
}

func TestSignalRejectsWrongPayloadType(t *testing.T) {
	e := New()
	require.NoError(t, e.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(ctx engine.WorkflowContext, input *run.State) (*run.State, error) {
			_, err := ctx.ApprovalDecisions().Receive(ctx.Context())
			return input, err
		},
	}))
	input, err := run.Bootstrap("run-1", run.TaskPublish, nil, nil)
	require.NoError(t, err)
	h, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "run-1", Workflow: "wf", Input: input})
	require.NoError(t, err)

	err = h.Signal(context.Background(), api.SignalApproval, "not a decision")
	assert.Error(t, err)
	err = h.Signal(context.Background(), "bogus", api.ApprovalDecision{})
	assert.Error(t, err)
}

func TestAwait(t *testing.T) {
	e := New()
	flipped := make(chan struct{})
	require.NoError(t, e.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(ctx engine.WorkflowContext, input *run.State) (*run.State, error) {
			if err := ctx.Await(ctx.Context(), func() bool {
				select {
				case <-flipped:
					return true
				default:
					return false
				}
			}); err != nil {
				return nil, err
			}
			input.Apply(run.Update{Stage: run.StageDone, Status: run.StatusComplete})
			return input, nil
		},
	}))
	input, err := run.Bootstrap("run-1", run.TaskDraft, nil, nil)
	require.NoError(t, err)
	h, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "run-1", Workflow: "wf", Input: input})
	require.NoError(t, err)

	close(flipped)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	final, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, final.Terminal())
}

func TestWorkflowErrorPropagates(t *testing.T) {
	e := New()
	boom := errors.New("boom")
	require.NoError(t, e.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(ctx engine.WorkflowContext, input *run.State) (*run.State, error) {
			return nil, boom
		},
	}))
	input, err := run.Bootstrap("run-1", run.TaskDraft, nil, nil)
	require.NoError(t, err)
	h, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "run-1", Workflow: "wf", Input: input})
	require.NoError(t, err)

	_, err = h.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}
