package orchestrator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tailorworks/tailor/runtime/pipeline/api"
	"github.com/tailorworks/tailor/runtime/pipeline/engine"
	"github.com/tailorworks/tailor/runtime/pipeline/run"
)

// workflowState guards the run state shared between the workflow loop and the
// state query handler. Engines may serve queries from outside the workflow
// goroutine, so reads and writes go through the lock. On engines that
// serialize queries with workflow progress the lock is uncontended.
type workflowState struct {
	mu    sync.Mutex
	state *run.State
}

func (w *workflowState) apply(u run.Update) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.Apply(u)
}

func (w *workflowState) snapshot() *run.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Clone()
}

func (w *workflowState) terminal() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Terminal()
}

func (w *workflowState) stage() run.Stage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Stage
}

func (w *workflowState) id() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.ID
}

// pipelineWorkflow is the durable workflow handler. It is deterministic: all
// I/O happens in stage activities whose outputs the engine records and
// replays. The loop dispatches on the current stage, applies the returned
// Update, and keeps going until the state is terminal. Stage routing lives in
// the activities themselves; the loop never decides where to go next.
func (o *Orchestrator) pipelineWorkflow(wctx engine.WorkflowContext, state *run.State) (*run.State, error) {
	if state == nil {
		return nil, fmt.Errorf("pipeline workflow requires a bootstrapped run state")
	}
	ws := &workflowState{state: state}

	if err := wctx.SetStateQueryHandler(api.QueryState, func() (*run.State, error) {
		return ws.snapshot(), nil
	}); err != nil {
		return nil, fmt.Errorf("register state query: %w", err)
	}

	// Route resolution is the first audited event so the trail always shows
	// where the run entered the pipeline.
	initial, ok := run.InitialStage(state.Task)
	if !ok {
		ws.apply(run.Update{
			Stage:  run.StageDone,
			Status: run.StatusError,
			Audit:  []string{"route.failed:unknown_task"},
		})
		return state, nil
	}
	ws.apply(run.Update{
		Stage:  initial,
		Status: run.StatusInProgress,
		Audit:  []string{"route.resolved:" + string(initial)},
	})
	o.syncRecord(wctx, ws)

	for !ws.terminal() {
		stage := ws.stage()
		switch stage {
		case run.StageIngestion, run.StageDrafting, run.StageCritique, run.StageCompliance:
			o.executeStage(wctx, ws, activityForStage(stage))
		case run.StagePublishing:
			o.publishingStage(wctx, ws)
		default:
			ws.apply(run.Update{
				Stage:  run.StageDone,
				Status: run.StatusError,
				Audit:  []string{auditLabel(stage, "failed", "unroutable_stage")},
			})
		}
		o.syncRecord(wctx, ws)
	}
	return state, nil
}

// executeStage runs one stage activity and applies its update. On failure
// (after the engine's retry budget is spent) the run terminates with Error;
// the workflow itself never fails, so the terminal state stays queryable.
func (o *Orchestrator) executeStage(wctx engine.WorkflowContext, ws *workflowState, activity string) {
	stage := ws.stage()
	out, err := wctx.ExecuteStageActivity(wctx.Context(), engine.StageActivityCall{
		Name:  activity,
		Input: o.stageInput(ws),
	})
	if err != nil {
		ws.apply(failureUpdate(stage, err))
		return
	}
	ws.apply(out.Update)
}

// publishingStage suspends the run on the human approval checkpoint, then
// finishes the tail: persist and notify on approval, notify on rejection.
// The suspension is a signal receive with no timeout; the run can wait
// indefinitely without consuming worker capacity on durable engines.
func (o *Orchestrator) publishingStage(wctx engine.WorkflowContext, ws *workflowState) {
	ws.apply(run.Update{
		Flags: map[string]any{run.FlagAwaitingHuman: true},
		Audit: []string{"publishing.awaiting_approval"},
	})
	o.syncRecord(wctx, ws)

	decisions := wctx.ApprovalDecisions()
	var decision api.ApprovalDecision
	for {
		d, err := decisions.Receive(wctx.Context())
		if err != nil {
			ws.apply(failureUpdate(run.StagePublishing, err))
			return
		}
		// The Signal surface validates decisions before delivery; anything
		// malformed that still arrives is dropped without mutating the run.
		if d.Decision.Valid() {
			decision = d
			break
		}
	}

	flags := map[string]any{run.FlagAwaitingHuman: false}
	if decision.Notes != "" {
		flags[run.FlagHumanNotes] = decision.Notes
	}

	if decision.Decision == api.DecisionRejected {
		// Terminal before the advisory notify so a concurrent Query never
		// observes a rejected run that is not yet Done.
		ws.apply(run.Update{
			Stage:  run.StageDone,
			Status: run.StatusError,
			Flags:  flags,
			Audit:  []string{"publishing.rejected_by_human", "publishing.terminal:rejected"},
		})
		o.notifyCompletion(wctx, ws, decision)
		return
	}

	ws.apply(run.Update{
		Flags: flags,
		Audit: []string{"publishing.approved_by_human"},
	})

	out, err := wctx.ExecuteStageActivity(wctx.Context(), engine.StageActivityCall{
		Name:  ActivityPersist,
		Input: o.stageInput(ws),
	})
	if err != nil {
		ws.apply(failureUpdate(run.StagePublishing, err))
		return
	}
	ws.apply(out.Update)

	o.notifyCompletion(wctx, ws, decision)
	ws.apply(run.Update{
		Stage:  run.StageDone,
		Status: run.StatusComplete,
		Audit:  []string{"publishing.terminal:published"},
	})
}

// notifyCompletion emits the completion event. Notification failures are
// recorded in the audit trail but never fail the run: the event is advisory
// and the artifact state is already settled.
func (o *Orchestrator) notifyCompletion(wctx engine.WorkflowContext, ws *workflowState, decision api.ApprovalDecision) {
	input := o.stageInput(ws)
	input.Notes = decision.Notes
	out, err := wctx.ExecuteStageActivity(wctx.Context(), engine.StageActivityCall{
		Name:  ActivityNotify,
		Input: input,
	})
	if err != nil {
		ws.apply(run.Update{Audit: []string{"publishing.notify_failed:" + reason(err)}})
		return
	}
	ws.apply(out.Update)
}

// syncRecord mirrors the run position into the run store. Best effort: the
// workflow state is the source of truth and a store hiccup must not fail the
// run.
func (o *Orchestrator) syncRecord(wctx engine.WorkflowContext, ws *workflowState) {
	_, err := wctx.ExecuteStageActivity(wctx.Context(), engine.StageActivityCall{
		Name:    ActivityRecord,
		Input:   o.stageInput(ws),
		Options: engine.ActivityOptions{RetryPolicy: engine.RetryPolicy{MaxAttempts: 1}},
	})
	if err != nil {
		o.logger.Warn(wctx.Context(), "run record sync failed", "run_id", ws.id(), "err", err)
	}
}

func (o *Orchestrator) stageInput(ws *workflowState) *api.StageInput {
	snap := ws.snapshot()
	return &api.StageInput{
		RunID:            snap.ID,
		Stage:            snap.Stage,
		State:            snap,
		MaxRevisionLoops: o.maxRevisions,
		TopK:             o.topK,
		Blocklist:        o.blocklist,
		Recipient:        o.recipient,
	}
}

func activityForStage(stage run.Stage) string {
	switch stage {
	case run.StageIngestion:
		return ActivityIngestion
	case run.StageDrafting:
		return ActivityDrafting
	case run.StageCritique:
		return ActivityCritique
	case run.StageCompliance:
		return ActivityCompliance
	default:
		return ""
	}
}

func failureUpdate(stage run.Stage, err error) run.Update {
	return run.Update{
		Stage:  run.StageDone,
		Status: run.StatusError,
		Audit:  []string{auditLabel(stage, "failed", reason(err))},
	}
}

func auditLabel(stage run.Stage, event, detail string) string {
	label := strings.ToLower(string(stage)) + "." + event
	if detail != "" {
		label += ":" + detail
	}
	return label
}

func reason(err error) string {
	if err == nil {
		return ""
	}
	return strings.ReplaceAll(err.Error(), "\n", " ")
}
