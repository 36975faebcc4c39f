// Package api defines shared types that cross workflow/activity boundaries in
// the pipeline runtime.
package api

import (
	"github.com/tailorworks/tailor/runtime/pipeline/run"
)

type (
	// StageInput is the envelope passed to every stage activity. Activities
	// receive a snapshot of the run state, never a live reference; the
	// workflow applies the returned Update to its own copy.
	StageInput struct {
		// RunID identifies the run the stage belongs to.
		RunID string

		// Stage names the stage being executed, for logging and request-key
		// derivation (idempotency key is RunID + Stage + attempt metadata
		// owned by the engine).
		Stage run.Stage

		// State is the run state snapshot at the time the stage was scheduled.
		State *run.State

		// MaxRevisionLoops bounds the Drafting/Critique cycle. Zero disables
		// revision loops entirely.
		MaxRevisionLoops int

		// TopK is the number of knowledge hits requested during drafting.
		TopK int

		// Blocklist is the static compliance policy term list.
		Blocklist []string

		// Recipient is the notification recipient for the completion event.
		Recipient string

		// Notes carries the human decision notes for post-approval stages.
		Notes string
	}

	// StageOutput is returned by stage activities. Update carries the entire
	// effect of the stage: artifacts, flags, metrics, audit entries, and the
	// next stage/status. The workflow owns applying it.
	StageOutput struct {
		Update run.Update
	}

	// Decision is the outcome of the human approval checkpoint.
	Decision string

	// ApprovalDecision is the signal payload delivered to a run suspended on
	// the human approval checkpoint.
	ApprovalDecision struct {
		// RunID identifies the run the decision applies to.
		RunID string

		// Decision is Approved or Rejected.
		Decision Decision

		// Notes carries optional reviewer notes. On rejection they are stored
		// on the run for inspection via Query.
		Notes string

		// RequestedBy identifies the actor that provided the decision.
		RequestedBy string
	}
)

const (
	// DecisionApproved approves publication.
	DecisionApproved Decision = "Approved"
	// DecisionRejected rejects publication and terminates the run.
	DecisionRejected Decision = "Rejected"
)

const (
	// SignalApproval is the workflow signal name for the human decision.
	SignalApproval = "tailor.pipeline.approval"

	// QueryState is the workflow query name returning the run state snapshot.
	QueryState = "tailor.pipeline.state"
)

// Valid reports whether the decision is one of the two recognized values.
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}
