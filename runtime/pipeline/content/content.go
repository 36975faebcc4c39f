// Package content provides interfaces for the generative services used by the
// drafting, critique, and compliance stages. It defines a provider-agnostic
// abstraction over LLM-backed content operations so stage handlers can invoke
// them without coupling to specific SDKs. Implementations translate these
// normalized types into provider-specific formats.
package content

import (
	"context"
	"errors"
)

type (
	// Service defines the contract the pipeline stages use for generative
	// content operations. Implementations wrap provider SDKs (Anthropic,
	// OpenAI) and must be thread-safe and reusable across runs.
	Service interface {
		// PlanDraft produces a structured draft plan from the candidate
		// profile and retrieved knowledge snippets. Returns ErrEmptyOutput if
		// the model produced no usable plan.
		PlanDraft(ctx context.Context, req PlanRequest) (*DraftPlan, error)

		// RenderDraft renders the tailored document text from a plan. On
		// revision passes the request carries the prior draft and the critique
		// notes so the model can address them. Returns ErrEmptyOutput if the
		// model produced no text.
		RenderDraft(ctx context.Context, req RenderRequest) (string, error)

		// Critique reviews a rendered draft against the profile and reports
		// whether a revision pass is warranted, with the issues found.
		Critique(ctx context.Context, req CritiqueRequest) (*CritiqueResult, error)

		// ReviewCompliance evaluates a draft against the policy and returns a
		// structured report. A blocklist hit is a policy outcome, not an
		// error; the report status carries it.
		ReviewCompliance(ctx context.Context, req ComplianceRequest) (*ComplianceResult, error)
	}

	// Profile is the normalized candidate profile the drafting stages work
	// from. It is stored as a run artifact and serialized across the durable
	// execution boundary, so all fields are JSON-representable.
	Profile struct {
		// Name is the candidate's display name.
		Name string `json:"name"`
		// Headline is a one-line positioning statement.
		Headline string `json:"headline"`
		// Skills lists the candidate's skills in priority order.
		Skills []string `json:"skills"`
		// Experience lists prior roles, most recent first.
		Experience []ExperienceItem `json:"experience"`
		// TargetRole describes the role the resume is being tailored for.
		TargetRole string `json:"target_role"`
	}

	// ExperienceItem is one prior role in a profile.
	ExperienceItem struct {
		Title        string   `json:"title"`
		Organization string   `json:"organization"`
		Period       string   `json:"period"`
		Highlights   []string `json:"highlights"`
	}

	// DraftPlan is the structured plan PlanDraft returns. The plan is stored
	// as a run artifact and validated against a JSON schema before use.
	DraftPlan struct {
		// Summary is the planned professional summary.
		Summary string `json:"summary"`
		// Skills is the ordered skill selection for the target role.
		Skills []string `json:"skills"`
		// ExperienceItems is the ordered selection of experience highlights.
		ExperienceItems []string `json:"experience_items"`
	}

	// PlanRequest carries the inputs for PlanDraft.
	PlanRequest struct {
		// Profile is the candidate profile to plan from.
		Profile Profile
		// Knowledge is the retrieved supporting snippets, most relevant first.
		Knowledge []string
		// Notes carries critique or human notes to incorporate, if any.
		Notes string
	}

	// RenderRequest carries the inputs for RenderDraft.
	RenderRequest struct {
		// Profile is the candidate profile.
		Profile Profile
		// Plan is the draft plan to render.
		Plan DraftPlan
		// PriorDraft is the previous draft text on revision passes, empty on
		// the first pass.
		PriorDraft string
		// CritiqueNotes are the issues to address on revision passes.
		CritiqueNotes []string
	}

	// CritiqueRequest carries the inputs for Critique.
	CritiqueRequest struct {
		// Profile is the candidate profile the draft was produced from.
		Profile Profile
		// Draft is the rendered draft text under review.
		Draft string
	}

	// CritiqueResult reports the critique outcome.
	CritiqueResult struct {
		// NeedsRevision indicates a revision pass is warranted.
		NeedsRevision bool `json:"needs_revision"`
		// Issues lists the problems found, empty when the draft is acceptable.
		Issues []string `json:"issues"`
	}

	// ComplianceRequest carries the inputs for ReviewCompliance.
	ComplianceRequest struct {
		// Draft is the draft text under review.
		Draft string
		// Policy is the compliance policy to evaluate against.
		Policy Policy
	}

	// Policy is the compliance policy applied to drafts.
	Policy struct {
		// Blocklist lists terms that must not appear in published drafts.
		// Matching is case-insensitive on whole terms.
		Blocklist []string
		// Profile is the candidate profile used to verify factual grounding.
		Profile Profile
	}

	// ComplianceResult is the structured compliance report.
	ComplianceResult struct {
		// Status is "approved" or "rejected".
		Status string `json:"status"`
		// Violations lists policy violations, empty when approved.
		Violations []string `json:"violations"`
	}
)

// Compliance report statuses.
const (
	// ComplianceApproved indicates the draft cleared the policy gate.
	ComplianceApproved = "approved"
	// ComplianceRejected indicates the draft violated the policy.
	ComplianceRejected = "rejected"
)

var (
	// ErrEmptyOutput indicates the model returned no usable content. Callers
	// treat this as an external call failure subject to the retry budget.
	ErrEmptyOutput = errors.New("model returned empty output")

	// ErrRateLimited indicates the provider rejected the call due to rate
	// limiting. Middleware uses this to adapt request pacing.
	ErrRateLimited = errors.New("model rate limited")
)

// Passed reports whether the result cleared the policy gate.
func (r *ComplianceResult) Passed() bool {
	return r != nil && r.Status == ComplianceApproved
}
