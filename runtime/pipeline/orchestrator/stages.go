package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tailorworks/tailor/runtime/pipeline/api"
	"github.com/tailorworks/tailor/runtime/pipeline/content"
	"github.com/tailorworks/tailor/runtime/pipeline/knowledge"
	"github.com/tailorworks/tailor/runtime/pipeline/publish"
	"github.com/tailorworks/tailor/runtime/pipeline/run"
)

// runIngestion normalizes the raw documents and indexes them under the run's
// namespace. Ingest-only runs complete here; full pipeline runs advance to
// drafting.
func (o *Orchestrator) runIngestion(ctx context.Context, in *api.StageInput) (*api.StageOutput, error) {
	started := time.Now()
	raw := in.State.DocumentArtifact(run.ArtifactRawDocuments)
	if len(raw) == 0 {
		return nil, run.NewInputError(run.StageIngestion, run.ArtifactRawDocuments)
	}

	// Blank documents are dropped; the run fails only when nothing
	// substantive remains.
	normalized := make(map[string]string, len(raw))
	docs := make([]knowledge.Document, 0, len(raw))
	ids := make([]string, 0, len(raw))
	for id, text := range raw {
		clean := strings.Join(strings.Fields(text), " ")
		if clean == "" {
			continue
		}
		normalized[id] = clean
		docs = append(docs, knowledge.Document{ID: id, Content: clean})
		ids = append(ids, id)
	}
	if len(normalized) == 0 {
		return nil, run.NewInputError(run.StageIngestion, run.ArtifactRawDocuments)
	}
	sort.Strings(ids)
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })

	res, err := o.index.Upsert(ctx, knowledge.UpsertRequest{
		Namespace: in.RunID,
		Documents: docs,
	})
	if err != nil {
		return nil, fmt.Errorf("index documents: %w", err)
	}

	update := run.Update{
		Artifacts: map[string]any{
			run.ArtifactNormalizedDocuments: normalized,
			run.ArtifactVectorIndex: map[string]any{
				"namespace": in.RunID,
				"count":     res.Count,
			},
		},
		Metrics: map[string]float64{
			run.MetricDocuments: float64(len(normalized)),
			run.MetricIndexed:   float64(res.Count),
		},
		Audit: []string{
			"ingestion.normalized:" + strings.Join(ids, ","),
			"ingestion.indexed:" + strconv.Itoa(res.Count),
		},
	}
	if in.State.Task == run.TaskIngest {
		update.Stage = run.StageDone
		update.Status = run.StatusComplete
		update.Audit = append(update.Audit, "ingestion.complete")
	} else {
		update.Stage = run.StageDrafting
	}

	o.metrics.RecordTimer("pipeline_stage_duration", time.Since(started), "stage", "ingestion")
	return &api.StageOutput{Update: update}, nil
}

// runDrafting retrieves supporting knowledge, plans, and renders the draft.
// Revision passes feed the recorded critique notes back into the prompts. The
// drafts metric is cumulative and reported as the new total.
func (o *Orchestrator) runDrafting(ctx context.Context, in *api.StageInput) (*api.StageOutput, error) {
	started := time.Now()
	profile, err := decodeProfile(in.State)
	if err != nil {
		return nil, run.NewInputError(run.StageDrafting, run.ArtifactProfile)
	}

	var snippets []string
	if in.State.Artifacts[run.ArtifactVectorIndex] != nil {
		query := profile.TargetRole
		if query == "" {
			query = profile.Headline
		}
		hits, err := o.index.SimilaritySearch(ctx, knowledge.SearchRequest{
			Namespace: in.RunID,
			Query:     query,
			TopK:      in.TopK,
		})
		if err != nil {
			return nil, fmt.Errorf("similarity search: %w", err)
		}
		for _, h := range hits {
			snippets = append(snippets, h.Content)
		}
	}

	notes := critiqueNotes(in.State)
	plan, err := o.content.PlanDraft(ctx, content.PlanRequest{
		Profile:   profile,
		Knowledge: snippets,
		Notes:     strings.Join(notes, "; "),
	})
	if err != nil {
		return nil, fmt.Errorf("plan draft: %w", err)
	}

	draft, err := o.content.RenderDraft(ctx, content.RenderRequest{
		Profile:       profile,
		Plan:          *plan,
		PriorDraft:    in.State.StringArtifact(run.ArtifactDraftText),
		CritiqueNotes: notes,
	})
	if err != nil {
		return nil, fmt.Errorf("render draft: %w", err)
	}

	drafts := in.State.Metrics[run.MetricDrafts] + 1
	update := run.Update{
		Artifacts: map[string]any{
			run.ArtifactDraftPlan: plan,
			run.ArtifactDraftText: draft,
		},
		Flags: map[string]any{
			run.FlagNeedsRevision: false,
		},
		Metrics: map[string]float64{
			run.MetricDrafts: drafts,
		},
		Audit: []string{
			"drafting.outline_prepared",
			"drafting.resume_rendered",
		},
	}
	if in.State.BoolFlag(run.FlagSkipCritique) {
		update.Stage = run.StageCompliance
		update.Audit = append(update.Audit, "drafting.critique_skipped")
	} else {
		update.Stage = run.StageCritique
	}

	o.metrics.RecordTimer("pipeline_stage_duration", time.Since(started), "stage", "drafting")
	return &api.StageOutput{Update: update}, nil
}

// runCritique reviews the draft and decides whether to loop back to drafting.
// This is the only place revision_count is mutated, so the loop bound cannot
// be bypassed by other stages.
func (o *Orchestrator) runCritique(ctx context.Context, in *api.StageInput) (*api.StageOutput, error) {
	started := time.Now()
	draft := in.State.StringArtifact(run.ArtifactDraftText)
	if draft == "" {
		return nil, run.NewInputError(run.StageCritique, run.ArtifactDraftText)
	}
	profile, err := decodeProfile(in.State)
	if err != nil {
		return nil, run.NewInputError(run.StageCritique, run.ArtifactProfile)
	}

	result, err := o.content.Critique(ctx, content.CritiqueRequest{
		Profile: profile,
		Draft:   draft,
	})
	if err != nil {
		return nil, fmt.Errorf("critique draft: %w", err)
	}

	revisions := in.State.RevisionCount()
	update := run.Update{
		Artifacts: map[string]any{
			run.ArtifactCritiqueNotes: result.Issues,
		},
	}
	switch {
	case result.NeedsRevision && revisions < in.MaxRevisionLoops:
		next := revisions + 1
		update.Stage = run.StageDrafting
		update.Flags = map[string]any{
			run.FlagNeedsRevision: true,
			run.FlagRevisionCount: next,
		}
		update.Metrics = map[string]float64{run.MetricRevisions: float64(next)}
		update.Audit = []string{"critique.changes_requested"}
	case result.NeedsRevision:
		// Loop bound reached: the reported revision request is overridden.
		update.Stage = run.StageCompliance
		update.Flags = map[string]any{run.FlagNeedsRevision: false}
		update.Audit = []string{"critique.bound_reached:" + strconv.Itoa(in.MaxRevisionLoops), "critique.approved"}
	default:
		update.Stage = run.StageCompliance
		update.Flags = map[string]any{run.FlagNeedsRevision: false}
		update.Audit = []string{"critique.approved"}
	}

	o.metrics.RecordTimer("pipeline_stage_duration", time.Since(started), "stage", "critique")
	return &api.StageOutput{Update: update}, nil
}

// runCompliance gates the draft against the policy: a local blocklist scan
// plus a model review. A failed gate terminates the run with Error; passing
// advances to publishing (or completes compliance-only runs).
func (o *Orchestrator) runCompliance(ctx context.Context, in *api.StageInput) (*api.StageOutput, error) {
	started := time.Now()
	draft := in.State.StringArtifact(run.ArtifactDraftText)
	if draft == "" {
		return nil, run.NewInputError(run.StageCompliance, run.ArtifactDraftText)
	}
	profile, _ := decodeProfile(in.State)

	violations := scanBlocklist(draft, in.Blocklist)

	result, err := o.content.ReviewCompliance(ctx, content.ComplianceRequest{
		Draft: draft,
		Policy: content.Policy{
			Blocklist: in.Blocklist,
			Profile:   profile,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("review compliance: %w", err)
	}
	violations = append(violations, result.Violations...)

	report := content.ComplianceResult{Status: content.ComplianceApproved}
	if len(violations) > 0 {
		report = content.ComplianceResult{Status: content.ComplianceRejected, Violations: violations}
	}

	update := run.Update{
		Artifacts: map[string]any{run.ArtifactComplianceReport: report},
	}
	switch {
	case !report.Passed():
		update.Stage = run.StageDone
		update.Status = run.StatusError
		update.Audit = []string{"compliance.rejected"}
	case in.State.Task == run.TaskComplianceOnly:
		update.Stage = run.StageDone
		update.Status = run.StatusComplete
		update.Audit = []string{"compliance.approved", "compliance.complete"}
	default:
		update.Stage = run.StagePublishing
		update.Flags = map[string]any{run.FlagAwaitingHuman: true}
		update.Audit = []string{"compliance.approved"}
	}

	o.metrics.RecordTimer("pipeline_stage_duration", time.Since(started), "stage", "compliance")
	return &api.StageOutput{Update: update}, nil
}

// runPersist durably stores the approved draft. The checksum is computed here
// so the stored artifact and the run state always agree on content identity.
func (o *Orchestrator) runPersist(ctx context.Context, in *api.StageInput) (*api.StageOutput, error) {
	draft := in.State.StringArtifact(run.ArtifactDraftText)
	if draft == "" {
		return nil, run.NewInputError(run.StagePublishing, run.ArtifactDraftText)
	}

	sum := sha256.Sum256([]byte(draft))
	ref, err := o.sink.Persist(ctx, publish.PersistRequest{
		RunID:    in.RunID,
		Content:  draft,
		Checksum: hex.EncodeToString(sum[:]),
	})
	if err != nil {
		return nil, fmt.Errorf("persist artifact: %w", err)
	}

	return &api.StageOutput{Update: run.Update{
		Artifacts: map[string]any{run.ArtifactPublishedArtifact: ref},
		Audit:     []string{"publishing.stored"},
	}}, nil
}

// runNotify emits the completion event for the run. The event status follows
// the decision outcome recorded on the state.
func (o *Orchestrator) runNotify(ctx context.Context, in *api.StageInput) (*api.StageOutput, error) {
	status := publish.EventPublished
	message := "resume published for run " + in.RunID
	if in.State.Artifacts[run.ArtifactPublishedArtifact] == nil {
		status = publish.EventRejected
		message = "resume rejected for run " + in.RunID
		if in.Notes != "" {
			message += ": " + in.Notes
		}
	}

	ack, err := o.notifier.Notify(ctx, publish.Event{
		RunID:     in.RunID,
		Status:    status,
		Recipient: in.Recipient,
		Message:   message,
	})
	if err != nil {
		return nil, fmt.Errorf("notify completion: %w", err)
	}

	return &api.StageOutput{Update: run.Update{
		Flags: map[string]any{run.FlagNotificationID: ack.EventID},
		Audit: []string{"publishing.notified"},
	}}, nil
}

// recordRun mirrors the run position into the run store for lookup outside
// the workflow engine.
func (o *Orchestrator) recordRun(ctx context.Context, in *api.StageInput) (*api.StageOutput, error) {
	existing, err := o.store.Load(ctx, in.RunID)
	if err != nil && !errors.Is(err, run.ErrNotFound) {
		return nil, err
	}
	record := run.Record{
		RunID:     in.RunID,
		Task:      in.State.Task,
		Stage:     in.State.Stage,
		Status:    in.State.Status,
		StartedAt: existing.StartedAt,
		UpdatedAt: time.Now().UTC(),
		Labels:    existing.Labels,
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = record.UpdatedAt
	}
	if err := o.store.Upsert(ctx, record); err != nil {
		return nil, err
	}
	return &api.StageOutput{}, nil
}

// decodeProfile reads the profile artifact, tolerating the map shape a JSON
// round-trip produces.
func decodeProfile(state *run.State) (content.Profile, error) {
	v, ok := state.Artifacts[run.ArtifactProfile]
	if !ok || v == nil {
		return content.Profile{}, fmt.Errorf("profile artifact missing")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return content.Profile{}, err
	}
	var p content.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return content.Profile{}, err
	}
	if p.Name == "" && p.Headline == "" && len(p.Skills) == 0 {
		return content.Profile{}, fmt.Errorf("profile artifact empty")
	}
	return p, nil
}

// critiqueNotes reads the critique notes artifact, tolerating []any from a
// JSON round-trip.
func critiqueNotes(state *run.State) []string {
	v, ok := state.Artifacts[run.ArtifactCritiqueNotes]
	if !ok {
		return nil
	}
	switch notes := v.(type) {
	case []string:
		return notes
	case []any:
		out := make([]string, 0, len(notes))
		for _, n := range notes {
			if s, ok := n.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// scanBlocklist reports case-insensitive blocklist hits in the draft.
func scanBlocklist(draft string, blocklist []string) []string {
	lower := strings.ToLower(draft)
	var hits []string
	for _, term := range blocklist {
		if term == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(term)) {
			hits = append(hits, "blocklist term present: "+term)
		}
	}
	return hits
}
