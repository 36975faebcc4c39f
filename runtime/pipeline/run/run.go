// Package run defines the durable state record for one tailoring pipeline
// execution.
//
// # Core Concepts
//
// State (the unit of durable execution):
//   - One State per pipeline invocation, identified by a stable run id.
//   - Mutated exclusively by the orchestrator and the stage handler currently
//     holding control; immutable once terminal.
//   - Serializable as a flat JSON record because it crosses the durable
//     execution boundary (workflow input/output, query snapshots).
//
// Update (partial mutation):
//   - Each stage returns an Update rather than mutating State directly.
//     Artifact and flag keys merge last-writer-wins; metric keys are set, not
//     summed (a stage reports its own cumulative counter value); audit labels
//     append in order. Stage advance and audit entries land in the same Apply
//     so callers never observe one without the other.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type (
	// Stage is a named phase of the pipeline.
	Stage string

	// Status is the coarse lifecycle state of a run.
	Status string

	// Task selects the initial stage at bootstrap and is immutable afterwards.
	Task string

	// State is the durable record of one pipeline execution.
	State struct {
		// ID is the opaque run identifier, stable for the lifetime of the
		// execution and used for correlation with external callers.
		ID string `json:"id"`
		// Task is the task the run was created with.
		Task Task `json:"task"`
		// Stage is the current pipeline position.
		Stage Stage `json:"stage"`
		// Status is the current lifecycle status.
		Status Status `json:"status"`
		// Artifacts maps artifact keys to structured values. Keys are never
		// deleted; later writers overwrite per key.
		Artifacts map[string]any `json:"artifacts"`
		// Flags maps control-signal keys to boolean/scalar values.
		Flags map[string]any `json:"flags"`
		// Metrics maps counter names to their current cumulative value.
		Metrics map[string]float64 `json:"metrics"`
		// AuditTrail is the append-only ordered sequence of event labels.
		// Insertion order is significant and entries are never reordered or
		// deduplicated.
		AuditTrail []string `json:"audit_trail"`
	}

	// Update is the partial mutation a stage handler returns. Zero-valued
	// Stage/Status mean "unchanged".
	Update struct {
		Stage     Stage              `json:"stage,omitempty"`
		Status    Status             `json:"status,omitempty"`
		Artifacts map[string]any     `json:"artifacts,omitempty"`
		Flags     map[string]any     `json:"flags,omitempty"`
		Metrics   map[string]float64 `json:"metrics,omitempty"`
		Audit     []string           `json:"audit,omitempty"`
	}

	// Record captures persistent run metadata stored for observability and
	// lookup, independent of the full workflow state.
	Record struct {
		// RunID is the durable workflow run identifier.
		RunID string
		// Task is the task the run was created with.
		Task Task
		// Stage is the last observed pipeline position.
		Stage Stage
		// Status is the last observed lifecycle status.
		Status Status
		// StartedAt records when the run began.
		StartedAt time.Time
		// UpdatedAt records when the record was last updated.
		UpdatedAt time.Time
		// Labels stores caller-provided metadata.
		Labels map[string]string
	}

	// Store persists run metadata for observability and lookup.
	Store interface {
		Upsert(ctx context.Context, record Record) error
		Load(ctx context.Context, runID string) (Record, error)
	}

	// InputError reports a missing or empty required artifact at a stage
	// boundary. Input errors are fatal to the run and are never retried.
	InputError struct {
		// Stage is the stage that detected the problem.
		Stage Stage
		// Artifact is the artifact key that was missing or empty.
		Artifact string
	}
)

const (
	// StageRoute is the bootstrap position before the task-to-stage map is applied.
	StageRoute Stage = "Route"
	// StageIngestion normalizes and indexes the raw source documents.
	StageIngestion Stage = "Ingestion"
	// StageDrafting plans and renders the tailored draft.
	StageDrafting Stage = "Drafting"
	// StageCritique reviews the draft and decides on revision.
	StageCritique Stage = "Critique"
	// StageCompliance gates the draft against the compliance policy.
	StageCompliance Stage = "Compliance"
	// StagePublishing waits for human approval, then persists and notifies.
	StagePublishing Stage = "Publishing"
	// StageDone is the terminal position.
	StageDone Stage = "Done"
)

const (
	// StatusPending indicates the run has been accepted but not started yet.
	StatusPending Status = "Pending"
	// StatusInProgress indicates the run is actively executing.
	StatusInProgress Status = "InProgress"
	// StatusComplete indicates the run finished successfully.
	StatusComplete Status = "Complete"
	// StatusError indicates the run terminated on a rejection or failure.
	StatusError Status = "Error"
)

const (
	// TaskIngest ingests and indexes documents, then completes.
	TaskIngest Task = "ingest"
	// TaskDraft produces a draft from an existing profile.
	TaskDraft Task = "draft"
	// TaskRevise re-drafts using previously recorded critique notes.
	TaskRevise Task = "revise"
	// TaskResumePipeline runs the full pipeline from ingestion to publishing.
	TaskResumePipeline Task = "resume_pipeline"
	// TaskComplianceOnly runs the compliance gate against an existing draft.
	TaskComplianceOnly Task = "compliance_only"
	// TaskPublish runs the approval/publish tail against an existing draft.
	TaskPublish Task = "publish"
)

// Well-known artifact keys.
const (
	ArtifactRawDocuments        = "raw_documents"
	ArtifactNormalizedDocuments = "normalized_documents"
	ArtifactVectorIndex         = "vector_index"
	ArtifactProfile             = "profile"
	ArtifactDraftPlan           = "draft_plan"
	ArtifactDraftText           = "draft_text"
	ArtifactCritiqueNotes       = "critique_notes"
	ArtifactComplianceReport    = "compliance_report"
	ArtifactPublishedArtifact   = "published_artifact"
)

// Well-known flag keys.
const (
	FlagRevisionCount  = "revision_count"
	FlagNeedsRevision  = "needs_revision"
	FlagAwaitingHuman  = "awaiting_human"
	FlagSkipCritique   = "skip_critique"
	FlagHumanNotes     = "human_notes"
	FlagNotificationID = "notification_id"
)

// Well-known metric keys.
const (
	MetricDocuments = "documents"
	MetricIndexed   = "indexed"
	MetricDrafts    = "drafts"
	MetricRevisions = "revisions"
)

var (
	// ErrNotFound indicates that no run exists for the given identifier.
	ErrNotFound = errors.New("run not found")

	// ErrNotAwaitingDecision indicates a decision signal was delivered while
	// the run was not suspended awaiting one. The signal is rejected outright
	// and the run state is not mutated.
	ErrNotAwaitingDecision = errors.New("run is not awaiting a decision")

	initialStages = map[Task]Stage{
		TaskIngest:         StageIngestion,
		TaskDraft:          StageDrafting,
		TaskRevise:         StageDrafting,
		TaskResumePipeline: StageIngestion,
		TaskComplianceOnly: StageCompliance,
		TaskPublish:        StagePublishing,
	}
)

// Error implements error.
func (e *InputError) Error() string {
	return fmt.Sprintf("%s: required artifact %q is missing or empty", e.Stage, e.Artifact)
}

// NewInputError builds an InputError for the given stage and artifact key.
func NewInputError(stage Stage, artifact string) *InputError {
	return &InputError{Stage: stage, Artifact: artifact}
}

// InitialStage maps a task to its bootstrap stage. Returns false for unknown
// tasks.
func InitialStage(task Task) (Stage, bool) {
	s, ok := initialStages[task]
	return s, ok
}

// Bootstrap creates the State for a new pipeline invocation. The stage is set
// to Route; the orchestrator resolves the task-to-stage map on its first
// iteration so the routing decision lands in the audit trail.
func Bootstrap(id string, task Task, artifacts, flags map[string]any) (*State, error) {
	if id == "" {
		return nil, errors.New("run id is required")
	}
	if _, ok := initialStages[task]; !ok {
		return nil, fmt.Errorf("unknown task %q", task)
	}
	s := &State{
		ID:         id,
		Task:       task,
		Stage:      StageRoute,
		Status:     StatusPending,
		Artifacts:  make(map[string]any, len(artifacts)),
		Flags:      make(map[string]any, len(flags)),
		Metrics:    make(map[string]float64),
		AuditTrail: nil,
	}
	for k, v := range artifacts {
		s.Artifacts[k] = v
	}
	for k, v := range flags {
		s.Flags[k] = v
	}
	return s, nil
}

// Terminal reports whether the state reached its immutable final form.
func (s *State) Terminal() bool {
	return s.Stage == StageDone && (s.Status == StatusComplete || s.Status == StatusError)
}

// Apply merges an Update into the state. Applying to a terminal state is a
// no-op: once Complete or Error the record is immutable.
func (s *State) Apply(u Update) {
	if s.Terminal() {
		return
	}
	if s.Artifacts == nil {
		s.Artifacts = make(map[string]any)
	}
	if s.Flags == nil {
		s.Flags = make(map[string]any)
	}
	if s.Metrics == nil {
		s.Metrics = make(map[string]float64)
	}
	for k, v := range u.Artifacts {
		s.Artifacts[k] = v
	}
	for k, v := range u.Flags {
		s.Flags[k] = v
	}
	for k, v := range u.Metrics {
		s.Metrics[k] = v
	}
	s.AuditTrail = append(s.AuditTrail, u.Audit...)
	if u.Stage != "" {
		s.Stage = u.Stage
	}
	if u.Status != "" {
		s.Status = u.Status
	}
}

// Clone returns a deep copy of the state via a JSON round-trip. The round-trip
// doubles as a check that the state remains schema-stable across the durable
// execution boundary.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		// State holds only JSON-representable values; a marshal failure means
		// a stage stored a non-serializable artifact, which is a programming
		// error surfaced at the first clone.
		panic(fmt.Sprintf("run state %q is not serializable: %v", s.ID, err))
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("run state %q round-trip failed: %v", s.ID, err))
	}
	return &out
}

// RevisionCount reads the revision_count flag, tolerating the numeric types a
// JSON round-trip produces.
func (s *State) RevisionCount() int {
	return intFlag(s.Flags, FlagRevisionCount)
}

// AwaitingHuman reports whether the run is suspended on a human decision.
func (s *State) AwaitingHuman() bool {
	v, ok := s.Flags[FlagAwaitingHuman]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// BoolFlag reads a boolean flag, returning false when absent or not a bool.
func (s *State) BoolFlag(key string) bool {
	v, ok := s.Flags[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// StringArtifact reads a string artifact, returning "" when absent or not a
// string.
func (s *State) StringArtifact(key string) string {
	v, ok := s.Artifacts[key]
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// DocumentArtifact reads a map-of-strings artifact (document id to text),
// tolerating the map[string]any shape a JSON round-trip produces.
func (s *State) DocumentArtifact(key string) map[string]string {
	v, ok := s.Artifacts[key]
	if !ok {
		return nil
	}
	switch m := v.(type) {
	case map[string]string:
		out := make(map[string]string, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, val := range m {
			if str, ok := val.(string); ok {
				out[k] = str
			}
		}
		return out
	default:
		return nil
	}
}

func intFlag(flags map[string]any, key string) int {
	v, ok := flags[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
