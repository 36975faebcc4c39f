// Package publish defines the persistence and notification abstractions for
// the publishing stage. The reference implementation persists to MongoDB and
// notifies through a Pulse stream.
package publish

import (
	"context"
	"time"
)

type (
	// Sink persists approved drafts. Persist must be idempotent per run id so
	// activity retries cannot double-publish.
	Sink interface {
		// Persist durably stores the approved draft and returns a reference to
		// the stored artifact.
		Persist(ctx context.Context, req PersistRequest) (*ArtifactRef, error)
	}

	// Notifier delivers run completion events. Notify must be idempotent per
	// run id and status.
	Notifier interface {
		// Notify emits a completion event and returns the delivery ack.
		Notify(ctx context.Context, event Event) (*Ack, error)
	}

	// PersistRequest carries the inputs for Persist.
	PersistRequest struct {
		// RunID identifies the run the artifact belongs to and keys the
		// idempotent write.
		RunID string
		// Content is the approved draft text.
		Content string
		// Checksum is the SHA-256 hex digest of Content.
		Checksum string
	}

	// ArtifactRef identifies a persisted artifact.
	ArtifactRef struct {
		// ID is the storage-assigned artifact identifier.
		ID string `json:"id"`
		// Checksum echoes the stored content checksum.
		Checksum string `json:"checksum"`
		// StoredAt records when the artifact was persisted.
		StoredAt time.Time `json:"stored_at"`
	}

	// Event is a run completion notification.
	Event struct {
		// RunID identifies the completed run.
		RunID string `json:"run_id"`
		// Status is "published" or "rejected".
		Status string `json:"status"`
		// Recipient addresses the notification.
		Recipient string `json:"recipient"`
		// Message is the human-readable completion summary.
		Message string `json:"message"`
	}

	// Ack confirms event delivery.
	Ack struct {
		// EventID is the delivery identifier assigned by the transport.
		EventID string `json:"event_id"`
	}
)

// Event statuses.
const (
	// EventPublished indicates the run completed with a persisted artifact.
	EventPublished = "published"
	// EventRejected indicates the run terminated on human rejection.
	EventRejected = "rejected"
)
