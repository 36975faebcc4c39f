// Package pulse provides a publish.Notifier that emits run completion events
// to a Pulse stream backed by Redis. Consumers subscribe to the stream to
// deliver the events to their final destinations (mail, chat, webhooks).
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/tailorworks/tailor/runtime/pipeline/publish"
)

const (
	// DefaultStreamName is the Pulse stream completion events publish to.
	DefaultStreamName = "tailor-notifications"

	// EventCompletion is the event name used for run completion payloads.
	EventCompletion = "run.completed"
)

type (
	// Options configures the Pulse notifier.
	Options struct {
		// Redis is the Redis connection used to back the Pulse stream.
		// Required unless Stream is provided.
		Redis *redis.Client

		// Stream overrides the Pulse stream handle, mainly for tests.
		Stream Stream

		// StreamName names the Pulse stream. Empty means DefaultStreamName.
		StreamName string

		// StreamMaxLen bounds the number of entries kept in the stream. Zero
		// uses Pulse defaults.
		StreamMaxLen int

		// OperationTimeout bounds individual Add operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Stream captures the subset of Pulse stream operations the notifier
	// uses.
	Stream interface {
		Add(ctx context.Context, event string, payload []byte) (string, error)
	}

	// Notifier implements publish.Notifier on a Pulse stream.
	Notifier struct {
		stream  Stream
		timeout time.Duration
	}

	streamAdapter struct {
		stream *streaming.Stream
	}
)

// New constructs a Pulse-backed notifier. Either Redis or Stream must be set.
func New(opts Options) (*Notifier, error) {
	stream := opts.Stream
	if stream == nil {
		if opts.Redis == nil {
			return nil, errors.New("redis client is required")
		}
		name := opts.StreamName
		if name == "" {
			name = DefaultStreamName
		}
		var streamOptions []streamopts.Stream
		if opts.StreamMaxLen > 0 {
			streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(opts.StreamMaxLen))
		}
		s, err := streaming.NewStream(name, opts.Redis, streamOptions...)
		if err != nil {
			return nil, fmt.Errorf("create pulse stream: %w", err)
		}
		stream = &streamAdapter{stream: s}
	}
	return &Notifier{stream: stream, timeout: opts.OperationTimeout}, nil
}

// Notify publishes the completion event and returns the Redis-assigned event
// id as the delivery ack.
func (n *Notifier) Notify(ctx context.Context, event publish.Event) (*publish.Ack, error) {
	if event.RunID == "" {
		return nil, errors.New("run id is required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	id, err := n.stream.Add(ctx, EventCompletion, payload)
	if err != nil {
		return nil, fmt.Errorf("pulse add: %w", err)
	}
	return &publish.Ack{EventID: id}, nil
}

func (a *streamAdapter) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return a.stream.Add(ctx, event, payload)
}
