package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailorworks/tailor/runtime/pipeline/publish"
)

type fakeStream struct {
	events   []string
	payloads [][]byte
	err      error
}

func (f *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.events = append(f.events, event)
	f.payloads = append(f.payloads, payload)
	return "1690000000000-0", nil
}

func TestNewRequiresRedisOrStream(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	n, err := New(Options{Stream: &fakeStream{}})
	require.NoError(t, err)
	require.NotNil(t, n)
}

func TestNotifyPublishesEvent(t *testing.T) {
	stream := &fakeStream{}
	n, err := New(Options{Stream: stream})
	require.NoError(t, err)

	ack, err := n.Notify(context.Background(), publish.Event{
		RunID:     "run-1",
		Status:    publish.EventPublished,
		Recipient: "hiring@example.com",
		Message:   "resume published for run run-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "1690000000000-0", ack.EventID)

	require.Len(t, stream.events, 1)
	assert.Equal(t, EventCompletion, stream.events[0])

	var event publish.Event
	require.NoError(t, json.Unmarshal(stream.payloads[0], &event))
	assert.Equal(t, "run-1", event.RunID)
	assert.Equal(t, publish.EventPublished, event.Status)
}

func TestNotifyRequiresRunID(t *testing.T) {
	n, err := New(Options{Stream: &fakeStream{}})
	require.NoError(t, err)
	_, err = n.Notify(context.Background(), publish.Event{Status: publish.EventRejected})
	require.Error(t, err)
}

func TestNotifyStreamError(t *testing.T) {
	n, err := New(Options{Stream: &fakeStream{err: errors.New("redis down")}})
	require.NoError(t, err)
	_, err = n.Notify(context.Background(), publish.Event{RunID: "run-1", Status: publish.EventRejected})
	assert.ErrorContains(t, err, "redis down")
}
