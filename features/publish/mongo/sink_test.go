package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/tailorworks/tailor/runtime/pipeline/publish"
)

// fakeCollection mimics FindOneAndUpdate upsert-returning-After semantics
// against an in-memory map keyed by run id.
type fakeCollection struct {
	docs    map[string]artifactDocument
	indexed []mongodriver.IndexModel
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]artifactDocument)}
}

func (c *fakeCollection) FindOneAndUpdate(_ context.Context, filter any, update any, _ ...options.Lister[options.FindOneAndUpdateOptions]) singleResult {
	runID, _ := filter.(bson.M)["run_id"].(string)
	u := update.(bson.M)
	set := u["$set"].(bson.M)
	doc, exists := c.docs[runID]
	if !exists {
		onInsert := u["$setOnInsert"].(bson.M)
		doc = artifactDocument{
			ArtifactID: onInsert["artifact_id"].(string),
			RunID:      onInsert["run_id"].(string),
			StoredAt:   onInsert["stored_at"].(time.Time),
		}
	}
	doc.Content = set["content"].(string)
	doc.Checksum = set["checksum"].(string)
	c.docs[runID] = doc
	return fakeSingleResult{doc: doc}
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{coll: c}
}

type fakeIndexView struct {
	coll *fakeCollection
}

func (v fakeIndexView) CreateOne(_ context.Context, model mongodriver.IndexModel, _ ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	v.coll.indexed = append(v.coll.indexed, model)
	return "run_id_1", nil
}

type fakeSingleResult struct {
	doc artifactDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	*(val.(*artifactDocument)) = r.doc
	return nil
}

func newTestSink(t *testing.T) (*sink, *fakeCollection) {
	t.Helper()
	coll := newFakeCollection()
	s, err := newSinkWithCollection(nil, coll, time.Second)
	require.NoError(t, err)
	return s, coll
}

func TestPersist(t *testing.T) {
	s, coll := newTestSink(t)

	ref, err := s.Persist(context.Background(), publish.PersistRequest{
		RunID:    "run-1",
		Content:  "Tailored resume.",
		Checksum: "abc123",
	})
	require.NoError(t, err)
	assert.Equal(t, "resume-run-1", ref.ID)
	assert.Equal(t, "abc123", ref.Checksum)
	assert.False(t, ref.StoredAt.IsZero())

	doc := coll.docs["run-1"]
	assert.Equal(t, "Tailored resume.", doc.Content)
}

func TestPersistIsIdempotentPerRun(t *testing.T) {
	s, _ := newTestSink(t)

	first, err := s.Persist(context.Background(), publish.PersistRequest{
		RunID:    "run-1",
		Content:  "Tailored resume.",
		Checksum: "abc123",
	})
	require.NoError(t, err)

	// A retry with the same run id updates content in place and keeps the
	// original identity and stored_at.
	second, err := s.Persist(context.Background(), publish.PersistRequest{
		RunID:    "run-1",
		Content:  "Tailored resume.",
		Checksum: "abc123",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.StoredAt, second.StoredAt)
}

func TestPersistValidation(t *testing.T) {
	s, _ := newTestSink(t)

	_, err := s.Persist(context.Background(), publish.PersistRequest{Content: "c", Checksum: "x"})
	require.Error(t, err)
	_, err = s.Persist(context.Background(), publish.PersistRequest{RunID: "r", Checksum: "x"})
	require.Error(t, err)
	_, err = s.Persist(context.Background(), publish.PersistRequest{RunID: "r", Content: "c"})
	require.Error(t, err)
}

func TestSinkEnsureIndexes(t *testing.T) {
	coll := newFakeCollection()
	require.NoError(t, ensureIndexes(context.Background(), coll))
	require.Len(t, coll.indexed, 1)
	keys := coll.indexed[0].Keys.(bson.D)
	require.Len(t, keys, 1)
	assert.Equal(t, "run_id", keys[0].Key)
}

func TestSinkName(t *testing.T) {
	s, _ := newTestSink(t)
	assert.Equal(t, "publish-mongo", s.Name())
}
